package model

import (
	"errors"
	"fmt"
	"time"
)

// Operation is an operator request against a job's status.
type Operation string

const (
	OpStart  Operation = "start"
	OpPause  Operation = "pause"
	OpResume Operation = "resume"
	OpCancel Operation = "cancel"
	OpRetry  Operation = "retry"
)

// ErrInvalidTransition is matched by every TransitionError.
var ErrInvalidTransition = errors.New("invalid status transition")

// TransitionError reports an operation requested from a status that does
// not allow it.
type TransitionError struct {
	Op   Operation
	From Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot %s job in status %s", e.Op, e.From)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// Allowed reports whether op may be applied to a job in status s.
func Allowed(op Operation, s Status) bool {
	switch op {
	case OpStart:
		return s == StatusDraft || s == StatusScheduled
	case OpPause:
		return s == StatusRunning
	case OpResume:
		return s == StatusPaused
	case OpCancel:
		return !s.Terminal()
	case OpRetry:
		return s == StatusFailed
	}
	return false
}

// Apply performs op on the job. An illegal request returns a
// *TransitionError and leaves the job untouched.
func (j *Job) Apply(op Operation, now time.Time) error {
	if !Allowed(op, j.Status) {
		return &TransitionError{Op: op, From: j.Status}
	}
	switch op {
	case OpStart:
		j.Status = StatusRunning
		j.StartedAt = &now
	case OpPause:
		j.Status = StatusPaused
	case OpResume:
		j.Status = StatusRunning
	case OpCancel:
		j.Status = StatusCancelled
		j.CompletedAt = &now
	case OpRetry:
		j.Status = StatusRunning
		j.LastError = ""
	}
	return nil
}
