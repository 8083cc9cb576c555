package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// DataType is one independently migrated kind of mailbox data.
type DataType string

const (
	DataTypeEmails    DataType = "EMAILS"
	DataTypeContacts  DataType = "CONTACTS"
	DataTypeCalendars DataType = "CALENDARS"
)

// AllDataTypes lists data types in the order a job migrates them.
var AllDataTypes = []DataType{DataTypeEmails, DataTypeContacts, DataTypeCalendars}

// ParseDataType accepts the canonical names and their lower-case plural or
// singular forms.
func ParseDataType(s string) (DataType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "emails", "email", "messages", "mail":
		return DataTypeEmails, nil
	case "contacts", "contact":
		return DataTypeContacts, nil
	case "calendars", "calendar", "events", "event":
		return DataTypeCalendars, nil
	}
	return "", fmt.Errorf("unknown data type %q", s)
}

// Status is the operational state of a job.
type Status string

const (
	StatusDraft     Status = "DRAFT"
	StatusScheduled Status = "SCHEDULED"
	StatusRunning   Status = "RUNNING"
	StatusPaused    Status = "PAUSED"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// Terminal reports whether no further control operation except retry (for
// FAILED) can move the job.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Phase is a job's position in the migration lifecycle.
type Phase string

const (
	PhaseInitialSync     Phase = "INITIAL_SYNC"
	PhaseIncrementalSync Phase = "INCREMENTAL_SYNC"
	PhaseGoLive          Phase = "GO_LIVE"
	PhaseCompleted       Phase = "COMPLETED"
)

func (p Phase) rank() int {
	switch p {
	case PhaseInitialSync:
		return 0
	case PhaseIncrementalSync:
		return 1
	case PhaseGoLive:
		return 2
	case PhaseCompleted:
		return 3
	}
	return -1
}

// ErrPhaseRegression is returned when a phase change would move backwards.
var ErrPhaseRegression = errors.New("phase cannot regress")

// DataTypeSet selects which data types a job migrates.
type DataTypeSet struct {
	Emails    bool `json:"emails"`
	Contacts  bool `json:"contacts"`
	Calendars bool `json:"calendars"`
}

// AllDataTypesEnabled returns a set with every data type switched on.
func AllDataTypesEnabled() DataTypeSet {
	return DataTypeSet{Emails: true, Contacts: true, Calendars: true}
}

// Enabled reports whether dt is selected.
func (s DataTypeSet) Enabled(dt DataType) bool {
	switch dt {
	case DataTypeEmails:
		return s.Emails
	case DataTypeContacts:
		return s.Contacts
	case DataTypeCalendars:
		return s.Calendars
	}
	return false
}

// List returns the selected data types in migration order.
func (s DataTypeSet) List() []DataType {
	var out []DataType
	for _, dt := range AllDataTypes {
		if s.Enabled(dt) {
			out = append(out, dt)
		}
	}
	return out
}

// Empty reports whether nothing is selected.
func (s DataTypeSet) Empty() bool {
	return !s.Emails && !s.Contacts && !s.Calendars
}

// Counter holds the item counts of one data type.
type Counter struct {
	Total    int64 `json:"total"`
	Migrated int64 `json:"migrated"`
	Failed   int64 `json:"failed"`
}

// Percent is migrated*100/total truncated, or 0 while the total is unknown.
func (c Counter) Percent() int {
	return percent(c.Migrated, c.Total)
}

func percent(migrated, total int64) int {
	if total <= 0 {
		return 0
	}
	return int(migrated * 100 / total)
}

// OverallPercent is floor(sum(migrated)*100/sum(total)) across counters.
func OverallPercent(counters ...Counter) int {
	var migrated, total int64
	for _, c := range counters {
		migrated += c.Migrated
		total += c.Total
	}
	return percent(migrated, total)
}

// Job is one migration unit between a source and a target account.
type Job struct {
	ID              string      `json:"id"`
	Name            string      `json:"name"`
	Description     string      `json:"description,omitempty"`
	SourceAccountID string      `json:"source_account_id"`
	TargetAccountID string      `json:"target_account_id"`
	DataTypes       DataTypeSet `json:"data_types"`
	Phase           Phase       `json:"phase"`
	Status          Status      `json:"status"`
	Emails          Counter     `json:"emails"`
	Contacts        Counter     `json:"contacts"`
	Events          Counter     `json:"events"`
	ProgressPercent int         `json:"progress_percent"`
	LastError       string      `json:"last_error,omitempty"`
	GoLiveRequested bool        `json:"go_live_requested"`
	ScheduledAt     *time.Time  `json:"scheduled_at,omitempty"`
	StartedAt       *time.Time  `json:"started_at,omitempty"`
	CompletedAt     *time.Time  `json:"completed_at,omitempty"`
	LastSyncAt      *time.Time  `json:"last_sync_at,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// Counter returns a pointer to the counter of dt, or nil for unknown types.
func (j *Job) Counter(dt DataType) *Counter {
	switch dt {
	case DataTypeEmails:
		return &j.Emails
	case DataTypeContacts:
		return &j.Contacts
	case DataTypeCalendars:
		return &j.Events
	}
	return nil
}

// RecomputeProgress refreshes ProgressPercent from the enabled counters.
func (j *Job) RecomputeProgress() int {
	var cs []Counter
	for _, dt := range j.DataTypes.List() {
		cs = append(cs, *j.Counter(dt))
	}
	j.ProgressPercent = OverallPercent(cs...)
	return j.ProgressPercent
}

// AdvancePhase moves the job to p. Staying in the same phase is a no-op;
// moving backwards fails with ErrPhaseRegression.
func (j *Job) AdvancePhase(p Phase) error {
	if p.rank() < 0 {
		return fmt.Errorf("unknown phase %q", p)
	}
	if p.rank() < j.Phase.rank() {
		return fmt.Errorf("%w: %s -> %s", ErrPhaseRegression, j.Phase, p)
	}
	j.Phase = p
	return nil
}

// Complete marks the job finished.
func (j *Job) Complete(now time.Time) {
	j.Status = StatusCompleted
	j.Phase = PhaseCompleted
	j.ProgressPercent = 100
	j.GoLiveRequested = false
	j.CompletedAt = &now
}

// Fail marks the job failed and keeps msg as the user visible error.
func (j *Job) Fail(msg string) {
	j.Status = StatusFailed
	j.LastError = msg
}

// Progress builds the externally visible progress snapshot.
func (j *Job) Progress(now time.Time) Progress {
	return Progress{
		JobID:          j.ID,
		Status:         j.Status,
		Phase:          j.Phase,
		OverallPercent: j.ProgressPercent,
		Emails:         newTypeProgress(j.Emails),
		Contacts:       newTypeProgress(j.Contacts),
		Events:         newTypeProgress(j.Events),
		LastError:      j.LastError,
		Timestamp:      now,
	}
}

// TypeProgress is the progress of one data type.
type TypeProgress struct {
	Counter
	Percent int `json:"percent"`
}

func newTypeProgress(c Counter) TypeProgress {
	return TypeProgress{Counter: c, Percent: c.Percent()}
}

// Progress is a point-in-time snapshot pushed to the broadcaster and
// returned by the progress query.
type Progress struct {
	JobID          string       `json:"job_id"`
	Status         Status       `json:"status"`
	Phase          Phase        `json:"phase"`
	OverallPercent int          `json:"overall_percent"`
	Emails         TypeProgress `json:"emails"`
	Contacts       TypeProgress `json:"contacts"`
	Events         TypeProgress `json:"events"`
	LastError      string       `json:"last_error,omitempty"`
	Timestamp      time.Time    `json:"timestamp"`
}
