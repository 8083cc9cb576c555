// Package natsjs publishes job progress snapshots to NATS JetStream.
package natsjs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/Martian-dev/mailmove/internal/model"
)

// Config locates the stream progress is published to.
type Config struct {
	URL           string
	Stream        string
	SubjectPrefix string
}

// Publisher wraps NATS JetStream for publishing progress
type Publisher struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	cfg    Config
	logger *slog.Logger
}

// NewPublisher connects to NATS and ensures the progress stream exists.
func NewPublisher(ctx context.Context, cfg Config, logger *slog.Logger) (*Publisher, error) {
	if cfg.Stream == "" {
		cfg.Stream = "MIGRATION_EVENTS"
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "migration"
	}

	nc, err := nats.Connect(cfg.URL,
		nats.Name("mailmove"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}

	p := &Publisher{nc: nc, js: js, cfg: cfg, logger: logger}
	if err := p.EnsureStream(ctx); err != nil {
		nc.Close()
		return nil, err
	}
	return p, nil
}

// EnsureStream creates the progress stream when it does not exist yet.
func (p *Publisher) EnsureStream(ctx context.Context) error {
	streamInfo, err := p.js.StreamInfo(p.cfg.Stream, nats.Context(ctx))
	if err == nil && streamInfo != nil {
		return nil
	}

	_, err = p.js.AddStream(&nats.StreamConfig{
		Name:       p.cfg.Stream,
		Subjects:   []string{p.cfg.SubjectPrefix + ".*.>"},
		Storage:    nats.FileStorage,
		Retention:  nats.LimitsPolicy,
		Duplicates: 2 * time.Minute,
		MaxAge:     7 * 24 * time.Hour,
	}, nats.Context(ctx))
	if err != nil {
		if errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			return nil
		}
		return fmt.Errorf("failed to create stream: %w", err)
	}
	p.logger.Info("nats stream created", "stream", p.cfg.Stream)
	return nil
}

// Subject is the subject progress of jobID is published on.
func Subject(prefix, jobID string) string {
	return fmt.Sprintf("%s.%s.progress", prefix, jobID)
}

// MsgID de-duplicates re-sent snapshots of the same instant.
func MsgID(jobID string, p model.Progress) string {
	return fmt.Sprintf("progress|%s|%d", jobID, p.Timestamp.UnixNano())
}

// Publish sends a progress snapshot of jobID.
func (p *Publisher) Publish(ctx context.Context, jobID string, progress model.Progress) error {
	payload, err := json.Marshal(progress)
	if err != nil {
		return fmt.Errorf("failed to encode progress: %w", err)
	}
	_, err = p.js.Publish(Subject(p.cfg.SubjectPrefix, jobID), payload,
		nats.MsgId(MsgID(jobID, progress)), nats.Context(ctx))
	if err != nil {
		return fmt.Errorf("failed to publish progress: %w", err)
	}
	return nil
}

// Close drains and closes the NATS connection
func (p *Publisher) Close() {
	if p.nc != nil {
		if err := p.nc.Drain(); err != nil {
			p.nc.Close()
		}
	}
}
