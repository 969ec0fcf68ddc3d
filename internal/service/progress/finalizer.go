// Package progress records outcome metrics when a session ends.
package progress

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	model "github.com/zhouzirui/solace/backend/internal/model/progress"
	"github.com/zhouzirui/solace/backend/internal/service/session"
)

// SessionCloser closes the subject's active session under its lock.
type SessionCloser interface {
	Close(ctx context.Context, subject string, commit session.CommitFunc) error
}

// Store persists progress records.
type Store interface {
	FinalizeSession(ctx context.Context, sessionID string, record *model.Record) error
	ListProgress(ctx context.Context, subject string) ([]model.Record, error)
}

// Finalizer ends sessions and writes their progress record.
type Finalizer struct {
	sessions SessionCloser
	store    Store
	now      func() time.Time
	logger   *slog.Logger
}

// NewFinalizer creates a finalizer.
func NewFinalizer(sessions SessionCloser, store Store) *Finalizer {
	return &Finalizer{
		sessions: sessions,
		store:    store,
		now:      time.Now,
		logger:   slog.Default().With("component", "progress"),
	}
}

// EndSession records metrics against the subject's active session and
// closes it. session.ErrNoActiveSession when there is none; nothing is
// written in that case.
func (f *Finalizer) EndSession(ctx context.Context, subject string, metrics model.Metrics) (*model.Record, error) {
	if err := metrics.Validate(); err != nil {
		return nil, err
	}

	var record *model.Record
	err := f.sessions.Close(ctx, subject, func(ctx context.Context, sessionID string) error {
		rec := &model.Record{
			Subject:    subject,
			RecordedAt: f.now().UTC(),
			Metrics:    metrics,
		}
		if err := f.store.FinalizeSession(ctx, sessionID, rec); err != nil {
			return err
		}
		record = rec
		return nil
	})
	if err != nil {
		return nil, err
	}

	f.logger.Info("session ended",
		"subject", subject,
		"session_id", record.SessionID,
		"stress_level", record.StressLevel)
	return record, nil
}

// History returns the subject's progress records oldest first.
func (f *Finalizer) History(ctx context.Context, subject string) ([]model.Record, error) {
	records, err := f.store.ListProgress(ctx, subject)
	if err != nil {
		return nil, fmt.Errorf("list progress: %w", err)
	}
	return records, nil
}
