// Package session maps each subject to at most one active conversation session.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/zhouzirui/solace/backend/internal/keylock"
	"github.com/zhouzirui/solace/backend/internal/model/chat"
	"github.com/zhouzirui/solace/backend/internal/store"
)

// ErrNoActiveSession is returned by Close when the subject has no open session.
var ErrNoActiveSession = errors.New("no active session")

// Store is the persistence the registry needs.
type Store interface {
	CreateSession(ctx context.Context, subject string) (*chat.Session, error)
	FindActiveSession(ctx context.Context, subject string) (*chat.Session, error)
}

// CommitFunc finalizes sessionID. The mapping is dropped only when it returns nil.
type CommitFunc func(ctx context.Context, sessionID string) error

// Registry serializes lifecycle changes per subject. GetOrCreate and Close
// on one subject never interleave; different subjects proceed in parallel.
type Registry struct {
	store  Store
	logger *slog.Logger

	locks *keylock.Locker

	mu     sync.Mutex
	active map[string]string
}

// NewRegistry creates a registry backed by s.
func NewRegistry(s Store) *Registry {
	return &Registry{
		store:  s,
		logger: slog.Default().With("component", "session"),
		locks:  keylock.New(),
		active: make(map[string]string),
	}
}

// GetOrCreate returns the subject's active session, rehydrating it from the
// store after a restart, or creates one. created reports a new session.
func (r *Registry) GetOrCreate(ctx context.Context, subject string) (sessionID string, created bool, err error) {
	unlock, err := r.locks.Lock(ctx, subject)
	if err != nil {
		return "", false, err
	}
	defer unlock()

	if id, ok := r.Active(subject); ok {
		return id, false, nil
	}

	existing, err := r.store.FindActiveSession(ctx, subject)
	if err != nil {
		return "", false, fmt.Errorf("find active session: %w", err)
	}
	if existing != nil {
		r.set(subject, existing.ID)
		r.logger.Debug("rehydrated session", "subject", subject, "session_id", existing.ID)
		return existing.ID, false, nil
	}

	session, err := r.store.CreateSession(ctx, subject)
	if err != nil {
		return "", false, fmt.Errorf("create session: %w", err)
	}
	r.set(subject, session.ID)
	r.logger.Info("session started", "subject", subject, "session_id", session.ID)
	return session.ID, true, nil
}

// Lookup returns the subject's active session, rehydrating it from the
// store, without creating one. ErrNoActiveSession when there is none.
func (r *Registry) Lookup(ctx context.Context, subject string) (string, error) {
	unlock, err := r.locks.Lock(ctx, subject)
	if err != nil {
		return "", err
	}
	defer unlock()

	if id, ok := r.Active(subject); ok {
		return id, nil
	}
	existing, err := r.store.FindActiveSession(ctx, subject)
	if err != nil {
		return "", fmt.Errorf("find active session: %w", err)
	}
	if existing == nil {
		return "", ErrNoActiveSession
	}
	r.set(subject, existing.ID)
	return existing.ID, nil
}

// Active returns the mapped session of subject without touching the store.
func (r *Registry) Active(subject string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.active[subject]
	return id, ok
}

// Close resolves the subject's active session and runs commit on it under
// the subject lock. ErrNoActiveSession when there is none.
func (r *Registry) Close(ctx context.Context, subject string, commit CommitFunc) error {
	unlock, err := r.locks.Lock(ctx, subject)
	if err != nil {
		return err
	}
	defer unlock()

	id, ok := r.Active(subject)
	if !ok {
		existing, err := r.store.FindActiveSession(ctx, subject)
		if err != nil {
			return fmt.Errorf("find active session: %w", err)
		}
		if existing == nil {
			return ErrNoActiveSession
		}
		id = existing.ID
	}

	if err := commit(ctx, id); err != nil {
		if errors.Is(err, store.ErrSessionClosed) || errors.Is(err, store.ErrNotFound) {
			r.drop(subject)
			return ErrNoActiveSession
		}
		return err
	}

	r.drop(subject)
	r.logger.Info("session closed", "subject", subject, "session_id", id)
	return nil
}

func (r *Registry) set(subject, sessionID string) {
	r.mu.Lock()
	r.active[subject] = sessionID
	r.mu.Unlock()
}

func (r *Registry) drop(subject string) {
	r.mu.Lock()
	delete(r.active, subject)
	r.mu.Unlock()
}
