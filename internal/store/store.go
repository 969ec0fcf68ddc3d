// Package store persists users, conversation sessions, turns, progress
// records and live credentials.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/zhouzirui/solace/backend/internal/model/chat"
	"github.com/zhouzirui/solace/backend/internal/model/progress"
	"github.com/zhouzirui/solace/backend/internal/model/user"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrUserExists    = errors.New("user already exists")
	ErrSessionClosed = errors.New("session already closed")
)

// Repository is the durable conversation store.
type Repository interface {
	// CreateUser inserts a new account; ErrUserExists on a duplicate username or email.
	CreateUser(ctx context.Context, u *user.User) error

	// GetUser returns nil, nil when the username is unknown.
	GetUser(ctx context.Context, username string) (*user.User, error)

	// CreateSession inserts a new active session for subject.
	CreateSession(ctx context.Context, subject string) (*chat.Session, error)

	// GetSession returns ErrNotFound for an unknown id.
	GetSession(ctx context.Context, sessionID string) (*chat.Session, error)

	// FindActiveSession returns the newest open session of subject, or nil, nil.
	FindActiveSession(ctx context.Context, subject string) (*chat.Session, error)

	// AppendTurn assigns ID, Seq and CreatedAt and stores the turn.
	AppendTurn(ctx context.Context, turn *chat.Turn) error

	// ListTurns returns the session history in creation order.
	ListTurns(ctx context.Context, sessionID string) ([]chat.Turn, error)

	// FinalizeSession writes record and closes the session in one transaction.
	FinalizeSession(ctx context.Context, sessionID string, record *progress.Record) error

	// ListProgress returns the subject's records oldest first.
	ListProgress(ctx context.Context, subject string) ([]progress.Record, error)

	Ping(ctx context.Context) error
	Close() error
}

// CredentialStore keeps live bearer tokens with an expiry.
type CredentialStore interface {
	PutCredential(ctx context.Context, token, subject string, expiresAt time.Time) error
	CredentialExpiry(ctx context.Context, token string) (time.Time, bool, error)
	DeleteCredential(ctx context.Context, token string) error
}
