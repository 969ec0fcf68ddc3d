package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zhouzirui/solace/backend/internal/model/chat"
	"github.com/zhouzirui/solace/backend/internal/model/progress"
	"github.com/zhouzirui/solace/backend/internal/model/user"
)

// MemoryStore is an in-process Repository and CredentialStore. State is lost on restart.
type MemoryStore struct {
	mu          sync.RWMutex
	users       map[string]user.User
	sessions    map[string]chat.Session
	turns       map[string][]chat.Turn
	progress    map[string][]progress.Record
	credentials map[string]memoryCredential
	nextSeq     int64
	nextRecord  int64
}

type memoryCredential struct {
	subject   string
	expiresAt time.Time
}

// NewMemory bootstraps an empty in-memory store.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		users:       make(map[string]user.User),
		sessions:    make(map[string]chat.Session),
		turns:       make(map[string][]chat.Turn),
		progress:    make(map[string][]progress.Record),
		credentials: make(map[string]memoryCredential),
	}
}

func (s *MemoryStore) CreateUser(_ context.Context, u *user.User) error {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[u.Username]; ok {
		return ErrUserExists
	}
	for _, existing := range s.users {
		if existing.Email == u.Email {
			return ErrUserExists
		}
	}
	s.users[u.Username] = *u
	return nil
}

func (s *MemoryStore) GetUser(_ context.Context, username string) (*user.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[username]
	if !ok {
		return nil, nil
	}
	return &u, nil
}

func (s *MemoryStore) CreateSession(_ context.Context, subject string) (*chat.Session, error) {
	session := chat.Session{
		ID:        uuid.NewString(),
		Subject:   subject,
		CreatedAt: time.Now().UTC(),
	}

	s.mu.Lock()
	s.sessions[session.ID] = session
	s.turns[session.ID] = make([]chat.Turn, 0, 16)
	s.mu.Unlock()

	return &session, nil
}

func (s *MemoryStore) GetSession(_ context.Context, sessionID string) (*chat.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return &session, nil
}

func (s *MemoryStore) FindActiveSession(_ context.Context, subject string) (*chat.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var newest *chat.Session
	for _, session := range s.sessions {
		if session.Subject != subject || !session.Active() {
			continue
		}
		if newest == nil || session.CreatedAt.After(newest.CreatedAt) {
			candidate := session
			newest = &candidate
		}
	}
	return newest, nil
}

func (s *MemoryStore) AppendTurn(_ context.Context, turn *chat.Turn) error {
	if !turn.Role.Valid() {
		return fmt.Errorf("invalid role %q", turn.Role)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[turn.SessionID]; !ok {
		return ErrNotFound
	}

	s.nextSeq++
	turn.ID = uuid.NewString()
	turn.Seq = s.nextSeq
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now().UTC()
	}

	s.turns[turn.SessionID] = append(s.turns[turn.SessionID], *turn)
	return nil
}

func (s *MemoryStore) ListTurns(_ context.Context, sessionID string) ([]chat.Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	turns := s.turns[sessionID]
	copied := make([]chat.Turn, len(turns))
	copy(copied, turns)
	return copied, nil
}

func (s *MemoryStore) FinalizeSession(_ context.Context, sessionID string, record *progress.Record) error {
	if record.RecordedAt.IsZero() {
		record.RecordedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	if !session.Active() {
		return ErrSessionClosed
	}

	ended := record.RecordedAt
	session.EndedAt = &ended
	session.Completed = true
	s.sessions[sessionID] = session

	s.nextRecord++
	record.ID = s.nextRecord
	record.SessionID = sessionID
	s.progress[record.Subject] = append(s.progress[record.Subject], *record)
	return nil
}

func (s *MemoryStore) ListProgress(_ context.Context, subject string) ([]progress.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := make([]progress.Record, len(s.progress[subject]))
	copy(records, s.progress[subject])
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].RecordedAt.Before(records[j].RecordedAt)
	})
	return records, nil
}

func (s *MemoryStore) PutCredential(_ context.Context, token, subject string, expiresAt time.Time) error {
	s.mu.Lock()
	s.credentials[token] = memoryCredential{subject: subject, expiresAt: expiresAt}
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) CredentialExpiry(_ context.Context, token string) (time.Time, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cred, ok := s.credentials[token]
	if !ok {
		return time.Time{}, false, nil
	}
	return cred.expiresAt, true, nil
}

func (s *MemoryStore) DeleteCredential(_ context.Context, token string) error {
	s.mu.Lock()
	delete(s.credentials, token)
	s.mu.Unlock()
	return nil
}

// PurgeExpiredCredentials drops tokens that expired before now.
func (s *MemoryStore) PurgeExpiredCredentials(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for token, cred := range s.credentials {
		if !cred.expiresAt.After(now) {
			delete(s.credentials, token)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }
