package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/zhouzirui/solace/backend/internal/model/chat"
	"github.com/zhouzirui/solace/backend/internal/model/progress"
	"github.com/zhouzirui/solace/backend/internal/model/user"
)

// MemoryDSN opens a private in-process SQLite database.
const MemoryDSN = ":memory:"

// SQLiteStore implements Repository and CredentialStore on SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLite opens (creating if needed) the database at path and ensures the schema.
func NewSQLite(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	dsn := path
	if path != MemoryDSN {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
		dsn = "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if path == MemoryDSN {
		// every pooled connection would otherwise see its own empty database
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(16)
		db.SetMaxIdleConns(4)
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLiteStore{db: db, logger: logger}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS users (
		username TEXT PRIMARY KEY,
		email TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS conv_sessions (
		session_id TEXT PRIMARY KEY,
		subject TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		ended_at INTEGER,
		is_completed INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_conv_sessions_open
		ON conv_sessions(subject, created_at) WHERE ended_at IS NULL;

	CREATE TABLE IF NOT EXISTS turns (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		turn_id TEXT NOT NULL UNIQUE,
		session_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		mood TEXT,
		created_at INTEGER NOT NULL,
		FOREIGN KEY (session_id) REFERENCES conv_sessions(session_id),
		CHECK (role IN ('user', 'assistant'))
	);
	CREATE INDEX IF NOT EXISTS idx_turns_session ON turns(session_id, seq);

	CREATE TABLE IF NOT EXISTS progress_records (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		subject TEXT NOT NULL,
		session_id TEXT,
		recorded_at INTEGER NOT NULL,
		stress_level INTEGER NOT NULL,
		negative_thoughts_reduction INTEGER NOT NULL,
		positive_thoughts_increase INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_progress_subject ON progress_records(subject, recorded_at);

	CREATE TABLE IF NOT EXISTS credentials (
		token TEXT PRIMARY KEY,
		subject TEXT NOT NULL,
		expires_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_credentials_expiry ON credentials(expires_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// CreateUser inserts a new account.
func (s *SQLiteStore) CreateUser(ctx context.Context, u *user.User) error {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	err := withBusyRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO users (username, email, password_hash, created_at) VALUES (?, ?, ?, ?)`,
			u.Username, u.Email, u.PasswordHash, toMillis(u.CreatedAt))
		return err
	})
	if err != nil {
		if isUniqueViolation(err) {
			return ErrUserExists
		}
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

// GetUser retrieves a user by username.
func (s *SQLiteStore) GetUser(ctx context.Context, username string) (*user.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT username, email, password_hash, created_at FROM users WHERE username = ?`, username)

	var u user.User
	var createdAt int64
	err := row.Scan(&u.Username, &u.Email, &u.PasswordHash, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan user row: %w", err)
	}
	u.CreatedAt = fromMillis(createdAt)
	return &u, nil
}

// CreateSession inserts a new active session.
func (s *SQLiteStore) CreateSession(ctx context.Context, subject string) (*chat.Session, error) {
	session := &chat.Session{
		ID:        uuid.NewString(),
		Subject:   subject,
		CreatedAt: time.Now().UTC(),
	}
	err := withBusyRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO conv_sessions (session_id, subject, created_at) VALUES (?, ?, ?)`,
			session.ID, session.Subject, toMillis(session.CreatedAt))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}
	return session, nil
}

// GetSession retrieves a session by identifier.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*chat.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT session_id, subject, created_at, ended_at, is_completed
		FROM conv_sessions WHERE session_id = ?`, sessionID)
	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return session, err
}

// FindActiveSession returns the newest open session of subject.
func (s *SQLiteStore) FindActiveSession(ctx context.Context, subject string) (*chat.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT session_id, subject, created_at, ended_at, is_completed
		FROM conv_sessions WHERE subject = ? AND ended_at IS NULL
		ORDER BY created_at DESC LIMIT 1`, subject)
	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return session, err
}

func scanSession(row *sql.Row) (*chat.Session, error) {
	var session chat.Session
	var createdAt int64
	var endedAt sql.NullInt64
	if err := row.Scan(&session.ID, &session.Subject, &createdAt, &endedAt, &session.Completed); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan session row: %w", err)
	}
	session.CreatedAt = fromMillis(createdAt)
	if endedAt.Valid {
		ts := fromMillis(endedAt.Int64)
		session.EndedAt = &ts
	}
	return &session, nil
}

// AppendTurn stores a turn at the end of its session history.
func (s *SQLiteStore) AppendTurn(ctx context.Context, turn *chat.Turn) error {
	if !turn.Role.Valid() {
		return fmt.Errorf("invalid role %q", turn.Role)
	}
	turn.ID = uuid.NewString()
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now().UTC()
	}

	var mood interface{}
	if turn.Mood != "" {
		mood = turn.Mood
	}

	var seq int64
	err := withBusyRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO turns (turn_id, session_id, role, content, mood, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			turn.ID, turn.SessionID, string(turn.Role), turn.Content, mood, toMillis(turn.CreatedAt))
		if err != nil {
			return err
		}
		seq, err = res.LastInsertId()
		return err
	})
	if err != nil {
		if strings.Contains(err.Error(), "FOREIGN KEY") {
			return ErrNotFound
		}
		return fmt.Errorf("insert turn: %w", err)
	}
	turn.Seq = seq
	return nil
}

// ListTurns returns the ordered history of a session.
func (s *SQLiteStore) ListTurns(ctx context.Context, sessionID string) ([]chat.Turn, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, turn_id, session_id, role, content, mood, created_at
		FROM turns WHERE session_id = ? ORDER BY seq ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			s.logger.Warn("failed to close turn rows", "error", closeErr)
		}
	}()

	var turns []chat.Turn
	for rows.Next() {
		var turn chat.Turn
		var role string
		var mood sql.NullString
		var createdAt int64
		if err := rows.Scan(&turn.Seq, &turn.ID, &turn.SessionID, &role, &turn.Content, &mood, &createdAt); err != nil {
			return nil, fmt.Errorf("scan turn row: %w", err)
		}
		turn.Role = chat.Role(role)
		turn.Mood = mood.String
		turn.CreatedAt = fromMillis(createdAt)
		turns = append(turns, turn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turns: %w", err)
	}
	return turns, nil
}

// FinalizeSession records progress and closes the session atomically.
func (s *SQLiteStore) FinalizeSession(ctx context.Context, sessionID string, record *progress.Record) error {
	if record.RecordedAt.IsZero() {
		record.RecordedAt = time.Now().UTC()
	}
	record.SessionID = sessionID

	return withBusyRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin finalize: %w", err)
		}
		defer tx.Rollback() //nolint:errcheck // no-op after commit

		res, err := tx.ExecContext(ctx, `
			UPDATE conv_sessions SET ended_at = ?, is_completed = 1
			WHERE session_id = ? AND ended_at IS NULL`,
			toMillis(record.RecordedAt), sessionID)
		if err != nil {
			return fmt.Errorf("close session: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		if n == 0 {
			var exists int
			err := tx.QueryRowContext(ctx, `SELECT 1 FROM conv_sessions WHERE session_id = ?`, sessionID).Scan(&exists)
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			if err != nil {
				return fmt.Errorf("check session: %w", err)
			}
			return ErrSessionClosed
		}

		res, err = tx.ExecContext(ctx, `
			INSERT INTO progress_records (subject, session_id, recorded_at, stress_level,
				negative_thoughts_reduction, positive_thoughts_increase)
			VALUES (?, ?, ?, ?, ?, ?)`,
			record.Subject, sessionID, toMillis(record.RecordedAt), record.StressLevel,
			record.NegativeThoughtsReduction, record.PositiveThoughtsIncrease)
		if err != nil {
			return fmt.Errorf("insert progress: %w", err)
		}
		if record.ID, err = res.LastInsertId(); err != nil {
			return fmt.Errorf("progress id: %w", err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit finalize: %w", err)
		}
		return nil
	})
}

// ListProgress returns the subject's progress records oldest first.
func (s *SQLiteStore) ListProgress(ctx context.Context, subject string) ([]progress.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, subject, session_id, recorded_at, stress_level,
		       negative_thoughts_reduction, positive_thoughts_increase
		FROM progress_records WHERE subject = ? ORDER BY recorded_at ASC, id ASC`, subject)
	if err != nil {
		return nil, fmt.Errorf("query progress: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			s.logger.Warn("failed to close progress rows", "error", closeErr)
		}
	}()

	var records []progress.Record
	for rows.Next() {
		var rec progress.Record
		var sessionID sql.NullString
		var recordedAt int64
		if err := rows.Scan(&rec.ID, &rec.Subject, &sessionID, &recordedAt, &rec.StressLevel,
			&rec.NegativeThoughtsReduction, &rec.PositiveThoughtsIncrease); err != nil {
			return nil, fmt.Errorf("scan progress row: %w", err)
		}
		rec.SessionID = sessionID.String
		rec.RecordedAt = fromMillis(recordedAt)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate progress: %w", err)
	}
	return records, nil
}

// PutCredential records a live token until expiresAt.
func (s *SQLiteStore) PutCredential(ctx context.Context, token, subject string, expiresAt time.Time) error {
	err := withBusyRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO credentials (token, subject, expires_at) VALUES (?, ?, ?)
			ON CONFLICT(token) DO UPDATE SET subject = excluded.subject, expires_at = excluded.expires_at`,
			token, subject, toMillis(expiresAt))
		return err
	})
	if err != nil {
		return fmt.Errorf("put credential: %w", err)
	}
	return nil
}

// CredentialExpiry reports when a live token expires.
func (s *SQLiteStore) CredentialExpiry(ctx context.Context, token string) (time.Time, bool, error) {
	var expiresAt int64
	err := s.db.QueryRowContext(ctx, `SELECT expires_at FROM credentials WHERE token = ?`, token).Scan(&expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("lookup credential: %w", err)
	}
	return fromMillis(expiresAt), true, nil
}

// DeleteCredential removes a token; deleting an unknown token is not an error.
func (s *SQLiteStore) DeleteCredential(ctx context.Context, token string) error {
	err := withBusyRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM credentials WHERE token = ?`, token)
		return err
	})
	if err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	return nil
}

// PurgeExpiredCredentials drops tokens that expired before now.
func (s *SQLiteStore) PurgeExpiredCredentials(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM credentials WHERE expires_at <= ?`, toMillis(now))
	if err != nil {
		return 0, fmt.Errorf("purge credentials: %w", err)
	}
	return res.RowsAffected()
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
