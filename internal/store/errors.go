package store

import (
	"context"
	"strings"
	"time"
)

const (
	busyRetries   = 3
	busyBaseDelay = 100 * time.Millisecond
)

// IsBusyError reports whether err is a SQLite concurrency error
// (SQLITE_BUSY or "database is locked") that warrants a retry.
func IsBusyError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "SQLITE_CONSTRAINT_PRIMARYKEY")
}

// withBusyRetry runs op, retrying busy errors with exponential backoff: 100ms, 200ms, 400ms.
func withBusyRetry(ctx context.Context, op func() error) error {
	var err error
	for i := 0; i < busyRetries; i++ {
		err = op()
		if !IsBusyError(err) {
			return err
		}
		if i == busyRetries-1 {
			break
		}
		timer := time.NewTimer(busyBaseDelay * time.Duration(1<<i))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}
