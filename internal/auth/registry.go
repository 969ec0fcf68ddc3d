package auth

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/zhouzirui/solace/backend/internal/store"
)

// Registry records live tokens with a remaining lifetime. A token absent from
// the registry is treated as revoked even if its signature is valid.
type Registry interface {
	Put(ctx context.Context, token, subject string, ttl time.Duration) error
	// Remaining returns the lifetime left for token, or zero when it is absent.
	Remaining(ctx context.Context, token string) (time.Duration, error)
	Delete(ctx context.Context, token string) error
}

type registryEntry struct {
	subject   string
	expiresAt time.Time
}

// MemoryRegistry is a thread-safe TTL map of live tokens with a background sweep.
type MemoryRegistry struct {
	mu      sync.RWMutex
	entries map[string]registryEntry
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// NewMemoryRegistry creates a registry that purges expired tokens every sweep interval.
func NewMemoryRegistry(sweep time.Duration) *MemoryRegistry {
	r := &MemoryRegistry{
		entries: make(map[string]registryEntry),
		now:     time.Now,
		done:    make(chan struct{}),
	}
	if sweep > 0 {
		go r.cleanup(sweep)
	}
	return r
}

func (r *MemoryRegistry) Put(_ context.Context, token, subject string, ttl time.Duration) error {
	r.mu.Lock()
	r.entries[token] = registryEntry{subject: subject, expiresAt: r.now().Add(ttl)}
	r.mu.Unlock()
	return nil
}

func (r *MemoryRegistry) Remaining(_ context.Context, token string) (time.Duration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.entries[token]
	if !ok {
		return 0, nil
	}
	left := entry.expiresAt.Sub(r.now())
	if left < 0 {
		return 0, nil
	}
	return left, nil
}

func (r *MemoryRegistry) Delete(_ context.Context, token string) error {
	r.mu.Lock()
	delete(r.entries, token)
	r.mu.Unlock()
	return nil
}

func (r *MemoryRegistry) cleanup(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.runCleanup()
		case <-r.done:
			return
		}
	}
}

func (r *MemoryRegistry) runCleanup() {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	for token, entry := range r.entries {
		if !entry.expiresAt.After(now) {
			delete(r.entries, token)
		}
	}
}

// Close stops the background sweep. It is safe to call multiple times.
func (r *MemoryRegistry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.closed {
		close(r.done)
		r.closed = true
	}
}

type credentialPurger interface {
	PurgeExpiredCredentials(ctx context.Context, now time.Time) (int64, error)
}

// StoreRegistry keeps live tokens in a durable credential store so they
// survive restarts.
type StoreRegistry struct {
	store  store.CredentialStore
	now    func() time.Time
	logger *slog.Logger
}

// NewStoreRegistry wraps a credential store.
func NewStoreRegistry(s store.CredentialStore) *StoreRegistry {
	return &StoreRegistry{
		store:  s,
		now:    time.Now,
		logger: slog.Default().With("component", "auth"),
	}
}

func (r *StoreRegistry) Put(ctx context.Context, token, subject string, ttl time.Duration) error {
	return r.store.PutCredential(ctx, token, subject, r.now().Add(ttl))
}

func (r *StoreRegistry) Remaining(ctx context.Context, token string) (time.Duration, error) {
	expiresAt, ok, err := r.store.CredentialExpiry(ctx, token)
	if err != nil || !ok {
		return 0, err
	}
	left := expiresAt.Sub(r.now())
	if left < 0 {
		return 0, nil
	}
	return left, nil
}

func (r *StoreRegistry) Delete(ctx context.Context, token string) error {
	return r.store.DeleteCredential(ctx, token)
}

// Run purges expired credentials every interval until ctx is done. It
// returns immediately when the store cannot purge.
func (r *StoreRegistry) Run(ctx context.Context, interval time.Duration) {
	purger, ok := r.store.(credentialPurger)
	if !ok || interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := purger.PurgeExpiredCredentials(ctx, r.now())
			if err != nil {
				r.logger.Warn("credential purge failed", "error", err)
				continue
			}
			if n > 0 {
				r.logger.Debug("purged expired credentials", "count", n)
			}
		}
	}
}
