package auth

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/solace/backend/internal/store"
)

var testSecret = []byte("test-secret-key-for-testing-only")

func newTestValidator(t *testing.T) (*Validator, *MemoryRegistry) {
	t.Helper()
	registry := NewMemoryRegistry(0)
	t.Cleanup(registry.Close)
	return NewValidator(testSecret, time.Hour, registry), registry
}

func TestValidator_IssueAndValidate(t *testing.T) {
	v, _ := newTestValidator(t)
	ctx := context.Background()

	token, err := v.Issue(ctx, "alice")
	require.NoError(t, err)

	claims, err := v.Validate(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Subject)
	assert.WithinDuration(t, time.Now().Add(time.Hour), claims.ExpiresAt, 2*time.Second)

	claims, err = v.Validate(ctx, "Bearer "+token)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Subject)
}

func TestValidator_IssueUniqueTokens(t *testing.T) {
	v, _ := newTestValidator(t)
	ctx := context.Background()

	first, err := v.Issue(ctx, "alice")
	require.NoError(t, err)
	second, err := v.Issue(ctx, "alice")
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	require.NoError(t, v.Revoke(ctx, first))
	_, err = v.Validate(ctx, second)
	assert.NoError(t, err, "revoking one token must not revoke another")
}

func TestValidator_Rejections(t *testing.T) {
	v, _ := newTestValidator(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		token string
		want  error
	}{
		{name: "empty", token: "", want: ErrMissingToken},
		{name: "bearer only", token: "Bearer ", want: ErrMissingToken},
		{name: "malformed", token: "not-a-jwt", want: ErrInvalidToken},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Validate(ctx, tt.token)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrUnauthenticated)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestValidator_WrongSecret(t *testing.T) {
	v, registry := newTestValidator(t)
	ctx := context.Background()

	other := NewValidator([]byte("different-secret"), time.Hour, registry)
	token, err := other.Issue(ctx, "alice")
	require.NoError(t, err)

	_, err = v.Validate(ctx, token)
	assert.ErrorIs(t, err, ErrUnauthenticated)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidator_Expired(t *testing.T) {
	v, _ := newTestValidator(t)
	ctx := context.Background()

	v.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	token, err := v.Issue(ctx, "alice")
	require.NoError(t, err)
	v.now = time.Now

	_, err = v.Validate(ctx, token)
	assert.ErrorIs(t, err, ErrUnauthenticated)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestValidator_NotRegistered(t *testing.T) {
	v, _ := newTestValidator(t)

	// correctly signed but never issued through the registry
	claims := jwt.MapClaims{
		"sub": "alice",
		"iat": time.Now().Unix(),
		"exp": time.Now().Add(time.Hour).Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testSecret)
	require.NoError(t, err)

	_, err = v.Validate(context.Background(), token)
	assert.ErrorIs(t, err, ErrUnauthenticated)
	assert.ErrorIs(t, err, ErrRevokedToken)
}

func TestValidator_Revoke(t *testing.T) {
	v, _ := newTestValidator(t)
	ctx := context.Background()

	token, err := v.Issue(ctx, "alice")
	require.NoError(t, err)

	require.NoError(t, v.Revoke(ctx, "Bearer "+token))

	_, err = v.Validate(ctx, token)
	assert.ErrorIs(t, err, ErrRevokedToken)

	// revoking twice is harmless
	assert.NoError(t, v.Revoke(ctx, token))
}

func TestValidator_RegistryEntryOutlived(t *testing.T) {
	registry := NewMemoryRegistry(0)
	t.Cleanup(registry.Close)
	v := NewValidator(testSecret, time.Hour, registry)
	ctx := context.Background()

	token, err := v.Issue(ctx, "alice")
	require.NoError(t, err)

	registry.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

	_, err = v.Validate(ctx, token)
	assert.ErrorIs(t, err, ErrRevokedToken)

	registry.mu.RLock()
	_, present := registry.entries[token]
	registry.mu.RUnlock()
	assert.False(t, present, "stale entry should be deleted on validation")
}

func TestValidator_StoreRegistry(t *testing.T) {
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "auth.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	v := NewValidator(testSecret, time.Hour, NewStoreRegistry(s))
	ctx := context.Background()

	token, err := v.Issue(ctx, "alice")
	require.NoError(t, err)

	claims, err := v.Validate(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Subject)

	require.NoError(t, v.Revoke(ctx, token))
	_, err = v.Validate(ctx, token)
	assert.ErrorIs(t, err, ErrRevokedToken)
}

func TestMemoryRegistry_Cleanup(t *testing.T) {
	registry := NewMemoryRegistry(0)
	t.Cleanup(registry.Close)
	ctx := context.Background()

	require.NoError(t, registry.Put(ctx, "short", "alice", time.Millisecond))
	require.NoError(t, registry.Put(ctx, "long", "alice", time.Hour))

	registry.now = func() time.Time { return time.Now().Add(time.Minute) }
	registry.runCleanup()

	left, err := registry.Remaining(ctx, "short")
	require.NoError(t, err)
	assert.Zero(t, left)

	left, err = registry.Remaining(ctx, "long")
	require.NoError(t, err)
	assert.Greater(t, left, time.Duration(0))
}

func TestStripBearer(t *testing.T) {
	assert.Equal(t, "abc", StripBearer("Bearer abc"))
	assert.Equal(t, "abc", StripBearer("bearer  abc "))
	assert.Equal(t, "abc", StripBearer("abc"))
	assert.Equal(t, "", StripBearer("Bearer"))
}
