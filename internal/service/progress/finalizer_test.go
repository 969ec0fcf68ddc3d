package progress

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	model "github.com/zhouzirui/solace/backend/internal/model/progress"
	"github.com/zhouzirui/solace/backend/internal/service/session"
	"github.com/zhouzirui/solace/backend/internal/store"
)

func TestEndSession(t *testing.T) {
	s := store.NewMemory()
	registry := session.NewRegistry(s)
	f := NewFinalizer(registry, s)
	ctx := context.Background()

	sessionID, _, err := registry.GetOrCreate(ctx, "alice")
	require.NoError(t, err)

	metrics := model.Metrics{StressLevel: 3, NegativeThoughtsReduction: 1, PositiveThoughtsIncrease: 2}
	record, err := f.EndSession(ctx, "alice", metrics)
	require.NoError(t, err)
	assert.Equal(t, sessionID, record.SessionID)
	assert.Equal(t, metrics, record.Metrics)

	got, err := s.GetSession(ctx, sessionID)
	require.NoError(t, err)
	assert.False(t, got.Active())
	assert.True(t, got.Completed)

	_, ok := registry.Active("alice")
	assert.False(t, ok)

	history, err := f.History(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, 3, history[0].StressLevel)
}

func TestEndSessionWithoutActiveSession(t *testing.T) {
	s := store.NewMemory()
	f := NewFinalizer(session.NewRegistry(s), s)
	ctx := context.Background()

	_, err := f.EndSession(ctx, "alice", model.Metrics{StressLevel: 1})
	assert.ErrorIs(t, err, session.ErrNoActiveSession)

	history, err := f.History(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestEndSessionTwice(t *testing.T) {
	s := store.NewMemory()
	registry := session.NewRegistry(s)
	f := NewFinalizer(registry, s)
	ctx := context.Background()

	_, _, err := registry.GetOrCreate(ctx, "alice")
	require.NoError(t, err)

	_, err = f.EndSession(ctx, "alice", model.Metrics{StressLevel: 5})
	require.NoError(t, err)
	_, err = f.EndSession(ctx, "alice", model.Metrics{StressLevel: 4})
	assert.ErrorIs(t, err, session.ErrNoActiveSession)

	history, err := f.History(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestEndSessionRejectsNegativeMetrics(t *testing.T) {
	s := store.NewMemory()
	registry := session.NewRegistry(s)
	f := NewFinalizer(registry, s)
	ctx := context.Background()

	_, _, err := registry.GetOrCreate(ctx, "alice")
	require.NoError(t, err)

	_, err = f.EndSession(ctx, "alice", model.Metrics{StressLevel: -1})
	assert.ErrorIs(t, err, model.ErrInvalidMetrics)

	_, ok := registry.Active("alice")
	assert.True(t, ok, "session stays open after a rejected request")
}
