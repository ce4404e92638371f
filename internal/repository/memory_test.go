package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryCoordinator(t *testing.T) {
	repo := NewMemoryCoordinator()
	ctx := context.Background()
	now := time.Date(2024, 3, 20, 9, 0, 0, 0, time.UTC)
	repo.now = func() time.Time { return now }

	t.Run("LockLifecycle", func(t *testing.T) {
		ok, err := repo.AcquireLock(ctx, "lock", time.Hour)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, _ = repo.AcquireLock(ctx, "lock", time.Hour)
		assert.False(t, ok)

		require.NoError(t, repo.MarkDone(ctx, "lock"))
		state, _ := repo.LockState(ctx, "lock")
		assert.Equal(t, LockDone, state)

		require.NoError(t, repo.ReleaseLock(ctx, "lock"))
		state, _ = repo.LockState(ctx, "lock")
		assert.Equal(t, "", state)
	})

	t.Run("Expiry", func(t *testing.T) {
		require.NoError(t, repo.Set(ctx, "k", "v", time.Minute))
		v, ok, _ := repo.Get(ctx, "k")
		assert.True(t, ok)
		assert.Equal(t, "v", v)

		now = now.Add(2 * time.Minute)
		_, ok, _ = repo.Get(ctx, "k")
		assert.False(t, ok)
	})

	t.Run("Lists", func(t *testing.T) {
		require.NoError(t, repo.AppendList(ctx, "list", "a", time.Hour))
		require.NoError(t, repo.AppendList(ctx, "list", "b", time.Hour))
		vals, err := repo.List(ctx, "list")
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b"}, vals)

		require.NoError(t, repo.Delete(ctx, "list"))
		vals, _ = repo.List(ctx, "list")
		assert.Empty(t, vals)
	})

	t.Run("RateLimit", func(t *testing.T) {
		allowed, _ := repo.CheckRateLimit(ctx, "c", 2, time.Second)
		assert.True(t, allowed)
		allowed, _ = repo.CheckRateLimit(ctx, "c", 2, time.Second)
		assert.True(t, allowed)
		allowed, _ = repo.CheckRateLimit(ctx, "c", 2, time.Second)
		assert.False(t, allowed)

		now = now.Add(2 * time.Second)
		allowed, _ = repo.CheckRateLimit(ctx, "c", 2, time.Second)
		assert.True(t, allowed)
	})
}
