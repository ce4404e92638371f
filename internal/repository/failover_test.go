package repository

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"colldialer/internal/events"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

type mockCoordinator struct {
	mock.Mock
}

func (m *mockCoordinator) AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	args := m.Called(ctx, key, ttl)
	return args.Bool(0), args.Error(1)
}

func (m *mockCoordinator) MarkDone(ctx context.Context, key string) error {
	return m.Called(ctx, key).Error(0)
}

func (m *mockCoordinator) LockState(ctx context.Context, key string) (string, error) {
	args := m.Called(ctx, key)
	return args.String(0), args.Error(1)
}

func (m *mockCoordinator) ReleaseLock(ctx context.Context, key string) error {
	return m.Called(ctx, key).Error(0)
}

func (m *mockCoordinator) Get(ctx context.Context, key string) (string, bool, error) {
	args := m.Called(ctx, key)
	return args.String(0), args.Bool(1), args.Error(2)
}

func (m *mockCoordinator) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return m.Called(ctx, key, value, ttl).Error(0)
}

func (m *mockCoordinator) Delete(ctx context.Context, keys ...string) error {
	return m.Called(ctx, keys).Error(0)
}

func (m *mockCoordinator) AppendList(ctx context.Context, key, value string, ttl time.Duration) error {
	return m.Called(ctx, key, value, ttl).Error(0)
}

func (m *mockCoordinator) List(ctx context.Context, key string) ([]string, error) {
	args := m.Called(ctx, key)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

func (m *mockCoordinator) CheckRateLimit(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	args := m.Called(ctx, key, limit, window)
	return args.Bool(0), args.Error(1)
}

func TestFailoverCoordinator(t *testing.T) {
	primary := new(mockCoordinator)
	fallback := new(mockCoordinator)
	logger := zerolog.New(io.Discard)
	repo := NewFailoverCoordinator(primary, fallback, &logger)
	ctx := context.Background()

	t.Run("PrimarySuccess", func(t *testing.T) {
		primary.On("AcquireLock", ctx, "k1", time.Hour).Return(true, nil).Once()

		ok, err := repo.AcquireLock(ctx, "k1", time.Hour)
		assert.NoError(t, err)
		assert.True(t, ok)
		assert.False(t, repo.IsDegraded())
		primary.AssertExpectations(t)
	})

	t.Run("PrimaryFailFallbackSuccess", func(t *testing.T) {
		primary.On("Get", ctx, "k2").Return("", false, errors.New("fail")).Once()
		fallback.On("Get", ctx, "k2").Return("v", true, nil).Once()

		v, ok, err := repo.Get(ctx, "k2")
		assert.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "v", v)
		assert.True(t, repo.IsDegraded())
		primary.AssertExpectations(t)
		fallback.AssertExpectations(t)
	})

	t.Run("AlreadyDownUsesFallback", func(t *testing.T) {
		repo.isDown.Store(true)
		repo.lastCheck = time.Now()
		fallback.On("Set", ctx, "k3", "v", time.Minute).Return(nil).Once()

		err := repo.Set(ctx, "k3", "v", time.Minute)
		assert.NoError(t, err)
		fallback.AssertExpectations(t)
	})

	t.Run("RecoveryAttempt", func(t *testing.T) {
		repo.isDown.Store(true)
		repo.lastCheck = time.Now().Add(-2 * time.Minute)
		primary.On("LockState", ctx, "k4").Return(LockDone, nil).Once()

		state, err := repo.LockState(ctx, "k4")
		assert.NoError(t, err)
		assert.Equal(t, LockDone, state)
		assert.False(t, repo.IsDegraded())
		primary.AssertExpectations(t)
	})

	t.Run("RecoveryAttemptFail", func(t *testing.T) {
		repo.isDown.Store(true)
		repo.lastCheck = time.Now().Add(-2 * time.Minute)
		primary.On("List", ctx, "k5").Return(nil, errors.New("still fail")).Once()
		fallback.On("List", ctx, "k5").Return([]string{"a"}, nil).Once()

		vals, err := repo.List(ctx, "k5")
		assert.NoError(t, err)
		assert.Equal(t, []string{"a"}, vals)
		assert.True(t, repo.IsDegraded())
		primary.AssertExpectations(t)
		fallback.AssertExpectations(t)
	})

	t.Run("CheckRateLimitFailover", func(t *testing.T) {
		repo.isDown.Store(false)
		primary.On("CheckRateLimit", ctx, "client", 10, time.Minute).Return(false, errors.New("fail")).Once()
		fallback.On("CheckRateLimit", ctx, "client", 10, time.Minute).Return(true, nil).Once()

		allowed, err := repo.CheckRateLimit(ctx, "client", 10, time.Minute)
		assert.NoError(t, err)
		assert.True(t, allowed)
		assert.True(t, repo.IsDegraded())
	})

	t.Run("DeleteAndMarkDoneOnPrimary", func(t *testing.T) {
		repo.isDown.Store(false)
		primary.On("Delete", ctx, []string{"a", "b"}).Return(nil).Once()
		primary.On("MarkDone", ctx, "lock").Return(nil).Once()
		primary.On("ReleaseLock", ctx, "lock").Return(nil).Once()
		primary.On("AppendList", ctx, "l", "x", time.Hour).Return(nil).Once()

		assert.NoError(t, repo.Delete(ctx, "a", "b"))
		assert.NoError(t, repo.MarkDone(ctx, "lock"))
		assert.NoError(t, repo.ReleaseLock(ctx, "lock"))
		assert.NoError(t, repo.AppendList(ctx, "l", "x", time.Hour))
		primary.AssertExpectations(t)
	})
}

type recordingPublisher struct {
	types []string
}

func (p *recordingPublisher) PublishJSON(eventType string, _ interface{}) error {
	p.types = append(p.types, eventType)
	return nil
}

func TestFailoverPublishesOncePerOutage(t *testing.T) {
	primary := new(mockCoordinator)
	fallback := new(mockCoordinator)
	pub := &recordingPublisher{}
	repo := NewFailoverCoordinator(primary, fallback, nil)
	repo.NotifyOn(pub)
	ctx := context.Background()

	primary.On("Get", ctx, "k").Return("", false, errors.New("down")).Once()
	fallback.On("Get", ctx, "k").Return("", false, nil).Twice()

	_, _, err := repo.Get(ctx, "k")
	assert.NoError(t, err)
	_, _, err = repo.Get(ctx, "k")
	assert.NoError(t, err)

	assert.Equal(t, []string{events.EventCoordinatorFailure}, pub.types)
	primary.AssertExpectations(t)
	fallback.AssertExpectations(t)
}
