package limiter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockBackend is a mock implementation of Backend.
type MockBackend struct {
	mock.Mock
}

func (m *MockBackend) Name() string { return "mock" }

func (m *MockBackend) Incr(ctx context.Context, key string, points int, ttl time.Duration) (Record, error) {
	args := m.Called(ctx, key, points, ttl)
	return args.Get(0).(Record), args.Error(1)
}

func (m *MockBackend) Read(ctx context.Context, key string) (Record, bool, error) {
	args := m.Called(ctx, key)
	return args.Get(0).(Record), args.Bool(1), args.Error(2)
}

func (m *MockBackend) Write(ctx context.Context, key string, points int, ttl time.Duration) (Record, error) {
	args := m.Called(ctx, key, points, ttl)
	return args.Get(0).(Record), args.Error(1)
}

func (m *MockBackend) Delete(ctx context.Context, key string) (bool, error) {
	args := m.Called(ctx, key)
	return args.Bool(0), args.Error(1)
}

func (m *MockBackend) Clear(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

var errLogin = errors.New("invalid credentials")

func newMemoryLimiter(opts Options) *Limiter {
	return NewLimiter(NewMemoryStore(opts))
}

func TestLimiterPassthrough(t *testing.T) {
	ctx := context.Background()
	l := newMemoryLimiter(Options{Requests: 5, Duration: 60, BlockDuration: 120})
	key := uuid.NewString()

	assert.Equal(t, StoreMemory, l.Name())
	assert.Equal(t, 5, l.Requests())
	assert.Equal(t, 60, l.Duration())
	assert.Equal(t, 120, l.BlockDuration())

	res, err := l.Consume(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 4, res.Remaining)

	res, err = l.Increment(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Consumed)

	res, err = l.Decrement(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Consumed)

	res, err = l.Set(ctx, key, 4, "2 mins")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Remaining)
	assert.Equal(t, 120, res.AvailableIn)

	deleted, err := l.Delete(ctx, key)
	require.NoError(t, err)
	assert.True(t, deleted)
	require.NoError(t, l.Close())
}

func TestLimiterAttempt(t *testing.T) {
	ctx := context.Background()
	l := newMemoryLimiter(Options{Requests: 2, Duration: 60})
	key := uuid.NewString()

	calls := 0
	fn := func() error {
		calls++
		return nil
	}

	for i := 0; i < 2; i++ {
		ok, err := l.Attempt(ctx, key, fn)
		require.NoError(t, err)
		assert.True(t, ok)
	}

	// the consume is rejected and swallowed
	ok, err := l.Attempt(ctx, key, fn)
	require.NoError(t, err)
	assert.False(t, ok)

	// already exceeded, nothing is consumed
	ok, err = l.Attempt(ctx, key, fn)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 2, calls)

	res, err := l.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Consumed)
}

func TestLimiterAttemptReturnsCallbackError(t *testing.T) {
	l := newMemoryLimiter(Options{Requests: 2, Duration: 60})

	ok, err := l.Attempt(context.Background(), uuid.NewString(), func() error { return errLogin })
	assert.True(t, ok)
	assert.ErrorIs(t, err, errLogin)
}

func TestLimiterAttemptWithBlockDuration(t *testing.T) {
	ctx := context.Background()
	l := newMemoryLimiter(Options{Requests: 1, Duration: 60, BlockDuration: 1800})
	key := uuid.NewString()
	noop := func() error { return nil }

	ok, err := l.Attempt(ctx, key, noop)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = l.Attempt(ctx, key, noop)
	require.NoError(t, err)
	assert.False(t, ok)

	available, err := l.AvailableIn(ctx, key)
	require.NoError(t, err)
	assert.Greater(t, available, 1790)
}

func TestLimiterPenalize(t *testing.T) {
	ctx := context.Background()
	l := newMemoryLimiter(Options{Requests: 2, Duration: 60, BlockDuration: 1800})
	key := uuid.NewString()
	fail := func() error { return errLogin }

	te, err := l.Penalize(ctx, key, fail)
	assert.Nil(t, te)
	assert.ErrorIs(t, err, errLogin)

	remaining, err := l.Remaining(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 1, remaining)

	// the second failure reaches the limit and blocks the key
	te, err = l.Penalize(ctx, key, fail)
	assert.Nil(t, te)
	assert.ErrorIs(t, err, errLogin)

	blocked, err := l.IsBlocked(ctx, key)
	require.NoError(t, err)
	assert.True(t, blocked)

	called := false
	te, err = l.Penalize(ctx, key, func() error {
		called = true
		return nil
	})
	require.NoError(t, err)
	require.NotNil(t, te)
	assert.False(t, called)
	assert.Greater(t, te.RetryAfter(), 1790)
	assert.Equal(t, 3, te.Response.Consumed)
}

func TestLimiterPenalizeSuccessResets(t *testing.T) {
	ctx := context.Background()
	l := newMemoryLimiter(Options{Requests: 3, Duration: 60})
	key := uuid.NewString()

	_, err := l.Penalize(ctx, key, func() error { return errLogin })
	require.ErrorIs(t, err, errLogin)

	te, err := l.Penalize(ctx, key, func() error { return nil })
	require.NoError(t, err)
	assert.Nil(t, te)

	res, err := l.Get(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, res)
}

func TestLimiterDerivedHelpers(t *testing.T) {
	ctx := context.Background()
	l := newMemoryLimiter(Options{Requests: 2, Duration: 60})
	key := uuid.NewString()

	remaining, err := l.Remaining(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 2, remaining)

	available, err := l.AvailableIn(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 0, available)

	blocked, err := l.IsBlocked(ctx, key)
	require.NoError(t, err)
	assert.False(t, blocked)

	_, err = l.Consume(ctx, key)
	require.NoError(t, err)

	// requests left, so nothing to wait for
	available, err = l.AvailableIn(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 0, available)

	_, err = l.Block(ctx, key, "10 mins")
	require.NoError(t, err)

	available, err = l.AvailableIn(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 600, available)

	blocked, err = l.IsBlocked(ctx, key)
	require.NoError(t, err)
	assert.True(t, blocked)
}

func TestLimiterPropagatesBackendErrors(t *testing.T) {
	ctx := context.Background()
	errDown := errors.New("connection refused")

	backend := new(MockBackend)
	backend.On("Read", mock.Anything, mock.Anything).Return(Record{}, false, nil)
	backend.On("Incr", mock.Anything, mock.Anything, 1, time.Minute).Return(Record{}, errDown)
	backend.On("Delete", mock.Anything, mock.Anything).Return(false, errDown)

	l := NewLimiter(NewStore(backend, Options{Requests: 2, Duration: 60}))

	ok, err := l.Attempt(ctx, "key", func() error { return nil })
	assert.False(t, ok)
	assert.ErrorIs(t, err, errDown)
	assert.Equal(t, KindInfrastructure, KindOf(err))

	_, err = l.Penalize(ctx, "key", func() error { return errLogin })
	assert.ErrorIs(t, err, errDown)

	_, err = l.Penalize(ctx, "key", func() error { return nil })
	assert.ErrorIs(t, err, errDown)

	backend.AssertCalled(t, "Incr", mock.Anything, DefaultKeyPrefix+":key", 1, time.Minute)
}
