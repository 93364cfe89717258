package limiter

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runStoreSuite checks the behavior every backend must share. newBackend
// returns an empty backend for each subtest.
func runStoreSuite(t *testing.T, newBackend func(t *testing.T) Backend) {
	ctx := context.Background()

	newStore := func(t *testing.T, opts Options) Store {
		return NewStore(newBackend(t), opts)
	}

	t.Run("consume until the limit is exceeded", func(t *testing.T) {
		s := newStore(t, Options{Requests: 5, Duration: 60})
		key := uuid.NewString()

		for i := 1; i <= 5; i++ {
			res, err := s.Consume(ctx, key)
			require.NoError(t, err)
			assert.Equal(t, 5, res.Limit)
			assert.Equal(t, i, res.Consumed)
			assert.Equal(t, 5-i, res.Remaining)
			assert.Greater(t, res.AvailableIn, 0)
			assert.LessOrEqual(t, res.AvailableIn, 60)
		}

		_, err := s.Consume(ctx, key)
		te, ok := AsThrottleError(err)
		require.True(t, ok, "expected a throttle error, got %v", err)
		assert.Equal(t, 6, te.Response.Consumed)
		assert.Equal(t, 0, te.Remaining())
		assert.Equal(t, 5, te.Limit())
		assert.LessOrEqual(t, te.RetryAfter(), 60)

		// over consumption is recorded
		res, err := s.Get(ctx, key)
		require.NoError(t, err)
		require.NotNil(t, res)
		assert.Equal(t, 6, res.Consumed)
	})

	t.Run("get returns nil for unknown keys", func(t *testing.T) {
		s := newStore(t, Options{Requests: 5, Duration: 60})

		res, err := s.Get(ctx, uuid.NewString())
		require.NoError(t, err)
		assert.Nil(t, res)
	})

	t.Run("increment never throttles", func(t *testing.T) {
		s := newStore(t, Options{Requests: 1, Duration: 60})
		key := uuid.NewString()

		var res Response
		var err error
		for i := 0; i < 3; i++ {
			res, err = s.Increment(ctx, key)
			require.NoError(t, err)
		}
		assert.Equal(t, 3, res.Consumed)
		assert.Equal(t, 0, res.Remaining)
	})

	t.Run("decrement", func(t *testing.T) {
		s := newStore(t, Options{Requests: 5, Duration: 60})
		key := uuid.NewString()

		// unknown keys are created with nothing consumed
		res, err := s.Decrement(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, 0, res.Consumed)
		assert.Equal(t, 5, res.Remaining)

		got, err := s.Get(ctx, key)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, 0, got.Consumed)

		_, err = s.Consume(ctx, key)
		require.NoError(t, err)
		_, err = s.Consume(ctx, key)
		require.NoError(t, err)

		res, err = s.Decrement(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, 1, res.Consumed)
		assert.Equal(t, 4, res.Remaining)

		res, err = s.Decrement(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, 0, res.Consumed)

		// floored at zero
		res, err = s.Decrement(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, 0, res.Consumed)
		assert.Equal(t, 5, res.Remaining)
	})

	t.Run("set overwrites under the configured limit", func(t *testing.T) {
		s := newStore(t, Options{Requests: 10, Duration: 60})
		key := uuid.NewString()

		res, err := s.Set(ctx, key, 20, "1 min")
		require.NoError(t, err)
		assert.Equal(t, 20, res.Consumed)
		assert.Equal(t, 0, res.Remaining)
		assert.Equal(t, 10, res.Limit)
		assert.Equal(t, 60, res.AvailableIn)

		res, err = s.Set(ctx, key, 3, 30)
		require.NoError(t, err)
		assert.Equal(t, 3, res.Consumed)
		assert.Equal(t, 7, res.Remaining)
		assert.Equal(t, 30, res.AvailableIn)

		_, err = s.Set(ctx, key, 3, "whenever")
		assert.Equal(t, KindInvalidDuration, KindOf(err))

		_, err = s.Set(ctx, key, 3, "200ms")
		assert.Equal(t, KindInvalidDuration, KindOf(err))
	})

	t.Run("block", func(t *testing.T) {
		s := newStore(t, Options{Requests: 5, Duration: 60})
		key := uuid.NewString()

		res, err := s.Block(ctx, key, "30 secs")
		require.NoError(t, err)
		assert.Equal(t, 6, res.Consumed)
		assert.Equal(t, 0, res.Remaining)
		assert.Equal(t, 30, res.AvailableIn)

		_, err = s.Consume(ctx, key)
		assert.Equal(t, KindLimitExceeded, KindOf(err))

		// the rejected point is still counted and the block keeps its expiry
		got, err := s.Get(ctx, key)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, 7, got.Consumed)
		assert.LessOrEqual(t, got.AvailableIn, 30)
		assert.Greater(t, got.AvailableIn, 25)

		_, err = s.Block(ctx, key, "100ms")
		assert.Equal(t, KindInvalidDuration, KindOf(err))
	})

	t.Run("block duration applies on the first exceeding point", func(t *testing.T) {
		s := newStore(t, Options{Requests: 2, Duration: 60, BlockDuration: 120})
		key := uuid.NewString()

		for i := 0; i < 2; i++ {
			_, err := s.Consume(ctx, key)
			require.NoError(t, err)
		}

		_, err := s.Consume(ctx, key)
		te, ok := AsThrottleError(err)
		require.True(t, ok)
		assert.Greater(t, te.RetryAfter(), 60)
		assert.LessOrEqual(t, te.RetryAfter(), 120)

		res, err := s.Get(ctx, key)
		require.NoError(t, err)
		require.NotNil(t, res)
		assert.Greater(t, res.AvailableIn, 60)
	})

	t.Run("delete", func(t *testing.T) {
		s := newStore(t, Options{Requests: 5, Duration: 60})
		key := uuid.NewString()

		_, err := s.Consume(ctx, key)
		require.NoError(t, err)

		deleted, err := s.Delete(ctx, key)
		require.NoError(t, err)
		assert.True(t, deleted)

		res, err := s.Get(ctx, key)
		require.NoError(t, err)
		assert.Nil(t, res)

		deleted, err = s.Delete(ctx, key)
		require.NoError(t, err)
		assert.False(t, deleted)
	})

	t.Run("clear", func(t *testing.T) {
		s := newStore(t, Options{Requests: 5, Duration: 60})
		keys := []string{uuid.NewString(), uuid.NewString()}

		for _, key := range keys {
			_, err := s.Consume(ctx, key)
			require.NoError(t, err)
		}
		require.NoError(t, s.Clear(ctx))

		for _, key := range keys {
			res, err := s.Get(ctx, key)
			require.NoError(t, err)
			assert.Nil(t, res)
		}
	})

	t.Run("zero duration never expires", func(t *testing.T) {
		s := newStore(t, Options{Requests: 5, Duration: 0})
		key := uuid.NewString()

		res, err := s.Consume(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, 1, res.Consumed)
		assert.Equal(t, 0, res.AvailableIn)

		got, err := s.Get(ctx, key)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, 0, got.AvailableIn)
	})

	t.Run("stores sharing a key prefix share records", func(t *testing.T) {
		backend := newBackend(t)
		a := NewStore(backend, Options{Requests: 5, Duration: 60})
		b := NewStore(backend, Options{Requests: 5, Duration: 60, BlockDuration: 300})
		other := NewStore(backend, Options{StoreConfig: StoreConfig{KeyPrefix: "other"}, Requests: 5, Duration: 60})
		key := uuid.NewString()

		_, err := a.Consume(ctx, key)
		require.NoError(t, err)

		res, err := b.Get(ctx, key)
		require.NoError(t, err)
		require.NotNil(t, res)
		assert.Equal(t, 1, res.Consumed)

		res, err = other.Get(ctx, key)
		require.NoError(t, err)
		assert.Nil(t, res)
	})

	t.Run("in memory block", func(t *testing.T) {
		s := newStore(t, Options{
			StoreConfig: StoreConfig{InMemoryBlockOnConsumed: 3, InMemoryBlockDuration: 60},
			Requests:    2,
			Duration:    60,
		})
		key := uuid.NewString()

		for i := 0; i < 2; i++ {
			_, err := s.Consume(ctx, key)
			require.NoError(t, err)
		}
		_, err := s.Consume(ctx, key)
		te, ok := AsThrottleError(err)
		require.True(t, ok)
		assert.Equal(t, 60, te.RetryAfter())

		// rejected in process, the backend is not incremented
		_, err = s.Consume(ctx, key)
		assert.Equal(t, KindLimitExceeded, KindOf(err))
		res, err := s.Get(ctx, key)
		require.NoError(t, err)
		require.NotNil(t, res)
		assert.Equal(t, 3, res.Consumed)

		s.DeleteInMemoryBlockedKeys()
		_, err = s.Consume(ctx, key)
		assert.Equal(t, KindLimitExceeded, KindOf(err))
		res, err = s.Get(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, 4, res.Consumed)
	})

	t.Run("in memory block keeps the backend block", func(t *testing.T) {
		backend := newBackend(t)
		s := NewStore(backend, Options{
			StoreConfig:   StoreConfig{InMemoryBlockOnConsumed: 3, InMemoryBlockDuration: 5},
			Requests:      2,
			Duration:      60,
			BlockDuration: 600,
		})
		peer := NewStore(backend, Options{Requests: 2, Duration: 60})
		key := uuid.NewString()

		for i := 0; i < 2; i++ {
			_, err := s.Consume(ctx, key)
			require.NoError(t, err)
		}
		_, err := s.Consume(ctx, key)
		te, ok := AsThrottleError(err)
		require.True(t, ok)
		assert.Greater(t, te.RetryAfter(), 590)

		res, err := s.Get(ctx, key)
		require.NoError(t, err)
		require.NotNil(t, res)
		assert.Greater(t, res.AvailableIn, 590)

		_, err = s.Consume(ctx, key)
		assert.Equal(t, KindLimitExceeded, KindOf(err))

		// a store without the in-memory cache sees the block in the backend
		_, err = peer.Consume(ctx, key)
		te, ok = AsThrottleError(err)
		require.True(t, ok)
		assert.Greater(t, te.RetryAfter(), 590)
	})

	t.Run("in memory block defaults to the record lifetime", func(t *testing.T) {
		s := newStore(t, Options{
			StoreConfig: StoreConfig{InMemoryBlockOnConsumed: 3},
			Requests:    2,
			Duration:    60,
		})
		key := uuid.NewString()

		for i := 0; i < 2; i++ {
			_, err := s.Consume(ctx, key)
			require.NoError(t, err)
		}
		_, err := s.Consume(ctx, key)
		te, ok := AsThrottleError(err)
		require.True(t, ok)
		assert.Greater(t, te.RetryAfter(), 0)
		assert.LessOrEqual(t, te.RetryAfter(), 60)

		_, err = s.Consume(ctx, key)
		assert.Equal(t, KindLimitExceeded, KindOf(err))
		res, err := s.Get(ctx, key)
		require.NoError(t, err)
		require.NotNil(t, res)
		assert.Equal(t, 3, res.Consumed)
	})

	t.Run("only one consumer wins the last point", func(t *testing.T) {
		s := newStore(t, Options{Requests: 1, Duration: 60})
		key := uuid.NewString()

		var (
			wg        sync.WaitGroup
			succeeded atomic.Int32
			throttled atomic.Int32
		)
		for i := 0; i < 100; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.Consume(ctx, key)
				switch KindOf(err) {
				case KindNone:
					succeeded.Add(1)
				case KindLimitExceeded:
					throttled.Add(1)
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, int32(1), succeeded.Load())
		assert.Equal(t, int32(99), throttled.Load())
	})
}
