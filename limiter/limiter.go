package limiter

import (
	"context"
	"io"

	"github.com/rs/zerolog/log"
)

// Limiter is an adapter on top of one store instance. It offers the store
// operations plus attempt and penalize helpers built from them.
type Limiter struct {
	store Store
}

// NewLimiter creates a Limiter for the given store.
func NewLimiter(store Store) *Limiter {
	return &Limiter{store: store}
}

// Name returns the kind of the underlying store.
func (l *Limiter) Name() string { return l.store.Name() }

// Requests returns the number of configured requests on the store.
func (l *Limiter) Requests() int { return l.store.Requests() }

// Duration returns the window in seconds.
func (l *Limiter) Duration() int { return l.store.Duration() }

// BlockDuration returns the block duration in seconds, 0 when disabled.
func (l *Limiter) BlockDuration() int { return l.store.BlockDuration() }

// Consume takes one point for key. A *ThrottleError is returned when all the
// requests have been consumed or the key is blocked.
func (l *Limiter) Consume(ctx context.Context, key string) (Response, error) {
	return l.store.Consume(ctx, key)
}

// Increment takes one point without failing once the requests are exhausted.
func (l *Limiter) Increment(ctx context.Context, key string) (Response, error) {
	return l.store.Increment(ctx, key)
}

func (l *Limiter) Decrement(ctx context.Context, key string) (Response, error) {
	return l.store.Decrement(ctx, key)
}

// Get returns the state of key, nil when it does not exist.
func (l *Limiter) Get(ctx context.Context, key string) (*Response, error) {
	return l.store.Get(ctx, key)
}

// Set manually writes the requests consumed by key for the given duration.
//
// For example "ip_127.0.0.1" made 20 requests in 1 minute. With 25 allowed
// requests per minute, 5 are left.
func (l *Limiter) Set(ctx context.Context, key string, requests int, duration any) (Response, error) {
	return l.store.Set(ctx, key, requests, duration)
}

// Block blocks key for duration, given in seconds or as a string expression.
func (l *Limiter) Block(ctx context.Context, key string, duration any) (Response, error) {
	return l.store.Block(ctx, key, duration)
}

func (l *Limiter) Delete(ctx context.Context, key string) (bool, error) {
	return l.store.Delete(ctx, key)
}

func (l *Limiter) DeleteInMemoryBlockedKeys() {
	l.store.DeleteInMemoryBlockedKeys()
}

// Clear wipes the storage of the underlying store.
func (l *Limiter) Clear(ctx context.Context) error {
	return l.store.Clear(ctx)
}

// Close releases the store when it holds resources.
func (l *Limiter) Close() error {
	if c, ok := l.store.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Attempt consumes one point for key and runs fn. It returns false without
// running fn when the key is over its limit, including when the consume
// itself is rejected. Other store errors are returned.
func (l *Limiter) Attempt(ctx context.Context, key string, fn func() error) (bool, error) {
	res, err := l.store.Get(ctx, key)
	if err != nil {
		return false, err
	}
	if res != nil && res.Exceeded() {
		return false, nil
	}

	if _, err := l.store.Consume(ctx, key); err != nil {
		if KindOf(err) == KindLimitExceeded {
			log.Debug().Str("key", key).Msg("attempt rejected")
			return false, nil
		}
		return false, err
	}
	return true, fn()
}

// Penalize runs fn and consumes a point only when fn fails. Once the failures
// reach the limit the key is blocked for the block duration. A successful
// call deletes the key.
//
// When the requests are already exhausted fn is not called and the returned
// *ThrottleError is non-nil. Otherwise the error is the one returned by fn,
// or a store failure.
func (l *Limiter) Penalize(ctx context.Context, key string, fn func() error) (*ThrottleError, error) {
	res, err := l.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if res != nil && res.Exhausted() {
		return NewThrottleError(*res), nil
	}

	if fnErr := fn(); fnErr != nil {
		res, err := l.store.Increment(ctx, key)
		if err != nil {
			return nil, err
		}
		if res.Consumed >= res.Limit && l.store.BlockDuration() > 0 {
			log.Debug().Str("key", key).Int("block_duration", l.store.BlockDuration()).Msg("penalized key blocked")
			if _, err := l.store.Block(ctx, key, l.store.BlockDuration()); err != nil {
				return nil, err
			}
		}
		return nil, fnErr
	}

	if _, err := l.store.Delete(ctx, key); err != nil {
		return nil, err
	}
	return nil, nil
}

// Remaining returns the requests left for key.
func (l *Limiter) Remaining(ctx context.Context, key string) (int, error) {
	res, err := l.store.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	if res == nil {
		return l.store.Requests(), nil
	}
	return res.Remaining, nil
}

// AvailableIn returns the seconds until key accepts requests again,
// 0 when requests are left.
func (l *Limiter) AvailableIn(ctx context.Context, key string) (int, error) {
	res, err := l.store.Get(ctx, key)
	if err != nil || res == nil {
		return 0, err
	}
	if res.Remaining == 0 {
		return res.AvailableIn, nil
	}
	return 0, nil
}

// IsBlocked reports whether the consumed points reached the limit.
func (l *Limiter) IsBlocked(ctx context.Context, key string) (bool, error) {
	res, err := l.store.Get(ctx, key)
	if err != nil || res == nil {
		return false, err
	}
	return res.Exhausted(), nil
}
