package limiter

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
)

// HTTPLimiter is the per request builder of a throttle. It is created
// through Manager.AllowRequests and finalized by Finish.
type HTTPLimiter struct {
	manager *Manager

	name          string
	requests      int
	duration      any
	blockDuration any
	key           string
	store         string
	limitExceeded func(*ThrottleError)
	noLimit       bool
}

// HTTPLimiterConfig is the immutable result of an HTTPLimiter builder.
type HTTPLimiterConfig struct {
	Name          string `json:"name"`
	Key           string `json:"key,omitempty"`
	Store         string `json:"store,omitempty"`
	Requests      int    `json:"requests"`
	Duration      any    `json:"duration"`
	BlockDuration any    `json:"blockDuration,omitempty"`
	NoLimit       bool   `json:"noLimit,omitempty"`

	limitExceeded func(*ThrottleError)
}

func newHTTPLimiter(m *Manager) *HTTPLimiter {
	return &HTTPLimiter{manager: m}
}

// AllowRequests sets the number of requests to allow.
func (h *HTTPLimiter) AllowRequests(requests int) *HTTPLimiter {
	h.requests = requests
	return h
}

// Every sets the window, in seconds or as a time expression.
//
//	m.AllowRequests(10).Every("1 minute")
func (h *HTTPLimiter) Every(duration any) *HTTPLimiter {
	h.duration = duration
	return h
}

// BlockFor blocks the key for duration once the requests are exhausted.
func (h *HTTPLimiter) BlockFor(duration any) *HTTPLimiter {
	h.blockDuration = duration
	return h
}

// UsingKey identifies the caller by key instead of the request identity.
func (h *HTTPLimiter) UsingKey(key string) *HTTPLimiter {
	h.key = key
	return h
}

// Store selects the store, the default one otherwise.
func (h *HTTPLimiter) Store(store string) *HTTPLimiter {
	h.store = store
	return h
}

// LimitExceeded registers a hook to modify the ThrottleError before it is
// returned. The hook cannot suppress the error.
func (h *HTTPLimiter) LimitExceeded(fn func(*ThrottleError)) *HTTPLimiter {
	h.limitExceeded = fn
	return h
}

// Finish returns the configuration built so far.
func (h *HTTPLimiter) Finish() HTTPLimiterConfig {
	return HTTPLimiterConfig{
		Name:          h.name,
		Key:           h.key,
		Store:         h.store,
		Requests:      h.requests,
		Duration:      h.duration,
		BlockDuration: h.blockDuration,
		NoLimit:       h.noLimit,
		limitExceeded: h.limitExceeded,
	}
}

// bind returns a copy named after a defined middleware.
func (h *HTTPLimiter) bind(name string, m *Manager) *HTTPLimiter {
	c := *h
	c.name = name
	if c.manager == nil {
		c.manager = m
	}
	return &c
}

// ThrottleKey returns the key a request with identity is counted under.
func (c HTTPLimiterConfig) ThrottleKey(identity string) string {
	if c.Key != "" {
		return c.Name + "_" + c.Key
	}
	return c.Name + "_" + identity
}

func (c HTTPLimiterConfig) validate() error {
	if c.Requests <= 0 || c.Duration == nil {
		return fmt.Errorf("%w: cannot throttle requests for %q limiter, make sure to define the allowed requests and duration", ErrInvalidHTTPLimiter, c.Name)
	}
	return nil
}

func (c HTTPLimiterConfig) notify(err *ThrottleError) {
	if c.limitExceeded != nil {
		c.limitExceeded(err)
	}
}

// Throttle consumes one request for identity. A *ThrottleError is returned
// when the requests are exhausted.
func (h *HTTPLimiter) Throttle(ctx context.Context, identity string) (Response, error) {
	cfg := h.Finish()
	if err := cfg.validate(); err != nil {
		return Response{}, err
	}
	if h.manager == nil {
		return Response{}, fmt.Errorf("%w: %q limiter is not bound to a manager", ErrInvalidHTTPLimiter, cfg.Name)
	}

	l, err := h.manager.Use(cfg.Store, RuntimeConfig{
		Requests:      cfg.Requests,
		Duration:      cfg.Duration,
		BlockDuration: cfg.BlockDuration,
	})
	if err != nil {
		return Response{}, err
	}

	key := cfg.ThrottleKey(identity)
	log.Debug().Str("key", key).Msg("throttling request")

	res, err := l.Get(ctx, key)
	if err != nil {
		return Response{}, err
	}
	// abort when the requests are already exceeded
	if res != nil && res.Exceeded() {
		log.Debug().Str("key", key).Msg("requests exhausted")
		te := NewThrottleError(*res)
		cfg.notify(te)
		return Response{}, te
	}

	consumed, err := l.Consume(ctx, key)
	if err != nil {
		if te, ok := AsThrottleError(err); ok {
			log.Debug().Str("key", key).Msg("requests exhausted")
			cfg.notify(te)
			return Response{}, te
		}
		return Response{}, err
	}
	return consumed, nil
}
