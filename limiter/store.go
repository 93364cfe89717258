package limiter

import (
	"context"
	"time"
)

// Store defines the operations every limiter backend exposes.
// Durations are seconds, time.Duration values or string expressions.
type Store interface {
	// Name returns the backend kind (memory, redis, database).
	Name() string
	// Requests returns the number of points allowed per window.
	Requests() int
	// Duration returns the window in seconds.
	Duration() int
	// BlockDuration returns the automatic block duration in seconds, 0 when disabled.
	BlockDuration() int

	// Consume takes one point. A *ThrottleError is returned once the limit is
	// exceeded or when the key is blocked; the over-consumption is still recorded.
	Consume(ctx context.Context, key string) (Response, error)
	// Increment takes one point without failing on exhaustion.
	Increment(ctx context.Context, key string) (Response, error)
	// Decrement gives one point back, never going below zero.
	Decrement(ctx context.Context, key string) (Response, error)
	// Get returns the current state or nil when the key does not exist.
	Get(ctx context.Context, key string) (*Response, error)
	// Set overwrites the consumed points and the window of a key.
	Set(ctx context.Context, key string, requests int, duration any) (Response, error)
	// Block marks the key as exhausted for the given duration.
	Block(ctx context.Context, key string, duration any) (Response, error)
	// Delete removes the key and reports whether it existed.
	Delete(ctx context.Context, key string) (bool, error)
	// DeleteInMemoryBlockedKeys drops the in-process pre-block cache.
	DeleteInMemoryBlockedKeys()
	// Clear wipes the whole storage scope of the backend. For redis and
	// database stores this affects every key of the database or table.
	Clear(ctx context.Context) error
}

// Record is the raw counter state held by a backend.
type Record struct {
	Consumed int
	// TTL is the time before the record expires, negative when it never does.
	TTL time.Duration
}

// Backend is the counter primitive a store is built on.
// Implementations must make Incr atomic.
type Backend interface {
	// Name returns the backend kind.
	Name() string
	// Incr adds points to key and returns the new state. A missing or expired
	// record starts from zero with the given ttl (0 means no expiry).
	Incr(ctx context.Context, key string, points int, ttl time.Duration) (Record, error)
	// Read returns the record, or false when it does not exist.
	Read(ctx context.Context, key string) (Record, bool, error)
	// Write overwrites the record.
	Write(ctx context.Context, key string, points int, ttl time.Duration) (Record, error)
	// Delete removes the record and reports whether it existed.
	Delete(ctx context.Context, key string) (bool, error)
	// Clear removes every record of the backend.
	Clear(ctx context.Context) error
}

// StoreConfig holds the options recognized by every store.
type StoreConfig struct {
	KeyPrefix string
	// ExecEvenly delays successful consumes to spread them across the window.
	ExecEvenly bool
	// ExecEvenlyMinDelay is the smallest delay applied by ExecEvenly.
	// Defaults to Duration / Requests.
	ExecEvenlyMinDelay time.Duration
	// InMemoryBlockOnConsumed rejects a key in process once this many points are consumed.
	InMemoryBlockOnConsumed int
	// InMemoryBlockDuration is the lifetime of in-process rejections, in seconds.
	InMemoryBlockDuration int
}

// Options is a StoreConfig plus the numbers of one limiter.
type Options struct {
	StoreConfig

	Requests      int
	Duration      int // seconds
	BlockDuration int // seconds
}
