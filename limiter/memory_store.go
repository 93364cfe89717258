package limiter

import (
	"context"
	"sync"
	"time"
)

// memoryBackend implements the Backend interface using an in-memory map.
// State is local to one instance.
type memoryBackend struct {
	mu    sync.Mutex
	state map[string]counterState
	ops   int
}

// expired entries are swept every sweepEvery increments
const sweepEvery = 1024

// counterState holds the state for a specific key in the memory backend.
type counterState struct {
	Points    int
	ExpiresAt time.Time // zero when the key never expires
}

func (c counterState) expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

func (c counterState) record(now time.Time) Record {
	if c.ExpiresAt.IsZero() {
		return Record{Consumed: c.Points, TTL: -1}
	}
	return Record{Consumed: c.Points, TTL: c.ExpiresAt.Sub(now)}
}

// NewMemoryBackend creates an empty in-memory counter backend.
func NewMemoryBackend() Backend {
	return &memoryBackend{
		state: make(map[string]counterState),
	}
}

// NewMemoryStore creates a new in-memory rate limit store.
func NewMemoryStore(opts Options) Store {
	return NewStore(NewMemoryBackend(), opts)
}

func (b *memoryBackend) Name() string { return StoreMemory }

func (b *memoryBackend) Incr(_ context.Context, key string, points int, ttl time.Duration) (Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	current, exists := b.state[key]
	if !exists || current.expired(now) {
		current = counterState{}
		if ttl > 0 {
			current.ExpiresAt = now.Add(ttl)
		}
	}
	current.Points += points
	b.state[key] = current

	b.ops++
	if b.ops%sweepEvery == 0 {
		b.sweep(now)
	}
	return current.record(now), nil
}

// sweep removes expired keys. Callers must hold the lock.
func (b *memoryBackend) sweep(now time.Time) {
	for key, st := range b.state {
		if st.expired(now) {
			delete(b.state, key)
		}
	}
}

func (b *memoryBackend) Read(_ context.Context, key string) (Record, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	current, exists := b.state[key]
	if !exists {
		return Record{}, false, nil
	}
	if current.expired(now) {
		delete(b.state, key)
		return Record{}, false, nil
	}
	return current.record(now), true, nil
}

func (b *memoryBackend) Write(_ context.Context, key string, points int, ttl time.Duration) (Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	current := counterState{Points: points}
	if ttl > 0 {
		current.ExpiresAt = now.Add(ttl)
	}
	b.state[key] = current
	return current.record(now), nil
}

func (b *memoryBackend) Delete(_ context.Context, key string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	current, exists := b.state[key]
	if !exists {
		return false, nil
	}
	delete(b.state, key)
	return !current.expired(time.Now()), nil
}

func (b *memoryBackend) Clear(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = make(map[string]counterState)
	return nil
}
