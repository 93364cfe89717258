package limiter

import (
	"context"
	"math"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog/log"

	"github.com/toolink/limiter/duration"
)

const inMemoryBlockCacheSize = 10_000

// inMemoryBlock is an entry of the pre-block cache.
type inMemoryBlock struct {
	consumed  int
	expiresAt time.Time
}

// counterStore implements Store on top of any Backend.
type counterStore struct {
	backend Backend
	opts    Options

	minDelay time.Duration
	blocked  *expirable.LRU[string, inMemoryBlock] // nil when in-memory blocking is disabled
}

// NewStore builds a Store over a counter backend.
func NewStore(backend Backend, opts Options) Store {
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = DefaultKeyPrefix
	}

	s := &counterStore{
		backend:  backend,
		opts:     opts,
		minDelay: opts.ExecEvenlyMinDelay,
	}
	if s.minDelay <= 0 && opts.Requests > 0 {
		s.minDelay = time.Duration(opts.Duration) * time.Second / time.Duration(opts.Requests)
	}
	if opts.InMemoryBlockOnConsumed > 0 {
		// entries carry their own expiry, a zero ttl disables cache eviction by age
		ttl := time.Duration(opts.InMemoryBlockDuration) * time.Second
		s.blocked = expirable.NewLRU[string, inMemoryBlock](inMemoryBlockCacheSize, nil, ttl)
	}

	log.Info().
		Str("store", backend.Name()).
		Str("key_prefix", opts.KeyPrefix).
		Int("requests", opts.Requests).
		Int("duration", opts.Duration).
		Int("block_duration", opts.BlockDuration).
		Msg("limiter store created")
	return s
}

func (s *counterStore) Name() string       { return s.backend.Name() }
func (s *counterStore) Requests() int      { return s.opts.Requests }
func (s *counterStore) Duration() int      { return s.opts.Duration }
func (s *counterStore) BlockDuration() int { return s.opts.BlockDuration }

// Close releases the backend when it holds resources.
func (s *counterStore) Close() error {
	if c, ok := s.backend.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}

func (s *counterStore) key(key string) string {
	return s.opts.KeyPrefix + ":" + key
}

func (s *counterStore) window() time.Duration {
	return time.Duration(s.opts.Duration) * time.Second
}

func (s *counterStore) response(rec Record) Response {
	availableIn := 0
	if rec.TTL > 0 {
		availableIn = int(math.Ceil(float64(rec.TTL) / float64(time.Second)))
	}
	return NewResponse(s.opts.Requests, s.opts.Requests-rec.Consumed, rec.Consumed, availableIn)
}

func (s *counterStore) Consume(ctx context.Context, key string) (Response, error) {
	rlKey := s.key(key)

	if res, ok := s.inMemoryBlocked(rlKey); ok {
		log.Warn().Str("key", rlKey).Msg("key blocked in memory")
		return Response{}, NewThrottleError(res)
	}

	rec, err := s.backend.Incr(ctx, rlKey, 1, s.window())
	if err != nil {
		log.Error().Err(err).Str("store", s.Name()).Str("key", rlKey).Msg("consume failed")
		return Response{}, err
	}

	if rec.Consumed > s.opts.Requests {
		if s.opts.BlockDuration > 0 && rec.Consumed <= s.opts.Requests+1 {
			// first point over the limit blocks the key
			rec, err = s.backend.Write(ctx, rlKey, rec.Consumed, time.Duration(s.opts.BlockDuration)*time.Second)
			if err != nil {
				log.Error().Err(err).Str("store", s.Name()).Str("key", rlKey).Msg("block after consume failed")
				return Response{}, err
			}
		}
		if s.blocked != nil && rec.Consumed >= s.opts.InMemoryBlockOnConsumed {
			s.blockInMemory(rlKey, &rec)
		}

		res := s.response(rec)
		log.Warn().Str("key", rlKey).Int("consumed", res.Consumed).Int("limit", res.Limit).Msg("rate limit exceeded")
		return Response{}, NewThrottleError(res)
	}

	res := s.response(rec)
	log.Debug().Str("key", rlKey).Int("consumed", res.Consumed).Int("remaining", res.Remaining).Msg("request consumed")

	// the first point of a window is never delayed
	if s.opts.ExecEvenly && rec.Consumed > 1 {
		if err := s.waitEvenly(ctx, rec, res.Remaining); err != nil {
			return Response{}, err
		}
	}
	return res, nil
}

// blockInMemory rejects rlKey in process for InMemoryBlockDuration, or for
// the rest of the record lifetime when no in-memory duration is set.
// rec.TTL is raised to the in-memory block when that one ends later.
func (s *counterStore) blockInMemory(rlKey string, rec *Record) {
	ttl := time.Duration(s.opts.InMemoryBlockDuration) * time.Second
	if ttl <= 0 {
		ttl = rec.TTL
	}
	if ttl <= 0 {
		return
	}
	s.blocked.Add(rlKey, inMemoryBlock{consumed: rec.Consumed, expiresAt: time.Now().Add(ttl)})
	if ttl > rec.TTL {
		rec.TTL = ttl
	}
}

// waitEvenly delays the caller so the remaining points spread over the window.
func (s *counterStore) waitEvenly(ctx context.Context, rec Record, remaining int) error {
	if rec.TTL <= 0 {
		return nil
	}

	delay := time.Duration(math.Ceil(float64(rec.TTL) / float64(remaining+2)))
	if delay < s.minDelay {
		delay = time.Duration(rec.Consumed) * s.minDelay
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (s *counterStore) inMemoryBlocked(rlKey string) (Response, bool) {
	if s.blocked == nil {
		return Response{}, false
	}
	entry, ok := s.blocked.Get(rlKey)
	if !ok {
		return Response{}, false
	}
	left := time.Until(entry.expiresAt)
	if left <= 0 {
		s.blocked.Remove(rlKey)
		return Response{}, false
	}
	return s.response(Record{Consumed: entry.consumed, TTL: left}), true
}

func (s *counterStore) Increment(ctx context.Context, key string) (Response, error) {
	rlKey := s.key(key)
	rec, err := s.backend.Incr(ctx, rlKey, 1, s.window())
	if err != nil {
		log.Error().Err(err).Str("store", s.Name()).Str("key", rlKey).Msg("increment failed")
		return Response{}, err
	}
	log.Debug().Str("key", rlKey).Int("consumed", rec.Consumed).Msg("increased requests count")
	return s.response(rec), nil
}

func (s *counterStore) Decrement(ctx context.Context, key string) (Response, error) {
	rlKey := s.key(key)
	rec, ok, err := s.backend.Read(ctx, rlKey)
	if err != nil {
		log.Error().Err(err).Str("store", s.Name()).Str("key", rlKey).Msg("decrement failed")
		return Response{}, err
	}
	if !ok {
		return s.Set(ctx, key, 0, s.opts.Duration)
	}
	if rec.Consumed <= 0 {
		return s.response(rec), nil
	}

	rec, err = s.backend.Incr(ctx, rlKey, -1, s.window())
	if err != nil {
		log.Error().Err(err).Str("store", s.Name()).Str("key", rlKey).Msg("decrement failed")
		return Response{}, err
	}
	log.Debug().Str("key", rlKey).Int("consumed", rec.Consumed).Msg("decreased requests count")
	return s.response(rec), nil
}

func (s *counterStore) Get(ctx context.Context, key string) (*Response, error) {
	rlKey := s.key(key)
	rec, ok, err := s.backend.Read(ctx, rlKey)
	if err != nil {
		log.Error().Err(err).Str("store", s.Name()).Str("key", rlKey).Msg("get failed")
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	res := s.response(rec)
	return &res, nil
}

// Set writes consumed points under the configured limit of the store, so the
// remaining count is computed against Requests and not against requests.
func (s *counterStore) Set(ctx context.Context, key string, requests int, d any) (Response, error) {
	secs, err := duration.Seconds(d)
	if err != nil {
		return Response{}, err
	}

	rlKey := s.key(key)
	rec, err := s.backend.Write(ctx, rlKey, requests, time.Duration(secs)*time.Second)
	if err != nil {
		log.Error().Err(err).Str("store", s.Name()).Str("key", rlKey).Msg("set failed")
		return Response{}, err
	}
	log.Debug().Str("key", rlKey).Int("requests", requests).Int("duration", secs).Msg("updated key")
	return s.response(rec), nil
}

func (s *counterStore) Block(ctx context.Context, key string, d any) (Response, error) {
	secs, err := duration.Seconds(d)
	if err != nil {
		return Response{}, err
	}

	rlKey := s.key(key)
	rec, err := s.backend.Write(ctx, rlKey, s.opts.Requests+1, time.Duration(secs)*time.Second)
	if err != nil {
		log.Error().Err(err).Str("store", s.Name()).Str("key", rlKey).Msg("block failed")
		return Response{}, err
	}
	log.Debug().Str("key", rlKey).Int("duration", secs).Msg("blocked key")
	return s.response(rec), nil
}

func (s *counterStore) Delete(ctx context.Context, key string) (bool, error) {
	rlKey := s.key(key)
	if s.blocked != nil {
		s.blocked.Remove(rlKey)
	}
	deleted, err := s.backend.Delete(ctx, rlKey)
	if err != nil {
		log.Error().Err(err).Str("store", s.Name()).Str("key", rlKey).Msg("delete failed")
		return false, err
	}
	log.Debug().Str("key", rlKey).Bool("deleted", deleted).Msg("deleted key")
	return deleted, nil
}

func (s *counterStore) DeleteInMemoryBlockedKeys() {
	if s.blocked != nil {
		s.blocked.Purge()
	}
}

func (s *counterStore) Clear(ctx context.Context) error {
	if err := s.backend.Clear(ctx); err != nil {
		log.Error().Err(err).Str("store", s.Name()).Msg("clear failed")
		return err
	}
	s.DeleteInMemoryBlockedKeys()
	log.Info().Str("store", s.Name()).Msg("store cleared")
	return nil
}
