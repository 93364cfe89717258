package limiter

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/toolink/limiter/duration"
)

// StoreFactory creates a store for the numbers of one limiter.
type StoreFactory func(opts Options) (Store, error)

// MemoryFactory returns a factory creating memory stores.
func MemoryFactory(cfg StoreConfig) StoreFactory {
	return func(opts Options) (Store, error) {
		opts.StoreConfig = cfg
		return NewMemoryStore(opts), nil
	}
}

// RedisFactory returns a factory creating redis stores sharing one client.
func RedisFactory(client redis.Cmdable, cfg StoreConfig) StoreFactory {
	return func(opts Options) (Store, error) {
		opts.StoreConfig = cfg
		return NewRedisStore(client, opts)
	}
}

// DatabaseFactory returns a factory creating database stores sharing one
// backend, so the expired rows sweep runs once per table.
func DatabaseFactory(db *sql.DB, dbCfg DatabaseConfig, cfg StoreConfig) StoreFactory {
	var (
		once    sync.Once
		backend Backend
		err     error
	)
	return func(opts Options) (Store, error) {
		once.Do(func() {
			backend, err = NewDatabaseBackend(db, dbCfg)
		})
		if err != nil {
			return nil, err
		}
		opts.StoreConfig = cfg
		return NewStore(backend, opts), nil
	}
}

// ManagerConfig lists the known stores and the one used by default.
type ManagerConfig struct {
	Default string
	Stores  map[string]StoreFactory
}

// RuntimeConfig holds the numbers of a limiter. Duration and BlockDuration
// are seconds, time.Duration values or string expressions like "1 min".
type RuntimeConfig struct {
	Requests      int
	Duration      any
	BlockDuration any
}

// IdentityFunc returns the identity of a request, the client IP by default.
type IdentityFunc func(r *http.Request) string

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithIdentity overrides how HTTP limiters identify requests.
func WithIdentity(fn IdentityFunc) ManagerOption {
	return func(m *Manager) {
		m.identity = fn
	}
}

// Manager creates limiters for the configured stores and caches one
// instance per store, requests, duration and block duration for its lifetime.
type Manager struct {
	config   ManagerConfig
	identity IdentityFunc

	mu       sync.RWMutex
	limiters map[string]map[string]*Limiter // store name -> limiter key -> limiter
	order    map[string][]string            // creation order of limiter keys per store
	group    singleflight.Group

	defMu       sync.RWMutex
	definitions map[string]func(http.Handler) http.Handler
}

// NewManager validates cfg and creates a Manager.
func NewManager(cfg ManagerConfig, opts ...ManagerOption) (*Manager, error) {
	if len(cfg.Stores) == 0 {
		return nil, fmt.Errorf("%w: define at least one store", ErrMissingConfig)
	}
	if cfg.Default == "" {
		return nil, fmt.Errorf("%w: define the default store", ErrMissingConfig)
	}
	if _, ok := cfg.Stores[cfg.Default]; !ok {
		return nil, fmt.Errorf("%w: default store %q is not defined", ErrUnrecognizedStore, cfg.Default)
	}
	for name, factory := range cfg.Stores {
		if factory == nil {
			return nil, fmt.Errorf("%w: store %q has no factory", ErrMissingConfig, name)
		}
	}

	m := &Manager{
		config:      cfg,
		identity:    ClientIP,
		limiters:    make(map[string]map[string]*Limiter),
		order:       make(map[string][]string),
		definitions: make(map[string]func(http.Handler) http.Handler),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// limiterKey identifies a limiter instance.
func limiterKey(store string, requests, durationSecs, blockSecs int) string {
	chunks := []string{
		"s:" + store,
		"r:" + strconv.Itoa(requests),
		"d:" + strconv.Itoa(durationSecs),
	}
	if blockSecs > 0 {
		chunks = append(chunks, "bd:"+strconv.Itoa(blockSecs))
	}
	return strings.Join(chunks, ",")
}

func (m *Manager) cached(store, key string) *Limiter {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.limiters[store][key]
}

// Use returns the limiter for store and cfg, creating it on first use.
// An empty store name selects the default store.
func (m *Manager) Use(store string, cfg RuntimeConfig) (*Limiter, error) {
	if store == "" {
		store = m.config.Default
	}
	factory, ok := m.config.Stores[store]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnrecognizedStore, store)
	}
	if cfg.Duration == nil {
		return nil, fmt.Errorf("%w: specify the number of allowed requests and duration to create a limiter", ErrMissingConfig)
	}

	durationSecs, err := duration.Seconds(cfg.Duration)
	if err != nil {
		return nil, err
	}
	blockSecs := 0
	if cfg.BlockDuration != nil {
		if blockSecs, err = duration.Seconds(cfg.BlockDuration); err != nil {
			return nil, err
		}
	}

	key := limiterKey(store, cfg.Requests, durationSecs, blockSecs)
	if l := m.cached(store, key); l != nil {
		return l, nil
	}

	v, err, _ := m.group.Do(key, func() (any, error) {
		if l := m.cached(store, key); l != nil {
			return l, nil
		}

		s, err := factory(Options{
			Requests:      cfg.Requests,
			Duration:      durationSecs,
			BlockDuration: blockSecs,
		})
		if err != nil {
			return nil, err
		}
		l := NewLimiter(s)

		m.mu.Lock()
		defer m.mu.Unlock()
		if existing := m.limiters[store][key]; existing != nil {
			return existing, nil
		}
		if m.limiters[store] == nil {
			m.limiters[store] = make(map[string]*Limiter)
		}
		m.limiters[store][key] = l
		m.order[store] = append(m.order[store], key)
		log.Info().Str("store", store).Str("limiter", key).Msg("limiter created")
		return l, nil
	})
	if err != nil {
		log.Error().Err(err).Str("store", store).Str("limiter", key).Msg("failed to create limiter")
		return nil, err
	}
	return v.(*Limiter), nil
}

// Clear clears the storage of the given stores, all of them when none is given.
// Memory stores hold independent state, so every cached instance is cleared.
// Other stores share one backend and only the first instance is cleared.
func (m *Manager) Clear(ctx context.Context, stores ...string) error {
	if len(stores) == 0 {
		for name := range m.config.Stores {
			stores = append(stores, name)
		}
	}

	for _, store := range stores {
		m.mu.RLock()
		keys := append([]string(nil), m.order[store]...)
		limiters := make([]*Limiter, 0, len(keys))
		for _, key := range keys {
			limiters = append(limiters, m.limiters[store][key])
		}
		m.mu.RUnlock()

		if len(limiters) == 0 {
			continue
		}
		if store != StoreMemory && limiters[0].Name() != StoreMemory {
			limiters = limiters[:1]
		}
		for _, l := range limiters {
			if err := l.Clear(ctx); err != nil {
				return fmt.Errorf("clear store %s: %w", store, err)
			}
		}
	}
	return nil
}

// Close releases every cached limiter holding resources.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for store, limiters := range m.limiters {
		for key, l := range limiters {
			if err := l.Close(); err != nil {
				log.Error().Err(err).Str("store", store).Str("limiter", key).Msg("failed to close limiter")
				errs = append(errs, err)
			}
		}
	}
	m.limiters = make(map[string]map[string]*Limiter)
	m.order = make(map[string][]string)
	return errors.Join(errs...)
}

// AllowRequests starts an HTTP limiter allowing the given number of requests.
func (m *Manager) AllowRequests(requests int) *HTTPLimiter {
	return newHTTPLimiter(m).AllowRequests(requests)
}

// NoLimit returns an HTTP limiter that lets every request through.
func (m *Manager) NoLimit() *HTTPLimiter {
	h := newHTTPLimiter(m)
	h.noLimit = true
	return h
}

// Define registers a named HTTP middleware. fn is invoked for every request
// and returns the limiter to apply, or nil / NoLimit() to skip throttling.
func (m *Manager) Define(name string, fn func(r *http.Request) *HTTPLimiter) func(http.Handler) http.Handler {
	mw := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := fn(r)
			if h == nil || h.noLimit {
				next.ServeHTTP(w, r)
				return
			}

			res, err := h.bind(name, m).Throttle(r.Context(), m.identity(r))
			if err != nil {
				if te, ok := AsThrottleError(err); ok {
					te.Render(w, r)
					return
				}
				log.Error().Err(err).Str("limiter", name).Str("path", r.URL.Path).Msg("throttle failed")
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				return
			}

			w.Header().Set(HeaderLimit, strconv.Itoa(res.Limit))
			w.Header().Set(HeaderRemaining, strconv.Itoa(res.Remaining))
			next.ServeHTTP(w, r.WithContext(WithResponse(r.Context(), res)))
		})
	}

	m.defMu.Lock()
	m.definitions[name] = mw
	m.defMu.Unlock()
	log.Debug().Str("limiter", name).Msg("http limiter defined")
	return mw
}

// Middleware returns the middleware registered by Define under name.
func (m *Manager) Middleware(name string) (func(http.Handler) http.Handler, error) {
	m.defMu.RLock()
	defer m.defMu.RUnlock()
	mw, ok := m.definitions[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownHTTPLimiter, name)
	}
	return mw, nil
}
