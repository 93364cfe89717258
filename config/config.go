// Package config loads the limiter stores from a YAML file and builds the
// limiter manager out of them.
package config

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/toolink/limiter/duration"
	"github.com/toolink/limiter/limiter"
)

// sql driver used for each dialect unless sql_driver is set: pgx, go-sql-driver
// and modernc register these names
var defaultSQLDrivers = map[string]string{
	limiter.DialectPostgres: "pgx",
	limiter.DialectMySQL:    "mysql",
	limiter.DialectSQLite:   "sqlite",
}

// DefaultSQLDriver returns the database/sql driver name used for dialect.
func DefaultSQLDriver(dialect string) (string, bool) {
	name, ok := defaultSQLDrivers[dialect]
	return name, ok
}

// StoreConfig defines one named store.
type StoreConfig struct {
	Driver string `yaml:"driver"` // memory, redis or database

	KeyPrefix               string `yaml:"key_prefix"`
	ExecEvenly              bool   `yaml:"exec_evenly"`
	ExecEvenlyMinDelay      string `yaml:"exec_evenly_min_delay"`
	InMemoryBlockOnConsumed int    `yaml:"in_memory_block_on_consumed"`
	InMemoryBlockDuration   string `yaml:"in_memory_block_duration"`

	// redis
	Addrs    []string `yaml:"addrs"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
	DB       int      `yaml:"db"`

	// database
	Dialect               string `yaml:"dialect"`
	SQLDriver             string `yaml:"sql_driver"`
	DSN                   string `yaml:"dsn"`
	DBName                string `yaml:"db_name"`
	SchemaName            string `yaml:"schema_name"`
	TableName             string `yaml:"table_name"`
	ClearExpiredByTimeout bool   `yaml:"clear_expired_by_timeout"`
	CreateTable           bool   `yaml:"create_table"`

	// internal fields
	prepared limiter.StoreConfig
}

// Config holds the overall limiter configuration.
type Config struct {
	Default string                  `yaml:"default"`
	Stores  map[string]*StoreConfig `yaml:"stores"`
}

// Load reads path, expanding ${VAR} references from the environment and from
// a .env file in the working directory when present.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	cfg, err := Parse([]byte(os.ExpandEnv(string(raw))))
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	log.Info().Str("path", path).Int("stores", len(cfg.Stores)).Str("default", cfg.Default).Msg("limiter config loaded")
	return cfg, nil
}

// Parse decodes and validates a YAML document.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode yaml: %w", err)
	}
	if err := cfg.ValidateAndPrepare(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ValidateAndPrepare validates the raw config and resolves its durations.
func (c *Config) ValidateAndPrepare() error {
	if len(c.Stores) == 0 {
		return fmt.Errorf("%w: no stores defined", limiter.ErrMissingConfig)
	}
	if c.Default == "" {
		return fmt.Errorf("%w: default store is not set", limiter.ErrMissingConfig)
	}
	if _, ok := c.Stores[c.Default]; !ok {
		return fmt.Errorf("%w: default store %q is not defined", limiter.ErrUnrecognizedStore, c.Default)
	}

	for name, store := range c.Stores {
		if store == nil {
			return fmt.Errorf("%w: store %q is empty", limiter.ErrMissingConfig, name)
		}
		if err := store.validateAndPrepare(); err != nil {
			return fmt.Errorf("store %q: %w", name, err)
		}
	}
	return nil
}

func (s *StoreConfig) validateAndPrepare() error {
	switch s.Driver {
	case limiter.StoreMemory:
	case limiter.StoreRedis:
		if len(s.Addrs) == 0 {
			s.Addrs = []string{"localhost:6379"}
		}
	case limiter.StoreDatabase:
		if _, ok := defaultSQLDrivers[s.Dialect]; !ok {
			return fmt.Errorf("%w: %q", limiter.ErrUnsupportedDialect, s.Dialect)
		}
		if s.DSN == "" {
			return fmt.Errorf("%w: dsn is required", limiter.ErrMissingConfig)
		}
		if s.TableName == "" {
			return fmt.Errorf("%w: table_name is required", limiter.ErrMissingConfig)
		}
		if s.SQLDriver == "" {
			s.SQLDriver = defaultSQLDrivers[s.Dialect]
		}
	default:
		return fmt.Errorf("%w: driver %q, must be '%s', '%s' or '%s'", limiter.ErrUnrecognizedStore, s.Driver,
			limiter.StoreMemory, limiter.StoreRedis, limiter.StoreDatabase)
	}

	prepared := limiter.StoreConfig{
		KeyPrefix:               s.KeyPrefix,
		ExecEvenly:              s.ExecEvenly,
		InMemoryBlockOnConsumed: s.InMemoryBlockOnConsumed,
	}
	if s.ExecEvenlyMinDelay != "" {
		d, err := duration.Parse(s.ExecEvenlyMinDelay)
		if err != nil {
			return fmt.Errorf("exec_evenly_min_delay: %w", err)
		}
		prepared.ExecEvenlyMinDelay = d
	}
	if s.InMemoryBlockDuration != "" {
		secs, err := duration.Seconds(s.InMemoryBlockDuration)
		if err != nil {
			return fmt.Errorf("in_memory_block_duration: %w", err)
		}
		prepared.InMemoryBlockDuration = secs
	}
	s.prepared = prepared
	return nil
}

// Closer releases the clients opened by Build.
type Closer func() error

// Build opens the store clients and creates the manager. The returned
// Closer closes the manager and then the clients.
func (c *Config) Build(ctx context.Context, opts ...limiter.ManagerOption) (*limiter.Manager, Closer, error) {
	var closers []func() error
	closeAll := func() error {
		var errs []error
		for i := len(closers) - 1; i >= 0; i-- {
			errs = append(errs, closers[i]())
		}
		return errors.Join(errs...)
	}

	factories := make(map[string]limiter.StoreFactory, len(c.Stores))
	for name, store := range c.Stores {
		factory, closer, err := store.factory(ctx)
		if err != nil {
			_ = closeAll()
			return nil, nil, fmt.Errorf("store %q: %w", name, err)
		}
		if closer != nil {
			closers = append(closers, closer)
		}
		factories[name] = factory
	}

	m, err := limiter.NewManager(limiter.ManagerConfig{Default: c.Default, Stores: factories}, opts...)
	if err != nil {
		_ = closeAll()
		return nil, nil, err
	}
	closers = append(closers, m.Close)
	return m, closeAll, nil
}

func (s *StoreConfig) factory(ctx context.Context) (limiter.StoreFactory, func() error, error) {
	switch s.Driver {
	case limiter.StoreRedis:
		client := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    s.Addrs,
			Username: s.Username,
			Password: s.Password,
			DB:       s.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		return limiter.RedisFactory(client, s.prepared), client.Close, nil

	case limiter.StoreDatabase:
		db, err := sql.Open(s.SQLDriver, s.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open database: %w", err)
		}
		if s.Dialect == limiter.DialectSQLite {
			// sqlite serializes writers
			db.SetMaxOpenConns(1)
		}
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := db.PingContext(pingCtx); err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		dbCfg := limiter.DatabaseConfig{
			Dialect:               s.Dialect,
			DBName:                s.DBName,
			SchemaName:            s.SchemaName,
			TableName:             s.TableName,
			ClearExpiredByTimeout: s.ClearExpiredByTimeout,
		}
		if s.CreateTable {
			ddl, err := dbCfg.Schema()
			if err != nil {
				_ = db.Close()
				return nil, nil, err
			}
			if _, err := db.ExecContext(ctx, ddl); err != nil {
				_ = db.Close()
				return nil, nil, fmt.Errorf("failed to create limiter table: %w", err)
			}
			log.Info().Str("table", s.TableName).Msg("limiter table ready")
		}
		return limiter.DatabaseFactory(db, dbCfg, s.prepared), db.Close, nil

	default:
		return limiter.MemoryFactory(s.prepared), nil, nil
	}
}
