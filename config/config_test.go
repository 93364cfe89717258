package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/toolink/limiter/limiter"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "limiter.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadAndBuild(t *testing.T) {
	mr := miniredis.RunT(t)
	t.Setenv("LIMITER_REDIS_ADDR", mr.Addr())
	t.Setenv("LIMITER_DB_PATH", filepath.Join(t.TempDir(), "limiter.db"))

	path := writeConfig(t, `
default: redis
stores:
  memory:
    driver: memory
    key_prefix: local
  redis:
    driver: redis
    addrs: ["${LIMITER_REDIS_ADDR}"]
    in_memory_block_on_consumed: 10
    in_memory_block_duration: "1 min"
  db:
    driver: database
    dialect: sqlite
    dsn: ${LIMITER_DB_PATH}
    table_name: rate_limits
    create_table: true
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "redis", cfg.Default)
	require.Len(t, cfg.Stores, 3)
	assert.Equal(t, []string{mr.Addr()}, cfg.Stores["redis"].Addrs)
	assert.Equal(t, 60, cfg.Stores["redis"].prepared.InMemoryBlockDuration)
	assert.Equal(t, "sqlite", cfg.Stores["db"].SQLDriver)

	ctx := context.Background()
	m, closeAll, err := cfg.Build(ctx)
	require.NoError(t, err)
	defer func() { assert.NoError(t, closeAll()) }()

	for _, store := range []string{"", "memory", "db"} {
		l, err := m.Use(store, limiter.RuntimeConfig{Requests: 2, Duration: "1 min"})
		require.NoError(t, err)

		res, err := l.Consume(ctx, "user_1")
		require.NoError(t, err, "store %q", store)
		assert.Equal(t, 1, res.Consumed)
	}
	assert.True(t, mr.Exists("rlflx:user_1"))
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want error
	}{
		{"no stores", "default: memory\n", limiter.ErrMissingConfig},
		{"no default", "stores:\n  memory:\n    driver: memory\n", limiter.ErrMissingConfig},
		{"unknown default", "default: redis\nstores:\n  memory:\n    driver: memory\n", limiter.ErrUnrecognizedStore},
		{"unknown driver", "default: m\nstores:\n  m:\n    driver: mongo\n", limiter.ErrUnrecognizedStore},
		{"unsupported dialect", "default: db\nstores:\n  db:\n    driver: database\n    dialect: oracle\n    dsn: x\n    table_name: t\n", limiter.ErrUnsupportedDialect},
		{"missing table", "default: db\nstores:\n  db:\n    driver: database\n    dialect: sqlite\n    dsn: x\n", limiter.ErrMissingConfig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestParseDefaultSQLDriver(t *testing.T) {
	cfg, err := Parse([]byte("default: db\nstores:\n  db:\n    driver: database\n    dialect: postgres\n    dsn: x\n    table_name: rate_limits\n"))
	require.NoError(t, err)
	assert.Equal(t, "pgx", cfg.Stores["db"].SQLDriver)

	_, ok := DefaultSQLDriver("oracle")
	assert.False(t, ok)
}

func TestParseInMemoryBlockWithoutDuration(t *testing.T) {
	cfg, err := Parse([]byte("default: m\nstores:\n  m:\n    driver: memory\n    in_memory_block_on_consumed: 5\n"))
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Stores["m"].prepared.InMemoryBlockOnConsumed)
	assert.Equal(t, 0, cfg.Stores["m"].prepared.InMemoryBlockDuration)
}

func TestParseInvalidDuration(t *testing.T) {
	_, err := Parse([]byte("default: m\nstores:\n  m:\n    driver: memory\n    in_memory_block_duration: someday\n"))
	assert.Equal(t, limiter.KindInvalidDuration, limiter.KindOf(err))
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
