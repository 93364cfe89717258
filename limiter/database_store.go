package limiter

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	expiredSweepInterval = 5 * time.Minute
	expiredSweepGrace    = time.Hour
)

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// DatabaseConfig describes where the counter table lives.
// The table must exist before first use; see Schema.
type DatabaseConfig struct {
	Dialect    string // postgres, mysql or sqlite
	DBName     string // mysql database qualifying the table
	SchemaName string // postgres schema qualifying the table
	TableName  string
	// ClearExpiredByTimeout deletes rows expired for more than an hour,
	// every five minutes, until the store is closed.
	ClearExpiredByTimeout bool
}

// qualifiedTable validates the identifiers and returns the quoted table name.
func (c DatabaseConfig) qualifiedTable() (string, error) {
	switch c.Dialect {
	case DialectPostgres, DialectMySQL, DialectSQLite:
	default:
		return "", fmt.Errorf("%w: %q, the limiter can only work with postgres, mysql and sqlite databases", ErrUnsupportedDialect, c.Dialect)
	}
	if c.TableName == "" {
		return "", fmt.Errorf("%w: database store requires a table name", ErrMissingConfig)
	}

	quote := func(ident string) (string, error) {
		if !identPattern.MatchString(ident) {
			return "", fmt.Errorf("%w: invalid identifier %q", ErrMissingConfig, ident)
		}
		if c.Dialect == DialectMySQL {
			return "`" + ident + "`", nil
		}
		return `"` + ident + `"`, nil
	}

	table, err := quote(c.TableName)
	if err != nil {
		return "", err
	}

	qualifier := ""
	switch c.Dialect {
	case DialectPostgres:
		qualifier = c.SchemaName
	case DialectMySQL:
		qualifier = c.DBName
	}
	if qualifier == "" {
		return table, nil
	}
	q, err := quote(qualifier)
	if err != nil {
		return "", err
	}
	return q + "." + table, nil
}

// Schema returns the DDL creating the counter table.
func (c DatabaseConfig) Schema() (string, error) {
	table, err := c.qualifiedTable()
	if err != nil {
		return "", err
	}
	switch c.Dialect {
	case DialectPostgres:
		return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s ("key" VARCHAR(255) PRIMARY KEY, points INTEGER NOT NULL DEFAULT 0, expire BIGINT)`, table), nil
	case DialectMySQL:
		return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (`key` VARCHAR(255) CHARACTER SET utf8 NOT NULL, points INT(9) NOT NULL DEFAULT 0, expire BIGINT UNSIGNED, PRIMARY KEY (`key`))", table), nil
	default:
		return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s ("key" TEXT PRIMARY KEY, points INTEGER NOT NULL DEFAULT 0, expire INTEGER)`, table), nil
	}
}

type sqlQueries struct {
	incr   string // postgres and sqlite: upsert returning the row
	upsert string // mysql: upsert only, followed by selectRow in the same tx
	write  string
	read   string
	del    string
	clear  string
	sweep  string
}

func buildQueries(dialect, table string) sqlQueries {
	switch dialect {
	case DialectMySQL:
		return sqlQueries{
			upsert: "INSERT INTO " + table + " (`key`, points, expire) VALUES (?, ?, ?) ON DUPLICATE KEY UPDATE " +
				"points = IF(expire IS NOT NULL AND expire <= ?, ?, points + ?), " +
				"expire = IF(expire IS NOT NULL AND expire <= ?, ?, expire)",
			read:  "SELECT points, expire FROM " + table + " WHERE `key` = ? AND (expire IS NULL OR expire > ?)",
			write: "INSERT INTO " + table + " (`key`, points, expire) VALUES (?, ?, ?) ON DUPLICATE KEY UPDATE points = ?, expire = ?",
			del:   "DELETE FROM " + table + " WHERE `key` = ?",
			clear: "DELETE FROM " + table,
			sweep: "DELETE FROM " + table + " WHERE expire < ?",
		}
	case DialectPostgres:
		return sqlQueries{
			incr: "INSERT INTO " + table + ` AS t ("key", points, expire) VALUES ($1, $2, $3) ON CONFLICT ("key") DO UPDATE SET ` +
				"points = CASE WHEN t.expire IS NOT NULL AND t.expire <= $4 THEN excluded.points ELSE t.points + excluded.points END, " +
				"expire = CASE WHEN t.expire IS NOT NULL AND t.expire <= $4 THEN excluded.expire ELSE t.expire END " +
				"RETURNING points, expire",
			read:  "SELECT points, expire FROM " + table + ` WHERE "key" = $1 AND (expire IS NULL OR expire > $2)`,
			write: "INSERT INTO " + table + ` ("key", points, expire) VALUES ($1, $2, $3) ON CONFLICT ("key") DO UPDATE SET points = excluded.points, expire = excluded.expire`,
			del:   "DELETE FROM " + table + ` WHERE "key" = $1`,
			clear: "DELETE FROM " + table,
			sweep: "DELETE FROM " + table + " WHERE expire < $1",
		}
	default:
		return sqlQueries{
			incr: "INSERT INTO " + table + ` ("key", points, expire) VALUES (?1, ?2, ?3) ON CONFLICT ("key") DO UPDATE SET ` +
				"points = CASE WHEN expire IS NOT NULL AND expire <= ?4 THEN excluded.points ELSE points + excluded.points END, " +
				"expire = CASE WHEN expire IS NOT NULL AND expire <= ?4 THEN excluded.expire ELSE expire END " +
				"RETURNING points, expire",
			read:  "SELECT points, expire FROM " + table + ` WHERE "key" = ?1 AND (expire IS NULL OR expire > ?2)`,
			write: "INSERT INTO " + table + ` ("key", points, expire) VALUES (?1, ?2, ?3) ON CONFLICT ("key") DO UPDATE SET points = excluded.points, expire = excluded.expire`,
			del:   "DELETE FROM " + table + ` WHERE "key" = ?1`,
			clear: "DELETE FROM " + table,
			sweep: "DELETE FROM " + table + " WHERE expire < ?1",
		}
	}
}

// sqlBackend implements the Backend interface on a relational table with
// the columns key, points and expire (epoch milliseconds, NULL for never).
type sqlBackend struct {
	db      *sql.DB
	dialect string
	table   string
	q       sqlQueries

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewDatabaseBackend creates a counter backend on an open database handle.
// Unsupported dialects fail with ErrUnsupportedDialect.
func NewDatabaseBackend(db *sql.DB, cfg DatabaseConfig) (Backend, error) {
	if db == nil {
		return nil, fmt.Errorf("%w: database store requires a connection", ErrInvalidClient)
	}
	table, err := cfg.qualifiedTable()
	if err != nil {
		return nil, err
	}

	b := &sqlBackend{
		db:      db,
		dialect: cfg.Dialect,
		table:   table,
		q:       buildQueries(cfg.Dialect, table),
	}
	if cfg.ClearExpiredByTimeout {
		b.stop = make(chan struct{})
		b.done = make(chan struct{})
		go b.sweepLoop()
	}
	return b, nil
}

// NewDatabaseStore creates a new database rate limit store.
func NewDatabaseStore(db *sql.DB, cfg DatabaseConfig, opts Options) (Store, error) {
	backend, err := NewDatabaseBackend(db, cfg)
	if err != nil {
		return nil, err
	}
	return NewStore(backend, opts), nil
}

func (b *sqlBackend) Name() string { return StoreDatabase }

func expireAt(now time.Time, ttl time.Duration) sql.NullInt64 {
	if ttl <= 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: now.Add(ttl).UnixMilli(), Valid: true}
}

func toRecord(now time.Time, points int, expire sql.NullInt64) Record {
	if !expire.Valid {
		return Record{Consumed: points, TTL: -1}
	}
	ttl := time.Duration(expire.Int64-now.UnixMilli()) * time.Millisecond
	if ttl < 0 {
		ttl = 0
	}
	return Record{Consumed: points, TTL: ttl}
}

func (b *sqlBackend) Incr(ctx context.Context, key string, points int, ttl time.Duration) (Record, error) {
	now := time.Now()
	expire := expireAt(now, ttl)

	var (
		consumed int
		current  sql.NullInt64
	)
	if b.dialect != DialectMySQL {
		err := b.db.QueryRowContext(ctx, b.q.incr, key, points, expire, now.UnixMilli()).Scan(&consumed, &current)
		if err != nil {
			return Record{}, err
		}
		return toRecord(now, consumed, current), nil
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return Record{}, err
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	nowMs := now.UnixMilli()
	if _, err := tx.ExecContext(ctx, b.q.upsert, key, points, expire, nowMs, points, points, nowMs, expire); err != nil {
		return Record{}, err
	}
	row := tx.QueryRowContext(ctx, "SELECT points, expire FROM "+b.table+" WHERE `key` = ?", key)
	if err := row.Scan(&consumed, &current); err != nil {
		return Record{}, err
	}
	if err := tx.Commit(); err != nil {
		return Record{}, err
	}
	return toRecord(now, consumed, current), nil
}

func (b *sqlBackend) Read(ctx context.Context, key string) (Record, bool, error) {
	now := time.Now()
	var (
		points int
		expire sql.NullInt64
	)
	err := b.db.QueryRowContext(ctx, b.q.read, key, now.UnixMilli()).Scan(&points, &expire)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	return toRecord(now, points, expire), true, nil
}

func (b *sqlBackend) Write(ctx context.Context, key string, points int, ttl time.Duration) (Record, error) {
	now := time.Now()
	expire := expireAt(now, ttl)

	args := []any{key, points, expire}
	if b.dialect == DialectMySQL {
		args = append(args, points, expire)
	}
	if _, err := b.db.ExecContext(ctx, b.q.write, args...); err != nil {
		return Record{}, err
	}
	return toRecord(now, points, expire), nil
}

func (b *sqlBackend) Delete(ctx context.Context, key string) (bool, error) {
	res, err := b.db.ExecContext(ctx, b.q.del, key)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Clear deletes every row of the table.
func (b *sqlBackend) Clear(ctx context.Context) error {
	_, err := b.db.ExecContext(ctx, b.q.clear)
	return err
}

func (b *sqlBackend) sweepLoop() {
	defer close(b.done)

	ticker := time.NewTicker(expiredSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
			if err := b.sweepExpired(context.Background()); err != nil {
				log.Error().Err(err).Str("table", b.table).Msg("failed to clear expired limiter rows")
			}
		}
	}
}

func (b *sqlBackend) sweepExpired(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	cutoff := time.Now().Add(-expiredSweepGrace).UnixMilli()
	res, err := b.db.ExecContext(ctx, b.q.sweep, cutoff)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		log.Debug().Str("table", b.table).Int64("rows", n).Msg("cleared expired limiter rows")
	}
	return nil
}

// Close stops the expired rows sweep. The database handle is owned by the caller.
func (b *sqlBackend) Close() error {
	b.closeOnce.Do(func() {
		if b.stop != nil {
			close(b.stop)
			<-b.done
		}
	})
	return nil
}
