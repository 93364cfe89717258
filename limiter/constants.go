package limiter

// Store kinds
const (
	StoreMemory   = "memory"
	StoreRedis    = "redis"
	StoreDatabase = "database"
)

// Database dialects
const (
	DialectPostgres = "postgres"
	DialectMySQL    = "mysql"
	DialectSQLite   = "sqlite"
)

// Response headers
const (
	HeaderLimit      = "X-RateLimit-Limit"
	HeaderRemaining  = "X-RateLimit-Remaining"
	HeaderReset      = "X-RateLimit-Reset"
	HeaderRetryAfter = "Retry-After"
)

const (
	// DefaultKeyPrefix namespaces counter records inside a backend.
	DefaultKeyPrefix = "rlflx"

	defaultThrottleMessage = "Too many requests"
	throttleCode           = "E_TOO_MANY_REQUESTS"
)
