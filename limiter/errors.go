package limiter

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/toolink/limiter/duration"
)

// Configuration errors. They are never retried.
var (
	ErrMissingConfig      = errors.New("limiter: missing configuration")
	ErrUnrecognizedStore  = errors.New("limiter: unrecognized store")
	ErrUnsupportedDialect = errors.New("limiter: unsupported database dialect")
	ErrInvalidClient      = errors.New("limiter: invalid store client")
	ErrInvalidHTTPLimiter = errors.New("limiter: invalid http limiter")
	ErrUnknownHTTPLimiter = errors.New("limiter: unknown http limiter")
)

// Kind classifies errors returned by this package.
type Kind int

const (
	KindNone Kind = iota
	KindLimitExceeded
	KindConfiguration
	KindInvalidDuration
	KindInfrastructure
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindLimitExceeded:
		return "limit_exceeded"
	case KindConfiguration:
		return "configuration"
	case KindInvalidDuration:
		return "invalid_duration"
	case KindInfrastructure:
		return "infrastructure"
	default:
		return "unknown"
	}
}

// KindOf classifies err. Anything that is not a throttle, configuration or
// duration error is treated as a backend failure.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	if _, ok := AsThrottleError(err); ok {
		return KindLimitExceeded
	}
	if errors.Is(err, duration.ErrInvalidDuration) {
		return KindInvalidDuration
	}
	for _, target := range []error{
		ErrMissingConfig,
		ErrUnrecognizedStore,
		ErrUnsupportedDialect,
		ErrInvalidClient,
		ErrInvalidHTTPLimiter,
		ErrUnknownHTTPLimiter,
	} {
		if errors.Is(err, target) {
			return KindConfiguration
		}
	}
	return KindInfrastructure
}

// AsThrottleError unwraps err into a *ThrottleError.
func AsThrottleError(err error) (*ThrottleError, bool) {
	var te *ThrottleError
	if errors.As(err, &te) {
		return te, true
	}
	return nil, false
}

// ThrottleError is returned when a key has exceeded its limit or is blocked.
type ThrottleError struct {
	Response Response

	status  int
	message string
	headers map[string]string
}

// ThrottleOption customizes a ThrottleError.
type ThrottleOption func(*ThrottleError)

// WithStatus overrides the default 429 status.
func WithStatus(status int) ThrottleOption {
	return func(e *ThrottleError) {
		e.status = status
	}
}

// WithMessage overrides the default message.
func WithMessage(message string) ThrottleOption {
	return func(e *ThrottleError) {
		e.message = message
	}
}

// NewThrottleError creates a ThrottleError for the given snapshot.
func NewThrottleError(res Response, opts ...ThrottleOption) *ThrottleError {
	e := &ThrottleError{
		Response: res,
		status:   http.StatusTooManyRequests,
		message:  defaultThrottleMessage,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *ThrottleError) Error() string {
	return e.message
}

// Code returns the stable error code.
func (e *ThrottleError) Code() string { return throttleCode }

// Status returns the HTTP status.
func (e *ThrottleError) Status() int { return e.status }

// Message returns the user facing message.
func (e *ThrottleError) Message() string { return e.message }

// Limit returns the configured limit.
func (e *ThrottleError) Limit() int { return e.Response.Limit }

// Remaining returns the remaining points, always zero for a fresh error.
func (e *ThrottleError) Remaining() int { return e.Response.Remaining }

// RetryAfter returns the number of seconds after which the key is available.
func (e *ThrottleError) RetryAfter() int { return e.Response.AvailableIn }

// SetMessage replaces the message.
func (e *ThrottleError) SetMessage(message string) *ThrottleError {
	e.message = message
	return e
}

// SetStatus replaces the HTTP status.
func (e *ThrottleError) SetStatus(status int) *ThrottleError {
	e.status = status
	return e
}

// SetHeaders replaces the default headers entirely.
func (e *ThrottleError) SetHeaders(headers map[string]string) *ThrottleError {
	e.headers = headers
	return e
}

// Headers returns the headers to send with the error response.
func (e *ThrottleError) Headers() map[string]string {
	if e.headers != nil {
		return e.headers
	}
	return map[string]string{
		HeaderLimit:      strconv.Itoa(e.Response.Limit),
		HeaderRemaining:  strconv.Itoa(e.Response.Remaining),
		HeaderRetryAfter: strconv.Itoa(e.Response.AvailableIn),
		HeaderReset:      time.Now().Add(time.Duration(e.Response.AvailableIn) * time.Second).UTC().Format(http.TimeFormat),
	}
}
