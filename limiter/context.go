package limiter

import (
	"context"
	"net"
	"net/http"
	"strings"
)

// responseKey is the private context key of the throttle response.
type responseKey struct{}

// WithResponse stores the response of a successful throttle in ctx.
func WithResponse(ctx context.Context, res Response) context.Context {
	return context.WithValue(ctx, responseKey{}, res)
}

// ResponseFromContext returns the throttle response of the current request.
func ResponseFromContext(ctx context.Context) (Response, bool) {
	res, ok := ctx.Value(responseKey{}).(Response)
	return res, ok
}

// ClientIP returns the client address, honoring X-Forwarded-For and X-Real-IP.
func ClientIP(r *http.Request) string {
	if forwarded := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}

	if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIP != "" {
		return realIP
	}

	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(r.RemoteAddr)
	}
	return host
}
