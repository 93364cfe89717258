package limiter

import (
	"context"
	"net"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

// PeerIdentity returns the host of the calling peer, "unknown" without one.
func PeerIdentity(ctx context.Context) string {
	p, ok := peer.FromContext(ctx)
	if !ok || p.Addr == nil {
		return "unknown"
	}
	host, _, err := net.SplitHostPort(p.Addr.String())
	if err != nil {
		return p.Addr.String()
	}
	return host
}

// DefineUnary is the gRPC counterpart of Define. fn is invoked for every call
// and returns the limiter to apply, or nil / NoLimit() to skip throttling.
// Throttled calls fail with codes.ResourceExhausted and the rate limit values
// are sent as response headers.
func (m *Manager) DefineUnary(name string, fn func(ctx context.Context, info *grpc.UnaryServerInfo) *HTTPLimiter) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		h := fn(ctx, info)
		if h == nil || h.noLimit {
			return handler(ctx, req)
		}

		res, err := h.bind(name, m).Throttle(ctx, PeerIdentity(ctx))
		if err != nil {
			if te, ok := AsThrottleError(err); ok {
				setGRPCHeader(ctx, te.Headers())
				return nil, status.Error(codes.ResourceExhausted, te.Message())
			}
			if KindOf(err) == KindConfiguration {
				return nil, status.Error(codes.FailedPrecondition, err.Error())
			}
			log.Error().Err(err).Str("limiter", name).Str("method", info.FullMethod).Msg("throttle failed")
			return nil, status.Error(codes.Internal, "rate limiter unavailable")
		}

		setGRPCHeader(ctx, map[string]string{
			HeaderLimit:     strconv.Itoa(res.Limit),
			HeaderRemaining: strconv.Itoa(res.Remaining),
		})
		return handler(WithResponse(ctx, res), req)
	}
}

func setGRPCHeader(ctx context.Context, headers map[string]string) {
	md := metadata.MD{}
	for name, value := range headers {
		md.Set(strings.ToLower(name), value)
	}
	if err := grpc.SetHeader(ctx, md); err != nil {
		// no server stream, e.g. when the interceptor is invoked directly
		log.Debug().Err(err).Msg("cannot set rate limit metadata")
	}
}
