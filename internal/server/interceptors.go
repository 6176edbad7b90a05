package server

import (
	"context"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	svcErr "github.com/oggyb/muzz-connect/internal/errors"
	"github.com/oggyb/muzz-connect/internal/external"
	"github.com/oggyb/muzz-connect/internal/metrics"
)

// publicPrefixes are served without a bearer token.
var publicPrefixes = []string{
	"/grpc.health.v1.Health/",
	"/grpc.reflection.",
}

// AuthInterceptor resolves "authorization: Bearer <token>" through the
// identity collaborator and stores the caller on the context.
func AuthInterceptor(identity external.Identity) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		for _, p := range publicPrefixes {
			if strings.HasPrefix(info.FullMethod, p) {
				return handler(ctx, req)
			}
		}

		token := bearerToken(ctx)
		if token == "" {
			return nil, status.Error(codes.Unauthenticated, "missing bearer token")
		}
		userID, err := identity.Authenticate(ctx, token)
		if err != nil {
			return nil, status.Error(codes.Unauthenticated, "invalid token")
		}
		return handler(WithCaller(ctx, userID), req)
	}
}

func bearerToken(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	for _, v := range md.Get("authorization") {
		if len(v) > 7 && strings.EqualFold(v[:7], "bearer ") {
			return strings.TrimSpace(v[7:])
		}
	}
	return ""
}

// ObservabilityInterceptor recovers panics, maps service errors to statuses,
// logs each call and records request metrics.
func ObservabilityInterceptor(log *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
		start := time.Now()
		defer func() {
			if r := recover(); r != nil {
				log.Error("grpc handler panic", "method", info.FullMethod, "panic", r, "stack", string(debug.Stack()))
				resp, err = nil, status.Error(codes.Internal, "internal error")
			}

			code := status.Code(err)
			metrics.GRPCRequestsTotal.WithLabelValues(info.FullMethod, code.String()).Inc()
			metrics.GRPCRequestDurationSeconds.WithLabelValues(info.FullMethod).Observe(time.Since(start).Seconds())

			attrs := []any{"method", info.FullMethod, "code", code.String(), "duration", time.Since(start)}
			switch code {
			case codes.OK:
				log.Debug("grpc call", attrs...)
			case codes.Unavailable, codes.Internal, codes.Unknown:
				log.Error("grpc call failed", append(attrs, "err", err)...)
			default:
				log.Info("grpc call rejected", append(attrs, "err", err)...)
			}
		}()

		resp, err = handler(ctx, req)
		if err != nil {
			// the client only sees the mapped status
			if svcErr.KindOf(err) == svcErr.KindTransientStoreFailure {
				log.Warn("store failure", "method", info.FullMethod, "cause", err)
			}
			err = svcErr.Map(err)
		}
		return resp, err
	}
}
