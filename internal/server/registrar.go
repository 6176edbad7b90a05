package server

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Registrar is a common interface for all gRPC service registrars
type Registrar interface {
	Register(s *grpc.Server)
}

// NewServiceDesc describes a service whose methods are built with Unary. The
// handler type is left open: every method closure already holds its service.
func NewServiceDesc(name string, methods ...grpc.MethodDesc) *grpc.ServiceDesc {
	return &grpc.ServiceDesc{
		ServiceName: name,
		HandlerType: (*any)(nil),
		Methods:     methods,
		Streams:     []grpc.StreamDesc{},
		Metadata:    name,
	}
}

// Unary adapts a typed handler into a gRPC method. The request is decoded by
// the negotiated codec and the server interceptor chain runs around h.
//
// Example:
//
//	server.Unary("muzz.connect.v1.SwipeService", "Like", r.like)
func Unary[Req, Resp any](service, method string, h func(ctx context.Context, req *Req) (*Resp, error)) grpc.MethodDesc {
	fullMethod := "/" + service + "/" + method
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			req := new(Req)
			if err := dec(req); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return h(ctx, req)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			return interceptor(ctx, req, info, func(ctx context.Context, req any) (any, error) {
				return h(ctx, req.(*Req))
			})
		},
	}
}

type callerKey struct{}

// WithCaller stores the authenticated user id on the context.
func WithCaller(ctx context.Context, userID uint64) context.Context {
	return context.WithValue(ctx, callerKey{}, userID)
}

// Caller returns the authenticated user id set by the auth interceptor.
func Caller(ctx context.Context) (uint64, bool) {
	id, ok := ctx.Value(callerKey{}).(uint64)
	return id, ok
}

// RequireCaller is Caller for handlers that cannot run anonymously.
func RequireCaller(ctx context.Context) (uint64, error) {
	id, ok := Caller(ctx)
	if !ok || id == 0 {
		return 0, status.Error(codes.Unauthenticated, "authentication required")
	}
	return id, nil
}
