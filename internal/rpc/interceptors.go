package rpc

import (
	"context"
	"log/slog"
	"runtime/debug"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// requestIDKey is the context key the interceptors stash a request id
// under, mirroring internal/http/middleware/request_id.go's pattern
// generalized from an HTTP header to a gRPC incoming-metadata key.
type requestIDKey struct{}

const requestIDMetadataKey = "x-request-id"

// requestIDFromContext reads the request id request_id interceptor
// attached, or "" if none is present (e.g. in a unit test calling a
// handler directly).
func requestIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok {
		return id
	}
	return ""
}

func newRequestID(ctx context.Context) string {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if vals := md.Get(requestIDMetadataKey); len(vals) > 0 && vals[0] != "" {
			return vals[0]
		}
	}
	return uuid.New().String()
}

func requestIDUnaryInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	ctx = context.WithValue(ctx, requestIDKey{}, newRequestID(ctx))
	return handler(ctx, req)
}

func requestIDStreamInterceptor(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
	ctx := context.WithValue(ss.Context(), requestIDKey{}, newRequestID(ss.Context()))
	return handler(srv, &requestIDServerStream{ServerStream: ss, ctx: ctx})
}

// requestIDServerStream overrides Context so downstream handlers observe
// the request-id-bearing context rather than the raw incoming one.
type requestIDServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *requestIDServerStream) Context() context.Context { return s.ctx }

// recoveryUnaryInterceptor recovers a panicking handler and reports it
// as an Internal status, the gRPC analog of
// internal/http/middleware/recovery.go's http.Handler wrapper.
func recoveryUnaryInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.ErrorContext(ctx, "panic recovered",
					slog.Any("error", r),
					slog.String("stack", string(debug.Stack())),
					slog.String("method", info.FullMethod),
					slog.String("request_id", requestIDFromContext(ctx)),
				)
				err = status.Errorf(codes.Internal, "internal error")
			}
		}()
		return handler(ctx, req)
	}
}

func recoveryStreamInterceptor(logger *slog.Logger) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) (err error) {
		ctx := ss.Context()
		defer func() {
			if r := recover(); r != nil {
				logger.ErrorContext(ctx, "panic recovered",
					slog.Any("error", r),
					slog.String("stack", string(debug.Stack())),
					slog.String("method", info.FullMethod),
					slog.String("request_id", requestIDFromContext(ctx)),
				)
				err = status.Errorf(codes.Internal, "internal error")
			}
		}()
		return handler(srv, ss)
	}
}
