package dataapi

import (
	"context"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/rafaeljc/bifrost/internal/logger"
	"github.com/rafaeljc/bifrost/internal/observability"
)

// requestIDKey is the metadata key carrying the caller's request id.
const requestIDKey = "x-request-id"

// RequestLoggerInterceptor returns a UnaryServerInterceptor that:
// 1. Extracts the x-request-id metadata, generating one when absent.
// 2. Injects a request-scoped logger into the context.
// 3. Logs the code and duration of the call.
//
// A nil base logs through slog.Default().
func RequestLoggerInterceptor(base *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()

		reqID := ""
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if ids := md.Get(requestIDKey); len(ids) > 0 {
				reqID = ids[0]
			}
		}
		if reqID == "" {
			reqID = uuid.NewString()
		}

		l := base
		if l == nil {
			l = slog.Default()
		}
		rpcLogger := l.With(
			slog.String("request_id", reqID),
			slog.String("rpc_method", info.FullMethod),
		)
		newCtx := logger.WithContext(ctx, rpcLogger)

		// Echo the id so callers can correlate their logs with ours.
		_ = grpc.SetHeader(newCtx, metadata.Pairs(requestIDKey, reqID))

		resp, err := handler(newCtx, req)

		code := status.Code(err)

		// OK/Canceled/InvalidArgument -> Info (expected behavior)
		// Internal/Unavailable -> Error (system failure)
		level := slog.LevelInfo
		switch code {
		case codes.Internal, codes.Unavailable, codes.DataLoss, codes.Unknown:
			level = slog.LevelError
		case codes.DeadlineExceeded, codes.Unimplemented, codes.ResourceExhausted:
			level = slog.LevelWarn
		}

		rpcLogger.Log(newCtx, level, "grpc request completed",
			slog.String("code", code.String()),
			slog.Duration("duration", time.Since(start)),
			slog.String("peer_addr", getPeerAddr(ctx)),
		)

		return resp, err
	}
}

// MetricsInterceptor records request counts and latency per method and code.
func MetricsInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		code := status.Code(err).String()
		observability.GRPCDuration.WithLabelValues(info.FullMethod, code).Observe(time.Since(start).Seconds())
		observability.GRPCTotal.WithLabelValues(info.FullMethod, code).Inc()
		return resp, err
	}
}

// RecoveryInterceptor turns a handler panic into an INTERNAL status.
func RecoveryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
		defer func() {
			if p := recover(); p != nil {
				logger.FromContext(ctx).Error("panic in grpc handler",
					slog.String("rpc_method", info.FullMethod),
					slog.Any("panic", p),
					slog.String("stack", string(debug.Stack())),
				)
				resp, err = nil, status.Error(codes.Internal, "internal error")
			}
		}()
		return handler(ctx, req)
	}
}

// ServerOptions returns the interceptor chain in the order the server applies
// it: logging first so metrics and recovery see the request-scoped logger.
func ServerOptions(base *slog.Logger) []grpc.ServerOption {
	return []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(
			RequestLoggerInterceptor(base),
			MetricsInterceptor(),
			RecoveryInterceptor(),
		),
	}
}

// getPeerAddr is a helper to extract client IP safely
func getPeerAddr(ctx context.Context) string {
	if p, ok := peer.FromContext(ctx); ok {
		return p.Addr.String()
	}
	return "unknown"
}
