package observability

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/signalsfoundry/uwb-twr/internal/logging"
)

const clientMetadataKey = "x-client-id"

// LoggingUnaryServerInterceptor attaches a logger annotated with the method
// and, when the caller sends one, its x-client-id, then logs each call's
// status code and latency at debug level.
func LoggingUnaryServerInterceptor(base logging.Logger) grpc.UnaryServerInterceptor {
	if base == nil {
		base = logging.Noop()
	}
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		reqLog := base.With(logging.String("method", info.FullMethod))
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if vals := md.Get(clientMetadataKey); len(vals) > 0 && vals[0] != "" {
				reqLog = reqLog.With(logging.String("client", vals[0]))
			}
		}
		ctx = logging.ContextWithLogger(ctx, reqLog)

		start := time.Now()
		resp, err := handler(ctx, req)
		reqLog.Debug(ctx, "rpc handled",
			logging.String("code", status.Code(err).String()),
			logging.Duration("elapsed", time.Since(start)))
		return resp, err
	}
}
