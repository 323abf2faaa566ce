package observability

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"github.com/signalsfoundry/uwb-twr/internal/logging"
)

func TestLoggingInterceptorAttachesLogger(t *testing.T) {
	var buf bytes.Buffer
	base := logging.NewWithWriter(logging.Config{Level: "debug", Format: "json"}, &buf)
	interceptor := LoggingUnaryServerInterceptor(base)

	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs(clientMetadataKey, "dashboard-7"))
	info := &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"}

	var fromCtx logging.Logger
	_, err := interceptor(ctx, struct{}{}, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		fromCtx = logging.LoggerFromContext(ctx)
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("interceptor: %v", err)
	}
	if fromCtx == nil {
		t.Fatal("handler context carries no logger")
	}

	out := buf.String()
	for _, want := range []string{`"method":"/grpc.health.v1.Health/Check"`, `"client":"dashboard-7"`, `"code":"OK"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("log output missing %s:\n%s", want, out)
		}
	}
}
