// Command twr-sim runs a two-way-ranging scenario over the simulated UWB
// channel and exposes its metrics and health.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/signalsfoundry/uwb-twr/core"
	"github.com/signalsfoundry/uwb-twr/internal/logging"
	"github.com/signalsfoundry/uwb-twr/internal/observability"
	"github.com/signalsfoundry/uwb-twr/internal/session"
	"github.com/signalsfoundry/uwb-twr/kb"
)

// healthService is the name reported to gRPC health checks.
const healthService = "twr.ranging"

type options struct {
	scenarioPath string
	cycles       int
	realtime     bool
	maxMisses    int
	grpcAddr     string
	metricsAddr  string

	// registerer defaults to the global Prometheus registry.
	registerer prometheus.Registerer
}

func main() {
	var opts options
	flag.StringVar(&opts.scenarioPath, "scenario", "configs/scenario.yaml", "Path to a YAML scenario file")
	flag.IntVar(&opts.cycles, "cycles", -1, "Number of ranging cycles; overrides the scenario when >= 0, 0 runs until interrupted")
	flag.BoolVar(&opts.realtime, "realtime", false, "Pace cycles at the scenario cycle_interval on the wall clock")
	flag.IntVar(&opts.maxMisses, "max-misses", 5, "Consecutive missed cycles before reporting NOT_SERVING")
	flag.StringVar(&opts.grpcAddr, "grpc-addr", ":50052", "TCP address of the gRPC health server; empty disables it")
	flag.StringVar(&opts.metricsAddr, "metrics-addr", ":9090", "HTTP address for Prometheus /metrics; empty disables it")
	flag.Parse()

	log := logging.NewFromEnv()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if _, err := run(ctx, opts, log); err != nil {
		log.Error(ctx, "twr-sim failed", logging.Err(err))
		os.Exit(1)
	}
}

// run loads the scenario, starts the servers and drives the session until
// it completes or ctx is done.
func run(ctx context.Context, opts options, log logging.Logger) (session.Summary, error) {
	sc, err := core.LoadScenarioFile(opts.scenarioPath)
	if err != nil {
		return session.Summary{}, err
	}
	if opts.cycles >= 0 {
		sc.Cycles = opts.cycles
	}
	log = log.With(logging.String("scenario", sc.Name), logging.String("mode", sc.Mode))

	tracingCfg := observability.TracingConfigFromEnv()
	tracingCfg.Scenario, tracingCfg.Mode = sc.Name, sc.Mode
	shutdownTracing, err := observability.InitTracing(ctx, tracingCfg, log)
	if err != nil {
		return session.Summary{}, err
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)

	collector, err := observability.NewRangingCollector(opts.registerer)
	if err != nil {
		return session.Summary{}, err
	}

	sim, err := newSimulation(sc, collector, log)
	if err != nil {
		return session.Summary{}, err
	}
	defer sim.close()

	board := kb.NewBoard()
	healthSrv := health.NewServer()
	healthSrv.SetServingStatus(healthService, healthpb.HealthCheckResponse_SERVING)

	runnerOpts := []session.Option{
		session.WithBoard(board),
		session.WithLogger(log),
		session.WithMetrics(collector),
	}
	if opts.realtime {
		runnerOpts = append(runnerOpts, session.WithInterval(sc.CycleInterval))
	}
	runnerOpts = append(runnerOpts, session.WithCycleHook(func(s session.Summary) {
		status := healthpb.HealthCheckResponse_SERVING
		if opts.maxMisses > 0 && s.ConsecutiveMisses >= opts.maxMisses {
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
		healthSrv.SetServingStatus(healthService, status)
	}))
	runner, err := session.NewRunner(sim.cycle, runnerOpts...)
	if err != nil {
		return session.Summary{}, err
	}

	unsubscribe := board.Subscribe(func(ev kb.Event) {
		m := ev.Measurement
		fields := []logging.Field{
			logging.Int("node", int(m.Node)),
			logging.Int("peer", int(m.Peer)),
			logging.String("event", ev.Type.String()),
		}
		if ev.Type == kb.EventFailure {
			log.Info(ctx, "ranging failed", append(fields, logging.String("code", m.Error.String()))...)
			return
		}
		log.Info(ctx, "distance", append(fields,
			logging.Float("distance_m", m.Distance),
			logging.Float("filtered_m", m.Filtered))...)
	})
	defer unsubscribe()

	grpcSrv, err := serveHealth(opts.grpcAddr, healthSrv, collector, log)
	if err != nil {
		return session.Summary{}, err
	}
	metricsSrv := serveMetrics(opts.metricsAddr, collector, log)
	defer func() {
		if grpcSrv != nil {
			grpcSrv.GracefulStop()
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if metricsSrv != nil {
			_ = metricsSrv.Shutdown(shutdownCtx)
		}
	}()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	responderDone := make(chan struct{})
	go func() {
		defer close(responderDone)
		sim.serveResponder(runCtx)
	}()

	log.Info(ctx, "starting ranging session",
		logging.Int("cycles", sc.Cycles),
		logging.Int("nodes", len(sc.Nodes)))

	summary, err := runner.Run(runCtx, sc.Cycles)
	cancel()
	<-responderDone

	log.Info(ctx, "ranging session finished",
		logging.Int("attempted", summary.Attempted),
		logging.Int("completed", summary.Completed),
		logging.Int("partial", summary.Partial),
		logging.Int("missed", summary.Missed),
		logging.Uint("collisions", sim.air.Collisions()),
		logging.Uint("drops", sim.air.Drops()))

	if errors.Is(err, context.Canceled) {
		err = nil
	}
	if err == nil && !runner.Healthy(opts.maxMisses) {
		err = fmt.Errorf("%d consecutive missed cycles", summary.ConsecutiveMisses)
	}
	return summary, err
}

func serveHealth(addr string, healthSrv *health.Server, collector *observability.RangingCollector, log logging.Logger) (*grpc.Server, error) {
	if addr == "" {
		return nil, nil
	}
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	server := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(
			observability.LoggingUnaryServerInterceptor(log),
			collector.UnaryServerInterceptor(),
		),
	)
	healthpb.RegisterHealthServer(server, healthSrv)

	log.Info(context.Background(), "serving gRPC health", logging.String("addr", lis.Addr().String()))
	go func() {
		if err := server.Serve(lis); err != nil {
			log.Error(context.Background(), "gRPC server exited", logging.Err(err))
		}
	}()
	return server, nil
}

func serveMetrics(addr string, collector *observability.RangingCollector, log logging.Logger) *http.Server {
	if addr == "" || collector == nil {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn(context.Background(), "metrics server exited", logging.Err(err))
		}
	}()

	log.Info(context.Background(), "serving Prometheus metrics", logging.String("addr", addr))
	return srv
}
