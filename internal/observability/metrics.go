package observability

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"

	"github.com/signalsfoundry/uwb-twr/core"
)

// RangingCollector bundles the Prometheus metrics of the ranging engine,
// the session loop and the simulated channel, and provides helpers to
// wire them into gRPC servers and HTTP handlers.
type RangingCollector struct {
	gatherer prometheus.Gatherer

	Exchanges         *prometheus.CounterVec
	ExchangeDurations *prometheus.HistogramVec
	Distances         *prometheus.GaugeVec
	Outliers          *prometheus.CounterVec

	Cycles            *prometheus.CounterVec
	ConsecutiveMisses prometheus.Gauge

	SimCollisions prometheus.Counter
	SimDrops      prometheus.Counter

	RPCRequests *prometheus.CounterVec
}

// NewRangingCollector registers the metrics against the provided
// registerer, defaulting to the global Prometheus registry when nil.
// Registering twice against the same registry reuses the existing
// collectors.
func NewRangingCollector(reg prometheus.Registerer) (*RangingCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	exchanges, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "twr_exchanges_total",
		Help: "Ranging exchanges by variant, role and outcome.",
	}, []string{"variant", "role", "outcome"}), "twr_exchanges_total")
	if err != nil {
		return nil, err
	}

	durations, err := registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "twr_exchange_duration_seconds",
		Help:    "Wall-clock duration of ranging exchanges.",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	}, []string{"variant", "role"}), "twr_exchange_duration_seconds")
	if err != nil {
		return nil, err
	}

	distances, err := registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "twr_distance_meters",
		Help: "Last distance per node, raw and filtered.",
	}, []string{"node", "kind"}), "twr_distance_meters")
	if err != nil {
		return nil, err
	}

	outliers, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "twr_outliers_total",
		Help: "Double-sided results discarded as implausible.",
	}, []string{"node"}), "twr_outliers_total")
	if err != nil {
		return nil, err
	}

	cycles, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "twr_cycles_total",
		Help: "Ranging cycles by outcome.",
	}, []string{"outcome"}), "twr_cycles_total")
	if err != nil {
		return nil, err
	}

	misses, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "twr_consecutive_missed_cycles",
		Help: "Cycles in a row that produced no valid distance.",
	}), "twr_consecutive_missed_cycles")
	if err != nil {
		return nil, err
	}

	collisions, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "twr_sim_collisions_total",
		Help: "Frames lost to overlapping arrivals on the simulated channel.",
	}), "twr_sim_collisions_total")
	if err != nil {
		return nil, err
	}

	drops, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "twr_sim_drops_total",
		Help: "Frames dropped on the simulated channel.",
	}), "twr_sim_drops_total")
	if err != nil {
		return nil, err
	}

	requests, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "twr_grpc_requests_total",
		Help: "Handled gRPC requests, labeled by service, method, and gRPC status code.",
	}, []string{"service", "method", "code"}), "twr_grpc_requests_total")
	if err != nil {
		return nil, err
	}

	return &RangingCollector{
		gatherer:          gatherer,
		Exchanges:         exchanges,
		ExchangeDurations: durations,
		Distances:         distances,
		Outliers:          outliers,
		Cycles:            cycles,
		ConsecutiveMisses: misses,
		SimCollisions:     collisions,
		SimDrops:          drops,
		RPCRequests:       requests,
	}, nil
}

func nodeLabel(id core.NodeID) string { return strconv.Itoa(int(id)) }

// ObserveExchange counts one exchange and records its duration.
func (c *RangingCollector) ObserveExchange(variant, role, outcome string, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.Exchanges.WithLabelValues(variant, role, outcome).Inc()
	c.ExchangeDurations.WithLabelValues(variant, role).Observe(elapsed.Seconds())
}

// ObserveDistance publishes the latest accepted distance of a node.
func (c *RangingCollector) ObserveDistance(node core.NodeID, raw, filtered float64) {
	if c == nil {
		return
	}
	c.Distances.WithLabelValues(nodeLabel(node), "raw").Set(raw)
	c.Distances.WithLabelValues(nodeLabel(node), "filtered").Set(filtered)
}

// ObserveOutlier counts a discarded result.
func (c *RangingCollector) ObserveOutlier(node core.NodeID) {
	if c == nil {
		return
	}
	c.Outliers.WithLabelValues(nodeLabel(node)).Inc()
}

// ObserveCycle counts a finished session cycle.
func (c *RangingCollector) ObserveCycle(outcome string) {
	if c == nil {
		return
	}
	c.Cycles.WithLabelValues(outcome).Inc()
}

// SetConsecutiveMisses tracks the session's current miss streak.
func (c *RangingCollector) SetConsecutiveMisses(n int) {
	if c == nil {
		return
	}
	c.ConsecutiveMisses.Set(float64(n))
}

func (c *RangingCollector) RecordCollision() {
	if c == nil {
		return
	}
	c.SimCollisions.Inc()
}

func (c *RangingCollector) RecordDrop() {
	if c == nil {
		return
	}
	c.SimDrops.Inc()
}

// UnaryServerInterceptor records request counts for unary RPCs.
func (c *RangingCollector) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		resp, err := handler(ctx, req)
		if c == nil || c.RPCRequests == nil {
			return resp, err
		}

		fullMethod := ""
		if info != nil {
			fullMethod = info.FullMethod
		}
		service, method := SplitMethod(fullMethod)
		c.RPCRequests.WithLabelValues(service, method, status.Code(err).String()).Inc()
		return resp, err
	}
}

// Handler exposes a ready-to-use /metrics handler.
func (c *RangingCollector) Handler() http.Handler {
	gatherer := c.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SplitMethod parses a fully-qualified gRPC method name into service and method
// components. It tolerates empty strings and partial paths, returning
// "unknown"/"unknown" when parsing fails.
func SplitMethod(fullMethod string) (string, string) {
	if fullMethod == "" {
		return "unknown", "unknown"
	}
	fullMethod = strings.TrimPrefix(fullMethod, "/")
	parts := strings.Split(fullMethod, "/")
	if len(parts) < 2 {
		return "unknown", "unknown"
	}
	service := parts[len(parts)-2]
	method := parts[len(parts)-1]
	if dot := strings.LastIndex(service, "."); dot >= 0 && dot+1 < len(service) {
		service = service[dot+1:]
	}
	if service == "" {
		service = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	return service, method
}

// register adds col to reg, or returns the collector already registered
// under the same descriptor when it has the same type.
func register[T prometheus.Collector](reg prometheus.Registerer, col T, name string) (T, error) {
	if err := reg.Register(col); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
			var zero T
			return zero, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		var zero T
		return zero, err
	}
	return col, nil
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	return register(reg, vec, name)
}

func registerHistogramVec(reg prometheus.Registerer, vec *prometheus.HistogramVec, name string) (*prometheus.HistogramVec, error) {
	return register(reg, vec, name)
}

func registerGaugeVec(reg prometheus.Registerer, vec *prometheus.GaugeVec, name string) (*prometheus.GaugeVec, error) {
	return register(reg, vec, name)
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	return register(reg, counter, name)
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	return register(reg, gauge, name)
}
