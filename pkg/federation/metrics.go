package federation

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// Metrics tracks federation transport metrics. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	// Connection metrics
	Connections         prometheus.Gauge
	CircuitBreakerOpens prometheus.Counter
	RetryAttempts       *prometheus.CounterVec

	// RPC metrics
	Requests       *prometheus.CounterVec
	RequestLatency *prometheus.HistogramVec

	// Stream metrics
	Subscribers    prometheus.Gauge
	EventsSent     prometheus.Counter
	EventsReceived *prometheus.CounterVec
}

// NewMetrics creates and registers Prometheus metrics
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		Connections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "taracol_federation_connections",
			Help: "Number of pooled peer connections",
		}),
		CircuitBreakerOpens: factory.NewCounter(prometheus.CounterOpts{
			Name: "taracol_federation_circuit_breaker_opens_total",
			Help: "Total number of times a peer circuit breaker opened",
		}),
		RetryAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "taracol_federation_retry_attempts_total",
			Help: "Total number of retried calls",
		}, []string{"operation"}),
		Requests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "taracol_federation_requests_total",
			Help: "Federation RPCs served, by method and status code",
		}, []string{"method", "code"}),
		RequestLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "taracol_federation_request_latency_seconds",
			Help:    "Federation RPC latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
		Subscribers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "taracol_federation_subscribers",
			Help: "Number of attached firehose subscribers",
		}),
		EventsSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "taracol_federation_events_sent_total",
			Help: "Total number of firehose events streamed to subscribers",
		}),
		EventsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "taracol_federation_events_received_total",
			Help: "Total number of firehose events received from peers",
		}, []string{"kind"}),
	}
}

func (m *Metrics) setConnections(n int) {
	if m == nil {
		return
	}
	m.Connections.Set(float64(n))
}

func (m *Metrics) circuitOpened() {
	if m == nil {
		return
	}
	m.CircuitBreakerOpens.Inc()
}

func (m *Metrics) retry(operation string) {
	if m == nil {
		return
	}
	m.RetryAttempts.WithLabelValues(operation).Inc()
}

func (m *Metrics) observe(method string, started time.Time, err error) {
	if m == nil {
		return
	}
	m.Requests.WithLabelValues(method, status.Code(err).String()).Inc()
	m.RequestLatency.WithLabelValues(method).Observe(time.Since(started).Seconds())
}

func (m *Metrics) subscriberDelta(d int) {
	if m == nil {
		return
	}
	m.Subscribers.Add(float64(d))
}

func (m *Metrics) eventSent() {
	if m == nil {
		return
	}
	m.EventsSent.Inc()
}

func (m *Metrics) eventReceived(kind string) {
	if m == nil {
		return
	}
	m.EventsReceived.WithLabelValues(kind).Inc()
}

// UnaryServerInterceptor records request counts and latency.
func (m *Metrics) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		started := time.Now()
		resp, err := handler(ctx, req)
		m.observe(info.FullMethod, started, err)
		return resp, err
	}
}

// StreamServerInterceptor records stream counts and lifetimes.
func (m *Metrics) StreamServerInterceptor() grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		started := time.Now()
		err := handler(srv, ss)
		m.observe(info.FullMethod, started, err)
		return err
	}
}
