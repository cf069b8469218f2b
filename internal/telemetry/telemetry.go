// Package telemetry wires Prometheus metrics and OpenTelemetry tracing for
// the engine, grounded on core/metrics.go from the teacher.
package telemetry

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// Metrics bundles every counter/gauge/histogram the engine records.
type Metrics struct {
	IdentitiesTotal   *prometheus.CounterVec
	TrustEdgesTotal   *prometheus.CounterVec
	ScoreRecomputeDur prometheus.Histogram
	QueueDepth        prometheus.Gauge
	QueueDedupedTotal prometheus.Counter
	NotificationsSent *prometheus.CounterVec
	NotificationFails *prometheus.CounterVec
	PuzzlesGenerated  prometheus.Counter
	PuzzlesSolved     prometheus.Counter
	FCPCommandsTotal  *prometheus.CounterVec
	FCPCommandDur     *prometheus.HistogramVec
	HTTPRequestsTotal *prometheus.CounterVec
	HTTPRequestDur    *prometheus.HistogramVec
}

// New registers every metric against the default Prometheus registry via
// promauto, the same pattern core/metrics.go uses.
func New() *Metrics {
	return &Metrics{
		IdentitiesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "wot_identities_total",
			Help: "Total identities processed, by outcome.",
		}, []string{"outcome"}),
		TrustEdgesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "wot_trust_edges_total",
			Help: "Total trust edge mutations, by operation.",
		}, []string{"operation"}),
		ScoreRecomputeDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "wot_score_recompute_seconds",
			Help:    "Time spent recomputing scores after a trust mutation.",
			Buckets: prometheus.DefBuckets,
		}),
		QueueDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "wot_identity_queue_depth",
			Help: "Current number of identity files queued for processing.",
		}),
		QueueDedupedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "wot_identity_queue_deduplicated_total",
			Help: "Total identity file enqueues dropped as duplicates.",
		}),
		NotificationsSent: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "wot_notifications_sent_total",
			Help: "Total notifications delivered, by subscription kind.",
		}, []string{"kind"}),
		NotificationFails: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "wot_notification_failures_total",
			Help: "Total notification delivery failures, by subscription kind.",
		}, []string{"kind"}),
		PuzzlesGenerated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "wot_introduction_puzzles_generated_total",
			Help: "Total introduction puzzles generated locally.",
		}),
		PuzzlesSolved: promauto.NewCounter(prometheus.CounterOpts{
			Name: "wot_introduction_puzzles_solved_total",
			Help: "Total remote introduction puzzles solved.",
		}),
		FCPCommandsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "wot_fcp_commands_total",
			Help: "Total FCP commands dispatched, by command name and outcome.",
		}, []string{"command", "outcome"}),
		FCPCommandDur: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "wot_fcp_command_seconds",
			Help:    "FCP command handling latency, by command name.",
			Buckets: prometheus.DefBuckets,
		}, []string{"command"}),
		HTTPRequestsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "wot_http_requests_total",
			Help: "Total ambient HTTP requests, by path and status.",
		}, []string{"path", "status"}),
		HTTPRequestDur: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "wot_http_request_seconds",
			Help:    "Ambient HTTP request latency, by path.",
			Buckets: prometheus.DefBuckets,
		}, []string{"path"}),
	}
}

// tracerName is the engine-wide tracer name; StartSpan resolves the tracer
// lazily from the global OpenTelemetry TracerProvider so tests work without
// a configured exporter.
const tracerName = "github.com/hyphanet/wot-engine"

// StartSpan starts a span under the engine's tracer.
func StartSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name)
}

// ObserveScoreRecompute records how long a score recomputation pass took.
func (m *Metrics) ObserveScoreRecompute(d time.Duration) {
	m.ScoreRecomputeDur.Observe(d.Seconds())
}
