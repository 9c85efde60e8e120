// Package observability provides Prometheus metrics, health/readiness endpoints,
// structured logging, and OpenTelemetry tracing for statuscard.
package observability

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "statuscard"

// Metrics holds Prometheus collectors plus atomic counters that tests and the
// status endpoint can read without scraping.
type Metrics struct {
	admitted      int64
	rejected      int64
	delayed       int64
	storeErrors   int64
	upstreamErrs  int64
	renders       int64
	renderFails   int64
	cacheHits     int64
	reconnects    int64
	reconnectFail int64

	promAdmitted     prometheus.Counter
	promRejected     *prometheus.CounterVec
	promDelayed      prometheus.Counter
	promStoreErrors  prometheus.Counter
	promUpstreamErrs *prometheus.CounterVec
	promRenders      prometheus.Counter
	promRenderFails  *prometheus.CounterVec
	promCacheHits    prometheus.Counter
	promCacheMisses  prometheus.Counter
	promReconnects   prometheus.Counter
	promReconnFail   prometheus.Counter
	promConnState    prometheus.Gauge
	promPoolIdle     prometheus.Gauge
	promPoolInUse    prometheus.Gauge

	PromRequestDuration *prometheus.HistogramVec
	PromSlowdownDelay   prometheus.Histogram
	PromFetchDuration   prometheus.Histogram
	PromRenderStage     *prometheus.HistogramVec
}

// NewMetrics creates and registers Prometheus metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	factory := promauto.With(reg)

	return &Metrics{
		promAdmitted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_admitted_total",
			Help:      "Requests that passed every admission stage.",
		}),
		promRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_rejected_total",
			Help:      "Requests rejected by admission control, by stage.",
		}, []string{"stage"}),
		promDelayed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_delayed_total",
			Help:      "Requests that received an artificial slowdown delay.",
		}),
		promStoreErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_store_errors_total",
			Help:      "Errors returned by the fixed-window counter store.",
		}),
		promUpstreamErrs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_errors_total",
			Help:      "Presence provider failures, by error kind.",
		}, []string{"kind"}),
		promRenders: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "renders_total",
			Help:      "Screenshots produced by the render pipeline.",
		}),
		promRenderFails: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "render_failures_total",
			Help:      "Render pipeline failures, by stage.",
		}, []string{"stage"}),
		promCacheHits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "render_cache_hits_total",
			Help:      "Card images served from the render cache.",
		}),
		promCacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "render_cache_misses_total",
			Help:      "Card image requests that required a render.",
		}),
		promReconnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_reconnect_attempts_total",
			Help:      "Reconnect attempts made by the connection supervisor.",
		}),
		promReconnFail: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_reconnect_failures_total",
			Help:      "Reconnect attempts that failed.",
		}),
		promConnState: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "upstream_connection_state",
			Help:      "Upstream connection state (0=connecting, 1=ready, 2=degraded, 3=closed).",
		}),
		promPoolIdle: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "render_pool_idle_workers",
			Help:      "Idle render workers held by the pool.",
		}),
		promPoolInUse: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "render_pool_in_use_workers",
			Help:      "Render workers currently acquired by requests.",
		}),
		PromRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "status_code"}),
		PromSlowdownDelay: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "admission_slowdown_delay_seconds",
			Help:      "Artificial delay applied by progressive slowdown.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 1.5, 2, 5},
		}),
		PromFetchDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "presence_fetch_duration_seconds",
			Help:      "Latency of presence lookups against the provider.",
			Buckets:   prometheus.DefBuckets,
		}),
		PromRenderStage: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "render_stage_duration_seconds",
			Help:      "Duration of each screenshot pipeline stage.",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"stage"}),
	}
}

// IncAdmitted records a request that passed admission.
func (m *Metrics) IncAdmitted() {
	atomic.AddInt64(&m.admitted, 1)
	m.promAdmitted.Inc()
}

// IncRejected records an admission rejection at the given stage.
func (m *Metrics) IncRejected(stage string) {
	atomic.AddInt64(&m.rejected, 1)
	m.promRejected.WithLabelValues(stage).Inc()
}

// ObserveDelay records a slowdown delay in seconds.
func (m *Metrics) ObserveDelay(seconds float64) {
	atomic.AddInt64(&m.delayed, 1)
	m.promDelayed.Inc()
	m.PromSlowdownDelay.Observe(seconds)
}

// IncStoreErrors records a counter store error.
func (m *Metrics) IncStoreErrors() {
	atomic.AddInt64(&m.storeErrors, 1)
	m.promStoreErrors.Inc()
}

// IncUpstreamError records a presence provider failure.
func (m *Metrics) IncUpstreamError(kind string) {
	atomic.AddInt64(&m.upstreamErrs, 1)
	m.promUpstreamErrs.WithLabelValues(kind).Inc()
}

// IncRenders records a successful render.
func (m *Metrics) IncRenders() {
	atomic.AddInt64(&m.renders, 1)
	m.promRenders.Inc()
}

// IncRenderFailure records a render failure at the given stage.
func (m *Metrics) IncRenderFailure(stage string) {
	atomic.AddInt64(&m.renderFails, 1)
	m.promRenderFails.WithLabelValues(stage).Inc()
}

// ObserveRenderStage records how long one pipeline stage took.
func (m *Metrics) ObserveRenderStage(stage string, seconds float64) {
	m.PromRenderStage.WithLabelValues(stage).Observe(seconds)
}

// IncCacheHit records a render cache hit.
func (m *Metrics) IncCacheHit() {
	atomic.AddInt64(&m.cacheHits, 1)
	m.promCacheHits.Inc()
}

// IncCacheMiss records a render cache miss.
func (m *Metrics) IncCacheMiss() {
	m.promCacheMisses.Inc()
}

// IncReconnect records a reconnect attempt.
func (m *Metrics) IncReconnect() {
	atomic.AddInt64(&m.reconnects, 1)
	m.promReconnects.Inc()
}

// IncReconnectFailure records a failed reconnect attempt.
func (m *Metrics) IncReconnectFailure() {
	atomic.AddInt64(&m.reconnectFail, 1)
	m.promReconnFail.Inc()
}

// SetConnectionState publishes the numeric connection state.
func (m *Metrics) SetConnectionState(state int) {
	m.promConnState.Set(float64(state))
}

// SetPoolUsage publishes render pool occupancy.
func (m *Metrics) SetPoolUsage(idle, inUse int) {
	m.promPoolIdle.Set(float64(idle))
	m.promPoolInUse.Set(float64(inUse))
}

// MetricsSnapshot holds a point-in-time copy of all atomic counters.
type MetricsSnapshot struct {
	Admitted          int64
	Rejected          int64
	Delayed           int64
	StoreErrors       int64
	UpstreamErrors    int64
	Renders           int64
	RenderFailures    int64
	CacheHits         int64
	Reconnects        int64
	ReconnectFailures int64
}

// Snapshot returns the current counter values.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Admitted:          atomic.LoadInt64(&m.admitted),
		Rejected:          atomic.LoadInt64(&m.rejected),
		Delayed:           atomic.LoadInt64(&m.delayed),
		StoreErrors:       atomic.LoadInt64(&m.storeErrors),
		UpstreamErrors:    atomic.LoadInt64(&m.upstreamErrs),
		Renders:           atomic.LoadInt64(&m.renders),
		RenderFailures:    atomic.LoadInt64(&m.renderFails),
		CacheHits:         atomic.LoadInt64(&m.cacheHits),
		Reconnects:        atomic.LoadInt64(&m.reconnects),
		ReconnectFailures: atomic.LoadInt64(&m.reconnectFail),
	}
}
