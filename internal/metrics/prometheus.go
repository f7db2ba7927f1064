package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics wraps the prometheus collectors for the engine.
type PrometheusMetrics struct {
	registry *prometheus.Registry

	sendsTotal       *prometheus.CounterVec
	receivesTotal    *prometheus.CounterVec
	acksTotal        *prometheus.CounterVec
	nacksTotal       *prometheus.CounterVec
	deadLettersTotal *prometheus.CounterVec
	rejectionsTotal  *prometheus.CounterVec

	pendingDepth  *prometheus.GaugeVec
	inflightDepth *prometheus.GaugeVec

	enqueueDuration *prometheus.HistogramVec
	dequeueDuration *prometheus.HistogramVec
	persistDuration *prometheus.HistogramVec
}

// Default histogram buckets for operation duration (in milliseconds).
var defaultBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 25, 50, 100, 250}

var (
	promOnce sync.Once
	promInst *PrometheusMetrics
)

// InitPrometheus initializes the Prometheus metrics subsystem. Safe to
// call more than once; only the first call takes effect.
func InitPrometheus(namespace string, buckets []float64) *PrometheusMetrics {
	promOnce.Do(func() {
		if len(buckets) == 0 {
			buckets = defaultBuckets
		}
		if namespace == "" {
			namespace = "quasar"
		}
		p := &PrometheusMetrics{registry: prometheus.NewRegistry()}

		p.sendsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "sends_total",
			Help: "Messages accepted per queue.",
		}, []string{"queue"})
		p.receivesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "receives_total",
			Help: "Messages delivered per queue.",
		}, []string{"queue"})
		p.acksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "acks_total",
			Help: "Messages acknowledged per queue.",
		}, []string{"queue"})
		p.nacksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "nacks_total",
			Help: "Negative acknowledgements per queue.",
		}, []string{"queue"})
		p.deadLettersTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "dead_letters_total",
			Help: "Messages routed to a dead-letter queue, by reason.",
		}, []string{"queue", "reason"})
		p.rejectionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "rejections_total",
			Help: "Sends rejected with QUEUE_FULL.",
		}, []string{"queue"})

		p.pendingDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "pending_depth",
			Help: "Messages waiting for delivery.",
		}, []string{"queue"})
		p.inflightDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "inflight_depth",
			Help: "Messages delivered but not yet acknowledged.",
		}, []string{"queue"})

		p.enqueueDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "enqueue_duration_ms",
			Help: "Send path latency in milliseconds.", Buckets: buckets,
		}, []string{"queue"})
		p.dequeueDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "dequeue_duration_ms",
			Help: "Receive path latency in milliseconds.", Buckets: buckets,
		}, []string{"queue"})
		p.persistDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "persist_duration_ms",
			Help: "Persistence write latency in milliseconds.", Buckets: buckets,
		}, []string{"op"})

		p.registry.MustRegister(
			p.sendsTotal, p.receivesTotal, p.acksTotal, p.nacksTotal,
			p.deadLettersTotal, p.rejectionsTotal,
			p.pendingDepth, p.inflightDepth,
			p.enqueueDuration, p.dequeueDuration, p.persistDuration,
		)
		promInst = p
	})
	return promInst
}

// Prom returns the initialized Prometheus metrics, or nil when
// InitPrometheus has not been called.
func Prom() *PrometheusMetrics {
	return promInst
}

// Handler returns the scrape endpoint handler for the registry.
func (p *PrometheusMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

func (p *PrometheusMetrics) ObserveSend(queue string, ms float64) {
	p.sendsTotal.WithLabelValues(queue).Inc()
	p.enqueueDuration.WithLabelValues(queue).Observe(ms)
}

func (p *PrometheusMetrics) ObserveReceive(queue string, ms float64) {
	p.receivesTotal.WithLabelValues(queue).Inc()
	p.dequeueDuration.WithLabelValues(queue).Observe(ms)
}

func (p *PrometheusMetrics) ObserveAck(queue string)  { p.acksTotal.WithLabelValues(queue).Inc() }
func (p *PrometheusMetrics) ObserveNack(queue string) { p.nacksTotal.WithLabelValues(queue).Inc() }

func (p *PrometheusMetrics) ObserveDeadLetter(queue, reason string) {
	p.deadLettersTotal.WithLabelValues(queue, reason).Inc()
}

func (p *PrometheusMetrics) ObserveRejection(queue string) {
	p.rejectionsTotal.WithLabelValues(queue).Inc()
}

func (p *PrometheusMetrics) SetDepth(queue string, pending, inflight float64) {
	p.pendingDepth.WithLabelValues(queue).Set(pending)
	p.inflightDepth.WithLabelValues(queue).Set(inflight)
}

func (p *PrometheusMetrics) ObservePersist(op string, ms float64) {
	p.persistDuration.WithLabelValues(op).Observe(ms)
}
