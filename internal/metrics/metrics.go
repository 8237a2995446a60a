package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the gateway's prometheus instruments. A nil *Collector is
// valid and records nothing.
type Collector struct {
	reg *prometheus.Registry

	requests        *prometheus.CounterVec
	upstreamLatency *prometheus.HistogramVec
	fragments       *prometheus.CounterVec
	streamBytes     *prometheus.CounterVec
	decodeErrors    prometheus.Counter
	credentials     prometheus.Gauge

	mu    sync.RWMutex
	known map[string]struct{}
}

// OtherModel is the label for models outside the catalog.
const OtherModel = "other"

// New registers all instruments on a fresh registry.
func New(namespace string) *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Collector{
		reg: reg,
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chat_requests_total",
			Help:      "Chat completion requests by model, mode and outcome.",
		}, []string{"model", "mode", "outcome"}),
		upstreamLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_open_seconds",
			Help:      "Time until the upstream stream was open.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}, []string{"model"}),
		fragments: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_fragments_total",
			Help:      "Decoded text fragments relayed to callers.",
		}, []string{"model"}),
		streamBytes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_bytes_total",
			Help:      "Decoded text bytes relayed to callers.",
		}, []string{"model"}),
		decodeErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_errors_total",
			Help:      "Backend frames that could not be decoded.",
		}),
		credentials: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "credentials_loaded",
			Help:      "Credentials currently in the pool.",
		}),
	}
}

// SetModels fixes the model label values. Any other model, including every
// model before SetModels is called, is recorded as OtherModel.
func (c *Collector) SetModels(ids ...string) {
	if c == nil {
		return
	}
	known := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		known[id] = struct{}{}
	}
	c.mu.Lock()
	c.known = known
	c.mu.Unlock()
}

func (c *Collector) modelLabel(model string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if _, ok := c.known[model]; ok {
		return model
	}
	return OtherModel
}

func (c *Collector) ObserveRequest(model, mode, outcome string) {
	if c == nil {
		return
	}
	c.requests.WithLabelValues(c.modelLabel(model), mode, outcome).Inc()
}

func (c *Collector) ObserveUpstreamOpen(model string, d time.Duration) {
	if c == nil {
		return
	}
	c.upstreamLatency.WithLabelValues(c.modelLabel(model)).Observe(d.Seconds())
}

func (c *Collector) AddFragment(model string, n int) {
	if c == nil {
		return
	}
	label := c.modelLabel(model)
	c.fragments.WithLabelValues(label).Inc()
	c.streamBytes.WithLabelValues(label).Add(float64(n))
}

func (c *Collector) DecodeError() {
	if c == nil {
		return
	}
	c.decodeErrors.Inc()
}

func (c *Collector) SetCredentials(n int) {
	if c == nil {
		return
	}
	c.credentials.Set(float64(n))
}

// Handler exposes the registry in the prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{Registry: c.reg})
}
