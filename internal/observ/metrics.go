package observ

import (
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// registry wraps a Prometheus registry, lazily creating a
// CounterVec/GaugeVec/HistogramVec per metric name the first time it is
// used and fixing that metric's label set from the first call site. This
// keeps every IncCounter/SetGauge/Observe call site in the repo unchanged
// while the actual collection backend is a real Prometheus registry instead
// of an in-process map.
type registry struct {
	mu         sync.Mutex
	reg        *prometheus.Registry
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
}

var reg = newRegistry()

func newRegistry() *registry {
	return &registry{
		reg:        prometheus.NewRegistry(),
		counters:   map[string]*prometheus.CounterVec{},
		gauges:     map[string]*prometheus.GaugeVec{},
		histograms: map[string]*prometheus.HistogramVec{},
	}
}

func labelNames(labels map[string]string) []string {
	names := make([]string, 0, len(labels))
	for k := range labels {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func labelValues(names []string, labels map[string]string) []string {
	values := make([]string, len(names))
	for i, n := range names {
		values[i] = labels[n]
	}
	return values
}

// IncCounter increments a named counter by 1, creating it on first use.
func IncCounter(name string, labels map[string]string) {
	IncCounterBy(name, labels, 1.0)
}

// IncCounterBy increments a named counter by the given amount.
func IncCounterBy(name string, labels map[string]string, value float64) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	names := labelNames(labels)
	cv, ok := reg.counters[name]
	if !ok {
		cv = prometheus.NewCounterVec(prometheus.CounterOpts{Name: sanitizeMetricName(name)}, names)
		reg.reg.MustRegister(cv)
		reg.counters[name] = cv
	}
	cv.WithLabelValues(labelValues(names, labels)...).Add(value)
}

// SetGauge sets a named gauge to the given value, creating it on first use.
func SetGauge(name string, value float64, labels map[string]string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	names := labelNames(labels)
	gv, ok := reg.gauges[name]
	if !ok {
		gv = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: sanitizeMetricName(name)}, names)
		reg.reg.MustRegister(gv)
		reg.gauges[name] = gv
	}
	gv.WithLabelValues(labelValues(names, labels)...).Set(value)
}

// Observe records a value in a named histogram, creating it on first use.
func Observe(name string, value float64, labels map[string]string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	names := labelNames(labels)
	hv, ok := reg.histograms[name]
	if !ok {
		hv = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    sanitizeMetricName(name),
			Buckets: prometheus.DefBuckets,
		}, names)
		reg.reg.MustRegister(hv)
		reg.histograms[name] = hv
	}
	hv.WithLabelValues(labelValues(names, labels)...).Observe(value)
}

func sanitizeMetricName(name string) string {
	return strings.ReplaceAll(name, ".", "_")
}

// Handler serves the Prometheus text exposition format for scraping.
func Handler() http.Handler {
	return promhttp.HandlerFor(reg.reg, promhttp.HandlerOpts{})
}

// Health is a minimal liveness endpoint, independent of FSM state — it
// answers "is the process able to serve HTTP at all", nothing more.
func Health() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
}

// Reset clears all registered collectors. Test-only: lets each test start
// from an empty registry instead of colliding on metric names across
// package-level tests that both call IncCounter("x", ...).
func Reset() {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg = newRegistry()
}
