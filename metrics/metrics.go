// Package metrics exposes Prometheus collectors for the theme registry and
// the asset pipeline. A nil *Metrics is valid and records nothing.
package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const DefaultNamespace = "themeplane"

type Metrics struct {
	operations        *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	assets            *prometheus.CounterVec
	assetDuration     prometheus.Histogram
	assetBytes        prometheus.Counter
	assetsInFlight    prometheus.Gauge
	themes            prometheus.Gauge
}

// New registers the collectors with reg.
func New(reg prometheus.Registerer, namespace string) *Metrics {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	factory := promauto.With(reg)
	return &Metrics{
		operations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registry_operations_total",
			Help:      "Theme registry operations by operation and outcome.",
		}, []string{"operation", "outcome"}),
		operationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "registry_operation_duration_seconds",
			Help:      "Theme registry operation latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		assets: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "assets_processed_total",
			Help:      "Remote image assets processed by outcome.",
		}, []string{"outcome"}),
		assetDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "asset_duration_seconds",
			Help:      "Time to download, normalize and store one asset.",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}),
		assetBytes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "asset_bytes_stored_total",
			Help:      "Bytes written to the asset store.",
		}),
		assetsInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "assets_in_flight",
			Help:      "Assets currently being processed.",
		}),
		themes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "themes",
			Help:      "Themes held by the registry.",
		}),
	}
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveOperation(op string, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(op, Outcome(err)).Inc()
	m.operationDuration.WithLabelValues(op).Observe(elapsed.Seconds())
}

// AssetStarted marks an asset job as in flight and returns the function
// that records its completion.
func (m *Metrics) AssetStarted() func(err error, storedBytes int) {
	if m == nil {
		return func(error, int) {}
	}
	start := time.Now()
	m.assetsInFlight.Inc()
	return func(err error, storedBytes int) {
		m.assetsInFlight.Dec()
		m.assets.WithLabelValues(Outcome(err)).Inc()
		m.assetDuration.Observe(time.Since(start).Seconds())
		if err == nil {
			m.assetBytes.Add(float64(storedBytes))
		}
	}
}

func (m *Metrics) SetThemes(n int) {
	if m == nil {
		return
	}
	m.themes.Set(float64(n))
}

type coded interface {
	Code() string
}

// Outcome labels an error by its error code, "ok" for nil.
func Outcome(err error) string {
	if err == nil {
		return "ok"
	}
	var c coded
	if errors.As(err, &c) {
		return c.Code()
	}
	return "error"
}
