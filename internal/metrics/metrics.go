package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rezonia/fiscal-processor/internal/model"
)

// Metrics owns a private registry so tests and multiple pipelines
// never collide on the default one. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	processed       *prometheus.CounterVec
	duplicates      prometheus.Counter
	validationsSaved prometheus.Counter
	rejections      *prometheus.CounterVec
	duration        *prometheus.HistogramVec
}

// New registers the pipeline collectors on a fresh registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		processed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "documents_processed_total",
			Help: "Total de documentos processados",
		}, []string{"document_type"}),
		duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "documents_duplicate_total",
			Help: "Total de documentos duplicados detectados",
		}),
		validationsSaved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "validations_saved_total",
			Help: "Total de validações persistidas",
		}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "documents_rejected_total",
			Help: "Total de documentos rejeitados por código de erro",
		}, []string{"error_code"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "document_processing_duration_seconds",
			Help:    "Tempo de processamento por documento",
			Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"state"}),
	}
	m.registry.MustRegister(m.processed, m.duplicates, m.validationsSaved, m.rejections, m.duration)
	return m
}

// Registry exposes the underlying registry for extra collectors
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the text exposition of the registry
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Observe records one finished upload
func (m *Metrics) Observe(result *model.ProcessResult, elapsed time.Duration) {
	if m == nil || result == nil {
		return
	}

	m.duration.WithLabelValues(string(result.State)).Observe(elapsed.Seconds())

	switch {
	case result.Duplicate:
		m.duplicates.Inc()
	case result.State == model.StatePersisted:
		m.processed.WithLabelValues(string(result.DocumentType)).Inc()
		if result.Validation != nil {
			m.validationsSaved.Inc()
		}
	case result.State == model.StateRejected:
		code := string(result.ErrorCode)
		if code == "" {
			code = "UNKNOWN"
		}
		m.rejections.WithLabelValues(code).Inc()
	}
}
