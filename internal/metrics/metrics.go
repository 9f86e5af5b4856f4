package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ppiankov/abacus/internal/model"
)

// Stage names observed by StageDuration
const (
	StageRules   = "rules"
	StageAnomaly = "anomaly"
	StageExplain = "explain"
	StageEnrich  = "enrich"
	StageExport  = "export"
)

// Metrics provides observability for pipeline runs.
// Each instance owns its registry so concurrent runs never share counters.
type Metrics struct {
	Registry *prometheus.Registry

	ClaimsTotal        prometheus.Counter
	CleanTotal         prometheus.Counter
	FindingsTotal      *prometheus.CounterVec
	OutliersTotal      *prometheus.CounterVec
	ExplanationsTotal  *prometheus.CounterVec
	EnrichmentFailures prometheus.Counter
	StageDuration      *prometheus.HistogramVec
}

// New creates a new Metrics instance with all run metrics registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		ClaimsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "abacus_claims_total",
			Help: "Total number of claim records evaluated",
		}),
		CleanTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "abacus_clean_claims_total",
			Help: "Total number of claim records with zero findings",
		}),
		FindingsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "abacus_findings_total",
			Help: "Total number of rule findings by rule",
		}, []string{"rule"}),
		OutliersTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "abacus_outliers_total",
			Help: "Total number of outlier flags by grouping",
		}, []string{"grouping"}),
		ExplanationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "abacus_explanations_total",
			Help: "Total number of explanations by generation method",
		}, []string{"method"}),
		EnrichmentFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "abacus_enrichment_failures_total",
			Help: "Enrichment attempts that fell back to the deterministic text",
		}),
		StageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "abacus_stage_duration_seconds",
			Help:    "Duration of pipeline stages",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60},
		}, []string{"stage"}),
	}
}

// ObserveStage records the duration of a stage.
// Call with time.Now() at the start of the stage.
func (m *Metrics) ObserveStage(stage string, start time.Time) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
}

// RecordSummary adds the counts of a finished run
func (m *Metrics) RecordSummary(s model.Summary) {
	if m == nil {
		return
	}
	m.ClaimsTotal.Add(float64(s.Total))
	m.CleanTotal.Add(float64(s.Clean))
	for _, rule := range model.AllRules {
		m.FindingsTotal.WithLabelValues(string(rule)).Add(float64(s.PerRule[rule]))
	}
	for g, stats := range s.PerGrouping {
		m.OutliersTotal.WithLabelValues(string(g)).Add(float64(stats.Outliers))
	}
	m.ExplanationsTotal.WithLabelValues(string(model.MethodDeterministic)).Add(float64(s.Explanations.Deterministic))
	m.ExplanationsTotal.WithLabelValues(string(model.MethodModelGenerated)).Add(float64(s.Explanations.ModelGenerated))
	m.EnrichmentFailures.Add(float64(s.Explanations.EnrichmentFailures))
}

// WriteTextfile writes every metric in the Prometheus text format, for the
// node exporter textfile collector
func (m *Metrics) WriteTextfile(path string) error {
	if m == nil || path == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, m.Registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
