package metrics

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/ppiankov/abacus/internal/model"
)

func TestRecordSummary(t *testing.T) {
	m := New()
	m.RecordSummary(model.Summary{
		Total: 4,
		Clean: 1,
		PerRule: map[model.RuleName]int{
			model.RuleDuplicateClaim: 2,
			model.RuleOutlierAmount:  1,
		},
		PerGrouping: map[model.Grouping]model.GroupingStats{
			model.GroupAll: {Outliers: 1},
		},
		Explanations: model.ExplanationStats{Deterministic: 2, ModelGenerated: 1, EnrichmentFailures: 1},
	})

	if got := testutil.ToFloat64(m.ClaimsTotal); got != 4 {
		t.Errorf("Expected 4 claims, got %v", got)
	}
	if got := testutil.ToFloat64(m.CleanTotal); got != 1 {
		t.Errorf("Expected 1 clean claim, got %v", got)
	}
	if got := testutil.ToFloat64(m.FindingsTotal.WithLabelValues("duplicate_claim")); got != 2 {
		t.Errorf("Expected 2 duplicate findings, got %v", got)
	}
	if got := testutil.ToFloat64(m.FindingsTotal.WithLabelValues("invalid_cpt")); got != 0 {
		t.Errorf("Expected 0 cpt findings, got %v", got)
	}
	if got := testutil.ToFloat64(m.OutliersTotal.WithLabelValues("all")); got != 1 {
		t.Errorf("Expected 1 outlier, got %v", got)
	}
	if got := testutil.ToFloat64(m.ExplanationsTotal.WithLabelValues("model_generated")); got != 1 {
		t.Errorf("Expected 1 model generated explanation, got %v", got)
	}
	if got := testutil.ToFloat64(m.EnrichmentFailures); got != 1 {
		t.Errorf("Expected 1 enrichment failure, got %v", got)
	}

	// Every rule label is present even at zero
	if n := testutil.CollectAndCount(m.FindingsTotal); n != len(model.AllRules) {
		t.Errorf("Expected %d finding series, got %d", len(model.AllRules), n)
	}
}

func TestObserveStage(t *testing.T) {
	m := New()
	m.ObserveStage(StageRules, time.Now())
	m.ObserveStage(StageAnomaly, time.Now())

	if n := testutil.CollectAndCount(m.StageDuration); n != 2 {
		t.Errorf("Expected 2 stage series, got %d", n)
	}
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	m.ObserveStage(StageRules, time.Now())
	m.RecordSummary(model.Summary{Total: 1})
	if err := m.WriteTextfile("ignored.prom"); err != nil {
		t.Errorf("Expected nil metrics to be a no-op, got %v", err)
	}
}

func TestWriteTextfile(t *testing.T) {
	m := New()
	m.RecordSummary(model.Summary{Total: 3})

	path := filepath.Join(t.TempDir(), "abacus.prom")
	if err := m.WriteTextfile(path); err != nil {
		t.Fatalf("WriteTextfile failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "abacus_claims_total 3") {
		t.Errorf("Expected claims counter in textfile, got:\n%s", data)
	}
}

func TestSeparateRegistries(t *testing.T) {
	a, b := New(), New()
	a.ClaimsTotal.Add(5)
	if got := testutil.ToFloat64(b.ClaimsTotal); got != 0 {
		t.Errorf("Expected independent registries, got %v", got)
	}
}
