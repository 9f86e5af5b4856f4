package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/ppiankov/abacus/internal/ingest"
	"github.com/ppiankov/abacus/internal/llm"
	"github.com/ppiankov/abacus/internal/model"
)

// MockProvider implements llm.Provider for testing
type MockProvider struct {
	available bool
	reply     func(req llm.ExplainRequest) (*llm.ExplainResponse, error)
	calls     int32

	mu      sync.Mutex
	prompts []string
}

func (m *MockProvider) Name() string { return "mock" }

func (m *MockProvider) Explain(ctx context.Context, req llm.ExplainRequest) (*llm.ExplainResponse, error) {
	atomic.AddInt32(&m.calls, 1)
	m.mu.Lock()
	m.prompts = append(m.prompts, req.Prompt)
	m.mu.Unlock()
	return m.reply(req)
}

func (m *MockProvider) IsAvailable(ctx context.Context) bool { return m.available }

// echoFacts repeats every value the prompt marks as mandatory
func echoFacts(req llm.ExplainRequest) (*llm.ExplainResponse, error) {
	var facts []string
	for _, line := range strings.Split(req.Prompt, "\n") {
		if strings.HasPrefix(line, "- ") && !strings.Contains(line, ":") {
			facts = append(facts, strings.TrimPrefix(line, "- "))
		}
	}
	return &llm.ExplainResponse{Text: "Reviewed " + strings.Join(facts, ", "), Model: "mock-1"}, nil
}

func claim(id, amount, date string) model.ClaimRecord {
	return model.ClaimRecord{
		ClaimID:       id,
		MemberID:      "M-" + id,
		ProviderID:    "P1",
		Amount:        ingest.ParseAmount(amount),
		RawAmount:     amount,
		ServiceDate:   date,
		DiagnosisCode: "E119",
		ProcedureCode: "99213",
	}
}

// scenarioBatch holds C1 twice, one regular claim and a large C2
func scenarioBatch() *model.Batch {
	return model.NewBatch("scenario", []model.ClaimRecord{
		claim("C1", "100", "2024-01-10"),
		claim("C3", "150", "2024-01-11"),
		claim("C1", "100", "2024-01-12"),
		claim("C2", "5000", "2024-01-13"),
	})
}

func testConfig() *model.Config {
	cfg := model.DefaultConfig()
	cfg.Rules.ReferenceDate = "2024-06-30"
	cfg.Anomaly.GroupingKeys = []string{"all"}
	cfg.Anomaly.MinGroupSize = 2
	cfg.Anomaly.ZThreshold = 1.5
	cfg.Enrichment.CacheEnabled = false
	cfg.Enrichment.RequestsPerSecond = 1000
	cfg.Enrichment.Burst = 10
	return cfg
}

func newTestPipeline(t *testing.T, cfg *model.Config, opts ...Option) *Pipeline {
	t.Helper()
	p, err := NewPipeline(cfg, nil, opts...)
	if err != nil {
		t.Fatalf("NewPipeline failed: %v", err)
	}
	return p
}

func findingsOf(res *model.RunResult, row int, rule model.RuleName) []model.Finding {
	var out []model.Finding
	for _, f := range res.FindingsFor(row) {
		if f.Rule == rule {
			out = append(out, f)
		}
	}
	return out
}

func TestRun_Scenario(t *testing.T) {
	p := newTestPipeline(t, testConfig())

	res, err := p.Run(context.Background(), scenarioBatch())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	// Both C1 occurrences carry the same count
	for _, row := range []int{0, 2} {
		dups := findingsOf(res, row, model.RuleDuplicateClaim)
		if len(dups) != 1 {
			t.Fatalf("Expected duplicate_claim on row %d, got %v", row, res.FindingsFor(row))
		}
		if n := dups[0].Details[model.DetailOccurrences]; n != 2 {
			t.Errorf("Expected 2 occurrences on row %d, got %v", row, n)
		}
	}

	outliers := 0
	for _, fl := range res.Flags {
		if fl.IsOutlier {
			outliers++
			if fl.ClaimID != "C2" {
				t.Errorf("Expected only C2 to be an outlier, got %s", fl.ClaimID)
			}
		}
	}
	if outliers != 1 || len(res.Flags) != 4 {
		t.Errorf("Expected 4 flags with 1 outlier, got %d flags and %d outliers", len(res.Flags), outliers)
	}
	if len(findingsOf(res, 3, model.RuleOutlierAmount)) != 1 {
		t.Error("Expected outlier_amount finding for C2")
	}

	if res.Summary.Total != 4 || res.Summary.Clean != 1 || res.Summary.Flagged != 3 {
		t.Errorf("Unexpected summary: %+v", res.Summary)
	}
	if len(res.Clean) != 1 || res.Clean[0].ClaimID != "C3" {
		t.Errorf("Expected C3 as the only clean record, got %+v", res.Clean)
	}
	for i, v := range res.Verdicts {
		if v != (len(res.FindingsFor(i)) == 0) {
			t.Errorf("Verdict of row %d disagrees with its findings", i)
		}
	}

	// Two duplicate explanations plus one for the outlier, never doubled
	if len(res.Explanations) != 3 {
		t.Fatalf("Expected 3 explanations, got %d", len(res.Explanations))
	}
	for _, e := range res.Explanations {
		if e.GenerationMethod != model.MethodDeterministic {
			t.Errorf("Expected deterministic explanation, got %s", e.GenerationMethod)
		}
	}
	if res.Summary.Explanations.Deterministic != 3 {
		t.Errorf("Expected 3 deterministic explanations, got %+v", res.Summary.Explanations)
	}
	if res.RunID == "" || res.Summary.RunID != res.RunID {
		t.Errorf("Expected run id on result and summary, got %q / %q", res.RunID, res.Summary.RunID)
	}
}

func TestRun_DefaultThresholdNoOutlier(t *testing.T) {
	cfg := testConfig()
	cfg.Anomaly.ZThreshold = 3
	p := newTestPipeline(t, cfg)

	res, err := p.Run(context.Background(), scenarioBatch())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	// Four values can never exceed |z| = sqrt(3)
	for _, fl := range res.Flags {
		if fl.IsOutlier {
			t.Errorf("Expected no outlier at threshold 3, got %+v", fl)
		}
	}
}

func TestRun_Deterministic(t *testing.T) {
	p := newTestPipeline(t, testConfig())

	first, err := p.Run(context.Background(), scenarioBatch())
	if err != nil {
		t.Fatal(err)
	}
	second, err := p.Run(context.Background(), scenarioBatch())
	if err != nil {
		t.Fatal(err)
	}

	if !reflect.DeepEqual(first.Baselines, second.Baselines) {
		t.Errorf("Expected identical baselines, got %+v and %+v", first.Baselines, second.Baselines)
	}
	if !reflect.DeepEqual(first.Flags, second.Flags) {
		t.Error("Expected identical flags across runs")
	}
	if !reflect.DeepEqual(first.Explanations, second.Explanations) {
		t.Error("Expected identical explanations across runs")
	}
	if first.RunID == second.RunID {
		t.Error("Expected a fresh run id per run")
	}
}

func TestRun_FutureDate(t *testing.T) {
	p := newTestPipeline(t, testConfig())
	batch := model.NewBatch("future", []model.ClaimRecord{claim("C1", "100", "2024-07-01")})

	res, err := p.Run(context.Background(), batch)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	found := findingsOf(res, 0, model.RuleInvalidDate)
	if len(found) != 1 {
		t.Fatalf("Expected invalid_date finding, got %v", res.Findings)
	}
	if found[0].Details[model.DetailReason] != model.ReasonFuture {
		t.Errorf("Expected future reason, got %v", found[0].Details)
	}
}

func TestRun_ICDShapes(t *testing.T) {
	p := newTestPipeline(t, testConfig())
	valid := claim("C1", "100", "2024-01-01")
	invalid := claim("C2", "100", "2024-01-01")
	invalid.DiagnosisCode = "119E"

	res, err := p.Run(context.Background(), model.NewBatch("icd", []model.ClaimRecord{valid, invalid}))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(findingsOf(res, 0, model.RuleInvalidICD)) != 0 {
		t.Error("Expected E119 to pass the ICD-10 shape")
	}
	if len(findingsOf(res, 1, model.RuleInvalidICD)) != 1 {
		t.Error("Expected 119E to raise invalid_icd")
	}
}

func TestRun_SchemaError(t *testing.T) {
	p := newTestPipeline(t, testConfig())
	batch := &model.Batch{
		Source:  "broken.csv",
		Columns: []string{"claim_id", "member_id", "provider_id", "service_date", "diagnosis_code", "procedure_code"},
		Records: []model.ClaimRecord{{Row: 0, ClaimID: "C1"}},
	}

	res, err := p.Run(context.Background(), batch)
	if err == nil {
		t.Fatal("Expected schema error")
	}
	if res != nil {
		t.Error("Expected no partial result on schema error")
	}
	if !IsSchemaError(err) {
		t.Errorf("Expected schema error, got %v", err)
	}
	var se *model.SchemaError
	if !errors.As(err, &se) || len(se.Missing) != 1 || se.Missing[0] != "amount" {
		t.Errorf("Expected missing amount column, got %v", err)
	}
}

func TestRun_EmptyBatch(t *testing.T) {
	p := newTestPipeline(t, testConfig())

	res, err := p.Run(context.Background(), model.NewBatch("empty", nil))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Summary.Total != 0 || len(res.Explanations) != 0 || len(res.Flags) != 0 {
		t.Errorf("Expected empty result, got %+v", res.Summary)
	}
}

func TestNewPipeline_InvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Anomaly.ZThreshold = 0

	if _, err := NewPipeline(cfg, nil); err == nil {
		t.Error("Expected error for zero threshold")
	}
}

func TestNewPipeline_UnknownProviderDegrades(t *testing.T) {
	cfg := testConfig()
	cfg.Enrichment.Enabled = true
	cfg.Enrichment.Provider = "openai" // no API key

	p := newTestPipeline(t, cfg)
	if p.enricher != nil {
		t.Error("Expected enrichment to be disabled without credentials")
	}

	res, err := p.Run(context.Background(), scenarioBatch())
	if err != nil {
		t.Fatalf("Expected run to succeed without enrichment, got %v", err)
	}
	if res.Summary.Explanations.ModelGenerated != 0 {
		t.Error("Expected deterministic explanations only")
	}
}

func TestRun_EnrichmentFallback(t *testing.T) {
	baseline, err := newTestPipeline(t, testConfig()).Run(context.Background(), scenarioBatch())
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name     string
		provider *MockProvider
		failures int
	}{
		{
			name:     "provider error",
			provider: &MockProvider{available: true, reply: func(llm.ExplainRequest) (*llm.ExplainResponse, error) { return nil, errors.New("503") }},
			failures: 3,
		},
		{
			name:     "facts dropped",
			provider: &MockProvider{available: true, reply: func(llm.ExplainRequest) (*llm.ExplainResponse, error) { return &llm.ExplainResponse{Text: "Looks odd."}, nil }},
			failures: 3,
		},
		{
			name:     "unavailable",
			provider: &MockProvider{available: false, reply: echoFacts},
			failures: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			core, logs := observer.New(zapcore.WarnLevel)
			cfg := testConfig()
			cfg.Enrichment.Enabled = true

			p, err := NewPipeline(cfg, zap.New(core), WithProvider(tt.provider))
			if err != nil {
				t.Fatal(err)
			}
			res, err := p.Run(context.Background(), scenarioBatch())
			if err != nil {
				t.Fatalf("Expected enrichment failure to never fail the run, got %v", err)
			}

			if len(res.Explanations) != len(baseline.Explanations) {
				t.Fatalf("Expected %d explanations, got %d", len(baseline.Explanations), len(res.Explanations))
			}
			for i, e := range res.Explanations {
				if e.Text != baseline.Explanations[i].Text {
					t.Errorf("Expected deterministic text %q, got %q", baseline.Explanations[i].Text, e.Text)
				}
				if e.GenerationMethod != model.MethodDeterministic {
					t.Errorf("Expected deterministic method, got %s", e.GenerationMethod)
				}
			}
			if res.Summary.Explanations.EnrichmentFailures != tt.failures {
				t.Errorf("Expected %d enrichment failures, got %d", tt.failures, res.Summary.Explanations.EnrichmentFailures)
			}
			if logs.Len() == 0 {
				t.Error("Expected a warning log")
			}
		})
	}
}

func TestRun_EnrichmentSuccess(t *testing.T) {
	provider := &MockProvider{available: true, reply: echoFacts}
	cfg := testConfig()
	cfg.Enrichment.Enabled = true

	p := newTestPipeline(t, cfg, WithProvider(provider))
	res, err := p.Run(context.Background(), scenarioBatch())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if res.Summary.Explanations.ModelGenerated != 3 {
		t.Errorf("Expected 3 model generated explanations, got %+v", res.Summary.Explanations)
	}
	for _, e := range res.Explanations {
		if e.Provider != "mock" || e.Model != "mock-1" {
			t.Errorf("Expected provider metadata, got %+v", e)
		}
		if !strings.Contains(e.Text, e.ClaimID) {
			t.Errorf("Expected claim id %s in %q", e.ClaimID, e.Text)
		}
	}
	if atomic.LoadInt32(&provider.calls) != 3 {
		t.Errorf("Expected 3 provider calls, got %d", provider.calls)
	}
}

func TestRun_DefaultReferenceDateUsesClock(t *testing.T) {
	cfg := testConfig()
	cfg.Rules.ReferenceDate = ""
	clock := func() time.Time { return time.Date(2024, 1, 11, 15, 0, 0, 0, time.UTC) }

	p := newTestPipeline(t, cfg, WithClock(clock))
	res, err := p.Run(context.Background(), scenarioBatch())
	if err != nil {
		t.Fatal(err)
	}
	if got := res.ReferenceDate.Format(model.ReferenceDateLayout); got != "2024-01-11" {
		t.Errorf("Expected reference date 2024-01-11, got %s", got)
	}
	// Rows 2 and 3 are dated after the clock's day
	if len(findingsOf(res, 2, model.RuleInvalidDate)) != 1 || len(findingsOf(res, 3, model.RuleInvalidDate)) != 1 {
		t.Errorf("Expected future dates after the clock's day, got %v", res.Findings)
	}
	if len(findingsOf(res, 1, model.RuleInvalidDate)) != 0 {
		t.Error("Expected the reference day itself to be valid")
	}
}

const sampleCSV = `claim_id,member_id,provider_id,claim_amount,service_date,icd_code,cpt_code
C1,M1,P1,100,2024-01-10,E119,99213
C3,M2,P1,150,2024-01-11,E11.9,99213
C1,M3,P1,100,2024-01-12,I10,99214
C2,M4,P1,5000,2024-01-13,119E,99215
`

func TestRunFile(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "claims.csv")
	if err := os.WriteFile(input, []byte(sampleCSV), 0644); err != nil {
		t.Fatal(err)
	}

	cfg := testConfig()
	cfg.Metrics.Textfile = "metrics.prom"
	p := newTestPipeline(t, cfg)

	out := filepath.Join(dir, "gold")
	fr, err := p.RunFile(context.Background(), input, out)
	if err != nil {
		t.Fatalf("RunFile failed: %v", err)
	}
	if fr.Result.Summary.Total != 4 {
		t.Errorf("Expected 4 records, got %d", fr.Result.Summary.Total)
	}
	// 7 Gold outputs plus the metrics textfile
	if len(fr.Written) != 8 {
		t.Errorf("Expected 8 written files, got %v", fr.Written)
	}

	prom, err := os.ReadFile(filepath.Join(out, "metrics.prom"))
	if err != nil {
		t.Fatalf("Expected metrics textfile: %v", err)
	}
	if !strings.Contains(string(prom), "abacus_claims_total 4") {
		t.Errorf("Expected claims counter in textfile, got:\n%s", prom)
	}
}

func TestRunFile_SchemaErrorWritesNothing(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "broken.csv")
	if err := os.WriteFile(input, []byte("claim_id,member_id\nC1,M1\n"), 0644); err != nil {
		t.Fatal(err)
	}

	p := newTestPipeline(t, testConfig())
	out := filepath.Join(dir, "gold")
	if _, err := p.RunFile(context.Background(), input, out); !IsSchemaError(err) {
		t.Fatalf("Expected schema error, got %v", err)
	}
	if _, err := os.Stat(out); !os.IsNotExist(err) {
		t.Error("Expected no Gold output on schema error")
	}
}
