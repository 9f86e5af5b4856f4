package explain

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/ppiankov/abacus/internal/cache"
	"github.com/ppiankov/abacus/internal/llm"
	"github.com/ppiankov/abacus/internal/model"
)

// MockProvider implements llm.Provider for testing
type MockProvider struct {
	name      string
	available bool
	reply     func(req llm.ExplainRequest) (*llm.ExplainResponse, error)
	delay     time.Duration
	calls     int32

	mu      sync.Mutex
	prompts []string
}

func (m *MockProvider) Name() string {
	return m.name
}

func (m *MockProvider) Explain(ctx context.Context, req llm.ExplainRequest) (*llm.ExplainResponse, error) {
	atomic.AddInt32(&m.calls, 1)
	m.mu.Lock()
	m.prompts = append(m.prompts, req.Prompt)
	m.mu.Unlock()

	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return m.reply(req)
}

func (m *MockProvider) IsAvailable(ctx context.Context) bool {
	return m.available
}

// echoFacts answers with a text that repeats the mandatory facts
func echoFacts(req llm.ExplainRequest) (*llm.ExplainResponse, error) {
	var facts []string
	for _, line := range strings.Split(req.Prompt, "\n") {
		if strings.HasPrefix(line, "- ") && !strings.Contains(line, ":") {
			facts = append(facts, strings.TrimPrefix(line, "- "))
		}
	}
	return &llm.ExplainResponse{
		Text:  "Generated: " + strings.Join(facts, " / "),
		Model: "mock-1",
	}, nil
}

func duplicateDrafts() []Draft {
	findings := []model.Finding{
		{Row: 0, ClaimID: "C1", Rule: model.RuleDuplicateClaim, Details: map[string]any{model.DetailOccurrences: 2}},
		{Row: 1, ClaimID: "C1", Rule: model.RuleDuplicateClaim, Details: map[string]any{model.DetailOccurrences: 2}},
	}
	return Compose(sampleRecords(), findings, nil)
}

func TestEnrich_Success(t *testing.T) {
	provider := &MockProvider{name: "mock", reply: echoFacts}
	e := NewEnricher(provider, nil, nil, EnrichOptions{Workers: 2, Timeout: time.Second}, nil)

	drafts := duplicateDrafts()
	out, stats := e.Enrich(context.Background(), drafts)

	if len(out) != 2 {
		t.Fatalf("Expected 2 explanations, got %d", len(out))
	}
	for i, exp := range out {
		if exp.GenerationMethod != model.MethodModelGenerated {
			t.Errorf("Explanation %d: expected model_generated, got %s", i, exp.GenerationMethod)
		}
		if exp.Provider != "mock" || exp.Model != "mock-1" {
			t.Errorf("Explanation %d: unexpected provider/model %s/%s", i, exp.Provider, exp.Model)
		}
		if exp.Row != drafts[i].Explanation.Row {
			t.Errorf("Explanation %d: expected input order to be kept", i)
		}
	}
	if stats.ModelGenerated != 2 || stats.Deterministic != 0 || stats.EnrichmentFailures != 0 {
		t.Errorf("Unexpected stats: %+v", stats)
	}
}

func TestEnrich_NilProvider(t *testing.T) {
	var e *Enricher
	drafts := duplicateDrafts()
	out, stats := e.Enrich(context.Background(), drafts)
	if stats.Deterministic != 2 {
		t.Errorf("Expected deterministic explanations, got %+v", stats)
	}
	if out[0].Text != drafts[0].Explanation.Text {
		t.Error("Expected deterministic text to be kept")
	}
}

func TestEnrich_FailureFallsBack(t *testing.T) {
	tests := []struct {
		name     string
		provider *MockProvider
		timeout  time.Duration
	}{
		{
			name: "provider error",
			provider: &MockProvider{name: "mock", reply: func(llm.ExplainRequest) (*llm.ExplainResponse, error) {
				return nil, errors.New("401 unauthorized")
			}},
		},
		{
			name: "empty reply",
			provider: &MockProvider{name: "mock", reply: func(llm.ExplainRequest) (*llm.ExplainResponse, error) {
				return &llm.ExplainResponse{Text: "   "}, nil
			}},
		},
		{
			name: "fact dropped",
			provider: &MockProvider{name: "mock", reply: func(llm.ExplainRequest) (*llm.ExplainResponse, error) {
				return &llm.ExplainResponse{Text: "This claim looks fine to me."}, nil
			}},
		},
		{
			name:     "timeout",
			provider: &MockProvider{name: "mock", delay: time.Second, reply: echoFacts},
			timeout:  20 * time.Millisecond,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			core, logs := observer.New(zapcore.WarnLevel)
			timeout := tt.timeout
			if timeout == 0 {
				timeout = time.Second
			}
			e := NewEnricher(tt.provider, nil, nil, EnrichOptions{Workers: 2, Timeout: timeout}, zap.New(core))

			drafts := duplicateDrafts()
			start := time.Now()
			out, stats := e.Enrich(context.Background(), drafts)
			if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
				t.Errorf("Expected enrichment to stay bounded, took %v", elapsed)
			}

			for i, exp := range out {
				if exp.GenerationMethod != model.MethodDeterministic {
					t.Errorf("Explanation %d: expected deterministic, got %s", i, exp.GenerationMethod)
				}
				if exp != drafts[i].Explanation {
					t.Errorf("Explanation %d: expected deterministic explanation unchanged", i)
				}
			}
			if stats.EnrichmentFailures != 2 || stats.Deterministic != 2 {
				t.Errorf("Unexpected stats: %+v", stats)
			}

			warnings := logs.FilterMessageSnippet("enrichment failed").All()
			if len(warnings) != 2 {
				t.Fatalf("Expected 2 warnings, got %d", len(warnings))
			}
			if warnings[0].ContextMap()["claim_id"] != "C1" {
				t.Errorf("Expected claim_id in warning context, got %v", warnings[0].ContextMap())
			}
		})
	}
}

func TestEnrich_MaxEnriched(t *testing.T) {
	provider := &MockProvider{name: "mock", reply: echoFacts}
	findings := []model.Finding{
		{Row: 0, ClaimID: "C1", Rule: model.RuleInvalidCPT, Details: map[string]any{model.DetailRaw: "1", model.DetailReason: model.ReasonShape}},
		{Row: 2, ClaimID: "C3", Rule: model.RuleInvalidCPT, Details: map[string]any{model.DetailRaw: "2", model.DetailReason: model.ReasonShape}},
		{Row: 2, ClaimID: "C3", Rule: model.RuleInvalidICD, Details: map[string]any{model.DetailRaw: "3", model.DetailReason: model.ReasonShape}},
	}
	drafts := Compose(sampleRecords(), findings, nil)

	e := NewEnricher(provider, nil, nil, EnrichOptions{MaxEnriched: 2, Workers: 1, Timeout: time.Second}, nil)
	out, stats := e.Enrich(context.Background(), drafts)

	// Row 2 carries two findings and wins both slots
	if out[0].GenerationMethod != model.MethodDeterministic {
		t.Error("Expected lower priority row to stay deterministic")
	}
	if out[1].GenerationMethod != model.MethodModelGenerated || out[2].GenerationMethod != model.MethodModelGenerated {
		t.Error("Expected highest priority row to be enriched")
	}
	if stats.ModelGenerated != 2 || stats.Deterministic != 1 || stats.EnrichmentFailures != 0 {
		t.Errorf("Unexpected stats: %+v", stats)
	}
	if atomic.LoadInt32(&provider.calls) != 2 {
		t.Errorf("Expected 2 provider calls, got %d", provider.calls)
	}
}

func TestEnrich_UsesCache(t *testing.T) {
	provider := &MockProvider{name: "mock", reply: echoFacts}
	c := cache.New("", time.Hour)
	e := NewEnricher(provider, c, nil, EnrichOptions{Model: "mock-1", Workers: 1, Timeout: time.Second}, nil)

	drafts := duplicateDrafts()
	first, _ := e.Enrich(context.Background(), drafts)
	second, stats := e.Enrich(context.Background(), drafts)

	if atomic.LoadInt32(&provider.calls) != 2 {
		t.Errorf("Expected cached second pass, got %d calls", provider.calls)
	}
	if stats.ModelGenerated != 2 {
		t.Errorf("Expected cached texts to count as model generated, got %+v", stats)
	}
	for i := range first {
		if first[i].Text != second[i].Text {
			t.Errorf("Explanation %d: cached text differs", i)
		}
	}
}

func TestEnrich_PromptCarriesFacts(t *testing.T) {
	provider := &MockProvider{name: "mock", reply: echoFacts}
	e := NewEnricher(provider, nil, nil, EnrichOptions{MaxEnriched: 1, Workers: 1, Timeout: time.Second}, nil)

	_, _ = e.Enrich(context.Background(), duplicateDrafts())

	provider.mu.Lock()
	defer provider.mu.Unlock()
	if len(provider.prompts) != 1 {
		t.Fatalf("Expected 1 prompt, got %d", len(provider.prompts))
	}
	for _, want := range []string{"Claim ID: C1", "Basis being explained: duplicate_claim", "- duplicate"} {
		if !strings.Contains(provider.prompts[0], want) {
			t.Errorf("Expected prompt to contain %q", want)
		}
	}
}

func TestEnrich_CancelledContext(t *testing.T) {
	provider := &MockProvider{name: "mock", delay: time.Second, reply: echoFacts}
	e := NewEnricher(provider, nil, nil, EnrichOptions{Workers: 2, Timeout: 5 * time.Second}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out, stats := e.Enrich(ctx, duplicateDrafts())
	for _, exp := range out {
		if exp.GenerationMethod != model.MethodDeterministic {
			t.Error("Expected deterministic explanations after cancellation")
		}
	}
	if stats.EnrichmentFailures != 2 {
		t.Errorf("Expected 2 failures, got %+v", stats)
	}
}
