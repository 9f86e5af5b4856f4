package explain

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ppiankov/abacus/internal/cache"
	"github.com/ppiankov/abacus/internal/llm"
	"github.com/ppiankov/abacus/internal/model"
	"github.com/ppiankov/abacus/internal/worker"
)

// ErrFactCheck is returned when generated text drops a required fact
var ErrFactCheck = errors.New("generated text failed fact check")

// EnrichOptions bound the enrichment pass
type EnrichOptions struct {
	Model       string
	MaxTokens   int
	MaxEnriched int // 0 enriches every draft
	Timeout     time.Duration
	Workers     int
}

// Enricher replaces deterministic texts with model generated ones when the
// provider answers in time and keeps every fact
type Enricher struct {
	provider llm.Provider
	cache    cache.Cache
	limiter  *worker.Limiter
	opts     EnrichOptions
	logger   *zap.Logger
}

// NewEnricher creates an enricher. Cache and limiter may be nil.
func NewEnricher(provider llm.Provider, c cache.Cache, limiter *worker.Limiter, opts EnrichOptions, logger *zap.Logger) *Enricher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if limiter == nil {
		limiter = worker.NewLimiter(0, 1)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	return &Enricher{
		provider: provider,
		cache:    c,
		limiter:  limiter,
		opts:     opts,
		logger:   logger,
	}
}

// Enrich returns the explanations of drafts in input order. Failed, late or
// unfaithful generations keep the deterministic text and are counted as
// enrichment failures. Enrich never returns an error.
func (e *Enricher) Enrich(ctx context.Context, drafts []Draft) ([]model.Explanation, model.ExplanationStats) {
	out := Explanations(drafts)
	if e == nil || e.provider == nil || len(drafts) == 0 {
		return out, Stats(out)
	}

	selected := e.selectDrafts(drafts)
	jobs := make([]worker.Job, 0, len(selected))
	for _, idx := range selected {
		jobs = append(jobs, &enrichJob{enricher: e, index: idx, draft: drafts[idx]})
	}

	pool := worker.NewPool(ctx, e.opts.Workers)
	results := pool.Run(jobs)

	done := make(map[int]bool, len(results))
	failures := 0
	for _, r := range results {
		res := r.(*enrichResult)
		done[res.index] = true
		if res.err != nil {
			failures++
			e.logger.Warn("explanation enrichment failed, keeping deterministic text",
				zap.String("claim_id", drafts[res.index].Explanation.ClaimID),
				zap.Int("row", drafts[res.index].Explanation.Row),
				zap.String("source_key", drafts[res.index].Explanation.SourceKey),
				zap.String("provider", e.provider.Name()),
				zap.Error(res.err))
			continue
		}
		exp := &out[res.index]
		exp.Text = res.text
		exp.GenerationMethod = model.MethodModelGenerated
		exp.Provider = e.provider.Name()
		exp.Model = res.model
	}

	// Jobs dropped by cancellation never reported back
	for _, idx := range selected {
		if !done[idx] {
			failures++
			e.logger.Warn("explanation enrichment cancelled, keeping deterministic text",
				zap.String("claim_id", drafts[idx].Explanation.ClaimID),
				zap.Int("row", drafts[idx].Explanation.Row),
				zap.Error(ctx.Err()))
		}
	}

	stats := Stats(out)
	stats.EnrichmentFailures = failures
	return out, stats
}

// selectDrafts picks the drafts to enrich: highest priority first, then row
func (e *Enricher) selectDrafts(drafts []Draft) []int {
	idx := make([]int, len(drafts))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		da, db := drafts[idx[a]], drafts[idx[b]]
		if da.Priority != db.Priority {
			return da.Priority > db.Priority
		}
		return da.Explanation.Row < db.Explanation.Row
	})
	if e.opts.MaxEnriched > 0 && len(idx) > e.opts.MaxEnriched {
		idx = idx[:e.opts.MaxEnriched]
	}
	sort.Ints(idx)
	return idx
}

type enrichJob struct {
	enricher *Enricher
	index    int
	draft    Draft
}

type enrichResult struct {
	index int
	text  string
	model string
	err   error
}

func (r *enrichResult) GetError() error {
	return r.err
}

// Execute runs one bounded enrichment call
func (j *enrichJob) Execute(ctx context.Context) worker.Result {
	e := j.enricher
	res := &enrichResult{index: j.index}

	prompt := llm.BuildPrompt(llm.PromptInput{
		Record:      j.draft.Record,
		Flags:       j.draft.Flags,
		Basis:       j.draft.Explanation.SourceKey,
		Baseline:    j.draft.Explanation.Text,
		MustMention: j.draft.Facts,
	})
	key := cache.Key(e.provider.Name(), e.opts.Model, prompt)

	if entry, found := cache.GetEntry(e.cache, key); found {
		if err := FactCheck(entry.Text, j.draft.Facts); err == nil {
			res.text = entry.Text
			res.model = entry.Model
			return res
		}
	}

	if err := e.limiter.Wait(ctx, e.provider.Name()); err != nil {
		res.err = fmt.Errorf("rate limit wait: %w", err)
		return res
	}

	callCtx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
	defer cancel()

	resp, err := e.provider.Explain(callCtx, llm.ExplainRequest{
		Prompt:    prompt,
		Model:     e.opts.Model,
		MaxTokens: e.opts.MaxTokens,
	})
	if err != nil {
		res.err = err
		return res
	}
	if resp == nil || strings.TrimSpace(resp.Text) == "" {
		res.err = llm.ErrEmptyResponse
		return res
	}

	text := strings.TrimSpace(resp.Text)
	if err := FactCheck(text, j.draft.Facts); err != nil {
		res.err = err
		return res
	}

	if err := cache.SetEntry(e.cache, key, cache.Entry{Text: text, Provider: e.provider.Name(), Model: resp.Model}); err != nil {
		e.logger.Debug("failed to cache explanation", zap.Error(err))
	}

	res.text = text
	res.model = resp.Model
	return res
}

// FactCheck verifies that text repeats every fact. Comparison ignores case,
// underscores and thousands separators.
func FactCheck(text string, facts []string) error {
	norm := normalize(text)
	var missing []string
	for _, f := range facts {
		nf := normalize(f)
		if nf == "" {
			continue
		}
		if !strings.Contains(norm, nf) {
			missing = append(missing, f)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrFactCheck, strings.Join(missing, ", "))
	}
	return nil
}

var factReplacer = strings.NewReplacer("_", " ", ",", "")

func normalize(s string) string {
	return strings.ToLower(factReplacer.Replace(s))
}
