package rules

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ppiankov/abacus/internal/model"
	"go.uber.org/zap"
)

// Engine evaluates the fixed rule set against a batch of claim records
type Engine struct {
	workers int
	logger  *zap.Logger
}

// NewEngine creates a rule engine that fans record checks out over workers goroutines
func NewEngine(workers int, logger *zap.Logger) *Engine {
	if workers <= 0 {
		workers = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{workers: workers, logger: logger}
}

// Result contains the findings of one evaluation pass
type Result struct {
	Findings []model.Finding // Sorted by row, then rule order
	Verdicts []bool          // Verdicts[row] is true iff the row has zero findings
}

// Evaluate runs every record rule against every record. The reference date is
// the "today" used by the future-date check and must be supplied by the caller.
func (e *Engine) Evaluate(ctx context.Context, records []model.ClaimRecord, reference time.Time) (*Result, error) {
	if len(records) == 0 {
		return &Result{Findings: []model.Finding{}, Verdicts: []bool{}}, nil
	}

	// Duplicate detection needs the whole batch before any record is final
	bc := newBatchContext(records, reference)

	perRow := make([][]model.Finding, len(records))
	chunk := (len(records) + e.workers - 1) / e.workers

	var wg sync.WaitGroup
	for start := 0; start < len(records); start += chunk {
		end := start + chunk
		if end > len(records) {
			end = len(records)
		}
		wg.Add(1)
		go func(lo, hi int) {
			defer wg.Done()
			for i := lo; i < hi; i++ {
				if ctx.Err() != nil {
					return
				}
				perRow[i] = evaluateRecord(records[i], i, bc)
			}
		}(start, end)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("evaluate rules: %w", err)
	}

	findings := make([]model.Finding, 0)
	for _, fs := range perRow {
		findings = append(findings, fs...)
	}

	e.logger.Debug("rule evaluation complete",
		zap.Int("records", len(records)),
		zap.Int("findings", len(findings)),
		zap.Int("duplicate_ids", bc.duplicateIDs()),
	)

	return &Result{
		Findings: findings,
		Verdicts: Verdicts(len(records), findings),
	}, nil
}

// evaluateRecord applies every rule of the dispatch table to one record.
// No rule short-circuits another.
func evaluateRecord(rec model.ClaimRecord, row int, bc *batchContext) []model.Finding {
	var out []model.Finding
	for _, name := range model.AllRules {
		r, ok := table[name]
		if !ok {
			continue
		}
		details, failed := r.check(rec, bc)
		if !failed {
			continue
		}
		out = append(out, model.Finding{
			Row:      row,
			ClaimID:  rec.ClaimID,
			Rule:     name,
			Severity: r.severity,
			Details:  details,
		})
	}
	return out
}

// Verdicts derives the per-row cleanliness flag from any number of finding sets
func Verdicts(rows int, findingSets ...[]model.Finding) []bool {
	verdicts := make([]bool, rows)
	for i := range verdicts {
		verdicts[i] = true
	}
	for _, set := range findingSets {
		for _, f := range set {
			if f.Row >= 0 && f.Row < rows {
				verdicts[f.Row] = false
			}
		}
	}
	return verdicts
}

// Merge combines finding sets into one slice ordered by row, then rule order
func Merge(findingSets ...[]model.Finding) []model.Finding {
	out := make([]model.Finding, 0)
	for _, set := range findingSets {
		out = append(out, set...)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Row != out[j].Row {
			return out[i].Row < out[j].Row
		}
		return out[i].Rule.Order() < out[j].Rule.Order()
	})
	return out
}

// CountByRule counts findings per rule; every rule is present in the map
func CountByRule(findings []model.Finding) map[model.RuleName]int {
	counts := make(map[model.RuleName]int, len(model.AllRules))
	for _, name := range model.AllRules {
		counts[name] = 0
	}
	for _, f := range findings {
		counts[f.Rule]++
	}
	return counts
}

// batchContext holds batch-wide facts computed before per-record evaluation
type batchContext struct {
	occurrences map[string]int
	reference   time.Time
}

func newBatchContext(records []model.ClaimRecord, reference time.Time) *batchContext {
	occ := make(map[string]int, len(records))
	for _, r := range records {
		id := strings.TrimSpace(r.ClaimID)
		if id == "" {
			continue
		}
		occ[id]++
	}
	y, m, d := reference.UTC().Date()
	return &batchContext{
		occurrences: occ,
		reference:   time.Date(y, m, d, 0, 0, 0, 0, time.UTC),
	}
}

func (bc *batchContext) duplicateIDs() int {
	n := 0
	for _, c := range bc.occurrences {
		if c > 1 {
			n++
		}
	}
	return n
}
