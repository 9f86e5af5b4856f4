package model

import "time"

// RunResult is everything one pipeline run hands to downstream consumers
type RunResult struct {
	RunID         string        `json:"run_id"`
	Source        string        `json:"source"`
	ReferenceDate time.Time     `json:"reference_date"`
	StartedAt     time.Time     `json:"started_at"`
	Duration      time.Duration `json:"duration_ns"`

	Records  []ClaimRecord `json:"-"` // Full batch, in row order
	Verdicts []bool        `json:"-"` // Verdicts[row] is true iff the record has zero findings
	Clean    []ClaimRecord `json:"-"` // Records with zero findings

	Findings     []Finding     `json:"findings"`
	Baselines    []Baseline    `json:"baselines"`
	Flags        []AnomalyFlag `json:"flags"`
	Explanations []Explanation `json:"explanations"`

	Summary Summary `json:"summary"`
}

// FindingsFor returns the findings of one row
func (r *RunResult) FindingsFor(row int) []Finding {
	var out []Finding
	for _, f := range r.Findings {
		if f.Row == row {
			out = append(out, f)
		}
	}
	return out
}

// Summary holds the KPI counts shown on dashboards
type Summary struct {
	RunID        string                     `json:"run_id"`
	Total        int                        `json:"total"`
	Clean        int                        `json:"clean"`
	Flagged      int                        `json:"flagged"`
	PerRule      map[RuleName]int           `json:"per_rule"`
	PerGrouping  map[Grouping]GroupingStats `json:"per_grouping"`
	Explanations ExplanationStats           `json:"explanations"`
}

// GroupingStats summarizes one grouping of the anomaly detector
type GroupingStats struct {
	Evaluated      int            `json:"evaluated"`       // Records that received a flag
	NotEvaluated   int            `json:"not_evaluated"`   // Ineligible records or members of small cohorts
	Outliers       int            `json:"outliers"`
	Cohorts        int            `json:"cohorts"`         // Cohorts with a baseline
	SkippedCohorts []string       `json:"skipped_cohorts"` // Cohorts below the minimum size
	OutliersByKey  map[string]int `json:"outliers_by_key,omitempty"`
}

// ExplanationStats counts explanations by how they were produced
type ExplanationStats struct {
	Deterministic      int `json:"deterministic"`
	ModelGenerated     int `json:"model_generated"`
	EnrichmentFailures int `json:"enrichment_failures"`
}

// CleanRate returns the clean share of the batch in percent
func (s Summary) CleanRate() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Clean) / float64(s.Total) * 100
}

// FlaggedRate returns the flagged share of the batch in percent
func (s Summary) FlaggedRate() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Flagged) / float64(s.Total) * 100
}
