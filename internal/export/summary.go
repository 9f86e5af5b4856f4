package export

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/ppiankov/abacus/internal/model"
)

// anomalyDocument is the JSON anomaly view
type anomalyDocument struct {
	RunID         string              `json:"run_id"`
	Source        string              `json:"source"`
	ReferenceDate string              `json:"reference_date"`
	Records       []FlaggedRecord     `json:"records"`
	Baselines     []model.Baseline    `json:"baselines"`
	Flags         []model.AnomalyFlag `json:"flags"`
}

// summaryDocument is the JSON summary
type summaryDocument struct {
	model.Summary
	Source        string  `json:"source"`
	ReferenceDate string  `json:"reference_date"`
	StartedAt     string  `json:"started_at"`
	DurationMS    int64   `json:"duration_ms"`
	CleanRate     float64 `json:"clean_rate_pct"`
	FlaggedRate   float64 `json:"flagged_rate_pct"`
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0644); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

// WriteAnomaliesJSON writes findings and flags joined with explanations
func WriteAnomaliesJSON(path string, res *model.RunResult, flagged []FlaggedRecord) error {
	if flagged == nil {
		flagged = []FlaggedRecord{}
	}
	return writeJSON(path, anomalyDocument{
		RunID:         res.RunID,
		Source:        res.Source,
		ReferenceDate: res.ReferenceDate.Format(model.ReferenceDateLayout),
		Records:       flagged,
		Baselines:     nonNil(res.Baselines),
		Flags:         nonNil(res.Flags),
	})
}

// WriteSummaryJSON writes the KPI summary
func WriteSummaryJSON(path string, res *model.RunResult) error {
	return writeJSON(path, summaryDocument{
		Summary:       res.Summary,
		Source:        res.Source,
		ReferenceDate: res.ReferenceDate.Format(model.ReferenceDateLayout),
		StartedAt:     res.StartedAt.UTC().Format(time.RFC3339),
		DurationMS:    res.Duration.Milliseconds(),
		CleanRate:     res.Summary.CleanRate(),
		FlaggedRate:   res.Summary.FlaggedRate(),
	})
}

// WriteSummaryMarkdown writes the summary as a Markdown report
func WriteSummaryMarkdown(path string, res *model.RunResult, flagged []FlaggedRecord) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create: %w", err)
	}
	RenderMarkdown(f, res, flagged)
	return f.Close()
}

// RenderMarkdown renders the summary report
func RenderMarkdown(w io.Writer, res *model.RunResult, flagged []FlaggedRecord) {
	s := res.Summary
	fmt.Fprintf(w, "# Claims Data Quality Summary\n\n")
	fmt.Fprintf(w, "- **Run:** `%s`\n", res.RunID)
	fmt.Fprintf(w, "- **Source:** `%s`\n", res.Source)
	fmt.Fprintf(w, "- **Reference date:** %s\n\n", res.ReferenceDate.Format(model.ReferenceDateLayout))

	fmt.Fprintf(w, "| Metric | Value |\n|---|---|\n")
	fmt.Fprintf(w, "| Total claims | %d |\n", s.Total)
	fmt.Fprintf(w, "| Clean claims | %d (%.1f%%) |\n", s.Clean, s.CleanRate())
	fmt.Fprintf(w, "| Flagged claims | %d (%.1f%%) |\n\n", s.Flagged, s.FlaggedRate())

	fmt.Fprintf(w, "## Findings by rule\n\n| Rule | Count |\n|---|---|\n")
	for _, r := range model.AllRules {
		fmt.Fprintf(w, "| %s | %d |\n", r, s.PerRule[r])
	}

	fmt.Fprintf(w, "\n## Anomaly detection\n\n| Grouping | Cohorts | Evaluated | Not evaluated | Outliers | Skipped cohorts |\n|---|---|---|---|---|---|\n")
	for _, g := range sortedGroupings(s.PerGrouping) {
		st := s.PerGrouping[g]
		fmt.Fprintf(w, "| %s | %d | %d | %d | %d | %d |\n", g, st.Cohorts, st.Evaluated, st.NotEvaluated, st.Outliers, len(st.SkippedCohorts))
	}

	fmt.Fprintf(w, "\n## Explanations\n\n")
	fmt.Fprintf(w, "- Deterministic: %d\n- Model generated: %d\n- Enrichment failures: %d\n",
		s.Explanations.Deterministic, s.Explanations.ModelGenerated, s.Explanations.EnrichmentFailures)

	if samples := sampleExplanations(flagged, 3); len(samples) > 0 {
		fmt.Fprintf(w, "\n### Sample explanations\n\n")
		for _, e := range samples {
			fmt.Fprintf(w, "- **%s** (%s): %s\n", claimLabel(e), e.SourceKey, e.Text)
		}
	}
}

// RenderConsole prints the short run summary shown after each run
func RenderConsole(w io.Writer, res *model.RunResult, flagged []FlaggedRecord) {
	s := res.Summary
	fmt.Fprintf(w, "\nRun %s: %s\n", res.RunID, res.Source)
	fmt.Fprintf(w, "  Total claims:   %d\n", s.Total)
	fmt.Fprintf(w, "  Clean claims:   %d (%.1f%%)\n", s.Clean, s.CleanRate())
	fmt.Fprintf(w, "  Flagged claims: %d (%.1f%%)\n", s.Flagged, s.FlaggedRate())

	if reasons := topReasons(s.PerRule, 5); len(reasons) > 0 {
		fmt.Fprintf(w, "\n  Top reasons:\n")
		for _, r := range reasons {
			fmt.Fprintf(w, "    %-18s %d\n", r, s.PerRule[r])
		}
	}

	fmt.Fprintf(w, "\n  Explanations: %d deterministic, %d model generated",
		s.Explanations.Deterministic, s.Explanations.ModelGenerated)
	if s.Explanations.EnrichmentFailures > 0 {
		fmt.Fprintf(w, " (%d enrichment failures)", s.Explanations.EnrichmentFailures)
	}
	fmt.Fprintln(w)

	for i, e := range sampleExplanations(flagged, 3) {
		fmt.Fprintf(w, "    %d. %s\n", i+1, e.Text)
	}
}

// topReasons returns the rules with findings, most frequent first
func topReasons(perRule map[model.RuleName]int, n int) []model.RuleName {
	var rules []model.RuleName
	for _, r := range model.AllRules {
		if perRule[r] > 0 {
			rules = append(rules, r)
		}
	}
	sort.SliceStable(rules, func(i, j int) bool { return perRule[rules[i]] > perRule[rules[j]] })
	if len(rules) > n {
		rules = rules[:n]
	}
	return rules
}

// sampleExplanations takes the first explanation of the top flagged records
func sampleExplanations(flagged []FlaggedRecord, n int) []model.Explanation {
	var out []model.Explanation
	for _, fr := range flagged {
		if len(out) == n {
			break
		}
		if len(fr.Explanations) > 0 {
			out = append(out, fr.Explanations[0])
		}
	}
	return out
}

func sortedGroupings(m map[model.Grouping]model.GroupingStats) []model.Grouping {
	out := make([]model.Grouping, 0, len(m))
	for g := range m {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func claimLabel(e model.Explanation) string {
	if strings.TrimSpace(e.ClaimID) == "" {
		return fmt.Sprintf("row %d", e.Row)
	}
	return e.ClaimID
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
