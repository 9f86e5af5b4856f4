package explain

import (
	"sort"
	"strconv"

	"github.com/ppiankov/abacus/internal/model"
)

// Draft is a deterministic explanation plus what enrichment needs to replace it
type Draft struct {
	Explanation model.Explanation
	Record      model.ClaimRecord
	Flags       []string // Rule names raised for the record, in rule order
	Facts       []string // Values a replacement text has to repeat
	Priority    int      // Findings on the record; higher is enriched first
}

// Compose builds one deterministic explanation per rule finding and per
// outlier flag. Non-outlier flags produce nothing. An outlier_amount finding
// that mirrors an outlier flag is explained once, from the flag.
// Output is ordered by row, then rule order, then the order of flags.
func Compose(records []model.ClaimRecord, findings []model.Finding, flags []model.AnomalyFlag) []Draft {
	byRow := make(map[int][]model.Finding)
	for _, f := range findings {
		byRow[f.Row] = append(byRow[f.Row], f)
	}

	mirrored := make(map[string]bool)
	outliers := make(map[int][]model.AnomalyFlag)
	for _, fl := range flags {
		if !fl.IsOutlier {
			continue
		}
		outliers[fl.Row] = append(outliers[fl.Row], fl)
		mirrored[mirrorKey(fl.Row, string(fl.Grouping), fl.GroupKey)] = true
	}

	rows := make([]int, 0, len(byRow)+len(outliers))
	seen := make(map[int]bool)
	for row := range byRow {
		rows = append(rows, row)
		seen[row] = true
	}
	for row := range outliers {
		if !seen[row] {
			rows = append(rows, row)
		}
	}
	sort.Ints(rows)

	var drafts []Draft
	for _, row := range rows {
		rowFindings := byRow[row]
		sort.SliceStable(rowFindings, func(i, j int) bool {
			return rowFindings[i].Rule.Order() < rowFindings[j].Rule.Order()
		})

		rec := recordAt(records, row)
		ruleFlags := flagNames(rowFindings)
		priority := len(rowFindings)
		if priority == 0 {
			priority = len(outliers[row])
		}

		for _, f := range rowFindings {
			if f.Rule == model.RuleOutlierAmount &&
				mirrored[mirrorKey(row, detailString(f.Details, model.DetailGrouping), detailString(f.Details, model.DetailGroupKey))] {
				continue
			}
			text, facts := RuleText(f)
			drafts = append(drafts, Draft{
				Explanation: model.Explanation{
					Row:              row,
					ClaimID:          f.ClaimID,
					Source:           model.SourceRule,
					SourceKey:        string(f.Rule),
					Text:             text,
					GenerationMethod: model.MethodDeterministic,
				},
				Record:   rec,
				Flags:    ruleFlags,
				Facts:    facts,
				Priority: priority,
			})
		}

		for _, fl := range outliers[row] {
			text, facts := AnomalyText(fl)
			drafts = append(drafts, Draft{
				Explanation: model.Explanation{
					Row:              row,
					ClaimID:          fl.ClaimID,
					Source:           model.SourceAnomaly,
					SourceKey:        SourceKey(fl),
					Text:             text,
					GenerationMethod: model.MethodDeterministic,
				},
				Record:   rec,
				Flags:    ruleFlags,
				Facts:    facts,
				Priority: priority,
			})
		}
	}

	return drafts
}

// Explanations unwraps the explanations of drafts
func Explanations(drafts []Draft) []model.Explanation {
	out := make([]model.Explanation, len(drafts))
	for i, d := range drafts {
		out[i] = d.Explanation
	}
	return out
}

// Stats counts explanations by generation method
func Stats(explanations []model.Explanation) model.ExplanationStats {
	var s model.ExplanationStats
	for _, e := range explanations {
		if e.GenerationMethod == model.MethodModelGenerated {
			s.ModelGenerated++
		} else {
			s.Deterministic++
		}
	}
	return s
}

func mirrorKey(row int, grouping, key string) string {
	return strconv.Itoa(row) + "\x00" + grouping + "\x00" + key
}

func recordAt(records []model.ClaimRecord, row int) model.ClaimRecord {
	if row >= 0 && row < len(records) && records[row].Row == row {
		return records[row]
	}
	for _, r := range records {
		if r.Row == row {
			return r
		}
	}
	return model.ClaimRecord{Row: row}
}

func flagNames(findings []model.Finding) []string {
	var names []string
	seen := make(map[model.RuleName]bool)
	for _, f := range findings {
		if seen[f.Rule] {
			continue
		}
		seen[f.Rule] = true
		names = append(names, string(f.Rule))
	}
	return names
}
