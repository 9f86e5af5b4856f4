package export

import (
	"math"
	"sort"
	"strings"

	"github.com/ppiankov/abacus/internal/model"
)

// FlaggedRecord is one row of the anomaly view: a record with at least one
// finding, joined with its flags and explanations
type FlaggedRecord struct {
	Record       model.ClaimRecord   `json:"record"`
	FlagsList    []string            `json:"flags_list"`
	NumFlags     int                 `json:"num_flags"`
	Findings     []model.Finding     `json:"findings"`
	Flags        []model.AnomalyFlag `json:"anomaly_flags,omitempty"`
	Explanations []model.Explanation `json:"explanations"`
}

// maxAbsZ returns the outlier flag with the largest |z|, if any
func (f FlaggedRecord) maxAbsZ() (model.AnomalyFlag, bool) {
	var best model.AnomalyFlag
	found := false
	for _, fl := range f.Flags {
		if !fl.IsOutlier {
			continue
		}
		if !found || math.Abs(fl.ZScore) > math.Abs(best.ZScore) {
			best = fl
			found = true
		}
	}
	return best, found
}

// explanationText joins the explanations of a record
func (f FlaggedRecord) explanationText() string {
	parts := make([]string, 0, len(f.Explanations))
	for _, e := range f.Explanations {
		parts = append(parts, e.Text)
	}
	return strings.Join(parts, " | ")
}

// generationMethod is model_generated when any explanation was generated
func (f FlaggedRecord) generationMethod() string {
	if len(f.Explanations) == 0 {
		return ""
	}
	for _, e := range f.Explanations {
		if e.GenerationMethod == model.MethodModelGenerated {
			return string(model.MethodModelGenerated)
		}
	}
	return string(model.MethodDeterministic)
}

// FlaggedRecords builds the anomaly view ordered by num_flags descending,
// then row
func FlaggedRecords(res *model.RunResult) []FlaggedRecord {
	byRow := make(map[int]*FlaggedRecord)
	get := func(row int) *FlaggedRecord {
		if fr, ok := byRow[row]; ok {
			return fr
		}
		fr := &FlaggedRecord{}
		if row >= 0 && row < len(res.Records) {
			fr.Record = res.Records[row]
		} else {
			fr.Record = model.ClaimRecord{Row: row}
		}
		byRow[row] = fr
		return fr
	}

	for _, f := range res.Findings {
		fr := get(f.Row)
		fr.Findings = append(fr.Findings, f)
	}
	for _, fl := range res.Flags {
		if fr, ok := byRow[fl.Row]; ok {
			fr.Flags = append(fr.Flags, fl)
		}
	}
	for _, e := range res.Explanations {
		if fr, ok := byRow[e.Row]; ok {
			fr.Explanations = append(fr.Explanations, e)
		}
	}

	out := make([]FlaggedRecord, 0, len(byRow))
	for _, fr := range byRow {
		seen := make(map[model.RuleName]bool)
		for _, f := range fr.Findings {
			if !seen[f.Rule] {
				seen[f.Rule] = true
				fr.FlagsList = append(fr.FlagsList, string(f.Rule))
			}
		}
		fr.NumFlags = len(fr.FlagsList)
		out = append(out, *fr)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].NumFlags != out[j].NumFlags {
			return out[i].NumFlags > out[j].NumFlags
		}
		return out[i].Record.Row < out[j].Record.Row
	})
	return out
}
