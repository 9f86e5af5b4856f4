package model

import (
	"math"
	"strconv"
)

// Grouping names the field that partitions records into cohorts
type Grouping string

const (
	GroupAll       Grouping = "all"            // Single constant cohort
	GroupProvider  Grouping = "provider_id"    // Per provider billing pattern
	GroupProcedure Grouping = "procedure_code" // Per CPT reimbursement
	GroupDiagnosis Grouping = "diagnosis_code" // Per ICD-10 code
	GroupMember    Grouping = "member_id"      // Per member history
)

// AllGroupKey is the cohort key used by GroupAll
const AllGroupKey = "ALL"

// ValidGroupings lists the recognized groupings
var ValidGroupings = []Grouping{GroupAll, GroupProvider, GroupProcedure, GroupDiagnosis, GroupMember}

// IsValid reports whether g is a recognized grouping
func (g Grouping) IsValid() bool {
	for _, v := range ValidGroupings {
		if v == g {
			return true
		}
	}
	return false
}

// KeyOf returns the cohort key of a record for this grouping ("" means ungroupable)
func (g Grouping) KeyOf(r ClaimRecord) string {
	if g == GroupAll {
		return AllGroupKey
	}
	return r.Field(string(g))
}

// Baseline is the amount statistic of one cohort
type Baseline struct {
	Grouping    Grouping `json:"grouping"`
	GroupKey    string   `json:"group_key"`
	Mean        float64  `json:"mean"`
	StdDev      float64  `json:"standard_deviation"`
	SampleCount int      `json:"sample_count"`
}

// AnomalyFlag is the z-score evaluation of one record within one cohort
type AnomalyFlag struct {
	Row            int      `json:"row"`
	ClaimID        string   `json:"claim_id"`
	Grouping       Grouping `json:"grouping"`
	GroupKey       string   `json:"group_key"`
	ObservedValue  float64  `json:"observed_value"`
	BaselineMean   float64  `json:"baseline_mean"`
	BaselineStdDev float64  `json:"baseline_stddev"`
	ZScore         float64  `json:"-"`       // ±Inf for any deviation against zero variance
	ZScoreText     string   `json:"z_score"` // JSON-safe rendering of ZScore
	IsOutlier      bool     `json:"is_outlier"`
}

// FormatZScore renders a z-score with two decimals, or "+Inf"/"-Inf"
func FormatZScore(z float64) string {
	switch {
	case math.IsInf(z, 1):
		return "+Inf"
	case math.IsInf(z, -1):
		return "-Inf"
	default:
		return strconv.FormatFloat(z, 'f', 2, 64)
	}
}
