package model

// RuleName identifies one rule of the fixed data quality rule set
type RuleName string

const (
	RuleMissingMandatory RuleName = "missing_mandatory" // Mandatory field absent or empty
	RuleDuplicateClaim   RuleName = "duplicate_claim"   // claim_id appears more than once
	RuleInvalidDate      RuleName = "invalid_date"      // Unparsable or future service date
	RuleInvalidAmount    RuleName = "invalid_amount"    // Missing, zero or negative amount
	RuleInvalidICD       RuleName = "invalid_icd"       // Diagnosis code not ICD-10 shaped
	RuleInvalidCPT       RuleName = "invalid_cpt"       // Procedure code not CPT shaped
	RuleOutlierAmount    RuleName = "outlier_amount"    // Surfaced from the anomaly detector
)

// AllRules lists every rule in reporting order
var AllRules = []RuleName{
	RuleMissingMandatory,
	RuleDuplicateClaim,
	RuleInvalidDate,
	RuleInvalidAmount,
	RuleInvalidICD,
	RuleInvalidCPT,
	RuleOutlierAmount,
}

// Order returns the position of the rule in AllRules, or len(AllRules) if unknown
func (r RuleName) Order() int {
	for i, n := range AllRules {
		if n == r {
			return i
		}
	}
	return len(AllRules)
}

// Severity of a finding. Any finding makes a record unclean.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Finding is the result of one rule failing against one record
type Finding struct {
	Row      int            `json:"row"`
	ClaimID  string         `json:"claim_id"`
	Rule     RuleName       `json:"rule_name"`
	Severity Severity       `json:"severity"`
	Details  map[string]any `json:"details,omitempty"`
}

// Detail keys shared by rule details and explanation templates
const (
	DetailFields        = "fields"
	DetailRaw           = "raw"
	DetailReason        = "reason"
	DetailOccurrences   = "occurrences"
	DetailReferenceDate = "reference_date"
	DetailGrouping      = "grouping"
	DetailGroupKey      = "group_key"
	DetailZScore        = "z_score"
	DetailMean          = "mean"
	DetailStdDev        = "stddev"
	DetailObserved      = "observed"
	DetailThreshold     = "threshold"
	DetailSampleCount   = "sample_count"
)

// Reasons recorded under DetailReason
const (
	ReasonMissing    = "missing"
	ReasonUnparsable = "unparsable"
	ReasonFuture     = "future"
	ReasonZero       = "zero"
	ReasonNegative   = "negative"
	ReasonShape      = "shape"
)
