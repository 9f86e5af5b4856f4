package explain

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/ppiankov/abacus/internal/model"
)

// Remediation suggestions keyed by rule name or anomaly context
var remediations = map[string]string{
	string(model.RuleMissingMandatory): "Verify source data and ensure all required fields are populated before submission.",
	string(model.RuleDuplicateClaim):   "Check for duplicate submissions and verify if this is a valid resubmission or error.",
	string(model.RuleInvalidDate):      "Verify the service date with the provider and correct the date format.",
	string(model.RuleInvalidAmount):    "Review billing records and correct the claim amount to reflect actual charges.",
	string(model.RuleInvalidICD):       "Validate the diagnosis code against ICD-10 reference and correct the format.",
	string(model.RuleInvalidCPT):       "Verify the procedure code against CPT reference and ensure 5-digit format.",
	string(model.RuleOutlierAmount):    "Review for potential billing errors, upcoding, or legitimate high-cost services.",
	"zscore_global":                    "Investigate if the amount reflects actual services or requires adjustment.",
	"zscore_by_provider":               "Compare with provider's historical billing patterns for this service type.",
	"zscore_by_cpt":                    "Verify the amount aligns with typical reimbursement for this procedure.",
}

const manualReview = "Please review this claim manually and verify all details."

// Remediation returns the suggested action for a rule or anomaly context
func Remediation(key string) string {
	if r, ok := remediations[key]; ok {
		return r
	}
	return manualReview
}

// anomalyContext maps a grouping to its remediation key
func anomalyContext(g model.Grouping) string {
	switch g {
	case model.GroupAll:
		return "zscore_global"
	case model.GroupProvider:
		return "zscore_by_provider"
	case model.GroupProcedure:
		return "zscore_by_cpt"
	default:
		return string(model.RuleOutlierAmount)
	}
}

// groupingLabel is the human name of a cohort
func groupingLabel(g model.Grouping, key string) string {
	switch g {
	case model.GroupAll:
		return "all claims"
	case model.GroupProvider:
		return "provider " + key
	case model.GroupProcedure:
		return "procedure code " + key
	case model.GroupDiagnosis:
		return "diagnosis code " + key
	case model.GroupMember:
		return "member " + key
	default:
		return string(g) + " " + key
	}
}

// claimRef names a claim in text. Claims without an id are named by row.
func claimRef(claimID string, row int) string {
	if strings.TrimSpace(claimID) == "" {
		return fmt.Sprintf("(no claim id, row %d)", row)
	}
	return claimID
}

// claimFact is the token an explanation must repeat to identify the claim
func claimFact(claimID string, row int) string {
	if strings.TrimSpace(claimID) == "" {
		return fmt.Sprintf("row %d", row)
	}
	return strings.TrimSpace(claimID)
}

// RuleText renders the deterministic explanation of a finding and the facts
// any alternative text has to keep.
func RuleText(f model.Finding) (string, []string) {
	ref := claimRef(f.ClaimID, f.Row)
	facts := []string{claimFact(f.ClaimID, f.Row)}
	raw := detailString(f.Details, model.DetailRaw)
	reason := detailString(f.Details, model.DetailReason)

	var body string
	switch f.Rule {
	case model.RuleMissingMandatory:
		fields := detailStrings(f.Details, model.DetailFields)
		body = fmt.Sprintf("Claim %s is missing mandatory field(s): %s.", ref, strings.Join(fields, ", "))
		facts = append(facts, "missing")
		facts = append(facts, fields...)

	case model.RuleDuplicateClaim:
		n := detailString(f.Details, model.DetailOccurrences)
		body = fmt.Sprintf("Claim %s is a duplicate claim: this claim ID appears %s times in the batch.", ref, n)
		facts = append(facts, "duplicate", n)

	case model.RuleInvalidDate:
		switch reason {
		case model.ReasonFuture:
			refDate := detailString(f.Details, model.DetailReferenceDate)
			body = fmt.Sprintf("Claim %s has an invalid service date: %s is later than the reference date %s.", ref, raw, refDate)
		case model.ReasonMissing:
			body = fmt.Sprintf("Claim %s has an invalid service date: the date is missing.", ref)
		default:
			body = fmt.Sprintf("Claim %s has an invalid service date: %q cannot be parsed as a date.", ref, raw)
		}
		facts = append(facts, "date")

	case model.RuleInvalidAmount:
		switch reason {
		case model.ReasonMissing:
			body = fmt.Sprintf("Claim %s has an invalid amount: the claim amount is missing.", ref)
		case model.ReasonZero:
			body = fmt.Sprintf("Claim %s has an invalid amount: the claim amount %s is zero.", ref, raw)
		case model.ReasonNegative:
			body = fmt.Sprintf("Claim %s has an invalid amount: the claim amount %s is negative.", ref, raw)
		default:
			body = fmt.Sprintf("Claim %s has an invalid amount: %q is not a number.", ref, raw)
		}
		facts = append(facts, "amount")

	case model.RuleInvalidICD:
		if reason == model.ReasonMissing {
			body = fmt.Sprintf("Claim %s has an invalid ICD-10 diagnosis code: the code is missing.", ref)
		} else {
			body = fmt.Sprintf("Claim %s has an invalid ICD-10 diagnosis code %q: expected a letter, two digits and an optional extension of up to 4 characters.", ref, raw)
		}
		facts = append(facts, "icd")

	case model.RuleInvalidCPT:
		if reason == model.ReasonMissing {
			body = fmt.Sprintf("Claim %s has an invalid CPT procedure code: the code is missing.", ref)
		} else {
			body = fmt.Sprintf("Claim %s has an invalid CPT procedure code %q: expected exactly 5 digits.", ref, raw)
		}
		facts = append(facts, "cpt")

	case model.RuleOutlierAmount:
		z := detailString(f.Details, model.DetailZScore)
		key := detailString(f.Details, model.DetailGroupKey)
		body = fmt.Sprintf("Claim %s has an outlier amount for %s (z-score %s).", ref,
			groupingLabel(model.Grouping(detailString(f.Details, model.DetailGrouping)), key), z)
		facts = append(facts, "outlier", z)

	default:
		body = fmt.Sprintf("Claim %s was flagged for: %s.", ref, f.Rule)
		facts = append(facts, string(f.Rule))
	}

	if raw != "" && f.Rule != model.RuleMissingMandatory {
		facts = append(facts, raw)
	}
	return body + " Recommended action: " + Remediation(string(f.Rule)), facts
}

// AnomalyText renders the deterministic explanation of an outlier flag
func AnomalyText(f model.AnomalyFlag) (string, []string) {
	ref := claimRef(f.ClaimID, f.Row)
	observed := money(f.ObservedValue)
	z := f.ZScoreText
	if z == "" {
		z = model.FormatZScore(f.ZScore)
	}

	var body string
	if math.IsInf(f.ZScore, 0) {
		body = fmt.Sprintf("Claim %s amount %s is a statistical outlier for %s: the cohort has zero variance around a mean of %s, so any deviation is an outlier (z-score %s).",
			ref, observed, groupingLabel(f.Grouping, f.GroupKey), money(f.BaselineMean), z)
	} else {
		body = fmt.Sprintf("Claim %s amount %s is a statistical outlier for %s: z-score %s against a cohort mean of %s (standard deviation %s).",
			ref, observed, groupingLabel(f.Grouping, f.GroupKey), z, money(f.BaselineMean), money(f.BaselineStdDev))
	}

	facts := []string{claimFact(f.ClaimID, f.Row), "outlier", observed, z}
	return body + " Recommended action: " + Remediation(anomalyContext(f.Grouping)), facts
}

// SourceKey identifies the cohort of an anomaly explanation
func SourceKey(f model.AnomalyFlag) string {
	return string(f.Grouping) + "=" + f.GroupKey
}

func money(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}

func detailString(d map[string]any, key string) string {
	v, ok := d[key]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case int:
		return strconv.Itoa(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case []string:
		return strings.Join(t, ", ")
	default:
		return fmt.Sprint(t)
	}
}

func detailStrings(d map[string]any, key string) []string {
	switch t := d[key].(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, v := range t {
			out = append(out, fmt.Sprint(v))
		}
		return out
	case string:
		if t == "" {
			return nil
		}
		return strings.Split(t, ",")
	default:
		return nil
	}
}
