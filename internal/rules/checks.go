package rules

import (
	"regexp"
	"strings"
	"time"

	"github.com/ppiankov/abacus/internal/model"
)

// checkFunc reports whether a record violates a rule and, if so, the details
type checkFunc func(rec model.ClaimRecord, bc *batchContext) (map[string]any, bool)

type rule struct {
	severity model.Severity
	check    checkFunc
}

// table is the fixed dispatch table of record rules. outlier_amount is
// produced by the anomaly detector and is intentionally absent here.
var table = map[model.RuleName]rule{
	model.RuleMissingMandatory: {model.SeverityError, checkMissingMandatory},
	model.RuleDuplicateClaim:   {model.SeverityError, checkDuplicateClaim},
	model.RuleInvalidDate:      {model.SeverityError, checkInvalidDate},
	model.RuleInvalidAmount:    {model.SeverityError, checkInvalidAmount},
	model.RuleInvalidICD:       {model.SeverityError, checkInvalidICD},
	model.RuleInvalidCPT:       {model.SeverityError, checkInvalidCPT},
}

var (
	// One letter, two digits, optional decimal point and up to 4 alphanumerics
	icdPattern = regexp.MustCompile(`^[A-Z][0-9]{2}(\.?[0-9A-Z]{1,4})?$`)
	cptPattern = regexp.MustCompile(`^[0-9]{5}$`)
)

// dateLayouts are tried in order when parsing service dates
var dateLayouts = []string{
	"2006-01-02",
	"2006/01/02",
	"01/02/2006",
	time.RFC3339,
}

func checkMissingMandatory(rec model.ClaimRecord, _ *batchContext) (map[string]any, bool) {
	var missing []string
	for _, field := range model.MandatoryFields {
		if strings.TrimSpace(rec.Field(field)) == "" {
			missing = append(missing, field)
		}
	}
	if len(missing) == 0 {
		return nil, false
	}
	return map[string]any{model.DetailFields: missing}, true
}

func checkDuplicateClaim(rec model.ClaimRecord, bc *batchContext) (map[string]any, bool) {
	id := strings.TrimSpace(rec.ClaimID)
	if id == "" {
		return nil, false
	}
	n := bc.occurrences[id]
	if n <= 1 {
		return nil, false
	}
	return map[string]any{model.DetailOccurrences: n}, true
}

func checkInvalidDate(rec model.ClaimRecord, bc *batchContext) (map[string]any, bool) {
	raw := strings.TrimSpace(rec.ServiceDate)
	details := map[string]any{
		model.DetailRaw:           rec.ServiceDate,
		model.DetailReferenceDate: bc.reference.Format(model.ReferenceDateLayout),
	}
	if raw == "" {
		details[model.DetailReason] = model.ReasonMissing
		return details, true
	}

	t, ok := parseServiceDate(raw)
	if !ok {
		details[model.DetailReason] = model.ReasonUnparsable
		return details, true
	}
	if t.After(bc.reference) {
		details[model.DetailReason] = model.ReasonFuture
		return details, true
	}
	return nil, false
}

// parseServiceDate parses a date and truncates it to a UTC calendar day
func parseServiceDate(raw string) (time.Time, bool) {
	for _, layout := range dateLayouts {
		t, err := time.Parse(layout, raw)
		if err != nil {
			continue
		}
		y, m, d := t.Date()
		return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), true
	}
	return time.Time{}, false
}

func checkInvalidAmount(rec model.ClaimRecord, _ *batchContext) (map[string]any, bool) {
	raw := rec.RawAmount
	if !rec.Amount.Valid {
		reason := model.ReasonMissing
		if strings.TrimSpace(raw) != "" {
			reason = model.ReasonUnparsable
		}
		return map[string]any{model.DetailRaw: raw, model.DetailReason: reason}, true
	}

	if raw == "" {
		raw = rec.Amount.Decimal.String()
	}
	switch {
	case rec.Amount.Decimal.IsZero():
		return map[string]any{model.DetailRaw: raw, model.DetailReason: model.ReasonZero}, true
	case rec.Amount.Decimal.IsNegative():
		return map[string]any{model.DetailRaw: raw, model.DetailReason: model.ReasonNegative}, true
	}
	return nil, false
}

func checkInvalidICD(rec model.ClaimRecord, _ *batchContext) (map[string]any, bool) {
	return checkCode(rec.DiagnosisCode, icdPattern, true)
}

func checkInvalidCPT(rec model.ClaimRecord, _ *batchContext) (map[string]any, bool) {
	return checkCode(rec.ProcedureCode, cptPattern, false)
}

func checkCode(raw string, pattern *regexp.Regexp, upper bool) (map[string]any, bool) {
	code := strings.TrimSpace(raw)
	if upper {
		code = strings.ToUpper(code)
	}
	if code == "" {
		return map[string]any{model.DetailRaw: raw, model.DetailReason: model.ReasonMissing}, true
	}
	if !pattern.MatchString(code) {
		return map[string]any{model.DetailRaw: raw, model.DetailReason: model.ReasonShape}, true
	}
	return nil, false
}

// ValidICD reports whether code has the ICD-10 shape
func ValidICD(code string) bool {
	_, bad := checkCode(code, icdPattern, true)
	return !bad
}

// ValidCPT reports whether code has the 5-digit CPT shape
func ValidCPT(code string) bool {
	_, bad := checkCode(code, cptPattern, false)
	return !bad
}
