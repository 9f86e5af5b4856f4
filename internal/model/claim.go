package model

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// ClaimRecord represents one healthcare claim from the Silver layer
type ClaimRecord struct {
	Row           int                 `json:"row"`                    // Position in the batch (0-based)
	ClaimID       string              `json:"claim_id"`               // Expected unique within the batch
	MemberID      string              `json:"member_id"`
	ProviderID    string              `json:"provider_id"`
	Amount        decimal.NullDecimal `json:"amount"`                 // Valid=false when absent or unparsable
	RawAmount     string              `json:"raw_amount,omitempty"`   // Source text of the amount
	ServiceDate   string              `json:"service_date"`           // Raw date text, parsed by the rule engine
	DiagnosisCode string              `json:"diagnosis_code"`         // ICD-10
	ProcedureCode string              `json:"procedure_code"`         // CPT
	ClaimStatus   string              `json:"claim_status,omitempty"` // Passthrough
}

// Field returns the value of a named string column. Unknown names return "".
func (r ClaimRecord) Field(name string) string {
	switch name {
	case ColClaimID:
		return r.ClaimID
	case ColMemberID:
		return r.MemberID
	case ColProviderID:
		return r.ProviderID
	case ColAmount:
		if r.Amount.Valid {
			return r.Amount.Decimal.String()
		}
		return r.RawAmount
	case ColServiceDate:
		return r.ServiceDate
	case ColDiagnosisCode:
		return r.DiagnosisCode
	case ColProcedureCode:
		return r.ProcedureCode
	case ColClaimStatus:
		return r.ClaimStatus
	default:
		return ""
	}
}

// Column names of the claims table
const (
	ColClaimID       = "claim_id"
	ColMemberID      = "member_id"
	ColProviderID    = "provider_id"
	ColAmount        = "amount"
	ColServiceDate   = "service_date"
	ColDiagnosisCode = "diagnosis_code"
	ColProcedureCode = "procedure_code"
	ColClaimStatus   = "claim_status"
)

// RequiredColumns must all be present in a batch for a run to start
var RequiredColumns = []string{
	ColClaimID,
	ColMemberID,
	ColProviderID,
	ColAmount,
	ColServiceDate,
	ColDiagnosisCode,
	ColProcedureCode,
}

// MandatoryFields are the fields checked by the missing_mandatory rule
var MandatoryFields = []string{
	ColClaimID,
	ColMemberID,
	ColProviderID,
	ColAmount,
	ColServiceDate,
}

// Batch is one run's worth of claim records handed over by ingestion
type Batch struct {
	Source  string        `json:"source"`
	Columns []string      `json:"columns"`
	Records []ClaimRecord `json:"records"`
}

// ErrSchema marks a structurally malformed batch
var ErrSchema = errors.New("ingestion contract violated")

// SchemaError reports a batch that cannot be evaluated at all
type SchemaError struct {
	Source  string
	Missing []string
	Reason  string
}

func (e *SchemaError) Error() string {
	var b strings.Builder
	b.WriteString(ErrSchema.Error())
	if e.Source != "" {
		fmt.Fprintf(&b, " (%s)", e.Source)
	}
	if len(e.Missing) > 0 {
		fmt.Fprintf(&b, ": missing columns %s", strings.Join(e.Missing, ", "))
	}
	if e.Reason != "" {
		fmt.Fprintf(&b, ": %s", e.Reason)
	}
	return b.String()
}

func (e *SchemaError) Unwrap() error {
	return ErrSchema
}

// Validate checks that every required column is present and that row
// positions are consistent with the record order
func (b *Batch) Validate() error {
	present := make(map[string]bool, len(b.Columns))
	for _, c := range b.Columns {
		present[strings.ToLower(strings.TrimSpace(c))] = true
	}

	var missing []string
	for _, c := range RequiredColumns {
		if !present[c] {
			missing = append(missing, c)
		}
	}
	if len(missing) > 0 {
		return &SchemaError{Source: b.Source, Missing: missing}
	}

	for i, r := range b.Records {
		if r.Row != i {
			return &SchemaError{
				Source: b.Source,
				Reason: fmt.Sprintf("record %d carries row %d", i, r.Row),
			}
		}
	}
	return nil
}

// NewBatch builds a batch with all required columns from in-memory records,
// renumbering rows in order
func NewBatch(source string, records []ClaimRecord) *Batch {
	out := make([]ClaimRecord, len(records))
	for i, r := range records {
		r.Row = i
		out[i] = r
	}
	cols := make([]string, len(RequiredColumns))
	copy(cols, RequiredColumns)
	return &Batch{Source: source, Columns: cols, Records: out}
}
