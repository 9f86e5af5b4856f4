// Package ingest loads Silver-layer claim tables into a model.Batch.
package ingest

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/ppiankov/abacus/internal/model"
)

// columnAliases maps alternative header names to canonical column names
var columnAliases = map[string]string{
	"claim_amount": model.ColAmount,
	"icd_code":     model.ColDiagnosisCode,
	"icd10_code":   model.ColDiagnosisCode,
	"cpt_code":     model.ColProcedureCode,
	"status":       model.ColClaimStatus,
}

// canonicalColumn normalizes a header to its canonical column name
func canonicalColumn(h string) string {
	h = strings.ToLower(strings.TrimSpace(h))
	h = strings.ReplaceAll(h, " ", "_")
	if c, ok := columnAliases[h]; ok {
		return c
	}
	return h
}

// Load reads a claims file, picking the format from the extension
func Load(ctx context.Context, path string) (*model.Batch, error) {
	var (
		batch *model.Batch
		err   error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		batch, err = LoadCSV(ctx, path)
	case ".parquet":
		batch, err = LoadParquet(ctx, path)
	default:
		return nil, &model.SchemaError{Source: path, Reason: "unsupported file type (expected .csv or .parquet)"}
	}
	if err != nil {
		return nil, err
	}
	if err := batch.Validate(); err != nil {
		return nil, err
	}
	return batch, nil
}

// builder accumulates records from column-indexed rows
type builder struct {
	source  string
	columns []string
	index   map[string]int
	records []model.ClaimRecord
}

func newBuilder(source string, headers []string) (*builder, error) {
	b := &builder{source: source, index: make(map[string]int, len(headers))}
	for i, h := range headers {
		c := canonicalColumn(h)
		if c == "" {
			continue
		}
		if _, dup := b.index[c]; dup {
			return nil, &model.SchemaError{Source: source, Reason: fmt.Sprintf("duplicate column %q", c)}
		}
		b.index[c] = i
		b.columns = append(b.columns, c)
	}
	return b, nil
}

// add appends one record; cell returns the text of a column index
func (b *builder) add(cell func(i int) string) {
	get := func(col string) string {
		i, ok := b.index[col]
		if !ok {
			return ""
		}
		return strings.TrimSpace(cell(i))
	}

	raw := get(model.ColAmount)
	b.records = append(b.records, model.ClaimRecord{
		Row:           len(b.records),
		ClaimID:       get(model.ColClaimID),
		MemberID:      get(model.ColMemberID),
		ProviderID:    get(model.ColProviderID),
		Amount:        ParseAmount(raw),
		RawAmount:     raw,
		ServiceDate:   get(model.ColServiceDate),
		DiagnosisCode: get(model.ColDiagnosisCode),
		ProcedureCode: get(model.ColProcedureCode),
		ClaimStatus:   get(model.ColClaimStatus),
	})
}

func (b *builder) batch() *model.Batch {
	return &model.Batch{Source: b.source, Columns: b.columns, Records: b.records}
}

// ParseAmount parses a currency amount. A leading "$" and thousands
// separators are accepted; anything else unparsable yields Valid=false.
func ParseAmount(raw string) decimal.NullDecimal {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(s, "$")
	s = strings.ReplaceAll(s, ",", "")
	if s == "" {
		return decimal.NullDecimal{}
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(d)
}
