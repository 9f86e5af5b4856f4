package export

import (
	"fmt"
	"os"
	"strings"

	"github.com/parquet-go/parquet-go"

	"github.com/ppiankov/abacus/internal/model"
)

// CleanClaimRow is the Parquet schema of claims_clean
type CleanClaimRow struct {
	ClaimID       string   `parquet:"claim_id"`
	MemberID      string   `parquet:"member_id"`
	ProviderID    string   `parquet:"provider_id"`
	Amount        *float64 `parquet:"amount,optional"`
	ServiceDate   string   `parquet:"service_date"`
	DiagnosisCode string   `parquet:"diagnosis_code"`
	ProcedureCode string   `parquet:"procedure_code"`
	ClaimStatus   *string  `parquet:"claim_status,optional"`
}

// AnomalyRow is the Parquet schema of the anomaly view
type AnomalyRow struct {
	Row              int64    `parquet:"row"`
	ClaimID          string   `parquet:"claim_id"`
	MemberID         string   `parquet:"member_id"`
	ProviderID       string   `parquet:"provider_id"`
	Amount           *float64 `parquet:"amount,optional"`
	RawAmount        string   `parquet:"raw_amount"`
	ServiceDate      string   `parquet:"service_date"`
	DiagnosisCode    string   `parquet:"diagnosis_code"`
	ProcedureCode    string   `parquet:"procedure_code"`
	FlagsList        string   `parquet:"flags_list"`
	NumFlags         int32    `parquet:"num_flags"`
	OutlierGrouping  *string  `parquet:"outlier_grouping,optional"`
	OutlierGroupKey  *string  `parquet:"outlier_group_key,optional"`
	ZScore           *float64 `parquet:"z_score,optional"`
	Explanation      string   `parquet:"explanation"`
	GenerationMethod string   `parquet:"generation_method"`
}

func amountPtr(r model.ClaimRecord) *float64 {
	if !r.Amount.Valid {
		return nil
	}
	v := r.Amount.Decimal.InexactFloat64()
	return &v
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func writeParquet[T any](path string, rows []T) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create: %w", err)
	}
	writer := parquet.NewGenericWriter[T](file,
		parquet.Compression(&parquet.Snappy),
		parquet.CreatedBy("abacus", "1.0", ""),
	)
	if len(rows) > 0 {
		if _, err := writer.Write(rows); err != nil {
			_ = file.Close()
			return fmt.Errorf("write rows: %w", err)
		}
	}
	if err := writer.Close(); err != nil {
		_ = file.Close()
		return fmt.Errorf("close writer: %w", err)
	}
	return file.Close()
}

// WriteCleanParquet writes records with zero findings
func WriteCleanParquet(path string, records []model.ClaimRecord) error {
	rows := make([]CleanClaimRow, len(records))
	for i, r := range records {
		rows[i] = CleanClaimRow{
			ClaimID:       r.ClaimID,
			MemberID:      r.MemberID,
			ProviderID:    r.ProviderID,
			Amount:        amountPtr(r),
			ServiceDate:   r.ServiceDate,
			DiagnosisCode: r.DiagnosisCode,
			ProcedureCode: r.ProcedureCode,
			ClaimStatus:   optional(r.ClaimStatus),
		}
	}
	return writeParquet(path, rows)
}

// WriteAnomaliesParquet writes the anomaly view
func WriteAnomaliesParquet(path string, flagged []FlaggedRecord) error {
	rows := make([]AnomalyRow, len(flagged))
	for i, fr := range flagged {
		r := fr.Record
		row := AnomalyRow{
			Row:              int64(r.Row),
			ClaimID:          r.ClaimID,
			MemberID:         r.MemberID,
			ProviderID:       r.ProviderID,
			Amount:           amountPtr(r),
			RawAmount:        r.RawAmount,
			ServiceDate:      r.ServiceDate,
			DiagnosisCode:    r.DiagnosisCode,
			ProcedureCode:    r.ProcedureCode,
			FlagsList:        strings.Join(fr.FlagsList, ","),
			NumFlags:         int32(fr.NumFlags),
			Explanation:      fr.explanationText(),
			GenerationMethod: fr.generationMethod(),
		}
		if fl, ok := fr.maxAbsZ(); ok {
			z := fl.ZScore
			row.OutlierGrouping = optional(string(fl.Grouping))
			row.OutlierGroupKey = optional(fl.GroupKey)
			row.ZScore = &z
		}
		rows[i] = row
	}
	return writeParquet(path, rows)
}
