package export

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/ppiankov/abacus/internal/model"
)

var cleanHeader = []string{
	model.ColClaimID, model.ColMemberID, model.ColProviderID, model.ColAmount,
	model.ColServiceDate, model.ColDiagnosisCode, model.ColProcedureCode, model.ColClaimStatus,
}

var anomalyHeader = append(append([]string{"row"}, cleanHeader...),
	"flags_list", "num_flags", "outlier_grouping", "outlier_group_key", "z_score", "explanation", "generation_method")

func recordCells(r model.ClaimRecord) []string {
	return []string{
		r.ClaimID, r.MemberID, r.ProviderID, r.Field(model.ColAmount),
		r.ServiceDate, r.DiagnosisCode, r.ProcedureCode, r.ClaimStatus,
	}
}

func writeCSV(path string, header []string, rows func(w *csv.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create: %w", err)
	}

	w := csv.NewWriter(f)
	if err := w.Write(header); err != nil {
		_ = f.Close()
		return fmt.Errorf("write header: %w", err)
	}
	if err := rows(w); err != nil {
		_ = f.Close()
		return err
	}
	w.Flush()
	if err := w.Error(); err != nil {
		_ = f.Close()
		return fmt.Errorf("flush: %w", err)
	}
	return f.Close()
}

// WriteCleanCSV writes records with zero findings
func WriteCleanCSV(path string, records []model.ClaimRecord) error {
	return writeCSV(path, cleanHeader, func(w *csv.Writer) error {
		for _, r := range records {
			if err := w.Write(recordCells(r)); err != nil {
				return fmt.Errorf("write row %d: %w", r.Row, err)
			}
		}
		return nil
	})
}

// WriteAnomaliesCSV writes the anomaly view, one line per flagged record
func WriteAnomaliesCSV(path string, flagged []FlaggedRecord) error {
	return writeCSV(path, anomalyHeader, func(w *csv.Writer) error {
		for _, fr := range flagged {
			var grouping, key, z string
			if fl, ok := fr.maxAbsZ(); ok {
				grouping, key, z = string(fl.Grouping), fl.GroupKey, fl.ZScoreText
			}
			line := append([]string{strconv.Itoa(fr.Record.Row)}, recordCells(fr.Record)...)
			line = append(line,
				strings.Join(fr.FlagsList, ","),
				strconv.Itoa(fr.NumFlags),
				grouping, key, z,
				fr.explanationText(),
				fr.generationMethod(),
			)
			if err := w.Write(line); err != nil {
				return fmt.Errorf("write row %d: %w", fr.Record.Row, err)
			}
		}
		return nil
	})
}
