// Demo program that runs the reference duplicate/outlier batch through the
// pipeline and prints every flag, finding and explanation
package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/ppiankov/abacus/internal/ingest"
	"github.com/ppiankov/abacus/internal/model"
	"github.com/ppiankov/abacus/internal/pipeline"
)

func main() {
	fmt.Println("=== Claims Outlier Demo ===")
	fmt.Println()

	records := []model.ClaimRecord{
		demoClaim("C1", "100", "2024-01-10", "E119"),
		demoClaim("C3", "150", "2024-01-11", "E11.9"),
		demoClaim("C1", "100", "2024-01-12", "I10"),
		demoClaim("C2", "5000", "2024-07-01", "119E"),
	}

	cfg := model.DefaultConfig()
	cfg.Rules.ReferenceDate = "2024-06-30"
	cfg.Anomaly.GroupingKeys = []string{string(model.GroupAll)}
	cfg.Anomaly.MinGroupSize = 2
	// Four amounts cannot exceed |z| = sqrt(3), so the demo uses 1.5
	cfg.Anomaly.ZThreshold = 1.5

	p, err := pipeline.NewPipeline(cfg, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	res, err := p.Run(context.Background(), model.NewBatch("demo", records))
	if err != nil {
		fmt.Fprintf(os.Stderr, "run error: %v\n", err)
		os.Exit(1)
	}

	for _, b := range res.Baselines {
		fmt.Printf("Baseline %s=%s: mean %.2f, stddev %.2f, n=%d\n", b.Grouping, b.GroupKey, b.Mean, b.StdDev, b.SampleCount)
	}
	fmt.Println(strings.Repeat("-", 60))

	for i, r := range res.Records {
		verdict := "clean"
		if !res.Verdicts[i] {
			verdict = "FLAGGED"
		}
		fmt.Printf("Row %d %s ($%s): %s\n", i, r.ClaimID, r.RawAmount, verdict)
		for _, f := range res.FindingsFor(i) {
			fmt.Printf("  - %s %v\n", f.Rule, f.Details)
		}
	}
	fmt.Println(strings.Repeat("-", 60))

	for _, e := range res.Explanations {
		fmt.Printf("[%s/%s] %s\n", e.Source, e.SourceKey, e.Text)
	}
	fmt.Println()
	fmt.Printf("Total %d, clean %d, flagged %d\n", res.Summary.Total, res.Summary.Clean, res.Summary.Flagged)
}

func demoClaim(id, amount, date, icd string) model.ClaimRecord {
	return model.ClaimRecord{
		ClaimID:       id,
		MemberID:      "M-" + id,
		ProviderID:    "P1",
		Amount:        ingest.ParseAmount(amount),
		RawAmount:     amount,
		ServiceDate:   date,
		DiagnosisCode: icd,
		ProcedureCode: "99213",
	}
}
