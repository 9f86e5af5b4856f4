package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ppiankov/abacus/internal/pipeline"
)

var concurrency int

// batchCmd represents the batch command
var batchCmd = &cobra.Command{
	Use:   "batch <inputs.txt | file...>",
	Short: "Evaluate several claims tables in parallel",
	Long: `Batch runs several Silver tables concurrently:
- Reads input paths from a list file (one per line) or from the arguments
- Each table is an independent run with its own output directory
- One failing table never stops the others

Example:
  abacus batch inputs.txt
  abacus batch jan.csv feb.csv mar.parquet --concurrency 3 --out ./gold`,
	Args:    cobra.MinimumNArgs(1),
	PreRunE: func(cmd *cobra.Command, args []string) error { return bindRunFlags(cmd) },
	RunE:    runBatch,
}

func init() {
	rootCmd.AddCommand(batchCmd)
	addRunFlags(batchCmd)
	batchCmd.Flags().IntVar(&concurrency, "concurrency", 2, "number of tables processed at once")
}

func runBatch(cmd *cobra.Command, args []string) error {
	cfg, err := commandConfig(cmd)
	if err != nil {
		return err
	}

	logger, err := newLogger()
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	timeout, _ := cmd.Flags().GetDuration("timeout")
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	p, err := pipeline.NewPipeline(cfg, logger)
	if err != nil {
		return err
	}
	processor := pipeline.NewBatchProcessor(p, concurrency)
	fromList := len(args) == 1 && isListFile(args[0])

	fmt.Fprintf(os.Stderr, "\n")
	fmt.Fprintf(os.Stderr, "═══════════════════════════════════════════════════════════\n")
	fmt.Fprintf(os.Stderr, "  Abacus Batch Processing\n")
	fmt.Fprintf(os.Stderr, "═══════════════════════════════════════════════════════════\n")
	fmt.Fprintf(os.Stderr, "\n")
	if fromList {
		fmt.Fprintf(os.Stderr, "  Input list:   %s\n", args[0])
	} else {
		fmt.Fprintf(os.Stderr, "  Inputs:       %d\n", len(args))
	}
	fmt.Fprintf(os.Stderr, "  Workers:      %d\n", concurrency)
	fmt.Fprintf(os.Stderr, "  Output dir:   %s\n", cfg.Output.Dir)
	fmt.Fprintf(os.Stderr, "  Timeout:      %v\n", timeout)
	fmt.Fprintf(os.Stderr, "\n")

	var results []*pipeline.FileResult
	if fromList {
		results, err = processor.ProcessList(ctx, args[0], cfg.Output.Dir)
		if err != nil {
			return err
		}
	} else {
		results = processor.ProcessFiles(ctx, args, cfg.Output.Dir)
	}

	successCount := 0
	failureCount := 0
	for _, result := range results {
		if result.Error != nil {
			failureCount++
			fmt.Fprintf(os.Stderr, "✗ %s: %v\n", result.Path, result.Error)
			continue
		}
		successCount++
		s := result.Result.Summary
		fmt.Fprintf(os.Stderr, "✓ %s → %s (%d claims, %d flagged, %.1f%% clean)\n",
			result.Path, result.OutDir, s.Total, s.Flagged, s.CleanRate())
	}

	fmt.Fprintf(os.Stderr, "\n")
	fmt.Fprintf(os.Stderr, "═══════════════════════════════════════════════════════════\n")
	fmt.Fprintf(os.Stderr, "  Batch Complete\n")
	fmt.Fprintf(os.Stderr, "═══════════════════════════════════════════════════════════\n")
	fmt.Fprintf(os.Stderr, "\n")
	fmt.Fprintf(os.Stderr, "  Total:     %d tables\n", len(results))
	fmt.Fprintf(os.Stderr, "  Success:   %d\n", successCount)
	fmt.Fprintf(os.Stderr, "  Failures:  %d\n", failureCount)
	fmt.Fprintf(os.Stderr, "  Output:    %s\n", cfg.Output.Dir)
	fmt.Fprintf(os.Stderr, "\n")

	if failureCount > 0 {
		return fmt.Errorf("%d of %d tables failed", failureCount, len(results))
	}
	return nil
}

// isListFile reports whether path names a list of inputs rather than a table
func isListFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv", ".parquet":
		return false
	}
	return true
}
