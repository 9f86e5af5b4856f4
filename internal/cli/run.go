package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/ppiankov/abacus/internal/export"
	"github.com/ppiankov/abacus/internal/model"
	"github.com/ppiankov/abacus/internal/pipeline"
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run <claims.csv|claims.parquet>",
	Short: "Evaluate one Silver claims table and write the Gold outputs",
	Long: `Run evaluates a batch of claims:
- Applies the data quality rules to every claim
- Computes amount baselines per cohort and flags z-score outliers
- Explains every finding, optionally enriched by an LLM
- Writes clean claims, the anomaly view and a summary

A table missing a required column aborts the run before any output is written.

Example:
  abacus run data/silver/claims.csv
  abacus run claims.parquet --grouping provider_id,procedure_code --z-threshold 2.5
  abacus run claims.csv --enrich --provider anthropic --model claude-3-5-haiku-20241022`,
	Args:    cobra.ExactArgs(1),
	PreRunE: func(cmd *cobra.Command, args []string) error { return bindRunFlags(cmd) },
	RunE:    runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
	addRunFlags(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	input := args[0]

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

	if verbose {
		fmt.Fprintf(os.Stderr, "Input:     %s\n", input)
		fmt.Fprintf(os.Stderr, "Groupings: %v (z > %.2f, min cohort %d)\n",
			cfg.Anomaly.GroupingKeys, cfg.Anomaly.ZThreshold, cfg.Anomaly.MinGroupSize)
		if cfg.Enrichment.Enabled {
			fmt.Fprintf(os.Stderr, "LLM:       %s/%s\n", cfg.Enrichment.Provider, cfg.Enrichment.Model)
		}
		fmt.Fprintln(os.Stderr)
	}

	p, err := pipeline.NewPipeline(cfg, logger)
	if err != nil {
		return err
	}

	fr, err := p.RunFile(ctx, input, cfg.Output.Dir)
	if err != nil {
		if pipeline.IsSchemaError(err) {
			return fmt.Errorf("input rejected: %w", err)
		}
		return fmt.Errorf("run failed: %w", err)
	}

	if verbose {
		for _, path := range fr.Written {
			fmt.Fprintf(os.Stderr, "✓ Wrote %s\n", path)
		}
	}

	export.RenderConsole(os.Stdout, fr.Result, export.FlaggedRecords(fr.Result))
	logger.Debug("outputs written", zap.Strings("paths", fr.Written))
	return nil
}

// commandConfig resolves the configuration of a run or batch invocation
func commandConfig(cmd *cobra.Command) (*model.Config, error) {
	cfg, err := loadConfig(viper.GetViper())
	if err != nil {
		return nil, err
	}
	if noCache, _ := cmd.Flags().GetBool("no-cache"); noCache {
		cfg.Enrichment.CacheEnabled = false
	}
	return cfg, nil
}
