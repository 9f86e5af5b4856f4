package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// runFlagKeys maps run flags onto config keys
var runFlagKeys = map[string]string{
	"grouping":         "anomaly.grouping_keys",
	"z-threshold":      "anomaly.z_threshold",
	"min-group-size":   "anomaly.min_group_size",
	"reference-date":   "rules.reference_date",
	"workers":          "concurrency.workers",
	"enrich":           "enrichment.enabled",
	"provider":         "enrichment.provider",
	"model":            "enrichment.model",
	"enrich-timeout":   "enrichment.timeout",
	"max-enriched":     "enrichment.max_enriched",
	"cache-dir":        "enrichment.cache_dir",
	"http-proxy":       "enrichment.http_proxy",
	"https-proxy":      "enrichment.https_proxy",
	"out":              "output.dir",
	"format":           "output.formats",
	"metrics-textfile": "metrics.textfile",
}

// addRunFlags registers the flags shared by run and batch
func addRunFlags(cmd *cobra.Command) {
	f := cmd.Flags()

	// Anomaly flags
	f.StringSlice("grouping", []string{"provider_id"}, "grouping keys (all, provider_id, procedure_code, diagnosis_code, member_id)")
	f.Float64("z-threshold", 3.0, "outlier cutoff for |z-score|")
	f.Int("min-group-size", 3, "minimum cohort size to compute a baseline")

	// Rule flags
	f.String("reference-date", "", "date used for future-date checks, YYYY-MM-DD (default: today, UTC)")
	f.Int("workers", 4, "goroutines used for rule evaluation")

	// Enrichment flags
	f.Bool("enrich", false, "enable LLM explanation enrichment")
	f.String("provider", "openai", "LLM provider (openai, anthropic, ollama)")
	f.String("model", "gpt-4o-mini", "LLM model name")
	f.Duration("enrich-timeout", 15*time.Second, "timeout of one enrichment call")
	f.Int("max-enriched", 20, "explanations to enrich, most flagged records first (0 = all)")
	f.String("cache-dir", ".abacus-cache", "enrichment cache directory (empty = memory only)")
	f.Bool("no-cache", false, "disable the enrichment cache")
	f.String("http-proxy", "", "HTTP proxy URL (overrides HTTP_PROXY env var)")
	f.String("https-proxy", "", "HTTPS proxy URL (overrides HTTPS_PROXY env var)")

	// Output flags
	f.StringP("out", "o", "data/gold", "output directory")
	f.StringSlice("format", []string{"csv", "parquet", "json", "md"}, "output formats (csv, parquet, json, md)")
	f.String("metrics-textfile", "", "write run metrics in Prometheus text format (relative paths land in the output directory)")
	f.Duration("timeout", 30*time.Minute, "overall run timeout")
}

// bindRunFlags binds the flags of cmd to viper. It runs in PreRunE so run and
// batch can register flags with the same names.
func bindRunFlags(cmd *cobra.Command) error {
	for flag, key := range runFlagKeys {
		if err := viper.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			return fmt.Errorf("bind flag %s: %w", flag, err)
		}
	}
	return nil
}
