package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ppiankov/abacus/internal/cache"
)

// cacheCmd manages the enrichment cache
var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Manage the explanation cache",
	Long: `Model-generated explanations are cached on disk, keyed by provider,
model and prompt. Use "cache clear" to force fresh calls on the next run.`,
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove every cached explanation",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(viper.GetViper())
		if err != nil {
			return err
		}
		dir, err := clearCache(cfg.Enrichment.CacheDir)
		if err != nil {
			return err
		}
		fmt.Printf("✓ Cleared explanation cache: %s\n", dir)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(cacheCmd)
	cacheCmd.AddCommand(cacheClearCmd)
}

// clearCache removes cached entries under dir and returns the directory cleared
func clearCache(dir string) (string, error) {
	if dir == "" {
		return "", fmt.Errorf("no cache directory configured")
	}
	if err := cache.NewDiskCache(dir, 0).Clear(); err != nil {
		return "", fmt.Errorf("clear cache: %w", err)
	}
	return dir, nil
}
