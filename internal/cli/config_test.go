package cli

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/ppiankov/abacus/internal/cache"
	"github.com/ppiankov/abacus/internal/model"
)

func TestLoadConfig_Defaults(t *testing.T) {
	v := viper.New()
	registerDefaults(v)

	cfg, err := loadConfig(v)
	if err != nil {
		t.Fatalf("loadConfig failed: %v", err)
	}
	def := model.DefaultConfig()
	if cfg.Anomaly.ZThreshold != def.Anomaly.ZThreshold || cfg.Anomaly.MinGroupSize != def.Anomaly.MinGroupSize {
		t.Errorf("Expected default anomaly settings, got %+v", cfg.Anomaly)
	}
	if cfg.Enrichment.Timeout != def.Enrichment.Timeout {
		t.Errorf("Expected timeout %v, got %v", def.Enrichment.Timeout, cfg.Enrichment.Timeout)
	}
	if len(cfg.Output.Formats) != 4 {
		t.Errorf("Expected 4 default formats, got %v", cfg.Output.Formats)
	}
}

func TestLoadConfig_FileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `anomaly:
  grouping_keys: [all, procedure_code]
  z_threshold: 2.5
enrichment:
  timeout: 3s
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("ABACUS_ANOMALY_MIN_GROUP_SIZE", "5")

	v := viper.New()
	registerDefaults(v)
	v.SetConfigFile(path)
	v.SetEnvPrefix("ABACUS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.ReadInConfig(); err != nil {
		t.Fatal(err)
	}

	cfg, err := loadConfig(v)
	if err != nil {
		t.Fatalf("loadConfig failed: %v", err)
	}
	if strings.Join(cfg.Anomaly.GroupingKeys, ",") != "all,procedure_code" {
		t.Errorf("Expected grouping keys from file, got %v", cfg.Anomaly.GroupingKeys)
	}
	if cfg.Anomaly.ZThreshold != 2.5 {
		t.Errorf("Expected z threshold 2.5, got %v", cfg.Anomaly.ZThreshold)
	}
	if cfg.Anomaly.MinGroupSize != 5 {
		t.Errorf("Expected min group size from env, got %d", cfg.Anomaly.MinGroupSize)
	}
	if cfg.Enrichment.Timeout != 3*time.Second {
		t.Errorf("Expected 3s timeout, got %v", cfg.Enrichment.Timeout)
	}
}

func TestLoadConfig_Invalid(t *testing.T) {
	v := viper.New()
	registerDefaults(v)
	v.Set("anomaly.grouping_keys", []string{"zip_code"})

	if _, err := loadConfig(v); err == nil {
		t.Error("Expected validation error for unknown grouping key")
	}
}

func TestResolveCredentials(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-openai")
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant")
	t.Setenv("OLLAMA_BASE_URL", "http://ollama:11434")

	tests := []struct {
		provider string
		key      string
		baseURL  string
	}{
		{"openai", "sk-openai", ""},
		{"anthropic", "sk-ant", ""},
		{"claude", "sk-ant", ""},
		{"ollama", "", "http://ollama:11434"},
	}

	for _, tt := range tests {
		t.Run(tt.provider, func(t *testing.T) {
			cfg := model.DefaultConfig()
			cfg.Enrichment.Provider = tt.provider
			resolveCredentials(cfg)
			if cfg.Enrichment.APIKey != tt.key || cfg.Enrichment.BaseURL != tt.baseURL {
				t.Errorf("Expected key %q and base %q, got %q and %q",
					tt.key, tt.baseURL, cfg.Enrichment.APIKey, cfg.Enrichment.BaseURL)
			}
		})
	}
}

func TestWriteDefaultConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".abacus", "config.yaml")
	if err := writeDefaultConfig(path); err != nil {
		t.Fatalf("writeDefaultConfig failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var cfg model.Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("Expected valid YAML, got %v", err)
	}
	if cfg.Anomaly.ZThreshold != 3 {
		t.Errorf("Expected default threshold in file, got %v", cfg.Anomaly.ZThreshold)
	}
	if strings.Contains(string(data), "api_key") {
		t.Error("Expected API keys to stay out of the config file")
	}

	if err := writeDefaultConfig(path); err == nil {
		t.Error("Expected error when the config file exists")
	}
}

func TestIsListFile(t *testing.T) {
	if isListFile("claims.CSV") || isListFile("x.parquet") {
		t.Error("Expected tables not to be list files")
	}
	if !isListFile("inputs.txt") {
		t.Error("Expected inputs.txt to be a list file")
	}
}

func TestClearCache(t *testing.T) {
	dir := t.TempDir()
	disk := cache.NewDiskCache(dir, time.Hour)
	if err := disk.Set("k", []byte("v"), 0); err != nil {
		t.Fatal(err)
	}
	other := filepath.Join(dir, "keep.txt")
	if err := os.WriteFile(other, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	got, err := clearCache(dir)
	if err != nil {
		t.Fatalf("clearCache failed: %v", err)
	}
	if got != dir {
		t.Errorf("Expected %s, got %s", dir, got)
	}
	if _, found := disk.Get("k"); found {
		t.Error("Expected cached entry removed")
	}
	if _, err := os.Stat(other); err != nil {
		t.Errorf("Expected unrelated files kept, got %v", err)
	}

	if _, err := clearCache(""); err == nil {
		t.Error("Expected error without a cache directory")
	}
}
