// Package export writes the Gold layer of a run: clean claims, the anomaly
// view and summary statistics.
package export

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/ppiankov/abacus/internal/model"
)

// Output file base names
const (
	CleanClaimsFile = "claims_clean"
	AnomaliesFile   = "anomalies"
	SummaryFile     = "summary"
)

// Writer writes run outputs into one directory
type Writer struct {
	dir     string
	formats map[string]bool
	logger  *zap.Logger
}

// NewWriter creates a writer for the given formats (csv, parquet, json, md)
func NewWriter(dir string, formats []string, logger *zap.Logger) *Writer {
	if logger == nil {
		logger = zap.NewNop()
	}
	set := make(map[string]bool, len(formats))
	for _, f := range formats {
		set[f] = true
	}
	return &Writer{dir: dir, formats: set, logger: logger}
}

// Write writes every enabled output and returns the written paths. Files
// are staged in a hidden directory under the output dir and moved into
// place only once every output succeeded, so a failed write leaves no
// partial Gold output behind.
func (w *Writer) Write(res *model.RunResult) ([]string, error) {
	if err := os.MkdirAll(w.dir, 0755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	staging, err := os.MkdirTemp(w.dir, ".staging-*")
	if err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(staging) }()

	flagged := FlaggedRecords(res)

	type output struct {
		format string
		name   string
		write  func(path string) error
	}
	outputs := []output{
		{"csv", CleanClaimsFile + ".csv", func(p string) error { return WriteCleanCSV(p, res.Clean) }},
		{"parquet", CleanClaimsFile + ".parquet", func(p string) error { return WriteCleanParquet(p, res.Clean) }},
		{"csv", AnomaliesFile + ".csv", func(p string) error { return WriteAnomaliesCSV(p, flagged) }},
		{"parquet", AnomaliesFile + ".parquet", func(p string) error { return WriteAnomaliesParquet(p, flagged) }},
		{"json", AnomaliesFile + ".json", func(p string) error { return WriteAnomaliesJSON(p, res, flagged) }},
		{"json", SummaryFile + ".json", func(p string) error { return WriteSummaryJSON(p, res) }},
		{"md", SummaryFile + ".md", func(p string) error { return WriteSummaryMarkdown(p, res, flagged) }},
	}

	var names []string
	for _, o := range outputs {
		if !w.formats[o.format] {
			continue
		}
		if err := o.write(filepath.Join(staging, o.name)); err != nil {
			return nil, fmt.Errorf("write %s: %w", o.name, err)
		}
		names = append(names, o.name)
	}

	written := make([]string, 0, len(names))
	for _, name := range names {
		path := filepath.Join(w.dir, name)
		if err := os.Rename(filepath.Join(staging, name), path); err != nil {
			for _, p := range written {
				_ = os.Remove(p)
			}
			return nil, fmt.Errorf("publish %s: %w", name, err)
		}
		w.logger.Debug("wrote output", zap.String("path", path))
		written = append(written, path)
	}
	return written, nil
}
