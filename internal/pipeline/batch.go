package pipeline

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ppiankov/abacus/internal/worker"
)

// FileRunner runs one input file into one output directory
type FileRunner interface {
	RunFile(ctx context.Context, path, outDir string) (*FileResult, error)
}

// FileJob represents one input file of a batch
type FileJob struct {
	index  int
	Path   string
	OutDir string
	Runner FileRunner
}

// Execute runs the file job
func (j *FileJob) Execute(ctx context.Context) worker.Result {
	res, err := j.Runner.RunFile(ctx, j.Path, j.OutDir)
	if res == nil {
		res = &FileResult{Path: j.Path, OutDir: j.OutDir}
	}
	res.Error = err
	res.index = j.index
	return res
}

// BatchProcessor runs many input files concurrently, each as an
// independent run with its own output directory
type BatchProcessor struct {
	runner      FileRunner
	concurrency int
}

// NewBatchProcessor creates a new batch processor
func NewBatchProcessor(runner FileRunner, concurrency int) *BatchProcessor {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &BatchProcessor{
		runner:      runner,
		concurrency: concurrency,
	}
}

// ProcessFiles runs every path and returns the results in input order
func (b *BatchProcessor) ProcessFiles(ctx context.Context, paths []string, outputDir string) []*FileResult {
	if len(paths) == 0 {
		return []*FileResult{}
	}

	dirs := OutputDirs(paths, outputDir)
	jobs := make([]worker.Job, len(paths))
	for i, p := range paths {
		jobs[i] = &FileJob{index: i, Path: p, OutDir: dirs[i], Runner: b.runner}
	}

	pool := worker.NewPool(ctx, b.concurrency)
	results := pool.Run(jobs)

	out := make([]*FileResult, len(paths))
	for _, r := range results {
		fr := r.(*FileResult)
		out[fr.index] = fr
	}
	for i, p := range paths {
		if out[i] != nil {
			continue
		}
		// Never started because the batch was cancelled
		out[i] = &FileResult{Path: p, OutDir: dirs[i], Error: fmt.Errorf("not processed: %w", context.Cause(ctx))}
	}
	return out
}

// ProcessList reads input paths from a list file and runs them concurrently
func (b *BatchProcessor) ProcessList(ctx context.Context, listPath, outputDir string) ([]*FileResult, error) {
	paths, err := ReadPathsFromFile(listPath)
	if err != nil {
		return nil, fmt.Errorf("read input list: %w", err)
	}
	return b.ProcessFiles(ctx, paths, outputDir), nil
}

// OutputDirs assigns every input its own directory under outputDir, named
// after the file. A name already taken gets the lowest free numeric suffix,
// so no two inputs share a directory.
func OutputDirs(paths []string, outputDir string) []string {
	dirs := make([]string, len(paths))
	taken := make(map[string]bool, len(paths))
	for i, p := range paths {
		base := sanitizeName(strings.TrimSuffix(filepath.Base(p), filepath.Ext(p)))
		name := base
		for n := 2; taken[name]; n++ {
			name = fmt.Sprintf("%s-%d", base, n)
		}
		taken[name] = true
		dirs[i] = filepath.Join(outputDir, name)
	}
	return dirs
}

func sanitizeName(s string) string {
	s = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '_'
		case ' ':
			return '-'
		}
		return r
	}, s)
	if s == "" || s == "." {
		s = "input"
	}
	if len(s) > 100 {
		s = s[:100]
	}
	return s
}

// ReadPathsFromFile reads input paths from a file (one per line). Blank
// lines and # comments are skipped, duplicates are dropped and relative
// paths resolve against the list file's directory.
func ReadPathsFromFile(filePath string) ([]string, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	defer func() { _ = file.Close() }()

	base := filepath.Dir(filePath)
	var paths []string
	seen := make(map[string]bool)

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if !filepath.IsAbs(line) {
			line = filepath.Join(base, line)
		}
		if !seen[line] {
			seen[line] = true
			paths = append(paths, line)
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan file: %w", err)
	}
	return paths, nil
}
