package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ppiankov/abacus/internal/anomaly"
	"github.com/ppiankov/abacus/internal/cache"
	"github.com/ppiankov/abacus/internal/explain"
	"github.com/ppiankov/abacus/internal/export"
	"github.com/ppiankov/abacus/internal/ingest"
	"github.com/ppiankov/abacus/internal/llm"
	"github.com/ppiankov/abacus/internal/metrics"
	"github.com/ppiankov/abacus/internal/model"
	"github.com/ppiankov/abacus/internal/rules"
	"github.com/ppiankov/abacus/internal/worker"
)

// Pipeline sequences the rule engine, the anomaly detector and the
// explanation composer over one batch
type Pipeline struct {
	config   *model.Config
	engine   *rules.Engine
	detector *anomaly.Detector
	enricher *explain.Enricher // nil when enrichment is disabled
	provider llm.Provider
	logger   *zap.Logger
	now      func() time.Time
}

// Option customizes a pipeline
type Option func(*Pipeline)

// WithProvider overrides the configured enrichment provider
func WithProvider(p llm.Provider) Option {
	return func(pl *Pipeline) { pl.provider = p }
}

// WithClock overrides the clock used for run start and the default reference date
func WithClock(now func() time.Time) Option {
	return func(pl *Pipeline) { pl.now = now }
}

// NewPipeline creates a pipeline for the given configuration
func NewPipeline(cfg *model.Config, logger *zap.Logger, opts ...Option) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	p := &Pipeline{
		config:   cfg,
		engine:   rules.NewEngine(cfg.Concurrency.Workers, logger.Named("rules")),
		detector: anomaly.NewDetector(logger.Named("anomaly")),
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}

	en := cfg.Enrichment
	if !en.Enabled {
		return p, nil
	}

	if p.provider == nil {
		provider, err := llm.NewProvider(llm.ConfigFromModel(en))
		if err != nil {
			// Enrichment never fails a run
			logger.Warn("failed to initialize enrichment provider, using deterministic explanations",
				zap.String("provider", en.Provider), zap.Error(err))
			return p, nil
		}
		p.provider = provider
	}
	if p.provider == nil {
		return p, nil
	}

	var c cache.Cache
	if en.CacheEnabled {
		c = cache.New(en.CacheDir, en.CacheTTL)
	}
	p.enricher = explain.NewEnricher(p.provider, c,
		worker.NewLimiter(en.RequestsPerSecond, en.Burst),
		explain.EnrichOptions{
			Model:       en.Model,
			MaxTokens:   en.MaxTokens,
			MaxEnriched: en.MaxEnriched,
			Timeout:     en.Timeout,
			Workers:     en.Workers,
		},
		logger.Named("enrich"),
	)
	return p, nil
}

// Run evaluates one batch. A structurally malformed batch is the only
// fatal input condition; everything else becomes a finding.
func (p *Pipeline) Run(ctx context.Context, batch *model.Batch) (*model.RunResult, error) {
	return p.run(ctx, batch, nil)
}

func (p *Pipeline) run(ctx context.Context, batch *model.Batch, m *metrics.Metrics) (*model.RunResult, error) {
	if batch == nil {
		return nil, &model.SchemaError{Reason: "no batch"}
	}
	if err := batch.Validate(); err != nil {
		return nil, err
	}

	started := p.now()
	reference, err := p.config.ReferenceTime(started)
	if err != nil {
		return nil, err
	}

	runID := uuid.NewString()
	log := p.logger.With(zap.String("run_id", runID), zap.String("source", batch.Source))
	records := batch.Records

	// 1. Rule engine
	stage := time.Now()
	ruleResult, err := p.engine.Evaluate(ctx, records, reference)
	if err != nil {
		return nil, fmt.Errorf("evaluate rules: %w", err)
	}
	m.ObserveStage(metrics.StageRules, stage)

	// 2. Anomaly detector, over the whole batch: ineligible rows are skipped inside
	stage = time.Now()
	params := anomaly.ParamsFromConfig(p.config)
	detection, err := p.detector.Detect(ctx, records, params)
	if err != nil {
		return nil, err
	}
	m.ObserveStage(metrics.StageAnomaly, stage)

	// 3. Outlier flags surface as outlier_amount findings
	outliers := anomaly.OutlierFindings(detection.Flags, params.ZThreshold)
	findings := rules.Merge(ruleResult.Findings, outliers)
	verdicts := rules.Verdicts(len(records), findings)

	clean := make([]model.ClaimRecord, 0, len(records))
	for i, ok := range verdicts {
		if ok {
			clean = append(clean, records[i])
		}
	}

	// 4. Explanations: deterministic first, enrichment only replaces text
	stage = time.Now()
	drafts := explain.Compose(records, findings, detection.Flags)
	m.ObserveStage(metrics.StageExplain, stage)

	stage = time.Now()
	explanations, explStats := p.enrich(ctx, log, drafts)
	if p.enricher != nil {
		m.ObserveStage(metrics.StageEnrich, stage)
	}

	summary := model.Summary{
		RunID:        runID,
		Total:        len(records),
		Clean:        len(clean),
		Flagged:      len(records) - len(clean),
		PerRule:      rules.CountByRule(findings),
		PerGrouping:  detection.Stats,
		Explanations: explStats,
	}
	m.RecordSummary(summary)

	log.Info("run complete",
		zap.Int("total", summary.Total),
		zap.Int("clean", summary.Clean),
		zap.Int("flagged", summary.Flagged),
		zap.Int("findings", len(findings)),
		zap.Int("explanations", len(explanations)),
		zap.Int("enrichment_failures", explStats.EnrichmentFailures),
	)

	return &model.RunResult{
		RunID:         runID,
		Source:        batch.Source,
		ReferenceDate: reference,
		StartedAt:     started,
		Duration:      p.now().Sub(started),
		Records:       records,
		Verdicts:      verdicts,
		Clean:         clean,
		Findings:      findings,
		Baselines:     detection.Baselines,
		Flags:         detection.Flags,
		Explanations:  explanations,
		Summary:       summary,
	}, nil
}

// enrich runs the optional enrichment pass. It never fails: an unreachable
// provider leaves every explanation deterministic.
func (p *Pipeline) enrich(ctx context.Context, log *zap.Logger, drafts []explain.Draft) ([]model.Explanation, model.ExplanationStats) {
	if p.enricher == nil || len(drafts) == 0 {
		out := explain.Explanations(drafts)
		return out, explain.Stats(out)
	}
	if !p.provider.IsAvailable(ctx) {
		log.Warn("enrichment provider unavailable, using deterministic explanations",
			zap.String("provider", p.provider.Name()))
		out := explain.Explanations(drafts)
		return out, explain.Stats(out)
	}
	return p.enricher.Enrich(ctx, drafts)
}

// FileResult is the outcome of running one input file
type FileResult struct {
	Path    string
	OutDir  string
	Result  *model.RunResult
	Written []string
	Error   error

	index int
}

// GetError returns the error of the run
func (r *FileResult) GetError() error {
	return r.Error
}

// RunFile loads a Silver table, runs it and writes the Gold outputs into outDir
func (p *Pipeline) RunFile(ctx context.Context, path, outDir string) (*FileResult, error) {
	fr := &FileResult{Path: path, OutDir: outDir}

	batch, err := ingest.Load(ctx, path)
	if err != nil {
		return fr, fmt.Errorf("load %s: %w", path, err)
	}

	m := metrics.New()
	res, err := p.run(ctx, batch, m)
	if err != nil {
		return fr, fmt.Errorf("run %s: %w", path, err)
	}
	fr.Result = res

	stage := time.Now()
	w := export.NewWriter(outDir, p.config.Output.Formats, p.logger.Named("export"))
	written, err := w.Write(res)
	fr.Written = written
	if err != nil {
		return fr, fmt.Errorf("export %s: %w", path, err)
	}
	m.ObserveStage(metrics.StageExport, stage)

	if textfile := p.metricsTextfile(outDir); textfile != "" {
		if err := m.WriteTextfile(textfile); err != nil {
			// Metrics are best effort
			p.logger.Warn("failed to write metrics", zap.String("path", textfile), zap.Error(err))
		} else {
			fr.Written = append(fr.Written, textfile)
		}
	}
	return fr, nil
}

// metricsTextfile places a relative textfile inside the run's output directory
func (p *Pipeline) metricsTextfile(outDir string) string {
	tf := p.config.Metrics.Textfile
	if tf == "" || filepath.IsAbs(tf) {
		return tf
	}
	return filepath.Join(outDir, tf)
}

// IsSchemaError reports whether err is a structural batch error
func IsSchemaError(err error) bool {
	return errors.Is(err, model.ErrSchema)
}
