package anomaly

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/ppiankov/abacus/internal/model"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// meanPrecision is the number of decimal places kept for cohort means
const meanPrecision = 16

// Params are the per-run settings of the detector
type Params struct {
	Groupings    []model.Grouping
	ZThreshold   float64
	MinGroupSize int
}

// ParamsFromConfig extracts detector params from a run configuration
func ParamsFromConfig(cfg *model.Config) Params {
	return Params{
		Groupings:    cfg.Groupings(),
		ZThreshold:   cfg.Anomaly.ZThreshold,
		MinGroupSize: cfg.Anomaly.MinGroupSize,
	}
}

func (p Params) validate() error {
	if len(p.Groupings) == 0 {
		return fmt.Errorf("no grouping keys configured")
	}
	seen := make(map[model.Grouping]bool, len(p.Groupings))
	for _, g := range p.Groupings {
		if !g.IsValid() {
			return fmt.Errorf("unknown grouping key: %s", g)
		}
		if seen[g] {
			return fmt.Errorf("duplicate grouping key: %s", g)
		}
		seen[g] = true
	}
	if p.ZThreshold <= 0 || math.IsNaN(p.ZThreshold) {
		return fmt.Errorf("z threshold must be positive, got %v", p.ZThreshold)
	}
	if p.MinGroupSize < 1 {
		return fmt.Errorf("min group size must be at least 1, got %d", p.MinGroupSize)
	}
	return nil
}

// Detector computes cohort baselines and z-score flags
type Detector struct {
	logger *zap.Logger
}

// NewDetector creates a new detector
func NewDetector(logger *zap.Logger) *Detector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Detector{logger: logger}
}

// Result contains the detector output for one batch
type Result struct {
	Baselines []model.Baseline                       // Ordered by grouping, then group key
	Flags     []model.AnomalyFlag                    // Ordered by grouping, then row
	Stats     map[model.Grouping]model.GroupingStats // One entry per configured grouping
}

// Outliers returns only the flags marked as outliers
func (r *Result) Outliers() []model.AnomalyFlag {
	var out []model.AnomalyFlag
	for _, f := range r.Flags {
		if f.IsOutlier {
			out = append(out, f)
		}
	}
	return out
}

// Detect evaluates every configured grouping. Groupings are independent and
// are computed concurrently; the result does not depend on scheduling.
func (d *Detector) Detect(ctx context.Context, records []model.ClaimRecord, params Params) (*Result, error) {
	if err := params.validate(); err != nil {
		return nil, fmt.Errorf("anomaly params: %w", err)
	}

	parts := make([]groupingResult, len(params.Groupings))
	g, gctx := errgroup.WithContext(ctx)
	for i, grouping := range params.Groupings {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			parts[i] = detectGrouping(records, grouping, params)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("detect anomalies: %w", err)
	}

	result := &Result{
		Baselines: []model.Baseline{},
		Flags:     []model.AnomalyFlag{},
		Stats:     make(map[model.Grouping]model.GroupingStats, len(parts)),
	}
	for i, part := range parts {
		result.Baselines = append(result.Baselines, part.baselines...)
		result.Flags = append(result.Flags, part.flags...)
		result.Stats[params.Groupings[i]] = part.stats

		d.logger.Debug("cohort baselines computed",
			zap.String("grouping", string(params.Groupings[i])),
			zap.Int("cohorts", part.stats.Cohorts),
			zap.Int("skipped_cohorts", len(part.stats.SkippedCohorts)),
			zap.Int("outliers", part.stats.Outliers),
		)
	}
	return result, nil
}

type groupingResult struct {
	baselines []model.Baseline
	flags     []model.AnomalyFlag
	stats     model.GroupingStats
}

// eligible reports whether a record can join a cohort: it needs a positive
// amount and a non-empty grouping key
func eligible(r model.ClaimRecord, grouping model.Grouping) (string, bool) {
	if !r.Amount.Valid || !r.Amount.Decimal.IsPositive() {
		return "", false
	}
	key := grouping.KeyOf(r)
	if key == "" {
		return "", false
	}
	return key, true
}

func detectGrouping(records []model.ClaimRecord, grouping model.Grouping, params Params) groupingResult {
	res := groupingResult{
		stats: model.GroupingStats{
			SkippedCohorts: []string{},
			OutliersByKey:  map[string]int{},
		},
	}

	cohorts := make(map[string][]int)
	for i, r := range records {
		key, ok := eligible(r, grouping)
		if !ok {
			res.stats.NotEvaluated++
			continue
		}
		cohorts[key] = append(cohorts[key], i)
	}

	keys := make([]string, 0, len(cohorts))
	for k := range cohorts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		members := cohorts[key]
		if len(members) < params.MinGroupSize {
			// Insufficient evidence: no baseline, no flags
			res.stats.SkippedCohorts = append(res.stats.SkippedCohorts, key)
			res.stats.NotEvaluated += len(members)
			continue
		}

		baseline, flags := evaluateCohort(records, members, grouping, key, params.ZThreshold)
		res.baselines = append(res.baselines, baseline)
		res.flags = append(res.flags, flags...)
		res.stats.Cohorts++
		res.stats.Evaluated += len(flags)
		for _, f := range flags {
			if f.IsOutlier {
				res.stats.Outliers++
				res.stats.OutliersByKey[key]++
			}
		}
	}

	sort.SliceStable(res.flags, func(i, j int) bool {
		return res.flags[i].Row < res.flags[j].Row
	})
	return res
}

// evaluateCohort computes the population mean and standard deviation of a
// cohort and one flag per member. The sum is exact; the mean is rounded to
// meanPrecision decimal places before deviations are taken.
func evaluateCohort(records []model.ClaimRecord, members []int, grouping model.Grouping, key string, threshold float64) (model.Baseline, []model.AnomalyFlag) {
	n := decimal.NewFromInt(int64(len(members)))

	first := records[members[0]].Amount.Decimal
	uniform := true
	sum := decimal.Zero
	for _, idx := range members {
		amt := records[idx].Amount.Decimal
		sum = sum.Add(amt)
		uniform = uniform && amt.Equal(first)
	}
	mean := sum.DivRound(n, meanPrecision)
	if uniform {
		// Keeps zero variance exact when the value has more than meanPrecision places
		mean = first
	}
	meanF := mean.InexactFloat64()

	devs := make([]decimal.Decimal, len(members))
	var squares float64
	for i, idx := range members {
		devs[i] = records[idx].Amount.Decimal.Sub(mean)
		df := devs[i].InexactFloat64()
		squares += df * df
	}
	stddev := math.Sqrt(squares / float64(len(members)))

	baseline := model.Baseline{
		Grouping:    grouping,
		GroupKey:    key,
		Mean:        meanF,
		StdDev:      stddev,
		SampleCount: len(members),
	}

	flags := make([]model.AnomalyFlag, len(members))
	for i, idx := range members {
		rec := records[idx]
		z := zScore(devs[i], stddev)
		flags[i] = model.AnomalyFlag{
			Row:            rec.Row,
			ClaimID:        rec.ClaimID,
			Grouping:       grouping,
			GroupKey:       key,
			ObservedValue:  rec.Amount.Decimal.InexactFloat64(),
			BaselineMean:   meanF,
			BaselineStdDev: stddev,
			ZScore:         z,
			ZScoreText:     model.FormatZScore(z),
			IsOutlier:      math.Abs(z) > threshold,
		}
	}
	return baseline, flags
}

// zScore divides a deviation by the standard deviation. Against zero
// variance a zero deviation scores 0 and any other deviation scores ±Inf.
func zScore(dev decimal.Decimal, stddev float64) float64 {
	if stddev == 0 {
		switch dev.Sign() {
		case 0:
			return 0
		case 1:
			return math.Inf(1)
		default:
			return math.Inf(-1)
		}
	}
	return dev.InexactFloat64() / stddev
}

// OutlierFindings surfaces outlier flags as outlier_amount rule findings
func OutlierFindings(flags []model.AnomalyFlag, threshold float64) []model.Finding {
	var out []model.Finding
	for _, f := range flags {
		if !f.IsOutlier {
			continue
		}
		out = append(out, model.Finding{
			Row:      f.Row,
			ClaimID:  f.ClaimID,
			Rule:     model.RuleOutlierAmount,
			Severity: model.SeverityWarning,
			Details: map[string]any{
				model.DetailGrouping:  string(f.Grouping),
				model.DetailGroupKey:  f.GroupKey,
				model.DetailZScore:    f.ZScoreText,
				model.DetailMean:      f.BaselineMean,
				model.DetailStdDev:    f.BaselineStdDev,
				model.DetailObserved:  f.ObservedValue,
				model.DetailThreshold: threshold,
			},
		})
	}
	return out
}
