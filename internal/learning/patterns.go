package learning

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/axels2025/TAAD-sub002/internal/config"
	"github.com/axels2025/TAAD-sub002/internal/core"
	"github.com/axels2025/TAAD-sub002/internal/domain"
	"github.com/axels2025/TAAD-sub002/internal/executor"
	"github.com/axels2025/TAAD-sub002/internal/store"
)

// patternLookback bounds how far back closed trades feed detection.
const patternLookback = 90 * 24 * time.Hour

// PatternDetector slices closed trades along fixed axes and retains the
// buckets whose ROI differs significantly from the rest.
type PatternDetector struct {
	trades      *store.TradeRepo
	experiments *store.ExperimentRepo
	cfg         config.LearningConfig
	clock       core.IClock
	logger      core.ILogger
}

// NewPatternDetector creates the detector.
func NewPatternDetector(trades *store.TradeRepo, experiments *store.ExperimentRepo, cfg config.LearningConfig, clock core.IClock, logger core.ILogger) *PatternDetector {
	return &PatternDetector{
		trades:      trades,
		experiments: experiments,
		cfg:         cfg,
		clock:       clock,
		logger:      logger.WithField("component", "pattern_detector"),
	}
}

// tradeSample is one closed trade with its bucket keys resolved.
type tradeSample struct {
	roi     float64
	win     bool
	buckets map[string]string // axis -> bucket name
}

// Detect runs one detection pass and persists every retained pattern.
func (d *PatternDetector) Detect(ctx context.Context) ([]*domain.Pattern, error) {
	now := d.clock.Now()
	trades, err := d.trades.ListClosedSince(ctx, now.Add(-patternLookback))
	if err != nil {
		return nil, fmt.Errorf("pattern detection aborted: %w", err)
	}
	if len(trades) < d.cfg.MinSamples {
		d.logger.Debug("Too few closed trades for pattern detection",
			"closed", len(trades), "min_samples", d.cfg.MinSamples)
		return nil, nil
	}

	samples := make([]tradeSample, 0, len(trades))
	for _, t := range trades {
		s := tradeSample{
			roi:     t.ROI().InexactFloat64(),
			win:     t.RealizedPnL.IsPositive(),
			buckets: d.bucketize(ctx, t),
		}
		samples = append(samples, s)
	}

	var retained []*domain.Pattern
	for axis, bucketNames := range groupBuckets(samples) {
		for _, name := range bucketNames {
			p := d.evaluateBucket(samples, axis, name, now)
			if p == nil {
				continue
			}
			if err := d.experiments.UpsertPattern(ctx, p); err != nil {
				return retained, err
			}
			retained = append(retained, p)
			d.logger.Info("Pattern retained", "category", p.Category,
				"name", p.Name, "p_value", p.PValue, "effect", p.EffectSize,
				"samples", p.SampleSize)
		}
	}
	return retained, nil
}

// bucketize resolves every axis bucket for one closed trade.
func (d *PatternDetector) bucketize(ctx context.Context, t *domain.Trade) map[string]string {
	buckets := map[string]string{
		"dte":         dteBucket(t.DTE()),
		"day_of_week": t.EntryTime.Weekday().String(),
		"sector":      executor.SectorOf(t.Symbol),
	}
	if snap, err := d.trades.GetEntrySnapshot(ctx, t.ID); err == nil && snap != nil {
		buckets["delta"] = deltaBucket(snap.LiveDelta.Abs().InexactFloat64())
		buckets["vix_regime"] = vixRegime(snap.VIX.InexactFloat64())
	}
	return buckets
}

// evaluateBucket compares one bucket's ROI against all other trades and
// returns a pattern when the difference clears every retention gate.
func (d *PatternDetector) evaluateBucket(samples []tradeSample, axis, name string, now time.Time) *domain.Pattern {
	var in, out domain.ArmStats
	for _, s := range samples {
		if s.buckets[axis] == name {
			in.Record(s.roi, s.win)
		} else {
			out.Record(s.roi, s.win)
		}
	}
	if in.Samples < d.cfg.MinSamples || out.Samples < 2 {
		return nil
	}

	c := compare(in, out)
	if c.PValue >= d.cfg.PThreshold || math.Abs(c.Effect) < d.cfg.EffectFloor {
		return nil
	}

	return &domain.Pattern{
		ID:         uuid.NewString(),
		Category:   axis,
		Name:       name,
		SampleSize: in.Samples,
		WinRate:    float64(in.Wins) / float64(in.Samples),
		AvgROI:     in.Mean(),
		Confidence: 1 - c.PValue,
		PValue:     c.PValue,
		EffectSize: c.Effect,
		Status:     domain.PatternDetected,
		DetectedAt: now,
	}
}

func groupBuckets(samples []tradeSample) map[string][]string {
	seen := make(map[string]map[string]bool)
	for _, s := range samples {
		for axis, name := range s.buckets {
			if seen[axis] == nil {
				seen[axis] = make(map[string]bool)
			}
			seen[axis][name] = true
		}
	}
	out := make(map[string][]string, len(seen))
	for axis, names := range seen {
		for name := range names {
			out[axis] = append(out[axis], name)
		}
	}
	return out
}

func dteBucket(dte int) string {
	switch {
	case dte <= 3:
		return "0-3"
	case dte <= 7:
		return "4-7"
	case dte <= 14:
		return "8-14"
	default:
		return "15+"
	}
}

func deltaBucket(delta float64) string {
	switch {
	case delta < 0.05:
		return "<0.05"
	case delta < 0.08:
		return "0.05-0.08"
	case delta < 0.12:
		return "0.08-0.12"
	default:
		return "0.12+"
	}
}

func vixRegime(vix float64) string {
	switch {
	case vix <= 0:
		return "unknown"
	case vix < 15:
		return "calm"
	case vix < 25:
		return "normal"
	case vix < 35:
		return "elevated"
	default:
		return "crisis"
	}
}
