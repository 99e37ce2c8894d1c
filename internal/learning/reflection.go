package learning

import (
	"context"
	"fmt"
	"math"

	"github.com/axels2025/TAAD-sub002/internal/core"
	"github.com/axels2025/TAAD-sub002/internal/domain"
	"github.com/axels2025/TAAD-sub002/internal/executor"
	"github.com/axels2025/TAAD-sub002/internal/store"
)

// performanceWindowDays is the rolling window of the reflection rollup.
const performanceWindowDays = 30

// Reflector rebuilds working memory's rolling performance block from
// closed trades. It runs on END_OF_DAY_REFLECTION.
type Reflector struct {
	trades *store.TradeRepo
	memory *store.MemoryRepo
	broker core.IBroker
	clock  core.IClock
	logger core.ILogger
}

// NewReflector creates the reflector.
func NewReflector(trades *store.TradeRepo, memory *store.MemoryRepo, broker core.IBroker, clock core.IClock, logger core.ILogger) *Reflector {
	return &Reflector{
		trades: trades,
		memory: memory,
		broker: broker,
		clock:  clock,
		logger: logger.WithField("component", "reflector"),
	}
}

// Reflect recomputes the rolling performance for a session and persists it.
func (r *Reflector) Reflect(ctx context.Context, sessionID string) (*domain.RollingPerformance, error) {
	mem, err := r.memory.Load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if mem == nil {
		return nil, fmt.Errorf("no working memory for session %s", sessionID)
	}

	now := r.clock.Now()
	closed, err := r.trades.ListClosedSince(ctx, now.AddDate(0, 0, -performanceWindowDays))
	if err != nil {
		return nil, err
	}

	perf := buildPerformance(closed, performanceWindowDays)
	perf.PeakEquity = mem.Performance.PeakEquity
	perf.TroughEquity = mem.Performance.TroughEquity
	perf.FillFailures = mem.Performance.FillFailures

	if account, err := r.broker.GetAccountSummary(ctx); err == nil {
		nlv := account.NetLiquidation.InexactFloat64()
		if nlv > perf.PeakEquity {
			perf.PeakEquity = nlv
		}
		if perf.TroughEquity == 0 || nlv < perf.TroughEquity {
			perf.TroughEquity = nlv
		}
	} else {
		r.logger.Warn("Account summary unavailable during reflection", "error", err)
	}

	mem.Performance = perf
	mem.UpdatedAt = now
	if err := r.memory.Save(ctx, mem); err != nil {
		return nil, err
	}

	r.logger.Info("Reflection complete", "session_id", sessionID,
		"trades", perf.Trades, "win_rate", perf.WinRate,
		"sharpe", perf.Sharpe, "loss_streak", perf.LossStreak)
	return &perf, nil
}

// buildPerformance folds closed trades into the rolling block. The Sharpe
// here is per-trade ROI mean over standard deviation, unannualized; it
// feeds autonomy promotion thresholds calibrated on the same scale.
func buildPerformance(closed []*domain.Trade, windowDays int) domain.RollingPerformance {
	perf := domain.RollingPerformance{
		WindowDays:   windowDays,
		SectorLosses: make(map[string]int),
	}

	var (
		sumROI, sumROI2, sumContracts float64
	)
	for _, t := range closed {
		perf.Trades++
		roi := t.ROI().InexactFloat64()
		sumROI += roi
		sumROI2 += roi * roi
		sumContracts += float64(t.Contracts)
		perf.RealizedPnL += t.RealizedPnL.InexactFloat64()

		if t.RealizedPnL.IsPositive() {
			perf.Wins++
		} else {
			perf.SectorLosses[executor.SectorOf(t.Symbol)]++
		}
	}
	if perf.Trades == 0 {
		return perf
	}

	n := float64(perf.Trades)
	perf.WinRate = float64(perf.Wins) / n
	perf.AvgROI = sumROI / n
	perf.AvgContracts = sumContracts / n
	if perf.Trades > 1 {
		variance := (sumROI2 - n*perf.AvgROI*perf.AvgROI) / (n - 1)
		if variance > 0 {
			perf.Sharpe = perf.AvgROI / math.Sqrt(variance)
		}
	}
	perf.LossStreak = lossStreak(closed)
	return perf
}

// lossStreak counts consecutive losing trades from the most recent close
// backwards. ListClosedSince returns trades ordered by exit time.
func lossStreak(closed []*domain.Trade) int {
	streak := 0
	for i := len(closed) - 1; i >= 0; i-- {
		if closed[i].RealizedPnL.IsPositive() {
			break
		}
		streak++
	}
	return streak
}

// RecordFillFailures copies the fill manager's failure streak into the
// performance block so the autonomy triggers can see it across restarts.
func (r *Reflector) RecordFillFailures(ctx context.Context, sessionID string, failures int) error {
	mem, err := r.memory.Load(ctx, sessionID)
	if err != nil || mem == nil {
		return err
	}
	if mem.Performance.FillFailures == failures {
		return nil
	}
	mem.Performance.FillFailures = failures
	mem.UpdatedAt = r.clock.Now()
	return r.memory.Save(ctx, mem)
}
