package executor

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/axels2025/TAAD-sub002/internal/config"
	"github.com/axels2025/TAAD-sub002/internal/core"
	"github.com/axels2025/TAAD-sub002/internal/domain"
	"github.com/axels2025/TAAD-sub002/pkg/concurrency"
)

// SelectionOutcome is the tri-state result of a live strike selection.
type SelectionOutcome string

const (
	OutcomeSelected  SelectionOutcome = "SELECTED"
	OutcomeUnchanged SelectionOutcome = "UNCHANGED"
	OutcomeAbandoned SelectionOutcome = "ABANDONED"
)

// SelectionRequest asks for the best strike at execution time.
type SelectionRequest struct {
	Symbol     string
	Expiration time.Time
	// OriginalStrike is the previously staged strike; zero for fresh staging.
	OriginalStrike decimal.Decimal
	TargetDelta    decimal.Decimal
	Tolerance      decimal.Decimal
	// StagedUnderlying backs the fallback when live data is stale.
	StagedUnderlying decimal.Decimal
}

// Selection is the selector result. Broker and liquidity failures surface
// as ABANDONED with a reason, not as errors; callers branch on Outcome.
type Selection struct {
	Outcome    SelectionOutcome
	Contract   core.OptionContract
	Greeks     domain.Greeks
	Underlying decimal.Decimal
	StaleData  bool
	Reason     string
}

// StrikeSelector resolves strikes against the live chain.
type StrikeSelector struct {
	broker core.IBroker
	cfg    config.TradingConfig
	pool   *concurrency.WorkerPool
	clock  core.IClock
	logger core.ILogger
}

// NewStrikeSelector creates the live strike selector. The pool bounds the
// Greek-fetch fan-out.
func NewStrikeSelector(broker core.IBroker, cfg config.TradingConfig, pool *concurrency.WorkerPool, clock core.IClock, logger core.ILogger) *StrikeSelector {
	return &StrikeSelector{
		broker: broker,
		cfg:    cfg,
		pool:   pool,
		clock:  clock,
		logger: logger.WithField("component", "strike_selector"),
	}
}

func abandoned(reason string, stale bool) Selection {
	return Selection{Outcome: OutcomeAbandoned, Reason: reason, StaleData: stale}
}

// Select runs the selection algorithm: live underlying, chain fetch, OTM
// filter, bounded parallel Greek sampling, liquidity floors, then nearest
// to target delta within tolerance.
func (s *StrikeSelector) Select(ctx context.Context, req SelectionRequest) Selection {
	now := s.clock.Now()

	underlying, staleData := s.underlyingPrice(ctx, req, now)
	if underlying.IsZero() {
		return abandoned("no underlying price available", staleData)
	}

	strikes, err := s.broker.GetOptionChain(ctx, req.Symbol, req.Expiration)
	if err != nil {
		return abandoned("option chain unavailable: "+err.Error(), staleData)
	}

	candidates := s.filterStrikes(strikes, underlying, req.OriginalStrike)
	if len(candidates) == 0 {
		return abandoned("no strikes beyond OTM floor", staleData)
	}

	contracts := make([]core.OptionContract, len(candidates))
	for i, strike := range candidates {
		contracts[i] = core.OptionContract{
			Symbol:     req.Symbol,
			Right:      domain.RightPut,
			Strike:     strike,
			Expiration: req.Expiration,
		}
	}
	qualified, err := s.broker.QualifyContracts(ctx, contracts)
	if err != nil {
		return abandoned("contract qualification failed: "+err.Error(), staleData)
	}

	greeks, conIDs := s.fetchGreeks(ctx, qualified)
	defer s.broker.CancelMarketData(ctx, conIDs)

	best, ok := s.pickByDelta(qualified, greeks, req.TargetDelta, req.Tolerance)
	if !ok {
		return abandoned("no candidate passed liquidity floors within delta tolerance", staleData)
	}

	sel := Selection{
		Outcome:    OutcomeSelected,
		Contract:   best,
		Greeks:     greeks[best.ConID],
		Underlying: underlying,
		StaleData:  staleData,
	}
	if !req.OriginalStrike.IsZero() && best.Strike.Equal(req.OriginalStrike) {
		sel.Outcome = OutcomeUnchanged
	}
	return sel
}

func (s *StrikeSelector) underlyingPrice(ctx context.Context, req SelectionRequest, now time.Time) (decimal.Decimal, bool) {
	q, err := s.broker.GetStockQuote(ctx, req.Symbol)
	if err == nil && !q.Mid().IsZero() && q.Age(now) <= s.cfg.StalenessThreshold() {
		return q.Mid(), false
	}
	if err != nil {
		s.logger.Warn("Underlying quote unavailable, using staged price",
			"symbol", req.Symbol, "error", err)
	} else {
		s.logger.Warn("Underlying quote stale, using staged price",
			"symbol", req.Symbol, "age", q.Age(now))
	}
	return req.StagedUnderlying, true
}

// filterStrikes keeps OTM puts past the min-OTM floor, nearest to the
// reference strike first, capped at max_candidates.
func (s *StrikeSelector) filterStrikes(strikes []decimal.Decimal, underlying, original decimal.Decimal) []decimal.Decimal {
	maxStrike := underlying.Mul(decimal.NewFromFloat(1 - s.cfg.MinOTMPct))
	ref := original
	if ref.IsZero() {
		ref = maxStrike
	}

	var otm []decimal.Decimal
	for _, strike := range strikes {
		if strike.IsPositive() && strike.LessThanOrEqual(maxStrike) {
			otm = append(otm, strike)
		}
	}
	sort.Slice(otm, func(i, j int) bool {
		return otm[i].Sub(ref).Abs().LessThan(otm[j].Sub(ref).Abs())
	})
	if max := s.cfg.MaxCandidates; max > 0 && len(otm) > max {
		otm = otm[:max]
	}
	return otm
}

// fetchGreeks samples Greeks for each contract with bounded concurrency.
func (s *StrikeSelector) fetchGreeks(ctx context.Context, contracts []core.OptionContract) (map[int64]domain.Greeks, []int64) {
	var (
		mu     sync.Mutex
		greeks = make(map[int64]domain.Greeks, len(contracts))
		conIDs = make([]int64, 0, len(contracts))
	)

	group := s.pool.Group()
	for _, c := range contracts {
		c := c
		conIDs = append(conIDs, c.ConID)
		group.Submit(func() {
			batch, err := s.broker.GetGreeksBatch(ctx, []core.OptionContract{c})
			if err != nil {
				s.logger.Warn("Greek fetch failed", "symbol", c.Symbol,
					"strike", c.Strike.String(), "error", err)
				return
			}
			mu.Lock()
			for id, g := range batch {
				greeks[id] = g
			}
			mu.Unlock()
		})
	}
	group.Wait()
	return greeks, conIDs
}

func (s *StrikeSelector) pickByDelta(contracts []core.OptionContract, greeks map[int64]domain.Greeks, target, tolerance decimal.Decimal) (core.OptionContract, bool) {
	var (
		best     core.OptionContract
		bestDist decimal.Decimal
		found    bool
	)
	for _, c := range contracts {
		g, ok := greeks[c.ConID]
		if !ok || !s.passesFloors(g) {
			continue
		}
		dist := g.Delta.Abs().Sub(target).Abs()
		if !found || dist.LessThan(bestDist) {
			best, bestDist, found = c, dist, true
		}
	}
	if !found || bestDist.GreaterThan(tolerance) {
		return core.OptionContract{}, false
	}
	return best, true
}

func (s *StrikeSelector) passesFloors(g domain.Greeks) bool {
	if !g.HasDelta {
		return false
	}
	if g.Bid.LessThan(decimal.NewFromFloat(s.cfg.PremiumFloor)) {
		return false
	}
	if g.SpreadPct().GreaterThan(decimal.NewFromFloat(s.cfg.MaxSpreadPct)) {
		return false
	}
	if g.Volume < int64(s.cfg.MinVolume) {
		return false
	}
	if g.OpenInterest < int64(s.cfg.MinOpenInterest) {
		return false
	}
	return true
}
