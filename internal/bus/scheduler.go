package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/axels2025/TAAD-sub002/internal/core"
	"github.com/axels2025/TAAD-sub002/internal/domain"
)

// Scheduler emits the calendar events into the bus. Emission is
// idempotent: each (type, slot) lands at most once regardless of how
// often the cron fires or the process restarts.
type Scheduler struct {
	bus            core.IEventBus
	calendar       *MarketCalendar
	clock          core.IClock
	logger         core.ILogger
	cron           *cron.Cron
	checkMinutes   int
	allowPreMarket bool
}

// NewScheduler wires the cron entries. Start begins emission.
func NewScheduler(bus core.IEventBus, calendar *MarketCalendar, clock core.IClock, checkMinutes int, allowPreMarket bool, logger core.ILogger) *Scheduler {
	s := &Scheduler{
		bus:            bus,
		calendar:       calendar,
		clock:          clock,
		logger:         logger.WithField("component", "scheduler"),
		cron:           cron.New(cron.WithLocation(calendar.Location())),
		checkMinutes:   checkMinutes,
		allowPreMarket: allowPreMarket,
	}
	return s
}

// Start registers the cron entries and runs them until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	entries := []struct {
		spec string
		typ  domain.EventType
		when func(time.Time) bool
	}{
		{"0 9 * * MON-FRI", domain.EventPreMarketPrep, s.tradingDayAnd(func() bool { return s.allowPreMarket })},
		{"30 9 * * MON-FRI", domain.EventMarketOpen, s.tradingDay},
		{"0 16 * * MON-FRI", domain.EventMarketClose, s.tradingDay},
		{"30 16 * * MON-FRI", domain.EventEndOfDayReflection, s.tradingDay},
		{"0 18 * * SUN", domain.EventWeeklyLearning, func(time.Time) bool { return true }},
	}

	for _, e := range entries {
		e := e
		if _, err := s.cron.AddFunc(e.spec, func() { s.emit(ctx, e.typ, e.when) }); err != nil {
			return fmt.Errorf("failed to register cron entry for %s: %w", e.typ, err)
		}
	}

	checkSpec := fmt.Sprintf("*/%d 9-16 * * MON-FRI", s.checkMinutes)
	if _, err := s.cron.AddFunc(checkSpec, func() {
		s.emit(ctx, domain.EventScheduledCheck, s.inSession)
	}); err != nil {
		return fmt.Errorf("failed to register scheduled check: %w", err)
	}

	s.cron.Start()
	s.logger.Info("Scheduler started", "check_minutes", s.checkMinutes, "pre_market", s.allowPreMarket)

	<-ctx.Done()
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	s.logger.Info("Scheduler stopped")
	return nil
}

func (s *Scheduler) emit(ctx context.Context, typ domain.EventType, when func(time.Time) bool) {
	now := s.clock.Now()
	if when != nil && !when(now) {
		return
	}

	if _, err := s.bus.PublishScheduled(ctx, typ, s.slotFor(typ, now)); err != nil {
		s.logger.Error("Failed to emit scheduled event", "type", typ, "error", err)
	}
}

// slotFor picks the dedup slot. Once-per-day events key on the trading
// date so a cron re-fire in a later minute cannot double-publish;
// intra-session checks keep their minute slot.
func (s *Scheduler) slotFor(typ domain.EventType, now time.Time) time.Time {
	if typ == domain.EventScheduledCheck {
		return now
	}
	y, m, d := now.In(s.calendar.Location()).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func (s *Scheduler) tradingDay(t time.Time) bool {
	return s.calendar.IsTradingDay(t)
}

func (s *Scheduler) inSession(t time.Time) bool {
	return s.calendar.InSession(t)
}

func (s *Scheduler) tradingDayAnd(cond func() bool) func(time.Time) bool {
	return func(t time.Time) bool {
		return cond() && s.calendar.IsTradingDay(t)
	}
}
