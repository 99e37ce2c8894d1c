package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/axels2025/TAAD-sub002/internal/alert"
	"github.com/axels2025/TAAD-sub002/internal/broker/ibkr"
	evbus "github.com/axels2025/TAAD-sub002/internal/bus"
	"github.com/axels2025/TAAD-sub002/internal/config"
	"github.com/axels2025/TAAD-sub002/internal/core"
	"github.com/axels2025/TAAD-sub002/internal/domain"
	"github.com/axels2025/TAAD-sub002/internal/executor"
	"github.com/axels2025/TAAD-sub002/internal/governor"
	"github.com/axels2025/TAAD-sub002/internal/infrastructure/metrics"
	"github.com/axels2025/TAAD-sub002/internal/learning"
	"github.com/axels2025/TAAD-sub002/internal/memory"
	"github.com/axels2025/TAAD-sub002/internal/mock"
	"github.com/axels2025/TAAD-sub002/internal/orchestrator"
	"github.com/axels2025/TAAD-sub002/internal/reasoning"
	"github.com/axels2025/TAAD-sub002/internal/reconciler"
	"github.com/axels2025/TAAD-sub002/internal/store"
	"github.com/axels2025/TAAD-sub002/pkg/concurrency"
	"github.com/axels2025/TAAD-sub002/pkg/logging"
	"github.com/axels2025/TAAD-sub002/pkg/telemetry"
)

var configFile = flag.String("config", "configs/config.yaml", "Path to configuration file")

const (
	dispatchPoll      = 1 * time.Second
	reconcileInterval = 5 * time.Minute
	embeddingDims     = 256
)

func main() {
	flag.Parse()

	if envConfig := os.Getenv("CONFIG_FILE"); envConfig != "" {
		*configFile = envConfig
	}

	// 1. Load Configuration (use default if not found)
	cfg := config.DefaultConfig()
	if _, err := os.Stat(*configFile); err == nil {
		loadedCfg, err := config.LoadConfig(*configFile)
		if err != nil {
			logger, _ := logging.NewZapLogger("INFO")
			logger.Fatal("Failed to load config file", "path", *configFile, "error", err)
		}
		cfg = loadedCfg
	}

	// 2. Initialize Logger
	logger, err := logging.NewZapLogger(cfg.System.LogLevel)
	if err != nil {
		logger, _ = logging.NewZapLogger("INFO")
		logger.Warn("Invalid log level, falling back to INFO", "level", cfg.System.LogLevel)
	}

	sessionID := cfg.System.SessionID
	if sessionID == "" {
		sessionID = "live"
	}

	logger.Info("Starting put seller daemon",
		"broker_mode", cfg.Broker.Mode,
		"session_id", sessionID,
		"db_path", cfg.System.DBPath)

	// 3. Telemetry (traces + prometheus metrics)
	tel, err := telemetry.Setup("putsellerd")
	if err != nil {
		logger.Fatal("Telemetry setup failed", "error", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Telemetry shutdown failed", "error", err)
		}
	}()

	// 4. Storage and repositories
	s, err := store.Open(cfg.System.DBPath)
	if err != nil {
		logger.Fatal("Store open failed", "db_path", cfg.System.DBPath, "error", err)
	}
	defer func() { _ = s.Close() }()

	trades := store.NewTradeRepo(s)
	orders := store.NewOrderRepo(s)
	staged := store.NewStagedRepo(s)
	decisions := store.NewDecisionRepo(s)
	experiments := store.NewExperimentRepo(s)
	memories := store.NewMemoryRepo(s)
	system := store.NewSystemRepo(s)

	clock := core.SystemClock{}

	// 5. Event bus and market calendar
	calendar, err := evbus.NewMarketCalendar()
	if err != nil {
		logger.Fatal("Market calendar init failed", "error", err)
	}
	eventBus, err := evbus.New(store.NewEventRepo(s), clock, logger)
	if err != nil {
		logger.Fatal("Event bus init failed", "error", err)
	}

	// 6. Broker (mock keeps the full loop runnable without a gateway)
	var (
		brk       core.IBroker
		brokerRun func(ctx context.Context) error
	)
	if cfg.Broker.Mode == "mock" {
		brk = mock.NewBroker(clock)
		logger.Warn("Running against the mock broker; no real orders will be placed")
	} else {
		client := ibkr.New(cfg.Broker, clock, logger)
		brk = client
		brokerRun = client.Start
	}
	bridgeBrokerEvents(brk, eventBus, logger)

	// 7. Core components
	greeksPool := concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:        "greeks",
		MaxWorkers:  8,
		MaxCapacity: 256,
	}, logger)
	defer greeksPool.Stop()

	selector := executor.NewStrikeSelector(brk, cfg.Trading, greeksPool, clock, logger)
	fills := executor.NewFillManager(brk, orders, cfg.Fills, cfg.Trading, clock, logger)
	risk := governor.NewRiskGovernor(cfg.Risk, brk, logger)
	autonomy := governor.NewAutonomyGovernor(cfg.Autonomy, logger)

	expManager, err := learning.NewExperimentManager(experiments, memories, decisions, cfg.Learning, sessionID, clock, logger)
	if err != nil {
		logger.Fatal("Experiment manager init failed", "error", err)
	}

	exec := executor.New(cfg.Trading, executor.Deps{
		Broker:   brk,
		Trades:   trades,
		Orders:   orders,
		Staged:   staged,
		System:   system,
		Selector: selector,
		Sizer:    executor.Sizer{RiskPct: cfg.Risk.MaxPositionRiskPct},
		Fills:    fills,
		Risk:     risk,
		Bus:      eventBus,
		Calendar: calendar,
		Tagger:   expManager,
		Earnings: cfg.Trading.EarningsDates,
		Clock:    clock,
		Logger:   logger,
	})

	mem := memory.New(memories, decisions, memory.NewHashEmbedder(embeddingDims), clock, logger)
	engine := reasoning.New(cfg.Reasoning, system, clock, logger)
	rec := reconciler.New(brk, trades, orders, decisions, eventBus, sessionID, clock, logger)
	reflector := learning.NewReflector(trades, memories, brk, clock, logger)
	detector := learning.NewPatternDetector(trades, experiments, cfg.Learning, clock, logger)
	alerts := alert.NewManager([]alert.Channel{alert.NewLogChannel(logger)}, clock, logger)

	orch := orchestrator.New(cfg, sessionID, orchestrator.Deps{
		Bus:         eventBus,
		Engine:      engine,
		Memory:      mem,
		Executor:    exec,
		FillEvents:  exec,
		Fills:       fills,
		Autonomy:    autonomy,
		Reconciler:  rec,
		Experiments: expManager,
		Reflector:   reflector,
		Patterns:    detector,
		Broker:      brk,
		Trades:      trades,
		Orders:      orders,
		Staged:      staged,
		Decisions:   decisions,
		Experiment:  experiments,
		System:      system,
		Calendar:    calendar,
		Alerts:      alerts,
		Clock:       clock,
		Logger:      logger,
	})

	scheduler := evbus.NewScheduler(eventBus, calendar, clock,
		cfg.Trading.ScheduledCheckMinutes, cfg.Trading.AllowPreMarket, logger)

	// 8. Run everything until a signal arrives
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return orch.Run(ctx, dispatchPoll) })
	g.Go(func() error { return scheduler.Start(ctx) })
	g.Go(func() error { return fills.Run(ctx) })
	g.Go(func() error { return rec.Run(ctx, reconcileInterval) })
	if brokerRun != nil {
		g.Go(func() error { return brokerRun(ctx) })
	}
	if cfg.Telemetry.EnableMetrics {
		srv := metrics.NewServer(cfg.Telemetry.MetricsPort, logger)
		g.Go(func() error { return srv.Run(ctx) })
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Daemon stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("Daemon stopped")
}

// bridgeBrokerEvents forwards asynchronous broker callbacks into the
// durable queue so the dispatcher is the only consumer of broker state.
func bridgeBrokerEvents(brk core.IBroker, bus core.IEventBus, logger core.ILogger) {
	log := logger.WithField("component", "broker_bridge")
	brk.Subscribe(func(e core.BrokerEvent) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		var err error
		switch e.Type {
		case domain.EventOrderFilled:
			_, err = bus.Publish(ctx, e.Type, domain.OrderFilledPayload{
				BrokerOrderID: e.BrokerOrderID,
				ExecutionID:   e.ExecutionID,
				Symbol:        e.Symbol,
				FilledQty:     e.FilledQty,
				AvgFillPrice:  e.AvgFillPrice.String(),
			})
		case domain.EventOrderStatusChanged:
			_, err = bus.Publish(ctx, e.Type, domain.OrderStatusPayload{
				BrokerOrderID: e.BrokerOrderID,
				Status:        string(e.Status),
				FilledQty:     e.FilledQty,
				Remaining:     e.Remaining,
			})
		case domain.EventBrokerDisconnected, domain.EventBrokerReconnected:
			_, err = bus.Publish(ctx, e.Type, nil)
		default:
			return
		}
		if err != nil {
			log.Error("Broker event publish failed", "type", string(e.Type), "error", err)
		}
	})
}
