package learning

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/axels2025/TAAD-sub002/internal/config"
	"github.com/axels2025/TAAD-sub002/internal/core"
	"github.com/axels2025/TAAD-sub002/internal/domain"
	"github.com/axels2025/TAAD-sub002/internal/store"
)

const (
	ArmControl = "control"
	ArmTest    = "test"
)

// ExperimentManager owns the A/B experiment lifecycle. Adoption is the
// only code path that mutates strategy parameters.
type ExperimentManager struct {
	repo      *store.ExperimentRepo
	memory    *store.MemoryRepo
	decisions *store.DecisionRepo
	cfg       config.LearningConfig
	sessionID string
	clock     core.IClock
	logger    core.ILogger

	mu     sync.RWMutex
	active []*domain.Experiment // cache for Tag, refreshed on every mutation
}

// NewExperimentManager creates the manager and primes the active cache.
func NewExperimentManager(repo *store.ExperimentRepo, memory *store.MemoryRepo, decisions *store.DecisionRepo, cfg config.LearningConfig, sessionID string, clock core.IClock, logger core.ILogger) (*ExperimentManager, error) {
	m := &ExperimentManager{
		repo:      repo,
		memory:    memory,
		decisions: decisions,
		cfg:       cfg,
		sessionID: sessionID,
		clock:     clock,
		logger:    logger.WithField("component", "experiment_manager"),
	}
	if err := m.refresh(context.Background()); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *ExperimentManager) refresh(ctx context.Context) error {
	active, err := m.repo.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("failed to load active experiments: %w", err)
	}
	m.mu.Lock()
	m.active = active
	m.mu.Unlock()
	return nil
}

// Start creates an experiment from an engine proposal.
func (m *ExperimentManager) Start(ctx context.Context, p *domain.ExperimentProposal) (*domain.Experiment, error) {
	if _, ok := (domain.StrategyParams{}).Get(p.Parameter); !ok {
		return nil, fmt.Errorf("unknown experiment parameter %q", p.Parameter)
	}
	allocation := p.Allocation
	if allocation <= 0 || allocation >= 1 {
		allocation = 0.5
	}
	minSamples := p.MinSamples
	if minSamples < m.cfg.MinSamples {
		minSamples = m.cfg.MinSamples
	}

	now := m.clock.Now()
	e := &domain.Experiment{
		ID:            uuid.NewString(),
		Name:          fmt.Sprintf("%s %v vs %v", p.Parameter, p.ControlValue, p.TestValue),
		Parameter:     p.Parameter,
		ControlValue:  p.ControlValue,
		TestValue:     p.TestValue,
		Allocation:    allocation,
		MinSamples:    minSamples,
		SuccessMetric: p.SuccessMetric,
		Status:        domain.ExperimentActive,
		StartedAt:     now,
		Deadline:      now.AddDate(0, 0, m.cfg.ExperimentDeadlineDays),
	}
	if err := m.repo.Upsert(ctx, e); err != nil {
		return nil, err
	}
	if err := m.refresh(ctx); err != nil {
		return nil, err
	}
	m.logger.Info("Experiment started", "id", e.ID, "parameter", e.Parameter,
		"control", e.ControlValue, "test", e.TestValue, "deadline", e.Deadline)
	return e, nil
}

// Tag implements the executor's tagger: a new entry is assigned to the
// first active experiment, with the arm chosen by a stable hash so the
// same symbol and entry date always land in the same arm.
func (m *ExperimentManager) Tag(symbol string, entry time.Time) (string, string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.active) == 0 {
		return "", ""
	}
	e := m.active[0]

	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%s|%s", e.ID, symbol, entry.UTC().Format("2006-01-02"))
	bucket := float64(h.Sum64()%10000) / 10000

	arm := ArmControl
	if bucket < e.Allocation {
		arm = ArmTest
	}
	return e.ID, arm
}

// ParamValue returns the effective value of a parameter for a tagged arm.
func (m *ExperimentManager) ParamValue(experimentID, arm string, base float64) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, e := range m.active {
		if e.ID == experimentID {
			if arm == ArmTest {
				return e.TestValue
			}
			return e.ControlValue
		}
	}
	return base
}

// RecordOutcome adds a closed trade to its experiment arm and evaluates
// the termination rules.
func (m *ExperimentManager) RecordOutcome(ctx context.Context, t *domain.Trade) error {
	if t.ExperimentID == "" {
		return nil
	}
	e, err := m.repo.Get(ctx, t.ExperimentID)
	if err != nil {
		return err
	}
	if e == nil || e.Status.Terminal() {
		return nil
	}

	roi := t.ROI().InexactFloat64()
	win := t.RealizedPnL.IsPositive()
	if t.ExperimentArm == ArmTest {
		e.Test.Record(roi, win)
	} else {
		e.Control.Record(roi, win)
	}
	if err := m.repo.Upsert(ctx, e); err != nil {
		return err
	}
	return m.evaluate(ctx, e)
}

// evaluate terminates an experiment when both arms reached min samples
// with a significant difference, or when the deadline passed.
func (m *ExperimentManager) evaluate(ctx context.Context, e *domain.Experiment) error {
	now := m.clock.Now()

	if e.Control.Samples >= e.MinSamples && e.Test.Samples >= e.MinSamples {
		c := compare(e.Test, e.Control)
		if c.PValue < m.cfg.PThreshold {
			if e.Test.Mean() > e.Control.Mean() {
				return m.adopt(ctx, e, c)
			}
			return m.finish(ctx, e, domain.ExperimentRejected, fmt.Sprintf(
				"test arm underperformed: %.4f vs %.4f (p=%.4f)",
				e.Test.Mean(), e.Control.Mean(), c.PValue))
		}
	}

	if now.After(e.Deadline) {
		return m.finish(ctx, e, domain.ExperimentInconclusive, fmt.Sprintf(
			"deadline passed with control=%d test=%d samples",
			e.Control.Samples, e.Test.Samples))
	}
	return nil
}

// adopt promotes the test value into working memory's strategy parameters
// and records the change as an auditable decision.
func (m *ExperimentManager) adopt(ctx context.Context, e *domain.Experiment, c comparison) error {
	mem, err := m.memory.Load(ctx, m.sessionID)
	if err != nil {
		return err
	}
	if mem == nil {
		return fmt.Errorf("no working memory for session %s", m.sessionID)
	}

	old, _ := mem.Params.Get(e.Parameter)
	if !mem.Params.Set(e.Parameter, e.TestValue) {
		return fmt.Errorf("experiment %s targets unknown parameter %q", e.ID, e.Parameter)
	}
	mem.UpdatedAt = m.clock.Now()
	if err := m.memory.Save(ctx, mem); err != nil {
		return err
	}

	reason := fmt.Sprintf("adopted %s=%v (was %v): p=%.4f effect=%.2f",
		e.Parameter, e.TestValue, old, c.PValue, c.Effect)
	if err := m.finish(ctx, e, domain.ExperimentAdopted, reason); err != nil {
		return err
	}
	m.recordAdjustment(ctx, e, reason)
	m.logger.Info("Experiment adopted", "id", e.ID, "parameter", e.Parameter,
		"old", old, "new", e.TestValue, "p_value", c.PValue)
	return nil
}

func (m *ExperimentManager) finish(ctx context.Context, e *domain.Experiment, status domain.ExperimentStatus, reason string) error {
	e.Status = status
	e.DecisionReason = reason
	e.FinishedAt = m.clock.Now()
	if err := m.repo.Upsert(ctx, e); err != nil {
		return err
	}
	m.logger.Info("Experiment finished", "id", e.ID, "status", status, "reason", reason)
	return m.refresh(ctx)
}

// recordAdjustment appends a parameter_adjusted decision row so the audit
// trail explains every parameter change. Failures are logged, not fatal.
func (m *ExperimentManager) recordAdjustment(ctx context.Context, e *domain.Experiment, reason string) {
	output, err := json.Marshal(map[string]interface{}{
		"action":        "parameter_adjusted",
		"experiment_id": e.ID,
		"parameter":     e.Parameter,
		"new_value":     e.TestValue,
		"reason":        reason,
	})
	if err != nil {
		return
	}
	d := &domain.Decision{
		ID:        uuid.NewString(),
		SessionID: m.sessionID,
		EventType: domain.EventExperimentResultReady,
		Output:    output,
		Action:    domain.ActionProposeExperiment,
		CreatedAt: m.clock.Now(),
	}
	if err := m.decisions.Insert(ctx, d); err != nil {
		m.logger.Error("Failed to record parameter adjustment", "error", err)
	}
}

// Views renders the active experiments for the reasoning context.
func (m *ExperimentManager) Views() []core.ExperimentView {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]core.ExperimentView, 0, len(m.active))
	for _, e := range m.active {
		out = append(out, core.ExperimentView{
			ID:             e.ID,
			Parameter:      e.Parameter,
			ControlValue:   e.ControlValue,
			TestValue:      e.TestValue,
			ControlSamples: e.Control.Samples,
			TestSamples:    e.Test.Samples,
		})
	}
	return out
}
