package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Action is the closed enumeration of engine outputs.
type Action string

const (
	ActionExecuteTrades     Action = "EXECUTE_TRADES"
	ActionStageCandidates   Action = "STAGE_CANDIDATES"
	ActionClosePosition     Action = "CLOSE_POSITION"
	ActionRollPosition      Action = "ROLL_POSITION"
	ActionMonitorOnly       Action = "MONITOR_ONLY"
	ActionSkipSession       Action = "SKIP_SESSION"
	ActionProposeExperiment Action = "PROPOSE_EXPERIMENT"
	ActionRequestReview     Action = "REQUEST_HUMAN_REVIEW"
	ActionEmergencyHalt     Action = "EMERGENCY_HALT"
)

// Valid reports whether a belongs to the closed action set.
func (a Action) Valid() bool {
	switch a {
	case ActionExecuteTrades, ActionStageCandidates, ActionClosePosition,
		ActionRollPosition, ActionMonitorOnly, ActionSkipSession,
		ActionProposeExperiment, ActionRequestReview, ActionEmergencyHalt:
		return true
	}
	return false
}

// Passive reports whether the action places no orders.
func (a Action) Passive() bool {
	switch a {
	case ActionMonitorOnly, ActionSkipSession, ActionRequestReview, ActionProposeExperiment:
		return true
	}
	return false
}

// ExperimentProposal rides on PROPOSE_EXPERIMENT outputs.
type ExperimentProposal struct {
	Parameter     string  `json:"parameter"`
	ControlValue  float64 `json:"control_value"`
	TestValue     float64 `json:"test_value"`
	Allocation    float64 `json:"allocation"`
	MinSamples    int     `json:"min_samples"`
	SuccessMetric string  `json:"success_metric"`
	Hypothesis    string  `json:"hypothesis"`
}

// DecisionOutput is the validated engine response for one event.
type DecisionOutput struct {
	SchemaVersion int                 `json:"schema_version"`
	Action        Action              `json:"action"`
	Symbols       []string            `json:"symbols,omitempty"`
	TradeIDs      []int64             `json:"trade_ids,omitempty"`
	StagedIDs     []string            `json:"staged_ids,omitempty"`
	Confidence    float64             `json:"confidence"`
	Reasoning     string              `json:"reasoning"`
	Risks         []string            `json:"risks"`
	Urgency       string              `json:"urgency,omitempty"`
	Experiment    *ExperimentProposal `json:"experiment,omitempty"`
}

// Validate enforces the output schema: closed action set, confidence in
// [0,1], and the per-action required fields.
func (o *DecisionOutput) Validate() error {
	if !o.Action.Valid() {
		return fmt.Errorf("unknown action %q", o.Action)
	}
	if o.Confidence < 0 || o.Confidence > 1 {
		return fmt.Errorf("confidence %v outside [0,1]", o.Confidence)
	}
	if o.Reasoning == "" {
		return fmt.Errorf("empty reasoning")
	}
	switch o.Action {
	case ActionProposeExperiment:
		if o.Experiment == nil {
			return fmt.Errorf("PROPOSE_EXPERIMENT without experiment proposal")
		}
		if o.Experiment.Parameter == "" {
			return fmt.Errorf("experiment proposal missing parameter")
		}
	case ActionRequestReview:
		if o.Urgency == "" {
			return fmt.Errorf("REQUEST_HUMAN_REVIEW without urgency")
		}
	case ActionClosePosition, ActionRollPosition:
		if len(o.TradeIDs) == 0 {
			return fmt.Errorf("%s without trade ids", o.Action)
		}
	}
	return nil
}

// Decision is one append-only audit row.
type Decision struct {
	ID            string
	SessionID     string
	EventID       string
	EventType     EventType
	Context       json.RawMessage
	Output        json.RawMessage
	Action        Action
	Result        json.RawMessage
	AutonomyLevel int
	CostUSD       decimal.Decimal
	CreatedAt     time.Time
}

// ActionResult is stored on the decision after execution.
type ActionResult struct {
	Status    string   `json:"status"`
	Error     string   `json:"error,omitempty"`
	OrderIDs  []int64  `json:"order_ids,omitempty"`
	TradeIDs  []int64  `json:"trade_ids,omitempty"`
	StagedIDs []string `json:"staged_ids,omitempty"`
	Detail    string   `json:"detail,omitempty"`
}

// DecisionEmbedding links a decision to its retrieval vector.
type DecisionEmbedding struct {
	DecisionID string
	Summary    string
	Vector     []float32
}

// Anomaly is an active safety flag in working memory.
type Anomaly struct {
	Code       string    `json:"code"`
	Detail     string    `json:"detail"`
	HardBlock  bool      `json:"hard_block"`
	RaisedAt   time.Time `json:"raised_at"`
	ResolvedAt time.Time `json:"resolved_at,omitempty"`
}

const (
	AnomalyReasoningUnavailable = "reasoning_unavailable"
	AnomalyStaleMarketData      = "stale_market_data"
	AnomalyAssignmentDetected   = "assignment_detected"
	AnomalyMarginDegraded       = "margin_degraded"
	AnomalyPositionMismatch     = "position_quantity_mismatch"
	AnomalyFillPriceDrift       = "fill_price_discrepancy"
)
