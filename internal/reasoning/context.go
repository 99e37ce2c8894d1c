package reasoning

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/axels2025/TAAD-sub002/internal/core"
)

// systemInstruction is the fixed engine contract. The model must return a
// single JSON object matching domain.DecisionOutput; anything else fails
// validation and triggers one repair round.
const systemInstruction = `You are the decision engine of an automated cash-secured put selling desk.
You receive one event plus a JSON context snapshot: open positions, account
state, market regime, staged candidates, recent and similar past decisions,
detected patterns, running experiments, strategy parameters, autonomy level
and active anomalies.

Respond with exactly one JSON object, no prose outside it:
{
  "schema_version": 1,
  "action": "EXECUTE_TRADES" | "STAGE_CANDIDATES" | "CLOSE_POSITION" |
            "ROLL_POSITION" | "MONITOR_ONLY" | "SKIP_SESSION" |
            "PROPOSE_EXPERIMENT" | "REQUEST_HUMAN_REVIEW" | "EMERGENCY_HALT",
  "symbols": [...],        // STAGE_CANDIDATES
  "staged_ids": [...],     // EXECUTE_TRADES
  "trade_ids": [...],      // CLOSE_POSITION / ROLL_POSITION
  "confidence": 0.0-1.0,
  "reasoning": "...",
  "risks": [...],
  "urgency": "low"|"medium"|"high",   // REQUEST_HUMAN_REVIEW
  "experiment": {...}                 // PROPOSE_EXPERIMENT
}

Rules:
- Never invent numbers. Every figure you cite must come from the context.
- Positions past their profit target or approaching their stop take priority
  over new entries.
- When data is stale, the broker is degraded, or an anomaly is active,
  prefer MONITOR_ONLY or REQUEST_HUMAN_REVIEW over trading.
- EMERGENCY_HALT is reserved for margin breaches and unexplained position
  mismatches.`

// userPrompt renders the context snapshot for one engine call. A non-empty
// repairNote carries the validation failure of the previous attempt back to
// the model.
func userPrompt(rc *core.ReasoningContext, repairNote string) (string, error) {
	snapshot, err := json.Marshal(rc)
	if err != nil {
		return "", fmt.Errorf("failed to serialize reasoning context: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Event: %s\nContext:\n%s\n", rc.EventType, snapshot)
	if repairNote != "" {
		fmt.Fprintf(&b, "\nYour previous response was rejected: %s\nReturn a corrected JSON object.", repairNote)
	}
	return b.String(), nil
}

// Summarize produces the compact text used as the retrieval query and as
// the stored embedding summary for this event.
func Summarize(rc *core.ReasoningContext) string {
	var parts []string
	parts = append(parts, strings.ToLower(string(rc.EventType)))

	if !rc.Market.VIX.IsZero() {
		parts = append(parts, fmt.Sprintf("vix %s %s", rc.Market.VIX.StringFixed(1), rc.Market.Regime))
	}
	for _, p := range rc.Positions {
		tag := fmt.Sprintf("%s %sP %ddte", p.Symbol, p.Strike.StringFixed(0), p.DTE)
		if p.ProfitTargetHit {
			tag += " profit-target-hit"
		}
		if p.StopApproaching {
			tag += " stop-approaching"
		}
		parts = append(parts, tag)
	}
	for _, c := range rc.Candidates {
		parts = append(parts, fmt.Sprintf("candidate %s %sP", c.Symbol, c.Strike.StringFixed(0)))
	}
	for _, a := range rc.Anomalies {
		parts = append(parts, "anomaly "+a.Code)
	}
	return strings.Join(parts, " ")
}
