// Package reasoning implements the LLM decision engine: context
// serialization, the generateContent transport, schema and grounding
// validation, and the cost governor.
package reasoning

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/axels2025/TAAD-sub002/internal/config"
	"github.com/axels2025/TAAD-sub002/internal/core"
	"github.com/axels2025/TAAD-sub002/internal/domain"
	"github.com/axels2025/TAAD-sub002/internal/store"
	"github.com/axels2025/TAAD-sub002/pkg/httpx"
	"github.com/axels2025/TAAD-sub002/pkg/telemetry"
)

// poster is the transport slice of httpx.Client the engine needs.
type poster interface {
	Post(ctx context.Context, path string, body interface{}) ([]byte, error)
}

// Engine implements core.IReasoningEngine over a generateContent-style
// JSON API.
type Engine struct {
	cfg     config.ReasoningConfig
	http    poster
	system  *store.SystemRepo
	clock   core.IClock
	logger  core.ILogger
	metrics *telemetry.MetricsHolder
}

// New creates the reasoning engine with its own resilient HTTP client.
func New(cfg config.ReasoningConfig, system *store.SystemRepo, clock core.IClock, logger core.ILogger) *Engine {
	client := httpx.NewClient(cfg.BaseURL, cfg.Timeout(), map[string]string{
		"x-goog-api-key": cfg.APIKey,
	})
	return newEngine(cfg, client, system, clock, logger)
}

func newEngine(cfg config.ReasoningConfig, http poster, system *store.SystemRepo, clock core.IClock, logger core.ILogger) *Engine {
	return &Engine{
		cfg:     cfg,
		http:    http,
		system:  system,
		clock:   clock,
		logger:  logger.WithField("component", "reasoning_engine"),
		metrics: telemetry.GetGlobalMetrics(),
	}
}

// Decide runs one engine call for the event. Invalid output gets one
// repair round; if that also fails the engine falls back to MONITOR_ONLY
// rather than returning an error, so a misbehaving model degrades to
// passivity instead of stalling the dispatcher.
func (e *Engine) Decide(ctx context.Context, rc *core.ReasoningContext) (*domain.DecisionOutput, decimal.Decimal, error) {
	today := e.clock.Now().UTC().Format("2006-01-02")
	spent, err := e.system.CostToday(ctx, today)
	if err != nil {
		return nil, decimal.Zero, fmt.Errorf("failed to read cost counter: %w", err)
	}
	if e.cfg.DailyCostCapUSD > 0 && spent >= e.cfg.DailyCostCapUSD {
		return nil, decimal.Zero, fmt.Errorf("%w: spent %.4f of %.2f USD",
			core.ErrCostCapReached, spent, e.cfg.DailyCostCapUSD)
	}

	out, cost, err := e.call(ctx, rc, "")
	if err != nil {
		return nil, cost, err
	}

	if reason := e.reject(out, rc); reason != "" {
		e.logger.Warn("Engine output rejected, requesting repair", "reason", reason)
		repaired, repairCost, rerr := e.call(ctx, rc, reason)
		cost = cost.Add(repairCost)
		if rerr != nil {
			e.logger.Warn("Repair call failed, falling back to monitor-only", "error", rerr)
			return fallbackOutput(reason), cost, nil
		}
		if again := e.reject(repaired, rc); again != "" {
			e.logger.Warn("Repaired output still invalid, falling back to monitor-only", "reason", again)
			return fallbackOutput(again), cost, nil
		}
		out = repaired
	}

	if out.Confidence < e.cfg.MinConfidence && !out.Action.Passive() {
		e.logger.Info("Confidence below floor, downgrading to monitor-only",
			"action", out.Action, "confidence", out.Confidence)
		out = &domain.DecisionOutput{
			SchemaVersion: core.ReasoningContextVersion,
			Action:        domain.ActionMonitorOnly,
			Confidence:    out.Confidence,
			Reasoning: fmt.Sprintf("downgraded from %s: confidence %.2f below floor %.2f; %s",
				out.Action, out.Confidence, e.cfg.MinConfidence, out.Reasoning),
			Risks: out.Risks,
		}
	}
	return out, cost, nil
}

// reject returns a non-empty reason when the output fails schema or
// grounding validation.
func (e *Engine) reject(out *domain.DecisionOutput, rc *core.ReasoningContext) string {
	if err := out.Validate(); err != nil {
		return err.Error()
	}
	if err := checkGrounding(out, rc, e.cfg.GroundingTolerance); err != nil {
		return err.Error()
	}
	return ""
}

func fallbackOutput(reason string) *domain.DecisionOutput {
	return &domain.DecisionOutput{
		SchemaVersion: core.ReasoningContextVersion,
		Action:        domain.ActionMonitorOnly,
		Confidence:    0,
		Reasoning:     "engine output failed validation: " + reason,
		Risks:         []string{"reasoning engine produced invalid output"},
	}
}

type generateRequest struct {
	SystemInstruction generateContent `json:"system_instruction"`
	Contents          []generateContent `json:"contents"`
	GenerationConfig  generationConfig  `json:"generationConfig"`
}

type generateContent struct {
	Parts []generatePart `json:"parts"`
}

type generatePart struct {
	Text string `json:"text"`
}

type generationConfig struct {
	Temperature      float64 `json:"temperature"`
	MaxOutputTokens  int     `json:"maxOutputTokens"`
	ResponseMIMEType string  `json:"response_mime_type"`
}

type generateResponse struct {
	Candidates []struct {
		Content generateContent `json:"content"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
}

// call performs one generateContent round trip and books its cost.
func (e *Engine) call(ctx context.Context, rc *core.ReasoningContext, repairNote string) (*domain.DecisionOutput, decimal.Decimal, error) {
	prompt, err := userPrompt(rc, repairNote)
	if err != nil {
		return nil, decimal.Zero, err
	}

	req := generateRequest{
		SystemInstruction: generateContent{Parts: []generatePart{{Text: systemInstruction}}},
		Contents:          []generateContent{{Parts: []generatePart{{Text: prompt}}}},
		GenerationConfig: generationConfig{
			Temperature:      e.cfg.Temperature,
			MaxOutputTokens:  e.cfg.MaxTokens,
			ResponseMIMEType: "application/json",
		},
	}

	start := e.clock.Now()
	body, err := e.http.Post(ctx, fmt.Sprintf("/v1beta/models/%s:generateContent", e.cfg.Model), req)
	latency := e.clock.Now().Sub(start)
	if e.metrics.LLMLatency != nil {
		e.metrics.LLMLatency.Record(ctx, float64(latency.Milliseconds()),
			metric.WithAttributes(attribute.String("model", e.cfg.Model)))
	}
	if err != nil {
		return nil, decimal.Zero, fmt.Errorf("%w: %v", core.ErrEngineUnavailable, err)
	}

	var resp generateResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, decimal.Zero, fmt.Errorf("%w: malformed response: %v", core.ErrEngineUnavailable, err)
	}
	if len(resp.Candidates) == 0 || len(resp.Candidates[0].Content.Parts) == 0 {
		return nil, decimal.Zero, fmt.Errorf("%w: empty response", core.ErrEngineUnavailable)
	}

	cost := e.bookCost(ctx, resp.UsageMetadata.PromptTokenCount, resp.UsageMetadata.CandidatesTokenCount)

	text := resp.Candidates[0].Content.Parts[0].Text
	var out domain.DecisionOutput
	if err := json.Unmarshal([]byte(text), &out); err != nil {
		// Not a transport failure: the model answered but with garbage.
		// Surface it through the repair path via a synthetic invalid output.
		e.logger.Warn("Engine returned non-JSON decision", "error", err)
		return &domain.DecisionOutput{Reasoning: text}, cost, nil
	}
	return &out, cost, nil
}

func (e *Engine) bookCost(ctx context.Context, inTokens, outTokens int) decimal.Decimal {
	usd := float64(inTokens)/1000*e.cfg.CostPer1KInput +
		float64(outTokens)/1000*e.cfg.CostPer1KOutput
	if usd <= 0 {
		return decimal.Zero
	}

	today := e.clock.Now().UTC().Format("2006-01-02")
	if total, err := e.system.AddCost(ctx, today, usd); err != nil {
		e.logger.Error("Failed to book engine cost", "usd", usd, "error", err)
	} else if e.cfg.DailyCostCapUSD > 0 && total >= e.cfg.DailyCostCapUSD {
		e.logger.Warn("Daily reasoning cost cap reached", "total_usd", total)
	}
	if e.metrics.LLMCostTotal != nil {
		e.metrics.LLMCostTotal.Add(ctx, usd,
			metric.WithAttributes(attribute.String("model", e.cfg.Model)))
	}
	return decimal.NewFromFloat(usd)
}
