package core

import (
	"context"
	"log"
	"strings"

	"github.com/panoptes-ai/panoptes/internal/agent/telemetry"
	"github.com/panoptes-ai/panoptes/internal/toolchan"
)

// tokenEstimateFactor approximates tokens from whitespace-separated
// words when the provider reports no usage.
const tokenEstimateFactor = 1.3

// GenerateRequest is one gateway call
type GenerateRequest struct {
	Messages    []ChatMessage
	Tools       []toolchan.ToolDescriptor
	Model       string // model key, gateway default when empty
	Purpose     string // stage label for usage accounting
	Temperature float64
	MaxTokens   int
}

// Gateway routes generations through a primary model with two fallback
// tiers: a secondary model, then the primary model with tools stripped.
// When every tier fails the primary model's error is returned.
type Gateway struct {
	provider LLMProvider
	primary  string
	fallback string
	tracker  *telemetry.TokenTracker
	logger   *log.Logger
}

// NewGateway creates a gateway over a provider
func NewGateway(provider LLMProvider, primary, fallback string, tracker *telemetry.TokenTracker, logger *log.Logger) *Gateway {
	if logger == nil {
		logger = log.New(log.Writer(), "[GATEWAY] ", log.LstdFlags)
	}
	return &Gateway{provider: provider, primary: primary, fallback: fallback, tracker: tracker, logger: logger}
}

// Provider exposes the underlying provider for cost lookups
func (g *Gateway) Provider() LLMProvider { return g.provider }

// Generate runs one request through the fallback ladder
func (g *Gateway) Generate(ctx context.Context, req GenerateRequest) (GenerateResult, error) {
	model := req.Model
	if model == "" {
		model = g.primary
	}

	res, primaryErr := g.attempt(ctx, model, req, req.Tools, "Primary API Call")
	if primaryErr == nil {
		return res, nil
	}
	g.logger.Printf("primary model %s failed: %v", model, primaryErr)

	if g.fallback != "" && g.fallback != model {
		res, err := g.attempt(ctx, g.fallback, req, req.Tools, "Fallback API Call")
		if err == nil {
			return res, nil
		}
		g.logger.Printf("fallback model %s failed: %v", g.fallback, err)
	}

	if len(req.Tools) > 0 {
		res, err := g.attempt(ctx, model, req, nil, "Fallback without tools")
		if err == nil {
			res.ToolsStripped = true
			res.ToolCalls = nil
			return res, nil
		}
		g.logger.Printf("tools-stripped attempt on %s failed: %v", model, err)
	}

	return GenerateResult{}, primaryErr
}

func (g *Gateway) attempt(ctx context.Context, model string, req GenerateRequest, tools []toolchan.ToolDescriptor, tier string) (GenerateResult, error) {
	options := map[string]any{}
	if req.Temperature > 0 {
		options["temperature"] = req.Temperature
	}
	if req.MaxTokens > 0 {
		options["max_tokens"] = req.MaxTokens
	}

	cleaned := make([]toolchan.ToolDescriptor, len(tools))
	for i, t := range tools {
		t.InputSchema = CleanSchema(t.InputSchema)
		cleaned[i] = t
	}

	var res GenerateResult
	var err error
	if len(cleaned) > 0 {
		res, err = g.provider.GenerateWithTools(ctx, req.Messages, cleaned, model, options)
	} else {
		res, err = g.provider.Generate(ctx, req.Messages, model, options)
	}
	if err != nil {
		return GenerateResult{}, err
	}

	g.record(res, model, req, tier)
	return res, nil
}

func (g *Gateway) record(res GenerateResult, model string, req GenerateRequest, tier string) {
	if g.tracker == nil {
		return
	}
	in, out := res.InputTokens, res.OutputTokens
	estimated := false
	if in == 0 && out == 0 {
		in = estimateTokens(req.Messages)
		out = int64(float64(wordCount(res.Text)) * tokenEstimateFactor)
		estimated = true
	}
	desc := tier
	if req.Purpose != "" {
		desc = tier + ": " + req.Purpose
	}
	g.tracker.Record(telemetry.TokenUsage{
		Description:  desc,
		Model:        model,
		InputTokens:  in,
		OutputTokens: out,
		Estimated:    estimated,
		Cost:         g.provider.CalculateCost(in, out, model),
	})
}

func estimateTokens(messages []ChatMessage) int64 {
	words := 0
	for _, m := range messages {
		words += wordCount(m.Content)
	}
	return int64(float64(words) * tokenEstimateFactor)
}

func wordCount(s string) int {
	return len(strings.Fields(s))
}
