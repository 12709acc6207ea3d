package core

import (
	"context"
	"time"

	"github.com/panoptes-ai/panoptes/internal/toolchan"
)

// ChatMessage is one turn of a model conversation
type ChatMessage struct {
	Role    string `json:"role"` // user, assistant, system
	Content string `json:"content"`
}

// ToolCall is a tool invocation requested by the model
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// GenerateResult is the outcome of one model generation
type GenerateResult struct {
	Text          string
	ToolCalls     []ToolCall
	InputTokens   int64
	OutputTokens  int64
	ToolsStripped bool // produced by the tools-stripped fallback tier
}

// ModelInfo represents information about an LLM model
type ModelInfo struct {
	Name            string
	Provider        string
	MaxTokens       int
	CostPer1KInput  float64
	CostPer1KOutput float64
	Description     string
}

// LLMProvider defines the interface for model backends
type LLMProvider interface {
	Generate(ctx context.Context, messages []ChatMessage, model string, options map[string]any) (GenerateResult, error)
	GenerateWithTools(ctx context.Context, messages []ChatMessage, tools []toolchan.ToolDescriptor, model string, options map[string]any) (GenerateResult, error)
	GetAvailableModels() []string
	GetModelInfo(model string) (ModelInfo, error)
	CalculateCost(inputTokens, outputTokens int64, model string) float64
}

// ToolRunner executes tool calls against a backend server
type ToolRunner interface {
	Tools() []toolchan.ToolDescriptor
	Submit(ctx context.Context, tool string, args map[string]any, timeout time.Duration) (map[string]any, error)
}

// Intent is the routing decision for an incoming query
type Intent string

const (
	IntentCasual   Intent = "CASUAL_CONVERSATION"
	IntentHelp     Intent = "HELP_REQUEST"
	IntentAnalysis Intent = "ANALYSIS_NEEDED"
)

// PlanStep is one numbered step of a parsed strategy
type PlanStep struct {
	Number              int      `json:"number"`
	Description         string   `json:"description"`
	Parameters          []string `json:"parameters,omitempty"`
	InformationObtained string   `json:"information_obtained,omitempty"`
	Contribution        string   `json:"contribution,omitempty"`
	ToolHint            string   `json:"tool_hint,omitempty"`
}

// ProgressEvent is a status update emitted while processing a query
type ProgressEvent struct {
	Type       string         `json:"type"` // progress, final, error
	Message    string         `json:"message,omitempty"`
	Step       int            `json:"step,omitempty"`
	TotalSteps int            `json:"total_steps,omitempty"`
	Status     string         `json:"status,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
}

// ProgressFunc receives progress events. May be nil.
type ProgressFunc func(ProgressEvent)
