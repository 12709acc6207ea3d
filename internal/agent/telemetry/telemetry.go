package telemetry

import (
	"log"
	"strings"
	"sync"
	"time"

	"github.com/panoptes-ai/panoptes/config"
)

// Telemetry provides monitoring and token cost tracking for the gateway
type Telemetry struct {
	config config.TelemetryConfig
	logger *log.Logger

	Tokens     *TokenTracker
	Operations *OperationMetrics
}

// NewTelemetry creates a new telemetry instance
func NewTelemetry(cfg config.TelemetryConfig) *Telemetry {
	return &Telemetry{
		config:     cfg,
		logger:     log.New(log.Writer(), "[TELEMETRY] ", log.LstdFlags),
		Tokens:     NewTokenTracker(cfg.CostTracking),
		Operations: NewOperationMetrics(),
	}
}

// TokenUsage is one recorded model call
type TokenUsage struct {
	Timestamp    time.Time `json:"timestamp"`
	Description  string    `json:"description"`
	Model        string    `json:"model"`
	InputTokens  int64     `json:"input_tokens"`
	OutputTokens int64     `json:"output_tokens"`
	Estimated    bool      `json:"estimated"`
	Cost         float64   `json:"cost"`
}

// TokenSummary is a point-in-time snapshot of accumulated usage
type TokenSummary struct {
	TotalInputTokens  int64        `json:"total_input_tokens"`
	TotalOutputTokens int64        `json:"total_output_tokens"`
	TotalTokens       int64        `json:"total_tokens"`
	TotalCost         float64      `json:"total_cost"`
	APICalls          int64        `json:"api_calls"`
	LastCall          time.Time    `json:"last_call"`
	RecentCalls       []TokenUsage `json:"recent_calls"`
}

// TokenTracker accumulates token usage and cost across model calls
type TokenTracker struct {
	mu           sync.Mutex
	costTracking bool

	totalInput  int64
	totalOutput int64
	totalCost   float64
	apiCalls    int64
	lastCall    time.Time
	entries     []TokenUsage
}

// NewTokenTracker creates an empty tracker
func NewTokenTracker(costTracking bool) *TokenTracker {
	return &TokenTracker{costTracking: costTracking}
}

// Record adds one call's usage to the running totals
func (t *TokenTracker) Record(usage TokenUsage) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if usage.Timestamp.IsZero() {
		usage.Timestamp = time.Now()
	}
	if !t.costTracking {
		usage.Cost = 0
	}
	t.totalInput += usage.InputTokens
	t.totalOutput += usage.OutputTokens
	t.totalCost += usage.Cost
	t.apiCalls++
	t.lastCall = usage.Timestamp
	t.entries = append(t.entries, usage)
}

// Summary returns totals plus the 10 most recent calls
func (t *TokenTracker) Summary() TokenSummary {
	t.mu.Lock()
	defer t.mu.Unlock()

	recent := t.entries
	if len(recent) > 10 {
		recent = recent[len(recent)-10:]
	}
	out := make([]TokenUsage, len(recent))
	copy(out, recent)

	return TokenSummary{
		TotalInputTokens:  t.totalInput,
		TotalOutputTokens: t.totalOutput,
		TotalTokens:       t.totalInput + t.totalOutput,
		TotalCost:         t.totalCost,
		APICalls:          t.apiCalls,
		LastCall:          t.lastCall,
		RecentCalls:       out,
	}
}

// OperationMetrics counts domain operations inferred from tool names
type OperationMetrics struct {
	mu                 sync.Mutex
	queriesExecuted    int64
	documentsProcessed int64
	foldersScanned     int64
}

// NewOperationMetrics creates zeroed counters
func NewOperationMetrics() *OperationMetrics {
	return &OperationMetrics{}
}

// Observe bumps the counter matching the executed tool's name
func (m *OperationMetrics) Observe(toolName string) {
	name := strings.ToLower(toolName)
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case strings.Contains(name, "query") || strings.Contains(name, "search"):
		m.queriesExecuted++
	case strings.Contains(name, "folder"):
		m.foldersScanned++
	case strings.Contains(name, "file") || strings.Contains(name, "read") || strings.Contains(name, "document"):
		m.documentsProcessed++
	}
}

// Snapshot returns current counter values
func (m *OperationMetrics) Snapshot() map[string]int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return map[string]int64{
		"queries_executed":    m.queriesExecuted,
		"documents_processed": m.documentsProcessed,
		"folders_scanned":     m.foldersScanned,
	}
}
