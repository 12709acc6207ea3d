package core

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/panoptes-ai/panoptes/config"
	"github.com/panoptes-ai/panoptes/internal/agent/telemetry"
)

const (
	classifyMaxTokens = 50

	casualMaxTokens   = 300
	casualTemperature = 0.85

	helpMaxTokens   = 800
	helpTemperature = 0.3

	synthesisMaxTokens   = 4096
	synthesisTemperature = 0.7

	// history pruning thresholds
	historyLimit = 10
	historyKeep  = 8

	toolResultMaxChars = 4000
)

// Orchestrator drives a session's queries through classification,
// planning, tool-backed step execution and synthesis.
type Orchestrator struct {
	gateway *Gateway
	runner  ToolRunner
	tele    *telemetry.Telemetry
	routing config.LLMRoutingConfig
	logger  *log.Logger

	mu      sync.Mutex
	history []ChatMessage
}

// NewOrchestrator creates an orchestrator bound to one tool runner
func NewOrchestrator(gateway *Gateway, runner ToolRunner, tele *telemetry.Telemetry, routing config.LLMRoutingConfig, logger *log.Logger) *Orchestrator {
	if logger == nil {
		logger = log.New(log.Writer(), "[ORCH] ", log.LstdFlags)
	}
	return &Orchestrator{
		gateway: gateway,
		runner:  runner,
		tele:    tele,
		routing: routing,
		logger:  logger,
	}
}

// History returns a copy of the conversation history
func (o *Orchestrator) History() []ChatMessage {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]ChatMessage, len(o.history))
	copy(out, o.history)
	return out
}

// ProcessQuery handles one user query end to end and returns the final
// answer text. Progress events are emitted along the way when progress
// is non-nil.
func (o *Orchestrator) ProcessQuery(ctx context.Context, query string, progress ProgressFunc) (string, error) {
	emit := func(ev ProgressEvent) {
		if progress != nil {
			progress(ev)
		}
	}

	o.appendHistory(ChatMessage{Role: "user", Content: query})
	o.pruneHistory()

	intent := o.classifyIntent(ctx, query)
	o.logger.Printf("query classified as %s", intent)

	var answer string
	var err error
	switch intent {
	case IntentCasual:
		answer, err = o.handleCasual(ctx)
	case IntentHelp:
		answer, err = o.handleHelp(ctx)
	default:
		answer, err = o.runAnalysis(ctx, query, emit)
	}
	if err != nil {
		return "", err
	}

	o.appendHistory(ChatMessage{Role: "assistant", Content: answer})
	o.pruneHistory()
	return answer, nil
}

// classifyIntent routes the query. Classification errors fall back to
// the full analysis path rather than failing the query.
func (o *Orchestrator) classifyIntent(ctx context.Context, query string) Intent {
	prompt := fmt.Sprintf(`Classify the following user message into exactly one category.
Reply with only the category name.

Categories:
- CASUAL_CONVERSATION: greetings, small talk, chit-chat
- HELP_REQUEST: questions about what this assistant can do or how to use it
- ANALYSIS_NEEDED: anything that requires looking at the connected data

Message: %s`, query)

	res, err := o.gateway.Generate(ctx, GenerateRequest{
		Messages:  []ChatMessage{{Role: "user", Content: prompt}},
		Model:     o.routing.Classification,
		Purpose:   "classification",
		MaxTokens: classifyMaxTokens,
	})
	if err != nil {
		o.logger.Printf("classification failed, assuming analysis: %v", err)
		return IntentAnalysis
	}
	upper := strings.ToUpper(res.Text)
	switch {
	case strings.Contains(upper, string(IntentCasual)):
		return IntentCasual
	case strings.Contains(upper, string(IntentHelp)):
		return IntentHelp
	default:
		return IntentAnalysis
	}
}

func (o *Orchestrator) handleCasual(ctx context.Context) (string, error) {
	msgs := append([]ChatMessage{{
		Role:    "system",
		Content: "You are a friendly data analysis assistant. Respond naturally and briefly.",
	}}, o.historySnapshot()...)
	res, err := o.gateway.Generate(ctx, GenerateRequest{
		Messages:    msgs,
		Model:       o.routing.Analysis,
		Purpose:     "casual conversation",
		Temperature: casualTemperature,
		MaxTokens:   casualMaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("casual response: %w", err)
	}
	return res.Text, nil
}

func (o *Orchestrator) handleHelp(ctx context.Context) (string, error) {
	msgs := append([]ChatMessage{{
		Role: "system",
		Content: fmt.Sprintf(`You are a data analysis assistant. Explain what you can do
using the available tools below, with a few example questions.

%s`, o.toolCatalog()),
	}}, o.historySnapshot()...)
	res, err := o.gateway.Generate(ctx, GenerateRequest{
		Messages:    msgs,
		Model:       o.routing.Analysis,
		Purpose:     "help response",
		Temperature: helpTemperature,
		MaxTokens:   helpMaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("help response: %w", err)
	}
	return res.Text, nil
}

// runAnalysis is the five-phase pipeline: question analysis, strategy
// planning, per-step execution with insight extraction, critical
// evaluation and synthesis.
func (o *Orchestrator) runAnalysis(ctx context.Context, query string, emit ProgressFunc) (string, error) {
	emit(ProgressEvent{Type: "progress", Message: "Analyzing the question...", Status: "starting"})

	qa, err := o.gateway.Generate(ctx, GenerateRequest{
		Messages: []ChatMessage{{Role: "user", Content: fmt.Sprintf(`Analyze this question before any data work:
what is being asked, what data would answer it, and what ambiguities exist.

Question: %s`, query)}},
		Model:   o.routing.Analysis,
		Purpose: "question analysis",
	})
	if err != nil {
		return "", fmt.Errorf("question analysis: %w", err)
	}

	emit(ProgressEvent{Type: "progress", Message: "Planning analysis strategy...", Status: "planning"})

	plan, err := o.gateway.Generate(ctx, GenerateRequest{
		Messages: []ChatMessage{{Role: "user", Content: fmt.Sprintf(`Create a strategy to answer the question using the available tools.

Question: %s

Question analysis:
%s

%s

Write 3-6 numbered steps. Format each step as:
N. <what to do and which tool to use>
   Parameters:
   - <parameter>: <value>
   Information Obtained: <what this step yields>
   Contribution: <how it helps answer the question>`, query, qa.Text, o.toolCatalog())}},
		Model:   o.routing.Planning,
		Purpose: "strategy planning",
	})
	if err != nil {
		return "", fmt.Errorf("strategy planning: %w", err)
	}

	steps := ParseStrategySteps(plan.Text)
	o.logger.Printf("parsed %d strategy steps", len(steps))

	var execution strings.Builder
	var insights []string

	for i, step := range steps {
		emit(ProgressEvent{
			Type:       "progress",
			Message:    step.Description,
			Step:       i + 1,
			TotalSteps: len(steps),
			Status:     "executing",
			Details:    o.operationDetails(),
		})

		stepText, err := o.executeStep(ctx, query, qa.Text, step, i+1, execution.String())
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&execution, "\n--- STEP %d RESULTS ---\n%s\n", i+1, stepText)

		insight, err := o.extractInsights(ctx, query, stepText, insights)
		if err != nil {
			return "", err
		}
		insights = append(insights, insight)
		fmt.Fprintf(&execution, "\n--- STEP %d INSIGHTS ---\n%s\n", i+1, insight)

		emit(ProgressEvent{
			Type:       "progress",
			Message:    fmt.Sprintf("Completed step %d of %d", i+1, len(steps)),
			Step:       i + 1,
			TotalSteps: len(steps),
			Status:     "completed",
			Details:    o.operationDetails(),
		})
	}

	if len(steps) == 0 {
		execution.WriteString("No analysis steps were executed.\n")
	}

	emit(ProgressEvent{Type: "progress", Message: "Evaluating findings...", Status: "evaluating"})

	eval, err := o.gateway.Generate(ctx, GenerateRequest{
		Messages: []ChatMessage{{Role: "user", Content: fmt.Sprintf(`Critically evaluate the analysis below.
Point out gaps, weak evidence and anything that should temper the conclusions.

Question: %s

%s`, query, execution.String())}},
		Model:   o.routing.Analysis,
		Purpose: "critical evaluation",
	})
	if err != nil {
		return "", fmt.Errorf("critical evaluation: %w", err)
	}
	fmt.Fprintf(&execution, "\n--- CRITICAL EVALUATION ---\n%s\n", eval.Text)

	emit(ProgressEvent{Type: "progress", Message: "Synthesizing final answer...", Status: "synthesizing"})

	synth, err := o.gateway.Generate(ctx, GenerateRequest{
		Messages: []ChatMessage{{Role: "user", Content: fmt.Sprintf(`Write the final answer for the user.
Ground every claim in the analysis record below and acknowledge its limitations.

Question: %s

%s`, query, execution.String())}},
		Model:       o.routing.Synthesis,
		Purpose:     "synthesis",
		Temperature: synthesisTemperature,
		MaxTokens:   synthesisMaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("synthesis: %w", err)
	}
	return synth.Text, nil
}

// executeStep lets the model pick tools for one step, dispatches the
// requested calls concurrently and folds the results into a step
// summary. Tool failures become text in the record; they never abort
// the run.
func (o *Orchestrator) executeStep(ctx context.Context, query, questionAnalysis string, step PlanStep, number int, priorContext string) (string, error) {
	prompt := fmt.Sprintf(`You are executing step %d of an analysis plan. Use the available tools as needed.

Question: %s

Question analysis:
%s

Current step: %s`, number, query, questionAnalysis, step.Description)
	if len(step.Parameters) > 0 {
		prompt += "\nParameters:\n- " + strings.Join(step.Parameters, "\n- ")
	}
	if priorContext != "" {
		prompt += "\n\nResults so far:\n" + priorContext
	}

	msgs := []ChatMessage{{Role: "user", Content: prompt}}
	res, err := o.gateway.Generate(ctx, GenerateRequest{
		Messages: msgs,
		Tools:    o.runner.Tools(),
		Model:    o.routing.Analysis,
		Purpose:  fmt.Sprintf("step %d execution", number),
	})
	if err != nil {
		return "", fmt.Errorf("step %d execution: %w", number, err)
	}
	if len(res.ToolCalls) == 0 || res.ToolsStripped {
		return res.Text, nil
	}

	results := o.dispatchTools(ctx, res.ToolCalls)
	resultText := "Tool results:\n" + strings.Join(results, "\n")
	o.appendHistory(ChatMessage{Role: "user", Content: resultText})

	follow, err := o.gateway.Generate(ctx, GenerateRequest{
		Messages: append(msgs,
			ChatMessage{Role: "assistant", Content: res.Text},
			ChatMessage{Role: "user", Content: resultText + "\n\nSummarize what this step found."},
		),
		Model:   o.routing.Analysis,
		Purpose: fmt.Sprintf("step %d summary", number),
	})
	if err != nil {
		return "", fmt.Errorf("step %d summary: %w", number, err)
	}
	o.appendHistory(ChatMessage{Role: "assistant", Content: follow.Text})
	return follow.Text, nil
}

// dispatchTools runs all requested calls concurrently and returns one
// formatted result per call, in request order.
func (o *Orchestrator) dispatchTools(ctx context.Context, calls []ToolCall) []string {
	results := make([]string, len(calls))
	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(i int, call ToolCall) {
			defer wg.Done()
			if o.tele != nil {
				o.tele.Operations.Observe(call.Name)
			}
			res, err := o.runner.Submit(ctx, call.Name, call.Arguments, 0)
			if err != nil {
				o.logger.Printf("tool %s failed: %v", call.Name, err)
				results[i] = fmt.Sprintf("Tool %s failed: %v", call.Name, err)
				return
			}
			b, _ := json.Marshal(res)
			results[i] = fmt.Sprintf("Tool %s returned: %s", call.Name, truncate(string(b), toolResultMaxChars))
		}(i, call)
	}
	wg.Wait()
	return results
}

func (o *Orchestrator) extractInsights(ctx context.Context, query, newest string, rolling []string) (string, error) {
	prompt := fmt.Sprintf(`Extract the key insights from the newest step results, building on the insights already collected.

Question: %s

Newest results:
%s`, query, newest)
	if len(rolling) > 0 {
		prompt += "\n\nInsights so far:\n" + strings.Join(rolling, "\n")
	}
	res, err := o.gateway.Generate(ctx, GenerateRequest{
		Messages: []ChatMessage{{Role: "user", Content: prompt}},
		Model:    o.routing.Analysis,
		Purpose:  "insight extraction",
	})
	if err != nil {
		return "", fmt.Errorf("insight extraction: %w", err)
	}
	return res.Text, nil
}

func (o *Orchestrator) toolCatalog() string {
	tools := o.runner.Tools()
	if len(tools) == 0 {
		return "Available tools: none"
	}
	var b strings.Builder
	b.WriteString("Available tools:\n")
	for _, t := range tools {
		fmt.Fprintf(&b, "- %s: %s\n", t.Name, t.Description)
	}
	return b.String()
}

func (o *Orchestrator) operationDetails() map[string]any {
	if o.tele == nil {
		return nil
	}
	snap := o.tele.Operations.Snapshot()
	out := make(map[string]any, len(snap))
	for k, v := range snap {
		out[k] = v
	}
	return out
}

func (o *Orchestrator) appendHistory(msg ChatMessage) {
	o.mu.Lock()
	o.history = append(o.history, msg)
	o.mu.Unlock()
}

func (o *Orchestrator) historySnapshot() []ChatMessage {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]ChatMessage, len(o.history))
	copy(out, o.history)
	return out
}

func (o *Orchestrator) pruneHistory() {
	o.mu.Lock()
	o.history = manageContext(o.history)
	o.mu.Unlock()
}

// manageContext bounds the conversation history. Above historyLimit
// entries it keeps at most historyKeep: always the first entry, then
// the most recent tool-result exchanges as whole pairs, then the most
// recent remaining messages. Source order is preserved.
func manageContext(h []ChatMessage) []ChatMessage {
	if len(h) <= historyLimit {
		return h
	}
	keep := map[int]bool{0: true}
	budget := historyKeep - 1

	for i := len(h) - 2; i >= 1 && budget >= 2; i-- {
		if keep[i] || keep[i+1] {
			continue
		}
		if h[i].Role == "user" && strings.HasPrefix(h[i].Content, "Tool results") && h[i+1].Role == "assistant" {
			keep[i] = true
			keep[i+1] = true
			budget -= 2
		}
	}
	for i := len(h) - 1; i >= 1 && budget > 0; i-- {
		if !keep[i] {
			keep[i] = true
			budget--
		}
	}

	out := make([]ChatMessage, 0, historyKeep)
	for i := range h {
		if keep[i] {
			out = append(out, h[i])
		}
	}
	return out
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "... (truncated)"
}
