// Package agent implements the reasoning loop that turns one user
// message into a final answer, calling tools between model rounds.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/driveline/al-assistant/internal/config"
	"github.com/driveline/al-assistant/internal/conversation"
	"github.com/driveline/al-assistant/internal/llm"
	"github.com/driveline/al-assistant/internal/tools"
	"github.com/driveline/al-assistant/internal/usage"
)

const systemPrompt = `You are AL, the Driveline assistant. You help people shop for vehicles, find parts, decode VINs, plan maintenance, and discover local automotive events. Use the available tools to look up real data instead of guessing. Be concise and concrete; cite prices and ids from tool results when you have them.`

// Turn is one user message plus the context it runs in.
type Turn struct {
	UserID         string
	ConversationID string
	Input          string
	History        []conversation.Message
}

// Result is the outcome of a completed (or cancelled) turn. Token and
// cost fields accumulate across every model round that actually ran, so
// a Result returned alongside an error still reflects the usage that
// was observed before the failure.
type Result struct {
	Content      string
	Model        string
	Provider     string
	InputTokens  int
	OutputTokens int
	CostCents    int64
	Rounds       int
	Invocations  []tools.Invocation
}

// Event is one progress notification emitted while a turn runs.
type Event struct {
	Type       EventType
	Token      string
	CallID     string
	ToolName   string
	Args       map[string]any
	Status     string
	Result     string
	Error      string
	DurationMS int64
}

// EventType identifies an Event.
type EventType int

const (
	// EventToken is an incremental text token of the final answer.
	EventToken EventType = iota

	// EventToolCallStarted fires before a tool handler runs.
	EventToolCallStarted

	// EventToolCallCompleted fires with the tool's outcome.
	EventToolCallCompleted
)

// Emit receives turn progress events. Callbacks run on the loop's
// goroutine; keep them fast.
type Emit func(Event)

// Loop orchestrates rounds of model calls and tool execution.
type Loop struct {
	logger   *slog.Logger
	client   llm.Client
	registry *tools.Registry
	cfg      config.AssistantConfig
	pricing  map[string]config.PricingEntry
}

// NewLoop creates a reasoning loop.
func NewLoop(logger *slog.Logger, client llm.Client, registry *tools.Registry, cfg config.AssistantConfig, pricing map[string]config.PricingEntry) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		logger:   logger,
		client:   client,
		registry: registry,
		cfg:      cfg,
		pricing:  pricing,
	}
}

// Run executes one turn to completion. Each round asks the model for
// either tool calls or a final answer; tool results feed the next
// round. The round ceiling is hard: the last round withholds tools so
// the model must answer with what it has.
//
// On error the returned Result is still populated with the usage
// accumulated so far, so callers can account for partial turns.
func (l *Loop) Run(ctx context.Context, turn Turn, emit Emit) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, l.cfg.TurnTimeout())
	defer cancel()

	if emit == nil {
		emit = func(Event) {}
	}

	maxRounds := l.cfg.MaxRounds
	if maxRounds <= 0 {
		maxRounds = 5
	}

	messages := l.assembleContext(turn)
	result := &Result{Model: l.cfg.Model}

	logger := l.logger.With("conversation", turn.ConversationID, "user", turn.UserID)
	logger.Info("turn started", "history", len(turn.History), "max_rounds", maxRounds)

	var lastErr error
	for round := 1; round <= maxRounds; round++ {
		result.Rounds = round

		specs := l.registry.Specs()
		roundMessages := messages
		if round == maxRounds {
			// Final round: no tools, answer now.
			specs = nil
			roundMessages = append(append([]llm.Message{}, messages...), llm.Message{
				Role:    llm.RoleSystem,
				Content: "Tool budget exhausted. Answer the user now with the information already gathered.",
			})
		}

		resp, err := l.client.ChatStream(ctx, l.cfg.Model, roundMessages, specs, func(ev llm.StreamEvent) {
			if ev.Kind == llm.KindToken {
				emit(Event{Type: EventToken, Token: ev.Token})
			}
		})
		if err != nil {
			if errors.Is(err, llm.ErrProviderUnavailable) {
				logger.Error("all providers unavailable", "round", round)
				l.finalizeCost(result)
				return result, err
			}
			if ctx.Err() != nil {
				logger.Warn("turn cancelled", "round", round, "error", ctx.Err())
				l.finalizeCost(result)
				return result, ctx.Err()
			}
			// Transient round failure: burn the round and keep going.
			logger.Warn("round failed", "round", round, "error", err)
			lastErr = err
			continue
		}

		result.InputTokens += resp.InputTokens
		result.OutputTokens += resp.OutputTokens
		result.Model = resp.Model
		result.Provider = resp.Provider

		if len(resp.Message.ToolCalls) == 0 {
			result.Content = resp.Message.Content
			l.finalizeCost(result)
			logger.Info("turn completed",
				"rounds", result.Rounds,
				"input_tokens", result.InputTokens,
				"output_tokens", result.OutputTokens,
				"cost_cents", result.CostCents,
				"tool_calls", len(result.Invocations),
			)
			return result, nil
		}

		messages = append(messages, llm.Message{
			Role:      llm.RoleAssistant,
			Content:   resp.Message.Content,
			ToolCalls: resp.Message.ToolCalls,
		})

		invocations := l.runTools(ctx, resp.Message.ToolCalls, emit)
		result.Invocations = append(result.Invocations, invocations...)

		for i, inv := range invocations {
			content := inv.Result
			if inv.Status != tools.StatusOK {
				content = "error: " + inv.Error
			}
			messages = append(messages, llm.Message{
				Role:       llm.RoleTool,
				Content:    truncate(content, l.cfg.ToolResultMaxBytes),
				ToolCallID: resp.Message.ToolCalls[i].ID,
			})
		}

		messages = l.pruneToBudget(messages)
	}

	l.finalizeCost(result)
	if lastErr != nil {
		return result, fmt.Errorf("turn failed after %d rounds: %w", maxRounds, lastErr)
	}
	// Unreachable in practice: the final round carries no tools, so the
	// model cannot keep calling them.
	return result, fmt.Errorf("no final answer after %d rounds", maxRounds)
}

// runTools executes one round's tool calls and emits progress events.
func (l *Loop) runTools(ctx context.Context, toolCalls []llm.ToolCall, emit Emit) []tools.Invocation {
	calls := make([]tools.Call, len(toolCalls))
	for i, tc := range toolCalls {
		calls[i] = tools.Call{ID: tc.ID, Name: tc.Function.Name, Args: tc.Function.Arguments}
		emit(Event{
			Type:     EventToolCallStarted,
			CallID:   tc.ID,
			ToolName: tc.Function.Name,
			Args:     tc.Function.Arguments,
		})
	}

	invocations := l.registry.InvokeAll(ctx, calls, l.cfg.ToolTimeout(), l.logger)

	for _, inv := range invocations {
		emit(Event{
			Type:       EventToolCallCompleted,
			CallID:     inv.CallID,
			ToolName:   inv.Name,
			Status:     inv.Status,
			Result:     truncate(inv.Result, l.cfg.ToolResultMaxBytes),
			Error:      inv.Error,
			DurationMS: inv.Duration.Milliseconds(),
		})
	}
	return invocations
}

// assembleContext builds the round-one message list: system prompt,
// history inside the token budget, then the new user message.
func (l *Loop) assembleContext(turn Turn) []llm.Message {
	messages := []llm.Message{{Role: llm.RoleSystem, Content: systemPrompt}}

	history := turn.History
	if budget := l.cfg.HistoryTokenBudget; budget > 0 {
		total := 0
		cut := len(history)
		for i := len(history) - 1; i >= 0; i-- {
			total += estimateTokens(history[i].Content)
			if total > budget {
				break
			}
			cut = i
		}
		history = history[cut:]
	}

	for _, m := range history {
		messages = append(messages, llm.Message{Role: m.Role, Content: m.Content})
	}
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: turn.Input})
	return messages
}

// pruneToBudget drops the oldest tool exchanges when the working
// context exceeds the token budget. An exchange is the assistant
// message carrying tool_calls plus the tool results that answer it;
// the pair is removed together, because providers reject a context
// where a tool_calls message has no matching results. The system
// prompt and the newest user message are never dropped.
func (l *Loop) pruneToBudget(messages []llm.Message) []llm.Message {
	budget := l.cfg.HistoryTokenBudget
	if budget <= 0 {
		return messages
	}

	for contextTokens(messages) > budget {
		start := -1
		for i, m := range messages {
			if m.Role == llm.RoleAssistant && len(m.ToolCalls) > 0 {
				start = i
				break
			}
		}
		if start == -1 {
			break
		}
		end := start + 1
		for end < len(messages) && messages[end].Role == llm.RoleTool {
			end++
		}
		messages = append(messages[:start], messages[end:]...)
	}
	return messages
}

func contextTokens(messages []llm.Message) int {
	total := 0
	for _, m := range messages {
		total += estimateTokens(m.Content)
	}
	return total
}

func (l *Loop) finalizeCost(r *Result) {
	r.CostCents = usage.ComputeCostCents(r.Model, r.InputTokens, r.OutputTokens, l.pricing)
}

// estimateTokens is the cheap length heuristic used for pruning
// decisions. Budgets are soft; exact tokenization is not worth a
// dependency here.
func estimateTokens(s string) int {
	return len(s) / 4
}

func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	// Drop any rune split by the byte cut.
	cut := strings.ToValidUTF8(s[:max], "")
	return cut + "\n[truncated]"
}
