package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/driveline/al-assistant/internal/agent"
	"github.com/driveline/al-assistant/internal/auth"
	"github.com/driveline/al-assistant/internal/conversation"
	"github.com/driveline/al-assistant/internal/ledger"
	"github.com/driveline/al-assistant/internal/llm"
	"github.com/driveline/al-assistant/internal/tools"
	"github.com/driveline/al-assistant/internal/usage"
)

// Stream event types. Every turn ends with exactly one of done or
// error.
const (
	eventToken             = "token"
	eventToolCallStarted   = "tool_call_started"
	eventToolCallCompleted = "tool_call_completed"
	eventDone              = "done"
	eventError             = "error"
)

const maxMessageBytes = 8192

type turnRequest struct {
	ConversationID string `json:"conversation_id,omitempty"`
	Message        string `json:"message"`
}

// turnRefusal is a pre-flight rejection, reported over plain HTTP
// before any stream starts.
type turnRefusal struct {
	status  int
	code    string
	message string
}

// emitFunc delivers one stream event frame to the transport.
type emitFunc func(eventType string, payload any)

// handleTurn is the SSE transport for POST /v1/assistant/turns.
func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request) {
	userID, err := auth.FromRequest(s.verifier, r)
	if err != nil {
		s.errorResponse(w, http.StatusUnauthorized, "unauthorized", "invalid or missing token")
		return
	}

	var req turnRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxMessageBytes*2)).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid_request", "malformed JSON body")
		return
	}

	convID, incr, refusal := s.prepareTurn(r.Context(), userID, &req)
	if refusal != nil {
		s.errorResponse(w, refusal.status, refusal.code, refusal.message)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // disable nginx buffering

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.errorResponse(w, http.StatusInternalServerError, "internal", "streaming not supported")
		return
	}

	rc := http.NewResponseController(w)
	emit := func(eventType string, payload any) {
		data, err := json.Marshal(payload)
		if err != nil {
			s.logger.Error("marshal stream event", "type", eventType, "error", err)
			return
		}
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", eventType, data)
		flusher.Flush()
		// Long tool rounds must not trip the write deadline.
		if err := rc.SetWriteDeadline(time.Now().Add(2 * time.Minute)); err != nil {
			s.logger.Debug("failed to reset write deadline", "error", err)
		}
	}

	// Client disconnect cancels r.Context(), which aborts the loop and
	// any in-flight tool calls.
	s.executeTurn(r.Context(), userID, convID, req.Message, incr, emit)
}

// prepareTurn runs the pre-flight gates in order: quota, balance,
// conversation ownership. Nothing here starts a stream, so every
// refusal maps to a plain HTTP status.
func (s *Server) prepareTurn(ctx context.Context, userID string, req *turnRequest) (string, *ledger.IncrementResult, *turnRefusal) {
	req.Message = strings.TrimSpace(req.Message)
	if req.Message == "" {
		return "", nil, &turnRefusal{http.StatusBadRequest, "invalid_request", "message is required"}
	}
	if len(req.Message) > maxMessageBytes {
		return "", nil, &turnRefusal{http.StatusBadRequest, "invalid_request", "message too long"}
	}

	incr, err := s.ledger.CheckAndIncrement(ctx, userID)
	if err != nil {
		s.logger.Error("quota check failed", "user", userID, "error", err)
		return "", nil, &turnRefusal{http.StatusInternalServerError, "internal", "quota check failed"}
	}
	if !incr.Allowed {
		return "", nil, &turnRefusal{http.StatusTooManyRequests, "quota_exceeded",
			fmt.Sprintf("daily limit of %d queries reached", incr.DailyCap)}
	}

	if err := s.ledger.CheckBalance(ctx, userID, s.cfg.ReserveCents); err != nil {
		if errors.Is(err, ledger.ErrInsufficientBalance) {
			return "", nil, &turnRefusal{http.StatusPaymentRequired, "insufficient_balance", "account balance too low"}
		}
		s.logger.Error("balance check failed", "user", userID, "error", err)
		return "", nil, &turnRefusal{http.StatusInternalServerError, "internal", "balance check failed"}
	}

	convID, err := s.convs.ResolveOrCreate(ctx, req.ConversationID, userID)
	if err != nil {
		if errors.Is(err, conversation.ErrNotFound) {
			return "", nil, &turnRefusal{http.StatusNotFound, "not_found", "conversation not found"}
		}
		s.logger.Error("conversation resolve failed", "user", userID, "error", err)
		return "", nil, &turnRefusal{http.StatusInternalServerError, "internal", "conversation unavailable"}
	}

	return convID, incr, nil
}

// executeTurn runs the reasoning loop for an admitted turn and settles
// persistence and billing afterwards. All outcomes, success or failure,
// are reported through emit as a final done or error event.
func (s *Server) executeTurn(ctx context.Context, userID, convID, message string, incr *ledger.IncrementResult, emit emitFunc) {
	release := s.guard.Lock(convID)
	defer release()

	history, err := s.convs.History(ctx, convID, userID, s.cfg.HistoryMessageLimit)
	if err != nil {
		s.logger.Error("history load failed", "conversation", convID, "error", err)
		emit(eventError, map[string]string{"code": "internal", "message": "history unavailable"})
		return
	}

	if _, err := s.convs.Append(ctx, convID, userID, conversation.Message{
		Role:    conversation.RoleUser,
		Content: message,
	}); err != nil {
		s.logger.Error("user message append failed", "conversation", convID, "error", err)
		emit(eventError, map[string]string{"code": "internal", "message": "could not persist message"})
		return
	}

	result, runErr := s.loop.Run(ctx, agent.Turn{
		UserID:         userID,
		ConversationID: convID,
		Input:          message,
		History:        history,
	}, func(ev agent.Event) {
		switch ev.Type {
		case agent.EventToken:
			emit(eventToken, map[string]string{"text": ev.Token})
		case agent.EventToolCallStarted:
			emit(eventToolCallStarted, map[string]any{
				"call_id": ev.CallID,
				"tool":    ev.ToolName,
				"args":    ev.Args,
			})
		case agent.EventToolCallCompleted:
			emit(eventToolCallCompleted, map[string]any{
				"call_id":     ev.CallID,
				"tool":        ev.ToolName,
				"status":      ev.Status,
				"result":      ev.Result,
				"error":       ev.Error,
				"duration_ms": ev.DurationMS,
			})
		}
	})

	// Settlement uses a fresh context: the turn's cancellation must not
	// leave observed usage unbilled.
	settleCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s.settle(settleCtx, userID, convID, result)

	if runErr != nil {
		emit(eventError, s.streamError(runErr))
		return
	}

	if _, err := s.convs.Append(settleCtx, convID, userID, conversation.Message{
		Role:      conversation.RoleAssistant,
		Content:   result.Content,
		ToolCalls: toolRecords(result.Invocations, s.cfg.ToolResultMaxBytes),
	}); err != nil {
		s.logger.Error("assistant message append failed", "conversation", convID, "error", err)
	}

	emit(eventDone, map[string]any{
		"conversation_id": convID,
		"usage": map[string]any{
			"cost_cents":    result.CostCents,
			"input_tokens":  result.InputTokens,
			"output_tokens": result.OutputTokens,
		},
		"daily_usage": map[string]any{
			"queries_today": incr.QueriesToday,
			"is_unlimited":  incr.IsUnlimited,
			"is_beta":       incr.IsBeta,
		},
	})
}

// settle records usage and debits the balance for whatever the turn
// actually consumed, including partial usage from failed turns.
func (s *Server) settle(ctx context.Context, userID, convID string, result *agent.Result) {
	if result == nil || (result.InputTokens == 0 && result.OutputTokens == 0) {
		return
	}

	if err := s.usage.Record(ctx, usage.Record{
		UserID:         userID,
		ConversationID: convID,
		Model:          result.Model,
		Provider:       result.Provider,
		InputTokens:    result.InputTokens,
		OutputTokens:   result.OutputTokens,
		CostCents:      result.CostCents,
		Rounds:         result.Rounds,
	}); err != nil {
		s.logger.Error("usage record failed", "user", userID, "error", err)
	}

	if err := s.ledger.DebitCost(ctx, userID, result.CostCents); err != nil {
		// The guarded debit refuses to go negative; log and move on
		// rather than failing the turn after the fact.
		s.logger.Warn("debit failed", "user", userID, "cost_cents", result.CostCents, "error", err)
	}
}

func (s *Server) streamError(err error) map[string]string {
	switch {
	case errors.Is(err, llm.ErrProviderUnavailable):
		return map[string]string{"code": "provider_unavailable", "message": "all model providers are unavailable"}
	case errors.Is(err, context.DeadlineExceeded):
		return map[string]string{"code": "timeout", "message": "turn timed out"}
	case errors.Is(err, context.Canceled):
		return map[string]string{"code": "cancelled", "message": "turn cancelled"}
	default:
		return map[string]string{"code": "internal", "message": "turn failed"}
	}
}

func toolRecords(invocations []tools.Invocation, maxBytes int) []conversation.ToolRecord {
	if len(invocations) == 0 {
		return nil
	}
	records := make([]conversation.ToolRecord, len(invocations))
	for i, inv := range invocations {
		result := inv.Result
		if maxBytes > 0 && len(result) > maxBytes {
			// Drop any rune split by the byte cut.
			result = strings.ToValidUTF8(result[:maxBytes], "")
		}
		records[i] = conversation.ToolRecord{
			Name:   inv.Name,
			Input:  inv.Args,
			Status: inv.Status,
			Result: result,
			Error:  inv.Error,
		}
	}
	return records
}
