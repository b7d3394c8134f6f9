package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Call is one tool invocation requested by the model.
type Call struct {
	ID   string
	Name string
	Args map[string]any
}

// Invocation is the outcome of one Call. Status is "ok" or "error";
// exactly one of Result/Error is meaningful. CallID always echoes the
// originating call so results stay attributable when calls share a
// tool name.
type Invocation struct {
	CallID   string
	Name     string
	Args     map[string]any
	Status   string
	Result   string
	Error    string
	Duration time.Duration
}

// Invocation statuses.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// InvokeAll executes a batch of tool calls concurrently. Each call gets
// its own deadline; failures (unknown tool, invalid input, handler
// error, timeout, panic) are isolated into that call's Invocation and
// never abort the batch. Results are returned in call order.
func (r *Registry) InvokeAll(ctx context.Context, calls []Call, timeout time.Duration, logger *slog.Logger) []Invocation {
	if logger == nil {
		logger = slog.Default()
	}

	results := make([]Invocation, len(calls))
	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(i int, call Call) {
			defer wg.Done()
			results[i] = r.invokeOne(ctx, call, timeout, logger)
		}(i, call)
	}
	wg.Wait()
	return results
}

func (r *Registry) invokeOne(ctx context.Context, call Call, timeout time.Duration, logger *slog.Logger) (inv Invocation) {
	inv = Invocation{CallID: call.ID, Name: call.Name, Args: call.Args, Status: StatusError}
	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			inv.Status = StatusError
			inv.Result = ""
			inv.Error = fmt.Sprintf("tool panicked: %v", p)
			logger.Error("tool handler panicked", "tool", call.Name, "panic", p)
		}
		inv.Duration = time.Since(start)
	}()

	tool := r.Get(call.Name)
	if tool == nil {
		err := &ErrToolUnavailable{ToolName: call.Name}
		inv.Error = err.Error()
		logger.Warn("unknown tool requested", "tool", call.Name)
		return inv
	}

	if err := validateArgs(call.Name, tool.Parameters, call.Args); err != nil {
		inv.Error = err.Error()
		logger.Debug("tool input rejected", "tool", call.Name, "error", err)
		return inv
	}

	callCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	result, err := tool.Handler(callCtx, call.Args)
	if err != nil {
		inv.Error = err.Error()
		logger.Warn("tool failed", "tool", call.Name, "error", err, "duration", time.Since(start).Round(time.Millisecond))
		return inv
	}

	inv.Status = StatusOK
	inv.Result = result
	logger.Debug("tool completed", "tool", call.Name, "duration", time.Since(start).Round(time.Millisecond))
	return inv
}
