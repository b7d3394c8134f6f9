package tools

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func echoTool(name string) *Tool {
	return &Tool{
		Name:        name,
		Description: "echoes its input",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"text": map[string]any{"type": "string"},
			},
			"required": []string{"text"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			text, _ := args["text"].(string)
			return "echo: " + text, nil
		},
	}
}

func TestInvokeAll_OrderAndAttribution(t *testing.T) {
	r := NewRegistry()
	r.Register(echoTool("echo"))

	calls := []Call{
		{ID: "call_1", Name: "echo", Args: map[string]any{"text": "first"}},
		{ID: "call_2", Name: "echo", Args: map[string]any{"text": "second"}},
		{ID: "call_3", Name: "echo", Args: map[string]any{"text": "third"}},
	}

	results := r.InvokeAll(context.Background(), calls, time.Second, nil)
	if len(results) != 3 {
		t.Fatalf("results = %d, want 3", len(results))
	}
	for i, want := range []string{"first", "second", "third"} {
		if results[i].CallID != calls[i].ID {
			t.Errorf("result %d CallID = %q, want %q", i, results[i].CallID, calls[i].ID)
		}
		if results[i].Status != StatusOK {
			t.Errorf("result %d status = %q: %s", i, results[i].Status, results[i].Error)
		}
		if !strings.Contains(results[i].Result, want) {
			t.Errorf("result %d = %q, want it to contain %q", i, results[i].Result, want)
		}
	}
}

func TestInvokeAll_RunsConcurrently(t *testing.T) {
	var inFlight, peak int32
	r := NewRegistry()
	r.Register(&Tool{
		Name:       "slow",
		Parameters: map[string]any{"type": "object"},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			n := atomic.AddInt32(&inFlight, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			atomic.AddInt32(&inFlight, -1)
			return "done", nil
		},
	})

	calls := []Call{
		{ID: "a", Name: "slow", Args: map[string]any{}},
		{ID: "b", Name: "slow", Args: map[string]any{}},
		{ID: "c", Name: "slow", Args: map[string]any{}},
	}
	r.InvokeAll(context.Background(), calls, time.Second, nil)

	if atomic.LoadInt32(&peak) < 2 {
		t.Errorf("peak concurrency = %d, want >= 2", peak)
	}
}

func TestInvokeAll_IsolatesFailures(t *testing.T) {
	r := NewRegistry()
	r.Register(echoTool("echo"))
	r.Register(&Tool{
		Name:       "broken",
		Parameters: map[string]any{"type": "object"},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			return "", errors.New("upstream down")
		},
	})
	r.Register(&Tool{
		Name:       "panicky",
		Parameters: map[string]any{"type": "object"},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			panic("boom")
		},
	})

	calls := []Call{
		{ID: "1", Name: "broken", Args: map[string]any{}},
		{ID: "2", Name: "panicky", Args: map[string]any{}},
		{ID: "3", Name: "no_such_tool", Args: map[string]any{}},
		{ID: "4", Name: "echo", Args: map[string]any{"text": "survivor"}},
	}
	results := r.InvokeAll(context.Background(), calls, time.Second, nil)

	if results[0].Status != StatusError || !strings.Contains(results[0].Error, "upstream down") {
		t.Errorf("broken = %+v", results[0])
	}
	if results[1].Status != StatusError || !strings.Contains(results[1].Error, "panicked") {
		t.Errorf("panicky = %+v", results[1])
	}
	if results[2].Status != StatusError || !strings.Contains(results[2].Error, "not available") {
		t.Errorf("unknown tool = %+v", results[2])
	}
	if results[3].Status != StatusOK {
		t.Errorf("healthy call affected by sibling failures: %+v", results[3])
	}
}

func TestInvokeAll_InvalidInputIsStructured(t *testing.T) {
	r := NewRegistry()
	r.Register(echoTool("echo"))

	results := r.InvokeAll(context.Background(), []Call{
		{ID: "1", Name: "echo", Args: map[string]any{}}, // missing required "text"
	}, time.Second, nil)

	if results[0].Status != StatusError {
		t.Fatalf("status = %q, want error", results[0].Status)
	}
	if !strings.Contains(results[0].Error, "invalid_input") || !strings.Contains(results[0].Error, "text") {
		t.Errorf("error = %q, want structured invalid_input naming the field", results[0].Error)
	}
}

func TestInvokeAll_PerCallTimeout(t *testing.T) {
	r := NewRegistry()
	r.Register(&Tool{
		Name:       "hang",
		Parameters: map[string]any{"type": "object"},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(5 * time.Second):
				return "too late", nil
			}
		},
	})

	start := time.Now()
	results := r.InvokeAll(context.Background(), []Call{
		{ID: "1", Name: "hang", Args: map[string]any{}},
	}, 50*time.Millisecond, nil)

	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("InvokeAll took %v, timeout not applied", elapsed)
	}
	if results[0].Status != StatusError || !strings.Contains(results[0].Error, "deadline") {
		t.Errorf("timed-out call = %+v", results[0])
	}
}

func TestSpecs_PreservesRegistrationOrder(t *testing.T) {
	r := NewRegistry()
	r.Register(echoTool("zeta"))
	r.Register(echoTool("alpha"))
	r.Register(echoTool("mid"))

	specs := r.Specs()
	got := make([]string, len(specs))
	for i, s := range specs {
		got[i] = s.Name
	}
	want := []string{"zeta", "alpha", "mid"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("specs order = %v, want %v", got, want)
		}
	}
}
