package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrProviderUnavailable is returned when every provider in the chain is
// either circuit-open or failed for this request.
var ErrProviderUnavailable = errors.New("no provider available")

// breakerState is the circuit state of one provider.
type breakerState int

const (
	stateClosed breakerState = iota
	stateOpen
	stateHalfOpen
)

func (s breakerState) String() string {
	switch s {
	case stateClosed:
		return "closed"
	case stateOpen:
		return "open"
	case stateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// breaker is a per-provider circuit breaker. Closed passes requests
// through and counts consecutive failures; after threshold failures it
// opens. Open rejects requests until the cooldown elapses, then admits
// exactly one trial (half-open). The trial's outcome closes or re-opens
// the circuit.
type breaker struct {
	mu        sync.Mutex
	state     breakerState
	failures  int
	openedAt  time.Time
	threshold int
	cooldown  time.Duration

	now func() time.Time // injectable for tests
}

func newBreaker(threshold int, cooldown time.Duration) *breaker {
	if threshold <= 0 {
		threshold = 3
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &breaker{
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// allow reports whether a request may proceed. An open circuit whose
// cooldown has elapsed transitions to half-open and admits the caller as
// the single trial; trial is true for that caller, which must resolve
// the trial via success, failure, or releaseTrial.
func (b *breaker) allow() (ok, trial bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case stateClosed:
		return true, false
	case stateOpen:
		if b.now().Sub(b.openedAt) >= b.cooldown {
			b.state = stateHalfOpen
			return true, true
		}
		return false, false
	case stateHalfOpen:
		// A trial is already in flight.
		return false, false
	}
	return false, false
}

func (b *breaker) success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = stateClosed
	b.failures = 0
}

func (b *breaker) failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == stateHalfOpen {
		// Failed trial re-opens immediately.
		b.state = stateOpen
		b.openedAt = b.now()
		return
	}

	b.failures++
	if b.failures >= b.threshold {
		b.state = stateOpen
		b.openedAt = b.now()
	}
}

// releaseTrial returns an abandoned half-open trial slot. A cancelled
// trial says nothing about provider health, so instead of staying
// half-open forever (which would block every later request) the circuit
// reverts to open and the cooldown restarts.
func (b *breaker) releaseTrial() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == stateHalfOpen {
		b.state = stateOpen
		b.openedAt = b.now()
	}
}

// provider is one entry in the chain.
type provider struct {
	name    string
	model   string // overrides the requested model when set
	client  Client
	breaker *breaker
}

// Chain is an ordered list of providers behind one Client interface.
// Each request walks the chain in priority order, skipping circuit-open
// providers; the first healthy provider that answers wins. A provider
// failure trips its breaker and the next provider is tried with the
// same request.
type Chain struct {
	providers []*provider
	logger    *slog.Logger
}

// ChainEntry configures one provider in a Chain.
type ChainEntry struct {
	Name             string
	Model            string
	Client           Client
	FailureThreshold int
	Cooldown         time.Duration
}

// NewChain builds a fallback chain. Order is priority order.
func NewChain(logger *slog.Logger, entries ...ChainEntry) *Chain {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Chain{logger: logger}
	for _, e := range entries {
		c.providers = append(c.providers, &provider{
			name:    e.Name,
			model:   e.Model,
			client:  e.Client,
			breaker: newBreaker(e.FailureThreshold, e.Cooldown),
		})
	}
	return c
}

// Chat walks the chain until a provider answers.
func (c *Chain) Chat(ctx context.Context, model string, messages []Message, tools []ToolSpec) (*ChatResponse, error) {
	var lastErr error
	for _, p := range c.providers {
		ok, trial := p.breaker.allow()
		if !ok {
			c.logger.Debug("skipping circuit-open provider", "provider", p.name)
			continue
		}

		resp, err := p.client.Chat(ctx, p.effectiveModel(model), messages, tools)
		if err != nil {
			if ctx.Err() != nil {
				// Caller cancellation, not provider health.
				if trial {
					p.breaker.releaseTrial()
				}
				return nil, ctx.Err()
			}
			p.breaker.failure()
			c.logger.Warn("provider failed, trying next", "provider", p.name, "error", err)
			lastErr = err
			continue
		}

		p.breaker.success()
		resp.Provider = p.name
		return resp, nil
	}

	if lastErr != nil {
		return nil, fmt.Errorf("%w: %w", ErrProviderUnavailable, lastErr)
	}
	return nil, ErrProviderUnavailable
}

// ChatStream walks the chain until a provider answers. Once a provider
// has emitted any event to the callback, failover stops: retrying with
// another provider would duplicate already-delivered output, so the
// error surfaces to the caller instead.
func (c *Chain) ChatStream(ctx context.Context, model string, messages []Message, tools []ToolSpec, callback StreamCallback) (*ChatResponse, error) {
	var lastErr error
	for _, p := range c.providers {
		ok, trial := p.breaker.allow()
		if !ok {
			c.logger.Debug("skipping circuit-open provider", "provider", p.name)
			continue
		}

		emitted := false
		wrapped := callback
		if callback != nil {
			wrapped = func(event StreamEvent) {
				emitted = true
				callback(event)
			}
		}

		resp, err := p.client.ChatStream(ctx, p.effectiveModel(model), messages, tools, wrapped)
		if err != nil {
			if ctx.Err() != nil {
				if trial {
					p.breaker.releaseTrial()
				}
				return nil, ctx.Err()
			}
			p.breaker.failure()
			if emitted {
				c.logger.Warn("provider failed mid-stream", "provider", p.name, "error", err)
				return nil, fmt.Errorf("stream from %s: %w", p.name, err)
			}
			c.logger.Warn("provider failed, trying next", "provider", p.name, "error", err)
			lastErr = err
			continue
		}

		p.breaker.success()
		resp.Provider = p.name
		return resp, nil
	}

	if lastErr != nil {
		return nil, fmt.Errorf("%w: %w", ErrProviderUnavailable, lastErr)
	}
	return nil, ErrProviderUnavailable
}

// Ping succeeds if any provider in the chain is reachable.
func (c *Chain) Ping(ctx context.Context) error {
	var lastErr error
	for _, p := range c.providers {
		if err := p.client.Ping(ctx); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	if lastErr != nil {
		return fmt.Errorf("%w: %w", ErrProviderUnavailable, lastErr)
	}
	return ErrProviderUnavailable
}

func (p *provider) effectiveModel(requested string) string {
	if p.model != "" {
		return p.model
	}
	return requested
}
