// Package router maps model tiers to providers with a fallback chain and a
// circuit breaker per (tenant, tier). The breaker state machine is independent
// of, and orthogonal to, the task state machine.
package router

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// RouterError means no tier could serve the request. The runtime treats it as
// recoverable: the task goes to RETRY, not FAILED.
type RouterError struct {
	Tried []string
	Cause error
}

func (e *RouterError) Error() string {
	msg := fmt.Sprintf("no model tier available (tried %s)", strings.Join(e.Tried, ", "))
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *RouterError) Unwrap() error { return e.Cause }

// Request is a model invocation request.
type Request struct {
	System string
	Input  string
}

// Response is a model invocation result.
type Response struct {
	Text         string
	Model        string
	InputTokens  int
	OutputTokens int
}

// Provider performs the actual model call for a resolved model name.
type Provider interface {
	Invoke(ctx context.Context, model string, req Request) (Response, error)
}

// BreakerConfig tunes the per-(tenant, tier) circuit breaker.
type BreakerConfig struct {
	ErrorThreshold int           // failures within Window that open the circuit
	Window         time.Duration // rolling failure window
	Cooldown       time.Duration // OPEN -> HALF_OPEN delay
}

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

type breaker struct {
	state       breakerState
	failures    int
	lastFailure time.Time
	probing     bool // a HALF_OPEN trial call is in flight
}

// recordFailure counts a failure inside the rolling window and opens the
// circuit at the threshold. A HALF_OPEN probe failure reopens immediately.
func (b *breaker) recordFailure(now time.Time, cfg BreakerConfig) {
	if b.state == breakerHalfOpen {
		b.state = breakerOpen
		b.lastFailure = now
		b.probing = false
		return
	}
	if !b.lastFailure.IsZero() && now.Sub(b.lastFailure) > cfg.Window {
		b.failures = 0
	}
	b.failures++
	b.lastFailure = now
	if b.failures >= cfg.ErrorThreshold {
		b.state = breakerOpen
	}
}

func (b *breaker) recordSuccess() {
	b.state = breakerClosed
	b.failures = 0
	b.probing = false
}

// canAttempt reports whether a call may pass, moving OPEN to HALF_OPEN after
// the cooldown so a single probe goes through.
func (b *breaker) canAttempt(now time.Time, cfg BreakerConfig) bool {
	switch b.state {
	case breakerClosed:
		return true
	case breakerOpen:
		if now.Sub(b.lastFailure) >= cfg.Cooldown {
			b.state = breakerHalfOpen
			b.probing = true
			return true
		}
		return false
	default: // half-open: exactly one trial call at a time
		if b.probing {
			return false
		}
		b.probing = true
		return true
	}
}

// Router walks the default tier and then the fallback chain, skipping tiers
// whose breaker is open for the tenant.
type Router struct {
	Provider      Provider
	DefaultTier   string
	FallbackChain []string
	Tiers         map[string]string // tier -> model name
	Breaker       BreakerConfig
	Now           func() time.Time

	mu       sync.Mutex
	breakers map[string]*breaker
}

func (r *Router) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r *Router) breakerFor(tenantID, tier string) *breaker {
	if r.breakers == nil {
		r.breakers = map[string]*breaker{}
	}
	key := tenantID + "|" + tier
	b, ok := r.breakers[key]
	if !ok {
		b = &breaker{}
		r.breakers[key] = b
	}
	return b
}

func (r *Router) candidates() []string {
	seen := map[string]bool{}
	var tiers []string
	for _, tier := range append([]string{r.DefaultTier}, r.FallbackChain...) {
		if tier == "" || seen[tier] {
			continue
		}
		seen[tier] = true
		tiers = append(tiers, tier)
	}
	return tiers
}

// Invoke routes one model call for a tenant, falling through the chain on
// failure or open breakers. Exhaustion yields a RouterError.
func (r *Router) Invoke(ctx context.Context, tenantID string, req Request) (Response, error) {
	var tried []string
	var lastErr error
	for _, tier := range r.candidates() {
		model, ok := r.Tiers[tier]
		if !ok {
			continue
		}
		r.mu.Lock()
		b := r.breakerFor(tenantID, tier)
		allowed := b.canAttempt(r.now(), r.Breaker)
		r.mu.Unlock()
		if !allowed {
			tried = append(tried, tier+" (open)")
			continue
		}
		tried = append(tried, tier)
		resp, err := r.Provider.Invoke(ctx, model, req)
		r.mu.Lock()
		if err != nil {
			b.recordFailure(r.now(), r.Breaker)
		} else {
			b.recordSuccess()
		}
		r.mu.Unlock()
		if err != nil {
			lastErr = err
			continue
		}
		resp.Model = model
		return resp, nil
	}
	return Response{}, &RouterError{Tried: tried, Cause: lastErr}
}
