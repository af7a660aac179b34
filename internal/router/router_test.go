package router_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"agentline/internal/router"
)

type fakeProvider struct {
	errFor map[string]error // model -> error, nil means success
	calls  []string
}

func (p *fakeProvider) Invoke(ctx context.Context, model string, req router.Request) (router.Response, error) {
	p.calls = append(p.calls, model)
	if err := p.errFor[model]; err != nil {
		return router.Response{}, err
	}
	return router.Response{Text: "ok from " + model, InputTokens: 10, OutputTokens: 5}, nil
}

func newRouter(p router.Provider, now *time.Time) *router.Router {
	return &router.Router{
		Provider:      p,
		DefaultTier:   "tier-2",
		FallbackChain: []string{"tier-2", "tier-3"},
		Tiers: map[string]string{
			"tier-1": "opus-class",
			"tier-2": "sonnet-class",
			"tier-3": "haiku-class",
		},
		Breaker: router.BreakerConfig{
			ErrorThreshold: 5,
			Window:         time.Minute,
			Cooldown:       2 * time.Minute,
		},
		Now: func() time.Time { return *now },
	}
}

func TestDefaultTierServes(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	p := &fakeProvider{errFor: map[string]error{}}
	r := newRouter(p, &now)

	resp, err := r.Invoke(context.Background(), "acme", router.Request{Input: "hi"})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if resp.Model != "sonnet-class" {
		t.Fatalf("expected default tier model, got %s", resp.Model)
	}
	if len(p.calls) != 1 {
		t.Fatalf("healthy default tier must not fall through: %v", p.calls)
	}
}

func TestFallbackOnProviderFailure(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	p := &fakeProvider{errFor: map[string]error{"sonnet-class": errors.New("overloaded")}}
	r := newRouter(p, &now)

	resp, err := r.Invoke(context.Background(), "acme", router.Request{Input: "hi"})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if resp.Model != "haiku-class" {
		t.Fatalf("expected fallback tier model, got %s", resp.Model)
	}
}

func TestExhaustionReturnsRouterError(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cause := errors.New("everything down")
	p := &fakeProvider{errFor: map[string]error{"sonnet-class": cause, "haiku-class": cause}}
	r := newRouter(p, &now)

	_, err := r.Invoke(context.Background(), "acme", router.Request{Input: "hi"})
	var rerr *router.RouterError
	if !errors.As(err, &rerr) {
		t.Fatalf("expected RouterError, got %v", err)
	}
	if len(rerr.Tried) != 2 || rerr.Tried[0] != "tier-2" || rerr.Tried[1] != "tier-3" {
		t.Fatalf("error must list tried tiers in order: %v", rerr.Tried)
	}
	if !errors.Is(err, cause) {
		t.Fatalf("error must carry the last cause")
	}
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	p := &fakeProvider{errFor: map[string]error{
		"sonnet-class": errors.New("down"),
		"haiku-class":  errors.New("down"),
	}}
	r := newRouter(p, &now)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := r.Invoke(ctx, "acme", router.Request{}); err == nil {
			t.Fatalf("expected failure %d", i)
		}
		now = now.Add(time.Second)
	}
	before := len(p.calls)
	_, err := r.Invoke(ctx, "acme", router.Request{})
	var rerr *router.RouterError
	if !errors.As(err, &rerr) {
		t.Fatalf("expected RouterError, got %v", err)
	}
	if len(p.calls) != before {
		t.Fatalf("open breaker must not reach the provider")
	}
	for _, tier := range rerr.Tried {
		if !strings.Contains(tier, "(open)") {
			t.Fatalf("tried list should mark skipped tiers: %v", rerr.Tried)
		}
	}
}

func TestHalfOpenProbeCloses(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	p := &fakeProvider{errFor: map[string]error{
		"sonnet-class": errors.New("down"),
		"haiku-class":  errors.New("down"),
	}}
	r := newRouter(p, &now)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		r.Invoke(ctx, "acme", router.Request{})
	}

	// Cooldown passes and the provider recovers: the single probe succeeds
	// and closes the circuit.
	now = now.Add(3 * time.Minute)
	p.errFor = map[string]error{}
	resp, err := r.Invoke(ctx, "acme", router.Request{})
	if err != nil {
		t.Fatalf("probe should pass after cooldown: %v", err)
	}
	if resp.Model != "sonnet-class" {
		t.Fatalf("probe should hit the default tier, got %s", resp.Model)
	}

	before := len(p.calls)
	if _, err := r.Invoke(ctx, "acme", router.Request{}); err != nil {
		t.Fatalf("circuit should be closed again: %v", err)
	}
	if len(p.calls) != before+1 {
		t.Fatalf("closed circuit should pass traffic normally")
	}
}

func TestHalfOpenProbeFailureReopens(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	p := &fakeProvider{errFor: map[string]error{
		"sonnet-class": errors.New("down"),
		"haiku-class":  errors.New("down"),
	}}
	r := newRouter(p, &now)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		r.Invoke(ctx, "acme", router.Request{})
	}

	now = now.Add(3 * time.Minute)
	if _, err := r.Invoke(ctx, "acme", router.Request{}); err == nil {
		t.Fatalf("probe should fail while the provider is still down")
	}

	// Failed probe reopens immediately; no traffic until another cooldown.
	before := len(p.calls)
	now = now.Add(time.Second)
	if _, err := r.Invoke(ctx, "acme", router.Request{}); err == nil {
		t.Fatalf("expected open circuit after failed probe")
	}
	if len(p.calls) != before {
		t.Fatalf("reopened circuit must not reach the provider")
	}
}

// reentrantProvider fails until the circuit opens, then issues a concurrent
// Invoke from inside the half-open trial call to observe what the breaker
// admits while the trial is still in flight.
type reentrantProvider struct {
	r      *router.Router
	calls  int
	nested error
}

func (p *reentrantProvider) Invoke(ctx context.Context, model string, req router.Request) (router.Response, error) {
	p.calls++
	if p.calls <= 5 {
		return router.Response{}, errors.New("down")
	}
	if p.nested == nil {
		_, p.nested = p.r.Invoke(ctx, "acme", req)
	}
	return router.Response{Text: "ok"}, nil
}

func TestHalfOpenAdmitsOneTrialAtATime(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	p := &reentrantProvider{}
	r := &router.Router{
		Provider:    p,
		DefaultTier: "tier-2",
		Tiers:       map[string]string{"tier-2": "sonnet-class"},
		Breaker: router.BreakerConfig{
			ErrorThreshold: 5,
			Window:         time.Minute,
			Cooldown:       2 * time.Minute,
		},
		Now: func() time.Time { return now },
	}
	p.r = r
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := r.Invoke(ctx, "acme", router.Request{}); err == nil {
			t.Fatalf("expected failure %d", i)
		}
		now = now.Add(time.Second)
	}

	// Cooldown passes; the next call is the half-open trial. The call it
	// issues from inside itself must be refused, not admitted alongside.
	now = now.Add(3 * time.Minute)
	if _, err := r.Invoke(ctx, "acme", router.Request{}); err != nil {
		t.Fatalf("trial call should succeed: %v", err)
	}
	var rerr *router.RouterError
	if !errors.As(p.nested, &rerr) {
		t.Fatalf("expected RouterError for the concurrent caller, got %v", p.nested)
	}
	if len(rerr.Tried) != 1 || !strings.Contains(rerr.Tried[0], "(open)") {
		t.Fatalf("concurrent caller should see the tier as open: %v", rerr.Tried)
	}
	if p.calls != 6 {
		t.Fatalf("concurrent caller must not reach the provider: %d calls", p.calls)
	}

	// The successful trial closed the circuit.
	if _, err := r.Invoke(ctx, "acme", router.Request{}); err != nil {
		t.Fatalf("circuit should be closed after the trial: %v", err)
	}
}

func TestBreakerIsolatesTenants(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	p := &fakeProvider{errFor: map[string]error{
		"sonnet-class": errors.New("down"),
		"haiku-class":  errors.New("down"),
	}}
	r := newRouter(p, &now)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		r.Invoke(ctx, "acme", router.Request{})
	}
	p.errFor = map[string]error{}

	// acme's circuit is open, but globex never failed and flows normally.
	if _, err := r.Invoke(ctx, "globex", router.Request{}); err != nil {
		t.Fatalf("other tenant must not inherit the open circuit: %v", err)
	}
	if _, err := r.Invoke(ctx, "acme", router.Request{}); err == nil {
		t.Fatalf("acme circuit should still be open")
	}
}

func TestFailureWindowResets(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	p := &fakeProvider{errFor: map[string]error{
		"sonnet-class": errors.New("down"),
		"haiku-class":  errors.New("down"),
	}}
	r := newRouter(p, &now)
	ctx := context.Background()

	// Four failures, then a quiet spell longer than the window: the counter
	// starts over and four more failures still do not trip the breaker.
	for i := 0; i < 4; i++ {
		r.Invoke(ctx, "acme", router.Request{})
	}
	now = now.Add(2 * time.Minute)
	for i := 0; i < 4; i++ {
		r.Invoke(ctx, "acme", router.Request{})
		now = now.Add(time.Second)
	}
	p.errFor = map[string]error{}
	if _, err := r.Invoke(ctx, "acme", router.Request{}); err != nil {
		t.Fatalf("stale failures outside the window must not open the circuit: %v", err)
	}
}
