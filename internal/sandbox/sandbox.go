// Package sandbox adapts tool execution behind a policy-enforcing boundary.
// Execution internals are an external collaborator; this package owns the
// error taxonomy the runtime classifies on.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrorKind classifies a sandbox failure for the retry decision.
type ErrorKind string

const (
	// KindTimeout and KindResourceLimit are recoverable.
	KindTimeout       ErrorKind = "TIMEOUT"
	KindResourceLimit ErrorKind = "RESOURCE_LIMIT"
	// KindDenied is terminal: policy said no, retrying cannot help.
	KindDenied ErrorKind = "DENIED"
)

// Error is a classified tool execution failure.
type Error struct {
	Kind   ErrorKind
	ToolID string
	Cause  error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("sandbox %s: tool %s", e.Kind, e.ToolID)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Cause }

// Recoverable reports whether the runtime may retry after this failure.
func (e *Error) Recoverable() bool { return e.Kind != KindDenied }

// Policy bounds one tool invocation.
type Policy struct {
	Timeout       time.Duration
	MaxConcurrent int
	Denied        bool
}

// Handler runs the actual tool.
type Handler func(ctx context.Context, args map[string]any) (map[string]any, error)

// Executor dispatches tool calls to registered handlers under per-tool
// concurrency caps and timeouts.
type Executor struct {
	mu        sync.Mutex
	handlers  map[string]Handler
	semaphore map[string]chan struct{}
}

func NewExecutor() *Executor {
	return &Executor{
		handlers:  map[string]Handler{},
		semaphore: map[string]chan struct{}{},
	}
}

func (e *Executor) Register(toolID string, h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[toolID] = h
}

func (e *Executor) slot(toolID string, max int) chan struct{} {
	if max <= 0 {
		max = 10
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	sem, ok := e.semaphore[toolID]
	if !ok {
		sem = make(chan struct{}, max)
		e.semaphore[toolID] = sem
	}
	return sem
}

// Execute runs one tool call under policy. DENIED is decided before the
// handler runs; a full semaphore past the timeout is RESOURCE_LIMIT.
func (e *Executor) Execute(ctx context.Context, toolID string, args map[string]any, policy Policy) (map[string]any, error) {
	if policy.Denied {
		return nil, &Error{Kind: KindDenied, ToolID: toolID}
	}
	e.mu.Lock()
	handler, ok := e.handlers[toolID]
	e.mu.Unlock()
	if !ok {
		return nil, &Error{Kind: KindDenied, ToolID: toolID, Cause: errors.New("no handler registered")}
	}

	timeout := policy.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	sem := e.slot(toolID, policy.MaxConcurrent)
	select {
	case sem <- struct{}{}:
		defer func() { <-sem }()
	case <-ctx.Done():
		return nil, &Error{Kind: KindResourceLimit, ToolID: toolID, Cause: ctx.Err()}
	}

	type outcome struct {
		result map[string]any
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := handler(ctx, args)
		done <- outcome{result: result, err: err}
	}()
	select {
	case out := <-done:
		if out.err != nil {
			var serr *Error
			if errors.As(out.err, &serr) {
				return nil, out.err
			}
			return nil, &Error{Kind: KindResourceLimit, ToolID: toolID, Cause: out.err}
		}
		return out.result, nil
	case <-ctx.Done():
		return nil, &Error{Kind: KindTimeout, ToolID: toolID, Cause: ctx.Err()}
	}
}
