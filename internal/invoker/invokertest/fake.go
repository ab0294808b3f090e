// Package invokertest provides a scripted invoker for the test suite.
package invokertest

import (
	"context"
	"sync"
	"time"

	"github.com/nextlevelbuilder/agentfleet/internal/invoker"
)

// Response scripts one invocation outcome.
type Response struct {
	Text    string
	Delay   time.Duration // simulated model latency, observed via ctx
	Err     error
	Metrics invoker.Metrics
}

// Fake replays scripted responses in order, then repeats the last one.
// It honors context cancellation during a scripted delay the way a real
// invoker does: cancelled/timed-out outcomes are results, not errors.
type Fake struct {
	mu        sync.Mutex
	responses []Response
	calls     []invoker.Request
}

// New builds a fake with the given script. An empty script answers "ok".
func New(responses ...Response) *Fake {
	return &Fake{responses: responses}
}

// Invoke implements invoker.Invoker.
func (f *Fake) Invoke(ctx context.Context, req invoker.Request) (invoker.Result, error) {
	f.mu.Lock()
	idx := len(f.calls)
	f.calls = append(f.calls, req)
	resp := Response{Text: "ok"}
	if len(f.responses) > 0 {
		if idx >= len(f.responses) {
			idx = len(f.responses) - 1
		}
		resp = f.responses[idx]
	}
	f.mu.Unlock()

	if resp.Delay > 0 {
		select {
		case <-time.After(resp.Delay):
		case <-ctx.Done():
			m := resp.Metrics
			m.IsPartial = true
			reason := invoker.FinishCancelled
			if ctx.Err() == context.DeadlineExceeded {
				reason = invoker.FinishTimedOut
			}
			if req.Sink != nil {
				req.Sink(m)
			}
			return invoker.Result{Metrics: m, FinishReason: reason}, nil
		}
	}
	if resp.Err != nil {
		return invoker.Result{Metrics: resp.Metrics, FinishReason: invoker.FinishFailed}, resp.Err
	}
	if req.Sink != nil {
		req.Sink(resp.Metrics)
	}
	return invoker.Result{Text: resp.Text, Metrics: resp.Metrics, FinishReason: invoker.FinishComplete}, nil
}

// Calls returns a copy of every request seen so far.
func (f *Fake) Calls() []invoker.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]invoker.Request, len(f.calls))
	copy(out, f.calls)
	return out
}

// CallCount returns how many invocations have been made.
func (f *Fake) CallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// Factory returns an invoker.Factory handing out this same fake, for tests
// that want to inspect sub-agent invocations.
func (f *Fake) Factory() invoker.Factory {
	return func() invoker.Invoker { return f }
}
