// Package subagent launches background agent tasks bounded by a concurrency
// semaphore, persists their lifecycle in the sub-agent store, and delivers
// completion notices back into the parent session.
package subagent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/semaphore"

	"github.com/nextlevelbuilder/agentfleet/internal/invoker"
	"github.com/nextlevelbuilder/agentfleet/internal/store"
	"github.com/nextlevelbuilder/agentfleet/internal/tokens"
	"github.com/nextlevelbuilder/agentfleet/internal/tools"
)

// ErrAtCapacity is returned by Spawn when all slots are taken. Admission
// fails fast; the runner never queues.
var ErrAtCapacity = errors.New("subagent: at capacity")

var tracer = otel.Tracer("agentfleet/subagent")

const (
	maxOutputChars = 50000
	excerptChars   = 500
	maxTimeoutMin  = 120
	truncateMarker = "\n[Output truncated]"
	shutdownGrace  = 5 * time.Second
	// Inner deadline headroom over the outer timeout so only the outer
	// timeout ever fires and attribution stays clean.
	innerHeadroom = 30 * time.Second
)

// SpawnRequest is what the spawn tool hands the runner.
type SpawnRequest struct {
	ParentSessionKey string
	Task             string
	Label            string
	TimeoutMin       int
	Notify           bool
	AllowedTools     []string
	DeniedTools      []string
}

// Runner owns the sub-agent lifecycle for one workspace.
type Runner struct {
	store    *store.SubAgentStore
	catalog  *tools.Catalog
	factory  invoker.Factory
	meter    *tokens.Meter
	callback func(sessionKey, content string)
	fallback func(ctx context.Context, sessionKey, content string) error

	timeoutMin int
	sem        *semaphore.Weighted

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup

	logger *slog.Logger
}

// Config wires a Runner.
type Config struct {
	Store         *store.SubAgentStore
	Catalog       *tools.Catalog
	Factory       invoker.Factory
	Meter         *tokens.Meter
	MaxConcurrent int
	TimeoutMin    int
	// Callback re-enters the parent's main lane with a synthetic message.
	Callback func(sessionKey, content string)
	// Fallback sends directly to the channel when no callback is set.
	Fallback func(ctx context.Context, sessionKey, content string) error
	Logger   *slog.Logger
}

// NewRunner builds a runner. Missing limits fall back to defaults
// (8 concurrent, 30 minute timeout).
func NewRunner(cfg Config) *Runner {
	maxConc := cfg.MaxConcurrent
	if maxConc <= 0 {
		maxConc = 8
	}
	timeout := cfg.TimeoutMin
	if timeout <= 0 {
		timeout = 30
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		store:      cfg.Store,
		catalog:    cfg.Catalog,
		factory:    cfg.Factory,
		meter:      cfg.Meter,
		callback:   cfg.Callback,
		fallback:   cfg.Fallback,
		timeoutMin: timeout,
		sem:        semaphore.NewWeighted(int64(maxConc)),
		cancels:    make(map[string]context.CancelFunc),
		logger:     logger,
	}
}

// Spawn admits a new sub-agent and returns its request id, or ErrAtCapacity
// when no slot is free.
func (r *Runner) Spawn(req SpawnRequest) (string, error) {
	if !r.sem.TryAcquire(1) {
		return "", ErrAtCapacity
	}

	// Caller-supplied timeouts are clamped to the 1-120 minute range.
	timeout := req.TimeoutMin
	switch {
	case timeout <= 0:
		timeout = r.timeoutMin
	case timeout > maxTimeoutMin:
		timeout = maxTimeoutMin
	}
	id := uuid.NewString()
	rec := store.Request{
		ID:               id,
		ParentSessionKey: req.ParentSessionKey,
		Task:             req.Task,
		Label:            req.Label,
		Status:           store.StatusPending,
		TimeoutMin:       timeout,
		Notify:           req.Notify,
		AllowedTools:     req.AllowedTools,
		DeniedTools:      req.DeniedTools,
	}
	if err := r.store.AddRequest(rec); err != nil {
		r.sem.Release(1)
		return "", err
	}

	outer := time.Duration(timeout) * time.Minute
	ctx, cancel := context.WithTimeout(context.Background(), outer)
	r.mu.Lock()
	r.cancels[id] = cancel
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.sem.Release(1)
		defer func() {
			cancel()
			r.mu.Lock()
			delete(r.cancels, id)
			r.mu.Unlock()
		}()
		r.run(ctx, id, rec, outer)
	}()
	return id, nil
}

func (r *Runner) run(ctx context.Context, id string, rec store.Request, outer time.Duration) {
	ctx, span := tracer.Start(ctx, "subagent.run")
	defer span.End()
	span.SetAttributes(
		attribute.String("subagent_id", id),
		attribute.String("label", rec.Label),
	)

	if err := r.store.SetStatus(id, store.StatusRunning); err != nil {
		r.logger.Warn("subagent status update failed", "id", id, "error", err)
	}

	toolSet := r.catalog.ForSubagent(rec.AllowedTools, rec.DeniedTools)
	inv := r.factory()

	// The inner deadline sits past the outer one so a timeout is always
	// attributed to the outer context.
	innerCtx, innerCancel := context.WithTimeout(ctx, outer+innerHeadroom)
	defer innerCancel()

	start := time.Now()
	res, err := inv.Invoke(innerCtx, invoker.Request{
		SystemPrompt: subagentSystemPrompt(rec.Label),
		ThreadID:     fmt.Sprintf("subagent:%s", id),
		UserMessage:  rec.Task,
		Tools:        toolSet,
	})
	duration := time.Since(start)

	if r.meter != nil {
		r.meter.Log(tokens.Entry{
			InvocationType: tokens.InvocationSubagent,
			SessionKey:     rec.ParentSessionKey,
			InputTokens:    res.Metrics.InputTokens,
			OutputTokens:   res.Metrics.OutputTokens,
			LLMCalls:       res.Metrics.LLMCalls,
			DurationMs:     duration.Milliseconds(),
			Model:          res.Metrics.Model,
		})
	}

	output := truncateOutput(res.Text)
	result := store.Result{
		RequestID:  id,
		Output:     output,
		TokenCount: res.Metrics.TotalTokens,
		DurationMs: duration.Milliseconds(),
	}

	var status, notice string
	switch {
	case err != nil:
		status = store.StatusFailed
		result.Error = err.Error()
		notice = fmt.Sprintf("[SYSTEM] Sub-agent '%s' failed.\nError: %s", rec.Label, err)
	case res.FinishReason == invoker.FinishTimedOut || ctx.Err() == context.DeadlineExceeded:
		status = store.StatusTimedOut
		result.Error = fmt.Sprintf("Sub-agent timed out after %d minutes", rec.TimeoutMin)
		notice = fmt.Sprintf("[SYSTEM] Sub-agent '%s' timed out after %d minutes.", rec.Label, rec.TimeoutMin)
	case res.FinishReason == invoker.FinishCancelled:
		status = store.StatusCancelled
		result.Error = "cancelled"
		// No notification on cancellation.
	case res.FinishReason == invoker.FinishFailed:
		status = store.StatusFailed
		result.Error = "invocation failed"
		notice = fmt.Sprintf("[SYSTEM] Sub-agent '%s' failed.\nError: %s", rec.Label, result.Error)
	default:
		status = store.StatusCompleted
		notice = completionNotice(rec.Label, id, output)
	}

	if err := r.store.SaveResult(result); err != nil {
		r.logger.Warn("subagent result save failed", "id", id, "error", err)
	}
	if err := r.store.SetStatus(id, status); err != nil {
		r.logger.Warn("subagent status update failed", "id", id, "error", err)
	}

	if rec.Notify && notice != "" {
		r.deliver(rec.ParentSessionKey, notice)
	}
	r.logger.Info("subagent finished", "id", id, "label", rec.Label, "status", status, "duration_ms", duration.Milliseconds())
}

func (r *Runner) deliver(sessionKey, content string) {
	if r.callback != nil {
		r.callback(sessionKey, content)
		return
	}
	if r.fallback == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := r.fallback(ctx, sessionKey, content); err != nil {
		r.logger.Warn("subagent notification fallback failed", "session", sessionKey, "error", err)
	}
}

// Cancel requests cooperative cancellation of an active sub-agent and
// reports whether one was found.
func (r *Runner) Cancel(id string) bool {
	r.mu.Lock()
	cancel, ok := r.cancels[id]
	r.mu.Unlock()
	if !ok {
		return false
	}
	cancel()
	return true
}

// ListActive returns all pending/running requests.
func (r *Runner) ListActive() []store.Request { return r.store.Active() }

// ListRecent returns up to limit requests, newest first.
func (r *Runner) ListRecent(limit int) []store.Request { return r.store.Recent(limit) }

// GetStatus returns the status of a request.
func (r *Runner) GetStatus(id string) (string, bool) {
	req, ok := r.store.GetRequest(id)
	if !ok {
		return "", false
	}
	return req.Status, true
}

// GetResult returns the persisted result for a request.
func (r *Runner) GetResult(id string) (store.Result, bool) { return r.store.GetResult(id) }

// Shutdown cancels every active sub-agent and waits up to 5s for the
// goroutines to drain. Best-effort.
func (r *Runner) Shutdown() {
	r.mu.Lock()
	for _, cancel := range r.cancels {
		cancel()
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownGrace):
		r.logger.Warn("subagent shutdown grace elapsed with tasks still running")
	}
}

func subagentSystemPrompt(label string) string {
	return fmt.Sprintf("You are a background sub-agent (%s). Complete the task and report the result as plain text. You cannot message the user directly.", label)
}

// Limits are in characters; cuts land on rune boundaries so truncated
// output stays valid UTF-8.
func truncateOutput(s string) string {
	if utf8.RuneCountInString(s) <= maxOutputChars {
		return s
	}
	keep := maxOutputChars - utf8.RuneCountInString(truncateMarker)
	return string([]rune(s)[:keep]) + truncateMarker
}

func completionNotice(label, id, output string) string {
	body := output
	if utf8.RuneCountInString(output) > excerptChars {
		body = string([]rune(output)[:excerptChars]) + fmt.Sprintf("...\nUse get_subagent_result(id=%q) to read the full output.", id)
	}
	return fmt.Sprintf("[SYSTEM] Sub-agent '%s' completed.\n\n%s", label, body)
}
