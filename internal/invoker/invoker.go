// Package invoker defines the single adapter boundary to the model. The
// runner and sub-agent subsystem only ever talk to the Invoker interface;
// provider specifics stay behind it.
package invoker

import (
	"context"
	"encoding/json"
)

// Tool is one callable exposed to the model. Implementations must be safe
// for concurrent use; a tool may be shared across invokers.
type Tool interface {
	Name() string
	Description() string
	InputSchema() map[string]any
	Execute(ctx context.Context, input json.RawMessage) (string, error)
}

// FinishReason classifies how an invocation ended. Cancellation and timeout
// are outcomes, not errors; Invoke returns an error only for failures the
// caller cannot attribute to its own context.
type FinishReason string

const (
	FinishComplete  FinishReason = "complete"
	FinishCancelled FinishReason = "cancelled"
	FinishTimedOut  FinishReason = "timed_out"
	FinishFailed    FinishReason = "failed"
)

// Metrics describes one invocation's model usage.
type Metrics struct {
	InputTokens  int64
	OutputTokens int64
	TotalTokens  int64
	LLMCalls     int
	DurationMs   int64
	Model        string
	IsPartial    bool
}

// Request is one unit of model work.
type Request struct {
	SystemPrompt string
	ThreadID     string
	UserMessage  string
	Tools        []Tool // ordered; the invoker must not reorder
	Sink         func(Metrics)
}

// Result is the outcome of an invocation.
type Result struct {
	Text         string
	Metrics      Metrics
	FinishReason FinishReason
}

// Invoker runs model invocations. Implementations keep per-thread
// transcripts keyed by Request.ThreadID.
type Invoker interface {
	Invoke(ctx context.Context, req Request) (Result, error)
}

// Factory builds a fresh invoker. Every sub-agent spawn gets its own
// instance so transcripts never leak between tasks.
type Factory func() Invoker
