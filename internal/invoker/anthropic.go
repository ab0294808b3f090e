package invoker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const defaultMaxTokens = 8192

// AnthropicInvoker talks to the Anthropic Messages API and keeps one
// transcript per thread id, so consecutive invocations on the same thread
// continue the same conversation.
type AnthropicInvoker struct {
	client      anthropic.Client
	model       string
	temperature float64
	maxTurns    int

	mu      sync.Mutex
	threads map[string][]anthropic.MessageParam
}

// AnthropicConfig carries the provider settings from workspace config.
type AnthropicConfig struct {
	APIKey      string
	Model       string
	Temperature float64
	MaxTurns    int
}

// NewAnthropic builds an invoker for one workspace.
func NewAnthropic(cfg AnthropicConfig) *AnthropicInvoker {
	var opts []option.RequestOption
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	maxTurns := cfg.MaxTurns
	if maxTurns <= 0 {
		maxTurns = 25
	}
	return &AnthropicInvoker{
		client:      anthropic.NewClient(opts...),
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTurns:    maxTurns,
		threads:     make(map[string][]anthropic.MessageParam),
	}
}

// Invoke appends the user message to the thread transcript and runs the
// model, executing tool calls until the model stops asking for tools or the
// turn budget runs out. Cancellation is cooperative: the context is checked
// between model calls and tool executions, never mid-write.
func (a *AnthropicInvoker) Invoke(ctx context.Context, req Request) (Result, error) {
	start := time.Now()
	metrics := Metrics{Model: a.model}
	finish := func(text string, reason FinishReason) Result {
		metrics.TotalTokens = metrics.InputTokens + metrics.OutputTokens
		metrics.DurationMs = time.Since(start).Milliseconds()
		metrics.IsPartial = reason == FinishCancelled || reason == FinishTimedOut
		if req.Sink != nil {
			req.Sink(metrics)
		}
		return Result{Text: text, Metrics: metrics, FinishReason: reason}
	}

	a.mu.Lock()
	transcript := append([]anthropic.MessageParam(nil), a.threads[req.ThreadID]...)
	a.mu.Unlock()
	transcript = append(transcript, anthropic.NewUserMessage(anthropic.NewTextBlock(req.UserMessage)))

	toolParams := buildToolParams(req.Tools)
	byName := make(map[string]Tool, len(req.Tools))
	for _, t := range req.Tools {
		byName[t.Name()] = t
	}

	var text string
	for turn := 0; turn < a.maxTurns; turn++ {
		params := anthropic.MessageNewParams{
			Model:       anthropic.Model(a.model),
			Messages:    transcript,
			MaxTokens:   defaultMaxTokens,
			Temperature: anthropic.Float(a.temperature),
		}
		if req.SystemPrompt != "" {
			params.System = []anthropic.TextBlockParam{{Text: req.SystemPrompt}}
		}
		if len(toolParams) > 0 {
			params.Tools = toolParams
		}

		message, err := a.client.Messages.New(ctx, params)
		if err != nil {
			switch {
			case errors.Is(ctx.Err(), context.Canceled):
				return finish(text, FinishCancelled), nil
			case errors.Is(ctx.Err(), context.DeadlineExceeded):
				return finish(text, FinishTimedOut), nil
			}
			return finish(text, FinishFailed), err
		}
		metrics.LLMCalls++
		metrics.InputTokens += message.Usage.InputTokens
		metrics.OutputTokens += message.Usage.OutputTokens

		type toolUse struct {
			id, name string
			input    json.RawMessage
		}
		var assistant []anthropic.ContentBlockParamUnion
		var toolUses []toolUse
		for _, block := range message.Content {
			switch block.Type {
			case "text":
				text += block.Text
				assistant = append(assistant, anthropic.NewTextBlock(block.Text))
			case "tool_use":
				tu := toolUse{id: block.ID, name: block.Name, input: json.RawMessage(block.Input)}
				toolUses = append(toolUses, tu)
				assistant = append(assistant, anthropic.NewToolUseBlock(tu.id, tu.input, tu.name))
			}
		}
		if len(assistant) > 0 {
			transcript = append(transcript, anthropic.NewAssistantMessage(assistant...))
		}

		if string(message.StopReason) != "tool_use" || len(toolUses) == 0 {
			a.saveThread(req.ThreadID, transcript)
			return finish(text, FinishComplete), nil
		}

		var results []anthropic.ContentBlockParamUnion
		for _, tu := range toolUses {
			if err := ctx.Err(); err != nil {
				a.saveThread(req.ThreadID, transcript)
				if errors.Is(err, context.DeadlineExceeded) {
					return finish(text, FinishTimedOut), nil
				}
				return finish(text, FinishCancelled), nil
			}
			tool, ok := byName[tu.name]
			if !ok {
				results = append(results, anthropic.NewToolResultBlock(tu.id, "unknown tool: "+tu.name, true))
				continue
			}
			out, err := tool.Execute(ctx, tu.input)
			if err != nil {
				slog.Warn("tool execution failed", "tool", tu.name, "error", err)
				results = append(results, anthropic.NewToolResultBlock(tu.id, err.Error(), true))
				continue
			}
			results = append(results, anthropic.NewToolResultBlock(tu.id, out, false))
		}
		transcript = append(transcript, anthropic.NewUserMessage(results...))
	}

	a.saveThread(req.ThreadID, transcript)
	return finish(text, FinishComplete), nil
}

func (a *AnthropicInvoker) saveThread(threadID string, transcript []anthropic.MessageParam) {
	a.mu.Lock()
	a.threads[threadID] = transcript
	a.mu.Unlock()
}

func buildToolParams(tools []Tool) []anthropic.ToolUnionParam {
	if len(tools) == 0 {
		return nil
	}
	params := make([]anthropic.ToolParam, len(tools))
	for i, t := range tools {
		params[i] = anthropic.ToolParam{
			Name:        t.Name(),
			Description: anthropic.String(t.Description()),
		}
		if schema := t.InputSchema(); schema != nil {
			raw, _ := json.Marshal(schema)
			var is anthropic.ToolInputSchemaParam
			_ = json.Unmarshal(raw, &is)
			params[i].InputSchema = is
		}
	}
	unions := make([]anthropic.ToolUnionParam, len(params))
	for i := range params {
		unions[i] = anthropic.ToolUnionParam{OfTool: &params[i]}
	}
	return unions
}
