package runner

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/nextlevelbuilder/agentfleet/internal/channel"
	"github.com/nextlevelbuilder/agentfleet/internal/config"
	"github.com/nextlevelbuilder/agentfleet/internal/invoker"
	"github.com/nextlevelbuilder/agentfleet/internal/lane"
	"github.com/nextlevelbuilder/agentfleet/internal/tokens"
)

// Silent-reply tokens. A reply equal to one of these is not delivered.
const (
	noReplyToken     = "NO_REPLY"
	heartbeatOKToken = "HEARTBEAT_OK"
)

// Optional prompt files layered on top of AGENT.md, in order.
var promptFiles = []string{"USER.md", "SOUL.md"}

const heartbeatFile = "HEARTBEAT.md"

var tracer = otel.Tracer("agentfleet/runner")

func (r *Runner) dispatch(ctx context.Context, item lane.Item) {
	switch item.Lane {
	case lane.Main:
		r.dispatchMain(ctx, item)
	case lane.Cron:
		r.dispatchCron(ctx, item)
	default:
		r.logger.Warn("item on unexpected lane", "lane", item.Lane)
	}
}

// dispatchMain runs one user-facing invocation: resolve the thread, build
// the system prompt fresh from the workspace files, invoke, reply.
func (r *Runner) dispatchMain(ctx context.Context, item lane.Item) {
	ctx, span := tracer.Start(ctx, "dispatch.main")
	defer span.End()
	span.SetAttributes(
		attribute.String("workspace", r.ws.Name),
		attribute.String("session_key", item.SessionKey),
	)

	threadID := r.sessions.ThreadID(item.SessionKey)
	systemPrompt, err := r.buildSystemPrompt()
	if err != nil {
		r.logger.Error("system prompt build failed", "error", err)
		r.notifyFailure(item.SessionKey)
		return
	}

	invCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	r.machine.BeginFlight(item.SessionKey, cancel)
	defer r.machine.EndFlight(item.SessionKey)

	start := time.Now()
	res, err := r.inv.Invoke(withSession(invCtx, item.SessionKey), invoker.Request{
		SystemPrompt: systemPrompt,
		ThreadID:     threadID,
		UserMessage:  item.Content,
		Tools:        r.sessionTools(item.SessionKey),
	})
	r.logUsage(tokens.InvocationUser, item.SessionKey, res.Metrics, time.Since(start))

	if err != nil {
		r.logger.Error("invocation failed", "session", item.SessionKey, "error", err)
		r.notifyFailure(item.SessionKey)
		return
	}
	r.sessions.Increment(item.SessionKey)

	switch res.FinishReason {
	case invoker.FinishCancelled:
		// Steered away; the replacement message is already queued.
		return
	case invoker.FinishTimedOut:
		r.send(ctx, item.SessionKey, "The request timed out. Please try again.")
		return
	}

	if isSilentReply(res.Text) {
		return
	}
	sendCtx, sendCancel := context.WithTimeout(context.Background(), time.Minute)
	defer sendCancel()
	r.send(sendCtx, item.SessionKey, res.Text)
}

// dispatchCron runs a scheduled prompt (or heartbeat) and routes the output
// to the configured target. The session key doubles as the thread id so a
// job keeps one continuous conversation across firings.
func (r *Runner) dispatchCron(ctx context.Context, item lane.Item) {
	ctx, span := tracer.Start(ctx, "dispatch.cron")
	defer span.End()
	span.SetAttributes(
		attribute.String("workspace", r.ws.Name),
		attribute.String("job", item.CronName),
	)

	content := item.Content
	invType := tokens.InvocationCron
	if item.Heartbeat {
		invType = tokens.InvocationHeartbeat
		hb, err := os.ReadFile(filepath.Join(r.ws.Path, heartbeatFile))
		if err != nil {
			r.logger.Warn("heartbeat prompt missing, skipping", "error", err)
			return
		}
		content = string(hb)
	}
	systemPrompt, err := r.buildSystemPrompt()
	if err != nil {
		r.logger.Error("system prompt build failed", "error", err)
		return
	}

	start := time.Now()
	res, err := r.inv.Invoke(withSession(ctx, item.SessionKey), invoker.Request{
		SystemPrompt: systemPrompt,
		ThreadID:     item.SessionKey,
		UserMessage:  content,
		Tools:        r.sessionTools(item.SessionKey),
	})
	r.logUsage(invType, item.SessionKey, res.Metrics, time.Since(start))
	if err != nil {
		r.logger.Error("cron invocation failed", "job", item.CronName, "error", err)
		return
	}
	if res.FinishReason != invoker.FinishComplete {
		return
	}

	text := strings.TrimSpace(res.Text)
	if text == "" || (item.Heartbeat && text == heartbeatOKToken) || text == noReplyToken {
		return
	}
	if item.Output.Channel == "" || item.Output.Target() == "" {
		r.logger.Info("cron output has no route, dropping", "job", item.CronName)
		return
	}
	sendCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	r.send(sendCtx, channel.SessionKey(item.Output.Channel, item.Output.Target()), res.Text)
}

// buildSystemPrompt reads the prompt files on every dispatch so edits take
// effect without a restart.
func (r *Runner) buildSystemPrompt() (string, error) {
	agent, err := os.ReadFile(filepath.Join(r.ws.Path, config.AgentFile))
	if err != nil {
		return "", err
	}
	parts := []string{strings.TrimSpace(string(agent))}
	for _, name := range promptFiles {
		data, err := os.ReadFile(filepath.Join(r.ws.Path, name))
		if err != nil {
			continue
		}
		if body := strings.TrimSpace(string(data)); body != "" {
			parts = append(parts, body)
		}
	}
	return strings.Join(parts, "\n\n"), nil
}

func (r *Runner) sessionTools(sessionKey string) []invoker.Tool {
	return r.catalog.All()
}

func (r *Runner) logUsage(t tokens.InvocationType, sessionKey string, m invoker.Metrics, d time.Duration) {
	entry := tokens.Entry{
		InvocationType: t,
		SessionKey:     sessionKey,
		InputTokens:    m.InputTokens,
		OutputTokens:   m.OutputTokens,
		LLMCalls:       m.LLMCalls,
		DurationMs:     d.Milliseconds(),
		Model:          m.Model,
	}
	if err := r.meter.Log(entry); err != nil {
		r.logger.Warn("usage log failed", "error", err)
	}
}

func isSilentReply(text string) bool {
	t := strings.TrimSpace(text)
	return t == "" || t == noReplyToken
}
