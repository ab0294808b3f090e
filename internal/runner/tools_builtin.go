package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/agentfleet/internal/store"
	"github.com/nextlevelbuilder/agentfleet/internal/subagent"
	"github.com/nextlevelbuilder/agentfleet/internal/tools"
)

type sessionKeyCtx struct{}

// withSession stashes the calling session key for session-scoped tools.
func withSession(ctx context.Context, sessionKey string) context.Context {
	return context.WithValue(ctx, sessionKeyCtx{}, sessionKey)
}

func sessionFrom(ctx context.Context) (string, error) {
	key, _ := ctx.Value(sessionKeyCtx{}).(string)
	if key == "" {
		return "", errors.New("no session bound to this invocation")
	}
	return key, nil
}

func strSchema(props map[string]any, required ...string) map[string]any {
	s := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

// registerBuiltinTools wires the runtime tools into the catalog. Sub-agents
// never see the ones on the exclusion list; the catalog enforces that per
// spawn.
func (r *Runner) registerBuiltinTools() {
	r.catalog.Register(&tools.FuncTool{
		ToolName: "spawn",
		Desc:     "Spawn a background sub-agent to work on a task. Returns the request id.",
		Schema: strSchema(map[string]any{
			"task":          map[string]any{"type": "string", "description": "what the sub-agent should do"},
			"label":         map[string]any{"type": "string", "description": "short human-readable label"},
			"timeout_min":   map[string]any{"type": "integer", "description": "hard timeout in minutes (1-120)"},
			"notify":        map[string]any{"type": "boolean", "description": "deliver a completion notice (default true)"},
			"allowed_tools": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			"denied_tools":  map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		}, "task"),
		Fn: func(ctx context.Context, input json.RawMessage) (string, error) {
			sessionKey, err := sessionFrom(ctx)
			if err != nil {
				return "", err
			}
			var args struct {
				Task         string   `json:"task"`
				Label        string   `json:"label"`
				TimeoutMin   int      `json:"timeout_min"`
				Notify       *bool    `json:"notify"`
				AllowedTools []string `json:"allowed_tools"`
				DeniedTools  []string `json:"denied_tools"`
			}
			if err := json.Unmarshal(input, &args); err != nil {
				return "", err
			}
			if args.Task == "" {
				return "", errors.New("task is required")
			}
			if args.Label == "" {
				args.Label = firstWords(args.Task, 5)
			}
			notify := true
			if args.Notify != nil {
				notify = *args.Notify
			}
			id, err := r.subs.Spawn(subagent.SpawnRequest{
				ParentSessionKey: sessionKey,
				Task:             args.Task,
				Label:            args.Label,
				TimeoutMin:       args.TimeoutMin,
				Notify:           notify,
				AllowedTools:     args.AllowedTools,
				DeniedTools:      args.DeniedTools,
			})
			if errors.Is(err, subagent.ErrAtCapacity) {
				return "", fmt.Errorf("all sub-agent slots are busy; retry after one finishes")
			}
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("Sub-agent started with id %s", id), nil
		},
	})

	r.catalog.Register(&tools.FuncTool{
		ToolName: "list_subagents",
		Desc:     "List active and recent sub-agents with their status.",
		Schema:   strSchema(map[string]any{"limit": map[string]any{"type": "integer"}}),
		Fn: func(ctx context.Context, input json.RawMessage) (string, error) {
			var args struct {
				Limit int `json:"limit"`
			}
			_ = json.Unmarshal(input, &args)
			if args.Limit <= 0 {
				args.Limit = 10
			}
			recent := r.subs.ListRecent(args.Limit)
			if len(recent) == 0 {
				return "No sub-agents.", nil
			}
			var b strings.Builder
			for _, req := range recent {
				fmt.Fprintf(&b, "%s  %-10s %s\n", req.ID, req.Status, req.Label)
			}
			return strings.TrimRight(b.String(), "\n"), nil
		},
	})

	r.catalog.Register(&tools.FuncTool{
		ToolName: "get_result",
		Desc:     "Read the full output of a finished sub-agent by request id.",
		Schema:   strSchema(map[string]any{"id": map[string]any{"type": "string"}}, "id"),
		Fn: func(ctx context.Context, input json.RawMessage) (string, error) {
			var args struct {
				ID string `json:"id"`
			}
			if err := json.Unmarshal(input, &args); err != nil {
				return "", err
			}
			res, ok := r.subs.GetResult(args.ID)
			if !ok {
				return "", fmt.Errorf("no result for %q", args.ID)
			}
			if res.Error != "" {
				return fmt.Sprintf("Error: %s\n%s", res.Error, res.Output), nil
			}
			return res.Output, nil
		},
	})

	r.catalog.Register(&tools.FuncTool{
		ToolName: "cancel",
		Desc:     "Cancel a running sub-agent by request id.",
		Schema:   strSchema(map[string]any{"id": map[string]any{"type": "string"}}, "id"),
		Fn: func(ctx context.Context, input json.RawMessage) (string, error) {
			var args struct {
				ID string `json:"id"`
			}
			if err := json.Unmarshal(input, &args); err != nil {
				return "", err
			}
			if !r.subs.Cancel(args.ID) {
				return "", fmt.Errorf("no active sub-agent %q", args.ID)
			}
			return "Cancellation requested.", nil
		},
	})

	r.catalog.Register(&tools.FuncTool{
		ToolName: "send_message",
		Desc:     "Send a message to the current conversation immediately, before the reply.",
		Schema:   strSchema(map[string]any{"content": map[string]any{"type": "string"}}, "content"),
		Fn: func(ctx context.Context, input json.RawMessage) (string, error) {
			sessionKey, err := sessionFrom(ctx)
			if err != nil {
				return "", err
			}
			var args struct {
				Content string `json:"content"`
			}
			if err := json.Unmarshal(input, &args); err != nil {
				return "", err
			}
			r.send(ctx, sessionKey, args.Content)
			return "sent", nil
		},
	})

	r.catalog.Register(&tools.FuncTool{
		ToolName: "send_file",
		Desc:     "Send a file from the workspace to the current conversation.",
		Schema: strSchema(map[string]any{
			"path":    map[string]any{"type": "string"},
			"caption": map[string]any{"type": "string"},
		}, "path"),
		Fn: func(ctx context.Context, input json.RawMessage) (string, error) {
			sessionKey, err := sessionFrom(ctx)
			if err != nil {
				return "", err
			}
			var args struct {
				Path    string `json:"path"`
				Caption string `json:"caption"`
			}
			if err := json.Unmarshal(input, &args); err != nil {
				return "", err
			}
			if err := r.ch.SendFile(ctx, sessionKey, args.Path, args.Caption); err != nil {
				return "", err
			}
			return "sent", nil
		},
	})

	r.catalog.Register(&tools.FuncTool{
		ToolName: "schedule_trigger",
		Desc:     "Fire a configured cron job by name right now.",
		Schema:   strSchema(map[string]any{"name": map[string]any{"type": "string"}}, "name"),
		Fn: func(ctx context.Context, input json.RawMessage) (string, error) {
			var args struct {
				Name string `json:"name"`
			}
			if err := json.Unmarshal(input, &args); err != nil {
				return "", err
			}
			if err := r.crons.Trigger(args.Name); err != nil {
				return "", err
			}
			return fmt.Sprintf("Job %q queued.", args.Name), nil
		},
	})

	r.catalog.Register(&tools.FuncTool{
		ToolName: "add_task",
		Desc:     "Track a new work item in the workspace task list.",
		Schema: strSchema(map[string]any{
			"title": map[string]any{"type": "string"},
			"notes": map[string]any{"type": "string"},
		}, "title"),
		Fn: func(ctx context.Context, input json.RawMessage) (string, error) {
			var args struct {
				Title string `json:"title"`
				Notes string `json:"notes"`
			}
			if err := json.Unmarshal(input, &args); err != nil {
				return "", err
			}
			t, err := r.taskStore.Add(store.Task{ID: uuid.NewString(), Title: args.Title, Notes: args.Notes})
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("Task %s added.", t.ID), nil
		},
	})

	r.catalog.Register(&tools.FuncTool{
		ToolName: "update_task",
		Desc:     "Move a task to pending, in_progress, or completed.",
		Schema: strSchema(map[string]any{
			"id":     map[string]any{"type": "string"},
			"status": map[string]any{"type": "string", "enum": []string{store.TaskPending, store.TaskInProgress, store.TaskCompleted}},
		}, "id", "status"),
		Fn: func(ctx context.Context, input json.RawMessage) (string, error) {
			var args struct {
				ID     string `json:"id"`
				Status string `json:"status"`
			}
			if err := json.Unmarshal(input, &args); err != nil {
				return "", err
			}
			switch args.Status {
			case store.TaskPending, store.TaskInProgress, store.TaskCompleted:
			default:
				return "", fmt.Errorf("unknown status %q", args.Status)
			}
			if err := r.taskStore.SetStatus(args.ID, args.Status); err != nil {
				return "", err
			}
			return "Task updated.", nil
		},
	})

	r.catalog.DefineGroup("subagents", "spawn", "list_subagents", "get_result", "cancel")
	r.catalog.DefineGroup("tasks", "add_task", "update_task")
}

func firstWords(s string, n int) string {
	fields := strings.Fields(s)
	if len(fields) > n {
		fields = fields[:n]
	}
	return strings.Join(fields, " ")
}
