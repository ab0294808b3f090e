package runner

import (
	"context"
	"fmt"
	"strings"

	"github.com/nextlevelbuilder/agentfleet/internal/command"
	"github.com/nextlevelbuilder/agentfleet/internal/invoker"
	"github.com/nextlevelbuilder/agentfleet/internal/queue"
	"github.com/nextlevelbuilder/agentfleet/internal/store"
)

const compactPrompt = "Summarize this conversation so far in a compact form. " +
	"Keep decisions, open questions, and anything the user asked you to remember."

func (r *Runner) registerCommands() {
	r.router.Register(command.Definition{
		Name:   "start",
		Hidden: true,
		Handler: func(ctx context.Context, req command.Request) (string, error) {
			return fmt.Sprintf("Workspace %q is ready. Send a message to begin, or /help for commands.", r.ws.Name), nil
		},
	})

	r.router.Register(command.Definition{
		Name:        "new",
		BypassQueue: true,
		Handler:     r.cmdNew,
	})

	r.router.Register(command.Definition{
		Name:        "compact",
		BypassQueue: true,
		Handler:     r.cmdCompact,
	})

	r.router.Register(command.Definition{
		Name: "queue",
		Args: "<collect|steer|followup|interrupt>",
		Handler: func(ctx context.Context, req command.Request) (string, error) {
			if len(req.Args) == 0 {
				return fmt.Sprintf("Queue mode is %q.", r.machine.Mode(req.SessionKey)), nil
			}
			mode := queue.Mode(command.NormalizeQueueMode(req.Args[0]))
			if !queue.ValidMode(mode) {
				return "", fmt.Errorf("unknown queue mode %q", req.Args[0])
			}
			r.machine.SetMode(req.SessionKey, mode)
			return fmt.Sprintf("Queue mode set to %q.", mode), nil
		},
	})

	r.router.Register(command.Definition{
		Name:    "status",
		Handler: r.cmdStatus,
	})

	r.router.Register(command.Definition{
		Name: "help",
		Handler: func(ctx context.Context, req command.Request) (string, error) {
			return r.router.Help(), nil
		},
	})
}

// cmdNew rotates the conversation after any in-flight invocation finishes.
func (r *Runner) cmdNew(ctx context.Context, req command.Request) (string, error) {
	if err := r.machine.WaitIdle(ctx, req.SessionKey); err != nil {
		return "", err
	}
	old := r.sessions.NewConversation(req.SessionKey)
	if err := r.sessions.ArchiveConversation(req.SessionKey, old, "", "manual"); err != nil {
		r.logger.Warn("archive failed", "session", req.SessionKey, "error", err)
	}
	return fmt.Sprintf("Started a new conversation.\nThread: %s", r.sessions.ThreadID(req.SessionKey)), nil
}

// cmdCompact summarizes the current thread, rotates, and seeds the new
// thread with the summary. A failed summary still rotates.
func (r *Runner) cmdCompact(ctx context.Context, req command.Request) (string, error) {
	if err := r.machine.WaitIdle(ctx, req.SessionKey); err != nil {
		return "", err
	}

	threadID := r.sessions.ThreadID(req.SessionKey)
	res, err := r.inv.Invoke(ctx, invoker.Request{
		ThreadID:    threadID,
		UserMessage: compactPrompt,
	})
	summary := strings.TrimSpace(res.Text)
	summaryOK := err == nil && res.FinishReason == invoker.FinishComplete && summary != ""

	old := r.sessions.NewConversation(req.SessionKey)
	tag := "compact"
	if !summaryOK {
		summary = ""
	}
	if archiveErr := r.sessions.ArchiveConversation(req.SessionKey, old, summary, tag); archiveErr != nil {
		r.logger.Warn("archive failed", "session", req.SessionKey, "error", archiveErr)
	}

	if !summaryOK {
		if err != nil {
			r.logger.Warn("compact summary failed", "session", req.SessionKey, "error", err)
		}
		return "Conversation compacted. Could not generate summary.", nil
	}

	// Seed the fresh thread so the next reply has the compacted context.
	r.enqueueSynthetic(req.SessionKey, fmt.Sprintf("[CONVERSATION COMPACTED]\n%s", summary))
	return "Conversation compacted.", nil
}

func (r *Runner) cmdStatus(ctx context.Context, req command.Request) (string, error) {
	st := r.sessions.GetState(req.SessionKey)
	conv, count := "(none)", 0
	if st != nil {
		conv, count = st.ConversationID, st.MessageCount
	}
	tasks := r.taskStore.Counts()

	var b strings.Builder
	fmt.Fprintf(&b, "Workspace: %s\n", r.ws.Name)
	fmt.Fprintf(&b, "Model: %s\n", r.ws.Model)
	fmt.Fprintf(&b, "Conversation: %s\n", conv)
	fmt.Fprintf(&b, "Messages: %d\n", count)
	fmt.Fprintf(&b, "Tasks: %d pending / %d in progress / %d completed",
		tasks[store.TaskPending], tasks[store.TaskInProgress], tasks[store.TaskCompleted])
	return b.String(), nil
}
