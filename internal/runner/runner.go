// Package runner glues one workspace together: channel subscription, the
// queue-mode machine, lane workers, sub-agents, cron, commands, and the
// session/token bookkeeping around every dispatch.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/nextlevelbuilder/agentfleet/internal/bus"
	"github.com/nextlevelbuilder/agentfleet/internal/channel"
	"github.com/nextlevelbuilder/agentfleet/internal/command"
	"github.com/nextlevelbuilder/agentfleet/internal/config"
	"github.com/nextlevelbuilder/agentfleet/internal/cron"
	"github.com/nextlevelbuilder/agentfleet/internal/invoker"
	"github.com/nextlevelbuilder/agentfleet/internal/lane"
	"github.com/nextlevelbuilder/agentfleet/internal/queue"
	"github.com/nextlevelbuilder/agentfleet/internal/sessions"
	"github.com/nextlevelbuilder/agentfleet/internal/store"
	"github.com/nextlevelbuilder/agentfleet/internal/subagent"
	"github.com/nextlevelbuilder/agentfleet/internal/tokens"
	"github.com/nextlevelbuilder/agentfleet/internal/tools"
)

// State is the runner lifecycle phase.
type State string

const (
	StateCreated  State = "created"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
)

// ErrAlreadyStarted is returned by Start on any state but created.
var ErrAlreadyStarted = errors.New("runner: already started")

const stateDir = "state"

// Config wires a Runner. Invoker handles the main and cron lanes; Factory
// hands fresh invokers to sub-agents.
type Config struct {
	Workspace *config.Workspace
	Channel   channel.Channel
	Invoker   invoker.Invoker
	Factory   invoker.Factory
	Catalog   *tools.Catalog
	Logger    *slog.Logger
}

// Runner runs one workspace.
type Runner struct {
	ws      *config.Workspace
	ch      channel.Channel
	inv     invoker.Invoker
	factory invoker.Factory
	catalog *tools.Catalog
	logger  *slog.Logger

	sessions  *sessions.Manager
	meter     *tokens.Meter
	saStore   *store.SubAgentStore
	taskStore *store.TaskStore
	lanes     *lane.Queue
	machine   *queue.Machine
	subs      *subagent.Runner
	crons     *cron.Scheduler
	router    *command.Router

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a runner in the created state. Nothing is opened until Start.
func New(cfg Config) *Runner {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	catalog := cfg.Catalog
	if catalog == nil {
		catalog = tools.NewCatalog()
	}
	return &Runner{
		ws:      cfg.Workspace,
		ch:      cfg.Channel,
		inv:     cfg.Invoker,
		factory: cfg.Factory,
		catalog: catalog,
		logger:  logger.With("workspace", cfg.Workspace.Name),
		state:   StateCreated,
	}
}

// State returns the current lifecycle phase.
func (r *Runner) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Workspace returns the runner's configuration.
func (r *Runner) Workspace() *config.Workspace { return r.ws }

// Start brings the workspace up: stores, sub-agents, channel subscription,
// lane workers, cron, heartbeat. Starting twice is an error.
func (r *Runner) Start() error {
	r.mu.Lock()
	if r.state != StateCreated {
		r.mu.Unlock()
		return fmt.Errorf("%w (state %s)", ErrAlreadyStarted, r.state)
	}
	r.state = StateStarting
	r.mu.Unlock()

	if _, err := os.Stat(filepath.Join(r.ws.Path, config.AgentFile)); err != nil {
		r.setState(StateStopped)
		return fmt.Errorf("workspace %s: missing %s: %w", r.ws.Name, config.AgentFile, err)
	}

	dir := filepath.Join(r.ws.Path, stateDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		r.setState(StateStopped)
		return fmt.Errorf("workspace %s: state dir: %w", r.ws.Name, err)
	}

	r.sessions = sessions.NewManager(filepath.Join(dir, "sessions"))
	r.meter = tokens.NewMeter(r.ws.Name, filepath.Join(dir, "usage.jsonl"))
	r.saStore = store.NewSubAgentStore(filepath.Join(dir, "subagents.yaml"))
	r.taskStore = store.NewTaskStore(filepath.Join(dir, "tasks.yaml"))

	maxAge := time.Duration(r.ws.Subagents.MaxAgeHours) * time.Hour
	if err := r.saStore.CleanupStale(maxAge); err != nil {
		r.logger.Warn("subagent store cleanup failed", "error", err)
	}

	r.lanes = lane.New(lane.Config{
		Concurrency: map[lane.Lane]int{
			lane.Main:     r.ws.Lanes.MainConcurrency,
			lane.Subagent: r.ws.Lanes.SubagentConcurrency,
			lane.Cron:     r.ws.Lanes.CronConcurrency,
		},
		Cap:  r.ws.Lanes.Cap,
		Drop: lane.DropPolicy(r.ws.Lanes.DropPolicy),
	})

	debounce := time.Duration(r.ws.DebounceMs) * time.Millisecond
	r.machine = queue.NewMachine(queue.Mode(r.ws.QueueMode), debounce, r.enqueueMain)

	r.subs = subagent.NewRunner(subagent.Config{
		Store:         r.saStore,
		Catalog:       r.catalog,
		Factory:       r.factory,
		Meter:         r.meter,
		MaxConcurrent: r.ws.Subagents.MaxConcurrent,
		TimeoutMin:    r.ws.Subagents.TimeoutMinutes,
		Callback:      r.enqueueSynthetic,
		Fallback: func(ctx context.Context, sessionKey, content string) error {
			return r.ch.SendMessage(ctx, sessionKey, content)
		},
		Logger: r.logger,
	})
	r.registerBuiltinTools()
	r.router = command.NewRouter()
	r.registerCommands()

	defs := config.LoadCronDefinitions(r.ws.Path)
	r.crons = cron.NewScheduler(r.ws.Name, defs, r.enqueueCron, r.logger)

	ctx, cancel := context.WithCancel(context.Background())
	r.mu.Lock()
	r.cancel = cancel
	r.mu.Unlock()

	for _, l := range lane.Lanes {
		for i := 0; i < r.lanes.Concurrency(l); i++ {
			r.wg.Add(1)
			go r.worker(ctx, l)
		}
	}
	if every := r.ws.Heartbeat.Interval(); every > 0 {
		r.wg.Add(1)
		go r.heartbeatLoop(ctx, every)
	}
	r.crons.Start()
	r.ch.Subscribe(r.handleInbound)

	r.setState(StateRunning)
	r.logger.Info("workspace started", "channel", r.ch.Name(), "queue_mode", r.ws.QueueMode)
	return nil
}

// Stop drains the workspace. Idempotent; errors are logged, never returned.
func (r *Runner) Stop() {
	r.mu.Lock()
	if r.state != StateRunning {
		r.mu.Unlock()
		return
	}
	r.state = StateStopping
	cancel := r.cancel
	r.mu.Unlock()

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := r.ch.Close(closeCtx); err != nil {
		r.logger.Warn("channel close failed", "error", err)
	}
	closeCancel()

	r.crons.Stop()
	r.drainMainLane()
	cancel()
	r.subs.Shutdown()
	r.wg.Wait()

	r.setState(StateStopped)
	r.logger.Info("workspace stopped")
}

// drainMainLane waits for queued and in-flight main-lane work, bounded by
// the stop grace.
func (r *Runner) drainMainLane() {
	grace := time.Duration(r.ws.StopGraceSeconds) * time.Second
	if grace <= 0 {
		grace = 30 * time.Second
	}
	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if r.lanes.Depth(lane.Main) == 0 && r.lanes.Active(lane.Main) == 0 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	r.logger.Warn("main lane did not drain within stop grace",
		"depth", r.lanes.Depth(lane.Main), "active", r.lanes.Active(lane.Main))
}

func (r *Runner) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

func (r *Runner) worker(ctx context.Context, l lane.Lane) {
	defer r.wg.Done()
	for {
		item, err := r.lanes.Take(ctx, l)
		if err != nil {
			return
		}
		func() {
			defer r.lanes.Release(l)
			defer func() {
				if rec := recover(); rec != nil {
					r.logger.Error("dispatch panicked", "lane", l, "session", item.SessionKey, "panic", rec)
					r.notifyFailure(item.SessionKey)
				}
			}()
			r.dispatch(ctx, item)
		}()
	}
}

func (r *Runner) heartbeatLoop(ctx context.Context, every time.Duration) {
	defer r.wg.Done()
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.enqueueCron(lane.Item{
				Lane:       lane.Cron,
				SessionKey: fmt.Sprintf("cron:%s:heartbeat", r.ws.Name),
				EnqueueTS:  time.Now().UTC(),
				Heartbeat:  true,
				Output: bus.OutputRoute{
					Channel:   r.ws.Heartbeat.Output.Channel,
					ChatID:    r.ws.Heartbeat.Output.ChatID,
					GuildID:   r.ws.Heartbeat.Output.GuildID,
					ChannelID: r.ws.Heartbeat.Output.ChannelID,
				},
			})
		}
	}
}

// handleInbound is the channel subscription callback. Commands run
// synchronously; everything else goes through the queue-mode machine.
func (r *Runner) handleInbound(msg bus.InboundMessage) {
	if req, ok := command.Parse(msg.SessionKey, msg.Content); ok {
		if _, known := r.router.Lookup(req.Name); known {
			r.runCommand(req)
			return
		}
	}
	r.machine.Offer(msg)
}

func (r *Runner) runCommand(req command.Request) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	reply, err := r.router.Dispatch(ctx, req)
	if err != nil {
		r.logger.Warn("command failed", "command", req.Name, "error", err)
		reply = fmt.Sprintf("Command /%s failed: %v", req.Name, err)
	}
	if reply == "" {
		return
	}
	r.send(ctx, req.SessionKey, reply)
}

func (r *Runner) enqueueMain(item lane.Item) {
	if err := r.lanes.Enqueue(lane.Main, item); err != nil {
		r.logger.Warn("main lane enqueue failed", "session", item.SessionKey, "error", err)
	}
}

func (r *Runner) enqueueCron(item lane.Item) {
	if err := r.lanes.Enqueue(lane.Cron, item); err != nil {
		r.logger.Warn("cron lane enqueue failed", "job", item.CronName, "error", err)
	}
}

// enqueueSynthetic re-enters the parent session with a runtime-generated
// message (sub-agent completion notices, compaction markers).
func (r *Runner) enqueueSynthetic(sessionKey, content string) {
	r.enqueueMain(lane.Item{
		Lane:           lane.Main,
		SessionKey:     sessionKey,
		Content:        content,
		EnqueueTS:      time.Now().UTC(),
		BypassDebounce: true,
	})
}

// send chunks content to the channel within its native limit.
func (r *Runner) send(ctx context.Context, sessionKey, content string) {
	for _, part := range channel.Chunk(content, r.ch.Limit()) {
		if err := r.ch.SendMessage(ctx, sessionKey, part); err != nil {
			r.logger.Warn("send failed", "session", sessionKey, "error", err)
			return
		}
	}
}

func (r *Runner) notifyFailure(sessionKey string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	r.send(ctx, sessionKey, "Something went wrong handling that message. Please try again.")
}
