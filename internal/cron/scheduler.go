// Package cron fires workspace cron prompts on their five-field schedules.
// Due jobs become cron-lane items; dispatch happens in the runner's cron
// worker, never here.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/nextlevelbuilder/agentfleet/internal/bus"
	"github.com/nextlevelbuilder/agentfleet/internal/config"
	"github.com/nextlevelbuilder/agentfleet/internal/lane"
)

type job struct {
	def     config.CronDefinition
	enabled bool
}

// Scheduler evaluates cron definitions for one workspace on a
// minute-aligned tick. Missed ticks during downtime are skipped, not
// replayed.
type Scheduler struct {
	workspace string
	sink      func(lane.Item)
	gron      *gronx.Gronx
	logger    *slog.Logger

	mu   sync.Mutex
	jobs map[string]*job

	stop    context.CancelFunc
	stopped chan struct{}

	now func() time.Time
}

// NewScheduler validates defs and builds a scheduler. Definitions with an
// invalid schedule are kept but disabled, with a warning.
func NewScheduler(workspace string, defs []config.CronDefinition, sink func(lane.Item), logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		workspace: workspace,
		sink:      sink,
		gron:      gronx.New(),
		logger:    logger,
		jobs:      make(map[string]*job),
		now:       time.Now,
	}
	for _, def := range defs {
		enabled := def.Enabled
		if !s.gron.IsValid(def.Schedule) {
			logger.Warn("cron schedule invalid, job disabled",
				"workspace", workspace, "job", def.Name, "schedule", def.Schedule)
			enabled = false
		}
		s.jobs[def.Name] = &job{def: def, enabled: enabled}
	}
	return s
}

// Start begins the tick loop. Idempotent with Stop; Start after Stop
// restarts the loop.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.stop = cancel
	s.stopped = make(chan struct{})
	go s.loop(ctx)
}

// Stop halts the tick loop and waits for it to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	stop, stopped := s.stop, s.stopped
	s.stop = nil
	s.mu.Unlock()
	if stop == nil {
		return
	}
	stop()
	<-stopped
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.stopped)
	for {
		// Align to the next minute boundary so five-field expressions
		// are evaluated exactly once per minute.
		now := s.now()
		next := now.Truncate(time.Minute).Add(time.Minute)
		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case tick := <-timer.C:
			s.fireDue(tick)
		}
	}
}

func (s *Scheduler) fireDue(at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if !j.enabled {
			continue
		}
		due, err := s.gron.IsDue(j.def.Schedule, at)
		if err != nil {
			s.logger.Warn("cron evaluation failed", "job", j.def.Name, "error", err)
			continue
		}
		if due {
			s.emitLocked(j.def, at)
		}
	}
}

// Trigger fires a job by name immediately, regardless of its schedule.
// Disabled jobs still fire; only unknown names fail.
func (s *Scheduler) Trigger(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[name]
	if !ok {
		return fmt.Errorf("cron: unknown job %q", name)
	}
	s.emitLocked(j.def, s.now())
	return nil
}

// Jobs returns the definitions with their effective enabled state.
func (s *Scheduler) Jobs() []config.CronDefinition {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]config.CronDefinition, 0, len(s.jobs))
	for _, j := range s.jobs {
		def := j.def
		def.Enabled = j.enabled
		out = append(out, def)
	}
	return out
}

func (s *Scheduler) emitLocked(def config.CronDefinition, at time.Time) {
	s.logger.Info("cron job due", "workspace", s.workspace, "job", def.Name)
	s.sink(lane.Item{
		Lane:       lane.Cron,
		SessionKey: fmt.Sprintf("cron:%s:%s", s.workspace, def.Name),
		Content:    def.Prompt,
		EnqueueTS:  at.UTC(),
		CronName:   def.Name,
		Output: bus.OutputRoute{
			Channel:   def.Output.Channel,
			ChatID:    def.Output.ChatID,
			GuildID:   def.Output.GuildID,
			ChannelID: def.Output.ChannelID,
		},
	})
}
