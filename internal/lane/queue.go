// Package lane implements the bounded three-lane dispatch queue.
//
// Each lane is an independent FIFO with its own concurrency cap. Enqueue
// never blocks: at capacity the configured drop policy decides whether the
// oldest item is discarded, the newest, or the enqueue is rejected. Take
// blocks until an item is available and the lane has a free slot.
package lane

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/agentfleet/internal/bus"
)

// Lane names a dispatch lane.
type Lane string

const (
	Main     Lane = "main"
	Subagent Lane = "subagent"
	Cron     Lane = "cron"
)

// Lanes lists all lanes in a stable order.
var Lanes = []Lane{Main, Subagent, Cron}

// DropPolicy determines what happens when a lane is at capacity.
type DropPolicy string

const (
	DropOldest DropPolicy = "oldest"
	DropNewest DropPolicy = "newest"
	DropReject DropPolicy = "reject"
)

// ErrQueueFull is returned by Enqueue when the lane is at capacity and the
// drop policy is reject.
var ErrQueueFull = errors.New("lane queue full")

// ErrUnknownLane is returned for lane names outside Main/Subagent/Cron.
var ErrUnknownLane = errors.New("unknown lane")

// Item is a unit of work waiting on a lane.
type Item struct {
	Lane           Lane
	SessionKey     string
	Content        string
	EnqueueTS      time.Time
	BypassDebounce bool

	// Cron-lane fields.
	CronName string
	Output   bus.OutputRoute

	// Followup marks a second invocation held by followup mode; it is
	// dispatched on the same thread immediately after the current one.
	Followup bool

	// Heartbeat marks a heartbeat firing (cron lane, HEARTBEAT.md prompt).
	Heartbeat bool
}

// Config sizes the queue.
type Config struct {
	Concurrency map[Lane]int
	Cap         int
	Drop        DropPolicy
}

// DefaultConfig returns the standard lane sizing: main serialized,
// sub-agent lane wide, cron serialized.
func DefaultConfig() Config {
	return Config{
		Concurrency: map[Lane]int{Main: 1, Subagent: 8, Cron: 1},
		Cap:         20,
		Drop:        DropOldest,
	}
}

type laneState struct {
	items  []Item
	active int
	limit  int
}

// Queue is the three-lane bounded FIFO. Safe for concurrent use.
type Queue struct {
	mu    sync.Mutex
	cond  *sync.Cond
	lanes map[Lane]*laneState
	cap   int
	drop  DropPolicy
}

// New creates a queue from cfg; zero or missing values fall back to
// DefaultConfig.
func New(cfg Config) *Queue {
	def := DefaultConfig()
	if cfg.Cap <= 0 {
		cfg.Cap = def.Cap
	}
	if cfg.Drop == "" {
		cfg.Drop = def.Drop
	}

	q := &Queue{
		lanes: make(map[Lane]*laneState, len(Lanes)),
		cap:   cfg.Cap,
		drop:  cfg.Drop,
	}
	q.cond = sync.NewCond(&q.mu)

	for _, l := range Lanes {
		limit := cfg.Concurrency[l]
		if limit <= 0 {
			limit = def.Concurrency[l]
		}
		q.lanes[l] = &laneState{limit: limit}
	}
	return q
}

// Concurrency returns the configured cap for a lane (0 for unknown lanes).
func (q *Queue) Concurrency(l Lane) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if st, ok := q.lanes[l]; ok {
		return st.limit
	}
	return 0
}

// Enqueue admits an item without blocking. At capacity the drop policy
// applies; only DropReject surfaces ErrQueueFull.
func (q *Queue) Enqueue(l Lane, item Item) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	st, ok := q.lanes[l]
	if !ok {
		return ErrUnknownLane
	}

	if item.EnqueueTS.IsZero() {
		item.EnqueueTS = time.Now()
	}
	item.Lane = l

	if len(st.items) >= q.cap {
		switch q.drop {
		case DropReject:
			return ErrQueueFull
		case DropNewest:
			slog.Warn("lane at capacity, dropping newest", "lane", l, "session", item.SessionKey)
			return nil
		default: // oldest
			dropped := st.items[0]
			st.items = st.items[1:]
			slog.Warn("lane at capacity, dropping oldest", "lane", l, "session", dropped.SessionKey)
		}
	}

	st.items = append(st.items, item)
	q.cond.Broadcast()
	return nil
}

// Take blocks until an item is available on the lane and the lane has a free
// concurrency slot, then claims the slot. The caller must pair every
// successful Take with exactly one Release.
func (q *Queue) Take(ctx context.Context, l Lane) (Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	st, ok := q.lanes[l]
	if !ok {
		return Item{}, ErrUnknownLane
	}

	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	})
	defer stop()

	for len(st.items) == 0 || st.active >= st.limit {
		if err := ctx.Err(); err != nil {
			return Item{}, err
		}
		q.cond.Wait()
	}

	item := st.items[0]
	st.items = st.items[1:]
	st.active++
	return item, nil
}

// Release frees a concurrency slot claimed by Take.
func (q *Queue) Release(l Lane) {
	q.mu.Lock()
	defer q.mu.Unlock()

	st, ok := q.lanes[l]
	if !ok || st.active == 0 {
		return
	}
	st.active--
	q.cond.Broadcast()
}

// Depth reports the number of queued (not yet taken) items on a lane.
func (q *Queue) Depth(l Lane) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if st, ok := q.lanes[l]; ok {
		return len(st.items)
	}
	return 0
}

// Active reports the number of claimed slots on a lane.
func (q *Queue) Active(l Lane) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if st, ok := q.lanes[l]; ok {
		return st.active
	}
	return 0
}
