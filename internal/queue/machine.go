// Package queue implements the per-session queue-mode state machine that
// decides what happens when a message arrives while earlier work for the
// same session is debouncing or in flight.
package queue

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/agentfleet/internal/bus"
	"github.com/nextlevelbuilder/agentfleet/internal/lane"
)

// Mode is a per-session queueing mode.
type Mode string

const (
	ModeCollect   Mode = "collect"
	ModeSteer     Mode = "steer"
	ModeFollowup  Mode = "followup"
	ModeInterrupt Mode = "interrupt"
)

// ValidMode reports whether m is a recognized mode.
func ValidMode(m Mode) bool {
	switch m {
	case ModeCollect, ModeSteer, ModeFollowup, ModeInterrupt:
		return true
	}
	return false
}

type session struct {
	mode     Mode // "" = machine default
	pending  []string
	held     []string
	inFlight bool
	cancel   context.CancelFunc
	timer    *time.Timer
	waiting  bool // debounce timer armed
}

// Machine routes admitted messages to a sink that places them on the main
// lane. One machine per workspace; safe for concurrent use.
type Machine struct {
	mu       sync.Mutex
	cond     *sync.Cond
	sessions map[string]*session

	defaultMode Mode
	debounce    time.Duration
	sink        func(lane.Item)

	now func() time.Time
}

// NewMachine builds a machine with the workspace's default mode and debounce
// window. sink receives every admitted dispatch.
func NewMachine(defaultMode Mode, debounce time.Duration, sink func(lane.Item)) *Machine {
	if !ValidMode(defaultMode) {
		defaultMode = ModeCollect
	}
	m := &Machine{
		sessions:    make(map[string]*session),
		defaultMode: defaultMode,
		debounce:    debounce,
		sink:        sink,
		now:         time.Now,
	}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// Mode returns the effective mode for a session.
func (m *Machine) Mode(sessionKey string) Mode {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionKey]
	if !ok || s.mode == "" {
		return m.defaultMode
	}
	return s.mode
}

// SetMode overrides the mode for one session.
func (m *Machine) SetMode(sessionKey string, mode Mode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.getLocked(sessionKey).mode = mode
}

// Offer admits an inbound message according to the session's mode.
func (m *Machine) Offer(msg bus.InboundMessage) {
	m.mu.Lock()
	s := m.getLocked(msg.SessionKey)
	mode := s.mode
	if mode == "" {
		mode = m.defaultMode
	}

	if mode == ModeInterrupt {
		m.mu.Unlock()
		m.emit(msg.SessionKey, msg.Content)
		return
	}

	if s.inFlight {
		switch mode {
		case ModeCollect:
			s.pending = append(s.pending, msg.Content)
			m.mu.Unlock()
			return
		case ModeSteer:
			cancel := s.cancel
			m.mu.Unlock()
			if cancel != nil {
				cancel()
			}
			m.emit(msg.SessionKey, msg.Content)
			return
		case ModeFollowup:
			s.held = append(s.held, msg.Content)
			m.mu.Unlock()
			return
		}
	}

	// Not in flight: collapse into the debounce window.
	s.pending = append(s.pending, msg.Content)
	if m.debounce <= 0 {
		content := m.drainPendingLocked(s)
		m.mu.Unlock()
		m.emit(msg.SessionKey, content)
		return
	}
	if s.waiting {
		s.timer.Reset(m.debounce)
		m.mu.Unlock()
		return
	}
	s.waiting = true
	key := msg.SessionKey
	s.timer = time.AfterFunc(m.debounce, func() { m.debounceFired(key) })
	m.mu.Unlock()
}

func (m *Machine) debounceFired(sessionKey string) {
	m.mu.Lock()
	s, ok := m.sessions[sessionKey]
	if !ok || !s.waiting {
		m.mu.Unlock()
		return
	}
	s.waiting = false
	if len(s.pending) == 0 {
		m.cond.Broadcast()
		m.mu.Unlock()
		return
	}
	content := m.drainPendingLocked(s)
	m.mu.Unlock()
	m.emit(sessionKey, content)
}

// BeginFlight records that an invocation for the session started and stores
// the cancel hook steer mode uses.
func (m *Machine) BeginFlight(sessionKey string, cancel context.CancelFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.getLocked(sessionKey)
	s.inFlight = true
	s.cancel = cancel
}

// EndFlight records completion and releases anything the mode buffered
// while the invocation ran.
func (m *Machine) EndFlight(sessionKey string) {
	m.mu.Lock()
	s, ok := m.sessions[sessionKey]
	if !ok {
		m.mu.Unlock()
		return
	}
	s.inFlight = false
	s.cancel = nil

	var followup, collected string
	if len(s.held) > 0 {
		followup = strings.Join(s.held, "\n")
		s.held = nil
	}
	if len(s.pending) > 0 && !s.waiting {
		collected = m.drainPendingLocked(s)
	}
	m.cond.Broadcast()
	m.mu.Unlock()

	if followup != "" {
		m.emit(sessionKey, followup)
	}
	if collected != "" {
		m.emit(sessionKey, collected)
	}
}

// WaitIdle blocks until the session has no in-flight invocation, no armed
// debounce timer, and nothing buffered. Used by /new and /compact, which
// must not run inside an invocation.
func (m *Machine) WaitIdle(ctx context.Context, sessionKey string) error {
	stop := context.AfterFunc(ctx, m.cond.Broadcast)
	defer stop()

	m.mu.Lock()
	defer m.mu.Unlock()
	for {
		s, ok := m.sessions[sessionKey]
		if !ok || (!s.inFlight && !s.waiting && len(s.pending) == 0 && len(s.held) == 0) {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		m.cond.Wait()
	}
}

func (m *Machine) getLocked(sessionKey string) *session {
	s, ok := m.sessions[sessionKey]
	if !ok {
		s = &session{}
		m.sessions[sessionKey] = s
	}
	return s
}

func (m *Machine) drainPendingLocked(s *session) string {
	content := strings.Join(s.pending, "\n")
	s.pending = nil
	return content
}

func (m *Machine) emit(sessionKey, content string) {
	m.sink(lane.Item{
		Lane:       lane.Main,
		SessionKey: sessionKey,
		Content:    content,
		EnqueueTS:  m.now().UTC(),
	})
}
