package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/agentfleet/internal/bus"
	"github.com/nextlevelbuilder/agentfleet/internal/lane"
)

type sinkRecorder struct {
	mu    sync.Mutex
	items []lane.Item
	ch    chan lane.Item
}

func newSinkRecorder() *sinkRecorder {
	return &sinkRecorder{ch: make(chan lane.Item, 16)}
}

func (r *sinkRecorder) sink(it lane.Item) {
	r.mu.Lock()
	r.items = append(r.items, it)
	r.mu.Unlock()
	r.ch <- it
}

func (r *sinkRecorder) wait(t *testing.T) lane.Item {
	t.Helper()
	select {
	case it := <-r.ch:
		return it
	case <-time.After(2 * time.Second):
		t.Fatal("no dispatch")
		return lane.Item{}
	}
}

func (r *sinkRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}

func inbound(content string) bus.InboundMessage {
	return bus.InboundMessage{SessionKey: "telegram:1", Channel: "telegram", Content: content, ArrivalTS: time.Now()}
}

func TestCollectMergesWithinDebounce(t *testing.T) {
	rec := newSinkRecorder()
	m := NewMachine(ModeCollect, 30*time.Millisecond, rec.sink)

	m.Offer(inbound("first"))
	m.Offer(inbound("second"))

	it := rec.wait(t)
	if it.Content != "first\nsecond" {
		t.Errorf("content = %q", it.Content)
	}
	if it.Lane != lane.Main || it.SessionKey != "telegram:1" {
		t.Errorf("item = %+v", it)
	}
	time.Sleep(50 * time.Millisecond)
	if rec.count() != 1 {
		t.Errorf("dispatches = %d", rec.count())
	}
}

func TestCollectBuffersDuringFlight(t *testing.T) {
	rec := newSinkRecorder()
	m := NewMachine(ModeCollect, 0, rec.sink)

	m.BeginFlight("telegram:1", nil)
	m.Offer(inbound("while busy"))
	m.Offer(inbound("still busy"))
	if rec.count() != 0 {
		t.Fatalf("dispatched during flight: %d", rec.count())
	}

	m.EndFlight("telegram:1")
	it := rec.wait(t)
	if it.Content != "while busy\nstill busy" {
		t.Errorf("content = %q", it.Content)
	}
}

func TestSteerCancelsInFlight(t *testing.T) {
	rec := newSinkRecorder()
	m := NewMachine(ModeSteer, 0, rec.sink)

	cancelled := make(chan struct{})
	m.BeginFlight("telegram:1", func() { close(cancelled) })
	m.Offer(inbound("change course"))

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("in-flight invocation not cancelled")
	}
	it := rec.wait(t)
	if it.Content != "change course" {
		t.Errorf("content = %q", it.Content)
	}
}

func TestFollowupHeldUntilCompletion(t *testing.T) {
	rec := newSinkRecorder()
	m := NewMachine(ModeFollowup, 0, rec.sink)

	m.BeginFlight("telegram:1", nil)
	m.Offer(inbound("and then this"))
	if rec.count() != 0 {
		t.Fatal("followup dispatched during flight")
	}

	m.EndFlight("telegram:1")
	it := rec.wait(t)
	if it.Content != "and then this" {
		t.Errorf("content = %q", it.Content)
	}
}

func TestInterruptBypassesDebounce(t *testing.T) {
	rec := newSinkRecorder()
	m := NewMachine(ModeInterrupt, time.Hour, rec.sink)

	m.BeginFlight("telegram:1", nil)
	m.Offer(inbound("now"))
	it := rec.wait(t)
	if it.Content != "now" {
		t.Errorf("content = %q", it.Content)
	}
}

func TestSetModePerSession(t *testing.T) {
	m := NewMachine(ModeCollect, 0, func(lane.Item) {})

	if m.Mode("telegram:1") != ModeCollect {
		t.Error("default mode not applied")
	}
	m.SetMode("telegram:1", ModeSteer)
	if m.Mode("telegram:1") != ModeSteer {
		t.Error("override not applied")
	}
	if m.Mode("telegram:2") != ModeCollect {
		t.Error("override leaked across sessions")
	}
}

func TestWaitIdleBlocksOnFlight(t *testing.T) {
	rec := newSinkRecorder()
	m := NewMachine(ModeCollect, 0, rec.sink)

	m.BeginFlight("telegram:1", nil)

	done := make(chan error, 1)
	go func() { done <- m.WaitIdle(context.Background(), "telegram:1") }()

	select {
	case <-done:
		t.Fatal("WaitIdle returned while in flight")
	case <-time.After(30 * time.Millisecond):
	}

	m.EndFlight("telegram:1")
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("WaitIdle = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("WaitIdle did not return after EndFlight")
	}
}

func TestWaitIdleHonorsContext(t *testing.T) {
	m := NewMachine(ModeCollect, 0, func(lane.Item) {})
	m.BeginFlight("telegram:1", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := m.WaitIdle(ctx, "telegram:1"); err == nil {
		t.Error("want context error")
	}
}

func TestWaitIdleUnknownSessionReturnsImmediately(t *testing.T) {
	m := NewMachine(ModeCollect, 0, func(lane.Item) {})
	if err := m.WaitIdle(context.Background(), "telegram:nobody"); err != nil {
		t.Errorf("WaitIdle = %v", err)
	}
}
