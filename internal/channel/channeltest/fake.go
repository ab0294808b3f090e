// Package channeltest provides an in-memory Channel for tests.
package channeltest

import (
	"context"
	"sync"
	"time"

	"github.com/nextlevelbuilder/agentfleet/internal/bus"
)

// Fake is a Channel backed by slices. Deliver feeds inbound messages to the
// subscriber; sent messages and files are recorded for assertions.
type Fake struct {
	ChannelName string
	MsgLimit    int

	mu     sync.Mutex
	fn     func(bus.InboundMessage)
	sent   []bus.OutboundMessage
	closed bool
}

// New creates a fake channel named "test" with a 4096-rune limit.
func New() *Fake {
	return &Fake{ChannelName: "test", MsgLimit: 4096}
}

func (f *Fake) Name() string { return f.ChannelName }
func (f *Fake) Limit() int   { return f.MsgLimit }

func (f *Fake) Subscribe(fn func(bus.InboundMessage)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fn = fn
}

// Deliver pushes an inbound message as if it arrived from the platform.
func (f *Fake) Deliver(sessionKey, content string) {
	f.mu.Lock()
	fn := f.fn
	f.mu.Unlock()
	if fn == nil {
		return
	}
	fn(bus.InboundMessage{
		SessionKey: sessionKey,
		Channel:    f.ChannelName,
		Content:    content,
		ArrivalTS:  time.Now(),
	})
}

func (f *Fake) SendMessage(_ context.Context, sessionKey, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, bus.OutboundMessage{SessionKey: sessionKey, Content: content})
	return nil
}

func (f *Fake) SendFile(_ context.Context, sessionKey, path, caption string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, bus.OutboundMessage{SessionKey: sessionKey, FilePath: path, Caption: caption})
	return nil
}

func (f *Fake) Close(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// Sent returns a copy of all recorded outbound messages.
func (f *Fake) Sent() []bus.OutboundMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]bus.OutboundMessage, len(f.sent))
	copy(out, f.sent)
	return out
}

// Closed reports whether Close was called.
func (f *Fake) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}
