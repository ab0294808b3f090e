// Package channel provides the conversational channel abstraction.
//
// A channel delivers inbound messages to the workspace runner and accepts
// outbound text and files. Session keys follow "<channel>:<external-id>".
package channel

import (
	"context"
	"fmt"
	"strings"

	"github.com/nextlevelbuilder/agentfleet/internal/bus"
)

// Channel is the contract every adapter implements.
type Channel interface {
	// Name returns the channel identifier ("telegram", "discord").
	Name() string

	// Subscribe starts inbound delivery. Messages for one session key
	// arrive serialized; cross-key ordering is not guaranteed.
	Subscribe(fn func(bus.InboundMessage))

	// SendMessage delivers text to the conversation behind sessionKey.
	// Content may exceed the native limit; the caller segments via Chunk.
	SendMessage(ctx context.Context, sessionKey, content string) error

	// SendFile delivers a file with an optional caption.
	SendFile(ctx context.Context, sessionKey, path, caption string) error

	// Limit is the channel's maximum message length in runes.
	Limit() int

	// Close stops delivery and releases the transport.
	Close(ctx context.Context) error
}

// SessionKey builds the canonical key for a channel conversation.
func SessionKey(channel, externalID string) string {
	return fmt.Sprintf("%s:%s", channel, externalID)
}

// SplitSessionKey returns the channel name and external id.
// The external id may itself contain colons.
func SplitSessionKey(key string) (channel, externalID string, ok bool) {
	idx := strings.IndexByte(key, ':')
	if idx <= 0 || idx == len(key)-1 {
		return "", "", false
	}
	return key[:idx], key[idx+1:], true
}

// IsCommand reports whether content is a leading-slash command for one of
// the registered names. The first whitespace-delimited token must match.
func IsCommand(content string, registered func(name string) bool) bool {
	if !strings.HasPrefix(content, "/") {
		return false
	}
	token := content[1:]
	if idx := strings.IndexAny(token, " \t\n"); idx >= 0 {
		token = token[:idx]
	}
	return token != "" && registered(strings.ToLower(token))
}
