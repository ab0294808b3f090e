// Package bus defines the message types exchanged between channel adapters
// and the workspace runtime.
package bus

import "time"

// InboundMessage is a message received from a channel adapter.
// SessionKey has the form "<channel>:<external-id>"; the leading token up to
// the first colon names the channel.
type InboundMessage struct {
	SessionKey  string    `json:"session_key"`
	Channel     string    `json:"channel"`
	Content     string    `json:"content"`
	Attachments []string  `json:"attachments,omitempty"`
	IsCommand   bool      `json:"is_command"`
	ArrivalTS   time.Time `json:"arrival_ts"`

	// Synthetic marks messages injected by the runtime itself
	// (sub-agent completion notices), not typed by a user.
	Synthetic bool `json:"synthetic,omitempty"`
}

// OutboundMessage is a message to be delivered through a channel adapter.
type OutboundMessage struct {
	SessionKey string `json:"session_key"`
	Content    string `json:"content"`
	FilePath   string `json:"file_path,omitempty"`
	Caption    string `json:"caption,omitempty"`
}

// OutputRoute names a delivery target for non-interactive invocations
// (cron jobs, heartbeats). Exactly one of the id fields is set, depending
// on the channel type.
type OutputRoute struct {
	Channel   string `yaml:"channel" json:"channel"`
	ChatID    string `yaml:"chat_id,omitempty" json:"chat_id,omitempty"`
	GuildID   string `yaml:"guild_id,omitempty" json:"guild_id,omitempty"`
	ChannelID string `yaml:"channel_id,omitempty" json:"channel_id,omitempty"`
}

// Target returns the concrete destination id for the route.
func (r OutputRoute) Target() string {
	switch {
	case r.ChatID != "":
		return r.ChatID
	case r.ChannelID != "":
		return r.ChannelID
	default:
		return r.GuildID
	}
}

// SessionChannel extracts the channel name from a session key
// ("telegram:123" → "telegram"). Returns "" for malformed keys.
func SessionChannel(sessionKey string) string {
	for i := 0; i < len(sessionKey); i++ {
		if sessionKey[i] == ':' {
			return sessionKey[:i]
		}
	}
	return ""
}
