// Package discord implements the Channel interface over a Discord bot
// session. Session keys are "discord:{channel_id}".
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/nextlevelbuilder/agentfleet/internal/bus"
	"github.com/nextlevelbuilder/agentfleet/internal/channel"
	"github.com/nextlevelbuilder/agentfleet/internal/config"
)

const messageLimit = 2000

// Channel is a Discord adapter for one workspace bot.
type Channel struct {
	session   *discordgo.Session
	allowFrom []string
	limiter   *channel.SendLimiter
	logger    *slog.Logger
}

// New creates the adapter and configures gateway intents for guild and
// direct messages.
func New(cfg config.ChannelConfig, logger *slog.Logger) (*Channel, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("discord: missing bot token")
	}
	if logger == nil {
		logger = slog.Default()
	}
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("discord: create session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentMessageContent
	return &Channel{
		session:   session,
		allowFrom: cfg.AllowFrom,
		limiter:   channel.NewSendLimiter(),
		logger:    logger,
	}, nil
}

func (c *Channel) Name() string { return "discord" }
func (c *Channel) Limit() int   { return messageLimit }

// Subscribe opens the gateway connection and forwards messages to fn.
func (c *Channel) Subscribe(fn func(bus.InboundMessage)) {
	c.session.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		if m.Author == nil || m.Author.Bot || m.Content == "" {
			return
		}
		if !c.senderAllowed(m) {
			return
		}
		ts := m.Timestamp
		if ts.IsZero() {
			ts = time.Now()
		}
		fn(bus.InboundMessage{
			SessionKey: channel.SessionKey("discord", m.ChannelID),
			Channel:    "discord",
			Content:    m.Content,
			IsCommand:  strings.HasPrefix(m.Content, "/"),
			ArrivalTS:  ts.UTC(),
		})
	})
	if err := c.session.Open(); err != nil {
		c.logger.Error("discord gateway open failed", "error", err)
		return
	}
	c.logger.Info("discord bot connected")
}

func (c *Channel) senderAllowed(m *discordgo.MessageCreate) bool {
	if len(c.allowFrom) == 0 {
		return true
	}
	if slices.Contains(c.allowFrom, m.Author.ID) || slices.Contains(c.allowFrom, "@"+m.Author.Username) {
		return true
	}
	c.logger.Debug("discord sender not in allowlist", "from", m.Author.ID)
	return false
}

// SendMessage delivers one chunk to the channel behind sessionKey.
func (c *Channel) SendMessage(ctx context.Context, sessionKey, content string) error {
	channelID, err := channelIDFrom(sessionKey)
	if err != nil {
		return err
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	if _, err := c.session.ChannelMessageSend(channelID, content); err != nil {
		return fmt.Errorf("discord: send to %s: %w", channelID, err)
	}
	return nil
}

// SendFile uploads a file; the caption goes out as the message content.
func (c *Channel) SendFile(ctx context.Context, sessionKey, path, caption string) error {
	channelID, err := channelIDFrom(sessionKey)
	if err != nil {
		return err
	}
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("discord: open %s: %w", path, err)
	}
	defer f.Close()

	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	_, err = c.session.ChannelMessageSendComplex(channelID, &discordgo.MessageSend{
		Content: caption,
		Files:   []*discordgo.File{{Name: filepath.Base(path), Reader: f}},
	})
	if err != nil {
		return fmt.Errorf("discord: send file to %s: %w", channelID, err)
	}
	return nil
}

// Close shuts the gateway connection.
func (c *Channel) Close(context.Context) error {
	return c.session.Close()
}

func channelIDFrom(sessionKey string) (string, error) {
	_, external, ok := channel.SplitSessionKey(sessionKey)
	if !ok {
		return "", fmt.Errorf("discord: malformed session key %q", sessionKey)
	}
	return external, nil
}
