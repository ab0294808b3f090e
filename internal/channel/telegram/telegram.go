// Package telegram implements the Channel interface over the Telegram Bot
// API using long polling. Session keys are "telegram:{chat_id}".
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/nextlevelbuilder/agentfleet/internal/bus"
	"github.com/nextlevelbuilder/agentfleet/internal/channel"
	"github.com/nextlevelbuilder/agentfleet/internal/config"
)

const messageLimit = 4096

// Channel is a Telegram adapter for one workspace bot.
type Channel struct {
	bot       *telego.Bot
	allowFrom []string
	limiter   *channel.SendLimiter
	logger    *slog.Logger

	pollCancel context.CancelFunc
	pollDone   chan struct{}
}

// New creates the adapter. The token comes from the environment via the
// config loader; an optional proxy URL routes Bot API traffic.
func New(cfg config.ChannelConfig, logger *slog.Logger) (*Channel, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram: missing bot token")
	}
	if logger == nil {
		logger = slog.Default()
	}

	var opts []telego.BotOption
	if cfg.Proxy != "" {
		proxyURL, err := url.Parse(cfg.Proxy)
		if err != nil {
			return nil, fmt.Errorf("telegram: invalid proxy URL %q: %w", cfg.Proxy, err)
		}
		opts = append(opts, telego.WithHTTPClient(&http.Client{
			Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		}))
	}

	bot, err := telego.NewBot(cfg.Token, opts...)
	if err != nil {
		return nil, fmt.Errorf("telegram: create bot: %w", err)
	}
	return &Channel{
		bot:       bot,
		allowFrom: cfg.AllowFrom,
		limiter:   channel.NewSendLimiter(),
		logger:    logger,
	}, nil
}

func (c *Channel) Name() string { return "telegram" }
func (c *Channel) Limit() int   { return messageLimit }

// Subscribe starts long polling and forwards messages to fn.
func (c *Channel) Subscribe(fn func(bus.InboundMessage)) {
	ctx, cancel := context.WithCancel(context.Background())
	c.pollCancel = cancel
	c.pollDone = make(chan struct{})

	updates, err := c.bot.UpdatesViaLongPolling(ctx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		c.logger.Error("telegram long polling failed to start", "error", err)
		close(c.pollDone)
		return
	}
	c.logger.Info("telegram bot connected")

	go func() {
		defer close(c.pollDone)
		for update := range updates {
			msg := update.Message
			if msg == nil || msg.Text == "" {
				continue
			}
			if !c.senderAllowed(msg) {
				continue
			}
			fn(bus.InboundMessage{
				SessionKey: channel.SessionKey("telegram", strconv.FormatInt(msg.Chat.ID, 10)),
				Channel:    "telegram",
				Content:    msg.Text,
				IsCommand:  strings.HasPrefix(msg.Text, "/"),
				ArrivalTS:  time.Unix(msg.Date, 0).UTC(),
			})
		}
	}()
}

func (c *Channel) senderAllowed(msg *telego.Message) bool {
	if len(c.allowFrom) == 0 {
		return true
	}
	if msg.From == nil {
		return false
	}
	from := strconv.FormatInt(msg.From.ID, 10)
	if slices.Contains(c.allowFrom, from) || slices.Contains(c.allowFrom, "@"+msg.From.Username) {
		return true
	}
	c.logger.Debug("telegram sender not in allowlist", "from", from)
	return false
}

// SendMessage delivers one chunk to the chat behind sessionKey.
func (c *Channel) SendMessage(ctx context.Context, sessionKey, content string) error {
	chatID, err := chatIDFrom(sessionKey)
	if err != nil {
		return err
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	_, err = c.bot.SendMessage(ctx, tu.Message(tu.ID(chatID), content))
	if err != nil {
		return fmt.Errorf("telegram: send to %d: %w", chatID, err)
	}
	return nil
}

// SendFile uploads a document with an optional caption.
func (c *Channel) SendFile(ctx context.Context, sessionKey, path, caption string) error {
	chatID, err := chatIDFrom(sessionKey)
	if err != nil {
		return err
	}
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("telegram: open %s: %w", path, err)
	}
	defer f.Close()

	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	doc := tu.Document(tu.ID(chatID), tu.File(tu.NameReader(f, filepath.Base(path))))
	if caption != "" {
		doc = doc.WithCaption(caption)
	}
	if _, err := c.bot.SendDocument(ctx, doc); err != nil {
		return fmt.Errorf("telegram: send document to %d: %w", chatID, err)
	}
	return nil
}

// Close stops long polling and waits for the update loop to exit.
func (c *Channel) Close(ctx context.Context) error {
	if c.pollCancel == nil {
		return nil
	}
	c.pollCancel()
	select {
	case <-c.pollDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func chatIDFrom(sessionKey string) (int64, error) {
	_, external, ok := channel.SplitSessionKey(sessionKey)
	if !ok {
		return 0, fmt.Errorf("telegram: malformed session key %q", sessionKey)
	}
	chatID, err := strconv.ParseInt(external, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("telegram: non-numeric chat id in %q", sessionKey)
	}
	return chatID, nil
}
