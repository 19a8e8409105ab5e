// Package telegram implements the Telegram transport for the Channel
// Registry (C2/C3), backed by mymmrac/telego's long-polling bot API client.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mymmrac/telego"

	"github.com/nextlevelbuilder/convoy/internal/bus"
	"github.com/nextlevelbuilder/convoy/internal/channels"
	"github.com/nextlevelbuilder/convoy/internal/config"
)

const telegramMaxMessageLen = 4096

// statusEmoji maps agent status reactions to Telegram emoji reactions.
var statusEmoji = map[string]string{
	"thinking": "\U0001F914", // 🤔
	"working":  "⚙️",
	"done":     "✅",
	"error":    "❌",
}

// Channel connects to Telegram via the Bot API using long polling.
type Channel struct {
	*channels.BaseChannel
	bot            *telego.Bot
	config         config.TelegramConfig
	requireMention bool
	pollCancel     context.CancelFunc
	pollDone       chan struct{}

	mu       sync.Mutex
	lastMsgs map[string][]bus.InboundMessage // chatID -> recent buffer for Read
}

// New creates a new Telegram channel from config.
func New(cfg config.TelegramConfig, router bus.MessageRouter) (*Channel, error) {
	var opts []telego.BotOption
	if cfg.Proxy != "" {
		proxyURL, err := url.Parse(cfg.Proxy)
		if err != nil {
			return nil, fmt.Errorf("telegram: invalid proxy url %q: %w", cfg.Proxy, err)
		}
		opts = append(opts, telego.WithHTTPClient(&http.Client{
			Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		}))
	}

	bot, err := telego.NewBot(cfg.Token, opts...)
	if err != nil {
		return nil, fmt.Errorf("telegram: create bot: %w", err)
	}

	requireMention := true
	if cfg.RequireMention != nil {
		requireMention = *cfg.RequireMention
	}

	return &Channel{
		BaseChannel:    channels.NewBaseChannel(bus.ProviderTelegram, router, []string(cfg.AllowFrom)),
		bot:            bot,
		config:         cfg,
		requireMention: requireMention,
		lastMsgs:       make(map[string][]bus.InboundMessage),
	}, nil
}

// StreamEnabled reports whether the channel is configured for partial
// streaming previews (edits of a draft message as tokens arrive).
func (c *Channel) StreamEnabled() bool { return c.config.StreamMode == "partial" }

func (c *Channel) Start(ctx context.Context) error {
	pollCtx, cancel := context.WithCancel(ctx)
	c.pollCancel = cancel
	c.pollDone = make(chan struct{})

	updates, err := c.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("telegram: start long polling: %w", err)
	}

	slog.Info("telegram.connected", "username", c.bot.Username())

	go func() {
		defer close(c.pollDone)
		for {
			select {
			case <-pollCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				if update.Message != nil {
					c.handleMessage(update.Message)
				}
			}
		}
	}()

	return nil
}

func (c *Channel) Stop(_ context.Context) error {
	if c.pollCancel != nil {
		c.pollCancel()
	}
	if c.pollDone != nil {
		select {
		case <-c.pollDone:
		case <-time.After(10 * time.Second):
			slog.Warn("telegram: polling goroutine did not exit within timeout")
		}
	}
	return nil
}

func (c *Channel) Send(_ context.Context, msg bus.OutboundMessage) (string, error) {
	if !c.IsRunning() {
		return "", fmt.Errorf("telegram: channel not running")
	}
	chatID, err := strconv.ParseInt(msg.ChatID, 10, 64)
	if err != nil {
		return "", fmt.Errorf("telegram: invalid chat id %q: %w", msg.ChatID, err)
	}
	if msg.Content == "" {
		return "", nil
	}

	var lastID string
	content := msg.Content
	for len(content) > 0 {
		chunk := content
		if len(chunk) > telegramMaxMessageLen {
			cutAt := telegramMaxMessageLen
			if idx := strings.LastIndexByte(content[:telegramMaxMessageLen], '\n'); idx > telegramMaxMessageLen/2 {
				cutAt = idx + 1
			}
			chunk = content[:cutAt]
			content = content[cutAt:]
		} else {
			content = ""
		}
		sent, err := c.bot.SendMessage(context.Background(), &telego.SendMessageParams{
			ChatID: telego.ChatID{ID: chatID},
			Text:   chunk,
		})
		if err != nil {
			return lastID, fmt.Errorf("telegram: send: %w", err)
		}
		lastID = strconv.Itoa(sent.MessageID)
	}
	return lastID, nil
}

func (c *Channel) Read(_ context.Context, chatID string, limit int) ([]bus.InboundMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	buf := c.lastMsgs[chatID]
	if len(buf) > limit {
		buf = buf[len(buf)-limit:]
	}
	return append([]bus.InboundMessage(nil), buf...), nil
}

func (c *Channel) EditMessage(_ context.Context, chatID, messageID, content string) error {
	cid, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: invalid chat id: %w", err)
	}
	mid, err := strconv.Atoi(messageID)
	if err != nil {
		return fmt.Errorf("telegram: invalid message id: %w", err)
	}
	_, err = c.bot.EditMessageText(context.Background(), &telego.EditMessageTextParams{
		ChatID:    telego.ChatID{ID: cid},
		MessageID: mid,
		Text:      content,
	})
	if err != nil {
		return fmt.Errorf("telegram: edit: %w", err)
	}
	return nil
}

// AddReaction sets a status emoji reaction on a message. reaction is a
// status name ("thinking", "working", "done", "error") mapped to an emoji.
func (c *Channel) AddReaction(_ context.Context, chatID, messageID, reaction string) error {
	cid, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: invalid chat id: %w", err)
	}
	mid, err := strconv.Atoi(messageID)
	if err != nil {
		return fmt.Errorf("telegram: invalid message id: %w", err)
	}
	emoji, ok := statusEmoji[reaction]
	if !ok {
		emoji = reaction
	}
	return c.bot.SetMessageReaction(context.Background(), &telego.SetMessageReactionParams{
		ChatID:    telego.ChatID{ID: cid},
		MessageID: mid,
		Reaction:  []telego.ReactionType{&telego.ReactionTypeEmoji{Type: telego.ReactionEmoji, Emoji: emoji}},
	})
}

func (c *Channel) RemoveReaction(_ context.Context, chatID, messageID, _ string) error {
	cid, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: invalid chat id: %w", err)
	}
	mid, err := strconv.Atoi(messageID)
	if err != nil {
		return fmt.Errorf("telegram: invalid message id: %w", err)
	}
	return c.bot.SetMessageReaction(context.Background(), &telego.SetMessageReactionParams{
		ChatID:    telego.ChatID{ID: cid},
		MessageID: mid,
		Reaction:  nil,
	})
}

func (c *Channel) SetTyping(_ context.Context, chatID string, on bool, _ string) error {
	if !on {
		return nil
	}
	cid, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: invalid chat id: %w", err)
	}
	return c.bot.SendChatAction(context.Background(), &telego.SendChatActionParams{
		ChatID: telego.ChatID{ID: cid},
		Action: "typing",
	})
}

func (c *Channel) ParseMentions(content string) []channels.Mention {
	var out []channels.Mention
	for _, tok := range strings.Fields(content) {
		if strings.HasPrefix(tok, "@") && len(tok) > 1 {
			alias := strings.TrimPrefix(tok, "@")
			out = append(out, channels.Mention{Alias: alias, Raw: tok})
		}
	}
	return out
}

func (c *Channel) handleMessage(m *telego.Message) {
	if m.From == nil || m.From.IsBot {
		return
	}

	senderID := strconv.FormatInt(m.From.ID, 10)
	chatIDStr := strconv.FormatInt(m.Chat.ID, 10)

	peerKind := "group"
	if m.Chat.Type == telego.ChatTypePrivate {
		peerKind = "direct"
	}

	dmPolicy := channels.DMPolicy(c.config.DMPolicy)
	if dmPolicy == "" {
		dmPolicy = channels.DMPolicyPairing
	}
	groupPolicy := channels.GroupPolicy(c.config.GroupPolicy)
	if groupPolicy == "" {
		groupPolicy = channels.GroupPolicyOpen
	}
	if !c.CheckPolicy(peerKind, dmPolicy, groupPolicy, senderID) {
		slog.Debug("telegram.rejected_by_policy", "sender_id", senderID, "peer_kind", peerKind)
		return
	}

	content := m.Text
	if content == "" {
		content = m.Caption
	}

	if peerKind == "group" && c.requireMention {
		mentioned := false
		botUsername := "@" + c.bot.Username()
		if strings.Contains(content, botUsername) {
			mentioned = true
			content = strings.ReplaceAll(content, botUsername, "")
			content = strings.TrimSpace(content)
		}
		if !mentioned {
			return
		}
	}

	msgID := strconv.Itoa(m.MessageID)
	inbound := bus.InboundMessage{
		ID:       msgID,
		Provider: bus.ProviderTelegram,
		ChatID:   chatIDStr,
		SenderID: senderID,
		Content:  content,
		At:       time.Unix(int64(m.Date), 0),
		Metadata: bus.InboundMetadata{
			MessageID:      msgID,
			PlatformNative: map[string]string{"username": m.From.Username},
		},
	}

	c.mu.Lock()
	buf := append(c.lastMsgs[chatIDStr], inbound)
	if len(buf) > 100 {
		buf = buf[len(buf)-100:]
	}
	c.lastMsgs[chatIDStr] = buf
	c.mu.Unlock()

	c.Publish(senderID, chatIDStr, content, "", nil, inbound.Metadata)
}

// OnStreamStart, OnChunkEvent and OnStreamEnd satisfy StreamingChannel.
// Streaming previews are driven by repeated EditMessage calls from the
// agent loop (internal/agent); this channel has no per-run state of its
// own, so all three are no-ops here.
func (c *Channel) OnStreamStart(_ context.Context, _ string) error          { return nil }
func (c *Channel) OnChunkEvent(_ context.Context, _ string, _ string) error { return nil }
func (c *Channel) OnStreamEnd(_ context.Context, _ string, _ string) error  { return nil }

// OnReactionEvent and ClearReaction satisfy ReactionChannel, mapping a
// status name to a message reaction emoji.
func (c *Channel) OnReactionEvent(ctx context.Context, chatID, messageID, status string) error {
	return c.AddReaction(ctx, chatID, messageID, status)
}
func (c *Channel) ClearReaction(ctx context.Context, chatID, messageID string) error {
	return c.RemoveReaction(ctx, chatID, messageID, "")
}

var _ channels.Channel = (*Channel)(nil)
var _ channels.StreamingChannel = (*Channel)(nil)
var _ channels.ReactionChannel = (*Channel)(nil)
