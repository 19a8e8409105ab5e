// Package discord implements the Discord transport for the Channel Registry
// (C2/C3), backed by bwmarrin/discordgo's gateway client.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"

	"github.com/nextlevelbuilder/convoy/internal/bus"
	"github.com/nextlevelbuilder/convoy/internal/channels"
	"github.com/nextlevelbuilder/convoy/internal/config"
)

const discordMaxMessageLen = 2000

// Channel connects to Discord via the bot gateway.
type Channel struct {
	*channels.BaseChannel
	session        *discordgo.Session
	config         config.DiscordConfig
	botUserID      string
	requireMention bool

	typingMu sync.Mutex
	typingOn map[string]bool // chatID -> typing active
}

// New constructs a Discord channel from config. It does not open the
// gateway connection; call Start for that.
func New(cfg config.DiscordConfig, router bus.MessageRouter) (*Channel, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("discord: create session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	requireMention := true
	if cfg.RequireMention != nil {
		requireMention = *cfg.RequireMention
	}

	return &Channel{
		BaseChannel:    channels.NewBaseChannel(bus.ProviderDiscord, router, []string(cfg.AllowFrom)),
		session:        session,
		config:         cfg,
		requireMention: requireMention,
		typingOn:       make(map[string]bool),
	}, nil
}

func (c *Channel) Start(_ context.Context) error {
	c.session.AddHandler(c.handleMessage)
	if err := c.session.Open(); err != nil {
		return fmt.Errorf("discord: open session: %w", err)
	}
	user, err := c.session.User("@me")
	if err != nil {
		_ = c.session.Close()
		return fmt.Errorf("discord: fetch bot identity: %w", err)
	}
	c.botUserID = user.ID
	slog.Info("discord.connected", "username", user.Username, "id", user.ID)
	return nil
}

func (c *Channel) Stop(_ context.Context) error {
	return c.session.Close()
}

// Send delivers content to a Discord channel, chunking at discordMaxMessageLen.
func (c *Channel) Send(_ context.Context, msg bus.OutboundMessage) (string, error) {
	if !c.IsRunning() {
		return "", fmt.Errorf("discord: channel not running")
	}
	if msg.ChatID == "" {
		return "", fmt.Errorf("discord: empty chat id")
	}
	if msg.Content == "" {
		return "", nil
	}
	return c.sendChunked(msg.ChatID, msg.Content)
}

func (c *Channel) sendChunked(channelID, content string) (string, error) {
	var firstID string
	for len(content) > 0 {
		chunk := content
		if len(chunk) > discordMaxMessageLen {
			cutAt := discordMaxMessageLen
			if idx := strings.LastIndexByte(content[:discordMaxMessageLen], '\n'); idx > discordMaxMessageLen/2 {
				cutAt = idx + 1
			}
			chunk = content[:cutAt]
			content = content[cutAt:]
		} else {
			content = ""
		}
		m, err := c.session.ChannelMessageSend(channelID, chunk)
		if err != nil {
			return firstID, fmt.Errorf("discord: send: %w", err)
		}
		if firstID == "" {
			firstID = m.ID
		}
	}
	return firstID, nil
}

func (c *Channel) Read(_ context.Context, chatID string, limit int) ([]bus.InboundMessage, error) {
	msgs, err := c.session.ChannelMessages(chatID, limit, "", "", "")
	if err != nil {
		return nil, fmt.Errorf("discord: read: %w", err)
	}
	out := make([]bus.InboundMessage, 0, len(msgs))
	for _, m := range msgs {
		if m.Author == nil {
			continue
		}
		out = append(out, bus.InboundMessage{
			ID:       m.ID,
			Provider: bus.ProviderDiscord,
			ChatID:   chatID,
			SenderID: m.Author.ID,
			Content:  m.Content,
			At:       m.Timestamp,
			Metadata: bus.InboundMetadata{MessageID: m.ID, FromIsBot: m.Author.Bot},
		})
	}
	return out, nil
}

func (c *Channel) EditMessage(_ context.Context, chatID, messageID, content string) error {
	_, err := c.session.ChannelMessageEdit(chatID, messageID, content)
	if err != nil {
		return fmt.Errorf("discord: edit: %w", err)
	}
	return nil
}

func (c *Channel) AddReaction(_ context.Context, chatID, messageID, reaction string) error {
	if err := c.session.MessageReactionAdd(chatID, messageID, reaction); err != nil {
		return fmt.Errorf("discord: add reaction: %w", err)
	}
	return nil
}

func (c *Channel) RemoveReaction(_ context.Context, chatID, messageID, reaction string) error {
	if err := c.session.MessageReactionRemove(chatID, messageID, reaction, "@me"); err != nil {
		return fmt.Errorf("discord: remove reaction: %w", err)
	}
	return nil
}

// SetTyping toggles Discord's typing indicator. Discord's indicator expires
// after ~10s with no refresh; callers driving a long run should call
// SetTyping(true) periodically.
func (c *Channel) SetTyping(_ context.Context, chatID string, on bool, _ string) error {
	c.typingMu.Lock()
	c.typingOn[chatID] = on
	c.typingMu.Unlock()
	if !on {
		return nil
	}
	if err := c.session.ChannelTyping(chatID); err != nil {
		return fmt.Errorf("discord: typing: %w", err)
	}
	return nil
}

var mentionPattern = regexp.MustCompile(`@(\w+)`)

func (c *Channel) ParseMentions(content string) []channels.Mention {
	matches := mentionPattern.FindAllStringSubmatch(content, -1)
	out := make([]channels.Mention, 0, len(matches))
	for _, m := range matches {
		out = append(out, channels.Mention{Alias: m[1], Raw: m[0]})
	}
	return out
}

func (c *Channel) handleMessage(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.ID == c.botUserID || m.Author.Bot {
		return
	}

	isDM := m.GuildID == ""
	peerKind := "group"
	if isDM {
		peerKind = "direct"
	}

	dmPolicy := channels.DMPolicy(c.config.DMPolicy)
	if dmPolicy == "" {
		dmPolicy = channels.DMPolicyOpen
	}
	groupPolicy := channels.GroupPolicy(c.config.GroupPolicy)
	if groupPolicy == "" {
		groupPolicy = channels.GroupPolicyOpen
	}
	if !c.CheckPolicy(peerKind, dmPolicy, groupPolicy, m.Author.ID) {
		slog.Debug("discord.rejected_by_policy", "user_id", m.Author.ID, "peer_kind", peerKind)
		return
	}

	content := m.Content
	for _, att := range m.Attachments {
		if content != "" {
			content += "\n"
		}
		content += fmt.Sprintf("[attachment: %s]", att.URL)
	}

	if peerKind == "group" && c.requireMention {
		mentioned := false
		for _, u := range m.Mentions {
			if u.ID == c.botUserID {
				mentioned = true
				break
			}
		}
		if !mentioned {
			return
		}
	}

	c.Publish(m.Author.ID, m.ChannelID, content, "", nil, bus.InboundMetadata{
		MessageID:      m.ID,
		PlatformNative: map[string]string{"guild_id": m.GuildID, "username": m.Author.Username},
	})
}

var _ channels.Channel = (*Channel)(nil)
