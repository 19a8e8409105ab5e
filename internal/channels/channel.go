// Package channels provides the channel abstraction layer for multi-platform
// messaging (C2/C3). Channels connect external platforms (Slack, Discord,
// Telegram) to the bus; the closed provider set is bus.Provider.
package channels

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nextlevelbuilder/convoy/internal/bus"
	"golang.org/x/time/rate"
)

// DMPolicy controls how DMs from unknown senders are handled.
type DMPolicy string

const (
	DMPolicyPairing   DMPolicy = "pairing"
	DMPolicyAllowlist DMPolicy = "allowlist"
	DMPolicyOpen      DMPolicy = "open"
	DMPolicyDisabled  DMPolicy = "disabled"
)

// GroupPolicy controls how group messages are handled.
type GroupPolicy string

const (
	GroupPolicyOpen      GroupPolicy = "open"
	GroupPolicyAllowlist GroupPolicy = "allowlist"
	GroupPolicyDisabled  GroupPolicy = "disabled"
)

// Channel defines the interface that all channel implementations must
// satisfy — the per-provider transport consumed by the Channel Registry (C3).
type Channel interface {
	// Provider returns the channel's platform identifier.
	Provider() bus.Provider

	Start(ctx context.Context) error
	Stop(ctx context.Context) error

	// Send delivers an outbound message, returning the platform message id.
	Send(ctx context.Context, msg bus.OutboundMessage) (messageID string, err error)

	// Read returns up to limit recent inbound messages for chatID,
	// including thread replies merged by timestamp.
	Read(ctx context.Context, chatID string, limit int) ([]bus.InboundMessage, error)

	EditMessage(ctx context.Context, chatID, messageID, content string) error
	AddReaction(ctx context.Context, chatID, messageID, reaction string) error
	RemoveReaction(ctx context.Context, chatID, messageID, reaction string) error
	SetTyping(ctx context.Context, chatID string, on bool, anchorMessageID string) error

	// ParseMentions extracts agent mentions from raw content.
	ParseMentions(content string) []Mention

	IsRunning() bool
	IsAllowed(senderID string) bool
}

// Mention is one `@alias` reference parsed from inbound content.
type Mention struct {
	Alias string
	Raw   string
}

// StreamingChannel extends Channel with real-time streaming preview support.
type StreamingChannel interface {
	Channel
	StreamEnabled() bool
	OnStreamStart(ctx context.Context, chatID string) error
	OnChunkEvent(ctx context.Context, chatID string, fullText string) error
	OnStreamEnd(ctx context.Context, chatID string, finalText string) error
}

// ReactionChannel extends Channel with status reaction support.
type ReactionChannel interface {
	Channel
	OnReactionEvent(ctx context.Context, chatID, messageID, status string) error
	ClearReaction(ctx context.Context, chatID, messageID string) error
}

// BaseChannel provides shared functionality for all channel implementations.
// Channel implementations should embed this struct.
type BaseChannel struct {
	provider  bus.Provider
	router    bus.MessageRouter
	running   bool
	allowList []string

	mentionLimiter *rate.Limiter
	mentionSeen    map[string]time.Time
}

// NewBaseChannel creates a new BaseChannel with the given parameters.
func NewBaseChannel(provider bus.Provider, router bus.MessageRouter, allowList []string) *BaseChannel {
	return &BaseChannel{
		provider:    provider,
		router:      router,
		allowList:   allowList,
		mentionSeen: make(map[string]time.Time),
	}
}

func (c *BaseChannel) Provider() bus.Provider { return c.provider }
func (c *BaseChannel) IsRunning() bool         { return c.running }
func (c *BaseChannel) SetRunning(r bool)       { c.running = r }
func (c *BaseChannel) Router() bus.MessageRouter { return c.router }

// HasAllowList returns true if an allowlist is configured (non-empty).
func (c *BaseChannel) HasAllowList() bool { return len(c.allowList) > 0 }

// IsAllowed checks if a sender is permitted by the allowlist. Supports
// compound senderID format: "123456|username". Empty allowlist means all
// senders are allowed.
func (c *BaseChannel) IsAllowed(senderID string) bool {
	if len(c.allowList) == 0 {
		return true
	}

	idPart := senderID
	userPart := ""
	if idx := strings.Index(senderID, "|"); idx > 0 {
		idPart = senderID[:idx]
		userPart = senderID[idx+1:]
	}

	for _, allowed := range c.allowList {
		trimmed := strings.TrimPrefix(allowed, "@")
		allowedID := trimmed
		allowedUser := ""
		if idx := strings.Index(trimmed, "|"); idx > 0 {
			allowedID = trimmed[:idx]
			allowedUser = trimmed[idx+1:]
		}

		if senderID == allowed ||
			idPart == allowed ||
			senderID == trimmed ||
			idPart == trimmed ||
			idPart == allowedID ||
			(allowedUser != "" && senderID == allowedUser) ||
			(userPart != "" && (userPart == allowed || userPart == trimmed || userPart == allowedUser)) {
			return true
		}
	}

	return false
}

// CheckPolicy evaluates DM/Group policy for a message. peerKind is "direct"
// or "group".
func (c *BaseChannel) CheckPolicy(peerKind string, dmPolicy DMPolicy, groupPolicy GroupPolicy, senderID string) bool {
	var policy string
	if peerKind == "group" {
		policy = string(groupPolicy)
	} else {
		policy = string(dmPolicy)
	}
	if policy == "" {
		policy = "open"
	}

	switch policy {
	case "disabled":
		return false
	case "allowlist":
		return c.IsAllowed(senderID)
	case "pairing":
		// Channels with a pairing service handle this before CheckPolicy;
		// without one, fall back to the allowlist.
		return c.IsAllowed(senderID)
	default:
		return true
	}
}

const mentionCooldown = 5 * time.Second

// MentionCooldownOK reports and records whether alias may fire again for
// (provider, chatID) — a 5s per-(provider,chat_id,alias) cooldown (spec.md §4.4).
func (c *BaseChannel) MentionCooldownOK(chatID, alias string) bool {
	key := string(c.provider) + ":" + chatID + ":" + alias
	now := time.Now()
	if last, ok := c.mentionSeen[key]; ok && now.Sub(last) < mentionCooldown {
		return false
	}
	c.mentionSeen[key] = now
	return true
}

// Publish constructs an InboundMessage and publishes it to the bus if
// senderID passes the allowlist.
func (c *BaseChannel) Publish(senderID, chatID, content, threadID string, media []bus.MediaItem, meta bus.InboundMetadata) {
	if !c.IsAllowed(senderID) {
		return
	}
	msg := bus.InboundMessage{
		ID:       uuid.NewString(),
		Provider: c.provider,
		SenderID: senderID,
		ChatID:   chatID,
		Content:  content,
		At:       time.Now(),
		ThreadID: threadID,
		Media:    media,
		Metadata: meta,
	}
	c.router.PublishInbound(msg)
}

// Truncate shortens s to maxLen runes, appending an ellipsis if truncated.
func Truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen]) + "..."
}
