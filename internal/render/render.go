// Package render implements per-chat RenderProfile formatting: markdown,
// html, or plain output with configurable blocked-link/image policies, and
// the 1600-char Command Router reply cap.
package render

import (
	"regexp"
	"sync"

	"github.com/mattn/go-runewidth"
	"github.com/yuin/goldmark"
	"golang.org/x/text/width"
)

// Mode is the closed set of render modes.
type Mode string

const (
	ModeMarkdown Mode = "markdown"
	ModeHTML     Mode = "html"
	ModePlain    Mode = "plain"
)

// BlockedPolicy is the closed set of policies applied to a blocked link or
// image reference.
type BlockedPolicy string

const (
	PolicyIndicator BlockedPolicy = "indicator"
	PolicyText      BlockedPolicy = "text"
	PolicyRemove    BlockedPolicy = "remove"
)

// Profile is the per-(provider, chat_id) formatting policy.
type Profile struct {
	Mode               Mode
	BlockedLinkPolicy  BlockedPolicy
	BlockedImagePolicy BlockedPolicy
}

// DefaultProfile is applied when no profile has been set for a chat.
func DefaultProfile() Profile {
	return Profile{Mode: ModeMarkdown, BlockedLinkPolicy: PolicyIndicator, BlockedImagePolicy: PolicyIndicator}
}

// key identifies a chat's render profile.
type key struct {
	Provider string
	ChatID   string
}

// Store holds one Profile per (provider, chat_id), read/written by the
// Command Router's "render" handler (C6).
type Store struct {
	mu       sync.RWMutex
	profiles map[key]Profile
}

func NewStore() *Store {
	return &Store{profiles: make(map[key]Profile)}
}

func (s *Store) Get(provider, chatID string) Profile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p, ok := s.profiles[key{provider, chatID}]; ok {
		return p
	}
	return DefaultProfile()
}

func (s *Store) Set(provider, chatID string, p Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[key{provider, chatID}] = p
}

const maxReplyChars = 1600

var linkPattern = regexp.MustCompile(`\[([^\]]*)\]\(([^)]+)\)`)
var imagePattern = regexp.MustCompile(`!\[([^\]]*)\]\(([^)]+)\)`)

// Apply renders content according to profile and caps it at 1600 display
// columns (CJK-aware: wide runes count as 2; see Truncate).
func Apply(profile Profile, content string) string {
	content = applyBlockedPolicies(profile, content)

	switch profile.Mode {
	case ModeHTML:
		var buf []byte
		w := &byteSliceWriter{buf: buf}
		if err := goldmark.Convert([]byte(content), w); err == nil {
			content = string(w.buf)
		}
	case ModePlain:
		content = stripMarkdown(content)
	case ModeMarkdown:
		// left as-is; markdown is the native wire format for Slack/Discord/Telegram.
	}

	return Truncate(content, maxReplyChars)
}

type byteSliceWriter struct{ buf []byte }

func (w *byteSliceWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	return len(p), nil
}

func applyBlockedPolicies(profile Profile, content string) string {
	content = imagePattern.ReplaceAllStringFunc(content, func(m string) string {
		return applyPolicy(profile.BlockedImagePolicy, "[image blocked]", m)
	})
	content = linkPattern.ReplaceAllStringFunc(content, func(m string) string {
		return applyPolicy(profile.BlockedLinkPolicy, "[link blocked]", m)
	})
	return content
}

func applyPolicy(policy BlockedPolicy, indicator, original string) string {
	switch policy {
	case PolicyRemove:
		return ""
	case PolicyText:
		sub := linkPattern.FindStringSubmatch(original)
		if sub == nil {
			sub = imagePattern.FindStringSubmatch(original)
		}
		if len(sub) >= 3 {
			return sub[2]
		}
		return original
	default: // PolicyIndicator
		return indicator
	}
}

var mdStripPattern = regexp.MustCompile(`[*_` + "`" + `~]`)

func stripMarkdown(s string) string {
	s = linkPattern.ReplaceAllString(s, "$1")
	return mdStripPattern.ReplaceAllString(s, "")
}

// Truncate caps s at maxChars display columns, counting wide (CJK) runes as
// 2 columns (channels.Truncate, by contrast, counts runes).
func Truncate(s string, maxChars int) string {
	if runewidth.StringWidth(s) <= maxChars {
		return s
	}
	cols := 0
	out := make([]rune, 0, len(s))
	for _, r := range s {
		w := 1
		if width.LookupRune(r).Kind() == width.EastAsianWide || width.LookupRune(r).Kind() == width.EastAsianFullwidth {
			w = 2
		}
		if cols+w > maxChars-1 {
			break
		}
		cols += w
		out = append(out, r)
	}
	return string(out) + "…"
}
