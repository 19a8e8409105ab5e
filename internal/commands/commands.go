// Package commands implements the Command Router (C6): an ordered list of
// slash-command handlers, first match wins, replies capped at 1600 chars
// through the active RenderProfile.
package commands

import (
	"fmt"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"github.com/dustin/go-humanize"
	"github.com/nextlevelbuilder/convoy/internal/render"
)

// Context is the per-invocation context a Handler receives.
type Context struct {
	Provider string
	ChatID   string
	SenderID string
	Name     string   // parsed command name (without leading '/')
	Args     []string // remaining whitespace-split tokens
	Raw      string   // full text after the command name

	Reply func(content string) // handler calls this to send its reply
}

// Handler is one named command in the router's ordered list.
type Handler interface {
	CanHandle(ctx Context) bool
	Handle(ctx Context) bool // true = consumed
}

// Router dispatches a parsed slash command through its ordered handlers.
type Router struct {
	handlers []Handler
	renders  *render.Store
}

// New constructs a Router with the standard handler set.
func New(renders *render.Store) *Router {
	return &Router{renders: renders}
}

// Register appends a handler to the end of the ordered list.
func (r *Router) Register(h Handler) {
	r.handlers = append(r.handlers, h)
}

// Parse splits "/name args..." into a command name and arguments. ok=false
// if text does not begin with '/'.
func Parse(text string) (name string, args []string, raw string, ok bool) {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "/") {
		return "", nil, "", false
	}
	fields := strings.Fields(trimmed[1:])
	if len(fields) == 0 {
		return "", nil, "", false
	}
	name = fields[0]
	args = fields[1:]
	raw = strings.TrimSpace(strings.TrimPrefix(trimmed[1:], name))
	return name, args, raw, true
}

// Route finds the first handler whose CanHandle returns true and invokes
// it. Returns false if no handler consumed the command. Replies are
// rendered through the chat's RenderProfile before Context.Reply is called.
func (r *Router) Route(ctx Context) bool {
	wrap := ctx.Reply
	ctx.Reply = func(content string) {
		profile := render.DefaultProfile()
		if r.renders != nil {
			profile = r.renders.Get(ctx.Provider, ctx.ChatID)
		}
		wrap(render.Apply(profile, content))
	}
	for _, h := range r.handlers {
		if h.CanHandle(ctx) {
			if h.Handle(ctx) {
				return true
			}
		}
	}
	return false
}

// --- Standard handlers -----------------------------------------------------

// HelpHandler renders the command catalogue.
type HelpHandler struct{ Catalogue []string }

func (h *HelpHandler) CanHandle(ctx Context) bool { return ctx.Name == "help" }
func (h *HelpHandler) Handle(ctx Context) bool {
	ctx.Reply("Available commands:\n" + strings.Join(h.Catalogue, "\n"))
	return true
}

// StopHandler cancels active runs for (provider, chat_id).
type StopHandler struct {
	Cancel func(provider, chatID string) int // returns number of runs cancelled
}

func (h *StopHandler) CanHandle(ctx Context) bool {
	switch ctx.Name {
	case "stop", "cancel", "중지":
		return true
	}
	return false
}
func (h *StopHandler) Handle(ctx Context) bool {
	n := 0
	if h.Cancel != nil {
		n = h.Cancel(ctx.Provider, ctx.ChatID)
	}
	ctx.Reply(fmt.Sprintf("⏹️ cancelled %d active run(s)", n))
	return true
}

// RenderHandler reads/writes the chat's RenderProfile.
type RenderHandler struct{ Store *render.Store }

func (h *RenderHandler) CanHandle(ctx Context) bool { return ctx.Name == "render" }
func (h *RenderHandler) Handle(ctx Context) bool {
	if len(ctx.Args) == 0 {
		p := h.Store.Get(ctx.Provider, ctx.ChatID)
		ctx.Reply(fmt.Sprintf("mode=%s blocked_link=%s blocked_image=%s", p.Mode, p.BlockedLinkPolicy, p.BlockedImagePolicy))
		return true
	}
	p := h.Store.Get(ctx.Provider, ctx.ChatID)
	for i := 0; i+1 < len(ctx.Args); i += 2 {
		switch ctx.Args[i] {
		case "mode":
			p.Mode = render.Mode(ctx.Args[i+1])
		case "blocked_link":
			p.BlockedLinkPolicy = render.BlockedPolicy(ctx.Args[i+1])
		case "blocked_image":
			p.BlockedImagePolicy = render.BlockedPolicy(ctx.Args[i+1])
		}
	}
	h.Store.Set(ctx.Provider, ctx.ChatID, p)
	ctx.Reply("render profile updated")
	return true
}

// SecretHandler wraps list/status/set/get/reveal/remove/encrypt/decrypt.
type SecretHandler struct {
	Put     func(name, value string)
	Reveal  func(name string) (string, error)
	Remove  func(name string)
	List    func() []string
	Encrypt func(plaintext string) (string, error)
	Decrypt func(ciphertext string) (string, error)
}

func (h *SecretHandler) CanHandle(ctx Context) bool { return ctx.Name == "secret" }
func (h *SecretHandler) Handle(ctx Context) bool {
	if len(ctx.Args) == 0 {
		ctx.Reply("usage: /secret <list|status|set|get|reveal|remove|encrypt|decrypt> ...")
		return true
	}
	sub := ctx.Args[0]
	rest := ctx.Args[1:]
	switch sub {
	case "list", "status":
		names := h.List()
		ctx.Reply(fmt.Sprintf("%d secret(s): %s", len(names), strings.Join(names, ", ")))
	case "set":
		if len(rest) < 2 {
			ctx.Reply("usage: /secret set <name> <value>")
			return true
		}
		h.Put(rest[0], strings.Join(rest[1:], " "))
		ctx.Reply(fmt.Sprintf("secret %q stored", rest[0]))
	case "get", "reveal":
		if len(rest) < 1 {
			ctx.Reply("usage: /secret reveal <name>")
			return true
		}
		val, err := h.Reveal(rest[0])
		if err != nil {
			ctx.Reply(fmt.Sprintf("no such secret: %s", rest[0]))
			return true
		}
		ctx.Reply(val)
	case "remove":
		if len(rest) < 1 {
			return true
		}
		h.Remove(rest[0])
		ctx.Reply(fmt.Sprintf("secret %q removed", rest[0]))
	case "encrypt":
		ct, err := h.Encrypt(strings.Join(rest, " "))
		if err != nil {
			ctx.Reply("encrypt failed")
			return true
		}
		ctx.Reply(ct)
	case "decrypt":
		pt, err := h.Decrypt(strings.Join(rest, " "))
		if err != nil {
			ctx.Reply("decrypt failed")
			return true
		}
		ctx.Reply(pt)
	}
	return true
}

// CronHandler dispatches status/list/add/remove to its callbacks; the text
// after "add" is passed to Add as given, without parsing here.
type CronHandler struct {
	Status func() string
	List   func() string
	Add    func(spec string) (string, error)
	Remove func(id string) error
}

func (h *CronHandler) CanHandle(ctx Context) bool { return ctx.Name == "cron" }
func (h *CronHandler) Handle(ctx Context) bool {
	if len(ctx.Args) == 0 {
		ctx.Reply("usage: /cron <status|list|add|remove> ...")
		return true
	}
	switch ctx.Args[0] {
	case "status":
		ctx.Reply(h.Status())
	case "list":
		ctx.Reply(h.List())
	case "add":
		spec := strings.TrimSpace(strings.TrimPrefix(ctx.Raw, ctx.Args[0]))
		id, err := h.Add(spec)
		if err != nil {
			ctx.Reply(fmt.Sprintf("cron add failed: %v", err))
			return true
		}
		ctx.Reply(fmt.Sprintf("cron job %s scheduled", id))
	case "remove":
		if len(ctx.Args) < 2 {
			ctx.Reply("usage: /cron remove <id>")
			return true
		}
		if err := h.Remove(ctx.Args[1]); err != nil {
			ctx.Reply(fmt.Sprintf("cron remove failed: %v", err))
			return true
		}
		ctx.Reply("cron job removed")
	}
	return true
}

// ParseAt parses a timestamp with dateparse.ParseAny (ISO-8601/RFC3339 and
// other numeric date layouts) and returns it as Unix milliseconds. A leading
// "at" keyword and natural-language phrases are not accepted.
func ParseAt(s string) (int64, error) {
	t, err := dateparse.ParseAny(s)
	if err != nil {
		return 0, fmt.Errorf("cron: invalid at timestamp %q: %w", s, err)
	}
	return t.UnixMilli(), nil
}

// StatusHandler reports uptime and lists the registered tools.
type StatusHandler struct {
	StartedAt func() (uptime string)
	Tools     func() []string
}

func (h *StatusHandler) CanHandle(ctx Context) bool { return ctx.Name == "status" }
func (h *StatusHandler) Handle(ctx Context) bool {
	tools := h.Tools()
	ctx.Reply(fmt.Sprintf("uptime %s, %d tool(s): %s", h.StartedAt(), len(tools), strings.Join(tools, ", ")))
	return true
}

// HumanizeSince renders a human-readable "X ago" duration.
func HumanizeSince(t time.Time) string { return humanize.Time(t) }
