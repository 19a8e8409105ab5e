package commands

import (
	"strings"
	"testing"

	"github.com/nextlevelbuilder/convoy/internal/render"
)

func TestParseSlashCommand(t *testing.T) {
	name, args, raw, ok := Parse("/cron add every 5m check")
	if !ok {
		t.Fatal("expected a parsed command")
	}
	if name != "cron" {
		t.Fatalf("name = %q", name)
	}
	if strings.Join(args, " ") != "add every 5m check" {
		t.Fatalf("args = %v", args)
	}
	if raw != "add every 5m check" {
		t.Fatalf("raw = %q", raw)
	}
}

func TestParseNonCommandReturnsFalse(t *testing.T) {
	_, _, _, ok := Parse("hello there")
	if ok {
		t.Fatal("expected non-command text to not parse")
	}
}

func TestRouterFirstMatchWins(t *testing.T) {
	r := New(render.NewStore())
	var gotHelp, gotStop bool
	r.Register(&HelpHandler{Catalogue: []string{"/help"}})
	r.Register(&StopHandler{Cancel: func(p, c string) int { gotStop = true; return 0 }})

	var reply string
	name, args, raw, _ := Parse("/help")
	r.Route(Context{Provider: "slack", ChatID: "c1", Name: name, Args: args, Raw: raw, Reply: func(c string) {
		reply = c
		gotHelp = true
	}})

	if !gotHelp || gotStop {
		t.Fatalf("expected help handler to win, got help=%v stop=%v reply=%q", gotHelp, gotStop, reply)
	}
}

func TestReplyCappedAt1600Chars(t *testing.T) {
	r := New(render.NewStore())
	long := strings.Repeat("a", 3000)
	r.Register(&HelpHandler{Catalogue: []string{long}})

	var reply string
	r.Route(Context{Provider: "slack", ChatID: "c1", Name: "help", Reply: func(c string) { reply = c }})
	if len([]rune(reply)) > 1601 {
		t.Fatalf("reply not capped, len=%d", len([]rune(reply)))
	}
}
