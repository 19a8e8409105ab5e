// Package events implements the Workflow Event Log (C14): an append-only
// store keyed by event_id, idempotent on append, with a per-task markdown
// detail file and a filtered/paged List.
package events

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// Phase is the closed set of workflow event phases.
type Phase string

const (
	PhaseAssign   Phase = "assign"
	PhaseProgress Phase = "progress"
	PhaseBlocked  Phase = "blocked"
	PhaseDone     Phase = "done"
	PhaseApproval Phase = "approval"
)

// Source is the closed set of event sources.
type Source string

const (
	SourceSystem Source = "system"
	SourceUser   Source = "user"
	SourceLeader Source = "leader"
	SourceAgent  Source = "agent"
)

// Event is the append-only workflow audit record.
type Event struct {
	EventID    string    `json:"event_id"`
	RunID      string    `json:"run_id"`
	TaskID     string    `json:"task_id,omitempty"`
	AgentID    string    `json:"agent_id,omitempty"`
	Phase      Phase     `json:"phase"`
	Summary    string    `json:"summary"`
	Payload    any       `json:"payload,omitempty"`
	Provider   string    `json:"provider,omitempty"`
	Channel    string    `json:"channel,omitempty"`
	ChatID     string    `json:"chat_id,omitempty"`
	ThreadID   string    `json:"thread_id,omitempty"`
	Source     Source    `json:"source"`
	DetailFile string    `json:"detail_file,omitempty"`
	At         time.Time `json:"at"`
}

// Filter selects a subset of events for List.
type Filter struct {
	Phase   Phase
	TaskID  string
	RunID   string
	AgentID string
	ChatID  string
	Source  Source
	Limit   int
	Offset  int
}

// AppendResult reports whether append deduped against an existing event.
type AppendResult struct {
	Deduped bool
	Event   Event
}

// Log is the in-memory, file-backed implementation of the Workflow Event
// Log. Detail text for an event is appended to
// <dir>/tasks/details/<task_id>.md as a timestamped section.
type Log struct {
	mu     sync.Mutex
	byID   map[string]Event
	order  []string // event ids in append order, most-recent last
	dir    string
}

// New creates a Log that writes per-task detail files under dir (typically
// "runtime/events").
func New(dir string) *Log {
	return &Log{
		byID: make(map[string]Event),
		dir:  dir,
	}
}

// Append idempotently records event. If event.EventID was already seen,
// returns {Deduped: true, Event: <first recorded event>} and makes no
// further change — including skipping the detail-file write.
func (l *Log) Append(event Event, detail string) (AppendResult, error) {
	l.mu.Lock()
	if existing, ok := l.byID[event.EventID]; ok {
		l.mu.Unlock()
		return AppendResult{Deduped: true, Event: existing}, nil
	}
	if event.At.IsZero() {
		event.At = time.Now()
	}
	if detail != "" && l.dir != "" && event.TaskID != "" {
		event.DetailFile = filepath.Join(l.dir, "tasks", "details", event.TaskID+".md")
	}
	l.byID[event.EventID] = event
	l.order = append(l.order, event.EventID)
	l.mu.Unlock()

	if event.DetailFile != "" {
		if err := l.appendDetail(event.DetailFile, event, detail); err != nil {
			// Errors from the event log's detail write are swallowed
			// (best-effort) per the error propagation policy.
			return AppendResult{Event: event}, nil
		}
	}
	return AppendResult{Event: event}, nil
}

func (l *Log) appendDetail(path string, event Event, detail string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = fmt.Fprintf(f, "\n## %s — %s\n\n%s\n", event.At.Format(time.RFC3339), event.Phase, detail)
	return err
}

// List returns events matching filter, newest first.
func (l *Log) List(filter Filter) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	matched := make([]Event, 0, len(l.order))
	for i := len(l.order) - 1; i >= 0; i-- {
		ev := l.byID[l.order[i]]
		if filter.Phase != "" && ev.Phase != filter.Phase {
			continue
		}
		if filter.TaskID != "" && ev.TaskID != filter.TaskID {
			continue
		}
		if filter.RunID != "" && ev.RunID != filter.RunID {
			continue
		}
		if filter.AgentID != "" && ev.AgentID != filter.AgentID {
			continue
		}
		if filter.ChatID != "" && ev.ChatID != filter.ChatID {
			continue
		}
		if filter.Source != "" && ev.Source != filter.Source {
			continue
		}
		matched = append(matched, ev)
	}

	sort.SliceStable(matched, func(i, j int) bool { return matched[i].At.After(matched[j].At) })

	start := filter.Offset
	if start > len(matched) {
		start = len(matched)
	}
	end := len(matched)
	if filter.Limit > 0 && start+filter.Limit < end {
		end = start + filter.Limit
	}
	return matched[start:end]
}
