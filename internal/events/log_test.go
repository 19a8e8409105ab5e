package events

import "testing"

func TestAppendDedupesOnEventID(t *testing.T) {
	l := New(t.TempDir())
	first, err := l.Append(Event{EventID: "e1", Phase: PhaseAssign, Summary: "start"}, "")
	if err != nil {
		t.Fatal(err)
	}
	if first.Deduped {
		t.Fatal("first append should not be deduped")
	}

	second, err := l.Append(Event{EventID: "e1", Phase: PhaseDone, Summary: "changed"}, "")
	if err != nil {
		t.Fatal(err)
	}
	if !second.Deduped {
		t.Fatal("second append with same event_id should be deduped")
	}
	if second.Event.Summary != "start" {
		t.Fatalf("deduped event should be the original, got summary %q", second.Event.Summary)
	}
}

func TestListFiltersByPhase(t *testing.T) {
	l := New(t.TempDir())
	l.Append(Event{EventID: "e1", Phase: PhaseAssign}, "")
	l.Append(Event{EventID: "e2", Phase: PhaseDone}, "")

	got := l.List(Filter{Phase: PhaseDone})
	if len(got) != 1 || got[0].EventID != "e2" {
		t.Fatalf("expected only e2, got %+v", got)
	}
}

func TestListDescendingByTime(t *testing.T) {
	l := New(t.TempDir())
	l.Append(Event{EventID: "a"}, "")
	l.Append(Event{EventID: "b"}, "")
	l.Append(Event{EventID: "c"}, "")

	got := l.List(Filter{})
	if len(got) != 3 || got[0].EventID != "c" {
		t.Fatalf("expected newest first, got %+v", got)
	}
}
