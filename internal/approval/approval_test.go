package approval

import (
	"context"
	"testing"
)

func TestResolveTextApprovesAndExecutes(t *testing.T) {
	executed := false
	svc := New(func(ctx context.Context, name string, params map[string]any) (string, error) {
		executed = true
		return "done", nil
	})

	req := svc.Register("exec", map[string]any{"command": "echo hi"}, Context{Provider: "slack", ChatID: "c1"})

	resolved, decision, ok := svc.ResolveText(context.Background(), "slack", "c1", "✅ request_id:"+req.RequestID)
	if !ok {
		t.Fatal("expected resolution")
	}
	if decision != DecisionApprove {
		t.Fatalf("decision = %v, want approve", decision)
	}
	if resolved.Status != StatusApproved {
		t.Fatalf("status = %v, want approved", resolved.Status)
	}
	if !executed {
		t.Fatal("expected executor to run on approval")
	}
	if resolved.Result != "done" {
		t.Fatalf("result = %q, want done", resolved.Result)
	}
}

func TestResolveTextBindsToOldestPendingWithoutID(t *testing.T) {
	svc := New(nil)
	first := svc.Register("exec", nil, Context{Provider: "slack", ChatID: "c1"})
	svc.Register("exec", nil, Context{Provider: "slack", ChatID: "c1"})

	resolved, _, ok := svc.ResolveText(context.Background(), "slack", "c1", "yes")
	if !ok {
		t.Fatal("expected resolution")
	}
	if resolved.RequestID != first.RequestID {
		t.Fatalf("resolved %q, want oldest %q", resolved.RequestID, first.RequestID)
	}
}

func TestStatusIsMonotone(t *testing.T) {
	svc := New(nil)
	req := svc.Register("exec", nil, Context{Provider: "slack", ChatID: "c1"})
	svc.ResolveText(context.Background(), "slack", "c1", "❌ request_id:"+req.RequestID)

	_, _, ok := svc.ResolveText(context.Background(), "slack", "c1", "✅ request_id:"+req.RequestID)
	if ok {
		t.Fatal("expected no further resolution once a request left pending")
	}
	got, _ := svc.Get(req.RequestID)
	if got.Status != StatusDenied {
		t.Fatalf("status = %v, want denied (unchanged)", got.Status)
	}
}

func TestResolveReactionIdempotent(t *testing.T) {
	calls := 0
	svc := New(func(ctx context.Context, name string, params map[string]any) (string, error) {
		calls++
		return "ok", nil
	})
	req := svc.Register("exec", nil, Context{Provider: "slack", ChatID: "c1"})

	_, _, ok1 := svc.ResolveReaction(context.Background(), "slack", "c1", req.RequestID, []string{"white_check_mark"})
	if !ok1 {
		t.Fatal("expected first reaction to resolve")
	}
	_, _, ok2 := svc.ResolveReaction(context.Background(), "slack", "c1", req.RequestID, []string{"white_check_mark"})
	if ok2 {
		t.Fatal("expected duplicate reaction to be a no-op")
	}
	if calls != 1 {
		t.Fatalf("executor called %d times, want 1", calls)
	}
}

func TestParseDecisionNoTokenReturnsFalse(t *testing.T) {
	_, _, ok := ParseDecision("just a normal message")
	if ok {
		t.Fatal("expected no decision token to be found")
	}
}
