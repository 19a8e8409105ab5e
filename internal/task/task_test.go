package task

import "testing"

func TestRunCompletesAfterAllNodes(t *testing.T) {
	store := NewMemStore()
	nodes := []Node{
		func(s State, m map[string]any) (NodeResult, error) { return NodeResult{}, nil },
		func(s State, m map[string]any) (NodeResult, error) { return NodeResult{}, nil },
	}
	l := New(store, nodes)
	l.Create("t1", "demo", 10, 0)

	st, err := l.Run("t1")
	if err != nil {
		t.Fatal(err)
	}
	if st.Status != StatusCompleted {
		t.Fatalf("status = %v, want completed", st.Status)
	}
	if st.ExitReason != "workflow_completed" {
		t.Fatalf("exit reason = %q", st.ExitReason)
	}
}

func TestNodeErrorSetsFailed(t *testing.T) {
	store := NewMemStore()
	nodes := []Node{
		func(s State, m map[string]any) (NodeResult, error) { return NodeResult{}, errBoom },
	}
	l := New(store, nodes)
	l.Create("t1", "demo", 10, 0)

	st, err := l.Run("t1")
	if err != nil {
		t.Fatal(err)
	}
	if st.Status != StatusFailed {
		t.Fatalf("status = %v, want failed", st.Status)
	}
}

func TestWaitingApprovalSuspendsAndResumes(t *testing.T) {
	store := NewMemStore()
	calls := 0
	nodes := []Node{
		func(s State, m map[string]any) (NodeResult, error) {
			calls++
			if calls == 1 {
				return NodeResult{Status: StatusWaitingApproval}, nil
			}
			return NodeResult{}, nil
		},
		func(s State, m map[string]any) (NodeResult, error) { return NodeResult{}, nil },
	}
	l := New(store, nodes)
	l.Create("t1", "demo", 10, 0)

	st, _ := l.Run("t1")
	if st.Status != StatusWaitingApproval {
		t.Fatalf("status = %v, want waiting_approval", st.Status)
	}
	if st.StepIndex() != 0 {
		t.Fatalf("step index = %d, want unchanged at 0", st.StepIndex())
	}

	st2, _ := l.Resume("t1")
	if st2.Status != StatusCompleted {
		t.Fatalf("status after resume = %v, want completed", st2.Status)
	}
	if calls != 2 {
		t.Fatalf("node 0 invoked %d times, want 2 (no re-execution of node 1)", calls)
	}
}

func TestMaxTurnsReached(t *testing.T) {
	store := NewMemStore()
	nodes := []Node{
		func(s State, m map[string]any) (NodeResult, error) {
			zero := 0
			return NodeResult{NextStepIndex: &zero}, nil // never advances
		},
	}
	l := New(store, nodes)
	l.Create("t1", "demo", 3, 0)

	st, _ := l.Run("t1")
	if st.Status != StatusMaxTurnsReached {
		t.Fatalf("status = %v, want max_turns_reached", st.Status)
	}
}

var errBoom = &boomError{}

type boomError struct{}

func (e *boomError) Error() string { return "boom" }
