// Package task implements the Task Loop (C10): a persisted, resumable
// workflow executing a caller-supplied, fixed ordered list of nodes, with
// memory.__step_index as the canonical cursor.
package task

import (
	"fmt"
	"time"
)

// Status is the closed set of task states.
type Status string

const (
	StatusRunning         Status = "running"
	StatusCompleted       Status = "completed"
	StatusWaitingApproval Status = "waiting_approval"
	StatusFailed          Status = "failed"
	StatusCancelled       Status = "cancelled"
	StatusMaxTurnsReached Status = "max_turns_reached"
)

const (
	stepIndexKey = "__step_index"
	updatedAtKey = "__updated_at_seoul"
)

// State is the persisted shape of a task loop run.
type State struct {
	TaskID      string
	Title       string
	CurrentTurn int
	MaxTurns    int
	Status      Status
	CurrentStep string
	ExitReason  string
	Memory      map[string]any
}

// StepIndex reads the canonical 0-based cursor, defaulting to 0.
func (s *State) StepIndex() int {
	if s.Memory == nil {
		return 0
	}
	if v, ok := s.Memory[stepIndexKey].(int); ok {
		return v
	}
	return 0
}

func (s *State) setStepIndex(i int) {
	if s.Memory == nil {
		s.Memory = make(map[string]any)
	}
	s.Memory[stepIndexKey] = i
	s.Memory[updatedAtKey] = time.Now().In(seoulLocation()).Format("2006-01-02 15:04:05")
}

func seoulLocation() *time.Location {
	loc, err := time.LoadLocation("Asia/Seoul")
	if err != nil {
		return time.UTC
	}
	return loc
}

// Store persists a State on every mutation.
type Store interface {
	List() ([]State, error)
	Upsert(State) error
	Get(id string) (State, bool, error)
}

// NodeResult is returned by a Node after one invocation.
type NodeResult struct {
	MemoryPatch    map[string]any
	NextStepIndex  *int
	CurrentStep    string
	Status         Status
	ExitReason     string
}

// Node executes one workflow step given the current state and memory.
type Node func(state State, memory map[string]any) (NodeResult, error)

// Loop runs a fixed node sequence against a persisted State.
type Loop struct {
	store Store
	nodes []Node
}

// New constructs a Loop over the given ordered node sequence.
func New(store Store, nodes []Node) *Loop {
	return &Loop{store: store, nodes: nodes}
}

// Create initializes a new State at start_step_index (applied only on
// first create) and persists it. If taskID already exists, the stored
// State is returned unchanged.
func (l *Loop) Create(taskID, title string, maxTurns, startStepIndex int) (State, error) {
	if existing, ok, err := l.store.Get(taskID); err != nil {
		return State{}, err
	} else if ok {
		return existing, nil
	}
	st := State{
		TaskID:   taskID,
		Title:    title,
		MaxTurns: maxTurns,
		Status:   StatusRunning,
		Memory:   make(map[string]any),
	}
	st.setStepIndex(startStepIndex)
	if err := l.store.Upsert(st); err != nil {
		return State{}, err
	}
	return st, nil
}

// Run executes the task loop from its persisted cursor until it completes,
// fails, hits max_turns, or a node suspends it on waiting_approval.
func (l *Loop) Run(taskID string) (State, error) {
	st, ok, err := l.store.Get(taskID)
	if err != nil {
		return State{}, err
	}
	if !ok {
		return State{}, fmt.Errorf("task: unknown task_id %q", taskID)
	}
	if st.Status != StatusRunning {
		// Resuming a previously-suspended task re-enters running.
		st.Status = StatusRunning
	}

	for st.Status == StatusRunning {
		if st.CurrentTurn >= st.MaxTurns {
			st.Status = StatusMaxTurnsReached
			if err := l.store.Upsert(st); err != nil {
				return st, err
			}
			break
		}
		idx := st.StepIndex()
		if idx >= len(l.nodes) {
			st.Status = StatusCompleted
			st.ExitReason = "workflow_completed"
			if err := l.store.Upsert(st); err != nil {
				return st, err
			}
			break
		}

		node := l.nodes[idx]
		result, nodeErr := func() (res NodeResult, nodeErr error) {
			defer func() {
				if r := recover(); r != nil {
					nodeErr = fmt.Errorf("task: node panic: %v", r)
				}
			}()
			return node(st, st.Memory)
		}()
		st.CurrentTurn++

		if nodeErr != nil {
			st.Status = StatusFailed
			st.ExitReason = nodeErr.Error()
			if err := l.store.Upsert(st); err != nil {
				return st, err
			}
			break
		}

		for k, v := range result.MemoryPatch {
			if st.Memory == nil {
				st.Memory = make(map[string]any)
			}
			st.Memory[k] = v
		}
		if result.CurrentStep != "" {
			st.CurrentStep = result.CurrentStep
		}
		if result.ExitReason != "" {
			st.ExitReason = result.ExitReason
		}

		if result.Status == StatusWaitingApproval {
			st.Status = StatusWaitingApproval
			if err := l.store.Upsert(st); err != nil {
				return st, err
			}
			break
		}
		if result.Status != "" && result.Status != StatusRunning {
			st.Status = result.Status
			if err := l.store.Upsert(st); err != nil {
				return st, err
			}
			break
		}

		if result.NextStepIndex != nil {
			st.setStepIndex(*result.NextStepIndex)
		} else {
			st.setStepIndex(idx + 1)
		}

		if err := l.store.Upsert(st); err != nil {
			return st, err
		}
	}

	return st, nil
}

// Resume is an alias for Run: a task suspended on waiting_approval
// continues from its persisted __step_index.
func (l *Loop) Resume(taskID string) (State, error) {
	return l.Run(taskID)
}
