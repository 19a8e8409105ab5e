package cron

import (
	"context"
	"testing"
	"time"

	"github.com/nextlevelbuilder/convoy/internal/bus"
)

func TestAtJobRemovedAfterDeleteAfterRun(t *testing.T) {
	store := NewMemStore()
	b := bus.New()
	job := Job{
		ID: "j1", Name: "once", Enabled: true,
		Schedule:       Schedule{Kind: KindAt, AtMs: time.Now().Add(-time.Hour).UnixMilli()},
		Payload:        Payload{Kind: PayloadSystemEvent, Message: "hi", Deliver: true, Channel: bus.ProviderSlack, To: "c1"},
		DeleteAfterRun: true,
	}
	store.Upsert(job)

	sched := New(store, b, nil, time.Millisecond)
	sched.tick(context.Background())

	jobs, _ := store.List()
	if len(jobs) != 0 {
		t.Fatalf("expected job removed after one-shot fire, got %d", len(jobs))
	}
}

func TestSystemEventPublishesOutbound(t *testing.T) {
	store := NewMemStore()
	b := bus.New()
	job := Job{
		ID: "j2", Name: "reminder", Enabled: true,
		Schedule: Schedule{Kind: KindAt, AtMs: time.Now().Add(-time.Second).UnixMilli()},
		Payload:  Payload{Kind: PayloadSystemEvent, Message: "drink water", Deliver: true, Channel: bus.ProviderSlack, To: "c1"},
	}
	store.Upsert(job)

	sched := New(store, b, nil, time.Millisecond)
	sched.tick(context.Background())

	if b.Size(bus.Outbound) != 1 {
		t.Fatalf("expected 1 outbound message, got %d", b.Size(bus.Outbound))
	}
}

func TestAgentTurnEmptyResultPublishesFallback(t *testing.T) {
	store := NewMemStore()
	b := bus.New()
	job := Job{
		ID: "j3", Name: "check-in", Enabled: true,
		Schedule: Schedule{Kind: KindAt, AtMs: time.Now().Add(-time.Second).UnixMilli()},
		Payload:  Payload{Kind: PayloadAgentTurn, Message: "status?", Deliver: false, Channel: bus.ProviderSlack, To: "c1"},
	}
	store.Upsert(job)

	runner := func(ctx context.Context, j Job) (AgentTurnResult, error) {
		return AgentTurnResult{Empty: true}, nil
	}
	sched := New(store, b, runner, time.Millisecond)
	sched.tick(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, ok := b.ConsumeOutbound(ctx, 0)
	if !ok {
		t.Fatal("expected fallback outbound")
	}
	if msg.Metadata.Empty != true {
		t.Fatal("expected metadata.empty=true")
	}
}

func TestRunningJobNotReenteredWhileRunning(t *testing.T) {
	store := NewMemStore()
	b := bus.New()
	job := Job{
		ID: "j4", Name: "slow", Enabled: true,
		Schedule: Schedule{Kind: KindEvery, EveryMs: 1},
		Payload:  Payload{Kind: PayloadSystemEvent},
		State:    JobState{Running: true, NextRunAtMs: time.Now().Add(-time.Hour).UnixMilli()},
	}
	store.Upsert(job)

	sched := New(store, b, nil, time.Millisecond)
	sched.tick(context.Background())

	if b.Size(bus.Outbound) != 0 {
		t.Fatal("expected no fire while job.State.Running is true")
	}
}
