// Package cron implements the Cron Scheduler (C12): a persistent job
// store, a tick loop that re-enters the agent loop or publishes a direct
// system event, and the at/every/cron schedule-kind arithmetic.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/nextlevelbuilder/convoy/internal/bus"
)

// ScheduleKind is the closed set of schedule kinds.
type ScheduleKind string

const (
	KindAt    ScheduleKind = "at"
	KindEvery ScheduleKind = "every"
	KindCron  ScheduleKind = "cron"
)

// PayloadKind is the closed set of job payload kinds.
type PayloadKind string

const (
	PayloadSystemEvent PayloadKind = "system_event"
	PayloadAgentTurn   PayloadKind = "agent_turn"
)

// Schedule describes when a job fires.
type Schedule struct {
	Kind    ScheduleKind
	AtMs    int64  // KindAt / optional KindEvery start offset
	EveryMs int64  // KindEvery
	Expr    string // KindCron, 5-field expression
	TZ      string
}

// Payload describes what a job does when it fires.
type Payload struct {
	Kind    PayloadKind
	Message string
	Deliver bool
	Channel bus.Provider
	To      string
}

// JobState is the mutable run-state of a job, updated only by the
// scheduler tick.
type JobState struct {
	NextRunAtMs      int64
	LastRunAtMs      int64
	LastStatus       string
	LastError        string
	Running          bool
	RunningStartedAt int64
}

// Job is a persisted cron job.
type Job struct {
	ID             string
	Name           string
	Enabled        bool
	Schedule       Schedule
	Payload        Payload
	State          JobState
	CreatedAtMs    int64
	UpdatedAtMs    int64
	DeleteAfterRun bool
}

// Store persists cron jobs.
type Store interface {
	List() ([]Job, error)
	Upsert(Job) error
	Remove(id string) error
}

// AgentTurnResult is what an AgentRunner returns for a payload.kind=agent_turn job.
type AgentTurnResult struct {
	Content string
	Empty   bool
}

// AgentRunner constructs a fresh agent loop invocation targeting
// (provider, chatID) with the given message, used for PayloadAgentTurn.
type AgentRunner func(ctx context.Context, job Job) (AgentTurnResult, error)

// RetryConfig governs the backoff applied to a failing agent_turn job
// before it is given up on and reported via cron_failed. Distinct from
// (but stylistically consistent with) the Outbound Dispatcher's own
// backoff policy.
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultRetryConfig returns the scheduler's built-in retry defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxRetries: 3, BaseDelay: 2 * time.Second, MaxDelay: 30 * time.Second}
}

// Scheduler ticks the job store and fires due jobs.
type Scheduler struct {
	store     Store
	publisher bus.MessageRouter
	runAgent  AgentRunner
	tickEvery time.Duration
	retry     RetryConfig

	mu sync.Mutex
}

// New constructs a Scheduler. runAgent may be nil if no agent_turn jobs
// are expected.
func New(store Store, publisher bus.MessageRouter, runAgent AgentRunner, tickEvery time.Duration) *Scheduler {
	if tickEvery <= 0 {
		tickEvery = time.Second
	}
	return &Scheduler{store: store, publisher: publisher, runAgent: runAgent, tickEvery: tickEvery, retry: DefaultRetryConfig()}
}

// SetRetryConfig overrides the scheduler's agent_turn retry policy.
func (s *Scheduler) SetRetryConfig(rc RetryConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retry = rc
}

// Run ticks until ctx is cancelled. On startup, running=true flags left
// over from a previous process are cleared so a crashed-mid-run job is
// considered idle again.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.clearStaleRunningFlags(); err != nil {
		return err
	}
	ticker := time.NewTicker(s.tickEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) clearStaleRunningFlags() error {
	jobs, err := s.store.List()
	if err != nil {
		return err
	}
	for _, j := range jobs {
		if j.State.Running {
			j.State.Running = false
			if err := s.store.Upsert(j); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Scheduler) tick(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobs, err := s.store.List()
	if err != nil {
		slog.Error("cron.tick.list_failed", "error", err)
		return
	}

	now := time.Now().UnixMilli()
	for _, job := range jobs {
		if !job.Enabled || job.State.Running {
			continue
		}
		if now < job.State.NextRunAtMs {
			continue
		}
		s.fire(ctx, job, now)
	}
}

func (s *Scheduler) fire(ctx context.Context, job Job, now int64) {
	job.State.Running = true
	job.State.RunningStartedAt = now
	if err := s.store.Upsert(job); err != nil {
		slog.Error("cron.fire.mark_running_failed", "job", job.ID, "error", err)
		return
	}

	s.runJob(ctx, &job)

	job.State.Running = false
	job.State.LastRunAtMs = now
	next, remove := computeNext(job, now)
	job.State.NextRunAtMs = next
	job.UpdatedAtMs = now

	if remove {
		if job.DeleteAfterRun {
			if err := s.store.Remove(job.ID); err != nil {
				slog.Error("cron.fire.remove_failed", "job", job.ID, "error", err)
			}
			return
		}
		// No further occurrence: keep the record but stop it from firing again.
		job.Enabled = false
	}
	if err := s.store.Upsert(job); err != nil {
		slog.Error("cron.fire.upsert_failed", "job", job.ID, "error", err)
	}
}

func (s *Scheduler) runJob(ctx context.Context, job *Job) {
	switch job.Payload.Kind {
	case PayloadSystemEvent:
		job.State.LastStatus = "ok"
		job.State.LastError = ""
		if job.Payload.Deliver && s.publisher != nil {
			s.publisher.PublishOutbound(bus.OutboundMessage{
				Provider: job.Payload.Channel,
				ChatID:   job.Payload.To,
				Content:  fmt.Sprintf("⏰ %s\n%s", job.Name, job.Payload.Message),
				At:       time.Now(),
				Metadata: bus.OutboundMetadata{Kind: bus.OutboundKind("cron_result")},
			})
		}

	case PayloadAgentTurn:
		if s.runAgent == nil {
			job.State.LastStatus = "error"
			job.State.LastError = "no agent runner configured"
			return
		}

		retry := s.retry // s.mu is already held by tick

		var result AgentTurnResult
		var err error
		delay := retry.BaseDelay
		for attempt := 0; attempt <= retry.MaxRetries; attempt++ {
			result, err = s.runAgent(ctx, *job)
			if err == nil {
				break
			}
			if attempt == retry.MaxRetries {
				break
			}
			slog.Warn("cron.agent_turn_retry", "job", job.ID, "attempt", attempt+1, "error", err)
			select {
			case <-ctx.Done():
				err = ctx.Err()
			case <-time.After(delay):
			}
			if ctx.Err() != nil {
				break
			}
			delay *= 2
			if delay > retry.MaxDelay {
				delay = retry.MaxDelay
			}
		}
		if err != nil {
			job.State.LastStatus = "error"
			job.State.LastError = err.Error()
			if s.publisher != nil {
				s.publisher.PublishOutbound(bus.OutboundMessage{
					Provider: job.Payload.Channel,
					ChatID:   job.Payload.To,
					Content:  fmt.Sprintf("cron_failed: %s", err.Error()),
					At:       time.Now(),
					Metadata: bus.OutboundMetadata{Kind: bus.KindCronFailed},
				})
			}
			return
		}
		job.State.LastStatus = "ok"
		job.State.LastError = ""
		if result.Empty && s.publisher != nil {
			s.publisher.PublishOutbound(bus.OutboundMessage{
				Provider: job.Payload.Channel,
				ChatID:   job.Payload.To,
				Content:  "cron 작업 완료",
				At:       time.Now(),
				Metadata: bus.OutboundMetadata{Kind: bus.OutboundKind("cron_result"), Empty: true},
			})
		}
	}
}

// computeNext returns the next fire time (ms) and whether the job has no
// further occurrences (one-shot `at` jobs).
func computeNext(job Job, now int64) (next int64, noMore bool) {
	switch job.Schedule.Kind {
	case KindAt:
		return job.Schedule.AtMs, true

	case KindEvery:
		base := job.State.LastRunAtMs
		if base == 0 {
			base = job.Schedule.AtMs
		}
		if base == 0 {
			base = now
		}
		n := base + job.Schedule.EveryMs
		for n <= now {
			n += job.Schedule.EveryMs
		}
		return n, false

	case KindCron:
		loc := time.UTC
		if job.Schedule.TZ != "" {
			if l, err := time.LoadLocation(job.Schedule.TZ); err == nil {
				loc = l
			}
		}
		nowT := time.UnixMilli(now).In(loc)
		next, err := gronx.NextTickAfter(job.Schedule.Expr, nowT, false)
		if err != nil {
			// malformed expression: never fire again rather than busy-loop.
			return now + 24*time.Hour.Milliseconds(), true
		}
		return next.UnixMilli(), false
	}
	return now + 24*time.Hour.Milliseconds(), true
}
