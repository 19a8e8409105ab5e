// Package dispatch implements the Outbound Dispatcher (C4): consume the
// outbound queue, resolve the provider's transport, send with retry,
// dedupe repeated sends, and write exhausted retries to a dead-letter
// queue.
package dispatch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/nextlevelbuilder/convoy/internal/bus"
)

// Sender is the thin per-provider send operation the Channel Registry (C3)
// exposes to the dispatcher.
type Sender interface {
	Send(ctx context.Context, msg bus.OutboundMessage) (messageID string, err error)
}

// nonRetryableReasons is the fixed set of error reasons that skip retry
// entirely and go straight to the DLQ, whether or not requeue is allowed.
var nonRetryableReasons = map[string]bool{
	"invalid_auth":       true,
	"not_authed":         true,
	"channel_not_found":  true,
	"chat_id_required":   true,
	"bot_token_missing":  true,
	"permission_denied":  true,
	"invalid_arguments":  true,
}

// TransportError carries a reason code used to decide retryability.
type TransportError struct {
	Reason string
	Err    error
}

func (e *TransportError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Reason, e.Err)
	}
	return e.Reason
}
func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) retryable() bool {
	return !nonRetryableReasons[e.Reason]
}

// Config holds the dispatcher's retry/dedupe policy.
type Config struct {
	InlineMax       int           // default 0
	BaseDelay       time.Duration // default e.g. 250ms
	MaxDelay        time.Duration
	JitterMax       time.Duration
	AllowRequeue    bool
	DispatchRetryMax int

	StreamDedupeWindow time.Duration // default ~5s
	ReplyDedupeWindow  time.Duration // default ~60s
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		InlineMax:          0,
		BaseDelay:          250 * time.Millisecond,
		MaxDelay:           10 * time.Second,
		JitterMax:          100 * time.Millisecond,
		AllowRequeue:       true,
		DispatchRetryMax:   5,
		StreamDedupeWindow: 5 * time.Second,
		ReplyDedupeWindow:  60 * time.Second,
	}
}

// DLQRecord is a single dead-letter entry.
type DLQRecord struct {
	At          time.Time
	Provider    bus.Provider
	ChatID      string
	MessageID   string
	SenderID    string
	ReplyTo     string
	ThreadID    string
	RetryCount  int
	Error       string
	Content     string
	Metadata    bus.OutboundMetadata
}

// DLQ persists exhausted-retry outbound messages. Writes are serialized per
// store, so implementations should guard their own state.
type DLQ interface {
	Append(rec DLQRecord) error
}

// Dispatcher is the C4 outbound dispatcher worker.
type Dispatcher struct {
	router   bus.MessageRouter
	resolve  func(bus.Provider) (Sender, bool)
	dlq      DLQ
	cfg      Config

	mu         sync.Mutex
	dedupeSeen map[string]time.Time

	now func() time.Time
}

// New constructs a Dispatcher. resolve maps a provider to its channel
// Sender (C3's registry lookup).
func New(router bus.MessageRouter, resolve func(bus.Provider) (Sender, bool), dlq DLQ, cfg Config) *Dispatcher {
	return &Dispatcher{
		router:     router,
		resolve:    resolve,
		dlq:        dlq,
		cfg:        cfg,
		dedupeSeen: make(map[string]time.Time),
		now:        time.Now,
	}
}

// fingerprint computes the outbound dedupe key per spec.md §6.
func fingerprint(msg bus.OutboundMessage) string {
	trigger := msg.Metadata.TriggerMessageID
	var key string
	if trigger != "" {
		key = trigger
	} else {
		h := sha256.Sum256([]byte(msg.SenderID + msg.Content))
		key = hex.EncodeToString(h[:])
	}
	return fmt.Sprintf("%s:%s:%s:%s", msg.Provider, msg.ChatID, msg.Metadata.Kind, key)
}

func (d *Dispatcher) dedupeWindow(msg bus.OutboundMessage) time.Duration {
	if msg.Metadata.Kind == bus.KindAgentStream {
		return d.cfg.StreamDedupeWindow
	}
	return d.cfg.ReplyDedupeWindow
}

// checkAndMarkDedupe returns true if msg was already seen within its
// dedupe window (and should be treated as already-sent).
func (d *Dispatcher) checkAndMarkDedupe(msg bus.OutboundMessage) bool {
	fp := fingerprint(msg)
	window := d.dedupeWindow(msg)
	now := d.now()

	d.mu.Lock()
	defer d.mu.Unlock()

	// opportunistically prune stale entries
	for k, t := range d.dedupeSeen {
		if now.Sub(t) > window {
			delete(d.dedupeSeen, k)
		}
	}

	if last, ok := d.dedupeSeen[fp]; ok && now.Sub(last) <= window {
		return true
	}
	d.dedupeSeen[fp] = now
	return false
}

// backoffDelay returns base*2^(n-1) capped at max, using an exponential
// backoff policy for the doubling+cap (RandomizationFactor disabled so the
// curve is deterministic), plus the spec's own additive uniform jitter in
// [0, jitterMax].
func backoffDelay(base, max, jitterMax time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = base
	eb.MaxInterval = max
	eb.Multiplier = 2
	eb.RandomizationFactor = 0
	eb.MaxElapsedTime = 0

	var d time.Duration
	for i := 0; i < attempt; i++ {
		next, ok := eb.NextBackOff()
		if !ok {
			d = max
			break
		}
		d = next
	}
	if jitterMax > 0 {
		d += time.Duration(rand.Int63n(int64(jitterMax) + 1))
	}
	return d
}

// Run consumes the outbound queue until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		msg, ok := d.router.ConsumeOutbound(ctx, 0)
		if !ok {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		d.handle(ctx, msg, 0)
	}
}

// handle sends msg, retrying inline up to cfg.InlineMax times, then either
// requeuing (incrementing Metadata.DispatchRetry) or writing to DLQ.
func (d *Dispatcher) handle(ctx context.Context, msg bus.OutboundMessage, requeueCount int) {
	if d.checkAndMarkDedupe(msg) {
		return
	}

	sender, ok := d.resolve(msg.Provider)
	if !ok {
		d.writeDLQ(msg, requeueCount, fmt.Sprintf("channel_not_registered:%s", msg.Provider))
		return
	}

	var lastErr error
	for attempt := 0; attempt <= d.cfg.InlineMax; attempt++ {
		if attempt > 0 {
			time.Sleep(backoffDelay(d.cfg.BaseDelay, d.cfg.MaxDelay, d.cfg.JitterMax, attempt))
		}
		_, err := sender.Send(ctx, msg)
		if err == nil {
			return
		}
		lastErr = err

		var terr *TransportError
		if errors.As(err, &terr) && !terr.retryable() {
			break
		}
	}

	var terr *TransportError
	retryable := errors.As(lastErr, &terr) && terr.retryable()
	if !retryable && !errors.As(lastErr, &terr) {
		// unknown error shape: treat as retryable per the fixed
		// non-retryable reason list (only named reasons are excluded).
		retryable = true
	}

	if retryable && d.cfg.AllowRequeue && requeueCount < d.cfg.DispatchRetryMax {
		clone := msg.Clone()
		clone.Metadata.DispatchRetry = requeueCount + 1
		delay := backoffDelay(d.cfg.BaseDelay, d.cfg.MaxDelay, d.cfg.JitterMax, requeueCount+1)
		go func() {
			select {
			case <-time.After(delay):
				d.handle(ctx, clone, requeueCount+1)
			case <-ctx.Done():
			}
		}()
		return
	}

	errMsg := "unknown error"
	if lastErr != nil {
		errMsg = lastErr.Error()
	}
	d.writeDLQ(msg, requeueCount, errMsg)
}

func (d *Dispatcher) writeDLQ(msg bus.OutboundMessage, retryCount int, errMsg string) {
	if d.dlq == nil {
		return
	}
	content := msg.Content
	if len(content) > 4000 {
		content = content[:4000]
	}
	rec := DLQRecord{
		At:         d.now(),
		Provider:   msg.Provider,
		ChatID:     msg.ChatID,
		MessageID:  msg.Metadata.MessageID,
		SenderID:   msg.SenderID,
		ReplyTo:    msg.ReplyTo,
		ThreadID:   msg.ThreadID,
		RetryCount: retryCount,
		Error:      errMsg,
		Content:    content,
		Metadata:   msg.Metadata,
	}
	if err := d.dlq.Append(rec); err != nil {
		// DLQ append failure is logged but never propagated to callers.
		slog.Error("dispatch.dlq.append_failed", "error", err, "provider", msg.Provider, "chat_id", msg.ChatID)
	}
}
