package dispatch

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/nextlevelbuilder/convoy/internal/bus"
)

type fakeSender struct {
	sendCount atomic.Int32
	err       error
}

func (f *fakeSender) Send(ctx context.Context, msg bus.OutboundMessage) (string, error) {
	f.sendCount.Add(1)
	if f.err != nil {
		return "", f.err
	}
	return "sent-1", nil
}

type fakeDLQ struct {
	records []DLQRecord
}

func (f *fakeDLQ) Append(rec DLQRecord) error {
	f.records = append(f.records, rec)
	return nil
}

func TestDedupeSecondPublishWithinWindowDoesNotResend(t *testing.T) {
	b := bus.New()
	sender := &fakeSender{}
	dlq := &fakeDLQ{}
	cfg := DefaultConfig()
	d := New(b, func(bus.Provider) (Sender, bool) { return sender, true }, dlq, cfg)

	msg := bus.OutboundMessage{
		Provider: bus.ProviderSlack, ChatID: "c1", SenderID: "u1", Content: "hi",
		Metadata: bus.OutboundMetadata{Kind: bus.KindAgentReply, TriggerMessageID: "m1"},
	}
	d.handle(context.Background(), msg, 0)
	d.handle(context.Background(), msg, 0)

	if sender.sendCount.Load() != 1 {
		t.Fatalf("send count = %d, want 1", sender.sendCount.Load())
	}
}

func TestUnregisteredProviderGoesToDLQ(t *testing.T) {
	b := bus.New()
	dlq := &fakeDLQ{}
	cfg := DefaultConfig()
	d := New(b, func(bus.Provider) (Sender, bool) { return nil, false }, dlq, cfg)

	msg := bus.OutboundMessage{Provider: "mystery", ChatID: "c1", Content: "hi",
		Metadata: bus.OutboundMetadata{Kind: bus.KindAgentReply}}
	d.handle(context.Background(), msg, 0)

	if len(dlq.records) != 1 {
		t.Fatalf("expected 1 DLQ record, got %d", len(dlq.records))
	}
}

func TestNonRetryableErrorSkipsRetryAndGoesToDLQ(t *testing.T) {
	b := bus.New()
	sender := &fakeSender{err: &TransportError{Reason: "invalid_auth"}}
	dlq := &fakeDLQ{}
	cfg := DefaultConfig()
	cfg.InlineMax = 3
	cfg.AllowRequeue = false
	d := New(b, func(bus.Provider) (Sender, bool) { return sender, true }, dlq, cfg)

	msg := bus.OutboundMessage{Provider: bus.ProviderSlack, ChatID: "c1", Content: "hi",
		Metadata: bus.OutboundMetadata{Kind: bus.KindAgentReply, TriggerMessageID: "m2"}}
	d.handle(context.Background(), msg, 0)

	if sender.sendCount.Load() != 1 {
		t.Fatalf("send count = %d, want 1 (no inline retry for non-retryable error)", sender.sendCount.Load())
	}
	if len(dlq.records) != 1 {
		t.Fatalf("expected 1 DLQ record, got %d", len(dlq.records))
	}
}

func TestFingerprintUsesTriggerMessageIDWhenPresent(t *testing.T) {
	a := bus.OutboundMessage{Provider: bus.ProviderSlack, ChatID: "c1",
		Metadata: bus.OutboundMetadata{Kind: bus.KindAgentReply, TriggerMessageID: "t1"}}
	bb := a
	bb.Content = "different content"
	if fingerprint(a) != fingerprint(bb) {
		t.Fatal("fingerprint should depend only on trigger_message_id when present")
	}
}
