package bus

import (
	"context"
	"testing"
	"time"
)

func TestPublishConsumeInbound(t *testing.T) {
	b := New()
	msg := InboundMessage{ID: "1", Provider: ProviderSlack, ChatID: "c1", Content: "hi"}
	b.PublishInbound(msg)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, ok := b.ConsumeInbound(ctx, 0)
	if !ok {
		t.Fatal("expected a message")
	}
	if got.ID != msg.ID {
		t.Fatalf("got id %q, want %q", got.ID, msg.ID)
	}
}

func TestConsumeTimeout(t *testing.T) {
	b := New()
	ctx := context.Background()
	_, ok := b.ConsumeInbound(ctx, 20*time.Millisecond)
	if ok {
		t.Fatal("expected timeout with no message")
	}
}

func TestCompetingConsumersEachGetOneItem(t *testing.T) {
	b := New()
	for i := 0; i < 10; i++ {
		b.PublishOutbound(OutboundMessage{ID: string(rune('a' + i))})
	}

	seen := make(chan string, 10)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for i := 0; i < 4; i++ {
		go func() {
			for {
				m, ok := b.ConsumeOutbound(ctx, 100*time.Millisecond)
				if !ok {
					return
				}
				seen <- m.ID
			}
		}()
	}

	got := make(map[string]bool)
	for len(got) < 10 {
		select {
		case id := <-seen:
			got[id] = true
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out, only got %d/10", len(got))
		}
	}
}

func TestDrainEmptiesQueue(t *testing.T) {
	b := New()
	b.PublishInbound(InboundMessage{ID: "x"})
	b.PublishInbound(InboundMessage{ID: "y"})
	if b.Size(Inbound) != 2 {
		t.Fatalf("size = %d, want 2", b.Size(Inbound))
	}
	drained := b.DrainInbound()
	if len(drained) != 2 {
		t.Fatalf("drained %d, want 2", len(drained))
	}
	if b.Size(Inbound) != 0 {
		t.Fatalf("size after drain = %d, want 0", b.Size(Inbound))
	}
}
