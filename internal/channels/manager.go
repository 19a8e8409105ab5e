package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nextlevelbuilder/convoy/internal/bus"
)

// Manager is the Channel Registry (C3): provider → transport lookup with
// start/stop lifecycle and thin forwards.
type Manager struct {
	mu       sync.RWMutex
	channels map[bus.Provider]Channel
}

// NewManager constructs an empty registry.
func NewManager() *Manager {
	return &Manager{channels: make(map[bus.Provider]Channel)}
}

// Register adds a channel to the registry, keyed by its provider.
func (m *Manager) Register(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[ch.Provider()] = ch
}

// Unregister removes a channel from the registry.
func (m *Manager) Unregister(provider bus.Provider) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.channels, provider)
}

// Get returns the channel registered for provider.
func (m *Manager) Get(provider bus.Provider) (Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.channels[provider]
	return ch, ok
}

// Providers lists all registered providers.
func (m *Manager) Providers() []bus.Provider {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]bus.Provider, 0, len(m.channels))
	for p := range m.channels {
		out = append(out, p)
	}
	return out
}

// notRegisteredError formats the unknown-provider error per spec.md §4.2.
func notRegisteredError(p bus.Provider) error {
	return fmt.Errorf("channel_not_registered:%s", p)
}

// StartAll starts every registered channel sequentially. A failed start
// propagates: StartAll stops and returns the first error.
//
// This departs from the teacher's log-and-continue StartAll on purpose —
// spec.md §4.2 states a failed start propagates.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.RLock()
	snapshot := make([]Channel, 0, len(m.channels))
	for _, ch := range m.channels {
		snapshot = append(snapshot, ch)
	}
	m.mu.RUnlock()

	for _, ch := range snapshot {
		if err := ch.Start(ctx); err != nil {
			return fmt.Errorf("channel %s: start: %w", ch.Provider(), err)
		}
		if bc, ok := ch.(interface{ SetRunning(bool) }); ok {
			bc.SetRunning(true)
		}
		slog.Info("channels.started", "provider", ch.Provider())
	}
	return nil
}

// StopAll stops every registered channel sequentially, collecting (but not
// aborting on) individual stop errors — shutdown must make a best effort
// across all channels.
func (m *Manager) StopAll(ctx context.Context) []error {
	m.mu.RLock()
	snapshot := make([]Channel, 0, len(m.channels))
	for _, ch := range m.channels {
		snapshot = append(snapshot, ch)
	}
	m.mu.RUnlock()

	var errs []error
	for _, ch := range snapshot {
		if err := ch.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("channel %s: stop: %w", ch.Provider(), err))
			continue
		}
		if bc, ok := ch.(interface{ SetRunning(bool) }); ok {
			bc.SetRunning(false)
		}
		slog.Info("channels.stopped", "provider", ch.Provider())
	}
	return errs
}

// SendResult is the thin forward's return shape.
type SendResult struct {
	OK        bool
	MessageID string
	Error     string
}

func (m *Manager) Send(ctx context.Context, msg bus.OutboundMessage) SendResult {
	ch, ok := m.Get(msg.Provider)
	if !ok {
		return SendResult{OK: false, Error: notRegisteredError(msg.Provider).Error()}
	}
	id, err := ch.Send(ctx, msg)
	if err != nil {
		return SendResult{OK: false, Error: err.Error()}
	}
	return SendResult{OK: true, MessageID: id}
}

func (m *Manager) Read(ctx context.Context, provider bus.Provider, chatID string, limit int) ([]bus.InboundMessage, error) {
	ch, ok := m.Get(provider)
	if !ok {
		return nil, notRegisteredError(provider)
	}
	return ch.Read(ctx, chatID, limit)
}

func (m *Manager) Edit(ctx context.Context, provider bus.Provider, chatID, messageID, content string) SendResult {
	ch, ok := m.Get(provider)
	if !ok {
		return SendResult{OK: false, Error: notRegisteredError(provider).Error()}
	}
	if err := ch.EditMessage(ctx, chatID, messageID, content); err != nil {
		return SendResult{OK: false, Error: err.Error()}
	}
	return SendResult{OK: true}
}

func (m *Manager) AddReaction(ctx context.Context, provider bus.Provider, chatID, messageID, reaction string) SendResult {
	ch, ok := m.Get(provider)
	if !ok {
		return SendResult{OK: false, Error: notRegisteredError(provider).Error()}
	}
	if err := ch.AddReaction(ctx, chatID, messageID, reaction); err != nil {
		return SendResult{OK: false, Error: err.Error()}
	}
	return SendResult{OK: true}
}

func (m *Manager) RemoveReaction(ctx context.Context, provider bus.Provider, chatID, messageID, reaction string) SendResult {
	ch, ok := m.Get(provider)
	if !ok {
		return SendResult{OK: false, Error: notRegisteredError(provider).Error()}
	}
	if err := ch.RemoveReaction(ctx, chatID, messageID, reaction); err != nil {
		return SendResult{OK: false, Error: err.Error()}
	}
	return SendResult{OK: true}
}

func (m *Manager) SetTyping(ctx context.Context, provider bus.Provider, chatID string, on bool, anchor string) SendResult {
	ch, ok := m.Get(provider)
	if !ok {
		return SendResult{OK: false, Error: notRegisteredError(provider).Error()}
	}
	if err := ch.SetTyping(ctx, chatID, on, anchor); err != nil {
		return SendResult{OK: false, Error: err.Error()}
	}
	return SendResult{OK: true}
}

// StreamChain serializes streaming updates for a single run so edits/sends
// never interleave (spec.md §5 "stream_state.chain"). One worker drains the
// queue; callers enqueue via Push.
type StreamChain struct {
	work chan func()
	once sync.Once
	done chan struct{}
}

// NewStreamChain starts the single drain worker.
func NewStreamChain() *StreamChain {
	c := &StreamChain{work: make(chan func(), 64), done: make(chan struct{})}
	go c.drain()
	return c
}

func (c *StreamChain) drain() {
	for fn := range c.work {
		fn()
	}
	close(c.done)
}

// Push enqueues an update; it is applied strictly after all previously
// pushed updates for this chain.
func (c *StreamChain) Push(fn func()) { c.work <- fn }

// Close stops accepting new updates and waits for the queue to drain.
func (c *StreamChain) Close() {
	c.once.Do(func() { close(c.work) })
	<-c.done
}
