package channels

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/time/rate"

	"github.com/nanobot-ai/nanobot/internal/bus"
)

// Per-conversation delivery pacing. Platforms throttle bots that burst;
// one message a second with a small burst stays comfortably under every
// platform's limit.
const (
	sendRate  = rate.Limit(1)
	sendBurst = 5
)

// Manager owns the channel adapters and the outbound dispatch loop.
type Manager struct {
	msgBus *bus.MessageBus

	mu       sync.RWMutex
	channels map[string]Channel
	limiters map[string]*rate.Limiter // "<channel>:<chatId>" → limiter
}

func NewManager(msgBus *bus.MessageBus) *Manager {
	return &Manager{
		msgBus:   msgBus,
		channels: make(map[string]Channel),
		limiters: make(map[string]*rate.Limiter),
	}
}

// Register adds an adapter. Call before StartAll.
func (m *Manager) Register(ch Channel) {
	m.mu.Lock()
	m.channels[ch.Name()] = ch
	m.mu.Unlock()
}

// Get returns a registered adapter by name.
func (m *Manager) Get(name string) (Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.channels[name]
	return ch, ok
}

// Names returns the registered channel names.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.channels))
	for name := range m.channels {
		names = append(names, name)
	}
	return names
}

// StartAll starts every adapter. A failing adapter is logged and skipped;
// the rest keep running.
func (m *Manager) StartAll(ctx context.Context) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for name, ch := range m.channels {
		if err := ch.Start(ctx); err != nil {
			slog.Error("channel.start_failed", "channel", name, "error", err)
			continue
		}
		slog.Info("channel.started", "channel", name)
	}
}

// StopAll stops every adapter.
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for name, ch := range m.channels {
		if err := ch.Stop(ctx); err != nil {
			slog.Warn("channel.stop_failed", "channel", name, "error", err)
		}
	}
}

// Dispatch consumes outbound messages and routes each to its adapter,
// paced per conversation. Messages for internal or unknown channels are
// dropped with a log line.
func (m *Manager) Dispatch(ctx context.Context) error {
	for {
		msg, ok := m.msgBus.ConsumeOutbound(ctx)
		if !ok {
			return nil
		}
		if msg.Content == "" || IsInternal(msg.Channel) {
			continue
		}
		ch, ok := m.Get(msg.Channel)
		if !ok {
			slog.Debug("channel.outbound.dropped", "channel", msg.Channel)
			continue
		}
		if err := m.limiter(msg.Channel + ":" + msg.ChatID).Wait(ctx); err != nil {
			return nil
		}
		if err := ch.Send(ctx, msg); err != nil {
			slog.Warn("channel.send_failed", "channel", msg.Channel, "chat", msg.ChatID, "error", err)
		}
	}
}

func (m *Manager) limiter(key string) *rate.Limiter {
	m.mu.Lock()
	defer m.mu.Unlock()
	lim, ok := m.limiters[key]
	if !ok {
		lim = rate.NewLimiter(sendRate, sendBurst)
		m.limiters[key] = lim
	}
	return lim
}
