package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Manager registers channels and fans their inbound streams into one
// queue for the gateway.
type Manager struct {
	logger *slog.Logger

	mu       sync.RWMutex
	channels map[string]Channel

	inbound chan *IncomingMessage
	wg      sync.WaitGroup
}

// NewManager creates a channel manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		logger:   logger.With("component", "channels"),
		channels: make(map[string]Channel),
		inbound:  make(chan *IncomingMessage, 64),
	}
}

// Register adds a channel. Names are unique.
func (m *Manager) Register(ch Channel) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	name := ch.Name()
	if _, exists := m.channels[name]; exists {
		return fmt.Errorf("channel %q already registered", name)
	}
	m.channels[name] = ch
	m.logger.Info("channel registered", "channel", name)
	return nil
}

// Get returns a channel by name.
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
	out := make([]string, 0, len(m.channels))
	for name := range m.channels {
		out = append(out, name)
	}
	return out
}

// ConnectAll connects every channel and starts pumping its inbound
// stream into Inbound().
func (m *Manager) ConnectAll(ctx context.Context) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for name, ch := range m.channels {
		if err := ch.Connect(ctx); err != nil {
			m.logger.Error("channel connect failed", "channel", name, "error", err)
			continue
		}
		m.wg.Add(1)
		go m.pump(ctx, ch)
	}
}

func (m *Manager) pump(ctx context.Context, ch Channel) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch.Receive():
			if !ok {
				return
			}
			if msg.Provider == "" {
				msg.Provider = ch.Name()
			}
			select {
			case m.inbound <- msg:
			case <-ctx.Done():
				return
			}
		}
	}
}

// Inbound is the fan-in stream of all channels.
func (m *Manager) Inbound() <-chan *IncomingMessage {
	return m.inbound
}

// Send delivers a message through the named channel.
func (m *Manager) Send(ctx context.Context, channel, to string, msg *OutgoingMessage) error {
	ch, ok := m.Get(channel)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownChannel, channel)
	}
	return ch.Send(ctx, to, msg)
}

// SendTyping shows a typing indicator when the channel supports it.
func (m *Manager) SendTyping(ctx context.Context, channel, to string) {
	ch, ok := m.Get(channel)
	if !ok {
		return
	}
	if pc, ok := ch.(PresenceChannel); ok {
		// Fire-and-forget: indicator failures never affect delivery.
		if err := pc.SendTyping(ctx, to); err != nil {
			m.logger.Debug("typing indicator failed", "channel", channel, "error", err)
		}
	}
}

// DisconnectAll closes every channel.
func (m *Manager) DisconnectAll() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for name, ch := range m.channels {
		if err := ch.Disconnect(); err != nil {
			m.logger.Warn("channel disconnect failed", "channel", name, "error", err)
		}
	}
}
