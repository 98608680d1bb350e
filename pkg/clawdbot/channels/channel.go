// Package channels defines the provider-neutral surface between the
// gateway core and chat providers. Provider adapters (WhatsApp, Telegram,
// Discord, ...) live outside this module; they implement Channel and
// register with the Manager.
package channels

import (
	"context"
	"fmt"
	"time"
)

// Channel is the interface every chat surface implements.
type Channel interface {
	// Name returns the provider identifier (e.g. "whatsapp").
	Name() string

	// Connect establishes the connection to the platform.
	Connect(ctx context.Context) error

	// Disconnect gracefully closes the connection.
	Disconnect() error

	// Send delivers an outbound message to the given recipient.
	Send(ctx context.Context, to string, msg *OutgoingMessage) error

	// Receive returns the stream of inbound messages.
	Receive() <-chan *IncomingMessage

	// IsConnected reports connection health.
	IsConnected() bool
}

// PresenceChannel extends Channel with typing indicators.
type PresenceChannel interface {
	Channel

	// SendTyping shows a "typing..." indicator to the recipient.
	SendTyping(ctx context.Context, to string) error
}

// IncomingMessage is one message received from a provider.
type IncomingMessage struct {
	// ID is the provider-assigned message id ("" when the provider has
	// none; such messages bypass dedup).
	ID string

	// Provider is the source channel name.
	Provider string

	// From is the originating peer (sender JID, phone, user id).
	From string

	// FromName is the sender display name, when known.
	FromName string

	// ChatID is the group or DM identifier.
	ChatID string

	// IsGroup marks group-chat messages.
	IsGroup bool

	// Text is the message text (possibly a transcription for voice).
	Text string

	// MediaPath is a local path to downloaded media, when present.
	MediaPath string

	// Timestamp is the provider's send time.
	Timestamp time.Time
}

// OutgoingMessage is one message to deliver through a provider.
type OutgoingMessage struct {
	Text     string
	MediaURL string
	ReplyTo  string
	Metadata map[string]any
}

// Errors shared by channel implementations.
var (
	ErrChannelDisconnected = fmt.Errorf("channel is not connected")
	ErrUnknownChannel      = fmt.Errorf("unknown channel")
)
