package channel

import (
	"context"
	"errors"

	"github.com/kclink/kclink-go/pkg/cert"
	"github.com/kclink/kclink-go/pkg/packet"
)

// Channel errors.
var (
	ErrNotConnected     = errors.New("channel: not connected")
	ErrClosed           = errors.New("channel: closed")
	ErrAlreadyOpen      = errors.New("channel: already open")
	ErrIdentityExchange = errors.New("channel: identity exchange failed")
)

// EventKind identifies a channel event.
type EventKind int

const (
	// EventConnected is emitted once the channel is open and the peer's
	// identity and certificate are known.
	EventConnected EventKind = iota

	// EventDisconnected is emitted once when the channel closes for any reason.
	EventDisconnected

	// EventReceived carries a packet from the peer.
	EventReceived
)

// String returns the event kind name.
func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventReceived:
		return "received"
	default:
		return "unknown"
	}
}

// Event is a channel lifecycle notification.
type Event struct {
	Kind   EventKind
	Packet *packet.Packet // EventReceived only
	Err    error          // EventDisconnected: cause, nil on local close
}

// Handler receives channel events.
type Handler func(Event)

// Subscription is a registered Handler.
type Subscription interface {
	// Cancel stops delivery. It is idempotent, and after it returns the
	// handler will not be called again.
	Cancel()
}

// Channel is a packet pipe to a single peer.
type Channel interface {
	// Open connects to the peer at address. Channels produced by a listener
	// are already open.
	Open(ctx context.Context, address string) error

	// Send writes a packet to the peer.
	Send(p *packet.Packet) error

	// Close closes the channel. It is idempotent.
	Close() error

	// Certificate returns the certificate the peer presented, or nil before
	// the handshake.
	Certificate() *cert.Certificate

	// Identity returns the identity the peer announced during the
	// handshake, or nil.
	Identity() *packet.IdentityBody

	// Subscribe registers h for this channel's events.
	Subscribe(h Handler) Subscription
}
