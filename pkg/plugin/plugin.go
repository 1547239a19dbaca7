package plugin

import (
	"context"
	"log/slog"

	"github.com/kclink/kclink-go/pkg/packet"
)

// Plugin is a loaded feature handler for one peer.
type Plugin interface {
	// HandlePacket processes a packet routed to this plugin. It runs on the
	// session loop and must not call back into the session's public API.
	HandlePacket(ctx context.Context, p *packet.Packet) error

	// Destroy releases the plugin's resources.
	Destroy(ctx context.Context) error
}

// Host is what a plugin sees of its session.
type Host interface {
	// DeviceID returns the peer's device ID.
	DeviceID() string

	// DeviceName returns the peer's display name.
	DeviceName() string

	// SendPacket sends p to the peer if the session is connected and
	// trusted. It reports whether the packet was sent.
	SendPacket(p *packet.Packet) (bool, error)

	// Logger returns a logger scoped to the session.
	Logger() *slog.Logger
}

// Factory creates a plugin instance for a session.
type Factory func(host Host) (Plugin, error)

// Descriptor describes a plugin.
type Descriptor struct {
	// Name uniquely identifies the plugin.
	Name string

	// IncomingCapabilities are the packet types the plugin consumes. These
	// are the types it claims in the routing table.
	IncomingCapabilities []string

	// OutgoingCapabilities are the packet types the plugin produces.
	OutgoingCapabilities []string

	// Factory creates instances.
	Factory Factory
}
