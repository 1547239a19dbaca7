// Package ping implements the kdeconnect.ping plugin: a peer can ping this
// host, optionally with a message, and this host can ping the peer.
package ping

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/kclink/kclink-go/pkg/packet"
	"github.com/kclink/kclink-go/pkg/plugin"
)

// PacketType is the ping packet type.
const PacketType = "kdeconnect.ping"

// Name is the plugin name.
const Name = "ping"

// Body is the ping packet body.
type Body struct {
	Message string `json:"message,omitempty"`
}

// Received is called for every ping from the peer.
type Received func(deviceID string, message string)

// Descriptor returns the plugin descriptor. onPing may be nil.
func Descriptor(onPing Received) plugin.Descriptor {
	return plugin.Descriptor{
		Name:                 Name,
		IncomingCapabilities: []string{PacketType},
		OutgoingCapabilities: []string{PacketType},
		Factory: func(host plugin.Host) (plugin.Plugin, error) {
			return &Plugin{host: host, onPing: onPing, logger: host.Logger().With("plugin", Name)}, nil
		},
	}
}

// Plugin is a loaded ping plugin.
type Plugin struct {
	host   plugin.Host
	onPing Received
	logger *slog.Logger

	mu        sync.Mutex
	received  int
	destroyed bool
}

// HandlePacket implements plugin.Plugin.
func (p *Plugin) HandlePacket(ctx context.Context, pkt *packet.Packet) error {
	var body Body
	if err := pkt.DecodeBody(&body); err != nil {
		return err
	}

	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return fmt.Errorf("ping: plugin destroyed")
	}
	p.received++
	p.mu.Unlock()

	p.logger.Info("ping received", "device", p.host.DeviceName(), "message", body.Message)
	if p.onPing != nil {
		p.onPing(p.host.DeviceID(), body.Message)
	}
	return nil
}

// Send pings the peer.
func (p *Plugin) Send(message string) (bool, error) {
	pkt, err := packet.New(PacketType, Body{Message: message})
	if err != nil {
		return false, err
	}
	return p.host.SendPacket(pkt)
}

// Received returns how many pings were handled.
func (p *Plugin) Received() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.received
}

// Destroy implements plugin.Plugin.
func (p *Plugin) Destroy(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.destroyed = true
	return nil
}
