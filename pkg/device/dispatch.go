package device

import (
	"context"
	"errors"
	"fmt"

	"github.com/kclink/kclink-go/pkg/identity"
	"github.com/kclink/kclink-go/pkg/log"
	"github.com/kclink/kclink-go/pkg/packet"
)

// HandlePacket processes a packet that arrived outside the bound channel,
// such as an identity broadcast, exactly as if it had been received on it.
func (d *Device) HandlePacket(ctx context.Context, p *packet.Packet) error {
	if err := p.Validate(); err != nil {
		return err
	}
	return d.do(ctx, func() error {
		d.dispatch(p)
		return nil
	})
}

// dispatch routes a received packet. Failures are logged and never
// returned: one bad packet must not stop the session.
func (d *Device) dispatch(p *packet.Packet) {
	switch p.Type {
	case packet.TypeIdentity:
		body, err := identity.FromPacket(p)
		if err != nil {
			d.logger.Warn("ignoring malformed identity", "error", err)
			d.rec.Error(log.LayerDevice, err, "identity")
			return
		}
		if !d.updateIdentity(body) {
			return
		}
		if d.Connected() && d.machine.Paired() {
			// Capabilities may have changed; LoadAll drops plugins the
			// peer no longer supports and adds newly supported ones.
			d.loadPlugins()
			return
		}
		d.activateAsync()

	case packet.TypePair:
		if !d.Connected() {
			// Pairing needs the peer certificate of a live channel.
			d.logger.Debug("ignoring pair packet without a connected channel")
			return
		}
		pair, err := packet.DecodePair(p)
		if err != nil {
			d.logger.Warn("ignoring malformed pair packet", "error", err)
			d.rec.Error(log.LayerDevice, err, "pair")
			return
		}
		if err := d.machine.Receive(pair); err != nil {
			d.logger.Warn("pair packet handling failed", "pair", pair, "error", err)
			d.rec.Error(log.LayerDevice, err, "pair")
		}

	default:
		handled, err := d.plugins.Dispatch(d.ctx, p)
		if !handled {
			d.logger.Debug("dropping packet", "error", fmt.Errorf("%w: %s", ErrUnsupportedPacketType, p.Type))
			return
		}
		if err != nil {
			d.logger.Warn("plugin failed to handle packet", "type", p.Type, "error", err)
			d.rec.Error(log.LayerPlugin, err, p.Type)
		}
	}
}

// updateIdentity stores body and reports whether it was accepted. A
// persistence failure still updates the cached identity.
func (d *Device) updateIdentity(body packet.IdentityBody) bool {
	next, err := d.identity.Update(body)
	if err != nil && !errors.Is(err, identity.ErrPersist) {
		d.logger.Warn("identity rejected", "error", err)
		d.rec.Error(log.LayerDevice, err, "identity")
		return false
	}
	if err != nil {
		d.logger.Warn("identity not persisted", "error", err)
	}
	d.notify(PropertyIdentity, next)
	return true
}
