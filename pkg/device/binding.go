package device

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/kclink/kclink-go/pkg/cert"
	"github.com/kclink/kclink-go/pkg/channel"
	"github.com/kclink/kclink-go/pkg/log"
)

// binding is one attachment of a channel. Events carry the binding they
// were subscribed through so events of a replaced channel can be dropped.
type binding struct {
	ch       channel.Channel
	sub      channel.Subscription
	verified bool
}

// Attach binds an already open channel, typically one accepted by a
// listener, replacing any bound channel, and verifies it. A certificate
// mismatch closes ch and is returned.
func (d *Device) Attach(ctx context.Context, ch channel.Channel) error {
	if ch == nil {
		return errors.New("device: nil channel")
	}
	return d.do(ctx, func() error {
		return d.verify(d.bind(ch))
	})
}

// Activate opens a channel to the peer's last known address unless one is
// already bound. It returns once the channel is open and verified.
func (d *Device) Activate(ctx context.Context) error {
	var (
		b    *binding
		addr string
	)
	err := d.do(ctx, func() error {
		var err error
		b, addr, err = d.prepareActivate()
		return err
	})
	if err != nil || b == nil {
		return err
	}
	return d.open(ctx, b, addr)
}

// activateAsync is Activate started from the loop.
func (d *Device) activateAsync() {
	b, addr, err := d.prepareActivate()
	if err != nil {
		d.logger.Debug("not activating", "error", err)
		return
	}
	if b == nil {
		return
	}
	go func() {
		if err := d.open(d.ctx, b, addr); err != nil {
			d.logger.Info("activation failed", "address", addr, "error", err)
		}
	}()
}

// prepareActivate creates and binds a channel. It returns a nil binding
// when a channel is already bound.
func (d *Device) prepareActivate() (*binding, string, error) {
	if d.bound != nil {
		d.logger.Debug("already active")
		return nil, "", nil
	}
	if d.config.NewChannel == nil {
		return nil, "", ErrNoChannelFactory
	}

	peer := d.identity.Get()
	if peer.Host == "" {
		return nil, "", ErrNoAddress
	}
	port := peer.Port
	if port <= 0 {
		port = channel.DefaultPort
	}

	ch, err := d.config.NewChannel(peer)
	if err != nil {
		return nil, "", fmt.Errorf("device: create channel: %w", err)
	}
	return d.bind(ch), net.JoinHostPort(peer.Host, strconv.Itoa(port)), nil
}

// open runs outside the loop: dialing may take a while.
func (d *Device) open(ctx context.Context, b *binding, addr string) error {
	if err := b.ch.Open(ctx, addr); err != nil {
		d.post(func() {
			d.rec.Error(log.LayerDevice, err, "activate")
			if d.bound == b {
				d.unbind(b)
			}
		})
		return fmt.Errorf("device: open %s: %w", addr, err)
	}

	return d.do(ctx, func() error {
		if d.bound != b {
			return ErrNotBound
		}
		if b.verified {
			return nil
		}
		return d.verify(b)
	})
}

// bind makes ch the bound channel. A previously bound channel is
// unsubscribed and, unless it is ch itself, closed.
func (d *Device) bind(ch channel.Channel) *binding {
	if old := d.bound; old != nil {
		old.sub.Cancel()
		if old.ch != ch {
			old.ch.Close()
		}
		d.bound = nil
	}

	b := &binding{ch: ch}
	d.bound = b
	if c, ok := ch.(interface{ ConnID() string }); ok {
		d.rec = d.rec.WithConnection(c.ConnID(), "")
	}
	b.sub = ch.Subscribe(func(ev channel.Event) {
		d.post(func() { d.onChannelEvent(b, ev) })
	})
	return b
}

// unbind cancels b's subscription and closes its channel.
func (d *Device) unbind(b *binding) {
	b.sub.Cancel()
	b.ch.Close()
	if d.bound == b {
		d.bound = nil
	}
}

func (d *Device) onChannelEvent(b *binding, ev channel.Event) {
	if d.bound != b {
		d.logger.Debug("dropping event from unbound channel", "event", ev.Kind.String())
		return
	}

	switch ev.Kind {
	case channel.EventConnected:
		if !b.verified {
			if err := d.verify(b); err != nil {
				d.logger.Debug("connected channel rejected", "error", err)
			}
		}

	case channel.EventDisconnected:
		d.disconnect(b, ev.Err)

	case channel.EventReceived:
		if !b.verified {
			d.logger.Debug("dropping packet from unverified channel", "type", ev.Packet.Type)
			return
		}
		d.dispatch(ev.Packet)
	}
}

// verify applies the pinned-certificate check to b. Success marks the
// device connected and loads plugins if the peer is trusted. Failure closes
// the channel and leaves trust untouched.
func (d *Device) verify(b *binding) error {
	pinned, err := d.pinnedCertificate()
	if err != nil {
		// Same as at startup: a corrupt record is not a pin, re-pairing
		// overwrites it.
		d.logger.Warn("ignoring unreadable pinned certificate", "error", err)
		pinned = nil
	}
	if err := cert.VerifyPinned(pinned, b.ch.Certificate()); err != nil {
		d.reject(b, err)
		return err
	}

	if peer := b.ch.Identity(); peer != nil {
		if peer.DeviceID != d.id {
			err := fmt.Errorf("%w: %q", ErrWrongDevice, peer.DeviceID)
			d.reject(b, err)
			return err
		}
		d.updateIdentity(*peer)
	}

	b.verified = true
	d.setConnected(b.ch)
	if d.machine.Paired() {
		d.loadPlugins()
	}
	return nil
}

func (d *Device) reject(b *binding, err error) {
	d.logger.Warn("channel failed verification", "error", err)
	d.rec.Error(log.LayerDevice, err, "verify")
	d.unbind(b)
	if d.Connected() {
		d.unloadPlugins()
		d.setDisconnected()
	}
}

func (d *Device) disconnect(b *binding, cause error) {
	d.logger.Info("disconnected", "name", d.Name(), "cause", cause)
	d.unbind(b)
	d.unloadPlugins()
	d.setDisconnected()
}

func (d *Device) setConnected(ch channel.Channel) {
	d.mu.Lock()
	changed := !d.connected
	d.connected = true
	d.channel = ch
	fingerprint := d.fingerprintLocked()
	d.mu.Unlock()

	if !changed {
		return
	}
	d.logger.Info("connected", "name", d.Name())
	d.rec.State(log.LayerDevice, log.StateEntityChannel, "disconnected", "connected", "")
	d.notify(PropertyConnected, true)
	d.notify(PropertyFingerprint, fingerprint)
	d.notify(PropertyIcon, d.SymbolicIconName())
}

func (d *Device) setDisconnected() {
	d.mu.Lock()
	changed := d.connected
	d.connected = false
	d.channel = nil
	fingerprint := d.fingerprintLocked()
	d.mu.Unlock()

	if !changed {
		return
	}
	d.rec.State(log.LayerDevice, log.StateEntityChannel, "connected", "disconnected", "")
	d.notify(PropertyConnected, false)
	d.notify(PropertyFingerprint, fingerprint)
	d.notify(PropertyIcon, d.SymbolicIconName())
}
