package device

import (
	"log/slog"
	"slices"

	"github.com/kclink/kclink-go/pkg/cert"
	"github.com/kclink/kclink-go/pkg/channel"
	"github.com/kclink/kclink-go/pkg/log"
	"github.com/kclink/kclink-go/pkg/packet"
	"github.com/kclink/kclink-go/pkg/pairing"
	"github.com/kclink/kclink-go/pkg/plugin"
)

// pairingEnv carries out pairing side effects. Its methods run on the loop.
type pairingEnv struct {
	d *Device
}

func (e pairingEnv) SendPair(pair bool) error {
	d := e.d
	d.mu.RLock()
	ch := d.channel
	d.mu.RUnlock()
	if ch == nil {
		return channel.ErrNotConnected
	}
	return ch.Send(packet.NewPair(pair))
}

func (e pairingEnv) PeerCertificate() *cert.Certificate {
	d := e.d
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.channel == nil {
		return nil
	}
	return d.channel.Certificate()
}

func (e pairingEnv) StoreCertificate(c *cert.Certificate) error {
	return e.d.settings.SetString(KeyCertificate, cert.EncodePEM(c))
}

func (e pairingEnv) ClearCertificate() error {
	return e.d.settings.Reset(KeyCertificate)
}

func (e pairingEnv) ShowPrompt() {
	d := e.d
	if d.config.Prompter == nil {
		return
	}

	var local string
	if d.config.Local != nil {
		local = d.config.Local.Certificate.Fingerprint()
	}
	d.config.Prompter.ShowPairPrompt(PairPrompt{
		DeviceID:         d.id,
		DeviceName:       d.Name(),
		PeerFingerprint:  e.PeerCertificate().Fingerprint(),
		LocalFingerprint: local,
		Deadline:         d.machine.State().Deadline,
		Accept:           d.AcceptPair,
		Reject:           d.RejectPair,
	})
}

func (e pairingEnv) WithdrawPrompt() {
	if p := e.d.config.Prompter; p != nil {
		p.WithdrawPairPrompt(e.d.id)
	}
}

func (e pairingEnv) LoadPlugins() {
	if e.d.Connected() {
		e.d.loadPlugins()
	}
}

func (e pairingEnv) UnloadPlugins() {
	e.d.unloadPlugins()
}

// pinnedCertificate returns the pinned certificate, or nil when the peer is
// not paired.
func (d *Device) pinnedCertificate() (*cert.Certificate, error) {
	data, err := d.settings.String(KeyCertificate)
	if err != nil || data == "" {
		return nil, err
	}
	return cert.DecodePEM(data)
}

// onTrustChange runs after the machine applied a transition's effects.
func (d *Device) onTrustChange(old, next pairing.State) {
	d.mu.Lock()
	d.trust = next
	fingerprint := d.fingerprintLocked()
	d.mu.Unlock()

	d.logger.Info("trust changed", "old", old.Kind.String(), "new", next.Kind.String())
	d.rec.State(log.LayerDevice, log.StateEntityTrust, old.Kind.String(), next.Kind.String(), "")
	d.notify(PropertyTrust, next)

	if (old.Kind == pairing.Trusted) != (next.Kind == pairing.Trusted) {
		d.notify(PropertyPaired, next.Kind == pairing.Trusted)
		d.notify(PropertyFingerprint, fingerprint)
		d.notify(PropertyIcon, d.SymbolicIconName())
	}
}

func (d *Device) loadPlugins() {
	peer, err := d.identity.Refresh()
	if err != nil {
		d.logger.Warn("failed to refresh identity before loading plugins", "error", err)
	}

	res := d.plugins.LoadAll(d.ctx, peer)
	for _, r := range res.Results {
		if r.Err != nil {
			d.logger.Warn("plugin failed to load", "plugin", r.Name, "error", r.Err)
		}
		if err := r.ConflictError(); err != nil {
			d.logger.Warn("plugin packet types already claimed", "plugin", r.Name, "error", err)
		}
	}
	d.syncPlugins()
}

func (d *Device) unloadPlugins() {
	res := d.plugins.UnloadAll(d.ctx)
	for _, r := range res.Results {
		if r.Err != nil {
			d.logger.Warn("plugin failed to unload cleanly", "plugin", r.Name, "error", r.Err)
		}
	}
	d.syncPlugins()
}

// syncPlugins copies the loaded set into the snapshot and notifies if it
// changed. A plugin that failed to destroy is still gone.
func (d *Device) syncPlugins() {
	loaded := d.plugins.Loaded()
	d.mu.Lock()
	changed := !slices.Equal(d.loaded, loaded)
	d.loaded = loaded
	d.mu.Unlock()

	if changed {
		d.notify(PropertyPlugins, append([]string(nil), loaded...))
	}
}

// pluginHost is the plugin.Host handed to plugin factories.
type pluginHost struct {
	d *Device
}

func (h pluginHost) DeviceID() string                          { return h.d.id }
func (h pluginHost) DeviceName() string                        { return h.d.Name() }
func (h pluginHost) SendPacket(p *packet.Packet) (bool, error) { return h.d.SendPacket(p) }
func (h pluginHost) Logger() *slog.Logger                      { return h.d.logger }

var (
	_ pairing.Env = pairingEnv{}
	_ plugin.Host = pluginHost{}
)
