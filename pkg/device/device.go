package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/kclink/kclink-go/pkg/channel"
	"github.com/kclink/kclink-go/pkg/identity"
	"github.com/kclink/kclink-go/pkg/log"
	"github.com/kclink/kclink-go/pkg/packet"
	"github.com/kclink/kclink-go/pkg/pairing"
	"github.com/kclink/kclink-go/pkg/plugin"
	"github.com/kclink/kclink-go/pkg/settings"
)

// Device is the session with one remote peer.
type Device struct {
	id       string
	config   Config
	logger   *slog.Logger
	rec      log.Recorder
	settings *settings.Settings
	identity *identity.Store
	machine  *pairing.Machine
	plugins  *plugin.Manager
	obs      observers

	queue     *taskQueue
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once

	// bound is the current channel binding. Loop only.
	bound *binding

	// Snapshot written by the loop, read by getters and SendPacket.
	mu        sync.RWMutex
	connected bool
	channel   channel.Channel
	trust     pairing.State
	loaded    []string
	closed    bool
}

// New creates a device and starts its loop. Identity and trust are
// restored from cfg.Settings unless cfg.Identity is given.
func New(cfg Config) (*Device, error) {
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Device{
		id:       cfg.ID,
		config:   cfg,
		logger:   cfg.Logger.With("device", cfg.ID),
		rec:      log.Recorder{Logger: cfg.ProtocolLogger, DeviceID: cfg.ID},
		settings: cfg.Settings.Sub(settings.DeviceNamespace(cfg.ID)),
		queue:    newTaskQueue(),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	d.identity = identity.NewStore(cfg.ID, d.settings)

	if cfg.Identity != nil {
		if _, err := d.identity.Update(*cfg.Identity); err != nil {
			if !errors.Is(err, identity.ErrPersist) {
				cancel()
				return nil, err
			}
			d.logger.Warn("failed to persist identity", "error", err)
		}
	} else if _, err := d.identity.Refresh(); err != nil {
		d.logger.Warn("failed to restore identity", "error", err)
	}

	pinned, err := d.pinnedCertificate()
	if err != nil {
		d.logger.Warn("ignoring unreadable pinned certificate", "error", err)
		pinned = nil
	}
	d.trust = pairing.InitialState(pinned)

	d.machine = pairing.New(pairing.Config{
		Timeout:       cfg.PairTimeout,
		Clock:         cfg.Clock,
		Dispatch:      d.post,
		OnStateChange: d.onTrustChange,
		Logger:        d.logger,
	}, pairingEnv{d}, d.trust)

	d.plugins = plugin.NewManager(plugin.ManagerConfig{
		Registry: cfg.Registry,
		Host:     pluginHost{d},
		Logger:   d.logger,
		Recorder: d.rec,
	})

	go d.run()
	return d, nil
}

func (d *Device) run() {
	defer close(d.done)
	for {
		task, ok := d.queue.take()
		if !ok {
			return
		}
		d.runTask(task)
	}
}

func (d *Device) runTask(task func()) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("device: task panicked: %v", r)
			d.logger.Error("recovered from panic on device loop", "panic", r)
			d.rec.Error(log.LayerDevice, err, "loop")
		}
	}()
	task()
}

// post queues f on the loop without waiting. It is dropped once the device
// is closed.
func (d *Device) post(f func()) {
	if !d.queue.push(f) {
		d.logger.Debug("device closed, dropping task")
	}
}

// do runs fn on the loop and waits for its result.
func (d *Device) do(ctx context.Context, fn func() error) error {
	result := make(chan error, 1)
	if !d.queue.push(func() { result <- fn() }) {
		return ErrClosed
	}

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-d.done:
		select {
		case err := <-result:
			return err
		default:
			return ErrClosed
		}
	}
}

// Close detaches and closes the channel, cancels pending pair requests,
// unloads plugins and stops the loop. It is idempotent.
func (d *Device) Close() error {
	d.closeOnce.Do(func() {
		d.queue.push(func() {
			d.shutdown()
			d.queue.close()
		})
		<-d.done
		d.cancel()
	})
	return nil
}

func (d *Device) shutdown() {
	d.machine.Stop()
	d.unloadPlugins()
	if d.bound != nil {
		d.unbind(d.bound)
	}
	d.setDisconnected()

	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.logger.Debug("device closed")
}

// Done is closed once the device loop has stopped.
func (d *Device) Done() <-chan struct{} {
	return d.done
}

// Subscribe registers o for change notifications and returns a function
// that removes it.
func (d *Device) Subscribe(o Observer) (cancel func()) {
	return d.obs.add(o)
}

func (d *Device) notify(p Property, value any) {
	d.obs.notify(Change{DeviceID: d.id, Property: p, Value: value})
}

// ID returns the peer's device ID.
func (d *Device) ID() string {
	return d.id
}

// Identity returns the peer's last known identity.
func (d *Device) Identity() identity.Identity {
	return d.identity.Get()
}

// Name returns the peer's display name.
func (d *Device) Name() string {
	return d.identity.Get().Name
}

// Type returns the peer's device type.
func (d *Device) Type() identity.Type {
	return d.identity.Get().Type
}

// IncomingCapabilities returns the packet types the peer accepts.
func (d *Device) IncomingCapabilities() []string {
	return d.identity.Get().IncomingCapabilities
}

// OutgoingCapabilities returns the packet types the peer sends.
func (d *Device) OutgoingCapabilities() []string {
	return d.identity.Get().OutgoingCapabilities
}

// Connected reports whether a verified channel is bound.
func (d *Device) Connected() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.connected
}

// Paired reports whether the peer is trusted.
func (d *Device) Paired() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.trust.Kind == pairing.Trusted
}

// TrustState returns the pairing state.
func (d *Device) TrustState() pairing.State {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.trust
}

// Fingerprint returns the fingerprint of the connected channel's
// certificate, else of the pinned certificate, else "".
func (d *Device) Fingerprint() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.fingerprintLocked()
}

func (d *Device) fingerprintLocked() string {
	if d.connected && d.channel != nil {
		if fp := d.channel.Certificate().Fingerprint(); fp != "" {
			return fp
		}
	}
	if d.trust.Kind == pairing.Trusted {
		return d.trust.Fingerprint
	}
	return ""
}

// Plugins returns the names of the loaded plugins, sorted.
func (d *Device) Plugins() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]string(nil), d.loaded...)
}

// Plugin returns a loaded plugin instance by name.
func (d *Device) Plugin(name string) (plugin.Plugin, bool) {
	reg, ok := d.plugins.Registration(name)
	if !ok {
		return nil, false
	}
	return reg.Instance, true
}

// IconName returns the icon name for the device type.
func (d *Device) IconName() string {
	if t := d.Type(); t != identity.TypeDesktop {
		return string(t)
	}
	return "computer"
}

// SymbolicIconName returns the symbolic icon name for the device type and
// its connection and trust state.
func (d *Device) SymbolicIconName() string {
	d.mu.RLock()
	connected, paired := d.connected, d.trust.Kind == pairing.Trusted
	d.mu.RUnlock()
	return symbolicIcon(d.Type(), connected, paired)
}

func symbolicIcon(t identity.Type, connected, paired bool) string {
	icon := string(t)
	switch t {
	case identity.TypePhone:
		icon = "smartphone"
	case identity.TypeUnknown:
		icon = "desktop"
	}

	switch {
	case paired && connected:
		return icon + "connected"
	case paired:
		return icon + "trusted"
	default:
		return icon + "disconnected"
	}
}

// SendPacket sends p to the peer when it is connected and trusted. It
// reports false without error otherwise.
func (d *Device) SendPacket(p *packet.Packet) (bool, error) {
	d.mu.RLock()
	ch := d.channel
	permitted := !d.closed && d.connected && ch != nil && d.trust.Kind == pairing.Trusted
	d.mu.RUnlock()

	if !permitted {
		d.logger.Debug("not sending packet to untrusted or disconnected peer", "type", p.Type)
		return false, nil
	}
	if err := ch.Send(p); err != nil {
		return false, fmt.Errorf("device: send %s: %w", p.Type, err)
	}
	return true, nil
}

// Pair requests pairing, or accepts the peer's pending request.
func (d *Device) Pair(ctx context.Context) error {
	return d.do(ctx, d.machine.Pair)
}

// Unpair revokes trust from any state.
func (d *Device) Unpair(ctx context.Context) error {
	return d.do(ctx, d.machine.Unpair)
}

// AcceptPair accepts the peer's pending request.
func (d *Device) AcceptPair(ctx context.Context) error {
	return d.do(ctx, d.machine.Accept)
}

// RejectPair rejects the peer's pending request.
func (d *Device) RejectPair(ctx context.Context) error {
	return d.do(ctx, d.machine.Reject)
}
