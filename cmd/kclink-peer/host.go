package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/kclink/kclink-go/pkg/cert"
	"github.com/kclink/kclink-go/pkg/channel"
	"github.com/kclink/kclink-go/pkg/connection"
	"github.com/kclink/kclink-go/pkg/device"
	"github.com/kclink/kclink-go/pkg/identity"
	"github.com/kclink/kclink-go/pkg/log"
	"github.com/kclink/kclink-go/pkg/mqttbridge"
	"github.com/kclink/kclink-go/pkg/packet"
	"github.com/kclink/kclink-go/pkg/plugin"
	"github.com/kclink/kclink-go/pkg/settings"
)

// KeyDevices is the root settings key listing every known peer.
const KeyDevices = "devices"

const attachTimeout = 10 * time.Second

var errHostClosed = errors.New("host closed")

// Watcher publishes device state elsewhere. *mqttbridge.Bridge implements it.
type Watcher interface {
	Watch(d mqttbridge.Device) error
	Unwatch(id string)
}

// hostConfig configures a host.
type hostConfig struct {
	Settings *settings.Settings
	Identity *cert.Identity
	Channel  channel.Config
	Registry *plugin.Registry
	Prompter device.Prompter

	PairTimeout time.Duration

	// Reconnect enables a connection supervisor per device.
	Reconnect bool
	Backoff   connection.BackoffConfig

	// PairedOnly restricts reconnection to trusted peers.
	PairedOnly bool

	Watcher        Watcher
	Logger         *slog.Logger
	ProtocolLogger log.Logger
}

type peer struct {
	dev *device.Device
	sup *connection.Supervisor
}

// host owns every device session of this process. It hands accepted
// channels to their device, creating the device on first contact.
type host struct {
	config hostConfig
	logger *slog.Logger

	mu     sync.Mutex
	peers  map[string]*peer
	closed bool
}

func newHost(cfg hostConfig) *host {
	if cfg.Settings == nil {
		cfg.Settings = settings.New(settings.NewMemoryStore())
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	return &host{
		config: cfg,
		logger: cfg.Logger,
		peers:  make(map[string]*peer),
	}
}

// restore recreates every device listed in the settings.
func (h *host) restore() error {
	ids, err := h.config.Settings.Strings(KeyDevices)
	if err != nil {
		return fmt.Errorf("reading known devices: %w", err)
	}
	var errs []error
	for _, id := range ids {
		if _, err := h.ensure(id, nil); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// accept hands an open channel to the device it belongs to.
func (h *host) accept(ch channel.Channel) error {
	body := ch.Identity()
	if body == nil {
		ch.Close()
		return errors.New("channel carries no identity")
	}

	p, err := h.ensure(body.DeviceID, body)
	if err != nil {
		ch.Close()
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), attachTimeout)
	defer cancel()
	if err := p.dev.Attach(ctx, ch); err != nil {
		return fmt.Errorf("attaching %s: %w", body.DeviceID, err)
	}
	return nil
}

// onAccept is the listener callback.
func (h *host) onAccept(ch *channel.TLS) {
	if err := h.accept(ch); err != nil {
		h.logger.Warn("incoming channel refused", "conn_id", ch.ConnID(), "error", err)
	}
}

// Dial opens a channel to address and attaches it to whichever device
// answers.
func (h *host) Dial(ctx context.Context, address string) (*device.Device, error) {
	ch, err := channel.NewTLS(h.config.Channel)
	if err != nil {
		return nil, err
	}
	if err := ch.Open(ctx, address); err != nil {
		return nil, err
	}
	if err := h.accept(ch); err != nil {
		return nil, err
	}
	p, _ := h.lookup(ch.Identity().DeviceID)
	return p.dev, nil
}

// ensure returns the device for id, creating it if needed. body is the
// identity the peer announced, or nil to restore it from settings.
func (h *host) ensure(id string, body *packet.IdentityBody) (*peer, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, errHostClosed
	}
	if p, ok := h.peers[id]; ok {
		return p, nil
	}

	dev, err := device.New(device.Config{
		ID:             id,
		Settings:       h.config.Settings,
		Identity:       body,
		Registry:       h.config.Registry,
		NewChannel:     h.newChannel,
		Local:          h.config.Identity,
		Prompter:       h.config.Prompter,
		PairTimeout:    h.config.PairTimeout,
		Logger:         h.logger,
		ProtocolLogger: h.config.ProtocolLogger,
	})
	if err != nil {
		return nil, err
	}

	p := &peer{dev: dev}
	if h.config.Reconnect {
		p.sup = connection.NewSupervisor(dev, connection.SupervisorConfig{
			Backoff:    h.config.Backoff,
			PairedOnly: h.config.PairedOnly,
			Logger:     h.logger,
		})
		p.sup.Start()
	}
	if h.config.Watcher != nil {
		if err := h.config.Watcher.Watch(dev); err != nil {
			h.logger.Warn("device not published", "device", id, "error", err)
		}
	}
	h.peers[id] = p

	if err := h.rememberLocked(id); err != nil {
		h.logger.Warn("device list not saved", "device", id, "error", err)
	}
	h.logger.Info("device added", "device", id, "name", dev.Name())
	return p, nil
}

func (h *host) newChannel(identity.Identity) (channel.Channel, error) {
	return channel.NewTLS(h.config.Channel)
}

func (h *host) rememberLocked(id string) error {
	ids, err := h.config.Settings.Strings(KeyDevices)
	if err != nil {
		return err
	}
	if slices.Contains(ids, id) {
		return nil
	}
	ids = append(ids, id)
	slices.Sort(ids)
	return h.config.Settings.SetStrings(KeyDevices, ids)
}

func (h *host) lookup(id string) (*peer, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	p, ok := h.peers[id]
	return p, ok
}

// Device returns the device with the given ID.
func (h *host) Device(id string) (*device.Device, bool) {
	p, ok := h.lookup(id)
	if !ok {
		return nil, false
	}
	return p.dev, true
}

// Devices returns every device sorted by ID.
func (h *host) Devices() []*device.Device {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*device.Device, 0, len(h.peers))
	for _, p := range h.peers {
		out = append(out, p.dev)
	}
	slices.SortFunc(out, func(a, b *device.Device) int {
		return strings.Compare(a.ID(), b.ID())
	})
	return out
}

// Forget unpairs and closes the device and drops it from the device list.
// Its identity and certificate are cleared from settings.
func (h *host) Forget(ctx context.Context, id string) error {
	h.mu.Lock()
	p, ok := h.peers[id]
	delete(h.peers, id)
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown device %q", id)
	}

	if err := p.dev.Unpair(ctx); err != nil {
		h.logger.Debug("unpair before forget failed", "device", id, "error", err)
	}
	h.stop(p)

	ns := h.config.Settings.Sub(settings.DeviceNamespace(id))
	keys, err := ns.Keys()
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := ns.Reset(k); err != nil {
			return err
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	ids, err := h.config.Settings.Strings(KeyDevices)
	if err != nil {
		return err
	}
	return h.config.Settings.SetStrings(KeyDevices, slices.DeleteFunc(ids, func(s string) bool { return s == id }))
}

func (h *host) stop(p *peer) {
	if p.sup != nil {
		p.sup.Close()
	}
	if h.config.Watcher != nil {
		h.config.Watcher.Unwatch(p.dev.ID())
	}
	p.dev.Close()
}

// Close closes every device.
func (h *host) Close() {
	h.mu.Lock()
	h.closed = true
	peers := make([]*peer, 0, len(h.peers))
	for _, p := range h.peers {
		peers = append(peers, p)
	}
	h.peers = make(map[string]*peer)
	h.mu.Unlock()

	for _, p := range peers {
		h.stop(p)
	}
}
