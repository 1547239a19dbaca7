package mqttbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kclink/kclink-go/pkg/device"
	"github.com/kclink/kclink-go/pkg/identity"
	"github.com/kclink/kclink-go/pkg/pairing"
)

// DefaultCommandTimeout bounds a pairing action started by a command.
const DefaultCommandTimeout = 10 * time.Second

// Device is the session surface the bridge publishes and controls.
// *device.Device implements it.
type Device interface {
	ID() string
	Name() string
	Type() identity.Type
	Connected() bool
	Paired() bool
	TrustState() pairing.State
	Fingerprint() string
	Plugins() []string
	Subscribe(o device.Observer) (cancel func())

	Pair(ctx context.Context) error
	Unpair(ctx context.Context) error
	AcceptPair(ctx context.Context) error
	RejectPair(ctx context.Context) error
}

// State is the retained state document of a device.
type State struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Type        string    `json:"type"`
	Connected   bool      `json:"connected"`
	Paired      bool      `json:"paired"`
	Trust       string    `json:"trust"`
	Fingerprint string    `json:"fingerprint,omitempty"`
	Plugins     []string  `json:"plugins"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Prompt is the retained document of a pending incoming pair request.
type Prompt struct {
	DeviceID         string    `json:"device_id"`
	DeviceName       string    `json:"device_name"`
	PeerFingerprint  string    `json:"peer_fingerprint"`
	LocalFingerprint string    `json:"local_fingerprint"`
	Deadline         time.Time `json:"deadline"`
}

// Command is a message on a device command topic.
type Command struct {
	Action string `json:"action"`
}

// Command actions.
const (
	ActionPair   = "pair"
	ActionUnpair = "unpair"
	ActionAccept = "accept"
	ActionReject = "reject"
)

// BridgeConfig configures a Bridge.
type BridgeConfig struct {
	Prefix         string
	QoS            byte
	CommandTimeout time.Duration
	Logger         *slog.Logger
}

type message struct {
	topic    string
	payload  []byte
	retained bool
}

// Bridge publishes device state over a Transport and applies commands.
// It also serves as a device.Prompter.
type Bridge struct {
	transport Transport
	config    BridgeConfig
	topics    Topics
	logger    *slog.Logger

	mu      sync.Mutex
	devices map[string]*watched
	queue   []message
	closed  bool
	signal  chan struct{}
	done    chan struct{}

	now func() time.Time
}

type watched struct {
	dev         Device
	unsubscribe func()
}

// NewBridge creates a bridge and starts its publisher goroutine.
func NewBridge(transport Transport, cfg BridgeConfig) *Bridge {
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = DefaultCommandTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	b := &Bridge{
		transport: transport,
		config:    cfg,
		topics:    Topics{Prefix: cfg.Prefix},
		logger:    cfg.Logger.With("component", "mqttbridge"),
		devices:   make(map[string]*watched),
		signal:    make(chan struct{}, 1),
		done:      make(chan struct{}),
		now:       time.Now,
	}
	go b.publishLoop()
	return b
}

// Topics returns the topic builder in use.
func (b *Bridge) Topics() Topics {
	return b.topics
}

// Watch starts publishing d's state and accepting commands for it.
func (b *Bridge) Watch(d Device) error {
	id := d.ID()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	if _, ok := b.devices[id]; ok {
		b.mu.Unlock()
		return nil
	}
	w := &watched{dev: d}
	b.devices[id] = w
	b.mu.Unlock()

	if err := b.transport.Subscribe(b.topics.DeviceCommand(id), b.config.QoS, b.commandHandler(d)); err != nil {
		b.mu.Lock()
		delete(b.devices, id)
		b.mu.Unlock()
		return err
	}

	w.unsubscribe = d.Subscribe(func(device.Change) { b.publishState(d) })
	b.publishState(d)
	return nil
}

// Unwatch stops publishing d and clears its retained documents.
func (b *Bridge) Unwatch(id string) {
	b.mu.Lock()
	w, ok := b.devices[id]
	delete(b.devices, id)
	b.mu.Unlock()
	if !ok {
		return
	}

	if w.unsubscribe != nil {
		w.unsubscribe()
	}
	if err := b.transport.Unsubscribe(b.topics.DeviceCommand(id)); err != nil {
		b.logger.Debug("unsubscribe failed", "device", id, "error", err)
	}
	b.enqueue(message{topic: b.topics.DeviceState(id), retained: true})
	b.enqueue(message{topic: b.topics.DevicePrompt(id), retained: true})
}

// ShowPairPrompt implements device.Prompter.
func (b *Bridge) ShowPairPrompt(p device.PairPrompt) {
	payload, err := json.Marshal(Prompt{
		DeviceID:         p.DeviceID,
		DeviceName:       p.DeviceName,
		PeerFingerprint:  p.PeerFingerprint,
		LocalFingerprint: p.LocalFingerprint,
		Deadline:         p.Deadline,
	})
	if err != nil {
		b.logger.Error("failed to encode prompt", "error", err)
		return
	}
	b.enqueue(message{topic: b.topics.DevicePrompt(p.DeviceID), payload: payload, retained: true})
}

// WithdrawPairPrompt implements device.Prompter. An empty retained payload
// clears the prompt on the broker.
func (b *Bridge) WithdrawPairPrompt(deviceID string) {
	b.enqueue(message{topic: b.topics.DevicePrompt(deviceID), retained: true})
}

// Close stops watching every device and the publisher goroutine. Messages
// already queued are published first.
func (b *Bridge) Close() {
	b.mu.Lock()
	ids := make([]string, 0, len(b.devices))
	for id := range b.devices {
		ids = append(ids, id)
	}
	b.mu.Unlock()

	for _, id := range ids {
		b.Unwatch(id)
	}

	b.mu.Lock()
	already := b.closed
	b.closed = true
	b.mu.Unlock()
	if !already {
		b.wake()
	}
	<-b.done
}

// publishState runs on the device loop: it snapshots and enqueues.
func (b *Bridge) publishState(d Device) {
	payload, err := json.Marshal(snapshot(d, b.now()))
	if err != nil {
		b.logger.Error("failed to encode state", "device", d.ID(), "error", err)
		return
	}
	b.enqueue(message{topic: b.topics.DeviceState(d.ID()), payload: payload, retained: true})
}

func snapshot(d Device, now time.Time) State {
	plugins := d.Plugins()
	if plugins == nil {
		plugins = []string{}
	}
	return State{
		ID:          d.ID(),
		Name:        d.Name(),
		Type:        string(d.Type()),
		Connected:   d.Connected(),
		Paired:      d.Paired(),
		Trust:       d.TrustState().Kind.String(),
		Fingerprint: d.Fingerprint(),
		Plugins:     plugins,
		UpdatedAt:   now,
	}
}

func (b *Bridge) enqueue(m message) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.queue = append(b.queue, m)
	b.mu.Unlock()
	b.wake()
}

func (b *Bridge) wake() {
	select {
	case b.signal <- struct{}{}:
	default:
	}
}

func (b *Bridge) publishLoop() {
	defer close(b.done)
	for range b.signal {
		b.mu.Lock()
		batch := b.queue
		b.queue = nil
		closed := b.closed
		b.mu.Unlock()

		for _, m := range batch {
			if err := b.transport.Publish(m.topic, m.payload, b.config.QoS, m.retained); err != nil {
				b.logger.Warn("publish failed", "topic", m.topic, "error", err)
			}
		}
		if closed {
			return
		}
	}
}

func (b *Bridge) commandHandler(d Device) MessageHandler {
	return func(topic string, payload []byte) error {
		var cmd Command
		if err := json.Unmarshal(payload, &cmd); err != nil {
			return fmt.Errorf("decode command: %w", err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), b.config.CommandTimeout)
		defer cancel()

		var err error
		switch cmd.Action {
		case ActionPair:
			err = d.Pair(ctx)
		case ActionUnpair:
			err = d.Unpair(ctx)
		case ActionAccept:
			err = d.AcceptPair(ctx)
		case ActionReject:
			err = d.RejectPair(ctx)
		default:
			return fmt.Errorf("%w: %q", ErrUnknownAction, cmd.Action)
		}
		if err != nil {
			return fmt.Errorf("%s %s: %w", cmd.Action, d.ID(), err)
		}
		b.logger.Info("command applied", "device", d.ID(), "action", cmd.Action)
		return nil
	}
}

var _ device.Prompter = (*Bridge)(nil)
