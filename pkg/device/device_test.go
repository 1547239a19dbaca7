package device

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kclink/kclink-go/pkg/cert"
	"github.com/kclink/kclink-go/pkg/channel"
	"github.com/kclink/kclink-go/pkg/identity"
	"github.com/kclink/kclink-go/pkg/packet"
	"github.com/kclink/kclink-go/pkg/pairing"
	"github.com/kclink/kclink-go/pkg/pairing/pairingtest"
	"github.com/kclink/kclink-go/pkg/plugin"
	"github.com/kclink/kclink-go/pkg/plugins/ping"
	"github.com/kclink/kclink-go/pkg/settings"
)

const (
	peerID  = "phone1"
	spyType = "test.spy"
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

func mustIdentity(t *testing.T, id string) *cert.Identity {
	t.Helper()
	ident, err := cert.GenerateIdentity(id)
	require.NoError(t, err)
	return ident
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func peerBody() packet.IdentityBody {
	return packet.IdentityBody{
		DeviceID:             peerID,
		DeviceName:           "Pixel",
		DeviceType:           "phone",
		TCPHost:              "192.0.2.10",
		TCPPort:              1716,
		IncomingCapabilities: []string{ping.PacketType, spyType},
		OutgoingCapabilities: []string{ping.PacketType, spyType},
	}
}

// journal is an ordered record shared by spies and observers.
type journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *journal) add(s string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, s)
}

func (j *journal) list() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.entries...)
}

func (j *journal) count(s string) int {
	n := 0
	for _, e := range j.list() {
		if e == s {
			n++
		}
	}
	return n
}

// spyPlugin records its lifecycle. A packet with body {"panic":true}
// makes HandlePacket panic.
type spyPlugin struct {
	j *journal
}

func (p *spyPlugin) HandlePacket(ctx context.Context, pkt *packet.Packet) error {
	var body struct {
		Panic bool `json:"panic"`
		Fail  bool `json:"fail"`
	}
	_ = pkt.DecodeBody(&body)
	p.j.add("handle:" + pkt.Type)
	if body.Panic {
		panic("spy asked to panic")
	}
	if body.Fail {
		return errors.New("spy asked to fail")
	}
	return nil
}

func (p *spyPlugin) Destroy(ctx context.Context) error {
	p.j.add("destroy")
	return nil
}

type fakePrompter struct {
	mu        sync.Mutex
	shown     []PairPrompt
	withdrawn int
}

func (f *fakePrompter) ShowPairPrompt(p PairPrompt) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shown = append(f.shown, p)
}

func (f *fakePrompter) WithdrawPairPrompt(string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.withdrawn++
}

func (f *fakePrompter) prompts() []PairPrompt {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]PairPrompt(nil), f.shown...)
}

func (f *fakePrompter) withdrawals() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.withdrawn
}

// inbox collects packets the device sent to the peer.
type inbox struct {
	mu      sync.Mutex
	packets []*packet.Packet
}

func (in *inbox) handle(ev channel.Event) {
	if ev.Kind != channel.EventReceived {
		return
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	in.packets = append(in.packets, ev.Packet)
}

func (in *inbox) types() []string {
	in.mu.Lock()
	defer in.mu.Unlock()
	out := make([]string, len(in.packets))
	for i, p := range in.packets {
		out[i] = p.Type
	}
	return out
}

func (in *inbox) pairs() []bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	var out []bool
	for _, p := range in.packets {
		if flag, err := packet.DecodePair(p); err == nil {
			out = append(out, flag)
		}
	}
	return out
}

type harness struct {
	t        *testing.T
	dev      *Device
	root     *settings.Settings
	local    *cert.Identity
	peer     *cert.Identity
	clock    *pairingtest.Clock
	prompter *fakePrompter
	journal  *journal
	spies    int
	spyMu    sync.Mutex
}

type option func(h *harness, cfg *Config)

// pinned stores the peer's certificate before the device is created.
func pinned() option {
	return func(h *harness, cfg *Config) {
		ns := h.root.Sub(settings.DeviceNamespace(peerID))
		require.NoError(h.t, ns.SetString(KeyCertificate, cert.EncodePEM(h.peer.Certificate)))
	}
}

func withFactory(f ChannelFactory) option {
	return func(h *harness, cfg *Config) { cfg.NewChannel = f }
}

func withoutIdentity() option {
	return func(h *harness, cfg *Config) { cfg.Identity = nil }
}

func newHarness(t *testing.T, opts ...option) *harness {
	t.Helper()
	h := &harness{
		t:        t,
		root:     settings.New(settings.NewMemoryStore()),
		local:    mustIdentity(t, "desktop1"),
		peer:     mustIdentity(t, peerID),
		clock:    pairingtest.NewClock(),
		prompter: &fakePrompter{},
		journal:  &journal{},
	}

	registry, err := plugin.NewRegistry(
		ping.Descriptor(nil),
		plugin.Descriptor{
			Name:                 "spy",
			IncomingCapabilities: []string{spyType},
			OutgoingCapabilities: []string{spyType},
			Factory: func(plugin.Host) (plugin.Plugin, error) {
				h.spyMu.Lock()
				h.spies++
				h.spyMu.Unlock()
				return &spyPlugin{j: h.journal}, nil
			},
		},
	)
	require.NoError(t, err)

	body := peerBody()
	cfg := DefaultConfig(peerID)
	cfg.Settings = h.root
	cfg.Identity = &body
	cfg.Registry = registry
	cfg.Local = h.local
	cfg.Prompter = h.prompter
	cfg.Clock = h.clock
	for _, opt := range opts {
		opt(h, &cfg)
	}

	h.dev, err = New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { h.dev.Close() })

	h.dev.Subscribe(func(c Change) {
		switch c.Property {
		case PropertyConnected, PropertyPlugins, PropertyPaired:
			h.journal.add(fmt.Sprintf("%s=%v", c.Property, c.Value))
		}
	})
	return h
}

func (h *harness) spyCount() int {
	h.spyMu.Lock()
	defer h.spyMu.Unlock()
	return h.spies
}

// pipe returns the device end and peer end of a channel whose peer presents
// the given certificate.
func (h *harness) pipe(peer *cert.Identity) (*channel.Pipe, *channel.Pipe) {
	body := peerBody()
	localBody := packet.IdentityBody{DeviceID: "desktop1", DeviceName: "Desk", DeviceType: "desktop"}
	return channel.NewPipe(
		channel.Endpoint{Certificate: h.local.Certificate, Identity: &localBody},
		channel.Endpoint{Certificate: peer.Certificate, Identity: &body},
	)
}

// connect attaches a genuine channel and returns the peer end and its inbox.
func (h *harness) connect() (*channel.Pipe, *channel.Pipe, *inbox) {
	h.t.Helper()
	local, remote := h.pipe(h.peer)
	in := &inbox{}
	remote.Subscribe(in.handle)
	require.NoError(h.t, h.dev.Attach(testContext(h.t), local))
	return local, remote, in
}

func (h *harness) eventually(cond func() bool, msg string) {
	h.t.Helper()
	require.Eventually(h.t, cond, waitFor, tick, msg)
}

func (h *harness) pinnedPEM() string {
	ns := h.root.Sub(settings.DeviceNamespace(peerID))
	v, err := ns.String(KeyCertificate)
	require.NoError(h.t, err)
	return v
}

func TestNewRequiresID(t *testing.T) {
	_, err := New(Config{})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	body := peerBody()
	cfg := DefaultConfig("someone-else")
	cfg.Identity = &body
	_, err = New(cfg)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestNewRestoresFromSettings(t *testing.T) {
	first := newHarness(t, pinned())
	require.NoError(t, first.dev.Close())

	restored, err := New(Config{ID: peerID, Settings: first.root})
	require.NoError(t, err)
	defer restored.Close()

	assert.Equal(t, "Pixel", restored.Name())
	assert.Equal(t, identity.TypePhone, restored.Type())
	assert.True(t, restored.Paired())
	assert.False(t, restored.Connected())
	assert.Equal(t, first.peer.Certificate.Fingerprint(), restored.Fingerprint())
	assert.Equal(t, []string{ping.PacketType, spyType}, restored.IncomingCapabilities())
}

func TestUnknownDeviceDefaults(t *testing.T) {
	h := newHarness(t, withoutIdentity())
	assert.Equal(t, peerID, h.dev.Name())
	assert.Equal(t, identity.TypeUnknown, h.dev.Type())
	assert.False(t, h.dev.Paired())
	assert.Empty(t, h.dev.Fingerprint())
	assert.Equal(t, "desktopdisconnected", h.dev.SymbolicIconName())
}

func TestAttachFirstContact(t *testing.T) {
	h := newHarness(t)
	h.connect()

	assert.True(t, h.dev.Connected())
	assert.False(t, h.dev.Paired())
	assert.Empty(t, h.dev.Plugins())
	assert.Empty(t, h.dev.plugins.Routes())
	assert.Equal(t, h.peer.Certificate.Fingerprint(), h.dev.Fingerprint())
	assert.Equal(t, 1, h.journal.count("connected=true"))
}

func TestAttachRejectsOtherDevice(t *testing.T) {
	h := newHarness(t)
	other := packet.IdentityBody{DeviceID: "laptop9", DeviceName: "Other", DeviceType: "laptop"}
	local, _ := channel.NewPipe(
		channel.Endpoint{Certificate: h.local.Certificate},
		channel.Endpoint{Certificate: mustIdentity(t, "laptop9").Certificate, Identity: &other},
	)

	err := h.dev.Attach(testContext(t), local)
	assert.ErrorIs(t, err, ErrWrongDevice)
	assert.False(t, h.dev.Connected())
	assert.True(t, local.Closed())
}

// Scenario A.
func TestIdentityPacketMakesDeviceKnown(t *testing.T) {
	h := newHarness(t, withoutIdentity())
	body := packet.IdentityBody{
		DeviceID:             peerID,
		DeviceName:           "Pixel",
		DeviceType:           "phone",
		IncomingCapabilities: []string{ping.PacketType},
		OutgoingCapabilities: []string{},
	}
	require.NoError(t, h.dev.HandlePacket(testContext(t), packet.NewIdentity(body)))

	assert.Equal(t, "Pixel", h.dev.Name())
	var names []string
	for _, d := range h.dev.config.Registry.Supported(h.dev.Identity()) {
		names = append(names, d.Name)
	}
	assert.Equal(t, []string{ping.Name}, names)
}

func TestInvalidIdentityKeepsPrevious(t *testing.T) {
	h := newHarness(t)
	bad := packet.NewIdentity(packet.IdentityBody{DeviceID: peerID})
	require.NoError(t, h.dev.HandlePacket(testContext(t), bad))

	assert.Equal(t, "Pixel", h.dev.Name())
	assert.Equal(t, identity.TypePhone, h.dev.Type())
}

func TestIdentityPacketActivatesOnce(t *testing.T) {
	var (
		mu     sync.Mutex
		opened []string
	)
	h := newHarness(t, withoutIdentity())
	h.dev.config.NewChannel = func(peer identity.Identity) (channel.Channel, error) {
		mu.Lock()
		opened = append(opened, peer.Host)
		mu.Unlock()
		local, _ := h.pipe(h.peer)
		return local, nil
	}

	ctx := testContext(t)
	require.NoError(t, h.dev.HandlePacket(ctx, packet.NewIdentity(peerBody())))
	h.eventually(h.dev.Connected, "identity packet should activate the device")
	require.NoError(t, h.dev.HandlePacket(ctx, packet.NewIdentity(peerBody())))
	require.NoError(t, h.dev.Activate(ctx))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"192.0.2.10"}, opened)
}

func TestIdentityPacketNarrowsPlugins(t *testing.T) {
	h := newHarness(t, pinned())
	_, remote, _ := h.connect()
	require.Equal(t, []string{ping.Name, "spy"}, h.dev.Plugins())

	narrowed := peerBody()
	narrowed.IncomingCapabilities = []string{ping.PacketType}
	narrowed.OutgoingCapabilities = []string{ping.PacketType}
	require.NoError(t, remote.Send(packet.NewIdentity(narrowed)))

	h.eventually(func() bool { return len(h.dev.Plugins()) == 1 }, "unsupported plugin should unload")
	assert.Equal(t, []string{ping.Name}, h.dev.Plugins())
	_, routed := h.dev.plugins.Handler(spyType)
	assert.False(t, routed)
	assert.True(t, h.dev.Connected())

	// Widening the capabilities again brings the plugin back.
	require.NoError(t, remote.Send(packet.NewIdentity(peerBody())))
	h.eventually(func() bool { return len(h.dev.Plugins()) == 2 }, "supported plugin should load")
	_, routed = h.dev.plugins.Handler(spyType)
	assert.True(t, routed)
}

func TestPairPacketIgnoredWhileDisconnected(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.dev.HandlePacket(testContext(t), packet.NewPair(true)))

	assert.Equal(t, pairing.Untrusted, h.dev.TrustState().Kind)
	assert.Empty(t, h.prompter.prompts())
	assert.Zero(t, h.clock.Pending())
}

func TestActivate(t *testing.T) {
	var created int
	h := newHarness(t)
	h.dev.config.NewChannel = func(identity.Identity) (channel.Channel, error) {
		created++
		local, _ := h.pipe(h.peer)
		return local, nil
	}

	ctx := testContext(t)
	require.NoError(t, h.dev.Activate(ctx))
	require.NoError(t, h.dev.Activate(ctx))
	assert.True(t, h.dev.Connected())
	assert.Equal(t, 1, created)
}

func TestActivateErrors(t *testing.T) {
	ctx := testContext(t)

	h := newHarness(t)
	assert.ErrorIs(t, h.dev.Activate(ctx), ErrNoChannelFactory)

	unknown := newHarness(t, withoutIdentity(), withFactory(func(identity.Identity) (channel.Channel, error) {
		return nil, errors.New("unreachable")
	}))
	assert.ErrorIs(t, unknown.dev.Activate(ctx), ErrNoAddress)
}

func TestActivateOpenFailureUnbinds(t *testing.T) {
	dialErr := errors.New("connection refused")
	var attempts int
	h := newHarness(t)
	h.dev.config.NewChannel = func(identity.Identity) (channel.Channel, error) {
		attempts++
		local, _ := h.pipe(h.peer)
		if attempts == 1 {
			local.FailOpen(dialErr)
		}
		return local, nil
	}

	ctx := testContext(t)
	err := h.dev.Activate(ctx)
	assert.ErrorIs(t, err, dialErr)
	assert.False(t, h.dev.Connected())

	h.eventually(func() bool {
		return h.dev.Activate(ctx) == nil && h.dev.Connected()
	}, "a failed open must not leave the channel bound")
	assert.Equal(t, 2, attempts)
}

// Scenario B.
func TestOutgoingPairAccepted(t *testing.T) {
	h := newHarness(t)
	_, remote, in := h.connect()

	require.NoError(t, h.dev.Pair(testContext(t)))
	assert.Equal(t, pairing.PendingOutgoing, h.dev.TrustState().Kind)
	h.eventually(func() bool { return len(in.pairs()) == 1 }, "pair request should reach the peer")
	assert.Equal(t, []bool{true}, in.pairs())

	require.NoError(t, remote.Send(packet.NewPair(true)))
	h.eventually(func() bool { return len(h.dev.Plugins()) == 2 }, "peer acceptance should pair and load plugins")

	assert.True(t, h.dev.Paired())
	assert.Equal(t, cert.EncodePEM(h.peer.Certificate), h.pinnedPEM())
	assert.Equal(t, []string{ping.Name, "spy"}, h.dev.Plugins())
	assert.Len(t, h.dev.plugins.Routes(), 2)
	assert.Equal(t, 1, h.journal.count("paired=true"))
	assert.Equal(t, "smartphoneconnected", h.dev.SymbolicIconName())

	timers := h.clock.Timers()
	require.Len(t, timers, 1)
	assert.Equal(t, 1, timers[0].Stops())
}

func TestOutgoingPairRejected(t *testing.T) {
	h := newHarness(t)
	_, remote, _ := h.connect()

	require.NoError(t, h.dev.Pair(testContext(t)))
	require.NoError(t, remote.Send(packet.NewPair(false)))
	h.eventually(func() bool { return h.dev.TrustState().Kind == pairing.Untrusted }, "rejection should reset trust")
	assert.Empty(t, h.pinnedPEM())
	assert.Empty(t, h.dev.Plugins())
}

func TestPairWithoutChannelFails(t *testing.T) {
	h := newHarness(t)
	err := h.dev.Pair(testContext(t))
	assert.ErrorIs(t, err, pairing.ErrSendFailed)
	assert.Equal(t, pairing.Untrusted, h.dev.TrustState().Kind)
}

func TestIncomingPairAccepted(t *testing.T) {
	h := newHarness(t)
	_, remote, in := h.connect()

	require.NoError(t, remote.Send(packet.NewPair(true)))
	h.eventually(func() bool { return len(h.prompter.prompts()) == 1 }, "incoming request should prompt")

	prompt := h.prompter.prompts()[0]
	assert.Equal(t, peerID, prompt.DeviceID)
	assert.Equal(t, "Pixel", prompt.DeviceName)
	assert.Equal(t, h.peer.Certificate.Fingerprint(), prompt.PeerFingerprint)
	assert.Equal(t, h.local.Certificate.Fingerprint(), prompt.LocalFingerprint)
	assert.Equal(t, h.clock.Now().Add(pairing.DefaultTimeout), prompt.Deadline)
	assert.Equal(t, pairing.PendingIncoming, h.dev.TrustState().Kind)

	require.NoError(t, prompt.Accept(testContext(t)))
	assert.True(t, h.dev.Paired())
	assert.Equal(t, 1, h.prompter.withdrawals())
	assert.Equal(t, []string{ping.Name, "spy"}, h.dev.Plugins())
	h.eventually(func() bool { return len(in.pairs()) == 1 }, "confirmation should reach the peer")
	assert.Equal(t, []bool{true}, in.pairs())
}

func TestIncomingPairRejected(t *testing.T) {
	h := newHarness(t)
	_, remote, in := h.connect()

	require.NoError(t, remote.Send(packet.NewPair(true)))
	h.eventually(func() bool { return len(h.prompter.prompts()) == 1 }, "incoming request should prompt")

	require.NoError(t, h.dev.RejectPair(testContext(t)))
	assert.Equal(t, pairing.Untrusted, h.dev.TrustState().Kind)
	assert.Equal(t, 1, h.prompter.withdrawals())
	h.eventually(func() bool { return len(in.pairs()) == 1 }, "rejection should reach the peer")
	assert.Equal(t, []bool{false}, in.pairs())
}

func TestAcceptWithoutRequest(t *testing.T) {
	h := newHarness(t)
	ctx := testContext(t)
	assert.ErrorIs(t, h.dev.AcceptPair(ctx), pairing.ErrNoPendingRequest)
	assert.ErrorIs(t, h.dev.RejectPair(ctx), pairing.ErrNoPendingRequest)
}

func TestPendingRequestTimesOut(t *testing.T) {
	h := newHarness(t)
	h.connect()
	ctx := testContext(t)

	require.NoError(t, h.dev.Pair(ctx))
	h.clock.Advance(pairing.DefaultTimeout)
	h.eventually(func() bool { return h.dev.TrustState().Kind == pairing.Untrusted }, "request should time out")

	// A second request is not affected by the first timer firing late.
	require.NoError(t, h.dev.Pair(ctx))
	h.clock.Timers()[0].Fire()
	require.NoError(t, h.dev.do(ctx, func() error { return nil }))
	assert.Equal(t, pairing.PendingOutgoing, h.dev.TrustState().Kind)
}

func TestIncomingRequestTimesOut(t *testing.T) {
	h := newHarness(t)
	_, remote, _ := h.connect()

	require.NoError(t, remote.Send(packet.NewPair(true)))
	h.eventually(func() bool { return len(h.prompter.prompts()) == 1 }, "incoming request should prompt")

	h.clock.Advance(pairing.DefaultTimeout)
	h.eventually(func() bool { return h.prompter.withdrawals() == 1 }, "timeout should withdraw the prompt")
	assert.Equal(t, pairing.Untrusted, h.dev.TrustState().Kind)
}

func TestUnpairFromTrusted(t *testing.T) {
	h := newHarness(t, pinned())
	_, _, in := h.connect()
	require.Equal(t, []string{ping.Name, "spy"}, h.dev.Plugins())

	require.NoError(t, h.dev.Unpair(testContext(t)))
	assert.False(t, h.dev.Paired())
	assert.Empty(t, h.dev.Plugins())
	assert.Empty(t, h.dev.plugins.Routes())
	assert.Empty(t, h.pinnedPEM())
	assert.True(t, h.dev.Connected())
	h.eventually(func() bool { return len(in.pairs()) == 1 }, "unpair should reach the peer")
	assert.Equal(t, []bool{false}, in.pairs())

	entries := h.journal.list()
	assert.Less(t, indexOf(entries, "destroy"), indexOf(entries, "paired=false"),
		"plugins must unload before trust is revoked")
}

func TestUnpairFromEveryState(t *testing.T) {
	ctx := testContext(t)

	pending := newHarness(t)
	pending.connect()
	require.NoError(t, pending.dev.Pair(ctx))
	require.NoError(t, pending.dev.Unpair(ctx))
	assert.Equal(t, pairing.Untrusted, pending.dev.TrustState().Kind)
	assert.Equal(t, 0, pending.clock.Pending())

	untrusted := newHarness(t)
	require.NoError(t, untrusted.dev.Unpair(ctx))
	assert.Equal(t, pairing.Untrusted, untrusted.dev.TrustState().Kind)
	assert.Empty(t, untrusted.dev.Plugins())
}

func TestPeerUnpairs(t *testing.T) {
	h := newHarness(t, pinned())
	_, remote, _ := h.connect()

	require.NoError(t, remote.Send(packet.NewPair(false)))
	h.eventually(func() bool { return !h.dev.Paired() }, "peer unpair should revoke trust")
	assert.Empty(t, h.dev.Plugins())
	assert.Empty(t, h.pinnedPEM())
}

func TestTrustedPeerRepairsWithoutPrompt(t *testing.T) {
	h := newHarness(t, pinned())
	_, remote, in := h.connect()

	require.NoError(t, remote.Send(packet.NewPair(true)))
	h.eventually(func() bool { return len(in.pairs()) == 1 }, "trusted peer should get a confirmation")
	assert.Equal(t, []bool{true}, in.pairs())
	assert.Empty(t, h.prompter.prompts())
	assert.True(t, h.dev.Paired())
}

// Scenario C.
func TestDisconnectUnloadsBeforeConnectedFlips(t *testing.T) {
	h := newHarness(t, pinned())
	_, remote, _ := h.connect()
	require.Equal(t, 1, h.spyCount())

	ctx := testContext(t)
	var old *binding
	require.NoError(t, h.dev.do(ctx, func() error { old = h.dev.bound; return nil }))

	require.NoError(t, remote.Send(packet.MustNew(spyType, nil)))
	require.NoError(t, remote.Close())
	h.eventually(func() bool { return !h.dev.Connected() }, "device should disconnect")

	// A packet still in flight from the old channel is dropped.
	require.NoError(t, h.dev.do(ctx, func() error {
		h.dev.onChannelEvent(old, channel.Event{Kind: channel.EventReceived, Packet: packet.MustNew(spyType, nil)})
		return nil
	}))

	entries := h.journal.list()
	assert.Equal(t, 1, h.journal.count("handle:"+spyType))
	assert.Less(t, indexOf(entries, "handle:"+spyType), indexOf(entries, "destroy"))
	assert.Less(t, indexOf(entries, "plugins=[]"), indexOf(entries, "connected=false"),
		"plugins must be unloaded before connected flips")
	assert.Empty(t, h.dev.Plugins())
	assert.Empty(t, h.dev.plugins.Routes())
	assert.True(t, h.dev.Paired())
	assert.Equal(t, "smartphonetrusted", h.dev.SymbolicIconName())
}

// Scenario D.
func TestCertificateMismatchOnReconnect(t *testing.T) {
	h := newHarness(t, pinned())
	impostor := mustIdentity(t, peerID)
	local, _ := h.pipe(impostor)

	ctx := testContext(t)
	err := h.dev.Attach(ctx, local)
	assert.ErrorIs(t, err, cert.ErrCertificateMismatch)
	assert.True(t, local.Closed())
	assert.False(t, h.dev.Connected())
	assert.True(t, h.dev.Paired())
	assert.Equal(t, pairing.Trusted, h.dev.TrustState().Kind)
	assert.Empty(t, h.dev.Plugins())
	assert.Equal(t, 0, h.spyCount())
	assert.Equal(t, h.peer.Certificate.Fingerprint(), h.dev.Fingerprint())

	// The device stays usable for the genuine peer.
	h.connect()
	assert.True(t, h.dev.Connected())
	assert.Equal(t, []string{ping.Name, "spy"}, h.dev.Plugins())
}

func TestCorruptPinnedCertificate(t *testing.T) {
	corrupt := func(h *harness, cfg *Config) {
		ns := h.root.Sub(settings.DeviceNamespace(peerID))
		require.NoError(h.t, ns.SetString(KeyCertificate, "not a certificate"))
	}
	h := newHarness(t, corrupt)
	assert.False(t, h.dev.Paired())

	_, remote, _ := h.connect()
	assert.True(t, h.dev.Connected())

	require.NoError(t, remote.Send(packet.NewPair(true)))
	h.eventually(func() bool { return len(h.prompter.prompts()) == 1 }, "incoming request should prompt")
	require.NoError(t, h.prompter.prompts()[0].Accept(testContext(t)))

	assert.True(t, h.dev.Paired())
	assert.Equal(t, cert.EncodePEM(h.peer.Certificate), h.pinnedPEM())
}

func TestAttachReplacesChannel(t *testing.T) {
	h := newHarness(t, pinned())
	first, firstRemote, _ := h.connect()
	_, _, in := h.connect()

	assert.True(t, first.Closed())
	assert.True(t, h.dev.Connected())
	assert.Equal(t, 1, h.spyCount(), "plugins stay loaded across a channel swap")

	sent, err := h.dev.SendPacket(packet.MustNew(ping.PacketType, nil))
	require.NoError(t, err)
	assert.True(t, sent)
	h.eventually(func() bool { return len(in.types()) == 1 }, "packet should go out on the new channel")
	assert.Error(t, firstRemote.Send(packet.MustNew(spyType, nil)))
}

func TestSendPacketGate(t *testing.T) {
	p := packet.MustNew(ping.PacketType, ping.Body{Message: "hi"})

	h := newHarness(t)
	sent, err := h.dev.SendPacket(p)
	require.NoError(t, err)
	assert.False(t, sent, "disconnected")

	_, _, in := h.connect()
	sent, err = h.dev.SendPacket(p)
	require.NoError(t, err)
	assert.False(t, sent, "untrusted")

	trusted := newHarness(t, pinned())
	_, _, trustedIn := trusted.connect()
	sent, err = trusted.dev.SendPacket(p)
	require.NoError(t, err)
	assert.True(t, sent)
	trusted.eventually(func() bool { return len(trustedIn.types()) == 1 }, "packet should reach the peer")
	assert.Empty(t, in.types())
}

func TestRoutingRequiresConnectedAndTrusted(t *testing.T) {
	h := newHarness(t, pinned())
	assert.Empty(t, h.dev.plugins.Routes(), "trusted but disconnected")

	_, remote, _ := h.connect()
	assert.NotEmpty(t, h.dev.plugins.Routes())

	require.NoError(t, remote.Close())
	h.eventually(func() bool { return !h.dev.Connected() }, "device should disconnect")
	assert.Empty(t, h.dev.plugins.Routes())
}

func TestDispatchIsolatesFailures(t *testing.T) {
	h := newHarness(t, pinned())
	_, remote, _ := h.connect()

	require.NoError(t, remote.Send(packet.MustNew("kdeconnect.unknown", nil)))
	require.NoError(t, remote.Send(packet.MustNew(spyType, map[string]bool{"panic": true})))
	require.NoError(t, remote.Send(packet.MustNew(spyType, map[string]bool{"fail": true})))
	require.NoError(t, remote.Send(packet.MustNew(spyType, nil)))

	h.eventually(func() bool { return h.journal.count("handle:"+spyType) == 3 }, "every routed packet should reach the plugin")
	assert.True(t, h.dev.Connected())
	assert.Equal(t, []string{ping.Name, "spy"}, h.dev.Plugins())
}

func TestPingPluginReceives(t *testing.T) {
	h := newHarness(t, pinned())
	_, remote, _ := h.connect()

	require.NoError(t, remote.Send(packet.MustNew(ping.PacketType, ping.Body{Message: "hello"})))
	instance, ok := h.dev.Plugin(ping.Name)
	require.True(t, ok)
	h.eventually(func() bool { return instance.(*ping.Plugin).Received() == 1 }, "ping should be handled")
}

func TestCloseStopsDevice(t *testing.T) {
	h := newHarness(t, pinned())
	local, _, _ := h.connect()

	require.NoError(t, h.dev.Close())
	require.NoError(t, h.dev.Close())

	assert.True(t, local.Closed())
	assert.False(t, h.dev.Connected())
	assert.Empty(t, h.dev.Plugins())
	assert.Equal(t, 1, h.journal.count("destroy"))
	assert.ErrorIs(t, h.dev.Pair(testContext(t)), ErrClosed)

	sent, err := h.dev.SendPacket(packet.MustNew(ping.PacketType, nil))
	require.NoError(t, err)
	assert.False(t, sent)
}

func TestCloseWithdrawsPendingPrompt(t *testing.T) {
	h := newHarness(t)
	_, remote, _ := h.connect()
	require.NoError(t, remote.Send(packet.NewPair(true)))
	h.eventually(func() bool { return len(h.prompter.prompts()) == 1 }, "incoming request should prompt")

	require.NoError(t, h.dev.Close())
	assert.Equal(t, 1, h.prompter.withdrawals())
	assert.Equal(t, 0, h.clock.Pending())
}

func TestSymbolicIcon(t *testing.T) {
	tests := []struct {
		typ       identity.Type
		connected bool
		paired    bool
		want      string
	}{
		{identity.TypePhone, true, true, "smartphoneconnected"},
		{identity.TypePhone, false, true, "smartphonetrusted"},
		{identity.TypeLaptop, true, false, "laptopdisconnected"},
		{identity.TypeUnknown, false, false, "desktopdisconnected"},
		{identity.TypeDesktop, true, true, "desktopconnected"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, symbolicIcon(tt.typ, tt.connected, tt.paired))
		})
	}
}

func TestIconName(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, "phone", h.dev.IconName())

	desk := newHarness(t, withoutIdentity())
	assert.Equal(t, "unknown", desk.dev.IconName())
}

func indexOf(entries []string, s string) int {
	for i, e := range entries {
		if e == s {
			return i
		}
	}
	return -1
}
