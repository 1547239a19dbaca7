package plugin

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/kclink/kclink-go/pkg/identity"
	"github.com/kclink/kclink-go/pkg/packet"
)

type mockPlugin struct {
	mock.Mock
}

func (m *mockPlugin) HandlePacket(ctx context.Context, p *packet.Packet) error {
	args := m.Called(ctx, p)
	return args.Error(0)
}

func (m *mockPlugin) Destroy(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

type stubHost struct{}

func (stubHost) DeviceID() string                        { return "peer" }
func (stubHost) DeviceName() string                      { return "Peer" }
func (stubHost) SendPacket(*packet.Packet) (bool, error) { return true, nil }
func (stubHost) Logger() *slog.Logger                    { return slog.New(slog.DiscardHandler) }

// counter tracks instances created by a factory.
type counter struct {
	mu        sync.Mutex
	instances []*mockPlugin
}

func (c *counter) factory(destroyErr error) Factory {
	return func(Host) (Plugin, error) {
		p := &mockPlugin{}
		p.On("Destroy", mock.Anything).Return(destroyErr)
		p.On("HandlePacket", mock.Anything, mock.Anything).Return(nil)
		c.mu.Lock()
		c.instances = append(c.instances, p)
		c.mu.Unlock()
		return p, nil
	}
}

func (c *counter) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.instances)
}

func peer(in, out []string) identity.Identity {
	return identity.Identity{
		ID:                   "peer",
		Name:                 "Peer",
		Type:                 identity.TypePhone,
		IncomingCapabilities: in,
		OutgoingCapabilities: out,
	}
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	c := &counter{}
	r, err := NewRegistry(Descriptor{Name: "ping", Factory: c.factory(nil)})
	require.NoError(t, err)

	err = r.Register(Descriptor{Name: "ping", Factory: c.factory(nil)})
	assert.ErrorIs(t, err, ErrDuplicatePlugin)

	err = r.Register(Descriptor{Name: "", Factory: c.factory(nil)})
	assert.ErrorIs(t, err, ErrInvalidPlugin)

	err = r.Register(Descriptor{Name: "nofactory"})
	assert.ErrorIs(t, err, ErrInvalidPlugin)
}

func TestSupported(t *testing.T) {
	c := &counter{}
	r, err := NewRegistry(
		Descriptor{Name: "ping", IncomingCapabilities: []string{"kdeconnect.ping"}, OutgoingCapabilities: []string{"kdeconnect.ping"}, Factory: c.factory(nil)},
		Descriptor{Name: "battery", IncomingCapabilities: []string{"kdeconnect.battery"}, Factory: c.factory(nil)},
		Descriptor{Name: "findmyphone", OutgoingCapabilities: []string{"kdeconnect.findmyphone.request"}, Factory: c.factory(nil)},
	)
	require.NoError(t, err)

	tests := []struct {
		name string
		peer identity.Identity
		want []string
	}{
		{"nothing in common", peer(nil, nil), nil},
		{"we consume what peer produces", peer(nil, []string{"kdeconnect.battery"}), []string{"battery"}},
		{"peer consumes what we produce", peer([]string{"kdeconnect.findmyphone.request"}, nil), []string{"findmyphone"}},
		{"sorted by name", peer([]string{"kdeconnect.ping", "kdeconnect.findmyphone.request"}, []string{"kdeconnect.battery"}),
			[]string{"battery", "findmyphone", "ping"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []string
			for _, d := range r.Supported(tt.peer) {
				got = append(got, d.Name)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSupportedPureAndMonotone(t *testing.T) {
	c := &counter{}
	r, err := NewRegistry(
		Descriptor{Name: "a", IncomingCapabilities: []string{"x.a"}, Factory: c.factory(nil)},
		Descriptor{Name: "b", OutgoingCapabilities: []string{"x.b"}, Factory: c.factory(nil)},
	)
	require.NoError(t, err)

	small := peer(nil, []string{"x.a"})
	large := peer([]string{"x.b"}, []string{"x.a"})

	first := r.Supported(small)
	assert.Equal(t, names(first), names(r.Supported(small)), "same input, same output")
	assert.Len(t, first, 1)

	bigger := r.Supported(large)
	for _, d := range first {
		assert.Contains(t, names(bigger), d.Name, "adding capabilities never removes a plugin")
	}
}

func names(ds []Descriptor) []string {
	var out []string
	for _, d := range ds {
		out = append(out, d.Name)
	}
	return out
}

func TestRegistryCapabilities(t *testing.T) {
	c := &counter{}
	r, err := NewRegistry(
		Descriptor{Name: "a", IncomingCapabilities: []string{"x.b", "x.a"}, Factory: c.factory(nil)},
		Descriptor{Name: "b", IncomingCapabilities: []string{"x.a"}, OutgoingCapabilities: []string{"x.c"}, Factory: c.factory(nil)},
	)
	require.NoError(t, err)

	assert.Equal(t, []string{"x.a", "x.b"}, r.IncomingCapabilities())
	assert.Equal(t, []string{"x.c"}, r.OutgoingCapabilities())
}

func newManager(t *testing.T, descs ...Descriptor) *Manager {
	t.Helper()
	r, err := NewRegistry(descs...)
	require.NoError(t, err)
	return NewManager(ManagerConfig{Registry: r, Host: stubHost{}})
}

func TestLoadAllIdempotent(t *testing.T) {
	c := &counter{}
	m := newManager(t, Descriptor{Name: "ping", IncomingCapabilities: []string{"kdeconnect.ping"}, Factory: c.factory(nil)})
	id := peer(nil, []string{"kdeconnect.ping"})
	ctx := context.Background()

	res := m.LoadAll(ctx, id)
	require.NoError(t, res.Err())
	assert.Equal(t, []string{"ping"}, res.Succeeded())

	res = m.LoadAll(ctx, id)
	assert.Empty(t, res.Results)
	assert.Equal(t, 1, c.count(), "one instance per plugin")
	assert.Equal(t, map[string]string{"kdeconnect.ping": "ping"}, m.Routes())
}

func TestLoadAllIsolatesFailures(t *testing.T) {
	c := &counter{}
	m := newManager(t,
		Descriptor{Name: "broken", IncomingCapabilities: []string{"x.broken"}, Factory: func(Host) (Plugin, error) {
			return nil, errors.New("no hardware")
		}},
		Descriptor{Name: "panics", IncomingCapabilities: []string{"x.panics"}, Factory: func(Host) (Plugin, error) {
			panic("boom")
		}},
		Descriptor{Name: "works", IncomingCapabilities: []string{"x.works"}, Factory: c.factory(nil)},
	)

	res := m.LoadAll(context.Background(), peer(nil, []string{"x.broken", "x.panics", "x.works"}))
	assert.ErrorIs(t, res.Err(), ErrInstantiation)
	assert.Equal(t, []string{"broken", "panics"}, res.Failed())
	assert.Equal(t, []string{"works"}, m.Loaded())
	assert.Equal(t, map[string]string{"x.works": "works"}, m.Routes())
}

func TestLoadAllReportsConflicts(t *testing.T) {
	c := &counter{}
	m := newManager(t,
		Descriptor{Name: "alpha", IncomingCapabilities: []string{"x.shared", "x.alpha"}, Factory: c.factory(nil)},
		Descriptor{Name: "beta", IncomingCapabilities: []string{"x.shared", "x.beta"}, Factory: c.factory(nil)},
	)

	res := m.LoadAll(context.Background(), peer(nil, []string{"x.shared", "x.alpha", "x.beta"}))
	assert.ErrorIs(t, res.Err(), ErrPacketTypeConflict)
	assert.Empty(t, res.Failed(), "a conflict is not a load failure")
	require.Len(t, res.Results, 2)
	assert.Equal(t, []string{"x.shared"}, res.Results[1].Conflicts)

	assert.Equal(t, []string{"alpha", "beta"}, m.Loaded())
	routes := m.Routes()
	assert.Equal(t, "alpha", routes["x.shared"], "first registrant wins")
	assert.Equal(t, "beta", routes["x.beta"])
}

func TestUnloadAll(t *testing.T) {
	c := &counter{}
	boom := errors.New("stuck")
	m := newManager(t,
		Descriptor{Name: "a", IncomingCapabilities: []string{"x.a"}, Factory: c.factory(nil)},
		Descriptor{Name: "b", IncomingCapabilities: []string{"x.b"}, Factory: c.factory(boom)},
	)
	ctx := context.Background()
	m.LoadAll(ctx, peer(nil, []string{"x.a", "x.b"}))

	res := m.UnloadAll(ctx)
	assert.ErrorIs(t, res.Err(), ErrDestruction)
	assert.Equal(t, []string{"b"}, res.Failed())
	assert.Empty(t, m.Loaded())
	assert.Empty(t, m.Routes())

	for _, p := range c.instances {
		p.AssertCalled(t, "Destroy", mock.Anything)
	}

	assert.Empty(t, m.UnloadAll(ctx).Results, "unloading nothing is a no-op")
}

func TestLoadAllDropsUnsupported(t *testing.T) {
	c := &counter{}
	m := newManager(t,
		Descriptor{Name: "a", IncomingCapabilities: []string{"x.a"}, Factory: c.factory(nil)},
		Descriptor{Name: "b", IncomingCapabilities: []string{"x.b"}, Factory: c.factory(nil)},
	)
	ctx := context.Background()
	m.LoadAll(ctx, peer(nil, []string{"x.a", "x.b"}))

	res := m.LoadAll(ctx, peer(nil, []string{"x.b"}))
	require.Len(t, res.Results, 1)
	assert.Equal(t, OpUnload, res.Results[0].Op)
	assert.Equal(t, []string{"b"}, m.Loaded())
}

func TestDispatch(t *testing.T) {
	ctx := context.Background()
	handled := &mockPlugin{}
	handled.On("HandlePacket", mock.Anything, mock.Anything).Return(nil).Once()
	handled.On("Destroy", mock.Anything).Return(nil)

	panicky := &mockPlugin{}
	panicky.On("HandlePacket", mock.Anything, mock.Anything).Run(func(mock.Arguments) { panic("bad packet") })
	panicky.On("Destroy", mock.Anything).Return(nil)

	m := newManager(t,
		Descriptor{Name: "good", IncomingCapabilities: []string{"x.good"}, Factory: func(Host) (Plugin, error) { return handled, nil }},
		Descriptor{Name: "bad", IncomingCapabilities: []string{"x.bad"}, Factory: func(Host) (Plugin, error) { return panicky, nil }},
	)
	m.LoadAll(ctx, peer(nil, []string{"x.good", "x.bad"}))

	ok, err := m.Dispatch(ctx, packet.MustNew("x.good", nil))
	assert.True(t, ok)
	assert.NoError(t, err)

	ok, err = m.Dispatch(ctx, packet.MustNew("x.bad", nil))
	assert.True(t, ok)
	assert.ErrorIs(t, err, ErrHandlerPanic)

	ok, err = m.Dispatch(ctx, packet.MustNew("x.unknown", nil))
	assert.False(t, ok)
	assert.NoError(t, err)

	m.UnloadAll(ctx)
	handled.AssertExpectations(t)
	panicky.AssertCalled(t, "Destroy", mock.Anything)
}
