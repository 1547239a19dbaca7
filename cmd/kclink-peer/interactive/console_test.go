package interactive

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kclink/kclink-go/pkg/device"
	"github.com/kclink/kclink-go/pkg/packet"
)

type fakeHost struct {
	devices   []*device.Device
	dialErr   error
	forgotten []string
}

func (h *fakeHost) Devices() []*device.Device { return h.devices }

func (h *fakeHost) Device(id string) (*device.Device, bool) {
	for _, d := range h.devices {
		if d.ID() == id {
			return d, true
		}
	}
	return nil, false
}

func (h *fakeHost) Dial(ctx context.Context, address string) (*device.Device, error) {
	if h.dialErr != nil {
		return nil, h.dialErr
	}
	return h.devices[0], nil
}

func (h *fakeHost) Forget(ctx context.Context, id string) error {
	h.forgotten = append(h.forgotten, id)
	return nil
}

func newTestConsole(t *testing.T) (*Console, *fakeHost, *bytes.Buffer) {
	t.Helper()
	cfg := device.DefaultConfig("phone1")
	cfg.Identity = &packet.IdentityBody{DeviceID: "phone1", DeviceName: "Pixel", DeviceType: "phone"}
	d, err := device.New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })

	out := &bytes.Buffer{}
	h := &fakeHost{devices: []*device.Device{d}}
	c := newConsole(out)
	c.Bind(h)
	return c, h, out
}

func (c *Console) run(t *testing.T, line string) string {
	t.Helper()
	buf := c.out.(*bytes.Buffer)
	buf.Reset()
	c.Execute(context.Background(), line)
	return buf.String()
}

func TestConsoleList(t *testing.T) {
	c, h, _ := newTestConsole(t)

	out := c.run(t, "list")
	assert.Contains(t, out, "phone1")
	assert.Contains(t, out, "Pixel")
	assert.Contains(t, out, "offline, untrusted")

	h.devices = nil
	assert.Contains(t, c.run(t, "ls"), "No known devices")
}

func TestConsoleInfo(t *testing.T) {
	c, _, _ := newTestConsole(t)

	out := c.run(t, "info phone1")
	assert.Contains(t, out, "Name:        Pixel")
	assert.Contains(t, out, "Icon:        smartphonedisconnected")

	assert.Contains(t, c.run(t, "info"), "Usage: info")
	assert.Contains(t, c.run(t, "info nobody"), "Unknown device: nobody")
}

func TestConsoleAnswerPrompt(t *testing.T) {
	c, _, _ := newTestConsole(t)

	assert.Contains(t, c.run(t, "accept"), "No matching pair request")

	var accepted, rejected int
	prompt := device.PairPrompt{
		DeviceID:        "phone1",
		DeviceName:      "Pixel",
		PeerFingerprint: "AA:BB",
		Accept:          func(context.Context) error { accepted++; return nil },
		Reject:          func(context.Context) error { rejected++; return nil },
	}
	c.ShowPairPrompt(prompt)
	assert.Contains(t, c.out.(*bytes.Buffer).String(), "Their fingerprint: AA:BB")
	assert.Contains(t, c.run(t, "requests"), "Pixel (phone1)")

	assert.Contains(t, c.run(t, "accept"), "Accepted Pixel")
	assert.Equal(t, 1, accepted)

	assert.Contains(t, c.run(t, "reject phone1"), "Rejected Pixel")
	assert.Equal(t, 1, rejected)

	c.WithdrawPairPrompt("phone1")
	assert.Contains(t, c.run(t, "requests"), "No pending pair requests")
	assert.Contains(t, c.run(t, "accept phone1"), "No matching pair request")
}

func TestConsoleSeveralPrompts(t *testing.T) {
	c, _, _ := newTestConsole(t)
	noop := func(context.Context) error { return nil }
	c.ShowPairPrompt(device.PairPrompt{DeviceID: "a", DeviceName: "A", Accept: noop, Reject: noop})
	c.ShowPairPrompt(device.PairPrompt{DeviceID: "b", DeviceName: "B", Accept: noop, Reject: noop})

	assert.Contains(t, c.run(t, "accept"), "Several requests pending")
	assert.Contains(t, c.run(t, "accept b"), "Accepted B")
}

func TestConsoleAnswerError(t *testing.T) {
	c, _, _ := newTestConsole(t)
	c.ShowPairPrompt(device.PairPrompt{
		DeviceID: "phone1",
		Accept:   func(context.Context) error { return errors.New("too late") },
	})
	assert.Contains(t, c.run(t, "accept"), "Error: too late")
}

func TestConsolePairing(t *testing.T) {
	c, _, _ := newTestConsole(t)

	assert.Contains(t, c.run(t, "pair phone1"), "Error:", "no channel to send on")
	assert.Contains(t, c.run(t, "unpair phone1"), "OK")
	assert.Contains(t, c.run(t, "pair"), "Usage: pair")
}

func TestConsolePing(t *testing.T) {
	c, _, _ := newTestConsole(t)
	assert.Contains(t, c.run(t, "ping phone1 hello"), "Ping plugin not loaded")
}

func TestConsoleConnectAndForget(t *testing.T) {
	c, h, _ := newTestConsole(t)

	assert.Contains(t, c.run(t, "connect"), "Usage: connect")
	assert.Contains(t, c.run(t, "connect 10.0.0.2:1716"), "Connected to Pixel (phone1)")

	h.dialErr = errors.New("refused")
	assert.Contains(t, c.run(t, "connect 10.0.0.2:1716"), "Error: refused")

	assert.Contains(t, c.run(t, "forget phone1"), "Forgot phone1")
	assert.Equal(t, []string{"phone1"}, h.forgotten)
}

func TestConsoleExecute(t *testing.T) {
	c, _, _ := newTestConsole(t)
	ctx := context.Background()

	assert.False(t, c.Execute(ctx, "   "))
	assert.Contains(t, c.run(t, "bogus"), "Unknown command: bogus")
	assert.Contains(t, c.run(t, "help"), "kclink Commands")
	assert.True(t, c.Execute(ctx, "quit"))
}
