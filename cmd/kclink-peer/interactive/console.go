// Package interactive provides the interactive command-line interface
// for kclink-peer.
package interactive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/chzyer/readline"

	"github.com/kclink/kclink-go/pkg/device"
	"github.com/kclink/kclink-go/pkg/plugins/ping"
)

const commandTimeout = 15 * time.Second

// Host is the set of devices the console manages.
type Host interface {
	Devices() []*device.Device
	Device(id string) (*device.Device, bool)
	Dial(ctx context.Context, address string) (*device.Device, error)
	Forget(ctx context.Context, id string) error
}

// Console handles interactive mode for kclink-peer. It also presents pair
// requests, so it doubles as the device.Prompter.
type Console struct {
	rl   *readline.Instance
	out  io.Writer
	host Host

	mu      sync.Mutex
	prompts map[string]device.PairPrompt
}

// New creates a console reading from the terminal.
func New() (*Console, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "kclink> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create readline: %w", err)
	}
	c := newConsole(rl.Stdout())
	c.rl = rl
	return c, nil
}

func newConsole(out io.Writer) *Console {
	return &Console{out: out, prompts: make(map[string]device.PairPrompt)}
}

// Bind sets the host the commands operate on.
func (c *Console) Bind(h Host) {
	c.host = h
}

// Stdout returns a writer that properly coordinates with the readline input.
// Use this for log output to avoid interfering with the command prompt.
func (c *Console) Stdout() io.Writer {
	return c.out
}

// Run starts the interactive command loop.
func (c *Console) Run(ctx context.Context, cancel context.CancelFunc) {
	defer c.rl.Close()

	c.printHelp()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line, err := c.rl.Readline()
		if err != nil {
			// EOF or interrupt
			if errors.Is(err, readline.ErrInterrupt) {
				continue
			}
			fmt.Fprintln(c.out, "Exiting...")
			cancel()
			return
		}

		if quit := c.Execute(ctx, line); quit {
			cancel()
			return
		}
	}
}

// Execute runs one command line. It reports whether the console should exit.
func (c *Console) Execute(ctx context.Context, line string) bool {
	parts := strings.Fields(strings.TrimSpace(line))
	if len(parts) == 0 {
		return false
	}
	cmd := strings.ToLower(parts[0])
	args := parts[1:]

	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	switch cmd {
	case "help", "?":
		c.printHelp()

	case "list", "ls", "devices":
		c.cmdList()

	case "info", "i":
		c.cmdInfo(args)

	case "connect", "c":
		c.cmdConnect(ctx, args)

	case "pair":
		c.withDevice(args, "pair <device-id>", func(d *device.Device) error { return d.Pair(ctx) })

	case "unpair":
		c.withDevice(args, "unpair <device-id>", func(d *device.Device) error { return d.Unpair(ctx) })

	case "accept", "a":
		c.cmdAnswer(ctx, args, true)

	case "reject":
		c.cmdAnswer(ctx, args, false)

	case "requests":
		c.cmdRequests()

	case "ping", "p":
		c.cmdPing(args)

	case "forget":
		c.cmdForget(ctx, args)

	case "quit", "exit", "q":
		fmt.Fprintln(c.out, "Exiting...")
		return true

	default:
		fmt.Fprintf(c.out, "Unknown command: %s (type 'help' for commands)\n", cmd)
	}
	return false
}

func (c *Console) printHelp() {
	fmt.Fprintln(c.out, `
kclink Commands:
  Devices:
    list                   - List known devices
    info <device-id>       - Show device details
    connect <host:port>    - Open a channel to a peer
    forget <device-id>     - Unpair and remove a device

  Pairing:
    pair <device-id>       - Request pairing
    unpair <device-id>     - Revoke trust
    requests               - List pending pair requests
    accept [device-id]     - Accept a pair request
    reject [device-id]     - Reject a pair request

  Plugins:
    ping <device-id> [msg] - Send a ping

  General:
    help                   - Show this help
    quit                   - Exit`)
}

func (c *Console) cmdList() {
	devices := c.host.Devices()
	if len(devices) == 0 {
		fmt.Fprintln(c.out, "No known devices")
		return
	}
	for _, d := range devices {
		fmt.Fprintf(c.out, "  %-36s %-20s %-8s %s\n", d.ID(), d.Name(), d.Type(), status(d))
	}
}

func status(d *device.Device) string {
	var parts []string
	if d.Connected() {
		parts = append(parts, "connected")
	} else {
		parts = append(parts, "offline")
	}
	parts = append(parts, d.TrustState().Kind.String())
	return strings.Join(parts, ", ")
}

func (c *Console) cmdInfo(args []string) {
	d, ok := c.device(args, "info <device-id>")
	if !ok {
		return
	}
	fmt.Fprintf(c.out, "ID:          %s\n", d.ID())
	fmt.Fprintf(c.out, "Name:        %s\n", d.Name())
	fmt.Fprintf(c.out, "Type:        %s\n", d.Type())
	fmt.Fprintf(c.out, "Status:      %s\n", status(d))
	fmt.Fprintf(c.out, "Icon:        %s\n", d.SymbolicIconName())
	if fp := d.Fingerprint(); fp != "" {
		fmt.Fprintf(c.out, "Fingerprint: %s\n", fp)
	}
	fmt.Fprintf(c.out, "Incoming:    %s\n", strings.Join(d.IncomingCapabilities(), ", "))
	fmt.Fprintf(c.out, "Outgoing:    %s\n", strings.Join(d.OutgoingCapabilities(), ", "))
	fmt.Fprintf(c.out, "Plugins:     %s\n", strings.Join(d.Plugins(), ", "))
}

func (c *Console) cmdConnect(ctx context.Context, args []string) {
	if len(args) != 1 {
		fmt.Fprintln(c.out, "Usage: connect <host:port>")
		return
	}
	d, err := c.host.Dial(ctx, args[0])
	if err != nil {
		fmt.Fprintf(c.out, "Error: %v\n", err)
		return
	}
	fmt.Fprintf(c.out, "Connected to %s (%s)\n", d.Name(), d.ID())
}

func (c *Console) cmdForget(ctx context.Context, args []string) {
	if len(args) != 1 {
		fmt.Fprintln(c.out, "Usage: forget <device-id>")
		return
	}
	if err := c.host.Forget(ctx, args[0]); err != nil {
		fmt.Fprintf(c.out, "Error: %v\n", err)
		return
	}
	fmt.Fprintf(c.out, "Forgot %s\n", args[0])
}

func (c *Console) cmdPing(args []string) {
	d, ok := c.device(args, "ping <device-id> [message]")
	if !ok {
		return
	}
	p, ok := d.Plugin(ping.Name)
	if !ok {
		fmt.Fprintln(c.out, "Ping plugin not loaded (device must be connected and paired)")
		return
	}
	sent, err := p.(*ping.Plugin).Send(strings.Join(args[1:], " "))
	switch {
	case err != nil:
		fmt.Fprintf(c.out, "Error: %v\n", err)
	case !sent:
		fmt.Fprintln(c.out, "Ping not delivered")
	default:
		fmt.Fprintln(c.out, "Ping sent")
	}
}

func (c *Console) cmdRequests() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.prompts) == 0 {
		fmt.Fprintln(c.out, "No pending pair requests")
		return
	}
	for _, id := range c.pendingLocked() {
		p := c.prompts[id]
		fmt.Fprintf(c.out, "  %s (%s) expires in %s\n", p.DeviceName, id, time.Until(p.Deadline).Round(time.Second))
	}
}

func (c *Console) cmdAnswer(ctx context.Context, args []string, accept bool) {
	c.mu.Lock()
	var (
		p  device.PairPrompt
		ok bool
	)
	switch {
	case len(args) > 0:
		p, ok = c.prompts[args[0]]
	case len(c.prompts) == 1:
		p, ok = c.prompts[c.pendingLocked()[0]]
	case len(c.prompts) > 1:
		c.mu.Unlock()
		fmt.Fprintln(c.out, "Several requests pending, name the device")
		return
	}
	c.mu.Unlock()

	if !ok {
		fmt.Fprintln(c.out, "No matching pair request")
		return
	}

	answer, verb := p.Reject, "Rejected"
	if accept {
		answer, verb = p.Accept, "Accepted"
	}
	if err := answer(ctx); err != nil {
		fmt.Fprintf(c.out, "Error: %v\n", err)
		return
	}
	fmt.Fprintf(c.out, "%s %s\n", verb, p.DeviceName)
}

func (c *Console) device(args []string, usage string) (*device.Device, bool) {
	if len(args) < 1 {
		fmt.Fprintf(c.out, "Usage: %s\n", usage)
		return nil, false
	}
	d, ok := c.host.Device(args[0])
	if !ok {
		fmt.Fprintf(c.out, "Unknown device: %s\n", args[0])
		return nil, false
	}
	return d, true
}

func (c *Console) withDevice(args []string, usage string, fn func(*device.Device) error) {
	d, ok := c.device(args, usage)
	if !ok {
		return
	}
	if err := fn(d); err != nil {
		fmt.Fprintf(c.out, "Error: %v\n", err)
		return
	}
	fmt.Fprintln(c.out, "OK")
}

func (c *Console) pendingLocked() []string {
	ids := make([]string, 0, len(c.prompts))
	for id := range c.prompts {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// ShowPairPrompt implements device.Prompter.
func (c *Console) ShowPairPrompt(p device.PairPrompt) {
	c.mu.Lock()
	c.prompts[p.DeviceID] = p
	c.mu.Unlock()

	fmt.Fprintf(c.out, "\nPair request from %s (%s)\n", p.DeviceName, p.DeviceID)
	fmt.Fprintf(c.out, "  Their fingerprint: %s\n", p.PeerFingerprint)
	if p.LocalFingerprint != "" {
		fmt.Fprintf(c.out, "  Your fingerprint:  %s\n", p.LocalFingerprint)
	}
	fmt.Fprintf(c.out, "  Type 'accept %s' or 'reject %s'\n", p.DeviceID, p.DeviceID)
}

// WithdrawPairPrompt implements device.Prompter.
func (c *Console) WithdrawPairPrompt(deviceID string) {
	c.mu.Lock()
	_, ok := c.prompts[deviceID]
	delete(c.prompts, deviceID)
	c.mu.Unlock()
	if ok {
		fmt.Fprintf(c.out, "Pair request from %s closed\n", deviceID)
	}
}

var _ device.Prompter = (*Console)(nil)
