package pairing

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kclink/kclink-go/pkg/cert"
)

// DefaultTimeout is how long a pair request stays pending.
const DefaultTimeout = 30 * time.Second

// Pairing errors.
var (
	ErrNoPendingRequest = errors.New("pairing: no pending pair request")
	ErrSendFailed       = errors.New("pairing: failed to send pair packet")
	ErrNoCertificate    = errors.New("pairing: peer certificate unavailable")
	ErrStoreFailed      = errors.New("pairing: failed to store certificate")
)

// Env performs the side effects of pairing transitions.
type Env interface {
	// SendPair sends a pair packet with the given flag to the peer.
	SendPair(pair bool) error

	// PeerCertificate returns the certificate presented on the current
	// channel, or nil when there is none.
	PeerCertificate() *cert.Certificate

	// StoreCertificate pins c as the peer's certificate.
	StoreCertificate(c *cert.Certificate) error

	// ClearCertificate removes the pinned certificate.
	ClearCertificate() error

	// ShowPrompt asks the user to accept or reject an incoming request.
	ShowPrompt()

	// WithdrawPrompt removes a prompt shown by ShowPrompt.
	WithdrawPrompt()

	// LoadPlugins is called after entering Trusted.
	LoadPlugins()

	// UnloadPlugins is called before leaving Trusted. It must complete
	// before returning.
	UnloadPlugins()
}

// Config configures a Machine.
type Config struct {
	// Timeout is how long a request stays pending (default DefaultTimeout).
	Timeout time.Duration

	// Clock creates pending-request timers (default SystemClock).
	Clock Clock

	// Dispatch runs timer expiry on the owner's goroutine. When nil the
	// expiry runs on the timer's goroutine.
	Dispatch func(func())

	// OnStateChange is called after every transition that changed the
	// state, once its side effects are applied.
	OnStateChange func(oldState, newState State)

	// Logger for operational logging (optional).
	Logger *slog.Logger
}

// DefaultConfig returns the default machine configuration.
func DefaultConfig() Config {
	return Config{
		Timeout: DefaultTimeout,
		Clock:   SystemClock{},
	}
}

// InitialState is Trusted when a certificate is pinned, Untrusted otherwise.
func InitialState(pinned *cert.Certificate) State {
	if pinned == nil {
		return State{Kind: Untrusted}
	}
	return State{Kind: Trusted, Fingerprint: pinned.Fingerprint()}
}

// Machine is the pairing state machine for one peer.
type Machine struct {
	config Config
	env    Env
	state  State

	// timer is the pending-request timer; generation identifies it so a
	// fire that raced with Stop is ignored.
	timer      Timer
	generation uint64
}

// New creates a machine in the given initial state.
func New(cfg Config, env Env, initial State) *Machine {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = SystemClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if initial.Pending() {
		initial = State{Kind: Untrusted}
	}
	return &Machine{config: cfg, env: env, state: initial}
}

// State returns the current state.
func (m *Machine) State() State {
	return m.state
}

// Paired reports whether the peer is trusted.
func (m *Machine) Paired() bool {
	return m.state.Kind == Trusted
}

// Pair handles a local pair request. From PendingIncoming it accepts the
// peer's request. From Trusted it re-sends the confirmation.
func (m *Machine) Pair() error {
	switch m.state.Kind {
	case Untrusted:
		if err := m.env.SendPair(true); err != nil {
			return fmt.Errorf("%w: %v", ErrSendFailed, err)
		}
		m.enterPending(PendingOutgoing)
		return nil

	case PendingOutgoing:
		return nil

	case PendingIncoming:
		return m.accept()

	case Trusted:
		if err := m.env.SendPair(true); err != nil {
			return fmt.Errorf("%w: %v", ErrSendFailed, err)
		}
		return nil
	}
	return nil
}

// Accept accepts a pending incoming request.
func (m *Machine) Accept() error {
	if m.state.Kind != PendingIncoming {
		return ErrNoPendingRequest
	}
	return m.accept()
}

// Reject rejects a pending incoming request.
func (m *Machine) Reject() error {
	if m.state.Kind != PendingIncoming {
		return ErrNoPendingRequest
	}
	if err := m.env.SendPair(false); err != nil {
		m.config.Logger.Debug("reject not delivered", "error", err)
	}
	m.stopTimer()
	m.env.WithdrawPrompt()
	m.transition(State{Kind: Untrusted})
	return nil
}

// Unpair revokes trust, or abandons a pending request, from any state. The
// peer is told best effort.
func (m *Machine) Unpair() error {
	if err := m.env.SendPair(false); err != nil {
		m.config.Logger.Debug("unpair not delivered", "error", err)
	}

	old := m.state
	m.stopTimer()
	if old.Kind == PendingIncoming {
		m.env.WithdrawPrompt()
	}
	m.env.UnloadPlugins()
	err := m.env.ClearCertificate()
	m.transition(State{Kind: Untrusted})

	if err != nil {
		return fmt.Errorf("pairing: failed to clear certificate: %w", err)
	}
	return nil
}

// Receive handles a pair packet from the peer.
func (m *Machine) Receive(pair bool) error {
	if pair {
		return m.receiveRequest()
	}
	return m.receiveRejection()
}

func (m *Machine) receiveRequest() error {
	switch m.state.Kind {
	case Untrusted:
		m.enterPending(PendingIncoming)
		m.env.ShowPrompt()
		return nil

	case PendingIncoming:
		// Duplicate request; the existing prompt and timer stay.
		return nil

	case PendingOutgoing:
		c := m.env.PeerCertificate()
		if c == nil {
			m.stopTimer()
			m.transition(State{Kind: Untrusted})
			return ErrNoCertificate
		}
		if err := m.env.StoreCertificate(c); err != nil {
			m.stopTimer()
			m.transition(State{Kind: Untrusted})
			return fmt.Errorf("%w: %v", ErrStoreFailed, err)
		}
		m.stopTimer()
		m.transition(State{Kind: Trusted, Fingerprint: c.Fingerprint()})
		m.env.LoadPlugins()
		return nil

	case Trusted:
		// The peer lost its record of us; confirm again without prompting.
		if err := m.env.SendPair(true); err != nil {
			return fmt.Errorf("%w: %v", ErrSendFailed, err)
		}
		return nil
	}
	return nil
}

func (m *Machine) receiveRejection() error {
	switch m.state.Kind {
	case PendingOutgoing:
		m.stopTimer()
		m.transition(State{Kind: Untrusted})

	case PendingIncoming:
		m.stopTimer()
		m.env.WithdrawPrompt()
		m.transition(State{Kind: Untrusted})

	case Trusted:
		m.env.UnloadPlugins()
		err := m.env.ClearCertificate()
		m.transition(State{Kind: Untrusted})
		if err != nil {
			return fmt.Errorf("pairing: failed to clear certificate: %w", err)
		}
	}
	return nil
}

// accept moves PendingIncoming to Trusted. Any failure degrades to Untrusted.
func (m *Machine) accept() error {
	degrade := func() {
		m.stopTimer()
		m.env.WithdrawPrompt()
		m.transition(State{Kind: Untrusted})
	}

	c := m.env.PeerCertificate()
	if c == nil {
		degrade()
		return ErrNoCertificate
	}
	if err := m.env.SendPair(true); err != nil {
		degrade()
		return fmt.Errorf("%w: %v", ErrSendFailed, err)
	}
	if err := m.env.StoreCertificate(c); err != nil {
		degrade()
		return fmt.Errorf("%w: %v", ErrStoreFailed, err)
	}

	m.stopTimer()
	m.env.WithdrawPrompt()
	m.transition(State{Kind: Trusted, Fingerprint: c.Fingerprint()})
	m.env.LoadPlugins()
	return nil
}

// Stop drops a pending request to Untrusted and cancels its timer. Trusted
// and Untrusted are left as they are.
func (m *Machine) Stop() {
	if m.state.Pending() {
		if m.state.Kind == PendingIncoming {
			m.env.WithdrawPrompt()
		}
		m.stopTimer()
		m.transition(State{Kind: Untrusted})
	}
}

func (m *Machine) enterPending(kind Kind) {
	m.stopTimer()
	m.generation++
	gen := m.generation

	m.timer = m.config.Clock.AfterFunc(m.config.Timeout, func() {
		if m.config.Dispatch != nil {
			m.config.Dispatch(func() { m.expire(gen) })
			return
		}
		m.expire(gen)
	})
	m.transition(State{Kind: kind, Deadline: m.config.Clock.Now().Add(m.config.Timeout)})
}

// expire handles a timer firing. A stale generation means the request was
// already resolved and the fire raced with Stop.
func (m *Machine) expire(gen uint64) {
	if gen != m.generation || m.timer == nil || !m.state.Pending() {
		return
	}
	m.timer = nil
	m.config.Logger.Debug("pair request timed out", "state", m.state.Kind.String())

	if m.state.Kind == PendingIncoming {
		m.env.WithdrawPrompt()
	}
	m.transition(State{Kind: Untrusted})
}

func (m *Machine) stopTimer() {
	if m.timer == nil {
		return
	}
	m.timer.Stop()
	m.timer = nil
	m.generation++
}

func (m *Machine) transition(next State) {
	old := m.state
	m.state = next
	if old == next {
		return
	}
	m.config.Logger.Debug("trust state changed", "old", old.String(), "new", next.String())
	if m.config.OnStateChange != nil {
		m.config.OnStateChange(old, next)
	}
}
