package connection

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/kclink/kclink-go/pkg/device"
)

// ErrSupervisorClosed is returned by a closed supervisor.
var ErrSupervisorClosed = errors.New("connection: supervisor closed")

// DefaultAttemptTimeout bounds a single Activate call.
const DefaultAttemptTimeout = 30 * time.Second

// State represents the supervisor state.
type State uint8

const (
	// StateIdle means the supervisor has not been started.
	StateIdle State = iota

	// StateConnecting means an Activate call is in progress.
	StateConnecting

	// StateConnected means the device reports a connected channel.
	StateConnected

	// StateWaiting means the supervisor is sleeping before the next attempt,
	// or waiting for the device to become eligible.
	StateWaiting

	// StateClosed means the supervisor has been closed.
	StateClosed
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateWaiting:
		return "WAITING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Target is the session a Supervisor keeps connected. *device.Device
// implements it.
type Target interface {
	ID() string
	Activate(ctx context.Context) error
	Connected() bool
	Paired() bool
	Subscribe(o device.Observer) (cancel func())
}

// SupervisorConfig configures a Supervisor.
type SupervisorConfig struct {
	Backoff BackoffConfig

	// AttemptTimeout bounds each Activate call.
	AttemptTimeout time.Duration

	// PairedOnly restricts reconnection to trusted peers.
	PairedOnly bool

	// After returns a channel that fires after d (default time.After).
	After func(d time.Duration) <-chan time.Time

	// OnStateChange is called on every state change (optional).
	OnStateChange func(oldState, newState State)

	// OnAttempt is called after every failed attempt with the delay before
	// the next one (optional).
	OnAttempt func(attempt int, err error, delay time.Duration)

	// Logger for operational logging (optional).
	Logger *slog.Logger
}

// DefaultSupervisorConfig returns the default supervisor configuration.
func DefaultSupervisorConfig() SupervisorConfig {
	return SupervisorConfig{
		Backoff:        DefaultBackoffConfig(),
		AttemptTimeout: DefaultAttemptTimeout,
	}
}

// Supervisor re-activates a device whenever it loses its channel.
type Supervisor struct {
	target  Target
	config  SupervisorConfig
	backoff *Backoff
	logger  *slog.Logger

	mu    sync.RWMutex
	state State

	trigger     chan struct{}
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	unsubscribe func()
	startOnce   sync.Once
}

// NewSupervisor creates a supervisor for target. Call Start to begin.
func NewSupervisor(target Target, cfg SupervisorConfig) *Supervisor {
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = DefaultAttemptTimeout
	}
	if cfg.After == nil {
		cfg.After = time.After
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		target:  target,
		config:  cfg,
		backoff: NewBackoff(cfg.Backoff),
		logger:  cfg.Logger.With("device", target.ID()),
		trigger: make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start subscribes to the device and connects it if needed.
func (s *Supervisor) Start() {
	s.startOnce.Do(func() {
		s.mu.Lock()
		if s.state == StateClosed {
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()

		s.unsubscribe = s.target.Subscribe(s.observe)
		s.wg.Add(1)
		go s.loop()
		s.kick()
	})
}

// Close stops the supervisor. It does not close the device.
func (s *Supervisor) Close() {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.setState(StateClosed)

	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	s.cancel()
	s.wg.Wait()
}

// State returns the supervisor state.
func (s *Supervisor) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Attempts returns the number of failed attempts since the last success.
func (s *Supervisor) Attempts() int {
	return s.backoff.Attempts()
}

// observe runs on the device loop and must not block.
func (s *Supervisor) observe(c device.Change) {
	switch c.Property {
	case device.PropertyConnected:
		if connected, _ := c.Value.(bool); connected {
			s.setState(StateConnected)
			return
		}
		s.kick()
	case device.PropertyPaired:
		s.kick()
	}
}

func (s *Supervisor) kick() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

func (s *Supervisor) loop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.trigger:
			s.reconnect()
		}
	}
}

// reconnect calls Activate until the device is connected, the device
// becomes ineligible, or the supervisor closes.
func (s *Supervisor) reconnect() {
	for {
		if s.ctx.Err() != nil {
			return
		}
		if s.target.Connected() {
			s.backoff.Reset()
			s.setState(StateConnected)
			return
		}
		if s.config.PairedOnly && !s.target.Paired() {
			s.setState(StateWaiting)
			return
		}

		s.setState(StateConnecting)
		ctx, cancel := context.WithTimeout(s.ctx, s.config.AttemptTimeout)
		err := s.target.Activate(ctx)
		cancel()

		if err == nil && s.target.Connected() {
			s.backoff.Reset()
			s.setState(StateConnected)
			s.logger.Debug("device reconnected")
			return
		}
		if err == nil {
			err = errors.New("channel not connected after activate")
		}
		if errors.Is(err, device.ErrClosed) {
			s.logger.Debug("device closed, stopping supervision")
			s.setState(StateWaiting)
			return
		}

		delay := s.backoff.Next()
		attempt := s.backoff.Attempts()
		s.logger.Debug("reconnect attempt failed", "attempt", attempt, "delay", delay, "error", err)
		if s.config.OnAttempt != nil {
			s.config.OnAttempt(attempt, err, delay)
		}

		s.setState(StateWaiting)
		select {
		case <-s.ctx.Done():
			return
		case <-s.config.After(delay):
		}
	}
}

func (s *Supervisor) setState(next State) {
	s.mu.Lock()
	old := s.state
	if old == next || old == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = next
	s.mu.Unlock()

	if s.config.OnStateChange != nil {
		s.config.OnStateChange(old, next)
	}
}
