package connection

import (
	"math/rand/v2"
	"sync"
	"time"
)

// Backoff defaults.
const (
	InitialBackoff    = 1 * time.Second
	MaxBackoff        = 2 * time.Minute
	BackoffMultiplier = 2.0
	JitterFactor      = 0.25
)

// BackoffConfig allows customizing backoff parameters.
type BackoffConfig struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64

	// Jitter is the maximum extra delay as a fraction of the base delay.
	Jitter float64
}

// DefaultBackoffConfig returns the default backoff parameters.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		Initial:    InitialBackoff,
		Max:        MaxBackoff,
		Multiplier: BackoffMultiplier,
		Jitter:     JitterFactor,
	}
}

// Backoff calculates exponential backoff delays with jitter.
type Backoff struct {
	mu sync.Mutex

	config   BackoffConfig
	current  time.Duration
	attempts int
}

// NewBackoff creates a backoff calculator. Zero fields take defaults;
// a negative Jitter disables jitter.
func NewBackoff(cfg BackoffConfig) *Backoff {
	if cfg.Initial <= 0 {
		cfg.Initial = InitialBackoff
	}
	if cfg.Max < cfg.Initial {
		cfg.Max = max(MaxBackoff, cfg.Initial)
	}
	if cfg.Multiplier <= 1 {
		cfg.Multiplier = BackoffMultiplier
	}
	if cfg.Jitter < 0 {
		cfg.Jitter = 0
	}
	return &Backoff{config: cfg, current: cfg.Initial}
}

// Next returns the next delay, jittered, and advances the backoff.
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	delay := b.current
	if b.config.Jitter > 0 {
		delay += time.Duration(float64(delay) * b.config.Jitter * rand.Float64())
	}

	b.attempts++
	b.current = min(time.Duration(float64(b.current)*b.config.Multiplier), b.config.Max)
	return delay
}

// Reset returns to the initial delay. Call it after a successful connection.
func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.current = b.config.Initial
	b.attempts = 0
}

// Attempts returns the number of delays handed out since the last reset.
func (b *Backoff) Attempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts
}

// Current returns the next base delay, without jitter.
func (b *Backoff) Current() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}
