package device

import (
	"errors"
	"log/slog"
	"time"

	"github.com/kclink/kclink-go/pkg/cert"
	"github.com/kclink/kclink-go/pkg/channel"
	"github.com/kclink/kclink-go/pkg/identity"
	"github.com/kclink/kclink-go/pkg/log"
	"github.com/kclink/kclink-go/pkg/packet"
	"github.com/kclink/kclink-go/pkg/pairing"
	"github.com/kclink/kclink-go/pkg/plugin"
	"github.com/kclink/kclink-go/pkg/settings"
)

// Device errors.
var (
	ErrClosed                = errors.New("device: closed")
	ErrInvalidConfig         = errors.New("device: invalid config")
	ErrUnsupportedPacketType = errors.New("device: unsupported packet type")
	ErrNoChannelFactory      = errors.New("device: no channel factory")
	ErrNoAddress             = errors.New("device: peer address unknown")
	ErrWrongDevice           = errors.New("device: channel belongs to another device")
	ErrNotBound              = errors.New("device: channel no longer bound")
)

// KeyCertificate is the settings key of the pinned certificate (PEM).
const KeyCertificate = "certificate"

// ChannelFactory creates an unopened channel to peer.
type ChannelFactory func(peer identity.Identity) (channel.Channel, error)

// Config configures a Device.
type Config struct {
	// ID is the peer's device ID (required).
	ID string

	// Settings is the root settings tree. The device keeps its records
	// under settings.DeviceNamespace(ID). Defaults to an in-memory store.
	Settings *settings.Settings

	// Identity is the peer's identity when the device is created from an
	// identity packet. When nil the identity is restored from Settings.
	Identity *packet.IdentityBody

	// Registry lists the plugins that may be loaded for the peer.
	Registry *plugin.Registry

	// NewChannel creates outgoing channels for Activate.
	NewChannel ChannelFactory

	// Local is this host's certificate, shown in pair prompts (optional).
	Local *cert.Identity

	// Prompter presents incoming pair requests (optional).
	Prompter Prompter

	// PairTimeout is how long pair requests stay pending.
	PairTimeout time.Duration

	// Clock drives pairing timeouts (default pairing.SystemClock).
	Clock pairing.Clock

	// Logger for operational logging (optional).
	Logger *slog.Logger

	// ProtocolLogger receives protocol events (optional).
	ProtocolLogger log.Logger
}

// DefaultConfig returns a config for the peer id with an in-memory store.
func DefaultConfig(id string) Config {
	return Config{
		ID:          id,
		Settings:    settings.New(settings.NewMemoryStore()),
		PairTimeout: pairing.DefaultTimeout,
		Clock:       pairing.SystemClock{},
	}
}

func (c *Config) applyDefaults() error {
	if c.ID == "" {
		return errors.Join(ErrInvalidConfig, errors.New("device ID is required"))
	}
	if c.Identity != nil && c.Identity.DeviceID != c.ID {
		return errors.Join(ErrInvalidConfig, errors.New("identity does not match device ID"))
	}
	if c.Settings == nil {
		c.Settings = settings.New(settings.NewMemoryStore())
	}
	if c.Registry == nil {
		c.Registry, _ = plugin.NewRegistry()
	}
	if c.PairTimeout <= 0 {
		c.PairTimeout = pairing.DefaultTimeout
	}
	if c.Clock == nil {
		c.Clock = pairing.SystemClock{}
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
	return nil
}
