// Command kclink-peer runs a peer session host: it accepts and dials TLS
// channels, keeps one session per remote device, and lets the user pair,
// unpair and ping peers from an interactive prompt.
//
// Usage:
//
//	kclink-peer [flags]
//
// Flags:
//
//	-config string        Configuration file path (YAML)
//	-name string          Name announced to peers
//	-listen string        Listen address (default ":1716")
//	-data-dir string      Directory for the certificate and settings
//	-store string         Settings backend: memory, file, sqlite
//	-log-level string     Log level: debug, info, warn, error
//	-protocol-log string  File path for protocol event logging (CBOR format)
//	-connect string       Comma separated peer addresses to dial at startup
//	-interactive          Enable the interactive prompt (default true)
//
// Examples:
//
//	# Start with defaults and pair from the prompt
//	kclink-peer -name workstation
//
//	# Headless, publishing device state to MQTT
//	KCLINK_MQTT_BROKER=tcp://broker:1883 kclink-peer -interactive=false
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/kclink/kclink-go/cmd/kclink-peer/interactive"
	"github.com/kclink/kclink-go/pkg/cert"
	"github.com/kclink/kclink-go/pkg/channel"
	"github.com/kclink/kclink-go/pkg/connection"
	"github.com/kclink/kclink-go/pkg/device"
	"github.com/kclink/kclink-go/pkg/log"
	"github.com/kclink/kclink-go/pkg/mqttbridge"
	"github.com/kclink/kclink-go/pkg/packet"
	"github.com/kclink/kclink-go/pkg/plugin"
	"github.com/kclink/kclink-go/pkg/plugins/ping"
	"github.com/kclink/kclink-go/pkg/settings"
)

var (
	configFile  = flag.String("config", "", "Configuration file path (YAML)")
	name        = flag.String("name", "", "Name announced to peers")
	listen      = flag.String("listen", "", "Listen address")
	dataDir     = flag.String("data-dir", "", "Directory for the certificate and settings")
	store       = flag.String("store", "", "Settings backend: memory, file, sqlite")
	logLevel    = flag.String("log-level", "", "Log level: debug, info, warn, error")
	protocolLog = flag.String("protocol-log", "", "File path for protocol event logging (CBOR format)")
	connect     = flag.String("connect", "", "Comma separated peer addresses to dial at startup")
	interact    = flag.Bool("interactive", true, "Enable the interactive prompt")
)

func main() {
	flag.Parse()

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := LoadConfig(*configFile)
	if err != nil {
		return err
	}
	applyFlags(cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validating flags: %w", err)
	}

	var console *interactive.Console
	out := io.Writer(os.Stderr)
	if *interact {
		console, err = interactive.New()
		if err != nil {
			return err
		}
		out = console.Stdout()
	}
	logger := newLogger(out, cfg.Logging)

	protocolLogger, closeProtocolLog, err := newProtocolLogger(cfg.Logging, logger)
	if err != nil {
		return err
	}
	defer closeProtocolLog()

	ident, err := cert.LoadOrCreateIdentity(cfg.DataDir, newDeviceID())
	if err != nil {
		return fmt.Errorf("loading certificate: %w", err)
	}

	root, closeStore, err := openSettings(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	registry, err := plugin.NewRegistry(ping.Descriptor(func(deviceID, message string) {
		logger.Info("ping received", "device", deviceID, "message", message)
	}))
	if err != nil {
		return err
	}

	local := packet.IdentityBody{
		DeviceID:             ident.DeviceID(),
		DeviceName:           cfg.Name,
		DeviceType:           cfg.Type,
		TCPPort:              cfg.ListenPort(),
		IncomingCapabilities: registry.IncomingCapabilities(),
		OutgoingCapabilities: registry.OutgoingCapabilities(),
	}
	chCfg := channel.DefaultConfig(ident, local)
	chCfg.Logger = logger
	chCfg.ProtocolLogger = protocolLogger

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		prompts fanout
		watcher Watcher
	)
	if console != nil {
		prompts = append(prompts, console)
	}
	if cfg.MQTT.Enabled {
		client, err := mqttbridge.Connect(mqttbridge.ClientConfig{
			Broker:   cfg.MQTT.Broker,
			ClientID: cfg.MQTT.ClientID,
			Username: cfg.MQTT.Username,
			Password: cfg.MQTT.Password,
			Prefix:   cfg.MQTT.Prefix,
			QoS:      byte(cfg.MQTT.QoS),
			Logger:   logger,
		})
		if err != nil {
			return fmt.Errorf("connecting to MQTT: %w", err)
		}
		defer client.Close()

		bridge := mqttbridge.NewBridge(client, mqttbridge.BridgeConfig{
			Prefix: cfg.MQTT.Prefix,
			QoS:    byte(cfg.MQTT.QoS),
			Logger: logger,
		})
		defer bridge.Close()
		prompts = append(prompts, bridge)
		watcher = bridge
	}

	h := newHost(hostConfig{
		Settings:    root,
		Identity:    ident,
		Channel:     chCfg,
		Registry:    registry,
		Prompter:    prompts,
		PairTimeout: cfg.PairTimeout,
		Reconnect:   cfg.Reconnect.Enabled,
		Backoff: connection.BackoffConfig{
			Initial: cfg.Reconnect.InitialDelay,
			Max:     cfg.Reconnect.MaxDelay,
		},
		PairedOnly:     cfg.Reconnect.PairedOnly,
		Watcher:        watcher,
		Logger:         logger,
		ProtocolLogger: protocolLogger,
	})
	defer h.Close()

	if err := h.restore(); err != nil {
		logger.Warn("some devices were not restored", "error", err)
	}

	ln, err := channel.Listen(ctx, cfg.Listen, chCfg, h.onAccept)
	if err != nil {
		return err
	}
	defer ln.Close()

	logger.Info("kclink peer started",
		"device_id", ident.DeviceID(),
		"name", cfg.Name,
		"listen", ln.Addr().String(),
		"fingerprint", ident.Certificate.Fingerprint())

	for _, addr := range splitAddresses(*connect) {
		go func() {
			dctx, dcancel := context.WithTimeout(ctx, 30*time.Second)
			defer dcancel()
			if _, err := h.Dial(dctx, addr); err != nil {
				logger.Warn("connect failed", "address", addr, "error", err)
			}
		}()
	}

	if console != nil {
		console.Bind(h)
		go console.Run(ctx, cancel)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("received signal", "signal", sig.String())
	case <-ctx.Done():
	}
	logger.Info("shutting down")
	return nil
}

// applyFlags overrides the configuration with flags set on the command line.
func applyFlags(cfg *Config) {
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "name":
			cfg.Name = *name
		case "listen":
			cfg.Listen = *listen
		case "data-dir":
			cfg.DataDir = *dataDir
		case "store":
			cfg.Store.Backend = *store
		case "log-level":
			cfg.Logging.Level = *logLevel
		case "protocol-log":
			cfg.Logging.ProtocolLog = *protocolLog
		}
	})
}

func newLogger(w io.Writer, cfg LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// newProtocolLogger writes protocol events to the configured .klog file
// and, at debug level, to logger as well.
func newProtocolLogger(cfg LoggingConfig, logger *slog.Logger) (log.Logger, func(), error) {
	var loggers []log.Logger
	closeFn := func() {}

	if cfg.ProtocolLog != "" {
		fl, err := log.NewFileLogger(cfg.ProtocolLog)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create protocol logger: %w", err)
		}
		loggers = append(loggers, fl)
		closeFn = func() { fl.Close() }
		logger.Info("protocol logging enabled", "path", fl.Path())
	}
	if cfg.Level == "debug" {
		loggers = append(loggers, log.NewSlogAdapter(logger.With("component", "protocol")))
	}

	if len(loggers) == 0 {
		return nil, closeFn, nil
	}
	return log.NewMultiLogger(loggers...), closeFn, nil
}

func openSettings(cfg *Config) (*settings.Settings, func(), error) {
	path := cfg.StorePath()
	switch cfg.Store.Backend {
	case StoreMemory:
		return settings.New(settings.NewMemoryStore()), func() {}, nil
	case StoreFile:
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, nil, err
		}
		s, err := settings.OpenFileStore(path)
		if err != nil {
			return nil, nil, fmt.Errorf("opening settings: %w", err)
		}
		return settings.New(s), func() {}, nil
	case StoreSQLite:
		sqlCfg := settings.DefaultSQLiteConfig(path)
		sqlCfg.WALMode = cfg.Store.WALMode
		s, err := settings.OpenSQLiteStore(sqlCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("opening settings: %w", err)
		}
		return settings.New(s), func() { s.Close() }, nil
	}
	return nil, nil, errors.New("unknown settings backend " + cfg.Store.Backend)
}

// newDeviceID returns a fresh device ID. It only names a certificate that
// does not exist yet.
func newDeviceID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}

func splitAddresses(s string) []string {
	var out []string
	for _, a := range strings.Split(s, ",") {
		if a = strings.TrimSpace(a); a != "" {
			out = append(out, a)
		}
	}
	return out
}

// fanout presents pair prompts on every configured surface.
type fanout []device.Prompter

func (f fanout) ShowPairPrompt(p device.PairPrompt) {
	for _, pr := range f {
		pr.ShowPairPrompt(p)
	}
}

func (f fanout) WithdrawPairPrompt(deviceID string) {
	for _, pr := range f {
		pr.WithdrawPairPrompt(deviceID)
	}
}
