// Package log provides structured protocol logging for peer sessions.
//
// This package defines the Logger interface and Event types for capturing
// session-level events: packets crossing a channel, channel/trust/plugin
// state changes and errors. It is separate from operational logging (slog):
// protocol capture is a complete machine-readable trace for debugging.
//
// # Basic Usage
//
//	// For development: log to console via slog
//	cfg.ProtocolLogger = log.NewSlogAdapter(slog.Default())
//
//	// For production: write to binary file
//	cfg.ProtocolLogger, _ = log.NewFileLogger("/var/log/kclink/peer.klog")
//
//	// Both: use MultiLogger
//	cfg.ProtocolLogger = log.NewMultiLogger(
//	    log.NewSlogAdapter(slog.Default()),
//	    fileLogger,
//	)
//
// # File Format
//
// Log files are a stream of CBOR-encoded events with the .klog extension.
// The kclink-log CLI tool views and summarizes them.
package log
