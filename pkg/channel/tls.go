package channel

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/kclink/kclink-go/pkg/cert"
	"github.com/kclink/kclink-go/pkg/log"
	"github.com/kclink/kclink-go/pkg/packet"
)

// DefaultPort is the conventional TCP port peers listen on.
const DefaultPort = 1716

// Config configures TLS channels and listeners.
type Config struct {
	// Identity is this host's certificate and key.
	Identity *cert.Identity

	// Local is the identity announced to peers during the handshake.
	Local packet.IdentityBody

	// MaxPacketSize bounds a single received packet line.
	MaxPacketSize int

	// HandshakeTimeout bounds the TLS handshake and identity exchange.
	HandshakeTimeout time.Duration

	// WriteTimeout bounds a single Send (0 = no timeout).
	WriteTimeout time.Duration

	// Logger for operational logging (optional).
	Logger *slog.Logger

	// ProtocolLogger receives packet and state events (optional).
	ProtocolLogger log.Logger
}

// DefaultConfig returns the default channel configuration for id.
func DefaultConfig(id *cert.Identity, local packet.IdentityBody) Config {
	return Config{
		Identity:         id,
		Local:            local,
		MaxPacketSize:    packet.DefaultMaxPacketSize,
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     10 * time.Second,
	}
}

func (c *Config) validate() error {
	if c.Identity == nil {
		return errors.New("channel: identity is required")
	}
	if c.MaxPacketSize <= 0 {
		c.MaxPacketSize = packet.DefaultMaxPacketSize
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
	if c.Local.DeviceID == "" {
		c.Local.DeviceID = c.Identity.DeviceID()
	}
	return nil
}

func (c *Config) clientTLS() *tls.Config {
	return &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{c.Identity.TLSCertificate()},
		// Peers use self-signed certificates; pinning is decided by the session.
		InsecureSkipVerify:     true,
		SessionTicketsDisabled: true,
	}
}

func (c *Config) serverTLS() *tls.Config {
	return &tls.Config{
		MinVersion:             tls.VersionTLS12,
		Certificates:           []tls.Certificate{c.Identity.TLSCertificate()},
		ClientAuth:             tls.RequireAnyClientCert,
		SessionTicketsDisabled: true,
	}
}

// Channel states.
const (
	stateIdle int32 = iota
	stateOpening
	stateOpen
	stateClosed
)

// TLS is a Channel over a TLS connection carrying newline-delimited JSON
// packets.
type TLS struct {
	config Config
	connID string
	rec    log.Recorder

	state atomic.Int32

	mu       sync.RWMutex
	conn     *tls.Conn
	encoder  *packet.Encoder
	decoder  *packet.Decoder
	peerCert *cert.Certificate
	peerID   *packet.IdentityBody

	subs      subscribers
	startOnce sync.Once
	closeOnce sync.Once
	done      chan struct{}
}

// NewTLS creates an unopened TLS channel.
func NewTLS(cfg Config) (*TLS, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	connID := uuid.New().String()
	return &TLS{
		config: cfg,
		connID: connID,
		rec:    log.Recorder{Logger: cfg.ProtocolLogger}.WithConnection(connID, ""),
		done:   make(chan struct{}),
	}, nil
}

// ConnID returns the unique connection identifier.
func (c *TLS) ConnID() string {
	return c.connID
}

// RemoteAddr returns the peer address, or nil before the channel is open.
func (c *TLS) RemoteAddr() net.Addr {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.conn == nil {
		return nil
	}
	return c.conn.RemoteAddr()
}

// Done is closed once the channel has closed.
func (c *TLS) Done() <-chan struct{} {
	return c.done
}

// Open dials address, performs the TLS handshake and exchanges identities.
func (c *TLS) Open(ctx context.Context, address string) error {
	if !c.state.CompareAndSwap(stateIdle, stateOpening) {
		if c.state.Load() == stateClosed {
			return ErrClosed
		}
		return ErrAlreadyOpen
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.HandshakeTimeout)
	defer cancel()

	dialer := &net.Dialer{}
	raw, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		c.state.Store(stateIdle)
		return fmt.Errorf("dial failed: %w", err)
	}

	conn := tls.Client(raw, c.config.clientTLS())
	if err := c.handshake(ctx, conn); err != nil {
		conn.Close()
		c.state.Store(stateIdle)
		return err
	}

	c.config.Logger.Debug("channel opened", "conn_id", c.connID, "remote", address)
	c.subs.emit(Event{Kind: EventConnected})
	c.maybeStart()
	return nil
}

// accept completes the server side of an incoming connection.
func (c *TLS) accept(ctx context.Context, raw net.Conn) error {
	c.state.Store(stateOpening)

	ctx, cancel := context.WithTimeout(ctx, c.config.HandshakeTimeout)
	defer cancel()

	conn := tls.Server(raw, c.config.serverTLS())
	if err := c.handshake(ctx, conn); err != nil {
		conn.Close()
		c.closeWithError(nil)
		return err
	}
	return nil
}

// handshake runs the TLS handshake and the identity exchange on conn.
func (c *TLS) handshake(ctx context.Context, conn *tls.Conn) error {
	if err := conn.HandshakeContext(ctx); err != nil {
		return fmt.Errorf("TLS handshake failed: %w", err)
	}

	peerCert, err := cert.PeerCertificate(rawCerts(conn.ConnectionState()))
	if err != nil {
		return fmt.Errorf("TLS handshake failed: %w", err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	encoder := packet.NewEncoder(conn)
	decoder := packet.NewDecoderWithMaxSize(conn, c.config.MaxPacketSize)

	if err := encoder.Encode(packet.NewIdentity(c.config.Local)); err != nil {
		return fmt.Errorf("%w: %v", ErrIdentityExchange, err)
	}
	p, err := decoder.Decode()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIdentityExchange, err)
	}
	peerID, err := packet.DecodeIdentity(p)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIdentityExchange, err)
	}
	if peerID.DeviceID != peerCert.CommonName() {
		return fmt.Errorf("%w: device ID %q does not match certificate %q",
			ErrIdentityExchange, peerID.DeviceID, peerCert.CommonName())
	}
	conn.SetDeadline(time.Time{})
	if peerID.TCPHost == "" {
		if host, _, err := net.SplitHostPort(conn.RemoteAddr().String()); err == nil {
			peerID.TCPHost = host
		}
	}

	c.mu.Lock()
	c.conn = conn
	c.encoder = encoder
	c.decoder = decoder
	c.peerCert = peerCert
	c.peerID = &peerID
	c.rec = c.rec.WithConnection(c.connID, conn.RemoteAddr().String())
	c.rec.DeviceID = peerID.DeviceID
	c.mu.Unlock()

	c.state.Store(stateOpen)
	c.rec.State(log.LayerChannel, log.StateEntityChannel, "disconnected", "connected", "")
	return nil
}

func rawCerts(state tls.ConnectionState) [][]byte {
	out := make([][]byte, 0, len(state.PeerCertificates))
	for _, c := range state.PeerCertificates {
		out = append(out, c.Raw)
	}
	return out
}

// Send writes a packet to the peer. A write failure closes the channel.
func (c *TLS) Send(p *packet.Packet) error {
	if c.state.Load() != stateOpen {
		return ErrNotConnected
	}

	c.mu.RLock()
	conn, encoder, rec := c.conn, c.encoder, c.rec
	c.mu.RUnlock()

	if c.config.WriteTimeout > 0 {
		conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	}
	if err := encoder.Encode(p); err != nil {
		if errors.Is(err, packet.ErrMissingType) || errors.Is(err, packet.ErrInvalidBody) {
			return err
		}
		c.closeWithError(fmt.Errorf("write failed: %w", err))
		return fmt.Errorf("write failed: %w", err)
	}
	rec.Packet(log.DirectionOut, p)
	return nil
}

// Close closes the connection. Subscribers get EventDisconnected if the
// channel had been open.
func (c *TLS) Close() error {
	c.closeWithError(nil)
	return nil
}

func (c *TLS) closeWithError(cause error) {
	c.closeOnce.Do(func() {
		wasOpen := c.state.Swap(stateClosed) == stateOpen

		c.mu.Lock()
		conn, rec := c.conn, c.rec
		c.mu.Unlock()

		if conn != nil {
			conn.Close()
		}
		close(c.done)

		if !wasOpen {
			return
		}

		reason := ""
		if cause != nil {
			reason = cause.Error()
			rec.Error(log.LayerChannel, cause, "channel")
		}
		rec.State(log.LayerChannel, log.StateEntityChannel, "connected", "disconnected", reason)
		c.config.Logger.Debug("channel closed", "conn_id", c.connID, "reason", reason)
		c.subs.emit(Event{Kind: EventDisconnected, Err: cause})
	})
}

// Certificate implements Channel.
func (c *TLS) Certificate() *cert.Certificate {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.peerCert
}

// Identity implements Channel.
func (c *TLS) Identity() *packet.IdentityBody {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.peerID == nil {
		return nil
	}
	id := *c.peerID
	return &id
}

// Subscribe implements Channel. The read loop starts with the first
// subscription so that no packet is read before anyone can receive it.
func (c *TLS) Subscribe(h Handler) Subscription {
	sub := c.subs.add(h)
	c.maybeStart()
	return sub
}

func (c *TLS) maybeStart() {
	if c.state.Load() != stateOpen || c.subs.len() == 0 {
		return
	}
	c.startOnce.Do(func() {
		go c.readLoop()
	})
}

func (c *TLS) readLoop() {
	c.mu.RLock()
	decoder := c.decoder
	c.mu.RUnlock()

	for {
		p, err := decoder.Decode()
		if err != nil {
			if c.state.Load() == stateClosed {
				return
			}
			if errors.Is(err, io.EOF) {
				c.closeWithError(io.EOF)
			} else {
				c.closeWithError(fmt.Errorf("read error: %w", err))
			}
			return
		}

		c.mu.RLock()
		rec := c.rec
		c.mu.RUnlock()
		rec.Packet(log.DirectionIn, p)

		c.subs.emit(Event{Kind: EventReceived, Packet: p})
	}
}

var _ Channel = (*TLS)(nil)
