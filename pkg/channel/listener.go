package channel

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
)

// Listener accepts incoming TLS channels.
type Listener struct {
	config   Config
	listener net.Listener
	onAccept func(*TLS)

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Listen starts accepting connections on address. onAccept is called, from
// the accepting goroutine, with every channel whose handshake succeeded; the
// channel is already open.
func Listen(ctx context.Context, address string, cfg Config, onAccept func(*TLS)) (*Listener, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if address == "" {
		address = fmt.Sprintf(":%d", DefaultPort)
	}

	ln, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen: %w", err)
	}

	l := &Listener{
		config:   cfg,
		listener: ln,
		onAccept: onAccept,
	}
	l.ctx, l.cancel = context.WithCancel(ctx)
	l.running.Store(true)

	l.wg.Add(1)
	go l.acceptLoop()
	return l, nil
}

// Addr returns the listen address.
func (l *Listener) Addr() net.Addr {
	return l.listener.Addr()
}

// Close stops accepting and waits for pending handshakes to finish.
// Channels already handed to onAccept are not closed.
func (l *Listener) Close() error {
	if !l.running.Swap(false) {
		return nil
	}
	l.cancel()
	err := l.listener.Close()
	l.wg.Wait()
	return err
}

func (l *Listener) acceptLoop() {
	defer l.wg.Done()

	for l.running.Load() {
		conn, err := l.listener.Accept()
		if err != nil {
			if l.running.Load() {
				l.config.Logger.Warn("accept failed", "error", err)
			}
			continue
		}

		l.wg.Add(1)
		go l.handleConnection(conn)
	}
}

func (l *Listener) handleConnection(conn net.Conn) {
	defer l.wg.Done()

	ch, err := NewTLS(l.config)
	if err != nil {
		conn.Close()
		return
	}
	if err := ch.accept(l.ctx, conn); err != nil {
		l.config.Logger.Warn("incoming handshake failed",
			"remote", conn.RemoteAddr().String(), "error", err)
		return
	}

	l.config.Logger.Debug("channel accepted",
		"conn_id", ch.ConnID(), "remote", conn.RemoteAddr().String())
	if l.onAccept != nil {
		l.onAccept(ch)
	} else {
		ch.Close()
	}
}
