package channel

import (
	"context"
	"sync"

	"github.com/kclink/kclink-go/pkg/cert"
	"github.com/kclink/kclink-go/pkg/packet"
)

// Endpoint describes one side of a Pipe.
type Endpoint struct {
	Certificate *cert.Certificate
	Identity    *packet.IdentityBody
}

// Pipe is one end of an in-memory channel pair. Packets sent on one end are
// received, in order, by the other. Both ends start open, as if accepted by
// a listener; Open additionally emits EventConnected, as if a dial completed.
type Pipe struct {
	local Endpoint
	peer  *Pipe

	mu       sync.Mutex
	closed   bool
	openErr  error
	sendErr  error
	sent     int
	queue    []Event
	signal   chan struct{}
	started  bool
	subs     subscribers
	shutdown sync.Once
}

// NewPipe returns two connected ends. a.Certificate() reports b's
// certificate and the other way round.
func NewPipe(a, b Endpoint) (*Pipe, *Pipe) {
	pa := &Pipe{local: a, signal: make(chan struct{}, 1)}
	pb := &Pipe{local: b, signal: make(chan struct{}, 1)}
	pa.peer, pb.peer = pb, pa
	return pa, pb
}

// Peer returns the other end.
func (p *Pipe) Peer() *Pipe {
	return p.peer
}

// FailOpen makes subsequent Open calls return err.
func (p *Pipe) FailOpen(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.openErr = err
}

// FailSend makes subsequent Send calls return err.
func (p *Pipe) FailSend(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sendErr = err
}

// SentCount returns the number of packets successfully sent from this end.
func (p *Pipe) SentCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sent
}

// Closed reports whether the pipe has been closed.
func (p *Pipe) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Open implements Channel.
func (p *Pipe) Open(ctx context.Context, address string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	closed, openErr := p.closed, p.openErr
	p.mu.Unlock()

	if closed {
		return ErrClosed
	}
	if openErr != nil {
		return openErr
	}
	p.enqueue(Event{Kind: EventConnected})
	return nil
}

// Send implements Channel.
func (p *Pipe) Send(pkt *packet.Packet) error {
	if err := pkt.Validate(); err != nil {
		return err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrNotConnected
	}
	if p.sendErr != nil {
		err := p.sendErr
		p.mu.Unlock()
		return err
	}
	p.sent++
	p.mu.Unlock()

	copied := *pkt
	p.peer.enqueue(Event{Kind: EventReceived, Packet: &copied})
	return nil
}

// Close closes both ends.
func (p *Pipe) Close() error {
	p.closeEnd()
	p.peer.closeEnd()
	return nil
}

func (p *Pipe) closeEnd() {
	p.shutdown.Do(func() {
		p.enqueue(Event{Kind: EventDisconnected})
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()
	})
}

// Certificate implements Channel.
func (p *Pipe) Certificate() *cert.Certificate {
	return p.peer.local.Certificate
}

// Identity implements Channel.
func (p *Pipe) Identity() *packet.IdentityBody {
	if p.peer.local.Identity == nil {
		return nil
	}
	id := *p.peer.local.Identity
	return &id
}

// Subscribe implements Channel. Delivery starts with the first subscription.
func (p *Pipe) Subscribe(h Handler) Subscription {
	sub := p.subs.add(h)

	p.mu.Lock()
	start := !p.started
	p.started = true
	p.mu.Unlock()

	if start {
		go p.run()
	}
	return sub
}

func (p *Pipe) enqueue(ev Event) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.queue = append(p.queue, ev)
	p.mu.Unlock()

	select {
	case p.signal <- struct{}{}:
	default:
	}
}

func (p *Pipe) run() {
	for range p.signal {
		for {
			p.mu.Lock()
			if len(p.queue) == 0 {
				p.mu.Unlock()
				break
			}
			ev := p.queue[0]
			p.queue = p.queue[1:]
			p.mu.Unlock()

			p.subs.emit(ev)
			if ev.Kind == EventDisconnected {
				return
			}
		}
	}
}

var _ Channel = (*Pipe)(nil)
