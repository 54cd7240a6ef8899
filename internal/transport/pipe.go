// Package transport provides the in-process channel and codec the PCE core
// runs against when no wire transport is attached: the simulator and the
// tests drive sessions through it.
package transport

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"sync"

	"github.com/signalsfoundry/pce-controller/internal/pcep"
)

// Pipe is an in-memory pcep.Channel. Written messages are kept in order
// and can be consumed from Outbound. Writes after Close fail with
// pcep.ErrShuttingDown.
type Pipe struct {
	remote *net.TCPAddr

	mu       sync.Mutex
	closed   bool
	failWith error
	sent     []pcep.Message
	changed  chan struct{}
	outgoing chan pcep.Message
}

// NewPipe creates a pipe whose remote end is addr. buffer sizes the
// Outbound queue; writes never block on it and messages beyond the buffer
// are only kept in Sent.
func NewPipe(addr netip.AddrPort, buffer int) *Pipe {
	return &Pipe{
		remote:   net.TCPAddrFromAddrPort(addr),
		changed:  make(chan struct{}),
		outgoing: make(chan pcep.Message, buffer),
	}
}

// Write implements pcep.Channel.
func (p *Pipe) Write(ctx context.Context, msgs []pcep.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return fmt.Errorf("write to %s: %w", p.remote, pcep.ErrShuttingDown)
	}
	if p.failWith != nil {
		return p.failWith
	}
	for _, m := range msgs {
		p.sent = append(p.sent, m)
		select {
		case p.outgoing <- m:
		default:
		}
	}
	p.notifyLocked()
	return nil
}

// RemoteAddr implements pcep.Channel.
func (p *Pipe) RemoteAddr() net.Addr { return p.remote }

// Close implements pcep.Channel. It is idempotent.
func (p *Pipe) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	close(p.outgoing)
	p.notifyLocked()
	return nil
}

// Closed reports whether Close has been called.
func (p *Pipe) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// FailWrites makes every later Write return err until it is reset with nil.
func (p *Pipe) FailWrites(err error) {
	p.mu.Lock()
	p.failWith = err
	p.mu.Unlock()
}

// Outbound yields written messages; it is closed by Close.
func (p *Pipe) Outbound() <-chan pcep.Message { return p.outgoing }

// Sent returns every message written so far.
func (p *Pipe) Sent() []pcep.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]pcep.Message(nil), p.sent...)
}

// WaitSent blocks until at least n messages were written, the pipe is
// closed, or ctx is done.
func (p *Pipe) WaitSent(ctx context.Context, n int) ([]pcep.Message, error) {
	for {
		p.mu.Lock()
		if len(p.sent) >= n {
			out := append([]pcep.Message(nil), p.sent...)
			p.mu.Unlock()
			return out, nil
		}
		if p.closed {
			out := append([]pcep.Message(nil), p.sent...)
			p.mu.Unlock()
			return out, fmt.Errorf("pipe to %s: %w", p.remote, pcep.ErrShuttingDown)
		}
		ch := p.changed
		p.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ch:
		}
	}
}

func (p *Pipe) notifyLocked() {
	close(p.changed)
	p.changed = make(chan struct{})
}
