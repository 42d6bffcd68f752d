// File: poller/poller.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Poller wraps MT's own poll primitive (zmq4.Poller) for a dynamic set of
// sockets, honoring the process Interrupt Latch and reporting termination
// distinctly from an ordinary timeout. zmq4's own Poller has no removal
// operation, so this type keeps the ordered registration list as the
// source of truth and rebuilds a fresh zmq4.Poller on every wait.

package poller

import (
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/pebbe/zmq4"

	"github.com/momentics/zmqzext/interrupt"
	"github.com/momentics/zmqzext/mtio"
	"github.com/momentics/zmqzext/zmqzerr"
)

// ErrNullSocket is returned by Add when the given socket is nil.
var ErrNullSocket = zmqzerr.New(zmqzerr.CodeInvalidArgument, "poller: null socket")

// ErrDuplicateSocket is returned by Add when the socket is already registered.
var ErrDuplicateSocket = zmqzerr.New(zmqzerr.CodeInvalidArgument, "poller: socket already registered")

// Poller multiplexes readability across a dynamic set of MT sockets.
type Poller struct {
	mu      sync.Mutex
	entries []*zmq4.Socket // ordered; registration order is preserved

	interruptible atomic.Bool
	terminated    atomic.Bool
}

// New creates a Poller with interruptible mode enabled by default.
func New() *Poller {
	p := &Poller{}
	p.interruptible.Store(true)
	return p
}

// Add registers socket for readability. Fails on a nil or already-present handle.
func (p *Poller) Add(socket *zmq4.Socket) error {
	if socket == nil {
		return ErrNullSocket
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.entries {
		if s == socket {
			return ErrDuplicateSocket
		}
	}
	p.entries = append(p.entries, socket)
	return nil
}

// Remove erases every entry for socket. Removing an unknown socket is a no-op.
func (p *Poller) Remove(socket *zmq4.Socket) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.entries[:0]
	for _, s := range p.entries {
		if s != socket {
			out = append(out, s)
		}
	}
	p.entries = out
}

// SetInterruptible controls whether Wait/WaitAll honor the Interrupt Latch.
func (p *Poller) SetInterruptible(v bool) { p.interruptible.Store(v) }

// Interruptible reports the current interruptible setting.
func (p *Poller) Interruptible() bool { return p.interruptible.Load() }

// Size returns the number of registered sockets.
func (p *Poller) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Terminated reports whether the most recent wait ended by interrupt or
// context shutdown rather than by timeout or a ready socket.
func (p *Poller) Terminated() bool { return p.terminated.Load() }

func (p *Poller) snapshot() []*zmq4.Socket {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*zmq4.Socket, len(p.entries))
	copy(out, p.entries)
	return out
}

// Wait blocks up to timeout (negative means forever) and returns the first
// registered socket found ready, in registration order. Returns nil on
// timeout, termination, or a pre-checked interrupt.
func (p *Poller) Wait(timeout time.Duration) (*zmq4.Socket, error) {
	all, err := p.WaitAll(timeout)
	if err != nil || len(all) == 0 {
		return nil, err
	}
	return all[0], nil
}

// WaitAll blocks up to timeout and returns every ready socket, in
// registration order.
func (p *Poller) WaitAll(timeout time.Duration) ([]*zmq4.Socket, error) {
	p.terminated.Store(false)

	if p.Interruptible() && interrupt.IsSet() {
		p.terminated.Store(true)
		return nil, nil
	}

	entries := p.snapshot()

	zp := zmq4.NewPoller()
	for _, s := range entries {
		zp.Add(s, zmq4.POLLIN)
	}

	polled, err := zp.Poll(timeout)
	if err != nil {
		switch {
		case zmq4.AsErrno(err) == zmq4.Errno(syscall.EINTR):
			if p.Interruptible() {
				p.terminated.Store(true)
			}
			return nil, nil
		case mtio.IsETERM(err):
			p.terminated.Store(true)
			return nil, nil
		default:
			return nil, err
		}
	}

	// Second interrupt check closes the race where the signal arrived
	// between the pre-check and the poll call and was not observed as EINTR.
	if p.Interruptible() && interrupt.IsSet() {
		p.terminated.Store(true)
		return nil, nil
	}

	if len(polled) == 0 {
		return nil, nil
	}
	ready := make(map[*zmq4.Socket]bool, len(polled))
	for _, item := range polled {
		ready[item.Socket] = true
	}

	result := make([]*zmq4.Socket, 0, len(polled))
	for _, s := range entries {
		if ready[s] {
			result = append(result, s)
		}
	}
	return result, nil
}
