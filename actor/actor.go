// File: actor/actor.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Actor owns a worker goroutine paired with the caller over an inproc PAIR
// socket. Start launches the goroutine and blocks until the worker's first
// Signal arrives — success unblocks the caller immediately while the worker
// keeps running; failure propagates any saved panic value as an error. Stop
// requests shutdown and blocks until the worker's final Signal confirms it,
// honoring a timeout: a stop/stopped handshake carried over a socket
// instead of a channel.

package actor

import (
	"fmt"
	"log"
	"math/rand"
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/pebbe/zmq4"

	"github.com/momentics/zmqzext/internal/pin"
	"github.com/momentics/zmqzext/mtio"
	"github.com/momentics/zmqzext/signal"
	"github.com/momentics/zmqzext/zmqzerr"
)

// noCPUPin is the sentinel meaning "run the worker on whatever OS thread
// the Go runtime schedules it to, with no affinity request".
const noCPUPin = -1

// DefaultDestructorTimeout bounds how long Close waits for the worker to
// acknowledge a stop request before giving up.
const DefaultDestructorTimeout = 100 * time.Millisecond

// Func is the actor body. It owns socket for the actor's entire lifetime;
// closing it is Actor's responsibility, not the caller's. The bool result
// becomes the worker's final signal: true for success, false for failure.
// A panic inside Func is recovered: if the recovered value wraps an MT
// transport error it is swallowed silently (no signal sent, the worker's
// socket is simply closed), otherwise it is saved and surfaced through
// Start's error return, and a best-effort failure signal is sent.
type Func func(socket *zmq4.Socket) bool

// ErrAlreadyStarted is returned by Start on an Actor already running.
var ErrAlreadyStarted = zmqzerr.New(zmqzerr.CodeAlreadyStarted, "actor: already started")

// ErrNoInitSignal is returned by Start when the parent socket could not
// receive the worker's first Signal at all (as opposed to receiving one
// that reports failure).
var ErrNoInitSignal = zmqzerr.New(zmqzerr.CodeInitFailed, "actor: failed to receive initialization signal")

// ErrInitializationFailed is returned by Start when the worker reports
// failure without a recovered panic value to surface.
var ErrInitializationFailed = zmqzerr.New(zmqzerr.CodeInitFailed, "actor: initialization failed")

// Actor pairs a parent-side socket with a worker goroutine's child socket.
type Actor struct {
	parentSocket *zmq4.Socket
	childSocket  *zmq4.Socket // nil once ownership has passed to the worker

	started atomic.Bool
	stopped atomic.Bool

	exceptionMu    sync.Mutex
	savedException interface{}

	destructorTimeoutNs atomic.Int64
	cpuPin              atomic.Int64
}

// New creates an Actor bound to a unique inproc address and connects its
// child socket to it. The Actor owns both sockets until Start hands the child
// socket to the worker; Close on a never-started Actor closes both.
func New(ctx *zmq4.Context) (*Actor, error) {
	parent, err := ctx.NewSocket(zmq4.PAIR)
	if err != nil {
		return nil, fmt.Errorf("actor: new parent socket: %w", err)
	}
	child, err := ctx.NewSocket(zmq4.PAIR)
	if err != nil {
		parent.Close()
		return nil, fmt.Errorf("actor: new child socket: %w", err)
	}

	a := &Actor{parentSocket: parent, childSocket: child}
	a.destructorTimeoutNs.Store(int64(DefaultDestructorTimeout))
	a.cpuPin.Store(noCPUPin)

	addr, err := a.bindToUniqueAddress()
	if err != nil {
		parent.Close()
		child.Close()
		return nil, err
	}
	if err := child.Connect(addr); err != nil {
		parent.Close()
		child.Close()
		return nil, fmt.Errorf("actor: connect child: %w", err)
	}
	return a, nil
}

func (a *Actor) bindToUniqueAddress() (string, error) {
	base := fmt.Sprintf("inproc://zmqzext-actor-%p", a)
	for {
		addr := fmt.Sprintf("%s-%06d", base, rand.Intn(1000000))
		err := a.parentSocket.Bind(addr)
		if err == nil {
			return addr, nil
		}
		if zmq4.AsErrno(err) != zmq4.Errno(syscall.EADDRINUSE) {
			return "", zmqzerr.Wrap(zmqzerr.CodeInternal, "actor: bind to unique address failed", err).
				WithContext("address", addr)
		}
	}
}

// Start launches fn on a new goroutine, handing it ownership of the child
// socket, and blocks until the worker's first Signal arrives. A success
// signal returns nil immediately; the worker keeps running. Any other
// outcome — a failure signal, an undecodable message, or a closed socket —
// returns an error, rethrowing a saved panic value where one was recovered.
func (a *Actor) Start(fn Func) error {
	if !a.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	child := a.childSocket
	a.childSocket = nil
	go a.run(fn, child)

	raw, err := mtio.RecvBytes(a.parentSocket, 0)
	if err != nil {
		a.stopped.Store(true)
		a.parentSocket.Close()
		return fmt.Errorf("%w: %v", ErrNoInitSignal, err)
	}

	sig, ok := signal.Decode(raw)
	if ok && sig.IsSuccess() {
		return nil
	}

	a.stopped.Store(true)
	a.parentSocket.Close()

	a.exceptionMu.Lock()
	saved := a.savedException
	a.exceptionMu.Unlock()
	if saved != nil {
		if err, ok := saved.(error); ok {
			return zmqzerr.Wrap(zmqzerr.CodeUserException, "actor: initialization failed", err)
		}
		return fmt.Errorf("actor: initialization failed: %v", saved)
	}
	return ErrInitializationFailed
}

// Stop requests the worker to exit and waits up to timeout for its final
// Signal. A negative timeout waits forever; zero makes one non-blocking
// recv attempt before giving up. Every return path — including a send
// failure and a timed-out or failed recv — leaves the Actor started ∧
// stopped, with the parent socket closed. Stop is a no-op returning true
// on an Actor that was never started or is already stopped.
func (a *Actor) Stop(timeout time.Duration) bool {
	if !a.started.Load() || a.stopped.Load() {
		return true
	}

	if _, err := mtio.SendBytes(a.parentSocket, signal.NewStop(), zmq4.DONTWAIT); err != nil {
		a.stopped.Store(true)
		a.parentSocket.Close()
		return true
	}

	forever := timeout < 0
	start := time.Now()
	remaining := timeout
	for {
		wait := remaining
		if forever {
			wait = -1
		} else if wait < 0 {
			wait = 0
		}
		if err := a.parentSocket.SetRcvtimeo(wait); err != nil {
			a.stopped.Store(true)
			a.parentSocket.Close()
			return false
		}

		raw, err := mtio.RecvBytes(a.parentSocket, 0)
		if err != nil {
			a.stopped.Store(true)
			a.parentSocket.Close()
			return false
		}
		if _, ok := signal.Decode(raw); ok {
			break
		}
		if !forever {
			remaining = timeout - time.Since(start)
			if remaining < 0 {
				remaining = 0
			}
		}
	}

	a.stopped.Store(true)
	a.parentSocket.Close()
	return true
}

// Socket returns the parent-side socket for external communication with
// the worker — sending it application messages, registering it with a
// Poller or eventloop.Loop.
func (a *Actor) Socket() *zmq4.Socket { return a.parentSocket }

// IsStarted reports whether Start has been called, whether or not the
// worker then reported success.
func (a *Actor) IsStarted() bool { return a.started.Load() }

// IsStopped reports whether the Actor has fully stopped.
func (a *Actor) IsStopped() bool { return a.stopped.Load() }

// SetDestructorTimeout configures how long Close waits for Stop.
func (a *Actor) SetDestructorTimeout(d time.Duration) {
	a.destructorTimeoutNs.Store(int64(d))
}

// GetDestructorTimeout reports the timeout Close passes to Stop.
func (a *Actor) GetDestructorTimeout() time.Duration {
	return time.Duration(a.destructorTimeoutNs.Load())
}

// SetCPUPin requests that the worker goroutine's OS thread be pinned to
// cpuID once Start launches it. Pinning is best-effort: a failure is
// logged and the worker runs unpinned rather than failing initialization.
// Must be called before Start.
func (a *Actor) SetCPUPin(cpuID int) {
	a.cpuPin.Store(int64(cpuID))
}

// Close stops the worker using the configured destructor timeout; on an
// Actor that was never started it closes both sockets instead. Either way
// it leaves the Actor started ∧ stopped, so a later Start returns
// ErrAlreadyStarted. It never panics or returns an error — any panic is
// recovered and Stop's own bool result is discarded, mirroring a destructor
// that cannot propagate failure.
func (a *Actor) Close() {
	defer func() { recover() }()
	if a.started.CompareAndSwap(false, true) {
		a.stopped.Store(true)
		a.childSocket.Close()
		a.childSocket = nil
		a.parentSocket.Close()
		return
	}
	a.Stop(a.GetDestructorTimeout())
}

func (a *Actor) run(fn Func, socket *zmq4.Socket) {
	if cpuID := int(a.cpuPin.Load()); cpuID != noCPUPin {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		if err := pin.CurrentThread(cpuID); err != nil {
			log.Printf("actor: pin worker to cpu %d: %v", cpuID, err)
		}
	}

	defer socket.Close()
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		if isTransportPanic(r) {
			return // mirrors the original's silent swallow of transport-level errors
		}
		a.exceptionMu.Lock()
		a.savedException = r
		a.exceptionMu.Unlock()

		func() {
			defer func() { recover() }() // a failing send here must not escape
			_, _ = mtio.SendBytes(socket, signal.NewFailure(), 0)
		}()
	}()

	success := fn(socket)
	sig := signal.NewSuccess()
	if !success {
		sig = signal.NewFailure()
	}
	_, _ = mtio.SendBytes(socket, sig, 0)
}

// isTransportPanic reports whether a recovered panic value wraps an MT
// error, as opposed to an application-level panic raised by Func itself.
func isTransportPanic(r interface{}) bool {
	err, ok := r.(error)
	if !ok {
		return false
	}
	return zmq4.AsErrno(err) != 0
}
