// File: eventloop/eventloop.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Loop dispatches socket readability and time-based events to user
// callbacks. It drives a Poller each tick, garbage-collects timers marked
// for removal, computes the next wait deadline from the soonest live timer
// (and an optional interrupt-check interval), and lets handlers freely add
// or remove sockets and timers — including the one currently running —
// with mutations taking effect at the next step boundary.
//
// The timer list is an github.com/eapache/queue FIFO rather than a slice:
// it gives O(1) append for AddTimer and, since Get(i) allows indexed
// iteration, the same "insertion order" firing guarantee a slice would,
// while making garbage-collection a plain rebuild-with-survivors pass.

package eventloop

import (
	"sync"
	"time"

	"github.com/eapache/queue"
	"github.com/pebbe/zmq4"

	"github.com/momentics/zmqzext/poller"
	"github.com/momentics/zmqzext/zmqzerr"
)

// TimerID identifies a live timer, unique within its owning Loop.
type TimerID uint64

// SocketHandler is invoked when a registered socket becomes readable.
// Returning false stops the Loop after the current tick.
type SocketHandler func(*Loop, *zmq4.Socket) bool

// TimerHandler is invoked when a timer fires. Returning false stops the
// Loop after the current tick.
type TimerHandler func(*Loop, TimerID) bool

// ErrDuplicateSocket is returned by AddSocket for an already-registered handle.
var ErrDuplicateSocket = zmqzerr.New(zmqzerr.CodeInvalidArgument, "eventloop: socket already registered")

// ErrTimerIDExhausted is returned by AddTimer when no id is available after wraparound.
var ErrTimerIDExhausted = zmqzerr.New(zmqzerr.CodeExhausted, "eventloop: no timer id available")

type timerRecord struct {
	id           TimerID
	interval     time.Duration
	remaining    uint64 // 0 means "fire forever"
	nextDeadline time.Time
	handler      TimerHandler
	removed      bool
}

// Loop registers sockets and timers, drives a Poller, and invokes handlers.
type Loop struct {
	poller *poller.Poller

	mu          sync.Mutex
	handlers    map[*zmq4.Socket]SocketHandler
	timers      *queue.Queue
	lastTimerID TimerID
	overflowed  bool

	interruptCheckInterval time.Duration
}

// New creates an empty Loop.
func New() *Loop {
	return &Loop{
		poller:   poller.New(),
		handlers: make(map[*zmq4.Socket]SocketHandler),
		timers:   queue.New(),
	}
}

// AddSocket rejects a socket already present in the handler table, then
// registers it with the Poller; the handler table is the source of truth
// for duplicate detection so the error reported here is always
// ErrDuplicateSocket rather than the Poller's own.
func (l *Loop) AddSocket(socket *zmq4.Socket, h SocketHandler) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.handlers[socket]; exists {
		return ErrDuplicateSocket
	}
	if err := l.poller.Add(socket); err != nil {
		return err
	}
	l.handlers[socket] = h
	return nil
}

// RemoveSocket unregisters socket from the Poller and the handler table.
// An unknown socket is a no-op; safe to call from within a running handler,
// including the handler for socket itself.
func (l *Loop) RemoveSocket(socket *zmq4.Socket) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.poller.Remove(socket)
	delete(l.handlers, socket)
}

// AddTimer allocates a unique non-zero timer id, seeds its first deadline at
// now+interval, and appends it to the timer list. occurrences == 0 fires
// forever; otherwise the timer is removed once it has fired that many times.
func (l *Loop) AddTimer(interval time.Duration, occurrences uint64, h TimerHandler) (TimerID, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	id, err := l.nextTimerIDLocked()
	if err != nil {
		return 0, err
	}
	l.timers.Add(&timerRecord{
		id:           id,
		interval:     interval,
		remaining:    occurrences,
		nextDeadline: time.Now().Add(interval),
		handler:      h,
	})
	return id, nil
}

// RemoveTimer marks the matching timer removed; it is garbage-collected at
// the next iteration's start. An unknown id is a no-op; safe during iteration.
func (l *Loop) RemoveTimer(id TimerID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := l.timers.Length()
	for i := 0; i < n; i++ {
		tr := l.timers.Get(i).(*timerRecord)
		if tr.id == id {
			tr.removed = true
			return
		}
	}
}

// SetInterruptCheckInterval pre-configures the interval used by Run when
// its own interruptCheckInterval argument is zero or negative.
func (l *Loop) SetInterruptCheckInterval(d time.Duration) {
	l.mu.Lock()
	l.interruptCheckInterval = d
	l.mu.Unlock()
}

// Terminated delegates to the Poller's termination flag.
func (l *Loop) Terminated() bool { return l.poller.Terminated() }

// Run drives the Loop to completion: garbage-collect, compute the wait
// deadline, poll, fire due timers, fire ready sockets, repeat.
func (l *Loop) Run(interruptible bool, interruptCheckInterval time.Duration) error {
	l.poller.SetInterruptible(interruptible)
	if interruptCheckInterval > 0 {
		l.SetInterruptCheckInterval(interruptCheckInterval)
	}

	for {
		l.gcTimers()

		l.mu.Lock()
		timerCount := l.timers.Length()
		l.mu.Unlock()
		if l.poller.Size() == 0 && timerCount == 0 {
			return nil
		}

		timeout := l.nextTimeout()
		ready, err := l.poller.WaitAll(timeout)
		if err != nil {
			return err
		}
		if l.poller.Terminated() {
			return nil
		}

		now := time.Now()
		if !l.fireDueTimers(now) {
			return nil
		}
		if !l.fireSockets(ready) {
			return nil
		}
	}
}

func (l *Loop) gcTimers() {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := l.timers.Length()
	survivors := make([]*timerRecord, 0, n)
	dirty := false
	for i := 0; i < n; i++ {
		tr := l.timers.Get(i).(*timerRecord)
		if tr.removed {
			dirty = true
			continue
		}
		survivors = append(survivors, tr)
	}
	if !dirty {
		return
	}
	l.timers = queue.New()
	for _, tr := range survivors {
		l.timers.Add(tr)
	}
}

func (l *Loop) nextTimeout() time.Duration {
	l.mu.Lock()
	n := l.timers.Length()
	now := time.Now()
	have := false
	var minRemaining time.Duration
	for i := 0; i < n; i++ {
		tr := l.timers.Get(i).(*timerRecord)
		if tr.removed {
			continue
		}
		d := tr.nextDeadline.Sub(now)
		if d < 0 {
			d = 0
		}
		if !have || d < minRemaining {
			minRemaining = d
			have = true
		}
	}
	interval := l.interruptCheckInterval
	l.mu.Unlock()

	switch {
	case !have && interval <= 0:
		return -1 // forever
	case !have:
		return ceilToMillisecond(interval)
	case interval > 0 && interval < minRemaining:
		return ceilToMillisecond(interval)
	default:
		return ceilToMillisecond(minRemaining)
	}
}

func ceilToMillisecond(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	if d%time.Millisecond == 0 {
		return d
	}
	return (d/time.Millisecond + 1) * time.Millisecond
}

func (l *Loop) fireDueTimers(now time.Time) (shouldContinue bool) {
	l.mu.Lock()
	n := l.timers.Length()
	snapshot := make([]*timerRecord, n)
	for i := 0; i < n; i++ {
		snapshot[i] = l.timers.Get(i).(*timerRecord)
	}
	l.mu.Unlock()

	for _, tr := range snapshot {
		if tr.removed || tr.nextDeadline.After(now) {
			continue
		}
		if !tr.handler(l, tr.id) {
			return false
		}
		if tr.remaining > 0 {
			tr.remaining--
			if tr.remaining == 0 {
				tr.removed = true
				continue
			}
		}
		tr.nextDeadline = tr.nextDeadline.Add(tr.interval)
	}
	return true
}

func (l *Loop) fireSockets(ready []*zmq4.Socket) (shouldContinue bool) {
	for _, s := range ready {
		l.mu.Lock()
		h, ok := l.handlers[s]
		l.mu.Unlock()
		if !ok {
			continue // removed by an earlier callback this tick
		}
		if !h(l, s) {
			return false
		}
	}
	return true
}

func (l *Loop) nextTimerIDLocked() (TimerID, error) {
	candidate := l.lastTimerID + 1
	if candidate == 0 {
		l.overflowed = true
		candidate++
	}
	if !l.overflowed {
		l.lastTimerID = candidate
		return candidate, nil
	}

	n := l.timers.Length()
	for attempts := 0; attempts <= n; attempts++ {
		if !l.timerIDLiveLocked(candidate) {
			l.lastTimerID = candidate
			return candidate, nil
		}
		candidate++
		if candidate == 0 {
			candidate++
		}
	}
	return 0, ErrTimerIDExhausted
}

func (l *Loop) timerIDLiveLocked(id TimerID) bool {
	n := l.timers.Length()
	for i := 0; i < n; i++ {
		tr := l.timers.Get(i).(*timerRecord)
		if !tr.removed && tr.id == id {
			return true
		}
	}
	return false
}
