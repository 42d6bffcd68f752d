package actor

import (
	"errors"
	"testing"
	"time"

	"github.com/pebbe/zmq4"

	"github.com/momentics/zmqzext/mtio"
	"github.com/momentics/zmqzext/signal"
)

func newContext(t *testing.T) *zmq4.Context {
	t.Helper()
	ctx, err := zmq4.NewContext()
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	t.Cleanup(func() { ctx.Term() })
	return ctx
}

func TestStartUnblocksOnEarlySuccessThenEchoesUntilStop(t *testing.T) {
	ctx := newContext(t)
	a, err := New(ctx)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	echo := func(socket *zmq4.Socket) bool {
		if _, err := mtio.SendBytes(socket, signal.NewSuccess(), 0); err != nil {
			return false
		}
		for {
			raw, err := mtio.RecvBytes(socket, 0)
			if err != nil {
				return false
			}
			if sig, ok := signal.Decode(raw); ok {
				if sig.IsStop() {
					return true
				}
				continue
			}
			if _, err := mtio.SendBytes(socket, raw, 0); err != nil {
				return false
			}
		}
	}

	if err := a.Start(echo); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !a.IsStarted() {
		t.Fatalf("IsStarted() = false after Start")
	}
	if a.IsStopped() {
		t.Fatalf("IsStopped() = true right after Start")
	}

	payload := []byte("ping")
	if _, err := mtio.SendBytes(a.Socket(), payload, 0); err != nil {
		t.Fatalf("SendBytes to worker: %v", err)
	}
	got, err := mtio.RecvBytes(a.Socket(), 0)
	if err != nil {
		t.Fatalf("RecvBytes echo: %v", err)
	}
	if string(got) != "ping" {
		t.Fatalf("echo = %q, want %q", got, "ping")
	}

	if ok := a.Stop(time.Second); !ok {
		t.Fatalf("Stop() = false, want true")
	}
	if !a.IsStopped() {
		t.Fatalf("IsStopped() = false after Stop")
	}
}

func TestStartPropagatesPanicAsError(t *testing.T) {
	ctx := newContext(t)
	a, err := New(ctx)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	boom := errors.New("boom")
	failing := func(socket *zmq4.Socket) bool {
		panic(boom)
	}

	err = a.Start(failing)
	if err == nil {
		t.Fatalf("Start = nil error, want the panic propagated")
	}
	if !errors.Is(err, boom) {
		t.Fatalf("Start error = %v, want it to wrap %v", err, boom)
	}
	if !a.IsStopped() {
		t.Fatalf("IsStopped() = false after a failed Start")
	}
}

func TestStopIsIdempotentWhenNeverStarted(t *testing.T) {
	ctx := newContext(t)
	a, err := New(ctx)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if ok := a.Stop(time.Second); !ok {
		t.Fatalf("Stop() on unstarted Actor = false, want true")
	}
	a.Close() // must not panic
}

func TestStopTimesOutWhenWorkerIsSlowToAck(t *testing.T) {
	ctx := newContext(t)
	a, err := New(ctx)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	slow := func(socket *zmq4.Socket) bool {
		if _, err := mtio.SendBytes(socket, signal.NewSuccess(), 0); err != nil {
			return false
		}
		time.Sleep(150 * time.Millisecond)
		return true
	}

	if err := a.Start(slow); err != nil {
		t.Fatalf("Start: %v", err)
	}

	start := time.Now()
	ok := a.Stop(20 * time.Millisecond)
	elapsed := time.Since(start)
	if ok {
		t.Fatalf("Stop() = true, want false (worker slower than timeout)")
	}
	if elapsed > 200*time.Millisecond {
		t.Fatalf("Stop() took %v, want it bounded by its own timeout", elapsed)
	}
}

func TestStopWithZeroTimeoutStillSettlesStartedAndStopped(t *testing.T) {
	ctx := newContext(t)
	a, err := New(ctx)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	slow := func(socket *zmq4.Socket) bool {
		if _, err := mtio.SendBytes(socket, signal.NewSuccess(), 0); err != nil {
			return false
		}
		time.Sleep(100 * time.Millisecond)
		return true
	}

	if err := a.Start(slow); err != nil {
		t.Fatalf("Start: %v", err)
	}

	ok := a.Stop(0)
	if ok {
		t.Fatalf("Stop(0) = true, want false (worker has not acked yet)")
	}
	if !a.IsStarted() {
		t.Fatalf("IsStarted() = false after Stop(0), want true")
	}
	if !a.IsStopped() {
		t.Fatalf("IsStopped() = false after Stop(0), want true (started ∧ stopped must hold on every return)")
	}
}

func TestDestructorTimeoutDefaultAndSetter(t *testing.T) {
	ctx := newContext(t)
	a, err := New(ctx)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := a.GetDestructorTimeout(); got != DefaultDestructorTimeout {
		t.Fatalf("GetDestructorTimeout() = %v, want %v", got, DefaultDestructorTimeout)
	}
	a.SetDestructorTimeout(5 * time.Millisecond)
	if got := a.GetDestructorTimeout(); got != 5*time.Millisecond {
		t.Fatalf("GetDestructorTimeout() = %v, want 5ms", got)
	}
}

func TestSecondStartReturnsErrAlreadyStarted(t *testing.T) {
	ctx := newContext(t)
	a, err := New(ctx)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	noop := func(socket *zmq4.Socket) bool {
		mtio.SendBytes(socket, signal.NewSuccess(), 0)
		mtio.RecvBytes(socket, 0)
		return true
	}
	if err := a.Start(noop); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer a.Stop(time.Second)

	if err := a.Start(noop); err != ErrAlreadyStarted {
		t.Fatalf("second Start = %v, want ErrAlreadyStarted", err)
	}
}
