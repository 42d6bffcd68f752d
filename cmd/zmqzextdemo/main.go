// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

// Example: an Actor running its own event loop behind a PAIR socket,
// forwarding requests from a REP socket, alongside a status timer, all
// driven by an interruptible top-level Loop.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/pebbe/zmq4"

	"github.com/momentics/zmqzext/actor"
	"github.com/momentics/zmqzext/eventloop"
	"github.com/momentics/zmqzext/interrupt"
	"github.com/momentics/zmqzext/mtio"
	"github.com/momentics/zmqzext/signal"
)

// actorSocketHandler runs the actor's own child-side loop: it echoes any
// non-signal message back to the parent and exits on a stop signal.
func actorSocketHandler(loop *eventloop.Loop, socket *zmq4.Socket) bool {
	raw, err := mtio.RecvBytes(socket, zmq4.DONTWAIT)
	if err != nil {
		if mtio.IsEAGAIN(err) {
			return true
		}
		return true
	}

	if sig, ok := signal.Decode(raw); ok {
		if sig.IsStop() {
			return false
		}
		return true
	}

	fmt.Printf("[Actor] Received: %s\n", raw)
	if _, err := mtio.SendBytes(socket, raw, 0); err != nil {
		return true
	}
	return true
}

// actorRunner is the Actor body: it runs its own event loop over the
// parent-provided socket, reporting success as soon as it is registered.
func actorRunner(socket *zmq4.Socket) bool {
	fmt.Println("[Actor] Started")

	loop := eventloop.New()
	if err := loop.AddSocket(socket, actorSocketHandler); err != nil {
		fmt.Fprintf(os.Stderr, "[Actor] AddSocket: %v\n", err)
		return false
	}

	if _, err := mtio.SendBytes(socket, signal.NewSuccess(), 0); err != nil {
		return false
	}

	if err := loop.Run(false, 0); err != nil {
		fmt.Fprintf(os.Stderr, "[Actor] Run: %v\n", err)
	}

	fmt.Println("[Actor] Finished")
	return false
}

func main() {
	fmt.Println("[Main] Starting application")

	interrupt.Install()
	defer interrupt.Restore()

	ctx, err := zmq4.NewContext()
	if err != nil {
		fmt.Fprintf(os.Stderr, "context error: %v\n", err)
		os.Exit(1)
	}
	defer ctx.Term()

	fmt.Println("[Main] Creating and starting actor")
	worker, err := actor.New(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "actor error: %v\n", err)
		os.Exit(1)
	}
	defer worker.Close()

	if err := worker.Start(actorRunner); err != nil {
		fmt.Fprintf(os.Stderr, "actor start error: %v\n", err)
		os.Exit(1)
	}

	repSocket, err := ctx.NewSocket(zmq4.REP)
	if err != nil {
		fmt.Fprintf(os.Stderr, "rep socket error: %v\n", err)
		os.Exit(1)
	}
	defer repSocket.Close()
	if err := repSocket.Bind("tcp://127.0.0.1:5555"); err != nil {
		fmt.Fprintf(os.Stderr, "bind error: %v\n", err)
		os.Exit(1)
	}

	loop := eventloop.New()

	if err := loop.AddSocket(worker.Socket(), func(_ *eventloop.Loop, s *zmq4.Socket) bool {
		raw, err := mtio.RecvBytes(s, zmq4.DONTWAIT)
		if err != nil {
			return true
		}
		fmt.Printf("[Main] Received from actor: %s\n", raw)
		return true
	}); err != nil {
		fmt.Fprintf(os.Stderr, "add actor socket: %v\n", err)
		os.Exit(1)
	}

	if err := loop.AddSocket(repSocket, func(_ *eventloop.Loop, s *zmq4.Socket) bool {
		raw, err := mtio.RecvBytes(s, zmq4.DONTWAIT)
		if err != nil {
			return true
		}
		fmt.Printf("[Main] Received request. Delivering it to actor: %s\n", raw)
		if _, err := mtio.SendBytes(worker.Socket(), raw, 0); err != nil {
			return true
		}
		if _, err := mtio.SendBytes(s, []byte("Ok"), 0); err != nil {
			return true
		}
		return true
	}); err != nil {
		fmt.Fprintf(os.Stderr, "add rep socket: %v\n", err)
		os.Exit(1)
	}

	if _, err := loop.AddTimer(2*time.Second, 0, func(*eventloop.Loop, eventloop.TimerID) bool {
		fmt.Println("[Main] Timer event - application is running")
		return true
	}); err != nil {
		fmt.Fprintf(os.Stderr, "add timer: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("[Main] Running loop")
	if err := loop.Run(true, 500*time.Millisecond); err != nil {
		fmt.Fprintf(os.Stderr, "[Main] Run: %v\n", err)
	}
	fmt.Println("[Main] Loop finished")

	fmt.Println("[Main] Stopping actor")
	fmt.Println("[Main] Application finished")
}
