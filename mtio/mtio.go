// File: mtio/mtio.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// EINTR-tolerant wrappers around the five send/receive shapes MT (zmq4)
// offers: buffer send, string-message send, multi-part message send, buffer
// receive, and string-message receive. Each retries transparently when the
// underlying call fails with EINTR; every other error, including the
// non-blocking EAGAIN "not ready" result, is returned unchanged.

package mtio

import (
	"syscall"

	"github.com/pebbe/zmq4"
)

// zmqHausnumero and etermErrno reproduce libzmq's own custom errno space.
// ETERM (context terminated) has no POSIX equivalent, unlike EINTR/EAGAIN,
// so zmq4 surfaces it as this raw numeric value rather than a syscall
// constant.
const (
	zmqHausnumero = 156384712
	etermErrno    = zmqHausnumero + 53
)

func isEINTR(err error) bool {
	return err != nil && zmq4.AsErrno(err) == zmq4.Errno(syscall.EINTR)
}

// SendBytes sends a raw buffer, retrying on EINTR.
func SendBytes(socket *zmq4.Socket, data []byte, flags zmq4.Flag) (int, error) {
	for {
		n, err := socket.SendBytes(data, flags)
		if isEINTR(err) {
			continue
		}
		return n, err
	}
}

// Send sends a single string-framed message, retrying on EINTR.
func Send(socket *zmq4.Socket, data string, flags zmq4.Flag) (int, error) {
	for {
		n, err := socket.Send(data, flags)
		if isEINTR(err) {
			continue
		}
		return n, err
	}
}

// SendMessage sends a (possibly multi-part) message built from parts,
// retrying on EINTR. This is the "message-rvalue" shape: parts are handed
// over wholesale, mirroring a moved-from zmq::message_t.
func SendMessage(socket *zmq4.Socket, parts ...interface{}) (int, error) {
	for {
		n, err := socket.SendMessage(parts...)
		if isEINTR(err) {
			continue
		}
		return n, err
	}
}

// RecvBytes receives a raw buffer, retrying on EINTR.
func RecvBytes(socket *zmq4.Socket, flags zmq4.Flag) ([]byte, error) {
	for {
		b, err := socket.RecvBytes(flags)
		if isEINTR(err) {
			continue
		}
		return b, err
	}
}

// Recv receives a single string-framed message, retrying on EINTR.
func Recv(socket *zmq4.Socket, flags zmq4.Flag) (string, error) {
	for {
		s, err := socket.Recv(flags)
		if isEINTR(err) {
			continue
		}
		return s, err
	}
}

// IsEAGAIN reports whether err is the transport's non-blocking "not ready"
// result. Callers combining DONTWAIT with these helpers must be prepared
// for this: EAGAIN is never retried here, it always propagates.
func IsEAGAIN(err error) bool {
	return err != nil && zmq4.AsErrno(err) == zmq4.Errno(syscall.EAGAIN)
}

// IsETERM reports whether err indicates the owning context was terminated.
func IsETERM(err error) bool {
	return err != nil && zmq4.AsErrno(err) == zmq4.Errno(etermErrno)
}
