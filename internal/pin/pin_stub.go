//go:build !linux && !windows
// +build !linux,!windows

// File: internal/pin/pin_stub.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Stub implementation for platforms without a CPU affinity API.

package pin

import "errors"

func setAffinityPlatform(cpuID int) error {
	return errors.New("pin: not supported on this platform")
}
