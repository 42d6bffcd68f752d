// File: internal/pin/pin.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Platform-neutral API for pinning the calling OS thread to a logical CPU.
// Platform-specific implementations live in pin_linux.go / pin_windows.go /
// pin_stub.go, guarded by build tags.

package pin

// CurrentThread pins the calling goroutine's OS thread to cpuID. The
// caller must have already called runtime.LockOSThread — pinning a
// goroutine that can migrate between OS threads is meaningless.
func CurrentThread(cpuID int) error {
	return setAffinityPlatform(cpuID)
}
