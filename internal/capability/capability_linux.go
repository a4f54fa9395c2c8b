//go:build linux

package capability

import (
	"errors"
	"fmt"
	"syscall"
	"unsafe"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

func readSets() (unix.CapUserHeader, [2]unix.CapUserData, error) {
	hdr := unix.CapUserHeader{Version: unix.LINUX_CAPABILITY_VERSION_3}
	var data [2]unix.CapUserData
	if err := unix.Capget(&hdr, &data[0]); err != nil {
		return hdr, data, fmt.Errorf("%w: capget: %w", ErrCapability, err)
	}
	return hdr, data, nil
}

func sysResourceBit() (word int, mask uint32) {
	return unix.CAP_SYS_RESOURCE / 32, 1 << (unix.CAP_SYS_RESOURCE % 32)
}

// HasSysResource reports whether CAP_SYS_RESOURCE is in the effective set.
func HasSysResource() (bool, error) {
	_, data, err := readSets()
	if err != nil {
		return false, err
	}
	word, mask := sysResourceBit()
	return data[word].Effective&mask != 0, nil
}

// DropSysResource clears CAP_SYS_RESOURCE from the effective set of every
// thread. It reports whether the bit was set before the call.
func DropSysResource() (bool, error) {
	hdr, data, err := readSets()
	if err != nil {
		return false, err
	}
	word, mask := sysResourceBit()
	if data[word].Effective&mask == 0 {
		return false, nil
	}
	data[word].Effective &^= mask

	_, _, errno := syscall.AllThreadsSyscall(unix.SYS_CAPSET,
		uintptr(unsafe.Pointer(&hdr)), uintptr(unsafe.Pointer(&data[0])), 0)
	switch {
	case errno == 0:
		return true, nil
	case errors.Is(errno, syscall.ENOTSUP):
		// cgo builds cannot change every thread; fall back to the caller's.
		log.Warn().Msg("capability change limited to the calling thread")
		if err := unix.Capset(&hdr, &data[0]); err != nil {
			return false, fmt.Errorf("%w: capset: %w", ErrCapability, err)
		}
		return true, nil
	default:
		return false, fmt.Errorf("%w: capset: %w", ErrCapability, errno)
	}
}
