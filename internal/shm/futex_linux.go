//go:build linux

package shm

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Non-private futex operations. The private variants (FUTEX_PRIVATE_FLAG)
// only match waiters inside one address space, and the words here are
// shared between unrelated processes.
const (
	futexOpWait = 0
	futexOpWake = 1
)

// futexWait sleeps while *addr == val. Spurious wakeups are possible, so
// callers always re-check their condition.
func futexWait(addr *uint32, val uint32) error {
	if atomic.LoadUint32(addr) != val {
		return nil
	}
	_, _, errno := unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		futexOpWait,
		uintptr(val),
		0, 0, 0,
	)
	switch errno {
	case 0, unix.EAGAIN, unix.EINTR:
		return nil
	default:
		return fmt.Errorf("futex wait: %w", errno)
	}
}

// futexWake wakes up to n waiters on addr.
func futexWake(addr *uint32, n int) error {
	_, _, errno := unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		futexOpWake,
		uintptr(n),
		0, 0, 0,
	)
	if errno != 0 {
		return fmt.Errorf("futex wake: %w", errno)
	}
	return nil
}
