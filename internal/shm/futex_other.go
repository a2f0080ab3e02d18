//go:build !linux

package shm

import (
	"sync/atomic"
	"time"
)

// Without futexes the waiter backs off and re-checks the word.
func futexWait(addr *uint32, val uint32) error {
	for i := 0; atomic.LoadUint32(addr) == val; i++ {
		if i < 16 {
			time.Sleep(time.Microsecond)
			continue
		}
		time.Sleep(100 * time.Microsecond)
		return nil
	}
	return nil
}

func futexWake(addr *uint32, n int) error {
	return nil
}
