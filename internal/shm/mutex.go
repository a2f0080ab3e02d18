package shm

import (
	"runtime"
	"sync/atomic"
)

// Mutex states
const (
	mutexUnlocked  uint32 = 0
	mutexLocked    uint32 = 1
	mutexContended uint32 = 2
)

// ProcessMutex is a mutex whose whole state is one 32-bit word, so it can
// live inside a shared mapping and synchronise unrelated processes. The zero
// value is unlocked. It must not be copied after first use.
type ProcessMutex struct {
	state uint32
}

// Lock acquires the mutex, sleeping in the kernel while it is held.
func (m *ProcessMutex) Lock() {
	if atomic.CompareAndSwapUint32(&m.state, mutexUnlocked, mutexLocked) {
		return
	}
	for atomic.SwapUint32(&m.state, mutexContended) != mutexUnlocked {
		_ = futexWait(&m.state, mutexContended)
	}
}

// TryLock acquires the mutex only if it is free.
func (m *ProcessMutex) TryLock() bool {
	return atomic.CompareAndSwapUint32(&m.state, mutexUnlocked, mutexLocked)
}

// Unlock releases the mutex and wakes one waiter if any are queued.
func (m *ProcessMutex) Unlock() {
	if atomic.AddUint32(&m.state, ^uint32(0)) == mutexUnlocked {
		return
	}
	atomic.StoreUint32(&m.state, mutexUnlocked)
	_ = futexWake(&m.state, 1)
}

// seqBegin marks the start of a write: the counter becomes odd.
func seqBegin(seq *uint64) {
	atomic.AddUint64(seq, 1)
}

// seqEnd marks the end of a write: the counter becomes even again.
func seqEnd(seq *uint64) {
	atomic.AddUint64(seq, 1)
}

// seqReadAttempts bounds seqRead so a writer that died mid-update cannot
// hang readers.
const seqReadAttempts = 1 << 16

// seqRead runs read until it observes a stable even counter on both sides
// and returns that counter. Writers are short, so the loop yields rather
// than sleeps. ok is false if no consistent snapshot was seen.
func seqRead(seq *uint64, read func()) (counter uint64, ok bool) {
	for i := 0; i < seqReadAttempts; i++ {
		before := atomic.LoadUint64(seq)
		if before&1 == 1 {
			runtime.Gosched()
			continue
		}
		read()
		if atomic.LoadUint64(seq) == before {
			return before, true
		}
	}
	return atomic.LoadUint64(seq), false
}
