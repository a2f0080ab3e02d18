// Package mastertc keeps every channel's timecode frame-accurate relative to
// one designated master channel.
//
// The master channel's publish path stores its timecode together with the
// wall-clock capture time. Every other channel converts the difference
// between its own capture time and the master's into a whole number of
// frames and offsets the master timecode by it.
package mastertc

import (
	"sync"

	"github.com/tapeless/nexus/internal/timecode"
	"github.com/tapeless/nexus/pkg/types"
)

// Sample is one master observation.
type Sample struct {
	Timecode  timecode.Timecode
	TimeOfDay int64 // capture time, microseconds
}

// Holder guards the latest master sample.
type Holder struct {
	mu     sync.Mutex
	sample Sample
	set    bool
}

// NewHolder returns an empty holder
func NewHolder() *Holder {
	return &Holder{}
}

// Store records the master channel's timecode and capture time.
func (h *Holder) Store(tc timecode.Timecode, timeOfDay int64) {
	h.mu.Lock()
	h.sample = Sample{Timecode: tc, TimeOfDay: timeOfDay}
	h.set = true
	h.mu.Unlock()
}

// Snapshot returns the latest sample and whether one was ever stored.
func (h *Holder) Snapshot() (Sample, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sample, h.set
}

// Reset forgets the stored sample.
func (h *Holder) Reset() {
	h.mu.Lock()
	h.sample = Sample{}
	h.set = false
	h.mu.Unlock()
}

// Derive returns the synchronised timecode for a frame captured at tRec.
// Without a master sample the channel's own raw timecode is returned.
func (h *Holder) Derive(raw timecode.Timecode, tRec int64, rate types.FrameRate) timecode.Timecode {
	sample, ok := h.Snapshot()
	if !ok {
		return raw
	}
	return Derive(sample, tRec, rate)
}

// Derive offsets the master timecode by the whole frames between the master
// capture time and tRec, rounding half away from zero.
func Derive(master Sample, tRec int64, rate types.FrameRate) timecode.Timecode {
	return master.Timecode.Add(FrameOffset(tRec-master.TimeOfDay, rate))
}

// FrameOffset converts a signed microsecond difference into frames at rate,
// rounding half away from zero. The arithmetic is exact: a frame lasts
// 1e6*den/num microseconds.
func FrameOffset(diffUS int64, rate types.FrameRate) int64 {
	if !rate.Valid() {
		return 0
	}
	sign := int64(1)
	if diffUS < 0 {
		sign = -1
		diffUS = -diffUS
	}
	unit := 1_000_000 * int64(rate.Den)
	frames := (2*diffUS*int64(rate.Num) + unit) / (2 * unit)
	return sign * frames
}
