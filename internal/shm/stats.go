package shm

import (
	"fmt"
	"time"
)

// RecorderStats is one consumer's status as published in the control
// block. The core hosts these slots without interpreting them.
type RecorderStats struct {
	Enabled       bool
	Recording     bool
	Error         bool
	FramesWritten int64
	FramesDropped int64
	Backlog       int64
	Updated       time.Time
	Name          string
	Description   string
}

func (c *Control) recorder(i int) (*recorderSlot, error) {
	if c.detached.Load() {
		return nil, ErrDetached
	}
	if i < 0 || i >= MaxRecorders {
		return nil, fmt.Errorf("recorder slot %d: %w", i, ErrBadSlot)
	}
	return &c.cb.recorders[i], nil
}

// RecorderStats returns a consistent snapshot of slot i.
func (c *Control) RecorderStats(i int) (RecorderStats, error) {
	slot, err := c.recorder(i)
	if err != nil {
		return RecorderStats{}, err
	}
	var s RecorderStats
	seqRead(&slot.seq, func() {
		flags := slot.flags
		s = RecorderStats{
			Enabled:       flags&recorderEnabled != 0,
			Recording:     flags&recorderRecording != 0,
			Error:         flags&recorderError != 0,
			FramesWritten: slot.framesWritten,
			FramesDropped: slot.framesDropped,
			Backlog:       slot.backlog,
			Name:          getString(slot.name[:]),
			Description:   getString(slot.description[:]),
		}
		if slot.updated != 0 {
			s.Updated = time.UnixMicro(slot.updated)
		}
	})
	return s, nil
}

// SetRecorderStats publishes s into slot i. Each slot has a single writer
// by convention: the recorder configured to use it.
func (c *Control) SetRecorderStats(i int, s RecorderStats) error {
	if c.readOnly {
		return ErrReadOnly
	}
	slot, err := c.recorder(i)
	if err != nil {
		return err
	}
	var flags uint32
	if s.Enabled {
		flags |= recorderEnabled
	}
	if s.Recording {
		flags |= recorderRecording
	}
	if s.Error {
		flags |= recorderError
	}
	updated := s.Updated
	if updated.IsZero() {
		updated = time.Now()
	}

	seqBegin(&slot.seq)
	slot.flags = flags
	slot.framesWritten = s.FramesWritten
	slot.framesDropped = s.FramesDropped
	slot.backlog = s.Backlog
	slot.updated = updated.UnixMicro()
	putString(slot.name[:], s.Name)
	putString(slot.description[:], s.Description)
	seqEnd(&slot.seq)
	return nil
}

// ActiveRecorders returns the enabled recorder slots by index.
func (c *Control) ActiveRecorders() map[int]RecorderStats {
	out := make(map[int]RecorderStats)
	for i := 0; i < MaxRecorders; i++ {
		s, err := c.RecorderStats(i)
		if err == nil && s.Enabled {
			out[i] = s
		}
	}
	return out
}
