package mastertc

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tapeless/nexus/internal/timecode"
	"github.com/tapeless/nexus/pkg/types"
)

func tenHours(t *testing.T, rate types.FrameRate, drop bool) timecode.Timecode {
	t.Helper()
	tc, err := timecode.FromHMSF(10, 0, 0, 0, rate, drop)
	require.NoError(t, err)
	return tc
}

func TestDeriveSameInstantReturnsMaster(t *testing.T) {
	master := Sample{Timecode: tenHours(t, types.Rate25, false), TimeOfDay: 36_000_000_000}
	got := Derive(master, master.TimeOfDay, types.Rate25)
	assert.Equal(t, master.Timecode, got)
}

func TestFrameOffsetRoundsHalfAwayFromZero(t *testing.T) {
	// 25 fps: one frame is 40000us
	assert.Equal(t, int64(1), FrameOffset(20_000, types.Rate25))
	assert.Equal(t, int64(-1), FrameOffset(-20_000, types.Rate25))
	assert.Equal(t, int64(0), FrameOffset(19_999, types.Rate25))
	assert.Equal(t, int64(0), FrameOffset(-19_999, types.Rate25))
	assert.Equal(t, int64(2), FrameOffset(60_000, types.Rate25))
	assert.Equal(t, int64(-2), FrameOffset(-60_000, types.Rate25))
	assert.Equal(t, int64(250), FrameOffset(10_000_000, types.Rate25))
}

func TestFrameOffsetNTSC(t *testing.T) {
	// one frame at 30000/1001 is 33366.666us; half is 16683.333us
	assert.Equal(t, int64(0), FrameOffset(16_683, types.Rate29_97))
	assert.Equal(t, int64(1), FrameOffset(16_684, types.Rate29_97))
	assert.Equal(t, int64(-1), FrameOffset(-16_684, types.Rate29_97))
	assert.Equal(t, int64(30), FrameOffset(1_001_000, types.Rate29_97))
}

func TestDeriveOffsetsByFrames(t *testing.T) {
	master := Sample{Timecode: tenHours(t, types.Rate25, false), TimeOfDay: 1_000_000}

	later := Derive(master, master.TimeOfDay+80_000, types.Rate25)
	assert.Equal(t, master.Timecode.Frames()+2, later.Frames())

	earlier := Derive(master, master.TimeOfDay-120_000, types.Rate25)
	assert.Equal(t, master.Timecode.Frames()-3, earlier.Frames())
}

func TestDeriveWrapsAtMidnight(t *testing.T) {
	last, err := timecode.FromHMSF(23, 59, 59, 24, types.Rate25, false)
	require.NoError(t, err)
	master := Sample{Timecode: last, TimeOfDay: 0}

	got := Derive(master, 40_000, types.Rate25)
	assert.Equal(t, "00:00:00:00", got.String())
}

func TestHolderWithoutMasterReturnsRaw(t *testing.T) {
	h := NewHolder()
	raw := tenHours(t, types.Rate25, false).Add(7)

	got := h.Derive(raw, 123_456_789, types.Rate25)
	assert.Equal(t, raw, got)

	_, ok := h.Snapshot()
	assert.False(t, ok)
}

func TestHolderStoreAndReset(t *testing.T) {
	h := NewHolder()
	master := tenHours(t, types.Rate25, false)
	h.Store(master, 5_000_000)

	got := h.Derive(master.Add(100), 5_040_000, types.Rate25)
	assert.Equal(t, master.Add(1), got)

	h.Reset()
	raw := master.Add(100)
	assert.Equal(t, raw, h.Derive(raw, 5_040_000, types.Rate25))
}

func TestHolderConcurrentAccess(t *testing.T) {
	h := NewHolder()
	master := tenHours(t, types.Rate25, false)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := int64(0); i < 1000; i++ {
			h.Store(master.Add(i), i*40_000)
		}
	}()
	go func() {
		defer wg.Done()
		for i := int64(0); i < 1000; i++ {
			// same capture time as the stored sample means no offset,
			// whichever sample is current
			s, ok := h.Snapshot()
			if ok {
				got := Derive(s, s.TimeOfDay, types.Rate25)
				assert.Equal(t, s.Timecode, got)
			}
		}
	}()
	wg.Wait()
}
