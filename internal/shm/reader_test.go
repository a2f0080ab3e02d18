package shm

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tapeless/nexus/pkg/types"
)

func TestEndToEndWraparound(t *testing.T) {
	ns := testNamespace(t)
	w := mustWriter(t, mustCreate(t, ns, testParams(2, 16)))

	publish := func(frame int64) {
		t.Helper()
		n, err := w.WriteFrame(0, FrameData{
			Video:    pattern(128, byte(frame)),
			Audio:    [][]int32{{int32(frame)}, {-int32(frame)}},
			Metadata: metaFor(frame),
		})
		require.NoError(t, err)
		require.Equal(t, frame, n)
	}
	for frame := int64(0); frame <= 18; frame++ {
		publish(frame)
	}

	reader := mustAttach(t, ns, true)
	publish(19)

	last, err := reader.LastFrame(0)
	require.NoError(t, err)
	assert.Equal(t, int64(19), last)

	var dst Frame
	for frame := int64(4); frame <= 19; frame++ {
		require.True(t, reader.Retrievable(0, frame), "frame %d", frame)
		require.NoError(t, reader.CopyFrame(0, frame, &dst), "frame %d", frame)
		assert.Equal(t, frame, dst.Number)
		assert.Equal(t, frame, dst.Metadata.FrameNumber)
		assert.Equal(t, pattern(128, byte(frame)), dst.Video)
		assert.Equal(t, metaFor(frame).CaptureTime, dst.Metadata.CaptureTime)
		require.Len(t, dst.Audio, 2)
		assert.Equal(t, byte(frame), dst.Audio[0][0])

		n, err := reader.FrameNumber(0, frame)
		require.NoError(t, err)
		assert.Equal(t, frame, n)
	}

	for frame := int64(0); frame <= 3; frame++ {
		assert.False(t, reader.Retrievable(0, frame), "frame %d", frame)
		assert.ErrorIs(t, reader.CopyFrame(0, frame, &dst), ErrFrameEvicted)
		_, err := reader.Video(0, frame)
		assert.ErrorIs(t, err, ErrFrameEvicted)
	}

	assert.ErrorIs(t, reader.CopyFrame(0, 20, &dst), ErrFrameNotPublished)

	other, err := reader.LastFrame(1)
	require.NoError(t, err)
	assert.Equal(t, int64(-1), other)
	assert.False(t, reader.Retrievable(1, 0))
}

func TestCopyFrameDetectsSlotReuse(t *testing.T) {
	ns := testNamespace(t)
	w := mustWriter(t, mustCreate(t, ns, testParams(1, 16)))
	for frame := int64(0); frame < 16; frame++ {
		_, err := w.WriteFrame(0, FrameData{Metadata: metaFor(frame)})
		require.NoError(t, err)
	}
	reader := mustAttach(t, ns, true)

	var dst Frame
	require.NoError(t, reader.CopyFrame(0, 0, &dst))

	// the producer starts filling frame 16, which shares frame 0's slot
	s, err := w.Next(0)
	require.NoError(t, err)
	require.Equal(t, int64(16), s.Frame())

	assert.True(t, reader.Retrievable(0, 0))
	assert.ErrorIs(t, reader.CopyFrame(0, 0, &dst), ErrFrameEvicted)
	_, err = reader.Metadata(0, 0)
	assert.ErrorIs(t, err, ErrFrameEvicted)

	require.NoError(t, s.Publish())
	assert.False(t, reader.Retrievable(0, 0))
	require.NoError(t, reader.CopyFrame(0, 16, &dst))
}

func TestTimecodeAccessors(t *testing.T) {
	ns := testNamespace(t)
	w := mustWriter(t, mustCreate(t, ns, testParams(1, 16)))
	reader := mustAttach(t, ns, true)

	m := Metadata{SignalOK: true, AudioSampleCount: 1920, CaptureTime: 1_700_000_000_123_456, SyncTimecode: 90_000}
	m.Timecodes[types.TimecodeLTC.Index()] = 100
	m.Timecodes[types.TimecodeVITC.Index()] = 200
	m.Timecodes[types.TimecodeSystem.Index()] = 300
	n, err := w.WriteFrame(0, FrameData{Metadata: m})
	require.NoError(t, err)

	tc, err := reader.Timecode(0, n, types.TimecodeDefault)
	require.NoError(t, err)
	assert.Equal(t, int64(200), tc.Frames())
	assert.Equal(t, types.Rate25, tc.Rate())

	tc, err = reader.Timecode(0, n, types.TimecodeLTC)
	require.NoError(t, err)
	assert.Equal(t, int64(100), tc.Frames())

	tc, err = reader.Timecode(0, n, types.TimecodeSystem)
	require.NoError(t, err)
	assert.Equal(t, "00:00:12:00", tc.String())

	_, err = reader.Timecode(0, n, types.TimecodeType(42))
	assert.ErrorIs(t, err, ErrBadTimecodeType)

	sync, err := reader.SyncTimecode(0, n)
	require.NoError(t, err)
	assert.Equal(t, "01:00:00:00", sync.String())

	ok, err := reader.SignalOK(0, n)
	require.NoError(t, err)
	assert.True(t, ok)

	count, err := reader.AudioSampleCount(0, n)
	require.NoError(t, err)
	assert.Equal(t, 1920, count)

	at, err := reader.CaptureTime(0, n)
	require.NoError(t, err)
	assert.Equal(t, int64(1_700_000_000_123_456), at.UnixMicro())

	_, err = reader.SignalOK(0, n+1)
	assert.ErrorIs(t, err, ErrFrameNotPublished)
	_, err = reader.Video(3, n)
	assert.ErrorIs(t, err, ErrBadChannel)
}

func TestSafeRange(t *testing.T) {
	ns := testNamespace(t)
	w := mustWriter(t, mustCreate(t, ns, testParams(1, 16)))
	c := w.Control()

	r, err := c.SafeRange(0, 2)
	require.NoError(t, err)
	assert.True(t, r.Empty())
	assert.Zero(t, r.Len())

	for i := 0; i < 5; i++ {
		_, err := w.WriteFrame(0, FrameData{})
		require.NoError(t, err)
	}
	r, err = c.SafeRange(0, 2)
	require.NoError(t, err)
	assert.Equal(t, FrameRange{First: 0, Last: 4}, r)

	for i := 0; i < 45; i++ {
		_, err := w.WriteFrame(0, FrameData{})
		require.NoError(t, err)
	}
	// last 49, ring 16: 34..49 are held, 34 is next to be overwritten
	r, err = c.SafeRange(0, 0)
	require.NoError(t, err)
	assert.Equal(t, FrameRange{First: 35, Last: 49}, r)

	r, err = c.SafeRange(0, 4)
	require.NoError(t, err)
	assert.Equal(t, FrameRange{First: 39, Last: 49}, r)
	assert.Equal(t, int64(11), r.Len())
}

func TestRecorderStats(t *testing.T) {
	ns := testNamespace(t)
	mustCreate(t, ns, testParams(1, 16))
	consumer := mustAttach(t, ns, false)
	viewer := mustAttach(t, ns, true)

	s, err := viewer.RecorderStats(3)
	require.NoError(t, err)
	assert.Equal(t, RecorderStats{}, s)

	updated := time.UnixMicro(1_700_000_000_000_000)
	want := RecorderStats{
		Enabled:       true,
		Recording:     true,
		FramesWritten: 1200,
		FramesDropped: 3,
		Backlog:       2,
		Updated:       updated,
		Name:          "rec-a",
		Description:   "channel 0 raw",
	}
	require.NoError(t, consumer.SetRecorderStats(3, want))

	got, err := viewer.RecorderStats(3)
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Equal(t, uint64(2), consumer.cb.recorders[3].seq)

	active := viewer.ActiveRecorders()
	assert.Len(t, active, 1)
	assert.Equal(t, "rec-a", active[3].Name)

	assert.ErrorIs(t, viewer.SetRecorderStats(3, want), ErrReadOnly)
	assert.ErrorIs(t, consumer.SetRecorderStats(MaxRecorders, want), ErrBadSlot)
	_, err = viewer.RecorderStats(-1)
	assert.ErrorIs(t, err, ErrBadSlot)
}
