package capture

import (
	"context"
	"encoding/binary"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/tapeless/nexus/internal/mastertc"
	"github.com/tapeless/nexus/internal/metrics"
	"github.com/tapeless/nexus/internal/shm"
	"github.com/tapeless/nexus/internal/timecode"
	"github.com/tapeless/nexus/pkg/types"
)

var testFormat = shm.Format{Width: 16, Height: 4, Pixel: types.PixelUYVY, AudioTracks: 2}

func testNamespace(t *testing.T) shm.Namespace {
	return shm.Namespace{Dir: t.TempDir(), Prefix: "test_"}
}

func testParams(channels int, rate types.FrameRate, master int) shm.Params {
	return shm.Params{
		Channels:        channels,
		RingLength:      16,
		Format:          testFormat,
		Rate:            rate,
		DefaultTimecode: types.TimecodeVITC,
		MasterChannel:   master,
	}
}

func mustCreate(t *testing.T, ns shm.Namespace, p shm.Params) *shm.Control {
	t.Helper()
	c, err := shm.Create(ns, p)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Destroy() })
	return c
}

func mustWriter(t *testing.T, c *shm.Control) *shm.Writer {
	t.Helper()
	w, err := shm.NewWriter(c)
	require.NoError(t, err)
	return w
}

type fakeSource struct {
	frames chan *RawFrame
	closed chan struct{}
	once   sync.Once
	err    error
}

func newFakeSource() *fakeSource {
	return &fakeSource{frames: make(chan *RawFrame), closed: make(chan struct{})}
}

func (f *fakeSource) Next(ctx context.Context) (*RawFrame, error) {
	if f.err != nil {
		return nil, f.err
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-f.closed:
		return nil, ErrSourceClosed
	case raw := <-f.frames:
		return raw, nil
	}
}

func (f *fakeSource) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func TestProcessFollowsNTSCSampleSequence(t *testing.T) {
	p := testParams(1, types.Rate29_97, -1)
	p.DropFrame = true
	ctl := mustCreate(t, testNamespace(t), p)
	cw := newChannelWorker(0, nil, mustWriter(t, ctl), mastertc.NewHolder(), metrics.New())

	pcm := make([]int32, timecode.MaxAudioSamplesPerFrame)
	for i := range pcm {
		pcm[i] = 1
	}

	var counts []int
	for i := 0; i < 10; i++ {
		frame, err := cw.process(&RawFrame{SignalOK: true, Audio: [][]int32{pcm, pcm}, CaptureTime: time.Now()})
		require.NoError(t, err)
		require.Equal(t, int64(i), frame)
		n, err := ctl.AudioSampleCount(0, frame)
		require.NoError(t, err)
		counts = append(counts, n)
	}
	assert.Equal(t, []int{1602, 1602, 1602, 1602, 1600, 1602, 1602, 1602, 1602, 1600}, counts)

	audio, err := ctl.Audio(0, 4, 1)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), binary.LittleEndian.Uint32(audio[1599*4:]))
	assert.Equal(t, uint32(0), binary.LittleEndian.Uint32(audio[1600*4:]))
}

func TestProcessWithoutSignalPublishesBlack(t *testing.T) {
	ctl := mustCreate(t, testNamespace(t), testParams(1, types.Rate25, -1))
	m := metrics.New()
	cw := newChannelWorker(0, nil, mustWriter(t, ctl), mastertc.NewHolder(), m)

	raw := &RawFrame{
		Video:       make([]byte, 128),
		Audio:       [][]int32{{7, 7, 7}},
		CaptureTime: time.Now(),
		Temperature: 55,
	}
	frame, err := cw.process(raw)
	require.NoError(t, err)

	video, err := ctl.Video(0, frame)
	require.NoError(t, err)
	for i := 0; i < len(video); i += 2 {
		require.Equal(t, []byte{0x80, 0x10}, video[i:i+2], "byte %d", i)
	}
	audio, err := ctl.Audio(0, frame, 0)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, len(audio)), audio)

	md, err := ctl.Metadata(0, frame)
	require.NoError(t, err)
	assert.False(t, md.SignalOK)
	assert.Equal(t, 1920, md.AudioSampleCount)
	assert.Equal(t, uint64(1), m.NoSignalFrames.Load())
	assert.Equal(t, uint64(1), m.FramesPublished.Load())

	d, err := ctl.Diagnostics(0)
	require.NoError(t, err)
	assert.Equal(t, 55.0, d.HWTemperature)
	assert.Equal(t, 2, d.AvailableAudioTracks)
}

func TestProcessStampsSystemTimecodeAndDrops(t *testing.T) {
	ctl := mustCreate(t, testNamespace(t), testParams(1, types.Rate25, -1))
	m := metrics.New()
	cw := newChannelWorker(0, nil, mustWriter(t, ctl), mastertc.NewHolder(), m)

	at := time.Date(2026, 1, 2, 0, 0, 12, 0, time.Local)
	raw := &RawFrame{SignalOK: true, CaptureTime: at, HWTick: 99, DroppedFrames: 2}
	raw.Timecodes[types.TimecodeLTC.Index()] = 1234
	raw.Timecodes[types.TimecodeSystem.Index()] = 1
	frame, err := cw.process(raw)
	require.NoError(t, err)

	sys, err := ctl.Timecode(0, frame, types.TimecodeSystem)
	require.NoError(t, err)
	assert.Equal(t, int64(300), sys.Frames())
	ltc, err := ctl.Timecode(0, frame, types.TimecodeLTC)
	require.NoError(t, err)
	assert.Equal(t, int64(1234), ltc.Frames())

	captured, err := ctl.CaptureTime(0, frame)
	require.NoError(t, err)
	assert.True(t, at.Equal(captured))

	raw.DroppedFrames = 1
	_, err = cw.process(raw)
	require.NoError(t, err)
	d, err := ctl.Diagnostics(0)
	require.NoError(t, err)
	assert.Equal(t, int64(3), d.HWDropCount)
	assert.Equal(t, uint64(3), m.HWDrops.Load())
}

func TestProcessDerivesSyncTimecodeFromMaster(t *testing.T) {
	ctl := mustCreate(t, testNamespace(t), testParams(2, types.Rate25, 0))
	w := mustWriter(t, ctl)
	holder := mastertc.NewHolder()
	m := metrics.New()
	master := newChannelWorker(0, nil, w, holder, m)
	other := newChannelWorker(1, nil, w, holder, m)

	base := time.Date(2026, 1, 2, 10, 0, 0, 0, time.Local)
	rawAt := func(at time.Time, vitc int64) *RawFrame {
		raw := &RawFrame{SignalOK: true, CaptureTime: at}
		raw.Timecodes[types.TimecodeVITC.Index()] = vitc
		return raw
	}
	syncOf := func(cw *channelWorker, raw *RawFrame) int64 {
		t.Helper()
		frame, err := cw.process(raw)
		require.NoError(t, err)
		tc, err := ctl.SyncTimecode(cw.ch, frame)
		require.NoError(t, err)
		return tc.Frames()
	}

	// until the master publishes, a channel keeps its own timecode
	assert.Equal(t, int64(500), syncOf(other, rawAt(base, 500)))

	assert.Equal(t, int64(90_000), syncOf(master, rawAt(base, 90_000)))
	// 1.5 frames later rounds up, half a frame early rounds down
	assert.Equal(t, int64(90_002), syncOf(other, rawAt(base.Add(60*time.Millisecond), 500)))
	assert.Equal(t, int64(89_999), syncOf(other, rawAt(base.Add(-20*time.Millisecond), 500)))
	assert.Equal(t, int64(90_000), syncOf(other, rawAt(base.Add(19*time.Millisecond), 500)))
}

func TestSyntheticSource(t *testing.T) {
	at := time.Date(2026, 1, 2, 10, 0, 0, 0, time.Local)
	src, err := NewSynthetic(SyntheticOptions{
		Name:           "bars",
		Format:         testFormat,
		Rate:           types.Rate25,
		TimecodeOffset: 10,
		LossStart:      2,
		LossFrames:     2,
		Unpaced:        true,
		Clock:          func() time.Time { return at },
	})
	require.NoError(t, err)
	assert.Equal(t, "bars", src.Name())

	ctx := context.Background()
	want := timecode.MustNew(10*3600*25+10, types.Rate25, false).Frames()
	var signal []bool
	for i := 0; i < 5; i++ {
		raw, err := src.Next(ctx)
		require.NoError(t, err)
		signal = append(signal, raw.SignalOK)
		assert.Equal(t, want, raw.Timecodes[types.TimecodeLTC.Index()])
		assert.Equal(t, want, raw.Timecodes[types.TimecodeVITC.Index()])
		if !raw.SignalOK {
			assert.Nil(t, raw.Video)
			continue
		}
		require.Len(t, raw.Video, 128)
		for i := 1; i < len(raw.Video); i += 2 {
			assert.GreaterOrEqual(t, raw.Video[i], byte(16))
			assert.LessOrEqual(t, raw.Video[i], byte(235))
		}
		require.Len(t, raw.Audio, 2)
		assert.Len(t, raw.Audio[0], 1920)
		assert.NotEqual(t, raw.Audio[0][0], raw.Audio[1][0])
	}
	assert.Equal(t, []bool{true, true, false, false, true}, signal)

	require.NoError(t, src.Close())
	require.NoError(t, src.Close())
	_, err = src.Next(ctx)
	assert.ErrorIs(t, err, ErrSourceClosed)
}

func TestNewSyntheticRejectsBadInput(t *testing.T) {
	_, err := NewSynthetic(SyntheticOptions{Format: testFormat})
	assert.Error(t, err)
	_, err = NewSynthetic(SyntheticOptions{Format: shm.Format{}, Rate: types.Rate25})
	assert.Error(t, err)
}

func TestBlackFrames(t *testing.T) {
	assert.Equal(t, []byte{0x80, 0x10, 0x80, 0x10}, blackFrame(2, 1, types.PixelUYVY))
	assert.Equal(t, []byte{0x10, 0x10, 0x10, 0x10, 0x80, 0x80}, blackFrame(2, 2, types.PixelYUV420P))
	assert.Nil(t, blackFrame(0, 0, types.PixelUYVY))

	v210 := blackFrame(6, 1, types.PixelV210)
	require.Len(t, v210, 128)
	assert.Equal(t, uint32(512|64<<10|512<<20), binary.LittleEndian.Uint32(v210[0:]))
	assert.Equal(t, uint32(64|512<<10|64<<20), binary.LittleEndian.Uint32(v210[4:]))
}

func TestCapturerPublishesAndShutsDown(t *testing.T) {
	ctx := context.Background()
	ns := testNamespace(t)

	var sources []Source
	for _, name := range []string{"cam a", "cam b"} {
		src, err := NewSynthetic(SyntheticOptions{Name: name, Format: testFormat, Rate: types.Rate50})
		require.NoError(t, err)
		sources = append(sources, src)
	}
	m := metrics.New()
	c, err := New(Options{Namespace: ns, Params: testParams(2, types.Rate50, 0), HeartbeatInterval: 10 * time.Millisecond, Metrics: m}, sources)
	require.NoError(t, err)
	require.NoError(t, c.Start(ctx))

	reader, err := shm.Attach(ctx, ns, shm.AttachOptions{ReadOnly: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = reader.Detach() })

	require.Eventually(t, func() bool {
		last, err := reader.LastFrame(1)
		return err == nil && last >= 3
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, types.HealthOK, reader.Health().State)
	name, _, err := reader.SourceName(1)
	require.NoError(t, err)
	assert.Equal(t, "cam b", name)
	count, err := reader.AudioSampleCount(0, 0)
	require.NoError(t, err)
	assert.Equal(t, 960, count)
	assert.Positive(t, m.Heartbeats.Load())

	require.NoError(t, c.Shutdown())
	require.NoError(t, c.Shutdown())
	require.NoError(t, c.Wait())
	assert.False(t, shm.Exists(ns))
}

func TestCapturerStopsOnSourceError(t *testing.T) {
	ns := testNamespace(t)
	broken := newFakeSource()
	broken.err = errors.New("card unplugged")

	c, err := New(Options{Namespace: ns, Params: testParams(2, types.Rate25, -1)}, []Source{newFakeSource(), broken})
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))

	err = c.Wait()
	assert.ErrorContains(t, err, "card unplugged")
	assert.ErrorContains(t, c.Shutdown(), "card unplugged")
	assert.False(t, shm.Exists(ns))
}

func TestCapturerReplacesDeadProducer(t *testing.T) {
	ns := testNamespace(t)
	p := testParams(1, types.Rate25, -1)
	old, err := shm.Create(ns, p)
	require.NoError(t, err)
	t.Cleanup(func() { _ = old.Detach() })
	mustWriter(t, old).Beat(time.Now().Add(-time.Minute))

	dead := shm.ProberFunc(func(int) error { return unix.ESRCH })
	c, err := New(Options{Namespace: ns, Params: p, Prober: dead}, []Source{newFakeSource()})
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	defer c.Shutdown()

	assert.True(t, old.Replaced())
	assert.True(t, shm.Exists(ns))
	last, err := c.Control().LastFrame(0)
	require.NoError(t, err)
	assert.Equal(t, int64(-1), last)
}

func TestCapturerRefusesLiveProducer(t *testing.T) {
	ns := testNamespace(t)
	p := testParams(1, types.Rate25, -1)
	mustCreate(t, ns, p)

	c, err := New(Options{Namespace: ns, Params: p}, []Source{newFakeSource()})
	require.NoError(t, err)
	assert.ErrorIs(t, c.Start(context.Background()), ErrProducerRunning)
	assert.True(t, shm.Exists(ns))
	assert.NoError(t, c.Shutdown())
}

// writeControlWord overwrites four bytes of the control segment in place.
func writeControlWord(t *testing.T, ns shm.Namespace, off int64, v uint32) {
	t.Helper()
	f, err := os.OpenFile(ns.ControlPath(), os.O_RDWR, 0)
	require.NoError(t, err)
	defer f.Close()
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	_, err = f.WriteAt(b[:], off)
	require.NoError(t, err)
}

const readyOffset = 12

func TestCapturerLeavesUnfinishedBlockOfLiveOwner(t *testing.T) {
	ns := testNamespace(t)
	p := testParams(1, types.Rate25, -1)
	first := mustCreate(t, ns, p)
	writeControlWord(t, ns, readyOffset, 0)

	c, err := New(Options{Namespace: ns, Params: p}, []Source{newFakeSource()})
	require.NoError(t, err)
	assert.ErrorIs(t, c.Start(context.Background()), ErrProducerRunning)
	assert.False(t, first.Replaced())
	assert.NoError(t, c.Shutdown())
}

func TestCapturerReplacesUnfinishedBlockOfDeadOwner(t *testing.T) {
	ns := testNamespace(t)
	p := testParams(1, types.Rate25, -1)
	old, err := shm.Create(ns, p)
	require.NoError(t, err)
	t.Cleanup(func() { _ = old.Detach() })
	writeControlWord(t, ns, readyOffset, 0)

	dead := shm.ProberFunc(func(int) error { return unix.ESRCH })
	c, err := New(Options{Namespace: ns, Params: p, Prober: dead}, []Source{newFakeSource()})
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	defer c.Shutdown()

	assert.True(t, old.Replaced())
}

func TestCapturerReplacesIncompatibleBlock(t *testing.T) {
	ns := testNamespace(t)
	junk := make([]byte, 64)
	junk[readyOffset] = 1
	require.NoError(t, os.WriteFile(ns.ControlPath(), junk, 0o600))

	c, err := New(Options{Namespace: ns, Params: testParams(1, types.Rate25, -1)}, []Source{newFakeSource()})
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	defer c.Shutdown()

	last, err := c.Control().LastFrame(0)
	require.NoError(t, err)
	assert.Equal(t, int64(-1), last)
}

func TestCheckAbandonedWithoutOwner(t *testing.T) {
	ns := testNamespace(t)
	require.NoError(t, os.WriteFile(ns.ControlPath(), make([]byte, 4096), 0o600))

	start := time.Now()
	require.NoError(t, CheckAbandoned(ns, 0, nil))
	assert.GreaterOrEqual(t, time.Since(start), pendingOwnerGrace)
}

func TestNewNeedsOneSourcePerChannel(t *testing.T) {
	_, err := New(Options{Params: testParams(2, types.Rate25, -1)}, []Source{newFakeSource()})
	assert.ErrorIs(t, err, shm.ErrInvalidParams)
}
