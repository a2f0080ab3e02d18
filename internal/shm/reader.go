package shm

import (
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/tapeless/nexus/internal/timecode"
	"github.com/tapeless/nexus/pkg/types"
)

// LastFrame returns the most recently published frame of channel ch, or -1
// before the first publish. Writable handles read it under frame_mutex;
// read-only mappings cannot store to the mutex word and use an atomic load,
// which observes the same value.
func (c *Control) LastFrame(ch int) (int64, error) {
	cc, err := c.channel(ch)
	if err != nil {
		return 0, err
	}
	if c.readOnly {
		return atomic.LoadInt64(&cc.lastFrame), nil
	}
	cc.frameMutex.Lock()
	last := atomic.LoadInt64(&cc.lastFrame)
	cc.frameMutex.Unlock()
	return last, nil
}

// Retrievable reports whether frame is still held by channel ch's ring:
// last-RingLength < frame <= last.
func (c *Control) Retrievable(ch int, frame int64) bool {
	return c.checkFrame(ch, frame) == nil
}

func (c *Control) checkFrame(ch int, frame int64) error {
	last, err := c.LastFrame(ch)
	if err != nil {
		return err
	}
	return c.checkAgainst(ch, frame, last)
}

func (c *Control) checkAgainst(ch int, frame, last int64) error {
	if frame < 0 {
		return fmt.Errorf("channel %d frame %d: %w", ch, frame, ErrNegativeFrame)
	}
	if frame > last {
		return fmt.Errorf("channel %d frame %d (last %d): %w", ch, frame, last, ErrFrameNotPublished)
	}
	if frame <= last-c.geom.RingLength {
		return fmt.Errorf("channel %d frame %d (last %d): %w", ch, frame, last, ErrFrameEvicted)
	}
	return nil
}

// slotMeta returns the metadata of frame's slot after checking the frame
// is retrievable and still owns the slot.
func (c *Control) slotMeta(ch int, frame int64) (*frameMetadata, error) {
	if err := c.checkFrame(ch, frame); err != nil {
		return nil, err
	}
	off, err := c.geom.MetadataOffset(frame)
	if err != nil {
		return nil, err
	}
	md := metadataAt(c.rings[ch].data, off)
	if atomic.LoadInt64(&md.frameNumber) != frame {
		return nil, fmt.Errorf("channel %d frame %d: slot reused: %w", ch, frame, ErrFrameEvicted)
	}
	return md, nil
}

// view returns a slice of the ring aliasing region r (index selects an
// audio track) of frame's slot. The slice points into shared memory: it is
// valid until Detach and may be overwritten by the producer once frame
// falls out of the ring. Slices from read-only handles must not be written.
func (c *Control) view(ch int, frame int64, r Region, index int) ([]byte, error) {
	if err := c.checkFrame(ch, frame); err != nil {
		return nil, err
	}
	off, err := c.geom.regionOffset(frame, r, index)
	if err != nil {
		return nil, err
	}
	return c.rings[ch].data[off : off+r.Size : off+r.Size], nil
}

// Video returns frame's primary picture.
func (c *Control) Video(ch int, frame int64) ([]byte, error) {
	return c.view(ch, frame, c.geom.Video, 0)
}

// SecondaryVideo returns frame's secondary picture; it is empty when the
// format has none.
func (c *Control) SecondaryVideo(ch int, frame int64) ([]byte, error) {
	return c.view(ch, frame, c.geom.SecondaryVideo, 0)
}

// Audio returns one track of 32-bit little-endian PCM. The block is sized
// for the largest frame; AudioSampleCount says how much of it is used.
func (c *Control) Audio(ch int, frame int64, track int) ([]byte, error) {
	if track < 0 || track >= int(c.geom.Format.AudioTracks) {
		return nil, fmt.Errorf("track %d: %w", track, ErrBadTrack)
	}
	return c.view(ch, frame, c.geom.Audio, track)
}

// SecondaryAudio returns one track of 16-bit little-endian PCM.
func (c *Control) SecondaryAudio(ch int, frame int64, track int) ([]byte, error) {
	if track < 0 || track >= int(c.geom.Format.AudioTracks) {
		return nil, fmt.Errorf("track %d: %w", track, ErrBadTrack)
	}
	return c.view(ch, frame, c.geom.SecondaryAudio, track)
}

func (md *frameMetadata) export() Metadata {
	return Metadata{
		FrameNumber:      md.frameNumber,
		CaptureTime:      md.captureTime,
		HWTick:           md.hwTick,
		Timecodes:        md.timecode,
		SyncTimecode:     md.syncTimecode,
		SignalOK:         md.signalOK != 0,
		AudioSampleCount: int(md.audioSampleCount),
	}
}

// Metadata returns a copy of frame's metadata.
func (c *Control) Metadata(ch int, frame int64) (Metadata, error) {
	md, err := c.slotMeta(ch, frame)
	if err != nil {
		return Metadata{}, err
	}
	m := md.export()
	if atomic.LoadInt64(&md.frameNumber) != frame {
		return Metadata{}, fmt.Errorf("channel %d frame %d: overwritten: %w", ch, frame, ErrFrameEvicted)
	}
	m.FrameNumber = frame
	return m, nil
}

// Timecode returns frame's timecode of type t. TimecodeDefault resolves to
// the control block's configured default.
func (c *Control) Timecode(ch int, frame int64, t types.TimecodeType) (timecode.Timecode, error) {
	t = t.Resolve(c.defaultTC)
	if !t.Concrete() {
		return timecode.Timecode{}, fmt.Errorf("%s: %w", t, ErrBadTimecodeType)
	}
	m, err := c.Metadata(ch, frame)
	if err != nil {
		return timecode.Timecode{}, err
	}
	return timecode.New(m.Timecode(t), c.rate, c.drop)
}

// SyncTimecode returns frame's master-derived timecode.
func (c *Control) SyncTimecode(ch int, frame int64) (timecode.Timecode, error) {
	m, err := c.Metadata(ch, frame)
	if err != nil {
		return timecode.Timecode{}, err
	}
	return timecode.New(m.SyncTimecode, c.rate, c.drop)
}

// SignalOK reports whether the hardware had a signal for frame.
func (c *Control) SignalOK(ch int, frame int64) (bool, error) {
	m, err := c.Metadata(ch, frame)
	return m.SignalOK, err
}

// AudioSampleCount returns the number of samples per track in frame.
func (c *Control) AudioSampleCount(ch int, frame int64) (int, error) {
	m, err := c.Metadata(ch, frame)
	return m.AudioSampleCount, err
}

// FrameNumber returns the absolute frame number stored in the slot.
func (c *Control) FrameNumber(ch int, frame int64) (int64, error) {
	md, err := c.slotMeta(ch, frame)
	if err != nil {
		return 0, err
	}
	return atomic.LoadInt64(&md.frameNumber), nil
}

// CaptureTime returns the wall-clock time frame was captured.
func (c *Control) CaptureTime(ch int, frame int64) (time.Time, error) {
	m, err := c.Metadata(ch, frame)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMicro(m.CaptureTime), nil
}

// Frame is a reader-owned copy of one slot. Buffers are reused across
// CopyFrame calls.
type Frame struct {
	Number         int64
	Video          []byte
	SecondaryVideo []byte
	Audio          [][]byte
	SecondaryAudio [][]byte
	Metadata       Metadata
}

func grow(b []byte, n int64) []byte {
	if int64(cap(b)) < n {
		return make([]byte, n)
	}
	return b[:n]
}

// CopyFrame copies frame out of channel ch into dst. After copying it
// re-validates that the producer did not start overwriting the slot in the
// meantime and returns ErrFrameEvicted if it did; dst is then unusable.
//
// The re-check is best effort. The payload is copied with plain loads and
// the writer fills it with plain stores after marking the slot, so on
// weakly ordered CPUs such as arm64 a copy can pick up bytes of the next
// frame without the marker being visible yet. Readers that stay outside
// SafeRange's margin are not exposed to this.
func (c *Control) CopyFrame(ch int, frame int64, dst *Frame) error {
	md, err := c.slotMeta(ch, frame)
	if err != nil {
		return err
	}
	g := c.geom
	slotOff, err := g.SlotOffset(frame)
	if err != nil {
		return err
	}
	slot := c.rings[ch].data[slotOff : slotOff+g.ElementSize]
	tracks := int(g.Format.AudioTracks)

	dst.Number = frame
	dst.Video = grow(dst.Video, g.Video.Size)
	copy(dst.Video, slot[g.Video.Offset:])
	dst.SecondaryVideo = grow(dst.SecondaryVideo, g.SecondaryVideo.Size)
	copy(dst.SecondaryVideo, slot[g.SecondaryVideo.Offset:])

	if len(dst.Audio) != tracks {
		dst.Audio = make([][]byte, tracks)
		dst.SecondaryAudio = make([][]byte, tracks)
	}
	for t := 0; t < tracks; t++ {
		dst.Audio[t] = grow(dst.Audio[t], g.Audio.Size)
		copy(dst.Audio[t], slot[g.Audio.Offset+int64(t)*g.Audio.Size:])
		dst.SecondaryAudio[t] = grow(dst.SecondaryAudio[t], g.SecondaryAudio.Size)
		copy(dst.SecondaryAudio[t], slot[g.SecondaryAudio.Offset+int64(t)*g.SecondaryAudio.Size:])
	}
	dst.Metadata = md.export()
	dst.Metadata.FrameNumber = frame

	if atomic.LoadInt64(&md.frameNumber) != frame {
		return fmt.Errorf("channel %d frame %d: overwritten during copy: %w", ch, frame, ErrFrameEvicted)
	}
	return nil
}

// FrameRange is an inclusive span of frame numbers. It is empty when
// First > Last.
type FrameRange struct {
	First int64
	Last  int64
}

func (r FrameRange) Empty() bool { return r.First > r.Last }

// Len returns the number of frames in the range.
func (r FrameRange) Len() int64 {
	if r.Empty() {
		return 0
	}
	return r.Last - r.First + 1
}

// SafeRange returns the frames of channel ch a reader can copy with margin
// slots of headroom before the producer laps it. The producer may be
// writing last+1 at any moment, which always costs one slot.
func (c *Control) SafeRange(ch int, margin int) (FrameRange, error) {
	last, err := c.LastFrame(ch)
	if err != nil {
		return FrameRange{}, err
	}
	if margin < 0 {
		margin = 0
	}
	first := max(last-c.geom.RingLength+2+int64(margin), 0)
	return FrameRange{First: first, Last: last}, nil
}

// SourceName returns channel ch's label and its update counter. The
// counter only grows; a reader that remembers it can skip re-reading the
// name until it changes.
func (c *Control) SourceName(ch int) (string, uint64, error) {
	cc, err := c.channel(ch)
	if err != nil {
		return "", 0, err
	}
	var name string
	if !c.readOnly {
		cc.nameMutex.Lock()
		name = getString(cc.sourceName[:])
		counter := atomic.LoadUint64(&cc.nameCounter)
		cc.nameMutex.Unlock()
		return name, counter, nil
	}
	counter, ok := seqRead(&cc.nameCounter, func() {
		name = getString(cc.sourceName[:])
	})
	if !ok {
		return "", counter, fmt.Errorf("source name of channel %d: %w", ch, ErrNameBusy)
	}
	return name, counter, nil
}

// NameCounter returns channel ch's source name update counter without
// reading the name.
func (c *Control) NameCounter(ch int) (uint64, error) {
	cc, err := c.channel(ch)
	if err != nil {
		return 0, err
	}
	return atomic.LoadUint64(&cc.nameCounter), nil
}

// Diagnostics returns channel ch's hardware counters.
func (c *Control) Diagnostics(ch int) (Diagnostics, error) {
	cc, err := c.channel(ch)
	if err != nil {
		return Diagnostics{}, err
	}
	return Diagnostics{
		HWDropCount:          atomic.LoadInt64(&cc.hwDropCount),
		HWTemperature:        math.Float64frombits(atomic.LoadUint64(&cc.hwTemperature)),
		AvailableAudioTracks: int(atomic.LoadInt32(&cc.availableAudioTracks)),
	}, nil
}
