package shm

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/tapeless/nexus/pkg/types"
)

// Metadata is the per-frame record stored with every slot. Timecodes are
// frame counts since midnight at the control block's frame rate, indexed by
// TimecodeType.Index().
type Metadata struct {
	FrameNumber      int64
	CaptureTime      int64 // µs since epoch
	HWTick           int64
	Timecodes        [types.NumTimecodeTypes]int64
	SyncTimecode     int64
	SignalOK         bool
	AudioSampleCount int
}

// Timecode returns the raw value stored for a concrete type.
func (m Metadata) Timecode(t types.TimecodeType) int64 {
	if !t.Concrete() {
		return 0
	}
	return m.Timecodes[t.Index()]
}

// Diagnostics are the producer-only per-channel health counters.
type Diagnostics struct {
	HWDropCount          int64
	HWTemperature        float64
	AvailableAudioTracks int
}

// FrameData is everything WriteFrame needs for one frame. Audio holds one
// slice of 32-bit samples per track.
type FrameData struct {
	Video          []byte
	SecondaryVideo []byte
	Audio          [][]int32
	Metadata       Metadata
}

// Writer publishes frames into an owned control block. Only one Writer may
// exist per control block, and each channel must be driven by one goroutine.
type Writer struct {
	c *Control
}

// NewWriter returns a Writer for the producer's own handle.
func NewWriter(c *Control) (*Writer, error) {
	if c.readOnly {
		return nil, ErrReadOnly
	}
	if !c.owner {
		return nil, ErrNotOwner
	}
	return &Writer{c: c}, nil
}

// Control returns the handle the writer publishes into.
func (w *Writer) Control() *Control { return w.c }

// SlotWriter fills one not-yet-published slot.
type SlotWriter struct {
	w     *Writer
	ch    int
	frame int64
	slot  []byte
	meta  *frameMetadata
}

// Next claims the slot for channel ch's last_frame+1. The slot is marked
// as in-flight before any payload byte is written, so readers copying the
// frame that previously lived there can usually detect the overwrite (see
// CopyFrame for the limits).
func (w *Writer) Next(ch int) (*SlotWriter, error) {
	cc, err := w.c.channel(ch)
	if err != nil {
		return nil, err
	}
	frame := atomic.LoadInt64(&cc.lastFrame) + 1
	g := w.c.geom
	off, err := g.SlotOffset(frame)
	if err != nil {
		return nil, err
	}
	slot := w.c.rings[ch].data[off : off+g.ElementSize]
	meta := metadataAt(slot, g.Metadata.Offset)
	atomic.StoreInt64(&meta.frameNumber, -1)
	return &SlotWriter{w: w, ch: ch, frame: frame, slot: slot, meta: meta}, nil
}

// Frame returns the absolute frame number this slot will publish as.
func (s *SlotWriter) Frame() int64 { return s.frame }

// fill copies p into dst, zero-padding short input and truncating long input.
func fill(dst []byte, p []byte) {
	n := copy(dst, p)
	clear(dst[n:])
}

// SetVideo writes the primary picture.
func (s *SlotWriter) SetVideo(p []byte) {
	r := s.w.c.geom.Video
	fill(s.slot[r.Offset:r.Offset+r.Size], p)
}

// SetSecondaryVideo writes the secondary picture, if the format has one.
func (s *SlotWriter) SetSecondaryVideo(p []byte) {
	r := s.w.c.geom.SecondaryVideo
	if r.Size == 0 {
		return
	}
	fill(s.slot[r.Offset:r.Offset+r.Size], p)
}

// SetAudio writes one track as little-endian 32-bit PCM and its 16-bit
// mirror, which keeps the high half of every sample.
func (s *SlotWriter) SetAudio(track int, pcm []int32) error {
	g := s.w.c.geom
	if track < 0 || track >= int(g.Format.AudioTracks) {
		return fmt.Errorf("track %d: %w", track, ErrBadTrack)
	}
	primary := s.slot[g.Audio.Offset+int64(track)*g.Audio.Size:][:g.Audio.Size]
	secondary := s.slot[g.SecondaryAudio.Offset+int64(track)*g.SecondaryAudio.Size:][:g.SecondaryAudio.Size]

	n := min(len(pcm), len(primary)/primaryAudioBytesPerSample)
	for i, v := range pcm[:n] {
		binary.LittleEndian.PutUint32(primary[i*primaryAudioBytesPerSample:], uint32(v))
		binary.LittleEndian.PutUint16(secondary[i*secondaryAudioBytesPerSample:], uint16(v>>16))
	}
	clear(primary[n*primaryAudioBytesPerSample:])
	clear(secondary[n*secondaryAudioBytesPerSample:])
	return nil
}

// SetMetadata writes every metadata field except the frame number, which
// Publish stores.
func (s *SlotWriter) SetMetadata(m Metadata) {
	md := s.meta
	md.captureTime = m.CaptureTime
	md.hwTick = m.HWTick
	md.timecode = m.Timecodes
	md.syncTimecode = m.SyncTimecode
	md.audioSampleCount = int32(m.AudioSampleCount)
	md.signalOK = 0
	if m.SignalOK {
		md.signalOK = 1
	}
}

// Publish makes the slot visible: it stamps the frame number and advances
// last_frame under frame_mutex. Every payload write precedes the store.
func (s *SlotWriter) Publish() error {
	cc, err := s.w.c.channel(s.ch)
	if err != nil {
		return err
	}
	cc.frameMutex.Lock()
	last := atomic.LoadInt64(&cc.lastFrame)
	if last != s.frame-1 {
		cc.frameMutex.Unlock()
		return fmt.Errorf("channel %d: publishing %d after %d: %w", s.ch, s.frame, last, ErrOutOfOrder)
	}
	atomic.StoreInt64(&s.meta.frameNumber, s.frame)
	atomic.StoreInt64(&cc.lastFrame, s.frame)
	cc.frameMutex.Unlock()
	return nil
}

// WriteFrame fills and publishes the next slot of channel ch in one call.
func (w *Writer) WriteFrame(ch int, fd FrameData) (int64, error) {
	s, err := w.Next(ch)
	if err != nil {
		return 0, err
	}
	s.SetVideo(fd.Video)
	s.SetSecondaryVideo(fd.SecondaryVideo)
	for track := 0; track < int(w.c.geom.Format.AudioTracks); track++ {
		var pcm []int32
		if track < len(fd.Audio) {
			pcm = fd.Audio[track]
		}
		if err := s.SetAudio(track, pcm); err != nil {
			return 0, err
		}
	}
	s.SetMetadata(fd.Metadata)
	if err := s.Publish(); err != nil {
		return 0, err
	}
	return s.frame, nil
}

// Beat stores the producer heartbeat.
func (w *Writer) Beat(now time.Time) {
	if w.c.detached.Load() {
		return
	}
	atomic.StoreInt64(&w.c.cb.heartbeat, now.UnixMicro())
}

// SetSourceName replaces channel ch's human-readable label. Names longer
// than SourceNameLen-1 bytes are truncated.
func (w *Writer) SetSourceName(ch int, name string) error {
	cc, err := w.c.channel(ch)
	if err != nil {
		return err
	}
	cc.nameMutex.Lock()
	seqBegin(&cc.nameCounter)
	putString(cc.sourceName[:], name)
	seqEnd(&cc.nameCounter)
	cc.nameMutex.Unlock()
	return nil
}

// SetDiagnostics stores channel ch's hardware counters.
func (w *Writer) SetDiagnostics(ch int, d Diagnostics) error {
	cc, err := w.c.channel(ch)
	if err != nil {
		return err
	}
	atomic.StoreInt64(&cc.hwDropCount, d.HWDropCount)
	atomic.StoreUint64(&cc.hwTemperature, math.Float64bits(d.HWTemperature))
	atomic.StoreInt32(&cc.availableAudioTracks, int32(d.AvailableAudioTracks))
	return nil
}
