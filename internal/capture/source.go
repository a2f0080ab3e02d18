package capture

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/tapeless/nexus/internal/shm"
	"github.com/tapeless/nexus/internal/timecode"
	"github.com/tapeless/nexus/pkg/types"
)

// ErrSourceClosed is returned by Next after Close.
var ErrSourceClosed = errors.New("source closed")

// RawFrame is one frame as delivered by a capture card binding, before it
// is placed into a ring slot.
type RawFrame struct {
	Video          []byte
	SecondaryVideo []byte
	Audio          [][]int32 // one slice of 32-bit samples per track

	// Timecodes holds frames since midnight per concrete TimecodeType. The
	// SYSTEM entry is ignored and recomputed from CaptureTime.
	Timecodes   [types.NumTimecodeTypes]int64
	CaptureTime time.Time
	HWTick      int64
	SignalOK    bool

	// DroppedFrames is the number of frames the hardware dropped since the
	// previous frame.
	DroppedFrames int64
	Temperature   float64
	AudioTracks   int
}

// Source delivers frames for one channel. Next blocks until a frame is
// available or ctx is done.
type Source interface {
	Next(ctx context.Context) (*RawFrame, error)
	Close() error
}

// Named is implemented by sources that know their human-readable label.
type Named interface {
	Name() string
}

// SyntheticOptions configures a SyntheticSource.
type SyntheticOptions struct {
	Name   string
	Format shm.Format
	Rate   types.FrameRate
	Drop   bool

	// TimecodeOffset is added to the time-of-day LTC and VITC values.
	TimecodeOffset int64

	// Frames [LossStart, LossStart+LossFrames) report no signal.
	LossStart  int64
	LossFrames int64

	// Unpaced delivers frames as fast as they are requested.
	Unpaced bool
	Clock   func() time.Time
}

// SyntheticSource produces a moving grey ramp with sawtooth audio and
// time-of-day timecode, paced at the frame rate.
type SyntheticSource struct {
	opts   SyntheticOptions
	ticker *time.Ticker
	done   chan struct{}
	once   sync.Once
	frame  int64
	buf    []byte
	audio  [][]int32
}

// NewSynthetic returns a test-pattern source.
func NewSynthetic(opts SyntheticOptions) (*SyntheticSource, error) {
	if !opts.Rate.Valid() {
		return nil, fmt.Errorf("synthetic source: invalid frame rate %s", opts.Rate)
	}
	size := opts.Format.Pixel.FrameSize(int(opts.Format.Width), int(opts.Format.Height))
	if size == 0 {
		return nil, fmt.Errorf("synthetic source: invalid format %dx%d %s",
			opts.Format.Width, opts.Format.Height, opts.Format.Pixel)
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	s := &SyntheticSource{
		opts:  opts,
		done:  make(chan struct{}),
		buf:   make([]byte, size),
		audio: make([][]int32, opts.Format.AudioTracks),
	}
	for i := range s.audio {
		s.audio[i] = make([]int32, timecode.MaxAudioSamplesPerFrame)
	}
	if !opts.Unpaced {
		s.ticker = time.NewTicker(opts.Rate.FrameDuration())
	}
	return s, nil
}

// Name returns the configured label.
func (s *SyntheticSource) Name() string { return s.opts.Name }

// Next waits for the next frame tick and renders it. The returned frame's
// buffers are reused by the following call.
func (s *SyntheticSource) Next(ctx context.Context) (*RawFrame, error) {
	select {
	case <-s.done:
		return nil, ErrSourceClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	if s.ticker != nil {
		select {
		case <-s.done:
			return nil, ErrSourceClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.ticker.C:
		}
	}

	n := s.frame
	s.frame++
	now := s.opts.Clock()

	raw := &RawFrame{
		CaptureTime: now,
		HWTick:      n,
		SignalOK:    n < s.opts.LossStart || n >= s.opts.LossStart+s.opts.LossFrames,
		Temperature: 42 + float64(n%100)/100,
		AudioTracks: int(s.opts.Format.AudioTracks),
	}

	if tod, err := timecode.FromTimeOfDay(now, s.opts.Rate, s.opts.Drop); err == nil {
		tc := tod.Add(s.opts.TimecodeOffset).Frames()
		for _, t := range []types.TimecodeType{types.TimecodeLTC, types.TimecodeVITC, types.TimecodeDVITC, types.TimecodeDLTC} {
			raw.Timecodes[t.Index()] = tc
		}
	}

	if raw.SignalOK {
		renderRamp(s.buf, s.opts.Format, n)
		raw.Video = s.buf
		samples := timecode.AudioSamplesPerFrame(s.opts.Rate, n)
		raw.Audio = make([][]int32, len(s.audio))
		for track, pcm := range s.audio {
			sawtooth(pcm[:samples], n*int64(samples), track)
			raw.Audio[track] = pcm[:samples]
		}
	}
	return raw, nil
}

// Close stops the source. It is safe to call more than once.
func (s *SyntheticSource) Close() error {
	s.once.Do(func() {
		close(s.done)
		if s.ticker != nil {
			s.ticker.Stop()
		}
	})
	return nil
}

// renderRamp draws a horizontal luma ramp that scrolls one step per frame.
// Formats without a simple luma layout are rendered black.
func renderRamp(buf []byte, f shm.Format, n int64) {
	w, h := int(f.Width), int(f.Height)
	luma := func(x int) byte {
		return byte(16 + (int64(x*219/max(w-1, 1))+n)%220)
	}
	switch f.Pixel {
	case types.PixelUYVY:
		for y := 0; y < h; y++ {
			row := buf[y*w*2 : (y+1)*w*2]
			for x := 0; x+1 < w; x += 2 {
				row[x*2] = 0x80
				row[x*2+1] = luma(x)
				row[x*2+2] = 0x80
				row[x*2+3] = luma(x + 1)
			}
		}
	case types.PixelYUV422P, types.PixelYUV420P:
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				buf[y*w+x] = luma(x)
			}
		}
		for i := w * h; i < len(buf); i++ {
			buf[i] = 0x80
		}
	default:
		fillBlack(buf, f.Pixel, w*h)
	}
}

// sawtooth fills pcm with a 1 kHz-ish ramp, offset per track so tracks are
// distinguishable.
func sawtooth(pcm []int32, start int64, track int) {
	const period = 48
	for i := range pcm {
		phase := (start + int64(i) + int64(track)*period/4) % period
		pcm[i] = int32(math.MinInt32/2 + phase*(math.MaxInt32/period))
	}
}
