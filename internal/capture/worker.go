package capture

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/tapeless/nexus/internal/logger"
	"github.com/tapeless/nexus/internal/mastertc"
	"github.com/tapeless/nexus/internal/metrics"
	"github.com/tapeless/nexus/internal/shm"
	"github.com/tapeless/nexus/internal/timecode"
	"github.com/tapeless/nexus/pkg/types"
)

// fillBlack writes video black in the given pixel layout. Planar formats
// carry lumaLen bytes of luma followed by chroma.
func fillBlack(buf []byte, p types.PixelFormat, lumaLen int) {
	switch p {
	case types.PixelUYVY:
		for i := 0; i+1 < len(buf); i += 2 {
			buf[i] = 0x80
			buf[i+1] = 0x10
		}
	case types.PixelV210:
		// Cb Y Cr / Y Cb Y / Cr Y Cb / Y Cr Y with chroma 512 and luma 64
		even := uint32(512 | 64<<10 | 512<<20)
		odd := uint32(64 | 512<<10 | 64<<20)
		for i := 0; i+3 < len(buf); i += 4 {
			w := even
			if (i/4)%2 == 1 {
				w = odd
			}
			binary.LittleEndian.PutUint32(buf[i:], w)
		}
	default:
		lumaLen = min(lumaLen, len(buf))
		for i := range buf[:lumaLen] {
			buf[i] = 0x10
		}
		for i := range buf[lumaLen:] {
			buf[lumaLen+i] = 0x80
		}
	}
}

func blackFrame(width, height int32, p types.PixelFormat) []byte {
	size := p.FrameSize(int(width), int(height))
	if size == 0 {
		return nil
	}
	buf := make([]byte, size)
	fillBlack(buf, p, int(width)*int(height))
	return buf
}

// channelWorker turns raw frames from one source into published ring slots.
// It is driven by a single goroutine.
type channelWorker struct {
	ch       int
	src      Source
	w        *shm.Writer
	master   *mastertc.Holder
	isMaster bool
	metrics  *metrics.Metrics
	log      *logger.Module

	rate      types.FrameRate
	drop      bool
	defaultTC types.TimecodeType
	tracks    int

	black          []byte
	blackSecondary []byte
	hwDrops        int64
	noSignalLog    *logger.Every
}

func newChannelWorker(ch int, src Source, w *shm.Writer, master *mastertc.Holder, m *metrics.Metrics) *channelWorker {
	ctl := w.Control()
	f := ctl.Geometry().Format
	return &channelWorker{
		ch:             ch,
		src:            src,
		w:              w,
		master:         master,
		isMaster:       ctl.MasterChannel() == ch,
		metrics:        m,
		log:            logger.For(fmt.Sprintf("Capture/%d", ch)),
		rate:           ctl.Rate(),
		drop:           ctl.DropFrame(),
		defaultTC:      ctl.DefaultTimecodeType(),
		tracks:         int(f.AudioTracks),
		black:          blackFrame(f.Width, f.Height, f.Pixel),
		blackSecondary: blackFrame(f.SecondaryWidth, f.SecondaryHeight, f.SecondaryPixel),
		noSignalLog:    logger.NewEvery(250),
	}
}

// run pulls frames until ctx is done or the source closes.
func (cw *channelWorker) run(ctx context.Context) error {
	for {
		raw, err := cw.src.Next(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrSourceClosed) {
				return nil
			}
			return fmt.Errorf("channel %d source: %w", cw.ch, err)
		}
		if _, err := cw.process(raw); err != nil {
			cw.metrics.PublishErrors.Add(1)
			return fmt.Errorf("channel %d publish: %w", cw.ch, err)
		}
	}
}

// process places one raw frame into the next slot and publishes it. The
// sample count comes from the rate's cadence at the absolute frame number,
// so every channel carries the same sequence.
func (cw *channelWorker) process(raw *RawFrame) (int64, error) {
	s, err := cw.w.Next(cw.ch)
	if err != nil {
		return 0, err
	}
	frame := s.Frame()
	samples := timecode.AudioSamplesPerFrame(cw.rate, frame)

	if raw.SignalOK {
		cw.noSignalLog.Reset()
		s.SetVideo(raw.Video)
		s.SetSecondaryVideo(raw.SecondaryVideo)
	} else {
		if cw.noSignalLog.Allow() {
			cw.log.Warn("No input signal at frame %d, publishing black", frame)
		}
		cw.metrics.NoSignalFrames.Add(1)
		s.SetVideo(cw.black)
		s.SetSecondaryVideo(cw.blackSecondary)
	}
	for track := 0; track < cw.tracks; track++ {
		var pcm []int32
		if raw.SignalOK && track < len(raw.Audio) {
			pcm = raw.Audio[track]
			if len(pcm) > samples {
				pcm = pcm[:samples]
			}
		}
		if err := s.SetAudio(track, pcm); err != nil {
			return 0, err
		}
	}

	captureUS := raw.CaptureTime.UnixMicro()
	meta := shm.Metadata{
		CaptureTime:      captureUS,
		HWTick:           raw.HWTick,
		Timecodes:        raw.Timecodes,
		SignalOK:         raw.SignalOK,
		AudioSampleCount: samples,
	}
	if sys, err := timecode.FromTimeOfDay(raw.CaptureTime, cw.rate, cw.drop); err == nil {
		meta.Timecodes[types.TimecodeSystem.Index()] = sys.Frames()
	}

	own, err := timecode.New(meta.Timecodes[cw.defaultTC.Index()], cw.rate, cw.drop)
	if err != nil {
		return 0, err
	}
	if cw.isMaster {
		cw.master.Store(own, captureUS)
		meta.SyncTimecode = own.Frames()
	} else {
		meta.SyncTimecode = cw.master.Derive(own, captureUS, cw.rate).Frames()
	}
	s.SetMetadata(meta)

	if err := s.Publish(); err != nil {
		return 0, err
	}

	if raw.DroppedFrames > 0 {
		cw.hwDrops += raw.DroppedFrames
		cw.metrics.HWDrops.Add(uint64(raw.DroppedFrames))
		cw.log.Warn("Hardware dropped %d frame(s) before frame %d", raw.DroppedFrames, frame)
	}
	tracks := raw.AudioTracks
	if tracks == 0 {
		tracks = cw.tracks
	}
	if err := cw.w.SetDiagnostics(cw.ch, shm.Diagnostics{
		HWDropCount:          cw.hwDrops,
		HWTemperature:        raw.Temperature,
		AvailableAudioTracks: tracks,
	}); err != nil {
		return 0, err
	}

	cw.metrics.FramesPublished.Add(1)
	cw.metrics.SetLastFrame(cw.ch, frame)
	return frame, nil
}
