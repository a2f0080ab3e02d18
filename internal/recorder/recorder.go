// Package recorder follows one channel of a producer's rings and writes
// every frame it can safely copy into raw video and audio files.
package recorder

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/tapeless/nexus/internal/logger"
	"github.com/tapeless/nexus/internal/metrics"
	"github.com/tapeless/nexus/internal/shm"
)

var log = logger.For("Recorder")

var (
	ErrAlreadyRecording = errors.New("already recording")
	ErrNotRecording     = errors.New("not recording")
)

// Options configures a Recorder.
type Options struct {
	Namespace shm.Namespace
	Channel   int
	// Slot is the recorder statistics slot this consumer owns.
	Slot int
	Name string
	Dir  string
	// SafetyMargin keeps the copy this many frames clear of the slot the
	// producer writes next.
	SafetyMargin   int
	PollInterval   time.Duration
	StatsInterval  time.Duration
	StaleThreshold time.Duration
	Metrics        *metrics.Metrics
}

// Recorder copies frames out of one channel's ring into
// <dir>/<name>_ch<N>_<stamp>.video and .audio. Video is the primary picture
// of every frame back to back; audio is 32-bit little-endian PCM at 48 kHz
// with all tracks interleaved.
type Recorder struct {
	opts Options
	conn *shm.Connection

	mu        sync.Mutex
	recording bool
	session   ulid.ULID
	video     *os.File
	audio     *os.File
	videoBuf  *bufio.Writer
	audioBuf  *bufio.Writer
	videoName string
	audioName string
	startTime time.Time

	ctl          *shm.Control // handle the position below belongs to
	next         int64        // next frame to copy, -1 before the first
	frameCount   uint64
	bytesWritten uint64
	dropped      uint64
	backlog      int64
	lastErr      error
	lastStats    time.Time

	frame   shm.Frame
	scratch []byte

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a recorder. Nothing is attached or written until Start.
func New(opts Options) (*Recorder, error) {
	if opts.Slot < 0 || opts.Slot >= shm.MaxRecorders {
		return nil, fmt.Errorf("recorder slot %d: %w", opts.Slot, shm.ErrBadSlot)
	}
	if opts.Channel < 0 || opts.Channel >= shm.MaxChannels {
		return nil, fmt.Errorf("recorder channel %d: %w", opts.Channel, shm.ErrBadChannel)
	}
	if opts.Name == "" {
		opts.Name = "nexus"
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 10 * time.Millisecond
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	return &Recorder{
		opts: opts,
		conn: shm.NewConnection(opts.Namespace, shm.ConnectionOptions{StaleThreshold: opts.StaleThreshold}),
		next: -1,
	}, nil
}

// Start opens new output files and starts following the channel.
func (r *Recorder) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.recording {
		return ErrAlreadyRecording
	}
	if err := os.MkdirAll(r.opts.Dir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", r.opts.Dir, err)
	}

	now := time.Now()
	base := fmt.Sprintf("%s_ch%d_%s", r.opts.Name, r.opts.Channel, now.Format("20060102_150405"))
	video, err := os.Create(filepath.Join(r.opts.Dir, base+".video"))
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	audio, err := os.Create(filepath.Join(r.opts.Dir, base+".audio"))
	if err != nil {
		_ = video.Close()
		return fmt.Errorf("failed to create file: %w", err)
	}

	r.session = ulid.Make()
	r.video, r.audio = video, audio
	r.videoBuf, r.audioBuf = bufio.NewWriterSize(video, 1<<20), bufio.NewWriterSize(audio, 1<<16)
	r.videoName, r.audioName = video.Name(), audio.Name()
	r.recording = true
	r.startTime = now
	r.frameCount, r.bytesWritten, r.dropped, r.backlog = 0, 0, 0, 0
	r.lastErr = nil
	r.ctl, r.next = nil, -1
	r.opts.Metrics.RecordingActive.Store(1)

	ctx, r.cancel = context.WithCancel(ctx)
	r.publishStats(ctx, true)

	r.wg.Add(1)
	go r.follow(ctx)

	log.Info("Recording channel %d to %s (session %s)", r.opts.Channel, base, r.session)
	return nil
}

// Stop drains the frames that are still safe to copy, closes the files and
// marks the statistics slot idle.
func (r *Recorder) Stop() error {
	r.mu.Lock()
	if !r.recording {
		r.mu.Unlock()
		return ErrNotRecording
	}
	cancel := r.cancel
	r.mu.Unlock()

	cancel()
	r.wg.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()

	ctx := context.Background()
	if err := r.syncLocked(ctx); err != nil {
		r.lastErr = err
	}
	r.recording = false
	r.opts.Metrics.RecordingActive.Store(0)

	var errs []error
	for _, f := range []struct {
		buf  *bufio.Writer
		file *os.File
	}{{r.videoBuf, r.video}, {r.audioBuf, r.audio}} {
		if err := f.buf.Flush(); err != nil {
			errs = append(errs, fmt.Errorf("failed to flush %s: %w", f.file.Name(), err))
		}
		if err := f.file.Sync(); err != nil {
			errs = append(errs, fmt.Errorf("failed to sync file: %w", err))
		}
		if err := f.file.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close file: %w", err))
		}
	}
	r.video, r.audio, r.videoBuf, r.audioBuf = nil, nil, nil, nil
	r.publishStats(ctx, true)

	log.Info("Stopped recording channel %d: %d frames, %d dropped", r.opts.Channel, r.frameCount, r.dropped)
	return errors.Join(errs...)
}

// Close stops any recording, releases the statistics slot and detaches.
func (r *Recorder) Close() error {
	var err error
	if r.IsRecording() {
		err = r.Stop()
	}
	_ = r.conn.Do(context.Background(), func(ctl *shm.Control, _ shm.Health) error {
		if ctl != nil {
			return ctl.SetRecorderStats(r.opts.Slot, shm.RecorderStats{})
		}
		return nil
	})
	return errors.Join(err, r.conn.Close())
}

func (r *Recorder) follow(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Sync(ctx); err != nil && !errors.Is(err, ErrNotRecording) {
				log.Error("Channel %d: %v", r.opts.Channel, err)
			}
		}
	}
}

// Sync copies every frame that is safely behind the producer and not yet
// written. Frames the producer overwrote first are counted as dropped.
func (r *Recorder) Sync(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.recording {
		return ErrNotRecording
	}
	err := r.syncLocked(ctx)
	if err != nil {
		r.lastErr = err
	}
	if r.opts.StatsInterval <= 0 || time.Since(r.lastStats) >= r.opts.StatsInterval {
		r.publishStats(ctx, false)
	}
	return err
}

func (r *Recorder) syncLocked(ctx context.Context) error {
	return r.conn.Do(ctx, func(ctl *shm.Control, _ shm.Health) error {
		if ctl == nil {
			return nil
		}
		if ctl != r.ctl {
			if r.ctl != nil {
				log.Warn("Producer restarted, following channel %d from its oldest frame", r.opts.Channel)
			}
			r.ctl, r.next = ctl, -1
		}

		rng, err := ctl.SafeRange(r.opts.Channel, r.opts.SafetyMargin)
		if err != nil {
			return err
		}
		if rng.Empty() {
			return nil
		}
		if r.next < 0 {
			r.next = rng.First
		}
		if r.next < rng.First {
			lost := rng.First - r.next
			r.dropped += uint64(lost)
			r.opts.Metrics.FramesEvicted.Add(uint64(lost))
			log.Warn("Channel %d: fell behind, lost frames %d..%d", r.opts.Channel, r.next, rng.First-1)
			r.next = rng.First
		}

		for ; r.next <= rng.Last; r.next++ {
			err := ctl.CopyFrame(r.opts.Channel, r.next, &r.frame)
			if errors.Is(err, shm.ErrFrameEvicted) {
				r.dropped++
				r.opts.Metrics.FramesEvicted.Add(1)
				continue
			}
			if err != nil {
				return err
			}
			if err := r.write(&r.frame); err != nil {
				return err
			}
		}

		if last, err := ctl.LastFrame(r.opts.Channel); err == nil {
			r.backlog = last - r.next + 1
			r.opts.Metrics.ReaderLag.Store(r.backlog)
		}
		return nil
	})
}

// write appends one frame. Audio is interleaved sample by sample across
// tracks for the frame's sample count.
func (r *Recorder) write(f *shm.Frame) error {
	n, err := r.videoBuf.Write(f.Video)
	if err != nil {
		return fmt.Errorf("writing video: %w", err)
	}
	written := n

	tracks := len(f.Audio)
	samples := f.Metadata.AudioSampleCount
	need := samples * tracks * 4
	if cap(r.scratch) < need {
		r.scratch = make([]byte, need)
	}
	buf := r.scratch[:need]
	for i := 0; i < samples; i++ {
		for t, pcm := range f.Audio {
			var v uint32
			if (i+1)*4 <= len(pcm) {
				v = binary.LittleEndian.Uint32(pcm[i*4:])
			}
			binary.LittleEndian.PutUint32(buf[(i*tracks+t)*4:], v)
		}
	}
	n, err = r.audioBuf.Write(buf)
	if err != nil {
		return fmt.Errorf("writing audio: %w", err)
	}
	written += n

	r.frameCount++
	r.bytesWritten += uint64(written)
	r.opts.Metrics.FramesCopied.Add(1)
	r.opts.Metrics.RecordingFrames.Add(1)
	r.opts.Metrics.RecordingBytes.Add(uint64(written))
	return nil
}

func (r *Recorder) publishStats(ctx context.Context, force bool) {
	if !force && r.ctl == nil {
		return
	}
	stats := shm.RecorderStats{
		Enabled:       true,
		Recording:     r.recording,
		Error:         r.lastErr != nil,
		FramesWritten: int64(r.frameCount),
		FramesDropped: int64(r.dropped),
		Backlog:       r.backlog,
		Name:          r.opts.Name,
		Description:   fmt.Sprintf("ch%d raw session %s", r.opts.Channel, r.session),
	}
	_ = r.conn.Do(ctx, func(ctl *shm.Control, _ shm.Health) error {
		if ctl == nil {
			return nil
		}
		return ctl.SetRecorderStats(r.opts.Slot, stats)
	})
	r.lastStats = time.Now()
}

// IsRecording returns true if currently recording
func (r *Recorder) IsRecording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recording
}

// Status returns the current recording status
func (r *Recorder) Status() RecordingStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	var duration time.Duration
	if r.recording {
		duration = time.Since(r.startTime)
	}
	status := RecordingStatus{
		Recording:     r.recording,
		Channel:       r.opts.Channel,
		VideoFile:     r.videoName,
		AudioFile:     r.audioName,
		FrameCount:    r.frameCount,
		FramesDropped: r.dropped,
		Backlog:       r.backlog,
		BytesWritten:  r.bytesWritten,
		Duration:      duration,
		StartTime:     r.startTime,
	}
	if r.session != (ulid.ULID{}) {
		status.Session = r.session.String()
	}
	if r.lastErr != nil {
		status.LastError = r.lastErr.Error()
	}
	return status
}

// RecordingStatus holds the current recording status
type RecordingStatus struct {
	Recording     bool          `json:"recording"`
	Session       string        `json:"session,omitempty"`
	Channel       int           `json:"channel"`
	VideoFile     string        `json:"video_file"`
	AudioFile     string        `json:"audio_file"`
	FrameCount    uint64        `json:"frame_count"`
	FramesDropped uint64        `json:"frames_dropped"`
	Backlog       int64         `json:"backlog"`
	BytesWritten  uint64        `json:"bytes_written"`
	Duration      time.Duration `json:"duration_ms"`
	StartTime     time.Time     `json:"start_time"`
	LastError     string        `json:"last_error,omitempty"`
}
