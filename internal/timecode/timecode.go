// Package timecode implements SMPTE time-of-day timecode arithmetic over
// frame counts, including drop-frame numbering for the NTSC rate families.
package timecode

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/tapeless/nexus/pkg/types"
)

var (
	// ErrInvalidTimecode is returned for out-of-range or malformed values.
	ErrInvalidTimecode = errors.New("invalid timecode")

	// ErrDropFrameRate is returned when drop-frame is requested for a rate
	// that has no drop-frame numbering.
	ErrDropFrameRate = errors.New("drop-frame requires 30000/1001 or 60000/1001")
)

// Timecode is a time-of-day position expressed as a frame count since
// midnight. The count is always the real number of frames; drop-frame only
// changes how it is displayed.
type Timecode struct {
	frames int64
	rate   types.FrameRate
	drop   bool
}

// SupportsDropFrame reports whether rate has a drop-frame numbering.
func SupportsDropFrame(rate types.FrameRate) bool {
	return rate == types.Rate29_97 || rate == types.Rate59_94
}

// dropPerMinute is the number of labels skipped at the start of every minute
// not divisible by ten.
func dropPerMinute(rate types.FrameRate) int64 {
	return int64(rate.NominalFPS() / 15)
}

// FramesPerDay returns the number of frames in 24 hours of timecode.
func FramesPerDay(rate types.FrameRate, drop bool) int64 {
	fps := int64(rate.NominalFPS())
	if drop {
		d := dropPerMinute(rate)
		per10 := fps*600 - 9*d
		return 24 * 6 * per10
	}
	return 24 * 3600 * fps
}

// New returns the timecode for a frame count since midnight, wrapped into
// one day.
func New(frames int64, rate types.FrameRate, drop bool) (Timecode, error) {
	if !rate.Valid() {
		return Timecode{}, fmt.Errorf("%w: rate %s", ErrInvalidTimecode, rate)
	}
	if drop && !SupportsDropFrame(rate) {
		return Timecode{}, ErrDropFrameRate
	}
	return Timecode{frames: wrap(frames, FramesPerDay(rate, drop)), rate: rate, drop: drop}, nil
}

// MustNew is New for callers with known-good rates.
func MustNew(frames int64, rate types.FrameRate, drop bool) Timecode {
	tc, err := New(frames, rate, drop)
	if err != nil {
		panic(err)
	}
	return tc
}

func wrap(frames, day int64) int64 {
	frames %= day
	if frames < 0 {
		frames += day
	}
	return frames
}

// FromHMSF builds a timecode from its displayed fields. Drop-frame labels that
// do not exist (frames 0 and 1 of most minutes) are rejected.
func FromHMSF(h, m, s, f int, rate types.FrameRate, drop bool) (Timecode, error) {
	fps := rate.NominalFPS()
	if fps == 0 || h < 0 || h > 23 || m < 0 || m > 59 || s < 0 || s > 59 || f < 0 || f >= fps {
		return Timecode{}, fmt.Errorf("%w: %02d:%02d:%02d:%02d", ErrInvalidTimecode, h, m, s, f)
	}
	if drop && !SupportsDropFrame(rate) {
		return Timecode{}, ErrDropFrameRate
	}

	count := int64((h*3600+m*60+s)*fps + f)
	if drop {
		d := dropPerMinute(rate)
		if s == 0 && m%10 != 0 && int64(f) < d {
			return Timecode{}, fmt.Errorf("%w: %02d:%02d:%02d;%02d is a dropped label", ErrInvalidTimecode, h, m, s, f)
		}
		totalMinutes := int64(h*60 + m)
		count -= d * (totalMinutes - totalMinutes/10)
	}
	return New(count, rate, drop)
}

// Parse reads "HH:MM:SS:FF". A ';' or '.' before the frames field selects
// drop-frame numbering.
func Parse(s string, rate types.FrameRate) (Timecode, error) {
	s = strings.TrimSpace(s)
	drop := strings.ContainsAny(s, ";.")
	fields := strings.FieldsFunc(s, func(r rune) bool { return r == ':' || r == ';' || r == '.' })
	if len(fields) != 4 {
		return Timecode{}, fmt.Errorf("%w: %q", ErrInvalidTimecode, s)
	}
	var v [4]int
	for i, field := range fields {
		n, err := strconv.Atoi(field)
		if err != nil {
			return Timecode{}, fmt.Errorf("%w: %q", ErrInvalidTimecode, s)
		}
		v[i] = n
	}
	return FromHMSF(v[0], v[1], v[2], v[3], rate, drop)
}

// FromTimeOfDay returns the timecode of the frame containing t, counted from
// local midnight.
func FromTimeOfDay(t time.Time, rate types.FrameRate, drop bool) (Timecode, error) {
	midnight := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	us := t.Sub(midnight).Microseconds()
	frames := us * int64(rate.Num) / (1_000_000 * int64(rate.Den))
	return New(frames, rate, drop)
}

// Frames returns the frame count since midnight.
func (tc Timecode) Frames() int64 { return tc.frames }

// Rate returns the frame rate.
func (tc Timecode) Rate() types.FrameRate { return tc.rate }

// DropFrame reports whether the timecode uses drop-frame labels.
func (tc Timecode) DropFrame() bool { return tc.drop }

// IsZero reports whether tc was never initialised.
func (tc Timecode) IsZero() bool { return !tc.rate.Valid() }

// Add offsets the timecode by n frames, wrapping at 24 hours.
func (tc Timecode) Add(n int64) Timecode {
	if tc.IsZero() {
		return tc
	}
	tc.frames = wrap(tc.frames+n, FramesPerDay(tc.rate, tc.drop))
	return tc
}

// HMSF returns the displayed hours, minutes, seconds and frames.
func (tc Timecode) HMSF() (h, m, s, f int) {
	fps := int64(tc.rate.NominalFPS())
	if fps == 0 {
		return 0, 0, 0, 0
	}
	count := tc.frames
	if tc.drop {
		d := dropPerMinute(tc.rate)
		per10 := fps*600 - 9*d
		perMin := fps*60 - d
		tens := count / per10
		rem := count % per10
		count += 9 * d * tens
		if rem > d {
			count += d * ((rem - d) / perMin)
		}
	}
	f = int(count % fps)
	total := count / fps
	s = int(total % 60)
	m = int(total / 60 % 60)
	h = int(total / 3600 % 24)
	return h, m, s, f
}

// String formats the timecode as HH:MM:SS:FF, or HH:MM:SS;FF for drop-frame.
func (tc Timecode) String() string {
	h, m, s, f := tc.HMSF()
	sep := ":"
	if tc.drop {
		sep = ";"
	}
	return fmt.Sprintf("%02d:%02d:%02d%s%02d", h, m, s, sep, f)
}
