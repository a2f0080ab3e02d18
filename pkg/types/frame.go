package types

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// TimecodeType selects one of the timecode sources stored with every frame.
// TimecodeDefault is a resolution request, not a concrete source: it resolves
// to whatever default the control block was configured with.
type TimecodeType int32

const (
	TimecodeDefault TimecodeType = iota
	TimecodeLTC
	TimecodeVITC
	TimecodeDVITC
	TimecodeDLTC
	TimecodeSystem
)

// NumTimecodeTypes is the number of concrete timecode sources.
const NumTimecodeTypes = 5

var timecodeTypeNames = map[TimecodeType]string{
	TimecodeDefault: "default",
	TimecodeLTC:     "ltc",
	TimecodeVITC:    "vitc",
	TimecodeDVITC:   "dvitc",
	TimecodeDLTC:    "dltc",
	TimecodeSystem:  "system",
}

// String returns the lower-case name of the timecode type
func (t TimecodeType) String() string {
	if name, ok := timecodeTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("timecode(%d)", int32(t))
}

// Concrete reports whether t names an actual timecode source.
func (t TimecodeType) Concrete() bool {
	return t >= TimecodeLTC && t <= TimecodeSystem
}

// Index returns the zero-based storage slot of a concrete type.
func (t TimecodeType) Index() int {
	return int(t) - int(TimecodeLTC)
}

// Resolve maps TimecodeDefault onto def and returns concrete types unchanged.
func (t TimecodeType) Resolve(def TimecodeType) TimecodeType {
	if t == TimecodeDefault {
		return def
	}
	return t
}

// ParseTimecodeType parses a timecode type name (case-insensitive)
func ParseTimecodeType(s string) (TimecodeType, error) {
	want := strings.ToLower(strings.TrimSpace(s))
	for t, name := range timecodeTypeNames {
		if name == want {
			return t, nil
		}
	}
	return TimecodeDefault, fmt.Errorf("invalid timecode type: %s", s)
}

// FrameRate is a rational frame rate such as 25/1 or 30000/1001.
type FrameRate struct {
	Num int32
	Den int32
}

// Common broadcast rates
var (
	Rate23_976 = FrameRate{24000, 1001}
	Rate24     = FrameRate{24, 1}
	Rate25     = FrameRate{25, 1}
	Rate29_97  = FrameRate{30000, 1001}
	Rate30     = FrameRate{30, 1}
	Rate50     = FrameRate{50, 1}
	Rate59_94  = FrameRate{60000, 1001}
	Rate60     = FrameRate{60, 1}
)

// Valid reports whether both terms are positive.
func (r FrameRate) Valid() bool {
	return r.Num > 0 && r.Den > 0
}

// NominalFPS is the integer frame count per timecode second (30 for 29.97).
func (r FrameRate) NominalFPS() int {
	if !r.Valid() {
		return 0
	}
	return int((int64(r.Num) + int64(r.Den) - 1) / int64(r.Den))
}

// FrameDuration returns the length of one frame, truncated to nanoseconds.
func (r FrameRate) FrameDuration() time.Duration {
	if !r.Valid() {
		return 0
	}
	return time.Duration(int64(time.Second) * int64(r.Den) / int64(r.Num))
}

// Float returns the rate as frames per second.
func (r FrameRate) Float() float64 {
	if !r.Valid() {
		return 0
	}
	return float64(r.Num) / float64(r.Den)
}

// String formats the rate as num/den, or a bare integer when den is 1.
func (r FrameRate) String() string {
	if r.Den == 1 {
		return strconv.Itoa(int(r.Num))
	}
	return fmt.Sprintf("%d/%d", r.Num, r.Den)
}

// ParseFrameRate accepts "25", "30000/1001" or the decimal shorthands
// 23.976, 29.97 and 59.94.
func ParseFrameRate(s string) (FrameRate, error) {
	s = strings.TrimSpace(s)
	if num, den, ok := strings.Cut(s, "/"); ok {
		n, err1 := strconv.Atoi(num)
		d, err2 := strconv.Atoi(den)
		if err1 != nil || err2 != nil || n <= 0 || d <= 0 {
			return FrameRate{}, fmt.Errorf("invalid frame rate: %s", s)
		}
		return FrameRate{Num: int32(n), Den: int32(d)}, nil
	}

	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f <= 0 {
		return FrameRate{}, fmt.Errorf("invalid frame rate: %s", s)
	}
	if f == math.Trunc(f) {
		return FrameRate{Num: int32(f), Den: 1}, nil
	}
	for _, r := range []FrameRate{Rate23_976, Rate29_97, Rate59_94} {
		if math.Abs(r.Float()-f) < 0.01 {
			return r, nil
		}
	}
	return FrameRate{}, fmt.Errorf("unsupported frame rate: %s", s)
}

// HealthState is the producer liveness seen by a reader.
type HealthState int

const (
	HealthOK HealthState = iota
	HealthStalled
	HealthDead
)

// String returns the upper-case state name
func (h HealthState) String() string {
	switch h {
	case HealthOK:
		return "OK"
	case HealthStalled:
		return "STALLED"
	case HealthDead:
		return "DEAD"
	default:
		return "UNKNOWN"
	}
}

// PixelFormat identifies the byte layout of a video sub-buffer.
type PixelFormat int32

const (
	PixelUYVY    PixelFormat = iota // 8-bit 4:2:2 packed
	PixelYUV422P                    // 8-bit 4:2:2 planar
	PixelYUV420P                    // 8-bit 4:2:0 planar
	PixelV210                       // 10-bit 4:2:2 packed
)

var pixelFormatNames = map[PixelFormat]string{
	PixelUYVY:    "uyvy",
	PixelYUV422P: "yuv422p",
	PixelYUV420P: "yuv420p",
	PixelV210:    "v210",
}

func (p PixelFormat) String() string {
	if name, ok := pixelFormatNames[p]; ok {
		return name
	}
	return fmt.Sprintf("pixel(%d)", int32(p))
}

// ParsePixelFormat parses a pixel format name
func ParsePixelFormat(s string) (PixelFormat, error) {
	want := strings.ToLower(strings.TrimSpace(s))
	for p, name := range pixelFormatNames {
		if name == want {
			return p, nil
		}
	}
	return PixelUYVY, fmt.Errorf("invalid pixel format: %s", s)
}

// FrameSize returns the byte size of one picture of the given dimensions.
func (p PixelFormat) FrameSize(width, height int) int {
	if width <= 0 || height <= 0 {
		return 0
	}
	switch p {
	case PixelUYVY, PixelYUV422P:
		return width * height * 2
	case PixelYUV420P:
		return width*height + 2*((width+1)/2)*((height+1)/2)
	case PixelV210:
		// 6 pixels per 16 bytes, lines padded to 48 pixels (128 bytes)
		return ((width + 47) / 48) * 128 * height
	default:
		return 0
	}
}
