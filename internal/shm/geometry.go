package shm

import (
	"fmt"

	"github.com/tapeless/nexus/internal/timecode"
	"github.com/tapeless/nexus/pkg/types"
)

const (
	// MinRingLength is the shortest ring Create accepts. Anything shorter
	// loses frames before a reader can poll them.
	MinRingLength = 10

	// slotAlign is the alignment of every sub-buffer and of the element size.
	slotAlign = 64

	primaryAudioBytesPerSample   = 4 // 32-bit PCM
	secondaryAudioBytesPerSample = 2 // 16-bit mirror
)

// Format describes what one ring slot carries. A zero SecondaryWidth means
// no secondary video.
type Format struct {
	Width           int32
	Height          int32
	Pixel           types.PixelFormat
	SecondaryWidth  int32
	SecondaryHeight int32
	SecondaryPixel  types.PixelFormat
	AudioTracks     int32
	_               int32
}

// HasSecondaryVideo reports whether slots carry a secondary picture.
func (f Format) HasSecondaryVideo() bool {
	return f.SecondaryWidth > 0 && f.SecondaryHeight > 0
}

func (f Format) validate() error {
	if f.Width <= 0 || f.Height <= 0 || f.Pixel.FrameSize(int(f.Width), int(f.Height)) == 0 {
		return fmt.Errorf("primary video %dx%d %s: %w", f.Width, f.Height, f.Pixel, ErrInvalidParams)
	}
	if f.HasSecondaryVideo() && f.SecondaryPixel.FrameSize(int(f.SecondaryWidth), int(f.SecondaryHeight)) == 0 {
		return fmt.Errorf("secondary video %dx%d %s: %w", f.SecondaryWidth, f.SecondaryHeight, f.SecondaryPixel, ErrInvalidParams)
	}
	if f.AudioTracks < 0 || f.AudioTracks > MaxAudioTracks {
		return fmt.Errorf("audio tracks %d: %w", f.AudioTracks, ErrInvalidParams)
	}
	return nil
}

// Region is a byte span within one element. For audio, Size is the block
// size of a single track and tracks follow each other.
type Region struct {
	Offset int64
	Size   int64
}

// Geometry is the frozen layout shared by the producer and every reader.
// It is computed once by NewGeometry, stored in the control block, and
// never changes for the life of the segments.
type Geometry struct {
	Format         Format
	RingLength     int64
	ElementSize    int64
	Video          Region
	SecondaryVideo Region
	Audio          Region
	SecondaryAudio Region
	Metadata       Region
}

func alignUp(n int64) int64 {
	return (n + slotAlign - 1) &^ (slotAlign - 1)
}

// NewGeometry lays out one element for format f and a ring of ringLength.
func NewGeometry(f Format, ringLength int) (Geometry, error) {
	if err := f.validate(); err != nil {
		return Geometry{}, err
	}
	if ringLength < MinRingLength {
		return Geometry{}, fmt.Errorf("ring length %d < %d: %w", ringLength, MinRingLength, ErrRingTooShort)
	}

	g := Geometry{Format: f, RingLength: int64(ringLength)}
	var off int64
	place := func(size int64) Region {
		r := Region{Offset: off, Size: size}
		off = alignUp(off + size)
		return r
	}

	g.Video = place(int64(f.Pixel.FrameSize(int(f.Width), int(f.Height))))
	if f.HasSecondaryVideo() {
		g.SecondaryVideo = place(int64(f.SecondaryPixel.FrameSize(int(f.SecondaryWidth), int(f.SecondaryHeight))))
	} else {
		g.SecondaryVideo = Region{Offset: off}
	}

	primaryBlock := alignUp(timecode.MaxAudioSamplesPerFrame * primaryAudioBytesPerSample)
	secondaryBlock := alignUp(timecode.MaxAudioSamplesPerFrame * secondaryAudioBytesPerSample)
	tracks := int64(f.AudioTracks)
	g.Audio = Region{Offset: off, Size: primaryBlock}
	off = alignUp(off + primaryBlock*tracks)
	g.SecondaryAudio = Region{Offset: off, Size: secondaryBlock}
	off = alignUp(off + secondaryBlock*tracks)

	g.Metadata = place(frameMetadataSize)
	g.ElementSize = alignUp(off)
	return g, nil
}

// RingSize is the byte size of one channel's ring segment.
func (g Geometry) RingSize() int64 {
	return g.RingLength * g.ElementSize
}

// SlotIndex returns frame mod RingLength.
func (g Geometry) SlotIndex(frame int64) (int64, error) {
	if frame < 0 {
		return 0, ErrNegativeFrame
	}
	return frame % g.RingLength, nil
}

// SlotOffset returns ElementSize * (frame mod RingLength).
func (g Geometry) SlotOffset(frame int64) (int64, error) {
	idx, err := g.SlotIndex(frame)
	if err != nil {
		return 0, err
	}
	return idx * g.ElementSize, nil
}

// VideoOffset returns the ring offset of frame's primary picture.
func (g Geometry) VideoOffset(frame int64) (int64, error) {
	return g.regionOffset(frame, g.Video, 0)
}

// SecondaryVideoOffset returns the ring offset of frame's secondary picture.
func (g Geometry) SecondaryVideoOffset(frame int64) (int64, error) {
	return g.regionOffset(frame, g.SecondaryVideo, 0)
}

// AudioOffset returns the ring offset of one primary audio track block.
func (g Geometry) AudioOffset(frame int64, track int) (int64, error) {
	if track < 0 || track >= int(g.Format.AudioTracks) {
		return 0, ErrBadTrack
	}
	return g.regionOffset(frame, g.Audio, track)
}

// SecondaryAudioOffset returns the ring offset of one 16-bit track block.
func (g Geometry) SecondaryAudioOffset(frame int64, track int) (int64, error) {
	if track < 0 || track >= int(g.Format.AudioTracks) {
		return 0, ErrBadTrack
	}
	return g.regionOffset(frame, g.SecondaryAudio, track)
}

// MetadataOffset returns the ring offset of frame's metadata.
func (g Geometry) MetadataOffset(frame int64) (int64, error) {
	return g.regionOffset(frame, g.Metadata, 0)
}

func (g Geometry) regionOffset(frame int64, r Region, index int) (int64, error) {
	slot, err := g.SlotOffset(frame)
	if err != nil {
		return 0, err
	}
	return slot + r.Offset + int64(index)*r.Size, nil
}

// RingLengthForBudget divides a shared memory budget between channels.
// max caps the result when positive.
func RingLengthForBudget(budget int64, channels int, elementSize int64, max int) (int, error) {
	if channels <= 0 || elementSize <= 0 {
		return 0, fmt.Errorf("channels %d element %d: %w", channels, elementSize, ErrInvalidParams)
	}
	budget -= controlBlockSize
	n := budget / (int64(channels) * elementSize)
	if max > 0 && n > int64(max) {
		n = int64(max)
	}
	if n < MinRingLength {
		return 0, fmt.Errorf("budget %d bytes holds %d slots per channel, need %d: %w",
			budget, n, MinRingLength, ErrRingTooShort)
	}
	return int(n), nil
}
