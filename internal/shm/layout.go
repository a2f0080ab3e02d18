package shm

import (
	"unsafe"

	"github.com/tapeless/nexus/pkg/types"
)

const (
	// MaxChannels is the number of channel control slots in the block.
	MaxChannels = 8
	// MaxRecorders is the number of recorder status slots in the block.
	MaxRecorders = 8
	// MaxAudioTracks bounds the per-frame audio tracks.
	MaxAudioTracks = 16

	// SourceNameLen is the capacity of a channel's source name, NUL included.
	SourceNameLen = 64
	// RecorderNameLen and RecorderDescriptionLen size the recorder strings.
	RecorderNameLen        = 32
	RecorderDescriptionLen = 128

	layoutVersion = 1
)

var controlMagic = [8]byte{'N', 'E', 'X', 'U', 'S', 'C', 'B', 0}

// channelControl is one channel's sub-structure in the control block.
// lastFrame is written only by the producer while it holds frameMutex.
type channelControl struct {
	frameMutex           ProcessMutex
	nameMutex            ProcessMutex
	lastFrame            int64
	hwDropCount          int64
	hwTemperature        uint64 // math.Float64bits
	availableAudioTracks int32
	_                    int32
	nameCounter          uint64 // odd while source name is being written
	sourceName           [SourceNameLen]byte
}

// Recorder flag bits
const (
	recorderEnabled uint32 = 1 << iota
	recorderRecording
	recorderError
)

// recorderSlot is opaque to the core: consumers write it, anyone reads it.
type recorderSlot struct {
	seq           uint64
	flags         uint32
	_             uint32
	framesWritten int64
	framesDropped int64
	backlog       int64
	updated       int64 // µs since epoch
	name          [RecorderNameLen]byte
	description   [RecorderDescriptionLen]byte
}

// controlBlock is the fixed layout of the control segment. The ready flag
// is stored last during Create; until then nothing else may be trusted.
type controlBlock struct {
	magic         [8]byte
	version       uint32
	ready         uint32
	size          uint64
	channels      int32
	masterChannel int32
	rateNum       int32
	rateDen       int32
	dropFrame     uint32
	defaultTC     int32
	ownerPID      int32
	_             int32
	heartbeat     int64 // µs since epoch
	createdAt     int64 // µs since epoch
	geometry      Geometry
	channel       [MaxChannels]channelControl
	recorders     [MaxRecorders]recorderSlot
}

// controlBlockSize is the exact size of the control segment.
const controlBlockSize = int64(unsafe.Sizeof(controlBlock{}))

// ownerHeaderSize covers the fields up to and including createdAt.
const ownerHeaderSize = int64(unsafe.Offsetof(controlBlock{}.createdAt) + unsafe.Sizeof(int64(0)))

// frameMetadata sits at the metadata offset of every ring slot. frameNumber
// doubles as the slot's ownership marker: the writer sets it to -1 before
// touching the payload and stores the absolute number at publish time.
type frameMetadata struct {
	frameNumber      int64
	captureTime      int64 // µs since epoch
	hwTick           int64
	timecode         [types.NumTimecodeTypes]int64
	syncTimecode     int64
	audioSampleCount int32
	signalOK         uint32
}

const frameMetadataSize = int64(unsafe.Sizeof(frameMetadata{}))

func blockAt(data []byte) *controlBlock {
	return (*controlBlock)(unsafe.Pointer(&data[0]))
}

func metadataAt(data []byte, off int64) *frameMetadata {
	return (*frameMetadata)(unsafe.Pointer(&data[off]))
}

// putString copies s into a fixed NUL-terminated field, truncating.
func putString(dst []byte, s string) {
	n := copy(dst[:len(dst)-1], s)
	clear(dst[n:])
}

// getString reads a NUL-terminated field.
func getString(src []byte) string {
	for i, b := range src {
		if b == 0 {
			return string(src[:i])
		}
	}
	return string(src)
}
