package timecode

import "github.com/tapeless/nexus/pkg/types"

// AudioSampleRate is the capture sample rate for every channel.
const AudioSampleRate = 48000

// MaxAudioSamplesPerFrame is the largest per-frame sample count of any
// supported rate (23.976 carries 2002 samples per frame).
const MaxAudioSamplesPerFrame = 2002

// Sample counts for the non-integer rate families. Downstream sync relies on
// these exact sequences.
var (
	ntsc30Sequence = []int{1602, 1602, 1602, 1602, 1600}
	ntsc60Sequence = []int{801, 801, 801, 801, 800}
	film24Sequence = []int{2002}
)

// SampleSequence returns the repeating per-frame 48 kHz sample counts for
// rate. Integer-multiple rates return a single-element sequence.
func SampleSequence(rate types.FrameRate) []int {
	switch rate {
	case types.Rate29_97:
		return ntsc30Sequence
	case types.Rate59_94:
		return ntsc60Sequence
	case types.Rate23_976:
		return film24Sequence
	}
	if !rate.Valid() {
		return nil
	}

	num := int64(AudioSampleRate) * int64(rate.Den)
	if num%int64(rate.Num) == 0 {
		return []int{int(num / int64(rate.Num))}
	}

	// Generic cadence: distribute samples so the running total never
	// drifts by more than one sample from the exact value.
	var seq []int
	var prev int64
	for i := int64(1); ; i++ {
		total := i * num / int64(rate.Num)
		seq = append(seq, int(total-prev))
		prev = total
		if (i*num)%int64(rate.Num) == 0 {
			return seq
		}
	}
}

// AudioSamplesPerFrame returns the sample count of absolute frame n.
func AudioSamplesPerFrame(rate types.FrameRate, n int64) int {
	seq := SampleSequence(rate)
	if len(seq) == 0 {
		return 0
	}
	idx := n % int64(len(seq))
	if idx < 0 {
		idx += int64(len(seq))
	}
	return seq[idx]
}
