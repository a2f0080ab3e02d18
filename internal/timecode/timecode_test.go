package timecode

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tapeless/nexus/pkg/types"
)

func TestFramesPerDay(t *testing.T) {
	assert.Equal(t, int64(2_160_000), FramesPerDay(types.Rate25, false))
	assert.Equal(t, int64(2_592_000), FramesPerDay(types.Rate29_97, false))
	assert.Equal(t, int64(2_589_408), FramesPerDay(types.Rate29_97, true))
	assert.Equal(t, int64(5_178_816), FramesPerDay(types.Rate59_94, true))
}

func TestFromHMSFRoundTrip(t *testing.T) {
	tc, err := FromHMSF(10, 11, 12, 13, types.Rate25, false)
	require.NoError(t, err)
	assert.Equal(t, int64((10*3600+11*60+12)*25+13), tc.Frames())
	assert.Equal(t, "10:11:12:13", tc.String())

	h, m, s, f := tc.HMSF()
	assert.Equal(t, []int{10, 11, 12, 13}, []int{h, m, s, f})
}

func TestDropFrameLabels(t *testing.T) {
	tests := []struct {
		frames int64
		want   string
	}{
		{0, "00:00:00;00"},
		{1799, "00:00:59;29"},
		{1800, "00:01:00;02"},
		{17981, "00:09:59;29"},
		{17982, "00:10:00;00"},
		{17983, "00:10:00;01"},
		{107892, "01:00:00;00"},
	}
	for _, tt := range tests {
		tc := MustNew(tt.frames, types.Rate29_97, true)
		assert.Equal(t, tt.want, tc.String(), "frames=%d", tt.frames)

		parsed, err := Parse(tt.want, types.Rate29_97)
		require.NoError(t, err)
		assert.Equal(t, tt.frames, parsed.Frames(), "label=%s", tt.want)
	}
}

func TestDropFrameRejectsSkippedLabels(t *testing.T) {
	_, err := FromHMSF(0, 1, 0, 0, types.Rate29_97, true)
	assert.ErrorIs(t, err, ErrInvalidTimecode)

	_, err = FromHMSF(0, 1, 0, 1, types.Rate29_97, true)
	assert.ErrorIs(t, err, ErrInvalidTimecode)

	_, err = FromHMSF(0, 10, 0, 0, types.Rate29_97, true)
	assert.NoError(t, err)
}

func TestDropFrameNeedsNTSCRate(t *testing.T) {
	_, err := New(0, types.Rate25, true)
	assert.ErrorIs(t, err, ErrDropFrameRate)
}

func TestAddWrapsAtMidnight(t *testing.T) {
	tc, err := Parse("23:59:59:24", types.Rate25)
	require.NoError(t, err)

	assert.Equal(t, "00:00:00:00", tc.Add(1).String())
	assert.Equal(t, "23:59:59:23", tc.Add(-1).String())

	zero := MustNew(0, types.Rate25, false)
	assert.Equal(t, "23:59:59:24", zero.Add(-1).String())

	df := MustNew(0, types.Rate29_97, true)
	assert.Equal(t, "23:59:59;29", df.Add(-1).String())
}

func TestParseRejectsGarbage(t *testing.T) {
	for _, s := range []string{"", "10:00:00", "aa:bb:cc:dd", "25:00:00:00", "10:00:00:25"} {
		_, err := Parse(s, types.Rate25)
		assert.ErrorIs(t, err, ErrInvalidTimecode, "input=%q", s)
	}
}

func TestFromTimeOfDay(t *testing.T) {
	at := time.Date(2026, 3, 1, 10, 0, 1, 40_000_000, time.UTC)
	tc, err := FromTimeOfDay(at, types.Rate25, false)
	require.NoError(t, err)
	assert.Equal(t, "10:00:01:01", tc.String())
}

func TestSampleSequences(t *testing.T) {
	assert.Equal(t, []int{1602, 1602, 1602, 1602, 1600}, SampleSequence(types.Rate29_97))
	assert.Equal(t, []int{801, 801, 801, 801, 800}, SampleSequence(types.Rate59_94))
	assert.Equal(t, []int{2002}, SampleSequence(types.Rate23_976))
	assert.Equal(t, []int{1920}, SampleSequence(types.Rate25))
	assert.Equal(t, []int{960}, SampleSequence(types.Rate50))
	assert.Equal(t, []int{1600}, SampleSequence(types.Rate30))
}

func TestAudioSamplesPerFrameNTSC(t *testing.T) {
	var got []int
	sum := 0
	for n := int64(0); n < 10; n++ {
		c := AudioSamplesPerFrame(types.Rate29_97, n)
		got = append(got, c)
		sum += c
	}
	assert.Equal(t, []int{1602, 1602, 1602, 1602, 1600, 1602, 1602, 1602, 1602, 1600}, got)
	// 10 frames of 30000/1001 hold exactly 16016 samples at 48 kHz
	assert.Equal(t, 16016, sum)
}

func TestGenericSequenceSumsExactly(t *testing.T) {
	rate := types.FrameRate{Num: 7, Den: 1}
	seq := SampleSequence(rate)
	total := 0
	for _, c := range seq {
		total += c
		assert.LessOrEqual(t, c, MaxAudioSamplesPerFrame*4)
	}
	assert.Equal(t, int64(total)*int64(rate.Num), int64(AudioSampleRate)*int64(rate.Den)*int64(len(seq)))
}
