package cmd

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tapeless/nexus/internal/shm"
	"github.com/tapeless/nexus/pkg/types"
)

func TestExitCodeFor(t *testing.T) {
	assert.Equal(t, 0, exitCodeFor(types.HealthOK))
	assert.Equal(t, 1, exitCodeFor(types.HealthStalled))
	assert.Equal(t, 2, exitCodeFor(types.HealthDead))
}

func TestPrintStatusWithoutProducer(t *testing.T) {
	conn := shm.NewConnection(shm.Namespace{Dir: t.TempDir(), Prefix: "test_"}, shm.ConnectionOptions{ReadOnly: true})
	defer conn.Close()

	var out bytes.Buffer
	assert.Equal(t, types.HealthDead, printStatus(context.Background(), &out, conn))
	assert.Contains(t, out.String(), "never connected")
}

func TestPrintStatus(t *testing.T) {
	ns := shm.Namespace{Dir: t.TempDir(), Prefix: "test_"}
	c, err := shm.Create(ns, shm.Params{
		Channels:        2,
		RingLength:      16,
		Format:          shm.Format{Width: 16, Height: 4, Pixel: types.PixelUYVY, AudioTracks: 2},
		Rate:            types.Rate25,
		DefaultTimecode: types.TimecodeLTC,
		MasterChannel:   0,
	})
	require.NoError(t, err)
	defer c.Destroy()
	w, err := shm.NewWriter(c)
	require.NoError(t, err)
	require.NoError(t, w.SetSourceName(0, "cam a"))
	_, err = w.WriteFrame(0, shm.FrameData{Metadata: shm.Metadata{SyncTimecode: 25, SignalOK: true}})
	require.NoError(t, err)
	require.NoError(t, c.SetRecorderStats(3, shm.RecorderStats{Enabled: true, Recording: true, FramesWritten: 1200, Name: "rec"}))
	w.Beat(time.Now())

	conn := shm.NewConnection(ns, shm.ConnectionOptions{
		ReadOnly: true,
		Prober:   shm.ProberFunc(func(int) error { return nil }),
	})
	defer conn.Close()

	var out bytes.Buffer
	assert.Equal(t, types.HealthOK, printStatus(context.Background(), &out, conn))
	report := out.String()
	assert.Contains(t, report, "health:     OK")
	assert.Contains(t, report, "16x4 uyvy, 2 audio tracks, 25 fps, default timecode ltc")
	assert.Contains(t, report, "master:     channel 0")
	assert.Contains(t, report, `channel 0:  "cam a"`)
	assert.Contains(t, report, "last frame 0  00:00:01:00  signal")
	assert.Contains(t, report, "last frame -1")
	assert.Contains(t, report, "recorder 3: rec recording=true written=1,200")
}
