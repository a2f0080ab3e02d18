package shm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tapeless/nexus/pkg/types"
)

func testNamespace(t *testing.T) Namespace {
	t.Helper()
	return Namespace{Dir: t.TempDir(), Prefix: "test_"}
}

func testParams(channels, ring int) Params {
	return Params{
		Channels:        channels,
		RingLength:      ring,
		Format:          smallFormat(),
		Rate:            types.Rate25,
		DefaultTimecode: types.TimecodeVITC,
		MasterChannel:   -1,
	}
}

func mustCreate(t *testing.T, ns Namespace, p Params) *Control {
	t.Helper()
	c, err := Create(ns, p)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Destroy() })
	return c
}

func mustAttach(t *testing.T, ns Namespace, readOnly bool) *Control {
	t.Helper()
	c, err := Attach(context.Background(), ns, AttachOptions{ReadOnly: readOnly})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Detach() })
	return c
}

func TestNamespacePaths(t *testing.T) {
	ns := Namespace{Dir: "/dev/shm", Prefix: "studio_"}
	assert.Equal(t, "/dev/shm/studio_control", ns.ControlPath())
	assert.Equal(t, "/dev/shm/studio_channel_3", ns.ChannelPath(3))

	var zero Namespace
	assert.Equal(t, "/dev/shm/nexus_control", zero.ControlPath())
	assert.Equal(t, DefaultNamespace().ChannelPath(0), zero.ChannelPath(0))
}

func TestCreateAndAttach(t *testing.T) {
	ns := testNamespace(t)
	p := testParams(2, 16)
	p.Rate = types.Rate29_97
	p.DropFrame = true
	p.MasterChannel = 1
	owner := mustCreate(t, ns, p)

	assert.True(t, owner.Owner())
	assert.Equal(t, os.Getpid(), owner.OwnerPID())

	for _, readOnly := range []bool{false, true} {
		c := mustAttach(t, ns, readOnly)
		assert.False(t, c.Owner())
		assert.Equal(t, readOnly, c.ReadOnly())
		assert.Equal(t, 2, c.Channels())
		assert.Equal(t, int64(16), c.RingLength())
		assert.Equal(t, owner.Geometry(), c.Geometry())
		assert.Equal(t, types.Rate29_97, c.Rate())
		assert.True(t, c.DropFrame())
		assert.Equal(t, types.TimecodeVITC, c.DefaultTimecodeType())
		assert.Equal(t, 1, c.MasterChannel())
		assert.Equal(t, os.Getpid(), c.OwnerPID())
		assert.WithinDuration(t, owner.CreatedAt(), c.CreatedAt(), time.Microsecond)

		for ch := 0; ch < 2; ch++ {
			last, err := c.LastFrame(ch)
			require.NoError(t, err)
			assert.Equal(t, int64(-1), last)
		}
		_, err := c.LastFrame(2)
		assert.ErrorIs(t, err, ErrBadChannel)
	}
}

func TestCreateRefusesExistingSegments(t *testing.T) {
	ns := testNamespace(t)
	c, err := Create(ns, testParams(1, 16))
	require.NoError(t, err)

	_, err = Create(ns, testParams(1, 16))
	assert.ErrorIs(t, err, ErrSegmentExists)

	require.NoError(t, c.Destroy())
	c, err = Create(ns, testParams(1, 16))
	require.NoError(t, err)
	require.NoError(t, c.Destroy())
}

func TestCreateLeavesNothingBehindOnFailure(t *testing.T) {
	ns := testNamespace(t)
	// a stale ring for channel 1 from some earlier run
	require.NoError(t, os.WriteFile(ns.ChannelPath(1), []byte("stale"), 0o600))

	_, err := Create(ns, testParams(2, 16))
	require.ErrorIs(t, err, ErrSegmentExists)

	assert.NoFileExists(t, ns.ControlPath())
	assert.NoFileExists(t, ns.ChannelPath(0))
	assert.FileExists(t, ns.ChannelPath(1))
}

func TestCreateValidatesParams(t *testing.T) {
	ns := testNamespace(t)
	cases := map[string]struct {
		mutate func(*Params)
		want   error
	}{
		"no channels":     {func(p *Params) { p.Channels = 0 }, ErrInvalidParams},
		"too many":        {func(p *Params) { p.Channels = MaxChannels + 1 }, ErrInvalidParams},
		"short ring":      {func(p *Params) { p.RingLength = 4 }, ErrRingTooShort},
		"drop at 25":      {func(p *Params) { p.DropFrame = true }, ErrInvalidParams},
		"default tc":      {func(p *Params) { p.DefaultTimecode = types.TimecodeDefault }, ErrInvalidParams},
		"master range":    {func(p *Params) { p.MasterChannel = 1 }, ErrInvalidParams},
		"bad rate":        {func(p *Params) { p.Rate = types.FrameRate{} }, ErrInvalidParams},
		"no video height": {func(p *Params) { p.Format.Height = 0 }, ErrInvalidParams},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			p := testParams(1, 16)
			tc.mutate(&p)
			_, err := Create(ns, p)
			assert.ErrorIs(t, err, tc.want)
			assert.NoFileExists(t, ns.ControlPath())
		})
	}
}

func TestAttachTimesOutWhenAbsent(t *testing.T) {
	ns := testNamespace(t)

	_, err := Attach(context.Background(), ns, AttachOptions{})
	assert.ErrorIs(t, err, ErrAttachTimeout)
	assert.ErrorIs(t, err, ErrSegmentNotFound)

	start := time.Now()
	_, err = Attach(context.Background(), ns, AttachOptions{Timeout: 100 * time.Millisecond, PollInterval: 10 * time.Millisecond})
	assert.ErrorIs(t, err, ErrAttachTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}

func TestAttachWaitsForProducer(t *testing.T) {
	ns := testNamespace(t)
	created := make(chan *Control, 1)
	go func() {
		time.Sleep(60 * time.Millisecond)
		c, err := Create(ns, testParams(1, 16))
		if err != nil {
			created <- nil
			return
		}
		created <- c
	}()

	c, err := Attach(context.Background(), ns, AttachOptions{Timeout: 5 * time.Second, Verbose: true})
	require.NoError(t, err)
	defer c.Detach()
	assert.Equal(t, 1, c.Channels())

	owner := <-created
	require.NotNil(t, owner)
	require.NoError(t, owner.Destroy())
}

func TestAttachHonoursContext(t *testing.T) {
	ns := testNamespace(t)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := Attach(ctx, ns, AttachOptions{Timeout: -1})
	assert.ErrorIs(t, err, ErrAttachTimeout)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestAttachIgnoresBlockThatIsNotReady(t *testing.T) {
	ns := testNamespace(t)
	require.NoError(t, os.WriteFile(ns.ControlPath(), make([]byte, controlBlockSize), 0o600))

	_, err := Attach(context.Background(), ns, AttachOptions{})
	assert.ErrorIs(t, err, ErrSegmentNotFound)
}

func TestAttachRejectsWrongSize(t *testing.T) {
	ns := testNamespace(t)
	junk := make([]byte, 64)
	junk[12] = 1 // ready
	require.NoError(t, os.WriteFile(ns.ControlPath(), junk, 0o600))

	_, err := Attach(context.Background(), ns, AttachOptions{Timeout: time.Second})
	assert.ErrorIs(t, err, ErrSizeMismatch)
}

func TestAttachRejectsOtherLayoutVersion(t *testing.T) {
	ns := testNamespace(t)
	c := mustCreate(t, ns, testParams(1, 16))
	atomic.StoreUint32(&c.cb.version, layoutVersion+1)

	_, err := Attach(context.Background(), ns, AttachOptions{ReadOnly: true})
	assert.ErrorIs(t, err, ErrSizeMismatch)
	assert.ErrorContains(t, err, fmt.Sprintf("layout v%d", layoutVersion+1))
}

func TestPendingOwner(t *testing.T) {
	ns := testNamespace(t)
	_, _, err := PendingOwner(ns)
	assert.ErrorIs(t, err, ErrSegmentNotFound)

	require.NoError(t, os.WriteFile(ns.ControlPath(), make([]byte, 32), 0o600))
	pid, createdAt, err := PendingOwner(ns)
	require.NoError(t, err)
	assert.Zero(t, pid)
	assert.True(t, createdAt.IsZero())
	require.NoError(t, Destroy(ns))

	c := mustCreate(t, ns, testParams(1, 16))
	atomic.StoreUint32(&c.cb.ready, 0)
	pid, createdAt, err = PendingOwner(ns)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
	assert.Equal(t, c.CreatedAt(), createdAt)
}

func TestAttachRejectsWrongRingSize(t *testing.T) {
	ns := testNamespace(t)
	mustCreate(t, ns, testParams(1, 16))
	require.NoError(t, os.Truncate(ns.ChannelPath(0), 4096))

	_, err := Attach(context.Background(), ns, AttachOptions{})
	assert.ErrorIs(t, err, ErrSizeMismatch)
}

func TestDestroyIsIdempotent(t *testing.T) {
	ns := testNamespace(t)
	c, err := Create(ns, testParams(3, 16))
	require.NoError(t, err)

	require.NoError(t, c.Destroy())
	require.NoError(t, c.Destroy())
	require.NoError(t, Destroy(ns))

	assert.False(t, Exists(ns))
	for ch := 0; ch < 3; ch++ {
		assert.NoFileExists(t, ns.ChannelPath(ch))
	}
}

func TestDetachIsIdempotent(t *testing.T) {
	ns := testNamespace(t)
	mustCreate(t, ns, testParams(1, 16))
	c, err := Attach(context.Background(), ns, AttachOptions{ReadOnly: true})
	require.NoError(t, err)

	require.NoError(t, c.Detach())
	require.NoError(t, c.Detach())

	_, err = c.LastFrame(0)
	assert.ErrorIs(t, err, ErrDetached)
	assert.True(t, c.Heartbeat().IsZero())
}

func TestReplacedAfterRestart(t *testing.T) {
	ns := testNamespace(t)
	first, err := Create(ns, testParams(1, 16))
	require.NoError(t, err)
	reader := mustAttach(t, ns, true)
	assert.False(t, reader.Replaced())

	require.NoError(t, first.Destroy())
	assert.True(t, reader.Replaced())

	mustCreate(t, ns, testParams(1, 16))
	assert.True(t, reader.Replaced())
}
