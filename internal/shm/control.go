// Package shm implements the shared memory capture ring: one control
// segment describing the capture and one ring segment per channel.
//
// A single producer creates the segments and publishes frames. Any number
// of unrelated processes attach, poll last_frame, and copy frames out at
// their own pace. There is no back-pressure: a reader that falls more than
// one ring behind silently loses frames.
package shm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tapeless/nexus/internal/logger"
	"github.com/tapeless/nexus/internal/timecode"
	"github.com/tapeless/nexus/pkg/types"
)

var log = logger.For("SHM")

// Params configures a new control block.
type Params struct {
	Channels        int
	RingLength      int
	Format          Format
	Rate            types.FrameRate
	DropFrame       bool
	DefaultTimecode types.TimecodeType
	MasterChannel   int // -1 for none
}

func (p Params) validate() error {
	if p.Channels < 1 || p.Channels > MaxChannels {
		return fmt.Errorf("channels %d not in 1..%d: %w", p.Channels, MaxChannels, ErrInvalidParams)
	}
	if !p.Rate.Valid() {
		return fmt.Errorf("frame rate %s: %w", p.Rate, ErrInvalidParams)
	}
	if p.DropFrame && !timecode.SupportsDropFrame(p.Rate) {
		return fmt.Errorf("drop-frame at %s: %w", p.Rate, ErrInvalidParams)
	}
	if !p.DefaultTimecode.Concrete() {
		return fmt.Errorf("default timecode %s: %w", p.DefaultTimecode, ErrInvalidParams)
	}
	if p.MasterChannel < -1 || p.MasterChannel >= p.Channels {
		return fmt.Errorf("master channel %d: %w", p.MasterChannel, ErrInvalidParams)
	}
	return nil
}

// AttachOptions controls Attach.
type AttachOptions struct {
	// Timeout bounds the wait for the producer. Zero means a single attempt
	// and a negative value waits until ctx is done.
	Timeout time.Duration
	// ReadOnly maps every segment PROT_READ.
	ReadOnly bool
	// Verbose logs progress once per second while waiting.
	Verbose bool
	// PollInterval defaults to 20ms.
	PollInterval time.Duration
}

// DefaultPollInterval is the attach retry interval.
const DefaultPollInterval = 20 * time.Millisecond

// Control is a handle on an attached control block and its rings. The
// geometry and capture parameters are cached at attach time; they are
// frozen before the ready flag is set.
type Control struct {
	ns       Namespace
	owner    bool
	readOnly bool

	mu       sync.Mutex
	detached atomic.Bool

	ctl   *segment
	cb    *controlBlock
	rings []*segment

	geom          Geometry
	channels      int
	rate          types.FrameRate
	drop          bool
	defaultTC     types.TimecodeType
	masterChannel int
	ownerPID      int
	createdAt     time.Time
}

// Create builds the control block and every channel ring. On any failure
// everything created so far is removed again, so no partial state is ever
// attachable.
func Create(ns Namespace, p Params) (*Control, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	geom, err := NewGeometry(p.Format, p.RingLength)
	if err != nil {
		return nil, err
	}

	ctl, err := createSegment(ns.ControlPath(), controlBlockSize)
	if err != nil {
		return nil, err
	}

	c := &Control{ns: ns, owner: true, ctl: ctl, cb: blockAt(ctl.data), geom: geom}
	// Claim the block before building the rings so another producer can
	// tell a half-built block from an abandoned one.
	now := time.Now()
	atomic.StoreInt32(&c.cb.ownerPID, int32(os.Getpid()))
	atomic.StoreInt64(&c.cb.createdAt, now.UnixMicro())

	fail := func(err error) (*Control, error) {
		for ch, r := range c.rings {
			_ = r.unmap()
			_ = removeSegment(ns.ChannelPath(ch))
		}
		_ = ctl.unmap()
		_ = removeSegment(ns.ControlPath())
		return nil, err
	}

	for ch := 0; ch < p.Channels; ch++ {
		r, err := createSegment(ns.ChannelPath(ch), geom.RingSize())
		if err != nil {
			return fail(err)
		}
		c.rings = append(c.rings, r)
		// ftruncate zero-fills; mark every slot as never written
		for i := int64(0); i < geom.RingLength; i++ {
			md := metadataAt(r.data, i*geom.ElementSize+geom.Metadata.Offset)
			md.frameNumber = -1
		}
	}

	cb := c.cb
	cb.magic = controlMagic
	cb.version = layoutVersion
	cb.size = uint64(controlBlockSize)
	cb.channels = int32(p.Channels)
	cb.masterChannel = int32(p.MasterChannel)
	cb.rateNum = p.Rate.Num
	cb.rateDen = p.Rate.Den
	if p.DropFrame {
		cb.dropFrame = 1
	}
	cb.defaultTC = int32(p.DefaultTimecode)
	cb.geometry = geom
	for ch := range cb.channel {
		cc := &cb.channel[ch]
		cc.lastFrame = -1
		if ch < p.Channels {
			cc.availableAudioTracks = p.Format.AudioTracks
		}
	}
	atomic.StoreInt64(&cb.heartbeat, now.UnixMicro())
	atomic.StoreUint32(&cb.ready, 1)

	c.cacheParams()
	log.Info("Created %d channel(s) in %s: ring %d x %d bytes, %s",
		p.Channels, ns, geom.RingLength, geom.ElementSize, p.Rate)
	return c, nil
}

// Attach waits for a ready control block in ns and maps it with every
// channel ring.
func Attach(ctx context.Context, ns Namespace, opts AttachOptions) (*Control, error) {
	poll := opts.PollInterval
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	var deadline time.Time
	if opts.Timeout > 0 {
		deadline = time.Now().Add(opts.Timeout)
	}

	start := time.Now()
	lastReport := start
	for {
		c, err := tryAttach(ns, opts.ReadOnly)
		if err == nil {
			if opts.Verbose {
				log.Info("Attached to %s after %s (%d channel(s), ring %d)",
					ns, time.Since(start).Round(time.Millisecond), c.channels, c.geom.RingLength)
			}
			return c, nil
		}
		if !errors.Is(err, ErrSegmentNotFound) {
			return nil, err
		}

		if opts.Timeout == 0 || (!deadline.IsZero() && !time.Now().Before(deadline)) {
			return nil, fmt.Errorf("%w after %s: %w", ErrAttachTimeout, opts.Timeout, err)
		}
		if opts.Verbose && time.Since(lastReport) >= time.Second {
			lastReport = time.Now()
			log.Info("Waiting for shared memory %s... (%s)", ns, time.Since(start).Round(time.Second))
		}

		wait := poll
		if !deadline.IsZero() {
			if left := time.Until(deadline); left < wait {
				wait = left
			}
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %w", ErrAttachTimeout, ctx.Err())
		case <-time.After(wait):
		}
	}
}

// tryAttach makes one attach attempt. A control block that exists but is
// not yet ready counts as not found.
func tryAttach(ns Namespace, readOnly bool) (*Control, error) {
	ctl, err := openSegment(ns.ControlPath(), 0, readOnly)
	if err != nil {
		return nil, err
	}
	cb := blockAt(ctl.data)
	if int64(len(ctl.data)) < 16 || atomic.LoadUint32(&cb.ready) == 0 {
		_ = ctl.unmap()
		return nil, fmt.Errorf("attach %s: not ready: %w", ctl.path, ErrSegmentNotFound)
	}
	if size := int64(len(ctl.data)); size != controlBlockSize || cb.magic != controlMagic ||
		cb.version != layoutVersion || cb.size != uint64(controlBlockSize) {
		path, version := ctl.path, cb.version
		_ = ctl.unmap()
		return nil, fmt.Errorf("attach %s: %d bytes, layout v%d: %w", path, size, version, ErrSizeMismatch)
	}

	c := &Control{ns: ns, readOnly: readOnly, ctl: ctl, cb: cb, geom: cb.geometry}
	c.cacheParams()
	if c.channels < 1 || c.channels > MaxChannels || c.geom.RingLength < MinRingLength || c.geom.ElementSize <= 0 {
		path := ctl.path
		_ = ctl.unmap()
		return nil, fmt.Errorf("attach %s: %d channel(s), ring %d: %w", path, c.channels, c.geom.RingLength, ErrSizeMismatch)
	}

	for ch := 0; ch < c.channels; ch++ {
		r, err := openSegment(ns.ChannelPath(ch), c.geom.RingSize(), readOnly)
		if err != nil {
			c.unmapAll()
			return nil, err
		}
		c.rings = append(c.rings, r)
	}
	return c, nil
}

// PendingOwner reads the owner recorded in the control block of ns, which
// may not be ready yet. Create records it before building the rings. A zero
// pid means none was recorded.
func PendingOwner(ns Namespace) (pid int, createdAt time.Time, err error) {
	seg, err := openSegment(ns.ControlPath(), 0, true)
	if err != nil {
		return 0, time.Time{}, err
	}
	defer seg.unmap()
	if int64(len(seg.data)) < ownerHeaderSize {
		return 0, time.Time{}, nil
	}
	cb := blockAt(seg.data)
	pid = int(atomic.LoadInt32(&cb.ownerPID))
	if us := atomic.LoadInt64(&cb.createdAt); us > 0 {
		createdAt = time.UnixMicro(us)
	}
	return pid, createdAt, nil
}

func (c *Control) cacheParams() {
	cb := c.cb
	c.channels = int(cb.channels)
	c.rate = types.FrameRate{Num: cb.rateNum, Den: cb.rateDen}
	c.drop = cb.dropFrame != 0
	c.defaultTC = types.TimecodeType(cb.defaultTC)
	c.masterChannel = int(cb.masterChannel)
	c.ownerPID = int(cb.ownerPID)
	c.createdAt = time.UnixMicro(cb.createdAt)
}

func (c *Control) unmapAll() {
	for _, r := range c.rings {
		_ = r.unmap()
	}
	c.rings = nil
	_ = c.ctl.unmap()
}

// Detach unmaps every segment. It is idempotent; the handle is unusable
// afterwards.
func (c *Control) Detach() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.detached.Load() {
		return nil
	}
	c.detached.Store(true)
	c.unmapAll()
	return nil
}

// Destroy detaches and removes every segment of the handle's namespace.
func (c *Control) Destroy() error {
	_ = c.Detach()
	return Destroy(c.ns)
}

// Destroy removes the control segment and every possible channel segment
// in ns. Absent segments are not an error.
func Destroy(ns Namespace) error {
	var errs []error
	for ch := 0; ch < MaxChannels; ch++ {
		if err := removeSegment(ns.ChannelPath(ch)); err != nil {
			errs = append(errs, err)
		}
	}
	if err := removeSegment(ns.ControlPath()); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Exists reports whether a control segment is registered in ns.
func Exists(ns Namespace) bool {
	return currentIno(ns.ControlPath()) != 0
}

// Replaced reports whether the control segment this handle maps is no
// longer the one registered under its name, which happens when a producer
// restarts.
func (c *Control) Replaced() bool {
	return currentIno(c.ns.ControlPath()) != c.ctl.ino
}

func (c *Control) Namespace() Namespace { return c.ns }

// ReadOnly reports whether the segments are mapped PROT_READ.
func (c *Control) ReadOnly() bool { return c.readOnly }

// Owner reports whether this handle created the segments.
func (c *Control) Owner() bool { return c.owner }

func (c *Control) Geometry() Geometry { return c.geom }

func (c *Control) Channels() int { return c.channels }

func (c *Control) RingLength() int64 { return c.geom.RingLength }

func (c *Control) Rate() types.FrameRate { return c.rate }

func (c *Control) DropFrame() bool { return c.drop }

func (c *Control) DefaultTimecodeType() types.TimecodeType { return c.defaultTC }

// MasterChannel returns the master channel index, or -1.
func (c *Control) MasterChannel() int { return c.masterChannel }

func (c *Control) OwnerPID() int { return c.ownerPID }

func (c *Control) CreatedAt() time.Time { return c.createdAt }

// Heartbeat returns the producer's last heartbeat time.
func (c *Control) Heartbeat() time.Time {
	if c.detached.Load() {
		return time.Time{}
	}
	return time.UnixMicro(atomic.LoadInt64(&c.cb.heartbeat))
}

func (c *Control) channel(ch int) (*channelControl, error) {
	if c.detached.Load() {
		return nil, ErrDetached
	}
	if ch < 0 || ch >= c.channels {
		return nil, fmt.Errorf("channel %d of %d: %w", ch, c.channels, ErrBadChannel)
	}
	return &c.cb.channel[ch], nil
}
