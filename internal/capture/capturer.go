// Package capture is the producer side: it owns the control block, runs one
// goroutine per channel that moves frames from a Source into its ring, and
// keeps the heartbeat readers use to judge liveness.
package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/tapeless/nexus/internal/logger"
	"github.com/tapeless/nexus/internal/mastertc"
	"github.com/tapeless/nexus/internal/metrics"
	"github.com/tapeless/nexus/internal/shm"
	"github.com/tapeless/nexus/pkg/types"
)

var log = logger.For("Capture")

// DefaultHeartbeatInterval keeps the heartbeat well inside the readers'
// stale threshold.
const DefaultHeartbeatInterval = 100 * time.Millisecond

// ErrProducerRunning is returned when the namespace already belongs to a
// live producer.
var ErrProducerRunning = errors.New("another producer is running")

// Options configures a Capturer.
type Options struct {
	Namespace shm.Namespace
	Params    shm.Params

	HeartbeatInterval time.Duration

	// StaleThreshold and Prober judge a pre-existing control block.
	StaleThreshold time.Duration
	Prober         shm.Prober

	Metrics *metrics.Metrics
	Clock   func() time.Time
}

// Capturer is the single producer of a namespace.
type Capturer struct {
	opts    Options
	sources []Source

	ctl    *shm.Control
	writer *shm.Writer
	master *mastertc.Holder

	cancel context.CancelFunc
	group  *errgroup.Group

	shutdownOnce sync.Once
	shutdownErr  error
}

// New validates the options. Sources are indexed by channel.
func New(opts Options, sources []Source) (*Capturer, error) {
	if len(sources) != opts.Params.Channels {
		return nil, fmt.Errorf("%d sources for %d channels: %w", len(sources), opts.Params.Channels, shm.ErrInvalidParams)
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Capturer{opts: opts, sources: sources, master: mastertc.NewHolder()}, nil
}

// Control returns the owned control block, nil before Start.
func (c *Capturer) Control() *shm.Control { return c.ctl }

// Start creates the shared memory and launches the channel workers and the
// heartbeat. It returns once the block is attachable.
func (c *Capturer) Start(ctx context.Context) error {
	ctl, err := c.create()
	if err != nil {
		return err
	}
	w, err := shm.NewWriter(ctl)
	if err != nil {
		_ = ctl.Destroy()
		return err
	}
	c.ctl, c.writer = ctl, w

	for ch, src := range c.sources {
		if named, ok := src.(Named); ok && named.Name() != "" {
			if err := w.SetSourceName(ch, named.Name()); err != nil {
				log.Warn("Setting name of channel %d: %v", ch, err)
			}
		}
	}

	ctx, c.cancel = context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	for ch, src := range c.sources {
		worker := newChannelWorker(ch, src, w, c.master, c.opts.Metrics)
		g.Go(func() error { return worker.run(gctx) })
	}
	g.Go(func() error { return c.heartbeat(gctx) })
	c.group = g

	p := c.opts.Params
	log.Info("Capturing %d channel(s) at %s into %s (ring %d, element %d bytes, master %d)",
		p.Channels, p.Rate, c.opts.Namespace, ctl.RingLength(), ctl.Geometry().ElementSize, p.MasterChannel)
	return nil
}

// Wait blocks until every worker has stopped. It returns the first worker
// error, or nil when the context was cancelled.
func (c *Capturer) Wait() error {
	if c.group == nil {
		return nil
	}
	return c.group.Wait()
}

// Run is Start followed by Wait and Shutdown.
func (c *Capturer) Run(ctx context.Context) error {
	if err := c.Start(ctx); err != nil {
		return err
	}
	err := c.Wait()
	return errors.Join(err, c.Shutdown())
}

// Shutdown stops the workers, closes the sources and removes the shared
// memory. It is safe to call more than once and from any goroutine.
func (c *Capturer) Shutdown() error {
	c.shutdownOnce.Do(func() {
		log.Info("Shutting down capture...")
		if c.cancel != nil {
			c.cancel()
		}

		var errs []error
		for ch, src := range c.sources {
			if err := src.Close(); err != nil {
				errs = append(errs, fmt.Errorf("closing source %d: %w", ch, err))
			}
		}
		if c.group != nil {
			if err := c.group.Wait(); err != nil {
				errs = append(errs, err)
			}
		}
		if c.ctl != nil {
			if err := c.ctl.Destroy(); err != nil {
				errs = append(errs, err)
			}
		}
		c.shutdownErr = errors.Join(errs...)
		log.Info("Capture stopped")
	})
	return c.shutdownErr
}

func (c *Capturer) heartbeat(ctx context.Context) error {
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.writer.Beat(c.opts.Clock())
			c.opts.Metrics.Heartbeats.Add(1)
		}
	}
}

// create makes the control block. Segments left behind by a producer that
// is now dead are removed and creation is retried once. A block whose
// owner is still alive, even if stalled or still starting up, is never
// touched.
func (c *Capturer) create() (*shm.Control, error) {
	ns, p := c.opts.Namespace, c.opts.Params
	ctl, err := shm.Create(ns, p)
	if !errors.Is(err, shm.ErrSegmentExists) {
		return ctl, err
	}
	if err := CheckAbandoned(ns, c.opts.StaleThreshold, c.opts.Prober); err != nil {
		return nil, err
	}
	if err := shm.Destroy(ns); err != nil {
		return nil, err
	}
	return shm.Create(ns, p)
}

// pendingOwnerGrace is how long a control block may exist without a
// recorded owner before it counts as abandoned. Create records the owner
// right after the segment is sized.
const pendingOwnerGrace = 500 * time.Millisecond

// CheckAbandoned reports whether the segments registered in ns may be
// removed. It returns nil for a dead owner and for a block that no build
// of this layout can use, and an error wrapping ErrProducerRunning while
// the owner is alive. A nil prober probes the process table.
func CheckAbandoned(ns shm.Namespace, threshold time.Duration, prober shm.Prober) error {
	stale, err := shm.Attach(context.Background(), ns, shm.AttachOptions{ReadOnly: true})
	switch {
	case err == nil:
		p := prober
		if p == nil {
			p = shm.ProcessProber{Since: stale.CreatedAt()}
		}
		h := stale.HealthWith(threshold, p)
		_ = stale.Detach()
		if h.State != types.HealthDead {
			return fmt.Errorf("%s owned by pid %d (%s): %w", ns, h.OwnerPID, h, ErrProducerRunning)
		}
		log.Warn("Removing segments of dead producer pid %d in %s", h.OwnerPID, ns)
		return nil
	case errors.Is(err, shm.ErrSizeMismatch):
		log.Warn("Removing incompatible segments in %s: %v", ns, err)
		return nil
	case errors.Is(err, shm.ErrAttachTimeout):
		return checkPending(ns, prober)
	default:
		return err
	}
}

// checkPending judges a control block that is not ready yet.
func checkPending(ns shm.Namespace, prober shm.Prober) error {
	deadline := time.Now().Add(pendingOwnerGrace)
	for {
		pid, createdAt, err := shm.PendingOwner(ns)
		switch {
		case errors.Is(err, shm.ErrSegmentNotFound):
			if !shm.Exists(ns) {
				return nil
			}
		case err != nil:
			return err
		case pid > 0:
			p := prober
			if p == nil {
				p = shm.ProcessProber{Since: createdAt}
			}
			if perr := p.Probe(pid); !errors.Is(perr, unix.ESRCH) {
				return fmt.Errorf("%s is being created by pid %d: %w", ns, pid, ErrProducerRunning)
			}
			log.Warn("Removing unfinished segments of dead producer pid %d in %s", pid, ns)
			return nil
		}
		if !time.Now().Before(deadline) {
			log.Warn("Removing unfinished segments in %s", ns)
			return nil
		}
		time.Sleep(10 * time.Millisecond)
	}
}
