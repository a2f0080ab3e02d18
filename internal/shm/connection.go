package shm

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/tapeless/nexus/internal/logger"
	"github.com/tapeless/nexus/pkg/types"
)

// ConnectionOptions configures a Connection.
type ConnectionOptions struct {
	ReadOnly bool
	// AttachTimeout bounds each attach attempt; zero tries once.
	AttachTimeout  time.Duration
	StaleThreshold time.Duration
	// Prober defaults to a ProcessProber anchored at the block's creation.
	Prober Prober
}

// Connection is a reader's lazy, self-healing attachment to a producer.
// It attaches on first use, reports DEAD until that succeeds, keeps the
// mapping across producer stalls and crashes, and re-attaches when a
// restarted producer registers new segments.
type Connection struct {
	ns   Namespace
	opts ConnectionOptions

	mu        sync.Mutex
	ctl       *Control
	connected bool
	attaches  int
	closed    bool

	waitLog *logger.Every
}

// NewConnection returns an unattached connection to ns.
func NewConnection(ns Namespace, opts ConnectionOptions) *Connection {
	return &Connection{ns: ns, opts: opts, waitLog: logger.NewEvery(50)}
}

// Do runs fn with the current handle and health. ctl is nil when no
// producer is attached. The handle must not be retained after fn returns:
// a later call may detach it.
func (c *Connection) Do(ctx context.Context, fn func(ctl *Control, h Health) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	ctl, h := c.acquire(ctx)
	return fn(ctl, h)
}

// Health attaches if needed and returns the producer's liveness.
func (c *Connection) Health(ctx context.Context) Health {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, h := c.acquire(ctx)
	return h
}

// Attaches returns how many times the connection has attached.
func (c *Connection) Attaches() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attaches
}

// Close detaches. The connection cannot be used afterwards.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return c.drop()
}

func (c *Connection) drop() error {
	if c.ctl == nil {
		return nil
	}
	err := c.ctl.Detach()
	c.ctl = nil
	return err
}

func (c *Connection) acquire(ctx context.Context) (*Control, Health) {
	if c.closed {
		return nil, Health{State: types.HealthDead}
	}
	if c.ctl != nil && c.ctl.Replaced() {
		log.Info("Producer segments in %s were replaced, re-attaching", c.ns)
		_ = c.drop()
	}

	if c.ctl == nil {
		ctl, err := Attach(ctx, c.ns, AttachOptions{Timeout: c.opts.AttachTimeout, ReadOnly: c.opts.ReadOnly})
		if err != nil {
			if !errors.Is(err, ErrAttachTimeout) {
				log.Error("Attach %s failed: %v", c.ns, err)
			} else if c.waitLog.Allow() {
				log.Debug("No producer in %s yet", c.ns)
			}
			if !c.connected {
				return nil, NeverConnectedHealth()
			}
			return nil, Health{State: types.HealthDead, ProcessGone: true}
		}
		c.ctl = ctl
		c.connected = true
		c.attaches++
		c.waitLog.Reset()
		log.Info("Attached to producer pid %d in %s", ctl.OwnerPID(), c.ns)
	}

	prober := c.opts.Prober
	if prober == nil {
		prober = ProcessProber{Since: c.ctl.CreatedAt()}
	}
	return c.ctl, c.ctl.HealthWith(c.opts.StaleThreshold, prober)
}
