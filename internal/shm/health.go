package shm

import (
	"context"
	"errors"
	"time"

	"github.com/shirou/gopsutil/v4/process"
	"golang.org/x/sys/unix"

	"github.com/tapeless/nexus/pkg/types"
)

// DefaultStaleThreshold is how old the heartbeat may get before the
// producer is probed. The producer beats at 10 Hz.
const DefaultStaleThreshold = 160 * time.Millisecond

// Health is the liveness verdict plus the facts behind it.
type Health struct {
	State types.HealthState
	// HeartbeatStale is set when the heartbeat is older than the threshold.
	HeartbeatStale bool
	// ProcessGone is set when the probe confirmed the owner has exited.
	ProcessGone bool
	// ProbeInconclusive is set when the probe hit a permission boundary.
	ProbeInconclusive bool
	// NeverConnected is set before the first successful attach.
	NeverConnected bool
	HeartbeatAge   time.Duration
	OwnerPID       int
}

func (h Health) String() string {
	switch {
	case h.NeverConnected:
		return h.State.String() + " (never connected)"
	case h.ProcessGone:
		return h.State.String() + " (producer exited)"
	case h.ProbeInconclusive:
		return h.State.String() + " (heartbeat stale, probe denied)"
	case h.HeartbeatStale:
		return h.State.String() + " (heartbeat stale)"
	default:
		return h.State.String()
	}
}

// NeverConnectedHealth is reported before any attach has succeeded.
func NeverConnectedHealth() Health {
	return Health{State: types.HealthDead, NeverConnected: true}
}

// Prober checks whether a process exists. It returns nil when it does,
// unix.ESRCH when it does not, and unix.EPERM when it cannot tell.
type Prober interface {
	Probe(pid int) error
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(pid int) error

func (f ProberFunc) Probe(pid int) error { return f(pid) }

// SignalProber sends signal 0, which checks existence without delivering
// anything.
var SignalProber Prober = ProberFunc(func(pid int) error {
	return unix.Kill(pid, 0)
})

// ProcessProber is SignalProber plus a PID reuse check: a live process
// that started after the control block was created cannot be its owner.
type ProcessProber struct {
	Since time.Time
}

// pidReuseSlack absorbs clock granularity between the process start time
// and the control block creation time.
const pidReuseSlack = 2 * time.Second

func (p ProcessProber) Probe(pid int) error {
	if err := unix.Kill(pid, 0); err != nil {
		return err
	}
	if p.Since.IsZero() {
		return nil
	}
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return nil
	}
	ms, err := proc.CreateTime()
	if err != nil {
		return nil
	}
	if time.UnixMilli(ms).After(p.Since.Add(pidReuseSlack)) {
		return unix.ESRCH
	}
	return nil
}

// CheckHealth judges producer liveness. A fresh heartbeat is OK. A stale
// one is DEAD if the probe says the owner is gone and STALLED otherwise,
// including when the probe is denied by a permission boundary.
func CheckHealth(now, heartbeat time.Time, pid int, threshold time.Duration, prober Prober) Health {
	if threshold <= 0 {
		threshold = DefaultStaleThreshold
	}
	h := Health{State: types.HealthOK, HeartbeatAge: now.Sub(heartbeat), OwnerPID: pid}
	if h.HeartbeatAge <= threshold {
		return h
	}
	h.HeartbeatStale = true
	h.State = types.HealthStalled
	if pid <= 0 {
		h.State = types.HealthDead
		h.ProcessGone = true
		return h
	}
	if prober == nil {
		prober = SignalProber
	}
	err := prober.Probe(pid)
	switch {
	case err == nil:
	case errors.Is(err, unix.ESRCH):
		h.State = types.HealthDead
		h.ProcessGone = true
	default:
		// EPERM: the owner exists but belongs to someone else
		h.ProbeInconclusive = true
	}
	return h
}

// Health checks the producer owning this control block.
func (c *Control) Health() Health {
	return c.HealthWith(DefaultStaleThreshold, ProcessProber{Since: c.createdAt})
}

// HealthWith is Health with an explicit threshold and prober.
func (c *Control) HealthWith(threshold time.Duration, prober Prober) Health {
	if c.detached.Load() {
		return Health{State: types.HealthDead, OwnerPID: c.ownerPID}
	}
	return CheckHealth(time.Now(), c.Heartbeat(), c.ownerPID, threshold, prober)
}

// OwnerInfo describes the producer process for status displays.
type OwnerInfo struct {
	PID       int
	Name      string
	Cmdline   string
	StartedAt time.Time
}

// DescribeOwner looks the producer process up in the process table.
func (c *Control) DescribeOwner(ctx context.Context) (OwnerInfo, error) {
	info := OwnerInfo{PID: c.ownerPID}
	proc, err := process.NewProcessWithContext(ctx, int32(c.ownerPID))
	if err != nil {
		return info, err
	}
	if name, err := proc.NameWithContext(ctx); err == nil {
		info.Name = name
	}
	if cmd, err := proc.CmdlineWithContext(ctx); err == nil {
		info.Cmdline = cmd
	}
	if ms, err := proc.CreateTimeWithContext(ctx); err == nil {
		info.StartedAt = time.UnixMilli(ms)
	}
	return info, nil
}
