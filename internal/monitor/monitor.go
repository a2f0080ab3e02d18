// Package monitor serves producer health, channel status and low-rate
// JPEG previews over HTTP. It is a plain reader: it attaches read-only,
// never blocks the producer, and keeps serving bars while no producer is
// around.
package monitor

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/tapeless/nexus/internal/logger"
	"github.com/tapeless/nexus/internal/metrics"
	"github.com/tapeless/nexus/internal/shm"
	"github.com/tapeless/nexus/internal/timecode"
	"github.com/tapeless/nexus/pkg/types"
)

var log = logger.For("Monitor")

type cachedName struct {
	ctl     *shm.Control
	counter uint64
	name    string
}

// Monitor reads status snapshots out of the shared control block.
type Monitor struct {
	cfg     Config
	conn    *shm.Connection
	metrics *metrics.Metrics

	mu    sync.Mutex
	names map[int]cachedName
}

// NewMonitor creates a Monitor with a lazy read-only connection to cfg.Namespace.
func NewMonitor(cfg Config, m *metrics.Metrics) *Monitor {
	cfg = cfg.withDefaults()
	return &Monitor{
		cfg: cfg,
		conn: shm.NewConnection(cfg.Namespace, shm.ConnectionOptions{
			ReadOnly:       true,
			StaleThreshold: cfg.StaleThreshold,
			Prober:         cfg.Prober,
		}),
		metrics: m,
		names:   make(map[int]cachedName),
	}
}

// Close detaches from the producer.
func (m *Monitor) Close() error {
	return m.conn.Close()
}

// Health returns the producer's liveness.
func (m *Monitor) Health(ctx context.Context) shm.Health {
	h := m.conn.Health(ctx)
	m.observeHealth(h)
	return h
}

func (m *Monitor) observeHealth(h shm.Health) {
	if m.metrics == nil {
		return
	}
	m.metrics.ProducerHealth.Store(int64(h.State))
	m.metrics.UpdateHeartbeatAge(h.HeartbeatAge)
}

// Snapshot returns the current producer and channel state.
func (m *Monitor) Snapshot(ctx context.Context) Status {
	st := Status{
		MasterChannel: -1,
		Channels:      []ChannelStatus{},
		Recorders:     []RecorderStatus{},
		Timestamp:     float64(time.Now().UnixMilli()) / 1000,
	}
	_ = m.conn.Do(ctx, func(ctl *shm.Control, h shm.Health) error {
		m.observeHealth(h)
		st.Health = h.State.String()
		st.Detail = h.String()
		st.OwnerPID = h.OwnerPID
		st.HeartbeatAgeMs = float64(h.HeartbeatAge.Microseconds()) / 1000
		if ctl == nil {
			return nil
		}

		st.FrameRate = ctl.Rate().String()
		st.DropFrame = ctl.DropFrame()
		st.RingLength = ctl.RingLength()
		st.DefaultTimecode = ctl.DefaultTimecodeType().String()
		st.MasterChannel = ctl.MasterChannel()
		for ch := 0; ch < ctl.Channels(); ch++ {
			st.Channels = append(st.Channels, m.channelStatus(ctl, ch))
		}

		for slot, rs := range ctl.ActiveRecorders() {
			st.Recorders = append(st.Recorders, RecorderStatus{
				Slot:          slot,
				Name:          rs.Name,
				Description:   rs.Description,
				Recording:     rs.Recording,
				Error:         rs.Error,
				FramesWritten: rs.FramesWritten,
				FramesDropped: rs.FramesDropped,
				Backlog:       rs.Backlog,
				Updated:       float64(rs.Updated.UnixMilli()) / 1000,
			})
		}
		sort.Slice(st.Recorders, func(i, j int) bool { return st.Recorders[i].Slot < st.Recorders[j].Slot })
		return nil
	})

	st.Attaches = m.conn.Attaches()
	return st
}

func (m *Monitor) channelStatus(ctl *shm.Control, ch int) ChannelStatus {
	cs := ChannelStatus{Channel: ch, LastFrame: -1}
	cs.SourceName = m.sourceName(ctl, ch)

	if d, err := ctl.Diagnostics(ch); err == nil {
		cs.HWDrops = d.HWDropCount
		cs.Temperature = d.HWTemperature
		cs.AudioTracks = d.AvailableAudioTracks
	}

	last, err := ctl.LastFrame(ch)
	if err != nil {
		return cs
	}
	cs.LastFrame = last
	if m.metrics != nil && last >= 0 {
		m.metrics.SetLastFrame(ch, last)
	}
	if last < 0 {
		return cs
	}

	md, err := ctl.Metadata(ch, last)
	if err != nil {
		// lapped between the two reads; the next snapshot catches up
		log.Debug("Channel %d frame %d: %v", ch, last, err)
		return cs
	}
	cs.SignalOK = md.SignalOK
	cs.AudioSamples = md.AudioSampleCount
	cs.CaptureTime = float64(md.CaptureTime) / 1e6
	cs.Timecode = formatTimecode(md.Timecode(ctl.DefaultTimecodeType()), ctl.Rate(), ctl.DropFrame())
	cs.SyncTimecode = formatTimecode(md.SyncTimecode, ctl.Rate(), ctl.DropFrame())
	return cs
}

// sourceName re-reads a channel label only when its update counter moved.
func (m *Monitor) sourceName(ctl *shm.Control, ch int) string {
	counter, err := ctl.NameCounter(ch)
	if err != nil {
		return ""
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	c, cached := m.names[ch]
	cached = cached && c.ctl == ctl
	if cached && c.counter == counter {
		return c.name
	}
	name, counter, err := ctl.SourceName(ch)
	if err != nil {
		if cached {
			return c.name
		}
		return ""
	}
	m.names[ch] = cachedName{ctl: ctl, counter: counter, name: name}
	return name
}

func formatTimecode(frames int64, rate types.FrameRate, drop bool) string {
	tc, err := timecode.New(frames, rate, drop)
	if err != nil {
		return ""
	}
	return tc.String()
}
