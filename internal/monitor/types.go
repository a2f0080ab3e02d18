package monitor

// Status is the payload of /api/status and /api/status/stream.
type Status struct {
	Health          string           `json:"health"`
	Detail          string           `json:"detail"`
	OwnerPID        int              `json:"owner_pid,omitempty"`
	HeartbeatAgeMs  float64          `json:"heartbeat_age_ms"`
	FrameRate       string           `json:"frame_rate,omitempty"`
	DropFrame       bool             `json:"drop_frame"`
	RingLength      int64            `json:"ring_length,omitempty"`
	DefaultTimecode string           `json:"default_timecode,omitempty"`
	MasterChannel   int              `json:"master_channel"`
	Attaches        int              `json:"attaches"`
	Channels        []ChannelStatus  `json:"channels"`
	Recorders       []RecorderStatus `json:"recorders"`
	Timestamp       float64          `json:"timestamp"`
}

// ChannelStatus describes the newest frame of one channel.
type ChannelStatus struct {
	Channel      int     `json:"channel"`
	SourceName   string  `json:"source_name"`
	LastFrame    int64   `json:"last_frame"`
	SignalOK     bool    `json:"signal_ok"`
	Timecode     string  `json:"timecode,omitempty"`
	SyncTimecode string  `json:"sync_timecode,omitempty"`
	CaptureTime  float64 `json:"capture_time,omitempty"`
	AudioSamples int     `json:"audio_samples"`
	HWDrops      int64   `json:"hw_drops"`
	Temperature  float64 `json:"temperature"`
	AudioTracks  int     `json:"audio_tracks"`
}

// RecorderStatus mirrors one enabled recorder slot.
type RecorderStatus struct {
	Slot          int     `json:"slot"`
	Name          string  `json:"name"`
	Description   string  `json:"description"`
	Recording     bool    `json:"recording"`
	Error         bool    `json:"error"`
	FramesWritten int64   `json:"frames_written"`
	FramesDropped int64   `json:"frames_dropped"`
	Backlog       int64   `json:"backlog"`
	Updated       float64 `json:"updated"`
}

// HealthResponse is the payload of /health.
type HealthResponse struct {
	Status         string  `json:"status"`
	Detail         string  `json:"detail"`
	HeartbeatAgeMs float64 `json:"heartbeat_age_ms"`
	OwnerPID       int     `json:"owner_pid,omitempty"`
}
