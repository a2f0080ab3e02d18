// Package config provides configuration management for nexus using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/spf13/viper"

	"github.com/tapeless/nexus/internal/logger"
	"github.com/tapeless/nexus/internal/shm"
	"github.com/tapeless/nexus/pkg/types"
)

// Default configuration values.
const (
	defaultChannels          = 2
	defaultWidth             = 1920
	defaultHeight            = 1080
	defaultAudioTracks       = 8
	defaultFrameRate         = "25"
	defaultMaxRingLength     = 250
	defaultAttachTimeout     = 5 * time.Second
	defaultHeartbeatInterval = 100 * time.Millisecond
	defaultStaleThreshold    = 160 * time.Millisecond
	defaultLivenessPoll      = 100 * time.Millisecond
	defaultMonitorAddr       = ":8090"
	defaultStatusInterval    = 500 * time.Millisecond
	defaultPreviewWidth      = 480
	defaultJPEGQuality       = 75
	defaultSafetyMargin      = 2
	defaultRecorderPoll      = 10 * time.Millisecond
	defaultStatsInterval     = 250 * time.Millisecond
	defaultMetricsAddr       = ":9090"

	// budgetShareOfFree is the fraction of free shm space an automatic
	// budget claims.
	budgetShareOfFree = 2
)

// Config holds all configuration for the application.
type Config struct {
	SHM      SHMConfig      `mapstructure:"shm"`
	Capture  CaptureConfig  `mapstructure:"capture"`
	Liveness LivenessConfig `mapstructure:"liveness"`
	Monitor  MonitorConfig  `mapstructure:"monitor"`
	Recorder RecorderConfig `mapstructure:"recorder"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

// SHMConfig holds shared memory placement and sizing.
type SHMConfig struct {
	Dir    string `mapstructure:"dir"`
	Prefix string `mapstructure:"prefix"`
	// Budget is the total shared memory for all rings. Zero claims half
	// of the free space on Dir. Supports values like "2GiB" or "512 MB".
	Budget ByteSize `mapstructure:"budget"`
	// RingLength fixes the slots per channel; zero derives it from Budget.
	RingLength    int           `mapstructure:"ring_length"`
	MaxRingLength int           `mapstructure:"max_ring_length"`
	AttachTimeout time.Duration `mapstructure:"attach_timeout"`
}

// CaptureConfig holds producer configuration.
type CaptureConfig struct {
	Channels             int           `mapstructure:"channels"`
	Width                int           `mapstructure:"width"`
	Height               int           `mapstructure:"height"`
	PixelFormat          string        `mapstructure:"pixel_format"` // uyvy, yuv422p, yuv420p, v210
	SecondaryWidth       int           `mapstructure:"secondary_width"`
	SecondaryHeight      int           `mapstructure:"secondary_height"`
	SecondaryPixelFormat string        `mapstructure:"secondary_pixel_format"`
	AudioTracks          int           `mapstructure:"audio_tracks"`
	FrameRate            string        `mapstructure:"frame_rate"` // 25, 30000/1001, 29.97
	DropFrame            bool          `mapstructure:"drop_frame"`
	DefaultTimecode      string        `mapstructure:"default_timecode"` // ltc, vitc, dvitc, dltc, system
	MasterChannel        int           `mapstructure:"master_channel"`   // -1 for none
	HeartbeatInterval    time.Duration `mapstructure:"heartbeat_interval"`
	SourceNames          []string      `mapstructure:"source_names"`
	TimecodeOffset       int64         `mapstructure:"timecode_offset"` // frames added to synthetic LTC/VITC
}

// LivenessConfig holds reader-side producer health settings.
type LivenessConfig struct {
	StaleThreshold time.Duration `mapstructure:"stale_threshold"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
}

// MonitorConfig holds the HTTP monitor configuration.
type MonitorConfig struct {
	Addr           string        `mapstructure:"addr"`
	StatusInterval time.Duration `mapstructure:"status_interval"`
	PreviewWidth   int           `mapstructure:"preview_width"`
	JPEGQuality    int           `mapstructure:"jpeg_quality"`
}

// RecorderConfig holds the raw recorder configuration.
type RecorderConfig struct {
	Dir           string        `mapstructure:"dir"`
	Name          string        `mapstructure:"name"`
	Channel       int           `mapstructure:"channel"`
	Slot          int           `mapstructure:"slot"`
	SafetyMargin  int           `mapstructure:"safety_margin"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	StatsInterval time.Duration `mapstructure:"stats_interval"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `mapstructure:"level"` // debug, info, warn, error, silent
	Color string `mapstructure:"color"` // auto, always, never
}

// MetricsConfig holds the Prometheus endpoint configuration.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration.
// Environment variables are prefixed with NEXUS_ and use underscores for nesting.
// Example: NEXUS_CAPTURE_CHANNELS=4.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("nexus")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/nexus")
		v.AddConfigPath("$HOME/.nexus")
	}

	v.SetEnvPrefix("NEXUS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	hooks := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.TextUnmarshallerHookFunc(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hooks); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// SetDefaults configures default values for all configuration options.
func SetDefaults(v *viper.Viper) {
	// Shared memory defaults
	v.SetDefault("shm.dir", shm.DefaultDir)
	v.SetDefault("shm.prefix", shm.DefaultPrefix)
	v.SetDefault("shm.budget", "0")
	v.SetDefault("shm.ring_length", 0)
	v.SetDefault("shm.max_ring_length", defaultMaxRingLength)
	v.SetDefault("shm.attach_timeout", defaultAttachTimeout)

	// Capture defaults
	v.SetDefault("capture.channels", defaultChannels)
	v.SetDefault("capture.width", defaultWidth)
	v.SetDefault("capture.height", defaultHeight)
	v.SetDefault("capture.pixel_format", "uyvy")
	v.SetDefault("capture.secondary_width", 0)
	v.SetDefault("capture.secondary_height", 0)
	v.SetDefault("capture.secondary_pixel_format", "yuv420p")
	v.SetDefault("capture.audio_tracks", defaultAudioTracks)
	v.SetDefault("capture.frame_rate", defaultFrameRate)
	v.SetDefault("capture.drop_frame", false)
	v.SetDefault("capture.default_timecode", "vitc")
	v.SetDefault("capture.master_channel", 0)
	v.SetDefault("capture.heartbeat_interval", defaultHeartbeatInterval)
	v.SetDefault("capture.source_names", []string{})
	v.SetDefault("capture.timecode_offset", 0)

	// Liveness defaults
	v.SetDefault("liveness.stale_threshold", defaultStaleThreshold)
	v.SetDefault("liveness.poll_interval", defaultLivenessPoll)

	// Monitor defaults
	v.SetDefault("monitor.addr", defaultMonitorAddr)
	v.SetDefault("monitor.status_interval", defaultStatusInterval)
	v.SetDefault("monitor.preview_width", defaultPreviewWidth)
	v.SetDefault("monitor.jpeg_quality", defaultJPEGQuality)

	// Recorder defaults
	v.SetDefault("recorder.dir", "./recordings")
	v.SetDefault("recorder.name", "nexus")
	v.SetDefault("recorder.channel", 0)
	v.SetDefault("recorder.slot", 0)
	v.SetDefault("recorder.safety_margin", defaultSafetyMargin)
	v.SetDefault("recorder.poll_interval", defaultRecorderPoll)
	v.SetDefault("recorder.stats_interval", defaultStatsInterval)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.color", "auto")

	// Metrics defaults
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.addr", defaultMetricsAddr)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	// Shared memory validation
	if c.SHM.Dir == "" {
		return fmt.Errorf("shm.dir is required")
	}
	if c.SHM.RingLength != 0 && c.SHM.RingLength < shm.MinRingLength {
		return fmt.Errorf("shm.ring_length must be 0 (auto) or at least %d", shm.MinRingLength)
	}
	if c.SHM.Budget < 0 {
		return fmt.Errorf("shm.budget must not be negative")
	}

	// Capture validation
	if c.Capture.Channels < 1 || c.Capture.Channels > shm.MaxChannels {
		return fmt.Errorf("capture.channels must be between 1 and %d", shm.MaxChannels)
	}
	if c.Capture.AudioTracks < 0 || c.Capture.AudioTracks > shm.MaxAudioTracks {
		return fmt.Errorf("capture.audio_tracks must be between 0 and %d", shm.MaxAudioTracks)
	}
	if c.Capture.MasterChannel < -1 || c.Capture.MasterChannel >= c.Capture.Channels {
		return fmt.Errorf("capture.master_channel must be -1 or a configured channel")
	}
	if _, err := c.Capture.Format(); err != nil {
		return err
	}
	rate, err := c.Capture.Rate()
	if err != nil {
		return fmt.Errorf("capture.frame_rate: %w", err)
	}
	if c.Capture.DropFrame && rate != types.Rate29_97 && rate != types.Rate59_94 {
		return fmt.Errorf("capture.drop_frame requires 30000/1001 or 60000/1001")
	}
	if tc, err := types.ParseTimecodeType(c.Capture.DefaultTimecode); err != nil || !tc.Concrete() {
		return fmt.Errorf("capture.default_timecode must be one of: ltc, vitc, dvitc, dltc, system")
	}

	// Liveness validation
	if c.Liveness.StaleThreshold <= 0 {
		return fmt.Errorf("liveness.stale_threshold must be positive")
	}

	// Monitor validation
	if c.Monitor.JPEGQuality < 1 || c.Monitor.JPEGQuality > 100 {
		return fmt.Errorf("monitor.jpeg_quality must be between 1 and 100")
	}

	// Recorder validation
	if c.Recorder.Slot < 0 || c.Recorder.Slot >= shm.MaxRecorders {
		return fmt.Errorf("recorder.slot must be between 0 and %d", shm.MaxRecorders-1)
	}
	if c.Recorder.SafetyMargin < 0 {
		return fmt.Errorf("recorder.safety_margin must not be negative")
	}

	// Logging validation
	if _, err := logger.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error, silent")
	}
	validColors := map[string]bool{"auto": true, "always": true, "never": true}
	if !validColors[c.Logging.Color] {
		return fmt.Errorf("logging.color must be one of: auto, always, never")
	}

	return nil
}

// Namespace returns the shared memory namespace.
func (c *Config) Namespace() shm.Namespace {
	return shm.Namespace{Dir: c.SHM.Dir, Prefix: c.SHM.Prefix}
}

// Rate parses the configured frame rate.
func (c *CaptureConfig) Rate() (types.FrameRate, error) {
	return types.ParseFrameRate(c.FrameRate)
}

// Format returns the slot format.
func (c *CaptureConfig) Format() (shm.Format, error) {
	pixel, err := types.ParsePixelFormat(c.PixelFormat)
	if err != nil {
		return shm.Format{}, fmt.Errorf("capture.pixel_format: %w", err)
	}
	f := shm.Format{
		Width:       int32(c.Width),
		Height:      int32(c.Height),
		Pixel:       pixel,
		AudioTracks: int32(c.AudioTracks),
	}
	if c.SecondaryWidth > 0 && c.SecondaryHeight > 0 {
		secondary, err := types.ParsePixelFormat(c.SecondaryPixelFormat)
		if err != nil {
			return shm.Format{}, fmt.Errorf("capture.secondary_pixel_format: %w", err)
		}
		f.SecondaryWidth = int32(c.SecondaryWidth)
		f.SecondaryHeight = int32(c.SecondaryHeight)
		f.SecondaryPixel = secondary
	}
	if f.Pixel.FrameSize(c.Width, c.Height) == 0 {
		return shm.Format{}, fmt.Errorf("capture.width and capture.height must be positive")
	}
	return f, nil
}

// SourceName returns the configured label of channel ch.
func (c *CaptureConfig) SourceName(ch int) string {
	if ch < len(c.SourceNames) && c.SourceNames[ch] != "" {
		return c.SourceNames[ch]
	}
	return fmt.Sprintf("channel %d", ch)
}

// diskFree reports the free bytes of the filesystem holding path.
var diskFree = func(ctx context.Context, path string) (uint64, error) {
	usage, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return 0, err
	}
	return usage.Free, nil
}

// RingBudget returns the configured budget, or half of the free space on
// the shm filesystem when none is set.
func (c *Config) RingBudget(ctx context.Context) (int64, error) {
	if c.SHM.Budget > 0 {
		return c.SHM.Budget.Bytes(), nil
	}
	free, err := diskFree(ctx, c.SHM.Dir)
	if err != nil {
		return 0, fmt.Errorf("reading free space of %s: %w", c.SHM.Dir, err)
	}
	return int64(free / budgetShareOfFree), nil
}

// Params builds the control block parameters, sizing the rings from the
// budget unless a ring length is fixed.
func (c *Config) Params(ctx context.Context) (shm.Params, error) {
	format, err := c.Capture.Format()
	if err != nil {
		return shm.Params{}, err
	}
	rate, err := c.Capture.Rate()
	if err != nil {
		return shm.Params{}, err
	}
	tc, err := types.ParseTimecodeType(c.Capture.DefaultTimecode)
	if err != nil {
		return shm.Params{}, err
	}

	ring := c.SHM.RingLength
	if ring == 0 {
		geom, err := shm.NewGeometry(format, shm.MinRingLength)
		if err != nil {
			return shm.Params{}, err
		}
		budget, err := c.RingBudget(ctx)
		if err != nil {
			return shm.Params{}, err
		}
		ring, err = shm.RingLengthForBudget(budget, c.Capture.Channels, geom.ElementSize, c.SHM.MaxRingLength)
		if err != nil {
			return shm.Params{}, err
		}
	}

	return shm.Params{
		Channels:        c.Capture.Channels,
		RingLength:      ring,
		Format:          format,
		Rate:            rate,
		DropFrame:       c.Capture.DropFrame,
		DefaultTimecode: tc,
		MasterChannel:   c.Capture.MasterChannel,
	}, nil
}
