package monitor

import (
	"time"

	"github.com/tapeless/nexus/internal/shm"
)

// Config defines the runtime configuration for the monitor server.
type Config struct {
	Addr           string
	Namespace      shm.Namespace
	StatusInterval time.Duration
	PreviewWidth   int
	JPEGQuality    int
	StaleThreshold time.Duration
	// Prober overrides the producer liveness probe; nil probes the process table.
	Prober shm.Prober
}

// DefaultConfig returns the stock monitor settings.
func DefaultConfig() Config {
	return Config{
		Addr:           ":8090",
		Namespace:      shm.DefaultNamespace(),
		StatusInterval: 500 * time.Millisecond,
		PreviewWidth:   480,
		JPEGQuality:    75,
		StaleThreshold: shm.DefaultStaleThreshold,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Addr == "" {
		c.Addr = def.Addr
	}
	if c.StatusInterval <= 0 {
		c.StatusInterval = def.StatusInterval
	}
	if c.PreviewWidth <= 0 {
		c.PreviewWidth = def.PreviewWidth
	}
	if c.JPEGQuality <= 0 || c.JPEGQuality > 100 {
		c.JPEGQuality = def.JPEGQuality
	}
	if c.StaleThreshold <= 0 {
		c.StaleThreshold = def.StaleThreshold
	}
	return c
}
