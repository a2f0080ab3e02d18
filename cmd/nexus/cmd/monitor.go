package cmd

import (
	"github.com/spf13/cobra"

	"github.com/tapeless/nexus/internal/config"
	"github.com/tapeless/nexus/internal/metrics"
	"github.com/tapeless/nexus/internal/monitor"
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Serve producer health, channel status and previews over HTTP",
	Long: `Start the HTTP monitor. It attaches read-only whenever a producer
appears and keeps serving while none is running.

Endpoints:
  /health                           OK, STALLED or DEAD (503 unless OK)
  /api/status                       JSON, or protobuf with Accept: application/protobuf
  /api/status/stream                server-sent status events
  /api/channels/{n}/preview.jpg     newest picture, downscaled
  /api/channels/{n}/preview.mjpeg   the same as a multipart stream
  /metrics                          Prometheus metrics`,
	RunE: runMonitor,
}

func init() {
	rootCmd.AddCommand(monitorCmd)
	monitorCmd.Flags().String("addr", "", "listen address (default monitor.addr)")
}

func monitorConfig(cfg *config.Config) monitor.Config {
	return monitor.Config{
		Addr:           cfg.Monitor.Addr,
		Namespace:      cfg.Namespace(),
		StatusInterval: cfg.Monitor.StatusInterval,
		PreviewWidth:   cfg.Monitor.PreviewWidth,
		JPEGQuality:    cfg.Monitor.JPEGQuality,
		StaleThreshold: cfg.Liveness.StaleThreshold,
	}
}

func runMonitor(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
		cfg.Monitor.Addr = addr
	}

	ctx, stop := signalContext()
	defer stop()

	m := metrics.New()
	if cfg.Metrics.Enabled && cfg.Metrics.Addr != cfg.Monitor.Addr {
		serveMetrics(ctx, cfg, m)
	}

	srv := monitor.NewServer(monitorConfig(cfg), m)
	defer srv.Close()
	return srv.ListenAndServe(ctx)
}

