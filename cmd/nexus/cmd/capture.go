package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tapeless/nexus/internal/capture"
	"github.com/tapeless/nexus/internal/logger"
	"github.com/tapeless/nexus/internal/metrics"
)

var captureCmd = &cobra.Command{
	Use:   "capture",
	Short: "Run the producer with synthetic test-pattern sources",
	Long: `Create the control block and channel rings and fill them with a
synthetic test pattern at the configured frame rate. The segments are
removed again on SIGINT, SIGTERM or SIGHUP.

Segments left behind by a crashed producer are cleaned up automatically;
a running producer in the same namespace is never touched.`,
	RunE: runCapture,
}

func init() {
	rootCmd.AddCommand(captureCmd)

	captureCmd.Flags().Int("channels", 2, "number of channels")
	captureCmd.Flags().Int("ring-length", 0, "slots per channel (0 sizes the rings from shm.budget)")
	captureCmd.Flags().Int64("loss-start", 0, "first frame of a simulated signal loss")
	captureCmd.Flags().Int64("loss-frames", 0, "length of the simulated signal loss")
}

func runCapture(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	intFlag(flags, "channels", &cfg.Capture.Channels)
	intFlag(flags, "ring-length", &cfg.SHM.RingLength)
	if err := cfg.Validate(); err != nil {
		return err
	}
	lossStart, _ := flags.GetInt64("loss-start")
	lossFrames, _ := flags.GetInt64("loss-frames")

	ctx, stop := signalContext()
	defer stop()

	params, err := cfg.Params(ctx)
	if err != nil {
		return fmt.Errorf("sizing rings: %w", err)
	}

	sources := make([]capture.Source, params.Channels)
	for ch := range sources {
		src, err := capture.NewSynthetic(capture.SyntheticOptions{
			Name:           cfg.Capture.SourceName(ch),
			Format:         params.Format,
			Rate:           params.Rate,
			Drop:           params.DropFrame,
			TimecodeOffset: cfg.Capture.TimecodeOffset,
			LossStart:      lossStart,
			LossFrames:     lossFrames,
		})
		if err != nil {
			return err
		}
		sources[ch] = src
	}

	m := metrics.New()
	serveMetrics(ctx, cfg, m)

	c, err := capture.New(capture.Options{
		Namespace:         cfg.Namespace(),
		Params:            params,
		HeartbeatInterval: cfg.Capture.HeartbeatInterval,
		StaleThreshold:    cfg.Liveness.StaleThreshold,
		Metrics:           m,
	}, sources)
	if err != nil {
		return err
	}
	// closes the sources when Start fails; a no-op after Run
	defer func() { _ = c.Shutdown() }()

	if err := c.Run(ctx); err != nil {
		return err
	}
	logger.Info("Main", "Published %d frames (%d without signal)",
		m.FramesPublished.Load(), m.NoSignalFrames.Load())
	return nil
}
