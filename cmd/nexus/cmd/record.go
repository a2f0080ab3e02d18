package cmd

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/tapeless/nexus/internal/logger"
	"github.com/tapeless/nexus/internal/metrics"
	"github.com/tapeless/nexus/internal/recorder"
)

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Copy one channel's frames into raw video and audio files",
	Long: `Follow one channel and write every frame that can be copied safely to
<dir>/<name>_ch<N>_<stamp>.video and .audio. Frames the producer overwrote
before they could be copied are counted as dropped. Progress is published
in the control block's recorder slot so the monitor can show it.

Recording stops on SIGINT, SIGTERM, SIGHUP or after --duration.`,
	RunE: runRecord,
}

func init() {
	rootCmd.AddCommand(recordCmd)

	recordCmd.Flags().Int("channel", 0, "channel to record")
	recordCmd.Flags().Int("slot", 0, "recorder statistics slot")
	recordCmd.Flags().String("dir", "", "output directory (default recorder.dir)")
	recordCmd.Flags().String("name", "", "file name prefix (default recorder.name)")
	recordCmd.Flags().Duration("duration", 0, "stop after this long (0 records until interrupted)")
}

func runRecord(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	intFlag(flags, "channel", &cfg.Recorder.Channel)
	intFlag(flags, "slot", &cfg.Recorder.Slot)
	if dir, _ := flags.GetString("dir"); dir != "" {
		cfg.Recorder.Dir = dir
	}
	if name, _ := flags.GetString("name"); name != "" {
		cfg.Recorder.Name = name
	}
	duration, _ := flags.GetDuration("duration")

	ctx, stop := signalContext()
	defer stop()

	m := metrics.New()
	serveMetrics(ctx, cfg, m)

	rec, err := recorder.New(recorder.Options{
		Namespace:      cfg.Namespace(),
		Channel:        cfg.Recorder.Channel,
		Slot:           cfg.Recorder.Slot,
		Name:           cfg.Recorder.Name,
		Dir:            cfg.Recorder.Dir,
		SafetyMargin:   cfg.Recorder.SafetyMargin,
		PollInterval:   cfg.Recorder.PollInterval,
		StatsInterval:  cfg.Recorder.StatsInterval,
		StaleThreshold: cfg.Liveness.StaleThreshold,
		Metrics:        m,
	})
	if err != nil {
		return err
	}
	defer rec.Close()

	if err := rec.Start(ctx); err != nil {
		return err
	}

	var timeout <-chan time.Time
	if duration > 0 {
		timer := time.NewTimer(duration)
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case <-ctx.Done():
	case <-timeout:
	}

	if err := rec.Stop(); err != nil {
		return err
	}
	st := rec.Status()
	logger.Info("Main", "Recorded %d frames (%d dropped), %s in %s to %s",
		st.FrameCount, st.FramesDropped, humanize.IBytes(st.BytesWritten),
		st.Duration.Round(time.Millisecond), st.VideoFile)
	if st.LastError != "" {
		return fmt.Errorf("recording finished with errors: %s", st.LastError)
	}
	return nil
}
