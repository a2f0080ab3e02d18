package cmd

import (
	"context"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/tapeless/nexus/internal/shm"
	"github.com/tapeless/nexus/internal/timecode"
	"github.com/tapeless/nexus/pkg/types"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print producer health and the newest frame of every channel",
	Long: `Attach read-only, print the producer's health and each channel's newest
frame, then exit with 0 for OK, 1 for STALLED and 2 for DEAD.

With --watch the report is repeated every liveness.poll_interval until
interrupted; the exit code reflects the last report.`,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().Bool("watch", false, "repeat until interrupted")
	statusCmd.Flags().Bool("wait", false, "wait up to shm.attach_timeout for a producer to appear")
}

func exitCodeFor(state types.HealthState) int {
	switch state {
	case types.HealthOK:
		return 0
	case types.HealthStalled:
		return 1
	default:
		return 2
	}
}

func runStatus(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	watch, _ := cmd.Flags().GetBool("watch")
	var attachTimeout time.Duration
	if wait, _ := cmd.Flags().GetBool("wait"); wait {
		attachTimeout = cfg.SHM.AttachTimeout
	}

	ctx, stop := signalContext()
	defer stop()

	conn := shm.NewConnection(cfg.Namespace(), shm.ConnectionOptions{
		ReadOnly:       true,
		AttachTimeout:  attachTimeout,
		StaleThreshold: cfg.Liveness.StaleThreshold,
	})
	defer conn.Close()

	var state types.HealthState
	for {
		state = printStatus(ctx, cmd.OutOrStdout(), conn)
		if !watch {
			break
		}
		select {
		case <-ctx.Done():
		case <-time.After(cfg.Liveness.PollInterval):
			fmt.Fprintln(cmd.OutOrStdout())
			continue
		}
		break
	}

	if code := exitCodeFor(state); code != 0 {
		return &ExitError{Code: code, Msg: "producer " + state.String()}
	}
	return nil
}

// printStatus writes one report and returns the health it saw.
func printStatus(ctx context.Context, out io.Writer, conn *shm.Connection) types.HealthState {
	var state types.HealthState
	_ = conn.Do(ctx, func(ctl *shm.Control, h shm.Health) error {
		state = h.State
		fmt.Fprintf(out, "health:     %s\n", h)
		if ctl == nil {
			return nil
		}

		fmt.Fprintf(out, "namespace:  %s\n", ctl.Namespace())
		owner := fmt.Sprintf("pid %d", ctl.OwnerPID())
		if info, err := ctl.DescribeOwner(ctx); err == nil && info.Name != "" {
			owner = fmt.Sprintf("%s (pid %d, started %s)", info.Name, info.PID, humanize.Time(info.StartedAt))
		}
		fmt.Fprintf(out, "producer:   %s, heartbeat %s ago\n", owner, h.HeartbeatAge.Round(time.Millisecond))

		g := ctl.Geometry()
		fmt.Fprintf(out, "format:     %dx%d %s, %d audio tracks, %s fps, default timecode %s\n",
			g.Format.Width, g.Format.Height, g.Format.Pixel, g.Format.AudioTracks, ctl.Rate(), ctl.DefaultTimecodeType())
		fmt.Fprintf(out, "rings:      %d x %d slots of %s (%s total)\n",
			ctl.Channels(), g.RingLength, humanize.IBytes(uint64(g.ElementSize)),
			humanize.IBytes(uint64(g.RingSize())*uint64(ctl.Channels())))
		if master := ctl.MasterChannel(); master >= 0 {
			fmt.Fprintf(out, "master:     channel %d\n", master)
		}

		for ch := 0; ch < ctl.Channels(); ch++ {
			name, _, _ := ctl.SourceName(ch)
			last, err := ctl.LastFrame(ch)
			if err != nil {
				continue
			}
			line := fmt.Sprintf("channel %d:  %-20q last frame %s", ch, name, humanize.Comma(last))
			if last >= 0 {
				if md, err := ctl.Metadata(ch, last); err == nil {
					signal := "signal"
					if !md.SignalOK {
						signal = "NO SIGNAL"
					}
					if tc, err := timecode.New(md.SyncTimecode, ctl.Rate(), ctl.DropFrame()); err == nil {
						line += "  " + tc.String()
					}
					line += "  " + signal
				}
			}
			fmt.Fprintln(out, line)
		}

		recorders := ctl.ActiveRecorders()
		slots := make([]int, 0, len(recorders))
		for slot := range recorders {
			slots = append(slots, slot)
		}
		sort.Ints(slots)
		for _, slot := range slots {
			rs := recorders[slot]
			fmt.Fprintf(out, "recorder %d: %s recording=%t written=%s dropped=%s backlog=%d\n",
				slot, rs.Name, rs.Recording, humanize.Comma(rs.FramesWritten), humanize.Comma(rs.FramesDropped), rs.Backlog)
		}
		return nil
	})
	return state
}
