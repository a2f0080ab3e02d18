package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tapeless/nexus/internal/capture"
	"github.com/tapeless/nexus/internal/logger"
	"github.com/tapeless/nexus/internal/shm"
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove the shared memory segments of a namespace",
	Long: `Remove the control segment and every channel segment of the namespace.
Missing segments are not an error, so cleanup can be run repeatedly.

Segments whose producer is still alive are left alone unless --force is
given; readers attached to removed segments keep their mappings.`,
	RunE: runCleanup,
}

func init() {
	rootCmd.AddCommand(cleanupCmd)
	cleanupCmd.Flags().Bool("force", false, "remove segments even if their producer is alive")
}

func runCleanup(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	force, _ := cmd.Flags().GetBool("force")
	ns := cfg.Namespace()

	if !force && shm.Exists(ns) {
		if err := capture.CheckAbandoned(ns, cfg.Liveness.StaleThreshold, nil); err != nil {
			if errors.Is(err, capture.ErrProducerRunning) {
				return fmt.Errorf("%w, use --force to remove anyway", err)
			}
			return err
		}
	}

	if err := shm.Destroy(ns); err != nil {
		return err
	}
	logger.Info("Main", "Removed segments of %s", ns)
	return nil
}
