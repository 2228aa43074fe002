package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete every job of the configured region",
	Long: `Delete every job of the configured region.

Jobs are removed physically when record_expiry is zero and marked
Deleted (Description "Purged") otherwise.`,
	RunE: runPurge,
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Remove soft-deleted jobs whose expiry has passed",
	RunE:  runSweep,
}

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Check that MongoDB is reachable",
	RunE:  runPing,
}

func init() {
	purgeCmd.Flags().Bool("yes", false, "confirm the purge")
}

func runPurge(cmd *cobra.Command, _ []string) error {
	if yes, _ := cmd.Flags().GetBool("yes"); !yes {
		return errors.New("purge deletes every job of the region; rerun with --yes to confirm")
	}
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	_, store, cleanup, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	n, err := store.DeleteAll(cmd.Context())
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%d jobs deleted\n", n)
	return nil
}

func runSweep(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	_, store, cleanup, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	n, err := store.DeleteExpired(cmd.Context())
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%d expired jobs removed\n", n)
	return nil
}

func runPing(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	conn, _, cleanup, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	status := conn.Health(cmd.Context())
	_, _ = fmt.Fprintln(cmd.OutOrStdout(), status.Message)
	if !status.Healthy {
		return errors.New("MongoDB is unreachable")
	}
	return nil
}
