package main

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"jobstore/models"
)

var watchCmd = &cobra.Command{
	Use:   "watch [id]",
	Short: "Print progress updates as JSON lines",
	Long: `Print progress updates as JSON lines.

With an id, only that job is watched. Without one, every job updated
today is watched. The command ends when the change stream closes unless
--follow is given, in which case it reconnects until interrupted.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().Bool("follow", false, "use the continuous feed, reconnecting after failures")
}

func runWatch(cmd *cobra.Command, args []string) error {
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

	var id string
	if len(args) == 1 {
		id = args[0]
	}
	follow, _ := cmd.Flags().GetBool("follow")
	ctx := cmd.Context()
	enc := json.NewEncoder(cmd.OutOrStdout())

	if !follow {
		updates, err := store.Monitor(ctx, id)
		if err != nil {
			return err
		}
		for item := range updates {
			if err := enc.Encode(item); err != nil {
				return err
			}
		}
		return nil
	}

	sub, err := store.Subscribe("")
	if err != nil {
		return err
	}
	defer store.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return nil
		case item, ok := <-sub.C():
			if !ok {
				return nil
			}
			if !wanted(item, id) {
				continue
			}
			if err := enc.Encode(item); err != nil {
				return err
			}
		}
	}
}

func wanted(item *models.WorkItem, id string) bool {
	return id == "" || item.Id == id
}
