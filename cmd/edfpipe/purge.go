package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newPurgeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Run one janitor sweep and exit",
		Long: `Fails overdue running jobs, deletes expired job records, abandoned
chunk directories and part files, idle sessions and old telemetry.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			db, err := a.openDB()
			if err != nil {
				return err
			}
			defer db.Close()
			_, purger, closeTracker, err := a.tracker(db)
			if err != nil {
				return err
			}
			defer closeTracker()
			chunks, _, err := a.chunkStore()
			if err != nil {
				return err
			}

			rep, err := a.janitor(db, a.queue(db), chunks, purger).Sweep(ctx)
			fmt.Fprintf(cmd.OutOrStdout(),
				"overdue jobs failed: %d\njob records purged: %d\norphan uploads: %d\npart files: %d\nsessions: %d\nprogress records: %d\n",
				len(rep.Overdue), rep.Purged, len(rep.Orphans), rep.PartFiles, rep.Sessions, rep.Progress)
			return err
		},
	}
}
