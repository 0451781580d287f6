package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hazyhaar/edfpipe/shield"
)

func newMaintenanceCmd(a *app) *cobra.Command {
	var message string
	cmd := &cobra.Command{
		Use:       "maintenance on|off",
		Short:     "Turn maintenance mode on or off for every serve process",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"on", "off"},
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := a.openDB()
			if err != nil {
				return err
			}
			defer db.Close()
			active := args[0] == "on"
			if err := shield.SetMaintenance(context.Background(), db, active, message); err != nil {
				return fmt.Errorf("set maintenance: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "maintenance %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVarP(&message, "message", "m", "", "message shown to clients")
	return cmd
}
