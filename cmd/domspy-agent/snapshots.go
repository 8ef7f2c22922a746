package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var snapshotsCmd = &cobra.Command{
	Use:   "snapshots",
	Short: "Inspect stored snapshots",
}

var snapshotsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored snapshots, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		db, err := openDatabase()
		if err != nil {
			return err
		}
		defer db.Close()

		infos, err := db.ListSnapshots(cmd.Context(), limit)
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "TRACE ID\tRECORDED\tURL\tEVENTS\tNETWORK\tMUTATIONS")
		for _, s := range infos {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\n", s.TraceID,
				time.UnixMilli(s.TS).Format(time.RFC3339), s.URL, s.Events, s.Network, s.Mutations)
		}
		return tw.Flush()
	},
}

var snapshotsShowCmd = &cobra.Command{
	Use:   "show <trace-id>",
	Short: "Print a stored snapshot as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDatabase()
		if err != nil {
			return err
		}
		defer db.Close()

		export, err := db.LoadSnapshot(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("failed to load snapshot %s: %w", args[0], err)
		}
		return printJSON(cmd, export)
	},
}

func init() {
	snapshotsListCmd.Flags().Int("limit", 20, "maximum snapshots to list (0 for all)")
	snapshotsCmd.AddCommand(snapshotsListCmd, snapshotsShowCmd)
}
