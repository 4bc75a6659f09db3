package main

import (
	"github.com/spf13/cobra"
)

func NewStatsCommand(root *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show per-table record, queue and media counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(cmd.Context(), root)
			if err != nil {
				return err
			}
			defer a.close()
			stats, err := a.admin.GetTableStats(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), stats)
		},
	}
}

func NewClearCommand(root *RootOptions) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Wipe every cached table",
		Long:  "Wipe every cached table. Refuses while unsynced changes or dead letters exist unless --force drops them.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(cmd.Context(), root)
			if err != nil {
				return err
			}
			defer a.close()
			res, err := a.admin.ClearAllCachedTables(cmd.Context(), force)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "drop unsynced changes and dead letters")
	return cmd
}

func NewReloadCommand(root *RootOptions) *cobra.Command {
	var discard bool
	cmd := &cobra.Command{
		Use:   "reload [table...]",
		Short: "Replace cached tables with the server's canonical snapshot",
		Long:  "Replace cached tables with the server's canonical snapshot. With no tables every known table is reloaded.",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(cmd.Context(), root)
			if err != nil {
				return err
			}
			defer a.close()
			res, err := a.admin.ForceReloadFromAPI(cmd.Context(), args, discard)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().BoolVar(&discard, "discard", false, "discard local changes that have not synced")
	return cmd
}
