package main

import (
	"github.com/spf13/cobra"

	"github.com/sglegalhelp/offlinesync/internal/models"
)

func newConflictsCmd(a *app) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "List sync conflicts (unresolved unless --all)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return a.withRuntime(ctx, func(rt *runtime) error {
				var resolved *bool
				if !all {
					f := false
					resolved = &f
				}
				conflicts, err := rt.svc.ListConflicts(ctx, resolved)
				if err != nil {
					return err
				}
				if conflicts == nil {
					conflicts = []*models.SyncConflict{}
				}
				return printJSON(cmd.OutOrStdout(), conflicts)
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "Include resolved conflicts")
	cmd.AddCommand(newConflictsResolveCmd(a))
	return cmd
}

func newConflictsResolveCmd(a *app) *cobra.Command {
	var strategy string
	cmd := &cobra.Command{
		Use:   "resolve <id>",
		Short: "Resolve a conflict by keeping the local or the remote version",
		Long: `Resolve a conflict. keep_local queues the local version to be pushed again;
keep_remote overwrites the local copy with the server's version.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return a.withRuntime(ctx, func(rt *runtime) error {
				res, err := rt.svc.ResolveConflict(ctx, args[0], models.Resolution(strategy))
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}
	cmd.Flags().StringVar(&strategy, "strategy", "", "keep_local or keep_remote")
	_ = cmd.MarkFlagRequired("strategy")
	return cmd
}
