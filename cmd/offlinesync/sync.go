package main

import (
	"github.com/spf13/cobra"

	"github.com/sglegalhelp/offlinesync/internal/models"
)

func newSyncCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one sync pass and print its result",
		Long: `Replay due actions against the portal once. A pass already running in
another process (holding the sync lease) makes this a no-op that reports
the skip reason.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return a.withRuntime(ctx, func(rt *runtime) error {
				rt.refreshConnectivity(ctx)
				return printJSON(cmd.OutOrStdout(), rt.svc.SyncNow(ctx))
			})
		},
	}
}

func newStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show storage, queue and sync state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return a.withRuntime(ctx, func(rt *runtime) error {
				rt.refreshConnectivity(ctx)
				stats, err := rt.svc.Stats(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), stats)
			})
		},
	}
}

func newActionsCmd(a *app) *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "actions",
		Short: "List queued actions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return a.withRuntime(ctx, func(rt *runtime) error {
				actions, err := rt.svc.ListActions(ctx, models.ActionStatus(status))
				if err != nil {
					return err
				}
				if actions == nil {
					actions = []*models.PendingAction{}
				}
				return printJSON(cmd.OutOrStdout(), actions)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "Filter by status: pending, processing, failed")
	return cmd
}

func newRetryFailedCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "retry-failed",
		Short: "Reset failed actions and run a sync pass",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return a.withRuntime(ctx, func(rt *runtime) error {
				rt.refreshConnectivity(ctx)
				n, result, err := rt.svc.RetryFailed(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]any{"reset": n, "result": result})
			})
		},
	}
}
