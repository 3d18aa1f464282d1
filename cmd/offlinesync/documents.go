package main

import (
	"github.com/spf13/cobra"

	"github.com/sglegalhelp/offlinesync/internal/db"
	"github.com/sglegalhelp/offlinesync/internal/models"
)

func newDocumentsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "documents",
		Aliases: []string{"docs"},
		Short:   "Inspect and delete locally stored documents",
	}
	cmd.AddCommand(newDocumentsListCmd(a), newDocumentsGetCmd(a), newDocumentsDeleteCmd(a))
	return cmd
}

func newDocumentsListCmd(a *app) *cobra.Command {
	var filter db.DocumentFilter
	var syncStatus string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List documents, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			filter.SyncStatus = models.SyncStatus(syncStatus)
			return a.withRuntime(ctx, func(rt *runtime) error {
				docs, err := rt.svc.ListDocuments(ctx, filter)
				if err != nil {
					return err
				}
				if docs == nil {
					docs = []*models.Document{}
				}
				return printJSON(cmd.OutOrStdout(), docs)
			})
		},
	}
	cmd.Flags().StringVar(&filter.UserID, "user", "", "Only documents of this user")
	cmd.Flags().StringVar(&filter.Type, "type", "", "Only documents of this type")
	cmd.Flags().StringVar(&filter.Category, "category", "", "Only documents in this category")
	cmd.Flags().StringVar(&syncStatus, "sync-status", "", "Only documents with this sync status")
	cmd.Flags().IntVar(&filter.Limit, "limit", 0, "Maximum number of documents")
	return cmd
}

func newDocumentsGetCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Print one document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return a.withRuntime(ctx, func(rt *runtime) error {
				doc, err := rt.svc.GetDocument(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), doc)
			})
		},
	}
}

func newDocumentsDeleteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a document locally and queue its deletion on the server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return a.withRuntime(ctx, func(rt *runtime) error {
				if err := rt.svc.DeleteDocument(ctx, args[0]); err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]string{"deleted": args[0]})
			})
		},
	}
}
