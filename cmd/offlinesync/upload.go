package main

import (
	"mime"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	errs "github.com/sglegalhelp/offlinesync/internal/errors"
	"github.com/sglegalhelp/offlinesync/internal/offline"
)

func newUploadCmd(a *app) *cobra.Command {
	var (
		userID    string
		entityID  string
		endpoint  string
		fieldName string
		fields    map[string]string
	)
	cmd := &cobra.Command{
		Use:   "upload <file>",
		Short: "Queue a file for upload to the portal",
		Long: `Store the file in the local blob store and queue a document upload. The
file is sent on the next sync pass the portal is reachable for.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			content, err := os.ReadFile(args[0])
			if err != nil {
				if os.IsNotExist(err) {
					return errs.NotFound("file", args[0])
				}
				return errs.Wrap(errs.ErrInvalid, "failed to read "+args[0], err)
			}
			if userID == "" {
				userID = a.cfg.UserID
			}
			name := filepath.Base(args[0])
			return a.withRuntime(ctx, func(rt *runtime) error {
				id, err := rt.svc.QueueUpload(ctx, offline.UploadRequest{
					UserID:      userID,
					EntityID:    entityID,
					Endpoint:    endpoint,
					FieldName:   fieldName,
					FileName:    name,
					ContentType: mime.TypeByExtension(filepath.Ext(name)),
					Content:     content,
					Fields:      fields,
				})
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]any{
					"action_id": id,
					"filename":  name,
					"size":      len(content),
				})
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "Owner of the upload (default: user_id)")
	cmd.Flags().StringVar(&entityID, "entity", "", "Local document the file belongs to")
	cmd.Flags().StringVar(&endpoint, "endpoint", "", "Portal upload path (default: /api/documents/upload)")
	cmd.Flags().StringVar(&fieldName, "field", "", "Multipart field name for the file (default: file)")
	cmd.Flags().StringToStringVar(&fields, "form", nil, "Extra form values, key=value")
	return cmd
}
