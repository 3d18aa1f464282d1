package main

import (
	"os"

	"github.com/spf13/cobra"

	errs "github.com/sglegalhelp/offlinesync/internal/errors"
	"github.com/sglegalhelp/offlinesync/internal/snapshot"
)

// passphraseEnv supplies the snapshot passphrase without putting it on the command line.
const passphraseEnv = "OFFLINESYNC_SNAPSHOT_PASSPHRASE"

func newSnapshotCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Export, import and upload archives of the local store",
	}
	cmd.AddCommand(newSnapshotExportCmd(a), newSnapshotImportCmd(a), newSnapshotUploadCmd(a), newSnapshotListCmd(a))
	return cmd
}

// passphrase returns the flag value, falling back to the configured one.
func (a *app) passphrase(flag string, plain bool) string {
	if plain {
		return ""
	}
	if flag != "" {
		return flag
	}
	return a.cfg.Snapshot.Passphrase
}

func newSnapshotExportCmd(a *app) *cobra.Command {
	var (
		dir        string
		userID     string
		passphrase string
		plain      bool
		upload     bool
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write an archive of the local store",
		Long: `Write a gzip'd archive of documents, queued actions and conflicts into the
snapshot directory. The archive is sealed when a passphrase is configured
(snapshot.passphrase or ` + passphraseEnv + `). Older archives beyond
snapshot.keep are removed afterwards.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if dir == "" {
				dir = a.cfg.Snapshot.Dir
			}
			return a.withRuntime(ctx, func(rt *runtime) error {
				svc := snapshot.NewService(rt.repo, nil, a.log)
				path, res, err := svc.ExportFile(ctx, dir, snapshot.ExportOptions{
					Passphrase: a.passphrase(passphrase, plain),
					UserID:     userID,
				})
				if err != nil {
					return err
				}
				out := map[string]any{"path": path, "result": res}

				if upload {
					key, err := a.upload(cmd, path)
					if err != nil {
						return err
					}
					out["uploaded"] = key
				}

				removed, err := snapshot.Prune(dir, a.cfg.Snapshot.Keep, a.log)
				if err != nil {
					a.log.Error("Failed to prune snapshots", err)
				}
				if len(removed) > 0 {
					out["pruned"] = removed
				}
				return printJSON(cmd.OutOrStdout(), out)
			})
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "Output directory (default: snapshot.dir)")
	cmd.Flags().StringVar(&userID, "user", "", "Only export this user's data")
	cmd.Flags().StringVar(&passphrase, "passphrase", "", "Seal the archive with this passphrase")
	cmd.Flags().BoolVar(&plain, "plain", false, "Do not seal even if a passphrase is configured")
	cmd.Flags().BoolVar(&upload, "upload", false, "Upload the archive to the configured bucket")
	return cmd
}

func newSnapshotImportCmd(a *app) *cobra.Command {
	var passphrase string
	cmd := &cobra.Command{
		Use:   "import <archive>",
		Short: "Restore documents missing from the local store",
		Long: `Verify an archive's checksum and insert the documents it holds that do not
exist locally. Existing documents are left untouched.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return a.withRuntime(ctx, func(rt *runtime) error {
				svc := snapshot.NewService(rt.repo, nil, a.log)
				res, err := svc.ImportFile(ctx, args[0], snapshot.ImportOptions{Passphrase: a.passphrase(passphrase, false)})
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}
	cmd.Flags().StringVar(&passphrase, "passphrase", "", "Passphrase of a sealed archive")
	return cmd
}

func newSnapshotUploadCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "upload <archive>",
		Short: "Upload an archive to the configured S3-compatible bucket",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := a.upload(cmd, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]string{"path": args[0], "key": key})
		},
	}
}

func newSnapshotListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List archives in the snapshot directory, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			archives, err := snapshot.ListArchives(a.cfg.Snapshot.Dir)
			if err != nil {
				return err
			}
			if archives == nil {
				archives = []*snapshot.ArchiveInfo{}
			}
			return printJSON(cmd.OutOrStdout(), archives)
		},
	}
}

func (a *app) upload(cmd *cobra.Command, path string) (string, error) {
	if !a.cfg.SnapshotUploadEnabled() {
		return "", errs.New(errs.ErrValidation, "snapshot.endpoint and snapshot.bucket are required to upload")
	}
	if _, err := os.Stat(path); err != nil {
		return "", errs.NotFound("snapshot", path)
	}
	s := a.cfg.Snapshot
	u, err := snapshot.NewUploader(snapshot.UploaderConfig{
		Endpoint:  s.Endpoint,
		AccessKey: s.AccessKey,
		SecretKey: s.SecretKey,
		Bucket:    s.Bucket,
		Region:    s.Region,
		UseSSL:    s.UseSSL,
		Prefix:    s.Prefix,
	})
	if err != nil {
		return "", err
	}
	ctx := cmd.Context()
	if err := u.EnsureBucket(ctx); err != nil {
		return "", err
	}
	return u.UploadFile(ctx, path)
}
