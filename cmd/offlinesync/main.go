// Command offlinesync runs the offline action queue and sync service of the
// legal help portal, and inspects or repairs its local store.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sglegalhelp/offlinesync/internal/config"
	"github.com/sglegalhelp/offlinesync/internal/logging"
)

// Version is set at build time.
var Version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand(&app{}).ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "offlinesync: %v\n", err)
		os.Exit(1)
	}
}

// app carries global flags and what PersistentPreRunE builds from them.
type app struct {
	configFile string
	envFile    string
	dataDir    string
	logLevel   string

	cfg       *config.Config
	log       *logging.Logger
	logCloser io.Closer
}

func newRootCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "offlinesync",
		Short: "Offline action queue and sync service",
		Long: `offlinesync keeps documents and user actions in a local SQLite store while the
device is offline and replays them against the portal API when connectivity returns.

Configuration is read from .env, an optional offlinesync.yaml and OFFLINESYNC_*
environment variables. Flags override all of them.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if a.logCloser != nil {
				return a.logCloser.Close()
			}
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&a.configFile, "config", "", "Config file (default: ./offlinesync.yaml)")
	cmd.PersistentFlags().StringVar(&a.envFile, "env-file", "", "Dotenv file (default: .env)")
	cmd.PersistentFlags().StringVar(&a.dataDir, "data-dir", "", "Directory holding the local database")
	cmd.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "Log level: debug, info, warn, error")

	cmd.AddCommand(
		newServeCmd(a),
		newSyncCmd(a),
		newStatusCmd(a),
		newActionsCmd(a),
		newRetryFailedCmd(a),
		newUploadCmd(a),
		newConflictsCmd(a),
		newDocumentsCmd(a),
		newSnapshotCmd(a),
		newTokenCmd(a),
	)
	return cmd
}

// setup loads configuration and the logger. Without a log file, logs go to
// stderr so command output on stdout stays machine readable.
func (a *app) setup(cmd *cobra.Command) error {
	overrides := map[string]any{}
	if a.dataDir != "" {
		overrides["data_dir"] = a.dataDir
	}
	if a.logLevel != "" {
		overrides["log.level"] = a.logLevel
	}
	cfg, err := config.Load(config.Options{ConfigFile: a.configFile, EnvFile: a.envFile, Overrides: overrides})
	if err != nil {
		return err
	}
	a.cfg = cfg

	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	out := cmd.ErrOrStderr()
	if cfg.Log.File != "" {
		w, closer := logging.Output(logging.FileOptions{
			Path:       cfg.Log.File,
			MaxSizeMB:  cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAgeDays: cfg.Log.MaxAgeDays,
			Compress:   cfg.Log.Compress,
		})
		out, a.logCloser = w, closer
	}
	a.log = logging.New(out, level)
	logging.SetGlobal(a.log)
	return nil
}
