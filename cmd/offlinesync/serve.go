package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/sglegalhelp/offlinesync/internal/api"
	"github.com/sglegalhelp/offlinesync/internal/auth"
	errs "github.com/sglegalhelp/offlinesync/internal/errors"
	"github.com/sglegalhelp/offlinesync/internal/logging"
	"github.com/sglegalhelp/offlinesync/internal/ratelimit"
)

// limiterCleanupInterval is how often expired Postgres rate-limit windows are deleted.
const limiterCleanupInterval = 10 * time.Minute

func newServeCmd(a *app) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync service and the local control API",
		Long: `Run the background sync service: replay queued actions when online, on a
timer and on push hints, and serve the control API and event stream.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr != "" {
				a.cfg.API.Addr = addr
			}
			return a.serve(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Control API listen address (overrides api.addr)")
	return cmd
}

func (a *app) serve(ctx context.Context) error {
	cfg := a.cfg
	if cfg.API.JWTSecret == "" {
		return errs.New(errs.ErrValidation, "api.jwt_secret is required to serve the control API")
	}
	issuer, err := auth.NewIssuer(cfg.API.JWTSecret, cfg.API.TokenTTL)
	if err != nil {
		return err
	}

	rt, err := a.openRuntime(ctx, runtimeOptions{background: true})
	if err != nil {
		return err
	}
	defer rt.Close()

	limiter, stopLimiter, err := a.rateLimiter(ctx)
	if err != nil {
		return err
	}
	defer stopLimiter()

	srv, err := api.NewServer(api.Config{Addr: cfg.API.Addr}, rt.svc, issuer, limiter, a.log)
	if err != nil {
		return err
	}

	if err := rt.svc.Start(ctx); err != nil {
		return err
	}
	a.log.Info("Offline sync service started", logging.Fields{
		"data_dir": cfg.DataDir,
		"remote":   cfg.Remote.BaseURL,
		"interval": cfg.Sync.Interval.String(),
	})
	return srv.Run(ctx)
}

// rateLimiter builds the limiter for the control API. A Postgres DSN selects
// the shared limiter, whose expired windows are cleaned up in the background.
func (a *app) rateLimiter(ctx context.Context) (ratelimit.Limiter, func(), error) {
	rl := a.cfg.RateLimit
	if !rl.Enabled {
		return nil, func() {}, nil
	}
	lcfg := ratelimit.Config{Requests: rl.Requests, Window: rl.Window}
	if rl.PostgresDSN == "" {
		return ratelimit.NewMemoryLimiter(lcfg), func() {}, nil
	}

	pool, err := ratelimit.Connect(ctx, rl.PostgresDSN)
	if err != nil {
		return nil, nil, err
	}
	limiter := ratelimit.NewPostgresLimiter(pool, lcfg)
	if err := limiter.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}

	cleanupCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(limiterCleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-cleanupCtx.Done():
				return
			case <-ticker.C:
				n, err := limiter.Cleanup(cleanupCtx)
				if err != nil {
					a.log.Warn("Rate limit cleanup failed", logging.Fields{"error": err.Error()})
					continue
				}
				a.log.Debug("Rate limit windows removed", logging.Fields{"count": n})
			}
		}
	}()
	a.log.Info("Using shared Postgres rate limiter")
	return limiter, func() {
		cancel()
		<-done
		pool.Close()
	}, nil
}
