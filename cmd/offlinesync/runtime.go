package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"path/filepath"

	"github.com/sglegalhelp/offlinesync/internal/auth"
	"github.com/sglegalhelp/offlinesync/internal/db"
	"github.com/sglegalhelp/offlinesync/internal/logging"
	"github.com/sglegalhelp/offlinesync/internal/offline"
	"github.com/sglegalhelp/offlinesync/internal/platform"
	syncpkg "github.com/sglegalhelp/offlinesync/internal/sync"
	"github.com/sglegalhelp/offlinesync/internal/sync/push"
	"github.com/sglegalhelp/offlinesync/internal/sync/queue"
	"github.com/sglegalhelp/offlinesync/internal/sync/remote"
	"github.com/sglegalhelp/offlinesync/internal/sync/scheduler"
	"github.com/sglegalhelp/offlinesync/internal/sync/storage"
)

// runtime is an opened store and the service built on it.
type runtime struct {
	db       *db.DB
	repo     *db.Repository
	svc      *offline.Service
	observer platform.LifecycleObserver
	probe    *platform.ProbeObserver
	tokens   *auth.FileToken
}

// runtimeOptions select the parts only the long-running server needs.
type runtimeOptions struct {
	background bool
	httpClient *http.Client
}

func (a *app) openRuntime(ctx context.Context, opts runtimeOptions) (*runtime, error) {
	cfg := a.cfg
	store, err := db.Open(ctx, cfg.DataDir)
	if err != nil {
		return nil, err
	}
	rt := &runtime{
		db:   store,
		repo: db.NewRepository(store.DB, db.WithMaxRetries(cfg.Sync.MaxRetries)),
	}

	tokens, err := a.tokenSource()
	if err != nil {
		rt.Close()
		return nil, err
	}
	if ft, ok := tokens.(*auth.FileToken); ok {
		rt.tokens = ft
		if opts.background {
			if err := ft.Start(); err != nil {
				rt.Close()
				return nil, err
			}
		}
	}

	client, err := remote.NewClient(remote.Config{
		BaseURL:   cfg.Remote.BaseURL,
		Timeout:   cfg.Remote.Timeout,
		Tokens:    tokens,
		UserAgent: "offlinesync/" + Version,
	}, opts.httpClient)
	if err != nil {
		rt.Close()
		return nil, err
	}

	if cfg.Network.ProbeURL != "" {
		rt.probe = platform.NewProbeObserver(cfg.Network.ProbeURL, cfg.Network.ProbeInterval, opts.httpClient, nil)
		rt.observer = rt.probe
	} else {
		rt.observer = platform.NewManualObserver(true)
	}

	svcOpts := offline.Options{
		Backoff: queue.Backoff{Base: cfg.Sync.BackoffBase, Max: cfg.Sync.BackoffMax},
		Engine: syncpkg.Config{
			UseLease: cfg.Sync.UseLease,
			LeaseTTL: cfg.Sync.LeaseTTL,
		},
		Scheduler: &scheduler.SchedulerConfig{
			SyncInterval: cfg.Sync.Interval,
			SyncOnStart:  cfg.Sync.OnStart,
		},
	}
	if opts.background && cfg.Push.URL != "" {
		svcOpts.Push = &push.Config{URL: cfg.Push.URL, Tokens: tokens}
	}

	rt.svc, err = offline.New(offline.Deps{
		Store:    rt.repo,
		Remote:   client,
		Observer: rt.observer,
		Logger:   a.log,
		Blobs:    storage.NewBlobStore(filepath.Join(cfg.DataDir, "blobs")),
	}, svcOpts)
	if err != nil {
		rt.Close()
		return nil, err
	}
	return rt, nil
}

// tokenSource picks the bearer token for portal requests: a watched token
// file, a static token, or one issued locally for the configured user.
func (a *app) tokenSource() (remote.TokenSource, error) {
	cfg := a.cfg
	switch {
	case cfg.Remote.TokenFile != "":
		return auth.NewFileToken(cfg.Remote.TokenFile, a.log)
	case cfg.Remote.Token != "":
		return auth.StaticToken(cfg.Remote.Token), nil
	case cfg.API.JWTSecret != "" && cfg.UserID != "":
		issuer, err := auth.NewIssuer(cfg.API.JWTSecret, cfg.API.TokenTTL)
		if err != nil {
			return nil, err
		}
		return issuer.TokenSource(cfg.UserID), nil
	}
	a.log.Warn("No portal token configured; requests are sent without authorization")
	return nil, nil
}

// refreshConnectivity probes once so one-shot commands see the current state.
func (rt *runtime) refreshConnectivity(ctx context.Context) {
	if rt.probe != nil {
		rt.probe.Probe(ctx)
	}
}

// Close releases the service, token watcher and database.
func (rt *runtime) Close() error {
	if rt.svc != nil {
		rt.svc.Close()
	}
	if rt.tokens != nil {
		rt.tokens.Stop()
	}
	if rt.repo != nil {
		rt.repo.Close()
	}
	return rt.db.Close()
}

// withRuntime opens a one-shot runtime, runs fn and closes it.
func (a *app) withRuntime(ctx context.Context, fn func(rt *runtime) error) error {
	rt, err := a.openRuntime(ctx, runtimeOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.Close(); err != nil {
			a.log.Warn("Failed to close store", logging.Fields{"error": err.Error()})
		}
	}()
	return fn(rt)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
