// Package api serves the local control API: documents, queued actions,
// sync passes, conflicts and a websocket stream of sync events.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/sglegalhelp/offlinesync/internal/auth"
	errs "github.com/sglegalhelp/offlinesync/internal/errors"
	"github.com/sglegalhelp/offlinesync/internal/logging"
	"github.com/sglegalhelp/offlinesync/internal/ratelimit"
)

// Config holds listener settings.
type Config struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	// CheckOrigin filters websocket origins. Nil accepts same-host origins only.
	CheckOrigin func(r *http.Request) bool
}

// DefaultConfig listens on localhost:8090.
func DefaultConfig() Config {
	return Config{
		Addr:            "127.0.0.1:8090",
		ReadTimeout:     15 * time.Second,
		WriteTimeout:    2 * time.Minute,
		ShutdownTimeout: 10 * time.Second,
	}
}

// Server is the control API HTTP server.
type Server struct {
	config  Config
	handler http.Handler
	hub     *Hub
	svc     Service
	log     *logging.Logger
}

// NewServer builds the router. A nil limiter disables rate limiting.
func NewServer(cfg Config, svc Service, issuer *auth.Issuer, limiter ratelimit.Limiter, logger *logging.Logger) (*Server, error) {
	if svc == nil || issuer == nil {
		return nil, errs.New(errs.ErrInvalid, "api server requires a service and a token issuer")
	}
	if logger == nil {
		logger = logging.Get()
	}
	d := DefaultConfig()
	if cfg.Addr == "" {
		cfg.Addr = d.Addr
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = d.ReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = d.WriteTimeout
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = d.ShutdownTimeout
	}

	log := logger.With(logging.Fields{"component": "api"})
	s := &Server{
		config: cfg,
		hub:    NewHub(cfg.CheckOrigin, logger),
		svc:    svc,
		log:    log,
	}
	h := &handlers{svc: svc}

	r := mux.NewRouter()
	r.Use(Logger(log))

	api := r.PathPrefix("/api").Subrouter()
	public := api.PathPrefix("").Subrouter()
	if limiter != nil {
		public.Use(RateLimit(limiter, log))
	}
	public.HandleFunc("/health", h.health).Methods(http.MethodGet)

	protected := api.PathPrefix("").Subrouter()
	protected.Use(Auth(issuer))
	if limiter != nil {
		protected.Use(RateLimit(limiter, log))
	}
	protected.HandleFunc("/stats", h.stats).Methods(http.MethodGet)
	protected.HandleFunc("/documents", h.listDocuments).Methods(http.MethodGet)
	protected.HandleFunc("/documents", h.createDocument).Methods(http.MethodPost)
	protected.HandleFunc("/documents/{id}", h.getDocument).Methods(http.MethodGet)
	protected.HandleFunc("/documents/{id}", h.updateDocument).Methods(http.MethodPut)
	protected.HandleFunc("/documents/{id}", h.deleteDocument).Methods(http.MethodDelete)
	protected.HandleFunc("/uploads", h.queueUpload).Methods(http.MethodPost)
	protected.HandleFunc("/actions", h.listActions).Methods(http.MethodGet)
	protected.HandleFunc("/actions/retry-failed", h.retryFailed).Methods(http.MethodPost)
	protected.HandleFunc("/sync", h.syncNow).Methods(http.MethodPost)
	protected.HandleFunc("/conflicts", h.listConflicts).Methods(http.MethodGet)
	protected.HandleFunc("/conflicts/{id}/resolve", h.resolveConflict).Methods(http.MethodPost)
	protected.Handle("/events", s.hub).Methods(http.MethodGet)

	s.handler = r
	return s, nil
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Hub returns the event stream hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return errs.Wrap(errs.ErrInvalid, "listen on "+s.config.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	unsubscribe := s.svc.Subscribe(s.hub)
	defer unsubscribe()

	srv := &http.Server{
		Handler:      s.handler,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("Control API listening", logging.Fields{"addr": ln.Addr().String()})
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.hub.Close()
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.log.Info("Control API stopped")
	return nil
}
