// Package offline composes the local store, action queue, sync engine and
// connectivity monitor into one explicitly constructed service.
package offline

import (
	"context"
	"encoding/json"
	gosync "sync"

	"github.com/sglegalhelp/offlinesync/internal/db"
	errs "github.com/sglegalhelp/offlinesync/internal/errors"
	"github.com/sglegalhelp/offlinesync/internal/logging"
	"github.com/sglegalhelp/offlinesync/internal/models"
	"github.com/sglegalhelp/offlinesync/internal/platform"
	syncpkg "github.com/sglegalhelp/offlinesync/internal/sync"
	"github.com/sglegalhelp/offlinesync/internal/sync/conflict"
	"github.com/sglegalhelp/offlinesync/internal/sync/push"
	"github.com/sglegalhelp/offlinesync/internal/sync/queue"
	"github.com/sglegalhelp/offlinesync/internal/sync/scheduler"
	"github.com/sglegalhelp/offlinesync/internal/sync/storage"
)

// Deps are the injected collaborators of a Service.
type Deps struct {
	Store    db.Store
	Remote   syncpkg.Remote
	Clock    platform.Clock
	Observer platform.LifecycleObserver
	Logger   *logging.Logger
	// Blobs holds queued upload content. Without it uploads carry their
	// content inline in the action payload.
	Blobs *storage.BlobStore
}

// Options tune the service. The zero value uses the package defaults.
type Options struct {
	Backoff   queue.Backoff
	Engine    syncpkg.Config
	Scheduler *scheduler.SchedulerConfig
	// Push enables the server push listener when non-nil.
	Push *push.Config
}

// starter is implemented by observers that poll in the background.
type starter interface {
	Start(ctx context.Context)
	Stop()
}

// Stats aggregates store, queue and engine state.
type Stats struct {
	Storage   *models.StorageStats      `json:"storage"`
	Queue     queue.Stats               `json:"queue"`
	Status    syncpkg.SyncStatus        `json:"status"`
	LastSync  *int64                    `json:"last_sync,omitempty"`
	LastError string                    `json:"last_error,omitempty"`
	Online    bool                      `json:"online"`
	Scheduler scheduler.SchedulerStatus `json:"scheduler"`
	Push      *bool                     `json:"push_connected,omitempty"`
}

// Service is the offline sync service. Construct it with New; it holds no
// package-level state.
type Service struct {
	store     db.Store
	queue     *queue.Queue
	engine    *syncpkg.Engine
	scheduler *scheduler.Scheduler
	resolver  *conflict.Resolver
	listener  *push.Listener
	blobs     *storage.BlobStore
	observer  platform.LifecycleObserver
	clock     platform.Clock
	log       *logging.Logger

	events *fanout

	mu      gosync.Mutex
	cancel  context.CancelFunc
	wg      gosync.WaitGroup
	started bool
	closed  bool
}

// New wires a Service from deps.
func New(deps Deps, opts Options) (*Service, error) {
	if deps.Store == nil {
		return nil, errs.New(errs.ErrInvalid, "offline service requires a store")
	}
	if deps.Remote == nil {
		return nil, errs.New(errs.ErrInvalid, "offline service requires a remote client")
	}
	if deps.Clock == nil {
		deps.Clock = platform.SystemClock{}
	}
	if deps.Observer == nil {
		deps.Observer = platform.NewManualObserver(true)
	}
	if deps.Logger == nil {
		deps.Logger = logging.Get()
	}
	if opts.Backoff == (queue.Backoff{}) {
		opts.Backoff = queue.DefaultBackoff()
	}

	q := queue.New(deps.Store, deps.Clock, opts.Backoff, deps.Logger)
	engineDeps := syncpkg.Deps{
		Store:    deps.Store,
		Queue:    q,
		Remote:   deps.Remote,
		Observer: deps.Observer,
		Clock:    deps.Clock,
		Logger:   deps.Logger,
	}
	if deps.Blobs != nil {
		engineDeps.Blobs = deps.Blobs
	}
	engine := syncpkg.New(engineDeps, opts.Engine)

	s := &Service{
		store:     deps.Store,
		queue:     q,
		engine:    engine,
		scheduler: scheduler.NewScheduler(engine, deps.Observer, deps.Clock, opts.Scheduler, deps.Logger),
		resolver:  conflict.NewResolver(deps.Store, q, deps.Logger),
		blobs:     deps.Blobs,
		observer:  deps.Observer,
		clock:     deps.Clock,
		log:       deps.Logger.With(logging.Fields{"component": "offline"}),
		events:    &fanout{handlers: make(map[int]syncpkg.SyncEventHandler)},
	}
	engine.SetEventHandler(s.events)

	if opts.Push != nil {
		l, err := push.NewListener(*opts.Push, s.onHint, deps.Logger)
		if err != nil {
			return nil, err
		}
		s.listener = l
	}
	return s, nil
}

// Start recovers actions interrupted by a crash, purges expired cache
// entries and starts the monitor and push listener.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errs.New(errs.ErrInvalid, "offline service is closed")
	}
	if s.started {
		return nil
	}

	if _, err := s.queue.Recover(ctx); err != nil {
		return err
	}
	if n, err := s.store.PurgeExpiredCache(ctx, s.clock.Now()); err != nil {
		s.log.Warn("Failed to purge expired cache", logging.Fields{"error": err.Error()})
	} else if n > 0 {
		s.log.Info("Purged expired cache entries", logging.Fields{"count": n})
	}
	if n, err := s.SweepBlobs(ctx); err != nil {
		s.log.Warn("Failed to sweep upload blobs", logging.Fields{"error": err.Error()})
	} else if n > 0 {
		s.log.Info("Removed orphaned upload blobs", logging.Fields{"count": n})
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel

	if p, ok := s.observer.(starter); ok {
		p.Start(runCtx)
	}
	s.scheduler.Start(runCtx)
	if s.listener != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.listener.Run(runCtx); err != nil {
				s.log.Error("Push listener stopped", err)
			}
		}()
	}

	s.started = true
	s.log.Info("Offline service started")
	return nil
}

// Close stops the monitor, the push listener and every retry timer. It is
// safe to call more than once.
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cancel := s.cancel
	started := s.started
	s.mu.Unlock()

	if started {
		s.scheduler.Stop()
		if p, ok := s.observer.(starter); ok {
			p.Stop()
		}
	}
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	s.engine.Destroy()
	s.log.Info("Offline service closed")
	return nil
}

func (s *Service) onHint(h push.Hint) {
	s.log.Debug("Push hint received", logging.Fields{"type": h.Type, "entity_type": h.EntityType})
	s.scheduler.Notify()
}

// Engine returns the sync engine.
func (s *Service) Engine() *syncpkg.Engine {
	return s.engine
}

// Subscribe registers h for sync events and returns a function that removes it.
func (s *Service) Subscribe(h syncpkg.SyncEventHandler) func() {
	return s.events.add(h)
}

// =====================================================
// Documents
// =====================================================

// SaveDocument stores a new document and queues its create action.
func (s *Service) SaveDocument(ctx context.Context, doc *models.Document) (string, error) {
	return s.store.SaveDocument(ctx, doc)
}

// UpdateDocument applies patch to a document and queues an update action.
func (s *Service) UpdateDocument(ctx context.Context, id string, patch models.DocumentPatch) (*models.Document, error) {
	return s.store.UpdateDocument(ctx, id, patch)
}

// GetDocument returns a document by ID.
func (s *Service) GetDocument(ctx context.Context, id string) (*models.Document, error) {
	return s.store.GetDocument(ctx, id)
}

// ListDocuments returns documents matching filter.
func (s *Service) ListDocuments(ctx context.Context, filter db.DocumentFilter) ([]*models.Document, error) {
	return s.store.GetDocuments(ctx, filter)
}

// DeleteDocument removes a document locally and queues its delete action.
func (s *Service) DeleteDocument(ctx context.Context, id string) error {
	return s.store.DeleteDocument(ctx, id)
}

// =====================================================
// Actions and sync
// =====================================================

// QueueAction appends a raw action, used for entities without a local table.
func (s *Service) QueueAction(ctx context.Context, a *models.PendingAction) (string, error) {
	if !a.Kind.Valid() {
		return "", errs.Newf(errs.ErrValidation, "unknown action kind %q", a.Kind)
	}
	if !a.EntityType.Valid() {
		return "", errs.Newf(errs.ErrValidation, "unknown entity type %q", a.EntityType)
	}
	return s.queue.Enqueue(ctx, a)
}

// UploadRequest describes a file to upload once the portal is reachable.
type UploadRequest struct {
	UserID      string            `json:"user_id"`
	EntityID    string            `json:"entity_id,omitempty"`
	Endpoint    string            `json:"endpoint,omitempty"`
	FieldName   string            `json:"field_name,omitempty"`
	FileName    string            `json:"filename"`
	ContentType string            `json:"content_type,omitempty"`
	Content     []byte            `json:"-"`
	Fields      map[string]string `json:"fields,omitempty"`
}

// uploadPayload mirrors the payload the engine's upload handler reads.
type uploadPayload struct {
	Endpoint    string            `json:"endpoint,omitempty"`
	FieldName   string            `json:"field_name,omitempty"`
	FileName    string            `json:"filename"`
	ContentType string            `json:"content_type,omitempty"`
	Content     []byte            `json:"content,omitempty"`
	ContentHash string            `json:"content_hash,omitempty"`
	Fields      map[string]string `json:"fields,omitempty"`
}

// QueueUpload queues a document upload. With a blob store the content is
// written there and the action references it by hash.
func (s *Service) QueueUpload(ctx context.Context, req UploadRequest) (string, error) {
	if req.FileName == "" {
		return "", errs.New(errs.ErrValidation, "upload requires a filename")
	}
	if len(req.Content) == 0 {
		return "", errs.New(errs.ErrValidation, "upload has no content")
	}
	p := uploadPayload{
		Endpoint:    req.Endpoint,
		FieldName:   req.FieldName,
		FileName:    req.FileName,
		ContentType: req.ContentType,
		Fields:      req.Fields,
	}
	if s.blobs != nil {
		hash, err := s.blobs.Put(req.Content)
		if err != nil {
			return "", err
		}
		p.ContentHash = hash
	} else {
		p.Content = req.Content
	}
	payload, err := json.Marshal(p)
	if err != nil {
		return "", errs.Wrap(errs.ErrInternal, "failed to encode upload payload", err)
	}
	id, err := s.queue.Enqueue(ctx, &models.PendingAction{
		Kind:       models.ActionDocumentUpload,
		EntityType: models.EntityDocument,
		EntityID:   req.EntityID,
		Payload:    payload,
		UserID:     req.UserID,
	})
	if err != nil {
		return "", err
	}
	s.log.Debug("Queued upload", logging.Fields{"action_id": id, "filename": req.FileName, "size": len(req.Content)})
	s.scheduler.Notify()
	return id, nil
}

// SweepBlobs removes stored upload content no queued action references.
func (s *Service) SweepBlobs(ctx context.Context) (int, error) {
	if s.blobs == nil {
		return 0, nil
	}
	actions, err := s.store.GetPendingActions(ctx, db.ActionFilter{Kind: models.ActionDocumentUpload})
	if err != nil {
		return 0, err
	}
	referenced := make(map[string]bool, len(actions))
	for _, a := range actions {
		var p uploadPayload
		if json.Unmarshal(a.Payload, &p) == nil && p.ContentHash != "" {
			referenced[p.ContentHash] = true
		}
	}
	return s.blobs.Sweep(func(hash string) bool { return referenced[hash] })
}

// ListActions returns queued actions with status, or all of them when empty.
func (s *Service) ListActions(ctx context.Context, status models.ActionStatus) ([]*models.PendingAction, error) {
	if status != "" && !status.Valid() {
		return nil, errs.Newf(errs.ErrValidation, "unknown action status %q", status)
	}
	return s.queue.List(ctx, status)
}

// SyncNow runs a pass immediately on the caller's goroutine.
func (s *Service) SyncNow(ctx context.Context) *syncpkg.SyncResult {
	return s.engine.TriggerSync(ctx)
}

// RetryFailed resets every failed action's retry count and runs a pass.
func (s *Service) RetryFailed(ctx context.Context) (int64, *syncpkg.SyncResult, error) {
	n, err := s.queue.RetryFailed(ctx)
	if err != nil {
		return 0, nil, err
	}
	s.log.Info("Reset failed actions", logging.Fields{"count": n})
	return n, s.engine.TriggerSync(ctx), nil
}

// =====================================================
// Conflicts
// =====================================================

// ListConflicts returns conflicts filtered by resolution state. A nil
// resolved returns all of them.
func (s *Service) ListConflicts(ctx context.Context, resolved *bool) ([]*models.SyncConflict, error) {
	return s.store.GetConflicts(ctx, db.ConflictFilter{Resolved: resolved})
}

// GetConflict returns a conflict by ID.
func (s *Service) GetConflict(ctx context.Context, id string) (*models.SyncConflict, error) {
	return s.store.GetConflict(ctx, id)
}

// ResolveConflict settles a conflict. Keeping the local version queues a
// new action, so the monitor is nudged to push it.
func (s *Service) ResolveConflict(ctx context.Context, id string, strategy models.Resolution) (*conflict.Result, error) {
	res, err := s.resolver.Resolve(ctx, id, strategy)
	if err != nil {
		return nil, err
	}
	if res.ActionID != "" {
		s.scheduler.Notify()
	}
	return res, nil
}

// =====================================================
// Status
// =====================================================

// Stats reports storage, queue and engine state.
func (s *Service) Stats(ctx context.Context) (*Stats, error) {
	storage, err := s.store.GetStorageStats(ctx)
	if err != nil {
		return nil, err
	}
	qs, err := s.queue.Stats(ctx)
	if err != nil {
		return nil, err
	}
	st := &Stats{
		Storage:   storage,
		Queue:     qs,
		Status:    s.engine.Status(),
		Online:    s.observer.Online(),
		Scheduler: s.scheduler.Status(),
	}
	if last := s.engine.LastSync(); last != nil {
		ms := last.UnixMilli()
		st.LastSync = &ms
	}
	if err := s.engine.LastError(); err != nil {
		st.LastError = err.Error()
	}
	if s.listener != nil {
		connected := s.listener.Connected()
		st.Push = &connected
	}
	return st, nil
}

// fanout delivers engine events to every subscriber.
type fanout struct {
	mu       gosync.Mutex
	next     int
	handlers map[int]syncpkg.SyncEventHandler
}

func (f *fanout) add(h syncpkg.SyncEventHandler) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.next
	f.next++
	f.handlers[id] = h
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.handlers, id)
	}
}

// OnSyncEvent implements syncpkg.SyncEventHandler.
func (f *fanout) OnSyncEvent(ev syncpkg.SyncEvent) {
	f.mu.Lock()
	hs := make([]syncpkg.SyncEventHandler, 0, len(f.handlers))
	for _, h := range f.handlers {
		hs = append(hs, h)
	}
	f.mu.Unlock()
	for _, h := range hs {
		h.OnSyncEvent(ev)
	}
}
