// Package sync replays queued local mutations against the remote API.
package sync

import (
	"context"
	"errors"
	gosync "sync"
	"sync/atomic"
	"time"

	"github.com/sglegalhelp/offlinesync/internal/db"
	errs "github.com/sglegalhelp/offlinesync/internal/errors"
	"github.com/sglegalhelp/offlinesync/internal/logging"
	"github.com/sglegalhelp/offlinesync/internal/models"
	"github.com/sglegalhelp/offlinesync/internal/platform"
	"github.com/sglegalhelp/offlinesync/internal/sync/queue"
	"github.com/sglegalhelp/offlinesync/internal/sync/remote"
	"github.com/sglegalhelp/offlinesync/internal/uuid"
)

// SyncStatus represents the current sync status.
type SyncStatus string

const (
	SyncStatusIdle    SyncStatus = "idle"
	SyncStatusSyncing SyncStatus = "syncing"
	SyncStatusFailed  SyncStatus = "failed"
)

// Reasons a pass was skipped.
const (
	SkipInProgress = "in_progress"
	SkipOffline    = "offline"
	SkipDestroyed  = "destroyed"
	SkipLeaseHeld  = "lease_held"
)

const (
	DefaultLeaseName = "sync"
	DefaultLeaseTTL  = 2 * time.Minute
)

// SyncResult summarizes one sync pass.
type SyncResult struct {
	StartTime time.Time     `json:"start_time"`
	EndTime   time.Time     `json:"end_time"`
	Duration  time.Duration `json:"duration"`
	// Total is the number of ready actions at the start of the pass.
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	// Failed counts failed attempts, including conflicts.
	Failed int `json:"failed"`
	// Pending is the number of actions still pending after the pass.
	Pending    int    `json:"pending"`
	Conflicts  int    `json:"conflicts"`
	Requeued   int    `json:"requeued"`
	Skipped    bool   `json:"skipped,omitempty"`
	SkipReason string `json:"skip_reason,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Remote is the subset of the remote API client used by the engine.
type Remote interface {
	PostJSON(ctx context.Context, path string, v interface{}) (*remote.Response, error)
	PutJSON(ctx context.Context, path string, v interface{}) (*remote.Response, error)
	Delete(ctx context.Context, path string) (*remote.Response, error)
	PostMultipart(ctx context.Context, path string, u remote.Upload) (*remote.Response, error)
}

var _ Remote = (*remote.Client)(nil)

// Config holds engine options.
type Config struct {
	// UseLease coordinates passes across processes sharing the database.
	UseLease  bool
	LeaseName string
	LeaseTTL  time.Duration
	// InstanceID identifies this process as lease holder. Generated when empty.
	InstanceID string
}

// Deps are the collaborators of an Engine.
type Deps struct {
	Store    db.SyncStore
	Queue    *queue.Queue
	Remote   Remote
	Observer platform.LifecycleObserver
	Clock    platform.Clock
	Logger   *logging.Logger
	// Blobs resolves upload content stored by hash. Optional.
	Blobs BlobReader
}

// BlobReader returns stored upload content by hash.
type BlobReader interface {
	Get(hash string) ([]byte, error)
}

type retryTimer struct {
	timer platform.Timer
	seq   uint64
}

// Engine drains the action queue. At most one pass runs at a time; triggers
// that arrive during a pass are dropped.
type Engine struct {
	store    db.SyncStore
	queue    *queue.Queue
	remote   Remote
	blobs    BlobReader
	observer platform.LifecycleObserver
	clock    platform.Clock
	log      *logging.Logger
	config   Config

	inProgress atomic.Bool
	destroyed  atomic.Bool

	mu       gosync.Mutex
	status   SyncStatus
	lastSync *time.Time
	pending  int
	lastErr  error
	handler  SyncEventHandler
	timers   map[string]retryTimer
	timerSeq uint64
}

// New creates an Engine.
func New(deps Deps, cfg Config) *Engine {
	if deps.Clock == nil {
		deps.Clock = platform.SystemClock{}
	}
	if deps.Logger == nil {
		deps.Logger = logging.Get()
	}
	if deps.Observer == nil {
		deps.Observer = platform.NewManualObserver(true)
	}
	if deps.Queue == nil {
		deps.Queue = queue.New(deps.Store, deps.Clock, queue.DefaultBackoff(), deps.Logger)
	}
	if cfg.LeaseName == "" {
		cfg.LeaseName = DefaultLeaseName
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = DefaultLeaseTTL
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.New()
	}
	return &Engine{
		store:    deps.Store,
		queue:    deps.Queue,
		remote:   deps.Remote,
		blobs:    deps.Blobs,
		observer: deps.Observer,
		clock:    deps.Clock,
		log:      deps.Logger.With(logging.Fields{"component": "sync"}),
		config:   cfg,
		status:   SyncStatusIdle,
		timers:   make(map[string]retryTimer),
	}
}

// Status returns the current sync status.
func (e *Engine) Status() SyncStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// LastSync returns the end time of the last successful pass.
func (e *Engine) LastSync() *time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastSync
}

// PendingChanges returns the number of pending actions after the last pass.
func (e *Engine) PendingChanges() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pending
}

// LastError returns the last pass error.
func (e *Engine) LastError() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastErr
}

// InProgress reports whether a pass is running.
func (e *Engine) InProgress() bool {
	return e.inProgress.Load()
}

// SetEventHandler sets the event handler. A nil handler disables events.
func (e *Engine) SetEventHandler(handler SyncEventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handler = handler
}

func (e *Engine) emitEvent(event SyncEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = e.clock.Now()
	}
	e.mu.Lock()
	h := e.handler
	e.mu.Unlock()
	if h != nil {
		h.OnSyncEvent(event)
	}
}

// PendingTimers returns the number of scheduled retry timers.
func (e *Engine) PendingTimers() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.timers)
}

// Destroy stops every retry timer and makes later triggers no-ops. A pass
// already running finishes its current request.
func (e *Engine) Destroy() {
	if e.destroyed.Swap(true) {
		return
	}
	e.mu.Lock()
	for id, rt := range e.timers {
		rt.timer.Stop()
		delete(e.timers, id)
	}
	e.mu.Unlock()
	e.log.Info("Sync engine destroyed")
}

// TriggerSync runs one pass over the ready actions, sequentially and oldest
// first. It returns immediately with Skipped set when the engine is destroyed,
// offline, already syncing, or the lease is held by another process.
func (e *Engine) TriggerSync(ctx context.Context) *SyncResult {
	result := &SyncResult{StartTime: e.clock.Now()}

	switch {
	case e.destroyed.Load():
		return e.skip(result, SkipDestroyed)
	case !e.observer.Online():
		return e.skip(result, SkipOffline)
	case !e.inProgress.CompareAndSwap(false, true):
		return e.skip(result, SkipInProgress)
	}
	defer e.inProgress.Store(false)

	if e.config.UseLease {
		ok, err := e.store.AcquireLease(ctx, e.config.LeaseName, e.config.InstanceID, e.config.LeaseTTL)
		if err != nil {
			e.finish(ctx, result, err)
			return result
		}
		if !ok {
			return e.skip(result, SkipLeaseHeld)
		}
		defer func() {
			if err := e.store.ReleaseLease(context.WithoutCancel(ctx), e.config.LeaseName, e.config.InstanceID); err != nil {
				e.log.Warn("Failed to release sync lease", logging.Fields{"error": err.Error()})
			}
		}()
	}

	e.mu.Lock()
	e.status = SyncStatusSyncing
	e.mu.Unlock()
	e.emitEvent(SyncEvent{Type: SyncEventStarted})

	actions, err := e.queue.Ready(ctx)
	if err != nil {
		e.finish(ctx, result, err)
		return result
	}
	result.Total = len(actions)
	e.setPending(len(actions))

	var passErr error
	for _, a := range actions {
		if err := ctx.Err(); err != nil {
			passErr = err
			break
		}
		if e.destroyed.Load() {
			break
		}
		if e.config.UseLease {
			ok, err := e.store.AcquireLease(ctx, e.config.LeaseName, e.config.InstanceID, e.config.LeaseTTL)
			if err != nil {
				passErr = err
				break
			}
			if !ok {
				e.log.Warn("Sync lease lost, stopping pass", logging.Fields{"holder": e.config.InstanceID})
				break
			}
		}
		// An earlier create in this pass may have retargeted or dropped the action.
		current, err := e.store.GetAction(ctx, a.ID)
		if errs.Is(err, errs.ErrNotFound) {
			continue
		}
		if err != nil {
			passErr = err
			break
		}
		if err := e.process(ctx, current, result); err != nil {
			passErr = err
			break
		}
	}

	e.finish(ctx, result, passErr)
	return result
}

func (e *Engine) skip(result *SyncResult, reason string) *SyncResult {
	result.Skipped = true
	result.SkipReason = reason
	result.EndTime = result.StartTime
	e.log.Debug("Sync pass skipped", logging.Fields{"reason": reason})
	return result
}

func (e *Engine) setPending(n int) {
	e.mu.Lock()
	e.pending = n
	e.mu.Unlock()
}

func (e *Engine) finish(ctx context.Context, result *SyncResult, passErr error) {
	if stats, err := e.queue.Stats(context.WithoutCancel(ctx)); err == nil {
		result.Pending = stats.Pending
		e.setPending(stats.Pending)
	} else if passErr == nil {
		passErr = err
	}

	result.EndTime = e.clock.Now()
	result.Duration = result.EndTime.Sub(result.StartTime)

	e.mu.Lock()
	e.lastErr = passErr
	if passErr != nil {
		e.status = SyncStatusFailed
		result.Error = passErr.Error()
	} else {
		e.status = SyncStatusIdle
		end := result.EndTime
		e.lastSync = &end
	}
	e.mu.Unlock()

	fields := logging.Fields{
		"total":     result.Total,
		"succeeded": result.Succeeded,
		"failed":    result.Failed,
		"conflicts": result.Conflicts,
		"requeued":  result.Requeued,
		"pending":   result.Pending,
		"duration":  result.Duration.String(),
	}
	if passErr != nil {
		e.log.Error("Sync pass failed", passErr, fields)
	} else {
		e.log.Info("Sync pass completed", fields)
	}
	e.emitEvent(SyncEvent{Type: SyncEventCompleted, Result: result, Error: result.Error})
}

// process replays one action and records its outcome. Only store failures
// and cancellation are returned; remote failures are recorded on the action.
func (e *Engine) process(ctx context.Context, a *models.PendingAction, result *SyncResult) error {
	if err := e.queue.MarkProcessing(ctx, a); err != nil {
		return err
	}
	// Bookkeeping after the request must persist even if ctx is cancelled mid-request.
	sctx := context.WithoutCancel(ctx)

	out, err := e.dispatch(ctx, a)
	switch {
	case err == nil:
		return e.settle(sctx, a, out, result)

	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		if rerr := e.store.UpdateActionStatus(sctx, a.ID, models.ActionStatusPending, nil); rerr != nil {
			return rerr
		}
		a.Status = models.ActionStatusPending
		return ctx.Err()

	case isPermanent(err):
		if ferr := e.queue.MarkFailed(sctx, a, err.Error()); ferr != nil {
			return ferr
		}
		result.Failed++
		e.markDocument(sctx, a, models.SyncStatusError)
		ev := actionEvent(SyncEventActionFailed, a)
		ev.Exhausted = true
		ev.Error = err.Error()
		e.emitEvent(ev)
		return nil

	default:
		return e.fail(sctx, a, err, result)
	}
}

func (e *Engine) dispatch(ctx context.Context, a *models.PendingAction) (outcome, error) {
	h, err := handlerFor(a.Kind)
	if err != nil {
		return 0, err
	}
	return h(e, ctx, a)
}

func (e *Engine) settle(ctx context.Context, a *models.PendingAction, out outcome, result *SyncResult) error {
	switch out {
	case outcomeConflict:
		result.Failed++
		result.Conflicts++
		ev := actionEvent(SyncEventActionFailed, a)
		ev.Error = a.LastError
		e.emitEvent(ev)
		return nil
	case outcomeRequeued:
		result.Requeued++
	default:
		result.Succeeded++
	}

	if err := e.queue.Complete(ctx, a); err != nil {
		return err
	}
	e.cancelRetry(a.ID)

	e.mu.Lock()
	if e.pending > 0 {
		e.pending--
	}
	e.mu.Unlock()

	ev := actionEvent(SyncEventActionCompleted, a)
	ev.Requeued = out == outcomeRequeued
	e.emitEvent(ev)
	return nil
}

// fail consumes a retry and either schedules the next attempt or gives up.
func (e *Engine) fail(ctx context.Context, a *models.PendingAction, cause error, result *SyncResult) error {
	var hint queue.Hint
	if he, ok := remote.AsHTTPError(cause); ok {
		hint.StatusCode = he.StatusCode
		hint.RetryAfter = he.RetryAfter
	}

	d, err := e.queue.Fail(ctx, a, cause, hint)
	if err != nil {
		return err
	}
	result.Failed++

	if d.Exhausted {
		e.cancelRetry(a.ID)
		e.markDocument(ctx, a, models.SyncStatusError)
	} else {
		e.scheduleRetry(a.ID, d.Delay)
	}

	ev := actionEvent(SyncEventActionFailed, a)
	ev.Exhausted = d.Exhausted
	ev.Error = cause.Error()
	e.emitEvent(ev)
	return nil
}

// scheduleRetry arms a timer that triggers a pass once the action is due.
// A later schedule for the same action replaces the earlier timer.
func (e *Engine) scheduleRetry(actionID string, delay time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.destroyed.Load() {
		return
	}
	if prev, ok := e.timers[actionID]; ok {
		prev.timer.Stop()
	}
	e.timerSeq++
	seq := e.timerSeq
	t := e.clock.AfterFunc(delay, func() {
		e.mu.Lock()
		if rt, ok := e.timers[actionID]; ok && rt.seq == seq {
			delete(e.timers, actionID)
		}
		e.mu.Unlock()
		if e.destroyed.Load() || !e.observer.Online() {
			return
		}
		e.TriggerSync(context.Background())
	})
	e.timers[actionID] = retryTimer{timer: t, seq: seq}
}

func (e *Engine) cancelRetry(actionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if rt, ok := e.timers[actionID]; ok {
		rt.timer.Stop()
		delete(e.timers, actionID)
	}
}

// markDocument sets the sync status of the document a create or update targets.
func (e *Engine) markDocument(ctx context.Context, a *models.PendingAction, status models.SyncStatus) {
	if a.EntityType != models.EntityDocument || (a.Kind != models.ActionCreate && a.Kind != models.ActionUpdate) {
		return
	}
	if err := e.store.SetDocumentSyncStatus(ctx, a.EntityID, status); err != nil && !errs.Is(err, errs.ErrNotFound) {
		e.log.Warn("Failed to update document sync status", logging.Fields{
			"document_id": a.EntityID, "status": status, "error": err.Error(),
		})
	}
}

// settleDocument marks a document synced unless other actions for it remain queued.
func (e *Engine) settleDocument(ctx context.Context, docID, actionID string) {
	others, err := e.store.GetPendingActions(ctx, db.ActionFilter{
		EntityType: models.EntityDocument,
		EntityID:   docID,
	})
	if err != nil {
		e.log.Warn("Failed to check queued actions", logging.Fields{"document_id": docID, "error": err.Error()})
		return
	}
	for _, o := range others {
		if o.ID != actionID {
			return
		}
	}
	if err := e.store.SetDocumentSyncStatus(ctx, docID, models.SyncStatusSynced); err != nil && !errs.Is(err, errs.ErrNotFound) {
		e.log.Warn("Failed to mark document synced", logging.Fields{"document_id": docID, "error": err.Error()})
	}
}
