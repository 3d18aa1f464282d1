package conflict

import (
	"context"
	"encoding/json"

	"github.com/go-playground/validator/v10"

	"github.com/sglegalhelp/offlinesync/internal/db"
	errs "github.com/sglegalhelp/offlinesync/internal/errors"
	"github.com/sglegalhelp/offlinesync/internal/logging"
	"github.com/sglegalhelp/offlinesync/internal/models"
	"github.com/sglegalhelp/offlinesync/internal/sync/queue"
)

// Request is a user's choice for settling a conflict.
type Request struct {
	ConflictID string            `json:"conflict_id" validate:"required"`
	Strategy   models.Resolution `json:"strategy" validate:"required,oneof=keep_local keep_remote"`
}

// Result describes the outcome of a resolution.
type Result struct {
	Conflict *models.SyncConflict `json:"conflict"`
	// Document is the local document after resolution, nil for other entities or when it was removed.
	Document *models.Document `json:"document,omitempty"`
	// ActionID is the action queued to push the local version (keep_local).
	ActionID string `json:"action_id,omitempty"`
}

// Resolver settles recorded conflicts.
type Resolver struct {
	store    db.SyncStore
	queue    *queue.Queue
	validate *validator.Validate
	log      *logging.Logger
}

// NewResolver creates a Resolver.
func NewResolver(store db.SyncStore, q *queue.Queue, logger *logging.Logger) *Resolver {
	if logger == nil {
		logger = logging.Get()
	}
	return &Resolver{
		store:    store,
		queue:    q,
		validate: validator.New(),
		log:      logger.With(logging.Fields{"component": "conflict"}),
	}
}

// Resolve applies strategy to the conflict and marks it resolved.
//
// keep_local re-queues the local snapshot so the next sync pass overwrites the
// server. keep_remote overwrites the local document with the server snapshot.
// Failed update actions for the entity are superseded by either choice and removed.
func (r *Resolver) Resolve(ctx context.Context, conflictID string, strategy models.Resolution) (*Result, error) {
	req := Request{ConflictID: conflictID, Strategy: strategy}
	if err := r.validate.Struct(req); err != nil {
		return nil, errs.Wrap(errs.ErrValidation, "invalid conflict resolution", err)
	}

	c, err := r.store.GetConflict(ctx, conflictID)
	if err != nil {
		return nil, err
	}
	if c.Resolved {
		return nil, errs.Newf(errs.ErrInvalid, "conflict %s is already resolved", conflictID)
	}

	userID, err := r.dropSuperseded(ctx, c)
	if err != nil {
		return nil, err
	}

	result := &Result{Conflict: c}
	switch strategy {
	case models.ResolutionKeepLocal:
		err = r.keepLocal(ctx, c, userID, result)
	case models.ResolutionKeepRemote:
		err = r.keepRemote(ctx, c, result)
	}
	if err != nil {
		return nil, err
	}

	if err := r.store.MarkConflictResolved(ctx, c.ID, strategy); err != nil {
		return nil, err
	}
	c.Resolved = true
	c.Resolution = strategy

	r.log.Info("Conflict resolved", logging.Fields{
		"conflict_id": c.ID,
		"entity_type": c.EntityType,
		"entity_id":   c.EntityID,
		"kind":        c.Kind,
		"strategy":    strategy,
	})
	return result, nil
}

// dropSuperseded removes failed update actions for the conflicting entity and
// returns the user that queued them.
func (r *Resolver) dropSuperseded(ctx context.Context, c *models.SyncConflict) (string, error) {
	failed, err := r.store.GetPendingActions(ctx, db.ActionFilter{
		Status:     models.ActionStatusFailed,
		Kind:       models.ActionUpdate,
		EntityType: c.EntityType,
		EntityID:   c.EntityID,
	})
	if err != nil {
		return "", err
	}
	var userID string
	for _, a := range failed {
		if userID == "" {
			userID = a.UserID
		}
		if err := r.store.RemoveAction(ctx, a.ID); err != nil && !errs.Is(err, errs.ErrNotFound) {
			return "", err
		}
	}
	return userID, nil
}

func (r *Resolver) keepLocal(ctx context.Context, c *models.SyncConflict, userID string, result *Result) error {
	kind := models.ActionUpdate
	if c.Kind == models.ConflictDeletedRemotely {
		kind = models.ActionCreate
	}

	var doc *models.Document
	if c.EntityType == models.EntityDocument {
		d, err := r.store.GetDocument(ctx, c.EntityID)
		if err != nil && !errs.Is(err, errs.ErrNotFound) {
			return err
		}
		doc = d
		if doc != nil {
			userID = doc.UserID
		}
	}

	payload, err := withVersion(c.LocalVersion, c.RemoteVersion)
	if err != nil {
		return err
	}
	id, err := r.queue.Enqueue(ctx, &models.PendingAction{
		Kind:       kind,
		EntityType: c.EntityType,
		EntityID:   c.EntityID,
		Payload:    payload,
		UserID:     userID,
	})
	if err != nil {
		return err
	}
	result.ActionID = id

	if doc != nil {
		if err := r.store.SetDocumentSyncStatus(ctx, doc.ID, models.SyncStatusPending); err != nil {
			return err
		}
		doc.SyncStatus = models.SyncStatusPending
		result.Document = doc
	}
	return nil
}

func (r *Resolver) keepRemote(ctx context.Context, c *models.SyncConflict, result *Result) error {
	if c.EntityType != models.EntityDocument {
		return nil
	}

	if c.Kind == models.ConflictDeletedRemotely {
		pending, err := r.store.GetPendingActions(ctx, db.ActionFilter{
			EntityType: c.EntityType,
			EntityID:   c.EntityID,
		})
		if err != nil {
			return err
		}
		for _, a := range pending {
			if a.Status == models.ActionStatusProcessing {
				continue
			}
			if err := r.store.RemoveAction(ctx, a.ID); err != nil && !errs.Is(err, errs.ErrNotFound) {
				return err
			}
		}
		if err := r.store.PurgeDocument(ctx, c.EntityID); err != nil && !errs.Is(err, errs.ErrNotFound) {
			return err
		}
		return nil
	}

	doc, err := r.store.GetDocument(ctx, c.EntityID)
	if err != nil {
		if !errs.Is(err, errs.ErrNotFound) {
			return err
		}
		doc = &models.Document{}
	}
	if err := json.Unmarshal(c.RemoteVersion, doc); err != nil {
		return errs.Wrap(errs.ErrInvalid, "remote snapshot is not a document", err)
	}
	doc.ID = c.EntityID
	doc.SyncStatus = models.SyncStatusSynced
	doc.Checksum = models.Checksum(doc.Content)
	if err := r.store.ReplaceDocument(ctx, doc); err != nil {
		return err
	}
	result.Document = doc
	return nil
}

// withVersion returns the local snapshot carrying the remote version, so the
// server accepts it as the successor of its current state.
func withVersion(local, remote json.RawMessage) (json.RawMessage, error) {
	v, ok := remoteVersion(remote)
	if !ok {
		return local, nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(local, &fields); err != nil || fields == nil {
		return local, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, errs.Wrap(errs.ErrInternal, "failed to encode version", err)
	}
	fields["version"] = raw
	out, err := json.Marshal(fields)
	if err != nil {
		return nil, errs.Wrap(errs.ErrInternal, "failed to encode local snapshot", err)
	}
	return out, nil
}
