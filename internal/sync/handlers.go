package sync

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/sglegalhelp/offlinesync/internal/db"
	errs "github.com/sglegalhelp/offlinesync/internal/errors"
	"github.com/sglegalhelp/offlinesync/internal/logging"
	"github.com/sglegalhelp/offlinesync/internal/models"
	"github.com/sglegalhelp/offlinesync/internal/sync/conflict"
	"github.com/sglegalhelp/offlinesync/internal/sync/remote"
)

// outcome is how a handled action leaves the queue.
type outcome int

const (
	// outcomeCompleted removes the action.
	outcomeCompleted outcome = iota
	// outcomeRequeued removes the action after queuing its replacement.
	outcomeRequeued
	// outcomeConflict leaves the action failed with a recorded conflict.
	outcomeConflict
)

type handlerFunc func(e *Engine, ctx context.Context, a *models.PendingAction) (outcome, error)

// handlerFor returns the handler for kind. Every models.ActionKind has exactly one.
func handlerFor(kind models.ActionKind) (handlerFunc, error) {
	switch kind {
	case models.ActionCreate:
		return (*Engine).handleCreate, nil
	case models.ActionUpdate:
		return (*Engine).handleUpdate, nil
	case models.ActionDelete:
		return (*Engine).handleDelete, nil
	case models.ActionFormSubmission:
		return (*Engine).handleFormSubmission, nil
	case models.ActionDocumentUpload:
		return (*Engine).handleDocumentUpload, nil
	}
	return nil, permanent(errs.Newf(errs.ErrInvalid, "unknown action kind %q", kind))
}

// permanentError marks a failure that retrying cannot fix.
type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

func permanent(err error) error {
	return &permanentError{err: err}
}

func isPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

func (e *Engine) handleCreate(ctx context.Context, a *models.PendingAction) (outcome, error) {
	resp, err := e.remote.PostJSON(ctx, remote.CollectionPath(a.EntityType), a.Payload)
	if err != nil {
		return 0, err
	}
	if a.EntityType != models.EntityDocument {
		return outcomeCompleted, nil
	}

	sctx := context.WithoutCancel(ctx)
	docID := a.EntityID
	if serverID := remote.IDFromBody(resp.Body); serverID != "" && serverID != docID {
		switch err := e.store.RemapDocumentID(sctx, docID, serverID); {
		case err == nil:
			e.log.Info("Document adopted server id", logging.Fields{"local_id": docID, "server_id": serverID})
			docID = serverID
		case errs.Is(err, errs.ErrNotFound):
			e.log.Debug("Created document no longer exists locally", logging.Fields{"local_id": docID, "server_id": serverID})
			return outcomeCompleted, nil
		default:
			// The server already has the document; retrying would create a duplicate.
			// The local copy is flagged so the divergence is visible.
			e.log.Error("Failed to adopt server id", err, logging.Fields{
				"local_id": docID, "server_id": serverID,
			})
			if serr := e.store.SetDocumentSyncStatus(sctx, docID, models.SyncStatusError); serr != nil && !errs.Is(serr, errs.ErrNotFound) {
				e.log.Warn("Failed to flag document", logging.Fields{"document_id": docID, "error": serr.Error()})
			}
			return outcomeCompleted, nil
		}
	}
	e.settleDocument(sctx, docID, a.ID)
	return outcomeCompleted, nil
}

func (e *Engine) handleUpdate(ctx context.Context, a *models.PendingAction) (outcome, error) {
	_, err := e.remote.PutJSON(ctx, remote.ItemPath(a.EntityType, a.EntityID), a.Payload)
	if err != nil {
		if he, ok := remote.AsHTTPError(err); ok {
			switch he.StatusCode {
			case http.StatusNotFound:
				return e.requeueAsCreate(ctx, a)
			case http.StatusConflict:
				return e.recordConflict(ctx, a, he.Body)
			}
		}
		return 0, err
	}
	if a.EntityType == models.EntityDocument {
		e.settleDocument(context.WithoutCancel(ctx), a.EntityID, a.ID)
	}
	return outcomeCompleted, nil
}

// requeueAsCreate replaces an update the server does not know with a create.
// When a create for the entity is already queued, the update is queued again
// behind it instead, so the entity is created once.
func (e *Engine) requeueAsCreate(ctx context.Context, a *models.PendingAction) (outcome, error) {
	sctx := context.WithoutCancel(ctx)
	creates, err := e.store.GetPendingActions(sctx, db.ActionFilter{
		Kind:       models.ActionCreate,
		EntityType: a.EntityType,
		EntityID:   a.EntityID,
		Status:     models.ActionStatusPending,
	})
	if err != nil {
		return 0, err
	}
	kind := models.ActionCreate
	if len(creates) > 0 {
		kind = models.ActionUpdate
	}
	id, err := e.queue.Enqueue(sctx, &models.PendingAction{
		Kind:       kind,
		EntityType: a.EntityType,
		EntityID:   a.EntityID,
		Payload:    a.Payload,
		UserID:     a.UserID,
		MaxRetries: a.MaxRetries,
	})
	if err != nil {
		return 0, err
	}
	e.log.Info("Update target missing remotely, requeued", logging.Fields{
		"action_id": a.ID, "requeued_action_id": id, "kind": kind, "entity_type": a.EntityType, "entity_id": a.EntityID,
	})
	return outcomeRequeued, nil
}

// recordConflict stores the rejected update with both snapshots and fails the
// action without consuming a retry.
func (e *Engine) recordConflict(ctx context.Context, a *models.PendingAction, body []byte) (outcome, error) {
	sctx := context.WithoutCancel(ctx)
	c := &models.SyncConflict{
		EntityType:    a.EntityType,
		EntityID:      a.EntityID,
		LocalVersion:  a.Payload,
		RemoteVersion: body,
		Kind:          conflict.Classify(a.Payload, body),
	}
	id, err := e.store.SaveConflict(sctx, c)
	if err != nil {
		return 0, err
	}
	if a.EntityType == models.EntityDocument {
		if err := e.store.SetDocumentSyncStatus(sctx, a.EntityID, models.SyncStatusConflict); err != nil && !errs.Is(err, errs.ErrNotFound) {
			return 0, err
		}
	}
	if err := e.queue.MarkFailed(sctx, a, "conflict: "+string(c.Kind)); err != nil {
		return 0, err
	}

	e.log.Warn("Sync conflict detected", logging.Fields{
		"conflict_id": id, "action_id": a.ID, "entity_type": a.EntityType, "entity_id": a.EntityID, "kind": c.Kind,
	})
	ev := actionEvent(SyncEventConflictDetected, a)
	ev.ConflictID = id
	e.emitEvent(ev)
	return outcomeConflict, nil
}

func (e *Engine) handleDelete(ctx context.Context, a *models.PendingAction) (outcome, error) {
	_, err := e.remote.Delete(ctx, remote.ItemPath(a.EntityType, a.EntityID))
	if err != nil && remote.StatusCode(err) != http.StatusNotFound {
		return 0, err
	}
	return outcomeCompleted, nil
}

type formPayload struct {
	Endpoint string          `json:"endpoint"`
	Data     json.RawMessage `json:"data"`
}

func (e *Engine) handleFormSubmission(ctx context.Context, a *models.PendingAction) (outcome, error) {
	var p formPayload
	if err := json.Unmarshal(a.Payload, &p); err != nil {
		return 0, permanent(errs.Wrap(errs.ErrInvalid, "malformed form submission payload", err))
	}
	endpoint := p.Endpoint
	if endpoint == "" {
		endpoint = remote.DefaultFormEndpoint
	}
	data := p.Data
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}
	if _, err := e.remote.PostJSON(ctx, endpoint, data); err != nil {
		return 0, err
	}
	return outcomeCompleted, nil
}

type uploadPayload struct {
	Endpoint    string `json:"endpoint"`
	FieldName   string `json:"field_name"`
	FileName    string `json:"filename"`
	ContentType string `json:"content_type"`
	// Content is base64 in JSON. Large files are stored aside and referenced
	// by ContentHash instead.
	Content     []byte            `json:"content,omitempty"`
	ContentHash string            `json:"content_hash,omitempty"`
	Fields      map[string]string `json:"fields"`
}

func (e *Engine) handleDocumentUpload(ctx context.Context, a *models.PendingAction) (outcome, error) {
	var p uploadPayload
	if err := json.Unmarshal(a.Payload, &p); err != nil {
		return 0, permanent(errs.Wrap(errs.ErrInvalid, "malformed document upload payload", err))
	}
	if len(p.Content) == 0 && p.ContentHash != "" && e.blobs != nil {
		content, err := e.blobs.Get(p.ContentHash)
		if err != nil {
			return 0, permanent(err)
		}
		p.Content = content
	}
	if len(p.Content) == 0 {
		return 0, permanent(errs.New(errs.ErrInvalid, "document upload has no content"))
	}
	endpoint := p.Endpoint
	if endpoint == "" {
		endpoint = remote.DefaultUploadEndpoint
	}
	_, err := e.remote.PostMultipart(ctx, endpoint, remote.Upload{
		FieldName:   p.FieldName,
		FileName:    p.FileName,
		ContentType: p.ContentType,
		Content:     p.Content,
		Fields:      p.Fields,
	})
	if err != nil {
		return 0, err
	}
	return outcomeCompleted, nil
}
