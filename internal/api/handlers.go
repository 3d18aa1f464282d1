package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/sglegalhelp/offlinesync/internal/api/response"
	"github.com/sglegalhelp/offlinesync/internal/db"
	"github.com/sglegalhelp/offlinesync/internal/models"
	"github.com/sglegalhelp/offlinesync/internal/offline"
	syncpkg "github.com/sglegalhelp/offlinesync/internal/sync"
	"github.com/sglegalhelp/offlinesync/internal/sync/conflict"
)

// Service is the offline service surface served by the API.
type Service interface {
	SaveDocument(ctx context.Context, doc *models.Document) (string, error)
	UpdateDocument(ctx context.Context, id string, patch models.DocumentPatch) (*models.Document, error)
	GetDocument(ctx context.Context, id string) (*models.Document, error)
	ListDocuments(ctx context.Context, filter db.DocumentFilter) ([]*models.Document, error)
	DeleteDocument(ctx context.Context, id string) error
	QueueUpload(ctx context.Context, req offline.UploadRequest) (string, error)
	ListActions(ctx context.Context, status models.ActionStatus) ([]*models.PendingAction, error)
	SyncNow(ctx context.Context) *syncpkg.SyncResult
	RetryFailed(ctx context.Context) (int64, *syncpkg.SyncResult, error)
	ListConflicts(ctx context.Context, resolved *bool) ([]*models.SyncConflict, error)
	ResolveConflict(ctx context.Context, id string, strategy models.Resolution) (*conflict.Result, error)
	Stats(ctx context.Context) (*offline.Stats, error)
	Subscribe(h syncpkg.SyncEventHandler) func()
}

var _ Service = (*offline.Service)(nil)

const (
	// maxBodyBytes bounds JSON request bodies.
	maxBodyBytes = 4 << 20
	// maxUploadBytes bounds multipart uploads.
	maxUploadBytes = 32 << 20
)

type handlers struct {
	svc Service
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		response.BadRequest(w, "Invalid request payload")
		return false
	}
	return true
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	response.Success(w, map[string]string{"status": "ok", "service": "offlinesync"})
}

func (h *handlers) stats(w http.ResponseWriter, r *http.Request) {
	st, err := h.svc.Stats(r.Context())
	if err != nil {
		response.FromError(w, err)
		return
	}
	response.Success(w, st)
}

// =====================================================
// Documents
// =====================================================

func (h *handlers) listDocuments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := db.DocumentFilter{
		Type:       q.Get("type"),
		Category:   q.Get("category"),
		SyncStatus: models.SyncStatus(q.Get("sync_status")),
		UserID:     UserID(r),
	}
	if filter.SyncStatus != "" && !filter.SyncStatus.Valid() {
		response.BadRequest(w, "Unknown sync_status")
		return
	}
	docs, err := h.svc.ListDocuments(r.Context(), filter)
	if err != nil {
		response.FromError(w, err)
		return
	}
	if docs == nil {
		docs = []*models.Document{}
	}
	response.Success(w, docs)
}

type createDocumentRequest struct {
	Type     string   `json:"type"`
	Title    string   `json:"title"`
	Content  string   `json:"content"`
	Category string   `json:"category,omitempty"`
	Tags     []string `json:"tags,omitempty"`
}

func (h *handlers) createDocument(w http.ResponseWriter, r *http.Request) {
	var req createDocumentRequest
	if !decode(w, r, &req) {
		return
	}
	doc := &models.Document{
		Type:     req.Type,
		Title:    req.Title,
		Content:  req.Content,
		Category: req.Category,
		Tags:     req.Tags,
		UserID:   UserID(r),
	}
	if _, err := h.svc.SaveDocument(r.Context(), doc); err != nil {
		response.FromError(w, err)
		return
	}
	response.Created(w, doc)
}

// ownDocument loads the document in the route and hides other users' documents.
func (h *handlers) ownDocument(w http.ResponseWriter, r *http.Request) (*models.Document, bool) {
	id := mux.Vars(r)["id"]
	doc, err := h.svc.GetDocument(r.Context(), id)
	if err != nil {
		response.FromError(w, err)
		return nil, false
	}
	if doc.UserID != UserID(r) {
		response.NotFound(w, "document not found: "+id)
		return nil, false
	}
	return doc, true
}

func (h *handlers) getDocument(w http.ResponseWriter, r *http.Request) {
	doc, ok := h.ownDocument(w, r)
	if !ok {
		return
	}
	response.Success(w, doc)
}

func (h *handlers) updateDocument(w http.ResponseWriter, r *http.Request) {
	doc, ok := h.ownDocument(w, r)
	if !ok {
		return
	}
	var patch models.DocumentPatch
	if !decode(w, r, &patch) {
		return
	}
	updated, err := h.svc.UpdateDocument(r.Context(), doc.ID, patch)
	if err != nil {
		response.FromError(w, err)
		return
	}
	response.Success(w, updated)
}

func (h *handlers) deleteDocument(w http.ResponseWriter, r *http.Request) {
	doc, ok := h.ownDocument(w, r)
	if !ok {
		return
	}
	if err := h.svc.DeleteDocument(r.Context(), doc.ID); err != nil {
		response.FromError(w, err)
		return
	}
	response.Success(w, map[string]string{"id": doc.ID})
}

// =====================================================
// Actions and sync
// =====================================================

func (h *handlers) listActions(w http.ResponseWriter, r *http.Request) {
	actions, err := h.svc.ListActions(r.Context(), models.ActionStatus(r.URL.Query().Get("status")))
	if err != nil {
		response.FromError(w, err)
		return
	}
	if actions == nil {
		actions = []*models.PendingAction{}
	}
	response.Success(w, actions)
}

// queueUpload accepts a multipart form with a "file" part. Other form values
// are forwarded to the portal with the file; "endpoint", "field_name" and
// "entity_id" are reserved.
func (h *handlers) queueUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		response.BadRequest(w, "Invalid multipart upload")
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		response.BadRequest(w, "Missing file part")
		return
	}
	defer file.Close()
	content, err := io.ReadAll(file)
	if err != nil {
		response.BadRequest(w, "Unreadable file part")
		return
	}

	req := offline.UploadRequest{
		UserID:      UserID(r),
		EntityID:    r.FormValue("entity_id"),
		Endpoint:    r.FormValue("endpoint"),
		FieldName:   r.FormValue("field_name"),
		FileName:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Content:     content,
	}
	for key, values := range r.MultipartForm.Value {
		switch key {
		case "entity_id", "endpoint", "field_name":
			continue
		}
		if len(values) > 0 {
			if req.Fields == nil {
				req.Fields = make(map[string]string)
			}
			req.Fields[key] = values[0]
		}
	}

	id, err := h.svc.QueueUpload(r.Context(), req)
	if err != nil {
		response.FromError(w, err)
		return
	}
	response.JSON(w, http.StatusAccepted, map[string]interface{}{
		"action_id": id,
		"filename":  req.FileName,
		"size":      len(content),
	})
}

func (h *handlers) retryFailed(w http.ResponseWriter, r *http.Request) {
	n, res, err := h.svc.RetryFailed(r.Context())
	if err != nil {
		response.FromError(w, err)
		return
	}
	response.Success(w, map[string]interface{}{"reset": n, "result": res})
}

func (h *handlers) syncNow(w http.ResponseWriter, r *http.Request) {
	response.Success(w, h.svc.SyncNow(r.Context()))
}

// =====================================================
// Conflicts
// =====================================================

func (h *handlers) listConflicts(w http.ResponseWriter, r *http.Request) {
	var resolved *bool
	if raw := r.URL.Query().Get("resolved"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			response.BadRequest(w, "resolved must be true or false")
			return
		}
		resolved = &v
	}
	conflicts, err := h.svc.ListConflicts(r.Context(), resolved)
	if err != nil {
		response.FromError(w, err)
		return
	}
	if conflicts == nil {
		conflicts = []*models.SyncConflict{}
	}
	response.Success(w, conflicts)
}

type resolveRequest struct {
	Strategy models.Resolution `json:"strategy"`
}

func (h *handlers) resolveConflict(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.svc.ResolveConflict(r.Context(), mux.Vars(r)["id"], req.Strategy)
	if err != nil {
		response.FromError(w, err)
		return
	}
	response.Success(w, res)
}
