package conflict

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/sglegalhelp/offlinesync/internal/db"
	errs "github.com/sglegalhelp/offlinesync/internal/errors"
	"github.com/sglegalhelp/offlinesync/internal/logging"
	"github.com/sglegalhelp/offlinesync/internal/models"
	"github.com/sglegalhelp/offlinesync/internal/platform/platformtest"
	"github.com/sglegalhelp/offlinesync/internal/sync/queue"
	"github.com/sglegalhelp/offlinesync/internal/uuid"
)

// =====================================================
// Classification
// =====================================================

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		local  string
		remote string
		want   models.ConflictKind
	}{
		{"empty remote", `{"version":1}`, ``, models.ConflictDeletedRemotely},
		{"null remote", `{"version":1}`, `null`, models.ConflictDeletedRemotely},
		{"deleted flag", `{"version":1}`, `{"deleted":true,"version":4}`, models.ConflictDeletedRemotely},
		{"newer remote", `{"version":2}`, `{"version":3}`, models.ConflictVersionMismatch},
		{"remote only version", `{"title":"x"}`, `{"version":1}`, models.ConflictVersionMismatch},
		{"same version", `{"version":3}`, `{"version":3}`, models.ConflictConcurrentEdit},
		{"no versions", `{"title":"a"}`, `{"title":"b"}`, models.ConflictConcurrentEdit},
		{"non-json remote", `{}`, `conflict`, models.ConflictConcurrentEdit},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(json.RawMessage(tt.local), json.RawMessage(tt.remote))
			if got != tt.want {
				t.Errorf("Classify() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestWithVersion(t *testing.T) {
	got, err := withVersion(json.RawMessage(`{"title":"mine","version":2}`), json.RawMessage(`{"version":5}`))
	if err != nil {
		t.Fatalf("withVersion() failed: %v", err)
	}
	var fields map[string]interface{}
	json.Unmarshal(got, &fields)
	if fields["version"] != float64(5) || fields["title"] != "mine" {
		t.Errorf("withVersion() = %s", got)
	}

	plain := json.RawMessage(`{"title":"mine"}`)
	if got, _ := withVersion(plain, json.RawMessage(`{"title":"theirs"}`)); string(got) != string(plain) {
		t.Errorf("withVersion() without remote version = %s, want unchanged", got)
	}
}

// =====================================================
// Resolution
// =====================================================

type fixture struct {
	repo     *db.Repository
	resolver *Resolver
	docID    string
}

// setupConflict stores a document whose update was rejected by the server.
func setupConflict(t *testing.T, kind models.ConflictKind, remote string) (*fixture, string) {
	t.Helper()
	ctx := context.Background()
	store, err := db.OpenInMemory(ctx)
	if err != nil {
		t.Fatalf("OpenInMemory() failed: %v", err)
	}
	clock := platformtest.NewClock(time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC))
	repo := db.NewRepository(store.DB, db.WithClock(clock), db.WithIDGenerator(uuid.Sequence("id")))
	t.Cleanup(func() {
		repo.Close()
		store.Close()
	})
	q := queue.New(repo, clock, queue.DefaultBackoff(), logging.Discard())

	docID, err := repo.SaveDocument(ctx, &models.Document{
		Type: "note", Title: "Local title", Content: "mine", UserID: "user-1",
	})
	if err != nil {
		t.Fatalf("SaveDocument() failed: %v", err)
	}
	title := "Edited"
	if _, err := repo.UpdateDocument(ctx, docID, models.DocumentPatch{Title: &title}); err != nil {
		t.Fatalf("UpdateDocument() failed: %v", err)
	}
	updates, _ := repo.GetPendingActions(ctx, db.ActionFilter{Kind: models.ActionUpdate})
	if err := repo.FailAction(ctx, updates[0].ID, 0, "conflict"); err != nil {
		t.Fatalf("FailAction() failed: %v", err)
	}
	repo.SetDocumentSyncStatus(ctx, docID, models.SyncStatusConflict)

	conflictID, err := repo.SaveConflict(ctx, &models.SyncConflict{
		EntityType:    models.EntityDocument,
		EntityID:      docID,
		LocalVersion:  updates[0].Payload,
		RemoteVersion: json.RawMessage(remote),
		Kind:          kind,
	})
	if err != nil {
		t.Fatalf("SaveConflict() failed: %v", err)
	}
	return &fixture{repo: repo, resolver: NewResolver(repo, q, logging.Discard()), docID: docID}, conflictID
}

func TestResolve_keepLocal(t *testing.T) {
	ctx := context.Background()
	f, conflictID := setupConflict(t, models.ConflictVersionMismatch, `{"title":"Server title","version":9}`)

	res, err := f.resolver.Resolve(ctx, conflictID, models.ResolutionKeepLocal)
	if err != nil {
		t.Fatalf("Resolve() failed: %v", err)
	}
	if res.ActionID == "" {
		t.Fatal("Resolve() queued no action")
	}

	action, err := f.repo.GetAction(ctx, res.ActionID)
	if err != nil {
		t.Fatalf("GetAction() failed: %v", err)
	}
	if action.Kind != models.ActionUpdate || action.UserID != "user-1" || action.Status != models.ActionStatusPending {
		t.Errorf("queued action = %+v", action)
	}
	var payload map[string]interface{}
	json.Unmarshal(action.Payload, &payload)
	if payload["version"] != float64(9) || payload["title"] != "Edited" {
		t.Errorf("payload = %s, want local title with remote version", action.Payload)
	}

	failed, _ := f.repo.GetPendingActions(ctx, db.ActionFilter{Status: models.ActionStatusFailed})
	if len(failed) != 0 {
		t.Errorf("failed actions = %d, want 0", len(failed))
	}
	doc, _ := f.repo.GetDocument(ctx, f.docID)
	if doc.SyncStatus != models.SyncStatusPending {
		t.Errorf("SyncStatus = %v, want pending", doc.SyncStatus)
	}
	c, _ := f.repo.GetConflict(ctx, conflictID)
	if !c.Resolved || c.Resolution != models.ResolutionKeepLocal {
		t.Errorf("conflict = %+v, want resolved keep_local", c)
	}
}

func TestResolve_keepRemote(t *testing.T) {
	ctx := context.Background()
	f, conflictID := setupConflict(t, models.ConflictConcurrentEdit, `{"title":"Server title","content":"theirs","version":4}`)

	res, err := f.resolver.Resolve(ctx, conflictID, models.ResolutionKeepRemote)
	if err != nil {
		t.Fatalf("Resolve() failed: %v", err)
	}
	if res.ActionID != "" {
		t.Errorf("ActionID = %q, want none", res.ActionID)
	}

	doc, _ := f.repo.GetDocument(ctx, f.docID)
	if doc.Title != "Server title" || doc.Content != "theirs" || doc.Version != 4 {
		t.Errorf("document = %+v, want server version", doc)
	}
	if doc.SyncStatus != models.SyncStatusSynced || doc.Checksum != models.Checksum("theirs") {
		t.Errorf("SyncStatus = %v checksum = %s", doc.SyncStatus, doc.Checksum)
	}
	if doc.UserID != "user-1" {
		t.Errorf("UserID = %q, want preserved local owner", doc.UserID)
	}
}

func TestResolve_keepRemoteDeleted(t *testing.T) {
	ctx := context.Background()
	f, conflictID := setupConflict(t, models.ConflictDeletedRemotely, `null`)

	if _, err := f.resolver.Resolve(ctx, conflictID, models.ResolutionKeepRemote); err != nil {
		t.Fatalf("Resolve() failed: %v", err)
	}
	if _, err := f.repo.GetDocument(ctx, f.docID); !errs.Is(err, errs.ErrNotFound) {
		t.Errorf("GetDocument() error = %v, want NOT_FOUND", err)
	}
	actions, _ := f.repo.GetPendingActions(ctx, db.ActionFilter{EntityID: f.docID})
	if len(actions) != 0 {
		t.Errorf("actions for deleted document = %d, want 0", len(actions))
	}
}

func TestResolve_keepLocalDeletedRecreates(t *testing.T) {
	ctx := context.Background()
	f, conflictID := setupConflict(t, models.ConflictDeletedRemotely, ``)

	res, err := f.resolver.Resolve(ctx, conflictID, models.ResolutionKeepLocal)
	if err != nil {
		t.Fatalf("Resolve() failed: %v", err)
	}
	action, _ := f.repo.GetAction(ctx, res.ActionID)
	if action.Kind != models.ActionCreate {
		t.Errorf("Kind = %v, want create", action.Kind)
	}
}

func TestResolve_invalid(t *testing.T) {
	ctx := context.Background()
	f, conflictID := setupConflict(t, models.ConflictConcurrentEdit, `{}`)

	if _, err := f.resolver.Resolve(ctx, conflictID, "merge"); !errs.Is(err, errs.ErrValidation) {
		t.Errorf("unknown strategy error = %v, want VALIDATION_ERROR", err)
	}
	if _, err := f.resolver.Resolve(ctx, "", models.ResolutionKeepLocal); !errs.Is(err, errs.ErrValidation) {
		t.Errorf("empty id error = %v, want VALIDATION_ERROR", err)
	}
	if _, err := f.resolver.Resolve(ctx, "missing", models.ResolutionKeepLocal); !errs.Is(err, errs.ErrNotFound) {
		t.Errorf("missing conflict error = %v, want NOT_FOUND", err)
	}

	if _, err := f.resolver.Resolve(ctx, conflictID, models.ResolutionKeepRemote); err != nil {
		t.Fatalf("Resolve() failed: %v", err)
	}
	if _, err := f.resolver.Resolve(ctx, conflictID, models.ResolutionKeepLocal); !errs.Is(err, errs.ErrInvalid) {
		t.Errorf("second Resolve() error = %v, want INVALID_INPUT", err)
	}
}
