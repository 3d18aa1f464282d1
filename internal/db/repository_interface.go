package db

import (
	"context"
	"time"

	"github.com/sglegalhelp/offlinesync/internal/models"
)

// DocumentStore defines document persistence. Mutations queue their sync action atomically.
type DocumentStore interface {
	SaveDocument(ctx context.Context, doc *models.Document) (string, error)
	UpdateDocument(ctx context.Context, id string, patch models.DocumentPatch) (*models.Document, error)
	GetDocument(ctx context.Context, id string) (*models.Document, error)
	GetDocuments(ctx context.Context, filter DocumentFilter) ([]*models.Document, error)
	DeleteDocument(ctx context.Context, id string) error
	SetDocumentSyncStatus(ctx context.Context, id string, status models.SyncStatus) error
	ReplaceDocument(ctx context.Context, doc *models.Document) error
	PurgeDocument(ctx context.Context, id string) error
	RemapDocumentID(ctx context.Context, oldID, newID string) error
}

// ActionStore defines pending action persistence.
type ActionStore interface {
	QueueAction(ctx context.Context, action *models.PendingAction) (string, error)
	GetAction(ctx context.Context, id string) (*models.PendingAction, error)
	GetPendingActions(ctx context.Context, filter ActionFilter) ([]*models.PendingAction, error)
	UpdateActionStatus(ctx context.Context, id string, status models.ActionStatus, retryCount *int) error
	ScheduleRetry(ctx context.Context, id string, retryCount int, nextRetryAt int64, lastError string) error
	FailAction(ctx context.Context, id string, retryCount int, lastError string) error
	RemoveAction(ctx context.Context, id string) error
	ResetFailedActions(ctx context.Context) (int64, error)
	RecoverProcessingActions(ctx context.Context) (int64, error)
}

// ConflictStore defines sync conflict persistence.
type ConflictStore interface {
	SaveConflict(ctx context.Context, c *models.SyncConflict) (string, error)
	GetConflict(ctx context.Context, id string) (*models.SyncConflict, error)
	GetConflicts(ctx context.Context, filter ConflictFilter) ([]*models.SyncConflict, error)
	MarkConflictResolved(ctx context.Context, id string, resolution models.Resolution) error
}

// LeaseStore coordinates sync passes across processes sharing one database.
type LeaseStore interface {
	AcquireLease(ctx context.Context, name, holder string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, name, holder string) error
}

// SyncStore combines the stores the sync engine needs.
type SyncStore interface {
	DocumentStore
	ActionStore
	ConflictStore
	LeaseStore
}

// Store is the full local store surface.
type Store interface {
	SyncStore
	InsertDocumentIfAbsent(ctx context.Context, doc *models.Document) (bool, error)
	PutCacheMetadata(ctx context.Context, m *models.CacheMetadata) error
	GetCacheMetadata(ctx context.Context, key string) (*models.CacheMetadata, error)
	PurgeExpiredCache(ctx context.Context, now time.Time) (int64, error)
	GetStorageStats(ctx context.Context) (*models.StorageStats, error)
}

// Ensure *Repository implements the interfaces at compile time.
var (
	_ DocumentStore = (*Repository)(nil)
	_ ActionStore   = (*Repository)(nil)
	_ ConflictStore = (*Repository)(nil)
	_ LeaseStore    = (*Repository)(nil)
	_ SyncStore     = (*Repository)(nil)
	_ Store         = (*Repository)(nil)
)
