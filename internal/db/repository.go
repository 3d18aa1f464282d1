package db

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	errs "github.com/sglegalhelp/offlinesync/internal/errors"
	"github.com/sglegalhelp/offlinesync/internal/models"
	"github.com/sglegalhelp/offlinesync/internal/platform"
	"github.com/sglegalhelp/offlinesync/internal/uuid"
)

// Repository is the persistent local store. Every mutation that must reach the
// server writes the entity and appends its pending action in one transaction.
type Repository struct {
	db       *sql.DB
	clock    platform.Clock
	ids      uuid.Generator
	validate *validator.Validate

	// maxRetries is applied to queued actions that do not set their own.
	maxRetries int

	// Prepared statement cache for frequently used queries
	stmtCache sync.Map // map[string]*sql.Stmt
}

// Option configures a Repository.
type Option func(*Repository)

// WithClock sets the clock used for timestamps.
func WithClock(c platform.Clock) Option {
	return func(r *Repository) { r.clock = c }
}

// WithIDGenerator sets the generator for new record IDs.
func WithIDGenerator(g uuid.Generator) Option {
	return func(r *Repository) { r.ids = g }
}

// WithMaxRetries sets the retry budget of actions queued without one.
func WithMaxRetries(n int) Option {
	return func(r *Repository) {
		if n > 0 {
			r.maxRetries = n
		}
	}
}

// NewRepository creates a new Repository instance.
func NewRepository(db *sql.DB, opts ...Option) *Repository {
	r := &Repository{
		db:         db,
		clock:      platform.SystemClock{},
		ids:        uuid.V4,
		validate:   validator.New(),
		maxRetries: models.DefaultMaxRetries,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// PrepareStmt gets or creates a prepared statement from cache.
func (r *Repository) PrepareStmt(ctx context.Context, query string) (*sql.Stmt, error) {
	if stmt, ok := r.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	stmt, err := r.db.PrepareContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}

	// If another goroutine stored one first, use it and close ours.
	actual, loaded := r.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}
	return stmt, nil
}

// Close closes all cached prepared statements.
func (r *Repository) Close() error {
	var firstErr error
	r.stmtCache.Range(func(key, value interface{}) bool {
		if err := value.(*sql.Stmt).Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		r.stmtCache.Delete(key)
		return true
	})
	return firstErr
}

func (r *Repository) now() int64 {
	return r.clock.Now().UnixMilli()
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// withTx runs fn in a transaction, committing on success.
func (r *Repository) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return errs.Wrap(errs.ErrDatabase, "failed to begin transaction", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return errs.Wrap(errs.ErrDatabase, "failed to commit transaction", err)
	}
	return nil
}

// dbErr wraps a storage engine error unless it already carries a code.
func dbErr(message string, err error) error {
	var appErr *errs.AppError
	if stderrors.As(err, &appErr) {
		return err
	}
	return errs.Wrap(errs.ErrDatabase, message, err)
}

// requireAffected maps zero affected rows to a NOT_FOUND error.
func requireAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return errs.Wrap(errs.ErrDatabase, "failed to read affected rows", err)
	}
	if n == 0 {
		return errs.NotFound(entity, id)
	}
	return nil
}

func (r *Repository) validateStruct(v interface{}) error {
	if err := r.validate.Struct(v); err != nil {
		return errs.Wrap(errs.ErrValidation, "validation failed", err)
	}
	return nil
}

// =====================================================
// Document Operations
// =====================================================

const documentColumns = `id, type, title, content, category, tags, user_id,
	created_at, updated_at, sync_status, version, checksum`

// SaveDocument stores a new document and queues its create action. The ID,
// version, checksum, timestamps and sync status are assigned here.
func (r *Repository) SaveDocument(ctx context.Context, doc *models.Document) (string, error) {
	if err := r.validateStruct(doc); err != nil {
		return "", err
	}

	now := r.now()
	doc.ID = r.ids.NewID()
	doc.CreatedAt = now
	doc.UpdatedAt = now
	doc.Version = 1
	doc.SyncStatus = models.SyncStatusPending
	doc.Checksum = models.Checksum(doc.Content)

	payload, err := json.Marshal(doc)
	if err != nil {
		return "", errs.Wrap(errs.ErrInternal, "failed to encode document", err)
	}

	err = r.withTx(ctx, func(tx *sql.Tx) error {
		if err := insertDocument(ctx, tx, doc); err != nil {
			return err
		}
		_, err := r.insertAction(ctx, tx, &models.PendingAction{
			Kind:       models.ActionCreate,
			EntityType: models.EntityDocument,
			EntityID:   doc.ID,
			Payload:    payload,
			UserID:     doc.UserID,
		})
		return err
	})
	if err != nil {
		return "", err
	}
	return doc.ID, nil
}

// UpdateDocument merges patch into the stored document, bumps its version and
// queues an update action carrying the merged document.
func (r *Repository) UpdateDocument(ctx context.Context, id string, patch models.DocumentPatch) (*models.Document, error) {
	if err := r.validateStruct(&patch); err != nil {
		return nil, err
	}

	var updated *models.Document
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		doc, err := scanDocument(tx.QueryRowContext(ctx,
			"SELECT "+documentColumns+" FROM documents WHERE id = ?", id))
		if err != nil {
			if stderrors.Is(err, sql.ErrNoRows) {
				return errs.NotFound("document", id)
			}
			return dbErr("failed to load document", err)
		}

		if patch.Apply(doc) {
			doc.Checksum = models.Checksum(doc.Content)
		}
		doc.Touch(r.clock.Now())
		doc.SyncStatus = models.SyncStatusPending

		if err := r.validateStruct(doc); err != nil {
			return err
		}

		tags, err := encodeTags(doc.Tags)
		if err != nil {
			return err
		}
		query := `
		UPDATE documents
		SET type = ?, title = ?, content = ?, category = ?, tags = ?,
			updated_at = ?, sync_status = ?, version = ?, checksum = ?
		WHERE id = ?
		`
		res, err := tx.ExecContext(ctx, query, doc.Type, doc.Title, doc.Content, nullString(doc.Category),
			tags, doc.UpdatedAt, doc.SyncStatus, doc.Version, doc.Checksum, doc.ID)
		if err != nil {
			return dbErr("failed to update document", err)
		}
		if err := requireAffected(res, "document", id); err != nil {
			return err
		}

		payload, err := json.Marshal(doc)
		if err != nil {
			return errs.Wrap(errs.ErrInternal, "failed to encode document", err)
		}
		if _, err := r.insertAction(ctx, tx, &models.PendingAction{
			Kind:       models.ActionUpdate,
			EntityType: models.EntityDocument,
			EntityID:   doc.ID,
			Payload:    payload,
			UserID:     doc.UserID,
		}); err != nil {
			return err
		}
		updated = doc
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// GetDocument retrieves a document by ID.
func (r *Repository) GetDocument(ctx context.Context, id string) (*models.Document, error) {
	stmt, err := r.PrepareStmt(ctx, "SELECT "+documentColumns+" FROM documents WHERE id = ?")
	if err != nil {
		return nil, dbErr("failed to prepare document query", err)
	}
	doc, err := scanDocument(stmt.QueryRowContext(ctx, id))
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, errs.NotFound("document", id)
		}
		return nil, dbErr("failed to get document", err)
	}
	return doc, nil
}

// GetDocuments returns documents matching every set field of filter, newest first.
func (r *Repository) GetDocuments(ctx context.Context, filter DocumentFilter) ([]*models.Document, error) {
	where, args := filter.builder().Where()
	query := "SELECT " + documentColumns + " FROM documents" + where + " ORDER BY updated_at DESC, id"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, dbErr("failed to list documents", err)
	}
	defer rows.Close()

	var docs []*models.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, dbErr("failed to scan document", err)
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, dbErr("failed to iterate documents", err)
	}
	return docs, nil
}

// DeleteDocument removes the document immediately and queues its remote deletion.
func (r *Repository) DeleteDocument(ctx context.Context, id string) error {
	return r.withTx(ctx, func(tx *sql.Tx) error {
		var userID string
		err := tx.QueryRowContext(ctx, "SELECT user_id FROM documents WHERE id = ?", id).Scan(&userID)
		if err != nil {
			if stderrors.Is(err, sql.ErrNoRows) {
				return errs.NotFound("document", id)
			}
			return dbErr("failed to load document", err)
		}

		if _, err := tx.ExecContext(ctx, "DELETE FROM documents WHERE id = ?", id); err != nil {
			return dbErr("failed to delete document", err)
		}

		payload, _ := json.Marshal(map[string]string{"id": id})
		_, err = r.insertAction(ctx, tx, &models.PendingAction{
			Kind:       models.ActionDelete,
			EntityType: models.EntityDocument,
			EntityID:   id,
			Payload:    payload,
			UserID:     userID,
		})
		return err
	})
}

// PurgeDocument removes the document without queuing a remote deletion.
// It is used when the server already deleted the document.
func (r *Repository) PurgeDocument(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, "DELETE FROM documents WHERE id = ?", id)
	if err != nil {
		return dbErr("failed to purge document", err)
	}
	return requireAffected(res, "document", id)
}

// SetDocumentSyncStatus updates only the sync status of a document.
func (r *Repository) SetDocumentSyncStatus(ctx context.Context, id string, status models.SyncStatus) error {
	if !status.Valid() {
		return errs.Newf(errs.ErrInvalid, "invalid sync status %q", status)
	}
	res, err := r.db.ExecContext(ctx, "UPDATE documents SET sync_status = ? WHERE id = ?", status, id)
	if err != nil {
		return dbErr("failed to update sync status", err)
	}
	return requireAffected(res, "document", id)
}

// ReplaceDocument writes doc as-is (insert or overwrite) without queuing an action.
// It is used to accept the server's version of a document.
func (r *Repository) ReplaceDocument(ctx context.Context, doc *models.Document) error {
	if doc.ID == "" {
		return errs.New(errs.ErrInvalid, "document id is required")
	}
	if doc.Checksum == "" {
		doc.Checksum = models.Checksum(doc.Content)
	}
	if doc.Version <= 0 {
		doc.Version = 1
	}
	if !doc.SyncStatus.Valid() {
		doc.SyncStatus = models.SyncStatusSynced
	}
	now := r.now()
	if doc.CreatedAt == 0 {
		doc.CreatedAt = now
	}
	if doc.UpdatedAt == 0 {
		doc.UpdatedAt = now
	}

	tags, err := encodeTags(doc.Tags)
	if err != nil {
		return err
	}
	query := `
	INSERT INTO documents (` + documentColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		type = excluded.type, title = excluded.title, content = excluded.content,
		category = excluded.category, tags = excluded.tags, user_id = excluded.user_id,
		updated_at = excluded.updated_at, sync_status = excluded.sync_status,
		version = excluded.version, checksum = excluded.checksum
	`
	_, err = r.db.ExecContext(ctx, query, doc.ID, doc.Type, doc.Title, doc.Content, nullString(doc.Category),
		tags, doc.UserID, doc.CreatedAt, doc.UpdatedAt, doc.SyncStatus, doc.Version, doc.Checksum)
	if err != nil {
		return dbErr("failed to replace document", err)
	}
	return nil
}

// InsertDocumentIfAbsent stores doc verbatim unless a document with its ID exists.
// It reports whether the row was inserted.
func (r *Repository) InsertDocumentIfAbsent(ctx context.Context, doc *models.Document) (bool, error) {
	tags, err := encodeTags(doc.Tags)
	if err != nil {
		return false, err
	}
	query := `INSERT INTO documents (` + documentColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO NOTHING`
	res, err := r.db.ExecContext(ctx, query, doc.ID, doc.Type, doc.Title, doc.Content, nullString(doc.Category),
		tags, doc.UserID, doc.CreatedAt, doc.UpdatedAt, doc.SyncStatus, doc.Version, doc.Checksum)
	if err != nil {
		return false, dbErr("failed to insert document", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, dbErr("failed to read affected rows", err)
	}
	return n > 0, nil
}

// RemapDocumentID moves a document to the identifier assigned by the server and
// points queued actions for the old identifier at the new one. When the
// document was deleted locally the queued actions are still retargeted and
// NotFound is returned.
func (r *Repository) RemapDocumentID(ctx context.Context, oldID, newID string) error {
	if newID == "" {
		return errs.New(errs.ErrInvalid, "new document id is required")
	}
	if oldID == newID {
		return nil
	}
	missing := false
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		var exists int
		if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM documents WHERE id = ?", newID).Scan(&exists); err != nil {
			return dbErr("failed to check document id", err)
		}
		if exists > 0 {
			return errs.Newf(errs.ErrInvalid, "document id already in use: %s", newID)
		}

		res, err := tx.ExecContext(ctx, "UPDATE documents SET id = ? WHERE id = ?", newID, oldID)
		if err != nil {
			return dbErr("failed to remap document", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return dbErr("failed to remap document", err)
		} else if n == 0 {
			missing = true
		}

		// Snapshots carried in payloads name the document too.
		_, err = tx.ExecContext(ctx, `UPDATE pending_actions
			SET entity_id = ?,
			    payload = CASE WHEN json_valid(payload) AND json_type(payload, '$.id') IS NOT NULL
			                   THEN json_set(payload, '$.id', ?) ELSE payload END
			WHERE entity_type = ? AND entity_id = ?`,
			newID, newID, models.EntityDocument, oldID)
		if err != nil {
			return dbErr("failed to remap queued actions", err)
		}
		_, err = tx.ExecContext(ctx, `UPDATE sync_conflicts
			SET entity_id = ?,
			    local_version = CASE WHEN json_valid(local_version) AND json_type(local_version, '$.id') IS NOT NULL
			                         THEN json_set(local_version, '$.id', ?) ELSE local_version END
			WHERE entity_type = ? AND entity_id = ? AND resolved = 0`,
			newID, newID, models.EntityDocument, oldID)
		if err != nil {
			return dbErr("failed to remap conflicts", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if missing {
		return errs.NotFound("document", oldID)
	}
	return nil
}

func insertDocument(ctx context.Context, tx execer, doc *models.Document) error {
	tags, err := encodeTags(doc.Tags)
	if err != nil {
		return err
	}
	query := `INSERT INTO documents (` + documentColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = tx.ExecContext(ctx, query, doc.ID, doc.Type, doc.Title, doc.Content, nullString(doc.Category),
		tags, doc.UserID, doc.CreatedAt, doc.UpdatedAt, doc.SyncStatus, doc.Version, doc.Checksum)
	if err != nil {
		return dbErr("failed to insert document", err)
	}
	return nil
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanDocument(s scanner) (*models.Document, error) {
	var doc models.Document
	var category sql.NullString
	var tags string
	err := s.Scan(&doc.ID, &doc.Type, &doc.Title, &doc.Content, &category, &tags, &doc.UserID,
		&doc.CreatedAt, &doc.UpdatedAt, &doc.SyncStatus, &doc.Version, &doc.Checksum)
	if err != nil {
		return nil, err
	}
	if category.Valid {
		doc.Category = category.String
	}
	if tags != "" {
		if err := json.Unmarshal([]byte(tags), &doc.Tags); err != nil {
			return nil, fmt.Errorf("failed to decode tags: %w", err)
		}
	}
	return &doc, nil
}

func encodeTags(tags []string) (string, error) {
	if len(tags) == 0 {
		return "[]", nil
	}
	data, err := json.Marshal(tags)
	if err != nil {
		return "", errs.Wrap(errs.ErrInternal, "failed to encode tags", err)
	}
	return string(data), nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// =====================================================
// Cache Metadata Operations
// =====================================================

// PutCacheMetadata inserts or replaces the metadata for m.Key.
func (r *Repository) PutCacheMetadata(ctx context.Context, m *models.CacheMetadata) error {
	if m.Key == "" {
		return errs.New(errs.ErrInvalid, "cache key is required")
	}
	if m.LastUpdated == 0 {
		m.LastUpdated = r.now()
	}
	query := `
	INSERT INTO cache_metadata (key, last_updated, expires_at, size, etag)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(key) DO UPDATE SET
		last_updated = excluded.last_updated, expires_at = excluded.expires_at,
		size = excluded.size, etag = excluded.etag
	`
	if _, err := r.db.ExecContext(ctx, query, m.Key, m.LastUpdated, m.ExpiresAt, m.Size, nullString(m.ETag)); err != nil {
		return dbErr("failed to store cache metadata", err)
	}
	return nil
}

// GetCacheMetadata retrieves metadata by key.
func (r *Repository) GetCacheMetadata(ctx context.Context, key string) (*models.CacheMetadata, error) {
	var m models.CacheMetadata
	var etag sql.NullString
	err := r.db.QueryRowContext(ctx,
		"SELECT key, last_updated, expires_at, size, etag FROM cache_metadata WHERE key = ?", key).
		Scan(&m.Key, &m.LastUpdated, &m.ExpiresAt, &m.Size, &etag)
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, errs.NotFound("cache entry", key)
		}
		return nil, dbErr("failed to get cache metadata", err)
	}
	if etag.Valid {
		m.ETag = etag.String
	}
	return &m, nil
}

// PurgeExpiredCache deletes entries that expired at or before now and returns how many were removed.
func (r *Repository) PurgeExpiredCache(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		"DELETE FROM cache_metadata WHERE expires_at > 0 AND expires_at <= ?", now.UnixMilli())
	if err != nil {
		return 0, dbErr("failed to purge cache metadata", err)
	}
	return res.RowsAffected()
}

// =====================================================
// Stats
// =====================================================

// GetStorageStats summarizes the contents of the store.
func (r *Repository) GetStorageStats(ctx context.Context) (*models.StorageStats, error) {
	var s models.StorageStats
	query := `
	SELECT
		(SELECT COUNT(*) FROM documents),
		(SELECT COALESCE(SUM(length(content)), 0) FROM documents),
		(SELECT COUNT(*) FROM pending_actions WHERE status = 'pending'),
		(SELECT COUNT(*) FROM pending_actions WHERE status = 'processing'),
		(SELECT COUNT(*) FROM pending_actions WHERE status = 'failed'),
		(SELECT COUNT(*) FROM sync_conflicts),
		(SELECT COUNT(*) FROM sync_conflicts WHERE resolved = 0),
		(SELECT COUNT(*) FROM cache_metadata)
	`
	err := r.db.QueryRowContext(ctx, query).Scan(&s.Documents, &s.ApproximateBytes, &s.PendingActions,
		&s.ProcessingActions, &s.FailedActions, &s.Conflicts, &s.UnresolvedConflict, &s.CacheEntries)
	if err != nil {
		return nil, dbErr("failed to compute storage stats", err)
	}
	return &s, nil
}
