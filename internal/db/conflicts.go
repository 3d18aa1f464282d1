package db

import (
	"context"
	"database/sql"
	stderrors "errors"

	errs "github.com/sglegalhelp/offlinesync/internal/errors"
	"github.com/sglegalhelp/offlinesync/internal/models"
)

// =====================================================
// Sync Conflict Operations
// =====================================================

const conflictColumns = `id, entity_type, entity_id, local_version, remote_version, kind,
	timestamp, resolved, resolved_at, resolution`

// SaveConflict records a new unresolved conflict and returns its ID.
func (r *Repository) SaveConflict(ctx context.Context, c *models.SyncConflict) (string, error) {
	if c.EntityID == "" {
		return "", errs.New(errs.ErrInvalid, "conflict entity id is required")
	}
	c.ID = r.ids.NewID()
	if c.Timestamp == 0 {
		c.Timestamp = r.now()
	}
	if c.Kind == "" {
		c.Kind = models.ConflictConcurrentEdit
	}
	c.Resolved = false
	c.ResolvedAt = 0
	c.Resolution = ""

	query := `INSERT INTO sync_conflicts (` + conflictColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, 0, NULL, NULL)`
	_, err := r.db.ExecContext(ctx, query, c.ID, c.EntityType, c.EntityID,
		rawJSON(c.LocalVersion), rawJSON(c.RemoteVersion), c.Kind, c.Timestamp)
	if err != nil {
		return "", dbErr("failed to save conflict", err)
	}
	return c.ID, nil
}

// GetConflict retrieves a conflict by ID.
func (r *Repository) GetConflict(ctx context.Context, id string) (*models.SyncConflict, error) {
	c, err := scanConflict(r.db.QueryRowContext(ctx,
		"SELECT "+conflictColumns+" FROM sync_conflicts WHERE id = ?", id))
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, errs.NotFound("conflict", id)
		}
		return nil, dbErr("failed to get conflict", err)
	}
	return c, nil
}

// GetConflicts returns conflicts matching filter, newest first.
func (r *Repository) GetConflicts(ctx context.Context, filter ConflictFilter) ([]*models.SyncConflict, error) {
	where, args := filter.builder().Where()
	rows, err := r.db.QueryContext(ctx,
		"SELECT "+conflictColumns+" FROM sync_conflicts"+where+" ORDER BY timestamp DESC, rowid DESC", args...)
	if err != nil {
		return nil, dbErr("failed to list conflicts", err)
	}
	defer rows.Close()

	var conflicts []*models.SyncConflict
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, dbErr("failed to scan conflict", err)
		}
		conflicts = append(conflicts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, dbErr("failed to iterate conflicts", err)
	}
	return conflicts, nil
}

// MarkConflictResolved records how a conflict was settled.
func (r *Repository) MarkConflictResolved(ctx context.Context, id string, resolution models.Resolution) error {
	res, err := r.db.ExecContext(ctx, `
	UPDATE sync_conflicts SET resolved = 1, resolved_at = ?, resolution = ?
	WHERE id = ?`, r.now(), nullString(string(resolution)), id)
	if err != nil {
		return dbErr("failed to resolve conflict", err)
	}
	return requireAffected(res, "conflict", id)
}

func scanConflict(s scanner) (*models.SyncConflict, error) {
	var c models.SyncConflict
	var local, remote string
	var resolved int
	var resolvedAt sql.NullInt64
	var resolution sql.NullString
	err := s.Scan(&c.ID, &c.EntityType, &c.EntityID, &local, &remote, &c.Kind,
		&c.Timestamp, &resolved, &resolvedAt, &resolution)
	if err != nil {
		return nil, err
	}
	c.LocalVersion = []byte(local)
	c.RemoteVersion = []byte(remote)
	c.Resolved = resolved == 1
	if resolvedAt.Valid {
		c.ResolvedAt = resolvedAt.Int64
	}
	if resolution.Valid {
		c.Resolution = models.Resolution(resolution.String)
	}
	return &c, nil
}

func rawJSON(b []byte) string {
	if len(b) == 0 {
		return "null"
	}
	return string(b)
}
