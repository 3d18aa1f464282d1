package db

import (
	"context"
	"database/sql"
	stderrors "errors"

	errs "github.com/sglegalhelp/offlinesync/internal/errors"
	"github.com/sglegalhelp/offlinesync/internal/models"
)

// =====================================================
// Pending Action Operations
// =====================================================

const actionColumns = `id, kind, entity_type, entity_id, payload, timestamp, user_id,
	retry_count, max_retries, status, next_retry_at, last_error`

// QueueAction appends a new pending action. A fresh ID is always assigned, so
// repeated calls for the same entity produce separate records.
func (r *Repository) QueueAction(ctx context.Context, action *models.PendingAction) (string, error) {
	return r.insertAction(ctx, r.db, action)
}

func (r *Repository) insertAction(ctx context.Context, tx execer, action *models.PendingAction) (string, error) {
	if !action.Kind.Valid() {
		return "", errs.Newf(errs.ErrInvalid, "unknown action kind %q", action.Kind)
	}
	if !action.EntityType.Valid() {
		return "", errs.Newf(errs.ErrInvalid, "unknown entity type %q", action.EntityType)
	}
	if err := r.validateStruct(action); err != nil {
		return "", err
	}

	action.ID = r.ids.NewID()
	if action.Timestamp == 0 {
		action.Timestamp = r.now()
	}
	if action.MaxRetries == 0 {
		action.MaxRetries = r.maxRetries
	}
	if len(action.Payload) == 0 {
		action.Payload = []byte("{}")
	}
	action.RetryCount = 0
	action.Status = models.ActionStatusPending
	action.NextRetryAt = 0
	action.LastError = ""

	query := `INSERT INTO pending_actions (` + actionColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := tx.ExecContext(ctx, query, action.ID, action.Kind, action.EntityType, action.EntityID,
		string(action.Payload), action.Timestamp, action.UserID, action.RetryCount, action.MaxRetries,
		action.Status, action.NextRetryAt, nullString(action.LastError))
	if err != nil {
		return "", dbErr("failed to queue action", err)
	}
	return action.ID, nil
}

// GetAction retrieves a pending action by ID.
func (r *Repository) GetAction(ctx context.Context, id string) (*models.PendingAction, error) {
	stmt, err := r.PrepareStmt(ctx, "SELECT "+actionColumns+" FROM pending_actions WHERE id = ?")
	if err != nil {
		return nil, dbErr("failed to prepare action query", err)
	}
	action, err := scanAction(stmt.QueryRowContext(ctx, id))
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, errs.NotFound("action", id)
		}
		return nil, dbErr("failed to get action", err)
	}
	return action, nil
}

// GetPendingActions returns actions matching filter in insertion order.
func (r *Repository) GetPendingActions(ctx context.Context, filter ActionFilter) ([]*models.PendingAction, error) {
	where, args := filter.builder().Where()
	query := "SELECT " + actionColumns + " FROM pending_actions" + where + " ORDER BY timestamp ASC, rowid ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, dbErr("failed to list actions", err)
	}
	defer rows.Close()

	var actions []*models.PendingAction
	for rows.Next() {
		action, err := scanAction(rows)
		if err != nil {
			return nil, dbErr("failed to scan action", err)
		}
		actions = append(actions, action)
	}
	if err := rows.Err(); err != nil {
		return nil, dbErr("failed to iterate actions", err)
	}
	return actions, nil
}

// UpdateActionStatus sets the status and, when retryCount is non-nil, the retry count.
func (r *Repository) UpdateActionStatus(ctx context.Context, id string, status models.ActionStatus, retryCount *int) error {
	if !status.Valid() {
		return errs.Newf(errs.ErrInvalid, "invalid action status %q", status)
	}
	var (
		res sql.Result
		err error
	)
	if retryCount != nil {
		res, err = r.db.ExecContext(ctx,
			"UPDATE pending_actions SET status = ?, retry_count = ? WHERE id = ?", status, *retryCount, id)
	} else {
		res, err = r.db.ExecContext(ctx, "UPDATE pending_actions SET status = ? WHERE id = ?", status, id)
	}
	if err != nil {
		return dbErr("failed to update action status", err)
	}
	return requireAffected(res, "action", id)
}

// ScheduleRetry returns an action to pending with a new retry count and earliest retry time.
func (r *Repository) ScheduleRetry(ctx context.Context, id string, retryCount int, nextRetryAt int64, lastError string) error {
	res, err := r.db.ExecContext(ctx, `
	UPDATE pending_actions
	SET status = 'pending', retry_count = ?, next_retry_at = ?, last_error = ?
	WHERE id = ?`, retryCount, nextRetryAt, nullString(lastError), id)
	if err != nil {
		return dbErr("failed to schedule retry", err)
	}
	return requireAffected(res, "action", id)
}

// FailAction marks an action as terminally failed, recording the retry count and error.
func (r *Repository) FailAction(ctx context.Context, id string, retryCount int, lastError string) error {
	res, err := r.db.ExecContext(ctx, `
	UPDATE pending_actions
	SET status = 'failed', retry_count = ?, last_error = ?
	WHERE id = ?`, retryCount, nullString(lastError), id)
	if err != nil {
		return dbErr("failed to mark action failed", err)
	}
	return requireAffected(res, "action", id)
}

// RemoveAction deletes an action.
func (r *Repository) RemoveAction(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, "DELETE FROM pending_actions WHERE id = ?", id)
	if err != nil {
		return dbErr("failed to remove action", err)
	}
	return requireAffected(res, "action", id)
}

// ResetFailedActions returns every failed action to pending with a zero retry count.
func (r *Repository) ResetFailedActions(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
	UPDATE pending_actions
	SET status = 'pending', retry_count = 0, next_retry_at = 0, last_error = NULL
	WHERE status = 'failed'`)
	if err != nil {
		return 0, dbErr("failed to reset failed actions", err)
	}
	return res.RowsAffected()
}

// RecoverProcessingActions returns actions left in processing by an interrupted pass to pending.
func (r *Repository) RecoverProcessingActions(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		"UPDATE pending_actions SET status = 'pending' WHERE status = 'processing'")
	if err != nil {
		return 0, dbErr("failed to recover processing actions", err)
	}
	return res.RowsAffected()
}

func scanAction(s scanner) (*models.PendingAction, error) {
	var a models.PendingAction
	var payload string
	var lastError sql.NullString
	err := s.Scan(&a.ID, &a.Kind, &a.EntityType, &a.EntityID, &payload, &a.Timestamp, &a.UserID,
		&a.RetryCount, &a.MaxRetries, &a.Status, &a.NextRetryAt, &lastError)
	if err != nil {
		return nil, err
	}
	a.Payload = []byte(payload)
	if lastError.Valid {
		a.LastError = lastError.String
	}
	return &a, nil
}
