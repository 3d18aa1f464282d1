// Package queue implements the durable action queue: append-only local
// mutations with retry bookkeeping, backed by the local store.
package queue

import (
	"context"
	"time"

	"github.com/sglegalhelp/offlinesync/internal/db"
	"github.com/sglegalhelp/offlinesync/internal/logging"
	"github.com/sglegalhelp/offlinesync/internal/models"
	"github.com/sglegalhelp/offlinesync/internal/platform"
)

// Decision is the outcome of recording a failed attempt.
type Decision struct {
	// Exhausted is true when the action reached its retry limit and is now failed.
	Exhausted bool
	// RetryCount is the count after this failure.
	RetryCount int
	// Delay is the wait before the next attempt when not exhausted.
	Delay time.Duration
	// NextRetryAt is the earliest time of the next attempt.
	NextRetryAt time.Time
}

// Stats counts queued actions by status.
type Stats struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Failed     int `json:"failed"`
	Total      int `json:"total"`
}

// Queue manages pending actions and their retry schedule.
type Queue struct {
	store   db.ActionStore
	clock   platform.Clock
	backoff Backoff
	log     *logging.Logger
}

// New creates a Queue over store.
func New(store db.ActionStore, clock platform.Clock, backoff Backoff, logger *logging.Logger) *Queue {
	if clock == nil {
		clock = platform.SystemClock{}
	}
	if logger == nil {
		logger = logging.Get()
	}
	return &Queue{
		store:   store,
		clock:   clock,
		backoff: backoff,
		log:     logger.With(logging.Fields{"component": "queue"}),
	}
}

// Backoff returns the queue's retry policy.
func (q *Queue) Backoff() Backoff {
	return q.backoff
}

// Enqueue appends a new action. It never merges with existing actions.
func (q *Queue) Enqueue(ctx context.Context, action *models.PendingAction) (string, error) {
	id, err := q.store.QueueAction(ctx, action)
	if err != nil {
		return "", err
	}
	q.log.Debug("Enqueued action", logging.Fields{
		"action_id": id, "kind": action.Kind, "entity_type": action.EntityType, "entity_id": action.EntityID,
	})
	return id, nil
}

// Ready returns pending actions whose retry time has arrived, oldest first.
func (q *Queue) Ready(ctx context.Context) ([]*models.PendingAction, error) {
	return q.store.GetPendingActions(ctx, db.ActionFilter{
		Status:  models.ActionStatusPending,
		ReadyAt: q.clock.Now().UnixMilli(),
	})
}

// MarkProcessing moves an action into processing.
func (q *Queue) MarkProcessing(ctx context.Context, a *models.PendingAction) error {
	if err := q.store.UpdateActionStatus(ctx, a.ID, models.ActionStatusProcessing, nil); err != nil {
		return err
	}
	a.Status = models.ActionStatusProcessing
	return nil
}

// Complete removes a successfully replayed action.
func (q *Queue) Complete(ctx context.Context, a *models.PendingAction) error {
	if err := q.store.RemoveAction(ctx, a.ID); err != nil {
		return err
	}
	a.Status = models.ActionStatusCompleted
	q.log.Debug("Completed action", logging.Fields{"action_id": a.ID, "kind": a.Kind})
	return nil
}

// Fail records a failed attempt. The retry count is incremented; the action
// either becomes terminally failed or is rescheduled after a backoff delay.
func (q *Queue) Fail(ctx context.Context, a *models.PendingAction, cause error, hint Hint) (Decision, error) {
	retries := a.RetryCount + 1
	msg := errorText(cause)

	if retries >= a.MaxRetries {
		if err := q.store.FailAction(ctx, a.ID, retries, msg); err != nil {
			return Decision{}, err
		}
		a.RetryCount = retries
		a.Status = models.ActionStatusFailed
		a.LastError = msg
		q.log.Warn("Action failed permanently", logging.Fields{
			"action_id": a.ID, "kind": a.Kind, "retry_count": retries, "max_retries": a.MaxRetries, "error": msg,
		})
		return Decision{Exhausted: true, RetryCount: retries}, nil
	}

	delay := q.backoff.Delay(retries, hint)
	next := q.clock.Now().Add(delay)
	if err := q.store.ScheduleRetry(ctx, a.ID, retries, next.UnixMilli(), msg); err != nil {
		return Decision{}, err
	}
	a.RetryCount = retries
	a.Status = models.ActionStatusPending
	a.NextRetryAt = next.UnixMilli()
	a.LastError = msg
	q.log.Info("Action retry scheduled", logging.Fields{
		"action_id": a.ID, "kind": a.Kind, "retry_count": retries, "max_retries": a.MaxRetries,
		"delay_ms": delay.Milliseconds(), "error": msg,
	})
	return Decision{RetryCount: retries, Delay: delay, NextRetryAt: next}, nil
}

// MarkFailed makes an action terminally failed without consuming a retry.
func (q *Queue) MarkFailed(ctx context.Context, a *models.PendingAction, reason string) error {
	if err := q.store.FailAction(ctx, a.ID, a.RetryCount, reason); err != nil {
		return err
	}
	a.Status = models.ActionStatusFailed
	a.LastError = reason
	return nil
}

// RetryFailed resets every failed action to pending with zero retries.
func (q *Queue) RetryFailed(ctx context.Context) (int64, error) {
	n, err := q.store.ResetFailedActions(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		q.log.Info("Reset failed actions for retry", logging.Fields{"count": n})
	}
	return n, nil
}

// Recover returns actions stranded in processing by a crash to pending.
func (q *Queue) Recover(ctx context.Context) (int64, error) {
	n, err := q.store.RecoverProcessingActions(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		q.log.Warn("Recovered interrupted actions", logging.Fields{"count": n})
	}
	return n, nil
}

// List returns actions with the given status, or all actions when status is empty.
func (q *Queue) List(ctx context.Context, status models.ActionStatus) ([]*models.PendingAction, error) {
	return q.store.GetPendingActions(ctx, db.ActionFilter{Status: status})
}

// Stats counts actions by status.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	all, err := q.store.GetPendingActions(ctx, db.ActionFilter{})
	if err != nil {
		return Stats{}, err
	}
	var s Stats
	for _, a := range all {
		s.Total++
		switch a.Status {
		case models.ActionStatusPending:
			s.Pending++
		case models.ActionStatusProcessing:
			s.Processing++
		case models.ActionStatusFailed:
			s.Failed++
		}
	}
	return s, nil
}

func errorText(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}
