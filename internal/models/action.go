package models

import (
	"encoding/json"
	"time"
)

// ActionKind is the kind of mutation a pending action replays.
type ActionKind string

const (
	ActionCreate         ActionKind = "create"
	ActionUpdate         ActionKind = "update"
	ActionDelete         ActionKind = "delete"
	ActionFormSubmission ActionKind = "form_submission"
	ActionDocumentUpload ActionKind = "document_upload"
)

// AllActionKinds lists every action kind. Dispatch tables are checked against it.
func AllActionKinds() []ActionKind {
	return []ActionKind{ActionCreate, ActionUpdate, ActionDelete, ActionFormSubmission, ActionDocumentUpload}
}

// Valid reports whether k is a known action kind.
func (k ActionKind) Valid() bool {
	for _, known := range AllActionKinds() {
		if k == known {
			return true
		}
	}
	return false
}

// EntityType identifies what a pending action targets.
type EntityType string

const (
	EntityDocument EntityType = "document"
	EntityTask     EntityType = "task"
	EntityDeadline EntityType = "deadline"
	EntityProfile  EntityType = "profile"
	EntityForm     EntityType = "form"
)

// Valid reports whether e is a known entity type.
func (e EntityType) Valid() bool {
	switch e {
	case EntityDocument, EntityTask, EntityDeadline, EntityProfile, EntityForm:
		return true
	}
	return false
}

// ActionStatus is the queue state of a pending action.
type ActionStatus string

const (
	ActionStatusPending    ActionStatus = "pending"
	ActionStatusProcessing ActionStatus = "processing"
	ActionStatusCompleted  ActionStatus = "completed"
	ActionStatusFailed     ActionStatus = "failed"
)

// Valid reports whether s is a known action status.
func (s ActionStatus) Valid() bool {
	switch s {
	case ActionStatusPending, ActionStatusProcessing, ActionStatusCompleted, ActionStatusFailed:
		return true
	}
	return false
}

// DefaultMaxRetries is used when an action is queued without an explicit limit.
const DefaultMaxRetries = 3

// PendingAction is a durable record of one local mutation awaiting remote confirmation.
type PendingAction struct {
	ID          string          `db:"id" json:"id"`
	Kind        ActionKind      `db:"kind" json:"kind" validate:"required"`
	EntityType  EntityType      `db:"entity_type" json:"entity_type" validate:"required"`
	EntityID    string          `db:"entity_id" json:"entity_id"`
	Payload     json.RawMessage `db:"payload" json:"payload"`
	Timestamp   int64           `db:"timestamp" json:"timestamp"`
	UserID      string          `db:"user_id" json:"user_id"`
	RetryCount  int             `db:"retry_count" json:"retry_count" validate:"gte=0"`
	MaxRetries  int             `db:"max_retries" json:"max_retries" validate:"gte=0"`
	Status      ActionStatus    `db:"status" json:"status"`
	NextRetryAt int64           `db:"next_retry_at" json:"next_retry_at"`
	LastError   string          `db:"last_error" json:"last_error,omitempty"`
}

// TableName returns the table name for PendingAction.
func (PendingAction) TableName() string {
	return "pending_actions"
}

// Time returns Timestamp as time.Time.
func (a *PendingAction) Time() time.Time {
	return time.UnixMilli(a.Timestamp)
}

// Exhausted reports whether the action has used all of its retries.
func (a *PendingAction) Exhausted() bool {
	return a.RetryCount >= a.MaxRetries
}

// ReadyAt reports whether the action may be attempted at now.
func (a *PendingAction) ReadyAt(now time.Time) bool {
	return a.Status == ActionStatusPending && a.NextRetryAt <= now.UnixMilli()
}
