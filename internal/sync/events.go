package sync

import (
	"time"

	"github.com/sglegalhelp/offlinesync/internal/models"
)

// SyncEventType identifies a sync notification.
type SyncEventType string

const (
	SyncEventStarted          SyncEventType = "started"
	SyncEventActionCompleted  SyncEventType = "action_completed"
	SyncEventActionFailed     SyncEventType = "action_failed"
	SyncEventConflictDetected SyncEventType = "conflict_detected"
	SyncEventCompleted        SyncEventType = "completed"
)

// SyncEvent is delivered to the event handler during a sync pass.
type SyncEvent struct {
	Type       SyncEventType     `json:"type"`
	Timestamp  time.Time         `json:"timestamp"`
	ActionID   string            `json:"action_id,omitempty"`
	Kind       models.ActionKind `json:"kind,omitempty"`
	EntityType models.EntityType `json:"entity_type,omitempty"`
	EntityID   string            `json:"entity_id,omitempty"`
	ConflictID string            `json:"conflict_id,omitempty"`
	// Requeued is set on action_completed when an update was replaced by a create.
	Requeued bool `json:"requeued,omitempty"`
	// Exhausted is set on action_failed when the action will not be retried.
	Exhausted bool        `json:"exhausted,omitempty"`
	Error     string      `json:"error,omitempty"`
	Result    *SyncResult `json:"result,omitempty"`
}

// SyncEventHandler receives sync notifications. Events are delivered
// synchronously on the goroutine running the pass.
type SyncEventHandler interface {
	OnSyncEvent(event SyncEvent)
}

// SyncEventHandlerFunc adapts a function to SyncEventHandler.
type SyncEventHandlerFunc func(event SyncEvent)

// OnSyncEvent calls f(event).
func (f SyncEventHandlerFunc) OnSyncEvent(event SyncEvent) { f(event) }

func actionEvent(t SyncEventType, a *models.PendingAction) SyncEvent {
	return SyncEvent{
		Type:       t,
		ActionID:   a.ID,
		Kind:       a.Kind,
		EntityType: a.EntityType,
		EntityID:   a.EntityID,
	}
}
