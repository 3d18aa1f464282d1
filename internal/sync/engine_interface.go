package sync

import (
	"context"
	"time"
)

// SyncEngineInterface defines the sync engine surface used by the service and API.
type SyncEngineInterface interface {
	// TriggerSync runs one pass over the ready queue. A pass that cannot start
	// returns a result with Skipped set.
	TriggerSync(ctx context.Context) *SyncResult

	// SetEventHandler sets the handler for sync notifications.
	SetEventHandler(handler SyncEventHandler)

	// Status returns the current sync status.
	Status() SyncStatus

	// LastSync returns the end time of the last pass that finished without error.
	LastSync() *time.Time

	// PendingChanges returns the number of pending actions seen at the end of the last pass.
	PendingChanges() int

	// LastError returns the error of the last pass, if any.
	LastError() error

	// Destroy stops retry timers and rejects further passes.
	Destroy()
}

var _ SyncEngineInterface = (*Engine)(nil)
