package models

import (
	"encoding/json"
	"time"
)

// ConflictKind classifies a disagreement between local and remote state.
type ConflictKind string

const (
	ConflictVersionMismatch ConflictKind = "version_mismatch"
	ConflictConcurrentEdit  ConflictKind = "concurrent_edit"
	ConflictDeletedRemotely ConflictKind = "deleted_remotely"
)

// Resolution records how a conflict was settled.
type Resolution string

const (
	ResolutionKeepLocal  Resolution = "keep_local"
	ResolutionKeepRemote Resolution = "keep_remote"
)

// SyncConflict captures a rejected update together with both versions of the entity.
type SyncConflict struct {
	ID            string          `db:"id" json:"id"`
	EntityType    EntityType      `db:"entity_type" json:"entity_type"`
	EntityID      string          `db:"entity_id" json:"entity_id"`
	LocalVersion  json.RawMessage `db:"local_version" json:"local_version"`
	RemoteVersion json.RawMessage `db:"remote_version" json:"remote_version"`
	Kind          ConflictKind    `db:"kind" json:"kind"`
	Timestamp     int64           `db:"timestamp" json:"timestamp"`
	Resolved      bool            `db:"resolved" json:"resolved"`
	ResolvedAt    int64           `db:"resolved_at" json:"resolved_at,omitempty"`
	Resolution    Resolution      `db:"resolution" json:"resolution,omitempty"`
}

// TableName returns the table name for SyncConflict.
func (SyncConflict) TableName() string {
	return "sync_conflicts"
}

// DetectedAt returns Timestamp as time.Time.
func (c *SyncConflict) DetectedAt() time.Time {
	return time.UnixMilli(c.Timestamp)
}
