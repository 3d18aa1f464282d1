package models

import "time"

// CacheMetadata tracks freshness of a cached remote read.
type CacheMetadata struct {
	Key         string `db:"key" json:"key"`
	LastUpdated int64  `db:"last_updated" json:"last_updated"`
	ExpiresAt   int64  `db:"expires_at" json:"expires_at"`
	Size        int64  `db:"size" json:"size"`
	ETag        string `db:"etag" json:"etag,omitempty"`
}

// TableName returns the table name for CacheMetadata.
func (CacheMetadata) TableName() string {
	return "cache_metadata"
}

// Expired reports whether the entry has expired at now. A zero ExpiresAt never expires.
func (c *CacheMetadata) Expired(now time.Time) bool {
	return c.ExpiresAt > 0 && c.ExpiresAt <= now.UnixMilli()
}

// StorageStats summarizes the local store.
type StorageStats struct {
	Documents          int   `json:"documents"`
	PendingActions     int   `json:"pending_actions"`
	ProcessingActions  int   `json:"processing_actions"`
	FailedActions      int   `json:"failed_actions"`
	Conflicts          int   `json:"conflicts"`
	UnresolvedConflict int   `json:"unresolved_conflicts"`
	CacheEntries       int   `json:"cache_entries"`
	ApproximateBytes   int64 `json:"approximate_bytes"`
}
