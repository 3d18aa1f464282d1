// Package conflict classifies and resolves sync conflicts recorded when the
// server rejects an update.
package conflict

import (
	"bytes"
	"encoding/json"

	"github.com/sglegalhelp/offlinesync/internal/models"
)

// snapshot holds the fields of an entity snapshot used for classification.
type snapshot struct {
	Version *float64 `json:"version"`
	Deleted bool     `json:"deleted"`
}

// Classify determines the conflict kind from the local payload and the server's response body.
//
// An empty or null remote snapshot, or one flagged "deleted", means the entity
// was deleted remotely. A remote "version" newer than the local one is a
// version mismatch. Anything else is a concurrent edit.
func Classify(local, remote json.RawMessage) models.ConflictKind {
	trimmed := bytes.TrimSpace(remote)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return models.ConflictDeletedRemotely
	}

	var r snapshot
	if err := json.Unmarshal(trimmed, &r); err != nil {
		return models.ConflictConcurrentEdit
	}
	if r.Deleted {
		return models.ConflictDeletedRemotely
	}

	var l snapshot
	_ = json.Unmarshal(local, &l)
	if r.Version != nil && (l.Version == nil || *r.Version > *l.Version) {
		return models.ConflictVersionMismatch
	}
	return models.ConflictConcurrentEdit
}

// remoteVersion returns the "version" of a snapshot, if present.
func remoteVersion(raw json.RawMessage) (float64, bool) {
	var s snapshot
	if err := json.Unmarshal(raw, &s); err != nil || s.Version == nil {
		return 0, false
	}
	return *s.Version, true
}
