// Package snapshot exports and imports the local store as a gzip'd tar
// archive, optionally sealed with a passphrase, and uploads archives to
// S3-compatible storage.
package snapshot

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"time"

	"github.com/sglegalhelp/offlinesync/internal/crypto"
	"github.com/sglegalhelp/offlinesync/internal/db"
	errs "github.com/sglegalhelp/offlinesync/internal/errors"
	"github.com/sglegalhelp/offlinesync/internal/logging"
	"github.com/sglegalhelp/offlinesync/internal/models"
	"github.com/sglegalhelp/offlinesync/internal/platform"
)

// FormatVersion is written to every manifest. Import rejects newer versions.
const FormatVersion = 1

// MaxArchiveBytes bounds how much of an archive Import reads.
const MaxArchiveBytes = 256 << 20

const (
	manifestEntry = "manifest.json"
	dataEntry     = "data.json"
)

// Manifest describes an archive's contents.
type Manifest struct {
	Version   int    `json:"version"`
	CreatedAt int64  `json:"created_at"`
	Checksum  string `json:"checksum"`
	Encrypted bool   `json:"encrypted"`
	UserID    string `json:"user_id,omitempty"`
	Documents int    `json:"documents"`
	Actions   int    `json:"actions"`
	Conflicts int    `json:"conflicts"`
}

// Data is the archived store content.
type Data struct {
	Documents []*models.Document      `json:"documents"`
	Actions   []*models.PendingAction `json:"actions"`
	Conflicts []*models.SyncConflict  `json:"conflicts"`
}

// Store is the subset of the local store used for snapshots.
type Store interface {
	GetDocuments(ctx context.Context, filter db.DocumentFilter) ([]*models.Document, error)
	GetPendingActions(ctx context.Context, filter db.ActionFilter) ([]*models.PendingAction, error)
	GetConflicts(ctx context.Context, filter db.ConflictFilter) ([]*models.SyncConflict, error)
	InsertDocumentIfAbsent(ctx context.Context, doc *models.Document) (bool, error)
}

// ExportOptions configure an export.
type ExportOptions struct {
	// Passphrase seals the archive when set.
	Passphrase string
	// UserID limits documents and actions to one user when set.
	UserID string
}

// ImportOptions configure an import.
type ImportOptions struct {
	Passphrase string
}

// ExportResult summarizes a written archive.
type ExportResult struct {
	Manifest  Manifest      `json:"manifest"`
	SizeBytes int64         `json:"size_bytes"`
	Duration  time.Duration `json:"duration"`
}

// ImportResult summarizes an import. Only documents are restored; queued
// actions and conflicts in the archive are informational.
type ImportResult struct {
	Manifest Manifest      `json:"manifest"`
	Imported int           `json:"imported"`
	Skipped  int           `json:"skipped"`
	Duration time.Duration `json:"duration"`
}

// Service exports and imports snapshots of a Store.
type Service struct {
	store Store
	clock platform.Clock
	log   *logging.Logger
}

// NewService creates a snapshot Service.
func NewService(store Store, clock platform.Clock, logger *logging.Logger) *Service {
	if clock == nil {
		clock = platform.SystemClock{}
	}
	if logger == nil {
		logger = logging.Get()
	}
	return &Service{store: store, clock: clock, log: logger.With(logging.Fields{"component": "snapshot"})}
}

// Export writes an archive of the store to w.
func (s *Service) Export(ctx context.Context, w io.Writer, opts ExportOptions) (*ExportResult, error) {
	start := s.clock.Now()
	if opts.Passphrase != "" {
		if err := crypto.ValidatePassphrase(opts.Passphrase); err != nil {
			return nil, err
		}
	}

	data, err := s.collect(ctx, opts.UserID)
	if err != nil {
		return nil, err
	}
	dataJSON, err := json.Marshal(data)
	if err != nil {
		return nil, errs.Wrap(errs.ErrSnapshotFailed, "encode snapshot data", err)
	}
	sum := sha256.Sum256(dataJSON)

	manifest := Manifest{
		Version:   FormatVersion,
		CreatedAt: start.UnixMilli(),
		Checksum:  hex.EncodeToString(sum[:]),
		Encrypted: opts.Passphrase != "",
		UserID:    opts.UserID,
		Documents: len(data.Documents),
		Actions:   len(data.Actions),
		Conflicts: len(data.Conflicts),
	}
	manifestJSON, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, errs.Wrap(errs.ErrSnapshotFailed, "encode manifest", err)
	}

	archive, err := pack(start, map[string][]byte{manifestEntry: manifestJSON, dataEntry: dataJSON})
	if err != nil {
		return nil, err
	}
	if opts.Passphrase != "" {
		if archive, err = crypto.Seal(archive, opts.Passphrase); err != nil {
			return nil, err
		}
	}

	n, err := w.Write(archive)
	if err != nil {
		return nil, errs.Wrap(errs.ErrSnapshotFailed, "write archive", err)
	}

	res := &ExportResult{Manifest: manifest, SizeBytes: int64(n), Duration: s.clock.Now().Sub(start)}
	s.log.Info("Snapshot exported", logging.Fields{
		"documents": manifest.Documents,
		"actions":   manifest.Actions,
		"conflicts": manifest.Conflicts,
		"encrypted": manifest.Encrypted,
		"bytes":     n,
	})
	return res, nil
}

func (s *Service) collect(ctx context.Context, userID string) (*Data, error) {
	docs, err := s.store.GetDocuments(ctx, db.DocumentFilter{UserID: userID})
	if err != nil {
		return nil, err
	}
	actions, err := s.store.GetPendingActions(ctx, db.ActionFilter{UserID: userID})
	if err != nil {
		return nil, err
	}
	conflicts, err := s.store.GetConflicts(ctx, db.ConflictFilter{})
	if err != nil {
		return nil, err
	}
	if userID != "" {
		conflicts = ownConflicts(conflicts, docs, actions)
	}
	return &Data{Documents: nonNil(docs), Actions: nonNil(actions), Conflicts: nonNil(conflicts)}, nil
}

// ownConflicts keeps conflicts on entities that belong to the exported user.
func ownConflicts(conflicts []*models.SyncConflict, docs []*models.Document, actions []*models.PendingAction) []*models.SyncConflict {
	owned := make(map[string]bool, len(docs)+len(actions))
	for _, d := range docs {
		owned[string(models.EntityDocument)+"/"+d.ID] = true
	}
	for _, a := range actions {
		owned[string(a.EntityType)+"/"+a.EntityID] = true
	}
	var out []*models.SyncConflict
	for _, c := range conflicts {
		if owned[string(c.EntityType)+"/"+c.EntityID] {
			out = append(out, c)
		}
	}
	return out
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

// Import reads an archive from r, verifies its checksum and inserts the
// documents that do not exist locally.
func (s *Service) Import(ctx context.Context, r io.Reader, opts ImportOptions) (*ImportResult, error) {
	start := s.clock.Now()
	raw, err := io.ReadAll(io.LimitReader(r, MaxArchiveBytes+1))
	if err != nil {
		return nil, errs.Wrap(errs.ErrSnapshotFailed, "read archive", err)
	}
	if len(raw) > MaxArchiveBytes {
		return nil, errs.New(errs.ErrCorruptedArchive, "archive too large")
	}

	manifest, data, err := Read(raw, opts.Passphrase)
	if err != nil {
		return nil, err
	}

	res := &ImportResult{Manifest: *manifest}
	for _, doc := range data.Documents {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		inserted, err := s.store.InsertDocumentIfAbsent(ctx, doc)
		if err != nil {
			return nil, err
		}
		if inserted {
			res.Imported++
		} else {
			res.Skipped++
		}
	}
	res.Duration = s.clock.Now().Sub(start)
	s.log.Info("Snapshot imported", logging.Fields{"imported": res.Imported, "skipped": res.Skipped})
	return res, nil
}

// Read opens, unpacks and verifies an archive without touching the store.
func Read(raw []byte, passphrase string) (*Manifest, *Data, error) {
	if crypto.IsSealed(raw) {
		opened, err := crypto.Open(raw, passphrase)
		if err != nil {
			return nil, nil, err
		}
		raw = opened
	}

	entries, err := unpack(raw)
	if err != nil {
		return nil, nil, err
	}
	manifestJSON, ok := entries[manifestEntry]
	if !ok {
		return nil, nil, errs.New(errs.ErrCorruptedArchive, "archive has no manifest")
	}
	dataJSON, ok := entries[dataEntry]
	if !ok {
		return nil, nil, errs.New(errs.ErrCorruptedArchive, "archive has no data")
	}

	var manifest Manifest
	if err := json.Unmarshal(manifestJSON, &manifest); err != nil {
		return nil, nil, errs.Wrap(errs.ErrCorruptedArchive, "decode manifest", err)
	}
	if manifest.Version < 1 || manifest.Version > FormatVersion {
		return nil, nil, errs.Newf(errs.ErrCorruptedArchive, "unsupported archive version %d", manifest.Version)
	}
	sum := sha256.Sum256(dataJSON)
	if hex.EncodeToString(sum[:]) != manifest.Checksum {
		return nil, nil, errs.New(errs.ErrCorruptedArchive, "archive checksum mismatch")
	}

	var data Data
	if err := json.Unmarshal(dataJSON, &data); err != nil {
		return nil, nil, errs.Wrap(errs.ErrCorruptedArchive, "decode data", err)
	}
	return &manifest, &data, nil
}

// pack writes entries into a gzip'd tar in a fixed order.
func pack(modTime time.Time, entries map[string][]byte) ([]byte, error) {
	var buf bytes.Buffer
	gzw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gzw)

	for _, name := range []string{manifestEntry, dataEntry} {
		content := entries[name]
		hdr := &tar.Header{
			Name:    name,
			Mode:    0o644,
			Size:    int64(len(content)),
			ModTime: modTime,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, errs.Wrap(errs.ErrSnapshotFailed, "write archive header", err)
		}
		if _, err := tw.Write(content); err != nil {
			return nil, errs.Wrap(errs.ErrSnapshotFailed, "write archive entry", err)
		}
	}
	if err := tw.Close(); err != nil {
		return nil, errs.Wrap(errs.ErrSnapshotFailed, "close archive", err)
	}
	if err := gzw.Close(); err != nil {
		return nil, errs.Wrap(errs.ErrSnapshotFailed, "close gzip stream", err)
	}
	return buf.Bytes(), nil
}

// unpack reads the known entries of a gzip'd tar. Other entries are ignored.
func unpack(raw []byte) (map[string][]byte, error) {
	gzr, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, errs.Wrap(errs.ErrCorruptedArchive, "open gzip stream", err)
	}
	defer gzr.Close()

	entries := make(map[string][]byte)
	tr := tar.NewReader(gzr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errs.Wrap(errs.ErrCorruptedArchive, "read archive", err)
		}
		if hdr.Name != manifestEntry && hdr.Name != dataEntry {
			continue
		}
		content, err := io.ReadAll(io.LimitReader(tr, MaxArchiveBytes))
		if err != nil {
			return nil, errs.Wrap(errs.ErrCorruptedArchive, "read archive entry", err)
		}
		entries[hdr.Name] = content
	}
	return entries, nil
}
