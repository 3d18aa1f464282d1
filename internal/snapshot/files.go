package snapshot

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	errs "github.com/sglegalhelp/offlinesync/internal/errors"
	"github.com/sglegalhelp/offlinesync/internal/logging"
)

const (
	filePrefix    = "snapshot-"
	plainSuffix   = ".tar.gz"
	sealedSuffix  = ".tar.gz.enc"
	fileTimestamp = "20060102T150405.000Z"
)

// ArchiveInfo describes an archive file on disk.
type ArchiveInfo struct {
	Path      string    `json:"path"`
	SizeBytes int64     `json:"size_bytes"`
	CreatedAt time.Time `json:"created_at"`
	Encrypted bool      `json:"encrypted"`
}

// FileName returns the archive file name for a snapshot taken at t.
func FileName(t time.Time, encrypted bool) string {
	suffix := plainSuffix
	if encrypted {
		suffix = sealedSuffix
	}
	return filePrefix + t.UTC().Format(fileTimestamp) + suffix
}

// ExportFile writes an archive into dir and returns its path. The archive is
// written to a temporary file and renamed into place.
func (s *Service) ExportFile(ctx context.Context, dir string, opts ExportOptions) (string, *ExportResult, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", nil, errs.Wrap(errs.ErrSnapshotFailed, "create snapshot directory", err)
	}
	path := filepath.Join(dir, FileName(s.clock.Now(), opts.Passphrase != ""))

	tmp, err := os.CreateTemp(dir, ".snapshot-*.tmp")
	if err != nil {
		return "", nil, errs.Wrap(errs.ErrSnapshotFailed, "create temp file", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	res, err := s.Export(ctx, tmp, opts)
	if err != nil {
		tmp.Close()
		return "", nil, err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", nil, errs.Wrap(errs.ErrSnapshotFailed, "sync archive", err)
	}
	if err := tmp.Close(); err != nil {
		return "", nil, errs.Wrap(errs.ErrSnapshotFailed, "close archive", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return "", nil, errs.Wrap(errs.ErrSnapshotFailed, "move archive into place", err)
	}
	return path, res, nil
}

// ImportFile imports the archive at path.
func (s *Service) ImportFile(ctx context.Context, path string, opts ImportOptions) (*ImportResult, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errs.NotFound("snapshot", path)
		}
		return nil, errs.Wrap(errs.ErrSnapshotFailed, "open archive", err)
	}
	defer f.Close()
	return s.Import(ctx, f, opts)
}

// ListArchives returns the archives in dir, oldest first. A missing
// directory has no archives.
func ListArchives(dir string) ([]*ArchiveInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errs.Wrap(errs.ErrSnapshotFailed, "list snapshot directory", err)
	}

	var archives []*ArchiveInfo
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, filePrefix) {
			continue
		}
		encrypted := strings.HasSuffix(name, sealedSuffix)
		if !encrypted && !strings.HasSuffix(name, plainSuffix) {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			continue
		}
		archives = append(archives, &ArchiveInfo{
			Path:      filepath.Join(dir, name),
			SizeBytes: fi.Size(),
			CreatedAt: fi.ModTime(),
			Encrypted: encrypted,
		})
	}

	sort.Slice(archives, func(i, j int) bool {
		if archives[i].CreatedAt.Equal(archives[j].CreatedAt) {
			return archives[i].Path < archives[j].Path
		}
		return archives[i].CreatedAt.Before(archives[j].CreatedAt)
	})
	return archives, nil
}

// Prune removes the oldest archives in dir so at most keep remain. Keep <= 0
// keeps everything. It returns the removed paths.
func Prune(dir string, keep int, logger *logging.Logger) ([]string, error) {
	if keep <= 0 {
		return nil, nil
	}
	if logger == nil {
		logger = logging.Get()
	}
	archives, err := ListArchives(dir)
	if err != nil {
		return nil, err
	}
	if len(archives) <= keep {
		return nil, nil
	}

	var removed []string
	for _, a := range archives[:len(archives)-keep] {
		if err := os.Remove(a.Path); err != nil {
			logger.Error("Failed to delete old snapshot", err, logging.Fields{"path": a.Path})
			continue
		}
		logger.Info("Deleted old snapshot", logging.Fields{"path": a.Path})
		removed = append(removed, a.Path)
	}
	return removed, nil
}
