// Package storage keeps the file content of queued uploads on disk, addressed
// by SHA-256, so pending actions carry a hash instead of the bytes.
package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"io/fs"
	"os"
	"path/filepath"

	errs "github.com/sglegalhelp/offlinesync/internal/errors"
)

// BlobStore stores content at baseDir/{hash[0:2]}/{hash[2:4]}/{hash}.
// Identical content is stored once.
type BlobStore struct {
	baseDir string
}

// NewBlobStore creates a BlobStore rooted at baseDir.
func NewBlobStore(baseDir string) *BlobStore {
	return &BlobStore{baseDir: baseDir}
}

// Hash returns the hex SHA-256 of data.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func validHash(hash string) bool {
	if len(hash) != sha256.Size*2 {
		return false
	}
	for _, c := range hash {
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			return false
		}
	}
	return true
}

func (s *BlobStore) path(hash string) string {
	return filepath.Join(s.baseDir, hash[0:2], hash[2:4], hash)
}

// Put stores data and returns its hash.
func (s *BlobStore) Put(data []byte) (string, error) {
	hash := Hash(data)
	dest := s.path(hash)
	if _, err := os.Stat(dest); err == nil {
		return hash, nil
	}

	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", errs.Wrap(errs.ErrInternal, "failed to create blob directory", err)
	}
	tmp, err := os.CreateTemp(dir, ".blob-*")
	if err != nil {
		return "", errs.Wrap(errs.ErrInternal, "failed to create blob", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", errs.Wrap(errs.ErrInternal, "failed to write blob", err)
	}
	if err := tmp.Close(); err != nil {
		return "", errs.Wrap(errs.ErrInternal, "failed to write blob", err)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return "", errs.Wrap(errs.ErrInternal, "failed to store blob", err)
	}
	return hash, nil
}

// Get returns the content for hash after checking it still matches.
func (s *BlobStore) Get(hash string) ([]byte, error) {
	if !validHash(hash) {
		return nil, errs.Newf(errs.ErrInvalid, "invalid blob hash %q", hash)
	}
	data, err := os.ReadFile(s.path(hash))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errs.NotFound("blob", hash)
		}
		return nil, errs.Wrap(errs.ErrInternal, "failed to read blob", err)
	}
	if Hash(data) != hash {
		return nil, errs.Newf(errs.ErrInternal, "blob %s is corrupted", hash)
	}
	return data, nil
}

// Exists reports whether content for hash is stored.
func (s *BlobStore) Exists(hash string) bool {
	if !validHash(hash) {
		return false
	}
	_, err := os.Stat(s.path(hash))
	return err == nil
}

// Delete removes the content for hash and any emptied fan-out directories.
// Deleting a missing blob is not an error.
func (s *BlobStore) Delete(hash string) error {
	if !validHash(hash) {
		return errs.Newf(errs.ErrInvalid, "invalid blob hash %q", hash)
	}
	p := s.path(hash)
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return errs.Wrap(errs.ErrInternal, "failed to delete blob", err)
	}
	dir := filepath.Dir(p)
	os.Remove(dir)
	os.Remove(filepath.Dir(dir))
	return nil
}

// List returns every stored hash.
func (s *BlobStore) List() ([]string, error) {
	var hashes []string
	err := filepath.WalkDir(s.baseDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) && p == s.baseDir {
				return filepath.SkipDir
			}
			return err
		}
		if !d.IsDir() && validHash(d.Name()) {
			hashes = append(hashes, d.Name())
		}
		return nil
	})
	if err != nil {
		return nil, errs.Wrap(errs.ErrInternal, "failed to list blobs", err)
	}
	return hashes, nil
}

// Sweep deletes every blob for which keep returns false and reports how
// many were removed.
func (s *BlobStore) Sweep(keep func(hash string) bool) (int, error) {
	hashes, err := s.List()
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, h := range hashes {
		if keep(h) {
			continue
		}
		if err := s.Delete(h); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}
