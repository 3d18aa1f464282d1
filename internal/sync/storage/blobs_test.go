package storage

import (
	"os"
	"path/filepath"
	"sort"
	"testing"

	errs "github.com/sglegalhelp/offlinesync/internal/errors"
)

// =====================================================
// Hash
// =====================================================

func TestHash(t *testing.T) {
	// sha256("abc")
	want := "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"
	if got := Hash([]byte("abc")); got != want {
		t.Errorf("Hash() = %s, want %s", got, want)
	}
	if !validHash(want) {
		t.Errorf("validHash(%s) = false, want true", want)
	}
	for _, bad := range []string{"", "abc", "../../etc/passwd", want[:63] + "Z"} {
		if validHash(bad) {
			t.Errorf("validHash(%q) = true, want false", bad)
		}
	}
}

// =====================================================
// BlobStore
// =====================================================

func TestBlobStore_PutGet(t *testing.T) {
	dir := t.TempDir()
	s := NewBlobStore(dir)
	data := []byte("%PDF-1.7 tenancy agreement")

	hash, err := s.Put(data)
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if hash != Hash(data) {
		t.Errorf("Put() = %s, want %s", hash, Hash(data))
	}
	if _, err := os.Stat(filepath.Join(dir, hash[0:2], hash[2:4], hash)); err != nil {
		t.Errorf("blob not stored in fan-out layout: %v", err)
	}

	again, err := s.Put(data)
	if err != nil || again != hash {
		t.Errorf("Put() same data = %s, %v, want %s", again, err, hash)
	}

	got, err := s.Get(hash)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(got) != string(data) {
		t.Errorf("Get() = %q, want %q", got, data)
	}
	if !s.Exists(hash) {
		t.Error("Exists() = false, want true")
	}
}

func TestBlobStore_Get_errors(t *testing.T) {
	s := NewBlobStore(t.TempDir())

	if _, err := s.Get(Hash([]byte("missing"))); !errs.Is(err, errs.ErrNotFound) {
		t.Errorf("Get() missing error = %v, want NOT_FOUND", err)
	}
	if _, err := s.Get("../escape"); !errs.Is(err, errs.ErrInvalid) {
		t.Errorf("Get() bad hash error = %v, want INVALID_INPUT", err)
	}

	hash, _ := s.Put([]byte("original"))
	if err := os.WriteFile(s.path(hash), []byte("tampered"), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	if _, err := s.Get(hash); !errs.Is(err, errs.ErrInternal) {
		t.Errorf("Get() corrupted error = %v, want INTERNAL_ERROR", err)
	}
}

func TestBlobStore_DeleteCleansDirs(t *testing.T) {
	dir := t.TempDir()
	s := NewBlobStore(dir)
	hash, _ := s.Put([]byte("to delete"))

	if err := s.Delete(hash); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if s.Exists(hash) {
		t.Error("Exists() after Delete = true, want false")
	}
	if _, err := os.Stat(filepath.Join(dir, hash[0:2])); !os.IsNotExist(err) {
		t.Errorf("fan-out directory left behind: %v", err)
	}
	if err := s.Delete(hash); err != nil {
		t.Errorf("Delete() twice error = %v, want nil", err)
	}
}

func TestBlobStore_ListAndSweep(t *testing.T) {
	s := NewBlobStore(filepath.Join(t.TempDir(), "blobs"))

	if hashes, err := s.List(); err != nil || len(hashes) != 0 {
		t.Errorf("List() on missing dir = %v, %v, want empty", hashes, err)
	}

	keep, _ := s.Put([]byte("referenced"))
	drop1, _ := s.Put([]byte("orphan one"))
	drop2, _ := s.Put([]byte("orphan two"))

	hashes, err := s.List()
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	sort.Strings(hashes)
	if len(hashes) != 3 {
		t.Fatalf("List() = %v, want 3 hashes", hashes)
	}

	removed, err := s.Sweep(func(h string) bool { return h == keep })
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if removed != 2 {
		t.Errorf("Sweep() removed = %d, want 2", removed)
	}
	if !s.Exists(keep) || s.Exists(drop1) || s.Exists(drop2) {
		t.Error("Sweep() kept or removed the wrong blobs")
	}
}
