// Package models provides data model definitions for the offline store.
package models

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// SyncStatus is the local synchronization state of a document.
type SyncStatus string

const (
	SyncStatusSynced   SyncStatus = "synced"
	SyncStatusPending  SyncStatus = "pending"
	SyncStatusConflict SyncStatus = "conflict"
	SyncStatusError    SyncStatus = "error"
)

// Valid reports whether s is a known sync status.
func (s SyncStatus) Valid() bool {
	switch s {
	case SyncStatusSynced, SyncStatusPending, SyncStatusConflict, SyncStatusError:
		return true
	}
	return false
}

// Document is a locally stored document (article, Q&A, note, saved item).
type Document struct {
	ID         string     `db:"id" json:"id"`
	Type       string     `db:"type" json:"type" validate:"required,max=64"`
	Title      string     `db:"title" json:"title" validate:"required,max=500"`
	Content    string     `db:"content" json:"content"`
	Category   string     `db:"category" json:"category,omitempty" validate:"max=128"`
	Tags       []string   `db:"tags" json:"tags,omitempty" validate:"dive,required,max=64"`
	UserID     string     `db:"user_id" json:"user_id" validate:"required"`
	CreatedAt  int64      `db:"created_at" json:"created_at"`
	UpdatedAt  int64      `db:"updated_at" json:"updated_at"`
	SyncStatus SyncStatus `db:"sync_status" json:"sync_status"`
	Version    int        `db:"version" json:"version"`
	Checksum   string     `db:"checksum" json:"checksum"`
}

// TableName returns the table name for Document.
func (Document) TableName() string {
	return "documents"
}

// CreatedAtTime returns CreatedAt as time.Time.
func (d *Document) CreatedAtTime() time.Time {
	return time.UnixMilli(d.CreatedAt)
}

// UpdatedAtTime returns UpdatedAt as time.Time.
func (d *Document) UpdatedAtTime() time.Time {
	return time.UnixMilli(d.UpdatedAt)
}

// Touch bumps the version and modification time.
func (d *Document) Touch(now time.Time) {
	d.UpdatedAt = now.UnixMilli()
	d.Version++
}

// DocumentPatch holds the fields of a partial document update. Nil fields are left unchanged.
type DocumentPatch struct {
	Type     *string   `json:"type,omitempty" validate:"omitempty,max=64"`
	Title    *string   `json:"title,omitempty" validate:"omitempty,min=1,max=500"`
	Content  *string   `json:"content,omitempty"`
	Category *string   `json:"category,omitempty" validate:"omitempty,max=128"`
	Tags     *[]string `json:"tags,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p *DocumentPatch) Empty() bool {
	return p.Type == nil && p.Title == nil && p.Content == nil && p.Category == nil && p.Tags == nil
}

// Apply merges the patch into d and reports whether the content changed.
func (p *DocumentPatch) Apply(d *Document) (contentChanged bool) {
	if p.Type != nil {
		d.Type = *p.Type
	}
	if p.Title != nil {
		d.Title = *p.Title
	}
	if p.Content != nil && *p.Content != d.Content {
		d.Content = *p.Content
		contentChanged = true
	}
	if p.Category != nil {
		d.Category = *p.Category
	}
	if p.Tags != nil {
		d.Tags = append([]string(nil), (*p.Tags)...)
	}
	return contentChanged
}

// Checksum returns the hex encoded SHA-256 digest of content.
func Checksum(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}
