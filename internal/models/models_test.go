package models

import (
	"testing"
	"time"
)

func TestActionKind_Valid(t *testing.T) {
	for _, k := range AllActionKinds() {
		if !k.Valid() {
			t.Errorf("%q.Valid() = false, want true", k)
		}
	}
	if ActionKind("merge").Valid() {
		t.Error(`"merge".Valid() = true, want false`)
	}
	if len(AllActionKinds()) != 5 {
		t.Errorf("AllActionKinds() = %d kinds, want 5", len(AllActionKinds()))
	}
}

func TestEnums_Valid(t *testing.T) {
	for _, e := range []EntityType{EntityDocument, EntityTask, EntityDeadline, EntityProfile, EntityForm} {
		if !e.Valid() {
			t.Errorf("EntityType %q invalid", e)
		}
	}
	for _, s := range []ActionStatus{ActionStatusPending, ActionStatusProcessing, ActionStatusCompleted, ActionStatusFailed} {
		if !s.Valid() {
			t.Errorf("ActionStatus %q invalid", s)
		}
	}
	for _, s := range []SyncStatus{SyncStatusSynced, SyncStatusPending, SyncStatusConflict, SyncStatusError} {
		if !s.Valid() {
			t.Errorf("SyncStatus %q invalid", s)
		}
	}
	if EntityType("invoice").Valid() || ActionStatus("done").Valid() || SyncStatus("stale").Valid() {
		t.Error("unknown enum value reported valid")
	}
}

func TestTableNames(t *testing.T) {
	tests := []struct {
		got, want string
	}{
		{Document{}.TableName(), "documents"},
		{PendingAction{}.TableName(), "pending_actions"},
		{SyncConflict{}.TableName(), "sync_conflicts"},
		{CacheMetadata{}.TableName(), "cache_metadata"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("TableName() = %q, want %q", tt.got, tt.want)
		}
	}
}

func TestChecksum(t *testing.T) {
	// sha256("abc")
	want := "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"
	if got := Checksum("abc"); got != want {
		t.Errorf("Checksum(abc) = %s, want %s", got, want)
	}
}

func TestDocumentPatch_Apply(t *testing.T) {
	doc := &Document{Title: "Old", Content: "same", Tags: []string{"a"}}

	title := "New"
	content := "same"
	p := DocumentPatch{Title: &title, Content: &content}
	if p.Apply(doc) {
		t.Error("Apply() reported content change for identical content")
	}
	if doc.Title != "New" {
		t.Errorf("Title = %q, want New", doc.Title)
	}

	content = "different"
	tags := []string{"x", "y"}
	p = DocumentPatch{Content: &content, Tags: &tags}
	if !p.Apply(doc) {
		t.Error("Apply() = false, want true for changed content")
	}
	tags[0] = "mutated"
	if doc.Tags[0] != "x" {
		t.Error("Apply() aliased the patch tag slice")
	}

	if !(&DocumentPatch{}).Empty() || p.Empty() {
		t.Error("Empty() mismatch")
	}
}

func TestDocument_Touch(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	doc := &Document{Version: 4}
	doc.Touch(now)
	if doc.Version != 5 || doc.UpdatedAt != now.UnixMilli() {
		t.Errorf("Touch() = version %d updated %d", doc.Version, doc.UpdatedAt)
	}
	if !doc.UpdatedAtTime().Equal(now) {
		t.Errorf("UpdatedAtTime() = %v, want %v", doc.UpdatedAtTime(), now)
	}
}

func TestPendingAction_ReadyAt(t *testing.T) {
	now := time.UnixMilli(10_000)
	tests := []struct {
		name string
		a    PendingAction
		want bool
	}{
		{"immediate", PendingAction{Status: ActionStatusPending}, true},
		{"due", PendingAction{Status: ActionStatusPending, NextRetryAt: 10_000}, true},
		{"future", PendingAction{Status: ActionStatusPending, NextRetryAt: 10_001}, false},
		{"failed", PendingAction{Status: ActionStatusFailed}, false},
	}
	for _, tt := range tests {
		if got := tt.a.ReadyAt(now); got != tt.want {
			t.Errorf("%s: ReadyAt() = %v, want %v", tt.name, got, tt.want)
		}
	}

	a := PendingAction{RetryCount: 3, MaxRetries: 3}
	if !a.Exhausted() {
		t.Error("Exhausted() = false at max retries")
	}
}

func TestCacheMetadata_Expired(t *testing.T) {
	now := time.UnixMilli(5_000)
	if (&CacheMetadata{}).Expired(now) {
		t.Error("zero ExpiresAt reported expired")
	}
	if !(&CacheMetadata{ExpiresAt: 5_000}).Expired(now) {
		t.Error("ExpiresAt == now not expired")
	}
	if (&CacheMetadata{ExpiresAt: 5_001}).Expired(now) {
		t.Error("future ExpiresAt reported expired")
	}
}
