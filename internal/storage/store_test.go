package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func TestSaveAndLoad(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	uploaded := time.Date(2026, 3, 1, 12, 0, 0, 123, time.UTC)
	records := Records{
		"abc123": {ID: "abc123", OriginalName: "a.zip", Name: "a.zip", Size: 10, Owner: "10.0.0.1", UploadedAt: uploaded, SHA256: "ff"},
		"def456": {ID: "def456", OriginalName: "b.exe", Name: "renamed.exe", Size: 20, Owner: "10.0.0.2", UploadedAt: uploaded, PasswordHash: "$2a$hash", Protected: true},
	}
	if err := store.Save(ctx, records); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded := store.Load(ctx)
	if len(loaded) != 2 {
		t.Fatalf("expected 2 records, got %d", len(loaded))
	}
	got := loaded["def456"]
	if got.Name != "renamed.exe" || got.Owner != "10.0.0.2" || !got.Protected || got.PasswordHash != "$2a$hash" {
		t.Fatalf("unexpected record: %+v", got)
	}
	if !got.UploadedAt.Equal(uploaded) {
		t.Fatalf("uploaded_at mismatch: %v vs %v", got.UploadedAt, uploaded)
	}
	if loaded["abc123"].Protected {
		t.Fatalf("record without hash must not be protected")
	}
}

func TestSaveOfLoadIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	records := Records{
		"one": {ID: "one", OriginalName: "x.rar", Name: "x.rar", Size: 1, Owner: "o", UploadedAt: time.Now().UTC()},
	}
	if err := store.Save(ctx, records); err != nil {
		t.Fatalf("Save: %v", err)
	}
	before := store.Load(ctx)
	if err := store.Save(ctx, before); err != nil {
		t.Fatalf("Save(Load()): %v", err)
	}
	after := store.Load(ctx)
	if len(before) != len(after) {
		t.Fatalf("length changed: %d vs %d", len(before), len(after))
	}
	for id, rec := range before {
		other, ok := after[id]
		if !ok {
			t.Fatalf("record %s vanished", id)
		}
		if !other.UploadedAt.Equal(rec.UploadedAt) {
			t.Fatalf("timestamp drift for %s", id)
		}
		other.UploadedAt = rec.UploadedAt
		if other != rec {
			t.Fatalf("record %s changed: %+v vs %+v", id, rec, other)
		}
	}
}

func TestSaveRemovesDroppedRecords(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	records := Records{
		"keep": {ID: "keep", Name: "k.zip", OriginalName: "k.zip", Owner: "o", UploadedAt: time.Now()},
		"drop": {ID: "drop", Name: "d.zip", OriginalName: "d.zip", Owner: "o", UploadedAt: time.Now()},
	}
	if err := store.Save(ctx, records); err != nil {
		t.Fatalf("Save: %v", err)
	}
	next := store.Load(ctx)
	delete(next, "drop")
	if err := store.Save(ctx, next); err != nil {
		t.Fatalf("Save: %v", err)
	}
	final := store.Load(ctx)
	if _, ok := final["drop"]; ok {
		t.Fatalf("deleted record still present")
	}
	if _, ok := final["keep"]; !ok {
		t.Fatalf("kept record missing")
	}
}

func TestLoadFailsSoft(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	if _, err := store.db.ExecContext(ctx, `DROP TABLE files`); err != nil {
		t.Fatalf("drop table: %v", err)
	}
	if _, err := store.Snapshot(ctx); err == nil {
		t.Fatalf("expected Snapshot to report the broken table")
	}
	records := store.Load(ctx)
	if records == nil || len(records) != 0 {
		t.Fatalf("expected empty mapping, got %+v", records)
	}
}

func TestReserveID(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	if err := store.ReserveID(ctx, "tok1"); err != nil {
		t.Fatalf("ReserveID: %v", err)
	}
	if err := store.ReserveID(ctx, "tok1"); !errors.Is(err, ErrIDTaken) {
		t.Fatalf("expected ErrIDTaken, got %v", err)
	}
	if err := store.ReserveID(ctx, "tok2"); err != nil {
		t.Fatalf("ReserveID second id: %v", err)
	}
}

func TestProtectionConstraint(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	_, err := store.db.ExecContext(ctx, `
		INSERT INTO files(id, original_name, name, size, owner, uploaded_at, password_hash, protected)
		VALUES('bad', 'a.zip', 'a.zip', 1, 'o', 0, '', 1)
	`)
	if err == nil {
		t.Fatalf("expected check constraint to reject protected row without hash")
	}
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	store, err := NewStore(filepath.Join(t.TempDir(), "meta.db"), logger)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return store
}
