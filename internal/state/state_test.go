package state

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadMissingFile(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	st, err := store.Load("work")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if st.MappingID != "work" {
		t.Errorf("expected mapping id preserved, got %q", st.MappingID)
	}
	if len(st.Entries) != 0 {
		t.Errorf("expected empty entries, got %d", len(st.Entries))
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	st := NewMappingState("work")
	st.LastSyncTime = time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	st.LastDuration = 42 * time.Second
	st.Entries["uid-1"] = Entry{
		Hash:     "deadbeef",
		TargetID: "t-9",
		UID:      "uid-1",
		Summary:  "Standup",
		LastSeen: time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC),
	}

	if err := store.Save(st); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := store.Load("work")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !got.LastSyncTime.Equal(st.LastSyncTime) {
		t.Errorf("last sync time mismatch: %v", got.LastSyncTime)
	}
	if got.LastDuration != 42*time.Second {
		t.Errorf("duration mismatch: %v", got.LastDuration)
	}
	entry, ok := got.Entries["uid-1"]
	if !ok {
		t.Fatal("expected entry uid-1")
	}
	if entry.Hash != "deadbeef" || entry.TargetID != "t-9" {
		t.Errorf("entry mismatch: %+v", entry)
	}
}

func TestCorruptFileIsNotEmptyState(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	path := store.path("work")
	if err := os.WriteFile(path, []byte("{ truncated"), 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	_, err = store.Load("work")
	if !errors.Is(err, ErrStateCorrupt) {
		t.Fatalf("expected ErrStateCorrupt, got %v", err)
	}
}

func TestSaveIsAtomic(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	st := NewMappingState("work")
	if err := store.Save(st); err != nil {
		t.Fatalf("Save: %v", err)
	}
	st.Entries["k"] = Entry{Hash: "h"}
	if err := store.Save(st); err != nil {
		t.Fatalf("second Save: %v", err)
	}

	// No temp files may survive a successful save.
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	for _, e := range entries {
		if strings.Contains(e.Name(), ".tmp-") {
			t.Errorf("leftover temp file %s", e.Name())
		}
	}
}

func TestDelete(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	st := NewMappingState("work")
	if err := store.Save(st); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := store.Delete("work"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	// Deleting again is not an error.
	if err := store.Delete("work"); err != nil {
		t.Fatalf("second Delete: %v", err)
	}
}

func TestSanitizedFilenames(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	st := NewMappingState("Work Calendar → iCloud/личный")
	if err := store.Save(st); err != nil {
		t.Fatalf("Save: %v", err)
	}

	path := store.path(st.MappingID)
	if strings.ContainsAny(filepath.Base(path), "/ \\") {
		t.Errorf("unsanitized path %q", path)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("expected state file at %q: %v", path, err)
	}
}
