package sessionstore

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Rorqualx/votefleet-go/internal/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return s
}

func TestLoadMissingRecord(t *testing.T) {
	s := newTestStore(t)

	rec, ok, err := s.Load(3)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if ok || rec != nil {
		t.Errorf("Load() = (%v, %v), want (nil, false) for missing record", rec, ok)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s := newTestStore(t)

	want := Record{
		ProxyIP:       "203.0.113.7",
		SessionToken:  "ab12cd34ef56",
		LastSuccessAt: time.Date(2025, 6, 1, 14, 3, 7, 0, time.UTC),
		VoteCount:     17,
	}
	if err := s.Save(2, want); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	got, ok, err := s.Load(2)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !ok {
		t.Fatal("Load() ok = false after Save")
	}
	if got.InstanceID != 2 {
		t.Errorf("InstanceID = %d, want 2 (stamped by Save)", got.InstanceID)
	}
	if got.ProxyIP != want.ProxyIP || got.SessionToken != want.SessionToken {
		t.Errorf("identity = (%q, %q)", got.ProxyIP, got.SessionToken)
	}
	if !got.LastSuccessAt.Equal(want.LastSuccessAt) {
		t.Errorf("LastSuccessAt = %v, want %v", got.LastSuccessAt, want.LastSuccessAt)
	}
	if got.VoteCount != 17 {
		t.Errorf("VoteCount = %d, want 17", got.VoteCount)
	}
	if got.SavedAt.IsZero() {
		t.Error("SavedAt not stamped")
	}
}

func TestSaveUsesExpectedLayout(t *testing.T) {
	s := newTestStore(t)

	if err := s.Save(4, Record{VoteCount: 1}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	path := filepath.Join(s.BaseDir(), "instance_4", "session_info.json")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("record not at expected path: %v", err)
	}
	for _, field := range []string{"instance_id", "proxy_ip", "session_token", "last_success_at", "vote_count", "saved_at"} {
		if !strings.Contains(string(data), "\""+field+"\"") {
			t.Errorf("record JSON missing field %q", field)
		}
	}
}

func TestSaveLeavesNoTempFiles(t *testing.T) {
	s := newTestStore(t)

	for i := 0; i < 3; i++ {
		if err := s.Save(1, Record{VoteCount: i}); err != nil {
			t.Fatalf("Save() error = %v", err)
		}
	}

	entries, err := os.ReadDir(filepath.Join(s.BaseDir(), "instance_1"))
	if err != nil {
		t.Fatal(err)
	}
	for _, de := range entries {
		if strings.Contains(de.Name(), ".tmp-") {
			t.Errorf("stale temp file left behind: %s", de.Name())
		}
	}
}

func TestLoadCorruptRecord(t *testing.T) {
	s := newTestStore(t)

	dir := filepath.Join(s.BaseDir(), "instance_7")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "session_info.json"), []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	rec, ok, err := s.Load(7)
	if err == nil {
		t.Fatal("Load() with corrupt JSON should fail")
	}
	if ok || rec != nil {
		t.Errorf("Load() = (%v, %v), want (nil, false)", rec, ok)
	}
	if !errors.Is(err, types.ErrSessionCorrupt) {
		t.Errorf("error should wrap ErrSessionCorrupt, got %v", err)
	}
	var storageErr *types.StorageError
	if !errors.As(err, &storageErr) {
		t.Errorf("error %T, want *types.StorageError", err)
	}
}

func TestStorageStatePathCreatesProfileDir(t *testing.T) {
	s := newTestStore(t)

	path, err := s.StorageStatePath(5)
	if err != nil {
		t.Fatalf("StorageStatePath() error = %v", err)
	}
	want := filepath.Join(s.BaseDir(), "instance_5", "browser_profile")
	if path != want {
		t.Errorf("path = %q, want %q", path, want)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("profile dir not created: %v", err)
	}
	if !info.IsDir() {
		t.Error("profile path is not a directory")
	}
}

func TestLoadAll(t *testing.T) {
	s := newTestStore(t)

	for _, id := range []int{5, 1, 3} {
		if err := s.Save(id, Record{VoteCount: id * 10}); err != nil {
			t.Fatal(err)
		}
	}

	// Corrupt record and stray files must not block the scan.
	badDir := filepath.Join(s.BaseDir(), "instance_9")
	if err := os.MkdirAll(badDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(badDir, "session_info.json"), []byte("xx"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(s.BaseDir(), "vote_log.csv"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(s.BaseDir(), "instance_bogus"), 0o755); err != nil {
		t.Fatal(err)
	}

	records, err := s.LoadAll()
	if err != nil {
		t.Fatalf("LoadAll() error = %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("len(records) = %d, want 3", len(records))
	}
	for i, wantID := range []int{1, 3, 5} {
		if records[i].InstanceID != wantID {
			t.Errorf("records[%d].InstanceID = %d, want %d (sorted)", i, records[i].InstanceID, wantID)
		}
		if records[i].VoteCount != wantID*10 {
			t.Errorf("records[%d].VoteCount = %d, want %d", i, records[i].VoteCount, wantID*10)
		}
	}
}

func TestLoadAllEmptyDir(t *testing.T) {
	s := newTestStore(t)
	records, err := s.LoadAll()
	if err != nil {
		t.Fatalf("LoadAll() error = %v", err)
	}
	if len(records) != 0 {
		t.Errorf("len(records) = %d, want 0", len(records))
	}
}

func TestSaveOverwritesPrevious(t *testing.T) {
	s := newTestStore(t)

	if err := s.Save(0, Record{VoteCount: 1, SessionToken: "old"}); err != nil {
		t.Fatal(err)
	}
	if err := s.Save(0, Record{VoteCount: 2, SessionToken: "new"}); err != nil {
		t.Fatal(err)
	}

	rec, ok, err := s.Load(0)
	if err != nil || !ok {
		t.Fatalf("Load() = (%v, %v, %v)", rec, ok, err)
	}
	if rec.VoteCount != 2 || rec.SessionToken != "new" {
		t.Errorf("record = %+v, want latest save", rec)
	}
}
