package votelog

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Rorqualx/votefleet-go/internal/types"
)

func intPtr(v int) *int { return &v }

func openTestLog(t *testing.T) *Log {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "vote_log.csv"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func TestOpenCreatesFileWithHeader(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "vote_log.csv")

	l, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer l.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	firstLine := strings.SplitN(string(data), "\n", 2)[0]
	want := strings.Join(attemptHeader, ",")
	if firstLine != want {
		t.Errorf("header = %q, want %q", firstLine, want)
	}
}

func TestHourlyPathSharesDirectory(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(filepath.Join(dir, "sub", "vote_log.csv"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer l.Close()

	if got, want := l.HourlyPath(), filepath.Join(dir, "sub", "hourly_limit_log.csv"); got != want {
		t.Errorf("HourlyPath() = %q, want %q", got, want)
	}
}

func TestAppendAttemptRoundTrip(t *testing.T) {
	l := openTestLog(t)

	ts := time.Date(2025, 6, 1, 14, 3, 7, 0, time.UTC)
	click := ts.Add(4 * time.Second)
	e := Entry{
		Timestamp:     ts,
		InstanceID:    3,
		InstanceName:  "instance_3",
		TimeOfClick:   click,
		Status:        "success",
		VotingURL:     "https://vote.example.com/page",
		InitialCount:  intPtr(41),
		FinalCount:    intPtr(42),
		CountChange:   intPtr(1),
		ProxyIP:       "203.0.113.7",
		SessionToken:  "ab12cd34",
		ClickAttempts: 1,
		BrowserClosed: true,
	}
	if err := l.AppendAttempt(e); err != nil {
		t.Fatalf("AppendAttempt() error = %v", err)
	}

	entries, err := l.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("len(entries) = %d, want 1", len(entries))
	}

	got := entries[0]
	if !got.Timestamp.Equal(ts) {
		t.Errorf("Timestamp = %v, want %v", got.Timestamp, ts)
	}
	if !got.TimeOfClick.Equal(click) {
		t.Errorf("TimeOfClick = %v, want %v", got.TimeOfClick, click)
	}
	if got.InstanceID != 3 || got.InstanceName != "instance_3" {
		t.Errorf("identity = (%d, %q)", got.InstanceID, got.InstanceName)
	}
	if got.Status != "success" || got.FailureType != "" {
		t.Errorf("status = (%q, %q)", got.Status, got.FailureType)
	}
	if got.InitialCount == nil || *got.InitialCount != 41 {
		t.Errorf("InitialCount = %v, want 41", got.InitialCount)
	}
	if got.CountChange == nil || *got.CountChange != 1 {
		t.Errorf("CountChange = %v, want 1", got.CountChange)
	}
	if !got.BrowserClosed {
		t.Error("BrowserClosed lost in round trip")
	}
}

func TestAppendAttemptMissingNumericsStayEmpty(t *testing.T) {
	l := openTestLog(t)

	e := Entry{
		Timestamp:    time.Now().UTC(),
		InstanceID:   1,
		InstanceName: "instance_1",
		Status:       "failed",
		FailureType:  "technical",
		ErrorMessage: "navigation timeout",
	}
	if err := l.AppendAttempt(e); err != nil {
		t.Fatalf("AppendAttempt() error = %v", err)
	}

	data, err := os.ReadFile(l.Path())
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("line count = %d, want header plus one row", len(lines))
	}
	fields := strings.Split(lines[1], ",")
	if len(fields) != 17 {
		t.Fatalf("field count = %d, want 17", len(fields))
	}
	// initial, final, change are columns 10..12 (1-based) and must be empty.
	for _, idx := range []int{9, 10, 11} {
		if fields[idx] != "" {
			t.Errorf("column %d = %q, want empty for missing numeric", idx+1, fields[idx])
		}
	}
	if fields[16] != "false" {
		t.Errorf("browser_closed = %q, want false", fields[16])
	}

	entries, err := l.ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if entries[0].InitialCount != nil || entries[0].FinalCount != nil || entries[0].CountChange != nil {
		t.Error("missing numerics should parse back as nil")
	}
}

func TestAppendQuotesCommasInMessages(t *testing.T) {
	l := openTestLog(t)

	e := Entry{
		Timestamp:       time.Now().UTC(),
		InstanceID:      2,
		InstanceName:    "instance_2",
		Status:          "failed",
		FailureType:     "ip_cooldown",
		CooldownMessage: "You have already voted, come back at your next voting time of 18:45.",
	}
	if err := l.AppendAttempt(e); err != nil {
		t.Fatalf("AppendAttempt() error = %v", err)
	}

	entries, err := l.ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if entries[0].CooldownMessage != e.CooldownMessage {
		t.Errorf("CooldownMessage = %q, want %q", entries[0].CooldownMessage, e.CooldownMessage)
	}
}

func TestReadAllSkipsTrailingPartialLine(t *testing.T) {
	l := openTestLog(t)

	for i := 0; i < 3; i++ {
		e := Entry{
			Timestamp:    time.Now().UTC(),
			InstanceID:   i,
			InstanceName: types.InstanceName(i),
			Status:       "success",
		}
		if err := l.AppendAttempt(e); err != nil {
			t.Fatal(err)
		}
	}

	// Simulate a crash mid-append.
	f, err := os.OpenFile(l.Path(), os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString("2025-06-01T10:00:00Z,4,instance_4,, succ"); err != nil {
		t.Fatal(err)
	}
	f.Close()

	entries, err := l.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if len(entries) != 3 {
		t.Errorf("len(entries) = %d, want 3 complete rows", len(entries))
	}
}

func TestReadAllMissingFileIsEmpty(t *testing.T) {
	l := &Log{path: filepath.Join(t.TempDir(), "absent.csv")}
	entries, err := l.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if entries != nil {
		t.Errorf("entries = %v, want nil for missing file", entries)
	}
}

func TestAppendAfterCloseFails(t *testing.T) {
	l := openTestLog(t)
	if err := l.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	err := l.AppendAttempt(Entry{Timestamp: time.Now(), InstanceID: 0, Status: "failed"})
	if err == nil {
		t.Fatal("AppendAttempt() after Close() should fail")
	}
	var storageErr *types.StorageError
	if !errors.As(err, &storageErr) {
		t.Errorf("error %T, want *types.StorageError", err)
	}
	if !errors.Is(err, types.ErrStoreClosed) {
		t.Error("error should wrap ErrStoreClosed")
	}
}

func TestAppendHourlyLimitRoundTrip(t *testing.T) {
	l := openTestLog(t)

	e := HourlyLimitEntry{
		DetectedAt:   time.Date(2025, 6, 1, 14, 30, 0, 0, time.UTC),
		InstanceID:   5,
		InstanceName: "instance_5",
		VoteCount:    intPtr(12),
		ProxyIP:      "203.0.113.9",
		SessionToken: "deadbeef",
		Message:      "The voting button is temporarily disabled",
		FailureType:  "global_hourly_limit",
	}
	if err := l.AppendHourlyLimit(e); err != nil {
		t.Fatalf("AppendHourlyLimit() error = %v", err)
	}

	limits, err := l.readHourlyLimits()
	if err != nil {
		t.Fatalf("readHourlyLimits() error = %v", err)
	}
	if len(limits) != 1 {
		t.Fatalf("len(limits) = %d, want 1", len(limits))
	}
	got := limits[0]
	if !got.DetectedAt.Equal(e.DetectedAt) || got.InstanceID != 5 {
		t.Errorf("detection = (%v, %d)", got.DetectedAt, got.InstanceID)
	}
	if got.VoteCount == nil || *got.VoteCount != 12 {
		t.Errorf("VoteCount = %v, want 12", got.VoteCount)
	}

	data, err := os.ReadFile(l.HourlyPath())
	if err != nil {
		t.Fatal(err)
	}
	firstLine := strings.SplitN(string(data), "\n", 2)[0]
	if want := strings.Join(hourlyLimitHeader, ","); firstLine != want {
		t.Errorf("hourly header = %q, want %q", firstLine, want)
	}
}

func TestConcurrentAppends(t *testing.T) {
	l := openTestLog(t)

	const goroutines = 8
	const perGoroutine = 25

	done := make(chan error, goroutines)
	for g := 0; g < goroutines; g++ {
		go func(id int) {
			for i := 0; i < perGoroutine; i++ {
				e := Entry{
					Timestamp:    time.Now().UTC(),
					InstanceID:   id,
					InstanceName: types.InstanceName(id),
					Status:       "success",
				}
				if err := l.AppendAttempt(e); err != nil {
					done <- err
					return
				}
			}
			done <- nil
		}(g)
	}
	for g := 0; g < goroutines; g++ {
		if err := <-done; err != nil {
			t.Fatalf("concurrent append error = %v", err)
		}
	}

	entries, err := l.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if len(entries) != goroutines*perGoroutine {
		t.Errorf("len(entries) = %d, want %d", len(entries), goroutines*perGoroutine)
	}
}

func TestReopenAppendsWithoutSecondHeader(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vote_log.csv")

	l, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := l.AppendAttempt(Entry{Timestamp: time.Now().UTC(), InstanceID: 0, InstanceName: "instance_0", Status: "success"}); err != nil {
		t.Fatal(err)
	}
	l.Close()

	l2, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer l2.Close()
	if err := l2.AppendAttempt(Entry{Timestamp: time.Now().UTC(), InstanceID: 1, InstanceName: "instance_1", Status: "failed", FailureType: "technical"}); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if n := strings.Count(string(data), "timestamp,instance_id"); n != 1 {
		t.Errorf("header appears %d times, want 1", n)
	}

	entries, err := l2.ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Errorf("len(entries) = %d, want 2", len(entries))
	}
}
