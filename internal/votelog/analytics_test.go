package votelog

import (
	"path/filepath"
	"testing"
	"time"
)

func TestHourlyAnalyticsJoinsStreams(t *testing.T) {
	l := openTestLog(t)

	base := time.Date(2025, 6, 1, 14, 0, 0, 0, time.UTC)

	// Three successes, then a limit detection, then two failed attempts in
	// the same hour.
	for i := 0; i < 3; i++ {
		e := Entry{
			Timestamp:    base.Add(time.Duration(i) * 5 * time.Minute),
			InstanceID:   i,
			InstanceName: "instance_0",
			Status:       "success",
		}
		if err := l.AppendAttempt(e); err != nil {
			t.Fatal(err)
		}
	}
	if err := l.AppendHourlyLimit(HourlyLimitEntry{
		DetectedAt:  base.Add(20 * time.Minute),
		InstanceID:  0,
		FailureType: "global_hourly_limit",
	}); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		e := Entry{
			Timestamp:   base.Add(25*time.Minute + time.Duration(i)*time.Minute),
			InstanceID:  i,
			Status:      "failed",
			FailureType: "global_hourly_limit",
		}
		if err := l.AppendAttempt(e); err != nil {
			t.Fatal(err)
		}
	}

	// One success the next hour, no detection.
	if err := l.AppendAttempt(Entry{
		Timestamp:  base.Add(70 * time.Minute),
		InstanceID: 1,
		Status:     "success",
	}); err != nil {
		t.Fatal(err)
	}

	buckets, err := l.HourlyAnalytics(base.Add(2*time.Hour), 0)
	if err != nil {
		t.Fatalf("HourlyAnalytics() error = %v", err)
	}

	limited := buckets[base]
	if limited.Total != 5 || limited.Success != 3 || limited.Failed != 2 {
		t.Errorf("limited hour = %+v, want total 5 success 3 failed 2", limited)
	}
	if limited.HourlyLimitCount != 1 {
		t.Errorf("HourlyLimitCount = %d, want 1", limited.HourlyLimitCount)
	}
	if limited.VotesBeforeLimit != 3 {
		t.Errorf("VotesBeforeLimit = %d, want 3", limited.VotesBeforeLimit)
	}

	free := buckets[base.Add(time.Hour)]
	if free.Total != 1 || free.Success != 1 || free.HourlyLimitCount != 0 || free.VotesBeforeLimit != 0 {
		t.Errorf("free hour = %+v", free)
	}
}

func TestHourlyAnalyticsWindow(t *testing.T) {
	l := openTestLog(t)

	now := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	old := Entry{Timestamp: now.Add(-48 * time.Hour), InstanceID: 0, Status: "success"}
	recent := Entry{Timestamp: now.Add(-2 * time.Hour), InstanceID: 0, Status: "success"}
	for _, e := range []Entry{old, recent} {
		if err := l.AppendAttempt(e); err != nil {
			t.Fatal(err)
		}
	}

	buckets, err := l.HourlyAnalytics(now, 24*time.Hour)
	if err != nil {
		t.Fatalf("HourlyAnalytics() error = %v", err)
	}
	if len(buckets) != 1 {
		t.Fatalf("len(buckets) = %d, want 1 (old entry outside window)", len(buckets))
	}
	if _, ok := buckets[recent.Timestamp.Truncate(time.Hour)]; !ok {
		t.Error("recent bucket missing")
	}
}

func TestHourlyAnalyticsEmptyLogs(t *testing.T) {
	l := &Log{
		path:       filepath.Join(t.TempDir(), "vote_log.csv"),
		hourlyPath: filepath.Join(t.TempDir(), "hourly_limit_log.csv"),
	}
	buckets, err := l.HourlyAnalytics(time.Now(), 24*time.Hour)
	if err != nil {
		t.Fatalf("HourlyAnalytics() error = %v", err)
	}
	if len(buckets) != 0 {
		t.Errorf("len(buckets) = %d, want 0", len(buckets))
	}
}

func TestSortedHours(t *testing.T) {
	a := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	b := a.Add(time.Hour)
	c := a.Add(2 * time.Hour)
	buckets := map[time.Time]Bucket{c: {}, a: {}, b: {}}

	hours := SortedHours(buckets)
	if len(hours) != 3 {
		t.Fatalf("len(hours) = %d, want 3", len(hours))
	}
	if !hours[0].Equal(a) || !hours[1].Equal(b) || !hours[2].Equal(c) {
		t.Errorf("hours = %v, want ascending", hours)
	}
}
