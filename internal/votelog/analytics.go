package votelog

import (
	"sort"
	"time"
)

// Bucket aggregates one hour of vote activity joined with hourly-limit
// detections from the co-located stream.
type Bucket struct {
	Total            int
	Success          int
	Failed           int
	HourlyLimitCount int
	VotesBeforeLimit int
}

// HourlyAnalytics joins both streams by hour bucket. window bounds how far
// back from now to aggregate; zero or negative means the whole log.
// VotesBeforeLimit counts successes recorded before the first detection in
// that hour, so operators can see how many votes landed before the site cut
// the fleet off.
func (l *Log) HourlyAnalytics(now time.Time, window time.Duration) (map[time.Time]Bucket, error) {
	entries, err := l.ReadAll()
	if err != nil {
		return nil, err
	}
	limits, err := l.readHourlyLimits()
	if err != nil {
		return nil, err
	}

	var cutoff time.Time
	if window > 0 {
		cutoff = now.Add(-window)
	}
	inWindow := func(t time.Time) bool {
		return cutoff.IsZero() || !t.Before(cutoff)
	}

	buckets := make(map[time.Time]Bucket)
	firstDetection := make(map[time.Time]time.Time)

	for _, d := range limits {
		if !inWindow(d.DetectedAt) {
			continue
		}
		hour := d.DetectedAt.Truncate(time.Hour)
		b := buckets[hour]
		b.HourlyLimitCount++
		buckets[hour] = b

		if first, ok := firstDetection[hour]; !ok || d.DetectedAt.Before(first) {
			firstDetection[hour] = d.DetectedAt
		}
	}

	for _, e := range entries {
		if !inWindow(e.Timestamp) {
			continue
		}
		hour := e.Timestamp.Truncate(time.Hour)
		b := buckets[hour]
		b.Total++
		switch e.Status {
		case "success":
			b.Success++
			if first, ok := firstDetection[hour]; ok && e.Timestamp.Before(first) {
				b.VotesBeforeLimit++
			}
		case "failed":
			b.Failed++
		}
		buckets[hour] = b
	}

	return buckets, nil
}

// SortedHours returns the bucket keys in ascending order for display.
func SortedHours(buckets map[time.Time]Bucket) []time.Time {
	hours := make([]time.Time, 0, len(buckets))
	for h := range buckets {
		hours = append(hours, h)
	}
	sort.Slice(hours, func(i, j int) bool { return hours[i].Before(hours[j]) })
	return hours
}
