// Package votelog persists per-attempt vote records and hourly-limit
// detections as append-only CSV streams.
package votelog

import (
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/votefleet-go/internal/types"
)

const (
	// hourlyLimitFilename is derived from the main log's directory so both
	// streams always live together. Analytics joins them by hour.
	hourlyLimitFilename = "hourly_limit_log.csv"

	maxWriteAttempts = 4
	retryBaseDelay   = 100 * time.Millisecond
)

// attemptHeader is the fixed column order of the main vote log. Existing
// logs are read by external tooling, so the order never changes.
var attemptHeader = []string{
	"timestamp",
	"instance_id",
	"instance_name",
	"time_of_click",
	"status",
	"voting_url",
	"cooldown_message",
	"failure_type",
	"failure_reason",
	"initial_vote_count",
	"final_vote_count",
	"vote_count_change",
	"proxy_ip",
	"session_token",
	"click_attempts",
	"error_message",
	"browser_closed",
}

var hourlyLimitHeader = []string{
	"detected_at",
	"instance_id",
	"instance_name",
	"vote_count",
	"proxy_ip",
	"session_token",
	"cooldown_message",
	"failure_type",
}

// Entry is one vote attempt record.
// Unknown numeric fields stay nil and serialize as empty strings.
type Entry struct {
	Timestamp       time.Time
	InstanceID      int
	InstanceName    string
	TimeOfClick     time.Time
	Status          string
	VotingURL       string
	CooldownMessage string
	FailureType     string
	FailureReason   string
	InitialCount    *int
	FinalCount      *int
	CountChange     *int
	ProxyIP         string
	SessionToken    string
	ClickAttempts   int
	ErrorMessage    string
	BrowserClosed   bool
}

// HourlyLimitEntry is one global hourly-limit detection record.
type HourlyLimitEntry struct {
	DetectedAt   time.Time
	InstanceID   int
	InstanceName string
	VoteCount    *int
	ProxyIP      string
	SessionToken string
	Message      string
	FailureType  string
}

// Log owns both CSV streams. All appends are serialized by a single mutex
// so concurrent instance loops never interleave partial records.
type Log struct {
	mu sync.Mutex

	path       string
	hourlyPath string

	file       *os.File
	hourlyFile *os.File

	closed bool
}

// Open prepares the vote log at path, creating the directory and the main
// file (with header) if needed. The hourly-limit stream is opened lazily on
// first detection.
func Open(path string) (*Log, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, types.NewStorageError("open", path, "failed to create log directory", err)
	}

	l := &Log{
		path:       path,
		hourlyPath: filepath.Join(dir, hourlyLimitFilename),
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.ensureOpenLocked(&l.file, l.path, attemptHeader); err != nil {
		return nil, types.NewStorageError("open", path, "failed to open vote log", err)
	}

	log.Debug().Str("path", path).Str("hourly_path", l.hourlyPath).Msg("Vote log opened")
	return l, nil
}

// Path returns the main vote log path.
func (l *Log) Path() string { return l.path }

// HourlyPath returns the co-located hourly-limit stream path.
func (l *Log) HourlyPath() string { return l.hourlyPath }

// AppendAttempt durably appends one attempt record. Transient write errors
// are retried with exponential back-off before giving up.
func (l *Log) AppendAttempt(e Entry) error {
	row := []string{
		e.Timestamp.Format(time.RFC3339),
		strconv.Itoa(e.InstanceID),
		e.InstanceName,
		formatTime(e.TimeOfClick),
		e.Status,
		e.VotingURL,
		e.CooldownMessage,
		e.FailureType,
		e.FailureReason,
		formatOptionalInt(e.InitialCount),
		formatOptionalInt(e.FinalCount),
		formatOptionalInt(e.CountChange),
		e.ProxyIP,
		e.SessionToken,
		strconv.Itoa(e.ClickAttempts),
		e.ErrorMessage,
		strconv.FormatBool(e.BrowserClosed),
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return types.NewStorageError("append", l.path, "vote log is closed", types.ErrStoreClosed)
	}
	return l.appendRowLocked(&l.file, l.path, attemptHeader, row)
}

// AppendHourlyLimit durably appends one hourly-limit detection record.
func (l *Log) AppendHourlyLimit(e HourlyLimitEntry) error {
	row := []string{
		e.DetectedAt.Format(time.RFC3339),
		strconv.Itoa(e.InstanceID),
		e.InstanceName,
		formatOptionalInt(e.VoteCount),
		e.ProxyIP,
		e.SessionToken,
		e.Message,
		e.FailureType,
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return types.NewStorageError("append", l.hourlyPath, "vote log is closed", types.ErrStoreClosed)
	}
	return l.appendRowLocked(&l.hourlyFile, l.hourlyPath, hourlyLimitHeader, row)
}

// Close syncs and closes both streams. Further appends fail.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true

	var firstErr error
	for _, f := range []*os.File{l.file, l.hourlyFile} {
		if f == nil {
			continue
		}
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	l.file = nil
	l.hourlyFile = nil
	return firstErr
}

// ensureOpenLocked opens the append handle if needed, writing the header row
// when the file is new. Caller must hold l.mu.
func (l *Log) ensureOpenLocked(fptr **os.File, path string, header []string) (*os.File, error) {
	if *fptr != nil {
		return *fptr, nil
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if info.Size() == 0 {
		w := csv.NewWriter(f)
		if err := w.Write(header); err != nil {
			f.Close()
			return nil, err
		}
		w.Flush()
		if err := w.Error(); err != nil {
			f.Close()
			return nil, err
		}
		if err := f.Sync(); err != nil {
			f.Close()
			return nil, err
		}
	}

	*fptr = f
	return f, nil
}

// appendRowLocked writes one record, syncing before return. On failure the
// handle is dropped and reopened on the next try. Caller must hold l.mu.
func (l *Log) appendRowLocked(fptr **os.File, path string, header, row []string) error {
	var lastErr error

	for attempt := 0; attempt < maxWriteAttempts; attempt++ {
		if attempt > 0 {
			delay := retryBaseDelay << (attempt - 1)
			log.Warn().
				Err(lastErr).
				Str("path", path).
				Dur("retry_in", delay).
				Msg("Log append failed, retrying")
			time.Sleep(delay)
		}

		f, err := l.ensureOpenLocked(fptr, path, header)
		if err != nil {
			lastErr = err
			continue
		}

		w := csv.NewWriter(f)
		if err := w.Write(row); err != nil {
			lastErr = err
			l.dropHandleLocked(fptr)
			continue
		}
		w.Flush()
		if err := w.Error(); err != nil {
			lastErr = err
			l.dropHandleLocked(fptr)
			continue
		}
		if err := f.Sync(); err != nil {
			lastErr = err
			l.dropHandleLocked(fptr)
			continue
		}
		return nil
	}

	return types.NewStorageError("append", path, "append failed after retries", lastErr)
}

func (l *Log) dropHandleLocked(fptr **os.File) {
	if *fptr != nil {
		(*fptr).Close()
		*fptr = nil
	}
}

// ReadAll scans the whole main log. Malformed rows, including a trailing
// partial line from an interrupted run, are skipped. A missing file is an
// empty log.
func (l *Log) ReadAll() ([]Entry, error) {
	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, types.NewStorageError("read", l.path, "failed to open vote log", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1

	var entries []Entry
	var skipped int
	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			skipped++
			continue
		}
		if len(row) != len(attemptHeader) || row[0] == "timestamp" {
			if row[0] != "timestamp" {
				skipped++
			}
			continue
		}

		e, ok := parseEntry(row)
		if !ok {
			skipped++
			continue
		}
		entries = append(entries, e)
	}

	if skipped > 0 {
		log.Warn().Int("skipped", skipped).Str("path", l.path).Msg("Skipped malformed vote log rows")
	}
	return entries, nil
}

func parseEntry(row []string) (Entry, bool) {
	ts, err := time.Parse(time.RFC3339, row[0])
	if err != nil {
		return Entry{}, false
	}
	id, err := strconv.Atoi(row[1])
	if err != nil {
		return Entry{}, false
	}

	e := Entry{
		Timestamp:       ts,
		InstanceID:      id,
		InstanceName:    row[2],
		Status:          row[4],
		VotingURL:       row[5],
		CooldownMessage: row[6],
		FailureType:     row[7],
		FailureReason:   row[8],
		InitialCount:    parseOptionalInt(row[9]),
		FinalCount:      parseOptionalInt(row[10]),
		CountChange:     parseOptionalInt(row[11]),
		ProxyIP:         row[12],
		SessionToken:    row[13],
		ErrorMessage:    row[15],
	}
	if t, err := time.Parse(time.RFC3339, row[3]); err == nil {
		e.TimeOfClick = t
	}
	if n, err := strconv.Atoi(row[14]); err == nil {
		e.ClickAttempts = n
	}
	if b, err := strconv.ParseBool(row[16]); err == nil {
		e.BrowserClosed = b
	}
	return e, true
}

// readHourlyLimits scans the detection stream with the same tolerance as
// ReadAll.
func (l *Log) readHourlyLimits() ([]HourlyLimitEntry, error) {
	f, err := os.Open(l.hourlyPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, types.NewStorageError("read", l.hourlyPath, "failed to open hourly-limit log", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1

	var entries []HourlyLimitEntry
	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil || len(row) != len(hourlyLimitHeader) || row[0] == "detected_at" {
			continue
		}

		ts, err := time.Parse(time.RFC3339, row[0])
		if err != nil {
			continue
		}
		id, err := strconv.Atoi(row[1])
		if err != nil {
			continue
		}
		entries = append(entries, HourlyLimitEntry{
			DetectedAt:   ts,
			InstanceID:   id,
			InstanceName: row[2],
			VoteCount:    parseOptionalInt(row[3]),
			ProxyIP:      row[4],
			SessionToken: row[5],
			Message:      row[6],
			FailureType:  row[7],
		})
	}
	return entries, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339)
}

func formatOptionalInt(v *int) string {
	if v == nil {
		return ""
	}
	return strconv.Itoa(*v)
}

func parseOptionalInt(s string) *int {
	if s == "" {
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return nil
	}
	return &n
}
