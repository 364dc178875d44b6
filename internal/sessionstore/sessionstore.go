// Package sessionstore persists per-instance session records and browser
// profile directories under the data directory.
package sessionstore

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/votefleet-go/internal/types"
)

const (
	recordFilename = "session_info.json"
	profileDirname = "browser_profile"
	instancePrefix = "instance_"
)

// Record is the durable per-instance session state. It is written after
// every verified success and on graceful browser close, and read once at
// startup.
type Record struct {
	InstanceID    int       `json:"instance_id"`
	ProxyIP       string    `json:"proxy_ip"`
	SessionToken  string    `json:"session_token"`
	LastSuccessAt time.Time `json:"last_success_at"`
	VoteCount     int       `json:"vote_count"`
	SavedAt       time.Time `json:"saved_at"`
}

// Store is a key/value blob store keyed by instance id. It makes no
// scheduling decisions.
type Store struct {
	baseDir string
}

// New creates a store rooted at baseDir, creating it if needed.
func New(baseDir string) (*Store, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, types.NewStorageError("open", baseDir, "failed to create data directory", err)
	}
	return &Store{baseDir: baseDir}, nil
}

// BaseDir returns the root data directory.
func (s *Store) BaseDir() string { return s.baseDir }

func (s *Store) instanceDir(id int) string {
	return filepath.Join(s.baseDir, instancePrefix+strconv.Itoa(id))
}

func (s *Store) recordPath(id int) string {
	return filepath.Join(s.instanceDir(id), recordFilename)
}

// StorageStatePath returns the opaque browser profile directory for the
// instance, creating it so the browser can use it immediately.
func (s *Store) StorageStatePath(id int) (string, error) {
	dir := filepath.Join(s.instanceDir(id), profileDirname)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", types.NewStorageError("mkdir", dir, "failed to create browser profile directory", err)
	}
	return dir, nil
}

// Load reads the record for an instance. The second return is false when no
// record exists (cold start). Corrupt JSON returns an ErrSessionCorrupt
// wrapped StorageError; the caller treats it as a cold start too.
func (s *Store) Load(id int) (*Record, bool, error) {
	path := s.recordPath(id)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, types.NewStorageError("load", path, "failed to read session record", err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, false, types.NewStorageError("load", path, "session record is corrupt",
			errors.Join(types.ErrSessionCorrupt, err))
	}
	return &rec, true, nil
}

// Save atomically writes the record: temp file in the same directory, fsync,
// then rename. A crash mid-save never leaves a partial record.
func (s *Store) Save(id int, rec Record) error {
	dir := s.instanceDir(id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return types.NewStorageError("save", dir, "failed to create instance directory", err)
	}

	rec.InstanceID = id
	if rec.SavedAt.IsZero() {
		rec.SavedAt = time.Now()
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return types.NewStorageError("save", s.recordPath(id), "failed to encode session record", err)
	}

	tmp, err := os.CreateTemp(dir, recordFilename+".tmp-*")
	if err != nil {
		return types.NewStorageError("save", dir, "failed to create temp file", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return types.NewStorageError("save", tmpPath, "failed to write session record", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return types.NewStorageError("save", tmpPath, "failed to sync session record", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return types.NewStorageError("save", tmpPath, "failed to close temp file", err)
	}

	target := s.recordPath(id)
	if err := os.Rename(tmpPath, target); err != nil {
		os.Remove(tmpPath)
		return types.NewStorageError("save", target, "failed to replace session record", err)
	}

	log.Debug().
		Int("instance_id", id).
		Int("vote_count", rec.VoteCount).
		Msg("Session record saved")
	return nil
}

// LoadAll scans the data directory for instance records, in instance-id
// order. Corrupt records are skipped with a warning so one bad file never
// blocks startup.
func (s *Store) LoadAll() ([]Record, error) {
	dirEntries, err := os.ReadDir(s.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, types.NewStorageError("load", s.baseDir, "failed to scan data directory", err)
	}

	var records []Record
	for _, de := range dirEntries {
		if !de.IsDir() || !strings.HasPrefix(de.Name(), instancePrefix) {
			continue
		}
		id, err := strconv.Atoi(strings.TrimPrefix(de.Name(), instancePrefix))
		if err != nil {
			continue
		}

		rec, ok, err := s.Load(id)
		if err != nil {
			log.Warn().Err(err).Int("instance_id", id).Msg("Skipping unreadable session record")
			continue
		}
		if !ok {
			continue
		}
		records = append(records, *rec)
	}

	sort.Slice(records, func(i, j int) bool { return records[i].InstanceID < records[j].InstanceID })
	return records, nil
}
