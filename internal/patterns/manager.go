package patterns

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Overrides carries operator-supplied pattern lists from the environment.
// A non-empty list replaces the corresponding merged list entirely, so the
// precedence is environment, then file, then embedded defaults.
type Overrides struct {
	GlobalHourlyLimit []string
	InstanceCooldown  []string
	Failure           []string
}

func (o Overrides) empty() bool {
	return len(o.GlobalHourlyLimit) == 0 && len(o.InstanceCooldown) == 0 && len(o.Failure) == 0
}

// ReloadStats tracks pattern reload attempts for diagnostics.
type ReloadStats struct {
	LastAttempt  time.Time
	LastSuccess  time.Time
	SuccessCount int
	FailureCount int
	LastError    string
}

// Manager provides hot-reloadable pattern sets. The embedded defaults always
// load; an optional external YAML file is merged over them and watched for
// changes, and environment overrides win over both.
type Manager struct {
	embedded  *Set
	overrides Overrides

	current atomic.Value // *Set

	externalPath string
	watcher      *fsnotify.Watcher

	stopCh chan struct{}
	wg     sync.WaitGroup

	mu     sync.Mutex
	stats  ReloadStats
	closed bool
}

// NewManager creates a pattern manager. externalPath may be empty, in which
// case only the embedded defaults and overrides are used and no watcher
// starts. watch enables fsnotify-based hot reload of the external file.
func NewManager(externalPath string, watch bool, overrides Overrides) (*Manager, error) {
	m := &Manager{
		embedded:     Get(),
		overrides:    overrides,
		externalPath: externalPath,
		stopCh:       make(chan struct{}),
	}
	m.current.Store(m.applyOverrides(m.embedded))

	if externalPath == "" {
		return m, nil
	}

	m.mu.Lock()
	err := m.loadExternalLocked()
	m.mu.Unlock()
	if err != nil {
		log.Warn().Err(err).Str("path", externalPath).Msg("External patterns file unusable, using embedded defaults")
	}

	if watch {
		if err := m.startWatcher(); err != nil {
			log.Warn().Err(err).Msg("Pattern file watcher unavailable, hot reload disabled")
		}
	}

	return m, nil
}

// Current returns the active pattern set. Lock-free.
func (m *Manager) Current() *Set {
	return m.current.Load().(*Set)
}

// Reload re-reads the external patterns file on demand.
func (m *Manager) Reload() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return fmt.Errorf("pattern manager is closed")
	}
	if m.externalPath == "" {
		return fmt.Errorf("no external patterns file configured")
	}
	return m.loadExternalLocked()
}

// Stats returns a copy of the reload statistics.
func (m *Manager) Stats() ReloadStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// Close stops the file watcher and releases resources.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.stopCh)
	if m.watcher != nil {
		m.watcher.Close()
	}
	m.wg.Wait()
	return nil
}

// loadExternalLocked reads, validates and applies the external file.
// Caller must hold m.mu.
func (m *Manager) loadExternalLocked() error {
	m.stats.LastAttempt = time.Now()

	data, err := os.ReadFile(m.externalPath)
	if err != nil {
		m.recordFailureLocked(err)
		return err
	}

	var ext Set
	if err := yaml.Unmarshal(data, &ext); err != nil {
		m.recordFailureLocked(err)
		return fmt.Errorf("parse %s: %w", m.externalPath, err)
	}

	merged := mergeSets(m.embedded, &ext)
	merged = m.applyOverrides(merged)
	if err := merged.Validate(); err != nil {
		m.recordFailureLocked(err)
		return fmt.Errorf("validate %s: %w", m.externalPath, err)
	}

	m.current.Store(merged)
	m.stats.LastSuccess = time.Now()
	m.stats.SuccessCount++
	m.stats.LastError = ""

	log.Info().Str("path", m.externalPath).Msg("Patterns reloaded from file")
	return nil
}

func (m *Manager) recordFailureLocked(err error) {
	m.stats.FailureCount++
	m.stats.LastError = err.Error()
}

// applyOverrides replaces lists the operator set in the environment.
func (m *Manager) applyOverrides(base *Set) *Set {
	if m.overrides.empty() {
		return base
	}
	merged := *base
	if len(m.overrides.GlobalHourlyLimit) > 0 {
		merged.GlobalHourlyLimit = m.overrides.GlobalHourlyLimit
	}
	if len(m.overrides.InstanceCooldown) > 0 {
		merged.InstanceCooldown = m.overrides.InstanceCooldown
	}
	if len(m.overrides.Failure) > 0 {
		merged.Failure = m.overrides.Failure
	}
	return &merged
}

// mergeSets overlays non-empty lists from ext onto base. Empty lists in ext
// keep the embedded values so a sparse file only overrides what it names.
func mergeSets(base, ext *Set) *Set {
	merged := *base

	if len(ext.GlobalHourlyLimit) > 0 {
		merged.GlobalHourlyLimit = ext.GlobalHourlyLimit
	}
	if len(ext.InstanceCooldown) > 0 {
		merged.InstanceCooldown = ext.InstanceCooldown
	}
	if len(ext.Failure) > 0 {
		merged.Failure = ext.Failure
	}
	if len(ext.SuccessMarkers) > 0 {
		merged.SuccessMarkers = ext.SuccessMarkers
	}
	if len(ext.LoginMarkers) > 0 {
		merged.LoginMarkers = ext.LoginMarkers
	}
	if len(ext.HiddenButtonMarker) > 0 {
		merged.HiddenButtonMarker = ext.HiddenButtonMarker
	}
	if len(ext.VoteButtonSelectors) > 0 {
		merged.VoteButtonSelectors = ext.VoteButtonSelectors
	}
	if len(ext.CounterSelectors) > 0 {
		merged.CounterSelectors = ext.CounterSelectors
	}
	if len(ext.CloseButtonsSite) > 0 {
		merged.CloseButtonsSite = ext.CloseButtonsSite
	}
	if len(ext.CloseButtonsGeneric) > 0 {
		merged.CloseButtonsGeneric = ext.CloseButtonsGeneric
	}
	if len(ext.LoginButtonSelectors) > 0 {
		merged.LoginButtonSelectors = ext.LoginButtonSelectors
	}
	if len(ext.BlockedHostPatterns) > 0 {
		merged.BlockedHostPatterns = ext.BlockedHostPatterns
	}
	if len(ext.EssentialCSSAllowlist) > 0 {
		merged.EssentialCSSAllowlist = ext.EssentialCSSAllowlist
	}

	return &merged
}

// startWatcher begins watching the external file for changes.
func (m *Manager) startWatcher() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	// Watch the directory, not the file. Editors that write via rename
	// would otherwise drop the watch.
	dir := filepath.Dir(m.externalPath)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return err
	}

	m.watcher = watcher
	m.wg.Add(1)
	go m.watchFile()

	log.Debug().Str("path", m.externalPath).Msg("Watching patterns file for changes")
	return nil
}

func (m *Manager) watchFile() {
	defer m.wg.Done()

	target := filepath.Clean(m.externalPath)
	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-m.stopCh:
			return
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			// Debounce bursts of write events from a single save.
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(100*time.Millisecond, func() {
				if err := m.Reload(); err != nil {
					log.Warn().Err(err).Msg("Pattern hot reload failed, keeping previous set")
				}
			})
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("Pattern file watcher error")
		}
	}
}
