package fleet

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/Rorqualx/votefleet-go/internal/browser"
	"github.com/Rorqualx/votefleet-go/internal/types"
)

// browserCloseTimeout bounds each forced close; parallelCloseLimit caps how
// many browsers shut down at once so a close storm cannot spike memory.
const (
	browserCloseTimeout = 10 * time.Second
	parallelCloseLimit  = 4
)

// OpenBrowser describes one held browser for snapshots and the janitor.
type OpenBrowser struct {
	InstanceID int       `json:"instance_id"`
	OpenedAt   time.Time `json:"opened_at"`
}

type heldSession struct {
	sess         browser.Session
	registeredAt time.Time
}

// Registry tracks which instance currently holds an open browser. Workers
// register on open and unregister on close; the janitor and the force-close
// API reach held browsers through it.
type Registry struct {
	mu       sync.Mutex
	sessions map[int]heldSession
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[int]heldSession)}
}

// Register records a freshly opened browser for an instance.
func (r *Registry) Register(instanceID int, sess browser.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.sessions[instanceID]; ok {
		// A stale entry means the previous attempt leaked its close; reap it
		// in the background rather than losing the handle.
		log.Warn().Int("instance_id", instanceID).Msg("Replacing stale browser registration")
		go closeQuietly(old.sess)
	}
	r.sessions[instanceID] = heldSession{sess: sess, registeredAt: time.Now()}
}

// Unregister drops the registration after a close.
func (r *Registry) Unregister(instanceID int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, instanceID)
}

// Close force-closes the browser held by an instance.
func (r *Registry) Close(instanceID int) error {
	r.mu.Lock()
	held, ok := r.sessions[instanceID]
	if ok {
		delete(r.sessions, instanceID)
	}
	r.mu.Unlock()

	if !ok {
		return types.ErrNoBrowserHeld
	}
	return closeQuietly(held.sess)
}

// List returns the held browsers sorted by instance id.
func (r *Registry) List() []OpenBrowser {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]OpenBrowser, 0, len(r.sessions))
	for id, held := range r.sessions {
		out = append(out, OpenBrowser{InstanceID: id, OpenedAt: held.registeredAt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InstanceID < out[j].InstanceID })
	return out
}

// Count returns how many browsers are currently held.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// CloseAll force-closes every held browser in parallel. Used on shutdown and
// restart.
func (r *Registry) CloseAll(ctx context.Context) error {
	r.mu.Lock()
	held := make([]heldSession, 0, len(r.sessions))
	for _, h := range r.sessions {
		held = append(held, h)
	}
	r.sessions = make(map[int]heldSession)
	r.mu.Unlock()

	if len(held) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallelCloseLimit)
	for _, h := range held {
		h := h
		g.Go(func() error {
			closeCtx, cancel := context.WithTimeout(gctx, browserCloseTimeout)
			defer cancel()
			if err := h.sess.Close(closeCtx); err != nil {
				log.Warn().Err(err).Msg("Browser close failed during shutdown")
			}
			return nil
		})
	}
	return g.Wait()
}

func closeQuietly(sess browser.Session) error {
	ctx, cancel := context.WithTimeout(context.Background(), browserCloseTimeout)
	defer cancel()
	err := sess.Close(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Forced browser close failed")
	}
	return err
}
