// Package browser provides the browser capability used by voting workers:
// open a proxied browser with a persistent profile, drive one page, close.
// The capability is an interface so scheduling and classification logic is
// testable without Chrome; the production implementation is rod-backed.
package browser

import (
	"context"
	"time"
)

// OpenSpec describes one browser launch.
type OpenSpec struct {
	// TargetURL is recorded for diagnostics; navigation happens explicitly
	// through Page.Navigate.
	TargetURL string

	// ProxyEndpoint is scheme://host:port. Empty means a direct connection.
	ProxyEndpoint string
	ProxyUsername string
	ProxyPassword string

	// StorageDir is the persistent user-data directory carrying cookies and
	// local storage across opens. Empty launches a throwaway profile.
	StorageDir string

	UserAgent string
}

// Opener launches browsers. One Open call produces one Session; sessions are
// never pooled or reused, the launch gate bounds how many exist at once.
type Opener interface {
	Open(ctx context.Context, spec OpenSpec) (Session, error)
}

// Session is one held browser. Close is best-effort and bounded; a session
// must be closed exactly once.
type Session interface {
	Page() Page
	OpenedAt() time.Time
	Close(ctx context.Context) error
}

// Page drives the single page of a session. All methods honor ctx deadlines;
// callers bound Content reads so a frozen page cannot hang an attempt.
type Page interface {
	Navigate(ctx context.Context, url string) error
	// WaitStable blocks until the DOM stops mutating or ctx expires. Best
	// effort; a page that never settles is not an error.
	WaitStable(ctx context.Context) error
	Content(ctx context.Context) (string, error)
	// Query returns the first match for the selector, or false when absent.
	Query(ctx context.Context, selector string) (Element, bool)
	PressEscape(ctx context.Context) error
}

// Element is a located page element.
type Element interface {
	Text(ctx context.Context) (string, error)
	Click(ctx context.Context) error
	Visible(ctx context.Context) bool
}
