// Package worker runs single voting attempts. One call to Attempt drives one
// browser through navigate, overlay clearing, click, and counter
// verification, then hands a classified report back to the instance loop.
// The worker holds no state between attempts and never returns a raw error:
// every failure folds into an outcome.
package worker

import (
	"context"
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/votefleet-go/internal/browser"
	"github.com/Rorqualx/votefleet-go/internal/classifier"
	"github.com/Rorqualx/votefleet-go/internal/humanize"
	"github.com/Rorqualx/votefleet-go/internal/patterns"
	"github.com/Rorqualx/votefleet-go/internal/proxy"
	"github.com/Rorqualx/votefleet-go/internal/types"
)

// LaunchGate bounds how many browsers exist at once. Acquire blocks until a
// slot frees or the gate's wait budget expires, returning
// types.ErrLaunchGateTimeout in the latter case. The release func must be
// called exactly once.
type LaunchGate interface {
	Acquire(ctx context.Context) (release func(), err error)
}

// SessionRegistry tracks which instance holds which open browser so the
// janitor and force-close operations can reach them.
type SessionRegistry interface {
	Register(instanceID int, sess browser.Session)
	Unregister(instanceID int)
}

// Options are the per-attempt timing knobs, taken from config.
type Options struct {
	NavigationTimeout time.Duration
	ContentTimeout    time.Duration
	StabilizeDelay    time.Duration
	MaxClickRetries   int
	UserAgent         string
}

// Request describes one attempt for one instance.
type Request struct {
	InstanceID int
	TargetURL  string
	Lease      proxy.Lease
	StorageDir string

	// VoteCount is the instance's verified vote total, consumed by the
	// login-flash safeguard.
	VoteCount int

	// OnBrowserOpen, when non-nil, is called once the browser for this
	// attempt is open and registered. The instance uses it to track the
	// live browser and clear its init-failure streak.
	OnBrowserOpen func(openedAt time.Time)
}

// Worker executes voting attempts against the browser capability.
type Worker struct {
	opener   browser.Opener
	gate     LaunchGate
	registry SessionRegistry
	patterns func() *patterns.Set
	opts     Options
	timing   *humanize.Timing
}

// New creates a worker. patternSource is called once per attempt so hot
// reloads take effect between attempts, never mid-attempt.
func New(opener browser.Opener, gate LaunchGate, registry SessionRegistry, patternSource func() *patterns.Set, opts Options) *Worker {
	if opts.MaxClickRetries < 1 {
		opts.MaxClickRetries = 1
	}
	return &Worker{
		opener:   opener,
		gate:     gate,
		registry: registry,
		patterns: patternSource,
		opts:     opts,
		timing:   humanize.NewTiming(),
	}
}

// Attempt runs one full voting attempt. It never returns an error; whatever
// happens is expressed through the report's Outcome. The result is named so
// the deferred browser close can stamp BrowserClosed and FinishedAt on it.
func (w *Worker) Attempt(ctx context.Context, req Request) (report types.AttemptReport) {
	report = types.AttemptReport{
		StartedAt:    time.Now(),
		ProxyIP:      req.Lease.ObservedIP,
		SessionToken: req.Lease.SessionToken,
	}
	pats := w.patterns()

	release, err := w.gate.Acquire(ctx)
	if err != nil {
		report.Outcome = types.Outcome{Kind: types.OutcomeLaunchLockTimeout, Message: "launch_lock_timeout"}
		report.ErrorMessage = err.Error()
		report.FinishedAt = time.Now()
		return report
	}
	defer release()

	sess, err := w.opener.Open(ctx, browser.OpenSpec{
		TargetURL:     req.TargetURL,
		ProxyEndpoint: req.Lease.Endpoint,
		ProxyUsername: req.Lease.Username,
		ProxyPassword: req.Lease.Password,
		StorageDir:    req.StorageDir,
		UserAgent:     w.opts.UserAgent,
	})
	if err != nil {
		log.Warn().Err(err).Int("instance_id", req.InstanceID).Msg("Browser open failed")
		report.Outcome = types.Outcome{Kind: types.OutcomeNavigationError, Message: "browser open failed: " + err.Error()}
		report.ErrorMessage = err.Error()
		report.FinishedAt = time.Now()
		return report
	}

	w.registry.Register(req.InstanceID, sess)
	if req.OnBrowserOpen != nil {
		req.OnBrowserOpen(sess.OpenedAt())
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if cerr := sess.Close(closeCtx); cerr != nil {
			log.Warn().Err(cerr).Int("instance_id", req.InstanceID).Msg("Browser close failed")
			report.BrowserClosed = false
		} else {
			report.BrowserClosed = true
		}
		w.registry.Unregister(req.InstanceID)
		report.FinishedAt = time.Now()
	}()

	report.Outcome = w.drive(ctx, sess, req, pats, &report)
	return report
}

// drive is the attempt body from stabilize through classification. The
// browser is already open; the deferred close in Attempt runs afterward.
func (w *Worker) drive(ctx context.Context, sess browser.Session, req Request, pats *patterns.Set, report *types.AttemptReport) types.Outcome {
	page := sess.Page()

	// The page needs a beat before navigation: profile storage is still
	// settling and the login-flash safeguard keys off browser age.
	if !humanize.SleepWithContext(ctx, w.opts.StabilizeDelay) {
		return canceledOutcome(report)
	}

	navCtx, cancel := context.WithTimeout(ctx, w.opts.NavigationTimeout)
	err := page.Navigate(navCtx, req.TargetURL)
	cancel()
	if err != nil {
		report.ErrorMessage = err.Error()
		return types.Outcome{Kind: types.OutcomeNavigationError, Message: "navigation failed: " + err.Error()}
	}
	stableCtx, cancel := context.WithTimeout(ctx, w.opts.NavigationTimeout)
	_ = page.WaitStable(stableCtx)
	cancel()

	content, err := w.readContent(ctx, page)
	if err != nil {
		report.ErrorMessage = err.Error()
		return classifier.Classify(classifier.Input{
			WorkerErr: err,
			Patterns:  pats,
		})
	}

	// Landing check before any interaction: a limit page carries no vote
	// button and clicking around on it only wastes the attempt.
	if out, blocked := w.landingCheck(content, pats); blocked {
		return out
	}

	w.clearOverlays(ctx, page, pats)

	initial := w.readCounter(ctx, page, pats.CounterSelectors)
	report.InitialCount = initial

	outcome, done, buttonVisible := w.clickAndVerify(ctx, sess, req, pats, report, initial)
	if done {
		return outcome
	}

	content, cerr := w.readContent(ctx, page)
	if cerr != nil {
		content = ""
	}

	loginVisible, loginText := w.loginMarker(ctx, page, content, pats)

	return classifier.Classify(classifier.Input{
		InitialCount:       initial,
		FinalCount:         report.FinalCount,
		PageContent:        content,
		ButtonStillVisible: buttonVisible,
		LoginMarkerVisible: loginVisible,
		LoginMarkerText:    loginText,
		BrowserAge:         time.Since(sess.OpenedAt()),
		VoteCount:          req.VoteCount,
		Patterns:           pats,
	})
}

// landingCheck classifies limit pages before interaction. The ambiguous
// hidden-button marker alone downgrades to a per-instance cooldown; it never
// pauses the whole fleet.
func (w *Worker) landingCheck(content string, pats *patterns.Set) (types.Outcome, bool) {
	if msg, ok := pats.MatchGlobalLimit(content); ok {
		return types.Outcome{Kind: types.OutcomeGlobalHourlyLimit, Message: msg}, true
	}
	if msg, ok := pats.MatchInstanceCooldown(content); ok {
		return types.Outcome{Kind: types.OutcomeInstanceCooldown, Message: msg}, true
	}
	if pats.MatchHiddenButtonMarker(content) {
		return types.Outcome{Kind: types.OutcomeInstanceCooldown, Message: "vote button hidden, no cooldown message"}, true
	}
	return types.Outcome{}, false
}

// clickAndVerify finds the vote button, clicks it, and re-reads the counter,
// retrying with fresh overlay clearing while the button stays visible.
// done=true short-circuits the attempt with the returned outcome; otherwise
// the caller classifies using buttonVisible and the recorded counts.
func (w *Worker) clickAndVerify(ctx context.Context, sess browser.Session, req Request, pats *patterns.Set, report *types.AttemptReport, initial *int) (outcome types.Outcome, done bool, buttonVisible bool) {
	page := sess.Page()
	for attempt := 1; attempt <= w.opts.MaxClickRetries; attempt++ {
		if attempt > 1 {
			w.clearOverlays(ctx, page, pats)
		}

		el, found := w.findVoteButton(ctx, page, pats.VoteButtonSelectors)
		if !found {
			if report.ClickAttempts > 0 {
				// Button gone after a click usually means the vote landed
				// and the page swapped the button out. Let the classifier
				// decide from the counter.
				return types.Outcome{}, false, false
			}
			out := w.buttonMissingOutcome(ctx, sess, req, pats, report)
			return out, true, false
		}

		report.ClickAttempts++
		if report.TimeOfClick.IsZero() {
			report.TimeOfClick = time.Now()
		}
		humanize.SleepWithContext(ctx, w.timing.PreActionDelay())
		if err := el.Click(ctx); err != nil {
			log.Debug().Err(err).Int("attempt", attempt).Msg("Vote button click failed")
			report.ErrorMessage = err.Error()
			if types.IsTransportClosed(err) {
				return classifier.Classify(classifier.Input{WorkerErr: err, Patterns: pats}), true, false
			}
		}

		if !humanize.SleepWithContext(ctx, w.opts.StabilizeDelay) {
			return canceledOutcome(report), true, false
		}

		report.FinalCount = w.readCounter(ctx, page, pats.CounterSelectors)
		if delta, ok := deltaOf(initial, report.FinalCount); ok && delta >= 1 {
			return types.Outcome{}, false, false
		}

		if !el.Visible(ctx) {
			return types.Outcome{}, false, false
		}
		log.Debug().
			Int("attempt", attempt).
			Int("max", w.opts.MaxClickRetries).
			Msg("Vote button still visible after click, retrying")
	}
	return types.Outcome{}, false, true
}

// buttonMissingOutcome decides what a missing vote button means. A visible
// login prompt goes through the classifier so the fresh-page flash safeguard
// applies; anything else is technical.
func (w *Worker) buttonMissingOutcome(ctx context.Context, sess browser.Session, req Request, pats *patterns.Set, report *types.AttemptReport) types.Outcome {
	page := sess.Page()
	content, err := w.readContent(ctx, page)
	if err != nil {
		content = ""
	}
	if visible, text := w.loginMarker(ctx, page, content, pats); visible {
		return classifier.Classify(classifier.Input{
			InitialCount:       report.InitialCount,
			PageContent:        content,
			LoginMarkerVisible: true,
			LoginMarkerText:    text,
			BrowserAge:         time.Since(sess.OpenedAt()),
			VoteCount:          req.VoteCount,
			Patterns:           pats,
		})
	}
	report.ErrorMessage = types.ErrVoteButtonNotFound.Error()
	return types.Outcome{Kind: types.OutcomeTechnical, Message: "vote button not found"}
}

// clearOverlays dismisses cookie banners, promos, and ad modals in four
// phases: an escape burst, site-specific close buttons, generic close
// buttons, and a final pair of escapes for anything the clicks spawned.
func (w *Worker) clearOverlays(ctx context.Context, page browser.Page, pats *patterns.Set) {
	for i := 0; i < 4; i++ {
		if err := page.PressEscape(ctx); err != nil {
			return
		}
		humanize.SleepWithContext(ctx, w.timing.KeyInterval())
	}

	for _, sel := range pats.CloseButtonsSite {
		if el, ok := page.Query(ctx, sel); ok && el.Visible(ctx) {
			_ = el.Click(ctx)
			humanize.SleepWithContext(ctx, w.timing.PostActionDelay())
		}
	}

	for _, sel := range pats.CloseButtonsGeneric {
		for i := 0; i < 2; i++ {
			el, ok := page.Query(ctx, sel)
			if !ok || !el.Visible(ctx) {
				break
			}
			_ = el.Click(ctx)
			humanize.SleepWithContext(ctx, w.timing.PostActionDelay())
		}
	}

	for i := 0; i < 2; i++ {
		if err := page.PressEscape(ctx); err != nil {
			return
		}
		humanize.SleepWithContext(ctx, w.timing.KeyInterval())
	}
}

// findVoteButton tries the prioritized selectors and returns the first
// visible match.
func (w *Worker) findVoteButton(ctx context.Context, page browser.Page, selectors []string) (browser.Element, bool) {
	for _, sel := range selectors {
		if el, ok := page.Query(ctx, sel); ok && el.Visible(ctx) {
			return el, true
		}
	}
	return nil, false
}

// readCounter reads the displayed vote count via the prioritized counter
// selectors. nil means unreadable; the attempt falls back to text markers.
func (w *Worker) readCounter(ctx context.Context, page browser.Page, selectors []string) *int {
	for _, sel := range selectors {
		el, ok := page.Query(ctx, sel)
		if !ok {
			continue
		}
		text, err := el.Text(ctx)
		if err != nil {
			continue
		}
		if n, ok := ParseCount(text); ok {
			return &n
		}
	}
	return nil
}

func (w *Worker) readContent(ctx context.Context, page browser.Page) (string, error) {
	readCtx, cancel := context.WithTimeout(ctx, w.opts.ContentTimeout)
	defer cancel()
	return page.Content(readCtx)
}

// loginMarker checks for a visible login prompt, preferring a live selector
// hit (which carries the button text) over a content pattern match.
func (w *Worker) loginMarker(ctx context.Context, page browser.Page, content string, pats *patterns.Set) (bool, string) {
	for _, sel := range pats.LoginButtonSelectors {
		if el, ok := page.Query(ctx, sel); ok && el.Visible(ctx) {
			text, _ := el.Text(ctx)
			return true, strings.TrimSpace(text)
		}
	}
	if msg, ok := pats.MatchLoginMarker(content); ok {
		return true, msg
	}
	return false, ""
}

func canceledOutcome(report *types.AttemptReport) types.Outcome {
	report.ErrorMessage = context.Canceled.Error()
	return types.Outcome{Kind: types.OutcomeTechnical, Message: "attempt canceled"}
}

func deltaOf(initial, final *int) (int, bool) {
	if initial == nil || final == nil {
		return 0, false
	}
	return *final - *initial, true
}

// ParseCount extracts the first integer from a counter's display text,
// stripping thousand separators: "12,618 votes" -> 12618.
func ParseCount(text string) (int, bool) {
	start := strings.IndexFunc(text, unicode.IsDigit)
	if start < 0 {
		return 0, false
	}

	var b strings.Builder
	rest := text[start:]
	for i, r := range rest {
		if unicode.IsDigit(r) {
			b.WriteRune(r)
			continue
		}
		if r == ',' || r == '.' || r == ' ' || r == '\u00a0' {
			// A separator only continues the number when a digit follows;
			// trailing punctuation ends it.
			next := i + utf8.RuneLen(r)
			if next < len(rest) {
				if nr, _ := utf8.DecodeRuneInString(rest[next:]); unicode.IsDigit(nr) {
					continue
				}
			}
		}
		break
	}

	n, err := strconv.Atoi(b.String())
	if err != nil {
		return 0, false
	}
	return n, true
}
