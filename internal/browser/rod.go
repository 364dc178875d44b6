package browser

import (
	"context"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"github.com/rs/zerolog/log"
	"github.com/ysmood/gson"

	"github.com/Rorqualx/votefleet-go/internal/humanize"
	"github.com/Rorqualx/votefleet-go/internal/security"
	"github.com/Rorqualx/votefleet-go/internal/types"
)

const (
	viewportWidth  = 1920
	viewportHeight = 1080

	// closeTimeout bounds browser shutdown so one hung Chrome never blocks
	// an instance loop or process shutdown.
	closeTimeout = 10 * time.Second
)

// RodConfig holds the launch and blocking settings the rod opener needs.
type RodConfig struct {
	Headless    bool
	BrowserPath string

	Blocking BlockPolicy
}

// RodOpener launches one-shot rod browsers. Unlike a pooled design, every
// attempt gets a fresh browser bound to its instance's profile directory;
// the fleet's launch gate bounds concurrency instead of a pool.
type RodOpener struct {
	cfg RodConfig
}

// NewRodOpener creates the production opener.
func NewRodOpener(cfg RodConfig) *RodOpener {
	return &RodOpener{cfg: cfg}
}

// createLauncher builds a configured rod launcher. The flags are tuned for
// anti-detection: no automation blink features, SwiftShader WebGL, realistic
// language and window size, WebRTC leak prevention.
func (o *RodOpener) createLauncher(spec OpenSpec) *launcher.Launcher {
	l := launcher.New()

	if o.cfg.BrowserPath != "" {
		l = l.Bin(o.cfg.BrowserPath)
	}

	if o.cfg.Headless {
		l = l.Set("headless", "new")
	} else {
		// Rod enables headless by default; with an Xvfb display we want a
		// real headed browser.
		l = l.Headless(false)
	}

	// Container flags
	l = l.Set("no-sandbox").
		Set("disable-setuid-sandbox").
		Set("disable-dev-shm-usage")

	if spec.StorageDir != "" {
		l = l.UserDataDir(spec.StorageDir)
	}

	if spec.ProxyEndpoint != "" {
		l = l.Set("proxy-server", spec.ProxyEndpoint)
		log.Debug().Str("proxy", security.RedactURL(spec.ProxyEndpoint)).Msg("Browser proxy configured")
	}

	// WebRTC can reveal the real egress IP even behind a proxy.
	l = l.Set("force-webrtc-ip-handling-policy", "disable_non_proxied_udp")

	// Anti-detection
	l = l.Set("disable-blink-features", "AutomationControlled")
	l = l.Delete("enable-automation")
	l = l.Set("disable-features", "Translate,TranslateUI,BlinkGenPropertyTrees,WebRtcHideLocalIpsWithMdns")
	l = l.Set("enable-features", "NetworkService,NetworkServiceInProcess")
	l = l.Set("use-gl", "swiftshader").
		Set("use-angle", "swiftshader").
		Set("enable-unsafe-swiftshader").
		Set("enable-webgl").
		Set("enable-webgl2")

	l = l.Set("accept-lang", "en-US,en;q=0.9")
	l = l.Set("no-first-run").
		Set("no-default-browser-check").
		Set("disable-infobars").
		Set("disable-search-engine-choice-screen")
	l = l.Set("window-size", "1920,1080")

	// Small-host discipline: the whole design assumes one or two browsers
	// at a time, each capped tightly.
	l = l.Set("disable-background-networking").
		Set("disable-default-apps").
		Set("disable-extensions").
		Set("disable-sync").
		Set("mute-audio").
		Set("safebrowsing-disable-auto-update")
	l = l.Set("js-flags", "--max-old-space-size=256").
		Set("disable-renderer-backgrounding")
	l = l.Set("disable-gpu-sandbox")

	return l
}

// Open launches a browser per spec and returns a session holding its single
// stealth page, with proxy auth and resource blocking installed.
func (o *RodOpener) Open(ctx context.Context, spec OpenSpec) (Session, error) {
	select {
	case <-ctx.Done():
		return nil, types.NewPageError("open", "canceled before launch", ctx.Err())
	default:
	}

	l := o.createLauncher(spec)
	controlURL, err := l.Launch()
	if err != nil {
		return nil, types.NewPageError("open", "browser launch failed", err)
	}

	b := rod.New().ControlURL(controlURL)
	if err := b.Connect(); err != nil {
		l.Kill()
		return nil, types.NewPageError("open", "browser connect failed", err)
	}

	sess := &rodSession{
		browser:  b,
		launcher: l,
		openedAt: time.Now(),
	}

	page, err := stealth.Page(b)
	if err != nil {
		_ = sess.Close(ctx)
		return nil, types.NewPageError("open", "stealth page creation failed", err)
	}
	sess.page = &rodPage{page: page}

	if spec.UserAgent != "" {
		if err := (proto.NetworkSetUserAgentOverride{UserAgent: spec.UserAgent}).Call(page); err != nil {
			log.Warn().Err(err).Msg("Failed to set user agent")
		}
	}
	if err := page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:             viewportWidth,
		Height:            viewportHeight,
		DeviceScaleFactor: 1,
	}); err != nil {
		log.Warn().Err(err).Msg("Failed to set viewport")
	}

	cleanup, err := installInterceptor(ctx, page, o.cfg.Blocking, spec)
	if err != nil {
		log.Warn().Err(err).Msg("Request interception unavailable, continuing without blocking")
	} else {
		sess.cleanup = cleanup
	}

	log.Debug().
		Str("proxy", security.RedactURL(spec.ProxyEndpoint)).
		Str("profile", spec.StorageDir).
		Msg("Browser opened")

	return sess, nil
}

type rodSession struct {
	browser  *rod.Browser
	launcher *launcher.Launcher
	page     *rodPage
	openedAt time.Time
	cleanup  func()
	closed   bool
}

func (s *rodSession) Page() Page          { return s.page }
func (s *rodSession) OpenedAt() time.Time { return s.openedAt }

// Close shuts the browser down with a bounded wait. A close that overruns
// the timeout leaks the goroutine but never blocks the caller; the launcher
// kill reaps the process either way.
func (s *rodSession) Close(ctx context.Context) error {
	if s.closed {
		return nil
	}
	s.closed = true

	if s.cleanup != nil {
		s.cleanup()
	}

	done := make(chan error, 1)
	started := time.Now()
	go func() {
		done <- s.browser.Close()
	}()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = ctx.Err()
	case <-time.After(closeTimeout):
		log.Warn().Dur("elapsed", time.Since(started)).Msg("Browser close timed out, killing process")
		err = types.ErrPageClosed
	}

	s.launcher.Kill()

	if err != nil {
		return types.NewPageError("close", "browser close failed", err)
	}
	log.Debug().Dur("duration", time.Since(started)).Msg("Browser closed")
	return nil
}

type rodPage struct {
	page *rod.Page
}

func (p *rodPage) Navigate(ctx context.Context, url string) error {
	pg := p.page.Context(ctx)
	if err := pg.Navigate(url); err != nil {
		return wrapPageError("navigate", err)
	}
	// Load completion is best-effort: voting pages often hold connections
	// open, and the stabilize delay follows anyway.
	if err := pg.WaitLoad(); err != nil {
		log.Debug().Err(err).Msg("WaitLoad failed, continuing")
	}
	return nil
}

func (p *rodPage) WaitStable(ctx context.Context) error {
	if err := p.page.Context(ctx).WaitDOMStable(300*time.Millisecond, 0.1); err != nil {
		return wrapPageError("waitstable", err)
	}
	return nil
}

// Content reads the full serialized document. Eval is used instead of HTML()
// so one round trip yields the live DOM, including overlay mutations.
func (p *rodPage) Content(ctx context.Context) (string, error) {
	res, err := p.page.Context(ctx).Eval(`() => document.documentElement.outerHTML`)
	if err != nil {
		return "", wrapPageError("content", err)
	}
	return decodeEvalString(res.Value), nil
}

// decodeEvalString unwraps a CDP eval result. Non-string results come back
// as their JSON form, which still gives the classifier something to scan.
func decodeEvalString(v gson.JSON) string {
	if v.Nil() {
		return ""
	}
	return v.Str()
}

func (p *rodPage) Query(ctx context.Context, selector string) (Element, bool) {
	has, el, err := p.page.Context(ctx).Has(selector)
	if err != nil || !has || el == nil {
		return nil, false
	}
	return &rodElement{page: p.page, el: el}, true
}

func (p *rodPage) PressEscape(ctx context.Context) error {
	if err := p.page.Context(ctx).Keyboard.Press(input.Escape); err != nil {
		return wrapPageError("keypress", err)
	}
	return nil
}

type rodElement struct {
	page *rod.Page
	el   *rod.Element
}

func (e *rodElement) Text(ctx context.Context) (string, error) {
	text, err := e.el.Context(ctx).Text()
	if err != nil {
		return "", wrapPageError("text", err)
	}
	return text, nil
}

// Click performs a humanized click: eased scroll into view, Bezier mouse
// movement, hover, offset click, dwell. Falls back to a plain CDP click when
// the element has no usable bounds.
func (e *rodElement) Click(ctx context.Context) error {
	if err := humanize.NewScroller(e.page).ScrollToElement(ctx, e.el); err != nil {
		log.Debug().Err(err).Msg("Scroll into view failed, clicking anyway")
	}

	mouse := humanize.NewMouse(e.page)
	err := mouse.ClickElement(ctx, e.el)
	if err == nil {
		return nil
	}
	if err == humanize.ErrElementNotVisible {
		if err := e.el.Context(ctx).Click(proto.InputMouseButtonLeft, 1); err != nil {
			return wrapPageError("click", err)
		}
		return nil
	}
	return wrapPageError("click", err)
}

func (e *rodElement) Visible(ctx context.Context) bool {
	visible, err := e.el.Context(ctx).Visible()
	return err == nil && visible
}

// transportClosedHints are error substrings that mean the browser or page
// went away mid-operation rather than the operation itself failing.
var transportClosedHints = []string{
	"target closed",
	"session closed",
	"browser closed",
	"context canceled",
	"websocket",
	"connection reset",
	"cdp.Error",
	"invoke on a closed",
}

// wrapPageError folds a rod error into the page error taxonomy, flagging
// dead transports so the classifier can name them.
func wrapPageError(op string, err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	for _, hint := range transportClosedHints {
		if strings.Contains(msg, strings.ToLower(hint)) {
			return types.NewTransportClosedError(op, err)
		}
	}
	return types.NewPageError(op, "operation failed", err)
}
