package browser

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/rs/zerolog/log"
)

// BlockPolicy decides which requests never leave the browser. Trimming
// trackers, heavy assets, and third-party hosts keeps per-browser memory low
// enough to run several profiles on a small host, and removes overlay ad
// content before it can cover the vote button.
type BlockPolicy struct {
	BlockImages      bool
	BlockMedia       bool
	BlockFonts       bool
	BlockStylesheets bool

	// BlockedHosts are substring patterns matched against the request host.
	BlockedHosts []string

	// EssentialCSS are URL substrings exempt from stylesheet blocking. The
	// vote button must stay visible and clickable, so its site CSS passes.
	EssentialCSS []string
}

func (p BlockPolicy) active() bool {
	return p.BlockImages || p.BlockMedia || p.BlockFonts || p.BlockStylesheets || len(p.BlockedHosts) > 0
}

// shouldBlock decides one intercepted request. Pure so the policy is
// testable without a browser.
func shouldBlock(p BlockPolicy, resourceType proto.NetworkResourceType, rawURL string) bool {
	if host := requestHost(rawURL); host != "" {
		for _, pattern := range p.BlockedHosts {
			if pattern != "" && strings.Contains(host, strings.ToLower(pattern)) {
				return true
			}
		}
	}

	switch resourceType {
	case proto.NetworkResourceTypeImage:
		return p.BlockImages
	case proto.NetworkResourceTypeMedia:
		return p.BlockMedia
	case proto.NetworkResourceTypeFont:
		return p.BlockFonts
	case proto.NetworkResourceTypeStylesheet:
		if !p.BlockStylesheets {
			return false
		}
		lower := strings.ToLower(rawURL)
		for _, keep := range p.EssentialCSS {
			if keep != "" && strings.Contains(lower, strings.ToLower(keep)) {
				return false
			}
		}
		return true
	}
	return false
}

func requestHost(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

// installInterceptor enables the Fetch domain once for both concerns that
// need it: request blocking and proxy authentication. Chrome only honors a
// single FetchEnable per session, so enabling them separately would have the
// second call clobber the first.
//
// The returned cleanup stops the event listeners and must be called before
// the page closes. It is safe to call more than once.
func installInterceptor(ctx context.Context, page *rod.Page, policy BlockPolicy, spec OpenSpec) (cleanup func(), err error) {
	needAuth := spec.ProxyEndpoint != "" && spec.ProxyUsername != ""
	if !policy.active() && !needAuth {
		return func() {}, nil
	}

	err = proto.FetchEnable{
		HandleAuthRequests: needAuth,
		Patterns: []*proto.FetchRequestPattern{
			{URLPattern: "*"},
		},
	}.Call(page)
	if err != nil {
		return func() {}, err
	}

	listenerCtx, cancel := context.WithCancel(ctx)
	pageWithCtx := page.Context(listenerCtx)

	var wg sync.WaitGroup
	var cleanupOnce sync.Once
	cleanupFunc := func() {
		cleanupOnce.Do(func() {
			cancel()
			done := make(chan struct{})
			go func() {
				wg.Wait()
				close(done)
			}()
			select {
			case <-done:
			case <-time.After(5 * time.Second):
				log.Warn().Msg("Timeout waiting for interceptor listeners to stop")
			}
		})
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		pageWithCtx.EachEvent(func(e *proto.TargetTargetDestroyed) bool {
			cleanupFunc()
			return true
		})()
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		pageWithCtx.EachEvent(
			func(e *proto.FetchRequestPaused) bool {
				select {
				case <-listenerCtx.Done():
					return true
				default:
				}
				if shouldBlock(policy, e.ResourceType, e.Request.URL) {
					// Errors here usually mean the request was already gone.
					_ = proto.FetchFailRequest{
						RequestID:   e.RequestID,
						ErrorReason: proto.NetworkErrorReasonBlockedByClient,
					}.Call(page)
				} else {
					_ = proto.FetchContinueRequest{
						RequestID: e.RequestID,
					}.Call(page)
				}
				return false
			},
			func(e *proto.FetchAuthRequired) bool {
				select {
				case <-listenerCtx.Done():
					return true
				default:
				}
				_ = proto.FetchContinueWithAuth{
					RequestID: e.RequestID,
					AuthChallengeResponse: &proto.FetchAuthChallengeResponse{
						Response: proto.FetchAuthChallengeResponseResponseProvideCredentials,
						Username: spec.ProxyUsername,
						Password: spec.ProxyPassword,
					},
				}.Call(page)
				return false
			},
		)()
	}()

	log.Debug().
		Bool("auth", needAuth).
		Int("blocked_hosts", len(policy.BlockedHosts)).
		Msg("Request interceptor installed")

	return cleanupFunc, nil
}
