// Package patterns provides outcome detection pattern loading and matching.
package patterns

import (
	"embed"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

//go:embed patterns.yaml
var defaultPatternsFS embed.FS

// Content larger than this is truncated before matching. Keeps pathological
// pages from stalling the classifier.
const maxContentScan = 100 * 1024

// Set contains all detection patterns and page selectors.
// Text patterns are ordered, case-insensitive substrings; selector lists are
// tried in priority order.
type Set struct {
	GlobalHourlyLimit  []string `yaml:"global_hourly_limit"`
	InstanceCooldown   []string `yaml:"instance_cooldown"`
	Failure            []string `yaml:"failure"`
	SuccessMarkers     []string `yaml:"success_markers"`
	LoginMarkers       []string `yaml:"login_markers"`
	HiddenButtonMarker []string `yaml:"hidden_button_markers"`

	VoteButtonSelectors  []string `yaml:"vote_button_selectors"`
	CounterSelectors     []string `yaml:"counter_selectors"`
	CloseButtonsSite     []string `yaml:"close_button_selectors_site"`
	CloseButtonsGeneric  []string `yaml:"close_button_selectors_generic"`
	LoginButtonSelectors []string `yaml:"login_button_selectors"`

	BlockedHostPatterns   []string `yaml:"blocked_host_patterns"`
	EssentialCSSAllowlist []string `yaml:"essential_css_allowlist"`
}

var (
	instance *Set
	once     sync.Once
	loadErr  error
)

// Get returns the singleton Set loaded from the embedded patterns.yaml.
func Get() *Set {
	once.Do(func() {
		instance, loadErr = load()
		if loadErr != nil {
			log.Error().Err(loadErr).Msg("Failed to load embedded patterns, using defaults")
			instance = defaultSet()
		}
	})
	return instance
}

func load() (*Set, error) {
	data, err := defaultPatternsFS.ReadFile("patterns.yaml")
	if err != nil {
		return nil, err
	}

	var s Set
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, err
	}

	log.Debug().
		Int("global_patterns", len(s.GlobalHourlyLimit)).
		Int("cooldown_patterns", len(s.InstanceCooldown)).
		Int("vote_button_selectors", len(s.VoteButtonSelectors)).
		Msg("Patterns loaded")

	return &s, nil
}

// defaultSet returns hardcoded fallback patterns. Kept minimal; the embedded
// YAML is the real default and this only covers a corrupted build.
func defaultSet() *Set {
	return &Set{
		GlobalHourlyLimit: []string{
			"voting button is temporarily disabled",
			"will be reactivated at",
		},
		InstanceCooldown: []string{
			"you have already voted",
			"next voting time of",
		},
		Failure: []string{
			"something went wrong",
			"an error occurred",
		},
		SuccessMarkers: []string{
			"thank you for voting",
		},
		LoginMarkers: []string{
			"login with google",
		},
		HiddenButtonMarker: []string{
			"vote-button-disabled",
		},
		VoteButtonSelectors: []string{
			"#vote-button",
			"button.vote-button",
		},
		CounterSelectors: []string{
			"#vote-count",
			".vote-count",
		},
		CloseButtonsGeneric: []string{
			"button[aria-label='Close']",
			".modal .close",
		},
		LoginButtonSelectors: []string{
			"#login-google",
		},
	}
}

// Validate checks that the Set has the minimum required patterns.
func (s *Set) Validate() error {
	if len(s.GlobalHourlyLimit) == 0 && len(s.InstanceCooldown) == 0 {
		return fmt.Errorf("patterns must include at least one global_hourly_limit or instance_cooldown entry")
	}
	if len(s.VoteButtonSelectors) == 0 {
		return fmt.Errorf("patterns must include at least one vote_button selector")
	}
	return nil
}

// MatchGlobalLimit reports whether content matches a global hourly-limit
// pattern, returning the surrounding page message.
func (s *Set) MatchGlobalLimit(content string) (string, bool) {
	return matchPatterns(content, s.GlobalHourlyLimit)
}

// MatchInstanceCooldown reports whether content matches a per-instance
// cooldown pattern, returning the surrounding page message.
func (s *Set) MatchInstanceCooldown(content string) (string, bool) {
	return matchPatterns(content, s.InstanceCooldown)
}

// MatchFailure reports whether content matches a generic failure hint.
func (s *Set) MatchFailure(content string) (string, bool) {
	return matchPatterns(content, s.Failure)
}

// MatchSuccessMarker reports whether content contains a positive vote
// confirmation. Used only when the counter was unreadable.
func (s *Set) MatchSuccessMarker(content string) bool {
	_, ok := matchPatterns(content, s.SuccessMarkers)
	return ok
}

// MatchLoginMarker reports whether content shows a login prompt, returning
// the matched text.
func (s *Set) MatchLoginMarker(content string) (string, bool) {
	return matchPatterns(content, s.LoginMarkers)
}

// MatchHiddenButtonMarker reports whether content carries the ambiguous
// hidden-vote-button marker. This marker alone never escalates to global.
func (s *Set) MatchHiddenButtonMarker(content string) bool {
	_, ok := matchPatterns(content, s.HiddenButtonMarker)
	return ok
}

// matchPatterns scans content for the first matching pattern and extracts
// the human-readable message around the match.
func matchPatterns(content string, patterns []string) (string, bool) {
	if content == "" || len(patterns) == 0 {
		return "", false
	}
	if len(content) > maxContentScan {
		content = content[:maxContentScan]
	}
	lower := strings.ToLower(content)

	for _, p := range patterns {
		if p == "" {
			continue
		}
		idx := strings.Index(lower, strings.ToLower(p))
		if idx < 0 {
			continue
		}
		return extractMessage(content, idx, len(p)), true
	}
	return "", false
}

// extractMessage widens a match to the enclosing text node so the vote log
// records the page's full sentence, not just the pattern fragment.
func extractMessage(content string, idx, matchLen int) string {
	start := idx
	for start > 0 && idx-start < 80 {
		c := content[start-1]
		if c == '>' || c == '\n' {
			break
		}
		start--
	}

	end := idx + matchLen
	for end < len(content) && end-idx < 240 {
		c := content[end]
		if c == '<' || c == '\n' {
			break
		}
		end++
	}

	return strings.Join(strings.Fields(content[start:end]), " ")
}
