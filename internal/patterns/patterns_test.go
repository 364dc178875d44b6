package patterns

import (
	"strings"
	"testing"
)

func TestGetLoadsEmbedded(t *testing.T) {
	s := Get()
	if s == nil {
		t.Fatal("Get() returned nil")
	}
	if len(s.GlobalHourlyLimit) == 0 {
		t.Error("embedded patterns missing global_hourly_limit entries")
	}
	if len(s.InstanceCooldown) == 0 {
		t.Error("embedded patterns missing instance_cooldown entries")
	}
	if len(s.VoteButtonSelectors) == 0 {
		t.Error("embedded patterns missing vote_button_selectors")
	}
	if s.VoteButtonSelectors[0] != "#vote-button" {
		t.Errorf("first vote button selector = %q, want #vote-button", s.VoteButtonSelectors[0])
	}
	if err := s.Validate(); err != nil {
		t.Errorf("embedded patterns failed validation: %v", err)
	}
}

func TestGetReturnsSameInstance(t *testing.T) {
	a := Get()
	b := Get()
	if a != b {
		t.Error("Get() returned different instances")
	}
}

func TestMatchGlobalLimit(t *testing.T) {
	s := Get()

	tests := []struct {
		name    string
		content string
		match   bool
	}{
		{
			name:    "disabled button banner",
			content: `<div class="alert">The voting button is temporarily disabled and will be reactivated at the top of the hour.</div>`,
			match:   true,
		},
		{
			name:    "uppercase variant",
			content: "VOTING IS CLOSED FOR THIS HOUR",
			match:   true,
		},
		{
			name:    "cooldown text does not match global",
			content: "You have already voted. Come back at your next voting time of 18:45.",
			match:   false,
		},
		{
			name:    "empty content",
			content: "",
			match:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, ok := s.MatchGlobalLimit(tt.content)
			if ok != tt.match {
				t.Fatalf("MatchGlobalLimit() = %v, want %v", ok, tt.match)
			}
			if ok && msg == "" {
				t.Error("matched but extracted message is empty")
			}
		})
	}
}

func TestMatchInstanceCooldown(t *testing.T) {
	s := Get()

	content := `<p>You have already voted. Come back at your next voting time of 18:45:13.</p>`
	msg, ok := s.MatchInstanceCooldown(content)
	if !ok {
		t.Fatal("expected cooldown match")
	}
	if !strings.Contains(msg, "next voting time of 18:45:13") {
		t.Errorf("message %q missing the reactivation time", msg)
	}
}

func TestMatchExtractsFullSentence(t *testing.T) {
	s := Get()

	content := `<html><body><div id="banner">Sorry, you have already voted today from this address.</div></body></html>`
	msg, ok := s.MatchInstanceCooldown(content)
	if !ok {
		t.Fatal("expected match")
	}
	// Message should widen to the tag boundaries, not just the pattern.
	if !strings.HasPrefix(msg, "Sorry,") {
		t.Errorf("message %q should start at the text node boundary", msg)
	}
	if strings.Contains(msg, "<") || strings.Contains(msg, ">") {
		t.Errorf("message %q contains markup", msg)
	}
}

func TestMatchTruncatesLargeContent(t *testing.T) {
	s := Get()

	// Pattern planted beyond the scan cap must not match.
	content := strings.Repeat("x", maxContentScan+100) + "you have already voted"
	if _, ok := s.MatchInstanceCooldown(content); ok {
		t.Error("pattern beyond scan cap should not match")
	}

	// Pattern inside the cap still matches.
	content = "you have already voted" + strings.Repeat("x", maxContentScan+100)
	if _, ok := s.MatchInstanceCooldown(content); !ok {
		t.Error("pattern inside scan cap should match")
	}
}

func TestMatchSuccessMarker(t *testing.T) {
	s := Get()

	if !s.MatchSuccessMarker("Thank you for voting!") {
		t.Error("expected success marker match")
	}
	if s.MatchSuccessMarker("an error occurred") {
		t.Error("failure text should not match success markers")
	}
}

func TestMatchLoginMarker(t *testing.T) {
	s := Get()

	msg, ok := s.MatchLoginMarker(`<button>Login with Google</button>`)
	if !ok {
		t.Fatal("expected login marker match")
	}
	if msg == "" {
		t.Error("login match should carry the matched text")
	}
	if _, ok := s.MatchLoginMarker("thank you for voting"); ok {
		t.Error("success text should not match login markers")
	}
}

func TestMatchHiddenButtonMarker(t *testing.T) {
	s := Get()
	if len(s.HiddenButtonMarker) == 0 {
		t.Skip("no hidden button markers in embedded set")
	}
	if !s.MatchHiddenButtonMarker("<div class=\"" + s.HiddenButtonMarker[0] + "\"></div>") {
		t.Error("expected hidden button marker match")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		set     Set
		wantErr bool
	}{
		{
			name: "valid minimal",
			set: Set{
				InstanceCooldown:    []string{"already voted"},
				VoteButtonSelectors: []string{"#vote"},
			},
			wantErr: false,
		},
		{
			name: "no outcome patterns",
			set: Set{
				VoteButtonSelectors: []string{"#vote"},
			},
			wantErr: true,
		},
		{
			name: "no vote button selectors",
			set: Set{
				GlobalHourlyLimit: []string{"disabled"},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.set.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestDefaultSetIsValid(t *testing.T) {
	if err := defaultSet().Validate(); err != nil {
		t.Errorf("fallback defaults failed validation: %v", err)
	}
}

func TestExtractMessageCollapsesWhitespace(t *testing.T) {
	content := ">The   voting button is\ttemporarily   disabled now<"
	msg := extractMessage(content, strings.Index(content, "voting button"), len("voting button is temporarily disabled"))
	if strings.Contains(msg, "  ") || strings.Contains(msg, "\t") {
		t.Errorf("message %q has uncollapsed whitespace", msg)
	}
}
