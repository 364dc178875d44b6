package config

import (
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	if cfg.InstanceCount != 10 {
		t.Errorf("InstanceCount = %d, want 10", cfg.InstanceCount)
	}
	if cfg.RetryDelayTechnical != 5*time.Minute {
		t.Errorf("RetryDelayTechnical = %v, want 5m", cfg.RetryDelayTechnical)
	}
	if cfg.RetryDelayCooldown != 31*time.Minute {
		t.Errorf("RetryDelayCooldown = %v, want 31m", cfg.RetryDelayCooldown)
	}
	if cfg.SessionScanInterval != 30*time.Second {
		t.Errorf("SessionScanInterval = %v, want 30s", cfg.SessionScanInterval)
	}
	if cfg.BrowserInitTimeout != 30*time.Second {
		t.Errorf("BrowserInitTimeout = %v, want 30s", cfg.BrowserInitTimeout)
	}
	if cfg.MaxConcurrentBrowserLaunches != 2 {
		t.Errorf("MaxConcurrentBrowserLaunches = %d, want 2", cfg.MaxConcurrentBrowserLaunches)
	}
	if !cfg.EnableResourceBlocking {
		t.Error("resource blocking should default to enabled")
	}
	if cfg.VoteLogPath != filepath.Join("./data", "vote_log.csv") {
		t.Errorf("VoteLogPath = %q, want derived from DataDir", cfg.VoteLogPath)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("TARGET_URL", "https://vote.example.com/page")
	t.Setenv("INSTANCE_COUNT", "27")
	t.Setenv("RETRY_DELAY_COOLDOWN", "45m")
	t.Setenv("MAX_CONCURRENT_BROWSER_LAUNCHES", "1")
	t.Setenv("GLOBAL_HOURLY_LIMIT_PATTERNS", "temporarily disabled, reactivated at")
	t.Setenv("BROWSER_HEADLESS", "false")

	cfg := Load()

	if cfg.TargetURL != "https://vote.example.com/page" {
		t.Errorf("TargetURL = %q", cfg.TargetURL)
	}
	if cfg.InstanceCount != 27 {
		t.Errorf("InstanceCount = %d, want 27", cfg.InstanceCount)
	}
	if cfg.RetryDelayCooldown != 45*time.Minute {
		t.Errorf("RetryDelayCooldown = %v, want 45m", cfg.RetryDelayCooldown)
	}
	if cfg.MaxConcurrentBrowserLaunches != 1 {
		t.Errorf("MaxConcurrentBrowserLaunches = %d, want 1", cfg.MaxConcurrentBrowserLaunches)
	}
	want := []string{"temporarily disabled", "reactivated at"}
	if len(cfg.GlobalHourlyLimitPatterns) != len(want) {
		t.Fatalf("GlobalHourlyLimitPatterns = %v, want %v", cfg.GlobalHourlyLimitPatterns, want)
	}
	for i := range want {
		if cfg.GlobalHourlyLimitPatterns[i] != want[i] {
			t.Errorf("pattern[%d] = %q, want %q", i, cfg.GlobalHourlyLimitPatterns[i], want[i])
		}
	}
	if cfg.Headless {
		t.Error("Headless should be false")
	}
}

func TestValidateRequiresTargetURL(t *testing.T) {
	cfg := Load()
	cfg.TargetURL = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate() should fail without TARGET_URL")
	}
}

func TestValidateRejectsUnsafeTargetURL(t *testing.T) {
	tests := []struct {
		name string
		url  string
	}{
		{"file scheme", "file:///etc/passwd"},
		{"localhost", "http://localhost/vote"},
		{"private ip", "http://10.1.2.3/vote"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Load()
			cfg.TargetURL = tt.url
			if err := cfg.Validate(); err == nil {
				t.Errorf("Validate() accepted unsafe target %q", tt.url)
			}
		})
	}
}

func TestValidateClampsLaunchBudget(t *testing.T) {
	cfg := Load()
	cfg.TargetURL = "https://vote.example.com"
	cfg.MaxConcurrentBrowserLaunches = 50

	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error: %v", err)
	}
	if cfg.MaxConcurrentBrowserLaunches != 3 {
		t.Errorf("launch budget = %d, want capped at 3", cfg.MaxConcurrentBrowserLaunches)
	}

	cfg.MaxConcurrentBrowserLaunches = 0
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error: %v", err)
	}
	if cfg.MaxConcurrentBrowserLaunches != 1 {
		t.Errorf("launch budget = %d, want raised to 1", cfg.MaxConcurrentBrowserLaunches)
	}
}

func TestValidateClampsDurations(t *testing.T) {
	cfg := Load()
	cfg.TargetURL = "https://vote.example.com"
	cfg.RetryDelayTechnical = time.Second
	cfg.RetryDelayCooldown = 48 * time.Hour
	cfg.SessionScanInterval = time.Millisecond

	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error: %v", err)
	}
	if cfg.RetryDelayTechnical != 30*time.Second {
		t.Errorf("RetryDelayTechnical = %v, want clamped to 30s", cfg.RetryDelayTechnical)
	}
	if cfg.RetryDelayCooldown != 24*time.Hour {
		t.Errorf("RetryDelayCooldown = %v, want clamped to 24h", cfg.RetryDelayCooldown)
	}
	if cfg.SessionScanInterval != 5*time.Second {
		t.Errorf("SessionScanInterval = %v, want clamped to 5s", cfg.SessionScanInterval)
	}
}

func TestValidateInstanceCountBounds(t *testing.T) {
	cfg := Load()
	cfg.TargetURL = "https://vote.example.com"
	cfg.InstanceCount = 1000

	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error: %v", err)
	}
	if cfg.InstanceCount != 100 {
		t.Errorf("InstanceCount = %d, want capped at 100", cfg.InstanceCount)
	}
}

func TestProxyEndpoint(t *testing.T) {
	cfg := &Config{ProxyScheme: "http", ProxyHost: "proxy.vendor.com", ProxyPort: 22225}
	if got := cfg.ProxyEndpoint(); got != "http://proxy.vendor.com:22225" {
		t.Errorf("ProxyEndpoint() = %q", got)
	}
	if !cfg.ProxyConfigured() {
		t.Error("ProxyConfigured() should be true")
	}

	empty := &Config{}
	if empty.ProxyEndpoint() != "" {
		t.Error("ProxyEndpoint() should be empty without a host")
	}
	if empty.ProxyConfigured() {
		t.Error("ProxyConfigured() should be false without a host")
	}
}

func TestValidateRejectsBadProxyScheme(t *testing.T) {
	cfg := Load()
	cfg.TargetURL = "https://vote.example.com"
	cfg.ProxyHost = "proxy.vendor.com"
	cfg.ProxyScheme = "gopher"

	if err := cfg.Validate(); err == nil {
		t.Error("Validate() should reject unsupported proxy schemes")
	}
}

func TestValidateDisablesHotReloadWithoutFile(t *testing.T) {
	cfg := Load()
	cfg.TargetURL = "https://vote.example.com"
	cfg.PatternsHotReload = true
	cfg.PatternsFile = ""

	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error: %v", err)
	}
	if cfg.PatternsHotReload {
		t.Error("hot reload should be disabled when no patterns file is set")
	}
}

func TestVoteLogPathFollowsDataDir(t *testing.T) {
	t.Setenv("DATA_DIR", "/var/lib/votefleet")
	cfg := Load()
	if cfg.VoteLogPath != filepath.Join("/var/lib/votefleet", "vote_log.csv") {
		t.Errorf("VoteLogPath = %q, want under DATA_DIR", cfg.VoteLogPath)
	}
}
