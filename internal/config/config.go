// Package config provides application configuration management.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/votefleet-go/internal/security"
)

// Configuration bounds. Launch concurrency is capped hard: the design
// assumes at most a few browsers exist at once on small hosts.
const (
	maxInstanceCount   = 100
	maxLaunchBudget    = 3
	minRetryTechnical  = 30 * time.Second
	maxRetryTechnical  = 1 * time.Hour
	minRetryCooldown   = 1 * time.Minute
	maxRetryCooldown   = 24 * time.Hour
	minScanInterval    = 5 * time.Second
	maxScanInterval    = 10 * time.Minute
	minLaunchTimeout   = 5 * time.Second
	maxLaunchTimeout   = 5 * time.Minute
	minJanitorInterval = 10 * time.Second
	maxJanitorInterval = 10 * time.Minute
)

// Config holds all application configuration.
// Configuration is loaded from environment variables at startup.
type Config struct {
	// Target page
	TargetURL string

	// Fleet
	InstanceCount int
	DataDir       string
	VoteLogPath   string

	// Proxy allocator
	ProxyScheme       string
	ProxyHost         string
	ProxyPort         int
	ProxyUsername     string
	ProxyPassword     string
	ProxyZone         string
	ProxyIPCheckURL   string
	AllowLocalProxies bool

	// Scheduling
	RetryDelayTechnical          time.Duration
	RetryDelayCooldown           time.Duration
	SessionScanInterval          time.Duration
	BrowserInitTimeout           time.Duration
	MaxConcurrentBrowserLaunches int
	MaxInitFailures              int
	JanitorInterval              time.Duration

	// Browser
	Headless          bool
	BrowserPath       string
	NavigationTimeout time.Duration
	ContentTimeout    time.Duration
	StabilizeDelay    time.Duration
	MaxClickRetries   int

	// Resource blocking
	EnableResourceBlocking bool
	BlockImages            bool
	BlockCSS               bool
	BlockFonts             bool
	BlockMedia             bool

	// Pattern overrides (empty slices fall back to embedded defaults)
	GlobalHourlyLimitPatterns []string
	InstanceCooldownPatterns  []string
	FailurePatterns           []string
	PatternsFile              string
	PatternsHotReload         bool

	// Logging
	LogLevel string

	// Metrics
	PrometheusEnabled bool
	PrometheusPort    int

	// Outcome event publishing (optional)
	EventsRedisURL     string
	EventsRedisChannel string
}

// Load loads configuration from environment variables.
// Returns a Config with values from environment or sensible defaults.
func Load() *Config {
	cfg := &Config{
		TargetURL: getEnvString("TARGET_URL", ""),

		// Fleet
		InstanceCount: getEnvInt("INSTANCE_COUNT", 10),
		DataDir:       getEnvString("DATA_DIR", "./data"),
		VoteLogPath:   getEnvString("VOTE_LOG_PATH", ""),

		// Proxy
		ProxyScheme:       getEnvString("PROXY_SCHEME", "http"),
		ProxyHost:         getEnvString("PROXY_HOST", ""),
		ProxyPort:         getEnvInt("PROXY_PORT", 22225),
		ProxyUsername:     getEnvString("PROXY_USERNAME", ""),
		ProxyPassword:     getEnvString("PROXY_PASSWORD", ""),
		ProxyZone:         getEnvString("PROXY_ZONE", ""),
		ProxyIPCheckURL:   getEnvString("PROXY_IPCHECK_URL", "https://api.ipify.org"),
		AllowLocalProxies: getEnvBool("ALLOW_LOCAL_PROXIES", false),

		// Scheduling - defaults match the voting site's observed limits
		RetryDelayTechnical:          getEnvDuration("RETRY_DELAY_TECHNICAL", 5*time.Minute),
		RetryDelayCooldown:           getEnvDuration("RETRY_DELAY_COOLDOWN", 31*time.Minute),
		SessionScanInterval:          getEnvDuration("SESSION_SCAN_INTERVAL", 30*time.Second),
		BrowserInitTimeout:           getEnvDuration("BROWSER_INIT_TIMEOUT", 30*time.Second),
		MaxConcurrentBrowserLaunches: getEnvInt("MAX_CONCURRENT_BROWSER_LAUNCHES", 2),
		MaxInitFailures:              getEnvInt("MAX_INIT_FAILURES", 5),
		JanitorInterval:              getEnvDuration("JANITOR_INTERVAL", 60*time.Second),

		// Browser
		Headless:          getEnvBool("BROWSER_HEADLESS", true),
		BrowserPath:       getEnvString("BROWSER_PATH", ""),
		NavigationTimeout: getEnvDuration("NAVIGATION_TIMEOUT", 15*time.Second),
		ContentTimeout:    getEnvDuration("CONTENT_TIMEOUT", 10*time.Second),
		StabilizeDelay:    getEnvDuration("STABILIZE_DELAY", 3*time.Second),
		MaxClickRetries:   getEnvInt("MAX_CLICK_RETRIES", 3),

		// Resource blocking - on by default, saves 60-80% bandwidth
		EnableResourceBlocking: getEnvBool("ENABLE_RESOURCE_BLOCKING", true),
		BlockImages:            getEnvBool("BLOCK_IMAGES", true),
		BlockCSS:               getEnvBool("BLOCK_CSS", true),
		BlockFonts:             getEnvBool("BLOCK_FONTS", true),
		BlockMedia:             getEnvBool("BLOCK_MEDIA", true),

		// Patterns
		GlobalHourlyLimitPatterns: getEnvStringSlice("GLOBAL_HOURLY_LIMIT_PATTERNS", nil),
		InstanceCooldownPatterns:  getEnvStringSlice("INSTANCE_COOLDOWN_PATTERNS", nil),
		FailurePatterns:           getEnvStringSlice("FAILURE_PATTERNS", nil),
		PatternsFile:              getEnvString("PATTERNS_FILE", ""),
		PatternsHotReload:         getEnvBool("PATTERNS_HOT_RELOAD", false),

		// Logging
		LogLevel: getEnvString("LOG_LEVEL", "info"),

		// Metrics
		PrometheusEnabled: getEnvBool("PROMETHEUS_ENABLED", false),
		PrometheusPort:    getEnvInt("PROMETHEUS_PORT", 9090),

		// Events
		EventsRedisURL:     getEnvString("EVENTS_REDIS_URL", ""),
		EventsRedisChannel: getEnvString("EVENTS_REDIS_CHANNEL", "votefleet:outcomes"),
	}

	if cfg.VoteLogPath == "" {
		cfg.VoteLogPath = filepath.Join(cfg.DataDir, "vote_log.csv")
	}
	return cfg
}

// ProxyConfigured returns true if an upstream proxy vendor is configured.
func (c *Config) ProxyConfigured() bool {
	return c.ProxyHost != ""
}

// ProxyEndpoint returns the proxy endpoint URL built from scheme/host/port.
func (c *Config) ProxyEndpoint() string {
	if c.ProxyHost == "" {
		return ""
	}
	return fmt.Sprintf("%s://%s:%d", c.ProxyScheme, c.ProxyHost, c.ProxyPort)
}

// Validate checks configuration values. Out-of-range values are corrected to
// sane bounds with a logged warning; unusable values return an error.
func (c *Config) Validate() error {
	if c.TargetURL == "" {
		return fmt.Errorf("TARGET_URL is required")
	}
	if err := security.ValidateTargetURL(c.TargetURL); err != nil {
		return fmt.Errorf("TARGET_URL: %w", err)
	}

	if c.DataDir == "" {
		log.Warn().Msg("DATA_DIR empty, using ./data")
		c.DataDir = "./data"
	}
	if c.VoteLogPath == "" {
		c.VoteLogPath = filepath.Join(c.DataDir, "vote_log.csv")
	}

	// Fleet size
	if c.InstanceCount < 1 {
		log.Warn().Int("count", c.InstanceCount).Msg("Invalid instance count, using 1")
		c.InstanceCount = 1
	} else if c.InstanceCount > maxInstanceCount {
		log.Warn().
			Int("count", c.InstanceCount).
			Int("max", maxInstanceCount).
			Msg("Instance count too large, capping to maximum")
		c.InstanceCount = maxInstanceCount
	}

	// Launch budget - never allow more than a few concurrent browsers
	if c.MaxConcurrentBrowserLaunches < 1 {
		log.Warn().Int("launches", c.MaxConcurrentBrowserLaunches).Msg("Invalid launch budget, using 1")
		c.MaxConcurrentBrowserLaunches = 1
	} else if c.MaxConcurrentBrowserLaunches > maxLaunchBudget {
		log.Warn().
			Int("launches", c.MaxConcurrentBrowserLaunches).
			Int("max", maxLaunchBudget).
			Msg("Launch budget too large for small hosts, capping to maximum")
		c.MaxConcurrentBrowserLaunches = maxLaunchBudget
	}

	c.RetryDelayTechnical = clampDuration("RETRY_DELAY_TECHNICAL", c.RetryDelayTechnical, minRetryTechnical, maxRetryTechnical)
	c.RetryDelayCooldown = clampDuration("RETRY_DELAY_COOLDOWN", c.RetryDelayCooldown, minRetryCooldown, maxRetryCooldown)
	c.SessionScanInterval = clampDuration("SESSION_SCAN_INTERVAL", c.SessionScanInterval, minScanInterval, maxScanInterval)
	c.BrowserInitTimeout = clampDuration("BROWSER_INIT_TIMEOUT", c.BrowserInitTimeout, minLaunchTimeout, maxLaunchTimeout)
	c.JanitorInterval = clampDuration("JANITOR_INTERVAL", c.JanitorInterval, minJanitorInterval, maxJanitorInterval)
	c.NavigationTimeout = clampDuration("NAVIGATION_TIMEOUT", c.NavigationTimeout, 3*time.Second, 2*time.Minute)
	c.ContentTimeout = clampDuration("CONTENT_TIMEOUT", c.ContentTimeout, 1*time.Second, 1*time.Minute)
	c.StabilizeDelay = clampDuration("STABILIZE_DELAY", c.StabilizeDelay, 1*time.Second, 30*time.Second)

	if c.MaxClickRetries < 1 {
		log.Warn().Int("retries", c.MaxClickRetries).Msg("Invalid click retries, using 1")
		c.MaxClickRetries = 1
	} else if c.MaxClickRetries > 5 {
		log.Warn().Int("retries", c.MaxClickRetries).Msg("Click retries too high, capping at 5")
		c.MaxClickRetries = 5
	}

	if c.MaxInitFailures < 1 {
		log.Warn().Int("failures", c.MaxInitFailures).Msg("Invalid init failure threshold, using 5")
		c.MaxInitFailures = 5
	} else if c.MaxInitFailures > 20 {
		log.Warn().Int("failures", c.MaxInitFailures).Msg("Init failure threshold too high, capping at 20")
		c.MaxInitFailures = 20
	}

	// BrowserPath validation - prevent path traversal
	if c.BrowserPath != "" {
		if strings.Contains(c.BrowserPath, "..") {
			log.Error().
				Str("path", c.BrowserPath).
				Msg("BROWSER_PATH contains path traversal sequence (..), ignoring")
			c.BrowserPath = ""
		} else if !filepath.IsAbs(c.BrowserPath) {
			log.Warn().
				Str("path", c.BrowserPath).
				Msg("BROWSER_PATH should be an absolute path")
		}
	}

	// Proxy validation
	if c.ProxyConfigured() {
		if c.ProxyPort < 1 || c.ProxyPort > 65535 {
			log.Warn().Int("port", c.ProxyPort).Msg("Invalid proxy port, using 22225")
			c.ProxyPort = 22225
		}
		c.ProxyScheme = strings.ToLower(c.ProxyScheme)
		if err := security.ValidateProxyEndpoint(c.ProxyEndpoint(), c.AllowLocalProxies); err != nil {
			return fmt.Errorf("proxy endpoint %s: %w", c.ProxyEndpoint(), err)
		}
		if c.ProxyUsername != "" && c.ProxyPassword == "" {
			log.Warn().Msg("PROXY_USERNAME set but PROXY_PASSWORD is empty - authentication may fail")
		}
		if c.ProxyPassword != "" && c.ProxyUsername == "" {
			log.Warn().Msg("PROXY_PASSWORD set but PROXY_USERNAME is empty - authentication may fail")
		}
	} else if c.ProxyUsername != "" || c.ProxyPassword != "" {
		log.Warn().Msg("Proxy credentials set but PROXY_HOST is empty - credentials will not be used")
	}

	// Patterns file validation
	if c.PatternsFile != "" {
		if strings.Contains(c.PatternsFile, "..") {
			log.Error().
				Str("path", c.PatternsFile).
				Msg("PATTERNS_FILE contains path traversal sequence (..), ignoring")
			c.PatternsFile = ""
		} else if c.PatternsHotReload {
			if _, err := os.Stat(c.PatternsFile); os.IsNotExist(err) {
				log.Warn().
					Str("path", c.PatternsFile).
					Msg("PATTERNS_FILE does not exist - hot-reload will watch for file creation")
			}
		}
	}
	if c.PatternsHotReload && c.PatternsFile == "" {
		log.Warn().Msg("PATTERNS_HOT_RELOAD enabled but PATTERNS_FILE not set - hot-reload disabled")
		c.PatternsHotReload = false
	}

	// Log level validation
	validLogLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true,
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		log.Warn().Str("level", c.LogLevel).Msg("Invalid log level, using 'info'")
		c.LogLevel = "info"
	}

	// Metrics port validation
	if c.PrometheusEnabled && (c.PrometheusPort < 1 || c.PrometheusPort > 65535) {
		log.Warn().Int("port", c.PrometheusPort).Msg("Invalid metrics port, using 9090")
		c.PrometheusPort = 9090
	}

	if c.EventsRedisURL != "" && c.EventsRedisChannel == "" {
		log.Warn().Msg("EVENTS_REDIS_CHANNEL empty, using 'votefleet:outcomes'")
		c.EventsRedisChannel = "votefleet:outcomes"
	}

	return nil
}

func clampDuration(key string, value, min, max time.Duration) time.Duration {
	if value < min {
		log.Warn().
			Str("key", key).
			Dur("value", value).
			Dur("min", min).
			Msg("Duration too short, using minimum")
		return min
	}
	if value > max {
		log.Warn().
			Str("key", key).
			Dur("value", value).
			Dur("max", max).
			Msg("Duration too long, using maximum")
		return max
	}
	return value
}

// Helper functions for environment variable parsing

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		intValue, err := strconv.ParseInt(value, 10, 32)
		if err == nil {
			return int(intValue)
		}
		log.Warn().
			Str("key", key).
			Str("value", value).
			Err(err).
			Int("default", defaultValue).
			Msg("Invalid integer in environment variable, using default")
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		boolValue, err := strconv.ParseBool(value)
		if err == nil {
			return boolValue
		}
		log.Warn().
			Str("key", key).
			Str("value", value).
			Err(err).
			Bool("default", defaultValue).
			Msg("Invalid boolean in environment variable, using default")
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		duration, err := time.ParseDuration(value)
		if err == nil {
			if duration > 0 {
				return duration
			}
			log.Warn().
				Str("key", key).
				Str("value", value).
				Dur("default", defaultValue).
				Msg("Duration must be positive, using default")
			return defaultValue
		}
		log.Warn().
			Str("key", key).
			Str("value", value).
			Err(err).
			Dur("default", defaultValue).
			Msg("Invalid duration in environment variable, using default")
	}
	return defaultValue
}

func getEnvStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, part := range parts {
			trimmed := strings.TrimSpace(part)
			if trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}
