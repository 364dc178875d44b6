// Package main provides the entry point for VoteFleet.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/Rorqualx/votefleet-go/internal/adapter"
	"github.com/Rorqualx/votefleet-go/internal/browser"
	"github.com/Rorqualx/votefleet-go/internal/config"
	"github.com/Rorqualx/votefleet-go/internal/fleet"
	"github.com/Rorqualx/votefleet-go/internal/instance"
	"github.com/Rorqualx/votefleet-go/internal/metrics"
	"github.com/Rorqualx/votefleet-go/internal/patterns"
	"github.com/Rorqualx/votefleet-go/internal/proxy"
	"github.com/Rorqualx/votefleet-go/internal/security"
	"github.com/Rorqualx/votefleet-go/internal/sessionstore"
	"github.com/Rorqualx/votefleet-go/internal/stats"
	"github.com/Rorqualx/votefleet-go/internal/tui"
	"github.com/Rorqualx/votefleet-go/internal/votelog"
	"github.com/Rorqualx/votefleet-go/internal/worker"
	"github.com/Rorqualx/votefleet-go/pkg/version"
)

func main() {
	app := &cli.App{
		Name:           "votefleet",
		Usage:          "drive a fleet of browser identities against a voting page",
		Version:        version.Full(),
		DefaultCommand: "run",
		Commands: []*cli.Command{
			{
				Name:  "run",
				Usage: "start the fleet (default)",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "tui",
						Usage: "render the live dashboard instead of plain logs",
					},
				},
				Action: runFleet,
			},
			{
				Name:  "analytics",
				Usage: "summarize the vote log",
				Flags: []cli.Flag{
					&cli.DurationFlag{
						Name:  "window",
						Usage: "how far back to analyze",
						Value: 24 * time.Hour,
					},
				},
				Action: runAnalytics,
			},
			{
				Name:   "sessions",
				Usage:  "list persisted instance sessions",
				Action: runSessions,
			},
			{
				Name:  "version",
				Usage: "print build metadata",
				Action: func(c *cli.Context) error {
					fmt.Printf("votefleet %s (%s)\n", version.Full(), version.GoVersion())
					return nil
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runFleet(c *cli.Context) error {
	cfg := config.Load()
	setupLogging(cfg.LogLevel, c.Bool("tui"))
	if err := cfg.Validate(); err != nil {
		return err
	}
	printBanner(cfg)

	patternMgr, err := patterns.NewManager(cfg.PatternsFile, cfg.PatternsHotReload, patterns.Overrides{
		GlobalHourlyLimit: cfg.GlobalHourlyLimitPatterns,
		InstanceCooldown:  cfg.InstanceCooldownPatterns,
		Failure:           cfg.FailurePatterns,
	})
	if err != nil {
		return err
	}
	defer patternMgr.Close()

	votes, err := votelog.Open(cfg.VoteLogPath)
	if err != nil {
		return err
	}
	defer votes.Close()

	store, err := sessionstore.New(cfg.DataDir)
	if err != nil {
		return err
	}

	allocator := proxy.NewAllocator(cfg, store)

	var blocking browser.BlockPolicy
	if cfg.EnableResourceBlocking {
		pats := patternMgr.Current()
		blocking = browser.BlockPolicy{
			BlockImages:      cfg.BlockImages,
			BlockMedia:       cfg.BlockMedia,
			BlockFonts:       cfg.BlockFonts,
			BlockStylesheets: cfg.BlockCSS,
			BlockedHosts:     pats.BlockedHostPatterns,
			EssentialCSS:     pats.EssentialCSSAllowlist,
		}
	}
	opener := browser.NewRodOpener(browser.RodConfig{
		Headless:    cfg.Headless,
		BrowserPath: cfg.BrowserPath,
		Blocking:    blocking,
	})

	scheduler := fleet.New(fleet.Options{
		InstanceCount:       cfg.InstanceCount,
		LaunchBudget:        cfg.MaxConcurrentBrowserLaunches,
		LaunchTimeout:       cfg.BrowserInitTimeout,
		ScanInterval:        cfg.SessionScanInterval,
		JanitorInterval:     cfg.JanitorInterval,
		RetryDelayTechnical: cfg.RetryDelayTechnical,
		RetryDelayCooldown:  cfg.RetryDelayCooldown,
		InstanceParams: instance.Params{
			TargetURL:           cfg.TargetURL,
			RetryDelayTechnical: cfg.RetryDelayTechnical,
			RetryDelayCooldown:  cfg.RetryDelayCooldown,
			MaxInitFailures:     cfg.MaxInitFailures,
		},
	}, votes, store)

	attempts := worker.New(opener, scheduler.Gate(), scheduler.Registry(), patternMgr.Current, worker.Options{
		NavigationTimeout: cfg.NavigationTimeout,
		ContentTimeout:    cfg.ContentTimeout,
		StabilizeDelay:    cfg.StabilizeDelay,
		MaxClickRetries:   cfg.MaxClickRetries,
		UserAgent:         version.UserAgent,
	})

	tracker := stats.NewTracker()
	var publisher adapter.Publisher = adapter.NopPublisher{}
	if cfg.EventsRedisURL != "" {
		redisPub, err := adapter.NewRedisPublisher(cfg.EventsRedisURL, cfg.EventsRedisChannel)
		if err != nil {
			return fmt.Errorf("events publisher: %w", err)
		}
		publisher = redisPub
		log.Info().Str("channel", cfg.EventsRedisChannel).Msg("Outcome event publishing enabled")
	}
	defer publisher.Close()

	observed := adapter.NewObservedRunner(attempts, tracker, publisher)
	if err := scheduler.Populate(observed, allocator); err != nil {
		return err
	}

	stopCh := make(chan struct{})
	var metricsServer *http.Server
	if cfg.PrometheusEnabled {
		metrics.SetBuildInfo(version.Full(), version.GoVersion())
		go metrics.StartMemoryCollector(10*time.Second, stopCh)

		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metrics.Handler())
		metricsServer = &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.PrometheusPort),
			Handler:      metricsMux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}
		go func() {
			log.Info().Int("port", cfg.PrometheusPort).Msg("Prometheus metrics server started")
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("Metrics server failed")
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	scheduler.Start(ctx)

	if c.Bool("tui") {
		program := tea.NewProgram(
			tui.NewModel(scheduler, tracker, version.Full()),
			tea.WithAltScreen(),
		)
		go func() {
			<-ctx.Done()
			program.Quit()
		}()
		if _, err := program.Run(); err != nil {
			log.Error().Err(err).Msg("Dashboard failed")
		}
		stop()
	} else {
		<-ctx.Done()
	}

	log.Info().Msg("Shutting down...")
	close(stopCh)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	scheduler.Stop(shutdownCtx)

	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Metrics server shutdown error")
		}
	}

	log.Info().Msg("Shutdown complete")
	return nil
}

func runAnalytics(c *cli.Context) error {
	cfg := config.Load()
	setupLogging("warn", false)

	votes, err := votelog.Open(cfg.VoteLogPath)
	if err != nil {
		return err
	}
	defer votes.Close()

	entries, err := votes.ReadAll()
	if err != nil {
		return err
	}

	now := time.Now()
	window := c.Duration("window")

	buckets, err := votes.HourlyAnalytics(now, window)
	if err != nil {
		return err
	}

	type hourRow struct {
		Hour             time.Time `json:"hour"`
		Attempts         int       `json:"attempts"`
		Successes        int       `json:"successes"`
		Failures         int       `json:"failures"`
		LimitDetections  int       `json:"limit_detections"`
		VotesBeforeLimit int       `json:"votes_before_limit"`
	}
	result := struct {
		Summary stats.Report `json:"summary"`
		Hours   []hourRow    `json:"hours"`
	}{
		Summary: stats.Analyze(entries, window, now),
	}
	for _, hour := range votelog.SortedHours(buckets) {
		b := buckets[hour]
		result.Hours = append(result.Hours, hourRow{
			Hour:             hour,
			Attempts:         b.Total,
			Successes:        b.Success,
			Failures:         b.Failed,
			LimitDetections:  b.HourlyLimitCount,
			VotesBeforeLimit: b.VotesBeforeLimit,
		})
	}

	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func runSessions(c *cli.Context) error {
	cfg := config.Load()
	setupLogging("warn", false)

	store, err := sessionstore.New(cfg.DataDir)
	if err != nil {
		return err
	}

	records, err := store.LoadAll()
	if err != nil {
		return err
	}

	// Tokens never print raw, even in operator tooling.
	for i := range records {
		records[i].SessionToken = security.RedactToken(records[i].SessionToken)
	}

	out, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

// setupLogging configures zerolog. With the TUI active, logs go to stderr so
// they never tear the dashboard.
func setupLogging(level string, tuiActive bool) {
	out := os.Stdout
	if tuiActive {
		out = os.Stderr
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{
		Out:        out,
		TimeFormat: time.RFC3339,
	})

	switch level {
	case "trace":
		zerolog.SetGlobalLevel(zerolog.TraceLevel)
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

// printBanner prints the startup banner.
func printBanner(cfg *config.Config) {
	banner := `
__     __    _       _____ _           _
\ \   / /__ | |_ ___|  ___| | ___  ___| |_
 \ \ / / _ \| __/ _ \ |_  | |/ _ \/ _ \ __|
  \ V / (_) | ||  __/  _| | |  __/  __/ |_
   \_/ \___/ \__\___|_|   |_|\___|\___|\__|
`
	fmt.Println(banner)
	log.Info().
		Str("version", version.Full()).
		Str("go_version", version.GoVersion()).
		Str("target", security.RedactURL(cfg.TargetURL)).
		Int("instances", cfg.InstanceCount).
		Msg("Starting VoteFleet")
}
