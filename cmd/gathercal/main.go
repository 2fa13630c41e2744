package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"gathercal/internal/config"
	"gathercal/internal/dateutil"
	"gathercal/internal/digest"
	appLog "gathercal/internal/log"
	"gathercal/internal/store"
	"gathercal/internal/web"
)

// flagConfig holds CLI flag values.
type flagConfig struct {
	configPath string
	listen     string
	once       bool
	verbose    bool
}

func main() {
	appLog.Info("gathercal starting", "version", "0.1.0-dev")

	flags := parseFlags()
	if flags.verbose {
		appLog.SetLevel(appLog.LevelDebug)
	}

	conf, err := config.Load(flags.configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", flags.configPath)
		os.Exit(1)
	}

	// CLI --listen overrides config file listen if provided.
	if flags.listen != "" {
		conf.Listen = flags.listen
	}

	loc, err := dateutil.LoadLocation(conf.Timezone)
	if err != nil {
		appLog.Error("failed to load timezone", err, "timezone", conf.Timezone)
		os.Exit(1)
	}

	appLog.Info("effective config",
		"listen", conf.Listen,
		"timezone", conf.Timezone,
		"db_path", conf.DBPath,
		"digest_cron", conf.DigestCron,
		"digest_days", conf.DigestDays,
		"window_days", conf.WindowDays,
		"once", flags.once,
	)

	st, err := store.Open(conf.DBPath)
	if err != nil {
		appLog.Error("failed to open store", err, "db_path", conf.DBPath)
		os.Exit(1)
	}
	defer st.Close()

	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		appLog.Info("signal received, shutting down", "signal", sig.String())
		cancel()
	}()

	if flags.once {
		// Single-shot: build the digest, print it, exit. Used by ops
		// scripts and backfills.
		d, err := buildDigest(ctx, conf, st, loc)
		if err != nil {
			appLog.Error("digest build failed", err)
			os.Exit(1)
		}
		fmt.Print(digest.Render(d))
		return
	}

	// Scheduled digest builds.
	sched := cron.New()
	_, err = sched.AddFunc(conf.DigestCron, func() {
		d, err := buildDigest(ctx, conf, st, loc)
		if err != nil {
			appLog.Error("scheduled digest build failed", err)
			return
		}
		appLog.Info("scheduled digest ready",
			"days_with_occurrences", len(d.Days),
			"needs_attention", len(d.NeedsAttention))
		fmt.Print(digest.Render(d))
	})
	if err != nil {
		appLog.Error("invalid digest cron expression", err, "digest_cron", conf.DigestCron)
		os.Exit(1)
	}
	sched.Start()
	defer sched.Stop()

	if err := web.StartServer(ctx, conf, st, loc); err != nil {
		appLog.Error("HTTP server failed", err)
		os.Exit(1)
	}

	appLog.Info("gathercal exiting")
}

func buildDigest(ctx context.Context, conf *config.Config, st *store.Store, loc *time.Location) (digest.Digest, error) {
	today := dateutil.Today(loc)
	end, err := dateutil.AddDays(today, conf.DigestDays)
	if err != nil {
		return digest.Digest{}, err
	}
	happenings, err := st.List(ctx)
	if err != nil {
		return digest.Digest{}, err
	}
	overridesByID, err := st.OverridesInWindow(ctx, today, end)
	if err != nil {
		return digest.Digest{}, err
	}
	return digest.Build(happenings, overridesByID, today, conf.DigestDays)
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", "gathercal.yaml", "Path to config file")
	flag.StringVar(&cfg.listen, "listen", "", "HTTP listen address (overrides config if set)")
	flag.BoolVar(&cfg.once, "once", false, "Build one digest, print it, and exit")
	flag.BoolVar(&cfg.verbose, "verbose", false, "Enable debug logging")

	flag.Parse()

	return cfg
}
