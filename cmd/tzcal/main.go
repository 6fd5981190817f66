package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"tzcal/internal/calendar"
	"tzcal/internal/config"
	"tzcal/internal/ics"
	appLog "tzcal/internal/log"
	"tzcal/internal/web"
)

const version = "0.1.0"

// flagConfig holds CLI flag values; they override the config file.
type flagConfig struct {
	configPath string
	listen     string
	logLevel   string
	once       bool
}

func main() {
	flags := parseFlags()

	conf, err := config.Load(flags.configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", flags.configPath)
		os.Exit(1)
	}
	if flags.listen != "" {
		conf.Listen = flags.listen
	}
	if flags.logLevel != "" {
		conf.LogLevel = flags.logLevel
	}
	appLog.SetLevel(appLog.ParseLevel(conf.LogLevel))
	appLog.Info("tzcal starting", "version", version)

	appLog.Info("effective config",
		"listen", conf.Listen,
		"timezone", conf.Timezone,
		"calendars", len(conf.Calendars),
		"active", conf.ActiveCalendar(),
		"subscriptions", len(conf.Subscriptions),
		"refresh", conf.RefreshCron,
		"once", flags.once,
	)

	manager, err := seedCalendars(conf)
	if err != nil {
		appLog.Error("failed to create calendars", err)
		os.Exit(1)
	}

	// Every access to manager after this point goes through mu.
	var mu sync.Mutex
	syncer := ics.NewSyncer(&mu, manager, ics.NewFetcher(conf.CacheDir, nil), subscriptionSources(conf))

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

	logSync(syncer.SyncAll(ctx))
	if flags.once {
		appLog.Info("tzcal exiting", "once", true)
		return
	}

	scheduler, err := startScheduler(ctx, conf, syncer)
	if err != nil {
		appLog.Error("failed to start refresh scheduler", err, "refresh", conf.RefreshCron)
		os.Exit(1)
	}
	defer func() { <-scheduler.Stop().Done() }()

	watcher, err := watchLocalSources(ctx, syncer)
	if err != nil {
		// Local files are still refreshed by the schedule.
		appLog.Error("file watcher unavailable", err)
	} else {
		defer watcher.Close()
	}

	srv := &http.Server{
		Addr:              conf.Listen,
		Handler:           web.NewServer(conf, &mu, manager, syncer).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+conf.Listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	exitCode := 0
	select {
	case <-ctx.Done():
	case err := <-errCh:
		appLog.Error("HTTP server failed", err, "listen", conf.Listen)
		exitCode = 1
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLog.Error("HTTP server shutdown failed", err)
	}
	appLog.Info("tzcal exiting")
	if exitCode != 0 {
		os.Exit(exitCode)
	}
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", "/etc/tzcal/config.yaml", "Path to config file")
	flag.StringVar(&cfg.listen, "listen", "", "HTTP listen address (overrides config if set)")
	flag.StringVar(&cfg.logLevel, "log-level", "", "Log level: debug, info or error (overrides config if set)")
	flag.BoolVar(&cfg.once, "once", false, "Sync subscriptions once and exit")

	flag.Parse()

	return cfg
}

// seedCalendars creates the configured calendars and selects the active one.
func seedCalendars(conf *config.Config) (*calendar.Manager, error) {
	m := calendar.NewManager()
	for _, c := range conf.Calendars {
		tz := c.Timezone
		if tz == "" {
			tz = conf.Timezone
		}
		if _, err := m.CreateCalendar(c.Name, tz); err != nil {
			return nil, err
		}
	}
	if name := conf.ActiveCalendar(); name != "" {
		if err := m.SetActiveCalendar(name); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func subscriptionSources(conf *config.Config) []ics.Source {
	sources := make([]ics.Source, 0, len(conf.Subscriptions))
	for _, s := range conf.Subscriptions {
		sources = append(sources, ics.Source{ID: s.ID, Calendar: s.Calendar, URL: s.URL, Path: s.Path})
	}
	return sources
}

// startScheduler runs a subscription sync on conf.RefreshCron. A sync that
// is still running when the next tick fires makes that tick a no-op.
func startScheduler(ctx context.Context, conf *config.Config, syncer *ics.Syncer) (*cron.Cron, error) {
	loc, err := calendar.LoadLocation(conf.Timezone)
	if err != nil {
		return nil, err
	}
	logger := cronLogger{}
	c := cron.New(
		cron.WithLocation(loc),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	if _, err := c.AddFunc(conf.RefreshCron, func() { logSync(syncer.SyncAll(ctx)) }); err != nil {
		return nil, err
	}
	c.Start()
	return c, nil
}

// watchLocalSources re-imports path subscriptions when their file changes.
func watchLocalSources(ctx context.Context, syncer *ics.Syncer) (*ics.Watcher, error) {
	w, err := ics.NewWatcher(func(path string) {
		appLog.Info("subscription file changed", "path", path)
		logSync(syncer.SyncPath(ctx, path))
	})
	if err != nil {
		return nil, err
	}
	for _, src := range syncer.Sources() {
		if src.Path == "" {
			continue
		}
		if err := w.Add(src.Path); err != nil {
			appLog.Error("cannot watch subscription file", err, "id", src.ID, "path", src.Path)
		}
	}
	return w, nil
}

func logSync(results []ics.SyncResult) {
	for _, res := range results {
		if res.Err != nil {
			appLog.Error("subscription sync failed", res.Err, "id", res.Source.ID, "calendar", res.Source.Calendar)
			continue
		}
		appLog.Info("subscription synced",
			"id", res.Source.ID,
			"calendar", res.Source.Calendar,
			"added", res.Report.Added,
			"existing", res.Report.Existing,
			"declined", len(res.Report.Declined),
			"skipped", len(res.Report.Skipped),
		)
	}
}

// cronLogger routes cron's own logging through the application logger.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	appLog.Debug("cron: "+msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	appLog.Error("cron: "+msg, err, keysAndValues...)
}
