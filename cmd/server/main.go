package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/fakeos/termbroker/api/handlers"
	"github.com/fakeos/termbroker/internal/audit"
	"github.com/fakeos/termbroker/internal/broker"
	"github.com/fakeos/termbroker/internal/config"
	"github.com/fakeos/termbroker/internal/db"
	"github.com/fakeos/termbroker/internal/logger"
	"github.com/fakeos/termbroker/internal/metrics"
	"github.com/fakeos/termbroker/internal/pty"
	"github.com/fakeos/termbroker/internal/repository"
	"github.com/fakeos/termbroker/internal/session"
	"github.com/fakeos/termbroker/internal/ws"
)

const shutdownTimeout = 10 * time.Second

func main() {
	settings, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	fs := pflag.NewFlagSet(os.Args[0], pflag.ExitOnError)
	settings.BindFlags(fs)
	fs.Parse(os.Args[1:])
	if err := settings.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	log := newLogger(settings)
	if err := run(settings, log); err != nil {
		log.Fatal().Err(err).Msg("server failed")
	}
}

func newLogger(settings config.Settings) zerolog.Logger {
	zerolog.SetGlobalLevel(settings.Level())

	if strings.EqualFold(settings.LogFormat, "console") {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
			With().Timestamp().Logger()
	}
	return zerolog.New(os.Stderr).With().Timestamp().Logger()
}

func run(settings config.Settings, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if settings.Shell == "" {
		shell, err := pty.DetectShell()
		if err != nil {
			return err
		}
		settings.Shell = shell
	}
	spawnOpts := settings.SpawnOptions()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	var newRecorder func(id string, opts pty.SpawnOptions) (session.Recorder, error)
	if settings.RecordDir != "" {
		dir, err := logger.NewDirectory(settings.RecordDir)
		if err != nil {
			return err
		}
		newRecorder = dir.NewRecorder
		log.Info().Str("dir", settings.RecordDir).Msg("recording sessions")
	}

	hooks := session.Hooks{NewRecorder: newRecorder}
	var history handlers.HistoryStore
	var repo *repository.SessionRepository
	if settings.DBPath != "" {
		database, err := db.Open(settings.DBPath)
		if err != nil {
			return err
		}
		defer database.Close()

		repo = repository.NewSessionRepository(database)
		stale, err := repo.CloseStale(ctx, time.Now())
		if err != nil {
			return err
		}
		if stale > 0 {
			log.Warn().Int64("records", stale).Msg("closed audit records left open by a previous run")
		}

		hooks = audit.New(repo, log).Hooks(newRecorder)
		history = repo
		log.Info().Str("path", settings.DBPath).Msg("audit log enabled")
	}

	template := session.Options{
		HistorySize:    settings.HistorySize,
		RespawnBackoff: settings.RespawnBackoff,
		InputQueueSize: settings.InputQueue,
		Logger:         log,
		Metrics:        m,
	}
	launcher := pty.NewLauncher(log)
	sessions := session.NewRegistry(launcher, session.RegistryConfig{
		Session:     template,
		MaxSessions: settings.MaxSessions,
		Hooks:       hooks,
	})
	b := broker.New(sessions, launcher, broker.Config{
		Spawn:      spawnOpts,
		Standalone: template,
		Hooks:      hooks,
		Logger:     log,
	})

	wsHandler := ws.NewHandler(b, ws.Config{
		Welcome:     settings.Welcome,
		QueueSize:   settings.ViewerQueue,
		CheckOrigin: originChecker(settings.AllowedOrigins),
		Logger:      log,
		Metrics:     m,
	})

	if settings.Level() > zerolog.DebugLevel {
		gin.SetMode(gin.ReleaseMode)
	}
	router := handlers.NewRouter(handlers.RouterConfig{
		Sessions:       handlers.NewSessionHandler(b, history),
		WebSocket:      handlers.NewWebSocketHandler(wsHandler),
		Gatherer:       registry,
		AllowedOrigins: settings.AllowedOrigins,
		Logger:         log,
	})

	scheduler, err := newScheduler(ctx, settings, b, repo, log)
	if err != nil {
		return err
	}
	scheduler.Start()
	defer func() { <-scheduler.Stop().Done() }()

	srv := &http.Server{
		Addr:              settings.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info().
			Str("addr", settings.ListenAddr).
			Str("shell", spawnOpts.Command).
			Int("history", settings.HistorySize).
			Msg("starting server")
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}
	if err := b.Close(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("sessions did not stop in time")
	}
	return nil
}

// newScheduler registers the periodic maintenance jobs.
func newScheduler(ctx context.Context, settings config.Settings, b *broker.Broker, repo *repository.SessionRepository, log zerolog.Logger) (*cron.Cron, error) {
	scheduler := cron.New()

	if settings.IdleTimeout > 0 {
		_, err := scheduler.AddFunc(settings.SweepSchedule, func() {
			b.SweepIdle(ctx, settings.IdleTimeout)
		})
		if err != nil {
			return nil, fmt.Errorf("idle sweep schedule: %w", err)
		}
		log.Info().Dur("timeout", settings.IdleTimeout).Str("schedule", settings.SweepSchedule).Msg("idle sweep enabled")
	}

	if repo != nil && settings.AuditRetention > 0 {
		_, err := scheduler.AddFunc("@daily", func() {
			pruned, err := repo.Prune(ctx, time.Now().Add(-settings.AuditRetention))
			if err != nil {
				log.Warn().Err(err).Msg("audit prune failed")
				return
			}
			log.Info().Int64("records", pruned).Msg("pruned audit log")
		})
		if err != nil {
			return nil, fmt.Errorf("audit prune schedule: %w", err)
		}
	}
	return scheduler, nil
}

// originChecker accepts WebSocket upgrades from the allowed origins. An
// empty list accepts any origin.
func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return nil
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || slices.Contains(allowed, origin)
	}
}
