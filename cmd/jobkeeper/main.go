package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	_ "modernc.org/sqlite"

	"jobkeeper/internal/api"
	"jobkeeper/internal/config"
	httphandler "jobkeeper/internal/handlers/http"
	"jobkeeper/internal/handlers/shell"
	"jobkeeper/internal/jobs"
	"jobkeeper/internal/manager"
	"jobkeeper/internal/notify"
	"jobkeeper/internal/scheduler"
	"jobkeeper/internal/tracker"
)

func main() {
	debug := flag.Bool("debug", false, "expose /debug/pprof")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	setupLogger(cfg)

	if err := run(cfg, *debug); err != nil {
		log.Fatal().Err(err).Msg("jobkeeper stopped")
	}
}

func setupLogger(cfg config.Config) {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(cfg.Level())
	if cfg.LogFormat == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	} else {
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	}
}

func run(cfg config.Config, debug bool) error {
	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)&_time_format=sqlite", cfg.DBPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(1) // SQLite single writer

	if err := tracker.EnsureSchema(db); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	tr := tracker.NewSQLiteTracker(db, tracker.WithLogger(log.Logger))

	if cfg.RecoverOnStart {
		n, err := tr.RecoverInterrupted(context.Background())
		if err != nil {
			return fmt.Errorf("recover interrupted executions: %w", err)
		}
		log.Info().Int("recovered", n).Msg("closed executions interrupted by previous shutdown")
	}

	defs, err := jobs.Load(cfg.JobsFile, map[string]jobs.Factory{
		"shell": shell.New,
		"http":  httphandler.New,
	})
	if err != nil {
		return err
	}

	dispatcher, err := newDispatcher(cfg, tr)
	if err != nil {
		return err
	}

	sched := scheduler.NewService(log.Logger)

	managers := make([]*manager.Manager, 0, len(defs))
	for _, def := range defs {
		m, err := manager.New(def, manager.Deps{
			Tracker:   tr,
			Scheduler: sched,
			Notifier:  dispatcher,
		})
		if err != nil {
			return err
		}
		managers = append(managers, m)
	}
	reg, err := manager.NewRegistry(tr, managers...)
	if err != nil {
		return err
	}

	if err := reg.StartAll(); err != nil {
		return fmt.Errorf("schedule jobs: %w", err)
	}
	sched.Start()
	log.Info().Int("jobs", len(managers)).Msg("scheduler started")

	srv := &http.Server{Addr: cfg.Addr, Handler: api.NewServerWithDebug(reg, debug)}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", cfg.Addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		// Refuse new runs first so nothing starts after the drain.
		drainErr := reg.Shutdown(shutdownCtx)
		if drainErr != nil {
			log.Warn().Err(drainErr).Msg("running executions did not finish before shutdown timeout")
		}
		sched.Stop(shutdownCtx)
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func newDispatcher(cfg config.Config, audit notify.AuditRecorder) (*notify.Dispatcher, error) {
	var transports []notify.Registration
	if cfg.Webhook.URL != "" {
		wh, err := notify.NewWebhookTransport(notify.WebhookConfig{
			URL:        cfg.Webhook.URL,
			Headers:    cfg.Webhook.Headers,
			Timeout:    cfg.Webhook.Timeout,
			RetryLimit: cfg.Webhook.RetryLimit,
		})
		if err != nil {
			return nil, fmt.Errorf("webhook transport: %w", err)
		}
		transports = append(transports, notify.Registration{Name: "webhook", Transport: wh})
	} else {
		transports = append(transports, notify.Registration{Name: "log", Transport: notify.LogTransport{Logger: log.Logger}})
	}
	return notify.NewDispatcher(notify.Options{
		Transports: transports,
		Audit:      audit,
		Timeout:    cfg.NotifyTimeout,
	}), nil
}
