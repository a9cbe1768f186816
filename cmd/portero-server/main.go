package main

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/fraugster/cli"
	log "github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/condominio/portero/internal/config"
	"github.com/condominio/portero/internal/db"
	"github.com/condominio/portero/internal/gateapi"
	"github.com/condominio/portero/internal/healthsrv"
	"github.com/condominio/portero/internal/httpapi"
	"github.com/condominio/portero/internal/portero/service"
	"github.com/condominio/portero/internal/portero/session"
	"github.com/condominio/portero/internal/portero/store"
	"github.com/condominio/portero/internal/portero/store/memory"
	sqlitestore "github.com/condominio/portero/internal/portero/store/sqlite"
)

func main() {
	cfg := config.FromEnv()
	logger := newLogger(cfg)

	// cancelled on SIGINT/SIGTERM, or when a listener dies
	ctx, stop := context.WithCancel(cli.Context())
	defer stop()

	events, closeStore, err := openEventStore(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).WithField("db_path", cfg.DBPath).Error("Error opening event store, exiting")
		os.Exit(1)
	}

	pruner := service.NewEventPruner(events, service.PrunerConfig{
		RetentionDays: cfg.EventRetentionDays,
		IntervalHours: cfg.PruneIntervalHours,
	}, logger.WithField("component", "pruner"))
	pruner.Start(ctx)

	backend := gateapi.New(gateapi.Options{
		BaseURL:    cfg.BackendURL,
		Timeout:    cfg.BackendTimeout,
		RatePerSec: cfg.BackendRate,
		Logger:     logger.WithField("component", "gateapi"),
	})

	control, err := service.NewControlService(backend, events, service.ControlConfig{
		Session: session.Options{
			OpenDuration: cfg.OpenDuration,
			Policy:       session.ParseClosePolicy(cfg.ClosePolicy),
			RetryDelay:   cfg.RetryDelay,
			CallTimeout:  cfg.BackendTimeout,
		},
		MaxShells:       cfg.MaxShells,
		SkipPermissions: cfg.SkipPermissions,
	}, logger.WithField("component", "control"))
	if err != nil {
		logger.WithError(err).Error("Error building control service, exiting")
		os.Exit(1)
	}

	srv := httpapi.NewServer(httpapi.Dependencies{
		Logger:         logger.WithField("component", "http"),
		Addr:           cfg.HTTPAddr,
		Control:        control,
		AllowedOrigins: cfg.CORSOrigins,
	})

	health, err := healthsrv.Listen(cfg.GRPCAddr, logger.WithField("component", "health"))
	if err != nil {
		logger.WithError(err).Error("Error starting health server, exiting")
		os.Exit(1)
	}
	go func() {
		if err := health.Serve(); err != nil {
			logger.WithError(err).Error("Health server stopped")
			stop()
		}
	}()

	go func() {
		logger.WithFields(log.Fields{
			"addr":         cfg.HTTPAddr,
			"backend":      cfg.BackendURL,
			"close_policy": cfg.ClosePolicy,
		}).Info("Portero listening")
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("HTTP server stopped")
			stop()
		}
	}()
	health.SetServing(true)

	<-ctx.Done()
	logger.Info("Shutting down")
	health.SetServing(false)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var errs error
	errs = multierr.Append(errs, srv.Shutdown(shutdownCtx))
	control.Close()
	pruner.Stop()
	health.Stop()
	errs = multierr.Append(errs, closeStore())
	if errs != nil {
		logger.WithError(errs).Error("Error during shutdown")
		os.Exit(1)
	}
}

func newLogger(cfg config.Config) *log.Logger {
	logger := log.New()
	logger.SetOutput(os.Stdout)
	if cfg.Env == "prod" {
		logger.SetFormatter(&log.JSONFormatter{})
	} else {
		logger.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		logger.WithField("log_level", cfg.LogLevel).Warning("Unknown log level, using info")
		level = log.InfoLevel
	}
	logger.SetLevel(level)
	return logger
}

// openEventStore returns the configured history store and its closer.
// db_path "memory" keeps history in process only.
func openEventStore(ctx context.Context, cfg config.Config, logger log.FieldLogger) (store.AccessEventStore, func() error, error) {
	if cfg.DBPath == "memory" {
		logger.Warning("Access history kept in memory only")
		return memory.NewAccessEventStore(), func() error { return nil }, nil
	}

	conn, err := db.Open(ctx, db.Config{Path: cfg.DBPath, Logger: logger})
	if err != nil {
		return nil, nil, err
	}
	writer := db.NewWorker(conn)
	closer := func() error {
		writer.Close()
		return conn.Close()
	}
	return sqlitestore.NewAccessEventStore(conn, writer), closer, nil
}
