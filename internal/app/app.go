// Package app assembles the FlakeGuard service: configuration, database,
// host client, queue workers, poller and the HTTP surface.
package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/flakeguard/flakeguard/internal/checks"
	"github.com/flakeguard/flakeguard/internal/config"
	"github.com/flakeguard/flakeguard/internal/db"
	"github.com/flakeguard/flakeguard/internal/flake"
	"github.com/flakeguard/flakeguard/internal/githubapp"
	"github.com/flakeguard/flakeguard/internal/metrics"
	"github.com/flakeguard/flakeguard/internal/poller"
	"github.com/flakeguard/flakeguard/internal/queue"
	"github.com/flakeguard/flakeguard/internal/store"
	"github.com/flakeguard/flakeguard/internal/worker"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// App holds the application state
type App struct {
	Config  *config.Config
	DB      *pgxpool.Pool
	Store   *store.Store
	Queue   *queue.Queue
	Runner  *queue.Runner
	Poller  *poller.Poller
	Metrics *metrics.Metrics
	Router  http.Handler
}

// New creates and initializes a new application instance
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	setupLogger(cfg.LogLevel)

	log.Info().Msg("Initializing FlakeGuard application")
	log.Info().Interface("config", cfg.RedactedValues()).Msg("Configuration loaded")

	log.Info().Msg("Connecting to database...")
	pool, err := db.Connect(ctx, cfg.DBDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	log.Info().Msg("Database connection established")

	// Run migrations if in dev mode
	if cfg.IsDev() {
		log.Info().Msg("Development mode: running migrations automatically")
		if err := db.RunMigrations(ctx, pool); err != nil {
			pool.Close()
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
	} else {
		log.Info().Msg("Production mode: migrations must be run manually")
	}

	gh, err := githubapp.New(cfg)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize host client: %w", err)
	}

	st := store.New(pool)
	q := queue.New(pool, cfg.MaxAttempts)
	m := metrics.New()

	engine := flake.NewEngine(st, flake.ScorerConfig{
		WindowSize:           cfg.WindowSize,
		QuarantineThreshold:  cfg.QuarantineThreshold,
		WarnThreshold:        cfg.WarnThreshold,
		MinRunsForQuarantine: cfg.MinRunsForQuarantine,
		MinRecentFailures:    cfg.MinRecentFailures,
		LookbackDays:         cfg.LookbackDays,
	}, time.Duration(cfg.ClusterGapMinutes)*time.Minute)
	renderer := checks.NewRenderer(cfg.MaxSummaryBytes)

	p := poller.New(cfg, st, q, gh, m)
	workers := worker.New(cfg, st, q, engine, renderer, gh, p, m)
	runner := queue.NewRunner(q,
		time.Duration(cfg.DrainDeadlineSecs)*time.Second,
		time.Duration(cfg.HeartbeatSecs)*time.Second)
	workers.Register(runner)

	app := &App{
		Config:  cfg,
		DB:      pool,
		Store:   st,
		Queue:   q,
		Runner:  runner,
		Poller:  p,
		Metrics: m,
		Router:  NewRouter(pool, cfg, q, m),
	}

	log.Info().Msg("Application initialized successfully")
	return app, nil
}

// Server builds the HTTP server for the app's router.
func (a *App) Server() *http.Server {
	return &http.Server{
		Addr:         a.Config.HTTPAddr,
		Handler:      a.Router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// Close gracefully shuts down the application
func (a *App) Close() {
	log.Info().Msg("Shutting down application")
	if a.DB != nil {
		log.Info().Msg("Closing database connection")
		a.DB.Close()
	}
}

// setupLogger configures the global logger
func setupLogger(level string) {
	log.Logger = log.Output(zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	})

	switch level {
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

	log.Debug().Str("level", level).Msg("Logger configured")
}
