package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/flakeguard/flakeguard/internal/app"
	"github.com/flakeguard/flakeguard/internal/config"
	"github.com/flakeguard/flakeguard/internal/queue"
	"github.com/flakeguard/flakeguard/internal/retention"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

const (
	retentionBodyDays  = 30
	retentionQueueDays = 7
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "admin" {
		os.Exit(runAdmin(os.Args[2:]))
	}

	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()
	application, err := app.New(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize application: %v\n", err)
		os.Exit(1)
	}
	defer application.Close()

	cronScheduler, err := setupCron(cfg, application)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to setup scheduled jobs: %v\n", err)
		os.Exit(1)
	}
	cronScheduler.Start()
	defer cronScheduler.Stop()

	// Queue workers run until shutdown cancels their context.
	workCtx, stopWorkers := context.WithCancel(ctx)
	var workers sync.WaitGroup
	workers.Add(1)
	go func() {
		defer workers.Done()
		if err := application.Runner.Run(workCtx); err != nil {
			log.Error().Err(err).Msg("Worker runner stopped with error")
		}
	}()

	server := application.Server()
	errChan := make(chan error, 1)
	go func() {
		log.Info().Str("addr", server.Addr).Msg("Starting HTTP server")
		errChan <- server.ListenAndServe()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Server error")
			stopWorkers()
			workers.Wait()
			os.Exit(1)
		}
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP shutdown failed")
		}
	}

	// Let in-flight jobs drain before the process exits.
	stopWorkers()
	workers.Wait()
}

// setupCron schedules the poller tick and the nightly retention job.
func setupCron(cfg *config.Config, application *app.App) (*cron.Cron, error) {
	c := cron.New(cron.WithLocation(time.UTC))

	pollSpec := fmt.Sprintf("@every %dm", cfg.PollIntervalMinutes)
	_, err := c.AddFunc(pollSpec, func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error().Interface("panic", r).Msg("Poll tick panicked")
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		if err := application.Poller.Tick(ctx); err != nil {
			log.Error().Err(err).Msg("Poll tick failed")
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to schedule poller: %w", err)
	}

	_, err = c.AddFunc("@every 1m", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		depths, err := application.Queue.Depth(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("Queue depth sample failed")
			return
		}
		for _, name := range []string{queue.QueueEvents, queue.QueueIngest, queue.QueueAnalyze, queue.QueueRecompute, queue.QueuePoll} {
			application.Metrics.QueueDepth.WithLabelValues(name).Set(float64(depths[name]))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to schedule queue depth sampler: %w", err)
	}

	retentionSpec := "0 3 * * *"
	if cfg.IsDev() {
		retentionSpec = "* * * * *"
	}
	_, err = c.AddFunc(retentionSpec, func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error().Interface("panic", r).Msg("Retention job panicked")
			}
		}()

		ctx := context.Background()
		if err := retention.RunRetentionJob(ctx, application.DB, application.Store, retentionBodyDays, retentionQueueDays); err != nil {
			log.Error().Err(err).Msg("Retention job failed")
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to schedule retention job: %w", err)
	}

	return c, nil
}
