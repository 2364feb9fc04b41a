// Package retention implements the scheduled cleanup job: aged failure
// bodies are blanked, terminal queue jobs pruned and lapsed quarantines
// expired.
package retention

import (
	"context"
	"fmt"
	"time"

	"github.com/flakeguard/flakeguard/internal/store"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// ClearOldFailureBodies nulls message and stack text on occurrences older
// than the specified days. Signatures and digests stay, so scoring and
// clustering keep working on cleaned rows. Idempotent.
//
// Returns the number of rows updated.
func ClearOldFailureBodies(ctx context.Context, pool *pgxpool.Pool, retentionDays int) (int64, error) {
	query := `
		UPDATE occurrences
		SET message = NULL, stack = NULL
		WHERE created_at < NOW() - INTERVAL '1 day' * $1
		  AND (message IS NOT NULL OR stack IS NOT NULL)
	`

	tag, err := pool.Exec(ctx, query, retentionDays)
	if err != nil {
		return 0, fmt.Errorf("failed to clear old failure bodies: %w", err)
	}
	return tag.RowsAffected(), nil
}

// DeleteTerminalQueueJobs removes completed and dead queue jobs older than
// the specified days. Idempotent.
//
// Returns the number of rows deleted.
func DeleteTerminalQueueJobs(ctx context.Context, pool *pgxpool.Pool, retentionDays int) (int64, error) {
	query := `
		DELETE FROM queue_jobs
		WHERE state IN ('completed', 'dead')
		  AND updated_at < NOW() - INTERVAL '1 day' * $1
	`

	tag, err := pool.Exec(ctx, query, retentionDays)
	if err != nil {
		return 0, fmt.Errorf("failed to delete terminal queue jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// RunRetentionJob executes every retention operation and logs the results.
// This is the main entry point called by the cron scheduler.
func RunRetentionJob(ctx context.Context, pool *pgxpool.Pool, st *store.Store, bodyDays, queueDays int) error {
	log.Info().
		Int("body_retention_days", bodyDays).
		Int("queue_retention_days", queueDays).
		Msg("Starting retention job")

	startTime := time.Now()

	bodiesCleared, err := ClearOldFailureBodies(ctx, pool, bodyDays)
	if err != nil {
		log.Error().Err(err).Msg("Failed to clear old failure bodies")
		return fmt.Errorf("failure body cleanup failed: %w", err)
	}

	jobsDeleted, err := DeleteTerminalQueueJobs(ctx, pool, queueDays)
	if err != nil {
		log.Error().Err(err).Msg("Failed to delete terminal queue jobs")
		return fmt.Errorf("queue job cleanup failed: %w", err)
	}

	quarantinesExpired, err := st.ExpireQuarantines(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to expire quarantines")
		return fmt.Errorf("quarantine expiry failed: %w", err)
	}

	log.Info().
		Int64("failure_bodies_cleared", bodiesCleared).
		Int64("queue_jobs_deleted", jobsDeleted).
		Int64("quarantines_expired", quarantinesExpired).
		Dur("duration", time.Since(startTime)).
		Msg("Retention job completed")

	return nil
}
