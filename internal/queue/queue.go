// Package queue is a Postgres-backed durable job queue. Jobs are
// deduplicated on a natural key per queue, leased with SKIP LOCKED, kept
// alive by heartbeats and retried per error class.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// Logical queue names.
const (
	QueueEvents    = "events"
	QueueIngest    = "ingest"
	QueueAnalyze   = "analyze"
	QueueRecompute = "recompute"
	QueuePoll      = "poll"
)

// Job states.
const (
	StateWaiting   = "waiting"
	StateActive    = "active"
	StateCompleted = "completed"
	StateDead      = "dead"
)

// Job is one durable queue item.
type Job struct {
	ID          uuid.UUID
	Queue       string
	Key         string
	Payload     json.RawMessage
	State       string
	Attempts    int
	MaxAttempts int
	RunAt       time.Time
	CreatedAt   time.Time
}

// Queue wraps the queue_jobs table.
type Queue struct {
	pool        *pgxpool.Pool
	maxAttempts int
}

// New creates a queue with the given default attempt budget.
func New(pool *pgxpool.Pool, maxAttempts int) *Queue {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Queue{pool: pool, maxAttempts: maxAttempts}
}

// Enqueue inserts a job unless one with the same key is already waiting or
// active. Returns true when a new job was created.
func (q *Queue) Enqueue(ctx context.Context, queue, key string, payload interface{}) (bool, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return false, fmt.Errorf("failed to encode job payload: %w", err)
	}

	tag, err := q.pool.Exec(ctx, `
		INSERT INTO queue_jobs (queue, key, payload, max_attempts)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (queue, key) WHERE state IN ('waiting', 'active') DO NOTHING
	`, queue, key, body, q.maxAttempts)
	if err != nil {
		return false, fmt.Errorf("failed to enqueue job: %w", err)
	}

	created := tag.RowsAffected() > 0
	if created {
		log.Debug().Str("queue", queue).Str("key", key).Msg("Job enqueued")
	}
	return created, nil
}

// Dequeue leases the next runnable job on a queue, or nil when the queue is
// empty. The lease is held by heartbeats, not a transaction.
func (q *Queue) Dequeue(ctx context.Context, queue string) (*Job, error) {
	row := q.pool.QueryRow(ctx, `
		UPDATE queue_jobs
		SET state = 'active', attempts = attempts + 1, heartbeat_at = NOW(), updated_at = NOW()
		WHERE id = (
			SELECT id FROM queue_jobs
			WHERE queue = $1 AND state = 'waiting' AND run_at <= NOW()
			ORDER BY run_at
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING id, queue, key, payload, state, attempts, max_attempts, run_at, created_at
	`, queue)

	job := &Job{}
	err := row.Scan(&job.ID, &job.Queue, &job.Key, &job.Payload, &job.State,
		&job.Attempts, &job.MaxAttempts, &job.RunAt, &job.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue job: %w", err)
	}
	return job, nil
}

// Heartbeat extends the lease on an active job.
func (q *Queue) Heartbeat(ctx context.Context, jobID uuid.UUID) error {
	_, err := q.pool.Exec(ctx,
		`UPDATE queue_jobs SET heartbeat_at = NOW(), updated_at = NOW() WHERE id = $1 AND state = 'active'`,
		jobID)
	if err != nil {
		return fmt.Errorf("failed to heartbeat job: %w", err)
	}
	return nil
}

// Complete marks a job done.
func (q *Queue) Complete(ctx context.Context, jobID uuid.UUID) error {
	_, err := q.pool.Exec(ctx,
		`UPDATE queue_jobs SET state = 'completed', updated_at = NOW() WHERE id = $1`,
		jobID)
	if err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}
	return nil
}

// Fail records a failed attempt. Depending on the retry decision the job
// either waits for another attempt or moves to the dead state.
func (q *Queue) Fail(ctx context.Context, job *Job, jobErr error, decision Decision) error {
	msg := jobErr.Error()
	if len(msg) > 2048 {
		msg = msg[:2048]
	}

	if !decision.Retry || job.Attempts >= job.MaxAttempts {
		_, err := q.pool.Exec(ctx,
			`UPDATE queue_jobs SET state = 'dead', last_error = $2, updated_at = NOW() WHERE id = $1`,
			job.ID, msg)
		if err != nil {
			return fmt.Errorf("failed to bury job: %w", err)
		}
		log.Warn().
			Str("queue", job.Queue).
			Str("key", job.Key).
			Int("attempts", job.Attempts).
			Str("error", msg).
			Msg("Job moved to dead queue")
		return nil
	}

	_, err := q.pool.Exec(ctx, `
		UPDATE queue_jobs
		SET state = 'waiting', run_at = NOW() + $2, last_error = $3, updated_at = NOW()
		WHERE id = $1
	`, job.ID, decision.Delay, msg)
	if err != nil {
		return fmt.Errorf("failed to requeue job: %w", err)
	}
	return nil
}

// Release returns an active job to waiting without consuming an attempt,
// used when shutdown aborts a running job.
func (q *Queue) Release(ctx context.Context, jobID uuid.UUID) error {
	_, err := q.pool.Exec(ctx, `
		UPDATE queue_jobs
		SET state = 'waiting', attempts = attempts - 1, heartbeat_at = NULL, updated_at = NOW()
		WHERE id = $1 AND state = 'active'
	`, jobID)
	if err != nil {
		return fmt.Errorf("failed to release job: %w", err)
	}
	return nil
}

// RequeueStalled returns active jobs whose heartbeat went silent back to
// waiting. Their attempt counter stands, so a crash-looping job still dies.
func (q *Queue) RequeueStalled(ctx context.Context, staleAfter time.Duration) (int64, error) {
	tag, err := q.pool.Exec(ctx, `
		UPDATE queue_jobs
		SET state = 'waiting', heartbeat_at = NULL, updated_at = NOW()
		WHERE state = 'active' AND heartbeat_at < NOW() - $1
	`, staleAfter)
	if err != nil {
		return 0, fmt.Errorf("failed to requeue stalled jobs: %w", err)
	}
	if n := tag.RowsAffected(); n > 0 {
		log.Warn().Int64("jobs", n).Msg("Requeued stalled jobs")
		return n, nil
	}
	return 0, nil
}

// PruneTerminal deletes completed and dead jobs older than the cutoff.
func (q *Queue) PruneTerminal(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := q.pool.Exec(ctx, `
		DELETE FROM queue_jobs
		WHERE state IN ('completed', 'dead') AND updated_at < NOW() - $1
	`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("failed to prune queue jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Depth reports the waiting job count per queue.
func (q *Queue) Depth(ctx context.Context) (map[string]int, error) {
	rows, err := q.pool.Query(ctx,
		`SELECT queue, COUNT(*) FROM queue_jobs WHERE state = 'waiting' GROUP BY queue`)
	if err != nil {
		return nil, fmt.Errorf("failed to read queue depth: %w", err)
	}
	defer rows.Close()

	depth := make(map[string]int)
	for rows.Next() {
		var queue string
		var n int
		if err := rows.Scan(&queue, &n); err != nil {
			return nil, err
		}
		depth[queue] = n
	}
	return depth, rows.Err()
}
