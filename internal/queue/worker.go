package queue

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// HandlerFunc processes one leased job.
type HandlerFunc func(ctx context.Context, job *Job) error

// idleWait is how long a worker sleeps when its queue is empty.
const idleWait = time.Second

type pool struct {
	queue       string
	concurrency int
	handler     HandlerFunc
}

// Runner hosts worker pools for any number of queues inside one process.
type Runner struct {
	q             *Queue
	pools         []pool
	drainDeadline time.Duration
	heartbeat     time.Duration
}

// NewRunner creates a runner. drainDeadline bounds how long in-flight jobs
// may finish after shutdown begins; heartbeat is the lease renewal period.
func NewRunner(q *Queue, drainDeadline, heartbeat time.Duration) *Runner {
	if drainDeadline <= 0 {
		drainDeadline = 30 * time.Second
	}
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}
	return &Runner{q: q, drainDeadline: drainDeadline, heartbeat: heartbeat}
}

// Register adds a worker pool for a queue.
func (r *Runner) Register(queue string, concurrency int, handler HandlerFunc) {
	if concurrency < 1 {
		concurrency = 1
	}
	r.pools = append(r.pools, pool{queue: queue, concurrency: concurrency, handler: handler})
}

// Run processes jobs until ctx is cancelled, then drains. In-flight jobs
// get drainDeadline to finish; jobs aborted past the deadline return to
// waiting with their attempt counter unchanged.
func (r *Runner) Run(ctx context.Context) error {
	// Jobs run on a context that outlives ctx by the drain deadline.
	jobCtx, abort := context.WithCancel(context.Background())
	go func() {
		<-ctx.Done()
		timer := time.NewTimer(r.drainDeadline)
		defer timer.Stop()
		<-timer.C
		abort()
	}()
	defer abort()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return r.watchdog(gctx)
	})

	for _, p := range r.pools {
		p := p
		for i := 0; i < p.concurrency; i++ {
			g.Go(func() error {
				return r.workLoop(gctx, jobCtx, p)
			})
		}
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// workLoop leases and runs jobs until the dequeue context is cancelled.
func (r *Runner) workLoop(dequeueCtx, jobCtx context.Context, p pool) error {
	for {
		if dequeueCtx.Err() != nil {
			return dequeueCtx.Err()
		}

		job, err := r.q.Dequeue(dequeueCtx, p.queue)
		if err != nil {
			if dequeueCtx.Err() != nil {
				return dequeueCtx.Err()
			}
			log.Error().Err(err).Str("queue", p.queue).Msg("Dequeue failed")
			sleep(dequeueCtx, idleWait)
			continue
		}
		if job == nil {
			sleep(dequeueCtx, idleWait)
			continue
		}

		r.runJob(jobCtx, p, job)
	}
}

func (r *Runner) runJob(jobCtx context.Context, p pool, job *Job) {
	ctx, cancel := context.WithCancel(jobCtx)
	defer cancel()

	// Renew the lease while the handler runs.
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		ticker := time.NewTicker(r.heartbeat / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := r.q.Heartbeat(context.Background(), job.ID); err != nil {
					log.Warn().Err(err).Str("queue", job.Queue).Str("key", job.Key).
						Msg("Heartbeat failed")
				}
			}
		}
	}()

	start := time.Now()
	err := p.handler(ctx, job)
	cancel()
	<-hbDone

	// Post-processing must not depend on the (possibly cancelled) job
	// context.
	finCtx, finCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer finCancel()

	switch {
	case err == nil:
		if cerr := r.q.Complete(finCtx, job.ID); cerr != nil {
			log.Error().Err(cerr).Str("key", job.Key).Msg("Failed to complete job")
		}
		log.Info().
			Str("queue", job.Queue).
			Str("key", job.Key).
			Dur("duration", time.Since(start)).
			Msg("Job completed")

	case errors.Is(err, context.Canceled) && jobCtx.Err() != nil:
		// Shutdown abort, not a failure.
		if rerr := r.q.Release(finCtx, job.ID); rerr != nil {
			log.Error().Err(rerr).Str("key", job.Key).Msg("Failed to release aborted job")
		}

	default:
		decision := Decide(err, job.Attempts)
		if ferr := r.q.Fail(finCtx, job, err, decision); ferr != nil {
			log.Error().Err(ferr).Str("key", job.Key).Msg("Failed to record job failure")
		}
		log.Error().
			Err(err).
			Str("queue", job.Queue).
			Str("key", job.Key).
			Int("attempt", job.Attempts).
			Bool("retry", decision.Retry && job.Attempts < job.MaxAttempts).
			Msg("Job failed")
	}
}

// watchdog periodically returns silently-died jobs to the queue.
func (r *Runner) watchdog(ctx context.Context) error {
	ticker := time.NewTicker(r.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := r.q.RequeueStalled(ctx, 3*r.heartbeat); err != nil {
				log.Error().Err(err).Msg("Stalled-job sweep failed")
			}
		}
	}
}

func sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
