// Package poller backfills workflow runs for repositories whose webhook
// deliveries were missed, within the host's rate budget.
package poller

import (
	"context"
	"fmt"
	"time"

	"github.com/flakeguard/flakeguard/internal/apperrors"
	"github.com/flakeguard/flakeguard/internal/config"
	"github.com/flakeguard/flakeguard/internal/githubapp"
	"github.com/flakeguard/flakeguard/internal/metrics"
	"github.com/flakeguard/flakeguard/internal/queue"
	"github.com/flakeguard/flakeguard/internal/store"
	"github.com/flakeguard/flakeguard/internal/worker"
	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog/log"
)

const (
	// haltPercent stops polling entirely when the budget dips below it.
	haltPercent = 10
	// seenTTL keeps processed run ids out of the queue on later ticks.
	seenTTL = 7 * 24 * time.Hour
	// seenCap bounds the processed-run cache.
	seenCap = 100000
	// defaultLookback bounds the backfill for repositories never polled.
	defaultLookback = 24 * time.Hour
)

// Poller scans stale repositories and enqueues ingest jobs for runs the
// webhook path missed.
type Poller struct {
	cfg   *config.Config
	store *store.Store
	queue *queue.Queue
	gh    *githubapp.Client
	m     *metrics.Metrics

	seen *expirable.LRU[string, struct{}]
}

// New creates a poller.
func New(cfg *config.Config, st *store.Store, q *queue.Queue, gh *githubapp.Client, m *metrics.Metrics) *Poller {
	return &Poller{
		cfg:   cfg,
		store: st,
		queue: q,
		gh:    gh,
		m:     m,
		seen:  expirable.NewLRU[string, struct{}](seenCap, nil, seenTTL),
	}
}

// Tick fans out one poll job per repository whose last poll is older than
// the configured interval, subject to the rate-budget gates. The jobs run
// on the poll queue under its lease and retry semantics.
func (p *Poller) Tick(ctx context.Context) error {
	p.m.PollCycles.Inc()
	interval := time.Duration(p.cfg.PollIntervalMinutes) * time.Minute

	repos, err := p.store.StalePollRepositories(ctx, interval, p.cfg.PollBatchSize)
	if err != nil {
		return err
	}
	if len(repos) == 0 {
		return nil
	}

	enqueued := 0
	for _, repo := range repos {
		percent := p.gh.Accountant().RemainingPercent(repo.InstallationRef)
		if percent < haltPercent {
			log.Warn().
				Str("repo", repo.FullName()).
				Int("budget_percent", percent).
				Msg("Rate budget nearly exhausted, halting poll cycle")
			break
		}
		if percent < p.cfg.RateReservePercent && enqueued >= p.cfg.PollBatchSize/2 {
			// Under reserve only the oldest repositories get polled; the
			// stale-repos query already orders oldest first.
			log.Debug().
				Str("repo", repo.FullName()).
				Int("budget_percent", percent).
				Msg("Rate budget under reserve, deferring remaining repositories")
			break
		}

		created, err := p.queue.Enqueue(ctx, queue.QueuePoll, repo.ID.String(), worker.PollPayload{RepositoryID: repo.ID})
		if err != nil {
			return err
		}
		if created {
			enqueued++
		}
	}

	log.Info().Int("stale", len(repos)).Int("enqueued", enqueued).Msg("Poll cycle finished")
	return nil
}

// PollRepository services one poll job: it pages through completed runs
// since the repository's last poll and enqueues ingestion for the unseen
// ones. Unknown and inactive repositories complete without effect.
func (p *Poller) PollRepository(ctx context.Context, repositoryID uuid.UUID) error {
	repo, err := p.store.GetRepositoryByID(ctx, repositoryID)
	if err != nil {
		return err
	}
	if repo == nil || !repo.Active {
		log.Warn().
			Str("repository_id", repositoryID.String()).
			Msg("Skipping poll for unknown or inactive repository")
		return nil
	}

	if percent := p.gh.Accountant().RemainingPercent(repo.InstallationRef); percent < haltPercent {
		return apperrors.New(apperrors.KindRateLimited,
			"rate budget at %d%%, deferring poll of %s", percent, repo.FullName())
	}

	since := time.Now().Add(-defaultLookback)
	if repo.LastPolledAt != nil {
		since = *repo.LastPolledAt
	}

	ic := p.gh.ForInstallation(repo.InstallationRef, githubapp.PriorityBackground)
	enqueued := 0

	page := 1
	for {
		runPage, err := ic.ListWorkflowRuns(ctx, repo.Owner, repo.Name, since, page)
		if err != nil {
			return err
		}

		for _, run := range runPage.Runs {
			cacheKey := fmt.Sprintf("%s:%d", repo.ID, run.GetID())
			if _, ok := p.seen.Get(cacheKey); ok {
				continue
			}

			exists, err := p.store.RunExists(ctx, repo.ID, run.GetID())
			if err != nil {
				return err
			}
			if exists {
				p.seen.Add(cacheKey, struct{}{})
				continue
			}

			payload := worker.IngestPayload{
				RepositoryID:  repo.ID,
				Installation:  repo.InstallationRef,
				Owner:         repo.Owner,
				Name:          repo.Name,
				ExternalRunID: run.GetID(),
				HeadSHA:       run.GetHeadSHA(),
				HeadBranch:    run.GetHeadBranch(),
				RunNumber:     run.GetRunNumber(),
				Attempt:       run.GetRunAttempt(),
			}
			if prs := run.PullRequests; len(prs) > 0 {
				n := prs[0].GetNumber()
				payload.PRNumber = &n
			}

			created, err := p.queue.Enqueue(ctx, queue.QueueIngest, cacheKey, payload)
			if err != nil {
				return err
			}
			p.seen.Add(cacheKey, struct{}{})
			if created {
				enqueued++
			}
		}

		if runPage.NextPage == 0 {
			break
		}
		page = runPage.NextPage
	}

	if err := p.store.TouchLastPolled(ctx, repo.ID, time.Now()); err != nil {
		return err
	}
	if enqueued > 0 {
		log.Info().Str("repo", repo.FullName()).Int("runs", enqueued).Msg("Backfill runs enqueued")
	}
	return nil
}
