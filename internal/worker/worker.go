// Package worker implements the job handlers behind each queue: webhook
// event dispatch, run ingestion, analysis and recompute.
package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/flakeguard/flakeguard/internal/checks"
	"github.com/flakeguard/flakeguard/internal/config"
	"github.com/flakeguard/flakeguard/internal/flake"
	"github.com/flakeguard/flakeguard/internal/githubapp"
	"github.com/flakeguard/flakeguard/internal/metrics"
	"github.com/flakeguard/flakeguard/internal/queue"
	"github.com/flakeguard/flakeguard/internal/store"
	"github.com/google/uuid"
)

// Provider recorded on repositories created from webhook traffic.
const providerGitHub = "github"

// checkRunName is the name shown on the PR checks tab.
const checkRunName = "FlakeGuard"

// EventPayload is the events-queue job body: one webhook delivery.
type EventPayload struct {
	DeliveryID string          `json:"delivery_id"`
	Event      string          `json:"event"`
	Body       json.RawMessage `json:"body"`
}

// IngestPayload identifies one workflow run to ingest.
type IngestPayload struct {
	RepositoryID  uuid.UUID `json:"repository_id"`
	Installation  int64     `json:"installation"`
	Owner         string    `json:"owner"`
	Name          string    `json:"name"`
	ExternalRunID int64     `json:"external_run_id"`
	HeadSHA       string    `json:"head_sha"`
	HeadBranch    string    `json:"head_branch"`
	RunNumber     int       `json:"run_number"`
	Attempt       int       `json:"attempt"`
	PRNumber      *int      `json:"pr_number,omitempty"`
}

// AnalyzePayload identifies an ingested run to analyze, or a single test
// when TestCaseID is set.
type AnalyzePayload struct {
	RepositoryID  uuid.UUID  `json:"repository_id"`
	Installation  int64      `json:"installation"`
	ExternalRunID int64      `json:"external_run_id"`
	HeadSHA       string     `json:"head_sha"`
	TestCaseID    *uuid.UUID `json:"test_case_id,omitempty"`
}

// RecomputePayload scopes a batch recompute.
type RecomputePayload struct {
	RepositoryID uuid.UUID   `json:"repository_id"`
	TestCaseIDs  []uuid.UUID `json:"test_case_ids,omitempty"`
}

// PollPayload identifies one repository to backfill.
type PollPayload struct {
	RepositoryID uuid.UUID `json:"repository_id"`
}

// RepoPoller backfills missed workflow runs for one repository.
type RepoPoller interface {
	PollRepository(ctx context.Context, repositoryID uuid.UUID) error
}

// Workers owns the per-queue handlers and their shared dependencies.
type Workers struct {
	cfg      *config.Config
	store    *store.Store
	queue    *queue.Queue
	engine   *flake.Engine
	renderer *checks.Renderer
	gh       *githubapp.Client
	poller   RepoPoller
	metrics  *metrics.Metrics
}

// New wires the worker set.
func New(cfg *config.Config, st *store.Store, q *queue.Queue, engine *flake.Engine, renderer *checks.Renderer, gh *githubapp.Client, p RepoPoller, m *metrics.Metrics) *Workers {
	return &Workers{
		cfg:      cfg,
		store:    st,
		queue:    q,
		engine:   engine,
		renderer: renderer,
		gh:       gh,
		poller:   p,
		metrics:  m,
	}
}

// Register attaches every handler to the runner with its configured
// concurrency.
func (w *Workers) Register(r *queue.Runner) {
	r.Register(queue.QueueEvents, w.cfg.EventsConcurrency, w.instrument(queue.QueueEvents, w.HandleEvent))
	r.Register(queue.QueueIngest, w.cfg.IngestConcurrency, w.instrument(queue.QueueIngest, w.HandleIngest))
	r.Register(queue.QueueAnalyze, w.cfg.AnalyzeConcurrency, w.instrument(queue.QueueAnalyze, w.HandleAnalyze))
	r.Register(queue.QueueRecompute, 2, w.instrument(queue.QueueRecompute, w.HandleRecompute))
	r.Register(queue.QueuePoll, 1, w.instrument(queue.QueuePoll, w.HandlePoll))
}

func (w *Workers) instrument(name string, h queue.HandlerFunc) queue.HandlerFunc {
	return func(ctx context.Context, job *queue.Job) error {
		err := h(ctx, job)
		result := "ok"
		if err != nil {
			result = "error"
		}
		w.metrics.JobsProcessed.WithLabelValues(name, result).Inc()
		return err
	}
}

// ingestKey is the dedup key for ingest and analyze jobs.
func ingestKey(repoID uuid.UUID, externalRunID int64) string {
	return fmt.Sprintf("%s:%d", repoID, externalRunID)
}
