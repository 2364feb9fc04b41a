package worker

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/flakeguard/flakeguard/internal/apperrors"
	"github.com/flakeguard/flakeguard/internal/checks"
	"github.com/flakeguard/flakeguard/internal/flake"
	"github.com/flakeguard/flakeguard/internal/githubapp"
	"github.com/flakeguard/flakeguard/internal/queue"
	"github.com/google/go-github/v62/github"
	"github.com/rs/zerolog/log"
)

// HandleEvent dispatches one webhook delivery to its event handler.
// Unhandled event types complete without effect.
func (w *Workers) HandleEvent(ctx context.Context, job *queue.Job) error {
	var payload EventPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return apperrors.Wrap(apperrors.KindBadRequest, err, "malformed event payload")
	}

	log.Debug().
		Str("delivery_id", payload.DeliveryID).
		Str("event", payload.Event).
		Msg("Processing webhook event")

	switch payload.Event {
	case "workflow_run":
		return w.handleWorkflowRun(ctx, payload.Body)
	case "check_run":
		return w.handleCheckRun(ctx, payload.Body)
	case "installation":
		return w.handleInstallation(ctx, payload.Body)
	case "installation_repositories":
		return w.handleInstallationRepositories(ctx, payload.Body)
	default:
		// workflow_job, check_suite, pull_request, push: accepted but not
		// acted on.
		return nil
	}
}

// handleWorkflowRun upserts the repository and run, then enqueues ingestion
// for completed runs.
func (w *Workers) handleWorkflowRun(ctx context.Context, body json.RawMessage) error {
	var event github.WorkflowRunEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return apperrors.Wrap(apperrors.KindBadRequest, err, "malformed workflow_run event")
	}
	run := event.GetWorkflowRun()
	if run == nil || event.GetAction() != "completed" {
		return nil
	}

	repo, err := w.store.UpsertRepository(ctx,
		providerGitHub,
		event.GetRepo().GetOwner().GetLogin(),
		event.GetRepo().GetName(),
		event.GetInstallation().GetID(),
		event.GetRepo().GetDefaultBranch(),
	)
	if err != nil {
		return err
	}

	payload := IngestPayload{
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

	_, err = w.queue.Enqueue(ctx, queue.QueueIngest, ingestKey(repo.ID, run.GetID()), payload)
	return err
}

// handleCheckRun applies a requested action from the check-run surface.
func (w *Workers) handleCheckRun(ctx context.Context, body json.RawMessage) error {
	var event github.CheckRunEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return apperrors.Wrap(apperrors.KindBadRequest, err, "malformed check_run event")
	}
	if event.GetAction() != "requested_action" || event.GetRequestedAction() == nil {
		return nil
	}

	repo, err := w.store.GetRepository(ctx,
		providerGitHub,
		event.GetRepo().GetOwner().GetLogin(),
		event.GetRepo().GetName(),
	)
	if err != nil {
		return err
	}
	if repo == nil {
		log.Warn().Str("repo", event.GetRepo().GetFullName()).Msg("Action for unknown repository")
		return nil
	}

	headSHA := event.GetCheckRun().GetHeadSHA()
	run, err := w.store.LatestRunForHeadSHA(ctx, repo.ID, headSHA)
	if err != nil {
		return err
	}
	if run == nil {
		return apperrors.New(apperrors.KindBadRequest, "no ingested run for commit %s", headSHA)
	}

	ic := w.gh.ForInstallation(repo.InstallationRef, githubapp.PriorityCritical)
	handler := checks.NewHandler(w.store, ic)
	identifier := event.GetRequestedAction().Identifier

	analyses, err := w.engine.AnalyzeRun(ctx, repo.ID, run.ID)
	if err != nil {
		return err
	}

	var result checks.ActionResult
	switch identifier {
	case checks.ActionQuarantine:
		result, err = handler.Quarantine(ctx, repo, criticalAnalyses(analyses))
	case checks.ActionRerunFailed:
		result, err = handler.RerunFailed(ctx, repo, run.ExternalRunID, run.PRNumber)
	case checks.ActionOpenIssue:
		result, err = handler.OpenIssue(ctx, repo, persistentAnalyses(analyses))
	default:
		log.Warn().Str("identifier", identifier).Msg("Unknown check-run action")
		return nil
	}
	if err != nil {
		return err
	}

	w.metrics.ActionsApplied.WithLabelValues(identifier).Inc()
	log.Info().
		Str("repo", repo.FullName()).
		Str("action", identifier).
		Str("result", result.Message).
		Msg("Check-run action applied")
	return nil
}

func (w *Workers) handleInstallation(ctx context.Context, body json.RawMessage) error {
	var event github.InstallationEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return apperrors.Wrap(apperrors.KindBadRequest, err, "malformed installation event")
	}

	active := event.GetAction() != "deleted" && event.GetAction() != "suspend"
	installation := event.GetInstallation().GetID()
	for _, repo := range event.Repositories {
		if err := w.setRepoActive(ctx, repo.GetFullName(), installation, active); err != nil {
			return err
		}
	}
	return nil
}

func (w *Workers) handleInstallationRepositories(ctx context.Context, body json.RawMessage) error {
	var event github.InstallationRepositoriesEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return apperrors.Wrap(apperrors.KindBadRequest, err, "malformed installation_repositories event")
	}

	installation := event.GetInstallation().GetID()
	for _, repo := range event.RepositoriesAdded {
		if err := w.setRepoActive(ctx, repo.GetFullName(), installation, true); err != nil {
			return err
		}
	}
	for _, repo := range event.RepositoriesRemoved {
		if err := w.setRepoActive(ctx, repo.GetFullName(), installation, false); err != nil {
			return err
		}
	}
	return nil
}

func (w *Workers) setRepoActive(ctx context.Context, fullName string, installation int64, active bool) error {
	owner, name, ok := splitFullName(fullName)
	if !ok {
		return apperrors.New(apperrors.KindBadRequest, "malformed repository name %q", fullName)
	}

	if active {
		_, err := w.store.UpsertRepository(ctx, providerGitHub, owner, name, installation, "")
		return err
	}
	_, err := w.store.SetRepositoryActive(ctx, providerGitHub, owner, name, false)
	return err
}

func splitFullName(fullName string) (owner, name string, ok bool) {
	owner, name, ok = strings.Cut(fullName, "/")
	return owner, name, ok && owner != "" && name != ""
}

// criticalAnalyses filters to the tests the quarantine action targets.
func criticalAnalyses(analyses []*flake.Analysis) []*flake.Analysis {
	var out []*flake.Analysis
	for _, a := range analyses {
		if a.Score >= 0.8 || a.Recommendation == flake.RecommendQuarantine {
			out = append(out, a)
		}
	}
	return out
}

// persistentAnalyses filters to tests worth a tracking issue.
func persistentAnalyses(analyses []*flake.Analysis) []*flake.Analysis {
	var out []*flake.Analysis
	for _, a := range analyses {
		if a.Recommendation == flake.RecommendNone {
			continue
		}
		if a.Features.MaxConsecutiveFailures >= 3 || a.Features.Failures >= 5 {
			out = append(out, a)
		}
	}
	return out
}
