package worker

import (
	"context"
	"encoding/json"

	"github.com/flakeguard/flakeguard/internal/apperrors"
	"github.com/flakeguard/flakeguard/internal/checks"
	"github.com/flakeguard/flakeguard/internal/flake"
	"github.com/flakeguard/flakeguard/internal/githubapp"
	"github.com/flakeguard/flakeguard/internal/queue"
	"github.com/google/go-github/v62/github"
	"github.com/rs/zerolog/log"
)

// HandleAnalyze scores every test that reported in a run and publishes the
// result as a check run on the head commit. A payload naming a single test
// rescores just that test without touching the check surface.
func (w *Workers) HandleAnalyze(ctx context.Context, job *queue.Job) error {
	var payload AnalyzePayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return apperrors.Wrap(apperrors.KindBadRequest, err, "malformed analyze payload")
	}

	if payload.TestCaseID != nil {
		_, err := w.engine.AnalyzeTest(ctx, *payload.TestCaseID)
		if err == nil {
			w.metrics.TestsAnalyzed.Inc()
		}
		return err
	}

	repo, err := w.store.GetRepositoryByID(ctx, payload.RepositoryID)
	if err != nil {
		return err
	}
	if repo == nil {
		return apperrors.New(apperrors.KindBadRequest, "unknown repository %s", payload.RepositoryID)
	}

	run, err := w.store.GetWorkflowRun(ctx, repo.ID, payload.ExternalRunID)
	if err != nil {
		return err
	}
	if run == nil {
		return apperrors.New(apperrors.KindBadRequest,
			"run %d not ingested for %s", payload.ExternalRunID, repo.FullName())
	}

	analyses, err := w.engine.AnalyzeRun(ctx, repo.ID, run.ID)
	if err != nil {
		return err
	}
	w.metrics.TestsAnalyzed.Add(float64(len(analyses)))

	output := w.renderer.Render(checks.RepoInfo{
		Host:          "github.com",
		Owner:         repo.Owner,
		Name:          repo.Name,
		DefaultBranch: repo.DefaultBranch,
	}, analyses)

	return w.publishCheckRun(ctx, repo.InstallationRef, repo.Owner, repo.Name, payload.HeadSHA, output, analyses)
}

// publishCheckRun creates the analysis check run, or patches the existing
// one when a rerun already produced it for this commit.
func (w *Workers) publishCheckRun(ctx context.Context, installation int64, owner, name, headSHA string, output checks.Output, analyses []*flake.Analysis) error {
	externalID := "flakeguard-analysis-" + headSHA
	conclusion := "success"
	for _, a := range analyses {
		if a.Recommendation != flake.RecommendNone {
			conclusion = "neutral"
			break
		}
	}

	actions := make([]*github.CheckRunAction, 0, len(output.Actions))
	for _, a := range output.Actions {
		actions = append(actions, &github.CheckRunAction{
			Label:       a.Label,
			Description: a.Description,
			Identifier:  a.Identifier,
		})
	}

	in := githubapp.CheckRunInput{
		Name:       checkRunName,
		HeadSHA:    headSHA,
		ExternalID: externalID,
		Title:      output.Title,
		Summary:    output.Summary,
		Conclusion: conclusion,
		Actions:    actions,
	}

	ic := w.gh.ForInstallation(installation, githubapp.PriorityCritical)
	existing, err := ic.FindCheckRun(ctx, owner, name, headSHA, externalID)
	if err != nil {
		return err
	}

	if existing != 0 {
		err = ic.UpdateCheckRun(ctx, owner, name, existing, in)
	} else {
		_, err = ic.CreateCheckRun(ctx, owner, name, in)
	}
	if err != nil {
		return err
	}
	w.metrics.CheckRunsPublished.Inc()

	log.Info().
		Str("repo", owner+"/"+name).
		Str("head_sha", headSHA).
		Str("conclusion", conclusion).
		Int("actions", len(actions)).
		Msg("Check run published")
	return nil
}
