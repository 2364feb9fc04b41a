package checks

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/flakeguard/flakeguard/internal/flake"
	"github.com/flakeguard/flakeguard/internal/store"
	"github.com/rs/zerolog/log"
)

// quarantineDuration is how long an automatic quarantine lasts.
const quarantineDuration = 30 * 24 * time.Hour

// Host is the slice of the code-host API the action handler needs.
type Host interface {
	RerunFailedJobs(ctx context.Context, owner, repo string, runID int64) error
	CreateIssue(ctx context.Context, owner, repo, title, body string) (string, error)
	HasOpenIssue(ctx context.Context, owner, repo, title string) (bool, error)
	CreateComment(ctx context.Context, owner, repo string, prNumber int, body string) error
}

// ActionResult reports how an action went, including honest partial success.
type ActionResult struct {
	Steps     int
	Succeeded int
	Message   string
}

// OK reports whether every sub-step succeeded.
func (r ActionResult) OK() bool {
	return r.Succeeded == r.Steps
}

// Handler applies check-run actions. Every operation is idempotent: running
// the same action twice for the same inputs changes nothing the second time.
type Handler struct {
	store *store.Store
	host  Host
}

// NewHandler creates an action handler.
func NewHandler(st *store.Store, host Host) *Handler {
	return &Handler{store: st, host: host}
}

// Quarantine activates a quarantine for each analyzed test and ensures a
// tracking issue exists. A test already under an open quarantine is skipped.
func (h *Handler) Quarantine(ctx context.Context, repo *store.Repository, analyses []*flake.Analysis) (ActionResult, error) {
	result := ActionResult{Steps: len(analyses)}
	until := time.Now().Add(quarantineDuration)

	for _, a := range analyses {
		if a.TestCase == nil {
			continue
		}
		current, err := h.store.CurrentQuarantine(ctx, a.TestCase.ID)
		if err != nil {
			return result, err
		}
		if current != nil && current.State == store.QuarantineActive {
			result.Succeeded++
			continue
		}

		rationale := fmt.Sprintf("flake score %.2f (confidence %.2f)", a.Score, a.Confidence)
		if _, err := h.store.SetQuarantine(ctx, a.TestCase.ID, store.QuarantineActive, rationale, "flakeguard", &until); err != nil {
			return result, err
		}
		if err := h.ensureIssueLink(ctx, repo, a); err != nil {
			log.Warn().Err(err).Str("test_case_id", a.TestCase.ID.String()).
				Msg("Quarantined test but could not create tracking issue")
			continue
		}
		result.Succeeded++
	}

	result.Message = fmt.Sprintf("%d/%d tests quarantined", result.Succeeded, result.Steps)
	return result, nil
}

// RerunFailed asks the host to rerun the failed jobs of a run and leaves a
// PR comment when a PR number is known. A failing comment does not fail the
// action.
func (h *Handler) RerunFailed(ctx context.Context, repo *store.Repository, runID int64, prNumber *int) (ActionResult, error) {
	result := ActionResult{Steps: 1}
	if prNumber != nil {
		result.Steps = 2
	}

	if err := h.host.RerunFailedJobs(ctx, repo.Owner, repo.Name, runID); err != nil {
		result.Message = fmt.Sprintf("0/%d sub-steps succeeded", result.Steps)
		return result, err
	}
	result.Succeeded++

	if prNumber != nil {
		comment := "FlakeGuard triggered a rerun of the failed jobs in this workflow run."
		if err := h.host.CreateComment(ctx, repo.Owner, repo.Name, *prNumber, comment); err != nil {
			log.Warn().Err(err).Int("pr", *prNumber).Msg("Rerun triggered but PR comment failed")
		} else {
			result.Succeeded++
		}
	}

	result.Message = fmt.Sprintf("%d/%d sub-steps succeeded", result.Succeeded, result.Steps)
	return result, nil
}

// OpenIssue creates one issue per test when given a single test and a
// single summary issue otherwise. An open issue with the same generated
// title short-circuits to a no-op.
func (h *Handler) OpenIssue(ctx context.Context, repo *store.Repository, analyses []*flake.Analysis) (ActionResult, error) {
	result := ActionResult{Steps: 1}
	if len(analyses) == 0 {
		result.Succeeded = 1
		result.Message = "no tests to report"
		return result, nil
	}

	title := summaryIssueTitle(len(analyses))
	body := summaryIssueBody(analyses)
	if len(analyses) == 1 {
		title = testIssueTitle(analyses[0])
		body = testIssueBody(analyses[0])
	}

	exists, err := h.host.HasOpenIssue(ctx, repo.Owner, repo.Name, title)
	if err != nil {
		return result, err
	}
	if exists {
		result.Succeeded = 1
		result.Message = "issue already open"
		return result, nil
	}

	url, err := h.host.CreateIssue(ctx, repo.Owner, repo.Name, title, body)
	if err != nil {
		return result, err
	}
	if len(analyses) == 1 && analyses[0].TestCase != nil {
		if err := h.store.CreateIssueLink(ctx, analyses[0].TestCase.ID, repo.Provider, url); err != nil {
			log.Warn().Err(err).Msg("Issue created but link row failed")
		}
	}

	result.Succeeded = 1
	result.Message = fmt.Sprintf("opened %s", url)
	return result, nil
}

func (h *Handler) ensureIssueLink(ctx context.Context, repo *store.Repository, a *flake.Analysis) error {
	link, err := h.store.IssueLinkForTest(ctx, a.TestCase.ID)
	if err != nil {
		return err
	}
	if link != nil {
		return nil
	}

	url, err := h.host.CreateIssue(ctx, repo.Owner, repo.Name, testIssueTitle(a), testIssueBody(a))
	if err != nil {
		return err
	}
	return h.store.CreateIssueLink(ctx, a.TestCase.ID, repo.Provider, url)
}

func testIssueTitle(a *flake.Analysis) string {
	name := "unknown test"
	if a.TestCase != nil {
		name = strings.TrimSpace(fmt.Sprintf("%s %s", a.TestCase.ClassName, a.TestCase.Name))
	}
	return fmt.Sprintf("[FlakeGuard] Flaky test: %s", name)
}

func summaryIssueTitle(n int) string {
	return fmt.Sprintf("[FlakeGuard] %s detected", pluralize(n, "flaky test"))
}

func testIssueBody(a *flake.Analysis) string {
	var b strings.Builder
	b.WriteString("FlakeGuard identified this test as flaky.\n\n")
	fmt.Fprintf(&b, "- Score: %.2f\n- Confidence: %.2f\n- Failures in window: %d of %d\n",
		a.Score, a.Confidence, a.FailCount(), a.WindowN)
	if dominant := flake.DominantPattern(a.Patterns); dominant != nil {
		fmt.Fprintf(&b, "- Dominant pattern: %s (%.2f)\n",
			strings.ReplaceAll(dominant.Name, "_", " "), dominant.Confidence)
	}
	for _, env := range a.Environment {
		fmt.Fprintf(&b, "- Environmental factor: %s (%.2f)\n", env.Description, env.Significance)
	}
	return b.String()
}

func summaryIssueBody(analyses []*flake.Analysis) string {
	var b strings.Builder
	b.WriteString("FlakeGuard identified the following tests as flaky:\n\n")
	for _, a := range analyses {
		fmt.Fprintf(&b, "- `%s` (score %.2f, confidence %.2f)\n", fullName(a), a.Score, a.Confidence)
	}
	return b.String()
}
