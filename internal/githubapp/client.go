package githubapp

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/flakeguard/flakeguard/internal/apperrors"
	"github.com/flakeguard/flakeguard/internal/config"
	"github.com/google/go-github/v62/github"
	"golang.org/x/oauth2"
)

// Resource names used for circuit-breaker keying.
const (
	resourceActions   = "actions"
	resourceArtifacts = "artifacts"
	resourceChecks    = "checks"
	resourceIssues    = "issues"
)

// jwtTransport signs every request with a freshly minted app JWT.
type jwtTransport struct {
	tokens *tokenSource
	base   http.RoundTripper
}

func (t *jwtTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	token, err := t.tokens.appJWT(time.Now())
	if err != nil {
		return nil, err
	}
	clone := req.Clone(req.Context())
	clone.Header.Set("Authorization", "Bearer "+token)
	return t.base.RoundTrip(clone)
}

// Client is the app-level GitHub client. Per-installation clients hang off
// it via ForInstallation.
type Client struct {
	tokens     *tokenSource
	accountant *Accountant
	breakers   *breakerSet
	baseURL    string
	timeout    time.Duration
}

// New builds the app-level client from configuration.
func New(cfg *config.Config) (*Client, error) {
	tokens, err := newTokenSource(cfg.GitHubAppID, cfg.GitHubPrivateKeyFile)
	if err != nil {
		return nil, err
	}

	appHTTP := &http.Client{
		Transport: &jwtTransport{tokens: tokens, base: http.DefaultTransport},
		Timeout:   time.Duration(cfg.RequestTimeoutSecs) * time.Second,
	}
	appClient, err := newGitHubClient(appHTTP, cfg.GitHubAPIBaseURL)
	if err != nil {
		return nil, err
	}
	tokens.apps = appClient.Apps

	return &Client{
		tokens:     tokens,
		accountant: NewAccountant(cfg.RateReservePercent),
		breakers:   newBreakerSet(),
		baseURL:    cfg.GitHubAPIBaseURL,
		timeout:    time.Duration(cfg.RequestTimeoutSecs) * time.Second,
	}, nil
}

func newGitHubClient(httpClient *http.Client, baseURL string) (*github.Client, error) {
	client := github.NewClient(httpClient)
	if baseURL == "" {
		return client, nil
	}
	client, err := client.WithEnterpriseURLs(baseURL, baseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to set API base URL: %w", err)
	}
	return client, nil
}

// Accountant exposes the rate accountant, mainly for the poller's budget
// gates.
func (c *Client) Accountant() *Accountant {
	return c.accountant
}

// ForInstallation binds the client to one installation at a priority.
func (c *Client) ForInstallation(installation int64, priority Priority) *InstallationClient {
	return &InstallationClient{c: c, installation: installation, priority: priority}
}

// InstallationClient performs API calls authenticated as one installation.
type InstallationClient struct {
	c            *Client
	installation int64
	priority     Priority
}

// github returns a REST client holding a fresh installation token.
func (ic *InstallationClient) github(ctx context.Context) (*github.Client, error) {
	token, err := ic.c.tokens.InstallationToken(ctx, ic.installation)
	if err != nil {
		return nil, err
	}
	httpClient := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}))
	httpClient.Timeout = ic.c.timeout
	return newGitHubClient(httpClient, ic.c.baseURL)
}

// call runs one API operation through the budget gate, the breaker and the
// retry loop, recording the rate state from each response.
func (ic *InstallationClient) call(ctx context.Context, resource, op string, fn func(gh *github.Client) (*github.Response, error)) error {
	if err := ic.c.accountant.Acquire(ctx, ic.installation, ic.priority); err != nil {
		return err
	}
	gh, err := ic.github(ctx)
	if err != nil {
		return err
	}
	return ic.c.breakers.execute(ic.installation, resource, func() error {
		return withRetry(ctx, op, func() (*github.Response, error) {
			resp, err := fn(gh)
			ic.c.accountant.Observe(ic.installation, resp)
			return resp, err
		})
	})
}

// RunPage is one page of completed workflow runs.
type RunPage struct {
	Runs     []*github.WorkflowRun
	NextPage int
}

// ListWorkflowRuns lists completed runs created at or after since, one page
// per call. A zero page requests the first page.
func (ic *InstallationClient) ListWorkflowRuns(ctx context.Context, owner, repo string, since time.Time, page int) (*RunPage, error) {
	result := &RunPage{}
	err := ic.call(ctx, resourceActions, "list_workflow_runs", func(gh *github.Client) (*github.Response, error) {
		runs, resp, err := gh.Actions.ListRepositoryWorkflowRuns(ctx, owner, repo, &github.ListWorkflowRunsOptions{
			Status:  "completed",
			Created: ">=" + since.UTC().Format(time.RFC3339),
			ListOptions: github.ListOptions{
				Page:    page,
				PerPage: 100,
			},
		})
		if err != nil {
			return resp, err
		}
		result.Runs = runs.WorkflowRuns
		result.NextPage = resp.NextPage
		return resp, nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ListArtifacts lists the artifacts of a workflow run.
func (ic *InstallationClient) ListArtifacts(ctx context.Context, owner, repo string, runID int64) ([]*github.Artifact, error) {
	var artifacts []*github.Artifact
	err := ic.call(ctx, resourceArtifacts, "list_artifacts", func(gh *github.Client) (*github.Response, error) {
		list, resp, err := gh.Actions.ListWorkflowRunArtifacts(ctx, owner, repo, runID, &github.ListOptions{PerPage: 100})
		if err != nil {
			return resp, err
		}
		artifacts = list.Artifacts
		return resp, nil
	})
	if err != nil {
		return nil, err
	}
	return artifacts, nil
}

// DownloadArtifact streams an artifact zip. Expired artifacts surface as
// ArtifactExpired and must not be retried by callers.
func (ic *InstallationClient) DownloadArtifact(ctx context.Context, owner, repo string, artifactID int64) (io.ReadCloser, error) {
	var downloadURL string
	err := ic.call(ctx, resourceArtifacts, "download_artifact", func(gh *github.Client) (*github.Response, error) {
		u, resp, err := gh.Actions.DownloadArtifact(ctx, owner, repo, artifactID, 3)
		if err != nil {
			return resp, err
		}
		downloadURL = u.String()
		return resp, nil
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, downloadURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build download request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindUpstreamUnavailable, err, "artifact download failed")
	}
	if resp.StatusCode == http.StatusGone || resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		return nil, apperrors.New(apperrors.KindArtifactExpired, "artifact %d is no longer available", artifactID)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, apperrors.New(apperrors.KindUpstreamUnavailable, "artifact download returned %d", resp.StatusCode)
	}
	return resp.Body, nil
}

// CheckRunInput is the renderer-owned surface of a check run.
type CheckRunInput struct {
	Name       string
	HeadSHA    string
	ExternalID string
	Title      string
	Summary    string
	Text       string
	Conclusion string
	Actions    []*github.CheckRunAction
}

// CreateCheckRun creates a completed check run and returns its id.
func (ic *InstallationClient) CreateCheckRun(ctx context.Context, owner, repo string, in CheckRunInput) (int64, error) {
	var id int64
	err := ic.call(ctx, resourceChecks, "create_check_run", func(gh *github.Client) (*github.Response, error) {
		run, resp, err := gh.Checks.CreateCheckRun(ctx, owner, repo, github.CreateCheckRunOptions{
			Name:       in.Name,
			HeadSHA:    in.HeadSHA,
			ExternalID: github.String(in.ExternalID),
			Status:     github.String("completed"),
			Conclusion: github.String(in.Conclusion),
			Output: &github.CheckRunOutput{
				Title:   github.String(in.Title),
				Summary: github.String(in.Summary),
				Text:    optionalString(in.Text),
			},
			Actions: in.Actions,
		})
		if err != nil {
			return resp, err
		}
		id = run.GetID()
		return resp, nil
	})
	return id, err
}

// UpdateCheckRun patches an existing check run.
func (ic *InstallationClient) UpdateCheckRun(ctx context.Context, owner, repo string, checkRunID int64, in CheckRunInput) error {
	return ic.call(ctx, resourceChecks, "update_check_run", func(gh *github.Client) (*github.Response, error) {
		_, resp, err := gh.Checks.UpdateCheckRun(ctx, owner, repo, checkRunID, github.UpdateCheckRunOptions{
			Name:       in.Name,
			Status:     github.String("completed"),
			Conclusion: github.String(in.Conclusion),
			Output: &github.CheckRunOutput{
				Title:   github.String(in.Title),
				Summary: github.String(in.Summary),
				Text:    optionalString(in.Text),
			},
			Actions: in.Actions,
		})
		return resp, err
	})
}

// FindCheckRun looks for an existing check run with the external id on a
// commit, returning 0 when none exists.
func (ic *InstallationClient) FindCheckRun(ctx context.Context, owner, repo, headSHA, externalID string) (int64, error) {
	var id int64
	err := ic.call(ctx, resourceChecks, "list_check_runs", func(gh *github.Client) (*github.Response, error) {
		runs, resp, err := gh.Checks.ListCheckRunsForRef(ctx, owner, repo, headSHA, &github.ListCheckRunsOptions{
			ListOptions: github.ListOptions{PerPage: 100},
		})
		if err != nil {
			return resp, err
		}
		for _, run := range runs.CheckRuns {
			if run.GetExternalID() == externalID {
				id = run.GetID()
				break
			}
		}
		return resp, nil
	})
	return id, err
}

// CreateIssue opens an issue and returns its HTML URL.
func (ic *InstallationClient) CreateIssue(ctx context.Context, owner, repo, title, body string) (string, error) {
	var url string
	err := ic.call(ctx, resourceIssues, "create_issue", func(gh *github.Client) (*github.Response, error) {
		issue, resp, err := gh.Issues.Create(ctx, owner, repo, &github.IssueRequest{
			Title:  github.String(title),
			Body:   github.String(body),
			Labels: &[]string{"flaky-test"},
		})
		if err != nil {
			return resp, err
		}
		url = issue.GetHTMLURL()
		return resp, nil
	})
	return url, err
}

// HasOpenIssue reports whether an open issue with the exact title exists.
func (ic *InstallationClient) HasOpenIssue(ctx context.Context, owner, repo, title string) (bool, error) {
	found := false
	query := fmt.Sprintf(`repo:%s/%s is:issue is:open in:title %q`, owner, repo, title)
	err := ic.call(ctx, resourceIssues, "search_issues", func(gh *github.Client) (*github.Response, error) {
		result, resp, err := gh.Search.Issues(ctx, query, &github.SearchOptions{
			ListOptions: github.ListOptions{PerPage: 20},
		})
		if err != nil {
			return resp, err
		}
		for _, issue := range result.Issues {
			if issue.GetTitle() == title {
				found = true
				break
			}
		}
		return resp, nil
	})
	return found, err
}

// CreateComment posts an issue or PR comment.
func (ic *InstallationClient) CreateComment(ctx context.Context, owner, repo string, number int, body string) error {
	return ic.call(ctx, resourceIssues, "create_comment", func(gh *github.Client) (*github.Response, error) {
		_, resp, err := gh.Issues.CreateComment(ctx, owner, repo, number, &github.IssueComment{
			Body: github.String(body),
		})
		return resp, err
	})
}

// RerunFailedJobs asks Actions to rerun the failed jobs of a run.
func (ic *InstallationClient) RerunFailedJobs(ctx context.Context, owner, repo string, runID int64) error {
	return ic.call(ctx, resourceActions, "rerun_failed_jobs", func(gh *github.Client) (*github.Response, error) {
		return gh.Actions.RerunFailedJobsByID(ctx, owner, repo, runID)
	})
}

// ListJobs lists the jobs of a workflow run.
func (ic *InstallationClient) ListJobs(ctx context.Context, owner, repo string, runID int64) ([]*github.WorkflowJob, error) {
	var jobs []*github.WorkflowJob
	err := ic.call(ctx, resourceActions, "list_jobs", func(gh *github.Client) (*github.Response, error) {
		list, resp, err := gh.Actions.ListWorkflowJobs(ctx, owner, repo, runID, &github.ListWorkflowJobsOptions{
			ListOptions: github.ListOptions{PerPage: 100},
		})
		if err != nil {
			return resp, err
		}
		jobs = list.Jobs
		return resp, nil
	})
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return github.String(s)
}
