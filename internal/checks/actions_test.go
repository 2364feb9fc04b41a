package checks

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flakeguard/flakeguard/internal/flake"
	"github.com/flakeguard/flakeguard/internal/store"
)

type fakeHost struct {
	rerunErr   error
	commentErr error

	rerunCalls   int
	commentCalls int
	issueTitles  []string
}

func (f *fakeHost) RerunFailedJobs(ctx context.Context, owner, repo string, runID int64) error {
	f.rerunCalls++
	return f.rerunErr
}

func (f *fakeHost) CreateIssue(ctx context.Context, owner, repo, title, body string) (string, error) {
	f.issueTitles = append(f.issueTitles, title)
	return "https://github.com/acme/widgets/issues/7", nil
}

func (f *fakeHost) HasOpenIssue(ctx context.Context, owner, repo, title string) (bool, error) {
	return false, nil
}

func (f *fakeHost) CreateComment(ctx context.Context, owner, repo string, prNumber int, body string) error {
	f.commentCalls++
	return f.commentErr
}

func intPtr(n int) *int { return &n }

func TestHandler_RerunFailed_WithPRComment(t *testing.T) {
	host := &fakeHost{}
	h := NewHandler(nil, host)
	repo := &store.Repository{Owner: "acme", Name: "widgets"}

	result, err := h.RerunFailed(context.Background(), repo, 12345, intPtr(9))

	require.NoError(t, err)
	require.True(t, result.OK())
	require.Equal(t, 2, result.Steps)
	require.Equal(t, "2/2 sub-steps succeeded", result.Message)
	require.Equal(t, 1, host.rerunCalls)
	require.Equal(t, 1, host.commentCalls)
}

func TestHandler_RerunFailed_CommentFailureIsPartialSuccess(t *testing.T) {
	host := &fakeHost{commentErr: errors.New("comment rejected")}
	h := NewHandler(nil, host)
	repo := &store.Repository{Owner: "acme", Name: "widgets"}

	result, err := h.RerunFailed(context.Background(), repo, 12345, intPtr(9))

	require.NoError(t, err)
	require.False(t, result.OK())
	require.Equal(t, 1, result.Succeeded)
	require.Equal(t, "1/2 sub-steps succeeded", result.Message)
}

func TestHandler_RerunFailed_NoPRSkipsComment(t *testing.T) {
	host := &fakeHost{}
	h := NewHandler(nil, host)
	repo := &store.Repository{Owner: "acme", Name: "widgets"}

	result, err := h.RerunFailed(context.Background(), repo, 12345, nil)

	require.NoError(t, err)
	require.True(t, result.OK())
	require.Equal(t, 1, result.Steps)
	require.Zero(t, host.commentCalls)
}

func TestHandler_RerunFailed_HostError(t *testing.T) {
	host := &fakeHost{rerunErr: errors.New("run not found")}
	h := NewHandler(nil, host)
	repo := &store.Repository{Owner: "acme", Name: "widgets"}

	result, err := h.RerunFailed(context.Background(), repo, 12345, nil)

	require.Error(t, err)
	require.Zero(t, result.Succeeded)
	require.Equal(t, "0/1 sub-steps succeeded", result.Message)
}

func TestIssueTitles(t *testing.T) {
	a := &flake.Analysis{
		TestCase: &store.TestCase{ClassName: "com.example.CartTest", Name: "testAddItem"},
	}
	require.Equal(t, "[FlakeGuard] Flaky test: com.example.CartTest testAddItem", testIssueTitle(a))
	require.Equal(t, "[FlakeGuard] Flaky test: unknown test", testIssueTitle(&flake.Analysis{}))

	require.Equal(t, "[FlakeGuard] 1 flaky test detected", summaryIssueTitle(1))
	require.Equal(t, "[FlakeGuard] 3 flaky tests detected", summaryIssueTitle(3))
}

func TestIssueBodies(t *testing.T) {
	a := &flake.Analysis{
		TestCase:   &store.TestCase{ClassName: "com.example.CartTest", Name: "testAddItem"},
		Score:      0.72,
		Confidence: 0.91,
		Features:   flake.Features{Failures: 4},
		WindowN:    22,
		Patterns:   []flake.PatternMatch{{Name: flake.PatternTimeout, Confidence: 1}},
		Environment: []flake.EnvFactor{
			{Name: "retry_success", Significance: 1, Description: "test passes when retried"},
		},
	}

	body := testIssueBody(a)
	require.Contains(t, body, "Score: 0.72")
	require.Contains(t, body, "Failures in window: 4 of 22")
	require.Contains(t, body, "Dominant pattern: timeout (1.00)")
	require.Contains(t, body, "test passes when retried")

	summary := summaryIssueBody([]*flake.Analysis{a})
	require.Contains(t, summary, "`com.example.CartTest / testAddItem`")
	require.Contains(t, summary, "score 0.72")
}
