// Package checks renders analysis results into check-run output and applies
// the actions a reviewer can trigger from it.
package checks

import (
	"fmt"
	"sort"
	"strings"

	"github.com/flakeguard/flakeguard/internal/flake"
)

// Action identifiers understood by the action handler.
const (
	ActionQuarantine  = "quarantine"
	ActionRerunFailed = "rerun_failed"
	ActionOpenIssue   = "open_issue"
)

const (
	maxTableRows     = 20
	maxTestNameChars = 50
	maxActions       = 3
)

// DefaultMaxSummaryBytes caps the rendered summary.
const DefaultMaxSummaryBytes = 60 * 1024

// RepoInfo carries what the renderer needs to build file links.
type RepoInfo struct {
	Host          string
	Owner         string
	Name          string
	DefaultBranch string
}

// Action is one check-run action button.
type Action struct {
	Label       string
	Description string
	Identifier  string
}

// Output is a rendered check-run surface.
type Output struct {
	Title   string
	Summary string
	Actions []Action
}

// Renderer produces deterministic check-run output from analyses.
type Renderer struct {
	maxSummaryBytes int
}

// NewRenderer creates a renderer with the given summary byte cap.
func NewRenderer(maxSummaryBytes int) *Renderer {
	if maxSummaryBytes <= 0 {
		maxSummaryBytes = DefaultMaxSummaryBytes
	}
	return &Renderer{maxSummaryBytes: maxSummaryBytes}
}

// Render builds the check-run output for one commit. Identical input always
// produces identical output.
func (r *Renderer) Render(repo RepoInfo, analyses []*flake.Analysis) Output {
	candidates := make([]*flake.Analysis, 0, len(analyses))
	for _, a := range analyses {
		if a.Recommendation != flake.RecommendNone {
			candidates = append(candidates, a)
		}
	}

	if len(candidates) == 0 {
		return Output{
			Title:   "FlakeGuard: no flaky test candidates",
			Summary: "## Flaky Test Analysis\n\nNo flaky test candidates were detected in this run. :tada:\n",
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		return a.FailCount() > b.FailCount()
	})

	var b strings.Builder
	b.WriteString("## Flaky Test Analysis\n\n")
	fmt.Fprintf(&b, "%s detected in this run.\n\n", pluralize(len(candidates), "flaky test candidate"))
	b.WriteString("| Test | Severity | Score | Confidence | Failures | Pattern |\n")
	b.WriteString("|------|----------|-------|------------|----------|--------|\n")

	shown := len(candidates)
	if shown > maxTableRows {
		shown = maxTableRows
	}

	rows := make([]string, 0, shown)
	for _, a := range candidates[:shown] {
		rows = append(rows, renderRow(repo, a))
	}

	footer := ""
	if len(candidates) > maxTableRows {
		footer = fmt.Sprintf("\n*Showing top %d of %d total candidates.*\n", maxTableRows, len(candidates))
	}

	// Trim whole rows until the summary fits the cap.
	for {
		size := b.Len() + len(strings.Join(rows, "")) + len(footer)
		if size <= r.maxSummaryBytes || len(rows) == 0 {
			break
		}
		rows = rows[:len(rows)-1]
		footer = fmt.Sprintf("\n*Showing top %d of %d total candidates.*\n", len(rows), len(candidates))
	}
	for _, row := range rows {
		b.WriteString(row)
	}
	b.WriteString(footer)

	return Output{
		Title:   fmt.Sprintf("FlakeGuard: %s", pluralize(len(candidates), "flaky test candidate")),
		Summary: b.String(),
		Actions: buildActions(candidates),
	}
}

func renderRow(repo RepoInfo, a *flake.Analysis) string {
	name := escapeMarkdown(fullName(a))
	if runes := []rune(name); len(runes) > maxTestNameChars {
		name = string(runes[:maxTestNameChars-1]) + "…"
	}

	link := fmt.Sprintf("`%s`", name)
	if a.TestCase != nil && a.TestCase.File != nil && a.Line > 0 {
		link = fmt.Sprintf("[%s](https://%s/%s/%s/blob/%s/%s#L%d)",
			name, repo.Host, repo.Owner, repo.Name, repo.DefaultBranch, *a.TestCase.File, a.Line)
	}

	pattern := "-"
	if dominant := flake.DominantPattern(a.Patterns); dominant != nil {
		pattern = strings.ReplaceAll(dominant.Name, "_", " ")
	}

	return fmt.Sprintf("| %s | %s | %.2f | %.2f | %d | %s |\n",
		link, severity(a.Score), a.Score, a.Confidence, a.FailCount(), pattern)
}

// severity buckets a score into an emoji marker. Out-of-range scores clamp.
func severity(score float64) string {
	switch {
	case score >= 0.8:
		return "🔴 critical"
	case score >= 0.5:
		return "🟡 warning"
	default:
		return "🟢 stable"
	}
}

// buildActions assembles up to three actions, ordered quarantine, rerun,
// open issue, including each only when the analyses make it relevant.
//
// A test counts as critical when its score reaches 0.8 or the engine
// recommends quarantine, so quarantine-recommended tests surface in the
// quarantine action even below the red severity line.
func buildActions(candidates []*flake.Analysis) []Action {
	critical, recent, persistent := 0, 0, 0
	for _, a := range candidates {
		if a.Score >= 0.8 || a.Recommendation == flake.RecommendQuarantine {
			critical++
		}
		if a.Features.RecentFailures > 0 {
			recent++
		}
		if a.Features.MaxConsecutiveFailures >= 3 || a.Features.Failures >= 5 {
			persistent++
		}
	}

	var actions []Action
	if critical > 0 {
		actions = append(actions, Action{
			Label:       fmt.Sprintf("Quarantine %s", pluralize(critical, "test")),
			Description: fmt.Sprintf("Quarantine %s with critical flake scores", pluralize(critical, "test")),
			Identifier:  ActionQuarantine,
		})
	}
	if recent > 0 {
		actions = append(actions, Action{
			Label:       "Rerun failed jobs",
			Description: "Rerun the failed jobs of this workflow run",
			Identifier:  ActionRerunFailed,
		})
	}
	if persistent > 0 {
		actions = append(actions, Action{
			Label:       fmt.Sprintf("Open issue for %s", pluralize(persistent, "test")),
			Description: fmt.Sprintf("Open a tracking issue for %s failing persistently", pluralize(persistent, "test")),
			Identifier:  ActionOpenIssue,
		})
	}
	if len(actions) > maxActions {
		actions = actions[:maxActions]
	}
	return actions
}

func fullName(a *flake.Analysis) string {
	if a.TestCase == nil {
		return "unknown test"
	}
	parts := make([]string, 0, 3)
	for _, p := range []string{a.TestCase.Suite, a.TestCase.ClassName, a.TestCase.Name} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, " / ")
}

var markdownEscaper = strings.NewReplacer(
	`\`, `\\`,
	"`", "\\`",
	"*", `\*`,
	"_", `\_`,
	"[", `\[`,
	"]", `\]`,
	"|", `\|`,
	"<", `\<`,
	">", `\>`,
	"#", `\#`,
)

func escapeMarkdown(s string) string {
	return markdownEscaper.Replace(s)
}

func pluralize(n int, noun string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s", noun)
	}
	return fmt.Sprintf("%d %ss", n, noun)
}
