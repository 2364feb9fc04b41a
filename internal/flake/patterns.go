package flake

import (
	"regexp"
	"sort"
)

// Pattern names as they appear in reports.
const (
	PatternTimeout            = "timeout"
	PatternResourceContention = "resource_contention"
	PatternRaceCondition      = "race_condition"
	PatternExternalDependency = "external_dependency"
)

// PatternMatch is one detected failure pattern with its confidence.
type PatternMatch struct {
	Name       string
	Confidence float64
	// Matched holds up to three example fragments that triggered the
	// classifier.
	Matched []string
}

// patternReportThreshold keeps weak matches out of reports.
const patternReportThreshold = 0.3

type classifier struct {
	name string
	// strong indicators count fully; weak ones at half weight.
	strong []*regexp.Regexp
	weak   []*regexp.Regexp
}

var classifiers = []classifier{
	{
		name: PatternTimeout,
		strong: compileAll(
			`(?i)\btimed? ?out\b`,
			`(?i)\bdeadline exceeded\b`,
			`(?i)exceeded.{0,20}time ?limit`,
		),
		weak: compileAll(
			`(?i)\bwait(?:ing)? for\b`,
			`(?i)\bslow\b`,
			`(?i)did not (?:complete|respond|return)`,
		),
	},
	{
		name: PatternResourceContention,
		strong: compileAll(
			`(?i)\bout of memory\b|\boom\b|\bOOMKilled\b`,
			`(?i)too many open files`,
			`(?i)\bno space left\b`,
			`(?i)address already in use|port.{0,20}in use`,
		),
		weak: compileAll(
			`(?i)\bresource(?:s)? (?:exhausted|unavailable|busy)\b`,
			`(?i)cannot allocate`,
			`(?i)\block(?:ed)? wait\b|\bcontention\b`,
		),
	},
	{
		name: PatternRaceCondition,
		strong: compileAll(
			`(?i)\bdata race\b`,
			`(?i)\bdeadlock\b`,
			`(?i)concurrent (?:map|modification)`,
		),
		weak: compileAll(
			`(?i)\brace\b`,
			`(?i)\bstale\b.{0,20}\b(?:read|state|value)\b`,
			`(?i)expected.{0,40}eventually`,
			`(?i)\border(?:ing)? (?:violation|not guaranteed)\b`,
		),
	},
	{
		name: PatternExternalDependency,
		strong: compileAll(
			`(?i)\bconnection (?:refused|reset|closed)\b`,
			`(?i)\b(?:502|503|504)\b.{0,20}\b(?:bad gateway|unavailable|gateway)\b`,
			`(?i)\bdns\b.{0,20}\b(?:fail|error|resolve)`,
			`(?i)no such host`,
		),
		weak: compileAll(
			`(?i)\b(?:http|grpc|tls)\b.{0,30}\b(?:error|fail)`,
			`(?i)\bnetwork\b`,
			`(?i)\bunreachable\b`,
			`(?i)rate.?limit`,
		),
	},
}

func compileAll(patterns ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(patterns))
	for i, p := range patterns {
		out[i] = regexp.MustCompile(p)
	}
	return out
}

// DetectPatterns classifies failed messages against the known failure
// patterns. Only matches above the report threshold are returned, ordered
// by confidence descending.
func DetectPatterns(messages []string) []PatternMatch {
	if len(messages) == 0 {
		return nil
	}

	var matches []PatternMatch
	for _, c := range classifiers {
		hits := 0.0
		var examples []string
		for _, msg := range messages {
			weight, fragment := c.match(msg)
			if weight == 0 {
				continue
			}
			hits += weight
			if len(examples) < 3 {
				examples = append(examples, fragment)
			}
		}
		confidence := clamp01(hits / float64(len(messages)))
		if confidence > patternReportThreshold {
			matches = append(matches, PatternMatch{
				Name:       c.name,
				Confidence: confidence,
				Matched:    examples,
			})
		}
	}

	sort.Slice(matches, func(i, j int) bool {
		return matches[i].Confidence > matches[j].Confidence
	})
	return matches
}

// DominantPattern returns the strongest match, or nil when none qualify.
func DominantPattern(matches []PatternMatch) *PatternMatch {
	if len(matches) == 0 {
		return nil
	}
	return &matches[0]
}

// match returns the contribution of one message: 1 for a strong indicator,
// 0.5 for a weak one, 0 otherwise, along with the matched fragment.
func (c classifier) match(msg string) (float64, string) {
	for _, re := range c.strong {
		if loc := re.FindString(msg); loc != "" {
			return 1, loc
		}
	}
	for _, re := range c.weak {
		if loc := re.FindString(msg); loc != "" {
			return 0.5, loc
		}
	}
	return 0, ""
}
