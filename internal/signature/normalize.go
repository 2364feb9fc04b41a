// Package signature canonicalizes failure messages and stack traces into
// stable signatures so "the same" failure can be recognized across runs.
package signature

import (
	"crypto/md5"
	"encoding/hex"
	"regexp"
	"strings"
)

// The rules apply in a fixed order: some depend on earlier substitutions
// (file paths must be rewritten before bare numbers, stack frames before
// whitespace collapsing).
var rules = []struct {
	re   *regexp.Regexp
	repl string
}{
	// ISO-8601 timestamps, then bare wall-clock times.
	{regexp.MustCompile(`\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}:\d{2}(?:\.\d+)?(?:Z|[+-]\d{2}:?\d{2})?`), "[TIMESTAMP]"},
	{regexp.MustCompile(`\b\d{1,2}:\d{2}:\d{2}(?:\.\d+)?\b`), "[TIME]"},
	// File references with line (and optional column) numbers.
	{regexp.MustCompile(`(?:[A-Za-z]:)?[\w./\\-]+\.[A-Za-z]\w{0,4}:\d+(?::\d+)?`), "[PATH]"},
	// Hex addresses.
	{regexp.MustCompile(`0x[0-9a-fA-F]+`), "[ADDR]"},
	// PID/TID mentions.
	{regexp.MustCompile(`(?i)\b(?:pid|tid|process id|thread[- ]?id)[:=# ]\s*\d+`), "[PID]"},
	// Port numbers: explicit mentions and host:port pairs.
	{regexp.MustCompile(`(?i)\bport\s*[:=#]?\s*\d+`), "port [PORT]"},
	{regexp.MustCompile(`\b(?:localhost|(?:\d{1,3}\.){3}\d{1,3}):\d{1,5}\b`), "[HOST]"},
	// UUIDs and 32-char hex hashes.
	{regexp.MustCompile(`\b[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}\b`), "[UUID]"},
	{regexp.MustCompile(`\b[0-9a-fA-F]{32}\b`), "[HASH]"},
	// Numeric tokens with units (durations, sizes).
	{regexp.MustCompile(`(?i)\b\d+(?:\.\d+)?\s?(?:ms|msec|millis|milliseconds|secs?|seconds|mins?|minutes|hours?|ns|us|b|bytes|kb|kib|mb|mib|gb|gib)\b`), "[NUM]"},
	// Assertion right-hand sides.
	{regexp.MustCompile(`(?i)\b(expected|actual|but was|got|was)\b\s*[:=]?\s*("[^"]*"|'[^']*'|<[^>]*>|\S+)`), "${1} [VALUE]"},
}

// Stack frame lines: JVM-style "at X (path:L:C)" and Python
// "File ..., line N". Runs of frames collapse to one sentinel.
var (
	frameLine  = regexp.MustCompile(`(?m)^[ \t]*(?:at +\S.*|File "[^"]*", line \d+.*)$`)
	frameRun   = regexp.MustCompile(`(?:\[STACK\]\s*)+`)
	whitespace = regexp.MustCompile(`\s+`)
)

// NormalizeMessage rewrites a raw failure message into its canonical form.
// It is idempotent: NormalizeMessage(NormalizeMessage(x)) == NormalizeMessage(x).
func NormalizeMessage(raw string) string {
	s := raw
	for _, rule := range rules {
		s = rule.re.ReplaceAllString(s, rule.repl)
	}
	s = frameLine.ReplaceAllString(s, "[STACK]")
	s = frameRun.ReplaceAllString(s, "[STACK] ")
	s = whitespace.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// Signature hashes a canonical message into a stable 128-bit hex signature.
// MD5 is used as a stable non-cryptographic hash, not a security primitive.
func Signature(canonical string) string {
	sum := md5.Sum([]byte(canonical))
	return hex.EncodeToString(sum[:])
}

// MessageSignature normalizes and hashes a raw failure message.
func MessageSignature(raw string) string {
	return Signature(NormalizeMessage(raw))
}

// StackDigest hashes the normalized stack-frame portion of a trace. Only
// frame lines participate, so reordered surrounding text does not change
// the digest.
func StackDigest(stack string) string {
	frames := frameLine.FindAllString(stack, -1)
	if len(frames) == 0 {
		return Signature(NormalizeMessage(stack))
	}

	var b strings.Builder
	for _, frame := range frames {
		s := frame
		for _, rule := range rules {
			s = rule.re.ReplaceAllString(s, rule.repl)
		}
		b.WriteString(strings.TrimSpace(whitespace.ReplaceAllString(s, " ")))
		b.WriteByte('\n')
	}
	return Signature(b.String())
}
