package signature

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizeMessage_Idempotent(t *testing.T) {
	inputs := []string{
		"Test timed out after 30000ms",
		"Connection refused at 2024-03-01T10:15:30Z on localhost:5432",
		"Expected <42> but was <41> in Foo.java:120",
		"panic at 0x7fff5fbff8c0 pid 12345",
		"",
		"plain message with no volatile tokens",
	}

	for _, input := range inputs {
		once := NormalizeMessage(input)
		twice := NormalizeMessage(once)
		require.Equal(t, once, twice, "normalization must be idempotent for %q", input)
	}
}

func TestNormalizeMessage_ReplacesVolatileTokens(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "timestamp",
			in:   "started 2024-03-01T10:15:30Z then failed",
			want: "started [TIMESTAMP] then failed",
		},
		{
			name: "duration with unit",
			in:   "Test timed out after 30000ms",
			want: "Test timed out after [NUM]",
		},
		{
			name: "file and line",
			in:   "error in src/service/handler.go:42",
			want: "error in [PATH]",
		},
		{
			name: "hex address",
			in:   "nil pointer at 0xc000123456",
			want: "nil pointer at [ADDR]",
		},
		{
			name: "uuid",
			in:   "order 1b4e28ba-2fa1-11d2-883f-0016d3cca427 missing",
			want: "order [UUID] missing",
		},
		{
			name: "host and port",
			in:   "dial tcp 127.0.0.1:5432 refused",
			want: "dial tcp [HOST] refused",
		},
		{
			name: "assertion right-hand side",
			in:   `expected "alpha" but got "beta"`,
			want: "expected [VALUE] but got [VALUE]",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, NormalizeMessage(tt.in))
		})
	}
}

func TestNormalizeMessage_CollapsesStackFrames(t *testing.T) {
	in := "NullPointerException: boom\n" +
		"    at com.example.FooTest.testBar(FooTest.java:42)\n" +
		"    at org.junit.runners.ParentRunner.run(ParentRunner.java:363)\n" +
		"    at java.base/java.lang.Thread.run(Thread.java:829)\n"

	out := NormalizeMessage(in)
	require.Contains(t, out, "[STACK]")
	require.NotContains(t, out, "FooTest.java")
	require.NotContains(t, out, "ParentRunner")
	// Runs of frames collapse to one sentinel.
	require.Equal(t, 1, strings.Count(out, "[STACK]"))
}

func TestMessageSignature_StableAcrossVolatileDifferences(t *testing.T) {
	a := MessageSignature("Test timed out after 30000ms")
	b := MessageSignature("Test timed out after 45000ms")
	c := MessageSignature("Assertion failed: expected 42 but got 41")

	require.Equal(t, a, b)
	require.NotEqual(t, a, c)
	require.Len(t, a, 32)
}

func TestStackDigest_IgnoresSurroundingText(t *testing.T) {
	frames := "    at com.example.FooTest.testBar(FooTest.java:42)\n" +
		"    at org.junit.runners.ParentRunner.run(ParentRunner.java:363)\n"

	a := StackDigest("error happened at 10:32:01\n" + frames)
	b := StackDigest("error happened at 18:07:44\n" + frames)
	require.Equal(t, a, b)
}

func TestStackDigest_FallsBackWithoutFrames(t *testing.T) {
	digest := StackDigest("no frames here, just text")
	require.Equal(t, MessageSignature("no frames here, just text"), digest)
}
