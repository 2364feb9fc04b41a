package junit

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func fixtureReader(t *testing.T, name string) *os.File {
	t.Helper()
	_, thisFile, _, ok := runtime.Caller(0)
	require.True(t, ok)
	path := filepath.Join(filepath.Dir(thisFile), "..", "..", "testdata", "junit", name)
	f, err := os.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	return f
}

func TestParser_ParseAll_PassingSuite(t *testing.T) {
	suites, err := NewParser(0).ParseAll(fixtureReader(t, "passing.xml"))
	require.NoError(t, err)
	require.Len(t, suites, 1)

	suite := suites[0]
	require.Equal(t, "com.example.CartTest", suite.Name)
	require.Equal(t, "2024-03-01T10:15:30", suite.Timestamp)
	require.Equal(t, "17.0.2", suite.Properties["java.version"])
	require.Len(t, suite.Cases, 3)

	first := suite.Cases[0]
	require.Equal(t, "com.example.CartTest", first.ClassName)
	require.Equal(t, "testAddItem", first.Name)
	require.Equal(t, StatusPassed, first.Status)
	require.Equal(t, 412, first.DurationMS())
	require.Nil(t, first.FailureDetail())
}

func TestParser_ParseAll_StatusPrecedence(t *testing.T) {
	suites, err := NewParser(0).ParseAll(fixtureReader(t, "mixed.xml"))
	require.NoError(t, err)
	require.Len(t, suites, 1)

	cases := suites[0].Cases
	require.Len(t, cases, 4)

	require.Equal(t, StatusPassed, cases[0].Status)

	require.Equal(t, StatusFailed, cases[1].Status)
	require.NotNil(t, cases[1].Failure)
	require.Equal(t, "Assertion failed: expected 42 but got 41", cases[1].FailureDetail().Message)
	require.Equal(t, "AssertionError", cases[1].FailureDetail().Type)
	require.Contains(t, cases[1].FailureDetail().Body, "CheckoutTest.java:88")
	require.Equal(t, "attempting payment...", cases[1].SystemOut)

	require.Equal(t, StatusError, cases[2].Status)
	require.Equal(t, "Connection refused", cases[2].FailureDetail().Message)

	require.Equal(t, StatusSkipped, cases[3].Status)
	require.Equal(t, "legacy flow disabled", cases[3].SkipMessage)
}

func TestParser_ParseAll_FlattensNestedSuites(t *testing.T) {
	suites, err := NewParser(0).ParseAll(fixtureReader(t, "nested.xml"))
	require.NoError(t, err)

	// Inner suites complete before their parents.
	require.Len(t, suites, 3)
	require.Equal(t, "api", suites[0].Name)
	require.Equal(t, "worker.batch", suites[1].Name)
	require.Equal(t, "worker", suites[2].Name)

	require.Len(t, suites[0].Cases, 2)
	require.Equal(t, StatusFailed, suites[0].Cases[1].Status)

	require.Len(t, suites[1].Cases, 1)
	require.Equal(t, "", suites[1].Cases[0].ClassName)
	require.Equal(t, "testDrain", suites[1].Cases[0].Name)

	// The wrapper suite keeps nothing once its child is flattened out.
	require.Empty(t, suites[2].Cases)
}

func TestParser_ParseAll_RecomputesMismatchedCounters(t *testing.T) {
	suites, err := NewParser(0).ParseAll(fixtureReader(t, "bad_counters.xml"))
	require.NoError(t, err)
	require.Len(t, suites, 1)

	suite := suites[0]
	require.Equal(t, 2, suite.DeclaredTests)
	require.Equal(t, 1, suite.DeclaredFailures)
	require.Equal(t, 0, suite.DeclaredErrors)
	require.Equal(t, 0, suite.DeclaredSkipped)
}

func TestParser_Parse_MalformedXML(t *testing.T) {
	err := NewParser(0).Parse(strings.NewReader("<testsuite><testcase"), func(*Suite) error {
		return nil
	})
	require.Error(t, err)
}

func TestParser_readCappedText_TruncatesLongOutput(t *testing.T) {
	body := strings.Repeat("x", 200)
	doc := `<testsuite name="s" tests="1">` +
		`<testcase classname="C" name="t"><system-out>` + body + `</system-out></testcase>` +
		`</testsuite>`

	suites, err := NewParser(100).ParseAll(strings.NewReader(doc))
	require.NoError(t, err)
	require.Len(t, suites, 1)
	require.Len(t, suites[0].Cases, 1)

	out := suites[0].Cases[0].SystemOut
	require.True(t, strings.HasSuffix(out, "\n... [truncated]"))
	require.Equal(t, strings.Repeat("x", 100), strings.TrimSuffix(out, "\n... [truncated]"))
}

func TestParser_ParseAll_LenientTimeAndMissingClassname(t *testing.T) {
	doc := `<testsuite name="s">` +
		`<testcase name="noTime" time="not-a-number"/>` +
		`<testcase name="spaced" time=" 1.5 "/>` +
		`</testsuite>`

	suites, err := NewParser(0).ParseAll(strings.NewReader(doc))
	require.NoError(t, err)
	require.Len(t, suites[0].Cases, 2)

	require.Equal(t, "", suites[0].Cases[0].ClassName)
	require.Equal(t, 0, suites[0].Cases[0].DurationMS())
	require.Equal(t, 1500, suites[0].Cases[1].DurationMS())
}
