package artifact

import (
	"archive/zip"
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flakeguard/flakeguard/internal/apperrors"
)

func buildZip(t *testing.T, entries map[string]string) *bytes.Reader {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, body := range entries {
		f, err := w.Create(name)
		require.NoError(t, err)
		_, err = f.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return bytes.NewReader(buf.Bytes())
}

func TestSpool_EnumeratesReportEntries(t *testing.T) {
	archive, err := Spool(buildZip(t, map[string]string{
		"surefire-reports/TEST-CartTest.xml": "<testsuite name=\"cart\"/>",
		"test-results/test/results.xml":      "<testsuite name=\"gradle\"/>",
		"build.log":                          "irrelevant",
		"docs/readme.xml":                    "not a report",
	}), DefaultLimits())
	require.NoError(t, err)
	defer archive.Close()

	var seen []string
	err = archive.Reports(func(entryPath string, r io.Reader) error {
		body, err := io.ReadAll(r)
		require.NoError(t, err)
		require.Contains(t, string(body), "<testsuite")
		seen = append(seen, entryPath)
		return nil
	})
	require.NoError(t, err)
	require.ElementsMatch(t, []string{
		"surefire-reports/TEST-CartTest.xml",
		"test-results/test/results.xml",
	}, seen)
}

func TestSpool_ArchiveTooLarge(t *testing.T) {
	limits := Limits{MaxEntryBytes: 1024, MaxArchiveBytes: 64}

	_, err := Spool(buildZip(t, map[string]string{
		"results.xml": strings.Repeat("<x/>", 100),
	}), limits)

	require.Error(t, err)
	require.Equal(t, apperrors.KindArtifactTooLarge, apperrors.KindOf(err))
}

func TestSpool_NotAZip(t *testing.T) {
	_, err := Spool(strings.NewReader("this is not a zip archive"), DefaultLimits())

	require.Error(t, err)
	require.Equal(t, apperrors.KindParseError, apperrors.KindOf(err))
}

func TestArchive_Reports_EntryTooLargeAbortsArchive(t *testing.T) {
	archive, err := Spool(buildZip(t, map[string]string{
		"small.xml": "<testsuite/>",
		"huge.xml":  strings.Repeat("<testcase/>", 50),
	}), Limits{MaxEntryBytes: 64, MaxArchiveBytes: 1 << 20})
	require.NoError(t, err)
	defer archive.Close()

	err = archive.Reports(func(string, io.Reader) error { return nil })

	require.Error(t, err)
	require.Equal(t, apperrors.KindArtifactTooLarge, apperrors.KindOf(err))
}

func TestArchive_Reports_CallbackErrorPropagates(t *testing.T) {
	archive, err := Spool(buildZip(t, map[string]string{
		"results.xml": "<testsuite/>",
	}), DefaultLimits())
	require.NoError(t, err)
	defer archive.Close()

	sentinel := apperrors.New(apperrors.KindParseError, "bad report")
	err = archive.Reports(func(string, io.Reader) error { return sentinel })
	require.ErrorIs(t, err, sentinel)
}

func TestIsReportEntry(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"results.xml", true},
		{"TEST-com.example.CartTest.xml", true},
		{"surefire-reports/TEST-CartTest.xml", true},
		{"target/surefire-reports/whatever.txt", true},
		{"build/test-results/test/binary.bin", true},
		{"nested/dir/junit-report.xml", true},
		{"nested/dir/test-output.xml", true},
		{"nested\\dir\\junit-report.xml", true},
		{"./report.xml", true},
		{"nested/dir/other.xml", false},
		{"docs/readme.md", false},
		{"coverage/lcov.info", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, IsReportEntry(tt.name))
		})
	}
}
