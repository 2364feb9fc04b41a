// Package artifact streams zipped CI artifacts and enumerates the JUnit
// report entries inside them under strict size caps.
package artifact

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/flakeguard/flakeguard/internal/apperrors"
	"github.com/rs/zerolog/log"
)

// Limits bound artifact processing memory and disk usage.
type Limits struct {
	MaxEntryBytes   int64
	MaxArchiveBytes int64
}

// DefaultLimits returns the standard caps: 128 MiB per entry, 512 MiB per archive.
func DefaultLimits() Limits {
	return Limits{
		MaxEntryBytes:   128 * 1024 * 1024,
		MaxArchiveBytes: 512 * 1024 * 1024,
	}
}

// Archive is a spooled zip artifact ready for enumeration. Close removes the
// spool file.
type Archive struct {
	file   *os.File
	reader *zip.Reader
	limits Limits
}

// Spool copies the artifact stream to a temporary file, enforcing the
// per-archive byte cap while copying. Zip needs random access, so the
// archive lands on disk, never in memory.
func Spool(r io.Reader, limits Limits) (*Archive, error) {
	f, err := os.CreateTemp("", "flakeguard-artifact-*.zip")
	if err != nil {
		return nil, fmt.Errorf("failed to create artifact spool: %w", err)
	}

	n, err := io.Copy(f, io.LimitReader(r, limits.MaxArchiveBytes+1))
	if err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, apperrors.Wrap(apperrors.KindUpstreamUnavailable, err, "artifact download interrupted")
	}
	if n > limits.MaxArchiveBytes {
		f.Close()
		os.Remove(f.Name())
		return nil, apperrors.New(apperrors.KindArtifactTooLarge, "archive exceeds %d bytes", limits.MaxArchiveBytes)
	}

	zr, err := zip.NewReader(f, n)
	if err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, apperrors.Wrap(apperrors.KindParseError, err, "artifact is not a valid zip archive")
	}

	return &Archive{file: f, reader: zr, limits: limits}, nil
}

// Close releases the spool file.
func (a *Archive) Close() error {
	name := a.file.Name()
	err := a.file.Close()
	os.Remove(name)
	return err
}

// Reports calls fn for each entry that looks like a JUnit report, streaming
// the entry body through a capped reader. Any entry over the per-entry cap
// aborts the whole archive so a partially ingested artifact never persists.
func (a *Archive) Reports(fn func(entryPath string, r io.Reader) error) error {
	for _, entry := range a.reader.File {
		if entry.FileInfo().IsDir() || !IsReportEntry(entry.Name) {
			continue
		}
		if int64(entry.UncompressedSize64) > a.limits.MaxEntryBytes {
			return apperrors.New(apperrors.KindArtifactTooLarge,
				"entry %s exceeds %d bytes", entry.Name, a.limits.MaxEntryBytes)
		}

		rc, err := entry.Open()
		if err != nil {
			return apperrors.Wrap(apperrors.KindParseError, err, "failed to open archive entry")
		}

		capped := &cappedReader{r: rc, remaining: a.limits.MaxEntryBytes, entry: entry.Name}
		err = fn(entry.Name, capped)
		rc.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

// IsReportEntry reports whether an archive entry name matches the JUnit
// report patterns: *.xml, **/TEST-*.xml, **/junit*.xml,
// **/surefire-reports/**, **/test-results/**.
func IsReportEntry(name string) bool {
	clean := strings.TrimPrefix(path.Clean(strings.ReplaceAll(name, "\\", "/")), "./")
	lower := strings.ToLower(clean)
	base := path.Base(lower)

	if strings.Contains(lower, "surefire-reports/") || strings.Contains(lower, "test-results/") {
		return true
	}
	if !strings.HasSuffix(base, ".xml") {
		return false
	}
	if !strings.Contains(lower, "/") {
		return true
	}
	return strings.HasPrefix(base, "test-") || strings.HasPrefix(base, "junit")
}

// cappedReader enforces the per-entry cap while streaming, in case the zip
// header understates the uncompressed size.
type cappedReader struct {
	r         io.Reader
	remaining int64
	entry     string
}

func (c *cappedReader) Read(p []byte) (int, error) {
	if c.remaining <= 0 {
		return 0, apperrors.New(apperrors.KindArtifactTooLarge, "entry %s exceeds size cap", c.entry)
	}
	if int64(len(p)) > c.remaining+1 {
		p = p[:c.remaining+1]
	}
	n, err := c.r.Read(p)
	c.remaining -= int64(n)
	if c.remaining < 0 {
		log.Warn().Str("entry", c.entry).Msg("Archive entry understated its uncompressed size")
		return n, apperrors.New(apperrors.KindArtifactTooLarge, "entry %s exceeds size cap", c.entry)
	}
	return n, err
}
