// Package junit parses JUnit-family XML reports (Surefire, Gradle,
// Jest-JUnit, pytest, PHPUnit) into normalized suite/case records using a
// streaming decoder, so arbitrarily large reports never load fully into
// memory.
package junit

import (
	"encoding/xml"
	"io"
	"strconv"
	"strings"

	"github.com/flakeguard/flakeguard/internal/apperrors"
	"github.com/rs/zerolog/log"
)

// Case statuses, in precedence order error > failure > skipped > passed.
const (
	StatusPassed  = "passed"
	StatusFailed  = "failed"
	StatusError   = "error"
	StatusSkipped = "skipped"
)

// Detail carries a failure or error element.
type Detail struct {
	Type    string
	Message string
	Body    string
}

// Case is one parsed <testcase>.
type Case struct {
	Suite       string
	ClassName   string
	Name        string
	File        string
	TimeSeconds float64
	Status      string
	Failure     *Detail
	Error       *Detail
	SkipMessage string
	SystemOut   string
	SystemErr   string
}

// DurationMS converts the reported time to milliseconds.
func (c *Case) DurationMS() int {
	return int(c.TimeSeconds * 1000)
}

// FailureDetail returns the detail that decided a failed/error status.
func (c *Case) FailureDetail() *Detail {
	if c.Error != nil {
		return c.Error
	}
	return c.Failure
}

// Suite is one parsed <testsuite> with its declared counters.
type Suite struct {
	Name       string
	Package    string
	Hostname   string
	Timestamp  string
	Properties map[string]string
	SystemOut  string
	SystemErr  string
	Cases      []Case

	// Counters as declared by the report; validated against Cases.
	DeclaredTests    int
	DeclaredFailures int
	DeclaredErrors   int
	DeclaredSkipped  int
}

// Parser streams JUnit XML into Suite records.
type Parser struct {
	maxOutputBytes int
}

// NewParser creates a parser with the given per-case output cap in bytes.
func NewParser(maxOutputBytes int) *Parser {
	if maxOutputBytes <= 0 {
		maxOutputBytes = 64 * 1024
	}
	return &Parser{maxOutputBytes: maxOutputBytes}
}

// Parse streams suites from r, calling emit for each completed suite. Both
// a bare <testsuite> root and <testsuites> with nested suites are accepted;
// multiple root suites are concatenated.
func (p *Parser) Parse(r io.Reader, emit func(*Suite) error) error {
	dec := xml.NewDecoder(r)

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return apperrors.Wrap(apperrors.KindParseError, err, "malformed report XML")
		}

		se, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}

		switch se.Name.Local {
		case "testsuites":
			// Descend; nested suites surface through the same loop.
		case "testsuite":
			if err := p.parseSuite(dec, se, emit); err != nil {
				return err
			}
		default:
			if err := dec.Skip(); err != nil {
				return apperrors.Wrap(apperrors.KindParseError, err, "malformed report XML")
			}
		}
	}
}

// ParseAll collects every suite from r.
func (p *Parser) ParseAll(r io.Reader) ([]Suite, error) {
	var suites []Suite
	err := p.Parse(r, func(s *Suite) error {
		suites = append(suites, *s)
		return nil
	})
	return suites, err
}

func (p *Parser) parseSuite(dec *xml.Decoder, start xml.StartElement, emit func(*Suite) error) error {
	suite := &Suite{}
	for _, attr := range start.Attr {
		switch attr.Name.Local {
		case "name":
			suite.Name = attr.Value
		case "package":
			suite.Package = attr.Value
		case "hostname":
			suite.Hostname = attr.Value
		case "timestamp":
			suite.Timestamp = attr.Value
		case "tests":
			suite.DeclaredTests = atoiLenient(attr.Value)
		case "failures":
			suite.DeclaredFailures = atoiLenient(attr.Value)
		case "errors":
			suite.DeclaredErrors = atoiLenient(attr.Value)
		case "skipped", "skip":
			suite.DeclaredSkipped = atoiLenient(attr.Value)
		}
	}

	for {
		tok, err := dec.Token()
		if err != nil {
			return apperrors.Wrap(apperrors.KindParseError, err, "unterminated testsuite element")
		}

		switch el := tok.(type) {
		case xml.StartElement:
			switch el.Name.Local {
			case "testcase":
				tc, err := p.parseCase(dec, el, suite.Name)
				if err != nil {
					return err
				}
				suite.Cases = append(suite.Cases, *tc)
			case "properties":
				props, err := p.parseProperties(dec)
				if err != nil {
					return err
				}
				suite.Properties = props
			case "system-out":
				text, err := p.readCappedText(dec)
				if err != nil {
					return err
				}
				suite.SystemOut = text
			case "system-err":
				text, err := p.readCappedText(dec)
				if err != nil {
					return err
				}
				suite.SystemErr = text
			case "testsuite":
				// Gradle and pytest nest suites; flatten them.
				if err := p.parseSuite(dec, el, emit); err != nil {
					return err
				}
			default:
				if err := dec.Skip(); err != nil {
					return apperrors.Wrap(apperrors.KindParseError, err, "malformed testsuite element")
				}
			}
		case xml.EndElement:
			if el.Name.Local == "testsuite" {
				p.validateCounters(suite)
				return emit(suite)
			}
		}
	}
}

func (p *Parser) parseCase(dec *xml.Decoder, start xml.StartElement, suiteName string) (*Case, error) {
	tc := &Case{Suite: suiteName}
	for _, attr := range start.Attr {
		switch attr.Name.Local {
		case "classname":
			tc.ClassName = attr.Value
		case "name":
			tc.Name = attr.Value
		case "file":
			tc.File = attr.Value
		case "time":
			if f, err := strconv.ParseFloat(strings.TrimSpace(attr.Value), 64); err == nil {
				tc.TimeSeconds = f
			}
		}
	}

	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, apperrors.Wrap(apperrors.KindParseError, err, "unterminated testcase element")
		}

		switch el := tok.(type) {
		case xml.StartElement:
			switch el.Name.Local {
			case "failure":
				detail, err := p.parseDetail(dec, el)
				if err != nil {
					return nil, err
				}
				tc.Failure = detail
			case "error":
				detail, err := p.parseDetail(dec, el)
				if err != nil {
					return nil, err
				}
				tc.Error = detail
			case "skipped":
				for _, attr := range el.Attr {
					if attr.Name.Local == "message" {
						tc.SkipMessage = attr.Value
					}
				}
				if tc.SkipMessage == "" {
					tc.SkipMessage = "skipped"
				}
				if err := dec.Skip(); err != nil {
					return nil, apperrors.Wrap(apperrors.KindParseError, err, "malformed skipped element")
				}
			case "system-out":
				text, err := p.readCappedText(dec)
				if err != nil {
					return nil, err
				}
				tc.SystemOut = text
			case "system-err":
				text, err := p.readCappedText(dec)
				if err != nil {
					return nil, err
				}
				tc.SystemErr = text
			default:
				if err := dec.Skip(); err != nil {
					return nil, apperrors.Wrap(apperrors.KindParseError, err, "malformed testcase element")
				}
			}
		case xml.EndElement:
			if el.Name.Local == "testcase" {
				tc.Status = caseStatus(tc)
				return tc, nil
			}
		}
	}
}

func (p *Parser) parseDetail(dec *xml.Decoder, start xml.StartElement) (*Detail, error) {
	detail := &Detail{}
	for _, attr := range start.Attr {
		switch attr.Name.Local {
		case "message":
			detail.Message = attr.Value
		case "type":
			detail.Type = attr.Value
		}
	}

	body, err := p.readCappedText(dec)
	if err != nil {
		return nil, err
	}
	detail.Body = body
	return detail, nil
}

func (p *Parser) parseProperties(dec *xml.Decoder) (map[string]string, error) {
	props := make(map[string]string)
	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, apperrors.Wrap(apperrors.KindParseError, err, "unterminated properties element")
		}

		switch el := tok.(type) {
		case xml.StartElement:
			if el.Name.Local == "property" {
				var name, value string
				for _, attr := range el.Attr {
					switch attr.Name.Local {
					case "name":
						name = attr.Value
					case "value":
						value = attr.Value
					}
				}
				if name != "" {
					props[name] = value
				}
			}
			if err := dec.Skip(); err != nil {
				return nil, apperrors.Wrap(apperrors.KindParseError, err, "malformed property element")
			}
		case xml.EndElement:
			if el.Name.Local == "properties" {
				return props, nil
			}
		}
	}
}

// readCappedText consumes an element's character data up to the configured
// cap, truncating with a sentinel and discarding the remainder.
func (p *Parser) readCappedText(dec *xml.Decoder) (string, error) {
	var b strings.Builder
	truncated := false
	depth := 1

	for {
		tok, err := dec.Token()
		if err != nil {
			return "", apperrors.Wrap(apperrors.KindParseError, err, "unterminated text element")
		}

		switch el := tok.(type) {
		case xml.CharData:
			if truncated {
				continue
			}
			remaining := p.maxOutputBytes - b.Len()
			if remaining <= 0 {
				truncated = true
				continue
			}
			if len(el) > remaining {
				b.Write(el[:remaining])
				truncated = true
				continue
			}
			b.Write(el)
		case xml.StartElement:
			depth++
		case xml.EndElement:
			depth--
			if depth == 0 {
				text := b.String()
				if truncated {
					text += "\n... [truncated]"
				}
				return text, nil
			}
		}
	}
}

// validateCounters checks the declared counts against the parsed cases,
// warning and trusting the cases on mismatch.
func (p *Parser) validateCounters(suite *Suite) {
	tests := len(suite.Cases)
	failures, errs, skipped := 0, 0, 0
	for i := range suite.Cases {
		switch suite.Cases[i].Status {
		case StatusFailed:
			failures++
		case StatusError:
			errs++
		case StatusSkipped:
			skipped++
		}
	}

	declared := suite.DeclaredTests != 0 || suite.DeclaredFailures != 0 ||
		suite.DeclaredErrors != 0 || suite.DeclaredSkipped != 0
	if declared && (suite.DeclaredTests != tests || suite.DeclaredFailures != failures ||
		suite.DeclaredErrors != errs || suite.DeclaredSkipped != skipped) {
		log.Warn().
			Str("suite", suite.Name).
			Int("declared_tests", suite.DeclaredTests).
			Int("parsed_tests", tests).
			Int("declared_failures", suite.DeclaredFailures).
			Int("parsed_failures", failures).
			Msg("Report counters disagree with parsed cases, trusting cases")
	}

	suite.DeclaredTests = tests
	suite.DeclaredFailures = failures
	suite.DeclaredErrors = errs
	suite.DeclaredSkipped = skipped
}

func caseStatus(tc *Case) string {
	switch {
	case tc.Error != nil:
		return StatusError
	case tc.Failure != nil:
		return StatusFailed
	case tc.SkipMessage != "":
		return StatusSkipped
	default:
		return StatusPassed
	}
}

func atoiLenient(s string) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0
	}
	return n
}
