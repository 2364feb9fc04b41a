package worker

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/flakeguard/flakeguard/internal/flake"
	"github.com/flakeguard/flakeguard/internal/junit"
	"github.com/flakeguard/flakeguard/internal/signature"
)

func TestIngestKey_SharedAcrossWebhookAndPoller(t *testing.T) {
	repoID := uuid.MustParse("3f2e1d0c-0000-4000-8000-000000000001")

	key := ingestKey(repoID, 987654)
	require.Equal(t, repoID.String()+":987654", key)
	require.Equal(t, key, ingestKey(repoID, 987654))
}

func TestSplitFullName(t *testing.T) {
	owner, name, ok := splitFullName("acme/widgets")
	require.True(t, ok)
	require.Equal(t, "acme", owner)
	require.Equal(t, "widgets", name)

	_, _, ok = splitFullName("acme")
	require.False(t, ok)
	_, _, ok = splitFullName("/widgets")
	require.False(t, ok)
	_, _, ok = splitFullName("acme/")
	require.False(t, ok)
}

func TestSuiteRecords(t *testing.T) {
	msg := "Test timed out after 30000ms"
	body := "at com.example.CartTest.testAddItem(CartTest.java:42)"
	suite := &junit.Suite{
		Name: "com.example.CartTest",
		Cases: []junit.Case{
			{
				ClassName:   "com.example.CartTest",
				Name:        "testAddItem",
				File:        "src/test/java/CartTest.java",
				TimeSeconds: 1.25,
				Status:      junit.StatusPassed,
			},
			{
				ClassName: "com.example.CartTest",
				Name:      "testRemoveItem",
				Status:    junit.StatusFailed,
				Failure:   &junit.Detail{Message: msg, Body: body},
			},
			{
				ClassName: "com.example.CartTest",
				Name:      "testStackOnly",
				Status:    junit.StatusError,
				Error:     &junit.Detail{Body: body},
			},
		},
	}

	records := suiteRecords(suite, 2)
	require.Len(t, records, 3)

	passed := records[0]
	require.Equal(t, "com.example.CartTest", passed.Suite)
	require.Equal(t, junit.StatusPassed, passed.Status)
	require.Equal(t, 1250, passed.DurationMS)
	require.Equal(t, 2, passed.Attempt)
	require.NotNil(t, passed.File)
	require.Nil(t, passed.Message)
	require.Nil(t, passed.MessageSignature)

	failed := records[1]
	require.Equal(t, junit.StatusFailed, failed.Status)
	require.Equal(t, msg, *failed.Message)
	require.Equal(t, signature.MessageSignature(msg), *failed.MessageSignature)
	require.Equal(t, body, *failed.Stack)
	require.Equal(t, signature.StackDigest(body), *failed.StackDigest)

	// No message falls back to signing the stack body.
	stackOnly := records[2]
	require.Nil(t, stackOnly.Message)
	require.NotNil(t, stackOnly.MessageSignature)
	require.Equal(t, signature.MessageSignature(body), *stackOnly.MessageSignature)
}

func TestSuiteRecords_AttemptFloor(t *testing.T) {
	suite := &junit.Suite{
		Name:  "s",
		Cases: []junit.Case{{Name: "t", Status: junit.StatusPassed}},
	}

	records := suiteRecords(suite, 0)
	require.Equal(t, 1, records[0].Attempt)
}

func TestCriticalAnalyses(t *testing.T) {
	highScore := &flake.Analysis{Score: 0.85, Recommendation: flake.RecommendWarn}
	quarantine := &flake.Analysis{Score: 0.65, Recommendation: flake.RecommendQuarantine}
	warn := &flake.Analysis{Score: 0.45, Recommendation: flake.RecommendWarn}

	out := criticalAnalyses([]*flake.Analysis{highScore, quarantine, warn})
	require.Len(t, out, 2)
	require.Contains(t, out, highScore)
	require.Contains(t, out, quarantine)
}

func TestPersistentAnalyses(t *testing.T) {
	consecutive := &flake.Analysis{
		Recommendation: flake.RecommendWarn,
		Features:       flake.Features{MaxConsecutiveFailures: 3},
	}
	manyFailures := &flake.Analysis{
		Recommendation: flake.RecommendQuarantine,
		Features:       flake.Features{Failures: 6},
	}
	stable := &flake.Analysis{
		Recommendation: flake.RecommendNone,
		Features:       flake.Features{Failures: 10},
	}
	occasional := &flake.Analysis{
		Recommendation: flake.RecommendWarn,
		Features:       flake.Features{Failures: 2},
	}

	out := persistentAnalyses([]*flake.Analysis{consecutive, manyFailures, stable, occasional})
	require.Len(t, out, 2)
	require.Contains(t, out, consecutive)
	require.Contains(t, out, manyFailures)
}
