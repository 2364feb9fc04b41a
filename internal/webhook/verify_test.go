package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestVerifySignature(t *testing.T) {
	secret := "webhook-secret"
	body := []byte(`{"action":"completed"}`)

	require.True(t, VerifySignature(secret, sign(secret, body), body))

	// Uppercase hex digests are accepted.
	upper := "sha256=" + strings.ToUpper(strings.TrimPrefix(sign(secret, body), "sha256="))
	require.True(t, VerifySignature(secret, upper, body))

	require.False(t, VerifySignature(secret, sign("wrong-secret", body), body))
	require.False(t, VerifySignature(secret, sign(secret, []byte("tampered")), body))
	require.False(t, VerifySignature(secret, strings.TrimPrefix(sign(secret, body), "sha256="), body))
	require.False(t, VerifySignature(secret, "", body))
	require.False(t, VerifySignature("", sign(secret, body), body))
}

func slackSign(secret string, ts int64, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "v0:%d:%s", ts, body)
	return "v0=" + hex.EncodeToString(mac.Sum(nil))
}

func TestVerifySlackSignature(t *testing.T) {
	secret := "slack-signing-secret"
	body := []byte("payload={}")
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	ts := now.Unix()
	tsHeader := strconv.FormatInt(ts, 10)

	require.True(t, VerifySlackSignature(secret, tsHeader, slackSign(secret, ts, body), body, now))

	require.False(t, VerifySlackSignature(secret, tsHeader, slackSign("other", ts, body), body, now))
	require.False(t, VerifySlackSignature(secret, "not-a-number", slackSign(secret, ts, body), body, now))
	require.False(t, VerifySlackSignature(secret, tsHeader, "", body, now))
	require.False(t, VerifySlackSignature("", tsHeader, slackSign(secret, ts, body), body, now))
}

func TestVerifySlackSignature_RejectsStaleTimestamps(t *testing.T) {
	secret := "slack-signing-secret"
	body := []byte("payload={}")
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	old := now.Add(-6 * time.Minute).Unix()
	require.False(t, VerifySlackSignature(secret,
		strconv.FormatInt(old, 10), slackSign(secret, old, body), body, now))

	future := now.Add(6 * time.Minute).Unix()
	require.False(t, VerifySlackSignature(secret,
		strconv.FormatInt(future, 10), slackSign(secret, future, body), body, now))

	edge := now.Add(-4 * time.Minute).Unix()
	require.True(t, VerifySlackSignature(secret,
		strconv.FormatInt(edge, 10), slackSign(secret, edge, body), body, now))
}
