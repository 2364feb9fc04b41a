package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"
)

// slackSkew is the maximum accepted age of a Slack-signed request.
const slackSkew = 5 * time.Minute

// VerifySlackSignature checks Slack's v0 signing scheme: an HMAC-SHA256
// over "v0:<timestamp>:<body>" carried in the X-Slack-Signature header,
// with the timestamp rejected outside a five minute window.
func VerifySlackSignature(signingSecret, timestampHeader, signatureHeader string, body []byte, now time.Time) bool {
	if signingSecret == "" || timestampHeader == "" || signatureHeader == "" {
		return false
	}

	ts, err := strconv.ParseInt(timestampHeader, 10, 64)
	if err != nil {
		return false
	}
	age := now.Sub(time.Unix(ts, 0))
	if age > slackSkew || age < -slackSkew {
		return false
	}

	mac := hmac.New(sha256.New, []byte(signingSecret))
	fmt.Fprintf(mac, "v0:%s:%s", timestampHeader, body)
	expected := "v0=" + hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(expected), []byte(signatureHeader))
}
