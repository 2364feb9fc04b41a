package githubapp

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"time"

	"github.com/flakeguard/flakeguard/internal/apperrors"
	"github.com/google/go-github/v62/github"
	"github.com/rs/zerolog/log"
)

const (
	maxAttempts = 3
	retryBase   = 500 * time.Millisecond
	retryCap    = 30 * time.Second
)

// withRetry runs fn up to maxAttempts times, backing off exponentially with
// jitter. Only 5xx, 429, 408 and connection errors retry; a 429 waits for
// the advertised reset instead of backing off blind.
func withRetry(ctx context.Context, op string, fn func() (*github.Response, error)) error {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		resp, err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		wait, retryable := classify(resp, err, attempt)
		if !retryable || attempt == maxAttempts {
			break
		}

		log.Debug().
			Str("operation", op).
			Int("attempt", attempt).
			Dur("wait", wait).
			Err(err).
			Msg("Host call failed, retrying")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return wrapHostError(lastErr)
}

// classify decides whether an error retries and how long to wait first.
func classify(resp *github.Response, err error, attempt int) (time.Duration, bool) {
	var rateErr *github.RateLimitError
	if errors.As(err, &rateErr) {
		return time.Until(rateErr.Rate.Reset.Time), true
	}
	var abuseErr *github.AbuseRateLimitError
	if errors.As(err, &abuseErr) {
		if abuseErr.RetryAfter != nil {
			return *abuseErr.RetryAfter, true
		}
		return backoff(attempt), true
	}

	if resp != nil {
		switch {
		case resp.StatusCode == 429, resp.StatusCode == 408:
			return backoff(attempt), true
		case resp.StatusCode >= 500:
			return backoff(attempt), true
		case resp.StatusCode >= 400:
			return 0, false
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return backoff(attempt), true
	}
	return 0, false
}

func backoff(attempt int) time.Duration {
	d := retryBase << uint(attempt-1)
	if d > retryCap {
		d = retryCap
	}
	// Full jitter.
	return time.Duration(rand.Int63n(int64(d)) + int64(retryBase)/2)
}

// wrapHostError maps a final host error onto the error taxonomy.
func wrapHostError(err error) error {
	if err == nil {
		return nil
	}

	var rateErr *github.RateLimitError
	if errors.As(err, &rateErr) {
		return apperrors.RateLimited(rateErr.Rate.Reset.Time, err)
	}

	var respErr *github.ErrorResponse
	if errors.As(err, &respErr) && respErr.Response != nil {
		switch code := respErr.Response.StatusCode; {
		case code == 401 || code == 403:
			return apperrors.Wrap(apperrors.KindAuthFailure, err, "host rejected credentials")
		case code == 410:
			return apperrors.Wrap(apperrors.KindArtifactExpired, err, "resource no longer available")
		case code >= 500:
			return apperrors.Wrap(apperrors.KindUpstreamUnavailable, err, "host error")
		case code >= 400:
			return apperrors.Wrap(apperrors.KindBadRequest, err, "host rejected request")
		}
	}
	return apperrors.Wrap(apperrors.KindUpstreamUnavailable, err, "host unreachable")
}
