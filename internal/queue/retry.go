package queue

import (
	"math/rand"
	"time"

	"github.com/flakeguard/flakeguard/internal/apperrors"
)

// Decision says whether a failed job retries and after how long.
type Decision struct {
	Retry bool
	Delay time.Duration
}

const (
	backoffBase = 2 * time.Second
	backoffCap  = 5 * time.Minute
)

// Decide maps a job error onto the retry policy for its class:
// validation errors never retry, rate limits wait for the reset, upstream
// errors back off, parse errors get one more attempt, everything else
// follows plain backoff.
func Decide(err error, attempt int) Decision {
	switch apperrors.KindOf(err) {
	case apperrors.KindBadRequest, apperrors.KindAuthFailure, apperrors.KindArtifactTooLarge:
		return Decision{Retry: false}

	case apperrors.KindArtifactExpired:
		// The artifact will not come back.
		return Decision{Retry: false}

	case apperrors.KindRateLimited:
		delay := backoff(attempt)
		if reset, ok := apperrors.RetryAfterOf(err); ok {
			if until := time.Until(reset); until > 0 {
				delay = until + time.Second
			}
		}
		return Decision{Retry: true, Delay: delay}

	case apperrors.KindParseError:
		return Decision{Retry: attempt < 2, Delay: backoff(attempt)}

	case apperrors.KindUpstreamUnavailable, apperrors.KindStoreConflict:
		return Decision{Retry: true, Delay: backoff(attempt)}

	default:
		return Decision{Retry: attempt < 2, Delay: backoff(attempt)}
	}
}

// backoff is exponential with full jitter.
func backoff(attempt int) time.Duration {
	d := backoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= backoffCap {
			d = backoffCap
			break
		}
	}
	return backoffBase/2 + time.Duration(rand.Int63n(int64(d)))
}
