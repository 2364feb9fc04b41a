// Package githubapp wraps the GitHub REST API for a GitHub App
// installation: JWT minting, installation token caching, rate-budget
// accounting, retries and circuit breaking.
package githubapp

import (
	"context"
	"crypto/rsa"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/flakeguard/flakeguard/internal/apperrors"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/go-github/v62/github"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// tokenSlack refreshes tokens a minute before GitHub expires them.
const tokenSlack = 60 * time.Second

// appJWTTTL is the lifetime of a minted app JWT. GitHub caps it at 10
// minutes.
const appJWTTTL = 10 * time.Minute

type cachedToken struct {
	token  string
	expiry time.Time
}

func (t cachedToken) fresh(now time.Time) bool {
	return t.token != "" && now.Before(t.expiry.Add(-tokenSlack))
}

// tokenSource mints app JWTs and exchanges them for installation tokens,
// caching each installation's token until shortly before expiry.
type tokenSource struct {
	appID      int64
	privateKey *rsa.PrivateKey
	apps       *github.AppsService

	mu     sync.Mutex
	tokens map[int64]cachedToken
	group  singleflight.Group
}

// newTokenSource parses the app's private key. The apps service is wired in
// afterwards because the app-level client itself authenticates through this
// source.
func newTokenSource(appID int64, privateKeyFile string) (*tokenSource, error) {
	pem, err := os.ReadFile(privateKeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key: %w", err)
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(pem)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return &tokenSource{
		appID:      appID,
		privateKey: key,
		tokens:     make(map[int64]cachedToken),
	}, nil
}

// appJWT mints a short-lived RS256 JWT identifying the app itself. The
// issued-at claim is backdated 60s to absorb clock skew.
func (ts *tokenSource) appJWT(now time.Time) (string, error) {
	claims := jwt.RegisteredClaims{
		Issuer:    strconv.FormatInt(ts.appID, 10),
		IssuedAt:  jwt.NewNumericDate(now.Add(-60 * time.Second)),
		ExpiresAt: jwt.NewNumericDate(now.Add(appJWTTTL)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(ts.privateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign app JWT: %w", err)
	}
	return signed, nil
}

// InstallationToken returns a valid token for the installation, refreshing
// under a single-flight lock when the cached one is near expiry.
func (ts *tokenSource) InstallationToken(ctx context.Context, installation int64) (string, error) {
	now := time.Now()

	ts.mu.Lock()
	cached, ok := ts.tokens[installation]
	ts.mu.Unlock()
	if ok && cached.fresh(now) {
		return cached.token, nil
	}

	v, err, _ := ts.group.Do(strconv.FormatInt(installation, 10), func() (interface{}, error) {
		// A concurrent caller may have refreshed while we queued.
		ts.mu.Lock()
		cached, ok := ts.tokens[installation]
		ts.mu.Unlock()
		if ok && cached.fresh(time.Now()) {
			return cached.token, nil
		}
		return ts.refresh(ctx, installation)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (ts *tokenSource) refresh(ctx context.Context, installation int64) (string, error) {
	token, resp, err := ts.apps.CreateInstallationToken(ctx, installation, nil)
	if err != nil {
		if resp != nil && resp.StatusCode == 401 {
			return "", apperrors.Wrap(apperrors.KindAuthFailure, err, "app credentials rejected")
		}
		return "", apperrors.Wrap(apperrors.KindUpstreamUnavailable, err, "failed to create installation token")
	}

	cached := cachedToken{token: token.GetToken(), expiry: token.GetExpiresAt().Time}
	ts.mu.Lock()
	ts.tokens[installation] = cached
	ts.mu.Unlock()

	log.Debug().
		Int64("installation", installation).
		Time("expires_at", cached.expiry).
		Msg("Installation token refreshed")
	return cached.token, nil
}

// Invalidate drops a cached token, forcing the next call to refresh.
func (ts *tokenSource) Invalidate(installation int64) {
	ts.mu.Lock()
	delete(ts.tokens, installation)
	ts.mu.Unlock()
}
