package githubapp

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// testInstallationClient points a client at srv with a pre-seeded
// installation token, so no app-level API traffic happens.
func testInstallationClient(t *testing.T, srv *httptest.Server) *InstallationClient {
	t.Helper()

	ts := &tokenSource{
		appID: 1,
		tokens: map[int64]cachedToken{
			42: {token: "ghs_test", expiry: time.Now().Add(time.Hour)},
		},
	}
	c := &Client{
		tokens:     ts,
		accountant: NewAccountant(20),
		breakers:   newBreakerSet(),
		baseURL:    srv.URL,
		timeout:    5 * time.Second,
	}
	return c.ForInstallation(42, PriorityCritical)
}

func TestInstallationClient_ListArtifacts(t *testing.T) {
	var gotPath, gotQuery, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		gotAuth = r.Header.Get("Authorization")

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"total_count": 2,
			"artifacts": []map[string]any{
				{"id": 11, "name": "junit-reports", "expired": false},
				{"id": 12, "name": "coverage", "expired": true},
			},
		})
	}))
	defer srv.Close()

	ic := testInstallationClient(t, srv)
	artifacts, err := ic.ListArtifacts(context.Background(), "acme", "widgets", 9)
	require.NoError(t, err)

	require.Len(t, artifacts, 2)
	require.Equal(t, "junit-reports", artifacts[0].GetName())
	require.Equal(t, int64(11), artifacts[0].GetID())
	require.True(t, artifacts[1].GetExpired())

	require.Equal(t, "/api/v3/repos/acme/widgets/actions/runs/9/artifacts", gotPath)
	require.Contains(t, gotQuery, "per_page=100")
	require.Equal(t, "Bearer ghs_test", gotAuth)
}

func TestInstallationClient_DownloadArtifact(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("/api/v3/repos/acme/widgets/actions/artifacts/11/zip", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, srv.URL+"/blobs/11.zip", http.StatusFound)
	})
	mux.HandleFunc("/blobs/11.zip", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("zip-bytes"))
	})

	ic := testInstallationClient(t, srv)
	body, err := ic.DownloadArtifact(context.Background(), "acme", "widgets", 11)
	require.NoError(t, err)
	defer body.Close()

	data, err := io.ReadAll(body)
	require.NoError(t, err)
	require.Equal(t, "zip-bytes", string(data))
}
