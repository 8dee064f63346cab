package forge_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"cauldron/internal/faults"
	"cauldron/internal/forge"
)

func TestGitHubListOwnerPaginatesAndMarksForks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/users/acme/repos", r.URL.Path)
		require.Equal(t, "token secret", r.Header.Get("Authorization"))
		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		var repos []map[string]any
		if page == 1 {
			for i := 0; i < 100; i++ {
				repos = append(repos, map[string]any{"name": fmt.Sprintf("r%d", i), "fork": i == 7, "owner": map[string]string{"login": "acme"}})
			}
		} else {
			repos = append(repos, map[string]any{"name": "last", "fork": false, "owner": map[string]string{"login": "acme"}})
		}
		json.NewEncoder(w).Encode(repos)
	}))
	defer srv.Close()

	gh := forge.NewGitHub(srv.URL, srv.Client())
	got, err := gh.ListOwner(context.Background(), "", "acme", "secret")
	require.NoError(t, err)
	require.Len(t, got, 101)
	require.True(t, got[7].Fork)
	require.Equal(t, "last", got[100].Name)
}

func TestGitHubRateLimit(t *testing.T) {
	reset := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-RateLimit-Remaining", "0")
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(reset.Unix(), 10))
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	_, err := forge.NewGitHub(srv.URL, srv.Client()).ListOwner(context.Background(), "", "acme", "secret")
	until, ok := forge.RateLimitedUntil(err)
	require.True(t, ok)
	require.Equal(t, reset, until)
}

func TestGitHubErrorKinds(t *testing.T) {
	for status, kind := range map[int]faults.Kind{
		http.StatusNotFound:            faults.ProviderPermanent,
		http.StatusBadGateway:          faults.ProviderTransient,
		http.StatusUnauthorized:        faults.CredentialMissing,
		http.StatusUnprocessableEntity: faults.ProviderPermanent,
	} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		}))
		_, err := forge.NewGitHub(srv.URL, srv.Client()).ListOwner(context.Background(), "", "acme", "")
		srv.Close()
		require.Equal(t, kind, faults.KindOf(err), "status %d", status)
	}
}

type urls map[string]string

func (u urls) GitLabURL(slug string) (string, bool) {
	v, ok := u[slug]
	return v, ok
}

func TestGitLabWalksSubgroups(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v4/groups/gnome/projects", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]map[string]any{{"path_with_namespace": "gnome/gtk"}})
	})
	mux.HandleFunc("/api/v4/groups/gnome/subgroups", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]map[string]any{{"id": 42, "full_path": "gnome/apps"}})
	})
	mux.HandleFunc("/api/v4/groups/42/projects", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]map[string]any{
			{"path_with_namespace": "gnome/apps/maps"},
			{"path_with_namespace": "gnome/apps/fork", "forked_from_project": map[string]any{"id": 1}},
		})
	})
	mux.HandleFunc("/api/v4/groups/42/subgroups", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("[]"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	gl := forge.NewGitLab(urls{"gnome": srv.URL}, srv.Client())
	got, err := gl.ListOwner(context.Background(), "gnome", "gnome", "")
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.Equal(t, "apps/maps", got[1].Name)
	require.True(t, got[2].Fork)
	require.Equal(t, "gnome", got[2].Instance)
}

func TestGitLabPartialOnDeadline(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v4/groups/deep/projects", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]map[string]any{{"path_with_namespace": "deep/one"}})
	})
	mux.HandleFunc("/api/v4/groups/deep/subgroups", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	got, err := forge.NewGitLab(urls{"gitlab": srv.URL}, srv.Client()).ListOwner(ctx, "gitlab", "deep", "")
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Len(t, got, 1)
}
