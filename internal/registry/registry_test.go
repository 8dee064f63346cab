package registry_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"cauldron/internal/db"
	"cauldron/internal/domain"
	"cauldron/internal/faults"
	"cauldron/internal/forge"
	"cauldron/internal/migrate"
	"cauldron/internal/registry"
	"cauldron/internal/repo"
)

type instances map[string]string

func (i instances) GitLabURL(slug string) (string, bool) {
	u, ok := i[slug]
	return u, ok
}

var gl = instances{"gitlab": "https://gitlab.com", "gnome": "https://gitlab.gnome.org"}

func TestParseGitHubForms(t *testing.T) {
	cases := map[string]registry.Source{
		"chaoss":                                 {Backend: domain.BackendGitHub, Owner: "chaoss", URL: "https://github.com/chaoss", OwnerOnly: true},
		"chaoss/grimoirelab":                     {Backend: domain.BackendGitHub, Owner: "chaoss", Name: "grimoirelab", URL: "https://github.com/chaoss/grimoirelab"},
		"https://github.com/chaoss":              {Backend: domain.BackendGitHub, Owner: "chaoss", URL: "https://github.com/chaoss", OwnerOnly: true},
		"https://github.com/chaoss/grimoirelab/": {Backend: domain.BackendGitHub, Owner: "chaoss", Name: "grimoirelab", URL: "https://github.com/chaoss/grimoirelab"},
		"https://github.com/chaoss/grimoirelab.git": {
			Backend: domain.BackendGitHub, Owner: "chaoss", Name: "grimoirelab", URL: "https://github.com/chaoss/grimoirelab",
		},
	}
	for in, want := range cases {
		got, err := registry.Parse(domain.BackendGitHub, in, "", gl)
		require.NoError(t, err, in)
		require.Equal(t, want, got, in)
	}
}

func TestParseRejectsBadInput(t *testing.T) {
	bad := []struct {
		backend domain.Backend
		input   string
	}{
		{domain.BackendGit, "not a url"},
		{domain.BackendGit, "/local/path"},
		{domain.BackendGitHub, "a/b/c"},
		{domain.BackendGitHub, "https://gitlab.com/a/b"},
		{domain.BackendGitHub, "bad owner"},
		{domain.BackendGitLab, "https://github.com/a/b"},
		{domain.BackendMeetup, "has space"},
		{domain.BackendStackExchange, "stackoverflow"},
		{domain.BackendStackExchange, "stackoverflow: ,;"},
		{domain.BackendTwitter, "whatever"},
	}
	for _, c := range bad {
		_, err := registry.Parse(c.backend, c.input, "", gl)
		require.Error(t, err, "%s %q", c.backend, c.input)
		require.Equal(t, faults.InputParse, faults.KindOf(err))
	}
	_, err := registry.Parse(domain.BackendGitLab, "group/repo", "nowhere", gl)
	require.Equal(t, faults.InputParse, faults.KindOf(err))
}

func TestParseGitLabSubgroups(t *testing.T) {
	s, err := registry.Parse(domain.BackendGitLab, "https://gitlab.gnome.org/GNOME/sub/gtk.git", "gnome", gl)
	require.NoError(t, err)
	require.Equal(t, "GNOME", s.Owner)
	require.Equal(t, "sub/gtk", s.Name)
	require.Equal(t, "gnome/GNOME/sub/gtk", s.Identity())
	require.Equal(t, "https://gitlab.gnome.org/GNOME/sub/gtk", s.URL)
	require.Equal(t, "gnome", s.Repository().Credential())
}

func TestParseRenderRoundTrip(t *testing.T) {
	inputs := []struct {
		backend  domain.Backend
		input    string
		instance string
	}{
		{domain.BackendGit, "https://example.org/r.git", ""},
		{domain.BackendGitHub, "https://github.com/chaoss/grimoirelab.git", ""},
		{domain.BackendGitHub, "https://github.com/chaoss/", ""},
		{domain.BackendGitLab, "https://gitlab.com/inkscape/extras/inkscape-docs", "gitlab"},
		{domain.BackendGitLab, "inkscape", "gitlab"},
		{domain.BackendMeetup, "https://www.meetup.com/GoBCN/", ""},
		{domain.BackendStackExchange, "StackOverflow.com: Go, sqlite/go;;", ""},
	}
	for _, in := range inputs {
		first, err := registry.Parse(in.backend, in.input, in.instance, gl)
		require.NoError(t, err, in.input)
		second, err := registry.Parse(first.Backend, registry.Render(first), first.Instance, gl)
		require.NoError(t, err, in.input)
		require.Equal(t, first, second, in.input)
	}
}

func TestNormalizeTagsIdempotent(t *testing.T) {
	for _, raw := range []string{"go, SQLite", "b;a a/b", " x ,, y ;/ z ", "single"} {
		once := registry.NormalizeTags(raw)
		require.Equal(t, once, registry.NormalizeTags(once), raw)
	}
	require.Equal(t, "a;b", registry.NormalizeTags("b;a a/b"))
	require.Equal(t, "go;sqlite", registry.NormalizeTags("go, SQLite"))
}

func TestGetOrCreateIdempotent(t *testing.T) {
	conn, err := db.Open(db.Config{Path: filepath.Join(t.TempDir(), "reg.db")})
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, migrate.Migrate(conn))
	r := repo.Repo{DB: conn}
	ctx := context.Background()
	src, err := registry.Parse(domain.BackendGit, "https://example.org/r.git", "", gl)
	require.NoError(t, err)

	var wg sync.WaitGroup
	ids := make([]int64, 4)
	created := make([]bool, 4)
	errs := make([]error, 4)
	for n := range ids {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			errs[n] = func() error {
				tx, err := conn.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				rp, c, err := registry.GetOrCreate(ctx, r, tx, src, time.Now())
				if err != nil {
					return err
				}
				ids[n], created[n] = rp.ID, c
				return tx.Commit()
			}()
		}(n)
	}
	wg.Wait()
	createdCount := 0
	for n := range ids {
		require.NoError(t, errs[n])
		require.Equal(t, ids[0], ids[n])
		if created[n] {
			createdCount++
		}
	}
	require.Equal(t, 1, createdCount)

	var shadows int
	require.NoError(t, conn.QueryRow(`SELECT count(*) FROM repository_shadows`).Scan(&shadows))
	require.Equal(t, 1, shadows)
}

type fakeLister struct {
	found []domain.DiscoveredSource
	block bool
}

func (f fakeLister) ListOwner(ctx context.Context, instance, owner, token string) ([]domain.DiscoveredSource, error) {
	if f.block {
		<-ctx.Done()
		return f.found, ctx.Err()
	}
	return f.found, nil
}

func TestExpandDropsForks(t *testing.T) {
	src, err := registry.Parse(domain.BackendGitHub, "acme", "", gl)
	require.NoError(t, err)
	l := fakeLister{found: []domain.DiscoveredSource{
		{Owner: "acme", Name: "one"},
		{Owner: "acme", Name: "two"},
		{Owner: "acme", Name: "fork", Fork: true},
	}}
	got, err := registry.Expand(context.Background(), l, src, "tok", false, time.Second)
	require.NoError(t, err)
	require.Len(t, got, 2)
	for _, ds := range got {
		require.False(t, ds.Fork)
		require.Equal(t, domain.BackendGitHub, ds.Backend)
	}
	got, err = registry.Expand(context.Background(), l, src, "tok", true, time.Second)
	require.NoError(t, err)
	require.Len(t, got, 3)
}

func TestExpandReturnsPartialOnBudget(t *testing.T) {
	src, err := registry.Parse(domain.BackendGitLab, "gnome", "gnome", gl)
	require.NoError(t, err)
	l := fakeLister{block: true, found: []domain.DiscoveredSource{{Owner: "gnome", Name: "gtk"}}}
	start := time.Now()
	got, err := registry.Expand(context.Background(), l, src, "", false, 50*time.Millisecond)
	require.NoError(t, err)
	require.Less(t, time.Since(start), 2*time.Second)
	require.Len(t, got, 1)
	require.Equal(t, "gnome", got[0].Instance)

	s, err := registry.FromDiscovered(got[0], gl)
	require.NoError(t, err)
	require.Equal(t, "gnome/gnome/gtk", s.Identity())
}

func TestGitHubIdentityIgnoresCase(t *testing.T) {
	conn, err := db.Open(db.Config{Path: filepath.Join(t.TempDir(), "reg.db")})
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, migrate.Migrate(conn))
	r := repo.Repo{DB: conn}
	ctx := context.Background()

	upper, err := registry.Parse(domain.BackendGitHub, "Acme/Repo", "", gl)
	require.NoError(t, err)
	lower, err := registry.Parse(domain.BackendGitHub, "https://github.com/acme/repo.git", "", gl)
	require.NoError(t, err)
	require.Equal(t, "acme/repo", upper.Identity())
	require.Equal(t, upper.Identity(), lower.Identity())
	require.Equal(t, "https://github.com/Acme/Repo", upper.URL)

	getOrCreate := func(src registry.Source) (domain.Repository, bool) {
		tx, err := conn.BeginTx(ctx, nil)
		require.NoError(t, err)
		defer tx.Rollback()
		rp, created, err := registry.GetOrCreate(ctx, r, tx, src, time.Now())
		require.NoError(t, err)
		require.NoError(t, tx.Commit())
		return rp, created
	}
	first, created := getOrCreate(upper)
	require.True(t, created)
	second, created := getOrCreate(lower)
	require.False(t, created)
	require.Equal(t, first.ID, second.ID)
	require.Equal(t, "https://github.com/Acme/Repo", second.URL)
}

func TestExpandBudgetBoundsWholeGroupWalk(t *testing.T) {
	// Every group has one more sub-group, so only a budget on the whole walk
	// can end it.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		group, what, _ := strings.Cut(strings.TrimPrefix(r.URL.Path, "/api/v4/groups/"), "/")
		switch what {
		case "projects":
			json.NewEncoder(w).Encode([]map[string]any{{"path_with_namespace": "deep/p" + group}})
		case "subgroups":
			n, _ := strconv.Atoi(group)
			json.NewEncoder(w).Encode([]map[string]any{{"id": n + 1}})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()
	local := instances{"local": srv.URL}

	src, err := registry.Parse(domain.BackendGitLab, "deep", "local", local)
	require.NoError(t, err)
	start := time.Now()
	got, err := registry.Expand(context.Background(), forge.NewGitLab(local, srv.Client()), src, "", false, 400*time.Millisecond)
	require.NoError(t, err)
	require.Less(t, time.Since(start), 2*time.Second)
	require.GreaterOrEqual(t, len(got), 2)
	require.Equal(t, "pdeep", got[0].Name)
}
