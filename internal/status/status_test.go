package status_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"cauldron/internal/config"
	"cauldron/internal/db"
	"cauldron/internal/domain"
	"cauldron/internal/engine"
	"cauldron/internal/migrate"
	"cauldron/internal/registry"
	"cauldron/internal/repo"
	"cauldron/internal/status"
)

func TestFoldWorstCase(t *testing.T) {
	require.Equal(t, domain.StatusAnalyzed, status.Fold(nil))
	require.Equal(t, domain.StatusInProgress, status.Fold([]domain.RepoStatus{domain.StatusAnalyzed, domain.StatusInProgress}))
	require.Equal(t, domain.StatusPending, status.Fold([]domain.RepoStatus{domain.StatusInProgress, domain.StatusPending, domain.StatusAnalyzed}))
	require.Equal(t, domain.StatusError, status.Fold([]domain.RepoStatus{domain.StatusPending, domain.StatusError}))
}

func TestOutdated(t *testing.T) {
	now := time.Date(2024, 5, 10, 0, 0, 0, 0, time.UTC)
	window := 120 * time.Hour
	require.False(t, status.Outdated(nil, now, window))
	recent := now.Add(-119 * time.Hour)
	require.False(t, status.Outdated(&recent, now, window))
	exact := now.Add(-window)
	require.False(t, status.Outdated(&exact, now, window))
	old := now.Add(-121 * time.Hour)
	require.True(t, status.Outdated(&old, now, window))
}

func TestRepoStatusFollowsLifecycle(t *testing.T) {
	conn, err := db.Open(db.Config{Path: filepath.Join(t.TempDir(), "status.db")})
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, migrate.Migrate(conn))
	cfg := config.Default()
	cfg.Logs.Root = t.TempDir()
	e := engine.New(conn, cfg, nil, zap.NewNop())
	ctx := context.Background()
	agg := status.Aggregator{Repo: e.Repo}

	u, err := e.CreateUser(ctx, "alice", false)
	require.NoError(t, err)
	p, err := e.CreateProject(ctx, u.ID, "P1")
	require.NoError(t, err)
	res, err := e.AddRepoToProject(ctx, engine.AddRepoOptions{ProjectID: p.ID, UserID: u.ID, Backend: domain.BackendGit, Input: "https://example.org/r.git"})
	require.NoError(t, err)

	classify := func() domain.RepoStatus {
		rp, err := e.Repo.GetRepository(ctx, res.Repository.ID)
		require.NoError(t, err)
		st, err := agg.RepoStatus(ctx, conn, rp)
		require.NoError(t, err)
		return st
	}
	run := func(rep domain.Report) {
		l, err := e.LeaseNext(ctx, "w1", nil)
		require.NoError(t, err)
		require.NotNil(t, l)
		require.Equal(t, domain.StatusInProgress, classify())
		_, err = e.Complete(ctx, l.Job.ID, "w1", rep)
		require.NoError(t, err)
	}
	ok := domain.Report{Result: domain.ResultSuccess}

	require.Equal(t, domain.StatusPending, classify())
	run(ok)
	require.Equal(t, domain.StatusPending, classify())
	run(ok)
	require.Equal(t, domain.StatusAnalyzed, classify())

	_, err = e.RefreshProject(ctx, u.ID, p.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusPending, classify())
	run(domain.Report{Result: domain.ResultFatal, Message: "not a repository"})
	require.Equal(t, domain.StatusError, classify())
}

func TestRepoStatusNeverFetchedIsError(t *testing.T) {
	conn, err := db.Open(db.Config{Path: filepath.Join(t.TempDir(), "status.db")})
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, migrate.Migrate(conn))
	r := repo.Repo{DB: conn}
	ctx := context.Background()

	src, err := registry.Parse(domain.BackendGit, "https://example.org/idle.git", "", nil)
	require.NoError(t, err)
	tx, err := conn.BeginTx(ctx, nil)
	require.NoError(t, err)
	rp, _, err := registry.GetOrCreate(ctx, r, tx, src, time.Now())
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	st, err := status.Aggregator{Repo: r}.RepoStatus(ctx, conn, rp)
	require.NoError(t, err)
	require.Equal(t, domain.StatusError, st)
}
