package worker_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"cauldron/internal/config"
	"cauldron/internal/db"
	"cauldron/internal/domain"
	"cauldron/internal/engine"
	"cauldron/internal/faults"
	"cauldron/internal/forge"
	"cauldron/internal/migrate"
	"cauldron/internal/registry"
	"cauldron/internal/worker"
)

type fakeCoord struct {
	mu        sync.Mutex
	leases    []*domain.Lease
	reports   map[string]domain.Report
	logs      bytes.Buffer
	heartbeat error
}

func (f *fakeCoord) LeaseNext(ctx context.Context, workerID string, kinds []domain.Kind) (*domain.Lease, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.leases) == 0 {
		return nil, nil
	}
	l := f.leases[0]
	f.leases = f.leases[1:]
	return l, nil
}

func (f *fakeCoord) Heartbeat(ctx context.Context, jobID, workerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.heartbeat
}

func (f *fakeCoord) Complete(ctx context.Context, jobID, workerID string, rep domain.Report) (engine.Completion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reports == nil {
		f.reports = map[string]domain.Report{}
	}
	f.reports[jobID] = rep
	return engine.Completion{State: domain.StateDone}, nil
}

func (f *fakeCoord) AppendLog(ctx context.Context, jobID string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs.Write(data)
	return nil
}

func (f *fakeCoord) ReportRateLimit(ctx context.Context, tokenID int64, until time.Time) error {
	return nil
}

func lease(kind domain.Kind) *domain.Lease {
	return &domain.Lease{
		Job:       domain.Job{ID: "job-1"},
		Intention: domain.Intention{ID: 7, Kind: kind, Backend: domain.BackendGitHub},
		Token:     &domain.LeasedToken{ID: 3, Backend: "github", Secret: "s3cr3t"},
	}
}

func TestRunOnceReportsRunnerResult(t *testing.T) {
	coord := &fakeCoord{leases: []*domain.Lease{lease(domain.KindRawFetch)}}
	w := &worker.Worker{
		ID:    "w1",
		Coord: coord,
		Runners: map[domain.Kind]worker.Runner{
			domain.KindRawFetch: worker.RunnerFunc(func(ctx context.Context, l *domain.Lease, log io.Writer) domain.Report {
				io.WriteString(log, "fetched 12 commits\n")
				return domain.Report{Result: domain.ResultRateLimited, Until: time.Unix(1700000000, 0)}
			}),
		},
	}
	ran, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	require.True(t, ran)
	rep := coord.reports["job-1"]
	require.Equal(t, domain.ResultRateLimited, rep.Result)
	require.Equal(t, int64(3), rep.TokenID)
	require.Equal(t, "fetched 12 commits\n", coord.logs.String())

	ran, err = w.RunOnce(context.Background())
	require.NoError(t, err)
	require.False(t, ran)
}

func TestLostJobIsNotCompleted(t *testing.T) {
	coord := &fakeCoord{
		leases:    []*domain.Lease{lease(domain.KindRawFetch)},
		heartbeat: faults.New(faults.CoordinatorConflict, "job job-1 is no longer live"),
	}
	w := &worker.Worker{
		ID:        "w1",
		Coord:     coord,
		Heartbeat: 5 * time.Millisecond,
		Runners: map[domain.Kind]worker.Runner{
			domain.KindRawFetch: worker.RunnerFunc(func(ctx context.Context, l *domain.Lease, log io.Writer) domain.Report {
				<-ctx.Done()
				return domain.Report{Result: domain.ResultRetryable}
			}),
		},
	}
	ran, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	require.True(t, ran)
	require.Empty(t, coord.reports)
}

func TestCommandRunnerExitCodes(t *testing.T) {
	cases := []struct {
		name   string
		script string
		want   domain.Result
	}{
		{"success", "echo cloning; echo OUTPUT exports/p1.csv", domain.ResultSuccess},
		{"retryable", "echo upstream 502 >&2; exit 75", domain.ResultRetryable},
		{"fatal", "exit 3", domain.ResultFatal},
		{"rate limited", "echo RATE_LIMITED 1700000000; exit 1", domain.ResultRateLimited},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var log bytes.Buffer
			r := worker.CommandRunner{Argv: []string{"/bin/sh", "-c", tc.script}}
			rep := r.Run(context.Background(), lease(domain.KindRawFetch), &log)
			require.Equal(t, tc.want, rep.Result)
			switch tc.want {
			case domain.ResultSuccess:
				require.Equal(t, "exports/p1.csv", rep.Output)
				require.Contains(t, log.String(), "cloning")
			case domain.ResultRateLimited:
				require.Equal(t, int64(3), rep.TokenID)
				require.True(t, rep.Until.Equal(time.Unix(1700000000, 0)))
			case domain.ResultRetryable:
				require.Contains(t, log.String(), "upstream 502")
			}
		})
	}
}

func TestCommandRunnerSeesJobEnvironment(t *testing.T) {
	var log bytes.Buffer
	l := lease(domain.KindEnrichFetch)
	l.Repository = &domain.Repository{URL: "https://github.com/chaoss/grimoirelab", Identity: "chaoss/grimoirelab"}
	r := worker.CommandRunner{Argv: []string{"/bin/sh", "-c", `echo "$CAULDRON_KIND $CAULDRON_REPO_URL $CAULDRON_TOKEN"`}}
	rep := r.Run(context.Background(), l, &log)
	require.Equal(t, domain.ResultSuccess, rep.Result)
	require.Equal(t, "enrich_fetch https://github.com/chaoss/grimoirelab s3cr3t\n", log.String())
}

type listerFunc func(ctx context.Context, instance, owner, token string) ([]domain.DiscoveredSource, error)

func (f listerFunc) ListOwner(ctx context.Context, instance, owner, token string) ([]domain.DiscoveredSource, error) {
	return f(ctx, instance, owner, token)
}

func TestOwnerRunner(t *testing.T) {
	l := lease(domain.KindAddOwner)
	l.Intention.Payload = domain.Payload{Owner: "acme", Input: "acme"}
	var gotToken string
	r := worker.OwnerRunner{
		Listers: map[domain.Backend]registry.Lister{
			domain.BackendGitHub: listerFunc(func(ctx context.Context, instance, owner, token string) ([]domain.DiscoveredSource, error) {
				gotToken = token
				return []domain.DiscoveredSource{
					{Owner: "acme", Name: "one"},
					{Owner: "acme", Name: "two"},
					{Owner: "acme", Name: "fork", Fork: true},
				}, nil
			}),
		},
		Budget: time.Second,
	}
	var log bytes.Buffer
	rep := r.Run(context.Background(), l, &log)
	require.Equal(t, domain.ResultSuccess, rep.Result)
	require.Equal(t, "s3cr3t", gotToken)
	require.Len(t, rep.Found, 2)

	until := time.Date(2024, 3, 1, 13, 0, 0, 0, time.UTC)
	r.Listers[domain.BackendGitHub] = listerFunc(func(ctx context.Context, instance, owner, token string) ([]domain.DiscoveredSource, error) {
		return nil, &forge.RateLimitError{Until: until}
	})
	rep = r.Run(context.Background(), l, &log)
	require.Equal(t, domain.ResultRateLimited, rep.Result)
	require.Equal(t, int64(3), rep.TokenID)
	require.True(t, rep.Until.Equal(until))

	r.Listers[domain.BackendGitHub] = listerFunc(func(ctx context.Context, instance, owner, token string) ([]domain.DiscoveredSource, error) {
		return nil, faults.Wrap(faults.ProviderTransient, errors.New("502"), "GET /users/acme/repos")
	})
	rep = r.Run(context.Background(), l, &log)
	require.Equal(t, domain.ResultRetryable, rep.Result)
}

func TestWorkerAgainstEngine(t *testing.T) {
	conn, err := db.Open(db.Config{Path: filepath.Join(t.TempDir(), "cauldron.db")})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	cfg := config.Default()
	cfg.Logs.Root = t.TempDir()
	e := engine.New(conn, cfg, nil, zap.NewNop())
	ctx := context.Background()

	u, err := e.CreateUser(ctx, "alice", false)
	require.NoError(t, err)
	p, err := e.CreateProject(ctx, u.ID, "P1")
	require.NoError(t, err)
	_, err = e.AddRepoToProject(ctx, engine.AddRepoOptions{ProjectID: p.ID, UserID: u.ID, Backend: domain.BackendGit, Input: "https://example.org/r.git"})
	require.NoError(t, err)

	ok := worker.RunnerFunc(func(ctx context.Context, l *domain.Lease, log io.Writer) domain.Report {
		io.WriteString(log, "ok\n")
		return domain.Report{Result: domain.ResultSuccess}
	})
	w := &worker.Worker{ID: "w1", Coord: e, Runners: map[domain.Kind]worker.Runner{
		domain.KindRawFetch: ok, domain.KindEnrichFetch: ok,
	}}
	for i := 0; i < 2; i++ {
		ran, err := w.RunOnce(ctx)
		require.NoError(t, err)
		require.True(t, ran)
	}
	ran, err := w.RunOnce(ctx)
	require.NoError(t, err)
	require.False(t, ran)

	sum, err := e.ProjectStatus(ctx, u.ID, p.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusAnalyzed, sum.Status)
}
