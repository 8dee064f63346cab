package engine_test

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"cauldron/internal/config"
	"cauldron/internal/db"
	"cauldron/internal/domain"
	"cauldron/internal/engine"
	"cauldron/internal/engine/auth"
	"cauldron/internal/faults"
	"cauldron/internal/migrate"
	"cauldron/internal/provision"
	"cauldron/internal/provision/provisiontest"
	"cauldron/internal/repo"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type clock struct{ now time.Time }

func (c *clock) Now() time.Time          { return c.now }
func (c *clock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type harness struct {
	e     engine.Engine
	fake  *provisiontest.Server
	clock *clock
	ctx   context.Context
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	conn, err := db.Open(db.Config{Path: filepath.Join(t.TempDir(), "cauldron.db")})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	cfg := config.Default()
	cfg.Logs.Root = t.TempDir()
	cfg.Features.AutoRefresh = true
	cfg.Features.IdentityMerger = true

	fake := provisiontest.NewServer()
	t.Cleanup(fake.Close)
	prov := provision.New(fake.Cluster(), ".kibana", 2, time.Millisecond, zap.NewNop())

	c := &clock{now: t0}
	e := engine.New(conn, cfg, prov, zap.NewNop())
	e.Now = c.Now
	return &harness{e: e, fake: fake, clock: c, ctx: context.Background()}
}

func (h *harness) user(t *testing.T, name string) domain.User {
	t.Helper()
	u, err := h.e.CreateUser(h.ctx, name, false)
	require.NoError(t, err)
	return u
}

func (h *harness) project(t *testing.T, userID int64, name string) domain.Project {
	t.Helper()
	p, err := h.e.CreateProject(h.ctx, userID, name)
	require.NoError(t, err)
	return p
}

func (h *harness) add(t *testing.T, p domain.Project, userID int64, backend domain.Backend, input string) engine.AddRepoResult {
	t.Helper()
	res, err := h.e.AddRepoToProject(h.ctx, engine.AddRepoOptions{ProjectID: p.ID, UserID: userID, Backend: backend, Input: input})
	require.NoError(t, err)
	return res
}

func (h *harness) lease(t *testing.T, kinds ...domain.Kind) *domain.Lease {
	t.Helper()
	l, err := h.e.LeaseNext(h.ctx, "w1", kinds)
	require.NoError(t, err)
	require.NotNil(t, l)
	return l
}

func (h *harness) state(t *testing.T, id int64) engine.IntentionView {
	t.Helper()
	v, err := h.e.State(h.ctx, id)
	require.NoError(t, err)
	return v
}

func success() domain.Report { return domain.Report{Result: domain.ResultSuccess} }

func TestHappyPathSingleRepository(t *testing.T) {
	h := newHarness(t)
	u := h.user(t, "alice")
	p := h.project(t, u.ID, "P1")
	const url = "https://example.org/r.git"

	res := h.add(t, p, u.ID, domain.BackendGit, url)
	require.True(t, res.Created)
	require.Len(t, res.Intentions, 2)
	raw, enrich := res.Intentions[0], res.Intentions[1]
	require.Equal(t, domain.KindRawFetch, raw.Kind)
	require.Empty(t, raw.DependsOn)
	require.Equal(t, []int64{raw.ID}, enrich.DependsOn)
	require.Equal(t, domain.StateReady, h.state(t, raw.ID).State)
	require.Equal(t, domain.StateWaiting, h.state(t, enrich.ID).State)

	again := h.add(t, p, u.ID, domain.BackendGit, url)
	require.False(t, again.Created)
	require.Equal(t, res.Repository.ID, again.Repository.ID)
	require.Empty(t, again.Intentions)

	l := h.lease(t)
	require.Equal(t, raw.ID, l.Intention.ID)
	require.Nil(t, l.Token)
	done, err := h.e.Complete(h.ctx, l.Job.ID, "w1", success())
	require.NoError(t, err)
	require.Equal(t, domain.StateDone, done.State)
	require.Empty(t, done.Children)
	require.Equal(t, domain.StateReady, h.state(t, enrich.ID).State)

	l = h.lease(t)
	require.Equal(t, enrich.ID, l.Intention.ID)
	_, err = h.e.Complete(h.ctx, l.Job.ID, "w1", success())
	require.NoError(t, err)

	sum, err := h.e.ProjectStatus(h.ctx, u.ID, p.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusAnalyzed, sum.Status)
	require.NotNil(t, sum.LastRefresh)
	require.False(t, sum.Outdated)

	role := provision.ProjectRoleName(p.ID)
	require.Equal(t, []string{url}, h.fake.DLSTerms(role, "git"))
	require.Equal(t, []string{"0"}, h.fake.DLSTerms(role, "github"))

	got, err := h.e.Repo.GetProject(h.ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, domain.ProvisionReady, got.ProvisionState)
}

func TestRateLimitRequeuesWithoutRetry(t *testing.T) {
	h := newHarness(t)
	u := h.user(t, "alice")
	p := h.project(t, u.ID, "P1")
	tok, err := h.e.AddToken(h.ctx, u.ID, "github", "ghp_secret", "")
	require.NoError(t, err)
	res := h.add(t, p, u.ID, domain.BackendGitHub, "chaoss/grimoirelab")
	raw := res.Intentions[0]

	l := h.lease(t)
	require.Equal(t, raw.ID, l.Intention.ID)
	require.NotNil(t, l.Token)
	require.Equal(t, "ghp_secret", l.Token.Secret)

	until := t0.Add(30 * time.Minute)
	done, err := h.e.Complete(h.ctx, l.Job.ID, "w1", domain.Report{Result: domain.ResultRateLimited, TokenID: tok.ID, Until: until})
	require.NoError(t, err)
	require.Equal(t, domain.StateWaiting, done.State)

	v := h.state(t, raw.ID)
	require.Equal(t, domain.StateWaiting, v.State)
	require.Zero(t, v.Retries)
	stored, err := h.e.Repo.GetToken(h.ctx, tok.ID)
	require.NoError(t, err)
	require.True(t, stored.RateTime.Equal(until))

	none, err := h.e.LeaseNext(h.ctx, "w1", nil)
	require.NoError(t, err)
	require.Nil(t, none)

	h.clock.Advance(31 * time.Minute)
	require.Equal(t, domain.StateReady, h.state(t, raw.ID).State)
	require.Equal(t, raw.ID, h.lease(t).Intention.ID)
}

func TestRefreshSupersedesWhileRunning(t *testing.T) {
	h := newHarness(t)
	u := h.user(t, "alice")
	p := h.project(t, u.ID, "P1")
	res := h.add(t, p, u.ID, domain.BackendGit, "https://example.org/r.git")
	raw := res.Intentions[0]
	l := h.lease(t)

	ref, err := h.e.RefreshProject(h.ctx, u.ID, p.ID)
	require.NoError(t, err)
	require.Empty(t, ref.Created)
	require.Len(t, ref.Superseded, 1)
	a, err := h.e.Repo.GetArchived(h.ctx, ref.Superseded[0])
	require.NoError(t, err)
	require.Equal(t, domain.OutcomeSuperseded, a.Outcome)
	require.False(t, a.Latest)

	live, err := h.e.ListIntentions(h.ctx, repo.IntentionFilter{RepoID: res.Repository.ID, Kind: domain.KindRawFetch})
	require.NoError(t, err)
	require.Len(t, live, 1)
	require.Equal(t, raw.ID, live[0].ID)
	require.Equal(t, domain.StateRunning, live[0].State)

	done, err := h.e.Complete(h.ctx, l.Job.ID, "w1", success())
	require.NoError(t, err)
	require.Equal(t, domain.StateDone, done.State)
}

func TestRefreshLeavesPendingFetchAndRaisesPriority(t *testing.T) {
	h := newHarness(t)
	u := h.user(t, "alice")
	p := h.project(t, u.ID, "P1")
	res := h.add(t, p, u.ID, domain.BackendGit, "https://example.org/r.git")

	ref, err := h.e.RefreshProject(h.ctx, u.ID, p.ID)
	require.NoError(t, err)
	require.Empty(t, ref.Created)
	require.Equal(t, "already_pending", ref.Skipped[res.Repository.ID])

	it, err := h.e.Repo.GetIntention(h.ctx, res.Intentions[0].ID)
	require.NoError(t, err)
	require.Equal(t, domain.PriorityRefresh, it.Priority)

	meta := h.state(t, ref.Intention.ID)
	require.Equal(t, domain.StateDone, meta.State)
}

func TestDeleteProjectWithLiveJob(t *testing.T) {
	h := newHarness(t)
	u := h.user(t, "alice")
	p := h.project(t, u.ID, "P1")
	res := h.add(t, p, u.ID, domain.BackendGit, "https://example.org/r.git")
	raw, enrich := res.Intentions[0], res.Intentions[1]
	l := h.lease(t)
	role := provision.ProjectRoleName(p.ID)
	_, ok := h.fake.Mapping(role)
	require.True(t, ok)

	require.NoError(t, h.e.DeleteProject(h.ctx, u.ID, p.ID))

	_, ok = h.fake.Role(role)
	require.False(t, ok)
	_, ok = h.fake.Mapping(role)
	require.False(t, ok)
	var mappingAt, roleAt int
	for n, call := range h.fake.CallLog() {
		switch call {
		case "DELETE /_plugins/_security/api/rolesmapping/" + role:
			mappingAt = n
		case "DELETE /_plugins/_security/api/roles/" + role:
			roleAt = n
		}
	}
	require.Less(t, mappingAt, roleAt)

	_, err := h.e.Repo.GetProject(h.ctx, p.ID)
	require.ErrorIs(t, err, repo.ErrNotFound)
	_, err = h.e.State(h.ctx, enrich.ID)
	require.True(t, faults.Has(err, faults.NotFound))

	done, err := h.e.Complete(h.ctx, l.Job.ID, "w1", success())
	require.NoError(t, err)
	require.Equal(t, domain.StateSuperseded, done.State)
	require.Equal(t, domain.StateSuperseded, h.state(t, raw.ID).State)
}

func TestOwnerExpansionSkipsForks(t *testing.T) {
	h := newHarness(t)
	u := h.user(t, "alice")
	p := h.project(t, u.ID, "P1")
	_, err := h.e.AddToken(h.ctx, u.ID, "github", "ghp_secret", "")
	require.NoError(t, err)

	res := h.add(t, p, u.ID, domain.BackendGitHub, "acme")
	require.Nil(t, res.Repository)
	require.Len(t, res.Intentions, 1)
	require.Equal(t, domain.KindAddOwner, res.Intentions[0].Kind)
	require.Equal(t, "acme", res.Intentions[0].Payload.Owner)

	l := h.lease(t, domain.KindAddOwner)
	done, err := h.e.Complete(h.ctx, l.Job.ID, "w1", domain.Report{
		Result: domain.ResultSuccess,
		Found: []domain.DiscoveredSource{
			{Owner: "acme", Name: "one"},
			{Owner: "acme", Name: "two"},
			{Owner: "acme", Name: "fork", Fork: true},
		},
	})
	require.NoError(t, err)
	var raws int
	for _, c := range done.Children {
		if c.Kind == domain.KindRawFetch {
			raws++
		}
	}
	require.Equal(t, 2, raws)

	repos, err := h.e.ProjectRepositories(h.ctx, u.ID, p.ID)
	require.NoError(t, err)
	require.Len(t, repos, 2)
	for _, rp := range repos {
		require.NotEqual(t, "fork", rp.Name)
	}
}

func TestAddRequiresCredential(t *testing.T) {
	h := newHarness(t)
	u := h.user(t, "alice")
	p := h.project(t, u.ID, "P1")

	_, err := h.e.AddRepoToProject(h.ctx, engine.AddRepoOptions{ProjectID: p.ID, UserID: u.ID, Backend: domain.BackendGitHub, Input: "chaoss/grimoirelab"})
	require.True(t, faults.Has(err, faults.CredentialMissing))

	_, err = h.e.AddRepoToProject(h.ctx, engine.AddRepoOptions{ProjectID: p.ID, UserID: u.ID, Backend: domain.BackendGit, Input: "not a url"})
	require.True(t, faults.Has(err, faults.InputParse))

	its, err := h.e.ListIntentions(h.ctx, repo.IntentionFilter{ProjectID: p.ID})
	require.NoError(t, err)
	require.Empty(t, its)
}

func TestOtherUsersCannotTouchProject(t *testing.T) {
	h := newHarness(t)
	alice := h.user(t, "alice")
	bob := h.user(t, "bob")
	p := h.project(t, alice.ID, "P1")

	_, err := h.e.RefreshProject(h.ctx, bob.ID, p.ID)
	require.True(t, faults.Has(err, faults.Forbidden))
	require.NoError(t, h.e.UpgradeUserToAdmin(h.ctx, auth.System, bob.ID))
	_, err = h.e.RefreshProject(h.ctx, bob.ID, p.ID)
	require.NoError(t, err)

	m, ok := h.fake.Mapping(provision.AllAccessRole)
	require.True(t, ok)
	require.Contains(t, m.BackendRoles, provision.AdminBackendRole(bob.ID))
}

func TestRetriesExhaustedFailDependents(t *testing.T) {
	h := newHarness(t)
	u := h.user(t, "alice")
	p := h.project(t, u.ID, "P1")
	res := h.add(t, p, u.ID, domain.BackendGit, "https://example.org/r.git")
	raw, enrich := res.Intentions[0], res.Intentions[1]
	export, err := h.e.ExportGitCSV(h.ctx, u.ID, p.ID)
	require.NoError(t, err)
	require.Equal(t, []int64{enrich.ID}, export.DependsOn)

	for attempt := 1; attempt <= 3; attempt++ {
		l := h.lease(t)
		require.Equal(t, raw.ID, l.Intention.ID)
		done, err := h.e.Complete(h.ctx, l.Job.ID, "w1", domain.Report{Result: domain.ResultRetryable, Message: "502 from upstream"})
		require.NoError(t, err)
		if attempt < 3 {
			require.Equal(t, domain.StateReady, done.State)
			require.Equal(t, attempt, h.state(t, raw.ID).Retries)
		} else {
			require.Equal(t, domain.StateFailed, done.State)
		}
	}
	a, err := h.e.Repo.GetArchived(h.ctx, raw.ID)
	require.NoError(t, err)
	require.Equal(t, string(faults.ProviderTransient), a.ErrorKind)
	require.True(t, a.Latest)

	for _, id := range []int64{enrich.ID, export.ID} {
		a, err := h.e.Repo.GetArchived(h.ctx, id)
		require.NoError(t, err)
		require.Equal(t, domain.OutcomeError, a.Outcome)
		require.Equal(t, "dependency_failed", a.ErrorKind)
	}
	exports, err := h.e.ProjectExports(h.ctx, u.ID, p.ID)
	require.NoError(t, err)
	require.Len(t, exports, 1)
	require.Equal(t, "failed", exports[0].State)

	sum, err := h.e.ProjectStatus(h.ctx, u.ID, p.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusError, sum.Status)
}

func TestReclaimDeadJob(t *testing.T) {
	h := newHarness(t)
	u := h.user(t, "alice")
	p := h.project(t, u.ID, "P1")
	res := h.add(t, p, u.ID, domain.BackendGit, "https://example.org/r.git")
	l := h.lease(t)

	h.clock.Advance(time.Minute)
	require.NoError(t, h.e.Heartbeat(h.ctx, l.Job.ID, "w1"))
	n, err := h.e.ReclaimDead(h.ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	h.clock.Advance(3 * time.Minute)
	n, err = h.e.ReclaimDead(h.ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	v := h.state(t, res.Intentions[0].ID)
	require.Equal(t, domain.StateReady, v.State)
	require.Equal(t, 1, v.Retries)

	err = h.e.Heartbeat(h.ctx, l.Job.ID, "w1")
	require.True(t, faults.Has(err, faults.CoordinatorConflict))
	_, err = h.e.Complete(h.ctx, l.Job.ID, "w1", success())
	require.True(t, faults.Has(err, faults.CoordinatorConflict))
}

func TestAppendLogWritesUnderRoot(t *testing.T) {
	h := newHarness(t)
	u := h.user(t, "alice")
	p := h.project(t, u.ID, "P1")
	h.add(t, p, u.ID, domain.BackendGit, "https://example.org/r.git")
	l := h.lease(t)
	require.True(t, strings.HasPrefix(l.Job.LogLocation, "2024-03-01/"))

	require.NoError(t, h.e.AppendLog(h.ctx, l.Job.ID, []byte("cloning\n")))
	require.NoError(t, h.e.AppendLog(h.ctx, l.Job.ID, []byte("done\n")))
	_, err := h.e.Complete(h.ctx, l.Job.ID, "w1", success())
	require.NoError(t, err)

	a, err := h.e.Repo.GetArchived(h.ctx, l.Intention.ID)
	require.NoError(t, err)
	require.Equal(t, l.Job.LogLocation, a.LogLocation)
	require.FileExists(t, h.e.LogPath(a.LogLocation))
}

func TestTwitterNotifyRearmsUntilChange(t *testing.T) {
	h := newHarness(t)
	u := h.user(t, "alice")
	p := h.project(t, u.ID, "P1")

	_, err := h.e.EnableTwitterNotify(h.ctx, u.ID, p.ID)
	require.True(t, faults.Has(err, faults.CredentialMissing))
	_, err = h.e.AddToken(h.ctx, u.ID, "twitter", "tw", "")
	require.NoError(t, err)
	it, err := h.e.EnableTwitterNotify(h.ctx, u.ID, p.ID)
	require.NoError(t, err)
	same, err := h.e.EnableTwitterNotify(h.ctx, u.ID, p.ID)
	require.NoError(t, err)
	require.Equal(t, it.ID, same.ID)

	l := h.lease(t)
	done, err := h.e.Complete(h.ctx, l.Job.ID, "w1", domain.Report{Result: domain.ResultSuccess, Changed: false})
	require.NoError(t, err)
	require.Equal(t, domain.StateWaiting, done.State)
	require.True(t, h.state(t, it.ID).NotBefore.Equal(t0.Add(time.Hour)))

	h.clock.Advance(time.Hour)
	l = h.lease(t)
	done, err = h.e.Complete(h.ctx, l.Job.ID, "w1", domain.Report{Result: domain.ResultSuccess, Changed: true})
	require.NoError(t, err)
	require.Equal(t, domain.StateDone, done.State)
}

func TestAutoRefreshTick(t *testing.T) {
	h := newHarness(t)
	u := h.user(t, "alice")
	p := h.project(t, u.ID, "P1")
	h.add(t, p, u.ID, domain.BackendGit, "https://example.org/r.git")
	for i := 0; i < 2; i++ {
		l := h.lease(t)
		_, err := h.e.Complete(h.ctx, l.Job.ID, "w1", success())
		require.NoError(t, err)
	}
	require.NoError(t, h.e.SetAutorefresh(h.ctx, u.ID, p.ID, true))

	require.NoError(t, h.e.Tick(h.ctx))
	its, err := h.e.ListIntentions(h.ctx, repo.IntentionFilter{ProjectID: p.ID, Kind: domain.KindRawFetch})
	require.NoError(t, err)
	require.Len(t, its, 1)
	require.Equal(t, domain.PriorityAuto, its[0].Priority)

	require.NoError(t, h.e.Tick(h.ctx))
	its, err = h.e.ListIntentions(h.ctx, repo.IntentionFilter{ProjectID: p.ID, Kind: domain.KindRawFetch})
	require.NoError(t, err)
	require.Len(t, its, 1)
}

func TestAccountMerge(t *testing.T) {
	h := newHarness(t)
	first, err := h.e.LinkIdentity(h.ctx, engine.IdentityLogin{Backend: "github", ProviderUserID: "gh-1", Username: "u1", Secret: "ghp_1"})
	require.NoError(t, err)
	u1 := first.User
	require.NoError(t, h.e.UpgradeUserToAdmin(h.ctx, auth.System, u1.ID))
	p1 := h.project(t, u1.ID, "P1")
	h.add(t, p1, u1.ID, domain.BackendGit, "https://example.org/r.git")
	l := h.lease(t)
	_, err = h.e.Complete(h.ctx, l.Job.ID, "w1", domain.Report{Result: domain.ResultFatal, Message: "not a repository"})
	require.NoError(t, err)

	ws1, err := h.e.OpenWorkspace(h.ctx, u1.ID)
	require.NoError(t, err)
	h.fake.AddObject(ws1.TenantName, "a", `{"id":"a","type":"dashboard"}`)

	u2 := h.user(t, "u2")
	h.project(t, u2.ID, "P1")
	ws2, err := h.e.OpenWorkspace(h.ctx, u2.ID)
	require.NoError(t, err)
	h.fake.AddObject(ws2.TenantName, "b", `{"id":"b","type":"dashboard"}`)

	before, err := h.e.Repo.ListArchived(h.ctx, repo.ArchiveFilter{UserID: u1.ID})
	require.NoError(t, err)
	require.Len(t, before, 2)

	res, err := h.e.LinkIdentity(h.ctx, engine.IdentityLogin{SessionUserID: u2.ID, Backend: "github", ProviderUserID: "gh-1", Username: "u2"})
	require.NoError(t, err)
	require.NotNil(t, res.Merged)
	require.Empty(t, res.Merged.WorkspaceError)
	require.True(t, res.User.IsAdmin)
	require.Equal(t, "P1 (2)", res.Merged.Renamed[p1.ID])

	_, err = h.e.Repo.GetUser(h.ctx, u1.ID)
	require.ErrorIs(t, err, repo.ErrNotFound)
	moved, err := h.e.Repo.GetProject(h.ctx, p1.ID)
	require.NoError(t, err)
	require.Equal(t, u2.ID, moved.CreatorID)

	tokens, err := h.e.Repo.ListTokens(h.ctx, u2.ID)
	require.NoError(t, err)
	require.Len(t, tokens, 1)
	archived, err := h.e.Repo.ListArchived(h.ctx, repo.ArchiveFilter{UserID: u2.ID})
	require.NoError(t, err)
	require.Len(t, archived, len(before))
	gone, err := h.e.Repo.ListArchived(h.ctx, repo.ArchiveFilter{UserID: u1.ID})
	require.NoError(t, err)
	require.Empty(t, gone)

	require.Equal(t, []string{"a", "b"}, h.fake.ObjectIDs(ws2.TenantName))
}

func TestLinkIdentityCreatesUserOnceAndGrantsConfiguredAdmins(t *testing.T) {
	h := newHarness(t)
	h.e.Config.Admins["github"] = []string{"Root"}

	first, err := h.e.LinkIdentity(h.ctx, engine.IdentityLogin{Backend: "github", ProviderUserID: "gh-9", Username: "root", Secret: "ghp_9"})
	require.NoError(t, err)
	require.True(t, first.User.IsAdmin)
	require.Nil(t, first.Merged)

	again, err := h.e.LinkIdentity(h.ctx, engine.IdentityLogin{Backend: "github", ProviderUserID: "gh-9", Username: "root"})
	require.NoError(t, err)
	require.Equal(t, first.User.ID, again.User.ID)
	tokens, err := h.e.Tokens(h.ctx, first.User.ID)
	require.NoError(t, err)
	require.Len(t, tokens, 1)

	_, err = h.e.LinkIdentity(h.ctx, engine.IdentityLogin{Backend: "github"})
	require.True(t, faults.Has(err, faults.Validation))
}

func TestUpgradeUserToAdminRequiresAdmin(t *testing.T) {
	h := newHarness(t)
	u1 := h.user(t, "u1")
	u2 := h.user(t, "u2")

	err := h.e.UpgradeUserToAdmin(h.ctx, u1.ID, u2.ID)
	require.True(t, faults.Has(err, faults.Forbidden))

	require.NoError(t, h.e.UpgradeUserToAdmin(h.ctx, auth.System, u1.ID))
	require.NoError(t, h.e.UpgradeUserToAdmin(h.ctx, u1.ID, u2.ID))
	got, err := h.e.Repo.GetUser(h.ctx, u2.ID)
	require.NoError(t, err)
	require.True(t, got.IsAdmin)

	err = h.e.UpgradeUserToAdmin(h.ctx, u1.ID, 9999)
	require.True(t, faults.Has(err, faults.NotFound))
}
