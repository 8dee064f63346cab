package engine_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"cauldron/internal/domain"
	"cauldron/internal/engine"
	"cauldron/internal/faults"
	"cauldron/internal/provision"
	"cauldron/internal/repo"
)

// sharedRepo links one git repository into alice's P1 and bob's P2. Only P1
// owns the fetch pair.
func sharedRepo(t *testing.T, h *harness) (alice, bob domain.User, p1, p2 domain.Project, res engine.AddRepoResult) {
	t.Helper()
	alice = h.user(t, "alice")
	bob = h.user(t, "bob")
	p1 = h.project(t, alice.ID, "P1")
	p2 = h.project(t, bob.ID, "P2")
	const url = "https://example.org/shared.git"
	res = h.add(t, p1, alice.ID, domain.BackendGit, url)
	require.Len(t, res.Intentions, 2)
	again := h.add(t, p2, bob.ID, domain.BackendGit, url)
	require.Empty(t, again.Intentions)
	require.Equal(t, res.Repository.ID, again.Repository.ID)
	return alice, bob, p1, p2, res
}

func requireOwnedBy(t *testing.T, h *harness, repoID int64, p domain.Project, n int) {
	t.Helper()
	live, err := h.e.ListIntentions(h.ctx, repo.IntentionFilter{RepoID: repoID})
	require.NoError(t, err)
	require.Len(t, live, n)
	for _, v := range live {
		require.Equal(t, p.ID, v.ProjectID)
		require.Equal(t, p.CreatorID, v.UserID)
		require.False(t, v.Cancelled)
	}
}

func TestDeleteProjectHandsSharedFetchesOver(t *testing.T) {
	h := newHarness(t)
	alice, bob, p1, p2, res := sharedRepo(t, h)
	raw, enrich := res.Intentions[0], res.Intentions[1]

	require.NoError(t, h.e.DeleteProject(h.ctx, alice.ID, p1.ID))
	requireOwnedBy(t, h, res.Repository.ID, p2, 2)

	sum, err := h.e.ProjectStatus(h.ctx, bob.ID, p2.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusPending, sum.Status)

	l := h.lease(t)
	require.Equal(t, raw.ID, l.Intention.ID)
	_, err = h.e.Complete(h.ctx, l.Job.ID, "w1", success())
	require.NoError(t, err)
	l = h.lease(t)
	require.Equal(t, enrich.ID, l.Intention.ID)
	_, err = h.e.Complete(h.ctx, l.Job.ID, "w1", success())
	require.NoError(t, err)

	sum, err = h.e.ProjectStatus(h.ctx, bob.ID, p2.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusAnalyzed, sum.Status)
	require.Equal(t, []string{"https://example.org/shared.git"}, h.fake.DLSTerms(provision.ProjectRoleName(p2.ID), "git"))
}

func TestRemoveSharedRepoHandsFetchesOver(t *testing.T) {
	h := newHarness(t)
	alice, bob, p1, p2, res := sharedRepo(t, h)

	require.NoError(t, h.e.RemoveRepoFromProject(h.ctx, alice.ID, p1.ID, res.Repository.ID))
	requireOwnedBy(t, h, res.Repository.ID, p2, 2)

	repos, err := h.e.ProjectRepositories(h.ctx, alice.ID, p1.ID)
	require.NoError(t, err)
	require.Empty(t, repos)
	sum, err := h.e.ProjectStatus(h.ctx, bob.ID, p2.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusPending, sum.Status)
	require.Equal(t, res.Intentions[0].ID, h.lease(t).Intention.ID)
}

func TestDeleteProjectHandsRunningSharedFetchOver(t *testing.T) {
	h := newHarness(t)
	alice := h.user(t, "alice")
	bob := h.user(t, "bob")
	p1 := h.project(t, alice.ID, "P1")
	p2 := h.project(t, bob.ID, "P2")
	const url = "https://example.org/shared.git"
	res := h.add(t, p1, alice.ID, domain.BackendGit, url)
	raw, enrich := res.Intentions[0], res.Intentions[1]
	l := h.lease(t)
	require.Equal(t, raw.ID, l.Intention.ID)
	h.add(t, p2, bob.ID, domain.BackendGit, url)

	require.NoError(t, h.e.DeleteProject(h.ctx, alice.ID, p1.ID))

	done, err := h.e.Complete(h.ctx, l.Job.ID, "w1", success())
	require.NoError(t, err)
	require.Equal(t, domain.StateDone, done.State)
	a, err := h.e.Repo.GetArchived(h.ctx, raw.ID)
	require.NoError(t, err)
	require.Equal(t, domain.OutcomeOK, a.Outcome)
	require.Equal(t, p2.ID, a.ProjectID)

	v := h.state(t, enrich.ID)
	require.Equal(t, domain.StateReady, v.State)
	require.Equal(t, p2.ID, v.ProjectID)
}

func TestRemoveRepoFromProject(t *testing.T) {
	h := newHarness(t)
	u := h.user(t, "alice")
	p := h.project(t, u.ID, "P1")
	role := provision.ProjectRoleName(p.ID)
	const kept, dropped = "https://example.org/a.git", "https://example.org/b.git"

	a := h.add(t, p, u.ID, domain.BackendGit, kept)
	for i := 0; i < 2; i++ {
		l := h.lease(t)
		_, err := h.e.Complete(h.ctx, l.Job.ID, "w1", success())
		require.NoError(t, err)
	}
	require.Equal(t, []string{kept}, h.fake.DLSTerms(role, "git"))

	b := h.add(t, p, u.ID, domain.BackendGit, dropped)
	rawB, enrichB := b.Intentions[0], b.Intentions[1]
	l := h.lease(t)
	require.Equal(t, rawB.ID, l.Intention.ID)

	require.NoError(t, h.e.RemoveRepoFromProject(h.ctx, u.ID, p.ID, b.Repository.ID))
	_, err := h.e.State(h.ctx, enrichB.ID)
	require.True(t, faults.Has(err, faults.NotFound))

	done, err := h.e.Complete(h.ctx, l.Job.ID, "w1", success())
	require.NoError(t, err)
	require.Equal(t, domain.StateSuperseded, done.State)
	require.Empty(t, done.Children)
	arch, err := h.e.Repo.GetArchived(h.ctx, rawB.ID)
	require.NoError(t, err)
	require.Equal(t, domain.OutcomeSuperseded, arch.Outcome)

	repos, err := h.e.ProjectRepositories(h.ctx, u.ID, p.ID)
	require.NoError(t, err)
	require.Len(t, repos, 1)
	require.Equal(t, a.Repository.ID, repos[0].ID)

	require.NoError(t, h.e.RemoveRepoFromProject(h.ctx, u.ID, p.ID, a.Repository.ID))
	require.NotContains(t, h.fake.DLSTerms(role, "git"), kept)

	actions, err := h.e.Repo.ListActions(h.ctx, h.e.DB, p.ID)
	require.NoError(t, err)
	require.Len(t, actions, 4)
	require.Equal(t, "remove", actions[3].Kind)

	err = h.e.RemoveRepoFromProject(h.ctx, u.ID, p.ID, a.Repository.ID)
	require.True(t, faults.Has(err, faults.NotFound))
}

func TestRefreshActionsReplaysAddsAndRemoves(t *testing.T) {
	h := newHarness(t)
	u := h.user(t, "alice")
	p := h.project(t, u.ID, "P1")
	a := h.add(t, p, u.ID, domain.BackendGit, "https://example.org/a.git")
	for i := 0; i < 2; i++ {
		l := h.lease(t)
		_, err := h.e.Complete(h.ctx, l.Job.ID, "w1", success())
		require.NoError(t, err)
	}
	b := h.add(t, p, u.ID, domain.BackendGit, "https://example.org/b.git")
	require.NoError(t, h.e.RemoveRepoFromProject(h.ctx, u.ID, p.ID, b.Repository.ID))

	// Drift the links away from the recorded actions.
	tx, err := h.e.DB.BeginTx(h.ctx, nil)
	require.NoError(t, err)
	require.NoError(t, h.e.Repo.UnlinkProjectRepositoryTx(h.ctx, tx, p.ID, a.Repository.ID))
	_, err = h.e.Repo.LinkProjectRepositoryTx(h.ctx, tx, p.ID, b.Repository.ID)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	res, err := h.e.RefreshActions(h.ctx, u.ID, p.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StateDone, h.state(t, res.Intention.ID).State)
	var forA int
	for _, it := range res.Created {
		require.Equal(t, domain.PriorityRefresh, it.Priority)
		if it.RepoID == a.Repository.ID {
			forA++
		}
	}
	require.Equal(t, 2, forA)
	left, err := h.e.ListIntentions(h.ctx, repo.IntentionFilter{RepoID: b.Repository.ID})
	require.NoError(t, err)
	require.Empty(t, left)

	repos, err := h.e.ProjectRepositories(h.ctx, u.ID, p.ID)
	require.NoError(t, err)
	require.Len(t, repos, 1)
	require.Equal(t, a.Repository.ID, repos[0].ID)
}

func TestIdentityMergeWaitsForEnrichment(t *testing.T) {
	h := newHarness(t)
	u := h.user(t, "alice")
	p := h.project(t, u.ID, "P1")
	res := h.add(t, p, u.ID, domain.BackendGit, "https://example.org/r.git")
	enrich := res.Intentions[1]

	h.e.Config.Features.IdentityMerger = false
	_, err := h.e.IdentityMerge(h.ctx, u.ID, p.ID)
	require.True(t, faults.Has(err, faults.Validation))
	h.e.Config.Features.IdentityMerger = true

	merge, err := h.e.IdentityMerge(h.ctx, u.ID, p.ID)
	require.NoError(t, err)
	require.Equal(t, []int64{enrich.ID}, merge.DependsOn)
	require.Equal(t, domain.StateWaiting, h.state(t, merge.ID).State)

	none, err := h.e.LeaseNext(h.ctx, "w1", []domain.Kind{domain.KindIdentityMerge})
	require.NoError(t, err)
	require.Nil(t, none)

	for i := 0; i < 2; i++ {
		l := h.lease(t, domain.KindRawFetch, domain.KindEnrichFetch)
		_, err := h.e.Complete(h.ctx, l.Job.ID, "w1", success())
		require.NoError(t, err)
	}
	require.Equal(t, domain.StateReady, h.state(t, merge.ID).State)
	require.Equal(t, merge.ID, h.lease(t, domain.KindIdentityMerge).Intention.ID)
}

func TestDeleteTokenFailsRunningFetchInsteadOfRequeue(t *testing.T) {
	h := newHarness(t)
	u := h.user(t, "alice")
	p := h.project(t, u.ID, "P1")
	tok, err := h.e.AddToken(h.ctx, u.ID, "github", "ghp_secret", "")
	require.NoError(t, err)
	res := h.add(t, p, u.ID, domain.BackendGitHub, "chaoss/grimoirelab")
	raw, enrich := res.Intentions[0], res.Intentions[1]
	l := h.lease(t)
	require.Equal(t, raw.ID, l.Intention.ID)

	require.NoError(t, h.e.DeleteToken(h.ctx, u.ID, tok.ID))

	done, err := h.e.Complete(h.ctx, l.Job.ID, "w1", domain.Report{Result: domain.ResultRetryable, Message: "502 from upstream"})
	require.NoError(t, err)
	require.Equal(t, domain.StateFailed, done.State)
	a, err := h.e.Repo.GetArchived(h.ctx, raw.ID)
	require.NoError(t, err)
	require.Equal(t, string(faults.CredentialMissing), a.ErrorKind)
	a, err = h.e.Repo.GetArchived(h.ctx, enrich.ID)
	require.NoError(t, err)
	require.Equal(t, "dependency_failed", a.ErrorKind)

	none, err := h.e.LeaseNext(h.ctx, "w1", nil)
	require.NoError(t, err)
	require.Nil(t, none)
}

// deletingProvisioner marks the project deleting mid-sync, the way a
// concurrent DeleteProject would.
type deletingProvisioner struct {
	engine.Provisioner
	h *harness
	t *testing.T
}

func (d deletingProvisioner) SyncProject(ctx context.Context, projectID int64, urls map[domain.Backend][]string) error {
	if err := d.Provisioner.SyncProject(ctx, projectID, urls); err != nil {
		return err
	}
	tx, err := d.h.e.DB.BeginTx(ctx, nil)
	require.NoError(d.t, err)
	require.NoError(d.t, d.h.e.Repo.MarkDeletingTx(ctx, tx, projectID))
	return tx.Commit()
}

func TestReprovisionRacingDeleteLeavesNoRole(t *testing.T) {
	h := newHarness(t)
	u := h.user(t, "alice")
	p := h.project(t, u.ID, "P1")
	role := provision.ProjectRoleName(p.ID)
	_, ok := h.fake.Role(role)
	require.True(t, ok)

	h.e.Provisioner = deletingProvisioner{Provisioner: h.e.Provisioner, h: h, t: t}
	h.add(t, p, u.ID, domain.BackendGit, "https://example.org/r.git")

	_, ok = h.fake.Role(role)
	require.False(t, ok)
	got, err := h.e.Repo.GetProject(h.ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, domain.ProvisionDeleting, got.ProvisionState)

	calls := len(h.fake.CallLog())
	_, err = h.e.RefreshProject(h.ctx, u.ID, p.ID)
	require.NoError(t, err)
	require.Len(t, h.fake.CallLog(), calls)
}

func TestDeleteProjectRestoresStateWhenClusterFails(t *testing.T) {
	h := newHarness(t)
	u := h.user(t, "alice")
	p := h.project(t, u.ID, "P1")
	res := h.add(t, p, u.ID, domain.BackendGit, "https://example.org/r.git")

	h.fake.FailNext = 10
	require.Error(t, h.e.DeleteProject(h.ctx, u.ID, p.ID))
	h.fake.FailNext = 0

	got, err := h.e.Repo.GetProject(h.ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, domain.ProvisionReady, got.ProvisionState)
	require.Equal(t, domain.StateReady, h.state(t, res.Intentions[0].ID).State)

	require.NoError(t, h.e.DeleteProject(h.ctx, u.ID, p.ID))
	_, err = h.e.Repo.GetProject(h.ctx, p.ID)
	require.ErrorIs(t, err, repo.ErrNotFound)
}
