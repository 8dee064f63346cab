package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"cauldron/internal/domain"
	"cauldron/internal/events"
	"cauldron/internal/faults"
	"cauldron/internal/provision"
	"cauldron/internal/registry"
	"cauldron/internal/repo"
	"cauldron/internal/status"
)

func (e Engine) requireCreator(ctx context.Context, q repo.Querier, userID int64) error {
	if e.Config != nil && e.Config.Features.LimitedAccess {
		return e.Auth.RequireAdmin(ctx, q, userID)
	}
	return nil
}

// CreateProject stores a project owned by userID and provisions its role.
func (e Engine) CreateProject(ctx context.Context, userID int64, name string) (domain.Project, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.Project{}, faults.New(faults.Validation, "project name is required")
	}
	var p domain.Project
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		if err := e.requireCreator(ctx, tx, userID); err != nil {
			return err
		}
		if _, err := e.Repo.GetUserTx(ctx, tx, userID); err != nil {
			return notFound(err, "user %d", userID)
		}
		taken, err := e.Repo.ProjectNameTakenTx(ctx, tx, name, userID)
		if err != nil {
			return err
		}
		if taken {
			return faults.New(faults.Validation, "project %q already exists", name).WithDetail("name", name)
		}
		p, err = e.Repo.InsertProjectTx(ctx, tx, domain.Project{Name: name, CreatorID: userID, CreatedAt: e.now()})
		if err != nil {
			return fmt.Errorf("insert project: %w", err)
		}
		if err := e.Repo.UpsertProjectRoleTx(ctx, tx, domain.ProjectRole{
			ProjectID: p.ID, RoleName: provision.ProjectRoleName(p.ID), BackendRole: provision.ProjectBackendRole(p.ID),
		}); err != nil {
			return err
		}
		return e.emit(ctx, tx, "project.created", p.ID, "project", itoa(p.ID), userID, events.Payload{"name": name})
	})
	if err != nil {
		return domain.Project{}, err
	}
	e.reprovision(ctx, p.ID)
	return e.Repo.GetProject(ctx, p.ID)
}

// reprovision pushes the project's current DLS state and records the outcome.
// Projects being deleted are skipped; a push that raced with a deletion is
// undone.
func (e Engine) reprovision(ctx context.Context, projectID int64) error {
	if e.Provisioner == nil {
		return nil
	}
	p, err := e.Repo.GetProject(ctx, projectID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if p.ProvisionState == domain.ProvisionDeleting {
		return nil
	}
	urls, err := e.Repo.AnalyzedURLs(ctx, e.DB, projectID)
	if err != nil {
		return err
	}
	state, msg := domain.ProvisionReady, ""
	perr := e.Provisioner.SyncProject(ctx, projectID, urls)
	if perr != nil {
		state, msg = domain.ProvisionFailed, perr.Error()
		e.Log.Error("project provisioning failed", zap.Int64("project_id", projectID), zap.Error(perr))
	}
	live, err := e.Repo.SetProvisionState(ctx, projectID, state, msg)
	if err != nil {
		return err
	}
	if !live {
		e.Log.Info("project deleted during provisioning", zap.Int64("project_id", projectID))
		return e.Provisioner.RemoveProject(ctx, projectID)
	}
	return perr
}

// reprovisionRepo refreshes the role of every project containing repoID.
func (e Engine) reprovisionRepo(ctx context.Context, repoID int64) {
	ids, err := e.Repo.ProjectsForRepository(ctx, e.DB, repoID)
	if err != nil {
		e.Log.Error("list projects for repository", zap.Int64("repo_id", repoID), zap.Error(err))
		return
	}
	for _, id := range ids {
		e.reprovision(ctx, id)
	}
}

// DeleteProject marks the project as deleting, removes the role mapping and
// role, then the project, its pending intentions and its links. Running jobs
// finish and are archived as superseded unless another project shares the
// repository, in which case the work is handed over.
func (e Engine) DeleteProject(ctx context.Context, userID, projectID int64) error {
	var prior domain.Project
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		p, err := e.Auth.Project(ctx, tx, projectID, userID)
		if err != nil {
			return err
		}
		prior = p
		return e.Repo.MarkDeletingTx(ctx, tx, projectID)
	})
	if err != nil {
		return err
	}
	if e.Provisioner != nil {
		if err := e.Provisioner.RemoveProject(ctx, projectID); err != nil {
			if rerr := e.Repo.RestoreProvisionState(ctx, projectID, prior.ProvisionState, prior.ProvisionError); rerr != nil {
				e.Log.Error("restore provision state", zap.Int64("project_id", projectID), zap.Error(rerr))
			}
			return err
		}
	}
	return e.inTx(ctx, func(tx *sql.Tx) error {
		removed, handed, err := e.Repo.CancelProjectTx(ctx, tx, projectID)
		if err != nil {
			return err
		}
		if err := e.Repo.DeleteProjectTx(ctx, tx, projectID); err != nil {
			return notFound(err, "project %d", projectID)
		}
		e.Log.Info("project deleted", zap.Int64("project_id", projectID),
			zap.Int64("intentions_removed", removed), zap.Int64("intentions_handed_off", handed))
		return e.emit(ctx, tx, "project.deleted", projectID, "project", itoa(projectID), userID,
			events.Payload{"intentions_removed": removed, "intentions_handed_off": handed})
	})
}

func (e Engine) SetAutorefresh(ctx context.Context, userID, projectID int64, on bool) error {
	if on && !e.Config.Features.AutoRefresh {
		return faults.New(faults.Validation, "auto refresh is disabled")
	}
	return e.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := e.Auth.Project(ctx, tx, projectID, userID); err != nil {
			return err
		}
		if err := e.Repo.SetAutorefreshTx(ctx, tx, projectID, on); err != nil {
			return err
		}
		return e.emit(ctx, tx, "project.autorefresh", projectID, "project", itoa(projectID), userID, events.Payload{"on": on})
	})
}

type AddRepoOptions struct {
	ProjectID    int64
	UserID       int64
	Backend      domain.Backend
	Input        string
	Instance     string
	IncludeForks bool
}

type AddRepoResult struct {
	Repository *domain.Repository `json:"repository,omitempty"`
	Created    bool               `json:"created"`
	Intentions []domain.Intention `json:"intentions"`
}

// AddRepoToProject parses input, links the repository and schedules its
// fetches. Owner-only inputs schedule an AddOwner expansion instead.
func (e Engine) AddRepoToProject(ctx context.Context, opts AddRepoOptions) (AddRepoResult, error) {
	if opts.Backend == domain.BackendTwitter {
		return AddRepoResult{}, faults.New(faults.InputParse, "twitter is not a repository backend")
	}
	src, err := registry.Parse(opts.Backend, opts.Input, opts.Instance, e.Config)
	if err != nil {
		return AddRepoResult{}, err
	}
	var res AddRepoResult
	err = e.inTx(ctx, func(tx *sql.Tx) error {
		if err := e.requireCreator(ctx, tx, opts.UserID); err != nil {
			return err
		}
		p, err := e.Auth.Project(ctx, tx, opts.ProjectID, opts.UserID)
		if err != nil {
			return err
		}
		res, err = e.addSource(ctx, tx, p, opts.UserID, src, opts.IncludeForks, domain.PriorityUser)
		if err != nil {
			return err
		}
		_, err = e.Repo.InsertActionTx(ctx, tx, domain.Action{
			ProjectID: p.ID, UserID: opts.UserID, Kind: "add", Backend: opts.Backend,
			Input: registry.Render(src), Instance: src.Instance, IncludeForks: opts.IncludeForks, CreatedAt: e.now(),
		})
		return err
	})
	if err != nil {
		return AddRepoResult{}, err
	}
	e.reprovision(ctx, opts.ProjectID)
	return res, nil
}

// requireToken fails with CredentialMissing when the user owns no token for credential.
func (e Engine) requireToken(ctx context.Context, tx *sql.Tx, userID int64, credential string) error {
	if credential == "" {
		return nil
	}
	n, err := e.Repo.CountTokensTx(ctx, tx, userID, credential)
	if err != nil {
		return err
	}
	if n == 0 {
		return faults.New(faults.CredentialMissing, "please authenticate with %s", credential).WithDetail("backend", credential)
	}
	return nil
}

func (e Engine) addSource(ctx context.Context, tx *sql.Tx, p domain.Project, userID int64, src registry.Source, includeForks bool, priority int) (AddRepoResult, error) {
	credential := domain.CredentialFor(src.Backend, src.Instance)
	if err := e.requireToken(ctx, tx, userID, credential); err != nil {
		return AddRepoResult{}, err
	}
	if src.OwnerOnly {
		it, err := e.addIntention(ctx, tx, domain.Intention{
			Kind: domain.KindAddOwner, UserID: userID, ProjectID: p.ID, Backend: src.Backend,
			Credential: credential, Priority: priority,
			Payload: domain.Payload{Owner: src.Owner, Instance: src.Instance, IncludeForks: includeForks, Input: registry.Render(src)},
		})
		if err != nil {
			return AddRepoResult{}, err
		}
		return AddRepoResult{Intentions: []domain.Intention{it}}, nil
	}
	return e.linkSource(ctx, tx, p.ID, userID, src, priority)
}

// linkSource gets or creates the repository, links it to the project and
// schedules its fetch pair.
func (e Engine) linkSource(ctx context.Context, tx *sql.Tx, projectID, userID int64, src registry.Source, priority int) (AddRepoResult, error) {
	rp, created, err := registry.GetOrCreate(ctx, e.Repo, tx, src, e.now())
	if err != nil {
		return AddRepoResult{}, err
	}
	if _, err := e.Repo.LinkProjectRepositoryTx(ctx, tx, projectID, rp.ID); err != nil {
		return AddRepoResult{}, err
	}
	its, err := e.schedulePair(ctx, tx, userID, projectID, rp, priority)
	if err != nil {
		return AddRepoResult{}, err
	}
	return AddRepoResult{Repository: &rp, Created: created, Intentions: its}, nil
}

// schedulePair creates a RawFetch and an EnrichFetch depending on it, unless
// a RawFetch for the repository is already pending.
func (e Engine) schedulePair(ctx context.Context, tx *sql.Tx, userID, projectID int64, rp domain.Repository, priority int) ([]domain.Intention, error) {
	if pending, err := e.Repo.PendingForRepoTx(ctx, tx, domain.KindRawFetch, rp.ID, rp.Backend); err == nil {
		if err := e.Repo.SetPriorityTx(ctx, tx, pending.ID, priority); err != nil {
			return nil, err
		}
		return nil, nil
	} else if !errors.Is(err, repo.ErrNotFound) {
		return nil, err
	}
	base := domain.Intention{
		UserID: userID, ProjectID: projectID, RepoID: rp.ID, Backend: rp.Backend,
		Credential: rp.Credential(), Priority: priority,
	}
	raw := base
	raw.Kind = domain.KindRawFetch
	raw, err := e.addIntention(ctx, tx, raw)
	if err != nil {
		return nil, err
	}
	enrich := base
	enrich.Kind = domain.KindEnrichFetch
	enrich.DependsOn = []int64{raw.ID}
	enrich, err = e.addIntention(ctx, tx, enrich)
	if err != nil {
		return nil, err
	}
	return []domain.Intention{raw, enrich}, nil
}

// RemoveRepoFromProject unlinks the repository and drops the project's
// pending work on it.
func (e Engine) RemoveRepoFromProject(ctx context.Context, userID, projectID, repoID int64) error {
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		p, err := e.Auth.Project(ctx, tx, projectID, userID)
		if err != nil {
			return err
		}
		rp, err := e.Repo.GetRepositoryTx(ctx, tx, repoID)
		if err != nil {
			return notFound(err, "repository %d", repoID)
		}
		if err := e.Repo.UnlinkProjectRepositoryTx(ctx, tx, p.ID, repoID); err != nil {
			return notFound(err, "repository %d in project %d", repoID, p.ID)
		}
		if err := e.Repo.CancelRepoInProjectTx(ctx, tx, p.ID, repoID); err != nil {
			return err
		}
		if _, err := e.Repo.InsertActionTx(ctx, tx, domain.Action{
			ProjectID: p.ID, UserID: userID, Kind: "remove", Backend: rp.Backend, Input: inputFor(rp),
			Instance: rp.Instance, CreatedAt: e.now(),
		}); err != nil {
			return err
		}
		return e.emit(ctx, tx, "project.repo_removed", p.ID, "repository", itoa(repoID), userID, nil)
	})
	if err != nil {
		return err
	}
	return e.reprovision(ctx, projectID)
}

// inputFor renders a stored repository back into its canonical input.
func inputFor(rp domain.Repository) string {
	return registry.Render(registry.Source{
		Backend: rp.Backend, Instance: rp.Instance, Owner: rp.Owner, Name: rp.Name, URL: rp.URL,
	})
}

type RefreshResult struct {
	Intention  domain.Intention   `json:"intention"`
	Created    []domain.Intention `json:"created"`
	Superseded []int64            `json:"superseded"`
	Skipped    map[int64]string   `json:"skipped,omitempty"`
}

// RefreshProject schedules a RawFetch/EnrichFetch pair for every repository of
// the project. Repositories with a running job get a RawFetch that is archived
// as superseded straight away; ones with a pending RawFetch are left alone.
func (e Engine) RefreshProject(ctx context.Context, userID, projectID int64) (RefreshResult, error) {
	var res RefreshResult
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		p, err := e.Auth.Project(ctx, tx, projectID, userID)
		if err != nil {
			return err
		}
		res, err = e.refreshProjectTx(ctx, tx, p, userID, domain.KindRefreshProject, domain.PriorityRefresh)
		return err
	})
	if err != nil {
		return res, err
	}
	e.reprovision(ctx, projectID)
	return res, nil
}

// refreshProjectTx records a meta intention of kind and expands it inline.
func (e Engine) refreshProjectTx(ctx context.Context, tx *sql.Tx, p domain.Project, userID int64, kind domain.Kind, priority int) (RefreshResult, error) {
	meta, err := e.addIntention(ctx, tx, domain.Intention{Kind: kind, UserID: userID, ProjectID: p.ID, Priority: priority})
	if err != nil {
		return RefreshResult{}, err
	}
	res := RefreshResult{Intention: meta, Skipped: map[int64]string{}}
	repos, err := e.Repo.ProjectRepositories(ctx, tx, p.ID)
	if err != nil {
		return res, err
	}
	for _, rp := range repos {
		if err := e.refreshRepoTx(ctx, tx, userID, p.ID, rp, priority, &res); err != nil {
			return res, err
		}
	}
	if _, err := e.archive(ctx, tx, meta, nil, domain.OutcomeOK, "", ""); err != nil {
		return res, err
	}
	return res, nil
}

func (e Engine) refreshRepoTx(ctx context.Context, tx *sql.Tx, userID, projectID int64, rp domain.Repository, priority int, res *RefreshResult) error {
	if n, err := e.Repo.CountTokensTx(ctx, tx, userID, rp.Credential()); err != nil {
		return err
	} else if rp.Credential() != "" && n == 0 {
		res.Skipped[rp.ID] = string(faults.CredentialMissing)
		return nil
	}
	if _, err := e.Repo.LiveJobForRepo(ctx, tx, rp.ID, rp.Backend); err == nil {
		raw, err := e.addIntention(ctx, tx, domain.Intention{
			Kind: domain.KindRawFetch, UserID: userID, ProjectID: projectID, RepoID: rp.ID, Backend: rp.Backend,
			Credential: rp.Credential(), Priority: priority,
		})
		if err != nil {
			return err
		}
		if _, err := e.archive(ctx, tx, raw, nil, domain.OutcomeSuperseded, "", "a fetch is already running"); err != nil {
			return err
		}
		res.Superseded = append(res.Superseded, raw.ID)
		return nil
	} else if !errors.Is(err, repo.ErrNotFound) {
		return err
	}
	created, err := e.schedulePair(ctx, tx, userID, projectID, rp, priority)
	if err != nil {
		return err
	}
	if len(created) == 0 {
		res.Skipped[rp.ID] = "already_pending"
	}
	res.Created = append(res.Created, created...)
	return nil
}

// RefreshRepo refreshes a single repository on behalf of a user who owns a
// project containing it.
func (e Engine) RefreshRepo(ctx context.Context, userID, repoID int64) (RefreshResult, error) {
	res := RefreshResult{Skipped: map[int64]string{}}
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		rp, err := e.Repo.GetRepositoryTx(ctx, tx, repoID)
		if err != nil {
			return notFound(err, "repository %d", repoID)
		}
		projects, err := e.Repo.ProjectsForRepository(ctx, tx, repoID)
		if err != nil {
			return err
		}
		var owner int64
		for _, pid := range projects {
			if _, err := e.Auth.Project(ctx, tx, pid, userID); err == nil {
				owner = pid
				break
			}
		}
		if owner == 0 {
			return faults.New(faults.Forbidden, "repository %d is not in any of your projects", repoID)
		}
		if err := e.requireToken(ctx, tx, userID, rp.Credential()); err != nil {
			return err
		}
		return e.refreshRepoTx(ctx, tx, userID, owner, rp, domain.PriorityRefresh, &res)
	})
	return res, err
}

// RefreshActions replays the project's recorded additions and removals.
func (e Engine) RefreshActions(ctx context.Context, userID, projectID int64) (RefreshResult, error) {
	var res RefreshResult
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		p, err := e.Auth.Project(ctx, tx, projectID, userID)
		if err != nil {
			return err
		}
		meta, err := e.addIntention(ctx, tx, domain.Intention{Kind: domain.KindRefreshActions, UserID: userID, ProjectID: p.ID, Priority: domain.PriorityRefresh})
		if err != nil {
			return err
		}
		res = RefreshResult{Intention: meta, Skipped: map[int64]string{}}
		actions, err := e.Repo.ListActions(ctx, tx, p.ID)
		if err != nil {
			return err
		}
		for _, a := range actions {
			src, err := registry.Parse(a.Backend, a.Input, a.Instance, e.Config)
			if err != nil {
				e.Log.Warn("skipping unparsable action", zap.Int64("action_id", a.ID), zap.Error(err))
				continue
			}
			switch a.Kind {
			case "add":
				added, err := e.addSource(ctx, tx, p, userID, src, a.IncludeForks, domain.PriorityRefresh)
				if faults.KindOf(err) == faults.CredentialMissing {
					res.Skipped[a.ID] = string(faults.CredentialMissing)
					continue
				}
				if err != nil {
					return err
				}
				res.Created = append(res.Created, added.Intentions...)
			case "remove":
				if src.OwnerOnly {
					continue
				}
				rp, err := e.Repo.FindRepositoryTx(ctx, tx, src.Backend, src.Identity())
				if errors.Is(err, repo.ErrNotFound) {
					continue
				}
				if err != nil {
					return err
				}
				if err := e.Repo.UnlinkProjectRepositoryTx(ctx, tx, p.ID, rp.ID); err != nil && !errors.Is(err, repo.ErrNotFound) {
					return err
				}
				if err := e.Repo.CancelRepoInProjectTx(ctx, tx, p.ID, rp.ID); err != nil {
					return err
				}
			}
		}
		_, err = e.archive(ctx, tx, meta, nil, domain.OutcomeOK, "", "")
		return err
	})
	if err != nil {
		return res, err
	}
	e.reprovision(ctx, projectID)
	return res, nil
}

// projectWork creates a project-wide terminal intention depending on every
// unfinished EnrichFetch of the project.
func (e Engine) projectWork(ctx context.Context, tx *sql.Tx, p domain.Project, userID int64, kind domain.Kind, credential string) (domain.Intention, error) {
	deps, err := e.Repo.ProjectEnrichIDsTx(ctx, tx, p.ID)
	if err != nil {
		return domain.Intention{}, err
	}
	return e.addIntention(ctx, tx, domain.Intention{
		Kind: kind, UserID: userID, ProjectID: p.ID, Credential: credential, Priority: domain.PriorityUser, DependsOn: deps,
	})
}

// ExportGitCSV schedules a CSV export of the project's git data.
func (e Engine) ExportGitCSV(ctx context.Context, userID, projectID int64) (domain.Intention, error) {
	var it domain.Intention
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		p, err := e.Auth.Project(ctx, tx, projectID, userID)
		if err != nil {
			return err
		}
		if it, err = e.projectWork(ctx, tx, p, userID, domain.KindExportCSV, ""); err != nil {
			return err
		}
		return e.Repo.UpsertExportTx(ctx, tx, domain.Export{ProjectID: p.ID, Backend: domain.BackendGit, State: "pending", UpdatedAt: e.now()})
	})
	return it, err
}

// IdentityMerge schedules the author-identity rewrite for the project.
func (e Engine) IdentityMerge(ctx context.Context, userID, projectID int64) (domain.Intention, error) {
	if !e.Config.Features.IdentityMerger {
		return domain.Intention{}, faults.New(faults.Validation, "identity merger is disabled")
	}
	var it domain.Intention
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		p, err := e.Auth.Project(ctx, tx, projectID, userID)
		if err != nil {
			return err
		}
		it, err = e.projectWork(ctx, tx, p, userID, domain.KindIdentityMerge, "")
		return err
	})
	return it, err
}

// EnableTwitterNotify schedules the change watcher. A pending or running
// watcher for the project is returned as is.
func (e Engine) EnableTwitterNotify(ctx context.Context, userID, projectID int64) (domain.Intention, error) {
	var it domain.Intention
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		p, err := e.Auth.Project(ctx, tx, projectID, userID)
		if err != nil {
			return err
		}
		credential := domain.CredentialFor(domain.BackendTwitter, "")
		if err := e.requireToken(ctx, tx, userID, credential); err != nil {
			return err
		}
		existing, err := e.Repo.ListIntentions(ctx, tx, repo.IntentionFilter{ProjectID: p.ID, Kind: domain.KindTwitterNotify, Limit: 1})
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			it = existing[0]
			return nil
		}
		it, err = e.addIntention(ctx, tx, domain.Intention{
			Kind: domain.KindTwitterNotify, UserID: userID, ProjectID: p.ID, Backend: domain.BackendTwitter,
			Credential: credential, Priority: domain.PriorityUser,
		})
		return err
	})
	return it, err
}

// ProjectRepositories lists the repositories linked to a project.
func (e Engine) ProjectRepositories(ctx context.Context, userID, projectID int64) ([]domain.Repository, error) {
	if _, err := e.Auth.Project(ctx, e.DB, projectID, userID); err != nil {
		return nil, err
	}
	return e.Repo.ProjectRepositories(ctx, e.DB, projectID)
}

// ListProjects returns the user's projects; admins and the system see all.
func (e Engine) ListProjects(ctx context.Context, userID int64) ([]domain.Project, error) {
	admin, err := e.Auth.IsAdmin(ctx, e.DB, userID)
	if err != nil {
		return nil, err
	}
	if admin {
		return e.Repo.ListProjects(ctx, 0)
	}
	return e.Repo.ListProjects(ctx, userID)
}

// DashboardAccess returns the project's role once it is provisioned.
func (e Engine) DashboardAccess(ctx context.Context, userID, projectID int64) (domain.ProjectRole, error) {
	p, err := e.Auth.Project(ctx, e.DB, projectID, userID)
	if err != nil {
		return domain.ProjectRole{}, err
	}
	if p.ProvisionState != domain.ProvisionReady {
		return domain.ProjectRole{}, faults.New(faults.ProvisionerFailure, "project %d dashboards are not available (%s)", p.ID, p.ProvisionState).
			WithDetail("provision_error", p.ProvisionError)
	}
	role, err := e.Repo.GetProjectRole(ctx, projectID)
	return role, notFound(err, "role of project %d", projectID)
}

func (e Engine) aggregator() status.Aggregator {
	window := 120 * time.Hour
	if e.Config != nil && e.Config.Scheduler.OutdatedAfter > 0 {
		window = e.Config.Scheduler.OutdatedAfter
	}
	return status.Aggregator{Repo: e.Repo, OutdatedAfter: window, Now: e.now}
}

// ProjectStatus folds the status of every repository of the project.
func (e Engine) ProjectStatus(ctx context.Context, userID, projectID int64) (status.ProjectSummary, error) {
	if _, err := e.Auth.Project(ctx, e.DB, projectID, userID); err != nil {
		return status.ProjectSummary{}, err
	}
	sum, err := e.aggregator().Project(ctx, projectID)
	return sum, notFound(err, "project %d", projectID)
}

// ProjectExports lists the export lifecycle rows of a project.
func (e Engine) ProjectExports(ctx context.Context, userID, projectID int64) ([]domain.Export, error) {
	if _, err := e.Auth.Project(ctx, e.DB, projectID, userID); err != nil {
		return nil, err
	}
	return e.Repo.ListExports(ctx, projectID)
}
