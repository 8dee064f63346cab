// Package status derives repository and project analysis status from the
// intention pool, live jobs and the archive.
package status

import (
	"context"
	"errors"
	"time"

	"cauldron/internal/domain"
	"cauldron/internal/repo"
)

type RepoSummary struct {
	domain.Repository
	Status domain.RepoStatus `json:"status" enum:"analyzed,in_progress,pending,error"`
}

type ProjectSummary struct {
	Project      domain.Project    `json:"project"`
	Status       domain.RepoStatus `json:"status" enum:"analyzed,in_progress,pending,error"`
	Repositories []RepoSummary     `json:"repositories"`
	LastRefresh  *time.Time        `json:"last_refresh,omitempty" format:"date-time"`
	Outdated     bool              `json:"outdated"`
}

type Aggregator struct {
	Repo          repo.Repo
	OutdatedAfter time.Duration
	Now           func() time.Time
}

func (a Aggregator) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return time.Now()
}

// RepoStatus classifies one repository on its own backend.
func (a Aggregator) RepoStatus(ctx context.Context, q repo.Querier, rp domain.Repository) (domain.RepoStatus, error) {
	if _, err := a.Repo.LiveJobForRepo(ctx, q, rp.ID, rp.Backend); err == nil {
		return domain.StatusInProgress, nil
	} else if !errors.Is(err, repo.ErrNotFound) {
		return "", err
	}
	n, err := a.Repo.PendingCountForRepo(ctx, q, rp.ID, rp.Backend)
	if err != nil {
		return "", err
	}
	if n > 0 {
		return domain.StatusPending, nil
	}
	for _, kind := range []domain.Kind{domain.KindRawFetch, domain.KindEnrichFetch} {
		latest, err := a.Repo.LatestArchived(ctx, q, kind, rp.ID, rp.Backend)
		if errors.Is(err, repo.ErrNotFound) {
			return domain.StatusError, nil
		}
		if err != nil {
			return "", err
		}
		if latest.Outcome != domain.OutcomeOK {
			return domain.StatusError, nil
		}
	}
	return domain.StatusAnalyzed, nil
}

// Fold returns the most severe status; an empty set is analyzed.
func Fold(statuses []domain.RepoStatus) domain.RepoStatus {
	worst := domain.StatusAnalyzed
	for _, s := range statuses {
		if s.Severity() > worst.Severity() {
			worst = s
		}
	}
	return worst
}

// Outdated reports whether last is older than window at now. A project that
// never refreshed is not outdated.
func Outdated(last *time.Time, now time.Time, window time.Duration) bool {
	if last == nil || window <= 0 {
		return false
	}
	return now.Sub(*last) > window
}

func (a Aggregator) Project(ctx context.Context, projectID int64) (ProjectSummary, error) {
	p, err := a.Repo.GetProject(ctx, projectID)
	if err != nil {
		return ProjectSummary{}, err
	}
	repos, err := a.Repo.ProjectRepositories(ctx, a.Repo.DB, projectID)
	if err != nil {
		return ProjectSummary{}, err
	}
	sum := ProjectSummary{Project: p, Repositories: make([]RepoSummary, 0, len(repos))}
	statuses := make([]domain.RepoStatus, 0, len(repos))
	for _, rp := range repos {
		st, err := a.RepoStatus(ctx, a.Repo.DB, rp)
		if err != nil {
			return ProjectSummary{}, err
		}
		statuses = append(statuses, st)
		sum.Repositories = append(sum.Repositories, RepoSummary{Repository: rp, Status: st})
	}
	sum.Status = Fold(statuses)
	last, ok, err := a.Repo.LastRefresh(ctx, a.Repo.DB, projectID)
	if err != nil {
		return ProjectSummary{}, err
	}
	if ok {
		sum.LastRefresh = &last
	}
	sum.Outdated = Outdated(sum.LastRefresh, a.now(), a.OutdatedAfter)
	return sum, nil
}
