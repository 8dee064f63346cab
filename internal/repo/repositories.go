package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"cauldron/internal/domain"
)

const repositorySelect = `SELECT r.id, r.backend, r.identity, r.url, r.created_at,
  COALESCE(gl.instance, ''),
  COALESCE(gh.owner, gl.owner, se.site, ''),
  COALESCE(gh.repo, gl.repo, se.tagged, ''),
  COALESCE(s.id, 0)
FROM repositories r
LEFT JOIN github_repositories gh ON gh.repo_id = r.id
LEFT JOIN gitlab_repositories gl ON gl.repo_id = r.id
LEFT JOIN stackexchange_repositories se ON se.repo_id = r.id
LEFT JOIN repository_shadows s ON s.repo_id = r.id`

func scanRepository(row interface{ Scan(...any) error }) (domain.Repository, error) {
	var rp domain.Repository
	var backend, created string
	if err := row.Scan(&rp.ID, &backend, &rp.Identity, &rp.URL, &created, &rp.Instance, &rp.Owner, &rp.Name, &rp.ShadowID); err != nil {
		return rp, err
	}
	rp.Backend = domain.Backend(backend)
	rp.CreatedAt = parseTime(created)
	return rp, nil
}

func queryRepositories(ctx context.Context, q Querier, query string, args ...any) ([]domain.Repository, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Repository
	for rows.Next() {
		rp, err := scanRepository(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rp)
	}
	return res, rows.Err()
}

func getRepository(ctx context.Context, q Querier, id int64) (domain.Repository, error) {
	rp, err := scanRepository(q.QueryRowContext(ctx, repositorySelect+` WHERE r.id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return rp, ErrNotFound
	}
	return rp, err
}

func (r Repo) GetRepository(ctx context.Context, id int64) (domain.Repository, error) {
	return getRepository(ctx, r.DB, id)
}

func (r Repo) GetRepositoryTx(ctx context.Context, tx *sql.Tx, id int64) (domain.Repository, error) {
	return getRepository(ctx, tx, id)
}

func (r Repo) FindRepositoryTx(ctx context.Context, tx *sql.Tx, backend domain.Backend, identity string) (domain.Repository, error) {
	rp, err := scanRepository(tx.QueryRowContext(ctx, repositorySelect+` WHERE r.backend=? AND r.identity=?`, string(backend), identity))
	if errors.Is(err, sql.ErrNoRows) {
		return rp, ErrNotFound
	}
	return rp, err
}

// InsertRepositoryTx writes the generic row, the backend detail row and the shadow.
// Detail fields come from the Repository; for stackexchange Owner is the site and
// Name the normalized tag list.
func (r Repo) InsertRepositoryTx(ctx context.Context, tx *sql.Tx, rp domain.Repository, now time.Time) (domain.Repository, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO repositories(backend,identity,url,created_at) VALUES (?,?,?,?)`,
		string(rp.Backend), rp.Identity, rp.URL, FormatTime(now))
	if err != nil {
		return rp, err
	}
	if rp.ID, err = res.LastInsertId(); err != nil {
		return rp, err
	}
	switch rp.Backend {
	case domain.BackendGit:
		_, err = tx.ExecContext(ctx, `INSERT INTO git_repositories(repo_id,url) VALUES (?,?)`, rp.ID, rp.URL)
	case domain.BackendGitHub:
		_, err = tx.ExecContext(ctx, `INSERT INTO github_repositories(repo_id,owner,repo) VALUES (?,?,?)`, rp.ID, rp.Owner, rp.Name)
	case domain.BackendGitLab:
		_, err = tx.ExecContext(ctx, `INSERT INTO gitlab_repositories(repo_id,instance,owner,repo) VALUES (?,?,?,?)`, rp.ID, rp.Instance, rp.Owner, rp.Name)
	case domain.BackendMeetup:
		_, err = tx.ExecContext(ctx, `INSERT INTO meetup_repositories(repo_id,group_slug) VALUES (?,?)`, rp.ID, rp.Identity)
	case domain.BackendStackExchange:
		_, err = tx.ExecContext(ctx, `INSERT INTO stackexchange_repositories(repo_id,site,tagged) VALUES (?,?,?)`, rp.ID, rp.Owner, rp.Name)
	default:
		err = fmt.Errorf("unsupported repository backend %q", rp.Backend)
	}
	if err != nil {
		return rp, err
	}
	res, err = tx.ExecContext(ctx, `INSERT INTO repository_shadows(repo_id,created_at) VALUES (?,?)`, rp.ID, FormatTime(now))
	if err != nil {
		return rp, err
	}
	rp.ShadowID, err = res.LastInsertId()
	rp.CreatedAt = now.UTC().Truncate(time.Second)
	return rp, err
}

func (r Repo) LinkProjectRepositoryTx(ctx context.Context, tx *sql.Tx, projectID, repoID int64) (bool, error) {
	res, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO project_repositories(project_id,repo_id) VALUES (?,?)`, projectID, repoID)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r Repo) UnlinkProjectRepositoryTx(ctx context.Context, tx *sql.Tx, projectID, repoID int64) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM project_repositories WHERE project_id=? AND repo_id=?`, projectID, repoID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ProjectRepositories(ctx context.Context, q Querier, projectID int64) ([]domain.Repository, error) {
	return queryRepositories(ctx, q, repositorySelect+`
JOIN project_repositories pr ON pr.repo_id = r.id WHERE pr.project_id=? ORDER BY r.id`, projectID)
}

// ProjectsForRepository lists project ids containing the repository.
func (r Repo) ProjectsForRepository(ctx context.Context, q Querier, repoID int64) ([]int64, error) {
	rows, err := q.QueryContext(ctx, `SELECT project_id FROM project_repositories WHERE repo_id=? ORDER BY project_id`, repoID)
	if err != nil {
		return nil, err
	}
	return scanIDs(rows)
}

// AnalyzedURLs returns, per backend, the URLs of the project's repositories whose
// latest raw and enrich fetches both succeeded.
func (r Repo) AnalyzedURLs(ctx context.Context, q Querier, projectID int64) (map[domain.Backend][]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT r.backend, r.url FROM repositories r
JOIN project_repositories pr ON pr.repo_id = r.id
WHERE pr.project_id = ?
  AND EXISTS (SELECT 1 FROM archived_intentions a WHERE a.repo_id=r.id AND a.backend=r.backend AND a.kind='raw_fetch' AND a.latest=1 AND a.outcome='ok')
  AND EXISTS (SELECT 1 FROM archived_intentions a WHERE a.repo_id=r.id AND a.backend=r.backend AND a.kind='enrich_fetch' AND a.latest=1 AND a.outcome='ok')
ORDER BY r.url`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[domain.Backend][]string{}
	for rows.Next() {
		var backend, url string
		if err := rows.Scan(&backend, &url); err != nil {
			return nil, err
		}
		res[domain.Backend(backend)] = append(res[domain.Backend(backend)], url)
	}
	return res, rows.Err()
}
