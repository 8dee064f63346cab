package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"cauldron/internal/domain"
)

const archivedColumns = `a.id,a.kind,a.user_id,COALESCE(a.project_id,0),COALESCE(a.repo_id,0),COALESCE(a.backend,''),a.credential,a.priority,a.retries,a.payload_json,a.created_at,
a.started_at,a.completed_at,a.outcome,COALESCE(a.error_kind,''),COALESCE(a.error_message,''),COALESCE(a.log_location,''),a.latest`

func scanArchived(row interface{ Scan(...any) error }) (domain.ArchivedIntention, error) {
	var a domain.ArchivedIntention
	var kind, backend, payload, created, completed, outcome string
	var started sql.NullString
	var latest int
	if err := row.Scan(&a.ID, &kind, &a.UserID, &a.ProjectID, &a.RepoID, &backend, &a.Credential, &a.Priority, &a.Retries, &payload, &created,
		&started, &completed, &outcome, &a.ErrorKind, &a.ErrorMessage, &a.LogLocation, &latest); err != nil {
		return a, err
	}
	a.Kind = domain.Kind(kind)
	a.Backend = domain.Backend(backend)
	a.CreatedAt = parseTime(created)
	a.StartedAt = parseNullTime(started)
	a.CompletedAt = parseTime(completed)
	a.Outcome = domain.Outcome(outcome)
	a.Latest = latest == 1
	a.Status = string(a.State())
	if err := jsonDecode(payload, &a.Payload); err != nil {
		return a, fmt.Errorf("decode archived %d payload: %w", a.ID, err)
	}
	return a, nil
}

// ArchiveTx moves an intention into the archive and removes it from the pool,
// together with its job and dependency edges. Fetch archives with outcome ok or
// error become the single latest row for their (kind, repo, backend).
func (r Repo) ArchiveTx(ctx context.Context, tx *sql.Tx, a domain.ArchivedIntention) (domain.ArchivedIntention, error) {
	payload, err := marshalPayload(a.Payload)
	if err != nil {
		return a, err
	}
	a.Latest = a.Kind.Fetch() && a.RepoID != 0 && a.Outcome != domain.OutcomeSuperseded
	if a.Latest {
		if _, err := tx.ExecContext(ctx, `UPDATE archived_intentions SET latest=0 WHERE kind=? AND repo_id=? AND backend=? AND latest=1`,
			string(a.Kind), a.RepoID, string(a.Backend)); err != nil {
			return a, err
		}
	}
	var started any
	if a.StartedAt != nil {
		started = FormatTime(*a.StartedAt)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO archived_intentions(id,kind,user_id,project_id,repo_id,backend,credential,priority,retries,payload_json,created_at,
started_at,completed_at,outcome,error_kind,error_message,log_location,latest) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, string(a.Kind), a.UserID, nullableID(a.ProjectID), nullableID(a.RepoID), nullable(string(a.Backend)), a.Credential, a.Priority, a.Retries, payload,
		FormatTime(a.CreatedAt), started, FormatTime(a.CompletedAt), string(a.Outcome), nullable(a.ErrorKind), nullable(a.ErrorMessage),
		nullable(a.LogLocation), boolInt(a.Latest))
	if err != nil {
		return a, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM intentions WHERE id=?`, a.ID); err != nil {
		return a, err
	}
	a.Status = string(a.State())
	return a, nil
}

func getArchived(ctx context.Context, q Querier, id int64) (domain.ArchivedIntention, error) {
	a, err := scanArchived(q.QueryRowContext(ctx, `SELECT `+archivedColumns+` FROM archived_intentions a WHERE a.id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return a, ErrNotFound
	}
	return a, err
}

func (r Repo) GetArchived(ctx context.Context, id int64) (domain.ArchivedIntention, error) {
	return getArchived(ctx, r.DB, id)
}

func (r Repo) GetArchivedTx(ctx context.Context, tx *sql.Tx, id int64) (domain.ArchivedIntention, error) {
	return getArchived(ctx, tx, id)
}

type ArchiveFilter struct {
	UserID    int64
	ProjectID int64
	RepoID    int64
	Kind      domain.Kind
	Limit     int
}

func (r Repo) ListArchived(ctx context.Context, f ArchiveFilter) ([]domain.ArchivedIntention, error) {
	query := `SELECT ` + archivedColumns + ` FROM archived_intentions a WHERE 1=1`
	var args []any
	if f.UserID != 0 {
		query += ` AND a.user_id=?`
		args = append(args, f.UserID)
	}
	if f.ProjectID != 0 {
		query += ` AND a.project_id=?`
		args = append(args, f.ProjectID)
	}
	if f.RepoID != 0 {
		query += ` AND a.repo_id=?`
		args = append(args, f.RepoID)
	}
	if f.Kind != "" {
		query += ` AND a.kind=?`
		args = append(args, string(f.Kind))
	}
	query += ` ORDER BY a.completed_at DESC, a.id DESC`
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ArchivedIntention
	for rows.Next() {
		a, err := scanArchived(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// LatestArchived returns the latest archive of kind for (repo, backend).
func (r Repo) LatestArchived(ctx context.Context, q Querier, kind domain.Kind, repoID int64, backend domain.Backend) (domain.ArchivedIntention, error) {
	a, err := scanArchived(q.QueryRowContext(ctx, `SELECT `+archivedColumns+` FROM archived_intentions a
WHERE a.kind=? AND a.repo_id=? AND a.backend=? AND a.latest=1`, string(kind), repoID, string(backend)))
	if errors.Is(err, sql.ErrNoRows) {
		return a, ErrNotFound
	}
	return a, err
}

// LastRefresh returns the newest completion time of an OK enrich on any of the
// project's repositories.
func (r Repo) LastRefresh(ctx context.Context, q Querier, projectID int64) (time.Time, bool, error) {
	var s sql.NullString
	err := q.QueryRowContext(ctx, `SELECT max(a.completed_at) FROM archived_intentions a
JOIN project_repositories pr ON pr.repo_id=a.repo_id
WHERE pr.project_id=? AND a.kind='enrich_fetch' AND a.outcome='ok'`, projectID).Scan(&s)
	if err != nil || !s.Valid {
		return time.Time{}, false, err
	}
	return parseTime(s.String), true, nil
}

// LastArchivedOfKind returns the newest completion of kind for a project.
func (r Repo) LastArchivedOfKind(ctx context.Context, q Querier, projectID int64, kind domain.Kind) (time.Time, bool, error) {
	var s sql.NullString
	err := q.QueryRowContext(ctx, `SELECT max(completed_at) FROM archived_intentions WHERE project_id=? AND kind=?`, projectID, string(kind)).Scan(&s)
	if err != nil || !s.Valid {
		return time.Time{}, false, err
	}
	return parseTime(s.String), true, nil
}
