package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"cauldron/internal/domain"
)

const jobColumns = `j.id,j.intention_id,j.worker_id,COALESCE(j.repo_id,0),COALESCE(j.backend,''),j.started_at,j.heartbeat_at,COALESCE(l.location,'')`

const jobFrom = ` FROM jobs j LEFT JOIN job_logs l ON l.job_id=j.id`

func scanJob(row interface{ Scan(...any) error }) (domain.Job, error) {
	var j domain.Job
	var backend, started, beat string
	if err := row.Scan(&j.ID, &j.IntentionID, &j.WorkerID, &j.RepoID, &backend, &started, &beat, &j.LogLocation); err != nil {
		return j, err
	}
	j.Backend = domain.Backend(backend)
	j.StartedAt = parseTime(started)
	j.HeartbeatAt = parseTime(beat)
	return j, nil
}

func queryJobs(ctx context.Context, q Querier, query string, args ...any) ([]domain.Job, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, j)
	}
	return res, rows.Err()
}

// InsertJobTx creates the live job and its log row. The partial unique index on
// (repo_id, backend) rejects a second job for the same repository.
func (r Repo) InsertJobTx(ctx context.Context, tx *sql.Tx, j domain.Job) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO jobs(id,intention_id,worker_id,repo_id,backend,started_at,heartbeat_at) VALUES (?,?,?,?,?,?,?)`,
		j.ID, j.IntentionID, j.WorkerID, nullableID(j.RepoID), nullable(string(j.Backend)), FormatTime(j.StartedAt), FormatTime(j.HeartbeatAt))
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO job_logs(job_id,location) VALUES (?,?)`, j.ID, j.LogLocation)
	return err
}

func getJob(ctx context.Context, q Querier, id string) (domain.Job, error) {
	j, err := scanJob(q.QueryRowContext(ctx, `SELECT `+jobColumns+jobFrom+` WHERE j.id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return j, ErrNotFound
	}
	return j, err
}

func (r Repo) GetJob(ctx context.Context, id string) (domain.Job, error) {
	return getJob(ctx, r.DB, id)
}

func (r Repo) GetJobTx(ctx context.Context, tx *sql.Tx, id string) (domain.Job, error) {
	return getJob(ctx, tx, id)
}

func (r Repo) JobForIntention(ctx context.Context, q Querier, intentionID int64) (domain.Job, error) {
	j, err := scanJob(q.QueryRowContext(ctx, `SELECT `+jobColumns+jobFrom+` WHERE j.intention_id=?`, intentionID))
	if errors.Is(err, sql.ErrNoRows) {
		return j, ErrNotFound
	}
	return j, err
}

func (r Repo) LiveJobForRepo(ctx context.Context, q Querier, repoID int64, backend domain.Backend) (domain.Job, error) {
	j, err := scanJob(q.QueryRowContext(ctx, `SELECT `+jobColumns+jobFrom+` WHERE j.repo_id=? AND j.backend=?`, repoID, string(backend)))
	if errors.Is(err, sql.ErrNoRows) {
		return j, ErrNotFound
	}
	return j, err
}

func (r Repo) ListJobs(ctx context.Context) ([]domain.Job, error) {
	return queryJobs(ctx, r.DB, `SELECT `+jobColumns+jobFrom+` ORDER BY j.started_at, j.id`)
}

// StaleJobsTx lists jobs whose last heartbeat is before cutoff.
func (r Repo) StaleJobsTx(ctx context.Context, tx *sql.Tx, cutoff time.Time) ([]domain.Job, error) {
	return queryJobs(ctx, tx, `SELECT `+jobColumns+jobFrom+` WHERE j.heartbeat_at<? ORDER BY j.heartbeat_at`, FormatTime(cutoff))
}

func (r Repo) HeartbeatTx(ctx context.Context, tx *sql.Tx, jobID, workerID string, now time.Time) error {
	res, err := tx.ExecContext(ctx, `UPDATE jobs SET heartbeat_at=? WHERE id=? AND worker_id=?`, FormatTime(now), jobID, workerID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteJobTx(ctx context.Context, tx *sql.Tx, id string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE id=?`, id)
	return err
}
