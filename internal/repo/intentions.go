package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"cauldron/internal/domain"
)

const intentionColumns = `i.id,i.kind,i.user_id,COALESCE(i.project_id,0),COALESCE(i.repo_id,0),COALESCE(i.backend,''),i.credential,i.priority,i.status,i.retries,i.payload_json,i.cancelled,i.created_at,i.not_before`

func scanIntention(row interface{ Scan(...any) error }) (domain.Intention, error) {
	var it domain.Intention
	var kind, backend, payload, created, notBefore string
	var cancelled int
	if err := row.Scan(&it.ID, &kind, &it.UserID, &it.ProjectID, &it.RepoID, &backend, &it.Credential, &it.Priority,
		&it.Status, &it.Retries, &payload, &cancelled, &created, &notBefore); err != nil {
		return it, err
	}
	it.Kind = domain.Kind(kind)
	it.Backend = domain.Backend(backend)
	it.Cancelled = cancelled == 1
	it.CreatedAt = parseTime(created)
	it.NotBefore = parseTime(notBefore)
	if payload != "" {
		if err := json.Unmarshal([]byte(payload), &it.Payload); err != nil {
			return it, fmt.Errorf("decode intention %d payload: %w", it.ID, err)
		}
	}
	return it, nil
}

func marshalPayload(p domain.Payload) (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// InsertIntentionTx stores a pending intention and its dependency edges.
func (r Repo) InsertIntentionTx(ctx context.Context, tx *sql.Tx, it domain.Intention) (domain.Intention, error) {
	payload, err := marshalPayload(it.Payload)
	if err != nil {
		return it, err
	}
	if it.Status == "" {
		it.Status = domain.IntentionPending
	}
	if it.NotBefore.IsZero() {
		it.NotBefore = it.CreatedAt
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO intentions(kind,user_id,project_id,repo_id,backend,credential,priority,status,retries,payload_json,cancelled,created_at,not_before)
VALUES (?,?,?,?,?,?,?,?,?,?,0,?,?)`,
		string(it.Kind), it.UserID, nullableID(it.ProjectID), nullableID(it.RepoID), nullable(string(it.Backend)), it.Credential,
		it.Priority, it.Status, it.Retries, payload, FormatTime(it.CreatedAt), FormatTime(it.NotBefore))
	if err != nil {
		return it, err
	}
	if it.ID, err = res.LastInsertId(); err != nil {
		return it, err
	}
	for _, dep := range it.DependsOn {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO intention_deps(intention_id,depends_on_id) VALUES (?,?)`, it.ID, dep); err != nil {
			return it, err
		}
	}
	it.CreatedAt = it.CreatedAt.UTC().Truncate(time.Second)
	it.NotBefore = it.NotBefore.UTC().Truncate(time.Second)
	return it, nil
}

func loadDeps(ctx context.Context, q Querier, id int64) ([]int64, error) {
	rows, err := q.QueryContext(ctx, `SELECT depends_on_id FROM intention_deps WHERE intention_id=? ORDER BY depends_on_id`, id)
	if err != nil {
		return nil, err
	}
	return scanIDs(rows)
}

func getIntention(ctx context.Context, q Querier, id int64) (domain.Intention, error) {
	it, err := scanIntention(q.QueryRowContext(ctx, `SELECT `+intentionColumns+` FROM intentions i WHERE i.id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return it, ErrNotFound
	}
	if err != nil {
		return it, err
	}
	it.DependsOn, err = loadDeps(ctx, q, id)
	return it, err
}

func (r Repo) GetIntention(ctx context.Context, id int64) (domain.Intention, error) {
	return getIntention(ctx, r.DB, id)
}

func (r Repo) GetIntentionTx(ctx context.Context, tx *sql.Tx, id int64) (domain.Intention, error) {
	return getIntention(ctx, tx, id)
}

type IntentionFilter struct {
	UserID    int64
	ProjectID int64
	RepoID    int64
	Kind      domain.Kind
	Status    string
	Limit     int
}

func (f IntentionFilter) where() (string, []any) {
	var clauses []string
	var args []any
	if f.UserID != 0 {
		clauses = append(clauses, "i.user_id=?")
		args = append(args, f.UserID)
	}
	if f.ProjectID != 0 {
		clauses = append(clauses, "i.project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.RepoID != 0 {
		clauses = append(clauses, "i.repo_id=?")
		args = append(args, f.RepoID)
	}
	if f.Kind != "" {
		clauses = append(clauses, "i.kind=?")
		args = append(args, string(f.Kind))
	}
	if f.Status != "" {
		clauses = append(clauses, "i.status=?")
		args = append(args, f.Status)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func (r Repo) ListIntentions(ctx context.Context, q Querier, f IntentionFilter) ([]domain.Intention, error) {
	where, args := f.where()
	query := `SELECT ` + intentionColumns + ` FROM intentions i` + where + ` ORDER BY i.priority, i.created_at, i.id`
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var res []domain.Intention
	for rows.Next() {
		it, err := scanIntention(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		res = append(res, it)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()
	for i := range res {
		if res[i].DependsOn, err = loadDeps(ctx, q, res[i].ID); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// readyClause selects pending intentions whose dependencies all archived OK,
// whose repository has no live job and whose credential has a usable token.
const readyClause = `i.status='pending' AND i.cancelled=0 AND i.not_before<=?
  AND i.kind NOT IN ('refresh_project','refresh_actions','auto_refresh')
  AND NOT EXISTS (SELECT 1 FROM intention_deps d WHERE d.intention_id=i.id
    AND NOT EXISTS (SELECT 1 FROM archived_intentions a WHERE a.id=d.depends_on_id AND a.outcome='ok'))
  AND (i.repo_id IS NULL OR NOT EXISTS (SELECT 1 FROM jobs j WHERE j.repo_id=i.repo_id AND j.backend=i.backend))
  AND (i.credential='' OR EXISTS (SELECT 1 FROM tokens t WHERE t.user_id=i.user_id AND t.backend=i.credential AND t.rate_time<=?))`

// ReadyIDs lists leasable intentions in lease order. kinds restricts the result
// when non-empty; limit 0 means unbounded.
func (r Repo) ReadyIDs(ctx context.Context, q Querier, now time.Time, kinds []domain.Kind, limit int) ([]int64, error) {
	ts := FormatTime(now)
	query := `SELECT i.id FROM intentions i WHERE ` + readyClause
	args := []any{ts, ts}
	if len(kinds) > 0 {
		marks := make([]string, len(kinds))
		for n, k := range kinds {
			marks[n] = "?"
			args = append(args, string(k))
		}
		query += ` AND i.kind IN (` + strings.Join(marks, ",") + `)`
	}
	query += ` ORDER BY i.priority, i.created_at, i.id`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanIDs(rows)
}

// IsReady reports whether intention id is currently leasable.
func (r Repo) IsReady(ctx context.Context, q Querier, id int64, now time.Time) (bool, error) {
	ts := FormatTime(now)
	var n int
	err := q.QueryRowContext(ctx, `SELECT count(*) FROM intentions i WHERE i.id=? AND `+readyClause, id, ts, ts).Scan(&n)
	return n > 0, err
}

func (r Repo) SetIntentionStatusTx(ctx context.Context, tx *sql.Tx, id int64, status string) error {
	res, err := tx.ExecContext(ctx, `UPDATE intentions SET status=? WHERE id=?`, status, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RequeueTx returns a running intention to pending with the given retry count
// and earliest lease time.
func (r Repo) RequeueTx(ctx context.Context, tx *sql.Tx, id int64, retries int, notBefore time.Time) error {
	_, err := tx.ExecContext(ctx, `UPDATE intentions SET status='pending', retries=?, not_before=? WHERE id=?`, retries, FormatTime(notBefore), id)
	return err
}

func (r Repo) SetPriorityTx(ctx context.Context, tx *sql.Tx, id int64, priority int) error {
	_, err := tx.ExecContext(ctx, `UPDATE intentions SET priority=? WHERE id=? AND priority>?`, priority, id, priority)
	return err
}

// PendingForRepoTx returns the oldest non-running intention of kind on (repo, backend).
func (r Repo) PendingForRepoTx(ctx context.Context, tx *sql.Tx, kind domain.Kind, repoID int64, backend domain.Backend) (domain.Intention, error) {
	it, err := scanIntention(tx.QueryRowContext(ctx, `SELECT `+intentionColumns+` FROM intentions i
WHERE i.kind=? AND i.repo_id=? AND i.backend=? AND i.status='pending' AND i.cancelled=0 ORDER BY i.id LIMIT 1`,
		string(kind), repoID, string(backend)))
	if errors.Is(err, sql.ErrNoRows) {
		return it, ErrNotFound
	}
	return it, err
}

// PendingCountForRepo counts non-running, non-cancelled intentions on (repo, backend).
func (r Repo) PendingCountForRepo(ctx context.Context, q Querier, repoID int64, backend domain.Backend) (int, error) {
	var n int
	err := q.QueryRowContext(ctx, `SELECT count(*) FROM intentions WHERE repo_id=? AND backend=? AND status='pending' AND cancelled=0`,
		repoID, string(backend)).Scan(&n)
	return n, err
}

// EnrichDependsOnTx reports whether an intention of kind enrich_fetch depends on id.
func (r Repo) EnrichDependsOnTx(ctx context.Context, tx *sql.Tx, id int64) (bool, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT count(*) FROM intention_deps d JOIN intentions i ON i.id=d.intention_id
WHERE d.depends_on_id=? AND i.kind='enrich_fetch'`, id).Scan(&n)
	return n > 0, err
}

// DependentsTx lists pending intentions that depend on id.
func (r Repo) DependentsTx(ctx context.Context, tx *sql.Tx, id int64) ([]int64, error) {
	rows, err := tx.QueryContext(ctx, `SELECT d.intention_id FROM intention_deps d JOIN intentions i ON i.id=d.intention_id
WHERE d.depends_on_id=? AND i.status='pending' ORDER BY d.intention_id`, id)
	if err != nil {
		return nil, err
	}
	return scanIDs(rows)
}

// ProjectEnrichIDsTx lists the project's unfinished enrich intentions.
func (r Repo) ProjectEnrichIDsTx(ctx context.Context, tx *sql.Tx, projectID int64) ([]int64, error) {
	rows, err := tx.QueryContext(ctx, `SELECT id FROM intentions WHERE project_id=? AND kind='enrich_fetch' AND cancelled=0 ORDER BY id`, projectID)
	if err != nil {
		return nil, err
	}
	return scanIDs(rows)
}

// CancelProjectTx hands the project's repository fetches over to other
// projects sharing the repository, deletes its remaining pending intentions
// and flags running ones so their results are archived as superseded. It
// returns the number deleted and the number handed over.
func (r Repo) CancelProjectTx(ctx context.Context, tx *sql.Tx, projectID int64) (removed, handed int64, err error) {
	handed, err = r.handOffTx(ctx, tx, projectID, 0)
	if err != nil {
		return 0, 0, err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM intentions WHERE project_id=? AND status='pending'`, projectID)
	if err != nil {
		return 0, handed, err
	}
	removed, _ = res.RowsAffected()
	if _, err := tx.ExecContext(ctx, `UPDATE intentions SET cancelled=1 WHERE project_id=? AND status='running'`, projectID); err != nil {
		return removed, handed, err
	}
	return removed, handed, nil
}

// CancelRepoInProjectTx drops the project's work on one repository, handing
// it over instead when another project still links the repository. Call it
// after the link is removed.
func (r Repo) CancelRepoInProjectTx(ctx context.Context, tx *sql.Tx, projectID, repoID int64) error {
	if _, err := r.handOffTx(ctx, tx, projectID, repoID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM intentions WHERE project_id=? AND repo_id=? AND status='pending'`, projectID, repoID); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, `UPDATE intentions SET cancelled=1 WHERE project_id=? AND repo_id=? AND status='running'`, projectID, repoID)
	return err
}

// handOffTx reassigns the project's live RawFetch/EnrichFetch intentions to
// the lowest-id other project linked to the same repository, owned by that
// project's creator. A zero repoID covers every repository of the project.
func (r Repo) handOffTx(ctx context.Context, tx *sql.Tx, projectID, repoID int64) (int64, error) {
	query := `SELECT i.id,
  (SELECT MIN(pr.project_id) FROM project_repositories pr WHERE pr.repo_id=i.repo_id AND pr.project_id<>?)
FROM intentions i
WHERE i.project_id=? AND i.repo_id IS NOT NULL AND i.cancelled=0 AND i.kind IN ('raw_fetch','enrich_fetch')`
	args := []any{projectID, projectID}
	if repoID != 0 {
		query += ` AND i.repo_id=?`
		args = append(args, repoID)
	}
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	moves := map[int64]int64{}
	for rows.Next() {
		var id int64
		var target sql.NullInt64
		if err := rows.Scan(&id, &target); err != nil {
			rows.Close()
			return 0, err
		}
		if target.Valid {
			moves[id] = target.Int64
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, err
	}
	if err := rows.Close(); err != nil {
		return 0, err
	}
	for id, target := range moves {
		if _, err := tx.ExecContext(ctx, `UPDATE intentions SET project_id=?,
  user_id=(SELECT creator_id FROM projects WHERE id=?) WHERE id=?`, target, target, id); err != nil {
			return 0, err
		}
	}
	return int64(len(moves)), nil
}

func (r Repo) DeleteIntentionTx(ctx context.Context, tx *sql.Tx, id int64) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM intentions WHERE id=?`, id)
	return err
}
