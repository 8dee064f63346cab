package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"cauldron/internal/domain"
)

const projectColumns = `id,name,creator_id,created_at,autorefresh,provision_state,COALESCE(provision_error,'')`

func scanProject(row interface{ Scan(...any) error }) (domain.Project, error) {
	var p domain.Project
	var created string
	var auto int
	if err := row.Scan(&p.ID, &p.Name, &p.CreatorID, &created, &auto, &p.ProvisionState, &p.ProvisionError); err != nil {
		return p, err
	}
	p.CreatedAt = parseTime(created)
	p.Autorefresh = auto == 1
	return p, nil
}

func queryProjects(ctx context.Context, q Querier, query string, args ...any) ([]domain.Project, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) InsertProjectTx(ctx context.Context, tx *sql.Tx, p domain.Project) (domain.Project, error) {
	if p.ProvisionState == "" {
		p.ProvisionState = domain.ProvisionPending
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO projects(name,creator_id,created_at,autorefresh,provision_state) VALUES (?,?,?,?,?)`,
		p.Name, p.CreatorID, FormatTime(p.CreatedAt), boolInt(p.Autorefresh), p.ProvisionState)
	if err != nil {
		return p, err
	}
	p.ID, err = res.LastInsertId()
	p.CreatedAt = p.CreatedAt.UTC().Truncate(time.Second)
	return p, err
}

func getProject(ctx context.Context, q Querier, id int64) (domain.Project, error) {
	p, err := scanProject(q.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return p, ErrNotFound
	}
	return p, err
}

func (r Repo) GetProject(ctx context.Context, id int64) (domain.Project, error) {
	return getProject(ctx, r.DB, id)
}

func (r Repo) GetProjectTx(ctx context.Context, tx *sql.Tx, id int64) (domain.Project, error) {
	return getProject(ctx, tx, id)
}

func (r Repo) ProjectNameTakenTx(ctx context.Context, tx *sql.Tx, name string, creatorID int64) (bool, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT count(*) FROM projects WHERE name=? AND creator_id=?`, name, creatorID).Scan(&n)
	return n > 0, err
}

// ListProjects returns the user's projects, or all projects when userID is 0.
func (r Repo) ListProjects(ctx context.Context, userID int64) ([]domain.Project, error) {
	if userID == 0 {
		return queryProjects(ctx, r.DB, `SELECT `+projectColumns+` FROM projects ORDER BY id`)
	}
	return queryProjects(ctx, r.DB, `SELECT `+projectColumns+` FROM projects WHERE creator_id=? ORDER BY id`, userID)
}

func (r Repo) ProjectsByProvisionState(ctx context.Context, state string) ([]domain.Project, error) {
	return queryProjects(ctx, r.DB, `SELECT `+projectColumns+` FROM projects WHERE provision_state=? ORDER BY id`, state)
}

func (r Repo) AutorefreshProjects(ctx context.Context) ([]domain.Project, error) {
	return queryProjects(ctx, r.DB, `SELECT `+projectColumns+` FROM projects WHERE autorefresh=1 ORDER BY id`)
}

func (r Repo) DeleteProjectTx(ctx context.Context, tx *sql.Tx, id int64) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM projects WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetProvisionState records a provisioning outcome. It reports false, and
// writes nothing, when the project is gone or being deleted.
func (r Repo) SetProvisionState(ctx context.Context, projectID int64, state, message string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE projects SET provision_state=?, provision_error=? WHERE id=? AND provision_state<>'deleting'`,
		state, nullable(message), projectID)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// RestoreProvisionState undoes MarkDeletingTx after a failed teardown.
func (r Repo) RestoreProvisionState(ctx context.Context, projectID int64, state, message string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE projects SET provision_state=?, provision_error=? WHERE id=?`, state, nullable(message), projectID)
	return err
}

// MarkDeletingTx flags the project so provisioning stops touching it.
func (r Repo) MarkDeletingTx(ctx context.Context, tx *sql.Tx, projectID int64) error {
	res, err := tx.ExecContext(ctx, `UPDATE projects SET provision_state='deleting', provision_error=NULL WHERE id=?`, projectID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) SetAutorefreshTx(ctx context.Context, tx *sql.Tx, projectID int64, on bool) error {
	res, err := tx.ExecContext(ctx, `UPDATE projects SET autorefresh=? WHERE id=?`, boolInt(on), projectID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) UpsertProjectRoleTx(ctx context.Context, tx *sql.Tx, role domain.ProjectRole) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO project_roles(project_id,role_name,backend_role) VALUES (?,?,?)
ON CONFLICT(project_id) DO UPDATE SET role_name=excluded.role_name, backend_role=excluded.backend_role`,
		role.ProjectID, role.RoleName, role.BackendRole)
	return err
}

func (r Repo) GetProjectRole(ctx context.Context, projectID int64) (domain.ProjectRole, error) {
	var role domain.ProjectRole
	err := r.DB.QueryRowContext(ctx, `SELECT project_id,role_name,backend_role FROM project_roles WHERE project_id=?`, projectID).
		Scan(&role.ProjectID, &role.RoleName, &role.BackendRole)
	if errors.Is(err, sql.ErrNoRows) {
		return role, ErrNotFound
	}
	return role, err
}

func (r Repo) InsertActionTx(ctx context.Context, tx *sql.Tx, a domain.Action) (domain.Action, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO project_actions(project_id,user_id,kind,backend,input,instance,include_forks,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		a.ProjectID, a.UserID, a.Kind, string(a.Backend), a.Input, nullable(a.Instance), boolInt(a.IncludeForks), FormatTime(a.CreatedAt))
	if err != nil {
		return a, err
	}
	a.ID, err = res.LastInsertId()
	return a, err
}

func (r Repo) ListActions(ctx context.Context, q Querier, projectID int64) ([]domain.Action, error) {
	rows, err := q.QueryContext(ctx, `SELECT id,project_id,user_id,kind,backend,input,COALESCE(instance,''),include_forks,created_at
FROM project_actions WHERE project_id=? ORDER BY id`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Action
	for rows.Next() {
		var a domain.Action
		var backend, created string
		var forks int
		if err := rows.Scan(&a.ID, &a.ProjectID, &a.UserID, &a.Kind, &backend, &a.Input, &a.Instance, &forks, &created); err != nil {
			return nil, err
		}
		a.Backend = domain.Backend(backend)
		a.IncludeForks = forks == 1
		a.CreatedAt = parseTime(created)
		res = append(res, a)
	}
	return res, rows.Err()
}

func (r Repo) UpsertExportTx(ctx context.Context, tx *sql.Tx, e domain.Export) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO project_exports(project_id,backend,state,location,updated_at) VALUES (?,?,?,?,?)
ON CONFLICT(project_id,backend) DO UPDATE SET state=excluded.state, location=COALESCE(excluded.location, project_exports.location), updated_at=excluded.updated_at`,
		e.ProjectID, string(e.Backend), e.State, nullable(e.Location), FormatTime(e.UpdatedAt))
	return err
}

func (r Repo) ListExports(ctx context.Context, projectID int64) ([]domain.Export, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT project_id,backend,state,COALESCE(location,''),updated_at FROM project_exports WHERE project_id=? ORDER BY backend`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Export
	for rows.Next() {
		var e domain.Export
		var backend, updated string
		if err := rows.Scan(&e.ProjectID, &backend, &e.State, &e.Location, &updated); err != nil {
			return nil, err
		}
		e.Backend = domain.Backend(backend)
		e.UpdatedAt = parseTime(updated)
		res = append(res, e)
	}
	return res, rows.Err()
}

func (r Repo) GetWorkspace(ctx context.Context, q Querier, userID int64) (domain.Workspace, error) {
	var w domain.Workspace
	var created string
	err := q.QueryRowContext(ctx, `SELECT user_id,tenant_name,tenant_role,backend_role,created_at FROM user_workspaces WHERE user_id=?`, userID).
		Scan(&w.UserID, &w.TenantName, &w.TenantRole, &w.BackendRole, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return w, ErrNotFound
	}
	w.CreatedAt = parseTime(created)
	return w, err
}

func (r Repo) InsertWorkspace(ctx context.Context, w domain.Workspace) error {
	_, err := r.DB.ExecContext(ctx, `INSERT OR IGNORE INTO user_workspaces(user_id,tenant_name,tenant_role,backend_role,created_at) VALUES (?,?,?,?,?)`,
		w.UserID, w.TenantName, w.TenantRole, w.BackendRole, FormatTime(w.CreatedAt))
	return err
}

// LoadProject reads a project through any querier.
func (r Repo) LoadProject(ctx context.Context, q Querier, id int64) (domain.Project, error) {
	return getProject(ctx, q, id)
}
