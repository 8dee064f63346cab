package repo

import (
	"context"
	"database/sql"
	"fmt"
)

// reassignable lists user-owned tables moved wholesale on an account merge.
// Projects need name-conflict handling and workspaces are rebuilt, so both
// are handled separately.
var reassignable = []string{
	"intentions", "archived_intentions", "tokens", "project_actions", "oauth_identities", "events",
}

// ReassignUserTx moves every row owned by src in the reassignable tables to dst.
func (r Repo) ReassignUserTx(ctx context.Context, tx *sql.Tx, src, dst int64) (map[string]int64, error) {
	moved := map[string]int64{}
	for _, table := range reassignable {
		res, err := tx.ExecContext(ctx, fmt.Sprintf(`UPDATE %s SET user_id=? WHERE user_id=?`, table), dst, src)
		if err != nil {
			return moved, fmt.Errorf("reassign %s: %w", table, err)
		}
		moved[table], _ = res.RowsAffected()
	}
	return moved, nil
}

// MoveProjectTx changes a project's creator, renaming it when set.
func (r Repo) MoveProjectTx(ctx context.Context, tx *sql.Tx, projectID, creatorID int64, name string) error {
	_, err := tx.ExecContext(ctx, `UPDATE projects SET creator_id=?, name=? WHERE id=?`, creatorID, name, projectID)
	return err
}

// ProjectsByCreatorTx lists the projects created by userID.
func (r Repo) ProjectsByCreatorTx(ctx context.Context, tx *sql.Tx, userID int64) ([]int64, error) {
	rows, err := tx.QueryContext(ctx, `SELECT id FROM projects WHERE creator_id=? ORDER BY id`, userID)
	if err != nil {
		return nil, err
	}
	return scanIDs(rows)
}

// DeleteWorkspaceTx drops the user's workspace row and reports whether one existed.
func (r Repo) DeleteWorkspaceTx(ctx context.Context, tx *sql.Tx, userID int64) (bool, error) {
	res, err := tx.ExecContext(ctx, `DELETE FROM user_workspaces WHERE user_id=?`, userID)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}
