package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"cauldron/internal/domain"
)

func (r Repo) InsertUser(ctx context.Context, tx *sql.Tx, username string, now time.Time) (domain.User, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO users(username,is_admin,created_at) VALUES (?,0,?)`, username, FormatTime(now))
	if err != nil {
		return domain.User{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return domain.User{}, err
	}
	return domain.User{ID: id, Username: username, CreatedAt: now.UTC().Truncate(time.Second)}, nil
}

func getUser(ctx context.Context, q Querier, id int64) (domain.User, error) {
	var u domain.User
	var admin int
	var created string
	err := q.QueryRowContext(ctx, `SELECT id,username,is_admin,created_at FROM users WHERE id=?`, id).
		Scan(&u.ID, &u.Username, &admin, &created)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	if err != nil {
		return u, err
	}
	u.IsAdmin = admin == 1
	u.CreatedAt = parseTime(created)
	return u, nil
}

func (r Repo) GetUser(ctx context.Context, id int64) (domain.User, error) {
	return getUser(ctx, r.DB, id)
}

func (r Repo) GetUserTx(ctx context.Context, tx *sql.Tx, id int64) (domain.User, error) {
	return getUser(ctx, tx, id)
}

func (r Repo) SetAdmin(ctx context.Context, tx *sql.Tx, userID int64, admin bool) error {
	res, err := tx.ExecContext(ctx, `UPDATE users SET is_admin=? WHERE id=?`, boolInt(admin), userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteUser(ctx context.Context, tx *sql.Tx, userID int64) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM users WHERE id=?`, userID)
	return err
}

func (r Repo) MarkAnonymous(ctx context.Context, tx *sql.Tx, userID int64) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO anonymous_users(user_id) VALUES (?)`, userID)
	return err
}

func (r Repo) IsAnonymous(ctx context.Context, userID int64) (bool, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM anonymous_users WHERE user_id=?`, userID).Scan(&n)
	return n > 0, err
}

// FindIdentityTx returns the identity bound to (backend, providerUserID).
func (r Repo) FindIdentityTx(ctx context.Context, tx *sql.Tx, backend, providerUserID string) (domain.Identity, error) {
	var id domain.Identity
	err := tx.QueryRowContext(ctx, `SELECT backend,provider_user_id,username,user_id FROM oauth_identities WHERE backend=? AND provider_user_id=?`,
		backend, providerUserID).Scan(&id.Backend, &id.ProviderUserID, &id.Username, &id.UserID)
	if errors.Is(err, sql.ErrNoRows) {
		return id, ErrNotFound
	}
	return id, err
}

func (r Repo) UpsertIdentity(ctx context.Context, tx *sql.Tx, id domain.Identity) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO oauth_identities(backend,provider_user_id,username,user_id) VALUES (?,?,?,?)
ON CONFLICT(backend,provider_user_id) DO UPDATE SET username=excluded.username, user_id=excluded.user_id`,
		id.Backend, id.ProviderUserID, id.Username, id.UserID)
	return err
}

func (r Repo) ListIdentities(ctx context.Context, userID int64) ([]domain.Identity, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT backend,provider_user_id,username,user_id FROM oauth_identities WHERE user_id=? ORDER BY backend`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Identity
	for rows.Next() {
		var id domain.Identity
		if err := rows.Scan(&id.Backend, &id.ProviderUserID, &id.Username, &id.UserID); err != nil {
			return nil, err
		}
		res = append(res, id)
	}
	return res, rows.Err()
}

func (r Repo) InsertBanner(ctx context.Context, b domain.BannerMessage) (domain.BannerMessage, error) {
	if b.Color == "" {
		b.Color = "info"
	}
	res, err := r.DB.ExecContext(ctx, `INSERT INTO banner_messages(message,color,created_at) VALUES (?,?,?)`, b.Message, b.Color, FormatTime(b.CreatedAt))
	if err != nil {
		return b, err
	}
	b.ID, err = res.LastInsertId()
	return b, err
}

func (r Repo) ListBanners(ctx context.Context) ([]domain.BannerMessage, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,message,color,created_at FROM banner_messages ORDER BY id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.BannerMessage
	for rows.Next() {
		var b domain.BannerMessage
		var created string
		if err := rows.Scan(&b.ID, &b.Message, &b.Color, &created); err != nil {
			return nil, err
		}
		b.CreatedAt = parseTime(created)
		res = append(res, b)
	}
	return res, rows.Err()
}

func (r Repo) DeleteBanner(ctx context.Context, id int64) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM banner_messages WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// LoadUser reads a user through any querier.
func (r Repo) LoadUser(ctx context.Context, q Querier, id int64) (domain.User, error) {
	return getUser(ctx, q, id)
}

func (r Repo) ListUsers(ctx context.Context) ([]domain.User, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,username,is_admin,created_at FROM users ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.User
	for rows.Next() {
		var u domain.User
		var admin int
		var created string
		if err := rows.Scan(&u.ID, &u.Username, &admin, &created); err != nil {
			return nil, err
		}
		u.IsAdmin = admin == 1
		u.CreatedAt = parseTime(created)
		res = append(res, u)
	}
	return res, rows.Err()
}
