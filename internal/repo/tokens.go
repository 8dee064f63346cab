package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"cauldron/internal/domain"
)

const tokenColumns = `id,backend,user_id,secret,COALESCE(refresh_secret,''),rate_time,created_at`

func scanToken(row interface{ Scan(...any) error }) (domain.Token, error) {
	var t domain.Token
	var rate, created string
	if err := row.Scan(&t.ID, &t.Backend, &t.UserID, &t.Secret, &t.RefreshSecret, &rate, &created); err != nil {
		return t, err
	}
	t.RateTime = parseTime(rate)
	t.CreatedAt = parseTime(created)
	return t, nil
}

func (r Repo) InsertToken(ctx context.Context, tx *sql.Tx, t domain.Token) (domain.Token, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO tokens(backend,user_id,secret,refresh_secret,rate_time,created_at) VALUES (?,?,?,?,?,?)`,
		t.Backend, t.UserID, t.Secret, nullable(t.RefreshSecret), FormatTime(t.RateTime), FormatTime(t.CreatedAt))
	if err != nil {
		return t, err
	}
	t.ID, err = res.LastInsertId()
	return t, err
}

func getToken(ctx context.Context, q Querier, id int64) (domain.Token, error) {
	t, err := scanToken(q.QueryRowContext(ctx, `SELECT `+tokenColumns+` FROM tokens WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return t, ErrNotFound
	}
	return t, err
}

func (r Repo) GetToken(ctx context.Context, id int64) (domain.Token, error) {
	return getToken(ctx, r.DB, id)
}

func (r Repo) GetTokenTx(ctx context.Context, tx *sql.Tx, id int64) (domain.Token, error) {
	return getToken(ctx, tx, id)
}

func (r Repo) ListTokens(ctx context.Context, userID int64) ([]domain.Token, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+tokenColumns+` FROM tokens WHERE user_id=? ORDER BY backend, id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Token
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// UsableTokenTx returns the token of the given backend with the earliest
// rate_time that is not after now.
func (r Repo) UsableTokenTx(ctx context.Context, tx *sql.Tx, userID int64, backend string, now time.Time) (domain.Token, error) {
	t, err := scanToken(tx.QueryRowContext(ctx, `SELECT `+tokenColumns+` FROM tokens
WHERE user_id=? AND backend=? AND rate_time<=? ORDER BY rate_time, id LIMIT 1`, userID, backend, FormatTime(now)))
	if errors.Is(err, sql.ErrNoRows) {
		return t, ErrNotFound
	}
	return t, err
}

// CountTokensTx counts the user's tokens of a backend regardless of cooldown.
func (r Repo) CountTokensTx(ctx context.Context, tx *sql.Tx, userID int64, backend string) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT count(*) FROM tokens WHERE user_id=? AND backend=?`, userID, backend).Scan(&n)
	return n, err
}

// EarliestRateTime returns the soonest moment any token of the backend becomes usable.
func (r Repo) EarliestRateTime(ctx context.Context, q Querier, userID int64, backend string) (time.Time, bool, error) {
	var s sql.NullString
	if err := q.QueryRowContext(ctx, `SELECT min(rate_time) FROM tokens WHERE user_id=? AND backend=?`, userID, backend).Scan(&s); err != nil {
		return time.Time{}, false, err
	}
	if !s.Valid {
		return time.Time{}, false, nil
	}
	return parseTime(s.String), true, nil
}

// CooldownTokenTx moves rate_time forward to until; it never moves it back.
func (r Repo) CooldownTokenTx(ctx context.Context, tx *sql.Tx, tokenID int64, until time.Time) error {
	res, err := tx.ExecContext(ctx, `UPDATE tokens SET rate_time=max(rate_time, ?) WHERE id=?`, FormatTime(until), tokenID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteTokenTx(ctx context.Context, tx *sql.Tx, userID, tokenID int64) (domain.Token, error) {
	t, err := getToken(ctx, tx, tokenID)
	if err != nil {
		return t, err
	}
	if t.UserID != userID {
		return t, ErrNotFound
	}
	_, err = tx.ExecContext(ctx, `DELETE FROM tokens WHERE id=?`, tokenID)
	return t, err
}
