package session

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB is the subset of *pgxpool.Pool the registry uses.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

const sessionColumns = `id, user_id, device, location, ip, login_time, last_activity, logout_time, active, session_token`

const (
	insertSessionSQL = `
		INSERT INTO sessions (id, user_id, device, location, ip, login_time, active, session_token)
		VALUES ($1, $2, $3, $4, $5, $6, TRUE, $7)`

	activeSessionsSQL = `SELECT ` + sessionColumns + `
		FROM sessions
		WHERE user_id = $1 AND active
		ORDER BY login_time`

	getSessionSQL = `SELECT ` + sessionColumns + ` FROM sessions WHERE id = $1`

	revokeSessionSQL = `
		UPDATE sessions SET active = FALSE, logout_time = $2
		WHERE id = $1 AND active`

	revokeUserSessionsSQL = `
		UPDATE sessions SET active = FALSE, logout_time = $2
		WHERE user_id = $1 AND active AND id <> $3`

	touchSessionSQL = `
		UPDATE sessions SET last_activity = $2
		WHERE id = $1 AND active`

	sessionStateSQL = `SELECT active FROM sessions WHERE id = $1`
)

// PostgresRegistry is a [Registry] on the sessions table.
type PostgresRegistry struct {
	db   DB
	opts options
}

// NewPostgresRegistry creates a registry on db. Only WithClock applies.
func NewPostgresRegistry(db DB, opts ...Option) *PostgresRegistry {
	return &PostgresRegistry{db: db, opts: buildOptions(opts)}
}

// Create inserts an active row.
func (r *PostgresRegistry) Create(ctx context.Context, in NewSession) (*Session, error) {
	sess := &Session{
		ID:           uuid.NewString(),
		UserID:       in.UserID,
		Device:       in.Device,
		Location:     in.Location,
		IP:           in.IP,
		LoginTime:    r.opts.now().UTC(),
		Active:       true,
		SessionToken: in.SessionToken,
	}
	_, err := r.db.Exec(ctx, insertSessionSQL,
		sess.ID, sess.UserID, sess.Device, sess.Location, sess.IP, sess.LoginTime, sess.SessionToken)
	if err != nil {
		return nil, unavailable(err)
	}
	return sess, nil
}

// ActiveForUser selects the active rows ordered by login time.
func (r *PostgresRegistry) ActiveForUser(ctx context.Context, userID string) ([]Session, error) {
	rows, err := r.db.Query(ctx, activeSessionsSQL, userID)
	if err != nil {
		return nil, unavailable(err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, unavailable(err)
		}
		out = append(out, *sess)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(err)
	}
	return out, nil
}

// Get selects one row.
func (r *PostgresRegistry) Get(ctx context.Context, id string) (*Session, error) {
	sess, err := scanSession(r.db.QueryRow(ctx, getSessionSQL, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, unavailable(err)
	}
	return sess, nil
}

// Revoke is a conditional UPDATE on the active flag.
func (r *PostgresRegistry) Revoke(ctx context.Context, id string) (bool, error) {
	tag, err := r.db.Exec(ctx, revokeSessionSQL, id, r.opts.now().UTC())
	if err != nil {
		return false, unavailable(err)
	}
	return tag.RowsAffected() == 1, nil
}

// RevokeAllForUser deactivates every active row of the user but exceptID.
func (r *PostgresRegistry) RevokeAllForUser(ctx context.Context, userID, exceptID string) (int, error) {
	tag, err := r.db.Exec(ctx, revokeUserSessionsSQL, userID, r.opts.now().UTC(), exceptID)
	if err != nil {
		return 0, unavailable(err)
	}
	return int(tag.RowsAffected()), nil
}

// Touch updates active rows only. A miss is classified with a second read.
func (r *PostgresRegistry) Touch(ctx context.Context, id string, at time.Time) error {
	tag, err := r.db.Exec(ctx, touchSessionSQL, id, at.UTC())
	if err != nil {
		return unavailable(err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var active bool
	err = r.db.QueryRow(ctx, sessionStateSQL, id).Scan(&active)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrSessionNotFound
	}
	if err != nil {
		return unavailable(err)
	}
	return ErrSessionInactive
}

func scanSession(row pgx.Row) (*Session, error) {
	var sess Session
	err := row.Scan(
		&sess.ID,
		&sess.UserID,
		&sess.Device,
		&sess.Location,
		&sess.IP,
		&sess.LoginTime,
		&sess.LastActivity,
		&sess.LogoutTime,
		&sess.Active,
		&sess.SessionToken,
	)
	if err != nil {
		return nil, err
	}
	return &sess, nil
}
