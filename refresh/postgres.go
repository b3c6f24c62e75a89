package refresh

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB is the subset of *pgxpool.Pool the Postgres stores use. pgxmock pools satisfy it.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Begin(ctx context.Context) (pgx.Tx, error)
}

const (
	insertTokenSQL = `
		INSERT INTO refresh_tokens (id, user_id, family_id, token_hash, created_at, expires_at, revoked)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE)`

	validateTokenSQL = `
		SELECT EXISTS (
			SELECT 1 FROM refresh_tokens
			WHERE user_id = $1 AND token_hash = $2 AND NOT revoked AND expires_at > $3
		)`

	rotateTokenSQL = `
		UPDATE refresh_tokens
		SET revoked = TRUE, revoked_at = $4, replaced_by = $3
		WHERE user_id = $1 AND token_hash = $2 AND NOT revoked AND expires_at > $4
		  AND ($5 = '' OR family_id = $5)
		RETURNING family_id`

	lookupTokenSQL = `
		SELECT id, family_id, created_at, expires_at, revoked, revoked_at, COALESCE(replaced_by, '')
		FROM refresh_tokens
		WHERE user_id = $1 AND token_hash = $2`

	revokeTokenSQL = `
		UPDATE refresh_tokens SET revoked = TRUE, revoked_at = $3
		WHERE user_id = $1 AND token_hash = $2 AND NOT revoked`

	revokeAllTokensSQL = `
		UPDATE refresh_tokens SET revoked = TRUE, revoked_at = $2
		WHERE user_id = $1 AND NOT revoked`

	revokeFamilySQL = `
		UPDATE refresh_tokens SET revoked = TRUE, revoked_at = $3
		WHERE user_id = $1 AND family_id = $2 AND NOT revoked`
)

// PostgresLedger is a [Ledger] on the refresh_tokens table. Rows are never deleted.
type PostgresLedger struct {
	db   DB
	opts options
}

// NewPostgresLedger creates a ledger on db.
func NewPostgresLedger(db DB, opts ...Option) *PostgresLedger {
	return &PostgresLedger{db: db, opts: buildOptions(opts)}
}

// Save inserts an active row.
func (l *PostgresLedger) Save(ctx context.Context, userID, token string, expiresAt time.Time, opts ...SaveOption) (Record, error) {
	var so saveOptions
	for _, opt := range opts {
		opt(&so)
	}
	if so.familyID == "" {
		so.familyID = uuid.NewString()
	}

	rec := Record{
		ID:        uuid.NewString(),
		UserID:    userID,
		FamilyID:  so.familyID,
		TokenHash: HashHex(token),
		CreatedAt: l.opts.now().UTC(),
		ExpiresAt: expiresAt.UTC(),
	}
	_, err := l.db.Exec(ctx, insertTokenSQL, rec.ID, rec.UserID, rec.FamilyID, rec.TokenHash, rec.CreatedAt, rec.ExpiresAt)
	if err != nil {
		if isUniqueViolation(err) {
			return Record{}, ErrTokenCollision
		}
		return Record{}, unavailable(err)
	}
	return rec, nil
}

// Validate is a single SELECT EXISTS.
func (l *PostgresLedger) Validate(ctx context.Context, userID, token string) (bool, error) {
	var ok bool
	err := l.db.QueryRow(ctx, validateTokenSQL, userID, HashHex(token), l.opts.now().UTC()).Scan(&ok)
	if err != nil {
		return false, unavailable(err)
	}
	return ok, nil
}

// Rotate runs the conditional UPDATE and the INSERT of the successor in one
// transaction. Concurrent callers serialize on the row lock; the loser's UPDATE
// matches zero rows once the winner commits.
func (l *PostgresLedger) Rotate(ctx context.Context, userID, oldToken, newToken string, newExpiry time.Time, opts ...RotateOption) (Record, error) {
	ro := buildRotateOptions(opts)
	now := l.opts.now().UTC()
	oldHash := HashHex(oldToken)
	next := Record{
		ID:        uuid.NewString(),
		UserID:    userID,
		TokenHash: HashHex(newToken),
		CreatedAt: now,
		ExpiresAt: newExpiry.UTC(),
	}

	tx, err := l.db.Begin(ctx)
	if err != nil {
		return Record{}, unavailable(err)
	}

	rec, err := l.rotateTx(ctx, tx, oldHash, ro.familyID, next, now)
	if err != nil {
		_ = tx.Rollback(ctx)
		return rec, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Record{}, unavailable(err)
	}
	return rec, nil
}

func (l *PostgresLedger) rotateTx(ctx context.Context, tx pgx.Tx, oldHash, family string, next Record, now time.Time) (Record, error) {
	err := tx.QueryRow(ctx, rotateTokenSQL, next.UserID, oldHash, next.TokenHash, now, family).Scan(&next.FamilyID)
	if errors.Is(err, pgx.ErrNoRows) {
		return l.classifyRotateMiss(ctx, tx, next.UserID, oldHash, family, now)
	}
	if err != nil {
		return Record{}, unavailable(err)
	}

	_, err = tx.Exec(ctx, insertTokenSQL, next.ID, next.UserID, next.FamilyID, next.TokenHash, next.CreatedAt, next.ExpiresAt)
	if err != nil {
		if isUniqueViolation(err) {
			return Record{}, ErrTokenCollision
		}
		return Record{}, unavailable(err)
	}
	return next, nil
}

func (l *PostgresLedger) classifyRotateMiss(ctx context.Context, tx pgx.Tx, userID, oldHash, family string, now time.Time) (Record, error) {
	old, err := scanRecord(tx.QueryRow(ctx, lookupTokenSQL, userID, oldHash), userID, oldHash)
	if errors.Is(err, ErrTokenNotFound) {
		return Record{}, ErrReplayDetected
	}
	if err != nil {
		return Record{}, err
	}
	if family != "" && old.FamilyID != family {
		return old, ErrFamilyMismatch
	}
	if old.Revoked {
		return old, ErrReplayDetected
	}
	if !now.Before(old.ExpiresAt) {
		return old, ErrTokenExpired
	}
	// Unrevoked and live, yet the conditional update missed it: only possible
	// when the row changed between the two statements.
	return old, ErrReplayDetected
}

// Lookup reads one row in any state.
func (l *PostgresLedger) Lookup(ctx context.Context, userID, token string) (Record, error) {
	hash := HashHex(token)
	return scanRecord(l.db.QueryRow(ctx, lookupTokenSQL, userID, hash), userID, hash)
}

func scanRecord(row pgx.Row, userID, hash string) (Record, error) {
	rec := Record{UserID: userID, TokenHash: hash}
	err := row.Scan(
		&rec.ID,
		&rec.FamilyID,
		&rec.CreatedAt,
		&rec.ExpiresAt,
		&rec.Revoked,
		&rec.RevokedAt,
		&rec.ReplacedBy,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, ErrTokenNotFound
	}
	if err != nil {
		return Record{}, unavailable(err)
	}
	return rec, nil
}

// Revoke marks one row revoked.
func (l *PostgresLedger) Revoke(ctx context.Context, userID, token string) (bool, error) {
	tag, err := l.db.Exec(ctx, revokeTokenSQL, userID, HashHex(token), l.opts.now().UTC())
	if err != nil {
		return false, unavailable(err)
	}
	return tag.RowsAffected() == 1, nil
}

// RevokeAll marks every unrevoked row of the user revoked.
func (l *PostgresLedger) RevokeAll(ctx context.Context, userID string) (int, error) {
	tag, err := l.db.Exec(ctx, revokeAllTokensSQL, userID, l.opts.now().UTC())
	if err != nil {
		return 0, unavailable(err)
	}
	return int(tag.RowsAffected()), nil
}

// RevokeFamily marks every unrevoked row of one chain revoked.
func (l *PostgresLedger) RevokeFamily(ctx context.Context, userID, familyID string) (int, error) {
	if familyID == "" {
		return 0, nil
	}
	tag, err := l.db.Exec(ctx, revokeFamilySQL, userID, familyID, l.opts.now().UTC())
	if err != nil {
		return 0, unavailable(err)
	}
	return int(tag.RowsAffected()), nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
