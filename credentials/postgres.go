package credentials

import (
	"context"
	"errors"
	"fmt"

	"github.com/edulab/authcore"
	"github.com/edulab/authcore/password"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

// DB is the subset of *pgxpool.Pool the provider uses.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const (
	userByIdentifierSQL = `SELECT id, display_name, roles, password_hash, disabled FROM users WHERE identifier = $1`
	userByIDSQL         = `SELECT id, display_name, roles, password_hash, disabled FROM users WHERE id = $1`
	upgradeHashSQL      = `UPDATE users SET password_hash = $2 WHERE id = $1 AND password_hash = $3`
)

// PostgresProvider authenticates against the users table. Legacy bcrypt hashes are
// re-hashed with the hasher's primary scheme after a successful login.
type PostgresProvider struct {
	db     DB
	hasher password.Hasher
	logger *zap.Logger
	eq     equalizer
}

func NewPostgresProvider(db DB, hasher password.Hasher, logger *zap.Logger) *PostgresProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresProvider{db: db, hasher: hasher, logger: logger}
}

type userRow struct {
	id       string
	name     string
	roles    []string
	hash     string
	disabled bool
}

func (p *PostgresProvider) load(ctx context.Context, sql, arg string) (*userRow, error) {
	var u userRow
	err := p.db.QueryRow(ctx, sql, arg).Scan(&u.id, &u.name, &u.roles, &u.hash, &u.disabled)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, authcore.ErrUserNotFound
		}
		return nil, fmt.Errorf("load user: %w", err)
	}
	return &u, nil
}

// Authenticate reports disabled users as invalid credentials.
func (p *PostgresProvider) Authenticate(ctx context.Context, identifier, pw string) (authcore.Identity, error) {
	u, err := p.load(ctx, userByIdentifierSQL, identifier)
	if err != nil {
		if errors.Is(err, authcore.ErrUserNotFound) {
			p.eq.burn(p.hasher, pw)
		}
		return authcore.Identity{}, err
	}
	if err := contextDone(ctx); err != nil {
		return authcore.Identity{}, err
	}
	if err := verify(p.hasher, pw, u.hash); err != nil {
		return authcore.Identity{}, err
	}
	if u.disabled {
		return authcore.Identity{}, authcore.ErrInvalidCredentials
	}

	p.maybeUpgrade(ctx, u, pw)

	return authcore.Identity{UserID: u.id, Name: u.name, Roles: u.roles}, nil
}

func (p *PostgresProvider) GetIdentity(ctx context.Context, userID string) (authcore.Identity, error) {
	u, err := p.load(ctx, userByIDSQL, userID)
	if err != nil {
		return authcore.Identity{}, err
	}
	if u.disabled {
		return authcore.Identity{}, authcore.ErrUserNotFound
	}
	return authcore.Identity{UserID: u.id, Name: u.name, Roles: u.roles}, nil
}

func (p *PostgresProvider) maybeUpgrade(ctx context.Context, u *userRow, pw string) {
	needs, err := p.hasher.NeedsUpgrade(u.hash)
	if err != nil || !needs {
		return
	}
	fresh, err := p.hasher.Hash(pw)
	if err != nil {
		p.logger.Warn("password rehash failed", zap.String("user_id", u.id), zap.Error(err))
		return
	}
	if _, err := p.db.Exec(ctx, upgradeHashSQL, u.id, fresh, u.hash); err != nil {
		p.logger.Warn("password hash upgrade not stored", zap.String("user_id", u.id), zap.Error(err))
	}
}
