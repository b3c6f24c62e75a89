// Package migrations applies the Postgres schema (users, sessions, refresh_tokens) from
// embedded SQL files using golang-migrate.
package migrations

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed sql/*.sql
var files embed.FS

// ErrNoChange is returned by Down when there is nothing to undo.
var ErrNoChange = migrate.ErrNoChange

// Up applies every pending migration. Already being at the latest version is not an error.
func Up(databaseURL string) error {
	return run(databaseURL, func(m *migrate.Migrate) error {
		if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return err
		}
		return nil
	})
}

// Down reverts every migration.
func Down(databaseURL string) error {
	return run(databaseURL, func(m *migrate.Migrate) error {
		return m.Down()
	})
}

// Source opens the embedded migration files as a golang-migrate source.
func Source() (source.Driver, error) {
	return iofs.New(files, "sql")
}

func run(databaseURL string, fn func(*migrate.Migrate) error) error {
	if databaseURL == "" {
		return errors.New("migrations: database url is empty")
	}

	src, err := Source()
	if err != nil {
		return fmt.Errorf("migrate source: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, databaseURL)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	defer func() { _, _ = m.Close() }()

	return fn(m)
}
