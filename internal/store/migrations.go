package store

import (
	"context"
	"database/sql"
	"errors"
	"io"

	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/xmtp-go/mlscore/internal/xerrors"
)

// applyMigrations walks the embedded migration files in order and
// applies any not yet recorded in schema_migrations.
//
// golang-migrate's own Migrate engine assumes a cgo-backed sqlite3
// database dialect (github.com/mattn/go-sqlite3); since this store
// uses the pure-Go github.com/ncruces/go-sqlite3 driver instead, only
// the source.Driver half of the library is used here — it still owns
// discovering and ordering the embedded *.sql files — and each
// migration is applied directly over database/sql, with the applied
// version tracked in a small bookkeeping table.
func applyMigrations(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER PRIMARY KEY)`); err != nil {
		return err
	}

	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return err
	}
	defer src.Close()

	version, err := src.First()
	if err != nil {
		if errors.Is(err, source.ErrNotExist) || errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}

	for {
		applied, err := migrationApplied(ctx, db, version)
		if err != nil {
			return err
		}
		if !applied {
			if err := applyOneMigration(ctx, db, src, version); err != nil {
				return err
			}
		}

		next, err := src.Next(version)
		if err != nil {
			if errors.Is(err, source.ErrNotExist) || errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		version = next
	}
}

func migrationApplied(ctx context.Context, db *sql.DB, version uint) (bool, error) {
	var exists int
	err := db.QueryRowContext(ctx, `SELECT 1 FROM schema_migrations WHERE version = ?`, version).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func applyOneMigration(ctx context.Context, db *sql.DB, src source.Driver, version uint) error {
	rd, _, err := src.ReadUp(version)
	if err != nil {
		return xerrors.Wrap(xerrors.KindFatal, "read migration body", err)
	}
	defer rd.Close()

	body, err := io.ReadAll(rd)
	if err != nil {
		return xerrors.Wrap(xerrors.KindFatal, "read migration body", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return classifySQLError(err)
	}
	if _, err := tx.ExecContext(ctx, string(body)); err != nil {
		tx.Rollback()
		return xerrors.Wrap(xerrors.KindFatal, "apply migration", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES (?)`, version); err != nil {
		tx.Rollback()
		return classifySQLError(err)
	}
	return tx.Commit()
}
