// Package ledger records runs, executed steps and run events in SQLite.
//
// The database file is created on demand, including its parent directory, and
// the embedded goose migrations maintain the runs, steps and events tables.
// Step and event rows cascade away with their run when it is pruned.
package ledger

import (
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

const walPragma = "PRAGMA journal_mode=WAL;"

// ledgerPragmas run on every connection. foreign_keys drives the prune cascade.
var ledgerPragmas = []string{
	"PRAGMA foreign_keys=ON;",
	walPragma,
	"PRAGMA busy_timeout=5000;",
}

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Open creates the ledger directory when missing, opens the SQLite file at
// path and migrates it to the latest schema.
func Open(path string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create ledger dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	// SQLite allows one writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, step := range []func(*sql.DB) error{applyPragmas, migrateSchema} {
		if err := step(db); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return db, nil
}

func applyPragmas(db *sql.DB) error {
	for _, stmt := range ledgerPragmas {
		_, err := db.Exec(stmt)
		switch {
		case err == nil:
		case stmt == walPragma:
			log.Warn().Err(err).Msg("ledger: WAL mode not enabled")
		default:
			return fmt.Errorf("apply pragma %q: %w", stmt, err)
		}
	}
	return nil
}

func migrateSchema(db *sql.DB) error {
	goose.SetBaseFS(migrationsFS)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("migrate ledger: %w", err)
	}
	return nil
}
