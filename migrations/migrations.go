// Package migrations carries the embedded schema scripts for the
// dealwatch database.
package migrations

import (
	"database/sql"
	"embed"
	"fmt"

	"github.com/pressly/goose/v3"
)

// FS holds the numbered SQL migration scripts.
//
//go:embed *.sql
var FS embed.FS

// Run brings db up to the latest schema version. It runs on every
// database open, so a fresh file and an existing one take the same
// path.
func Run(db *sql.DB) error {
	goose.SetBaseFS(FS)

	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.Up(db, "."); err != nil {
		return fmt.Errorf("apply schema migrations: %w", err)
	}
	return nil
}
