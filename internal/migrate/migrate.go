package migrate

import (
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

// Run applies all pending migrations in db/migrations using goose.
// It opens and closes its own DB handle so it is independent of the app store.
func Run(dsn string) error {
	return runDir(dsn, "db/migrations")
}

// RunAnalytics applies the analytical-store schema in db/analytics against
// the analytics DSN.
func RunAnalytics(dsn string) error {
	return runDir(dsn, "db/analytics")
}

func runDir(dsn, dir string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer db.Close()

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.Up(db, dir); err != nil {
		return fmt.Errorf("goose up: %w", err)
	}

	return nil
}
