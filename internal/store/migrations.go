package store

import (
	"database/sql"

	assets "github.com/haatos/hookci"
	"github.com/haatos/hookci/internal"
	"github.com/pressly/goose/v3"
)

func RunMigrations(db *sql.DB, driver string) error {
	goose.SetBaseFS(assets.MigrationsFS)
	dialect := "sqlite3"
	if driver == "pgx" {
		dialect = "postgres"
	}
	if err := goose.SetDialect(dialect); err != nil {
		return err
	}
	return goose.Up(db, internal.MigrationsDir)
}
