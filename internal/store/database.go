package store

import (
	"database/sql"
	"fmt"
	"runtime"

	"github.com/haatos/hookci/internal/settings"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// InitDatabase opens the configured database. SQLite gets a single writer
// connection; read-only handles may fan out.
func InitDatabase(readonly bool) (*sql.DB, error) {
	driver, dsn := settings.Settings.DataSource(readonly)
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("error opening %s database: %w", driver, err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("error connecting to %s database: %w", driver, err)
	}

	if driver != "sqlite" {
		return db, nil
	}
	if readonly {
		db.SetMaxOpenConns(max(4, runtime.NumCPU()))
	} else {
		if _, err := db.Exec("PRAGMA temp_store=memory"); err != nil {
			return nil, err
		}
		db.SetMaxOpenConns(1)
	}
	return db, nil
}
