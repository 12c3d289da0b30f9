package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// RequiredTables must exist before the API reports ready.
var RequiredTables = []string{"office_accounts", "documents", "document_events"}

func Open(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetMaxIdleConns(10)
	db.SetMaxOpenConns(20)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return db, nil
}

// MissingTables returns the names in tables that do not exist in the
// current search path.
func MissingTables(ctx context.Context, db *sql.DB, tables []string) ([]string, error) {
	missing := make([]string, 0)
	for _, table := range tables {
		var present bool
		if err := db.QueryRowContext(ctx, `SELECT to_regclass($1) IS NOT NULL`, table).Scan(&present); err != nil {
			return nil, fmt.Errorf("check table %s: %w", table, err)
		}
		if !present {
			missing = append(missing, table)
		}
	}
	return missing, nil
}
