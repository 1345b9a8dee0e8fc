package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// DB wraps a read-only SQLite connection to the reader's library database.
type DB struct {
	db *sql.DB
}

// Connect opens the database at dbPath read-only. timeout bounds how long
// a statement waits on a lock held by the reader application.
func Connect(ctx context.Context, dbPath string, timeout time.Duration) (*DB, error) {
	// The file: prefix keeps mode=ro in the URI handed to SQLite.
	dsn := fmt.Sprintf("file:%s?mode=ro&_pragma=busy_timeout(%d)&_pragma=query_only(1)",
		dbPath, timeout.Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &DB{db: db}, nil
}

// Close closes the database connection.
func (d *DB) Close() {
	d.db.Close()
}
