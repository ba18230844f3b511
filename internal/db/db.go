package db

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// DSN builds the connection string for a database file path.
// Add pragmas for better performance and safety
// See: https://pkg.go.dev/modernc.org/sqlite#pkg-overview
func DSN(path string) string {
	if !strings.HasPrefix(path, "file:") {
		path = "file:" + path
	}

	params := url.Values{}
	params.Set("cache", "shared")
	params.Set("mode", "rwc")
	params.Set("_time_format", "sqlite")
	params.Set("_pragma", "foreign_keys(1)")
	params.Add("_pragma", "journal_mode(WAL)")
	params.Add("_pragma", "synchronous(NORMAL)")
	params.Set("_busy_timeout", "5000")

	return path + "?" + params.Encode()
}

// Open connects to the database and applies the schema. The pool is capped at
// one connection: sqlite allows a single writer, and queueing in the pool
// beats SQLITE_BUSY round-trips.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	instance, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	instance.SetMaxOpenConns(1)

	if err := instance.PingContext(ctx); err != nil {
		instance.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	log.Debug().Msg("database connection successful")

	if err := migrate(ctx, instance); err != nil {
		instance.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return instance, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS links (
		id TEXT PRIMARY KEY,
		original_url TEXT NOT NULL UNIQUE,
		short_code TEXT NOT NULL UNIQUE,
		click_count INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS click_analytics (
		id TEXT PRIMARY KEY,
		link_id TEXT NOT NULL,
		timezone TEXT,
		country TEXT,
		region TEXT,
		city TEXT,
		ip_address TEXT,
		user_agent TEXT,
		created_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY(link_id) REFERENCES links(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_click_analytics_link_id ON click_analytics(link_id);
	CREATE INDEX IF NOT EXISTS idx_click_analytics_created_at ON click_analytics(created_at);
	`

	_, err := db.ExecContext(ctx, schema)
	return err
}
