// Package store persists vehicles, queue items, run logs, cached sessions
// and source configurations in SQLite. It is the only writer the engine
// shares between runs, so every mutation here is keyed and idempotent.
package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store wraps the SQLite database backing the sync engine.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the database at the given path and ensures the
// schema exists.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS vehicles (
		id TEXT PRIMARY KEY,
		dealership_id TEXT NOT NULL,
		vin TEXT,
		year INTEGER DEFAULT 0,
		make TEXT NOT NULL DEFAULT '',
		model TEXT NOT NULL DEFAULT '',
		trim TEXT NOT NULL DEFAULT '',
		body_type TEXT NOT NULL DEFAULT '',
		price INTEGER DEFAULT 0,
		odometer INTEGER DEFAULT 0,
		stock_number TEXT,
		description TEXT NOT NULL DEFAULT '',
		badges TEXT,
		images TEXT,
		deal_rating TEXT,
		listing_url TEXT NOT NULL DEFAULT '',
		alt_listing_url TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		last_seen_at TEXT NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_vehicles_dealer_vin
		ON vehicles(dealership_id, vin) WHERE vin IS NOT NULL;

	CREATE TABLE IF NOT EXISTS queue_items (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		url TEXT NOT NULL,
		position INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		vehicle_id TEXT,
		error_message TEXT,
		retry_count INTEGER DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_queue_run_position
		ON queue_items(run_id, position);

	CREATE TABLE IF NOT EXISTS scrape_runs (
		id TEXT PRIMARY KEY,
		dealership_id TEXT NOT NULL,
		method TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'running',
		vehicles_found INTEGER DEFAULT 0,
		vehicles_inserted INTEGER DEFAULT 0,
		vehicles_updated INTEGER DEFAULT 0,
		vehicles_deleted INTEGER DEFAULT 0,
		retry_count INTEGER DEFAULT 0,
		duration_ms INTEGER DEFAULT 0,
		error_message TEXT,
		started_at TEXT NOT NULL,
		completed_at TEXT
	);

	CREATE TABLE IF NOT EXISTS cookie_cache (
		domain TEXT PRIMARY KEY,
		cookies TEXT NOT NULL,
		issued_at TEXT NOT NULL,
		ttl_seconds INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS source_configs (
		id TEXT PRIMARY KEY,
		dealership_id TEXT NOT NULL,
		name TEXT NOT NULL,
		url TEXT NOT NULL UNIQUE,
		domain TEXT NOT NULL,
		platform TEXT NOT NULL DEFAULT '',
		selectors TEXT,
		enrichment_url TEXT,
		enabled INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Helper functions for time formatting
func formatTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format(time.RFC3339)
}

func parseTime(v string) time.Time {
	t, _ := time.Parse(time.RFC3339, v)
	return t
}

func parseTimePtr(v sql.NullString) *time.Time {
	if !v.Valid {
		return nil
	}
	t := parseTime(v.String)
	return &t
}

func strPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}
