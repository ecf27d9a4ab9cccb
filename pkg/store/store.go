package store

import (
	"fmt"
	"path/filepath"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// Store is the embedded relational store backing quotas, container
// configs, approvals, share links, migration records, activity logs and
// security events. A single SQLite file with foreign keys enforced and a
// 5 second busy timeout.
type Store struct {
	db *sqlx.DB
}

// Open opens (or creates) the database under dataDir and applies the
// schema. Schema application is idempotent.
func Open(dataDir string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_foreign_keys=on",
		filepath.Join(dataDir, "hydra.db"))
	return openDSN(dsn)
}

// OpenMemory opens an in-memory store for tests.
func OpenMemory() (*Store, error) {
	return openDSN("file::memory:?_busy_timeout=5000&_foreign_keys=on&cache=shared")
}

func openDSN(dsn string) (*Store, error) {
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite serializes writers; a single connection avoids SQLITE_BUSY
	// churn under concurrent per-user operations.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS user_quotas (
		username       TEXT PRIMARY KEY,
		email          TEXT NOT NULL,
		role           TEXT NOT NULL DEFAULT 'student',
		max_memory_gb  INTEGER NOT NULL,
		max_cpus       INTEGER NOT NULL,
		max_storage_gb INTEGER NOT NULL,
		created_at     TIMESTAMP NOT NULL,
		updated_at     TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS node_approvals (
		username       TEXT NOT NULL REFERENCES user_quotas(username) ON DELETE CASCADE,
		node           TEXT NOT NULL,
		approved_until TIMESTAMP,
		PRIMARY KEY (username, node)
	)`,
	`CREATE TABLE IF NOT EXISTS container_configs (
		username            TEXT PRIMARY KEY REFERENCES user_quotas(username) ON DELETE CASCADE,
		current_node        TEXT NOT NULL,
		preset_tier         TEXT NOT NULL,
		memory_gb           INTEGER NOT NULL,
		cpus                INTEGER NOT NULL,
		storage_gb          INTEGER NOT NULL,
		gpu_count           INTEGER NOT NULL DEFAULT 0,
		resources_expire_at TIMESTAMP,
		last_migration_at   TIMESTAMP,
		created_at          TIMESTAMP NOT NULL,
		updated_at          TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS approval_requests (
		id           TEXT PRIMARY KEY,
		username     TEXT NOT NULL,
		target_node  TEXT NOT NULL,
		memory_gb    INTEGER NOT NULL DEFAULT 0,
		cpus         INTEGER NOT NULL DEFAULT 0,
		storage_gb   INTEGER NOT NULL DEFAULT 0,
		gpu_count    INTEGER NOT NULL DEFAULT 0,
		request_type TEXT NOT NULL,
		status       TEXT NOT NULL,
		reason       TEXT NOT NULL DEFAULT '',
		reviewer     TEXT NOT NULL DEFAULT '',
		created_at   TIMESTAMP NOT NULL,
		decided_at   TIMESTAMP,
		expires_at   TIMESTAMP
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_approval_one_pending
		ON approval_requests(username, request_type) WHERE status = 'pending'`,
	`CREATE TABLE IF NOT EXISTS share_links (
		token          TEXT PRIMARY KEY,
		owner_username TEXT NOT NULL,
		container_name TEXT NOT NULL,
		endpoint       TEXT NOT NULL,
		access         TEXT NOT NULL,
		expires_at     TIMESTAMP NOT NULL,
		view_count     INTEGER NOT NULL DEFAULT 0,
		last_accessed  TIMESTAMP,
		created_at     TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS migration_records (
		id            TEXT PRIMARY KEY,
		username      TEXT NOT NULL,
		from_node     TEXT NOT NULL,
		to_node       TEXT NOT NULL,
		current_step  INTEGER NOT NULL DEFAULT 0,
		status        TEXT NOT NULL,
		started_at    TIMESTAMP NOT NULL,
		completed_at  TIMESTAMP,
		error_message TEXT NOT NULL DEFAULT '',
		step_log      TEXT NOT NULL DEFAULT '[]'
	)`,
	`CREATE INDEX IF NOT EXISTS idx_migration_user_status
		ON migration_records(username, status)`,
	`CREATE TABLE IF NOT EXISTS activity_log (
		id             INTEGER PRIMARY KEY AUTOINCREMENT,
		username       TEXT NOT NULL,
		timestamp      TIMESTAMP NOT NULL,
		category       TEXT NOT NULL,
		action         TEXT NOT NULL,
		target         TEXT NOT NULL DEFAULT '',
		success        INTEGER NOT NULL DEFAULT 1,
		duration_ms    INTEGER NOT NULL DEFAULT 0,
		details        TEXT,
		ip_address     TEXT NOT NULL DEFAULT '',
		user_agent     TEXT NOT NULL DEFAULT '',
		session_id     TEXT NOT NULL DEFAULT '',
		request_id     TEXT NOT NULL DEFAULT '',
		estimated_size INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_activity_user_time
		ON activity_log(username, timestamp)`,
	`CREATE TABLE IF NOT EXISTS activity_log_archive (
		id             INTEGER PRIMARY KEY,
		username       TEXT NOT NULL,
		timestamp      TIMESTAMP NOT NULL,
		category       TEXT NOT NULL,
		action         TEXT NOT NULL,
		target         TEXT NOT NULL DEFAULT '',
		success        INTEGER NOT NULL DEFAULT 1,
		duration_ms    INTEGER NOT NULL DEFAULT 0,
		details        TEXT,
		ip_address     TEXT NOT NULL DEFAULT '',
		user_agent     TEXT NOT NULL DEFAULT '',
		session_id     TEXT NOT NULL DEFAULT '',
		request_id     TEXT NOT NULL DEFAULT '',
		estimated_size INTEGER NOT NULL DEFAULT 0,
		archive_year   INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_activity_archive_user_year
		ON activity_log_archive(username, archive_year)`,
	`CREATE TABLE IF NOT EXISTS activity_totals (
		username         TEXT PRIMARY KEY,
		total_entries    INTEGER NOT NULL DEFAULT 0,
		total_size_bytes INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS security_events (
		id             INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp      TIMESTAMP NOT NULL,
		username       TEXT NOT NULL,
		container_name TEXT NOT NULL,
		event_type     TEXT NOT NULL,
		severity       TEXT NOT NULL,
		description    TEXT NOT NULL DEFAULT '',
		metrics        TEXT,
		action_taken   TEXT NOT NULL DEFAULT 'logged'
	)`,
	`CREATE INDEX IF NOT EXISTS idx_security_user_time
		ON security_events(username, timestamp)`,
}

func (s *Store) migrate() error {
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("schema migration failed: %w", err)
		}
	}
	return nil
}
