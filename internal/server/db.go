// Package server is the policy store: the server of record for device
// settings, locks, templates, unlock requests, and the audit trail.
package server

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// Open opens (creating if needed) the sqlite database at path.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// sqlite allows one writer; serialize through a single connection.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA foreign_keys=ON;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}
	return db, nil
}

// InitSchema creates all tables. Idempotent.
func InitSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS devices (
		id               TEXT PRIMARY KEY,
		name             TEXT NOT NULL DEFAULT '',
		owner_user_id    TEXT NOT NULL DEFAULT '',
		owner_name       TEXT NOT NULL DEFAULT '',
		owner_email      TEXT NOT NULL DEFAULT '',
		group_id         TEXT NOT NULL DEFAULT '',
		group_name       TEXT NOT NULL DEFAULT '',
		last_seen        TIMESTAMP,
		last_synced_at   TIMESTAMP,
		last_modified_by TEXT NOT NULL DEFAULT '',
		enrolled_at      TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS settings (
		device_id  TEXT NOT NULL,
		key        TEXT NOT NULL,
		value      TEXT NOT NULL,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_by TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (device_id, key),
		FOREIGN KEY (device_id) REFERENCES devices(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS locks (
		device_id      TEXT NOT NULL,
		key            TEXT NOT NULL,
		locked_by      TEXT NOT NULL DEFAULT '',
		locked_by_name TEXT NOT NULL DEFAULT '',
		locked_at      TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (device_id, key),
		FOREIGN KEY (device_id) REFERENCES devices(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS templates (
		id              TEXT PRIMARY KEY,
		name            TEXT NOT NULL,
		description     TEXT NOT NULL DEFAULT '',
		settings        TEXT NOT NULL,
		locked_settings TEXT NOT NULL,
		created_by      TEXT NOT NULL DEFAULT '',
		created_by_name TEXT NOT NULL DEFAULT '',
		created_at      TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at      TIMESTAMP,
		is_shared       INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS setting_changes (
		id              TEXT PRIMARY KEY,
		device_id       TEXT NOT NULL,
		setting_key     TEXT NOT NULL,
		old_value       TEXT,
		new_value       TEXT,
		changed_by      TEXT NOT NULL DEFAULT '',
		changed_by_name TEXT NOT NULL DEFAULT '',
		changed_at      TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		change_type     TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_changes_device ON setting_changes(device_id, changed_at DESC);

	CREATE TABLE IF NOT EXISTS unlock_requests (
		id                TEXT PRIMARY KEY,
		device_id         TEXT NOT NULL,
		setting_key       TEXT NOT NULL,
		reason            TEXT NOT NULL,
		status            TEXT NOT NULL DEFAULT 'pending',
		requested_by      TEXT NOT NULL DEFAULT '',
		requested_by_name TEXT NOT NULL DEFAULT '',
		created_at        TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		responded_by      TEXT NOT NULL DEFAULT '',
		responded_by_name TEXT NOT NULL DEFAULT '',
		response          TEXT NOT NULL DEFAULT '',
		responded_at      TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_requests_device ON unlock_requests(device_id, created_at DESC);

	CREATE TABLE IF NOT EXISTS admins (
		id            TEXT PRIMARY KEY,
		username      TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL,
		display_name  TEXT NOT NULL DEFAULT '',
		created_at    TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS sessions (
		token      TEXT PRIMARY KEY,
		kind       TEXT NOT NULL,
		subject_id TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		expires_at TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS push_tokens (
		device_id     TEXT PRIMARY KEY,
		token         TEXT NOT NULL,
		platform      TEXT NOT NULL DEFAULT '',
		group_id      TEXT NOT NULL DEFAULT '',
		registered_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (device_id) REFERENCES devices(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS enroll_tokens (
		token       TEXT PRIMARY KEY,
		group_id    TEXT NOT NULL DEFAULT '',
		group_name  TEXT NOT NULL DEFAULT '',
		device_name TEXT NOT NULL DEFAULT '',
		created_at  TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		expires_at  TIMESTAMP,
		used_at     TIMESTAMP,
		used_by     TEXT NOT NULL DEFAULT ''
	);
	`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}
