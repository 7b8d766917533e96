package store

import (
	"fmt"
	"strings"
)

// Migrations are ordered and idempotent. SQLite's ALTER TABLE ADD COLUMN has
// no IF NOT EXISTS, so "duplicate column" errors are treated as no-ops, the
// same way repeated CREATE TABLE IF NOT EXISTS statements are.
func (s *Store) migrate() error {
	migrations := sqliteMigrations
	if s.driver == DriverPostgres {
		migrations = postgresMigrations
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			if strings.Contains(err.Error(), "duplicate column") {
				continue
			}
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}
	return nil
}

var sqliteMigrations = []string{
	`CREATE TABLE IF NOT EXISTS licenses (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		license_key TEXT UNIQUE NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'active',
		lock_reason TEXT NOT NULL DEFAULT '',
		notes TEXT NOT NULL DEFAULT '',
		hwid_lock TEXT NOT NULL DEFAULT '',
		max_devices INTEGER NOT NULL DEFAULT 1,
		allow_multiple_devices INTEGER NOT NULL DEFAULT 0,
		total_activations INTEGER NOT NULL DEFAULT 0,
		reset_count INTEGER NOT NULL DEFAULT 0,
		expires_at DATETIME,
		last_active DATETIME,
		last_reset DATETIME,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,

	`CREATE TABLE IF NOT EXISTS activation_slots (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		license_id INTEGER NOT NULL REFERENCES licenses(id) ON DELETE CASCADE,
		hwid TEXT NOT NULL,
		device_info TEXT NOT NULL DEFAULT '',
		ip_address TEXT NOT NULL DEFAULT '',
		is_active INTEGER NOT NULL DEFAULT 1,
		activated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		last_used DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(license_id, hwid)
	)`,

	`CREATE TABLE IF NOT EXISTS api_keys (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		key_hash TEXT UNIQUE NOT NULL,
		key_prefix TEXT NOT NULL,
		label TEXT NOT NULL DEFAULT '',
		is_active INTEGER NOT NULL DEFAULT 1,
		expires_at DATETIME,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		last_used DATETIME
	)`,

	`CREATE TABLE IF NOT EXISTS admins (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		username TEXT UNIQUE NOT NULL,
		password_hash TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		is_active INTEGER NOT NULL DEFAULT 1,
		last_login_at DATETIME,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,

	`CREATE TABLE IF NOT EXISTS audit_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		license_id INTEGER REFERENCES licenses(id) ON DELETE SET NULL,
		action TEXT NOT NULL,
		details TEXT NOT NULL DEFAULT '',
		actor TEXT NOT NULL DEFAULT '',
		ip_address TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,

	`CREATE INDEX IF NOT EXISTS idx_licenses_status ON licenses(status)`,
	`CREATE INDEX IF NOT EXISTS idx_slots_license_id ON activation_slots(license_id)`,
	`CREATE INDEX IF NOT EXISTS idx_api_keys_hash ON api_keys(key_hash)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_log_license_id ON audit_log(license_id)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_log_created ON audit_log(created_at DESC)`,

	// v2: Per-license source IP allow-list, alongside the hwid lock.
	`ALTER TABLE licenses ADD COLUMN ip_lock TEXT NOT NULL DEFAULT ''`,

	// v3: Key-value settings table (telemetry, instance ID, etc.)
	`CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL DEFAULT ''
	)`,
}

var postgresMigrations = []string{
	`CREATE TABLE IF NOT EXISTS licenses (
		id BIGSERIAL PRIMARY KEY,
		license_key TEXT UNIQUE NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'active',
		lock_reason TEXT NOT NULL DEFAULT '',
		notes TEXT NOT NULL DEFAULT '',
		hwid_lock TEXT NOT NULL DEFAULT '',
		max_devices INTEGER NOT NULL DEFAULT 1,
		allow_multiple_devices BOOLEAN NOT NULL DEFAULT FALSE,
		total_activations BIGINT NOT NULL DEFAULT 0,
		reset_count INTEGER NOT NULL DEFAULT 0,
		expires_at TIMESTAMPTZ,
		last_active TIMESTAMPTZ,
		last_reset TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	`CREATE TABLE IF NOT EXISTS activation_slots (
		id BIGSERIAL PRIMARY KEY,
		license_id BIGINT NOT NULL REFERENCES licenses(id) ON DELETE CASCADE,
		hwid TEXT NOT NULL,
		device_info TEXT NOT NULL DEFAULT '',
		ip_address TEXT NOT NULL DEFAULT '',
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		activated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		last_used TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE(license_id, hwid)
	)`,

	`CREATE TABLE IF NOT EXISTS api_keys (
		id BIGSERIAL PRIMARY KEY,
		key_hash TEXT UNIQUE NOT NULL,
		key_prefix TEXT NOT NULL,
		label TEXT NOT NULL DEFAULT '',
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		expires_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		last_used TIMESTAMPTZ
	)`,

	`CREATE TABLE IF NOT EXISTS admins (
		id BIGSERIAL PRIMARY KEY,
		username TEXT UNIQUE NOT NULL,
		password_hash TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		last_login_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	`CREATE TABLE IF NOT EXISTS audit_log (
		id BIGSERIAL PRIMARY KEY,
		license_id BIGINT REFERENCES licenses(id) ON DELETE SET NULL,
		action TEXT NOT NULL,
		details TEXT NOT NULL DEFAULT '',
		actor TEXT NOT NULL DEFAULT '',
		ip_address TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	`CREATE INDEX IF NOT EXISTS idx_licenses_status ON licenses(status)`,
	`CREATE INDEX IF NOT EXISTS idx_slots_license_id ON activation_slots(license_id)`,
	`CREATE INDEX IF NOT EXISTS idx_api_keys_hash ON api_keys(key_hash)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_log_license_id ON audit_log(license_id)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_log_created ON audit_log(created_at DESC)`,

	// v2: Per-license source IP allow-list, alongside the hwid lock.
	`ALTER TABLE licenses ADD COLUMN IF NOT EXISTS ip_lock TEXT NOT NULL DEFAULT ''`,

	// v3: Key-value settings table (telemetry, instance ID, etc.)
	`CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL DEFAULT ''
	)`,
}
