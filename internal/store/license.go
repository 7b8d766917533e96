package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/keyforge/keyforge/internal/model"
)

const licenseColumns = `id, license_key, name, status, lock_reason, notes,
	hwid_lock, ip_lock, max_devices, allow_multiple_devices, total_activations,
	reset_count, expires_at, last_active, last_reset, created_at, updated_at`

// insertAudit appends an audit entry using the given executor, which lets the
// entry share a transaction with the mutation it describes.
func insertAudit(ctx context.Context, q sqlx.ExtContext, entry *model.AuditEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	const query = `INSERT INTO audit_log (license_id, action, details, actor, ip_address, created_at)
		VALUES (:license_id, :action, :details, :actor, :ip_address, :created_at)`

	if _, err := sqlx.NamedExecContext(ctx, q, query, entry); err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// CreateLicense inserts a new license and its audit entry in one transaction.
// The ID, CreatedAt, and UpdatedAt fields on lic are populated after a
// successful insert. A duplicate license key returns ErrConflict.
func (s *Store) CreateLicense(ctx context.Context, lic *model.License, entry *model.AuditEntry) error {
	now := time.Now().UTC()
	lic.CreatedAt = now
	lic.UpdatedAt = now
	if lic.Status == "" {
		lic.Status = model.StatusActive
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	const q = `INSERT INTO licenses
		(license_key, name, status, lock_reason, notes, hwid_lock, ip_lock,
		 max_devices, allow_multiple_devices, total_activations, reset_count,
		 expires_at, last_active, last_reset, created_at, updated_at)
		VALUES
		(:license_key, :name, :status, :lock_reason, :notes, :hwid_lock, :ip_lock,
		 :max_devices, :allow_multiple_devices, :total_activations, :reset_count,
		 :expires_at, :last_active, :last_reset, :created_at, :updated_at)`

	if _, err := tx.NamedExecContext(ctx, q, lic); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("license key %q: %w", lic.LicenseKey, ErrConflict)
		}
		return fmt.Errorf("insert license: %w", err)
	}

	// LastInsertId is not supported by the pgx driver, so read the row back.
	var created model.License
	if err := tx.GetContext(ctx, &created,
		s.rebind(`SELECT `+licenseColumns+` FROM licenses WHERE license_key = ?`), lic.LicenseKey); err != nil {
		return fmt.Errorf("read created license: %w", err)
	}
	*lic = created

	if entry != nil {
		entry.LicenseID = &lic.ID
		if err := insertAudit(ctx, tx, entry); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// GetLicenseByKey returns a license by its key.
func (s *Store) GetLicenseByKey(ctx context.Context, key string) (*model.License, error) {
	var lic model.License
	err := s.db.GetContext(ctx, &lic,
		s.rebind(`SELECT `+licenseColumns+` FROM licenses WHERE license_key = ?`), key)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get license: %w", err)
	}
	return &lic, nil
}

// getLicenseForUpdate reads a license inside a transaction. With SQLite the
// single write connection serializes access; with PostgreSQL the row lock
// blocks concurrent mutators until commit.
func (s *Store) getLicenseForUpdate(ctx context.Context, tx *sqlx.Tx, key string) (*model.License, error) {
	q := `SELECT ` + licenseColumns + ` FROM licenses WHERE license_key = ?`
	if s.driver == DriverPostgres {
		q += ` FOR UPDATE`
	}

	var lic model.License
	if err := tx.GetContext(ctx, &lic, s.rebind(q), key); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get license: %w", err)
	}
	return &lic, nil
}

// ListLicenses returns all licenses, optionally filtered by stored status,
// newest first.
func (s *Store) ListLicenses(ctx context.Context, status string) ([]model.License, error) {
	q := `SELECT ` + licenseColumns + ` FROM licenses`
	args := []any{}
	if status != "" {
		q += ` WHERE status = ?`
		args = append(args, status)
	}
	q += ` ORDER BY created_at DESC, id DESC`

	var licenses []model.License
	if err := s.db.SelectContext(ctx, &licenses, s.rebind(q), args...); err != nil {
		return nil, fmt.Errorf("list licenses: %w", err)
	}
	return licenses, nil
}

// SearchLicenses returns licenses whose key, name, or notes contain the query
// substring, or that have an activation slot whose hwid contains it.
func (s *Store) SearchLicenses(ctx context.Context, query string) ([]model.License, error) {
	pattern := "%" + query + "%"

	q := `SELECT ` + licenseColumns + ` FROM licenses l
		WHERE l.license_key LIKE ? OR l.name LIKE ? OR l.notes LIKE ?
		   OR EXISTS (SELECT 1 FROM activation_slots sl
		              WHERE sl.license_id = l.id AND sl.hwid LIKE ?)
		ORDER BY l.created_at DESC, l.id DESC`

	var licenses []model.License
	if err := s.db.SelectContext(ctx, &licenses, s.rebind(q),
		pattern, pattern, pattern, pattern); err != nil {
		return nil, fmt.Errorf("search licenses: %w", err)
	}
	return licenses, nil
}

// ExtendLicense adds days to the license's expiry (or to now when it has
// none) and flips a lapsed-to-expired license back to active. Locked and
// revoked statuses are left untouched; only the expiry moves.
func (s *Store) ExtendLicense(ctx context.Context, key string, days int, now time.Time, entry *model.AuditEntry) (*model.License, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	lic, err := s.getLicenseForUpdate(ctx, tx, key)
	if err != nil {
		return nil, err
	}

	base := now
	if lic.ExpiresAt != nil && lic.ExpiresAt.After(now) {
		base = *lic.ExpiresAt
	} else if lic.ExpiresAt != nil {
		// Already lapsed: extend from the old expiry so the arithmetic stays
		// T+days, then reactivate below.
		base = *lic.ExpiresAt
	}
	newExpiry := base.AddDate(0, 0, days)

	lic.ExpiresAt = &newExpiry
	if lic.Status == model.StatusExpired {
		lic.Status = model.StatusActive
	}
	lic.UpdatedAt = now

	const q = `UPDATE licenses SET expires_at = :expires_at, status = :status, updated_at = :updated_at
		WHERE id = :id`
	if _, err := tx.NamedExecContext(ctx, q, lic); err != nil {
		return nil, fmt.Errorf("extend license: %w", err)
	}

	if entry != nil {
		entry.LicenseID = &lic.ID
		if err := insertAudit(ctx, tx, entry); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return lic, nil
}

// LockLicense marks a license as locked with the given reason. Revoked
// licenses cannot be locked; revocation is terminal.
func (s *Store) LockLicense(ctx context.Context, key, reason string, entry *model.AuditEntry) (*model.License, error) {
	return s.setStatus(ctx, key, model.StatusLocked, reason, entry)
}

// UnlockLicense clears a lock, returning the license to active. The expiry
// check still applies at read time, so an expired license stays expired.
func (s *Store) UnlockLicense(ctx context.Context, key string, entry *model.AuditEntry) (*model.License, error) {
	return s.setStatus(ctx, key, model.StatusActive, "", entry)
}

// RevokeLicense permanently revokes a license. No transition out of revoked
// exists except delete.
func (s *Store) RevokeLicense(ctx context.Context, key string, entry *model.AuditEntry) (*model.License, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	lic, err := s.getLicenseForUpdate(ctx, tx, key)
	if err != nil {
		return nil, err
	}

	lic.Status = model.StatusRevoked
	lic.UpdatedAt = time.Now().UTC()

	const q = `UPDATE licenses SET status = :status, updated_at = :updated_at WHERE id = :id`
	if _, err := tx.NamedExecContext(ctx, q, lic); err != nil {
		return nil, fmt.Errorf("revoke license: %w", err)
	}

	if entry != nil {
		entry.LicenseID = &lic.ID
		if err := insertAudit(ctx, tx, entry); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return lic, nil
}

func (s *Store) setStatus(ctx context.Context, key, status, reason string, entry *model.AuditEntry) (*model.License, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	lic, err := s.getLicenseForUpdate(ctx, tx, key)
	if err != nil {
		return nil, err
	}
	if lic.Status == model.StatusRevoked {
		return nil, ErrRevoked
	}

	lic.Status = status
	lic.LockReason = reason
	lic.UpdatedAt = time.Now().UTC()

	const q = `UPDATE licenses SET status = :status, lock_reason = :lock_reason, updated_at = :updated_at
		WHERE id = :id`
	if _, err := tx.NamedExecContext(ctx, q, lic); err != nil {
		return nil, fmt.Errorf("update license status: %w", err)
	}

	if entry != nil {
		entry.LicenseID = &lic.ID
		if err := insertAudit(ctx, tx, entry); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return lic, nil
}

// ResetLicense deletes all activation slots, increments the reset counter,
// and returns the license to active. A revoked license rejects the reset.
func (s *Store) ResetLicense(ctx context.Context, key string, now time.Time, entry *model.AuditEntry) (*model.License, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	lic, err := s.getLicenseForUpdate(ctx, tx, key)
	if err != nil {
		return nil, err
	}
	if lic.Status == model.StatusRevoked {
		return nil, ErrRevoked
	}

	if _, err := tx.ExecContext(ctx,
		s.rebind(`DELETE FROM activation_slots WHERE license_id = ?`), lic.ID); err != nil {
		return nil, fmt.Errorf("clear activation slots: %w", err)
	}

	lic.Status = model.StatusActive
	lic.LockReason = ""
	lic.ResetCount++
	lic.LastReset = &now
	lic.UpdatedAt = now

	const q = `UPDATE licenses SET status = :status, lock_reason = :lock_reason,
		reset_count = :reset_count, last_reset = :last_reset, updated_at = :updated_at
		WHERE id = :id`
	if _, err := tx.NamedExecContext(ctx, q, lic); err != nil {
		return nil, fmt.Errorf("reset license: %w", err)
	}

	if entry != nil {
		entry.LicenseID = &lic.ID
		if err := insertAudit(ctx, tx, entry); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return lic, nil
}

// DeleteLicense removes a license; activation slots cascade and audit entries
// keep a NULL license reference. The delete's own audit entry is written in
// the same transaction, after the row is gone.
func (s *Store) DeleteLicense(ctx context.Context, key string, entry *model.AuditEntry) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	result, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM licenses WHERE license_key = ?`), key)
	if err != nil {
		return fmt.Errorf("delete license: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete license rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}

	if entry != nil {
		entry.LicenseID = nil
		if err := insertAudit(ctx, tx, entry); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// MarkExpired persists the lazy active-to-expired transition observed on a
// read path. The WHERE guard makes it a no-op if an admin flipped the status
// in between.
func (s *Store) MarkExpired(ctx context.Context, licenseID int64) error {
	_, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE licenses SET status = ?, updated_at = ? WHERE id = ? AND status = ?`),
		model.StatusExpired, time.Now().UTC(), licenseID, model.StatusActive)
	if err != nil {
		return fmt.Errorf("mark license expired: %w", err)
	}
	return nil
}

// LicenseStats aggregates license counts by resolved status plus activation
// totals and audit volume since the given cutoff. Status resolution happens
// here rather than in SQL so the expiry comparison matches the engine's.
func (s *Store) LicenseStats(ctx context.Context, now, activitySince time.Time) (*model.LicenseStats, error) {
	type row struct {
		Status    string     `db:"status"`
		ExpiresAt *time.Time `db:"expires_at"`
		Total     int64      `db:"total_activations"`
	}
	var rows []row
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT status, expires_at, total_activations FROM licenses`); err != nil {
		return nil, fmt.Errorf("license stats: %w", err)
	}

	stats := &model.LicenseStats{}
	for _, r := range rows {
		stats.Total++
		stats.TotalActivations += r.Total
		lic := model.License{Status: r.Status, ExpiresAt: r.ExpiresAt}
		switch lic.ResolvedStatus(now) {
		case model.StatusActive:
			stats.Active++
		case model.StatusExpired:
			stats.Expired++
		case model.StatusLocked:
			stats.Locked++
		case model.StatusRevoked:
			stats.Revoked++
		}
	}

	if err := s.db.GetContext(ctx, &stats.RecentActivity,
		s.rebind(`SELECT COUNT(*) FROM audit_log WHERE created_at > ?`), activitySince); err != nil {
		return nil, fmt.Errorf("count recent activity: %w", err)
	}
	return stats, nil
}
