package store

import (
	"context"
	"fmt"
	"time"

	"github.com/keyforge/keyforge/internal/model"
)

// AppendAudit writes a standalone audit entry outside any mutation
// transaction (logins, validation rejects, and similar).
func (s *Store) AppendAudit(ctx context.Context, entry *model.AuditEntry) error {
	return insertAudit(ctx, s.db, entry)
}

// RecentActivity returns the newest audit entries joined with their license
// keys. Entries for deleted licenses come back with an empty key.
func (s *Store) RecentActivity(ctx context.Context, limit int) ([]model.AuditRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	const q = `SELECT a.id, a.license_id, a.action, a.details, a.actor, a.ip_address, a.created_at,
			COALESCE(l.license_key, '') AS license_key
		FROM audit_log a
		LEFT JOIN licenses l ON l.id = a.license_id
		ORDER BY a.created_at DESC, a.id DESC
		LIMIT ?`

	var records []model.AuditRecord
	if err := s.db.SelectContext(ctx, &records, s.rebind(q), limit); err != nil {
		return nil, fmt.Errorf("list recent activity: %w", err)
	}
	return records, nil
}

// LicenseAudit returns the audit trail for one license, newest first.
func (s *Store) LicenseAudit(ctx context.Context, licenseID int64, limit int) ([]model.AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}

	var entries []model.AuditEntry
	err := s.db.SelectContext(ctx, &entries, s.rebind(
		`SELECT id, license_id, action, details, actor, ip_address, created_at
		 FROM audit_log WHERE license_id = ?
		 ORDER BY created_at DESC, id DESC LIMIT ?`), licenseID, limit)
	if err != nil {
		return nil, fmt.Errorf("list license audit: %w", err)
	}
	return entries, nil
}

// CountAuditSince returns the number of audit entries newer than the cutoff.
func (s *Store) CountAuditSince(ctx context.Context, since time.Time) (int64, error) {
	var n int64
	err := s.db.GetContext(ctx, &n, s.rebind(
		`SELECT COUNT(*) FROM audit_log WHERE created_at > ?`), since)
	if err != nil {
		return 0, fmt.Errorf("count audit entries: %w", err)
	}
	return n, nil
}
