package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/keyforge/keyforge/internal/model"
)

const slotColumns = `id, license_id, hwid, device_info, ip_address, is_active, activated_at, last_used`

// ClaimSlot binds a hardware ID to a license, or refreshes the slot if the
// device already holds one. The reuse check, capacity count, insert, and
// license counters all run in one transaction, so two devices racing for the
// last slot can never both win. Returns the slot and whether it was reused.
func (s *Store) ClaimSlot(ctx context.Context, licenseID int64, hwid, deviceInfo, ip string, capacity int, now time.Time) (*model.ActivationSlot, bool, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	// Lock the license row before counting so concurrent claims serialize,
	// including across processes on PostgreSQL, where the in-process key lock
	// cannot reach. SQLite's single write connection already serializes.
	lockQ := `SELECT id FROM licenses WHERE id = ?`
	if s.driver == DriverPostgres {
		lockQ += ` FOR UPDATE`
	}
	var lockedID int64
	if err := tx.GetContext(ctx, &lockedID, s.rebind(lockQ), licenseID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, ErrNotFound
		}
		return nil, false, fmt.Errorf("lock license row: %w", err)
	}

	var slot model.ActivationSlot
	err = tx.GetContext(ctx, &slot, s.rebind(
		`SELECT `+slotColumns+` FROM activation_slots WHERE license_id = ? AND hwid = ?`),
		licenseID, hwid)
	switch {
	case err == nil:
		// Same device re-validating: refresh, never consume a new slot.
		slot.DeviceInfo = deviceInfo
		slot.IPAddress = ip
		slot.IsActive = true
		slot.LastUsed = now
		if _, err := tx.NamedExecContext(ctx,
			`UPDATE activation_slots SET device_info = :device_info, ip_address = :ip_address,
				is_active = :is_active, last_used = :last_used WHERE id = :id`, &slot); err != nil {
			return nil, false, fmt.Errorf("refresh activation slot: %w", err)
		}

		if _, err := tx.ExecContext(ctx, s.rebind(
			`UPDATE licenses SET last_active = ?, updated_at = ? WHERE id = ?`),
			now, now, licenseID); err != nil {
			return nil, false, fmt.Errorf("touch license: %w", err)
		}

		if err := tx.Commit(); err != nil {
			return nil, false, fmt.Errorf("commit: %w", err)
		}
		return &slot, true, nil

	case errors.Is(err, sql.ErrNoRows):
		// Fall through to claim a fresh slot.

	default:
		return nil, false, fmt.Errorf("lookup activation slot: %w", err)
	}

	var used int
	if err := tx.GetContext(ctx, &used, s.rebind(
		`SELECT COUNT(*) FROM activation_slots WHERE license_id = ?`), licenseID); err != nil {
		return nil, false, fmt.Errorf("count activation slots: %w", err)
	}
	if used >= capacity {
		return nil, false, ErrCapacityReached
	}

	slot = model.ActivationSlot{
		LicenseID:   licenseID,
		HWID:        hwid,
		DeviceInfo:  deviceInfo,
		IPAddress:   ip,
		IsActive:    true,
		ActivatedAt: now,
		LastUsed:    now,
	}
	if _, err := tx.NamedExecContext(ctx,
		`INSERT INTO activation_slots (license_id, hwid, device_info, ip_address, is_active, activated_at, last_used)
		 VALUES (:license_id, :hwid, :device_info, :ip_address, :is_active, :activated_at, :last_used)`,
		&slot); err != nil {
		if isUniqueViolation(err) {
			// Lost a race for the same (license, hwid) pair; the other writer's
			// slot serves this device too.
			return nil, false, ErrConflict
		}
		return nil, false, fmt.Errorf("insert activation slot: %w", err)
	}

	if _, err := tx.ExecContext(ctx, s.rebind(
		`UPDATE licenses SET total_activations = total_activations + 1, last_active = ?, updated_at = ?
		 WHERE id = ?`), now, now, licenseID); err != nil {
		return nil, false, fmt.Errorf("bump activation counters: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit: %w", err)
	}

	if err := s.db.GetContext(ctx, &slot, s.rebind(
		`SELECT `+slotColumns+` FROM activation_slots WHERE license_id = ? AND hwid = ?`),
		licenseID, hwid); err != nil {
		return nil, false, fmt.Errorf("read claimed slot: %w", err)
	}
	return &slot, false, nil
}

// GetSlot returns the activation slot for a (license, hwid) pair.
func (s *Store) GetSlot(ctx context.Context, licenseID int64, hwid string) (*model.ActivationSlot, error) {
	var slot model.ActivationSlot
	err := s.db.GetContext(ctx, &slot, s.rebind(
		`SELECT `+slotColumns+` FROM activation_slots WHERE license_id = ? AND hwid = ?`),
		licenseID, hwid)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get activation slot: %w", err)
	}
	return &slot, nil
}

// ListSlots returns a license's activation slots, most recently used first.
func (s *Store) ListSlots(ctx context.Context, licenseID int64) ([]model.ActivationSlot, error) {
	var slots []model.ActivationSlot
	err := s.db.SelectContext(ctx, &slots, s.rebind(
		`SELECT `+slotColumns+` FROM activation_slots WHERE license_id = ? ORDER BY last_used DESC, id DESC`),
		licenseID)
	if err != nil {
		return nil, fmt.Errorf("list activation slots: %w", err)
	}
	return slots, nil
}

// CountSlots returns the number of claimed slots for a license.
func (s *Store) CountSlots(ctx context.Context, licenseID int64) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, s.rebind(
		`SELECT COUNT(*) FROM activation_slots WHERE license_id = ?`), licenseID)
	if err != nil {
		return 0, fmt.Errorf("count activation slots: %w", err)
	}
	return n, nil
}
