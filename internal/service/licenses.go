package service

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"time"

	"github.com/keyforge/keyforge/internal/keygen"
	"github.com/keyforge/keyforge/internal/model"
	"github.com/keyforge/keyforge/internal/store"
)

// ErrInvalidRequest marks admin requests that fail validation before touching
// the store (bad counts, bad formats, malformed custom keys).
var ErrInvalidRequest = errors.New("invalid request")

// MaxBulkCreate caps how many licenses one bulk request may mint.
const MaxBulkCreate = 100

// generateRetries bounds collision retries when minting keys. Compact keys
// have the least entropy; a handful of retries covers even dense keyspaces.
const generateRetries = 5

// Actor identifies who performed an admin operation, for the audit trail.
type Actor struct {
	Name string
	IP   string
}

func (a Actor) entry(action, details string) *model.AuditEntry {
	return &model.AuditEntry{
		Action:    action,
		Details:   details,
		Actor:     a.Name,
		IPAddress: a.IP,
	}
}

// CreateLicenseRequest describes one license to mint. Leave CustomKey empty
// to generate a key from Prefix and Format.
type CreateLicenseRequest struct {
	Name                 string `json:"name"`
	CustomKey            string `json:"custom_key"`
	Prefix               string `json:"prefix"`
	Format               string `json:"format"`
	Days                 int    `json:"days"` // 0 means perpetual
	MaxDevices           int    `json:"max_devices"`
	AllowMultipleDevices bool   `json:"allow_multiple_devices"`
	HWIDLock             string `json:"hwid_lock"`
	IPLock               string `json:"ip_lock"`
	Notes                string `json:"notes"`
}

// LicenseService implements the admin operations over the store, pairing
// every mutation with its audit entry.
type LicenseService struct {
	store  *store.Store
	logger *slog.Logger
}

func NewLicenseService(st *store.Store, logger *slog.Logger) *LicenseService {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &LicenseService{store: st, logger: logger}
}

// Create mints a single license. Generated keys retry on the rare collision;
// a taken custom key surfaces store.ErrConflict to the caller.
func (s *LicenseService) Create(ctx context.Context, req CreateLicenseRequest, actor Actor) (*model.License, error) {
	if req.Days < 0 {
		return nil, fmt.Errorf("%w: days must not be negative", ErrInvalidRequest)
	}
	if req.MaxDevices < 1 {
		req.MaxDevices = 1
	}

	var expiresAt *time.Time
	if req.Days > 0 {
		t := time.Now().UTC().AddDate(0, 0, req.Days)
		expiresAt = &t
	}

	build := func(key string) *model.License {
		return &model.License{
			LicenseKey:           key,
			Name:                 req.Name,
			Status:               model.StatusActive,
			Notes:                req.Notes,
			HWIDLock:             req.HWIDLock,
			IPLock:               req.IPLock,
			MaxDevices:           req.MaxDevices,
			AllowMultipleDevices: req.AllowMultipleDevices,
			ExpiresAt:            expiresAt,
		}
	}

	if req.CustomKey != "" {
		if err := keygen.ValidateCustom(req.CustomKey); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		lic := build(req.CustomKey)
		if err := s.store.CreateLicense(ctx, lic, actor.entry(model.AuditCreate, "created "+lic.LicenseKey)); err != nil {
			return nil, err
		}
		s.logger.Info("license created", "license_key", lic.LicenseKey, "actor", actor.Name)
		return lic, nil
	}

	format := req.Format
	if format == "" {
		format = keygen.FormatStandard
	}

	var lastErr error
	for attempt := 0; attempt < generateRetries; attempt++ {
		key, err := keygen.Generate(req.Prefix, format)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		lic := build(key)
		err = s.store.CreateLicense(ctx, lic, actor.entry(model.AuditCreate, "created "+key))
		if err == nil {
			s.logger.Info("license created", "license_key", key, "actor", actor.Name)
			return lic, nil
		}
		if !errors.Is(err, store.ErrConflict) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("generate unique key: %w", lastErr)
}

// BulkCreate mints between 1 and MaxBulkCreate licenses sharing the same
// settings. Each key gets its own audit entry. Custom keys are not allowed
// in bulk; there is nothing sensible to number them by.
func (s *LicenseService) BulkCreate(ctx context.Context, count int, req CreateLicenseRequest, actor Actor) ([]model.License, error) {
	if count < 1 || count > MaxBulkCreate {
		return nil, fmt.Errorf("%w: count must be between 1 and %d", ErrInvalidRequest, MaxBulkCreate)
	}
	if req.CustomKey != "" {
		return nil, fmt.Errorf("%w: custom keys cannot be bulk created", ErrInvalidRequest)
	}

	licenses := make([]model.License, 0, count)
	for i := 0; i < count; i++ {
		lic, err := s.Create(ctx, req, actor)
		if err != nil {
			return licenses, fmt.Errorf("bulk create stopped at %d of %d: %w", i, count, err)
		}
		licenses = append(licenses, *lic)
	}
	return licenses, nil
}

// Get returns a license with its activation slots.
func (s *LicenseService) Get(ctx context.Context, key string) (*model.License, []model.ActivationSlot, error) {
	lic, err := s.store.GetLicenseByKey(ctx, key)
	if err != nil {
		return nil, nil, err
	}
	slots, err := s.store.ListSlots(ctx, lic.ID)
	if err != nil {
		return nil, nil, err
	}
	return lic, slots, nil
}

// List returns licenses, optionally filtered by stored status.
func (s *LicenseService) List(ctx context.Context, status string) ([]model.License, error) {
	switch status {
	case "", model.StatusActive, model.StatusExpired, model.StatusLocked, model.StatusRevoked:
	default:
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidRequest, status)
	}
	return s.store.ListLicenses(ctx, status)
}

// Search finds licenses by key, name, notes, or bound hwid substring.
func (s *LicenseService) Search(ctx context.Context, query string) ([]model.License, error) {
	if query == "" {
		return nil, fmt.Errorf("%w: empty search query", ErrInvalidRequest)
	}
	return s.store.SearchLicenses(ctx, query)
}

// Extend adds days to a license's expiry.
func (s *LicenseService) Extend(ctx context.Context, key string, days int, actor Actor) (*model.License, error) {
	if days < 1 {
		return nil, fmt.Errorf("%w: days must be positive", ErrInvalidRequest)
	}
	details := fmt.Sprintf("extended %s by %d day(s)", key, days)
	lic, err := s.store.ExtendLicense(ctx, key, days, time.Now().UTC(), actor.entry(model.AuditExtend, details))
	if err != nil {
		return nil, err
	}
	s.logger.Info("license extended", "license_key", key, "days", days, "actor", actor.Name)
	return lic, nil
}

// Lock suspends a license with a reason shown to rejected clients.
func (s *LicenseService) Lock(ctx context.Context, key, reason string, actor Actor) (*model.License, error) {
	details := "locked " + key
	if reason != "" {
		details += ": " + reason
	}
	lic, err := s.store.LockLicense(ctx, key, reason, actor.entry(model.AuditLock, details))
	if err != nil {
		return nil, err
	}
	s.logger.Info("license locked", "license_key", key, "reason", reason, "actor", actor.Name)
	return lic, nil
}

// Unlock lifts a lock.
func (s *LicenseService) Unlock(ctx context.Context, key string, actor Actor) (*model.License, error) {
	lic, err := s.store.UnlockLicense(ctx, key, actor.entry(model.AuditUnlock, "unlocked "+key))
	if err != nil {
		return nil, err
	}
	s.logger.Info("license unlocked", "license_key", key, "actor", actor.Name)
	return lic, nil
}

// Revoke permanently disables a license.
func (s *LicenseService) Revoke(ctx context.Context, key string, actor Actor) (*model.License, error) {
	lic, err := s.store.RevokeLicense(ctx, key, actor.entry(model.AuditRevoke, "revoked "+key))
	if err != nil {
		return nil, err
	}
	s.logger.Info("license revoked", "license_key", key, "actor", actor.Name)
	return lic, nil
}

// Reset frees all activation slots so the license can move to new hardware.
func (s *LicenseService) Reset(ctx context.Context, key string, actor Actor) (*model.License, error) {
	lic, err := s.store.ResetLicense(ctx, key, time.Now().UTC(), actor.entry(model.AuditReset, "reset activations for "+key))
	if err != nil {
		return nil, err
	}
	s.logger.Info("license reset", "license_key", key, "actor", actor.Name)
	return lic, nil
}

// Delete removes a license entirely. The audit trail keeps the entry with a
// detached license reference.
func (s *LicenseService) Delete(ctx context.Context, key string, actor Actor) error {
	if err := s.store.DeleteLicense(ctx, key, actor.entry(model.AuditDelete, "deleted "+key)); err != nil {
		return err
	}
	s.logger.Info("license deleted", "license_key", key, "actor", actor.Name)
	return nil
}

// Stats summarizes the license table, counting activity over the last day.
func (s *LicenseService) Stats(ctx context.Context) (*model.LicenseStats, error) {
	now := time.Now().UTC()
	return s.store.LicenseStats(ctx, now, now.Add(-24*time.Hour))
}

// Activity returns the most recent audit records.
func (s *LicenseService) Activity(ctx context.Context, limit int) ([]model.AuditRecord, error) {
	return s.store.RecentActivity(ctx, limit)
}

// ExportCSV streams all licenses as CSV, one row per license. The status
// column carries the status resolved at export time, so a license whose
// expiry lapsed since its last read still exports as expired.
func (s *LicenseService) ExportCSV(ctx context.Context, w io.Writer) error {
	licenses, err := s.store.ListLicenses(ctx, "")
	if err != nil {
		return err
	}
	now := time.Now().UTC()

	cw := csv.NewWriter(w)
	header := []string{"license_key", "name", "status", "lock_reason", "expires_at",
		"max_devices", "allow_multiple_devices", "total_activations", "reset_count",
		"hwid_lock", "ip_lock", "notes", "created_at"}
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}

	for i := range licenses {
		lic := &licenses[i]
		expires := ""
		if lic.ExpiresAt != nil {
			expires = lic.ExpiresAt.UTC().Format(time.RFC3339)
		}
		row := []string{
			lic.LicenseKey,
			lic.Name,
			lic.ResolvedStatus(now),
			lic.LockReason,
			expires,
			strconv.Itoa(lic.MaxDevices),
			strconv.FormatBool(lic.AllowMultipleDevices),
			strconv.FormatInt(lic.TotalActivations, 10),
			strconv.Itoa(lic.ResetCount),
			lic.HWIDLock,
			lic.IPLock,
			lic.Notes,
			lic.CreatedAt.UTC().Format(time.RFC3339),
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("write csv row: %w", err)
		}
	}

	cw.Flush()
	return cw.Error()
}
