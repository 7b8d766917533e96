// Package engine implements the activation decision sequence: status
// resolution, allow-list checks, and device-slot claiming, serialized per
// license key so concurrent requests cannot overshoot a license's capacity.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/keyforge/keyforge/internal/model"
	"github.com/keyforge/keyforge/internal/store"
)

// DefaultLockTimeout bounds how long a validation waits for a contended
// license before giving up with ErrContention.
const DefaultLockTimeout = 3 * time.Second

// Engine evaluates validation and status requests against the store.
type Engine struct {
	store       *store.Store
	locks       *lockTable
	lockTimeout time.Duration
	logger      *slog.Logger

	// now is swapped out by tests to pin the clock.
	now func() time.Time
}

// New returns an Engine backed by the given store. A nil logger disables
// engine logging.
func New(st *store.Store, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Engine{
		store:       st,
		locks:       newLockTable(),
		lockTimeout: DefaultLockTimeout,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// ValidateRequest carries one client validation attempt.
type ValidateRequest struct {
	LicenseKey string
	HWID       string
	DeviceInfo string
	IP         string
}

// ValidateResult is returned on a successful activation or re-validation.
type ValidateResult struct {
	License     *model.License        `json:"license"`
	Slot        *model.ActivationSlot `json:"slot"`
	Reactivated bool                  `json:"reactivated"` // same device seen before
	ExpiresAt   *time.Time            `json:"expires_at,omitempty"`
}

// StatusResult is the read-only answer to a status probe. It never mutates
// activation state beyond the lazy expired persist.
type StatusResult struct {
	Status     string     `json:"status"`
	HWIDMatch  bool       `json:"hwid_match"`
	IsLocked   bool       `json:"is_locked"`
	LockReason string     `json:"lock_reason,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	UsedSlots  int        `json:"used_slots"`
	MaxSlots   int        `json:"max_slots"`
}

// Validate runs the full decision sequence for one license key and hardware
// ID. Rejections come back as *RejectError; an unknown key as
// store.ErrNotFound; a lock timeout as ErrContention.
//
// The sequence is: status (revoked > locked > expired), hwid allow-list, ip
// allow-list, then slot claim. A license that lapsed since its last write is
// persisted as expired before rejecting, so later reads agree.
func (e *Engine) Validate(ctx context.Context, req ValidateRequest) (*ValidateResult, error) {
	release, err := e.locks.acquire(ctx, req.LicenseKey, e.lockTimeout)
	if err != nil {
		return nil, err
	}
	defer release()

	now := e.now()

	lic, err := e.store.GetLicenseByKey(ctx, req.LicenseKey)
	if err != nil {
		return nil, err
	}

	if rej := e.checkStanding(ctx, lic, now); rej != nil {
		e.logger.Info("validation rejected",
			"license_key", lic.LicenseKey, "reason", rej.Reason, "hwid", req.HWID)
		return nil, rej
	}

	if !lic.HWIDAllowed(req.HWID) {
		e.logger.Info("validation rejected",
			"license_key", lic.LicenseKey, "reason", ReasonHWIDNotAllowed, "hwid", req.HWID)
		return nil, &RejectError{Reason: ReasonHWIDNotAllowed, Message: "hardware ID not permitted for this license"}
	}
	if !lic.IPAllowed(req.IP) {
		e.logger.Info("validation rejected",
			"license_key", lic.LicenseKey, "reason", ReasonIPNotAllowed, "ip", req.IP)
		return nil, &RejectError{Reason: ReasonIPNotAllowed, Message: "source address not permitted for this license"}
	}

	slot, reused, err := e.store.ClaimSlot(ctx, lic.ID, req.HWID, req.DeviceInfo, req.IP, lic.EffectiveCapacity(), now)
	if errors.Is(err, store.ErrConflict) {
		// Another process claimed this exact (license, hwid) first; its slot
		// serves this device too, so a second attempt takes the reuse path.
		slot, reused, err = e.store.ClaimSlot(ctx, lic.ID, req.HWID, req.DeviceInfo, req.IP, lic.EffectiveCapacity(), now)
	}
	if err != nil {
		if errors.Is(err, store.ErrCapacityReached) {
			return nil, &RejectError{
				Reason:  ReasonMaxDevices,
				Message: fmt.Sprintf("license allows %d device(s)", lic.EffectiveCapacity()),
			}
		}
		return nil, err
	}

	// ClaimSlot bumped the stored counters; mirror them on the snapshot so
	// the caller sees the state it just produced.
	if !reused {
		lic.TotalActivations++
	}
	lastActive := now
	lic.LastActive = &lastActive
	lic.UpdatedAt = now

	e.logger.Info("validation ok",
		"license_key", lic.LicenseKey, "hwid", req.HWID, "reactivated", reused)

	return &ValidateResult{
		License:     lic,
		Slot:        slot,
		Reactivated: reused,
		ExpiresAt:   lic.ExpiresAt,
	}, nil
}

// CheckStatus answers a non-activating status probe: current resolved status,
// whether the given hwid holds a slot, and slot usage. Unknown keys return
// store.ErrNotFound.
func (e *Engine) CheckStatus(ctx context.Context, licenseKey, hwid string) (*StatusResult, error) {
	now := e.now()

	lic, err := e.store.GetLicenseByKey(ctx, licenseKey)
	if err != nil {
		return nil, err
	}

	status := lic.ResolvedStatus(now)
	if status == model.StatusExpired && lic.Status == model.StatusActive {
		if err := e.store.MarkExpired(ctx, lic.ID); err != nil {
			e.logger.Warn("persist lazy expiry", "license_key", lic.LicenseKey, "error", err)
		}
	}

	hwidMatch := false
	if hwid != "" {
		if _, err := e.store.GetSlot(ctx, lic.ID, hwid); err == nil {
			hwidMatch = true
		} else if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}

	used, err := e.store.CountSlots(ctx, lic.ID)
	if err != nil {
		return nil, err
	}

	return &StatusResult{
		Status:     status,
		HWIDMatch:  hwidMatch,
		IsLocked:   status == model.StatusLocked,
		LockReason: lic.LockReason,
		ExpiresAt:  lic.ExpiresAt,
		UsedSlots:  used,
		MaxSlots:   lic.EffectiveCapacity(),
	}, nil
}

// checkStanding resolves the license status at now and converts anything
// other than active into a rejection, persisting a fresh expiry as it goes.
func (e *Engine) checkStanding(ctx context.Context, lic *model.License, now time.Time) *RejectError {
	switch lic.ResolvedStatus(now) {
	case model.StatusRevoked:
		return &RejectError{Reason: ReasonRevoked, Message: "license has been revoked"}
	case model.StatusLocked:
		return &RejectError{Reason: ReasonLocked, Message: lic.LockReason}
	case model.StatusExpired:
		if lic.Status == model.StatusActive {
			if err := e.store.MarkExpired(ctx, lic.ID); err != nil {
				e.logger.Warn("persist lazy expiry", "license_key", lic.LicenseKey, "error", err)
			}
		}
		return &RejectError{Reason: ReasonExpired, Message: "license has expired"}
	}
	return nil
}
