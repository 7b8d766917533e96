package model

import (
	"strings"
	"time"
)

// License status values. Locked and revoked are set explicitly by admin
// operations; expired is derived from expires_at and persisted lazily on read.
const (
	StatusActive  = "active"
	StatusExpired = "expired"
	StatusLocked  = "locked"
	StatusRevoked = "revoked"
)

// License represents a single license key and its activation state. The key
// itself is immutable after creation; everything else is mutated through the
// store's transactional operations.
type License struct {
	ID                   int64      `json:"id" db:"id"`
	LicenseKey           string     `json:"license_key" db:"license_key"`
	Name                 string     `json:"name" db:"name"`
	Status               string     `json:"status" db:"status"`
	LockReason           string     `json:"lock_reason,omitempty" db:"lock_reason"`
	Notes                string     `json:"notes,omitempty" db:"notes"`
	HWIDLock             string     `json:"hwid_lock,omitempty" db:"hwid_lock"`
	IPLock               string     `json:"ip_lock,omitempty" db:"ip_lock"`
	MaxDevices           int        `json:"max_devices" db:"max_devices"`
	AllowMultipleDevices bool       `json:"allow_multiple_devices" db:"allow_multiple_devices"`
	TotalActivations     int64      `json:"total_activations" db:"total_activations"`
	ResetCount           int        `json:"reset_count" db:"reset_count"`
	ExpiresAt            *time.Time `json:"expires_at,omitempty" db:"expires_at"`
	LastActive           *time.Time `json:"last_active,omitempty" db:"last_active"`
	LastReset            *time.Time `json:"last_reset,omitempty" db:"last_reset"`
	CreatedAt            time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at" db:"updated_at"`
}

// ResolvedStatus computes the effective status at the given instant. The
// precedence is revoked > locked > expired > active: a revoked license stays
// revoked no matter what other flags say, and a locked license stays locked
// even after its expiry passes.
func (l *License) ResolvedStatus(now time.Time) string {
	switch l.Status {
	case StatusRevoked:
		return StatusRevoked
	case StatusLocked:
		return StatusLocked
	}
	if l.ExpiresAt != nil && l.ExpiresAt.Before(now) {
		return StatusExpired
	}
	return StatusActive
}

// EffectiveCapacity returns the number of concurrent activation slots this
// license may hold: MaxDevices when multi-device activation is enabled,
// otherwise the legacy single-slot limit of 1.
func (l *License) EffectiveCapacity() int {
	if !l.AllowMultipleDevices {
		return 1
	}
	return l.MaxDevices
}

// HWIDAllowed reports whether the given hardware ID passes the license's
// hwid allow-list. An empty allow-list admits every hwid.
func (l *License) HWIDAllowed(hwid string) bool {
	return inAllowList(l.HWIDLock, hwid)
}

// IPAllowed reports whether the given source IP passes the license's ip
// allow-list. An empty allow-list admits every address.
func (l *License) IPAllowed(ip string) bool {
	return inAllowList(l.IPLock, ip)
}

// inAllowList checks membership in a comma-separated allow-list. Entries are
// trimmed so "a, b,c" and "a,b,c" behave identically.
func inAllowList(list, value string) bool {
	if strings.TrimSpace(list) == "" {
		return true
	}
	for _, entry := range strings.Split(list, ",") {
		if strings.TrimSpace(entry) == value {
			return true
		}
	}
	return false
}

// LicenseStats summarizes the license table for the dashboard and the stats
// endpoint. Counts are keyed by resolved status, not the possibly stale
// stored column.
type LicenseStats struct {
	Total            int   `json:"total"`
	Active           int   `json:"active"`
	Expired          int   `json:"expired"`
	Locked           int   `json:"locked"`
	Revoked          int   `json:"revoked"`
	TotalActivations int64 `json:"total_activations"`
	RecentActivity   int   `json:"recent_activity"`
}
