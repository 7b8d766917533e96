package model

import "time"

// ActivationSlot records one device's claim against a license's device-count
// capacity. Slots are unique per (license, hwid); re-validating from the same
// device refreshes the existing slot instead of consuming a new one.
type ActivationSlot struct {
	ID          int64     `json:"id" db:"id"`
	LicenseID   int64     `json:"license_id" db:"license_id"`
	HWID        string    `json:"hwid" db:"hwid"`
	DeviceInfo  string    `json:"device_info,omitempty" db:"device_info"`
	IPAddress   string    `json:"ip_address,omitempty" db:"ip_address"`
	IsActive    bool      `json:"is_active" db:"is_active"`
	ActivatedAt time.Time `json:"activated_at" db:"activated_at"`
	LastUsed    time.Time `json:"last_used" db:"last_used"`
}
