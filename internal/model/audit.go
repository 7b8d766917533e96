package model

import "time"

// Audit action names recorded by admin operations. One entry is appended per
// successful mutation; failed operations leave no trace here.
const (
	AuditCreate = "CREATE"
	AuditExtend = "EXTEND"
	AuditLock   = "LOCK"
	AuditUnlock = "UNLOCK"
	AuditRevoke = "REVOKE"
	AuditReset  = "RESET"
	AuditDelete = "DELETE"
	AuditLogin  = "LOGIN"
	AuditLogout = "LOGOUT"
)

// AuditEntry is an append-only record of an administrative action. The
// license reference is nullable so entries survive license deletion.
type AuditEntry struct {
	ID        int64     `json:"id" db:"id"`
	LicenseID *int64    `json:"license_id,omitempty" db:"license_id"`
	Action    string    `json:"action" db:"action"`
	Details   string    `json:"details" db:"details"`
	Actor     string    `json:"actor" db:"actor"`
	IPAddress string    `json:"ip_address,omitempty" db:"ip_address"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// AuditRecord is an AuditEntry joined with the license key it refers to, for
// the activity feed. LicenseKey is empty when the license has been deleted.
type AuditRecord struct {
	AuditEntry
	LicenseKey string `json:"license_key,omitempty" db:"license_key"`
}
