package model

import (
	"testing"
	"time"
)

func timePtr(t time.Time) *time.Time { return &t }

func TestResolvedStatusPrecedence(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	past := timePtr(now.Add(-time.Hour))
	future := timePtr(now.Add(time.Hour))

	tests := []struct {
		name string
		lic  License
		want string
	}{
		{"active no expiry", License{Status: StatusActive}, StatusActive},
		{"active future expiry", License{Status: StatusActive, ExpiresAt: future}, StatusActive},
		{"expired by time", License{Status: StatusActive, ExpiresAt: past}, StatusExpired},
		{"stale expired flag", License{Status: StatusExpired, ExpiresAt: future}, StatusActive},
		{"locked beats expiry", License{Status: StatusLocked, ExpiresAt: past}, StatusLocked},
		{"revoked beats locked flags", License{Status: StatusRevoked, LockReason: "banned", ExpiresAt: past}, StatusRevoked},
	}

	for _, tt := range tests {
		if got := tt.lic.ResolvedStatus(now); got != tt.want {
			t.Errorf("%s: ResolvedStatus = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestEffectiveCapacity(t *testing.T) {
	multi := License{MaxDevices: 5, AllowMultipleDevices: true}
	if got := multi.EffectiveCapacity(); got != 5 {
		t.Errorf("multi-device capacity = %d, want 5", got)
	}

	// Single-device mode caps at 1 regardless of max_devices.
	single := License{MaxDevices: 5, AllowMultipleDevices: false}
	if got := single.EffectiveCapacity(); got != 1 {
		t.Errorf("single-device capacity = %d, want 1", got)
	}
}

func TestAllowLists(t *testing.T) {
	lic := License{HWIDLock: "HW-A, HW-B,HW-C", IPLock: ""}

	if !lic.HWIDAllowed("HW-B") {
		t.Error("HW-B should pass the allow-list")
	}
	if lic.HWIDAllowed("HW-D") {
		t.Error("HW-D should be rejected by the allow-list")
	}
	// Empty list admits everything.
	if !lic.IPAllowed("203.0.113.9") {
		t.Error("empty ip_lock should admit any address")
	}

	locked := License{IPLock: "10.0.0.1,10.0.0.2"}
	if locked.IPAllowed("10.0.0.3") {
		t.Error("10.0.0.3 should be rejected")
	}
	if !locked.IPAllowed("10.0.0.2") {
		t.Error("10.0.0.2 should be admitted")
	}
}
