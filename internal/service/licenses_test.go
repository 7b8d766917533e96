package service

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/keyforge/keyforge/internal/keygen"
	"github.com/keyforge/keyforge/internal/model"
	"github.com/keyforge/keyforge/internal/store"
)

var testActor = Actor{Name: "test-admin", IP: "127.0.0.1"}

func newLicenseService(t *testing.T) (*LicenseService, *store.Store) {
	t.Helper()
	st := newTestStore(t)
	return NewLicenseService(st, nil), st
}

func TestCreateGeneratedKey(t *testing.T) {
	svc, st := newLicenseService(t)
	ctx := context.Background()

	lic, err := svc.Create(ctx, CreateLicenseRequest{
		Name:   "alice",
		Prefix: "game",
		Format: keygen.FormatStandard,
		Days:   30,
	}, testActor)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !regexp.MustCompile(`^GAME-[A-Z0-9]{4}-[A-Z0-9]{4}-[A-Z0-9]{4}$`).MatchString(lic.LicenseKey) {
		t.Errorf("generated key %q has unexpected shape", lic.LicenseKey)
	}
	if lic.ExpiresAt == nil {
		t.Error("expected an expiry for days=30")
	}
	if lic.MaxDevices != 1 {
		t.Errorf("max_devices defaulted to %d, want 1", lic.MaxDevices)
	}

	// Audit entry carries the actor.
	entries, err := st.LicenseAudit(ctx, lic.ID, 5)
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	if len(entries) != 1 || entries[0].Actor != "test-admin" {
		t.Errorf("audit = %+v", entries)
	}
}

func TestCreateCustomKey(t *testing.T) {
	svc, _ := newLicenseService(t)
	ctx := context.Background()

	lic, err := svc.Create(ctx, CreateLicenseRequest{CustomKey: "VIP-CUSTOMER-0001"}, testActor)
	if err != nil {
		t.Fatalf("create custom: %v", err)
	}
	if lic.LicenseKey != "VIP-CUSTOMER-0001" {
		t.Errorf("key = %q", lic.LicenseKey)
	}
	if lic.ExpiresAt != nil {
		t.Error("days=0 should mean perpetual")
	}

	// Taken custom keys conflict rather than retry.
	if _, err := svc.Create(ctx, CreateLicenseRequest{CustomKey: "VIP-CUSTOMER-0001"}, testActor); !errors.Is(err, store.ErrConflict) {
		t.Errorf("duplicate custom key: %v", err)
	}

	// Malformed custom keys are rejected up front.
	if _, err := svc.Create(ctx, CreateLicenseRequest{CustomKey: "bad key"}, testActor); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("malformed custom key: %v", err)
	}
}

func TestCreateValidation(t *testing.T) {
	svc, _ := newLicenseService(t)
	ctx := context.Background()

	if _, err := svc.Create(ctx, CreateLicenseRequest{Days: -1}, testActor); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("negative days: %v", err)
	}
	if _, err := svc.Create(ctx, CreateLicenseRequest{Format: "fancy"}, testActor); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("unknown format: %v", err)
	}
}

func TestBulkCreate(t *testing.T) {
	svc, st := newLicenseService(t)
	ctx := context.Background()

	licenses, err := svc.BulkCreate(ctx, 10, CreateLicenseRequest{
		Prefix: "B",
		Format: keygen.FormatExtended,
		Days:   7,
	}, testActor)
	if err != nil {
		t.Fatalf("bulk create: %v", err)
	}
	if len(licenses) != 10 {
		t.Fatalf("created %d licenses, want 10", len(licenses))
	}
	seen := make(map[string]bool)
	for _, lic := range licenses {
		if seen[lic.LicenseKey] {
			t.Fatalf("duplicate key in bulk batch: %q", lic.LicenseKey)
		}
		seen[lic.LicenseKey] = true
	}

	// One audit entry per minted key.
	records, err := st.RecentActivity(ctx, 50)
	if err != nil {
		t.Fatalf("activity: %v", err)
	}
	creates := 0
	for _, r := range records {
		if r.Action == model.AuditCreate {
			creates++
		}
	}
	if creates != 10 {
		t.Errorf("create audit entries = %d, want 10", creates)
	}

	for _, bad := range []int{0, -3, MaxBulkCreate + 1} {
		if _, err := svc.BulkCreate(ctx, bad, CreateLicenseRequest{}, testActor); !errors.Is(err, ErrInvalidRequest) {
			t.Errorf("count %d: expected ErrInvalidRequest, got %v", bad, err)
		}
	}
	if _, err := svc.BulkCreate(ctx, 2, CreateLicenseRequest{CustomKey: "SOMEKEY-01"}, testActor); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("bulk with custom key: %v", err)
	}
}

func TestAdminOperations(t *testing.T) {
	svc, _ := newLicenseService(t)
	ctx := context.Background()

	lic, err := svc.Create(ctx, CreateLicenseRequest{CustomKey: "OPS-TEST-0001"}, testActor)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := svc.Extend(ctx, lic.LicenseKey, 0, testActor); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("extend 0 days: %v", err)
	}
	extended, err := svc.Extend(ctx, lic.LicenseKey, 14, testActor)
	if err != nil {
		t.Fatalf("extend: %v", err)
	}
	if extended.ExpiresAt == nil {
		t.Error("extend should set an expiry on a perpetual license")
	}

	locked, err := svc.Lock(ctx, lic.LicenseKey, "chargeback", testActor)
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	if locked.Status != model.StatusLocked {
		t.Errorf("status = %q", locked.Status)
	}

	unlocked, err := svc.Unlock(ctx, lic.LicenseKey, testActor)
	if err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if unlocked.Status != model.StatusActive {
		t.Errorf("status = %q", unlocked.Status)
	}

	reset, err := svc.Reset(ctx, lic.LicenseKey, testActor)
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if reset.ResetCount != 1 {
		t.Errorf("reset_count = %d", reset.ResetCount)
	}

	if _, err := svc.Revoke(ctx, lic.LicenseKey, testActor); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, err := svc.Lock(ctx, lic.LicenseKey, "again", testActor); !errors.Is(err, store.ErrRevoked) {
		t.Errorf("lock after revoke: %v", err)
	}

	if err := svc.Delete(ctx, lic.LicenseKey, testActor); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, _, err := svc.Get(ctx, lic.LicenseKey); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("get after delete: %v", err)
	}
}

func TestListAndSearchValidation(t *testing.T) {
	svc, _ := newLicenseService(t)
	ctx := context.Background()

	if _, err := svc.List(ctx, "bogus"); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("bogus status filter: %v", err)
	}
	if _, err := svc.Search(ctx, ""); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("empty query: %v", err)
	}
}

func TestExportCSV(t *testing.T) {
	svc, _ := newLicenseService(t)
	ctx := context.Background()

	if _, err := svc.Create(ctx, CreateLicenseRequest{CustomKey: "CSV-ONE-0001", Name: "one"}, testActor); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.Create(ctx, CreateLicenseRequest{CustomKey: "CSV-TWO-0002", Name: "two, inc."}, testActor); err != nil {
		t.Fatalf("create: %v", err)
	}

	var buf strings.Builder
	if err := svc.ExportCSV(ctx, &buf); err != nil {
		t.Fatalf("export: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("csv has %d lines, want header plus 2 rows:\n%s", len(lines), buf.String())
	}
	if !strings.HasPrefix(lines[0], "license_key,name,status") {
		t.Errorf("unexpected header: %q", lines[0])
	}
	if !strings.Contains(buf.String(), `"two, inc."`) {
		t.Errorf("comma-bearing name not quoted:\n%s", buf.String())
	}
}

func TestExportCSVResolvesLapsedExpiry(t *testing.T) {
	svc, st := newLicenseService(t)
	ctx := context.Background()

	// Stored status stays "active" until some read path persists the lapse;
	// the export must not parrot the stale value.
	past := time.Now().UTC().Add(-time.Hour)
	lic := &model.License{
		LicenseKey: "LAPSED-KEY-0001",
		Status:     model.StatusActive,
		MaxDevices: 1,
		ExpiresAt:  &past,
	}
	if err := st.CreateLicense(ctx, lic, testActor.entry(model.AuditCreate, "seed")); err != nil {
		t.Fatalf("create: %v", err)
	}

	var buf strings.Builder
	if err := svc.ExportCSV(ctx, &buf); err != nil {
		t.Fatalf("export: %v", err)
	}

	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if strings.HasPrefix(line, "LAPSED-KEY-0001,") {
			if !strings.Contains(line, ",expired,") {
				t.Errorf("lapsed license exported with stale status: %q", line)
			}
			return
		}
	}
	t.Fatalf("lapsed license missing from export:\n%s", buf.String())
}
