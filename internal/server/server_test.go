package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/keyforge/keyforge/internal/engine"
	"github.com/keyforge/keyforge/internal/model"
	"github.com/keyforge/keyforge/internal/service"
	"github.com/keyforge/keyforge/internal/store"
)

func newTestServer(t *testing.T) (*Server, *store.Store) {
	t.Helper()

	st, err := store.Open(store.Options{})
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	hash, err := service.HashPassword("correct-horse")
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	if err := st.CreateAdmin(context.Background(), &model.Admin{
		Username:     "admin",
		PasswordHash: hash,
		IsActive:     true,
	}); err != nil {
		t.Fatalf("create admin: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	authSvc := service.NewAuthService(st, "test-secret")
	licenseSvc := service.NewLicenseService(st, logger)
	eng := engine.New(st, logger)

	cfg := DefaultConfig()
	cfg.ClientRateLimit = 0 // rate limiting gets in the way of test loops
	return New(cfg, st, eng, authSvc, licenseSvc, logger), st
}

func doJSON(t *testing.T, srv http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func login(t *testing.T, srv http.Handler) string {
	t.Helper()
	rec := doJSON(t, srv, http.MethodPost, "/api/v1/system/admin/session", "",
		map[string]string{"username": "admin", "password": "correct-horse"})
	if rec.Code != http.StatusOK {
		t.Fatalf("login status = %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Token string `json:"session_token"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode login response: %v", err)
	}
	return resp.Token
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doJSON(t, srv, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"keyforge"`) {
		t.Errorf("healthz body: %s", rec.Body.String())
	}

	rec = doJSON(t, srv, http.MethodGet, "/readyz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("readyz = %d: %s", rec.Code, rec.Body.String())
	}
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doJSON(t, srv, http.MethodPost, "/api/v1/system/admin/session", "",
		map[string]string{"username": "admin", "password": "wrong"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestAdminRoutesRequireAuth(t *testing.T) {
	srv, _ := newTestServer(t)

	paths := []struct {
		method, path string
	}{
		{http.MethodGet, "/api/v1/licenses"},
		{http.MethodPost, "/api/v1/licenses"},
		{http.MethodGet, "/api/v1/system/admin"},
		{http.MethodGet, "/api/v1/system/api-key"},
	}
	for _, p := range paths {
		rec := doJSON(t, srv, p.method, p.path, "", nil)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("%s %s without auth = %d, want 401", p.method, p.path, rec.Code)
		}
	}

	// A server key authenticates but is not an admin.
	srv2, st := newTestServer(t)
	raw := "sk_000000000000000000000000000000000000000000000000"
	if err := st.CreateAPIKey(context.Background(), &model.APIKey{
		KeyHash: store.HashKey(raw), KeyPrefix: raw[:10], IsActive: true,
	}); err != nil {
		t.Fatalf("create api key: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/api/v1/licenses", nil)
	req.Header.Set("X-API-Key", raw)
	rec := httptest.NewRecorder()
	srv2.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Errorf("api key on admin route = %d, want 403", rec.Code)
	}
}

func TestLicenseLifecycleOverHTTP(t *testing.T) {
	srv, _ := newTestServer(t)
	token := login(t, srv)

	// Create.
	rec := doJSON(t, srv, http.MethodPost, "/api/v1/licenses", token, map[string]any{
		"name":   "alice",
		"prefix": "GAME",
		"format": "standard",
		"days":   30,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create = %d: %s", rec.Code, rec.Body.String())
	}
	var lic model.License
	if err := json.Unmarshal(rec.Body.Bytes(), &lic); err != nil {
		t.Fatalf("decode license: %v", err)
	}
	if lic.LicenseKey == "" {
		t.Fatal("no license key in response")
	}

	// Validate from a device (public endpoint, no auth).
	rec = doJSON(t, srv, http.MethodPost, "/api/v1/client/validate", "", map[string]string{
		"license_key": lic.LicenseKey,
		"hwid":        "hw-1",
		"device_info": "win11",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("validate = %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"valid":true`) {
		t.Errorf("validate body: %s", rec.Body.String())
	}

	// Get shows the claimed slot.
	rec = doJSON(t, srv, http.MethodGet, "/api/v1/licenses/"+lic.LicenseKey, token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get = %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"hw-1"`) {
		t.Errorf("get body missing slot: %s", rec.Body.String())
	}

	// Lock, then the client sees a 403 with the reason.
	rec = doJSON(t, srv, http.MethodPost, "/api/v1/licenses/"+lic.LicenseKey+"/lock", token,
		map[string]string{"reason": "chargeback"})
	if rec.Code != http.StatusOK {
		t.Fatalf("lock = %d: %s", rec.Code, rec.Body.String())
	}
	rec = doJSON(t, srv, http.MethodPost, "/api/v1/client/validate", "", map[string]string{
		"license_key": lic.LicenseKey, "hwid": "hw-1",
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("validate locked = %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"reason":"locked"`) {
		t.Errorf("locked body: %s", rec.Body.String())
	}

	// Unlock and reset; slot count drops to zero.
	rec = doJSON(t, srv, http.MethodPost, "/api/v1/licenses/"+lic.LicenseKey+"/unlock", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("unlock = %d", rec.Code)
	}
	rec = doJSON(t, srv, http.MethodPost, "/api/v1/licenses/"+lic.LicenseKey+"/reset", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("reset = %d: %s", rec.Code, rec.Body.String())
	}

	// Status probe reflects the reset.
	rec = doJSON(t, srv, http.MethodPost, "/api/v1/client/status", "", map[string]string{
		"license_key": lic.LicenseKey, "hwid": "hw-1",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var status engine.StatusResult
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.HWIDMatch || status.UsedSlots != 0 {
		t.Errorf("status after reset: %+v", status)
	}

	// Revoke, then delete.
	rec = doJSON(t, srv, http.MethodPost, "/api/v1/licenses/"+lic.LicenseKey+"/revoke", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("revoke = %d", rec.Code)
	}
	rec = doJSON(t, srv, http.MethodDelete, "/api/v1/licenses/"+lic.LicenseKey, token, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete = %d: %s", rec.Code, rec.Body.String())
	}
	rec = doJSON(t, srv, http.MethodGet, "/api/v1/licenses/"+lic.LicenseKey, token, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("get after delete = %d", rec.Code)
	}
}

func TestClientValidateErrors(t *testing.T) {
	srv, _ := newTestServer(t)

	// Unknown key reads as invalid_license, not a bare 404.
	rec := doJSON(t, srv, http.MethodPost, "/api/v1/client/validate", "", map[string]string{
		"license_key": "GHOST-0000-0000-0000", "hwid": "hw",
	})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown key = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"reason":"invalid_license"`) {
		t.Errorf("body: %s", rec.Body.String())
	}

	// Missing fields.
	rec = doJSON(t, srv, http.MethodPost, "/api/v1/client/validate", "", map[string]string{
		"license_key": "X",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing hwid = %d", rec.Code)
	}
}

func TestClientRequireKeySetting(t *testing.T) {
	srv, st := newTestServer(t)
	ctx := context.Background()

	if err := st.SetSetting(ctx, "auth.require_client_key", "true"); err != nil {
		t.Fatalf("set setting: %v", err)
	}

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/client/status", "", map[string]string{
		"license_key": "ANY-KEY-0001",
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("without key = %d, want 401", rec.Code)
	}

	raw := "sk_111111111111111111111111111111111111111111111111"
	if err := st.CreateAPIKey(ctx, &model.APIKey{
		KeyHash: store.HashKey(raw), KeyPrefix: raw[:10], IsActive: true,
	}); err != nil {
		t.Fatalf("create api key: %v", err)
	}

	var buf bytes.Buffer
	json.NewEncoder(&buf).Encode(map[string]string{"license_key": "ANY-KEY-0001"}) //nolint:errcheck
	req := httptest.NewRequest(http.MethodPost, "/api/v1/client/status", &buf)
	req.Header.Set("X-API-Key", raw)
	rec2 := httptest.NewRecorder()
	srv.ServeHTTP(rec2, req)
	// Authenticated now; the unknown license is the remaining error.
	if rec2.Code != http.StatusNotFound {
		t.Fatalf("with key = %d: %s", rec2.Code, rec2.Body.String())
	}
}

func TestBulkCreateOverHTTP(t *testing.T) {
	srv, _ := newTestServer(t)
	token := login(t, srv)

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/licenses", token, map[string]any{
		"count":  5,
		"prefix": "BULK",
		"format": "extended",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("bulk create = %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Resource []model.License `json:"resource"`
		Meta     struct {
			Count int `json:"count"`
		} `json:"meta"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Meta.Count != 5 || len(resp.Resource) != 5 {
		t.Errorf("bulk response: %+v", resp.Meta)
	}

	rec = doJSON(t, srv, http.MethodPost, "/api/v1/licenses", token, map[string]any{
		"count": 101, "prefix": "BULK",
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("over-limit bulk = %d, want 400", rec.Code)
	}
}

func TestStatsSearchActivityExport(t *testing.T) {
	srv, _ := newTestServer(t)
	token := login(t, srv)

	for i := 0; i < 3; i++ {
		rec := doJSON(t, srv, http.MethodPost, "/api/v1/licenses", token, map[string]any{
			"custom_key": fmt.Sprintf("FLEET-NODE-%04d", i),
			"name":       "fleet",
		})
		if rec.Code != http.StatusCreated {
			t.Fatalf("create %d = %d: %s", i, rec.Code, rec.Body.String())
		}
	}

	rec := doJSON(t, srv, http.MethodGet, "/api/v1/licenses/stats", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("stats = %d", rec.Code)
	}
	var stats model.LicenseStats
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.Total != 3 || stats.Active != 3 {
		t.Errorf("stats = %+v", stats)
	}

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/licenses/search?q=NODE-0001", token, nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "FLEET-NODE-0001") {
		t.Errorf("search = %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/licenses/activity", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("activity = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"CREATE"`) {
		t.Errorf("activity body: %s", rec.Body.String())
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/licenses/export", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec2 := httptest.NewRecorder()
	srv.ServeHTTP(rec2, req)
	if rec2.Code != http.StatusOK {
		t.Fatalf("export = %d", rec2.Code)
	}
	if ct := rec2.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/csv") {
		t.Errorf("export content type = %q", ct)
	}
	if !strings.Contains(rec2.Body.String(), "FLEET-NODE-0000") {
		t.Errorf("export body: %s", rec2.Body.String())
	}
}

func TestAPIKeyManagementOverHTTP(t *testing.T) {
	srv, _ := newTestServer(t)
	token := login(t, srv)

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/system/api-key", token,
		map[string]any{"label": "launcher"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create key = %d: %s", rec.Code, rec.Body.String())
	}
	var created struct {
		ID  int64  `json:"id"`
		Key string `json:"key"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !strings.HasPrefix(created.Key, "sk_") {
		t.Errorf("raw key = %q", created.Key)
	}

	// The list never exposes hashes or raw keys.
	rec = doJSON(t, srv, http.MethodGet, "/api/v1/system/api-key", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list = %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), created.Key) || strings.Contains(rec.Body.String(), "key_hash") {
		t.Errorf("list leaks key material: %s", rec.Body.String())
	}

	rec = doJSON(t, srv, http.MethodDelete, fmt.Sprintf("/api/v1/system/api-key/%d", created.ID), token, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("revoke = %d", rec.Code)
	}
}

func TestAdminManagementOverHTTP(t *testing.T) {
	srv, _ := newTestServer(t)
	token := login(t, srv)

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/system/admin", token,
		map[string]string{"username": "second", "password": "long-enough-pw", "name": "Second Admin"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create admin = %d: %s", rec.Code, rec.Body.String())
	}
	if strings.Contains(rec.Body.String(), "password_hash") {
		t.Errorf("response leaks password hash: %s", rec.Body.String())
	}

	rec = doJSON(t, srv, http.MethodPost, "/api/v1/system/admin", token,
		map[string]string{"username": "weak", "password": "short"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("weak password = %d, want 400", rec.Code)
	}

	// Self-deletion is refused; deleting the other admin works.
	rec = doJSON(t, srv, http.MethodDelete, "/api/v1/system/admin/admin", token, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("self delete = %d, want 400", rec.Code)
	}
	rec = doJSON(t, srv, http.MethodDelete, "/api/v1/system/admin/second", token, nil)
	if rec.Code != http.StatusNoContent {
		t.Errorf("delete admin = %d", rec.Code)
	}
}
