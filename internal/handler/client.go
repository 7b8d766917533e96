package handler

import (
	"errors"
	"net/http"

	"github.com/keyforge/keyforge/internal/engine"
	"github.com/keyforge/keyforge/internal/service"
	"github.com/keyforge/keyforge/internal/store"
)

// SettingRequireClientKey, when set to "true" in the settings table, forces
// boundary callers to present a server key on the public endpoints.
const SettingRequireClientKey = "auth.require_client_key"

// ClientHandler serves the public validation API consumed by launchers and
// game servers. License keys travel in request bodies, never in URLs.
type ClientHandler struct {
	engine  *engine.Engine
	store   *store.Store
	authSvc *service.AuthService
}

// NewClientHandler creates a new ClientHandler.
func NewClientHandler(eng *engine.Engine, st *store.Store, authSvc *service.AuthService) *ClientHandler {
	return &ClientHandler{engine: eng, store: st, authSvc: authSvc}
}

type validateRequest struct {
	LicenseKey string `json:"license_key"`
	HWID       string `json:"hwid"`
	DeviceInfo string `json:"device_info"`
}

type validateResponse struct {
	Valid bool `json:"valid"`
	*engine.ValidateResult
}

// Validate activates (or re-validates) a license for a device.
// POST /api/v1/client/validate
func (h *ClientHandler) Validate(w http.ResponseWriter, r *http.Request) {
	if !h.clientKeyOK(w, r) {
		return
	}

	var req validateRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if req.LicenseKey == "" || req.HWID == "" {
		writeError(w, http.StatusBadRequest, "license_key and hwid are required")
		return
	}

	result, err := h.engine.Validate(r.Context(), engine.ValidateRequest{
		LicenseKey: req.LicenseKey,
		HWID:       req.HWID,
		DeviceInfo: req.DeviceInfo,
		IP:         clientIP(r),
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeReject(w, http.StatusNotFound, "invalid_license", "license key not found")
			return
		}
		writeServiceError(w, err, "Validation failed")
		return
	}

	writeJSON(w, http.StatusOK, validateResponse{Valid: true, ValidateResult: result})
}

type statusRequest struct {
	LicenseKey string `json:"license_key"`
	HWID       string `json:"hwid"`
}

// Status reports a license's standing without consuming an activation slot.
// POST /api/v1/client/status
func (h *ClientHandler) Status(w http.ResponseWriter, r *http.Request) {
	if !h.clientKeyOK(w, r) {
		return
	}

	var req statusRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if req.LicenseKey == "" {
		writeError(w, http.StatusBadRequest, "license_key is required")
		return
	}

	result, err := h.engine.CheckStatus(r.Context(), req.LicenseKey, req.HWID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeReject(w, http.StatusNotFound, "invalid_license", "license key not found")
			return
		}
		writeServiceError(w, err, "Status check failed")
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// clientKeyOK enforces the optional require-client-key setting. The public
// endpoints are open by default; operators who issue server keys to every
// caller can turn the requirement on without redeploying.
func (h *ClientHandler) clientKeyOK(w http.ResponseWriter, r *http.Request) bool {
	required, err := h.store.GetSetting(r.Context(), SettingRequireClientKey)
	if err != nil || required != "true" {
		return true
	}

	rawKey := r.Header.Get("X-API-Key")
	if rawKey == "" {
		writeError(w, http.StatusUnauthorized, "X-API-Key header required")
		return false
	}
	if _, err := h.authSvc.ValidateAPIKey(r.Context(), rawKey); err != nil {
		writeError(w, http.StatusUnauthorized, "Invalid API key")
		return false
	}
	return true
}
