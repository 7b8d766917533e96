package handler

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keyforge/keyforge/internal/keygen"
	"github.com/keyforge/keyforge/internal/model"
	"github.com/keyforge/keyforge/internal/server/middleware"
	"github.com/keyforge/keyforge/internal/service"
	"github.com/keyforge/keyforge/internal/store"
)

// SystemHandler manages Keyforge's own accounts: admin users, sessions, and
// the server keys issued to boundary callers.
type SystemHandler struct {
	store      *store.Store
	authSvc    *service.AuthService
	sessionTTL time.Duration
}

// NewSystemHandler creates a new SystemHandler. A zero sessionTTL defaults
// to 24 hours.
func NewSystemHandler(st *store.Store, authSvc *service.AuthService, sessionTTL time.Duration) *SystemHandler {
	if sessionTTL <= 0 {
		sessionTTL = 24 * time.Hour
	}
	return &SystemHandler{
		store:      st,
		authSvc:    authSvc,
		sessionTTL: sessionTTL,
	}
}

// ---------------------------------------------------------------------------
// Authentication
// ---------------------------------------------------------------------------

// loginRequest is the expected payload for the Login endpoint.
type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// loginResponse is the response payload for a successful login.
type loginResponse struct {
	Token     string `json:"session_token"`
	TokenType string `json:"token_type"`
	ExpiresIn int    `json:"expires_in"`
	AdminID   int64  `json:"admin_id"`
	Username  string `json:"username"`
	Name      string `json:"name"`
}

// Login authenticates an admin user and returns a JWT session token.
// POST /api/v1/system/admin/session
func (h *SystemHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	if req.Username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "Username and password are required")
		return
	}

	ttl := h.sessionTTL
	token, admin, err := h.authSvc.Login(r.Context(), req.Username, req.Password, ttl)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "Invalid credentials")
		return
	}

	h.store.AppendAudit(r.Context(), &model.AuditEntry{ //nolint:errcheck
		Action:    model.AuditLogin,
		Details:   "admin login",
		Actor:     admin.Username,
		IPAddress: clientIP(r),
	})

	writeJSON(w, http.StatusOK, loginResponse{
		Token:     token,
		TokenType: "bearer",
		ExpiresIn: int(ttl.Seconds()),
		AdminID:   admin.ID,
		Username:  admin.Username,
		Name:      admin.Name,
	})
}

// Logout invalidates the current session. Since JWTs are stateless, the
// server only records the event; clients discard their token.
// DELETE /api/v1/system/admin/session
func (h *SystemHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if p := middleware.GetPrincipal(r.Context()); p != nil {
		h.store.AppendAudit(r.Context(), &model.AuditEntry{ //nolint:errcheck
			Action:    model.AuditLogout,
			Details:   "admin logout",
			Actor:     p.Actor(),
			IPAddress: clientIP(r),
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "Session invalidated",
	})
}

// ---------------------------------------------------------------------------
// Admin management
// ---------------------------------------------------------------------------

type createAdminRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Name     string `json:"name"`
}

// ListAdmins returns all admin users.
// GET /api/v1/system/admin
func (h *SystemHandler) ListAdmins(w http.ResponseWriter, r *http.Request) {
	admins, err := h.store.ListAdmins(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list admins")
		return
	}
	writeJSON(w, http.StatusOK, model.ListResponse{
		Resource: admins,
		Meta:     &model.ResponseMeta{Count: len(admins)},
	})
}

// CreateAdmin creates a new admin user.
// POST /api/v1/system/admin
func (h *SystemHandler) CreateAdmin(w http.ResponseWriter, r *http.Request) {
	var req createAdminRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if req.Username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "Username and password are required")
		return
	}
	if len(req.Password) < 8 {
		writeError(w, http.StatusBadRequest, "Password must be at least 8 characters")
		return
	}

	hash, err := service.HashPassword(req.Password)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to hash password")
		return
	}

	admin := &model.Admin{
		Username:     req.Username,
		PasswordHash: hash,
		Name:         req.Name,
		IsActive:     true,
	}
	if err := h.store.CreateAdmin(r.Context(), admin); err != nil {
		writeServiceError(w, err, "Failed to create admin")
		return
	}
	writeJSON(w, http.StatusCreated, admin)
}

// DeleteAdmin removes an admin account.
// DELETE /api/v1/system/admin/{username}
func (h *SystemHandler) DeleteAdmin(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")

	// Deleting yourself would strand the session and, with one admin, the
	// whole deployment.
	if p := middleware.GetPrincipal(r.Context()); p != nil && p.Username == username {
		writeError(w, http.StatusBadRequest, "Cannot delete the currently authenticated admin")
		return
	}

	if err := h.store.DeleteAdmin(r.Context(), username); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Admin not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to delete admin")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ---------------------------------------------------------------------------
// Server key management
// ---------------------------------------------------------------------------

type createAPIKeyRequest struct {
	Label string `json:"label"`
	Days  int    `json:"days"` // 0 means no expiry
}

type createAPIKeyResponse struct {
	model.APIKey
	Key string `json:"key"` // raw key, shown exactly once
}

// ListAPIKeys returns all server keys (hashes omitted).
// GET /api/v1/system/api-key
func (h *SystemHandler) ListAPIKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := h.store.ListAPIKeys(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list API keys")
		return
	}
	writeJSON(w, http.StatusOK, model.ListResponse{
		Resource: keys,
		Meta:     &model.ResponseMeta{Count: len(keys)},
	})
}

// CreateAPIKey mints a new server key. The raw key appears only in this
// response; afterwards only its hash exists.
// POST /api/v1/system/api-key
func (h *SystemHandler) CreateAPIKey(w http.ResponseWriter, r *http.Request) {
	var req createAPIKeyRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	raw, err := keygen.NewServerKey()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to generate key")
		return
	}

	var expiresAt *time.Time
	if req.Days > 0 {
		t := time.Now().UTC().AddDate(0, 0, req.Days)
		expiresAt = &t
	}

	key := &model.APIKey{
		KeyHash:   store.HashKey(raw),
		KeyPrefix: raw[:10],
		Label:     req.Label,
		IsActive:  true,
		ExpiresAt: expiresAt,
	}
	if err := h.store.CreateAPIKey(r.Context(), key); err != nil {
		writeServiceError(w, err, "Failed to create API key")
		return
	}

	writeJSON(w, http.StatusCreated, createAPIKeyResponse{APIKey: *key, Key: raw})
}

// RevokeAPIKey deletes a server key.
// DELETE /api/v1/system/api-key/{keyId}
func (h *SystemHandler) RevokeAPIKey(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "keyId"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid key ID")
		return
	}
	if err := h.store.DeleteAPIKey(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "API key not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to revoke API key")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
