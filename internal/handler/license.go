package handler

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keyforge/keyforge/internal/model"
	"github.com/keyforge/keyforge/internal/server/middleware"
	"github.com/keyforge/keyforge/internal/service"
)

// LicenseHandler exposes the admin license operations.
type LicenseHandler struct {
	svc *service.LicenseService
}

// NewLicenseHandler creates a new LicenseHandler.
func NewLicenseHandler(svc *service.LicenseService) *LicenseHandler {
	return &LicenseHandler{svc: svc}
}

func requestActor(r *http.Request) service.Actor {
	return service.Actor{
		Name: middleware.GetPrincipal(r.Context()).Actor(),
		IP:   clientIP(r),
	}
}

type createRequest struct {
	service.CreateLicenseRequest
	Count int `json:"count"` // >1 switches to bulk creation
}

// Create mints one license, or a batch when count > 1.
// POST /api/v1/licenses
func (h *LicenseHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	if req.Count > 1 {
		licenses, err := h.svc.BulkCreate(r.Context(), req.Count, req.CreateLicenseRequest, requestActor(r))
		if err != nil {
			writeServiceError(w, err, "Failed to create licenses")
			return
		}
		writeJSON(w, http.StatusCreated, model.ListResponse{
			Resource: licenses,
			Meta:     &model.ResponseMeta{Count: len(licenses)},
		})
		return
	}

	lic, err := h.svc.Create(r.Context(), req.CreateLicenseRequest, requestActor(r))
	if err != nil {
		writeServiceError(w, err, "Failed to create license")
		return
	}
	writeJSON(w, http.StatusCreated, lic)
}

// List returns all licenses, optionally filtered by stored status.
// GET /api/v1/licenses?status=active
func (h *LicenseHandler) List(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	licenses, err := h.svc.List(r.Context(), queryString(r, "status"))
	if err != nil {
		writeServiceError(w, err, "Failed to list licenses")
		return
	}
	writeJSON(w, http.StatusOK, model.ListResponse{
		Resource: licenses,
		Meta: &model.ResponseMeta{
			Count:  len(licenses),
			TookMs: float64(time.Since(start).Microseconds()) / 1000.0,
		},
	})
}

// Search finds licenses by key, name, notes, or bound hwid substring.
// GET /api/v1/licenses/search?q=GAME
func (h *LicenseHandler) Search(w http.ResponseWriter, r *http.Request) {
	licenses, err := h.svc.Search(r.Context(), queryString(r, "q"))
	if err != nil {
		writeServiceError(w, err, "Search failed")
		return
	}
	writeJSON(w, http.StatusOK, model.ListResponse{
		Resource: licenses,
		Meta:     &model.ResponseMeta{Count: len(licenses)},
	})
}

// licenseDetail is a license joined with its activation slots.
type licenseDetail struct {
	*model.License
	Slots []model.ActivationSlot `json:"slots"`
}

// Get returns one license with its activation slots.
// GET /api/v1/licenses/{licenseKey}
func (h *LicenseHandler) Get(w http.ResponseWriter, r *http.Request) {
	lic, slots, err := h.svc.Get(r.Context(), chi.URLParam(r, "licenseKey"))
	if err != nil {
		writeServiceError(w, err, "Failed to load license")
		return
	}
	writeJSON(w, http.StatusOK, licenseDetail{License: lic, Slots: slots})
}

// Delete removes a license.
// DELETE /api/v1/licenses/{licenseKey}
func (h *LicenseHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Delete(r.Context(), chi.URLParam(r, "licenseKey"), requestActor(r)); err != nil {
		writeServiceError(w, err, "Failed to delete license")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type extendRequest struct {
	Days int `json:"days"`
}

// Extend adds days to a license's expiry.
// POST /api/v1/licenses/{licenseKey}/extend
func (h *LicenseHandler) Extend(w http.ResponseWriter, r *http.Request) {
	var req extendRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	lic, err := h.svc.Extend(r.Context(), chi.URLParam(r, "licenseKey"), req.Days, requestActor(r))
	if err != nil {
		writeServiceError(w, err, "Failed to extend license")
		return
	}
	writeJSON(w, http.StatusOK, lic)
}

type lockRequest struct {
	Reason string `json:"reason"`
}

// Lock suspends a license.
// POST /api/v1/licenses/{licenseKey}/lock
func (h *LicenseHandler) Lock(w http.ResponseWriter, r *http.Request) {
	var req lockRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	lic, err := h.svc.Lock(r.Context(), chi.URLParam(r, "licenseKey"), req.Reason, requestActor(r))
	if err != nil {
		writeServiceError(w, err, "Failed to lock license")
		return
	}
	writeJSON(w, http.StatusOK, lic)
}

// Unlock lifts a lock.
// POST /api/v1/licenses/{licenseKey}/unlock
func (h *LicenseHandler) Unlock(w http.ResponseWriter, r *http.Request) {
	lic, err := h.svc.Unlock(r.Context(), chi.URLParam(r, "licenseKey"), requestActor(r))
	if err != nil {
		writeServiceError(w, err, "Failed to unlock license")
		return
	}
	writeJSON(w, http.StatusOK, lic)
}

// Revoke permanently disables a license.
// POST /api/v1/licenses/{licenseKey}/revoke
func (h *LicenseHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	lic, err := h.svc.Revoke(r.Context(), chi.URLParam(r, "licenseKey"), requestActor(r))
	if err != nil {
		writeServiceError(w, err, "Failed to revoke license")
		return
	}
	writeJSON(w, http.StatusOK, lic)
}

// Reset frees all activation slots.
// POST /api/v1/licenses/{licenseKey}/reset
func (h *LicenseHandler) Reset(w http.ResponseWriter, r *http.Request) {
	lic, err := h.svc.Reset(r.Context(), chi.URLParam(r, "licenseKey"), requestActor(r))
	if err != nil {
		writeServiceError(w, err, "Failed to reset license")
		return
	}
	writeJSON(w, http.StatusOK, lic)
}

// Stats summarizes the license table.
// GET /api/v1/licenses/stats
func (h *LicenseHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.svc.Stats(r.Context())
	if err != nil {
		writeServiceError(w, err, "Failed to compute stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// Activity returns the most recent audit records.
// GET /api/v1/licenses/activity?limit=50
func (h *LicenseHandler) Activity(w http.ResponseWriter, r *http.Request) {
	records, err := h.svc.Activity(r.Context(), queryInt(r, "limit", 50))
	if err != nil {
		writeServiceError(w, err, "Failed to load activity")
		return
	}
	writeJSON(w, http.StatusOK, model.ListResponse{
		Resource: records,
		Meta:     &model.ResponseMeta{Count: len(records)},
	})
}

// Export streams all licenses as a CSV download.
// GET /api/v1/licenses/export
func (h *LicenseHandler) Export(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf(`attachment; filename="licenses-%s.csv"`, time.Now().UTC().Format("2006-01-02")))
	if err := h.svc.ExportCSV(r.Context(), w); err != nil {
		// Headers are gone; all we can do is cut the stream.
		return
	}
}
