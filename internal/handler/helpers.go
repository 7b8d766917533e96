package handler

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"

	"github.com/keyforge/keyforge/internal/engine"
	"github.com/keyforge/keyforge/internal/model"
	"github.com/keyforge/keyforge/internal/service"
	"github.com/keyforge/keyforge/internal/store"
)

// writeJSON serializes v as JSON and writes it to the response with the given
// HTTP status code. The Content-Type header is set to application/json.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a structured error response using the standard error
// envelope.
func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, model.ErrorResponse{
		Error: model.ErrorDetail{
			Code:    code,
			Message: message,
		},
	})
}

// writeReject writes a rejection response: the request was understood and the
// license evaluated, but validation failed for the given reason.
func writeReject(w http.ResponseWriter, code int, reason, message string) {
	writeJSON(w, code, model.ErrorResponse{
		Error: model.ErrorDetail{
			Code:    code,
			Message: message,
			Reason:  reason,
		},
	})
}

// writeServiceError maps the domain error taxonomy onto HTTP statuses:
// not-found 404, conflicts and revoked-guard failures 409, invalid requests
// 400, lock contention 503, validation rejections 403 with their reason.
func writeServiceError(w http.ResponseWriter, err error, fallback string) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "license not found")
	case errors.Is(err, store.ErrConflict):
		writeError(w, http.StatusConflict, "already exists")
	case errors.Is(err, store.ErrRevoked):
		writeError(w, http.StatusConflict, "license is revoked")
	case errors.Is(err, service.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, engine.ErrContention):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, "license is busy, try again")
	default:
		if rej := engine.AsReject(err); rej != nil {
			writeReject(w, http.StatusForbidden, rej.Reason, rej.Message)
			return
		}
		writeError(w, http.StatusInternalServerError, fallback)
	}
}

// readJSON decodes the request body as JSON into v. The body is closed after
// decoding regardless of success or failure.
func readJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

// queryInt extracts an integer query parameter, returning defaultVal if the
// parameter is missing or cannot be parsed.
func queryInt(r *http.Request, key string, defaultVal int) int {
	val := r.URL.Query().Get(key)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return n
}

// queryString extracts a string query parameter.
func queryString(r *http.Request, key string) string {
	return r.URL.Query().Get(key)
}

// clientIP returns the request's source address without the port. RealIP
// middleware has already rewritten RemoteAddr from X-Forwarded-For when
// running behind a proxy.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
