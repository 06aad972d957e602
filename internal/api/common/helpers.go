package common

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nmslite/hwsentry/internal/middleware"
	"github.com/nmslite/hwsentry/internal/telemetry"
)

// SendJSON sends a JSON response
func SendJSON(w http.ResponseWriter, status int, data interface{}) {
	middleware.SendJSON(w, status, data)
}

// SendError sends a standardized error response
func SendError(w http.ResponseWriter, r *http.Request, status int, code, message string, details interface{}) {
	middleware.SendError(w, r, status, code, message, details)
}

// DecodeJSON decodes request body with error handling
func DecodeJSON[T any](w http.ResponseWriter, r *http.Request) (T, bool) {
	var input T
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		SendError(w, r, http.StatusBadRequest, "INVALID_BODY", "Invalid JSON body", err.Error())
		return input, false
	}
	return input, true
}

// SendListResponse sends a standardized list response
func SendListResponse(w http.ResponseWriter, data interface{}, total int) {
	SendJSON(w, http.StatusOK, map[string]interface{}{
		"data":  data,
		"total": total,
	})
}

// SessionParam resolves the {hostname} URL parameter to its session and
// answers 404 when the host is unknown.
func SessionParam(w http.ResponseWriter, r *http.Request, hosts HostProvider) (*telemetry.Manager, bool) {
	hostname := chi.URLParam(r, "hostname")
	session, ok := hosts.Session(hostname)
	if !ok {
		SendError(w, r, http.StatusNotFound, "NOT_FOUND", "Host not found: "+hostname, nil)
		return nil, false
	}
	return session, true
}
