package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/nmslite/hwsentry/internal/api/common"
	"github.com/nmslite/hwsentry/internal/auth"
)

type SystemHandler struct {
	Deps *common.Dependencies
}

func NewSystemHandler(deps *common.Dependencies) *SystemHandler {
	return &SystemHandler{Deps: deps}
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// Health handles GET /health (liveness probe)
func (h *SystemHandler) Health(w http.ResponseWriter, r *http.Request) {
	common.SendJSON(w, http.StatusOK, HealthResponse{
		Status:    "ok",
		Timestamp: time.Now(),
	})
}

// Ready handles GET /ready. It fails while the database is unreachable.
func (h *SystemHandler) Ready(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:    "ok",
		Timestamp: time.Now(),
		Checks:    map[string]string{"database": "disabled"},
	}

	if h.Deps.DB != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.Deps.DB.Ping(ctx); err != nil {
			resp.Status = "unavailable"
			resp.Checks["database"] = err.Error()
			common.SendJSON(w, http.StatusServiceUnavailable, resp)
			return
		}
		resp.Checks["database"] = "ok"
	}

	common.SendJSON(w, http.StatusOK, resp)
}

// Login handles POST /api/v1/login
func (h *SystemHandler) Login(w http.ResponseWriter, r *http.Request) {
	req, ok := common.DecodeJSON[auth.LoginRequest](w, r)
	if !ok {
		return
	}

	if req.Username == "" || req.Password == "" {
		common.SendError(w, r, http.StatusBadRequest, "VALIDATION_ERROR", "Username and password are required", nil)
		return
	}

	response, err := h.Deps.Auth.Login(req.Username, req.Password)
	if err != nil {
		common.SendError(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "Invalid credentials", nil)
		return
	}

	common.SendJSON(w, http.StatusOK, response)
}
