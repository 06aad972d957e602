package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nmslite/hwsentry/internal/api/common"
	"github.com/nmslite/hwsentry/internal/auth"
	"github.com/nmslite/hwsentry/internal/globals"
	"github.com/nmslite/hwsentry/internal/poller"
	"github.com/nmslite/hwsentry/internal/source"
	"github.com/nmslite/hwsentry/internal/telemetry"
)

type staticHosts struct {
	sessions map[string]*telemetry.Manager
}

func (h staticHosts) Hosts() []poller.HostStatus {
	out := make([]poller.HostStatus, 0, len(h.sessions))
	for name, s := range h.sessions {
		out = append(out, poller.HostStatus{Hostname: name, Monitors: len(s.Monitors())})
	}
	return out
}

func (h staticHosts) Session(hostname string) (*telemetry.Manager, bool) {
	s, ok := h.sessions[hostname]
	return s, ok
}

type failingPinger struct{}

func (failingPinger) Ping(context.Context) error { return errors.New("connection refused") }

func setupTest(t *testing.T) (http.Handler, *common.Dependencies) {
	t.Helper()
	authService, err := auth.NewService(
		"test-jwt-secret-key-that-is-32-chars",
		"12345678901234567890123456789012",
		"admin", "s3cret", time.Hour,
	)
	if err != nil {
		t.Fatal(err)
	}

	session := telemetry.NewManager("srv1")
	mon := session.AddMonitor(telemetry.NewMonitor("disk", "d0", "storage"))
	mon.AddAttributes(map[string]string{"name": "Disk 0"})
	mon.CollectMetric("hw.disk.io", 42, 1000)
	session.AddMonitor(telemetry.NewMonitor("fan", "f1", "sensors"))
	session.Namespace("storage").PublishSourceTable("${source::monitors.disk.discovery.sources.source(1)}",
		source.NewTable([][]string{{"d0", "ok"}, {"d1", "failed"}}))

	reg := prometheus.NewRegistry()
	deps := &common.Dependencies{
		Auth:     authService,
		Hosts:    staticHosts{sessions: map[string]*telemetry.Manager{"srv1": session}},
		Gatherer: reg,
		Registry: reg,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	return NewRouter(deps, globals.CORSConfig{}), deps
}

func do(t *testing.T, h http.Handler, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func login(t *testing.T, h http.Handler) string {
	t.Helper()
	rec := do(t, h, http.MethodPost, "/api/v1/login", "", `{"username":"admin","password":"s3cret"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("login failed: %d %s", rec.Code, rec.Body.String())
	}
	var resp auth.LoginResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	return resp.Token
}

func TestHealthHandler(t *testing.T) {
	h, deps := setupTest(t)

	rec := do(t, h, http.MethodGet, "/health", "", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"status":"ok"`) {
		t.Errorf("unexpected health response %d %s", rec.Code, rec.Body.String())
	}

	rec = do(t, h, http.MethodGet, "/ready", "", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"database":"disabled"`) {
		t.Errorf("unexpected ready response %d %s", rec.Code, rec.Body.String())
	}

	deps.DB = failingPinger{}
	rec = do(t, NewRouter(deps, globals.CORSConfig{}), http.MethodGet, "/ready", "", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", rec.Code)
	}
}

func TestLogin(t *testing.T) {
	h, _ := setupTest(t)

	tests := []struct {
		name string
		body string
		want int
	}{
		{"invalid json", `{`, http.StatusBadRequest},
		{"missing password", `{"username":"admin"}`, http.StatusBadRequest},
		{"wrong password", `{"username":"admin","password":"nope"}`, http.StatusUnauthorized},
		{"valid", `{"username":"admin","password":"s3cret"}`, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, http.MethodPost, "/api/v1/login", "", tt.body)
			if rec.Code != tt.want {
				t.Errorf("expected %d, got %d: %s", tt.want, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestHostRoutes(t *testing.T) {
	h, _ := setupTest(t)

	if rec := do(t, h, http.MethodGet, "/api/v1/hosts", "", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}

	token := login(t, h)
	sourceKey := "%24%7Bsource%3A%3Amonitors.disk.discovery.sources.source%281%29%7D"

	tests := []struct {
		name     string
		path     string
		want     int
		contains string
	}{
		{"hosts", "/api/v1/hosts", http.StatusOK, `"hostname":"srv1"`},
		{"monitors", "/api/v1/hosts/srv1/monitors", http.StatusOK, `"total":2`},
		{"monitors by type", "/api/v1/hosts/srv1/monitors?type=fan", http.StatusOK, `"total":1`},
		{"monitor", "/api/v1/hosts/srv1/monitors/disk/d0", http.StatusOK, `"name":"Disk 0"`},
		{"monitor metrics", "/api/v1/hosts/srv1/monitors/disk/d0", http.StatusOK, `"hw.disk.io"`},
		{"unknown monitor", "/api/v1/hosts/srv1/monitors/disk/d9", http.StatusNotFound, "NOT_FOUND"},
		{"unknown host", "/api/v1/hosts/srv9/monitors", http.StatusNotFound, "Host not found"},
		{"sources", "/api/v1/hosts/srv1/connectors/storage/sources", http.StatusOK, `"total":1`},
		{"source", "/api/v1/hosts/srv1/connectors/storage/sources/" + sourceKey, http.StatusOK, `"count":2`},
		{"unknown source", "/api/v1/hosts/srv1/connectors/sensors/sources/" + sourceKey, http.StatusNotFound, "NOT_FOUND"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, http.MethodGet, tt.path, token, "")
			if rec.Code != tt.want {
				t.Fatalf("expected %d, got %d: %s", tt.want, rec.Code, rec.Body.String())
			}
			if !strings.Contains(rec.Body.String(), tt.contains) {
				t.Errorf("expected body to contain %s, got %s", tt.contains, rec.Body.String())
			}
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h, _ := setupTest(t)
	do(t, h, http.MethodGet, "/health", "", "")

	rec := do(t, h, http.MethodGet, "/metrics", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "hwsentry_http_requests_total") {
		t.Errorf("expected request counter in %s", rec.Body.String())
	}
}
