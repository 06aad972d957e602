package handlers

import (
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nmslite/hwsentry/internal/api/common"
	"github.com/nmslite/hwsentry/internal/telemetry"
)

// MonitorResponse is the JSON view of a monitor.
type MonitorResponse struct {
	Type                  string                   `json:"type"`
	ID                    string                   `json:"id"`
	ConnectorID           string                   `json:"connector_id"`
	Attributes            map[string]string        `json:"attributes"`
	Metrics               []telemetry.NumberMetric `json:"metrics"`
	ConditionalCollection map[string]string        `json:"conditional_collection,omitempty"`
	LegacyTextParameters  map[string]string        `json:"legacy_text_parameters,omitempty"`
	DiscoveryTime         time.Time                `json:"discovery_time"`
}

// SourceTableResponse is the JSON view of a published source table.
type SourceTableResponse struct {
	Key   string     `json:"key"`
	Rows  [][]string `json:"rows"`
	Count int        `json:"count"`
}

type HostHandler struct {
	Deps *common.Dependencies
}

func NewHostHandler(deps *common.Dependencies) *HostHandler {
	return &HostHandler{Deps: deps}
}

// List handles GET /api/v1/hosts
func (h *HostHandler) List(w http.ResponseWriter, r *http.Request) {
	hosts := h.Deps.Hosts.Hosts()
	common.SendListResponse(w, hosts, len(hosts))
}

// ListMonitors handles GET /api/v1/hosts/{hostname}/monitors. The optional
// type query parameter filters by monitor type.
func (h *HostHandler) ListMonitors(w http.ResponseWriter, r *http.Request) {
	session, ok := common.SessionParam(w, r, h.Deps.Hosts)
	if !ok {
		return
	}

	var monitors []*telemetry.Monitor
	if monitorType := r.URL.Query().Get("type"); monitorType != "" {
		monitors, _ = session.MonitorsByType(monitorType)
	} else {
		monitors = session.Monitors()
	}

	out := make([]MonitorResponse, 0, len(monitors))
	for _, mon := range monitors {
		out = append(out, toMonitorResponse(mon))
	}
	common.SendListResponse(w, out, len(out))
}

// GetMonitor handles GET /api/v1/hosts/{hostname}/monitors/{type}/{id}
func (h *HostHandler) GetMonitor(w http.ResponseWriter, r *http.Request) {
	session, ok := common.SessionParam(w, r, h.Deps.Hosts)
	if !ok {
		return
	}

	mon, ok := session.Monitor(chi.URLParam(r, "type"), chi.URLParam(r, "id"))
	if !ok {
		common.SendError(w, r, http.StatusNotFound, "NOT_FOUND", "Monitor not found", nil)
		return
	}
	common.SendJSON(w, http.StatusOK, toMonitorResponse(mon))
}

// ListSources handles GET /api/v1/hosts/{hostname}/connectors/{connector}/sources
func (h *HostHandler) ListSources(w http.ResponseWriter, r *http.Request) {
	session, ok := common.SessionParam(w, r, h.Deps.Hosts)
	if !ok {
		return
	}

	keys := session.Namespace(chi.URLParam(r, "connector")).SourceKeys()
	common.SendListResponse(w, keys, len(keys))
}

// GetSource handles GET /api/v1/hosts/{hostname}/connectors/{connector}/sources/{key}
func (h *HostHandler) GetSource(w http.ResponseWriter, r *http.Request) {
	session, ok := common.SessionParam(w, r, h.Deps.Hosts)
	if !ok {
		return
	}

	key, err := url.PathUnescape(chi.URLParam(r, "key"))
	if err != nil {
		common.SendError(w, r, http.StatusBadRequest, "INVALID_KEY", "Invalid source key", nil)
		return
	}

	table, ok := session.Namespace(chi.URLParam(r, "connector")).SourceTable(key)
	if !ok {
		common.SendError(w, r, http.StatusNotFound, "NOT_FOUND", "Source table not found", nil)
		return
	}
	common.SendJSON(w, http.StatusOK, SourceTableResponse{Key: key, Rows: table.Rows, Count: len(table.Rows)})
}

func toMonitorResponse(mon *telemetry.Monitor) MonitorResponse {
	return MonitorResponse{
		Type:                  mon.Type,
		ID:                    mon.ID,
		ConnectorID:           mon.ConnectorID,
		Attributes:            mon.Attributes(),
		Metrics:               mon.Metrics(),
		ConditionalCollection: mon.ConditionalCollection(),
		LegacyTextParameters:  mon.LegacyTextParameters(),
		DiscoveryTime:         mon.DiscoveryTime(),
	}
}
