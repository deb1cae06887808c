// Package api provides the diagnostics HTTP surface of the fleet service.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/edgevolt/inverter-fleet/internal/adapter/modbus"
	"github.com/edgevolt/inverter-fleet/internal/service"
	"github.com/edgevolt/inverter-fleet/pkg/logging"
)

// Handlers exposes fleet diagnostics and on-demand control over HTTP.
type Handlers struct {
	fleet        *modbus.FleetRegistry
	orchestrator *service.Orchestrator
	logger       zerolog.Logger
}

// NewHandlers creates the diagnostics handlers.
func NewHandlers(fleet *modbus.FleetRegistry, orchestrator *service.Orchestrator, logger zerolog.Logger) *Handlers {
	return &Handlers{
		fleet:        fleet,
		orchestrator: orchestrator,
		logger:       logging.Component(logger, "api"),
	}
}

// Register mounts the API routes on a mux.
func (h *Handlers) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/devices", h.handleDevices)
	mux.HandleFunc("/api/devices/reconnect", h.handleReconnect)
	mux.HandleFunc("/api/snapshot", h.handleSnapshot)
	mux.HandleFunc("/api/stats", h.handleStats)
	mux.HandleFunc("/api/power", h.handlePower)
}

// handleDevices lists per-device connection health.
// GET /api/devices
func (h *Handlers) handleDevices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	h.writeJSON(w, http.StatusOK, h.fleet.Health())
}

// handleReconnect forces a close+reconnect of one device.
// POST /api/devices/reconnect?id=<device_id>
func (h *Handlers) handleReconnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	deviceID := r.URL.Query().Get("id")
	if deviceID == "" {
		http.Error(w, "missing id parameter", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	ok, err := h.orchestrator.ForceReconnect(ctx, deviceID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"device_id": deviceID,
		"connected": ok,
	})
}

// handleSnapshot returns the last completed read cycle.
// GET /api/snapshot
func (h *Handlers) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	snapshot, at := h.orchestrator.Snapshot()
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"timestamp": at,
		"values":    snapshot,
	})
}

// handleStats returns orchestrator cycle counters.
// GET /api/stats
func (h *Handlers) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	h.writeJSON(w, http.StatusOK, h.orchestrator.Stats())
}

// powerRequest is the body of a power setpoint request.
type powerRequest struct {
	DeviceID    string `json:"device_id,omitempty"`
	Power       int    `json:"power"`
	PowerFactor int    `json:"power_factor"`
}

// handlePower writes the nominal power setpoint.
// POST /api/power  {"device_id": "...", "power": W, "power_factor": pf}
// An absent device_id targets the primary device.
func (h *Handlers) handlePower(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req powerRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	if err := h.orchestrator.SetNominalPower(ctx, req.DeviceID, req.Power, req.PowerFactor); err != nil {
		h.logger.Error().Err(err).
			Str("device_id", req.DeviceID).
			Int("power", req.Power).
			Msg("Power setpoint via API failed")
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"device_id":    req.DeviceID,
		"power":        req.Power,
		"power_factor": req.PowerFactor,
		"success":      true,
	})
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error().Err(err).Msg("Failed to encode response")
	}
}
