// Package api provides the local control surface of the presence
// daemon: a small HTTP API bound to localhost through which the owner
// sets their location, manages the trust circle, and reads peer views.
// It never exposes anything to other participants; the broadcast fabric
// is the transport, not this API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nearcast/nearcast/internal/health"
	"github.com/nearcast/nearcast/internal/indicator"
	"github.com/nearcast/nearcast/internal/presence"
	"github.com/nearcast/nearcast/internal/trust"
	"github.com/nearcast/nearcast/internal/validate"
)

// healthCheckTimeout bounds each dependency check on /health.
const healthCheckTimeout = 2 * time.Second

// Handlers holds dependencies for the control API.
type Handlers struct {
	manager  *presence.Manager
	logger   *slog.Logger
	checkers map[string]health.Checker
}

// NewHandlers creates a Handlers instance around the given manager.
func NewHandlers(manager *presence.Manager, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		manager:  manager,
		logger:   logger,
		checkers: make(map[string]health.Checker),
	}
}

// AddChecker registers a named dependency check reported on /health.
func (h *Handlers) AddChecker(name string, c health.Checker) {
	h.checkers[name] = c
}

// Register wires all control routes onto the mux.
func (h *Handlers) Register(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.Health)
	mux.HandleFunc("/v1/self", h.Self)
	mux.HandleFunc("/v1/views", h.Views)
	mux.HandleFunc("/v1/views/", h.View)
	mux.HandleFunc("/v1/location", h.Location)
	mux.HandleFunc("/v1/status", h.Status)
	mux.HandleFunc("/v1/sharing", h.Sharing)
	mux.HandleFunc("/v1/trust/", h.Trust)
	mux.HandleFunc("/v1/proximity/", h.Proximity)
}

// HealthResponse reports daemon liveness and dependency checks.
type HealthResponse struct {
	Status    string            `json:"status"`
	State     string            `json:"state"`
	Timestamp string            `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// Health handles GET /health. Dependency failures degrade the report to
// 503 but never stop the daemon: the engine keeps running on whatever
// still works.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:    "healthy",
		State:     string(h.manager.State()),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	status := http.StatusOK
	if len(h.checkers) > 0 {
		resp.Checks = make(map[string]string, len(h.checkers))
		for name, checker := range h.checkers {
			ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
			err := checker.HealthCheck(ctx)
			cancel()
			if err != nil {
				resp.Checks[name] = err.Error()
				resp.Status = "degraded"
				status = http.StatusServiceUnavailable
				continue
			}
			resp.Checks[name] = "ok"
		}
	}
	WriteJSON(w, status, resp)
}

// SelfResponse is the local participant's state.
type SelfResponse struct {
	Identity      string   `json:"identity"`
	DisplayName   string   `json:"display_name,omitempty"`
	Color         string   `json:"color,omitempty"`
	DeviceType    string   `json:"device_type,omitempty"`
	Status        string   `json:"status"`
	StatusMessage string   `json:"status_message,omitempty"`
	Sharing       bool     `json:"sharing"`
	Lat           *float64 `json:"lat,omitempty"`
	Lng           *float64 `json:"lng,omitempty"`
}

// Self handles GET /v1/self.
func (h *Handlers) Self(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteError(w, http.StatusMethodNotAllowed, ErrCodeBadRequest, "Method not allowed")
		return
	}

	self := h.manager.Self()
	resp := SelfResponse{
		Identity:      self.Identity,
		DisplayName:   self.DisplayName,
		Color:         self.Color,
		DeviceType:    self.DeviceType,
		Status:        string(self.Status),
		StatusMessage: self.StatusMessage,
		Sharing:       self.Sharing,
	}
	if self.Location != nil {
		lat, lng := self.Location.Lat, self.Location.Lng
		resp.Lat, resp.Lng = &lat, &lng
	}
	WriteJSON(w, http.StatusOK, resp)
}

// Views handles GET /v1/views - all peer indicators.
func (h *Handlers) Views(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteError(w, http.StatusMethodNotAllowed, ErrCodeBadRequest, "Method not allowed")
		return
	}
	WriteJSON(w, http.StatusOK, indicator.FromViews(h.manager.Views()))
}

// View handles GET /v1/views/{peer} - one peer indicator.
func (h *Handlers) View(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteError(w, http.StatusMethodNotAllowed, ErrCodeBadRequest, "Method not allowed")
		return
	}

	peer := strings.TrimPrefix(r.URL.Path, "/v1/views/")
	if peer == "" {
		WriteError(w, http.StatusBadRequest, ErrCodeBadRequest, "Peer identity is required")
		return
	}

	view, ok := h.manager.View(peer)
	if !ok {
		WriteError(w, http.StatusNotFound, ErrCodeNotFound, "Peer not tracked")
		return
	}
	WriteJSON(w, http.StatusOK, indicator.FromView(view))
}

// LocationRequest is the body of PUT /v1/location.
type LocationRequest struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Location handles PUT /v1/location (manual fix) and DELETE /v1/location.
func (h *Handlers) Location(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPut:
		var req LocationRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteError(w, http.StatusBadRequest, ErrCodeBadRequest, "Invalid JSON body")
			return
		}
		if req.Lat < -90 || req.Lat > 90 || req.Lng < -180 || req.Lng > 180 {
			WriteError(w, http.StatusBadRequest, ErrCodeValidation, "Coordinates out of range")
			return
		}
		if err := h.manager.SetLocation(req.Lat, req.Lng, presence.SourceManual); err != nil {
			WriteError(w, http.StatusConflict, ErrCodeConflict, err.Error())
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case http.MethodDelete:
		h.manager.ClearLocation()
		w.WriteHeader(http.StatusNoContent)
	default:
		WriteError(w, http.StatusMethodNotAllowed, ErrCodeBadRequest, "Method not allowed")
	}
}

// StatusRequest is the body of PUT /v1/status.
type StatusRequest struct {
	Message string `json:"message"`
}

// Status handles PUT /v1/status (set the status message) and
// DELETE /v1/status (clear it).
func (h *Handlers) Status(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPut:
		var req StatusRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteError(w, http.StatusBadRequest, ErrCodeBadRequest, "Invalid JSON body")
			return
		}
		message, err := validate.StatusMessage(req.Message)
		if err != nil {
			WriteError(w, http.StatusBadRequest, ErrCodeValidation, "Invalid status message")
			return
		}
		if err := h.manager.SetStatus(message); err != nil {
			WriteError(w, http.StatusConflict, ErrCodeConflict, err.Error())
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case http.MethodDelete:
		if err := h.manager.SetStatus(""); err != nil {
			WriteError(w, http.StatusConflict, ErrCodeConflict, err.Error())
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		WriteError(w, http.StatusMethodNotAllowed, ErrCodeBadRequest, "Method not allowed")
	}
}

// SharingRequest is the body of PUT /v1/sharing.
type SharingRequest struct {
	Enabled bool `json:"enabled"`
}

// Sharing handles PUT /v1/sharing - toggles continuous device sharing.
func (h *Handlers) Sharing(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		WriteError(w, http.StatusMethodNotAllowed, ErrCodeBadRequest, "Method not allowed")
		return
	}

	var req SharingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, ErrCodeBadRequest, "Invalid JSON body")
		return
	}

	if !req.Enabled {
		h.manager.StopSharing()
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if err := h.manager.StartSharing(); err != nil {
		switch {
		case errors.Is(err, presence.ErrNoGeolocation):
			WriteError(w, http.StatusConflict, ErrCodeConflict, "No geolocation source configured")
		case errors.Is(err, presence.ErrPermissionDenied):
			WriteError(w, http.StatusForbidden, ErrCodeForbidden, "Geolocation permission denied")
		default:
			h.logger.Error("failed to start sharing", slog.String("error", err.Error()))
			WriteError(w, http.StatusInternalServerError, ErrCodeInternal, "Failed to start sharing")
		}
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// TrustRequest is the body of PUT /v1/trust/{peer}.
type TrustRequest struct {
	Tier string `json:"tier"`
}

// Trust handles PUT and DELETE on /v1/trust/{peer}.
func (h *Handlers) Trust(w http.ResponseWriter, r *http.Request) {
	peer := strings.TrimPrefix(r.URL.Path, "/v1/trust/")
	if peer == "" {
		WriteError(w, http.StatusBadRequest, ErrCodeBadRequest, "Peer identity is required")
		return
	}

	switch r.Method {
	case http.MethodPut:
		var req TrustRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteError(w, http.StatusBadRequest, ErrCodeBadRequest, "Invalid JSON body")
			return
		}
		tier, err := trust.ParseTier(req.Tier)
		if err != nil {
			WriteError(w, http.StatusBadRequest, ErrCodeValidation, "Unknown trust tier")
			return
		}
		if err := h.manager.SetTrustLevel(peer, tier); err != nil {
			h.logger.Error("failed to set trust level",
				slog.String("peer", peer), slog.String("error", err.Error()))
			WriteError(w, http.StatusInternalServerError, ErrCodeInternal, "Failed to store trust level")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case http.MethodDelete:
		if err := h.manager.RemoveTrustLevel(peer); err != nil {
			h.logger.Error("failed to remove trust level",
				slog.String("peer", peer), slog.String("error", err.Error()))
			WriteError(w, http.StatusInternalServerError, ErrCodeInternal, "Failed to remove trust level")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		WriteError(w, http.StatusMethodNotAllowed, ErrCodeBadRequest, "Method not allowed")
	}
}

// Proximity handles POST /v1/proximity/{peer} - announces proximity to a
// tracked peer over the broadcast fabric.
func (h *Handlers) Proximity(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteError(w, http.StatusMethodNotAllowed, ErrCodeBadRequest, "Method not allowed")
		return
	}

	peer := strings.TrimPrefix(r.URL.Path, "/v1/proximity/")
	if peer == "" {
		WriteError(w, http.StatusBadRequest, ErrCodeBadRequest, "Peer identity is required")
		return
	}

	if err := h.manager.AnnounceProximity(peer); err != nil {
		WriteError(w, http.StatusNotFound, ErrCodeNotFound, "Peer not tracked")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
