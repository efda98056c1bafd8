// Package api exposes the read-only HTTP surface: health, metrics and
// posture readouts. All writes go through the event-driven pipeline.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/stratosec/idposture/internal/posture"
	"github.com/stratosec/idposture/internal/store"
)

// HTTPAPI serves health, metrics and posture read endpoints.
type HTTPAPI struct {
	store        store.Store
	orchestrator *posture.Orchestrator
	logger       *slog.Logger
}

// NewHTTPAPI creates the HTTP API.
func NewHTTPAPI(st store.Store, o *posture.Orchestrator, logger *slog.Logger) *HTTPAPI {
	return &HTTPAPI{store: st, orchestrator: o, logger: logger}
}

// Router builds the chi router for the service.
func (a *HTTPAPI) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", a.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	r.Get("/alerts", a.handleAlerts)
	r.Get("/coverage/{entityID}", a.handleCoverage)

	return r
}

func (a *HTTPAPI) handleHealth(w http.ResponseWriter, _ *http.Request) {
	a.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *HTTPAPI) handleAlerts(w http.ResponseWriter, r *http.Request) {
	entityID := r.URL.Query().Get("entity_id")
	if entityID == "" {
		a.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "entity_id is required"})
		return
	}

	alerts, err := a.store.ListActiveAlerts(r.Context(), entityID, nil)
	if err != nil {
		a.logger.Error("Failed to list alerts", "entity_id", entityID, "error", err)
		a.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to list alerts"})
		return
	}

	a.writeJSON(w, http.StatusOK, map[string]interface{}{
		"entity_id": entityID,
		"alerts":    alerts,
		"count":     len(alerts),
	})
}

func (a *HTTPAPI) handleCoverage(w http.ResponseWriter, r *http.Request) {
	entityID := chi.URLParam(r, "entityID")

	finding, isAdmin, err := a.orchestrator.EvaluateIdentity(r.Context(), entityID)
	if errors.Is(err, posture.ErrUnknownIdentity) {
		a.writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown identity"})
		return
	}
	if err != nil {
		a.logger.Error("Failed to evaluate coverage", "entity_id", entityID, "error", err)
		a.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to evaluate coverage"})
		return
	}

	a.writeJSON(w, http.StatusOK, map[string]interface{}{
		"entity_id": entityID,
		"coverage":  finding.Coverage,
		"reason":    finding.Reason,
		"admin":     isAdmin,
	})
}

func (a *HTTPAPI) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Error("Failed to encode response", "error", err)
	}
}
