// Package v0 provides the REST API handlers for the identity sync admin API.
package v0

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hris-platform/identity-sync/internal/service"
	"github.com/hris-platform/identity-sync/internal/store"
	syncengine "github.com/hris-platform/identity-sync/internal/sync"
	"github.com/hris-platform/identity-sync/internal/versions"
)

// SyncRequest is the body of POST /api/v0/sync
type SyncRequest struct {
	// UserIDs selects the users to sync; empty means all users
	UserIDs []string `json:"user_ids"`

	// Operation is one of sync, create, update, disable, delete_link;
	// defaults to sync
	Operation string `json:"operation,omitempty"`

	// Force bypasses the sync-enabled gate
	Force bool `json:"force,omitempty"`
}

// SyncEnabledRequest is the body of PUT /api/v0/users/{id}/sync-enabled
type SyncEnabledRequest struct {
	Enabled bool `json:"enabled"`
}

// CancelResponse is the body returned by DELETE /api/v0/queue/{id}
type CancelResponse struct {
	Cancelled bool `json:"cancelled"`
}

// ErrorResponse represents a standardized error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// Routes defines the routes for the sync API with dependency injection
type Routes struct {
	service service.SyncService
}

// NewRoutes creates a new Routes instance with the provided service
func NewRoutes(svc service.SyncService) *Routes {
	return &Routes{
		service: svc,
	}
}

// Router creates a new router for the sync admin API
func Router(svc service.SyncService) http.Handler {
	routes := NewRoutes(svc)

	r := chi.NewRouter()

	r.Post("/sync", routes.postSync)
	r.Get("/users/{id}/status", routes.getUserStatus)
	r.Post("/users/{id}/reset", routes.postReset)
	r.Put("/users/{id}/sync-enabled", routes.putSyncEnabled)
	r.Delete("/queue/{id}", routes.deleteQueued)
	r.Get("/dashboard", routes.getDashboard)
	r.Post("/test-connection", routes.postTestConnection)

	return r
}

// postSync handles POST /api/v0/sync
func (rr *Routes) postSync(w http.ResponseWriter, r *http.Request) {
	var req SyncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		rr.writeErrorResponse(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	if req.Operation == "" {
		req.Operation = string(syncengine.OperationSync)
	}
	op, err := syncengine.ParseOperation(req.Operation)
	if err != nil {
		rr.writeErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}

	manifest, err := rr.service.SubmitSync(r.Context(), req.UserIDs, op, req.Force)
	if err != nil {
		slog.Error("Failed to submit sync", "error", err)
		rr.writeErrorResponse(w, "Failed to submit sync", http.StatusInternalServerError)
		return
	}

	rr.writeJSONResponse(w, http.StatusAccepted, manifest)
}

// getUserStatus handles GET /api/v0/users/{id}/status
func (rr *Routes) getUserStatus(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")

	st, err := rr.service.GetStatus(r.Context(), userID)
	if err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			rr.writeErrorResponse(w, "User not found", http.StatusNotFound)
			return
		}
		slog.Error("Failed to get user status", "local_id", userID, "error", err)
		rr.writeErrorResponse(w, "Failed to get user status", http.StatusInternalServerError)
		return
	}

	rr.writeJSONResponse(w, http.StatusOK, st)
}

// postReset handles POST /api/v0/users/{id}/reset
func (rr *Routes) postReset(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")

	if err := rr.service.ResetToPending(r.Context(), userID); err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			rr.writeErrorResponse(w, "User not found", http.StatusNotFound)
			return
		}
		rr.writeErrorResponse(w, err.Error(), http.StatusConflict)
		return
	}

	st, err := rr.service.GetStatus(r.Context(), userID)
	if err != nil {
		slog.Error("Failed to get user status after reset", "local_id", userID, "error", err)
		rr.writeErrorResponse(w, "Failed to get user status", http.StatusInternalServerError)
		return
	}
	rr.writeJSONResponse(w, http.StatusOK, st)
}

// putSyncEnabled handles PUT /api/v0/users/{id}/sync-enabled
func (rr *Routes) putSyncEnabled(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")

	var req SyncEnabledRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		rr.writeErrorResponse(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	if err := rr.service.SetSyncEnabled(r.Context(), userID, req.Enabled); err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			rr.writeErrorResponse(w, "User not found", http.StatusNotFound)
			return
		}
		slog.Error("Failed to set sync enabled", "local_id", userID, "error", err)
		rr.writeErrorResponse(w, "Failed to update sync flag", http.StatusInternalServerError)
		return
	}

	st, err := rr.service.GetStatus(r.Context(), userID)
	if err != nil {
		rr.writeErrorResponse(w, "Failed to get user status", http.StatusInternalServerError)
		return
	}
	rr.writeJSONResponse(w, http.StatusOK, st)
}

// deleteQueued handles DELETE /api/v0/queue/{id}
func (rr *Routes) deleteQueued(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")

	found, err := rr.service.CancelQueued(r.Context(), userID)
	if err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			rr.writeErrorResponse(w, "User not found", http.StatusNotFound)
			return
		}
		slog.Error("Failed to cancel queued sync", "local_id", userID, "error", err)
		rr.writeErrorResponse(w, "Failed to cancel queued sync", http.StatusInternalServerError)
		return
	}
	if !found {
		rr.writeErrorResponse(w, "No queued sync for user", http.StatusNotFound)
		return
	}

	rr.writeJSONResponse(w, http.StatusOK, CancelResponse{Cancelled: true})
}

// getDashboard handles GET /api/v0/dashboard
func (rr *Routes) getDashboard(w http.ResponseWriter, r *http.Request) {
	dash, err := rr.service.GetDashboard(r.Context())
	if err != nil {
		slog.Error("Failed to build dashboard", "error", err)
		rr.writeErrorResponse(w, "Failed to build dashboard", http.StatusInternalServerError)
		return
	}

	rr.writeJSONResponse(w, http.StatusOK, dash)
}

// postTestConnection handles POST /api/v0/test-connection
func (rr *Routes) postTestConnection(w http.ResponseWriter, r *http.Request) {
	result := rr.service.TestConnection(r.Context())

	code := http.StatusOK
	if !result.Connected {
		code = http.StatusBadGateway
	}
	rr.writeJSONResponse(w, code, result)
}

// HealthRouter creates a router for health check endpoints
func HealthRouter(svc service.SyncService) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", healthHandler)
	r.Get("/readiness", readinessHandler(svc))
	r.Get("/version", versionHandler)

	return r
}

// healthHandler handles health check requests
func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"healthy"}`))
}

// readinessHandler handles readiness check requests
func readinessHandler(svc service.SyncService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := svc.CheckReadiness(r.Context()); err != nil {
			errorResp := ErrorResponse{
				Error: "SyncService not ready: " + err.Error(),
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			if encodeErr := json.NewEncoder(w).Encode(errorResp); encodeErr != nil {
				slog.Error("Failed to encode readiness error response", "error", encodeErr)
			}
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ready"}`))
	}
}

// versionHandler handles version information requests
func versionHandler(w http.ResponseWriter, _ *http.Request) {
	info := versions.GetVersionInfo()

	response := map[string]string{
		"version":    info.Version,
		"commit":     info.Commit,
		"build_date": info.BuildDate,
		"go_version": info.GoVersion,
		"platform":   info.Platform,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		slog.Error("Failed to encode version info", "error", err)
	}
}

// writeJSONResponse writes a JSON response with the given status and data
func (*Routes) writeJSONResponse(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode JSON response", "error", err)
	}
}

// writeErrorResponse writes a standardized error response
func (*Routes) writeErrorResponse(w http.ResponseWriter, message string, statusCode int) {
	errorResp := ErrorResponse{
		Error: message,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(errorResp); err != nil {
		slog.Error("Failed to encode error response", "error", err)
	}
}
