package main

import (
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"cryonix-panel/work/middleware"
	"cryonix-panel/work/orchestrator"
	"cryonix-panel/work/utils"

	"github.com/gorilla/mux"
)

// apiError is the tagged failure half of every API response: a stable kind
// for programmatic handling plus a human-readable detail.
type apiError struct {
	Kind   string `json:"kind"`
	Detail string `json:"detail"`
}

// apiResponse is the uniform JSON envelope of the admin API.
type apiResponse struct {
	Success bool      `json:"success"`
	Data    any       `json:"data,omitempty"`
	Error   *apiError `json:"error,omitempty"`
}

// channelRequest is the create/update payload for a channel.
type channelRequest struct {
	Name      string `json:"name"`
	StreamURL string `json:"stream_url"`
	Category  string `json:"category"`
	LogoURL   string `json:"logo_url"`
	Quality   string `json:"quality"`
}

func writeJSON(w http.ResponseWriter, code int, resp apiResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(resp)
}

func writeOK(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, apiResponse{Success: true, Data: data})
}

func writeError(w http.ResponseWriter, code int, kind, detail string) {
	writeJSON(w, code, apiResponse{Success: false, Error: &apiError{Kind: kind, Detail: detail}})
}

// writeOrchestratorError maps the orchestrator's failure taxonomy onto HTTP
// status codes and stable error kinds.
func writeOrchestratorError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, orchestrator.ErrChannelNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, orchestrator.ErrConflict):
		writeError(w, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, orchestrator.ErrTranscoderRejected):
		writeError(w, http.StatusBadGateway, "remote_rejected", err.Error())
	case errors.Is(err, orchestrator.ErrTranscoderUnreachable):
		writeError(w, http.StatusBadGateway, "remote_unreachable", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "store_failure", err.Error())
	}
}

// setupAdminRoutes registers the admin API on the router. Authentication is
// the surrounding panel's job; this surface only exposes the core.
func setupAdminRoutes(router *mux.Router, app *App) {
	get := func(h http.HandlerFunc) http.HandlerFunc { return middleware.CORS(middleware.Gzip(h)) }
	mut := func(h http.HandlerFunc) http.HandlerFunc { return middleware.CORS(h) }

	router.HandleFunc("/api/channels", get(handleListChannels(app))).Methods("GET", "OPTIONS")
	router.HandleFunc("/api/channels", mut(handleCreateChannel(app))).Methods("POST", "OPTIONS")
	router.HandleFunc("/api/channels/{id}", mut(handleUpdateChannel(app))).Methods("PUT", "OPTIONS")
	router.HandleFunc("/api/channels/{id}", mut(handleDeleteChannel(app))).Methods("DELETE", "OPTIONS")

	router.HandleFunc("/api/stream/toggle", mut(handleToggleStream(app))).Methods("POST", "OPTIONS")
	router.HandleFunc("/api/channels/{id}/start", mut(handleStartChannel(app))).Methods("POST", "OPTIONS")
	router.HandleFunc("/api/channels/{id}/stop", mut(handleStopChannel(app))).Methods("POST", "OPTIONS")

	router.HandleFunc("/api/import", mut(handleImportPlaylist(app))).Methods("POST", "OPTIONS")
	router.HandleFunc("/api/dashboard", get(handleDashboard(app))).Methods("GET", "OPTIONS")

	router.HandleFunc("/api/streams/{key}/viewers", mut(handleUpdateViewers(app))).Methods("POST", "OPTIONS")
	router.HandleFunc("/api/streams/{id}", mut(handleDeleteStream(app))).Methods("DELETE", "OPTIONS")
}

func pathID(r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)[name], 10, 64)
	return id, err == nil && id > 0
}

// handleListChannels returns all configured channels.
func handleListChannels(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		channels, err := app.DB.ListChannels()
		if err != nil {
			writeError(w, http.StatusInternalServerError, "store_failure", err.Error())
			return
		}
		writeOK(w, channels)
	}
}

// handleCreateChannel adds a channel from manual entry. Name and source URL
// must survive sanitization; new channels default to desired-active.
func handleCreateChannel(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req channelRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "malformed_input", "invalid JSON body")
			return
		}

		name := utils.SanitizeChannelName(req.Name)
		if name == "" || !utils.ValidateStreamURL(req.StreamURL) {
			writeError(w, http.StatusBadRequest, "malformed_input", "name and a valid stream_url are required")
			return
		}

		id, err := app.DB.CreateChannel(name, req.StreamURL, req.Category, req.LogoURL, req.Quality, true)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "store_failure", err.Error())
			return
		}

		app.Aggregator.Invalidate()
		writeOK(w, map[string]any{"id": id})
	}
}

// handleUpdateChannel edits a channel's attributes.
func handleUpdateChannel(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(r, "id")
		if !ok {
			writeError(w, http.StatusBadRequest, "malformed_input", "invalid channel id")
			return
		}

		var req channelRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "malformed_input", "invalid JSON body")
			return
		}

		name := utils.SanitizeChannelName(req.Name)
		if name == "" || !utils.ValidateStreamURL(req.StreamURL) {
			writeError(w, http.StatusBadRequest, "malformed_input", "name and a valid stream_url are required")
			return
		}

		err := app.DB.UpdateChannel(id, name, req.StreamURL, req.Category, req.LogoURL, req.Quality)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				writeError(w, http.StatusNotFound, "not_found", "channel not found")
				return
			}
			writeError(w, http.StatusInternalServerError, "store_failure", err.Error())
			return
		}

		app.Aggregator.Invalidate()
		writeOK(w, nil)
	}
}

// handleDeleteChannel removes a channel; its stream history cascades away.
func handleDeleteChannel(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(r, "id")
		if !ok {
			writeError(w, http.StatusBadRequest, "malformed_input", "invalid channel id")
			return
		}

		if err := app.DB.DeleteChannel(id); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				writeError(w, http.StatusNotFound, "not_found", "channel not found")
				return
			}
			writeError(w, http.StatusInternalServerError, "store_failure", err.Error())
			return
		}

		app.Aggregator.Invalidate()
		writeOK(w, nil)
	}
}

// handleToggleStream flips a channel between running and stopped.
func handleToggleStream(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ChannelID int64 `json:"channel_id"`
			UserID    int64 `json:"user_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ChannelID <= 0 {
			writeError(w, http.StatusBadRequest, "malformed_input", "channel_id is required")
			return
		}

		result, err := app.Orchestrator.Toggle(r.Context(), req.ChannelID, req.UserID)
		app.Aggregator.Invalidate()
		if err != nil {
			writeOrchestratorError(w, err)
			return
		}
		writeOK(w, result)
	}
}

// handleStartChannel is the explicit start entry point for bulk/automated use.
func handleStartChannel(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(r, "id")
		if !ok {
			writeError(w, http.StatusBadRequest, "malformed_input", "invalid channel id")
			return
		}

		result, err := app.Orchestrator.Start(r.Context(), id, 0)
		app.Aggregator.Invalidate()
		if err != nil {
			writeOrchestratorError(w, err)
			return
		}
		writeOK(w, result)
	}
}

// handleStopChannel is the explicit stop entry point.
func handleStopChannel(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(r, "id")
		if !ok {
			writeError(w, http.StatusBadRequest, "malformed_input", "invalid channel id")
			return
		}

		result, err := app.Orchestrator.Stop(r.Context(), id)
		app.Aggregator.Invalidate()
		if err != nil {
			writeOrchestratorError(w, err)
			return
		}
		writeOK(w, result)
	}
}

// handleImportPlaylist bulk-imports channel definitions from a playlist
// document posted as the raw request body. "?inactive=1" imports the new
// channels disabled.
func handleImportPlaylist(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data, err := io.ReadAll(io.LimitReader(r.Body, 32*1024*1024))
		if err != nil || len(data) == 0 {
			writeError(w, http.StatusBadRequest, "malformed_input", "empty playlist body")
			return
		}

		asInactive := r.URL.Query().Get("inactive") == "1"
		report, err := app.Importer.Import(data, asInactive)
		if err != nil {
			writeError(w, http.StatusBadRequest, "malformed_input", err.Error())
			return
		}

		app.Aggregator.Invalidate()
		writeOK(w, report)
	}
}

// handleDashboard serves the aggregated dashboard snapshot.
func handleDashboard(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap, err := app.Aggregator.Snapshot(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, "store_failure", err.Error())
			return
		}
		writeOK(w, snap)
	}
}

// handleUpdateViewers records an externally supplied viewer count for a
// stream key.
func handleUpdateViewers(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := mux.Vars(r)["key"]

		var req struct {
			Viewers int `json:"viewers"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Viewers < 0 {
			writeError(w, http.StatusBadRequest, "malformed_input", "viewers must be a non-negative number")
			return
		}

		if err := app.DB.UpdateStreamViewers(key, req.Viewers); err != nil {
			writeError(w, http.StatusInternalServerError, "store_failure", err.Error())
			return
		}
		writeOK(w, nil)
	}
}

// handleDeleteStream removes a stream record (stopping it first when active).
func handleDeleteStream(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(r, "id")
		if !ok {
			writeError(w, http.StatusBadRequest, "malformed_input", "invalid stream id")
			return
		}

		if err := app.Orchestrator.DeleteStream(r.Context(), id); err != nil {
			writeOrchestratorError(w, err)
			return
		}

		app.Aggregator.Invalidate()
		writeOK(w, nil)
	}
}
