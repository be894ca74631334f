package server

// This file contains HTTP handler methods for Server.
// It provides HTTP endpoints for:
// - WebSocket connections (HandleWebSocket)
// - Health checks (HandleHealth)
// - Batch listing and lifecycle (HandleBatches, HandleBatch)
// - Registry statistics (HandleRegistryStats)
// - Engine queue statistics (HandleEngineStats)

import (
	"fmt"
	"net/http"
	"time"

	"github.com/kriegcloud/kgforge/version"
)

const (
	// Default and max limits for batch listing queries
	defaultBatchLimit = 50
	maxBatchLimit     = 200
)

// HandleWebSocket upgrades the connection and attaches the client to the
// broadcast hub.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	upgrader := s.upgrader()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("WebSocket upgrade failed",
			"error", err,
			"remote", r.RemoteAddr,
		)
		return
	}

	client := &Client{
		server: s,
		conn:   conn,
		send:   make(chan interface{}, 256),
		id:     fmt.Sprintf("%s_%d", r.RemoteAddr, time.Now().UnixNano()),
	}

	// Send version info BEFORE starting writePump (avoid concurrent writes)
	versionInfo := version.Get()
	versionMsg := map[string]interface{}{
		"type":       "version",
		"version":    versionInfo.Version,
		"commit":     versionInfo.Short(),
		"build_time": versionInfo.BuildTime,
	}
	if err := conn.WriteJSON(versionMsg); err != nil {
		s.logger.Debugw("Failed to send version info",
			"client_id", client.id,
			"error", err,
		)
	}

	s.register <- client

	// Send current batches on connection (so a fresh client renders state
	// without waiting for the next update)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.sendBatchListToClient(client, defaultBatchLimit)
	}()

	// Start goroutines for reading and writing
	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		client.readPump()
	}()
	go func() {
		defer s.wg.Done()
		client.writePump()
	}()
}

// HandleHealth reports server liveness plus a queue snapshot.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	resp := map[string]interface{}{
		"status":  "ok",
		"version": version.Get().Short(),
	}

	if queue := s.queue(); queue != nil {
		if stats, err := queue.GetStats(); err == nil {
			resp["queue"] = stats
			resp["workers"] = s.pool.Workers()
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// HandleBatches handles requests to /api/batches
// GET: List recent batch executions with their state snapshots
func (s *Server) HandleBatches(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	limit := parseIntQueryParam(r, "limit", defaultBatchLimit, 1, maxBatchLimit)

	summaries, err := s.service.List(r.Context(), limit)
	if err != nil {
		handleServiceError(w, s.logger, err, "failed to list batches")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"batches": summaries,
		"count":   len(summaries),
	})
}

// HandleBatch handles requests to /api/batches/{id}
// GET: Batch execution details plus latest state snapshot
// Sub-resources (POST): /api/batches/{id}/interrupt, /pause, /resume
func (s *Server) HandleBatch(w http.ResponseWriter, r *http.Request) {
	pathParts := extractPathParts(r.URL.Path, "/api/batches/")
	if len(pathParts) == 0 || pathParts[0] == "" {
		writeError(w, http.StatusBadRequest, "Missing execution ID")
		return
	}
	executionID := pathParts[0]

	if len(pathParts) > 1 && pathParts[1] != "" {
		s.handleBatchAction(w, r, executionID, pathParts[1])
		return
	}

	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	summary, err := s.service.Get(r.Context(), executionID)
	if err != nil {
		handleServiceError(w, s.logger, err, "failed to get batch")
		return
	}

	writeJSON(w, http.StatusOK, summary)
}

// handleBatchAction dispatches lifecycle actions on one execution.
func (s *Server) handleBatchAction(w http.ResponseWriter, r *http.Request, executionID, action string) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}

	s.logger.Infow("Batch action request",
		"action", action,
		"execution_id", shortID(executionID),
		"remote", r.RemoteAddr,
	)

	var err error
	switch action {
	case "interrupt":
		err = s.service.Interrupt(r.Context(), executionID)
	case "pause":
		err = s.service.Pause(r.Context(), executionID)
	case "resume":
		err = s.service.Resume(r.Context(), executionID)
	default:
		writeError(w, http.StatusNotFound, fmt.Sprintf("Unknown action %q", action))
		return
	}

	if err != nil {
		handleServiceError(w, s.logger, err, fmt.Sprintf("failed to %s batch", action))
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"execution_id": executionID,
		"action":       action,
		"result":       "ok",
	})
}

// HandleRegistryStats handles requests to /api/registry/stats
// GET: Canonical entity registry statistics for a scope
func (s *Server) HandleRegistryStats(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	if s.stats == nil {
		writeError(w, http.StatusServiceUnavailable, "Registry not enabled")
		return
	}

	scope := r.URL.Query().Get("scope")
	stats, err := s.stats.Get(r.Context(), scope)
	if err != nil {
		handleServiceError(w, s.logger, err, "failed to compute registry stats")
		return
	}

	writeJSON(w, http.StatusOK, stats)
}

// HandleEngineStats handles requests to /api/engine/stats
// GET: Execution queue statistics
func (s *Server) HandleEngineStats(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	queue := s.queue()
	if queue == nil {
		writeError(w, http.StatusServiceUnavailable, "Engine not available")
		return
	}

	stats, err := queue.GetStats()
	if err != nil {
		handleServiceError(w, s.logger, err, "failed to get queue stats")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"workers": s.pool.Workers(),
		"stats":   stats,
	})
}
