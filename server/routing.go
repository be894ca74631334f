package server

import (
	"net/http"
)

// setupHTTPRoutes configures all HTTP handlers on the server's mux:
// WebSocket broadcast, health, the batch status API, registry and engine
// statistics, and (when enabled) Prometheus metrics.
func (s *Server) setupHTTPRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/ws", s.corsMiddleware(s.HandleWebSocket))
	mux.HandleFunc("/health", s.corsMiddleware(s.HandleHealth))
	mux.HandleFunc("/api/batches", s.corsMiddleware(s.HandleBatches))
	mux.HandleFunc("/api/batches/", s.corsMiddleware(s.HandleBatch))
	mux.HandleFunc("/api/registry/stats", s.corsMiddleware(s.HandleRegistryStats))
	mux.HandleFunc("/api/engine/stats", s.corsMiddleware(s.HandleEngineStats))

	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics.Handler())
	}

	return mux
}

// corsMiddleware adds CORS headers to HTTP responses using configured allowed origins
// Uses the same origin validation as WebSocket connections (server.allowed_origins config)
func (s *Server) corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")

		// If origin is present and allowed by config, set CORS headers
		if origin != "" && s.checkOrigin(r) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		}

		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		// Handle preflight requests
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next(w, r)
	}
}
