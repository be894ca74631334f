package server

import (
	"context"
	"database/sql"
	"net/http"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/kriegcloud/kgforge/batch"
	"github.com/kriegcloud/kgforge/config"
	"github.com/kriegcloud/kgforge/engine"
	"github.com/kriegcloud/kgforge/registry"
)

// Server exposes the batch pipeline over HTTP and WebSocket: a status
// API mirroring batch.Service, live execution/event broadcast to
// connected clients, and Prometheus metrics.
type Server struct {
	db      *sql.DB
	cfg     *config.Config
	pool    *engine.WorkerPool   // Background execution engine (may be nil for API-only use)
	service *batch.Service       // Batch lifecycle facade
	stats   *registry.StatsCache // nil when registry.enabled = false
	metrics *Metrics             // nil when server.metrics_enabled = false

	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client

	mu         sync.RWMutex
	lastStatus *cachedQueueStatus // Cache last queue snapshot for change detection

	broadcastDrops atomic.Int64 // Dropped sends to slow clients, for monitoring

	// HTTP server with timeouts
	httpServer *http.Server

	// Lifecycle management
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *zap.SugaredLogger
}

// New creates a server wired to the execution engine and batch service.
// The stats cache may be nil when the registry is disabled; pool may be
// nil when another process owns the workers.
func New(db *sql.DB, cfg *config.Config, pool *engine.WorkerPool, service *batch.Service, stats *registry.StatsCache, logger *zap.SugaredLogger) *Server {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		db:         db,
		cfg:        cfg,
		pool:       pool,
		service:    service,
		stats:      stats,
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		ctx:        ctx,
		cancel:     cancel,
		logger:     logger.Named("server"),
	}
	if cfg.Server.MetricsEnabled {
		s.metrics = NewMetrics()
	}
	return s
}

// Run starts the server hub event loop. It owns the clients map and all
// registration/unregistration, so handlers never mutate it directly.
func (s *Server) Run() {
	for {
		select {
		case <-s.ctx.Done():
			s.logger.Debugw("Server hub stopping due to context cancellation")
			return
		case client := <-s.register:
			s.handleClientRegister(client)
		case client := <-s.unregister:
			s.handleClientUnregister(client)
		}
	}
}

// handleClientRegister handles a new client connection
func (s *Server) handleClientRegister(client *Client) {
	s.mu.Lock()

	if len(s.clients) >= MaxClients {
		s.mu.Unlock()
		s.logger.Warnw("Max clients reached, rejecting connection",
			"client_id", client.id,
			"max_clients", MaxClients,
		)
		client.close()
		return
	}

	s.clients[client] = true
	totalClients := len(s.clients)
	s.mu.Unlock()

	s.logger.Infow("Client connected",
		"client_id", client.id,
		"total_clients", totalClients,
	)
}

// handleClientUnregister handles a client disconnection
func (s *Server) handleClientUnregister(client *Client) {
	s.mu.Lock()
	if _, ok := s.clients[client]; ok {
		delete(s.clients, client)
		totalClients := len(s.clients)
		s.mu.Unlock()

		client.close()

		s.logger.Infow("Client disconnected",
			"client_id", client.id,
			"total_clients", totalClients,
		)
	} else {
		s.mu.Unlock()
	}
}

// queue returns the engine queue, or nil when no pool is attached.
func (s *Server) queue() *engine.Queue {
	if s.pool == nil {
		return nil
	}
	return s.pool.GetQueue()
}

// Metrics returns the server's metrics collectors, nil when disabled.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}
