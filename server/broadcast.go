package server

// This file contains broadcasting functionality for Server.
// It handles real-time updates to WebSocket clients for:
// - Execution updates (queue status transitions, stage, progress)
// - Batch pipeline events (stage started/completed, batch completed/failed)
// - Engine queue status (adaptive polling, change-detected)

import (
	"context"
	"time"

	"github.com/kriegcloud/kgforge/engine"
	"github.com/kriegcloud/kgforge/events"
)

// broadcastMessage sends a message to all connected clients.
// Returns the number of clients that accepted the message (channel not full).
func (s *Server) broadcastMessage(msg interface{}) int {
	s.mu.RLock()
	clients := make([]*Client, 0, len(s.clients))
	for client := range s.clients {
		clients = append(clients, client)
	}
	s.mu.RUnlock()

	sent := 0
	for _, client := range clients {
		select {
		case client.send <- msg:
			sent++
		default:
			// Channel full - slow client, skip
			s.broadcastDrops.Add(1)
		}
	}
	return sent
}

// startExecutionBroadcaster subscribes to engine queue updates and
// broadcasts them to WebSocket clients.
func (s *Server) startExecutionBroadcaster() {
	queue := s.queue()
	if queue == nil {
		return
	}
	execChan := queue.Subscribe()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			// Unsubscribe first (removes from list), then close
			// Order matters: closing while still subscribed could panic on send
			queue.Unsubscribe(execChan)
			close(execChan)
		}()

		for {
			select {
			case <-s.ctx.Done():
				s.logger.Debugw("Execution broadcaster stopping due to context cancellation")
				return
			case e := <-execChan:
				s.broadcastExecutionUpdate(e)
			}
		}
	}()

	s.logger.Infow("Execution update broadcaster started")
}

// broadcastExecutionUpdate sends an execution update to all connected clients
func (s *Server) broadcastExecutionUpdate(e *engine.Execution) {
	if s.metrics != nil {
		s.metrics.ObserveExecution(e)
	}

	msg := ExecutionUpdateMessage{
		Type:      "execution_update",
		Execution: e,
		Timestamp: time.Now().Unix(),
	}

	sent := s.broadcastMessage(msg)

	s.logger.Debugw("Broadcasted execution update",
		"execution_id", shortID(e.ID),
		"batch_id", e.BatchID,
		"status", e.Status,
		"stage", e.Stage,
		"clients", sent,
	)
}

// startQueueStatusBroadcaster periodically broadcasts queue status to
// WebSocket clients. Uses adaptive polling: fast updates when executions
// are in flight, slow updates when idle.
func (s *Server) startQueueStatusBroadcaster() {
	if s.queue() == nil {
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		currentActivity := EngineIdle
		interval := s.intervalForActivity(currentActivity)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-s.ctx.Done():
				s.logger.Debugw("Queue status broadcaster stopping due to context cancellation")
				return
			case <-ticker.C:
				// Only send updates if there are connected clients
				s.mu.RLock()
				hasClients := len(s.clients) > 0
				s.mu.RUnlock()

				if !hasClients {
					continue
				}

				newActivity := s.detectEngineActivity()
				if newActivity != currentActivity {
					currentActivity = newActivity
					interval = s.intervalForActivity(currentActivity)
					ticker.Reset(interval)

					s.logger.Debugw("Engine activity changed, adjusted poll interval",
						"activity", currentActivity,
						"interval", interval,
					)
				}

				s.broadcastQueueStatus()
			}
		}
	}()

	s.logger.Infow("Adaptive queue status broadcaster started")
}

// broadcastQueueStatus sends engine queue stats to all connected clients.
// Skips the send when nothing changed since the last broadcast.
func (s *Server) broadcastQueueStatus() {
	queue := s.queue()
	if queue == nil {
		return
	}

	stats, err := queue.GetStats()
	if err != nil {
		s.logger.Debugw("Failed to get queue stats", "error", err)
		return
	}

	s.mu.Lock()
	if !s.statusHasChangedLocked(stats) {
		s.mu.Unlock()
		return
	}
	s.lastStatus = &cachedQueueStatus{
		queued:    stats.Queued,
		running:   stats.Running,
		suspended: stats.Suspended,
	}
	s.mu.Unlock()

	msg := QueueStatusMessage{
		Type:      "queue_status",
		Running:   true,
		Workers:   s.pool.Workers(),
		Stats:     stats,
		Timestamp: time.Now().Unix(),
	}

	sent := s.broadcastMessage(msg)

	s.logger.Debugw("Broadcasted queue status",
		"queued", stats.Queued,
		"running", stats.Running,
		"suspended", stats.Suspended,
		"clients", sent,
	)
}

// statusHasChangedLocked checks if the queue status has changed since the
// last broadcast. REQUIRES: s.mu must be held by caller.
func (s *Server) statusHasChangedLocked(stats *engine.QueueStats) bool {
	if s.lastStatus == nil {
		return true // First broadcast always sends
	}
	return s.lastStatus.queued != stats.Queued ||
		s.lastStatus.running != stats.Running ||
		s.lastStatus.suspended != stats.Suspended
}

// detectEngineActivity determines the current engine activity level for
// adaptive polling
func (s *Server) detectEngineActivity() EngineActivity {
	queue := s.queue()
	if queue == nil {
		return EngineIdle
	}
	stats, err := queue.GetStats()
	if err != nil {
		return EngineIdle
	}

	workers := s.pool.Workers()
	if workers < 1 {
		workers = 1
	}

	// Busy: more work in flight than workers can drain promptly
	if stats.Running+stats.Queued > workers {
		return EngineBusy
	}

	// Active: any executions running or queued
	if stats.Running > 0 || stats.Queued > 0 {
		return EngineActive
	}

	return EngineIdle
}

// intervalForActivity returns the polling interval for an engine activity level
func (s *Server) intervalForActivity(activity EngineActivity) time.Duration {
	switch activity {
	case EngineBusy:
		return 1 * time.Second
	case EngineActive:
		return 5 * time.Second
	case EngineIdle:
		return 30 * time.Second
	default:
		return 10 * time.Second
	}
}

// Publish implements events.Publisher: batch pipeline events fan out to
// every connected WebSocket client. Delivery is fire-and-forget so the
// workflow hot path never blocks on a slow client.
func (s *Server) Publish(_ context.Context, ev events.Event) {
	if s.metrics != nil {
		s.metrics.ObserveEvent(ev)
	}

	sent := s.broadcastMessage(EventMessage{
		Type:  "event",
		Event: ev,
	})

	s.logger.Debugw("Broadcasted pipeline event",
		"event_type", string(ev.Type),
		"batch_id", ev.BatchID,
		"clients", sent,
	)
}

// sendBatchListToClient sends the current batch summaries to one client,
// typically right after it connects.
func (s *Server) sendBatchListToClient(c *Client, limit int) {
	summaries, err := s.service.List(s.ctx, limit)
	if err != nil {
		s.logger.Warnw("Failed to list batches for client",
			"client_id", c.id,
			"error", err,
		)
		return
	}

	msg := map[string]interface{}{
		"type":    "batch_list",
		"batches": summaries,
		"count":   len(summaries),
	}

	select {
	case c.send <- msg:
	default:
		s.broadcastDrops.Add(1)
		s.logger.Warnw("Client send channel full, dropping batch list",
			"client_id", c.id,
		)
	}
}

// sendQueueStatusToClient sends the current queue stats to one client.
func (s *Server) sendQueueStatusToClient(c *Client) {
	queue := s.queue()
	if queue == nil {
		return
	}
	stats, err := queue.GetStats()
	if err != nil {
		s.logger.Warnw("Failed to get queue stats for client",
			"client_id", c.id,
			"error", err,
		)
		return
	}

	msg := QueueStatusMessage{
		Type:      "queue_status",
		Running:   true,
		Workers:   s.pool.Workers(),
		Stats:     stats,
		Timestamp: time.Now().Unix(),
	}

	select {
	case c.send <- msg:
	default:
		s.broadcastDrops.Add(1)
	}
}
