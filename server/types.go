package server

import (
	"time"

	"github.com/kriegcloud/kgforge/engine"
	"github.com/kriegcloud/kgforge/events"
)

const (
	// MaxClients is the maximum number of concurrent WebSocket clients
	// (defensive limit to prevent resource exhaustion)
	MaxClients = 100

	// ShutdownTimeout is how long to wait for graceful shutdown
	// (covers engine checkpointing + WebSocket cleanup)
	ShutdownTimeout = 30 * time.Second
)

// EngineActivity classifies how busy the execution engine is. Used to
// pick the queue-status polling interval: fast when busy, slow when idle.
type EngineActivity int

const (
	EngineIdle EngineActivity = iota
	EngineActive
	EngineBusy
)

// ClientMessage is an incoming WebSocket message from a client.
type ClientMessage struct {
	Type  string `json:"type"`
	Limit int    `json:"limit,omitempty"`
}

// ExecutionUpdateMessage notifies clients of an execution status change.
type ExecutionUpdateMessage struct {
	Type      string            `json:"type"` // "execution_update"
	Execution *engine.Execution `json:"execution"`
	Timestamp int64             `json:"timestamp"`
}

// EventMessage forwards a batch pipeline event to clients.
type EventMessage struct {
	Type  string       `json:"type"` // "event"
	Event events.Event `json:"event"`
}

// QueueStatusMessage carries periodic engine queue statistics.
type QueueStatusMessage struct {
	Type      string             `json:"type"` // "queue_status"
	Running   bool               `json:"running"`
	Workers   int                `json:"workers"`
	Stats     *engine.QueueStats `json:"stats"`
	Timestamp int64              `json:"timestamp"`
}

// cachedQueueStatus remembers the last broadcast queue snapshot so idle
// polling cycles skip redundant sends.
type cachedQueueStatus struct {
	queued    int
	running   int
	suspended int
}
