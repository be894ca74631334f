package engine

import (
	"context"
	"fmt"
	"sync"
)

// WorkflowHandler defines the interface for executing a workflow type.
// Domain packages implement this interface for their workflows, allowing
// the engine to remain decoupled from domain logic.
//
// Design: Dependency Inversion
// - engine package defines this abstraction
// - domain packages provide implementations
// - worker pool runs executions through handlers without knowing domain details
type WorkflowHandler interface {
	// Execute runs the workflow and returns any error encountered.
	// The handler should:
	// - Decode e.Payload into its workflow journal struct
	// - Persist the journal back through the queue after each stage
	// - Update e.Progress as work proceeds
	// - Return nil on success, error on failure
	//
	// Context cancellation: Handlers MUST check ctx.Done() between
	// stages and exit cleanly with checkpointed state when cancelled.
	Execute(ctx context.Context, e *Execution) error

	// Name returns the workflow name (e.g., "batch.ingest").
	// Used for handler registration and execution routing.
	Name() string
}

// HandlerRegistry manages workflow handlers by name.
// Thread-safe for concurrent handler registration and lookup.
type HandlerRegistry struct {
	handlers map[string]WorkflowHandler // Workflow name -> handler
	mu       sync.RWMutex
}

// NewHandlerRegistry creates an empty handler registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{
		handlers: make(map[string]WorkflowHandler),
	}
}

// Register adds a handler using its name.
// Panics if a handler is already registered with that name.
func (r *HandlerRegistry) Register(handler WorkflowHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := handler.Name()
	if _, exists := r.handlers[name]; exists {
		panic(fmt.Sprintf("handler already registered for workflow: %s", name))
	}
	r.handlers[name] = handler
}

// Get retrieves the handler for a workflow name.
// Returns nil if no handler is registered.
func (r *HandlerRegistry) Get(workflow string) WorkflowHandler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers[workflow]
}

// Has checks if a handler is registered for a workflow name.
func (r *HandlerRegistry) Has(workflow string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.handlers[workflow]
	return exists
}

// Names returns all registered workflow names.
func (r *HandlerRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	return names
}

// Executor runs a single execution. The worker pool depends on this
// interface rather than on the registry directly.
type Executor interface {
	Execute(ctx context.Context, e *Execution) error
}

// RegistryExecutor adapts a HandlerRegistry to the Executor interface.
type RegistryExecutor struct {
	registry *HandlerRegistry
	fallback Executor // Optional: for unregistered workflow names
}

// NewRegistryExecutor creates an executor backed by a handler registry.
func NewRegistryExecutor(registry *HandlerRegistry, fallback Executor) *RegistryExecutor {
	return &RegistryExecutor{
		registry: registry,
		fallback: fallback,
	}
}

// Execute implements Executor by dispatching to registered handlers.
func (e *RegistryExecutor) Execute(ctx context.Context, exec *Execution) error {
	if exec.Workflow == "" {
		return fmt.Errorf("execution missing workflow name")
	}

	handler := e.registry.Get(exec.Workflow)
	if handler != nil {
		return handler.Execute(ctx, exec)
	}

	// Try fallback executor for unregistered workflow names
	if e.fallback != nil {
		return e.fallback.Execute(ctx, exec)
	}

	return fmt.Errorf("no handler registered for workflow: %s", exec.Workflow)
}
