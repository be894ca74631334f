package engine

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kriegcloud/kgforge/config"
	"github.com/kriegcloud/kgforge/errors"
)

const (
	// MaxOrphanedExecutionsToRecover limits how many orphaned executions
	// we'll attempt to recover on startup to prevent overwhelming the
	// system after a crash
	MaxOrphanedExecutionsToRecover = 1000
)

// RateLimiter interface defines dispatch limiting operations
type RateLimiter interface {
	Allow() error
	Stats() (startsInWindow int, startsRemaining int)
}

// lifecycleLogger wraps zap.SugaredLogger with methods for worker pool
// lifecycle events. Uses different log levels to create visual
// distinction:
// - DEBUG level → STARTING (startup and recovery operations)
// - WARN level → CLOSING (shutdown operations)
type lifecycleLogger struct {
	*zap.SugaredLogger
}

// Starting logs a startup event - uses DEBUG level for "STARTING" appearance
func (l lifecycleLogger) Starting(msg string, keysAndValues ...interface{}) {
	l.Debugw(msg, keysAndValues...)
}

// Closing logs a shutdown event - uses WARN level for "CLOSING" appearance
func (l lifecycleLogger) Closing(msg string, keysAndValues ...interface{}) {
	l.Warnw(msg, keysAndValues...)
}

// WorkerPool manages a pool of workers that run workflow executions
type WorkerPool struct {
	queue                *Queue
	rateLimiter          RateLimiter // Dispatch limiting (optional - can be nil for tests)
	db                   *sql.DB
	poolConfig           WorkerPoolConfig // Pool configuration, kept for graceful start timing
	workers              int
	parentCtx            context.Context // Parent context from which worker context is derived
	ctx                  context.Context
	cancel               context.CancelFunc
	wg                   sync.WaitGroup
	executor             Executor
	executionsProcessed  int             // Track executions processed for gradual startup
	activeWorkers        int             // Track workers currently running executions
	startTime            time.Time       // Track when the pool started
	lastMemoryDeferLog   time.Time       // Throttles memory-gate log spam
	logger               lifecycleLogger // Structured logger (shows STARTING/CLOSING levels)
	mu                   sync.Mutex
}

// WorkerPoolConfig contains configuration for the worker pool
type WorkerPoolConfig struct {
	Workers            int           `json:"workers"`              // Number of concurrent workers
	PollInterval       time.Duration `json:"poll_interval"`        // How often to check for due executions
	GracefulStartPhase time.Duration `json:"graceful_start_phase"` // Duration of each graceful start phase (default: 5min, test: 10s)
	MaxMemoryPercent   float64       `json:"max_memory_percent"`   // Defer dequeue above this system memory usage; 0 disables
	Retry              RetryPolicy   `json:"retry"`                // Backoff policy for failed executions
}

// DefaultWorkerPoolConfig returns sensible defaults
func DefaultWorkerPoolConfig() WorkerPoolConfig {
	return WorkerPoolConfig{
		Workers:            2,
		PollInterval:       2 * time.Second,
		GracefulStartPhase: 5 * time.Minute,
		Retry:              DefaultRetryPolicy(),
	}
}

// PoolConfigFromEngine builds a pool configuration from the engine
// section of the application config.
func PoolConfigFromEngine(cfg config.EngineConfig) WorkerPoolConfig {
	pc := DefaultWorkerPoolConfig()
	if cfg.Workers > 0 {
		pc.Workers = cfg.Workers
	}
	if cfg.PollIntervalSeconds > 0 {
		pc.PollInterval = time.Duration(cfg.PollIntervalSeconds) * time.Second
	}
	if cfg.MaxAttempts > 0 {
		pc.Retry.MaxAttempts = cfg.MaxAttempts
	}
	if cfg.BackoffBaseSeconds > 0 {
		pc.Retry.Base = time.Duration(cfg.BackoffBaseSeconds) * time.Second
	}
	if cfg.BackoffMaxSeconds > 0 {
		pc.Retry.Cap = time.Duration(cfg.BackoffMaxSeconds) * time.Second
	}
	pc.MaxMemoryPercent = cfg.MaxMemoryPercent
	return pc
}

// NewWorkerPool creates a new worker pool with an empty handler registry.
// IMPORTANT: Callers must register handlers before calling Start().
func NewWorkerPool(db *sql.DB, poolCfg WorkerPoolConfig, logger *zap.SugaredLogger) *WorkerPool {
	return NewWorkerPoolWithContext(context.Background(), db, poolCfg, logger)
}

// NewWorkerPoolWithContext creates a worker pool with a custom context.
// Worker shutdown coordinates through the parent context: the server
// cancels its root context, workers detect cancellation via ctx.Done()
// checks, and executions checkpoint and exit cleanly.
func NewWorkerPoolWithContext(ctx context.Context, db *sql.DB, poolCfg WorkerPoolConfig, logger *zap.SugaredLogger) *WorkerPool {
	registry := NewHandlerRegistry()
	return NewWorkerPoolWithRegistry(ctx, db, poolCfg, logger, registry, nil)
}

// NewWorkerPoolWithRegistry creates a worker pool with a custom handler
// registry. Use this when you need to register custom workflow handlers
// or attach a dispatch limiter. rateLimiter can be nil for simple
// setups or tests.
func NewWorkerPoolWithRegistry(ctx context.Context, db *sql.DB, poolCfg WorkerPoolConfig, logger *zap.SugaredLogger, registry *HandlerRegistry, rateLimiter RateLimiter) *WorkerPool {
	// Create child context so we can cancel workers independently if
	// needed. Cancellation of parent context will also cancel child.
	workerCtx, cancel := context.WithCancel(ctx)

	// Wrap logger with lifecycle methods
	lLogger := lifecycleLogger{logger.Named("engine")}

	// Create executor backed by handler registry
	executor := NewRegistryExecutor(registry, nil) // No fallback - all workflow types should be registered

	return &WorkerPool{
		queue:       NewQueue(db),
		rateLimiter: rateLimiter,
		db:          db,
		poolConfig:  poolCfg,
		workers:     poolCfg.Workers,
		parentCtx:   ctx,
		ctx:         workerCtx,
		cancel:      cancel,
		executor:    executor,
		logger:      lLogger,
	}
}

// Start begins processing executions with the worker pool.
// Orphaned executions are recovered before workers spin up.
func (wp *WorkerPool) Start() {
	wp.mu.Lock()

	// Check if context was cancelled (after Stop()) - if so, create new
	// one. This must happen BEFORE spawning workers to avoid races.
	select {
	case <-wp.ctx.Done():
		// Context cancelled - create new child context from parent
		wp.ctx, wp.cancel = context.WithCancel(wp.parentCtx)
		wp.logger.Starting("Recreated worker context after previous shutdown")
	default:
		// Context still active
	}

	wp.startTime = time.Now()
	wp.executionsProcessed = 0
	wp.mu.Unlock()

	// Graceful start - recover executions orphaned by a crash
	if err := wp.recoverOrphanedExecutions(); err != nil {
		wp.logger.SugaredLogger.Warnw("Failed to recover orphaned executions", "error", err)
		// Continue starting workers even if recovery fails
	}

	// Check memory pressure and warn if worker count may be too high
	if warning := wp.checkMemoryPressure(); warning != "" {
		wp.logger.SugaredLogger.Warnw("Memory pressure warning", "warning", warning, "workers", wp.workers)
	}

	for i := 0; i < wp.workers; i++ {
		wp.wg.Add(1)
		go wp.worker(i)
	}
}

// recoverOrphanedExecutions finds executions stuck in "running" state
// and re-queues them gradually. This handles ungraceful shutdowns
// (crash, kill -9, power loss).
//
// Strategy:
// - Re-queue orphaned executions gradually, not all at once
// - The payload journal is intact, so recovered executions resume from
//   their last completed stage
// - Prevents system overload after a crash
func (wp *WorkerPool) recoverOrphanedExecutions() error {
	// Find all executions that are still marked as "running"
	runningStatus := StatusRunning
	orphaned, err := wp.queue.store.ListExecutions(&runningStatus, MaxOrphanedExecutionsToRecover)
	if err != nil {
		return fmt.Errorf("failed to list running executions: %w", err)
	}

	if len(orphaned) == 0 {
		return nil // No orphaned executions
	}

	wp.logger.Starting("Found orphaned executions from previous crash", "count", len(orphaned))

	// Super gradual warm start to avoid overwhelming the system:
	// Phase 0 (Immediate): First execution only
	// Phase 1 (warm): Next 9 executions over GracefulStartPhase/5
	// Phase 2 (slow): Remaining executions over GracefulStartPhase*3

	// Recover first execution immediately
	if err := wp.requeueOrphanedExecution(orphaned[0]); err != nil {
		wp.logger.SugaredLogger.Warnw("Failed to recover orphaned execution", "execution_id", orphaned[0].ID, "error", err)
	} else {
		wp.logger.Starting("Immediately recovered first execution", "current", 1, "total", len(orphaned))
	}

	// Gradual recovery for remaining executions in background
	if len(orphaned) > 1 {
		wp.logger.Starting("Will gradually recover remaining executions", "count", len(orphaned)-1)
		go wp.gradualRecovery(orphaned[1:])
	}

	return nil
}

// requeueOrphanedExecution re-queues a single orphaned execution
func (wp *WorkerPool) requeueOrphanedExecution(e *Execution) error {
	e.Status = StatusQueued
	e.Error = "" // Clear any stale error message
	e.ErrorKind = ""
	e.UpdatedAt = time.Now().UTC()

	if err := wp.queue.UpdateExecution(e); err != nil {
		return fmt.Errorf("failed to update recovered execution %s: %w", e.ID, err)
	}

	wp.logger.Starting("Recovered orphaned execution", "execution_id", e.ID, "workflow", e.Workflow, "stage", e.Stage)
	return nil
}

// gradualRecovery re-queues orphaned executions gradually.
// This prevents overwhelming the system after a crash.
//
// Warm Start Strategy:
// - Phase 1: Executions 2-10 at even intervals over GracefulStartPhase/5
// - Phase 2: Remaining executions spread over GracefulStartPhase*3
func (wp *WorkerPool) gradualRecovery(executions []*Execution) {
	if len(executions) == 0 {
		return
	}

	startTime := time.Now()

	// Calculate phase durations (configurable for testing)
	warmStartDuration := 10 * time.Second
	slowStartDuration := 15 * time.Minute
	if wp.poolConfig.GracefulStartPhase > 0 {
		warmStartDuration = wp.poolConfig.GracefulStartPhase / 5
		slowStartDuration = wp.poolConfig.GracefulStartPhase * 3
	}

	// Warm start: first 9 executions (or fewer if less available)
	warmStartLimit := min(9, len(executions))
	warmStartInterval := warmStartDuration / time.Duration(warmStartLimit)
	wp.logger.Starting("Warm start phase", "count", warmStartLimit, "interval", warmStartInterval)

	warmRecovered := wp.recoverExecutionsWithInterval(executions[:warmStartLimit], warmStartInterval, "warm start")
	wp.logger.Starting("Warm start complete", "recovered", warmRecovered, "duration", time.Since(startTime))

	// Slow start: remaining executions
	remaining := executions[warmStartLimit:]
	if len(remaining) == 0 {
		wp.logger.Starting("All executions recovered during warm start")
		return
	}

	slowStartInterval := slowStartDuration / time.Duration(len(remaining))
	wp.logger.Starting("Slow start phase", "count", len(remaining), "interval", slowStartInterval)

	slowRecovered := wp.recoverExecutionsWithInterval(remaining, slowStartInterval, "slow start")
	wp.logger.Starting("Gradual recovery complete", "recovered", warmRecovered+slowRecovered, "total", len(executions), "duration", time.Since(startTime))
}

// Stop gracefully stops the worker pool.
// Workers checkpoint and exit cleanly on context cancellation. Uses a
// 30-second timeout to allow executions to checkpoint without blocking
// shutdown indefinitely.
func (wp *WorkerPool) Stop() {
	wp.cancel()

	// Wait for workers to checkpoint and exit (with generous timeout)
	done := make(chan struct{})
	go func() {
		wp.wg.Wait()
		close(done)
	}()

	timeout := 30 * time.Second // Generous timeout for checkpoint completion
	select {
	case <-done:
		wp.logger.SugaredLogger.Infow("WorkerPool.Stop() complete - all workers exited cleanly")
	case <-time.After(timeout):
		wp.logger.Closing("WorkerPool.Stop() timeout - workers may still be checkpointing", "timeout", timeout)
		// Workers will continue checkpointing in background, but we
		// return to avoid blocking shutdown
	}
}

// worker processes executions from the queue
func (wp *WorkerPool) worker(id int) {
	defer wp.wg.Done()

	interval := wp.getWorkerInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Error backoff state
	errorCount := 0
	const maxConsecutiveErrors = 5
	backoffDuration := time.Second
	const maxBackoff = 30 * time.Second

	for {
		select {
		case <-wp.ctx.Done():
			return
		case <-ticker.C:
			// Try to dequeue and run an execution
			if err := wp.processNextExecution(); err != nil {
				// Check if error is due to shutdown (context cancelled or database closed)
				select {
				case <-wp.ctx.Done():
					// Context cancelled - exit silently without logging
					return
				default:
					// Check if error is due to database being closed during shutdown
					if errors.Is(err, sql.ErrConnDone) {
						// Database closed during shutdown - exit silently
						return
					}
					// Real error - log it and apply backoff
					errorCount++
					wp.logger.SugaredLogger.Errorw("Worker error processing execution",
						"worker_id", id,
						"error", err,
						"consecutive_errors", errorCount)

					// Apply exponential backoff after multiple consecutive errors
					if errorCount >= maxConsecutiveErrors {
						wp.logger.SugaredLogger.Warnw("Worker backing off due to consecutive errors",
							"worker_id", id,
							"backoff", backoffDuration,
							"consecutive_errors", errorCount)
						time.Sleep(backoffDuration)
						// Exponential backoff: double each time, cap at maxBackoff
						backoffDuration = min(backoffDuration*2, maxBackoff)
					}
				}
			} else {
				// Success - reset error backoff
				if errorCount > 0 {
					wp.logger.SugaredLogger.Infow("Worker recovered from errors",
						"worker_id", id,
						"previous_error_count", errorCount)
				}
				errorCount = 0
				backoffDuration = time.Second
			}

			// Update ticker interval based on startup phase
			newInterval := wp.getWorkerInterval()
			if newInterval != interval {
				ticker.Reset(newInterval)
				interval = newInterval
			}
		}
	}
}

// getWorkerInterval returns the current worker polling interval.
// Starts at 1 second for gradual ramp-up, increases to 5 seconds after
// warmup. If PollInterval is explicitly configured, use that instead.
func (wp *WorkerPool) getWorkerInterval() time.Duration {
	wp.mu.Lock()
	defer wp.mu.Unlock()

	// If PollInterval is explicitly configured (non-zero), use that for all phases
	if wp.poolConfig.PollInterval > 0 {
		return wp.poolConfig.PollInterval
	}

	// Warmup period: first 20 executions OR first 2 minutes, use 1-second intervals
	elapsed := time.Since(wp.startTime)
	if wp.executionsProcessed < 20 || elapsed < 2*time.Minute {
		return 1 * time.Second // Slow startup
	}

	// After warmup, use normal 5-second interval
	return 5 * time.Second
}

// processNextExecution gets the next due execution and runs it.
//
// Gates run BEFORE dequeue so a throttled worker leaves executions
// queued instead of flapping their status:
// (1) memory ceiling, (2) dispatch rate limit.
func (wp *WorkerPool) processNextExecution() error {
	// Check if worker pool is shutting down
	select {
	case <-wp.ctx.Done():
		return nil // Graceful shutdown - don't process new executions
	default:
		// Continue processing
	}

	// Gate 1: system memory. Defer dequeue while over the ceiling.
	if over, percent := wp.overMemoryLimit(); over {
		wp.mu.Lock()
		shouldLog := time.Since(wp.lastMemoryDeferLog) > 30*time.Second
		if shouldLog {
			wp.lastMemoryDeferLog = time.Now()
		}
		wp.mu.Unlock()
		if shouldLog {
			wp.logger.SugaredLogger.Warnw("Memory over ceiling - deferring dequeue",
				"memory_percent", percent,
				"max_memory_percent", wp.poolConfig.MaxMemoryPercent)
		}
		return nil
	}

	// Gate 2: dispatch rate limit. Skip this tick when exhausted.
	if wp.rateLimiter != nil {
		if err := wp.rateLimiter.Allow(); err != nil {
			startsInWindow, startsRemaining := wp.rateLimiter.Stats()
			wp.logger.SugaredLogger.Infow("Dispatch limit reached - deferring dequeue",
				"starts_in_window", startsInWindow,
				"starts_remaining", startsRemaining)
			return nil
		}
	}

	// Dequeue next due execution
	e, err := wp.queue.Dequeue()
	if err != nil {
		return fmt.Errorf("failed to dequeue execution: %w", err)
	}

	if e == nil {
		// Nothing due
		return nil
	}

	// Track execution for gradual startup
	wp.mu.Lock()
	wp.executionsProcessed++
	wp.mu.Unlock()

	// Track active worker count (increment before execution, decrement after)
	wp.mu.Lock()
	wp.activeWorkers++
	wp.mu.Unlock()
	defer func() {
		wp.mu.Lock()
		wp.activeWorkers--
		wp.mu.Unlock()
	}()

	// Run the execution
	if err := wp.executor.Execute(wp.ctx, e); err != nil {
		// Check if error is due to context cancellation
		select {
		case <-wp.ctx.Done():
			// Context was cancelled - requeue with checkpoint intact (don't fail it)
			wp.logger.Closing("Execution cancelled during run, re-queuing with checkpoint", "execution_id", e.ID, "stage", e.Stage)
			e.Status = StatusQueued
			e.UpdatedAt = time.Now().UTC()
			if updateErr := wp.queue.UpdateExecution(e); updateErr != nil {
				wp.logger.SugaredLogger.Errorw("Failed to re-queue cancelled execution", "execution_id", e.ID, "error", updateErr)
			}
			return nil // Return nil to avoid logging as error
		default:
			return wp.settleFailure(e, err)
		}
	}

	// Mark execution as completed
	return wp.queue.CompleteExecution(e.ID)
}

// settleFailure decides what a handler error means for the execution:
// schedule a retry with backoff, suspend for operator attention, or fail
// permanently. An execution that was cancelled or suspended from outside
// while the handler ran keeps that status; the handler's exit error is
// just the workflow observing the external transition.
func (wp *WorkerPool) settleFailure(e *Execution, execErr error) error {
	if current, err := wp.queue.GetExecution(e.ID); err == nil &&
		(current.Status.IsTerminal() || current.Status == StatusSuspended) {
		wp.logger.SugaredLogger.Infow("Execution already settled externally, leaving as-is",
			"execution_id", e.ID,
			"status", string(current.Status),
			"handler_error", execErr)
		return nil
	}

	ec := Classify(execErr, e.Stage)
	retryable := ec.Retryable
	if forced, ok := IsForcedRetry(execErr); ok {
		retryable = true
		if forced.Stage != "" {
			ec.Stage = forced.Stage
		}
	}

	completedAttempts := e.Attempts + 1 // Counting this failure

	if retryable && !wp.poolConfig.Retry.Exhausted(completedAttempts) {
		at := wp.poolConfig.Retry.NextAttemptAt(time.Now(), completedAttempts)
		wp.logger.SugaredLogger.Warnw("Execution failed, scheduling retry",
			"execution_id", e.ID,
			"stage", ec.Stage,
			"error_kind", string(ec.Kind),
			"error", execErr,
			"attempt", completedAttempts,
			"next_attempt_at", at.Format(time.RFC3339))
		return wp.queue.RetryExecutionAt(e, execErr, ec.Kind, at)
	}

	if ec.Kind.Recoverable() {
		reason := fmt.Sprintf("%s: %s", ec.Kind, ec.Message)
		wp.logger.SugaredLogger.Warnw("Execution suspended after exhausting retries",
			"execution_id", e.ID,
			"stage", ec.Stage,
			"error_kind", string(ec.Kind),
			"attempts", completedAttempts,
			"error", execErr)
		return wp.queue.SuspendExecution(e.ID, reason)
	}

	wp.logger.SugaredLogger.Errorw("Execution failed permanently",
		"execution_id", e.ID,
		"stage", ec.Stage,
		"error_kind", string(ec.Kind),
		"attempts", completedAttempts,
		"error", execErr)
	return wp.queue.FailExecution(e.ID, execErr, ec.Kind)
}

// recoverExecutionsWithInterval recovers a batch of executions with a
// delay between each. Returns the number successfully recovered.
func (wp *WorkerPool) recoverExecutionsWithInterval(executions []*Execution, interval time.Duration, phase string) int {
	recovered := 0
	for i, e := range executions {
		select {
		case <-wp.ctx.Done():
			wp.logger.Closing("Gradual recovery cancelled during "+phase, "recovered", recovered, "total", len(executions))
			return recovered
		default:
		}

		if err := wp.requeueOrphanedExecution(e); err != nil {
			wp.logger.SugaredLogger.Warnw("Failed to recover execution during "+phase, "execution_id", e.ID, "error", err)
			continue
		}
		recovered++

		// Progress logging every 10 executions
		if recovered%10 == 0 {
			wp.logger.Starting("Gradual recovery progress", "current", recovered, "total", len(executions), "phase", phase)
		}

		// Wait before next execution (unless it's the last one)
		if i < len(executions)-1 {
			time.Sleep(interval)
		}
	}
	return recovered
}

// GetQueue returns the execution queue (useful for enqueuing executions)
func (wp *WorkerPool) GetQueue() *Queue {
	return wp.queue
}

// Workers returns the number of concurrent workers configured for this pool
func (wp *WorkerPool) Workers() int {
	return wp.workers
}

// Registry returns the handler registry for registering workflow
// handlers. Use this to register handlers before calling Start():
//
//	pool := engine.NewWorkerPool(db, poolCfg, logger)
//	pool.Registry().Register(batchHandler)
//	pool.Start()
func (wp *WorkerPool) Registry() *HandlerRegistry {
	if registryExec, ok := wp.executor.(*RegistryExecutor); ok {
		return registryExec.registry
	}
	return nil
}
