package engine

import (
	"fmt"
)

// SystemMetrics tracks resource usage for worker pool monitoring
type SystemMetrics struct {
	WorkersActive     int     `json:"workers_active"`     // Workers currently running executions
	WorkersTotal      int     `json:"workers_total"`      // Total configured workers
	MemoryUsedGB      float64 `json:"memory_used_gb"`     // Current memory usage in GB
	MemoryTotalGB     float64 `json:"memory_total_gb"`    // Total system memory in GB
	MemoryPercent     float64 `json:"memory_percent"`     // Memory utilization percentage
	ExecutionsQueued  int     `json:"executions_queued"`  // Executions waiting in queue
	ExecutionsRunning int     `json:"executions_running"` // Executions currently running
}

// getMemoryStats is implemented in platform-specific files:
// - system_metrics_linux.go for Linux
// - system_metrics_darwin.go for macOS
// - system_metrics_windows.go for Windows

// calculateSafeWorkerCount recommends worker count based on available
// memory. A batch execution holds document text, extraction graphs, and
// provider responses in memory while its stages run.
func calculateSafeWorkerCount(availableGB float64) int {
	const memoryPerWorker = 1.5 // GB per concurrent batch execution
	const memoryBuffer = 2.0    // GB reserved for system/SQLite page cache

	if availableGB < memoryBuffer {
		return 1 // Always allow at least 1 worker
	}

	usableMemory := availableGB - memoryBuffer
	recommended := int(usableMemory / memoryPerWorker)

	if recommended < 1 {
		return 1
	}
	if recommended > 10 {
		return 10 // Cap at reasonable maximum
	}

	return recommended
}

// GetSystemMetrics returns current system resource usage
func (wp *WorkerPool) GetSystemMetrics() SystemMetrics {
	total, available, err := getMemoryStats()

	var memUsedGB, memTotalGB, memPercent float64
	if err == nil && total > 0 {
		memTotalGB = float64(total) / 1024 / 1024 / 1024
		memUsedGB = float64(total-available) / 1024 / 1024 / 1024
		memPercent = (memUsedGB / memTotalGB) * 100
	}

	queued, running, err := wp.queue.GetExecutionCounts()
	// Gracefully handle database errors - return 0s if query fails
	if err != nil {
		queued, running = 0, 0
	}

	wp.mu.Lock()
	activeWorkers := wp.activeWorkers
	wp.mu.Unlock()

	return SystemMetrics{
		WorkersActive:     activeWorkers,
		WorkersTotal:      wp.workers,
		MemoryUsedGB:      memUsedGB,
		MemoryTotalGB:     memTotalGB,
		MemoryPercent:     memPercent,
		ExecutionsQueued:  queued,
		ExecutionsRunning: running,
	}
}

// checkMemoryPressure validates worker count against available memory.
// Returns a warning message if the worker count may be too high, empty
// string if OK.
func (wp *WorkerPool) checkMemoryPressure() string {
	total, available, err := getMemoryStats()
	if err != nil {
		return "" // Can't check, assume OK
	}

	availableGB := float64(available) / 1024 / 1024 / 1024
	totalGB := float64(total) / 1024 / 1024 / 1024
	recommended := calculateSafeWorkerCount(availableGB)

	if wp.workers > recommended {
		return fmt.Sprintf(
			"Worker count (%d) exceeds recommended (%d) for available memory (%.1f/%.1fGB). "+
				"Consider reducing workers to prevent memory pressure.",
			wp.workers, recommended, totalGB-availableGB, totalGB)
	}

	return ""
}

// overMemoryLimit reports whether system memory usage exceeds the
// configured ceiling. Returns false when no ceiling is set or stats are
// unavailable.
func (wp *WorkerPool) overMemoryLimit() (bool, float64) {
	if wp.poolConfig.MaxMemoryPercent <= 0 {
		return false, 0
	}

	total, available, err := getMemoryStats()
	if err != nil || total == 0 {
		return false, 0 // Can't check, assume OK
	}

	percent := float64(total-available) / float64(total) * 100
	return percent > wp.poolConfig.MaxMemoryPercent, percent
}
