package backfill

import "runtime"

const (
	minBatchSize = 100
	maxBatchSize = 10000

	highWaterFraction = 0.8
	lowWaterFraction  = 0.3
)

// MemoryOptimizer samples process memory at batch boundaries and grows or
// shrinks the effective batch size to keep the backfill within
// max_memory_mb, ported from original_source's
// parallel_processor.MemoryOptimizer.optimize_batch_size: halve above the
// high-water mark, double (capped) below the low-water mark, otherwise hold.
type MemoryOptimizer struct {
	maxMemoryMB int
}

// NewMemoryOptimizer builds an optimizer bounded to maxMemoryMB.
func NewMemoryOptimizer(maxMemoryMB int) *MemoryOptimizer {
	if maxMemoryMB <= 0 {
		maxMemoryMB = 100
	}
	return &MemoryOptimizer{maxMemoryMB: maxMemoryMB}
}

// SampledMemoryMB reads the process's current system memory reservation.
// runtime.MemStats.Sys is used because no RSS-sampling library exists
// anywhere in the corpus for this narrow concern.
func (m *MemoryOptimizer) SampledMemoryMB() float64 {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	return float64(stats.Sys) / (1024 * 1024)
}

// NextBatchSize adjusts currentBatchSize given the most recently sampled
// memory usage, bounded to [minBatchSize, maxBatchSize].
func (m *MemoryOptimizer) NextBatchSize(currentBatchSize int, memoryUsageMB float64) int {
	if currentBatchSize <= 0 {
		currentBatchSize = minBatchSize
	}

	usageFraction := memoryUsageMB / float64(m.maxMemoryMB)
	next := currentBatchSize
	switch {
	case usageFraction > highWaterFraction:
		next = currentBatchSize / 2
	case usageFraction < lowWaterFraction:
		next = currentBatchSize * 2
	}

	if next < minBatchSize {
		next = minBatchSize
	}
	if next > maxBatchSize {
		next = maxBatchSize
	}
	return next
}
