package ocr

import (
	"sync"
	"time"
)

// Metrics is an immutable snapshot of the registry counters.
type Metrics struct {
	TotalAttempts           int64               `json:"total_attempts"`
	SuccessfulAttempts      int64               `json:"successful_attempts"`
	FailedAttempts          int64               `json:"failed_attempts"`
	AverageProcessingTimeMs float64             `json:"average_processing_time_ms"`
	ErrorsByType            map[ErrorCode]int64 `json:"errors_by_type"`
	FallbackUsageCount      int64               `json:"fallback_usage_count"`
}

// Outcome is everything the registry learns from one logical extraction
// call, recorded exactly once regardless of retries consumed inside it.
type Outcome struct {
	Success      bool
	Duration     time.Duration
	ErrorCode    ErrorCode
	FallbackUsed bool
}

// MetricsRegistry is the one piece of shared mutable state in the
// pipeline. Batch extraction writes to it from many goroutines, so every
// mutation holds the mutex.
type MetricsRegistry struct {
	mu           sync.Mutex
	total        int64
	successful   int64
	failed       int64
	averageMs    float64
	errorsByType map[ErrorCode]int64
	fallbackUsed int64
}

func NewMetricsRegistry() *MetricsRegistry {
	return &MetricsRegistry{
		errorsByType: make(map[ErrorCode]int64),
	}
}

// Record folds one outcome into the counters. The running mean uses the
// incremental form avg += (d - avg) / n, which stays stable over long
// sequences where a naive sum would drift.
func (r *MetricsRegistry) Record(o Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.total++
	if o.Success {
		r.successful++
	} else {
		r.failed++
	}

	ms := float64(o.Duration.Milliseconds())
	r.averageMs += (ms - r.averageMs) / float64(r.total)

	if o.ErrorCode != "" {
		r.errorsByType[o.ErrorCode]++
	}
	if o.FallbackUsed {
		r.fallbackUsed++
	}
}

// Snapshot returns a copy the caller may keep; later Record or Reset
// calls never mutate it.
func (r *MetricsRegistry) Snapshot() Metrics {
	r.mu.Lock()
	defer r.mu.Unlock()

	byType := make(map[ErrorCode]int64, len(r.errorsByType))
	for code, count := range r.errorsByType {
		byType[code] = count
	}

	return Metrics{
		TotalAttempts:           r.total,
		SuccessfulAttempts:      r.successful,
		FailedAttempts:          r.failed,
		AverageProcessingTimeMs: r.averageMs,
		ErrorsByType:            byType,
		FallbackUsageCount:      r.fallbackUsed,
	}
}

// Reset zeroes every counter atomically with respect to concurrent
// Record calls.
func (r *MetricsRegistry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.total = 0
	r.successful = 0
	r.failed = 0
	r.averageMs = 0
	r.errorsByType = make(map[ErrorCode]int64)
	r.fallbackUsed = 0
}
