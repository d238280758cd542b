package tca

import (
	"sync"
	"time"
)

// LatencyMetrics is a point-in-time view over the rolling windows.
type LatencyMetrics struct {
	AvgProcessingMs   float64 `json:"avg_processing_time_ms"`
	AvgPublishMs      float64 `json:"avg_publish_time_ms"`
	AvgTotalMs        float64 `json:"avg_total_latency_ms"`
	ProcessingSamples int     `json:"processing_samples"`
	PublishSamples    int     `json:"publish_samples"`
	TotalSamples      int     `json:"total_samples"`
	LastProcessingMs  float64 `json:"last_processing_time_ms"`
}

// LatencyTracker keeps bounded rolling windows of stage timings: pipeline
// processing, downstream publish, and end-to-end total.
type LatencyTracker struct {
	mu         sync.Mutex
	processing *rollingWindow
	publish    *rollingWindow
	total      *rollingWindow
}

// DefaultLatencyWindow bounds each stage window.
const DefaultLatencyWindow = 100

// NewLatencyTracker builds a tracker with the given per-stage capacity.
// Non-positive capacity uses the default.
func NewLatencyTracker(capacity int) *LatencyTracker {
	if capacity <= 0 {
		capacity = DefaultLatencyWindow
	}
	return &LatencyTracker{
		processing: newRollingWindow(capacity),
		publish:    newRollingWindow(capacity),
		total:      newRollingWindow(capacity),
	}
}

// RecordProcessing adds a pipeline compute duration.
func (t *LatencyTracker) RecordProcessing(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.processing.add(toMs(d))
}

// RecordPublish adds a downstream delivery duration.
func (t *LatencyTracker) RecordPublish(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.publish.add(toMs(d))
}

// RecordTotal adds an end-to-end duration (feed receipt to delivery).
func (t *LatencyTracker) RecordTotal(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.total.add(toMs(d))
}

// Metrics snapshots all windows. Empty windows average to zero.
func (t *LatencyTracker) Metrics() LatencyMetrics {
	t.mu.Lock()
	defer t.mu.Unlock()
	return LatencyMetrics{
		AvgProcessingMs:   t.processing.avg(),
		AvgPublishMs:      t.publish.avg(),
		AvgTotalMs:        t.total.avg(),
		ProcessingSamples: t.processing.count(),
		PublishSamples:    t.publish.count(),
		TotalSamples:      t.total.count(),
		LastProcessingMs:  t.processing.last(),
	}
}

// Reset clears all windows.
func (t *LatencyTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.processing.reset()
	t.publish.reset()
	t.total.reset()
}

func toMs(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// rollingWindow is a fixed-capacity FIFO of float64 samples.
type rollingWindow struct {
	cap  int
	vals []float64
}

func newRollingWindow(capacity int) *rollingWindow {
	return &rollingWindow{cap: capacity, vals: make([]float64, 0, capacity)}
}

func (w *rollingWindow) add(v float64) {
	if len(w.vals) == w.cap {
		copy(w.vals, w.vals[1:])
		w.vals = w.vals[:w.cap-1]
	}
	w.vals = append(w.vals, v)
}

func (w *rollingWindow) avg() float64 {
	if len(w.vals) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range w.vals {
		sum += v
	}
	return sum / float64(len(w.vals))
}

func (w *rollingWindow) count() int { return len(w.vals) }

func (w *rollingWindow) last() float64 {
	if len(w.vals) == 0 {
		return 0
	}
	return w.vals[len(w.vals)-1]
}

func (w *rollingWindow) reset() { w.vals = w.vals[:0] }
