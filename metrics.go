package boxedr

import (
	"time"

	"github.com/bpowers/boxedr/interp"
)

// MetricsCollector receives session metrics.
type MetricsCollector interface {
	// StateTransition records a session state change
	StateTransition(from, to State)

	// SpawnAttempt records one interpreter launch on a channel
	SpawnAttempt(channel interp.Channel, duration time.Duration, err error)

	// InitDuration records a finished cold start; stage is empty on success
	InitDuration(duration time.Duration, stage Stage)

	// CacheRestore records a restore attempt: hit, miss or error
	CacheRestore(outcome string, duration time.Duration)

	// CacheMirror records a mirror pass
	CacheMirror(files int, bytes int64, duration time.Duration, err error)

	// PackagesInstalled records packages installed by a cold start
	PackagesInstalled(count int, duration time.Duration)

	// RunDuration records a Run; kind is empty on success
	RunDuration(duration time.Duration, kind ErrorKind)
}

// Restore outcomes passed to CacheRestore.
const (
	CacheHit   = "hit"
	CacheMiss  = "miss"
	CacheError = "error"
)

// noopMetricsCollector is a no-op implementation of MetricsCollector
type noopMetricsCollector struct{}

func (noopMetricsCollector) StateTransition(from, to State)                    {}
func (noopMetricsCollector) SpawnAttempt(interp.Channel, time.Duration, error) {}
func (noopMetricsCollector) InitDuration(time.Duration, Stage)                 {}
func (noopMetricsCollector) CacheRestore(string, time.Duration)                {}
func (noopMetricsCollector) CacheMirror(int, int64, time.Duration, error)      {}
func (noopMetricsCollector) PackagesInstalled(int, time.Duration)              {}
func (noopMetricsCollector) RunDuration(time.Duration, ErrorKind)              {}

// NewNoopMetricsCollector creates a no-op metrics collector
func NewNoopMetricsCollector() MetricsCollector {
	return noopMetricsCollector{}
}
