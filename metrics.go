package snapshot

import "time"

// MetricsRecorder receives store instrumentation. Implementations must be
// safe for concurrent use.
type MetricsRecorder interface {
	ObserveOperation(store, op string, duration time.Duration, err error)
	ObserveDelegate(store, delegate string, kind DelegateKind, outcome string)
	ObserveBatch(store, op string, succeeded, failed int)
	SetSnapshotCount(store string, count int)
}

// Delegate walk outcomes reported to MetricsRecorder.ObserveDelegate.
const (
	DelegateOutcomeHit         = "hit"
	DelegateOutcomeMiss        = "miss"
	DelegateOutcomeUnsupported = "unsupported"
	DelegateOutcomeError       = "error"
)

type noopMetrics struct{}

func (noopMetrics) ObserveOperation(string, string, time.Duration, error) {}
func (noopMetrics) ObserveDelegate(string, string, DelegateKind, string) {}
func (noopMetrics) ObserveBatch(string, string, int, int) {}
func (noopMetrics) SetSnapshotCount(string, int) {}
