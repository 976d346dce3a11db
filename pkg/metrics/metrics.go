// Package metrics records store instrumentation in Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	snapshot "github.com/goliatone/go-snapshot"
)

const (
	namespace = "snapshot"
	subsystem = "store"
)

// Recorder implements snapshot.MetricsRecorder.
type Recorder struct {
	operations     *prometheus.CounterVec
	operationTime  *prometheus.HistogramVec
	delegateWalks  *prometheus.CounterVec
	batchItems     *prometheus.CounterVec
	snapshotCounts *prometheus.GaugeVec
}

// New registers the collectors with reg. A nil reg uses the default
// registerer.
func New(reg prometheus.Registerer) *Recorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Recorder{
		operations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "operations_total",
				Help:      "Store operations by result",
			},
			[]string{"store", "op", "result"},
		),
		operationTime: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "operation_duration_seconds",
				Help:      "Store operation latency",
				Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
			},
			[]string{"store", "op"},
		),
		delegateWalks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "delegate_visits_total",
				Help:      "Delegate visits during fallback walks by outcome",
			},
			[]string{"store", "delegate", "kind", "outcome"},
		),
		batchItems: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "batch_items_total",
				Help:      "Batch items by result",
			},
			[]string{"store", "op", "result"},
		),
		snapshotCounts: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "snapshots",
				Help:      "Snapshots held in the local collection",
			},
			[]string{"store"},
		),
	}
}

func (r *Recorder) ObserveOperation(store, op string, duration time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	r.operations.WithLabelValues(store, op, result).Inc()
	r.operationTime.WithLabelValues(store, op).Observe(duration.Seconds())
}

func (r *Recorder) ObserveDelegate(store, delegate string, kind snapshot.DelegateKind, outcome string) {
	r.delegateWalks.WithLabelValues(store, delegate, string(kind), outcome).Inc()
}

func (r *Recorder) ObserveBatch(store, op string, succeeded, failed int) {
	if succeeded > 0 {
		r.batchItems.WithLabelValues(store, op, "succeeded").Add(float64(succeeded))
	}
	if failed > 0 {
		r.batchItems.WithLabelValues(store, op, "failed").Add(float64(failed))
	}
}

func (r *Recorder) SetSnapshotCount(store string, count int) {
	r.snapshotCounts.WithLabelValues(store).Set(float64(count))
}

var _ snapshot.MetricsRecorder = (*Recorder)(nil)
