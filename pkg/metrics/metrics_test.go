package metrics_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	snapshot "github.com/goliatone/go-snapshot"
	"github.com/goliatone/go-snapshot/pkg/metrics"
)

type note struct {
	Text string `json:"text"`
}

func gather(t *testing.T, reg *prometheus.Registry, name string) []*dto.Metric {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, family := range families {
		if family.GetName() == name {
			return family.GetMetric()
		}
	}
	return nil
}

func labels(metric *dto.Metric) map[string]string {
	out := map[string]string{}
	for _, pair := range metric.GetLabel() {
		out[pair.GetName()] = pair.GetValue()
	}
	return out
}

func find(t *testing.T, reg *prometheus.Registry, name string, want map[string]string) *dto.Metric {
	t.Helper()
	for _, metric := range gather(t, reg, name) {
		got := labels(metric)
		match := true
		for key, value := range want {
			if got[key] != value {
				match = false
				break
			}
		}
		if match {
			return metric
		}
	}
	t.Fatalf("metric %s with labels %v not found", name, want)
	return nil
}

func TestRecorderCountsOperations(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec := metrics.New(reg)

	rec.ObserveOperation("tasks", "create", 2*time.Millisecond, nil)
	rec.ObserveOperation("tasks", "create", time.Millisecond, errors.New("boom"))
	rec.ObserveBatch("tasks", "import", 3, 1)
	rec.ObserveBatch("tasks", "import", 0, 0)
	rec.ObserveDelegate("tasks", "cache", snapshot.KindCache, snapshot.DelegateOutcomeHit)
	rec.SetSnapshotCount("tasks", 7)

	ok := find(t, reg, "snapshot_store_operations_total", map[string]string{"store": "tasks", "op": "create", "result": "ok"})
	if got := ok.GetCounter().GetValue(); got != 1 {
		t.Fatalf("ok operations = %v", got)
	}
	failed := find(t, reg, "snapshot_store_operations_total", map[string]string{"result": "error"})
	if got := failed.GetCounter().GetValue(); got != 1 {
		t.Fatalf("failed operations = %v", got)
	}
	latency := find(t, reg, "snapshot_store_operation_duration_seconds", map[string]string{"op": "create"})
	if got := latency.GetHistogram().GetSampleCount(); got != 2 {
		t.Fatalf("latency samples = %d", got)
	}
	succeeded := find(t, reg, "snapshot_store_batch_items_total", map[string]string{"result": "succeeded"})
	if got := succeeded.GetCounter().GetValue(); got != 3 {
		t.Fatalf("succeeded items = %v", got)
	}
	hit := find(t, reg, "snapshot_store_delegate_visits_total", map[string]string{"delegate": "cache", "kind": string(snapshot.KindCache), "outcome": "hit"})
	if got := hit.GetCounter().GetValue(); got != 1 {
		t.Fatalf("delegate hits = %v", got)
	}
	count := find(t, reg, "snapshot_store_snapshots", map[string]string{"store": "tasks"})
	if got := count.GetGauge().GetValue(); got != 7 {
		t.Fatalf("snapshot gauge = %v", got)
	}
}

func TestRecorderWiredIntoStore(t *testing.T) {
	reg := prometheus.NewRegistry()
	store := snapshot.New[note, snapshot.Metadata](
		snapshot.WithName("notes"),
		snapshot.WithMetrics(metrics.New(reg)),
	)
	ctx := context.Background()
	if _, err := store.CreateSnapshot(ctx, snapshot.CreateInput[note, snapshot.Metadata]{ID: "NTE_1", Data: note{Text: "a"}}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, _, err := store.GetSnapshot(ctx, "NTE_1"); err != nil {
		t.Fatalf("get: %v", err)
	}

	create := find(t, reg, "snapshot_store_operations_total", map[string]string{"store": "notes", "op": "create", "result": "ok"})
	if got := create.GetCounter().GetValue(); got != 1 {
		t.Fatalf("create count = %v", got)
	}
	find(t, reg, "snapshot_store_operations_total", map[string]string{"store": "notes", "op": "get"})
	count := find(t, reg, "snapshot_store_snapshots", map[string]string{"store": "notes"})
	if got := count.GetGauge().GetValue(); got != 1 {
		t.Fatalf("snapshot gauge = %v", got)
	}
}

func TestNewPanicsOnDuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics.New(reg)
	defer func() {
		if recover() == nil {
			t.Fatal("expected duplicate registration to panic")
		}
	}()
	metrics.New(reg)
}
