package remote_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/h2non/gock"

	snapshot "github.com/goliatone/go-snapshot"
	"github.com/goliatone/go-snapshot/pkg/provider/remote"
)

const baseURL = "http://snapshots.test/api"

type task struct {
	Title string `json:"title"`
	Done  bool   `json:"done"`
}

func newProvider(t *testing.T, opts ...remote.Option) *remote.Provider[task, snapshot.Metadata] {
	t.Helper()
	opts = append([]remote.Option{remote.WithBackoff(time.Millisecond, 5*time.Millisecond)}, opts...)
	p, err := remote.New[task, snapshot.Metadata](baseURL, opts...)
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	gock.InterceptClient(p.HTTPClient())
	t.Cleanup(gock.Off)
	return p
}

func snapshotBody(id string, version int, title string) map[string]any {
	return map[string]any{
		"id":        id,
		"category":  "task",
		"version":   version,
		"timestamp": "2026-01-02T03:04:05Z",
		"data":      map[string]any{"title": title},
		"metadata":  map[string]any{"isActive": true},
	}
}

func TestGetSnapshotDecodesResponse(t *testing.T) {
	p := newProvider(t, remote.WithBearerToken("secret"))
	gock.New(baseURL).
		Get("/snapshots/TSK_1").
		MatchHeader("Authorization", "Bearer secret").
		Reply(200).
		JSON(snapshotBody("TSK_1", 2, "write docs"))

	snap, ok, err := p.GetSnapshot(context.Background(), "TSK_1")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if snap.ID != "TSK_1" || snap.Version != 2 || snap.Data.Title != "write docs" || !snap.Metadata.IsActive {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if want := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC); !snap.Timestamp.Equal(want) {
		t.Fatalf("timestamp = %v, want %v", snap.Timestamp, want)
	}
	if !gock.IsDone() {
		t.Fatal("pending mocks")
	}
}

func TestGetSnapshotAcceptsLegacyKeys(t *testing.T) {
	p := newProvider(t)
	body := snapshotBody("TSK_2", 1, "child")
	body["parent_id"] = "PRJ_1"
	body["child_ids"] = []string{"TSK_3"}
	gock.New(baseURL).Get("/snapshots/TSK_2").Reply(200).JSON(body)

	snap, ok, err := p.GetSnapshot(context.Background(), "TSK_2")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if snap.ParentID != "PRJ_1" || len(snap.ChildIDs) != 1 || snap.ChildIDs[0] != "TSK_3" {
		t.Fatalf("legacy keys not mapped: %+v", snap)
	}
}

func TestGetSnapshotMissIsNotAnError(t *testing.T) {
	p := newProvider(t)
	gock.New(baseURL).Get("/snapshots/missing").Reply(404)

	_, ok, err := p.GetSnapshot(context.Background(), "missing")
	if err != nil || ok {
		t.Fatalf("expected miss, got ok=%v err=%v", ok, err)
	}
}

func TestRetriesServerErrors(t *testing.T) {
	p := newProvider(t, remote.WithRetries(2))
	gock.New(baseURL).Get("/snapshots/TSK_1").Reply(503)
	gock.New(baseURL).Get("/snapshots/TSK_1").Reply(502)
	gock.New(baseURL).Get("/snapshots/TSK_1").Reply(200).JSON(snapshotBody("TSK_1", 1, "eventually"))

	snap, ok, err := p.GetSnapshot(context.Background(), "TSK_1")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if snap.Data.Title != "eventually" {
		t.Fatalf("unexpected payload: %+v", snap.Data)
	}
	if !gock.IsDone() {
		t.Fatal("expected every attempt to be consumed")
	}
}

func TestRetriesGiveUp(t *testing.T) {
	p := newProvider(t, remote.WithRetries(1))
	gock.New(baseURL).Get("/snapshots/TSK_1").Times(2).Reply(500).BodyString("boom")

	_, _, err := p.GetSnapshot(context.Background(), "TSK_1")
	var statusErr *remote.StatusError
	if !errors.As(err, &statusErr) || statusErr.Code != 500 || statusErr.Body != "boom" {
		t.Fatalf("expected status error, got %v", err)
	}
}

func TestClientErrorsAreNotRetried(t *testing.T) {
	p := newProvider(t, remote.WithRetries(3))
	gock.New(baseURL).Get("/snapshots/TSK_1").Reply(400).BodyString("bad id")

	_, _, err := p.GetSnapshot(context.Background(), "TSK_1")
	var statusErr *remote.StatusError
	if !errors.As(err, &statusErr) || statusErr.Code != 400 {
		t.Fatalf("expected 400 status error, got %v", err)
	}
	if !gock.IsDone() {
		t.Fatal("expected the single mock to be consumed")
	}
}

func TestCreateIsNotReplayedAfterServerError(t *testing.T) {
	p := newProvider(t, remote.WithRetries(3))
	gock.New(baseURL).Post("/snapshots").Reply(503).BodyString("maybe stored")
	gock.New(baseURL).Post("/snapshots").Reply(201).JSON(snapshotBody("TSK_1", 1, "twice"))

	_, err := p.CreateSnapshot(context.Background(), snapshot.CreateInput[task, snapshot.Metadata]{ID: "TSK_1"})
	var statusErr *remote.StatusError
	if !errors.As(err, &statusErr) || statusErr.Code != 503 {
		t.Fatalf("expected the first 503 to surface, got %v", err)
	}
	if pending := gock.Pending(); len(pending) != 1 {
		t.Fatalf("expected create to be sent once, %d mocks left", len(pending))
	}
}

func TestImportIsNotReplayedAfterServerError(t *testing.T) {
	p := newProvider(t, remote.WithRetries(3))
	gock.New(baseURL).Post("/snapshots/import").Reply(500)
	gock.New(baseURL).Post("/snapshots/import").Reply(200).JSON(map[string]any{"succeeded": []any{}})

	if _, err := p.ImportSnapshots(context.Background(), []snapshot.Snapshot[task, snapshot.Metadata]{{ID: "TSK_1"}}); err == nil {
		t.Fatal("expected import to fail without a retry")
	}
	if pending := gock.Pending(); len(pending) != 1 {
		t.Fatalf("expected import to be sent once, %d mocks left", len(pending))
	}
}

func TestCreateRetriesThrottling(t *testing.T) {
	p := newProvider(t, remote.WithRetries(2))
	gock.New(baseURL).Post("/snapshots").Reply(429)
	gock.New(baseURL).Post("/snapshots").Reply(201).JSON(snapshotBody("TSK_1", 1, "after wait"))

	snap, err := p.CreateSnapshot(context.Background(), snapshot.CreateInput[task, snapshot.Metadata]{ID: "TSK_1"})
	if err != nil || snap.Data.Title != "after wait" {
		t.Fatalf("expected throttled create to be retried, snap=%+v err=%v", snap, err)
	}
	if !gock.IsDone() {
		t.Fatal("expected both attempts to be consumed")
	}
}

func TestNotImplementedMapsToSentinel(t *testing.T) {
	p := newProvider(t)
	gock.New(baseURL).Delete("/snapshots/TSK_1").Reply(501)

	if err := p.RemoveSnapshot(context.Background(), "TSK_1"); !errors.Is(err, snapshot.ErrNotImplemented) {
		t.Fatalf("expected ErrNotImplemented, got %v", err)
	}
}

func TestCreateSnapshotSendsInput(t *testing.T) {
	p := newProvider(t)
	var sent map[string]any
	gock.New(baseURL).
		Post("/snapshots").
		MatchType("json").
		AddMatcher(func(req *http.Request, _ *gock.Request) (bool, error) {
			raw, err := io.ReadAll(req.Body)
			if err != nil {
				return false, err
			}
			req.Body = io.NopCloser(bytes.NewReader(raw))
			return true, json.Unmarshal(raw, &sent)
		}).
		Reply(201).
		JSON(snapshotBody("TSK_9", 1, "new"))

	snap, err := p.CreateSnapshot(context.Background(), snapshot.CreateInput[task, snapshot.Metadata]{
		ID:       "TSK_9",
		Category: "task",
		Data:     task{Title: "new"},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if snap.ID != "TSK_9" || snap.Version != 1 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if sent["id"] != "TSK_9" || sent["category"] != "task" {
		t.Fatalf("unexpected request body: %v", sent)
	}
	if data, _ := sent["data"].(map[string]any); data["title"] != "new" {
		t.Fatalf("unexpected request data: %v", sent["data"])
	}
}

func TestCreateConflictIsValidationError(t *testing.T) {
	p := newProvider(t)
	gock.New(baseURL).Post("/snapshots").Reply(409)

	_, err := p.CreateSnapshot(context.Background(), snapshot.CreateInput[task, snapshot.Metadata]{ID: "TSK_1"})
	if !errors.Is(err, snapshot.ErrValidation) || !errors.Is(err, snapshot.ErrDuplicateSnapshot) {
		t.Fatalf("expected duplicate validation error, got %v", err)
	}
}

func TestUpdateAndRemove(t *testing.T) {
	p := newProvider(t)
	gock.New(baseURL).Put("/snapshots/TSK_1").Reply(200).JSON(snapshotBody("TSK_1", 4, "patched"))
	gock.New(baseURL).Put("/snapshots/gone").Reply(404)
	gock.New(baseURL).Delete("/snapshots/TSK_1").Reply(204)
	gock.New(baseURL).Delete("/snapshots/gone").Reply(404)

	ctx := context.Background()
	snap, err := p.UpdateSnapshot(ctx, "TSK_1", task{Title: "patched"})
	if err != nil || snap.Version != 4 || snap.Data.Title != "patched" {
		t.Fatalf("update: %+v %v", snap, err)
	}
	if _, err := p.UpdateSnapshot(ctx, "gone", task{}); !errors.Is(err, snapshot.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := p.RemoveSnapshot(ctx, "TSK_1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := p.RemoveSnapshot(ctx, "gone"); err != nil {
		t.Fatalf("remove of missing record should succeed: %v", err)
	}
}

func TestImportSnapshotsReportsFailures(t *testing.T) {
	p := newProvider(t)
	gock.New(baseURL).
		Post("/snapshots/import").
		Reply(200).
		JSON(map[string]any{
			"succeeded": []any{snapshotBody("TSK_1", 1, "one")},
			"failed":    []any{map[string]any{"id": "TSK_2", "error": "rejected"}},
		})

	result, err := p.ImportSnapshots(context.Background(), []snapshot.Snapshot[task, snapshot.Metadata]{
		{ID: "TSK_1", Data: task{Title: "one"}},
		{ID: "TSK_2"},
	})
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if len(result.Succeeded) != 1 || result.Succeeded[0].Data.Title != "one" {
		t.Fatalf("unexpected successes: %+v", result.Succeeded)
	}
	if len(result.Failed) != 1 || result.Failed[0].ID != "TSK_2" || result.Failed[0].Err.Error() != "rejected" {
		t.Fatalf("unexpected failures: %+v", result.Failed)
	}
}

func TestFetchStoreConfig(t *testing.T) {
	p := newProvider(t)
	gock.New(baseURL).
		Get("/stores/tasks/config").
		Reply(200).
		JSON(map[string]any{
			"name":             "tasks",
			"historyLimit":     5,
			"batchConcurrency": 2,
			"duplicatePolicy":  "overwrite",
			"writeThrough":     true,
		})
	gock.New(baseURL).Get("/stores/unknown/config").Reply(404)

	ctx := context.Background()
	cfg, err := p.FetchStoreConfig(ctx, "tasks")
	if err != nil {
		t.Fatalf("fetch config: %v", err)
	}
	if cfg.Name != "tasks" || cfg.HistoryLimit != 5 || !cfg.WriteThrough {
		t.Fatalf("unexpected config: %+v", cfg)
	}

	store := snapshot.New[task, snapshot.Metadata](cfg.Options()...)
	if store.Name() != "tasks" {
		t.Fatalf("store name = %q", store.Name())
	}
	first, err := store.CreateSnapshot(ctx, snapshot.CreateInput[task, snapshot.Metadata]{ID: "TSK_1"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	second, err := store.CreateSnapshot(ctx, snapshot.CreateInput[task, snapshot.Metadata]{ID: "TSK_1"})
	if err != nil {
		t.Fatalf("overwrite policy should accept duplicate: %v", err)
	}
	if second.Version <= first.Version {
		t.Fatalf("overwrite should bump version: %d -> %d", first.Version, second.Version)
	}

	if _, err := p.FetchStoreConfig(ctx, "unknown"); !errors.Is(err, snapshot.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestRemoteAsStoreDelegate(t *testing.T) {
	p := newProvider(t)
	gock.New(baseURL).Get("/snapshots/TSK_7").Reply(200).JSON(snapshotBody("TSK_7", 3, "from remote"))

	store := snapshot.New[task, snapshot.Metadata](
		snapshot.WithDelegates(p.Delegate("api")),
	)
	snap, ok, err := store.GetSnapshot(context.Background(), "TSK_7")
	if err != nil || !ok {
		t.Fatalf("get through delegate: ok=%v err=%v", ok, err)
	}
	if snap.Data.Title != "from remote" {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestNewRejectsBadURL(t *testing.T) {
	if _, err := remote.New[task, snapshot.Metadata]("ftp://example.com"); err == nil {
		t.Fatal("expected scheme error")
	}
}
