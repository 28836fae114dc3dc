package offlinesync

import (
	"encoding/json"
	"errors"
	"net/http"
	"reflect"
	"testing"
	"time"
)

func TestStatusTrackerDerivesFromLogAndCache(t *testing.T) {
	cache := NewInMemoryCacheStore()
	log := NewInMemoryOperationLog(0)
	tracker := NewStatusTracker(cache, log)

	if _, err := cache.Upsert("synced", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if _, err := cache.Upsert("failed", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := cache.MarkError("failed", "rejected"); err != nil {
		t.Fatalf("mark error: %v", err)
	}
	if _, err := cache.Upsert("queued", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := cache.MarkError("queued", "timeout"); err != nil {
		t.Fatalf("mark error: %v", err)
	}
	for _, target := range []string{"queued", "log-only"} {
		if _, err := log.Append(QueuedOperation{ID: "op_" + target, TargetID: target, Method: http.MethodPut, Endpoint: "/entities/" + target, EnqueuedAt: time.Now()}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	want := map[string]SyncStatus{
		"synced":   StatusSynced,
		"failed":   StatusError,
		"queued":   StatusPending,
		"log-only": StatusPending,
	}
	got, err := tracker.Statuses()
	if err != nil {
		t.Fatalf("statuses: %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected statuses: %v", got)
	}
	again, _ := tracker.Statuses()
	if !reflect.DeepEqual(got, again) {
		t.Fatalf("expected repeated derivation to be stable")
	}

	summary, err := tracker.Summary()
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if summary != (StatusSummary{Synced: 1, Pending: 2, Error: 1, Queued: 2}) {
		t.Fatalf("unexpected summary: %+v", summary)
	}

	if _, err := tracker.Status("unknown"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if status, err := tracker.Status("log-only"); err != nil || status != StatusPending {
		t.Fatalf("expected log-only pending, got %s err=%v", status, err)
	}
}
