package offlinesync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeRemote struct {
	mu      sync.Mutex
	calls   []QueuedOperation
	applied []string
	replay  func(op QueuedOperation, attempt int) (json.RawMessage, error)
	perOp   map[string]int
}

func newFakeRemote(replay func(op QueuedOperation, attempt int) (json.RawMessage, error)) *fakeRemote {
	return &fakeRemote{replay: replay, perOp: map[string]int{}}
}

func (f *fakeRemote) Replay(_ context.Context, op QueuedOperation) (json.RawMessage, error) {
	f.mu.Lock()
	f.calls = append(f.calls, op)
	f.perOp[op.ID]++
	attempt := f.perOp[op.ID]
	replay := f.replay
	f.mu.Unlock()

	var (
		body json.RawMessage
		err  error
	)
	if replay == nil {
		body = op.Payload
	} else {
		body, err = replay(op, attempt)
	}
	if err == nil {
		f.mu.Lock()
		f.applied = append(f.applied, op.Endpoint+" "+string(op.Payload))
		f.mu.Unlock()
	}
	return body, err
}

func (f *fakeRemote) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeRemote) appliedList() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.applied...)
}

type fakeConnectivity struct {
	offline atomic.Bool
}

func (f *fakeConnectivity) IsOffline() bool {
	return f.offline.Load()
}

func newTestEngine(t *testing.T, remote RemoteStore, opts Options) (*Engine, *fakeConnectivity) {
	t.Helper()
	conn := &fakeConnectivity{}
	opts.Remote = remote
	if opts.Connectivity == nil {
		opts.Connectivity = conn
	}
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	var tick atomic.Int64
	if opts.Now == nil {
		opts.Now = func() time.Time {
			return base.Add(time.Duration(tick.Add(1)) * time.Millisecond)
		}
	}
	var ids atomic.Int64
	if opts.NewID == nil {
		opts.NewID = func() string { return fmt.Sprintf("op_%d", ids.Add(1)) }
	}
	engine, err := NewEngine(opts)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return engine, conn
}

func mustGet(t *testing.T, engine *Engine, id string) CachedEntity {
	t.Helper()
	entity, ok, err := engine.Get(id)
	if err != nil {
		t.Fatalf("get %s: %v", id, err)
	}
	if !ok {
		t.Fatalf("expected %s to be cached", id)
	}
	return entity
}

func mustCount(t *testing.T, engine *Engine) int {
	t.Helper()
	count, err := engine.Count()
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	return count
}

func TestOfflineWriteIsPendingAndQueued(t *testing.T) {
	engine, conn := newTestEngine(t, newFakeRemote(nil), Options{})
	conn.offline.Store(true)

	if _, err := engine.Upsert("n1", json.RawMessage(`{"title":"A"}`)); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if _, err := engine.Enqueue(context.Background(), Mutation{
		TargetID: "n1",
		Method:   http.MethodPut,
		Endpoint: "/entities/n1",
		Payload:  map[string]string{"title": "A"},
	}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	entity := mustGet(t, engine, "n1")
	if entity.SyncStatus != StatusPending {
		t.Fatalf("expected pending, got %s", entity.SyncStatus)
	}
	if string(entity.Snapshot) != `{"title":"A"}` {
		t.Fatalf("expected optimistic snapshot, got %s", entity.Snapshot)
	}
	if got := mustCount(t, engine); got != 1 {
		t.Fatalf("expected one queued operation, got %d", got)
	}

	result := engine.Drain(context.Background())
	if result.Success || result.Reason != ReasonOffline {
		t.Fatalf("expected offline drain result, got %+v", result)
	}
}

func TestDrainSyncsAndAppliesRemoteResponse(t *testing.T) {
	remote := newFakeRemote(func(op QueuedOperation, _ int) (json.RawMessage, error) {
		return json.RawMessage(`{"id":"n1","title":"A","rev":2}`), nil
	})
	engine, conn := newTestEngine(t, remote, Options{})
	conn.offline.Store(true)
	if _, err := engine.Write(context.Background(), "n1", map[string]string{"title": "A"}, Mutation{
		Method:   http.MethodPut,
		Endpoint: "/entities/n1",
		Payload:  map[string]string{"title": "A"},
	}); err != nil {
		t.Fatalf("write: %v", err)
	}

	conn.offline.Store(false)
	result := engine.Drain(context.Background())
	if !result.Success || result.SyncedCount != 1 || result.FailedCount != 0 {
		t.Fatalf("unexpected drain result: %+v", result)
	}
	if result.Remaining != 0 || mustCount(t, engine) != 0 {
		t.Fatalf("expected empty log, remaining=%d", result.Remaining)
	}
	entity := mustGet(t, engine, "n1")
	if entity.SyncStatus != StatusSynced {
		t.Fatalf("expected synced, got %s", entity.SyncStatus)
	}
	if string(entity.Snapshot) != `{"id":"n1","title":"A","rev":2}` {
		t.Fatalf("expected remote snapshot to win, got %s", entity.Snapshot)
	}
}

func TestSameTargetReplaysInOrderAcrossTransientFailure(t *testing.T) {
	remote := newFakeRemote(func(op QueuedOperation, attempt int) (json.RawMessage, error) {
		if strings.Contains(string(op.Payload), "rename") && attempt == 1 {
			return nil, errors.New("connection reset")
		}
		return nil, nil
	})
	engine, conn := newTestEngine(t, remote, Options{})
	conn.offline.Store(true)
	ctx := context.Background()
	for _, payload := range []string{`{"step":"rename"}`, `{"step":"retag"}`} {
		if _, err := engine.Enqueue(ctx, Mutation{
			TargetID: "n1",
			Method:   http.MethodPatch,
			Endpoint: "/entities/n1",
			Payload:  json.RawMessage(payload),
		}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	conn.offline.Store(false)

	first := engine.Drain(ctx)
	if first.SyncedCount != 0 || first.FailedCount != 1 || first.DeferredCount != 1 {
		t.Fatalf("unexpected first drain: %+v", first)
	}
	if remote.callCount() != 1 {
		t.Fatalf("expected the later operation to be deferred, got %d calls", remote.callCount())
	}
	if status, _ := engine.Status("n1"); status != StatusPending {
		t.Fatalf("expected pending while operations remain, got %s", status)
	}
	ops, _ := engine.Operations()
	if len(ops) != 2 || ops[0].Attempts != 1 || ops[0].LastError != "connection reset" {
		t.Fatalf("expected attempt recorded on the first op, got %+v", ops)
	}

	second := engine.Drain(ctx)
	if second.SyncedCount != 2 || second.Remaining != 0 {
		t.Fatalf("unexpected second drain: %+v", second)
	}
	applied := remote.appliedList()
	if len(applied) != 2 || !strings.Contains(applied[0], "rename") || !strings.Contains(applied[1], "retag") {
		t.Fatalf("expected rename before retag, got %v", applied)
	}
	if entity := mustGet(t, engine, "n1"); entity.SyncStatus != StatusSynced {
		t.Fatalf("expected synced, got %s", entity.SyncStatus)
	}
}

func TestRejectedOperationIsDiscardedAfterOneAttempt(t *testing.T) {
	remote := newFakeRemote(func(op QueuedOperation, _ int) (json.RawMessage, error) {
		return nil, fmt.Errorf("%w: 404 not found", ErrRejected)
	})
	engine, _ := newTestEngine(t, remote, Options{})
	ctx := context.Background()
	if _, err := engine.Write(ctx, "n1", map[string]string{"title": "gone"}, Mutation{
		Method:   http.MethodPut,
		Endpoint: "/entities/n1",
		Payload:  map[string]string{"title": "gone"},
	}); err != nil {
		t.Fatalf("write: %v", err)
	}

	result := engine.Drain(ctx)
	if result.FailedCount != 1 || result.DiscardedCount != 1 || result.Remaining != 0 {
		t.Fatalf("unexpected drain result: %+v", result)
	}
	entity := mustGet(t, engine, "n1")
	if entity.SyncStatus != StatusError {
		t.Fatalf("expected error, got %s", entity.SyncStatus)
	}
	if !strings.Contains(entity.LastError, "404") {
		t.Fatalf("expected rejection reason to be kept, got %q", entity.LastError)
	}

	engine.Drain(ctx)
	if remote.callCount() != 1 {
		t.Fatalf("expected rejected operation never retried, got %d calls", remote.callCount())
	}
}

func TestFailingEntityDoesNotBlockUnrelatedEntity(t *testing.T) {
	remote := newFakeRemote(func(op QueuedOperation, _ int) (json.RawMessage, error) {
		if op.TargetID == "n1" {
			return nil, errors.New("timeout")
		}
		return nil, nil
	})
	engine, conn := newTestEngine(t, remote, Options{})
	conn.offline.Store(true)
	ctx := context.Background()
	for _, id := range []string{"n1", "n2"} {
		if _, err := engine.Write(ctx, id, map[string]string{"id": id}, Mutation{
			Method:   http.MethodPut,
			Endpoint: "/entities/" + id,
			Payload:  map[string]string{"id": id},
		}); err != nil {
			t.Fatalf("write %s: %v", id, err)
		}
	}
	conn.offline.Store(false)

	result := engine.Drain(ctx)
	if result.SyncedCount != 1 || result.FailedCount != 1 {
		t.Fatalf("unexpected drain result: %+v", result)
	}
	if entity := mustGet(t, engine, "n2"); entity.SyncStatus != StatusSynced {
		t.Fatalf("expected n2 synced, got %s", entity.SyncStatus)
	}
	if entity := mustGet(t, engine, "n1"); entity.SyncStatus != StatusPending {
		t.Fatalf("expected n1 pending while queued, got %s", entity.SyncStatus)
	}
	if mustCount(t, engine) != 1 {
		t.Fatalf("expected n1 operation retained")
	}
}

func TestDrainEventuallyDeliversEveryAcceptedMutation(t *testing.T) {
	var failures atomic.Int64
	remote := newFakeRemote(func(op QueuedOperation, attempt int) (json.RawMessage, error) {
		if attempt <= 2 {
			failures.Add(1)
			return nil, errors.New("flaky network")
		}
		return nil, nil
	})
	engine, conn := newTestEngine(t, remote, Options{Concurrency: 3})
	conn.offline.Store(true)
	ctx := context.Background()
	for i := 0; i < 12; i++ {
		id := fmt.Sprintf("n%d", i%4)
		if _, err := engine.Enqueue(ctx, Mutation{
			TargetID: id,
			Method:   http.MethodPatch,
			Endpoint: "/entities/" + id,
			Payload:  map[string]int{"seq": i},
		}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	conn.offline.Store(false)

	for pass := 0; pass < 50 && mustCount(t, engine) > 0; pass++ {
		engine.Drain(ctx)
	}
	if mustCount(t, engine) != 0 {
		t.Fatalf("expected log to drain, %d left", mustCount(t, engine))
	}
	if failures.Load() == 0 {
		t.Fatalf("expected transient failures along the way")
	}

	lastSeq := map[string]int{}
	for _, entry := range remote.appliedList() {
		var endpoint string
		var payload struct {
			Seq int `json:"seq"`
		}
		parts := strings.SplitN(entry, " ", 2)
		endpoint = parts[0]
		if err := json.Unmarshal([]byte(parts[1]), &payload); err != nil {
			t.Fatalf("decode applied payload: %v", err)
		}
		if prev, ok := lastSeq[endpoint]; ok && payload.Seq < prev {
			t.Fatalf("%s applied seq %d after %d", endpoint, payload.Seq, prev)
		}
		lastSeq[endpoint] = payload.Seq
	}
	if len(remote.appliedList()) != 12 {
		t.Fatalf("expected 12 applied mutations, got %d", len(remote.appliedList()))
	}
}

func TestAttemptCapGivesUpAndMarksError(t *testing.T) {
	remote := newFakeRemote(func(op QueuedOperation, _ int) (json.RawMessage, error) {
		return nil, errors.New("service unavailable")
	})
	engine, _ := newTestEngine(t, remote, Options{MaxAttempts: 3})
	ctx := context.Background()
	if _, err := engine.Write(ctx, "n1", map[string]string{"a": "b"}, Mutation{
		Method:   http.MethodPut,
		Endpoint: "/entities/n1",
		Payload:  map[string]string{"a": "b"},
	}); err != nil {
		t.Fatalf("write: %v", err)
	}

	engine.Drain(ctx)
	engine.Drain(ctx)
	if mustCount(t, engine) != 1 {
		t.Fatalf("expected operation retained before the cap")
	}
	result := engine.Drain(ctx)
	if result.DiscardedCount != 1 || result.Remaining != 0 {
		t.Fatalf("expected give-up on third attempt, got %+v", result)
	}
	entity := mustGet(t, engine, "n1")
	if entity.SyncStatus != StatusError || !strings.Contains(entity.LastError, "gave up after 3 attempts") {
		t.Fatalf("unexpected entity after give-up: %+v", entity)
	}
	engine.Drain(ctx)
	if remote.callCount() != 3 {
		t.Fatalf("expected exactly 3 replays, got %d", remote.callCount())
	}
}

func TestNegativeMaxAttemptsRetriesForever(t *testing.T) {
	remote := newFakeRemote(func(op QueuedOperation, _ int) (json.RawMessage, error) {
		return nil, errors.New("down")
	})
	engine, _ := newTestEngine(t, remote, Options{MaxAttempts: -1})
	ctx := context.Background()
	if _, err := engine.Enqueue(ctx, Mutation{TargetID: "n1", Method: "put", Endpoint: "/entities/n1"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	for i := 0; i < 15; i++ {
		engine.Drain(ctx)
	}
	ops, _ := engine.Operations()
	if len(ops) != 1 || ops[0].Attempts != 15 {
		t.Fatalf("expected op retained with 15 attempts, got %+v", ops)
	}
}

func TestCreationUsesResponseIDAsCacheKey(t *testing.T) {
	remote := newFakeRemote(func(op QueuedOperation, _ int) (json.RawMessage, error) {
		return json.RawMessage(`{"id":"srv_42","title":"new"}`), nil
	})
	engine, _ := newTestEngine(t, remote, Options{})
	if _, err := engine.Enqueue(context.Background(), Mutation{
		Method:   http.MethodPost,
		Endpoint: "/entities",
		Payload:  map[string]string{"title": "new"},
	}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	result := engine.Drain(context.Background())
	if result.SyncedCount != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}
	entity := mustGet(t, engine, "srv_42")
	if entity.SyncStatus != StatusSynced || !strings.Contains(string(entity.Snapshot), "new") {
		t.Fatalf("unexpected created entity: %+v", entity)
	}
}

func TestConfirmedDeleteRemovesCachedEntity(t *testing.T) {
	engine, _ := newTestEngine(t, newFakeRemote(nil), Options{})
	ctx := context.Background()
	if _, err := engine.Upsert("n1", json.RawMessage(`{"title":"A"}`)); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if _, err := engine.Enqueue(ctx, Mutation{TargetID: "n1", Method: http.MethodDelete, Endpoint: "/entities/n1"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	engine.Drain(ctx)
	if _, ok, err := engine.Get("n1"); err != nil || ok {
		t.Fatalf("expected n1 removed, ok=%v err=%v", ok, err)
	}
}

func TestEnqueueRejectsMalformedMutations(t *testing.T) {
	engine, _ := newTestEngine(t, newFakeRemote(nil), Options{})
	ctx := context.Background()
	cases := []Mutation{
		{Method: http.MethodGet, Endpoint: "/entities/n1"},
		{Method: "", Endpoint: "/entities/n1"},
		{Method: http.MethodPut, Endpoint: "  "},
		{Method: http.MethodPut, Endpoint: "/entities/n1", Payload: json.RawMessage(`{broken`)},
		{Method: http.MethodPut, Endpoint: "/entities/n1", Payload: func() {}},
	}
	for _, m := range cases {
		if _, err := engine.Enqueue(ctx, m); !errors.Is(err, ErrInvalidOperation) {
			t.Fatalf("expected ErrInvalidOperation for %+v, got %v", m, err)
		}
	}
	if mustCount(t, engine) != 0 {
		t.Fatalf("expected nothing queued")
	}
}

func TestEnqueueValidatesPayloadSchema(t *testing.T) {
	schemas := NewPayloadSchemas()
	if err := schemas.Register(http.MethodPut, "/entities/*", []byte(`{
		"type": "object",
		"required": ["title"],
		"properties": {"title": {"type": "string", "minLength": 1}}
	}`)); err != nil {
		t.Fatalf("register schema: %v", err)
	}
	engine, _ := newTestEngine(t, newFakeRemote(nil), Options{Schemas: schemas})
	ctx := context.Background()

	_, err := engine.Enqueue(ctx, Mutation{TargetID: "n1", Method: http.MethodPut, Endpoint: "/entities/n1", Payload: map[string]int{"title": 3}})
	if !errors.Is(err, ErrInvalidOperation) {
		t.Fatalf("expected schema violation, got %v", err)
	}
	if _, err := engine.Enqueue(ctx, Mutation{TargetID: "n1", Method: http.MethodPut, Endpoint: "/entities/n1", Payload: map[string]string{"title": "ok"}}); err != nil {
		t.Fatalf("expected valid payload to enqueue: %v", err)
	}
	if _, err := engine.Enqueue(ctx, Mutation{TargetID: "n1", Method: http.MethodPatch, Endpoint: "/entities/n1", Payload: map[string]int{"other": 1}}); err != nil {
		t.Fatalf("expected PATCH to bypass PUT schema: %v", err)
	}
}

func TestCancelledDrainKeepsOperations(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	remote := newFakeRemote(func(op QueuedOperation, _ int) (json.RawMessage, error) {
		cancel()
		return nil, context.Canceled
	})
	engine, _ := newTestEngine(t, remote, Options{})
	for _, id := range []string{"n1", "n2"} {
		if _, err := engine.Enqueue(context.Background(), Mutation{TargetID: id, Method: http.MethodPut, Endpoint: "/entities/" + id}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	result := engine.Drain(ctx)
	if result.Success || result.Reason != ReasonCancelled {
		t.Fatalf("expected cancelled result, got %+v", result)
	}
	ops, _ := engine.Operations()
	if len(ops) != 2 || ops[0].Attempts != 0 {
		t.Fatalf("expected operations untouched, got %+v", ops)
	}
}

func TestSubscribeDrainsReceivesResults(t *testing.T) {
	engine, _ := newTestEngine(t, newFakeRemote(nil), Options{})
	var got []DrainResult
	cancel := engine.SubscribeDrains(func(r DrainResult) { got = append(got, r) })
	if _, err := engine.Enqueue(context.Background(), Mutation{TargetID: "n1", Method: http.MethodPut, Endpoint: "/entities/n1"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	engine.Drain(context.Background())
	cancel()
	engine.Drain(context.Background())
	if len(got) != 1 || got[0].SyncedCount != 1 {
		t.Fatalf("expected one delivered result, got %+v", got)
	}
}

func TestRunDrainsAfterEnqueue(t *testing.T) {
	remote := newFakeRemote(nil)
	engine, _ := newTestEngine(t, remote, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = engine.Run(ctx)
		close(done)
	}()

	if _, err := engine.Enqueue(ctx, Mutation{TargetID: "n1", Method: http.MethodPut, Endpoint: "/entities/n1"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for mustCount(t, engine) > 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if mustCount(t, engine) != 0 {
		t.Fatalf("expected run loop to drain the enqueued operation")
	}
	cancel()
	<-done
}

func TestRefreshKeepsOptimisticSnapshotWhilePending(t *testing.T) {
	engine, conn := newTestEngine(t, newFakeRemote(nil), Options{})
	conn.offline.Store(true)
	ctx := context.Background()
	if _, err := engine.Write(ctx, "n1", map[string]string{"title": "local"}, Mutation{Method: http.MethodPut, Endpoint: "/entities/n1"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := engine.Refresh("n1", json.RawMessage(`{"title":"remote"}`)); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if entity := mustGet(t, engine, "n1"); !strings.Contains(string(entity.Snapshot), "local") {
		t.Fatalf("expected local snapshot kept, got %s", entity.Snapshot)
	}
	if err := engine.Refresh("n2", json.RawMessage(`{"title":"remote"}`)); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if entity := mustGet(t, engine, "n2"); entity.SyncStatus != StatusSynced {
		t.Fatalf("expected refreshed entity synced, got %s", entity.SyncStatus)
	}
}

func TestGroupByTargetKeepsCreationsSeparate(t *testing.T) {
	ops := []QueuedOperation{
		{ID: "a", TargetID: "n1"},
		{ID: "b"},
		{ID: "c", TargetID: "n2"},
		{ID: "d", TargetID: "n1"},
		{ID: "e"},
	}
	groups := groupByTarget(ops)
	if len(groups) != 4 {
		t.Fatalf("expected 4 groups, got %d", len(groups))
	}
	if len(groups[0]) != 2 || groups[0][0].ID != "a" || groups[0][1].ID != "d" {
		t.Fatalf("unexpected n1 group: %+v", groups[0])
	}
}

func TestResponseID(t *testing.T) {
	cases := map[string]string{
		`{"id":"abc"}`: "abc",
		`{"id":42}`:    "42",
		`{"name":"x"}`: "",
		`[1,2]`:        "",
		``:             "",
	}
	for body, want := range cases {
		if got := responseID(json.RawMessage(body)); got != want {
			t.Fatalf("responseID(%q) = %q, want %q", body, got, want)
		}
	}
}

func TestDefaultOptionsKeepRetryingTransientFailures(t *testing.T) {
	remote := newFakeRemote(func(op QueuedOperation, attempt int) (json.RawMessage, error) {
		if attempt <= 12 {
			return nil, errors.New("502 bad gateway")
		}
		return op.Payload, nil
	})
	engine, _ := newTestEngine(t, remote, Options{})
	ctx := context.Background()
	if _, err := engine.Write(ctx, "n1", map[string]string{"title": "A"}, Mutation{
		Method:   http.MethodPut,
		Endpoint: "/entities/n1",
	}); err != nil {
		t.Fatalf("write: %v", err)
	}
	for i := 0; i < 12; i++ {
		result := engine.Drain(ctx)
		if result.DiscardedCount != 0 || result.Remaining != 1 {
			t.Fatalf("pass %d: expected the operation to stay queued, got %+v", i+1, result)
		}
	}
	if status, _ := engine.Status("n1"); status != StatusPending {
		t.Fatalf("expected pending while retries continue, got %s", status)
	}
	result := engine.Drain(ctx)
	if result.SyncedCount != 1 || result.Remaining != 0 {
		t.Fatalf("expected delivery on the thirteenth attempt, got %+v", result)
	}
	if applied := remote.appliedList(); len(applied) != 1 {
		t.Fatalf("expected one applied mutation, got %v", applied)
	}
	if entity := mustGet(t, engine, "n1"); entity.SyncStatus != StatusSynced {
		t.Fatalf("expected synced after delivery, got %+v", entity)
	}
}

func TestOperationsEnqueuedDuringDrainWaitForNextPass(t *testing.T) {
	var engine *Engine
	remote := newFakeRemote(func(op QueuedOperation, _ int) (json.RawMessage, error) {
		if op.TargetID == "n1" {
			if _, err := engine.Enqueue(context.Background(), Mutation{
				TargetID: "n2",
				Method:   http.MethodPut,
				Endpoint: "/entities/n2",
				Payload:  map[string]bool{"late": true},
			}); err != nil {
				return nil, err
			}
		}
		return op.Payload, nil
	})
	engine, _ = newTestEngine(t, remote, Options{})
	ctx := context.Background()
	if _, err := engine.Enqueue(ctx, Mutation{TargetID: "n1", Method: http.MethodPut, Endpoint: "/entities/n1"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	result := engine.Drain(ctx)
	if result.SyncedCount != 1 || result.Remaining != 1 {
		t.Fatalf("expected only the snapshot to replay, got %+v", result)
	}
	ops, err := engine.Operations()
	if err != nil {
		t.Fatalf("operations: %v", err)
	}
	if len(ops) != 1 || ops[0].TargetID != "n2" || ops[0].Attempts != 0 {
		t.Fatalf("expected the late operation untouched, got %+v", ops)
	}

	result = engine.Drain(ctx)
	if result.SyncedCount != 1 || result.Remaining != 0 {
		t.Fatalf("expected the late operation on the next pass, got %+v", result)
	}
}

type failingCache struct {
	*InMemoryCacheStore
	failUpsert     bool
	failMarkSynced bool
}

func (c *failingCache) Upsert(id string, snapshot json.RawMessage) (CachedEntity, error) {
	if c.failUpsert {
		return CachedEntity{}, storageError("upsert", errors.New("disk full"))
	}
	return c.InMemoryCacheStore.Upsert(id, snapshot)
}

func (c *failingCache) MarkSynced(id string, snapshot json.RawMessage) error {
	if c.failMarkSynced {
		return storageError("mark synced", errors.New("disk full"))
	}
	return c.InMemoryCacheStore.MarkSynced(id, snapshot)
}

func TestCacheFailuresDoNotBlockQueueingOrReplay(t *testing.T) {
	cache := &failingCache{InMemoryCacheStore: NewInMemoryCacheStore(), failUpsert: true, failMarkSynced: true}
	remote := newFakeRemote(nil)
	engine, conn := newTestEngine(t, remote, Options{Cache: cache})
	conn.offline.Store(true)
	ctx := context.Background()

	written, err := engine.Write(ctx, "n1", map[string]string{"title": "A"}, Mutation{
		Method:   http.MethodPut,
		Endpoint: "/entities/n1",
		Payload:  map[string]string{"title": "A"},
	})
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if written.CachePersisted || !strings.Contains(written.CacheError, "disk full") {
		t.Fatalf("expected the failed optimistic update to be reported, got %+v", written)
	}
	if written.ID == "" || written.TargetID != "n1" {
		t.Fatalf("expected the mutation queued anyway, got %+v", written.QueuedOperation)
	}
	if mustCount(t, engine) != 1 {
		t.Fatalf("expected one queued operation")
	}

	conn.offline.Store(false)
	result := engine.Drain(ctx)
	if !result.Success || result.SyncedCount != 1 || result.Remaining != 0 {
		t.Fatalf("expected the confirmed operation removed and counted, got %+v", result)
	}
	if applied := remote.appliedList(); len(applied) != 1 || applied[0] != `/entities/n1 {"title":"A"}` {
		t.Fatalf("unexpected applied list: %v", applied)
	}
}

func TestWriteReportsPersistedCache(t *testing.T) {
	engine, _ := newTestEngine(t, newFakeRemote(nil), Options{})
	written, err := engine.Write(context.Background(), "n1", map[string]string{"title": "A"}, Mutation{
		Method:   http.MethodPut,
		Endpoint: "/entities/n1",
	})
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if !written.CachePersisted || written.CacheError != "" {
		t.Fatalf("expected persisted cache, got %+v", written)
	}
}
