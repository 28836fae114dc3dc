package offlinesync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/agentworkforce/relaycache/internal/metrics"
)

const (
	defaultConcurrency = 1

	ReasonOffline   = "offline"
	ReasonCancelled = "cancelled"
	ReasonStorage   = "storage unavailable"
)

type Options struct {
	Cache        CacheStore
	Log          OperationLog
	Remote       RemoteStore
	Connectivity Connectivity
	Schemas      *PayloadSchemas
	Logger       Logger
	// MaxAttempts, when positive, caps transient failures per operation
	// before it is given up and its entity marked error. Zero or negative
	// retries forever.
	MaxAttempts int
	// Concurrency bounds how many targets replay in parallel. Operations for
	// one target always replay sequentially.
	Concurrency int
	// DrainInterval adds a periodic drain to Run. Zero disables it.
	DrainInterval time.Duration
	Now           func() time.Time
	NewID         func() string
}

type Engine struct {
	cache         CacheStore
	log           OperationLog
	remote        RemoteStore
	connectivity  Connectivity
	schemas       *PayloadSchemas
	logger        Logger
	tracker       *StatusTracker
	maxAttempts   int
	concurrency   int
	drainInterval time.Duration
	now           func() time.Time
	newID         func() string

	drainMu sync.Mutex
	kick    chan struct{}
	lastSeq atomic.Int64

	subMu   sync.Mutex
	nextSub int
	subs    map[int]func(DrainResult)
}

func NewEngine(opts Options) (*Engine, error) {
	if opts.Remote == nil {
		return nil, fmt.Errorf("%w: remote store is required", ErrInvalidInput)
	}
	cache := opts.Cache
	if cache == nil {
		cache = NewInMemoryCacheStore()
	}
	log := opts.Log
	if log == nil {
		log = NewInMemoryOperationLog(defaultLogCapacity)
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts < 0 {
		maxAttempts = 0
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	newID := opts.NewID
	if newID == nil {
		newID = func() string { return uuid.NewString() }
	}
	return &Engine{
		cache:         cache,
		log:           log,
		remote:        opts.Remote,
		connectivity:  opts.Connectivity,
		schemas:       opts.Schemas,
		logger:        opts.Logger,
		tracker:       NewStatusTracker(cache, log),
		maxAttempts:   maxAttempts,
		concurrency:   concurrency,
		drainInterval: opts.DrainInterval,
		now:           now,
		newID:         newID,
		kick:          make(chan struct{}, 1),
		subs:          map[int]func(DrainResult){},
	}, nil
}

func (e *Engine) Tracker() *StatusTracker {
	return e.tracker
}

// Upsert writes the optimistic local view of an entity. A failure means the
// view did not persist; callers may still enqueue the mutation.
func (e *Engine) Upsert(id string, snapshot json.RawMessage) (CachedEntity, error) {
	entity, err := e.cache.Upsert(id, snapshot)
	if err != nil {
		return CachedEntity{}, err
	}
	if status, statusErr := e.tracker.Status(entity.ID); statusErr == nil {
		entity.SyncStatus = status
	}
	return entity, nil
}

// Refresh caches a representation read from the remote store. Entities with
// queued operations keep their optimistic snapshot until those replay.
func (e *Engine) Refresh(id string, snapshot json.RawMessage) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return ErrInvalidInput
	}
	status, err := e.tracker.Status(id)
	if err == nil && status == StatusPending {
		return nil
	}
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	return e.cache.MarkSynced(id, snapshot)
}

func (e *Engine) Get(id string) (CachedEntity, bool, error) {
	entity, ok, err := e.cache.Get(id)
	if err != nil || !ok {
		return CachedEntity{}, ok, err
	}
	resolved, err := e.tracker.resolve([]CachedEntity{entity})
	if err != nil {
		return CachedEntity{}, false, err
	}
	return resolved[0], true, nil
}

func (e *Engine) List() ([]CachedEntity, error) {
	entities, err := e.cache.List()
	if err != nil {
		return nil, err
	}
	return e.tracker.resolve(entities)
}

func (e *Engine) Status(id string) (SyncStatus, error) {
	return e.tracker.Status(id)
}

func (e *Engine) Operations() ([]QueuedOperation, error) {
	return e.log.PeekAll()
}

func (e *Engine) Count() (int, error) {
	return e.log.Count()
}

// Enqueue validates and appends a mutation to the operation log. While
// online it also schedules a drain for Run to pick up.
func (e *Engine) Enqueue(ctx context.Context, m Mutation) (QueuedOperation, error) {
	if err := ctx.Err(); err != nil {
		return QueuedOperation{}, err
	}
	op, err := e.prepare(m)
	if err != nil {
		return QueuedOperation{}, err
	}
	return e.append(op)
}

// Write applies a local mutation: optimistic cache update, then enqueue.
// The mutation is validated first so a refused one leaves the cache alone.
// A cache failure does not stop the mutation from being queued; it is
// reported through WriteResult.CachePersisted.
func (e *Engine) Write(ctx context.Context, id string, snapshot any, m Mutation) (WriteResult, error) {
	if err := ctx.Err(); err != nil {
		return WriteResult{}, err
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return WriteResult{}, ErrInvalidInput
	}
	if strings.TrimSpace(m.TargetID) == "" {
		m.TargetID = id
	}
	op, err := e.prepare(m)
	if err != nil {
		return WriteResult{}, err
	}
	raw, err := encodePayload(snapshot)
	if err != nil {
		return WriteResult{}, err
	}
	result := WriteResult{CachePersisted: true}
	if _, err := e.cache.Upsert(id, raw); err != nil {
		e.logf("optimistic update for %s did not persist: %v", id, err)
		result.CachePersisted = false
		result.CacheError = err.Error()
	}
	stored, err := e.append(op)
	if err != nil {
		return WriteResult{}, err
	}
	result.QueuedOperation = stored
	return result, nil
}

func (e *Engine) prepare(m Mutation) (QueuedOperation, error) {
	method, err := normalizeMethod(m.Method)
	if err != nil {
		return QueuedOperation{}, err
	}
	endpoint := strings.TrimSpace(m.Endpoint)
	if endpoint == "" {
		return QueuedOperation{}, fmt.Errorf("%w: endpoint is required", ErrInvalidOperation)
	}
	payload, err := encodePayload(m.Payload)
	if err != nil {
		return QueuedOperation{}, err
	}
	if err := e.schemas.Validate(method, endpoint, payload); err != nil {
		return QueuedOperation{}, err
	}
	return QueuedOperation{
		ID:       e.newID(),
		TargetID: strings.TrimSpace(m.TargetID),
		Method:   method,
		Endpoint: endpoint,
		Payload:  payload,
	}, nil
}

func (e *Engine) append(op QueuedOperation) (QueuedOperation, error) {
	op.EnqueuedAt = e.now().UTC()
	stored, err := e.log.Append(op)
	if err != nil {
		return QueuedOperation{}, err
	}
	e.observeSeq(stored.Seq)
	e.refreshDepth()
	if !e.offline() {
		e.Kick()
	}
	return stored, nil
}

// Kick schedules a drain on the Run loop without blocking.
func (e *Engine) Kick() {
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

// SubscribeDrains registers fn for the result of every drain pass that
// reached the operation log.
func (e *Engine) SubscribeDrains(fn func(DrainResult)) (cancel func()) {
	if fn == nil {
		return func() {}
	}
	e.subMu.Lock()
	defer e.subMu.Unlock()
	e.nextSub++
	id := e.nextSub
	e.subs[id] = fn
	return func() {
		e.subMu.Lock()
		defer e.subMu.Unlock()
		delete(e.subs, id)
	}
}

// Drain replays a point-in-time snapshot of the operation log. Operations
// appended while the pass runs wait for the next call.
func (e *Engine) Drain(ctx context.Context) DrainResult {
	if e.offline() {
		return DrainResult{Success: false, Reason: ReasonOffline, Remaining: e.remaining()}
	}
	e.drainMu.Lock()
	defer e.drainMu.Unlock()
	if locker, ok := e.log.(DrainLocker); ok {
		unlock, err := locker.LockDrain(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return DrainResult{Success: false, Reason: ReasonCancelled, Remaining: e.remaining()}
			}
			e.logf("drain: lock operation log: %v", err)
			return DrainResult{Success: false, Reason: ReasonStorage, Remaining: e.remaining()}
		}
		defer unlock()
	}

	started := time.Now()
	ops, err := e.log.PeekAll()
	if err != nil {
		e.logf("drain: read operation log: %v", err)
		return DrainResult{Success: false, Reason: ReasonStorage, Remaining: -1}
	}
	for _, op := range ops {
		e.observeSeq(op.Seq)
	}

	tally := &drainTally{}
	group := new(errgroup.Group)
	group.SetLimit(e.concurrency)
	for _, ordered := range groupByTarget(ops) {
		ordered := ordered
		group.Go(func() error {
			e.drainGroup(ctx, ordered, tally)
			return nil
		})
	}
	_ = group.Wait()

	result := tally.snapshot()
	result.Success = true
	if ctx.Err() != nil {
		result.Success = false
		result.Reason = ReasonCancelled
	}
	result.Remaining = e.remaining()
	result.Duration = time.Since(started)
	metrics.ObserveDrain(result.Duration)
	if result.SyncedCount > 0 || result.FailedCount > 0 {
		e.logf("drain: synced=%d failed=%d discarded=%d deferred=%d remaining=%d",
			result.SyncedCount, result.FailedCount, result.DiscardedCount, result.DeferredCount, result.Remaining)
	}
	e.publish(result)
	return result
}

// drainGroup replays the operations of one target in order. After a
// transient failure the rest of the group waits for the next pass so the
// remote never sees a later mutation before an earlier one.
func (e *Engine) drainGroup(ctx context.Context, ops []QueuedOperation, tally *drainTally) {
	blocked := false
	for _, op := range ops {
		if ctx.Err() != nil {
			return
		}
		if blocked {
			tally.add(func(r *DrainResult) { r.DeferredCount++ })
			metrics.RecordOperation(metrics.OutcomeDeferred)
			continue
		}
		body, err := e.remote.Replay(ctx, op)
		if err == nil {
			e.confirm(op, body)
			tally.add(func(r *DrainResult) { r.SyncedCount++ })
			metrics.RecordOperation(metrics.OutcomeSynced)
			continue
		}
		if ctx.Err() != nil && !errors.Is(err, ErrRejected) {
			return
		}
		if errors.Is(err, ErrRejected) {
			e.discard(op, err.Error())
			tally.add(func(r *DrainResult) {
				r.FailedCount++
				r.DiscardedCount++
			})
			metrics.RecordOperation(metrics.OutcomeDiscarded)
			continue
		}
		if e.retry(op, err) {
			blocked = true
			tally.add(func(r *DrainResult) { r.FailedCount++ })
			metrics.RecordOperation(metrics.OutcomeFailed)
			continue
		}
		tally.add(func(r *DrainResult) {
			r.FailedCount++
			r.DiscardedCount++
		})
		metrics.RecordOperation(metrics.OutcomeGaveUp)
	}
}

func (e *Engine) confirm(op QueuedOperation, body json.RawMessage) {
	if err := e.log.Remove(op.ID); err != nil {
		// The operation replays again on the next pass; replays are idempotent.
		e.logf("drain: remove confirmed operation %s: %v", op.ID, err)
	}
	id := op.TargetID
	if id == "" {
		id = responseID(body)
	}
	if id == "" {
		return
	}
	if op.Method == http.MethodDelete && !e.hasQueued(id) {
		if err := e.cache.Delete(id); err != nil {
			e.logf("drain: delete cached %s: %v", id, err)
		}
		return
	}
	if err := e.cache.MarkSynced(id, authoritativeSnapshot(body)); err != nil {
		e.logf("drain: mark %s synced: %v", id, err)
	}
}

func (e *Engine) discard(op QueuedOperation, reason string) {
	if err := e.log.Remove(op.ID); err != nil {
		e.logf("drain: remove rejected operation %s: %v", op.ID, err)
	}
	e.logf("drain: %s %s rejected: %s", op.Method, op.Endpoint, reason)
	e.markError(op, reason)
}

// retry records a transient failure. It returns false when the operation hit
// the attempt cap and was given up instead.
func (e *Engine) retry(op QueuedOperation, cause error) bool {
	reason := cause.Error()
	attempts := op.Attempts + 1
	updated, err := e.log.RecordAttempt(op.ID, reason)
	if err != nil {
		e.logf("drain: record attempt for %s: %v", op.ID, err)
	} else {
		attempts = updated.Attempts
	}
	if e.maxAttempts > 0 && attempts >= e.maxAttempts {
		if err := e.log.Remove(op.ID); err != nil {
			e.logf("drain: remove exhausted operation %s: %v", op.ID, err)
		}
		e.logf("drain: gave up on %s %s after %d attempts: %s", op.Method, op.Endpoint, attempts, reason)
		e.markError(op, fmt.Sprintf("gave up after %d attempts: %s", attempts, reason))
		return false
	}
	e.markError(op, reason)
	return true
}

func (e *Engine) markError(op QueuedOperation, reason string) {
	if op.TargetID == "" {
		return
	}
	if err := e.cache.MarkError(op.TargetID, reason); err != nil {
		e.logf("drain: mark %s error: %v", op.TargetID, err)
	}
}

func (e *Engine) hasQueued(id string) bool {
	ops, err := e.log.PeekAll()
	if err != nil {
		return true
	}
	for _, op := range ops {
		if op.TargetID == id {
			return true
		}
	}
	return false
}

// Run drains on enqueue, on operation log file changes and on the optional
// interval until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	var changes <-chan struct{}
	if fileLog, ok := e.log.(fileBackedLog); ok {
		watcher, err := NewLogWatcher(fileLog.FilePath(), e.logger)
		if err != nil {
			e.logf("operation log watch disabled: %v", err)
		} else {
			go watcher.Run(ctx)
			changes = watcher.Changes()
		}
	}
	var tick <-chan time.Time
	if e.drainInterval > 0 {
		ticker := time.NewTicker(e.drainInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	e.drainIfOnline(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-e.kick:
			e.drainIfOnline(ctx)
		case <-changes:
			if e.hasNewOperations() {
				e.drainIfOnline(ctx)
			}
		case <-tick:
			e.drainIfOnline(ctx)
		}
	}
}

func (e *Engine) drainIfOnline(ctx context.Context) {
	if e.offline() {
		return
	}
	e.Drain(ctx)
}

// hasNewOperations reports whether the log holds operations appended since
// the last observed sequence. Rewrites by drain passes do not count.
func (e *Engine) hasNewOperations() bool {
	ops, err := e.log.PeekAll()
	if err != nil {
		return false
	}
	last := e.lastSeq.Load()
	for _, op := range ops {
		if op.Seq > last {
			return true
		}
	}
	return false
}

func (e *Engine) observeSeq(seq int64) {
	for {
		current := e.lastSeq.Load()
		if seq <= current || e.lastSeq.CompareAndSwap(current, seq) {
			return
		}
	}
}

func (e *Engine) publish(result DrainResult) {
	e.subMu.Lock()
	subs := make([]func(DrainResult), 0, len(e.subs))
	for _, fn := range e.subs {
		subs = append(subs, fn)
	}
	e.subMu.Unlock()
	for _, fn := range subs {
		fn(result)
	}
}

func (e *Engine) offline() bool {
	return e.connectivity != nil && e.connectivity.IsOffline()
}

func (e *Engine) remaining() int {
	count, err := e.log.Count()
	if err != nil {
		e.logf("count operation log: %v", err)
		return -1
	}
	metrics.SetOplogDepth(count)
	return count
}

func (e *Engine) refreshDepth() {
	_ = e.remaining()
}

func (e *Engine) logf(format string, args ...any) {
	if e.logger == nil {
		return
	}
	e.logger.Printf(format, args...)
}

type drainTally struct {
	mu     sync.Mutex
	totals DrainResult
}

func (t *drainTally) add(fn func(r *DrainResult)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fn(&t.totals)
}

func (t *drainTally) snapshot() DrainResult {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.totals
}

// groupByTarget splits a FIFO snapshot into ordering groups, keeping the
// order in which groups first appear.
func groupByTarget(ops []QueuedOperation) [][]QueuedOperation {
	index := map[string]int{}
	var groups [][]QueuedOperation
	for _, op := range ops {
		key := op.orderingKey()
		i, ok := index[key]
		if !ok {
			i = len(groups)
			index[key] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], op)
	}
	return groups
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch v := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if len(v) == 0 {
			return nil, nil
		}
		if !json.Valid(v) {
			return nil, fmt.Errorf("%w: payload is not valid json", ErrInvalidOperation)
		}
		return cloneRaw(v), nil
	case []byte:
		if len(v) == 0 {
			return nil, nil
		}
		if !json.Valid(v) {
			return nil, fmt.Errorf("%w: payload is not valid json", ErrInvalidOperation)
		}
		return append(json.RawMessage(nil), v...), nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("%w: encode payload: %v", ErrInvalidOperation, err)
		}
		return data, nil
	}
}

// authoritativeSnapshot keeps only bodies that can stand in for the entity.
func authoritativeSnapshot(body json.RawMessage) json.RawMessage {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" || trimmed == "null" || !json.Valid(body) {
		return nil
	}
	return json.RawMessage(trimmed)
}

func responseID(body json.RawMessage) string {
	if len(body) == 0 {
		return ""
	}
	var decoded struct {
		ID any `json:"id"`
	}
	if err := json.Unmarshal(body, &decoded); err != nil {
		return ""
	}
	switch v := decoded.ID.(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return ""
	}
}
