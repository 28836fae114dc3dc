package offlinesync

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"
)

type InMemoryCacheStore struct {
	mu       sync.Mutex
	now      func() time.Time
	entities map[string]CachedEntity
}

func NewInMemoryCacheStore() *InMemoryCacheStore {
	return &InMemoryCacheStore{
		now:      time.Now,
		entities: map[string]CachedEntity{},
	}
}

func (s *InMemoryCacheStore) Upsert(id string, snapshot json.RawMessage) (CachedEntity, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return CachedEntity{}, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entity := CachedEntity{
		ID:            id,
		Snapshot:      cloneRaw(snapshot),
		LastUpdatedAt: s.now().UTC(),
		SyncStatus:    StatusPending,
	}
	s.entities[id] = entity
	return cloneEntity(entity), nil
}

func (s *InMemoryCacheStore) Get(id string) (CachedEntity, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entity, ok := s.entities[strings.TrimSpace(id)]
	if !ok {
		return CachedEntity{}, false, nil
	}
	return cloneEntity(entity), true, nil
}

func (s *InMemoryCacheStore) List() ([]CachedEntity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := make([]CachedEntity, 0, len(s.entities))
	for _, entity := range s.entities {
		items = append(items, cloneEntity(entity))
	}
	sortEntities(items)
	return items, nil
}

func (s *InMemoryCacheStore) MarkSynced(id string, snapshot json.RawMessage) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entities[id] = markSynced(s.entities[id], id, snapshot, s.now())
	return nil
}

func (s *InMemoryCacheStore) MarkError(id, reason string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entities[id] = markError(s.entities[id], id, reason)
	return nil
}

func (s *InMemoryCacheStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entities, strings.TrimSpace(id))
	return nil
}

func (s *InMemoryCacheStore) Close() error {
	return nil
}

type InMemoryOperationLog struct {
	mu       sync.Mutex
	capacity int
	nextSeq  int64
	items    []QueuedOperation
}

func NewInMemoryOperationLog(capacity int) *InMemoryOperationLog {
	if capacity <= 0 {
		capacity = defaultLogCapacity
	}
	return &InMemoryOperationLog{capacity: capacity}
}

func (l *InMemoryOperationLog) Append(op QueuedOperation) (QueuedOperation, error) {
	if err := validateQueuedOperation(op); err != nil {
		return QueuedOperation{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.items) >= l.capacity {
		return QueuedOperation{}, ErrQueueFull
	}
	l.nextSeq++
	op.Seq = l.nextSeq
	op.Payload = cloneRaw(op.Payload)
	l.items = append(l.items, op)
	return op, nil
}

func (l *InMemoryOperationLog) PeekAll() ([]QueuedOperation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]QueuedOperation, 0, len(l.items))
	for _, op := range l.items {
		op.Payload = cloneRaw(op.Payload)
		out = append(out, op)
	}
	sortOperations(out)
	return out, nil
}

func (l *InMemoryOperationLog) Remove(id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, op := range l.items {
		if op.ID == id {
			l.items = append(l.items[:i], l.items[i+1:]...)
			return nil
		}
	}
	return nil
}

func (l *InMemoryOperationLog) RecordAttempt(id, lastError string) (QueuedOperation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.items {
		if l.items[i].ID == id {
			l.items[i].Attempts++
			l.items[i].LastError = lastError
			return l.items[i], nil
		}
	}
	return QueuedOperation{}, fmt.Errorf("%w: operation %s", ErrNotFound, id)
}

func (l *InMemoryOperationLog) Count() (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.items), nil
}

func (l *InMemoryOperationLog) Close() error {
	return nil
}

const defaultLogCapacity = 10000

func cloneEntity(entity CachedEntity) CachedEntity {
	entity.Snapshot = cloneRaw(entity.Snapshot)
	return entity
}

// markSynced and markError are the shared transitions used by every cache
// backend. A missing entity is created so remote outcomes for ids that were
// never read locally are still visible.
func markSynced(current CachedEntity, id string, snapshot json.RawMessage, now time.Time) CachedEntity {
	current.ID = id
	if len(snapshot) > 0 {
		current.Snapshot = cloneRaw(snapshot)
		current.LastUpdatedAt = now.UTC()
	}
	if current.LastUpdatedAt.IsZero() {
		current.LastUpdatedAt = now.UTC()
	}
	current.SyncStatus = StatusSynced
	current.LastError = ""
	return current
}

func markError(current CachedEntity, id, reason string) CachedEntity {
	current.ID = id
	current.SyncStatus = StatusError
	current.LastError = reason
	return current
}
