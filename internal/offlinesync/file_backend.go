package offlinesync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// The file backends re-read the document on every call so that several
// processes (the daemon and one-shot CLI invocations) can share one file.
// Each read-modify-write holds the in-process mutex and an advisory lock on
// a sidecar ".lock" file.

type fileCacheStore struct {
	path string
	now  func() time.Time
	mu   sync.Mutex
}

type fileOperationLog struct {
	path     string
	capacity int
	mu       sync.Mutex
}

type fileCacheState struct {
	Entities map[string]CachedEntity `json:"entities"`
}

type fileOperationLogState struct {
	NextSeq int64             `json:"nextSeq"`
	Items   []QueuedOperation `json:"items"`
}

func NewFileCacheStore(path string) (CacheStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	s := &fileCacheStore{path: path, now: time.Now}
	// Surface a corrupt document at open time rather than on first write.
	if _, err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func NewFileOperationLog(path string, capacity int) (OperationLog, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if capacity <= 0 {
		capacity = defaultLogCapacity
	}
	l := &fileOperationLog{path: path, capacity: capacity}
	if _, err := l.load(); err != nil {
		return nil, err
	}
	return l, nil
}

// LockDrain holds a sidecar ".drain.lock" for the length of a drain pass so
// the daemon and a CLI drain sharing this file take turns.
func (l *fileOperationLog) LockDrain(context.Context) (func(), error) {
	unlock, err := lockFile(l.path + ".drain.lock")
	if err != nil {
		return nil, storageError("lock drain", err)
	}
	return unlock, nil
}

// FilePath reports the document path; LogWatcher uses it.
func (l *fileOperationLog) FilePath() string {
	return l.path
}

func (s *fileCacheStore) Upsert(id string, snapshot json.RawMessage) (CachedEntity, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return CachedEntity{}, ErrInvalidInput
	}
	var out CachedEntity
	err := s.update(func(state *fileCacheState) {
		out = CachedEntity{
			ID:            id,
			Snapshot:      cloneRaw(snapshot),
			LastUpdatedAt: s.now().UTC(),
			SyncStatus:    StatusPending,
		}
		state.Entities[id] = out
	})
	if err != nil {
		return CachedEntity{}, err
	}
	return out, nil
}

func (s *fileCacheStore) Get(id string) (CachedEntity, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, err := s.load()
	if err != nil {
		return CachedEntity{}, false, err
	}
	entity, ok := state.Entities[strings.TrimSpace(id)]
	return entity, ok, nil
}

func (s *fileCacheStore) List() ([]CachedEntity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, err := s.load()
	if err != nil {
		return nil, err
	}
	items := make([]CachedEntity, 0, len(state.Entities))
	for _, entity := range state.Entities {
		items = append(items, entity)
	}
	sortEntities(items)
	return items, nil
}

func (s *fileCacheStore) MarkSynced(id string, snapshot json.RawMessage) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return ErrInvalidInput
	}
	return s.update(func(state *fileCacheState) {
		state.Entities[id] = markSynced(state.Entities[id], id, snapshot, s.now())
	})
}

func (s *fileCacheStore) MarkError(id, reason string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return ErrInvalidInput
	}
	return s.update(func(state *fileCacheState) {
		state.Entities[id] = markError(state.Entities[id], id, reason)
	})
}

func (s *fileCacheStore) Delete(id string) error {
	return s.update(func(state *fileCacheState) {
		delete(state.Entities, strings.TrimSpace(id))
	})
}

func (s *fileCacheStore) Close() error {
	return nil
}

func (s *fileCacheStore) update(fn func(state *fileCacheState)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	unlock, err := lockFile(s.path + ".lock")
	if err != nil {
		return storageError("lock cache file", err)
	}
	defer unlock()
	state, err := s.load()
	if err != nil {
		return err
	}
	fn(&state)
	return storageError("save cache file", saveJSONFile(s.path, state))
}

func (s *fileCacheStore) load() (fileCacheState, error) {
	state := fileCacheState{Entities: map[string]CachedEntity{}}
	if err := loadJSONFile(s.path, &state); err != nil {
		return fileCacheState{}, storageError("load cache file", err)
	}
	if state.Entities == nil {
		state.Entities = map[string]CachedEntity{}
	}
	return state, nil
}

func (l *fileOperationLog) Append(op QueuedOperation) (QueuedOperation, error) {
	if err := validateQueuedOperation(op); err != nil {
		return QueuedOperation{}, err
	}
	var out QueuedOperation
	err := l.update(func(state *fileOperationLogState) error {
		if len(state.Items) >= l.capacity {
			return ErrQueueFull
		}
		state.NextSeq++
		op.Seq = state.NextSeq
		state.Items = append(state.Items, op)
		out = op
		return nil
	})
	if err != nil {
		return QueuedOperation{}, err
	}
	return out, nil
}

func (l *fileOperationLog) PeekAll() ([]QueuedOperation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	state, err := l.load()
	if err != nil {
		return nil, err
	}
	items := append([]QueuedOperation(nil), state.Items...)
	sortOperations(items)
	return items, nil
}

func (l *fileOperationLog) Remove(id string) error {
	return l.update(func(state *fileOperationLogState) error {
		for i, op := range state.Items {
			if op.ID == id {
				state.Items = append(state.Items[:i], state.Items[i+1:]...)
				return nil
			}
		}
		return nil
	})
}

func (l *fileOperationLog) RecordAttempt(id, lastError string) (QueuedOperation, error) {
	var out QueuedOperation
	err := l.update(func(state *fileOperationLogState) error {
		for i := range state.Items {
			if state.Items[i].ID == id {
				state.Items[i].Attempts++
				state.Items[i].LastError = lastError
				out = state.Items[i]
				return nil
			}
		}
		return fmt.Errorf("%w: operation %s", ErrNotFound, id)
	})
	if err != nil {
		return QueuedOperation{}, err
	}
	return out, nil
}

func (l *fileOperationLog) Count() (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	state, err := l.load()
	if err != nil {
		return 0, err
	}
	return len(state.Items), nil
}

func (l *fileOperationLog) Close() error {
	return nil
}

func (l *fileOperationLog) update(fn func(state *fileOperationLogState) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	unlock, err := lockFile(l.path + ".lock")
	if err != nil {
		return storageError("lock operation log", err)
	}
	defer unlock()
	state, err := l.load()
	if err != nil {
		return err
	}
	if err := fn(&state); err != nil {
		return err
	}
	return storageError("save operation log", saveJSONFile(l.path, state))
}

func (l *fileOperationLog) load() (fileOperationLogState, error) {
	var state fileOperationLogState
	if err := loadJSONFile(l.path, &state); err != nil {
		return fileOperationLogState{}, storageError("load operation log", err)
	}
	return state, nil
}

func loadJSONFile(path string, dst any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, dst)
}

func saveJSONFile(path string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return writeFileAtomic(path, data, 0o644)
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
