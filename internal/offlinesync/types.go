package offlinesync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrInvalidInput     = errors.New("invalid input")
	ErrInvalidOperation = errors.New("invalid operation")
	ErrStorage          = errors.New("local storage unavailable")
	ErrRejected         = errors.New("remote rejected operation")
	ErrQueueFull        = errors.New("queue full")
	ErrNotImplemented   = errors.New("not implemented")
)

type SyncStatus string

const (
	StatusSynced  SyncStatus = "synced"
	StatusPending SyncStatus = "pending"
	StatusError   SyncStatus = "error"
)

type CachedEntity struct {
	ID            string          `json:"id"`
	Snapshot      json.RawMessage `json:"snapshot,omitempty"`
	LastUpdatedAt time.Time       `json:"lastUpdatedAt"`
	SyncStatus    SyncStatus      `json:"syncStatus"`
	LastError     string          `json:"lastError,omitempty"`
}

type QueuedOperation struct {
	ID         string          `json:"id"`
	Seq        int64           `json:"seq"`
	TargetID   string          `json:"targetId,omitempty"`
	Method     string          `json:"method"`
	Endpoint   string          `json:"endpoint"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
	Attempts   int             `json:"attempts"`
	LastError  string          `json:"lastError,omitempty"`
}

// orderingKey groups operations that must replay in enqueue order relative
// to each other. Creations have no target yet, so each is its own group.
func (op QueuedOperation) orderingKey() string {
	if op.TargetID != "" {
		return "target:" + op.TargetID
	}
	return "op:" + op.ID
}

// WriteResult is the queued operation plus whether the optimistic local view
// persisted. The mutation replays either way; with CachePersisted false only
// local reads are stale until the drain confirms it.
type WriteResult struct {
	QueuedOperation
	CachePersisted bool   `json:"cachePersisted"`
	CacheError     string `json:"cacheError,omitempty"`
}

// Mutation is what the application hands to Enqueue.
type Mutation struct {
	TargetID string
	Method   string
	Endpoint string
	Payload  any
}

type DrainResult struct {
	Success        bool          `json:"success"`
	Reason         string        `json:"reason,omitempty"`
	SyncedCount    int           `json:"syncedCount"`
	FailedCount    int           `json:"failedCount"`
	DiscardedCount int           `json:"discardedCount"`
	DeferredCount  int           `json:"deferredCount"`
	Remaining      int           `json:"remaining"`
	Duration       time.Duration `json:"duration"`
}

type CacheStore interface {
	Upsert(id string, snapshot json.RawMessage) (CachedEntity, error)
	Get(id string) (CachedEntity, bool, error)
	List() ([]CachedEntity, error)
	MarkSynced(id string, snapshot json.RawMessage) error
	MarkError(id, reason string) error
	Delete(id string) error
	Close() error
}

type OperationLog interface {
	Append(op QueuedOperation) (QueuedOperation, error)
	PeekAll() ([]QueuedOperation, error)
	Remove(id string) error
	RecordAttempt(id, lastError string) (QueuedOperation, error)
	Count() (int, error)
	Close() error
}

// DrainLocker is implemented by operation logs that several processes can
// share. LockDrain blocks until no other drain pass holds the log; the engine
// holds it for a whole pass so two passes never replay the same snapshot.
type DrainLocker interface {
	LockDrain(ctx context.Context) (unlock func(), err error)
}

// RemoteStore replays one queued mutation. A nil error means the remote
// store confirmed it; the returned body, when non-empty, is the
// authoritative entity representation. Errors matching ErrRejected are
// terminal, everything else is retried on a later drain.
type RemoteStore interface {
	Replay(ctx context.Context, op QueuedOperation) (json.RawMessage, error)
}

type Connectivity interface {
	IsOffline() bool
}

type Logger interface {
	Printf(format string, args ...any)
}

func normalizeMethod(method string) (string, error) {
	method = strings.ToUpper(strings.TrimSpace(method))
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return method, nil
	case "":
		return "", fmt.Errorf("%w: method is required", ErrInvalidOperation)
	default:
		return "", fmt.Errorf("%w: method %s cannot be queued", ErrInvalidOperation, method)
	}
}

func validateQueuedOperation(op QueuedOperation) error {
	if strings.TrimSpace(op.ID) == "" {
		return fmt.Errorf("%w: operation id is required", ErrInvalidOperation)
	}
	if _, err := normalizeMethod(op.Method); err != nil {
		return err
	}
	if strings.TrimSpace(op.Endpoint) == "" {
		return fmt.Errorf("%w: endpoint is required", ErrInvalidOperation)
	}
	if len(op.Payload) > 0 && !json.Valid(op.Payload) {
		return fmt.Errorf("%w: payload is not valid json", ErrInvalidOperation)
	}
	return nil
}

// sortOperations orders by enqueue time, then by insertion sequence.
func sortOperations(ops []QueuedOperation) {
	sort.SliceStable(ops, func(i, j int) bool {
		if !ops[i].EnqueuedAt.Equal(ops[j].EnqueuedAt) {
			return ops[i].EnqueuedAt.Before(ops[j].EnqueuedAt)
		}
		return ops[i].Seq < ops[j].Seq
	})
}

func sortEntities(items []CachedEntity) {
	sort.Slice(items, func(i, j int) bool {
		return items[i].ID < items[j].ID
	})
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	return append(json.RawMessage(nil), raw...)
}

func storageError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStorage) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrStorage, op, err)
}
