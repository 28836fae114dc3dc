package offlinesync

import (
	"fmt"
	"sort"
	"strings"
)

// StatusTracker derives per-entity sync status from the cache and the
// operation log on every call. It keeps no state of its own.
type StatusTracker struct {
	cache CacheStore
	log   OperationLog
}

type StatusSummary struct {
	Synced  int `json:"synced" yaml:"synced"`
	Pending int `json:"pending" yaml:"pending"`
	Error   int `json:"error" yaml:"error"`
	Queued  int `json:"queued" yaml:"queued"`
}

func NewStatusTracker(cache CacheStore, log OperationLog) *StatusTracker {
	return &StatusTracker{cache: cache, log: log}
}

// Status reports pending when any queued operation targets id, error when
// the last recorded outcome for id failed, and synced otherwise. Ids that
// are neither cached nor queued return ErrNotFound.
func (t *StatusTracker) Status(id string) (SyncStatus, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", ErrInvalidInput
	}
	queued, err := t.queuedTargets()
	if err != nil {
		return "", err
	}
	entity, ok, err := t.cache.Get(id)
	if err != nil {
		return "", err
	}
	if !ok && queued[id] == 0 {
		return "", fmt.Errorf("%w: entity %s", ErrNotFound, id)
	}
	return deriveStatus(entity, queued[id]), nil
}

// Statuses covers every cached entity plus targets that only exist in the
// operation log.
func (t *StatusTracker) Statuses() (map[string]SyncStatus, error) {
	queued, err := t.queuedTargets()
	if err != nil {
		return nil, err
	}
	entities, err := t.cache.List()
	if err != nil {
		return nil, err
	}
	out := make(map[string]SyncStatus, len(entities)+len(queued))
	for _, entity := range entities {
		out[entity.ID] = deriveStatus(entity, queued[entity.ID])
	}
	for id := range queued {
		if _, ok := out[id]; !ok {
			out[id] = StatusPending
		}
	}
	return out, nil
}

func (t *StatusTracker) Summary() (StatusSummary, error) {
	statuses, err := t.Statuses()
	if err != nil {
		return StatusSummary{}, err
	}
	count, err := t.log.Count()
	if err != nil {
		return StatusSummary{}, err
	}
	summary := StatusSummary{Queued: count}
	for _, status := range statuses {
		switch status {
		case StatusPending:
			summary.Pending++
		case StatusError:
			summary.Error++
		default:
			summary.Synced++
		}
	}
	return summary, nil
}

// resolve applies derived statuses to a list of entities.
func (t *StatusTracker) resolve(entities []CachedEntity) ([]CachedEntity, error) {
	queued, err := t.queuedTargets()
	if err != nil {
		return nil, err
	}
	for i := range entities {
		entities[i].SyncStatus = deriveStatus(entities[i], queued[entities[i].ID])
	}
	sort.Slice(entities, func(i, j int) bool {
		return entities[i].ID < entities[j].ID
	})
	return entities, nil
}

func (t *StatusTracker) queuedTargets() (map[string]int, error) {
	ops, err := t.log.PeekAll()
	if err != nil {
		return nil, err
	}
	targets := make(map[string]int, len(ops))
	for _, op := range ops {
		if op.TargetID != "" {
			targets[op.TargetID]++
		}
	}
	return targets, nil
}

func deriveStatus(entity CachedEntity, queued int) SyncStatus {
	if queued > 0 {
		return StatusPending
	}
	if entity.SyncStatus == StatusError {
		return StatusError
	}
	return StatusSynced
}
