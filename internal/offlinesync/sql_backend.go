package offlinesync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	sqlEntitiesTableName   = "relaycache_entities"
	sqlOperationsTableName = "relaycache_operations"
	sqlOperationTimeout    = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// sqlDialect captures what differs between the sqlite and postgres backends.
type sqlDialect struct {
	name       string
	driver     string
	numbered   bool
	schema     func(entities, operations string) []string
	quote      func(identifier string) string
	appendLock func(ctx context.Context, tx *sql.Tx, table string) error
	drainLock  func(ctx context.Context, db *sql.DB, table string) (func(), error)
	configure  func(db *sql.DB)
}

func (d sqlDialect) bind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

type sqlBackend struct {
	dialect sqlDialect
	dsn     string
	openDB  sqlOpenFunc
	// tablePrefix lets several deployments (or tests) share one database.
	tablePrefix string

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func (b *sqlBackend) ensureReady() error {
	if b == nil {
		return ErrInvalidInput
	}
	b.initOnce.Do(func() {
		db, err := b.openDB(b.dialect.driver, b.dsn)
		if err != nil {
			b.initErr = storageError("open "+b.dialect.name, err)
			return
		}
		if b.dialect.configure != nil {
			b.dialect.configure(db)
		}
		ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
		defer cancel()
		for _, stmt := range b.dialect.schema(b.table(sqlEntitiesTableName), b.table(sqlOperationsTableName)) {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				_ = db.Close()
				b.initErr = storageError("init "+b.dialect.name+" schema", err)
				return
			}
		}
		b.db = db
	})
	return b.initErr
}

func (b *sqlBackend) table(name string) string {
	return b.dialect.quote(b.tablePrefix + name)
}

func (b *sqlBackend) close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

type sqlCacheStore struct {
	backend *sqlBackend
	now     func() time.Time
}

func (s *sqlCacheStore) Upsert(id string, snapshot json.RawMessage) (CachedEntity, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return CachedEntity{}, ErrInvalidInput
	}
	entity := CachedEntity{
		ID:            id,
		Snapshot:      cloneRaw(snapshot),
		LastUpdatedAt: s.now().UTC(),
		SyncStatus:    StatusPending,
	}
	if err := s.write(entity); err != nil {
		return CachedEntity{}, err
	}
	return entity, nil
}

func (s *sqlCacheStore) Get(id string) (CachedEntity, bool, error) {
	if err := s.backend.ensureReady(); err != nil {
		return CachedEntity{}, false, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
	defer cancel()
	entity, ok, err := s.getWith(ctx, s.backend.db, strings.TrimSpace(id))
	if err != nil {
		return CachedEntity{}, false, storageError("read entity", err)
	}
	return entity, ok, nil
}

func (s *sqlCacheStore) List() ([]CachedEntity, error) {
	if err := s.backend.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
	defer cancel()
	query := fmt.Sprintf("SELECT id, snapshot, last_updated_at, sync_status, last_error FROM %s ORDER BY id", s.backend.table(sqlEntitiesTableName))
	rows, err := s.backend.db.QueryContext(ctx, query)
	if err != nil {
		return nil, storageError("list entities", err)
	}
	defer rows.Close()
	items := make([]CachedEntity, 0)
	for rows.Next() {
		entity, err := scanEntity(rows)
		if err != nil {
			return nil, storageError("scan entity", err)
		}
		items = append(items, entity)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError("list entities", err)
	}
	return items, nil
}

func (s *sqlCacheStore) MarkSynced(id string, snapshot json.RawMessage) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return ErrInvalidInput
	}
	return s.modify(id, func(current CachedEntity) CachedEntity {
		return markSynced(current, id, snapshot, s.now())
	})
}

func (s *sqlCacheStore) MarkError(id, reason string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return ErrInvalidInput
	}
	return s.modify(id, func(current CachedEntity) CachedEntity {
		return markError(current, id, reason)
	})
}

func (s *sqlCacheStore) Delete(id string) error {
	if err := s.backend.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
	defer cancel()
	query := s.backend.dialect.bind(fmt.Sprintf("DELETE FROM %s WHERE id = ?", s.backend.table(sqlEntitiesTableName)))
	_, err := s.backend.db.ExecContext(ctx, query, strings.TrimSpace(id))
	return storageError("delete entity", err)
}

func (s *sqlCacheStore) Close() error {
	return s.backend.close()
}

func (s *sqlCacheStore) write(entity CachedEntity) error {
	if err := s.backend.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
	defer cancel()
	return storageError("write entity", s.writeWith(ctx, s.backend.db, entity))
}

func (s *sqlCacheStore) modify(id string, fn func(current CachedEntity) CachedEntity) error {
	if err := s.backend.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
	defer cancel()
	tx, err := s.backend.db.BeginTx(ctx, nil)
	if err != nil {
		return storageError("begin", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	current, _, err := s.getWith(ctx, tx, id)
	if err != nil {
		return storageError("read entity", err)
	}
	if err := s.writeWith(ctx, tx, fn(current)); err != nil {
		return storageError("write entity", err)
	}
	if err := tx.Commit(); err != nil {
		return storageError("commit", err)
	}
	committed = true
	return nil
}

type sqlQueryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *sqlCacheStore) getWith(ctx context.Context, q sqlQueryer, id string) (CachedEntity, bool, error) {
	query := s.backend.dialect.bind(fmt.Sprintf("SELECT id, snapshot, last_updated_at, sync_status, last_error FROM %s WHERE id = ?", s.backend.table(sqlEntitiesTableName)))
	entity, err := scanEntity(q.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return CachedEntity{}, false, nil
	}
	if err != nil {
		return CachedEntity{}, false, err
	}
	return entity, true, nil
}

func (s *sqlCacheStore) writeWith(ctx context.Context, q sqlQueryer, entity CachedEntity) error {
	query := s.backend.dialect.bind(fmt.Sprintf(`
		INSERT INTO %s (id, snapshot, last_updated_at, sync_status, last_error)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id)
		DO UPDATE SET snapshot = EXCLUDED.snapshot,
			last_updated_at = EXCLUDED.last_updated_at,
			sync_status = EXCLUDED.sync_status,
			last_error = EXCLUDED.last_error`, s.backend.table(sqlEntitiesTableName)))
	_, err := q.ExecContext(ctx, query,
		entity.ID,
		nullableJSON(entity.Snapshot),
		entity.LastUpdatedAt.UTC().Format(time.RFC3339Nano),
		string(entity.SyncStatus),
		entity.LastError,
	)
	return err
}

type sqlOperationLog struct {
	backend  *sqlBackend
	capacity int
	// drainLockPath, when set, is a sidecar file locked for drain passes.
	drainLockPath string
}

func (l *sqlOperationLog) LockDrain(ctx context.Context) (func(), error) {
	if l.drainLockPath != "" {
		return lockFile(l.drainLockPath)
	}
	if l.backend.dialect.drainLock == nil {
		return func() {}, nil
	}
	if err := l.backend.ensureReady(); err != nil {
		return nil, err
	}
	unlock, err := l.backend.dialect.drainLock(ctx, l.backend.db, l.backend.tablePrefix+sqlOperationsTableName)
	if err != nil {
		return nil, storageError("lock drain", err)
	}
	return unlock, nil
}

func (l *sqlOperationLog) Append(op QueuedOperation) (QueuedOperation, error) {
	if err := validateQueuedOperation(op); err != nil {
		return QueuedOperation{}, err
	}
	if err := l.backend.ensureReady(); err != nil {
		return QueuedOperation{}, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
	defer cancel()

	tx, err := l.backend.db.BeginTx(ctx, nil)
	if err != nil {
		return QueuedOperation{}, storageError("begin", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	table := l.backend.table(sqlOperationsTableName)
	if l.backend.dialect.appendLock != nil {
		if err := l.backend.dialect.appendLock(ctx, tx, l.backend.tablePrefix+sqlOperationsTableName); err != nil {
			return QueuedOperation{}, storageError("lock operation log", err)
		}
	}
	var depth int
	if err := tx.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", table)).Scan(&depth); err != nil {
		return QueuedOperation{}, storageError("count operations", err)
	}
	if depth >= l.capacity {
		return QueuedOperation{}, ErrQueueFull
	}
	insert := l.backend.dialect.bind(fmt.Sprintf(`
		INSERT INTO %s (id, target_id, method, endpoint, payload, enqueued_at, attempts, last_error)
		VALUES (?, ?, ?, ?, ?, ?, 0, '')
		RETURNING seq`, table))
	var seq int64
	err = tx.QueryRowContext(ctx, insert,
		op.ID,
		op.TargetID,
		op.Method,
		op.Endpoint,
		nullableJSON(op.Payload),
		op.EnqueuedAt.UTC().Format(time.RFC3339Nano),
	).Scan(&seq)
	if err != nil {
		return QueuedOperation{}, storageError("insert operation", err)
	}
	if err := tx.Commit(); err != nil {
		return QueuedOperation{}, storageError("commit", err)
	}
	committed = true
	op.Seq = seq
	op.Attempts = 0
	op.LastError = ""
	return op, nil
}

func (l *sqlOperationLog) PeekAll() ([]QueuedOperation, error) {
	if err := l.backend.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
	defer cancel()
	query := fmt.Sprintf(`
		SELECT seq, id, target_id, method, endpoint, payload, enqueued_at, attempts, last_error
		FROM %s
		ORDER BY seq ASC`, l.backend.table(sqlOperationsTableName))
	rows, err := l.backend.db.QueryContext(ctx, query)
	if err != nil {
		return nil, storageError("list operations", err)
	}
	defer rows.Close()
	items := make([]QueuedOperation, 0)
	for rows.Next() {
		var (
			op         QueuedOperation
			payload    sql.NullString
			enqueuedAt string
		)
		if err := rows.Scan(&op.Seq, &op.ID, &op.TargetID, &op.Method, &op.Endpoint, &payload, &enqueuedAt, &op.Attempts, &op.LastError); err != nil {
			return nil, storageError("scan operation", err)
		}
		if payload.Valid {
			op.Payload = json.RawMessage(payload.String)
		}
		op.EnqueuedAt, _ = time.Parse(time.RFC3339Nano, enqueuedAt)
		items = append(items, op)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError("list operations", err)
	}
	sortOperations(items)
	return items, nil
}

func (l *sqlOperationLog) Remove(id string) error {
	if err := l.backend.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
	defer cancel()
	query := l.backend.dialect.bind(fmt.Sprintf("DELETE FROM %s WHERE id = ?", l.backend.table(sqlOperationsTableName)))
	_, err := l.backend.db.ExecContext(ctx, query, id)
	return storageError("remove operation", err)
}

func (l *sqlOperationLog) RecordAttempt(id, lastError string) (QueuedOperation, error) {
	if err := l.backend.ensureReady(); err != nil {
		return QueuedOperation{}, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
	defer cancel()
	query := l.backend.dialect.bind(fmt.Sprintf(`
		UPDATE %s SET attempts = attempts + 1, last_error = ?
		WHERE id = ?
		RETURNING seq, target_id, method, endpoint, payload, enqueued_at, attempts`, l.backend.table(sqlOperationsTableName)))
	var (
		op         = QueuedOperation{ID: id, LastError: lastError}
		payload    sql.NullString
		enqueuedAt string
	)
	err := l.backend.db.QueryRowContext(ctx, query, lastError, id).Scan(&op.Seq, &op.TargetID, &op.Method, &op.Endpoint, &payload, &enqueuedAt, &op.Attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return QueuedOperation{}, fmt.Errorf("%w: operation %s", ErrNotFound, id)
	}
	if err != nil {
		return QueuedOperation{}, storageError("record attempt", err)
	}
	if payload.Valid {
		op.Payload = json.RawMessage(payload.String)
	}
	op.EnqueuedAt, _ = time.Parse(time.RFC3339Nano, enqueuedAt)
	return op, nil
}

func (l *sqlOperationLog) Count() (int, error) {
	if err := l.backend.ensureReady(); err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
	defer cancel()
	var depth int
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s", l.backend.table(sqlOperationsTableName))
	if err := l.backend.db.QueryRowContext(ctx, query).Scan(&depth); err != nil {
		return 0, storageError("count operations", err)
	}
	return depth, nil
}

func (l *sqlOperationLog) Close() error {
	return l.backend.close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntity(row rowScanner) (CachedEntity, error) {
	var (
		entity    CachedEntity
		snapshot  sql.NullString
		updatedAt string
		status    string
	)
	if err := row.Scan(&entity.ID, &snapshot, &updatedAt, &status, &entity.LastError); err != nil {
		return CachedEntity{}, err
	}
	if snapshot.Valid {
		entity.Snapshot = json.RawMessage(snapshot.String)
	}
	entity.LastUpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	entity.SyncStatus = SyncStatus(status)
	return entity, nil
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
