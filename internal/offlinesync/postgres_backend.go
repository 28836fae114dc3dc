package offlinesync

import (
	"context"
	"database/sql"
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	_ "github.com/lib/pq"
)

var postgresDialect = sqlDialect{
	name:     "postgres",
	driver:   "postgres",
	numbered: true,
	schema: func(entities, operations string) []string {
		return []string{
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					id TEXT PRIMARY KEY,
					snapshot TEXT,
					last_updated_at TEXT NOT NULL,
					sync_status TEXT NOT NULL,
					last_error TEXT NOT NULL DEFAULT '',
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				)`, entities),
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					seq BIGSERIAL PRIMARY KEY,
					id TEXT NOT NULL UNIQUE,
					target_id TEXT NOT NULL DEFAULT '',
					method TEXT NOT NULL,
					endpoint TEXT NOT NULL,
					payload TEXT,
					enqueued_at TEXT NOT NULL,
					attempts INTEGER NOT NULL DEFAULT 0,
					last_error TEXT NOT NULL DEFAULT '',
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				)`, operations),
			fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (target_id, seq)",
				sqlQuoteIdentifier(sqlOperationsTableName+"_target_seq_idx"), operations),
		}
	},
	quote: sqlQuoteIdentifier,
	appendLock: func(ctx context.Context, tx *sql.Tx, table string) error {
		_, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", postgresTableLockKey(table))
		return err
	},
	// Session-level lock on a dedicated connection, released by unlock.
	drainLock: func(ctx context.Context, db *sql.DB, table string) (func(), error) {
		conn, err := db.Conn(ctx)
		if err != nil {
			return nil, err
		}
		key := postgresTableLockKey(table + ":drain")
		if _, err := conn.ExecContext(ctx, "SELECT pg_advisory_lock($1)", key); err != nil {
			_ = conn.Close()
			return nil, err
		}
		return func() {
			unlockCtx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
			defer cancel()
			_, _ = conn.ExecContext(unlockCtx, "SELECT pg_advisory_unlock($1)", key)
			_ = conn.Close()
		}, nil
	},
}

func NewPostgresCacheStore(dsn string) (CacheStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &sqlCacheStore{
		backend: &sqlBackend{dialect: postgresDialect, dsn: dsn, openDB: sql.Open},
		now:     time.Now,
	}, nil
}

func NewPostgresOperationLog(dsn string, capacity int) (OperationLog, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	if capacity <= 0 {
		capacity = defaultLogCapacity
	}
	return &sqlOperationLog{
		backend:  &sqlBackend{dialect: postgresDialect, dsn: dsn, openDB: sql.Open},
		capacity: capacity,
	}, nil
}

func postgresTableLockKey(tableName string) int64 {
	hasher := fnv.New64a()
	_, _ = hasher.Write([]byte("relaycache"))
	_, _ = hasher.Write([]byte{0})
	_, _ = hasher.Write([]byte(strings.TrimSpace(tableName)))
	return int64(hasher.Sum64())
}
