package offlinesync

import (
	"database/sql"
	"fmt"
	"net/url"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

var sqliteDialect = sqlDialect{
	name:   "sqlite",
	driver: "sqlite",
	schema: func(entities, operations string) []string {
		return []string{
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					id TEXT PRIMARY KEY,
					snapshot TEXT,
					last_updated_at TEXT NOT NULL,
					sync_status TEXT NOT NULL,
					last_error TEXT NOT NULL DEFAULT ''
				)`, entities),
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					seq INTEGER PRIMARY KEY AUTOINCREMENT,
					id TEXT NOT NULL UNIQUE,
					target_id TEXT NOT NULL DEFAULT '',
					method TEXT NOT NULL,
					endpoint TEXT NOT NULL,
					payload TEXT,
					enqueued_at TEXT NOT NULL,
					attempts INTEGER NOT NULL DEFAULT 0,
					last_error TEXT NOT NULL DEFAULT ''
				)`, operations),
		}
	},
	quote: sqlQuoteIdentifier,
	configure: func(db *sql.DB) {
		// One connection serializes writers inside this process; the
		// busy timeout covers the other processes sharing the file.
		db.SetMaxOpenConns(1)
	},
}

// NewSQLiteCacheStore opens (or creates) the cache tables in the sqlite
// database at path. The cache and the operation log may share one file.
func NewSQLiteCacheStore(path string) (CacheStore, error) {
	dsn, err := sqliteDSN(path)
	if err != nil {
		return nil, err
	}
	return &sqlCacheStore{
		backend: &sqlBackend{dialect: sqliteDialect, dsn: dsn, openDB: sql.Open},
		now:     time.Now,
	}, nil
}

func NewSQLiteOperationLog(path string, capacity int) (OperationLog, error) {
	dsn, err := sqliteDSN(path)
	if err != nil {
		return nil, err
	}
	if capacity <= 0 {
		capacity = defaultLogCapacity
	}
	return &sqlOperationLog{
		backend:       &sqlBackend{dialect: sqliteDialect, dsn: dsn, openDB: sql.Open},
		capacity:      capacity,
		drainLockPath: strings.TrimSpace(path) + ".drain.lock",
	}, nil
}

func sqliteDSN(path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", ErrInvalidInput
	}
	q := url.Values{}
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "journal_mode(WAL)")
	return "file:" + path + "?" + q.Encode(), nil
}

func sqlQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
