package offlinesync

import (
	"fmt"
	"net/url"
	"strings"
)

// BuildCacheStoreFromDSN picks a cache backend from the DSN scheme:
// memory://, file:///path (or a bare path), sqlite:///path, postgres://...
func BuildCacheStoreFromDSN(dsn string) (CacheStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewInMemoryCacheStore(), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeBackendScheme(parsed.Scheme)
	if factory, ok := lookupCacheStoreFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFileCacheStore(path)
	case "memory", "mem", "inmem":
		return NewInMemoryCacheStore(), nil
	case "sqlite", "sqlite3":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewSQLiteCacheStore(path)
	case "postgres", "postgresql":
		return NewPostgresCacheStore(dsn)
	case "indexeddb", "redis":
		return nil, fmt.Errorf("%w: cache backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported cache backend scheme: %s", scheme)
	}
}

func BuildOperationLogFromDSN(dsn string, capacity int) (OperationLog, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewInMemoryOperationLog(capacity), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeBackendScheme(parsed.Scheme)
	if factory, ok := lookupOperationLogFactory(scheme); ok {
		return factory(dsn, capacity)
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFileOperationLog(path, capacity)
	case "memory", "mem", "inmem":
		return NewInMemoryOperationLog(capacity), nil
	case "sqlite", "sqlite3":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewSQLiteOperationLog(path, capacity)
	case "postgres", "postgresql":
		return NewPostgresOperationLog(dsn, capacity)
	case "nats", "kafka", "sqs":
		return nil, fmt.Errorf("%w: operation log backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported operation log scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidInput
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", ErrInvalidInput
		}
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Path)
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Host)
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}
