package offlinesync

import (
	"strings"
	"sync"
)

type CacheStoreFactory func(dsn string) (CacheStore, error)
type OperationLogFactory func(dsn string, capacity int) (OperationLog, error)

var backendFactoryRegistry = struct {
	mu             sync.RWMutex
	cacheFactories map[string]CacheStoreFactory
	logFactories   map[string]OperationLogFactory
}{
	cacheFactories: map[string]CacheStoreFactory{},
	logFactories:   map[string]OperationLogFactory{},
}

func RegisterCacheStoreFactory(scheme string, factory CacheStoreFactory) {
	scheme = normalizeBackendScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	backendFactoryRegistry.mu.Lock()
	defer backendFactoryRegistry.mu.Unlock()
	backendFactoryRegistry.cacheFactories[scheme] = factory
}

func RegisterOperationLogFactory(scheme string, factory OperationLogFactory) {
	scheme = normalizeBackendScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	backendFactoryRegistry.mu.Lock()
	defer backendFactoryRegistry.mu.Unlock()
	backendFactoryRegistry.logFactories[scheme] = factory
}

func lookupCacheStoreFactory(scheme string) (CacheStoreFactory, bool) {
	scheme = normalizeBackendScheme(scheme)
	backendFactoryRegistry.mu.RLock()
	defer backendFactoryRegistry.mu.RUnlock()
	factory, ok := backendFactoryRegistry.cacheFactories[scheme]
	return factory, ok
}

func lookupOperationLogFactory(scheme string) (OperationLogFactory, bool) {
	scheme = normalizeBackendScheme(scheme)
	backendFactoryRegistry.mu.RLock()
	defer backendFactoryRegistry.mu.RUnlock()
	factory, ok := backendFactoryRegistry.logFactories[scheme]
	return factory, ok
}

func normalizeBackendScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}
