package offsync

import (
	"fmt"
	"net/url"
	"strings"
)

// BuildActionStoreFromDSN selects the queue backend by DSN scheme. The engine
// logic is identical across backends; only durability differs:
//
//	memory:                   volatile, tests and previews
//	file:/path/queue.json     single-file JSON, browser-profile class targets
//	sqlite:/path/offsync.db   embedded sqlite, mobile/desktop targets
//	postgres://...            shared server-side deployments
func BuildActionStoreFromDSN(dsn string, capacity int) (ActionStore, error) {
	scheme, path, err := splitStorageDSN(dsn)
	if err != nil {
		return nil, err
	}
	switch scheme {
	case "memory", "mem", "inmem":
		return NewMemoryActionStore(capacity), nil
	case "", "file":
		return NewFileActionStore(path, capacity)
	case "sqlite":
		return NewSQLiteActionStore(path, capacity)
	case "postgres", "postgresql":
		return NewPostgresActionStore(dsn, capacity)
	case "redis", "mysql":
		return nil, fmt.Errorf("%w: action store backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported action store scheme: %s", scheme)
	}
}

func BuildSnapshotStoreFromDSN(dsn string) (SnapshotStore, error) {
	scheme, path, err := splitStorageDSN(dsn)
	if err != nil {
		return nil, err
	}
	switch scheme {
	case "memory", "mem", "inmem":
		return NewMemorySnapshotStore(), nil
	case "", "file":
		return NewFileSnapshotStore(path)
	case "sqlite":
		return NewSQLiteSnapshotStore(path)
	case "postgres", "postgresql":
		return NewPostgresSnapshotStore(dsn)
	case "redis", "mysql":
		return nil, fmt.Errorf("%w: snapshot store backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported snapshot store scheme: %s", scheme)
	}
}

func splitStorageDSN(dsn string) (scheme, path string, err error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return "", "", ErrInvalidInput
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return "", "", err
	}
	scheme = strings.ToLower(strings.TrimSpace(parsed.Scheme))
	path = strings.TrimSpace(parsed.Path)
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Host)
	}
	if scheme == "" {
		path = dsn
	}
	return scheme, path, nil
}
