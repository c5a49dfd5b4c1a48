package storage

import "fmt"

// DefaultStoreKind is the backend used when none is named: sqlite when that
// backend is compiled in, memory otherwise.
func DefaultStoreKind() string {
	return defaultStoreKind
}

// NewStore builds a backend by name: "memory" (default) or "sqlite". The
// sqlite backend requires building with -tags sqlite.
func NewStore(kind, sqlitePath string) (Store, error) {
	switch kind {
	case "", "memory":
		return NewMemoryStore(), nil
	case "sqlite":
		return newSQLiteStore(sqlitePath)
	default:
		return nil, fmt.Errorf("unsupported store backend: %s", kind)
	}
}

// CloseIfSupported closes backends that hold external resources; the memory
// store has nothing to close.
func CloseIfSupported(store Store) error {
	closer, ok := store.(interface{ Close() error })
	if !ok {
		return nil
	}
	return closer.Close()
}
