//go:build sqlite

package storage

const defaultStoreKind = "sqlite"

func newSQLiteStore(path string) (Store, error) {
	return NewSQLiteStore(path), nil
}
