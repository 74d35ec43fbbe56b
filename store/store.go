// Package store persists saved printer records, either in a JSON file
// directory or in SQLite.
package store

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/john/flashforge_link/printer"
)

// Store is a printer.RecordStore that can also list, forget and close.
type Store interface {
	printer.RecordStore
	List(ctx context.Context) ([]printer.SavedRecord, error)
	Delete(ctx context.Context, serial string) error
	Close() error
}

// Backend names accepted by Open.
const (
	BackendJSON   = "json"
	BackendSQLite = "sqlite"
)

// Open creates the store named by backend under dataDir.
func Open(backend, dataDir string) (Store, error) {
	switch backend {
	case BackendJSON, "":
		return NewJSON(dataDir)
	case BackendSQLite:
		db, err := InitDB(filepath.Join(dataDir, "printers.db"))
		if err != nil {
			return nil, err
		}
		return NewSQLite(db), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", backend)
	}
}
