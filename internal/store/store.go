// Package store provides the key/value cache the relay settings persist to.
package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

const (
	BackendSQLite  = "sqlite"
	BackendJournal = "journal"
)

// KV is a small persistent key/value cache.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Close() error
}

// Open creates dir if needed and opens the named backend inside it.
func Open(backend, dir string) (KV, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	switch backend {
	case "", BackendSQLite:
		kv, err := OpenSQLite(filepath.Join(dir, "settings.db"))
		if err != nil {
			return nil, err
		}
		return kv, nil
	case BackendJournal:
		kv, err := NewJournal(filepath.Join(dir, "journal"))
		if err != nil {
			return nil, err
		}
		return kv, nil
	default:
		return nil, fmt.Errorf("unknown state backend %q", backend)
	}
}
