// internal/types/interfaces.go
package types

import (
	"context"
)

// KVStore is the durable key/value store. Get returns ErrNotFound for a
// missing key; I/O failures are reported as *StorageError.
type KVStore interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Remove(ctx context.Context, key string) error
}

// ObjectStore is the remote, path-addressed blob store. GetVersion returns ""
// when the object does not exist; Get and Delete fail with ErrNotFound. Put
// and Delete with a stale expected version fail with ErrVersionConflict.
type ObjectStore interface {
	GetVersion(ctx context.Context, path string) (string, error)
	Get(ctx context.Context, path string) (data []byte, version string, err error)
	Put(ctx context.Context, path string, data []byte, expectedVersion string) (string, error)
	Delete(ctx context.Context, path string, expectedVersion string) error
	Probe(ctx context.Context) error
	List(ctx context.Context, dir string) ([]ObjectInfo, error)
}

// Exporter builds the deliverable file for a session.
type Exporter interface {
	BuildExport(session *Session) (*Export, error)
}
