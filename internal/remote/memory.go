package remote

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/user/rollcall/internal/types"
)

type memObject struct {
	data    []byte
	version string
}

// MemStore is an in-memory ObjectStore with the same conditional-write
// semantics as GitHubStore. Versions are git blob SHAs of the content.
type MemStore struct {
	mu      sync.Mutex
	objects map[string]memObject
	offline bool
	puts    int

	// BeforePut, if set, runs before each conditional write and may fail it.
	BeforePut func(path string) error
	// BeforeRead, if set, runs before each GetVersion and Get and may fail it.
	BeforeRead func(path string) error
}

// NewMemStore creates an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{objects: make(map[string]memObject)}
}

func blobSHA(data []byte) string {
	h := sha1.New()
	fmt.Fprintf(h, "blob %d\x00", len(data))
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// SetOffline makes every call fail with ErrRemoteUnavailable.
func (m *MemStore) SetOffline(offline bool) {
	m.mu.Lock()
	m.offline = offline
	m.mu.Unlock()
}

// Write stores data unconditionally, as another writer would.
func (m *MemStore) Write(p string, data []byte) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	v := blobSHA(data)
	m.objects[strings.Trim(p, "/")] = memObject{data: append([]byte(nil), data...), version: v}
	return v
}

// Read returns the stored content at path.
func (m *MemStore) Read(p string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[strings.Trim(p, "/")]
	return obj.data, ok
}

// Len returns the number of stored objects.
func (m *MemStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.objects)
}

// Puts returns the number of successful writes.
func (m *MemStore) Puts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.puts
}

func (m *MemStore) GetVersion(_ context.Context, p string) (string, error) {
	if m.BeforeRead != nil {
		if err := m.BeforeRead(strings.Trim(p, "/")); err != nil {
			return "", err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.offline {
		return "", types.ErrRemoteUnavailable
	}
	return m.objects[strings.Trim(p, "/")].version, nil
}

func (m *MemStore) Put(_ context.Context, p string, data []byte, expectedVersion string) (string, error) {
	p = strings.Trim(p, "/")
	if m.BeforePut != nil {
		if err := m.BeforePut(p); err != nil {
			return "", err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.offline {
		return "", types.ErrRemoteUnavailable
	}
	if current := m.objects[p].version; current != expectedVersion {
		return "", fmt.Errorf("%s at %q, expected %q: %w", p, current, expectedVersion, types.ErrVersionConflict)
	}
	v := blobSHA(data)
	m.objects[p] = memObject{data: append([]byte(nil), data...), version: v}
	m.puts++
	return v, nil
}

func (m *MemStore) Get(_ context.Context, p string) ([]byte, string, error) {
	if m.BeforeRead != nil {
		if err := m.BeforeRead(strings.Trim(p, "/")); err != nil {
			return nil, "", err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.offline {
		return nil, "", types.ErrRemoteUnavailable
	}
	obj, ok := m.objects[strings.Trim(p, "/")]
	if !ok {
		return nil, "", fmt.Errorf("%s: %w", p, types.ErrNotFound)
	}
	return append([]byte(nil), obj.data...), obj.version, nil
}

func (m *MemStore) Delete(_ context.Context, p string, expectedVersion string) error {
	p = strings.Trim(p, "/")
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.offline {
		return types.ErrRemoteUnavailable
	}
	obj, ok := m.objects[p]
	if !ok {
		return fmt.Errorf("%s: %w", p, types.ErrNotFound)
	}
	if obj.version != expectedVersion {
		return fmt.Errorf("%s at %q, expected %q: %w", p, obj.version, expectedVersion, types.ErrVersionConflict)
	}
	delete(m.objects, p)
	return nil
}

func (m *MemStore) Probe(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.offline {
		return types.ErrRemoteUnavailable
	}
	return nil
}

func (m *MemStore) List(_ context.Context, dir string) ([]types.ObjectInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.offline {
		return nil, types.ErrRemoteUnavailable
	}

	dir = strings.Trim(dir, "/")
	objects := []types.ObjectInfo{}
	for p, obj := range m.objects {
		if path.Dir(p) != dir && !(dir == "" && !strings.Contains(p, "/")) {
			continue
		}
		objects = append(objects, types.ObjectInfo{Path: p, Name: path.Base(p), Version: obj.version, Size: int64(len(obj.data))})
	}
	sort.Slice(objects, func(i, j int) bool { return objects[i].Name < objects[j].Name })
	return objects, nil
}
