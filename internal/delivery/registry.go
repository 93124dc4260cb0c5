// internal/delivery/registry.go
package delivery

import (
	"fmt"
	"path"
	"strings"
	"sync"

	"github.com/user/rollcall/internal/types"
)

// Registry routes exports to a directory under the remote base path based
// on the session type (e.g. "backups/scanner/").
type Registry struct {
	mu   sync.RWMutex
	base string
	dirs map[types.SessionType]string
}

// NewRegistry creates an empty registry rooted at base.
func NewRegistry(base string) *Registry {
	return &Registry{
		base: strings.Trim(base, "/"),
		dirs: make(map[types.SessionType]string),
	}
}

// DefaultRegistry registers one directory per session type, named after it.
func DefaultRegistry(base string) *Registry {
	r := NewRegistry(base)
	for _, t := range types.SessionTypes {
		r.Register(t, string(t))
	}
	return r
}

// Register sets the directory for a session type.
func (r *Registry) Register(typ types.SessionType, dir string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dirs[typ] = strings.Trim(dir, "/")
}

// Dir returns the remote directory for a session type.
func (r *Registry) Dir(typ types.SessionType) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	dir, ok := r.dirs[typ]
	if !ok {
		return "", fmt.Errorf("no remote directory for session type: %s", typ)
	}
	return path.Join(r.base, dir), nil
}

// ArchiveDir returns the directory cleared exports of a session type are
// moved to: the type's directory under "old_<base>", next to the base.
func (r *Registry) ArchiveDir(typ types.SessionType) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	dir, ok := r.dirs[typ]
	if !ok {
		return "", fmt.Errorf("no remote directory for session type: %s", typ)
	}
	root := "archive"
	if r.base != "" {
		root = path.Join(path.Dir(r.base), "old_"+path.Base(r.base))
	}
	return path.Join(root, dir), nil
}

// Path returns the full remote path for an export file.
func (r *Registry) Path(typ types.SessionType, fileName string) (string, error) {
	dir, err := r.Dir(typ)
	if err != nil {
		return "", err
	}
	return path.Join(dir, fileName), nil
}
