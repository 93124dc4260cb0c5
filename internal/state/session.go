// internal/state/session.go
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/user/rollcall/internal/types"
)

// SessionStore keeps the full session history as one JSON array under the
// "sessions" key. Every change is a read-modify-write of the whole list;
// across processes the last writer wins.
type SessionStore struct {
	kv types.KVStore
	mu sync.Mutex
}

// NewSessionStore creates a SessionStore over the given KV store.
func NewSessionStore(kv types.KVStore) *SessionStore {
	return &SessionStore{kv: kv}
}

// load reads the session list. A missing key is an empty list.
func (s *SessionStore) load(ctx context.Context) ([]*types.Session, error) {
	raw, err := s.kv.Get(ctx, KeySessions)
	if errors.Is(err, types.ErrNotFound) {
		return []*types.Session{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read session list: %w", err)
	}

	var sessions []*types.Session
	if err := json.Unmarshal([]byte(raw), &sessions); err != nil {
		return nil, fmt.Errorf("unmarshal session list: %w", err)
	}
	if sessions == nil {
		sessions = []*types.Session{}
	}
	return sessions, nil
}

func (s *SessionStore) save(ctx context.Context, sessions []*types.Session) error {
	data, err := json.Marshal(sessions)
	if err != nil {
		return fmt.Errorf("marshal session list: %w", err)
	}
	if err := s.kv.Set(ctx, KeySessions, string(data)); err != nil {
		return fmt.Errorf("write session list: %w", err)
	}
	return nil
}

// List returns every stored session in insertion order.
func (s *SessionStore) List(ctx context.Context) ([]*types.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(ctx)
}

// Get returns the session with the given ID.
func (s *SessionStore) Get(ctx context.Context, id types.SessionID) (*types.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sessions, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	for _, sess := range sessions {
		if sess.ID == id {
			return sess, nil
		}
	}
	return nil, fmt.Errorf("session %s: %w", id, types.ErrNotFound)
}

// Upsert replaces the session with the same ID or appends it, and returns
// its position in the list.
func (s *SessionStore) Upsert(ctx context.Context, session *types.Session) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sessions, err := s.load(ctx)
	if err != nil {
		return -1, err
	}

	snap := session.Clone()
	index := -1
	for i, sess := range sessions {
		if sess.ID == session.ID {
			sessions[i] = snap
			index = i
			break
		}
	}
	if index < 0 {
		sessions = append(sessions, snap)
		index = len(sessions) - 1
	}
	return index, s.save(ctx, sessions)
}

// Update applies fn to the stored session and persists the result.
func (s *SessionStore) Update(ctx context.Context, id types.SessionID, fn func(*types.Session) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sessions, err := s.load(ctx)
	if err != nil {
		return err
	}
	for _, sess := range sessions {
		if sess.ID == id {
			if err := fn(sess); err != nil {
				return err
			}
			return s.save(ctx, sessions)
		}
	}
	return fmt.Errorf("session %s: %w", id, types.ErrNotFound)
}

// SetBackedUp records the outcome of a remote delivery for a session.
func (s *SessionStore) SetBackedUp(ctx context.Context, id types.SessionID, backedUp bool) error {
	return s.Update(ctx, id, func(sess *types.Session) error {
		sess.BackedUp = backedUp
		return nil
	})
}

// Migrate rewrites the stored list in the current encoding, dropping the
// legacy boolean flags. It returns the number of sessions rewritten.
func (s *SessionStore) Migrate(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sessions, err := s.load(ctx)
	if err != nil {
		return 0, err
	}
	if len(sessions) == 0 {
		return 0, nil
	}
	return len(sessions), s.save(ctx, sessions)
}
