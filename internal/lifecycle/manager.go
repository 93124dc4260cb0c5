// Package lifecycle runs a session from start to end on top of the recovery
// engine and the reconciliation driver.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/user/rollcall/internal/reconcile"
	"github.com/user/rollcall/internal/recovery"
	"github.com/user/rollcall/internal/state"
	"github.com/user/rollcall/internal/types"
)

// Outcome describes what happened to a finished session's export.
type Outcome struct {
	Session   *types.Session `json:"session"`
	Delivered bool           `json:"delivered"`
	Queued    bool           `json:"queued"`
}

// Manager owns the live session of each type.
type Manager struct {
	engine   *recovery.Engine
	sessions *state.SessionStore
	driver   *reconcile.Driver
	now      func() time.Time

	mu     sync.Mutex
	active map[types.SessionType]*types.Session
}

// NewManager creates a Manager and installs the decline path as the
// engine's auto-abandon action.
func NewManager(engine *recovery.Engine, sessions *state.SessionStore, driver *reconcile.Driver) *Manager {
	m := &Manager{
		engine:   engine,
		sessions: sessions,
		driver:   driver,
		now:      time.Now,
		active:   make(map[types.SessionType]*types.Session),
	}
	engine.SetOnExpire(m.abandon)
	return m
}

// Start creates and checkpoints a new session.
func (m *Manager) Start(ctx context.Context, typ types.SessionType, location string) (*types.Session, error) {
	sess := types.NewSession(typ, location, m.now())
	if err := m.engine.Begin(ctx, sess); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.active[typ] = sess
	m.mu.Unlock()

	slog.Info("session started", "session_id", string(sess.ID), "type", string(typ), "location", sess.Location)
	return sess.Clone(), nil
}

// Current returns the live session of a type, loading the checkpoint when
// this process has not seen it yet.
func (m *Manager) Current(ctx context.Context, typ types.SessionType) (*types.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, err := m.current(ctx, typ)
	if err != nil {
		return nil, err
	}
	return sess.Clone(), nil
}

// current requires m.mu.
func (m *Manager) current(ctx context.Context, typ types.SessionType) (*types.Session, error) {
	if sess, ok := m.active[typ]; ok {
		return sess, nil
	}
	sess, err := m.engine.Active(ctx, typ)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return nil, fmt.Errorf("no active %s session: %w", typ, types.ErrNotFound)
		}
		return nil, err
	}
	if !sess.InProgress() {
		return nil, fmt.Errorf("no active %s session: %w", typ, types.ErrNotFound)
	}
	m.active[typ] = sess
	return sess, nil
}

// AddEntry records content in the live session and checkpoints it. A
// duplicate returns the existing entry with added=false.
func (m *Manager) AddEntry(ctx context.Context, typ types.SessionType, content string, manual bool) (types.Entry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, err := m.current(ctx, typ)
	if err != nil {
		return types.Entry{}, false, err
	}
	entry, added, err := sess.AddEntry(content, manual, m.now())
	if err != nil || !added {
		return entry, added, err
	}
	if err := m.engine.PersistActive(ctx, sess); err != nil {
		sess.RemoveEntry(entry.ID)
		return types.Entry{}, false, err
	}
	return entry, true, nil
}

// RemoveEntry deletes an entry by id or content and checkpoints the session.
func (m *Manager) RemoveEntry(ctx context.Context, typ types.SessionType, idOrContent string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, err := m.current(ctx, typ)
	if err != nil {
		return false, err
	}
	before := sess.Clone()
	if !sess.RemoveEntry(strings.TrimSpace(idOrContent)) {
		return false, nil
	}
	if err := m.engine.PersistActive(ctx, sess); err != nil {
		m.active[typ] = before
		return false, err
	}
	return true, nil
}

// End closes the live session and hands it to the driver. The expiry timer
// is cancelled before anything else happens.
func (m *Manager) End(ctx context.Context, typ types.SessionType) (*Outcome, error) {
	m.mu.Lock()
	sess, err := m.current(ctx, typ)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	m.engine.CancelTimer(sess.ID)
	delete(m.active, typ)
	m.mu.Unlock()

	sess.Status = types.StatusClosedNormally
	if _, err := m.sessions.Upsert(ctx, sess); err != nil {
		return nil, fmt.Errorf("end session: %w", err)
	}
	if err := m.engine.Clear(ctx, sess.ID, sess.SessionType); err != nil {
		slog.Warn("session ended with stale recovery state", "session_id", string(sess.ID), "error", err)
	}
	slog.Info("session ended", "session_id", string(sess.ID), "type", string(typ), "entries", len(sess.Entries))

	return m.finalize(ctx, sess)
}

// finalize exports a closed or declined session. Empty sessions have
// nothing to back up.
func (m *Manager) finalize(ctx context.Context, sess *types.Session) (*Outcome, error) {
	out := &Outcome{Session: sess}
	if len(sess.Entries) == 0 {
		slog.Debug("empty session, skipping export", "session_id", string(sess.ID))
		return out, nil
	}
	delivered, err := m.driver.ExportAndDeliver(ctx, sess)
	if err != nil {
		return out, err
	}
	out.Delivered = delivered
	out.Queued = !delivered
	return out, nil
}

// Detect surfaces an interrupted session of the given type, if any.
func (m *Manager) Detect(ctx context.Context, typ types.SessionType) (*types.Session, bool) {
	return m.engine.Detect(ctx, typ)
}

// Awaiting reports whether a detected session is still waiting for an
// answer, i.e. it has not been resumed, discarded or auto-abandoned.
func (m *Manager) Awaiting(id types.SessionID) bool {
	return m.engine.Pending(id)
}

// Resume continues a detected session. It fails with ErrRecoveryExpired
// when the prompt was auto-abandoned first.
func (m *Manager) Resume(ctx context.Context, sess *types.Session) error {
	if err := m.engine.Confirm(ctx, sess); err != nil {
		return err
	}
	m.mu.Lock()
	m.active[sess.SessionType] = sess.Clone()
	m.mu.Unlock()
	return nil
}

// Discard declines a detected session: it is exported as if ended and its
// recovery state is cleared. Once the prompt has been answered or
// auto-abandoned it fails with ErrRecoveryExpired and changes nothing.
func (m *Manager) Discard(ctx context.Context, sess *types.Session) (*Outcome, error) {
	snap, err := m.engine.Decline(ctx, sess)
	if err != nil {
		return nil, err
	}
	return m.closeDeclined(ctx, snap)
}

// abandon is the engine's expiry hook. The session is already declined.
func (m *Manager) abandon(ctx context.Context, sess *types.Session) {
	slog.Info("auto-abandoning unanswered recovery", "session_id", string(sess.ID), "type", string(sess.SessionType))
	if _, err := m.closeDeclined(ctx, sess); err != nil {
		slog.Error("failed to abandon session", "session_id", string(sess.ID), "error", err)
	}
}

func (m *Manager) closeDeclined(ctx context.Context, snap *types.Session) (*Outcome, error) {
	m.mu.Lock()
	if live, ok := m.active[snap.SessionType]; ok && live.ID == snap.ID {
		delete(m.active, snap.SessionType)
	}
	m.mu.Unlock()

	out, ferr := m.finalize(ctx, snap)
	if ferr != nil {
		slog.Error("failed to export declined session", "session_id", string(snap.ID), "error", ferr)
	}
	if err := m.engine.Clear(ctx, snap.ID, snap.SessionType); err != nil {
		return out, err
	}
	return out, ferr
}

// History returns every stored session, newest first.
func (m *Manager) History(ctx context.Context) ([]*types.Session, error) {
	list, err := m.sessions.List(ctx)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].CreatedAt.After(list[j].CreatedAt)
	})
	return list, nil
}

// Get returns a stored session by id.
func (m *Manager) Get(ctx context.Context, id types.SessionID) (*types.Session, error) {
	return m.sessions.Get(ctx, id)
}
