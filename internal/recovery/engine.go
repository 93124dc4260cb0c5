// Package recovery tracks the in-progress session of each type so that an
// interrupted session can be offered back to the user after a restart.
package recovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/user/rollcall/internal/metrics"
	"github.com/user/rollcall/internal/state"
	"github.com/user/rollcall/internal/types"
)

const (
	DefaultExpiry    = 15 * time.Minute
	DefaultPromptTTL = time.Hour
)

// Options configures an Engine. Zero values select the defaults.
type Options struct {
	Expiry    time.Duration
	PromptTTL time.Duration
	Now       func() time.Time
}

// ExpireFunc is called when a detected session is neither confirmed nor
// declined within the expiry window. The session has already been marked
// DECLINED_RECOVERY; the hook finalizes it and calls Clear.
type ExpireFunc func(ctx context.Context, session *types.Session)

// Engine checkpoints active sessions, detects interrupted ones and
// auto-abandons recovery prompts nobody answers. Timers belong to the
// instance, so engines never share state except through the KV store.
type Engine struct {
	kv        types.KVStore
	sessions  *state.SessionStore
	expiry    time.Duration
	promptTTL time.Duration
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	timers   map[types.SessionID]*expiryTimer
	answers  map[types.SessionID]promptState
	onExpire ExpireFunc
	wg       sync.WaitGroup

	promptMu sync.Mutex
}

// New creates an Engine over the given KV store and session list.
func New(kv types.KVStore, sessions *state.SessionStore, opts Options) *Engine {
	if opts.Expiry <= 0 {
		opts.Expiry = DefaultExpiry
	}
	if opts.PromptTTL <= 0 {
		opts.PromptTTL = DefaultPromptTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		kv:        kv,
		sessions:  sessions,
		expiry:    opts.Expiry,
		promptTTL: opts.PromptTTL,
		now:       opts.Now,
		ctx:       ctx,
		cancel:    cancel,
		timers:    make(map[types.SessionID]*expiryTimer),
		answers:   make(map[types.SessionID]promptState),
	}
}

// SetOnExpire replaces the auto-abandon action. Without a hook, an expired
// session is marked declined and cleared.
func (e *Engine) SetOnExpire(fn ExpireFunc) {
	e.mu.Lock()
	e.onExpire = fn
	e.mu.Unlock()
}

// Close cancels every outstanding expiry timer and waits for any in-flight
// expiry action to finish.
func (e *Engine) Close() {
	e.cancel()
	e.mu.Lock()
	for id, t := range e.timers {
		t.cancel()
		delete(e.timers, id)
	}
	e.mu.Unlock()
	e.wg.Wait()
}

// Begin checkpoints a newly created session. It fails with ErrSessionActive
// when a different session of the same type is still in progress.
func (e *Engine) Begin(ctx context.Context, session *types.Session) error {
	if err := session.Validate(); err != nil {
		return err
	}
	current, err := e.Active(ctx, session.SessionType)
	switch {
	case errors.Is(err, types.ErrNotFound):
	case err != nil:
		return fmt.Errorf("check active session: %w", err)
	case current.ID != session.ID && current.InProgress():
		return fmt.Errorf("%s session %s: %w", session.SessionType, current.ID, types.ErrSessionActive)
	}
	return e.PersistActive(ctx, session)
}

// Active returns the checkpointed session for a type.
func (e *Engine) Active(ctx context.Context, typ types.SessionType) (*types.Session, error) {
	raw, err := e.kv.Get(ctx, state.ActiveSessionKey(typ))
	if err != nil {
		return nil, err
	}
	var sess types.Session
	if err := json.Unmarshal([]byte(raw), &sess); err != nil {
		return nil, fmt.Errorf("unmarshal active %s session: %w", typ, err)
	}
	return &sess, nil
}

// PersistActive writes the whole session under its per-type active key and
// upserts it into the sessions list. Both writes run concurrently. On success
// any pending expiry timer for the session is cancelled and the session is
// recorded as prompted.
func (e *Engine) PersistActive(ctx context.Context, session *types.Session) error {
	if err := session.Validate(); err != nil {
		return err
	}
	snap := session.Clone()
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return e.kv.Set(gctx, state.ActiveSessionKey(snap.SessionType), string(data))
	})
	g.Go(func() error {
		index, err := e.sessions.Upsert(gctx, snap)
		if err != nil {
			return err
		}
		return e.kv.Set(gctx, state.TempIndexKey(snap.SessionType), strconv.Itoa(index))
	})
	if err := g.Wait(); err != nil {
		slog.Error("failed to persist active session", "session_id", string(snap.ID), "type", string(snap.SessionType), "error", err)
		return fmt.Errorf("persist active session: %w", err)
	}

	e.CancelTimer(snap.ID)
	if err := e.markPrompted(ctx, snap.ID); err != nil {
		slog.Warn("failed to record recovery prompt", "session_id", string(snap.ID), "error", err)
	}
	return nil
}

// Detect looks for an interrupted session of the given type. The per-type
// active key wins; otherwise the most recently created IN_PROGRESS session
// in the list is used. A session already prompted this epoch is not
// returned. Errors degrade to "nothing to recover".
//
// A returned session has an expiry timer running until Confirm, Decline,
// Clear or CancelTimer is called for it.
func (e *Engine) Detect(ctx context.Context, typ types.SessionType) (*types.Session, bool) {
	sess, err := e.findRecoverable(ctx, typ)
	if err != nil {
		slog.Warn("recovery detection failed", "type", string(typ), "error", err)
		return nil, false
	}
	if sess == nil {
		return nil, false
	}

	claimed, err := e.claimPrompt(ctx, sess.ID)
	if !claimed {
		if err != nil {
			slog.Warn("recovery detection failed", "type", string(typ), "error", err)
		} else {
			slog.Debug("recovery already prompted this epoch", "session_id", string(sess.ID))
		}
		return nil, false
	}
	if err != nil {
		slog.Warn("failed to record recovery prompt", "session_id", string(sess.ID), "error", err)
	}
	e.startTimer(sess)
	metrics.RecoveryDetected.WithLabelValues(string(typ)).Inc()
	slog.Info("recoverable session found", "session_id", string(sess.ID), "type", string(typ), "location", sess.Location, "entries", len(sess.Entries))
	return sess, true
}

func (e *Engine) findRecoverable(ctx context.Context, typ types.SessionType) (*types.Session, error) {
	active, err := e.Active(ctx, typ)
	switch {
	case errors.Is(err, types.ErrNotFound):
	case err != nil:
		return nil, err
	case active.InProgress() && active.SessionType == typ:
		return active, nil
	}

	list, err := e.sessions.List(ctx)
	if err != nil {
		return nil, err
	}
	var found *types.Session
	for _, s := range list {
		if s.SessionType != typ || !s.InProgress() {
			continue
		}
		if found == nil || s.CreatedAt.After(found.CreatedAt) {
			found = s
		}
	}
	return found, nil
}

// Confirm resumes a detected session: it is re-persisted as active and
// IN_PROGRESS, and its expiry timer is cancelled. It fails with
// ErrRecoveryExpired if the prompt was already auto-abandoned or answered.
func (e *Engine) Confirm(ctx context.Context, session *types.Session) error {
	if err := e.settle(session.ID); err != nil {
		return fmt.Errorf("confirm recovery: %w", err)
	}
	session.Status = types.StatusInProgress
	if err := e.PersistActive(ctx, session); err != nil {
		return fmt.Errorf("confirm recovery: %w", err)
	}
	slog.Info("session recovered", "session_id", string(session.ID), "type", string(session.SessionType))
	return nil
}

// Decline marks a detected session DECLINED_RECOVERY in the sessions list
// and returns the snapshot to finalize. The caller exports it and then
// calls Clear. Like Confirm, it fails with ErrRecoveryExpired once the
// prompt is settled.
func (e *Engine) Decline(ctx context.Context, session *types.Session) (*types.Session, error) {
	if err := e.settle(session.ID); err != nil {
		return nil, fmt.Errorf("decline recovery: %w", err)
	}
	return e.decline(ctx, session)
}

func (e *Engine) decline(ctx context.Context, session *types.Session) (*types.Session, error) {
	session.Status = types.StatusDeclinedRecovery
	snap := session.Clone()
	if _, err := e.sessions.Upsert(ctx, snap); err != nil {
		slog.Error("failed to persist declined session", "session_id", string(snap.ID), "error", err)
		return nil, fmt.Errorf("decline recovery: %w", err)
	}
	if err := e.markPrompted(ctx, snap.ID); err != nil {
		slog.Warn("failed to record recovery prompt", "session_id", string(snap.ID), "error", err)
	}
	slog.Info("recovery declined", "session_id", string(snap.ID), "type", string(snap.SessionType))
	return snap, nil
}

// Clear drops the active checkpoint for a session. The stored status becomes
// CLOSED_NORMALLY unless the session was declined, which is kept. Every step
// is attempted; the errors are joined.
func (e *Engine) Clear(ctx context.Context, id types.SessionID, typ types.SessionType) error {
	e.CancelTimer(id)

	var errs []error
	active, err := e.Active(ctx, typ)
	switch {
	case errors.Is(err, types.ErrNotFound):
	case err != nil:
		errs = append(errs, err)
	case active.ID == id:
		if err := e.kv.Remove(ctx, state.ActiveSessionKey(typ)); err != nil {
			errs = append(errs, err)
		}
		if err := e.kv.Remove(ctx, state.TempIndexKey(typ)); err != nil {
			errs = append(errs, err)
		}
	}

	err = e.sessions.Update(ctx, id, func(s *types.Session) error {
		if s.Status != types.StatusDeclinedRecovery {
			s.Status = types.StatusClosedNormally
		}
		return nil
	})
	if err != nil && !errors.Is(err, types.ErrNotFound) {
		errs = append(errs, err)
	}

	if err := e.markPrompted(ctx, id); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		err := errors.Join(errs...)
		slog.Error("failed to clear recovery state", "session_id", string(id), "type", string(typ), "error", err)
		return fmt.Errorf("clear session %s: %w", id, err)
	}
	return nil
}

// ResetEpoch forgets every recorded prompt. Called once at cold start,
// before detection runs.
func (e *Engine) ResetEpoch(ctx context.Context) error {
	e.mu.Lock()
	for id := range e.answers {
		if _, armed := e.timers[id]; !armed {
			delete(e.answers, id)
		}
	}
	e.mu.Unlock()

	e.promptMu.Lock()
	defer e.promptMu.Unlock()
	if err := e.kv.Remove(ctx, state.KeyRecoveryPrompted); err != nil {
		return fmt.Errorf("reset recovery epoch: %w", err)
	}
	return nil
}
