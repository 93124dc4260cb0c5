package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/user/rollcall/internal/metrics"
	"github.com/user/rollcall/internal/types"
)

// expiryTimer is the cancellation token for one session's expiry. A fire is
// only honoured if this exact token is still registered for the session.
type expiryTimer struct {
	cancel context.CancelFunc
}

// promptState tracks a detected session until exactly one of the user or
// the expiry timer answers it.
type promptState int

const (
	promptAwaiting promptState = iota + 1
	promptSettled
)

// startTimer arms the expiry for a detected session, replacing any earlier
// timer for the same id.
func (e *Engine) startTimer(session *types.Session) {
	snap := session.Clone()
	ctx, cancel := context.WithCancel(e.ctx)
	t := &expiryTimer{cancel: cancel}

	e.mu.Lock()
	if old, ok := e.timers[snap.ID]; ok {
		old.cancel()
	}
	e.timers[snap.ID] = t
	e.answers[snap.ID] = promptAwaiting
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()
		timer := time.NewTimer(e.expiry)
		defer timer.Stop()

		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		e.mu.Lock()
		if e.timers[snap.ID] != t || ctx.Err() != nil || e.answers[snap.ID] != promptAwaiting {
			e.mu.Unlock()
			return
		}
		delete(e.timers, snap.ID)
		e.answers[snap.ID] = promptSettled
		hook := e.onExpire
		e.mu.Unlock()

		cancel()
		slog.Info("recovery prompt expired", "session_id", string(snap.ID), "type", string(snap.SessionType))
		metrics.RecoveryExpired.WithLabelValues(string(snap.SessionType)).Inc()
		e.expire(e.ctx, snap, hook)
	}()
}

// settle claims the answer to a detected session for the caller and stops
// its timer. It fails with ErrRecoveryExpired once the timer or an earlier
// answer has settled the session. Sessions never detected by this engine
// are not tracked and always pass.
func (e *Engine) settle(id types.SessionID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t, ok := e.timers[id]; ok {
		t.cancel()
		delete(e.timers, id)
	}
	st, tracked := e.answers[id]
	if !tracked {
		return nil
	}
	if st != promptAwaiting {
		return fmt.Errorf("session %s: %w", id, types.ErrRecoveryExpired)
	}
	e.answers[id] = promptSettled
	return nil
}

// CancelTimer stops the expiry for a session, if one is pending, and
// settles its prompt. It must be called before any terminal transition of
// the session.
func (e *Engine) CancelTimer(id types.SessionID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.answers[id] == promptAwaiting {
		e.answers[id] = promptSettled
	}
	t, ok := e.timers[id]
	if !ok {
		return false
	}
	t.cancel()
	delete(e.timers, id)
	return true
}

// Pending reports whether a detected session is still awaiting an answer.
func (e *Engine) Pending(id types.SessionID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.timers[id]
	return ok && e.answers[id] == promptAwaiting
}

// expire declines an unanswered session and hands it to the expiry hook,
// which finalizes and clears it. Without a hook it is cleared directly.
func (e *Engine) expire(ctx context.Context, session *types.Session, hook ExpireFunc) {
	snap, err := e.decline(ctx, session)
	if err != nil {
		slog.Error("failed to abandon session", "session_id", string(session.ID), "error", err)
		return
	}
	if hook != nil {
		hook(ctx, snap)
		return
	}
	if err := e.Clear(ctx, snap.ID, snap.SessionType); err != nil {
		slog.Error("failed to abandon session", "session_id", string(session.ID), "error", err)
	}
}
