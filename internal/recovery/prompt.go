package recovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/user/rollcall/internal/state"
	"github.com/user/rollcall/internal/types"
)

// promptRecord maps session id to the time it was last prompted.
type promptRecord map[types.SessionID]time.Time

// loadPrompts reads the record and drops entries older than the prompt TTL.
// Pruned entries are written back on the next save. Caller holds promptMu.
func (e *Engine) loadPrompts(ctx context.Context) (promptRecord, error) {
	raw, err := e.kv.Get(ctx, state.KeyRecoveryPrompted)
	if errors.Is(err, types.ErrNotFound) {
		return promptRecord{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read prompt record: %w", err)
	}

	rec := promptRecord{}
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("unmarshal prompt record: %w", err)
	}

	cutoff := e.now().Add(-e.promptTTL)
	for id, at := range rec {
		if at.Before(cutoff) {
			delete(rec, id)
		}
	}
	return rec, nil
}

// claimPrompt records the session as prompted unless it already was this
// epoch, under a single hold of promptMu. claimed is false when the session
// was already prompted or the record could not be read; a failed write
// still reports claimed with the error.
func (e *Engine) claimPrompt(ctx context.Context, id types.SessionID) (claimed bool, err error) {
	e.promptMu.Lock()
	defer e.promptMu.Unlock()

	rec, err := e.loadPrompts(ctx)
	if err != nil {
		return false, err
	}
	if _, ok := rec[id]; ok {
		return false, nil
	}
	rec[id] = e.now()
	return true, e.savePrompts(ctx, rec)
}

func (e *Engine) markPrompted(ctx context.Context, id types.SessionID) error {
	e.promptMu.Lock()
	defer e.promptMu.Unlock()

	rec, err := e.loadPrompts(ctx)
	if err != nil {
		return err
	}
	rec[id] = e.now()
	return e.savePrompts(ctx, rec)
}

// savePrompts writes the record. Caller holds promptMu.
func (e *Engine) savePrompts(ctx context.Context, rec promptRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal prompt record: %w", err)
	}
	if err := e.kv.Set(ctx, state.KeyRecoveryPrompted, string(data)); err != nil {
		return fmt.Errorf("write prompt record: %w", err)
	}
	return nil
}
