// Package reconcile drives delivery of queued and freshly ended sessions to
// the remote store.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/user/rollcall/internal/backup"
	"github.com/user/rollcall/internal/delivery"
	"github.com/user/rollcall/internal/metrics"
	"github.com/user/rollcall/internal/state"
	"github.com/user/rollcall/internal/types"
)

// Driver reconciles the backup queue against the remote store.
type Driver struct {
	kv         types.KVStore
	sessions   *state.SessionStore
	queue      *backup.Queue
	deliverer  *delivery.Deliverer
	exporter   types.Exporter
	autoBackup bool
	uploads    int64
	now        func() time.Time

	online atomic.Bool
	group  singleflight.Group
}

// Config wires a Driver. AutoBackup is the default used until the toggle is
// stored. Uploads bounds concurrent deliveries in BackupNow; zero means 2.
type Config struct {
	KV         types.KVStore
	Sessions   *state.SessionStore
	Queue      *backup.Queue
	Deliverer  *delivery.Deliverer
	Exporter   types.Exporter
	AutoBackup bool
	Uploads    int
	Now        func() time.Time
}

// New creates a Driver. It starts offline.
func New(cfg Config) *Driver {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Uploads <= 0 {
		cfg.Uploads = 2
	}
	return &Driver{
		kv:         cfg.KV,
		sessions:   cfg.Sessions,
		queue:      cfg.Queue,
		deliverer:  cfg.Deliverer,
		exporter:   cfg.Exporter,
		autoBackup: cfg.AutoBackup,
		uploads:    int64(cfg.Uploads),
		now:        cfg.Now,
	}
}

// SetOnline records the connectivity state reported by the monitor.
func (d *Driver) SetOnline(online bool) {
	d.online.Store(online)
	metrics.SetOnline(online)
}

func (d *Driver) Online() bool {
	return d.online.Load()
}

// OnConnectivityRestored is called on the offline to online transition.
func (d *Driver) OnConnectivityRestored(ctx context.Context) (backup.DrainResult, error) {
	d.SetOnline(true)
	return d.Reconcile(ctx)
}

// HandleConnectivity is a connectivity.ChangeFunc: going online triggers a
// reconciliation pass.
func (d *Driver) HandleConnectivity(ctx context.Context, online bool) {
	if !online {
		d.SetOnline(false)
		return
	}
	res, err := d.OnConnectivityRestored(ctx)
	if err != nil {
		slog.Warn("reconciliation after reconnect failed", "error", err)
		return
	}
	if res.Succeeded+res.Failed > 0 {
		slog.Info("reconciliation after reconnect", "succeeded", res.Succeeded, "failed", res.Failed, "dropped", res.Dropped, "remaining", res.Remaining)
	}
}

// Reconcile probes the remote store and drains the queue against it.
// Overlapping calls share one pass. When the probe fails the queue is left
// untouched and the error wraps ErrRemoteUnavailable.
func (d *Driver) Reconcile(ctx context.Context) (backup.DrainResult, error) {
	v, err, shared := d.group.Do("drain", func() (any, error) {
		return d.reconcile(ctx)
	})
	if shared {
		slog.Debug("reconciliation coalesced with in-flight pass")
	}
	res, _ := v.(backup.DrainResult)
	return res, err
}

func (d *Driver) reconcile(ctx context.Context) (backup.DrainResult, error) {
	pending, err := d.queue.Pending(ctx)
	if err != nil {
		return backup.DrainResult{}, err
	}
	if pending == 0 {
		return backup.DrainResult{}, nil
	}

	if err := d.deliverer.Probe(ctx); err != nil {
		slog.Warn("remote store not usable, skipping reconciliation", "pending", pending, "error", err)
		if !errors.Is(err, types.ErrRemoteUnavailable) {
			err = fmt.Errorf("%w: %w", types.ErrRemoteUnavailable, err)
		}
		return backup.DrainResult{Remaining: pending}, err
	}

	res, err := d.queue.Drain(ctx, d.deliverer.Deliver)
	if res.Succeeded > 0 {
		d.touchLastBackup(ctx)
	}
	return res, err
}

// BackupReport summarizes a manual backup.
type BackupReport struct {
	Delivered int `json:"delivered"`
	Queued    int `json:"queued"`
}

// BackupNow delivers sessions directly, bypassing the queue. Sessions go
// to distinct paths, so up to Uploads deliveries run at once. A session
// that cannot be delivered is queued instead.
func (d *Driver) BackupNow(ctx context.Context, sessions []*types.Session) (BackupReport, error) {
	sem := semaphore.NewWeighted(d.uploads)
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		report BackupReport
		errs   []error
	)
	for _, sess := range sessions {
		if err := sem.Acquire(ctx, 1); err != nil {
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
			break
		}
		wg.Add(1)
		go func(sess *types.Session) {
			defer wg.Done()
			defer sem.Release(1)
			delivered, err := d.deliverOrQueue(ctx, sess, true)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				errs = append(errs, err)
			case delivered:
				report.Delivered++
			default:
				report.Queued++
			}
		}(sess)
	}
	wg.Wait()
	return report, errors.Join(errs...)
}

// ExportAndDeliver delivers an ended session immediately when online and
// auto backup is on, and queues it otherwise. It reports whether the
// session was delivered.
func (d *Driver) ExportAndDeliver(ctx context.Context, session *types.Session) (bool, error) {
	attempt := d.Online() && d.AutoBackup(ctx)
	return d.deliverOrQueue(ctx, session, attempt)
}

func (d *Driver) deliverOrQueue(ctx context.Context, session *types.Session, attempt bool) (bool, error) {
	export, err := d.exporter.BuildExport(session)
	if err != nil {
		return false, fmt.Errorf("export session %s: %w", session.ID, err)
	}

	if attempt {
		_, err := d.deliverer.DeliverExport(ctx, session.SessionType, export)
		if err == nil {
			if err := d.sessions.SetBackedUp(ctx, session.ID, true); err != nil && !errors.Is(err, types.ErrNotFound) {
				slog.Warn("failed to mark session backed up", "session_id", string(session.ID), "error", err)
			}
			session.BackedUp = true
			d.touchLastBackup(ctx)
			return true, nil
		}
		slog.Warn("direct delivery failed, queueing", "session_id", string(session.ID), "error", err)
	}

	if _, err := d.queue.Enqueue(ctx, session, export.FileName); err != nil {
		return false, fmt.Errorf("queue session %s: %w", session.ID, err)
	}
	return false, nil
}

func (d *Driver) touchLastBackup(ctx context.Context) {
	now := d.now().UTC().Format(time.RFC3339Nano)
	if err := d.kv.Set(ctx, state.KeyLastBackupTime, now); err != nil {
		slog.Warn("failed to record last backup time", "error", err)
	}
}

// LastBackupTime returns the time of the last successful delivery, or the
// zero time if there has been none.
func (d *Driver) LastBackupTime(ctx context.Context) (time.Time, error) {
	raw, err := d.kv.Get(ctx, state.KeyLastBackupTime)
	if errors.Is(err, types.ErrNotFound) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse last backup time %q: %w", raw, err)
	}
	return t, nil
}

// AutoBackup reports whether ended sessions are delivered immediately.
// Storage errors fall back to the configured default.
func (d *Driver) AutoBackup(ctx context.Context) bool {
	raw, err := d.kv.Get(ctx, state.KeyAutoBackup)
	if err != nil {
		if !errors.Is(err, types.ErrNotFound) {
			slog.Warn("failed to read auto backup toggle", "error", err)
		}
		return d.autoBackup
	}
	on, err := strconv.ParseBool(raw)
	if err != nil {
		return d.autoBackup
	}
	return on
}

func (d *Driver) SetAutoBackup(ctx context.Context, on bool) error {
	if err := d.kv.Set(ctx, state.KeyAutoBackup, strconv.FormatBool(on)); err != nil {
		return fmt.Errorf("store auto backup toggle: %w", err)
	}
	return nil
}

// Status is a snapshot for display.
type Status struct {
	Pending      int               `json:"pending"`
	Jobs         []types.BackupJob `json:"jobs"`
	LastBackup   *time.Time        `json:"last_backup,omitempty"`
	Online       bool              `json:"online"`
	AutoBackup   bool              `json:"auto_backup"`
	Draining     bool              `json:"draining"`
	DroppedTotal int64             `json:"dropped_total"`
}

func (d *Driver) Status(ctx context.Context) (Status, error) {
	jobs, err := d.queue.Jobs(ctx)
	if err != nil {
		return Status{}, err
	}
	st := Status{
		Pending:      len(jobs),
		Jobs:         jobs,
		Online:       d.Online(),
		AutoBackup:   d.AutoBackup(ctx),
		Draining:     d.queue.Draining(),
		DroppedTotal: d.queue.DroppedTotal(),
	}
	last, err := d.LastBackupTime(ctx)
	if err != nil {
		slog.Warn("failed to read last backup time", "error", err)
	} else if !last.IsZero() {
		st.LastBackup = &last
	}
	return st, nil
}

// ListRemote lists delivered exports for a session type.
func (d *Driver) ListRemote(ctx context.Context, typ types.SessionType) ([]types.ObjectInfo, error) {
	return d.deliverer.List(ctx, typ)
}

// ClearRemote moves every delivered export of a session type into the
// archive directory. The remote is probed first; an unusable remote fails
// with ErrRemoteUnavailable and nothing is moved.
func (d *Driver) ClearRemote(ctx context.Context, typ types.SessionType) (delivery.ArchiveResult, error) {
	if err := d.deliverer.Probe(ctx); err != nil {
		if !errors.Is(err, types.ErrRemoteUnavailable) {
			err = fmt.Errorf("%w: %w", types.ErrRemoteUnavailable, err)
		}
		return delivery.ArchiveResult{}, fmt.Errorf("clear %s backups: %w", typ, err)
	}
	res, err := d.deliverer.Archive(ctx, typ)
	if err != nil {
		return res, fmt.Errorf("clear %s backups: %w", typ, err)
	}
	return res, nil
}
