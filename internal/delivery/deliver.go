package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"time"

	"github.com/user/rollcall/internal/metrics"
	"github.com/user/rollcall/internal/types"
)

// KeepFile holds a type's remote directory open once its exports are
// cleared. It is never listed or archived.
const KeepFile = "backups.txt"

// ArchiveResult counts the exports a clear moved to the archive directory.
type ArchiveResult struct {
	Total  int `json:"total"`
	Moved  int `json:"moved"`
	Failed int `json:"failed"`
}

// Deliverer writes exports to the remote object store with a conditional
// put: the current version token is fetched first and attached to the write,
// so a concurrent change is detected instead of overwritten.
type Deliverer struct {
	store     types.ObjectStore
	exporter  types.Exporter
	registry  *Registry
	conflicts *RetryPolicy
	transient *RetryPolicy
}

// NewDeliverer creates a Deliverer. A nil policy retries conflicts twice.
func NewDeliverer(store types.ObjectStore, exporter types.Exporter, registry *Registry, conflicts *RetryPolicy) *Deliverer {
	if conflicts == nil {
		conflicts = ConflictPolicy(2, 0, 0)
	}
	return &Deliverer{
		store:     store,
		exporter:  exporter,
		registry:  registry,
		conflicts: conflicts,
	}
}

// SetTransientRetry retries reads, version lookups and archive moves that
// fail because the remote is briefly unreachable. Nil makes one attempt.
func (d *Deliverer) SetTransientRetry(p *RetryPolicy) {
	d.transient = p
}

func (d *Deliverer) retryTransient(ctx context.Context, op string, fn func() error) error {
	if d.transient == nil {
		return fn()
	}
	return d.transient.Execute(ctx, func(attempt int) error {
		err := fn()
		if err != nil && attempt < d.transient.MaxAttempts && d.transient.ShouldRetry(err, attempt) {
			slog.Warn("remote call failed, retrying", "op", op, "attempt", attempt, "error", err)
		}
		return err
	})
}

func (d *Deliverer) currentVersion(ctx context.Context, p string) (string, error) {
	var version string
	err := d.retryTransient(ctx, "get version", func() error {
		v, err := d.store.GetVersion(ctx, p)
		version = v
		return err
	})
	if err != nil {
		return "", fmt.Errorf("get version of %s: %w", p, err)
	}
	return version, nil
}

// Probe checks that the remote store is reachable with the configured
// credentials.
func (d *Deliverer) Probe(ctx context.Context) error {
	return d.store.Probe(ctx)
}

// Deliver rebuilds the export for a queued job from its session snapshot
// and writes it. The job's file name wins over the exporter's.
func (d *Deliverer) Deliver(ctx context.Context, job *types.BackupJob) error {
	export, err := d.exporter.BuildExport(&job.Session)
	if err != nil {
		return fmt.Errorf("build export for session %s: %w: %w", job.Session.ID, types.ErrDeliveryFailed, err)
	}
	if job.FileName != "" {
		export.FileName = job.FileName
	}
	_, err = d.DeliverExport(ctx, job.Session.SessionType, export)
	return err
}

// DeliverExport writes an already built export and returns the new version
// token. Writing the same content to the same path twice leaves one object.
func (d *Deliverer) DeliverExport(ctx context.Context, typ types.SessionType, export *types.Export) (string, error) {
	path, err := d.registry.Path(typ, export.FileName)
	if err != nil {
		return "", fmt.Errorf("%w: %w", types.ErrDeliveryFailed, err)
	}

	var version string
	err = d.conflicts.Execute(ctx, func(attempt int) error {
		current, err := d.currentVersion(ctx, path)
		if err != nil {
			return err
		}
		version, err = d.store.Put(ctx, path, export.Data, current)
		if errors.Is(err, types.ErrVersionConflict) {
			metrics.VersionConflicts.Inc()
			slog.Warn("remote object changed, refetching version", "path", path, "attempt", attempt)
		}
		return err
	})
	if err != nil {
		return "", fmt.Errorf("deliver %s: %w: %w", path, types.ErrDeliveryFailed, err)
	}

	slog.Info("export delivered", "path", path, "version", version, "bytes", len(export.Data))
	return version, nil
}

// List returns the delivered exports for a session type.
func (d *Deliverer) List(ctx context.Context, typ types.SessionType) ([]types.ObjectInfo, error) {
	dir, err := d.registry.Dir(typ)
	if err != nil {
		return nil, err
	}
	var objects []types.ObjectInfo
	err = d.retryTransient(ctx, "list", func() error {
		var err error
		objects, err = d.store.List(ctx, dir)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}

	exports := objects[:0]
	for _, obj := range objects {
		if obj.Name != KeepFile {
			exports = append(exports, obj)
		}
	}
	return exports, nil
}

// Archive moves every delivered export of a session type into its archive
// directory and then makes sure the keep file holds the type's directory
// open. A file that fails to move is counted and the rest continue; the
// returned error joins every failure.
func (d *Deliverer) Archive(ctx context.Context, typ types.SessionType) (ArchiveResult, error) {
	var res ArchiveResult
	dst, err := d.registry.ArchiveDir(typ)
	if err != nil {
		return res, err
	}
	objects, err := d.List(ctx, typ)
	if err != nil {
		return res, err
	}
	res.Total = len(objects)

	var errs []error
	for _, obj := range objects {
		if err := d.move(ctx, obj.Path, path.Join(dst, obj.Name)); err != nil {
			slog.Warn("failed to archive export", "path", obj.Path, "error", err)
			res.Failed++
			errs = append(errs, err)
			continue
		}
		res.Moved++
	}
	if err := d.ensureKeepFile(ctx, typ); err != nil {
		errs = append(errs, err)
	}

	slog.Info("exports archived", "type", string(typ), "dir", dst, "moved", res.Moved, "failed", res.Failed)
	return res, errors.Join(errs...)
}

// move copies src to dst with a conditional put and deletes src at the
// version that was copied. A src already gone counts as moved.
func (d *Deliverer) move(ctx context.Context, src, dst string) error {
	var (
		data    []byte
		version string
	)
	err := d.retryTransient(ctx, "get", func() error {
		var err error
		data, version, err = d.store.Get(ctx, src)
		return err
	})
	if errors.Is(err, types.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", src, err)
	}

	err = d.conflicts.Execute(ctx, func(int) error {
		current, err := d.currentVersion(ctx, dst)
		if err != nil {
			return err
		}
		_, err = d.store.Put(ctx, dst, data, current)
		return err
	})
	if err != nil {
		return fmt.Errorf("copy %s to %s: %w", src, dst, err)
	}

	err = d.retryTransient(ctx, "delete", func() error {
		return d.store.Delete(ctx, src, version)
	})
	if err != nil && !errors.Is(err, types.ErrNotFound) {
		return fmt.Errorf("delete %s: %w", src, err)
	}
	return nil
}

func (d *Deliverer) ensureKeepFile(ctx context.Context, typ types.SessionType) error {
	p, err := d.registry.Path(typ, KeepFile)
	if err != nil {
		return err
	}
	current, err := d.currentVersion(ctx, p)
	if err != nil || current != "" {
		return err
	}

	content := fmt.Sprintf("This file maintains the backups directory structure. Last updated: %s", time.Now().UTC().Format(time.RFC3339))
	_, err = d.store.Put(ctx, p, []byte(content), "")
	if err != nil && !errors.Is(err, types.ErrVersionConflict) {
		return fmt.Errorf("create %s: %w", p, err)
	}
	return nil
}
