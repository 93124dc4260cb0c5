package backup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/user/rollcall/internal/metrics"
	"github.com/user/rollcall/internal/types"
)

// Drain makes one delivery pass over the queue in insertion order. Jobs
// that already reached the retry ceiling are skipped and dropped; a job
// whose failure brings it to the ceiling is dropped too. Successful jobs
// mark their session backed up. The remaining jobs, plus any enqueued while
// the pass ran, are written back in one write.
//
// The pass is not transactional: a crash mid-drain redelivers jobs that
// already succeeded, which is safe because delivery overwrites by path.
// A concurrent call returns ErrDrainInProgress.
func (q *Queue) Drain(ctx context.Context, deliver DeliverFunc) (DrainResult, error) {
	if !q.draining.CompareAndSwap(false, true) {
		return DrainResult{}, types.ErrDrainInProgress
	}
	defer q.draining.Store(false)

	start := time.Now()
	defer func() { metrics.DrainDuration.Observe(time.Since(start).Seconds()) }()

	jobs, err := q.Jobs(ctx)
	if err != nil {
		return DrainResult{}, err
	}
	if len(jobs) == 0 {
		return DrainResult{}, nil
	}

	var (
		result    DrainResult
		remaining []types.BackupJob
		queuedAt  = make(map[types.JobID]time.Time, len(jobs))
	)
	for i := range jobs {
		job := jobs[i]
		queuedAt[job.ID] = job.QueuedAt

		if ctx.Err() != nil {
			remaining = append(remaining, job)
			continue
		}

		if job.RetryCount >= q.maxRetries {
			slog.Warn("skipping backup job: too many retries", "job_id", string(job.ID), "session_id", string(job.Session.ID), "retry_count", job.RetryCount)
			result.Failed++
			result.Dropped++
			continue
		}

		if err := deliver(ctx, &job); err != nil {
			job.RetryCount++
			job.LastError = err.Error()
			result.Failed++
			metrics.JobsFailed.Inc()

			if job.RetryCount >= q.maxRetries {
				slog.Error("dropping backup job", "job_id", string(job.ID), "session_id", string(job.Session.ID),
					"error", fmt.Errorf("%w after %d attempts: %w", types.ErrRetryCeilingExceeded, job.RetryCount, err))
				result.Dropped++
				continue
			}
			slog.Warn("backup delivery failed", "job_id", string(job.ID), "session_id", string(job.Session.ID), "retry_count", job.RetryCount, "error", err)
			remaining = append(remaining, job)
			continue
		}

		result.Succeeded++
		metrics.JobsDelivered.Inc()
		if err := q.sessions.SetBackedUp(ctx, job.Session.ID, true); err != nil && !errors.Is(err, types.ErrNotFound) {
			slog.Warn("failed to mark session backed up", "session_id", string(job.Session.ID), "error", err)
		}
	}

	q.dropped.Add(int64(result.Dropped))
	metrics.JobsDropped.Add(float64(result.Dropped))

	merged, err := q.writeBack(ctx, remaining, queuedAt)
	result.Remaining = len(merged)
	slog.Info("backup queue drained", "succeeded", result.Succeeded, "failed", result.Failed, "dropped", result.Dropped, "remaining", result.Remaining)
	if err != nil {
		return result, err
	}
	return result, nil
}

// writeBack overwrites the queue with remaining plus jobs enqueued during
// the pass. queuedAt holds the enqueue time of every job the pass saw; a
// job refreshed since then keeps its newer snapshot and is never lost. If
// the queue cannot be reloaded nothing is written.
func (q *Queue) writeBack(ctx context.Context, remaining []types.BackupJob, queuedAt map[types.JobID]time.Time) ([]types.BackupJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	current, err := q.load(ctx)
	if err != nil {
		// the stored queue stays as it was; delivered jobs are redelivered
		slog.Error("failed to reload pending backups, skipping write-back", "error", err)
		return remaining, err
	}
	byID := make(map[types.JobID]types.BackupJob, len(current))
	for _, job := range current {
		byID[job.ID] = job
	}

	kept := make(map[types.JobID]bool, len(remaining))
	merged := make([]types.BackupJob, 0, len(remaining)+len(current))
	for _, job := range remaining {
		if fresh, ok := byID[job.ID]; ok && fresh.QueuedAt.After(job.QueuedAt) {
			job.Session = fresh.Session
			job.FileName = fresh.FileName
			job.QueuedAt = fresh.QueuedAt
		}
		kept[job.ID] = true
		merged = append(merged, job)
	}
	for _, job := range current {
		if kept[job.ID] {
			continue
		}
		at, seen := queuedAt[job.ID]
		if !seen || job.QueuedAt.After(at) {
			merged = append(merged, job)
		}
	}

	if err := q.save(ctx, merged); err != nil {
		slog.Error("failed to write back pending backups", "error", err)
		return merged, err
	}
	return merged, nil
}
