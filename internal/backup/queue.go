// Package backup holds the durable queue of exports waiting for remote
// delivery.
package backup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/user/rollcall/internal/metrics"
	"github.com/user/rollcall/internal/state"
	"github.com/user/rollcall/internal/types"
)

// DefaultMaxRetries is the number of failed deliveries after which a job
// is dropped.
const DefaultMaxRetries = 3

// DeliverFunc attempts remote delivery of one job.
type DeliverFunc func(ctx context.Context, job *types.BackupJob) error

// DrainResult summarizes one drain pass. Failed counts failed attempts and
// skipped jobs; Dropped counts jobs removed at the retry ceiling.
type DrainResult struct {
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Dropped   int `json:"dropped"`
	Remaining int `json:"remaining"`
}

// Queue is a FIFO list of BackupJobs stored as one JSON array under the
// "pendingBackups" key.
type Queue struct {
	kv         types.KVStore
	sessions   *state.SessionStore
	maxRetries int
	now        func() time.Time

	mu       sync.Mutex
	draining atomic.Bool
	dropped  atomic.Int64
}

// NewQueue creates a Queue. maxRetries <= 0 selects DefaultMaxRetries.
func NewQueue(kv types.KVStore, sessions *state.SessionStore, maxRetries int) *Queue {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return &Queue{
		kv:         kv,
		sessions:   sessions,
		maxRetries: maxRetries,
		now:        time.Now,
	}
}

func (q *Queue) load(ctx context.Context) ([]types.BackupJob, error) {
	raw, err := q.kv.Get(ctx, state.KeyPendingBackups)
	if errors.Is(err, types.ErrNotFound) {
		return []types.BackupJob{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read pending backups: %w", err)
	}
	var jobs []types.BackupJob
	if err := json.Unmarshal([]byte(raw), &jobs); err != nil {
		return nil, fmt.Errorf("unmarshal pending backups: %w", err)
	}
	if jobs == nil {
		jobs = []types.BackupJob{}
	}
	return jobs, nil
}

func (q *Queue) save(ctx context.Context, jobs []types.BackupJob) error {
	data, err := json.Marshal(jobs)
	if err != nil {
		return fmt.Errorf("marshal pending backups: %w", err)
	}
	if err := q.kv.Set(ctx, state.KeyPendingBackups, string(data)); err != nil {
		return fmt.Errorf("write pending backups: %w", err)
	}
	metrics.QueueDepth.Set(float64(len(jobs)))
	return nil
}

// Enqueue adds a job for the session. A session already queued keeps its
// job, position and retry count; only the snapshot and file name are
// refreshed.
func (q *Queue) Enqueue(ctx context.Context, session *types.Session, fileName string) (*types.BackupJob, error) {
	if err := session.Validate(); err != nil {
		return nil, err
	}
	snap := session.Clone()

	q.mu.Lock()
	defer q.mu.Unlock()

	jobs, err := q.load(ctx)
	if err != nil {
		return nil, err
	}

	for i := range jobs {
		if jobs[i].Session.ID != snap.ID {
			continue
		}
		jobs[i].Session = *snap
		jobs[i].FileName = fileName
		jobs[i].QueuedAt = q.now()
		if err := q.save(ctx, jobs); err != nil {
			return nil, err
		}
		slog.Info("backup job refreshed", "job_id", string(jobs[i].ID), "session_id", string(snap.ID))
		job := jobs[i]
		return &job, nil
	}

	job := types.BackupJob{
		ID:       types.NewJobID(),
		Session:  *snap,
		FileName: fileName,
		QueuedAt: q.now(),
	}
	jobs = append(jobs, job)
	if err := q.save(ctx, jobs); err != nil {
		return nil, err
	}
	slog.Info("backup job queued", "job_id", string(job.ID), "session_id", string(snap.ID), "file", fileName, "pending", len(jobs))
	return &job, nil
}

// Pending returns the queue length.
func (q *Queue) Pending(ctx context.Context) (int, error) {
	jobs, err := q.Jobs(ctx)
	if err != nil {
		return 0, err
	}
	return len(jobs), nil
}

// Jobs returns the queued jobs in delivery order.
func (q *Queue) Jobs(ctx context.Context) ([]types.BackupJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.load(ctx)
}

// DroppedTotal returns the number of jobs dropped at the retry ceiling since
// the queue was created.
func (q *Queue) DroppedTotal() int64 {
	return q.dropped.Load()
}

// Draining reports whether a drain pass is in flight.
func (q *Queue) Draining() bool {
	return q.draining.Load()
}
