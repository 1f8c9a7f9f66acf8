package queue

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/agent-brain/core/internal/errs"
)

// ProgressReport is what an indexing run reports back to the queue at each
// checkpoint.
type ProgressReport struct {
	FilesProcessed int
	FilesTotal     int
	ChunksCreated  int
	CurrentFile    string
}

// Executor runs one indexing job. It must call report periodically — at
// minimum at file boundaries — so the queue can checkpoint progress and
// detect cancellation. A non-nil error from report means cancellation was
// requested; the executor should finish the file it is on and return that
// error unchanged.
type Executor func(ctx context.Context, req JobRequest, report func(ProgressReport) error) (chunksIndexed int, err error)

// Config configures Queue.
type Config struct {
	ProjectRoot    string
	MaxQueueLength int
	JobTimeout     time.Duration
	MaxRetries     int
}

// Queue is the durable, single-worker job scheduler.
type Queue struct {
	cfg      Config
	log      *durableLog
	executor Executor

	mu      sync.Mutex // guards jobs/order; never held across executor calls
	jobs    map[string]*JobRecord
	order   []string // pending job IDs, FIFO
	running string   // ID of the currently running job, "" if none

	snapshot atomic.Value // Snapshot, refreshed after every mutation

	wake chan struct{}
}

// NewQueue loads (or creates) the durable log at dir and performs crash
// recovery before returning: any job found in status running is requeued as
// pending with its retry count incremented.
func NewQueue(dir string, cfg Config, executor Executor) (*Queue, error) {
	if cfg.MaxQueueLength <= 0 {
		cfg.MaxQueueLength = 1000
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 2 * time.Hour
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}

	l, err := newDurableLog(dir)
	if err != nil {
		return nil, err
	}

	jobs, err := l.load()
	if err != nil {
		return nil, err
	}

	q := &Queue{
		cfg:      cfg,
		log:      l,
		executor: executor,
		jobs:     jobs,
		wake:     make(chan struct{}, 1),
	}

	if err := q.recoverCrashedJobs(); err != nil {
		return nil, err
	}

	q.rebuildOrder()
	q.refreshSnapshot()
	return q, nil
}

// recoverCrashedJobs requeues any job left running from a prior process
// that did not shut down cleanly.
func (q *Queue) recoverCrashedJobs() error {
	for id, rec := range q.jobs {
		if rec.Status != StatusRunning {
			continue
		}
		rec.RetryCount++
		rec.StartedAt = nil
		if rec.RetryCount > q.cfg.MaxRetries {
			rec.Status = StatusFailed
			rec.Error = fmt.Sprintf("exceeded %d retries after crash recovery", q.cfg.MaxRetries)
			now := time.Now()
			rec.FinishedAt = &now
		} else {
			rec.Status = StatusPending
		}
		q.jobs[id] = rec
		if err := q.log.append(rec.clone()); err != nil {
			return err
		}
	}
	return nil
}

func (q *Queue) rebuildOrder() {
	var pending []*JobRecord
	for _, rec := range q.jobs {
		if rec.Status == StatusPending {
			pending = append(pending, rec)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].QueuedAt.Before(pending[j].QueuedAt) })
	order := make([]string, 0, len(pending))
	for _, rec := range pending {
		order = append(order, rec.ID)
	}
	q.order = order
}

// dedupeKey computes sha256(normalized_path || operation || include_code ||
// sorted(patterns)) step 3.
func dedupeKey(req JobRequest) string {
	patterns := append([]string(nil), req.Patterns...)
	sort.Strings(patterns)
	h := sha256.New()
	h.Write([]byte(req.Path))
	h.Write([]byte{0})
	h.Write([]byte(req.Operation))
	h.Write([]byte{0})
	if req.IncludeCode {
		h.Write([]byte{1})
	}
	h.Write([]byte{0})
	h.Write([]byte(strings.Join(patterns, ",")))
	return hex.EncodeToString(h.Sum(nil))
}

// normalizePath resolves the request path to an absolute, symlink-resolved
// form and enforces the project-root containment check ("Enqueue
// contract" steps 1-2).
func (q *Queue) normalizePath(path string, allowExternal bool) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", errs.ValidationError("resolve job path", err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		// A not-yet-existing path is invalid for indexing regardless.
		return "", errs.ValidationError(fmt.Sprintf("job path %q does not exist", path), err)
	}

	if !allowExternal && q.cfg.ProjectRoot != "" {
		root, err := filepath.EvalSymlinks(q.cfg.ProjectRoot)
		if err != nil {
			root = q.cfg.ProjectRoot
		}
		rel, err := filepath.Rel(root, resolved)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return "", errs.ValidationError(
				fmt.Sprintf("job path %q is outside the project root; pass allow_external to override", path), nil)
		}
	}
	return resolved, nil
}

// Enqueue validates, deduplicates, and appends a new job.
func (q *Queue) Enqueue(req JobRequest) (EnqueueResult, error) {
	normalized, err := q.normalizePath(req.Path, req.AllowExternal)
	if err != nil {
		return EnqueueResult{}, err
	}
	req.Path = normalized
	key := dedupeKey(req)

	q.mu.Lock()
	defer q.mu.Unlock()

	if !req.Force {
		for _, id := range q.order {
			if rec := q.jobs[id]; rec.DedupeKey == key && rec.Status == StatusPending {
				return EnqueueResult{JobID: rec.ID, QueuePosition: q.positionLocked(rec.ID), QueueLength: len(q.order), DedupeHit: true}, nil
			}
		}
		if q.running != "" {
			if rec := q.jobs[q.running]; rec.DedupeKey == key {
				return EnqueueResult{JobID: rec.ID, QueuePosition: 0, QueueLength: len(q.order), DedupeHit: true}, nil
			}
		}
	}

	if len(q.order) >= q.cfg.MaxQueueLength {
		return EnqueueResult{}, errs.QueueFullError(q.cfg.MaxQueueLength)
	}

	rec := &JobRecord{
		ID:        uuid.NewString(),
		Request:   req,
		DedupeKey: key,
		Status:    StatusPending,
		QueuedAt:  time.Now(),
	}
	q.jobs[rec.ID] = rec
	q.order = append(q.order, rec.ID)

	if err := q.log.append(rec.clone()); err != nil {
		// Roll back the in-memory enqueue so state matches the durable log.
		delete(q.jobs, rec.ID)
		q.order = q.order[:len(q.order)-1]
		return EnqueueResult{}, err
	}

	q.refreshSnapshotLocked()
	select {
	case q.wake <- struct{}{}:
	default:
	}

	return EnqueueResult{JobID: rec.ID, QueuePosition: len(q.order), QueueLength: len(q.order)}, nil
}

func (q *Queue) positionLocked(id string) int {
	for i, jobID := range q.order {
		if jobID == id {
			return i + 1
		}
	}
	return 0
}

// CancelJob cancels a pending job immediately or flags a running job for
// cooperative cancellation.
func (q *Queue) CancelJob(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	rec, ok := q.jobs[id]
	if !ok {
		return errs.New(errs.ErrCodeJobNotFound, fmt.Sprintf("job %s not found", id), nil)
	}

	switch rec.Status {
	case StatusPending:
		rec.Status = StatusCancelled
		now := time.Now()
		rec.FinishedAt = &now
		for i, jobID := range q.order {
			if jobID == id {
				q.order = append(q.order[:i], q.order[i+1:]...)
				break
			}
		}
	case StatusRunning:
		rec.CancelRequested = true
	default:
		return nil
	}

	err := q.log.append(rec.clone())
	q.refreshSnapshotLocked()
	return err
}

// Status returns a consistent snapshot without taking the worker lock.
func (q *Queue) Status() Snapshot {
	if s, ok := q.snapshot.Load().(Snapshot); ok {
		return s
	}
	return Snapshot{}
}

func (q *Queue) refreshSnapshot() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.refreshSnapshotLocked()
}

func (q *Queue) refreshSnapshotLocked() {
	snap := Snapshot{Pending: len(q.order), QueueLen: len(q.order)}
	if q.running != "" {
		if rec, ok := q.jobs[q.running]; ok {
			r := rec.clone()
			snap.Running = &r
		}
	}

	all := make([]JobRecord, 0, len(q.jobs))
	for _, rec := range q.jobs {
		all = append(all, rec.clone())
	}
	sort.Slice(all, func(i, j int) bool { return all[i].QueuedAt.After(all[j].QueuedAt) })
	if len(all) > 20 {
		all = all[:20]
	}
	snap.Recent = all

	q.snapshot.Store(snap)
}

// Run is the single worker loop. It blocks until ctx is cancelled, pulling
// one pending job at a time and executing it to completion, failure, or
// cancellation before moving to the next ("Scheduling model",
// "Worker loop").
func (q *Queue) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.wake:
		}

		for {
			rec := q.dequeueNext()
			if rec == nil {
				break
			}
			q.runJob(ctx, rec)
		}
	}
}

func (q *Queue) dequeueNext() *JobRecord {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.order) == 0 {
		return nil
	}
	id := q.order[0]
	q.order = q.order[1:]
	rec := q.jobs[id]
	return rec
}

func (q *Queue) runJob(ctx context.Context, rec *JobRecord) {
	q.mu.Lock()
	rec.Status = StatusRunning
	now := time.Now()
	rec.StartedAt = &now
	q.running = rec.ID
	q.refreshSnapshotLocked()
	q.mu.Unlock()
	_ = q.log.append(rec.clone())

	jobCtx, cancel := context.WithTimeout(ctx, q.cfg.JobTimeout)
	defer cancel()

	report := func(p ProgressReport) error {
		q.mu.Lock()
		rec.FilesProcessed = p.FilesProcessed
		rec.FilesTotal = p.FilesTotal
		rec.ChunksCreated = p.ChunksCreated
		rec.CurrentFile = p.CurrentFile
		if p.FilesTotal > 0 {
			rec.PercentComplete = float64(p.FilesProcessed) / float64(p.FilesTotal) * 100.0
		}
		cancelled := rec.CancelRequested
		q.refreshSnapshotLocked()
		q.mu.Unlock()
		_ = q.log.append(rec.clone())

		if cancelled {
			return errs.JobCancelledError(rec.ID)
		}
		return nil
	}

	chunksIndexed, err := q.executor(jobCtx, rec.Request, report)

	q.mu.Lock()
	finished := time.Now()
	rec.FinishedAt = &finished
	q.running = ""
	switch {
	case rec.CancelRequested:
		rec.Status = StatusCancelled
	case jobCtx.Err() == context.DeadlineExceeded:
		rec.Status = StatusFailed
		rec.Error = errs.JobTimeoutError(rec.ID, err).Error()
	case err != nil:
		rec.Status = StatusFailed
		rec.Error = err.Error()
	case rec.FilesTotal > 0 && chunksIndexed == 0:
		rec.Status = StatusFailed
		rec.Error = "indexing completed but produced zero chunks"
	default:
		rec.Status = StatusDone
		rec.ChunksCreated = chunksIndexed
	}
	q.refreshSnapshotLocked()
	q.mu.Unlock()

	_ = q.log.append(rec.clone())
	q.maybeCompact()
}

// maybeCompact replaces the append-only log with a fresh snapshot whenever
// the number of finished (done, failed or cancelled) jobs reaches a multiple
// of 50, bounding replay cost on the next startup. The log size itself is not
// measured.
func (q *Queue) maybeCompact() {
	q.mu.Lock()
	jobsCopy := make(map[string]*JobRecord, len(q.jobs))
	for id, rec := range q.jobs {
		r := rec.clone()
		jobsCopy[id] = &r
	}
	q.mu.Unlock()

	const compactEvery = 50
	done := 0
	for _, rec := range jobsCopy {
		if rec.Status == StatusDone || rec.Status == StatusFailed || rec.Status == StatusCancelled {
			done++
		}
	}
	if done > 0 && done%compactEvery == 0 {
		_ = q.log.compact(jobsCopy)
	}
}
