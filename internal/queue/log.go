package queue

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"

	"github.com/agent-brain/core/internal/errs"
)

const (
	logFileName      = "index_queue.jsonl"
	snapshotFileName = "index_queue.snapshot"
	lockFileName     = ".queue.lock"
)

// durableLog is the append-only job event log plus snapshot compaction.
// Every write is a full JobRecord snapshot; replaying the snapshot file
// followed by the log file reconstructs current state. Writes are
// serialized by an in-process mutex (same-process callers) layered over an
// OS-level file lock (cross-process callers, e.g. a stale PID from a crash).
type durableLog struct {
	dir      string
	mu       sync.Mutex
	fileLock *flock.Flock
}

func newDurableLog(dir string) (*durableLog, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errs.StorageError("queue", "create job queue directory", err)
	}
	return &durableLog{
		dir:      dir,
		fileLock: flock.New(filepath.Join(dir, lockFileName)),
	}, nil
}

func (l *durableLog) logPath() string      { return filepath.Join(l.dir, logFileName) }
func (l *durableLog) snapshotPath() string  { return filepath.Join(l.dir, snapshotFileName) }

// load replays the snapshot (if any) followed by the append-only log,
// returning the reconstructed job set keyed by ID. Later records for the
// same ID override earlier ones, since each write is a full snapshot.
func (l *durableLog) load() (map[string]*JobRecord, error) {
	jobs := make(map[string]*JobRecord)

	if data, err := os.ReadFile(l.snapshotPath()); err == nil {
		var snapshot []JobRecord
		if err := json.Unmarshal(data, &snapshot); err != nil {
			return nil, errs.New(errs.ErrCodeQueueCorrupt, "job queue snapshot is corrupt", err)
		}
		for i := range snapshot {
			rec := snapshot[i]
			jobs[rec.ID] = &rec
		}
	} else if !os.IsNotExist(err) {
		return nil, errs.StorageError("queue", "read job queue snapshot", err)
	}

	f, err := os.Open(l.logPath())
	if err != nil {
		if os.IsNotExist(err) {
			return jobs, nil
		}
		return nil, errs.StorageError("queue", "open job queue log", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec JobRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			// A partially-written final line from a crash mid-append is
			// expected; stop replay there rather than failing the load.
			break
		}
		jobs[rec.ID] = &rec
	}
	return jobs, nil
}

// append writes one full JobRecord snapshot as a new line, flushed and
// fsynced before returning, guarded by the in-process mutex and the OS lock.
func (l *durableLog) append(rec JobRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.fileLock.Lock(); err != nil {
		return errs.StorageError("queue", "acquire job queue lock", err)
	}
	defer l.fileLock.Unlock()

	f, err := os.OpenFile(l.logPath(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return errs.StorageError("queue", "open job queue log for append", err)
	}
	defer f.Close()

	line, err := json.Marshal(rec)
	if err != nil {
		return errs.StorageError("queue", "marshal job record", err)
	}
	line = append(line, '\n')

	if _, err := f.Write(line); err != nil {
		return errs.StorageError("queue", "append job record", err)
	}
	return f.Sync()
}

// compact writes the full current job set to a temp snapshot file, renames
// it atomically over the snapshot, then truncates the log.
func (l *durableLog) compact(jobs map[string]*JobRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.fileLock.Lock(); err != nil {
		return errs.StorageError("queue", "acquire job queue lock", err)
	}
	defer l.fileLock.Unlock()

	records := make([]JobRecord, 0, len(jobs))
	for _, rec := range jobs {
		records = append(records, *rec)
	}

	data, err := json.Marshal(records)
	if err != nil {
		return errs.StorageError("queue", "marshal job queue snapshot", err)
	}

	tmpPath := l.snapshotPath() + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return errs.StorageError("queue", "write job queue snapshot", err)
	}
	if err := os.Rename(tmpPath, l.snapshotPath()); err != nil {
		return errs.StorageError("queue", "rename job queue snapshot", err)
	}

	if err := os.Truncate(l.logPath(), 0); err != nil && !os.IsNotExist(err) {
		return errs.StorageError("queue", "truncate job queue log", err)
	}
	return nil
}
