// Package procstore tracks spawned OS processes in a TTL-bounded,
// crash-safe registry.
package procstore

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Status is the lifecycle state of a tracked process.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
	StatusKilled    Status = "killed"
	StatusLost      Status = "lost"
)

// terminal reports whether a status is eligible for TTL cleanup.
func (s Status) terminal() bool {
	switch s {
	case StatusCompleted, StatusError, StatusKilled, StatusLost:
		return true
	default:
		return false
	}
}

const (
	// DefaultMaxLogLines bounds the log buffer when a record does not
	// specify its own limit.
	DefaultMaxLogLines = 500

	// logTrimBatch is the batch size used when trimming the log buffer
	// from the head; the buffer may transiently exceed MaxLogLines by
	// up to this many lines.
	logTrimBatch = 32
)

// ProcessRecord describes one tracked OS process.
type ProcessRecord struct {
	ProcessID   string     `json:"process_id"`
	PID         int        `json:"pid,omitempty"`
	Status      Status     `json:"status"`
	Command     string     `json:"command"`
	Cwd         string     `json:"cwd"`
	InsertedAt  time.Time  `json:"inserted_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
	ExitCode    *int       `json:"exit_code,omitempty"`

	LogBuffer   []string `json:"log_buffer"`
	LogCount    int      `json:"log_count"`
	MaxLogLines int      `json:"max_log_lines,omitempty"`
}

func (r *ProcessRecord) clone() *ProcessRecord {
	if r == nil {
		return nil
	}
	c := *r
	if r.StartedAt != nil {
		t := *r.StartedAt
		c.StartedAt = &t
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		c.CompletedAt = &t
	}
	if r.ExitCode != nil {
		e := *r.ExitCode
		c.ExitCode = &e
	}
	c.LogBuffer = append([]string(nil), r.LogBuffer...)
	return &c
}

func (r *ProcessRecord) maxLogLines() int {
	if r.MaxLogLines > 0 {
		return r.MaxLogLines
	}
	return DefaultMaxLogLines
}

// appendLogLines appends lines to the record's bounded FIFO log
// buffer, trimming from the head in batches on overflow so that
// LogCount reflects the cap precisely while the underlying slice may
// transiently exceed it by at most one batch.
func (r *ProcessRecord) appendLogLines(lines ...string) {
	if len(lines) == 0 {
		return
	}
	r.LogBuffer = append(r.LogBuffer, lines...)
	cap := r.maxLogLines()
	if len(r.LogBuffer) > cap+logTrimBatch {
		excess := len(r.LogBuffer) - cap
		// round down to a batch boundary so trims happen in chunks
		// without ever cutting the buffer below the cap
		batches := excess / logTrimBatch
		trim := batches * logTrimBatch
		if trim > len(r.LogBuffer) {
			trim = len(r.LogBuffer)
		}
		r.LogBuffer = r.LogBuffer[trim:]
	}
	if len(r.LogBuffer) > cap {
		r.LogCount = cap
	} else {
		r.LogCount = len(r.LogBuffer)
	}
}

// ProcessAliveFunc reports whether an OS process with the given PID is
// still alive. Overridable for tests.
type ProcessAliveFunc func(pid int) bool

// Options configures a Store.
type Options struct {
	Logger *slog.Logger

	// SnapshotPath, when non-empty, enables crash-safe persistence:
	// every mutation is mirrored to this file (atomic rename) and the
	// table is rebuilt from it on Load.
	SnapshotPath string

	// ProcessAlive is consulted during Load to detect processes whose
	// OS process no longer exists; such records are marked Lost.
	// Defaults to an OS-aware liveness check.
	ProcessAlive ProcessAliveFunc
}

// Store is a concurrent, TTL-bounded, crash-safe registry of
// ProcessRecord keyed by process_id.
type Store struct {
	mu           sync.RWMutex
	records      map[string]*ProcessRecord
	logger       *slog.Logger
	snapshotPath string
	processAlive ProcessAliveFunc

	watchMu     sync.Mutex
	watcher     *fsnotify.Watcher
	watchCancel context.CancelFunc
	watchWg     sync.WaitGroup
}

// New creates a process store. Call Load to rebuild from a prior
// snapshot before serving traffic.
func New(opts Options) *Store {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	alive := opts.ProcessAlive
	if alive == nil {
		alive = defaultProcessAlive
	}
	return &Store{
		records:      make(map[string]*ProcessRecord),
		logger:       logger.With("component", "procstore"),
		snapshotPath: opts.SnapshotPath,
		processAlive: alive,
	}
}

// Insert adds a new process record. Returns an error if the ID is
// already present.
func (s *Store) Insert(rec *ProcessRecord) error {
	if rec == nil {
		return nil
	}
	s.mu.Lock()
	if _, exists := s.records[rec.ProcessID]; exists {
		s.mu.Unlock()
		return ErrAlreadyExists
	}
	now := time.Now()
	clone := rec.clone()
	if clone.InsertedAt.IsZero() {
		clone.InsertedAt = now
	}
	clone.UpdatedAt = now
	s.records[clone.ProcessID] = clone
	s.mu.Unlock()

	s.persist()
	return nil
}

// Update applies fn to the record identified by id under the store
// lock, refreshing UpdatedAt, then persists the snapshot.
func (s *Store) Update(id string, fn func(*ProcessRecord)) error {
	s.mu.Lock()
	rec, ok := s.records[id]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	fn(rec)
	rec.UpdatedAt = time.Now()
	s.mu.Unlock()

	s.persist()
	return nil
}

// AppendLog appends lines to a record's bounded log buffer.
func (s *Store) AppendLog(id string, lines ...string) error {
	return s.Update(id, func(r *ProcessRecord) {
		r.appendLogLines(lines...)
	})
}

// Lookup returns a copy of the record for id.
func (s *Store) Lookup(id string) (*ProcessRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, false
	}
	return rec.clone(), true
}

// Status returns a summary count of records by status.
func (s *Store) Status() map[Status]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[Status]int)
	for _, rec := range s.records {
		out[rec.Status]++
	}
	return out
}

// Clear removes all records and persists the (now empty) snapshot.
func (s *Store) Clear() {
	s.mu.Lock()
	s.records = make(map[string]*ProcessRecord)
	s.mu.Unlock()
	s.persist()
}

// Cleanup evicts records whose status is terminal and whose
// (completed_at, updated_at) max age exceeds ttl. Records with status
// running or pending are never evicted regardless of age. Returns the
// number of evicted records.
func (s *Store) Cleanup(ttl time.Duration) int {
	cutoff := time.Now().Add(-ttl)

	s.mu.Lock()
	evicted := 0
	for id, rec := range s.records {
		if !rec.Status.terminal() {
			continue
		}
		age := rec.UpdatedAt
		if rec.CompletedAt != nil && rec.CompletedAt.After(age) {
			age = *rec.CompletedAt
		}
		if age.Before(cutoff) {
			delete(s.records, id)
			evicted++
		}
	}
	s.mu.Unlock()

	if evicted > 0 {
		s.persist()
		s.logger.Debug("cleanup evicted records", "count", evicted)
	}
	return evicted
}

// List returns a copy of every tracked record.
func (s *Store) List() []*ProcessRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*ProcessRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec.clone())
	}
	return out
}

// StartWatching watches the snapshot file's directory for external
// writes (e.g. a sibling process sharing the same snapshot path) and
// reloads the table, debounced, whenever the snapshot changes. A
// no-op if SnapshotPath was empty or watching is already active.
func (s *Store) StartWatching(ctx context.Context) error {
	if s.snapshotPath == "" {
		return nil
	}

	s.watchMu.Lock()
	if s.watcher != nil {
		s.watchMu.Unlock()
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		s.watchMu.Unlock()
		return err
	}
	dir := filepath.Dir(s.snapshotPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		s.watchMu.Unlock()
		_ = watcher.Close()
		return err
	}
	if err := watcher.Add(dir); err != nil {
		s.watchMu.Unlock()
		_ = watcher.Close()
		return err
	}
	s.watcher = watcher
	watchCtx, cancel := context.WithCancel(ctx)
	s.watchCancel = cancel
	s.watchMu.Unlock()

	s.watchWg.Add(1)
	go s.watchLoop(watchCtx, watcher)
	return nil
}

// Close stops the snapshot watcher, if active.
func (s *Store) Close() error {
	s.watchMu.Lock()
	if s.watchCancel != nil {
		s.watchCancel()
		s.watchCancel = nil
	}
	watcher := s.watcher
	s.watcher = nil
	s.watchMu.Unlock()

	if watcher != nil {
		_ = watcher.Close()
	}
	s.watchWg.Wait()
	return nil
}

func (s *Store) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer s.watchWg.Done()

	const debounce = 250 * time.Millisecond
	var timer *time.Timer
	reload := func() {
		if err := s.Load(); err != nil {
			s.logger.Warn("reload after snapshot change failed", "error", err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(s.snapshotPath) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounce, reload)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("snapshot watch error", "error", err)
		}
	}
}

// --- crash safety ---

type snapshot struct {
	Records map[string]*ProcessRecord `json:"records"`
}

// persist mirrors the current table to the snapshot file with
// at-least-once durability: write to a temp file then rename, so a
// crash mid-write never corrupts the prior snapshot.
func (s *Store) persist() {
	if s.snapshotPath == "" {
		return
	}

	s.mu.RLock()
	snap := snapshot{Records: make(map[string]*ProcessRecord, len(s.records))}
	for id, rec := range s.records {
		snap.Records[id] = rec
	}
	s.mu.RUnlock()

	data, err := json.Marshal(snap)
	if err != nil {
		s.logger.Error("marshal process snapshot", "error", err)
		return
	}

	if err := os.MkdirAll(filepath.Dir(s.snapshotPath), 0o755); err != nil {
		s.logger.Error("create snapshot directory", "error", err)
		return
	}

	tmp := s.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		s.logger.Error("write process snapshot", "error", err)
		return
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		s.logger.Error("rename process snapshot", "error", err)
	}
}

// Load rebuilds the table from the snapshot file, if any. Records
// whose status is running or pending but whose OS process is no
// longer alive are marked Lost so they become eligible for normal
// cleanup.
func (s *Store) Load() error {
	if s.snapshotPath == "" {
		return nil
	}

	data, err := os.ReadFile(s.snapshotPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		s.logger.Warn("discarding corrupt process snapshot", "error", err)
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.records = make(map[string]*ProcessRecord, len(snap.Records))
	for id, rec := range snap.Records {
		if (rec.Status == StatusRunning || rec.Status == StatusPending) && rec.PID > 0 && !s.processAlive(rec.PID) {
			rec.Status = StatusLost
			rec.UpdatedAt = time.Now()
		}
		s.records[id] = rec
	}
	return nil
}
