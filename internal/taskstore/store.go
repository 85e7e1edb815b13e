// Package taskstore tracks in-flight agent tasks in a concurrent,
// TTL-bounded, crash-safe registry with a capped chronological event
// log per task.
package taskstore

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

func (s Status) terminal() bool {
	return s == StatusCompleted || s == StatusError
}

// MaxEvents bounds the per-task event log; append_event drops the
// oldest entry once the cap is reached.
const MaxEvents = 100

// Event is one chronological entry in a task's event log.
type Event struct {
	Index     int64     `json:"index"`
	Source    string    `json:"source,omitempty"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// TaskRecord describes one tracked agent task.
type TaskRecord struct {
	TaskID      string     `json:"task_id"`
	Status      Status     `json:"status"`
	Description string     `json:"description"`
	Engine      string     `json:"engine,omitempty"`
	Role        string     `json:"role,omitempty"`
	InsertedAt  time.Time  `json:"inserted_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Result      string     `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`

	Events    []Event `json:"events"`
	NextEvent int64   `json:"next_event"`
}

func (r *TaskRecord) clone() *TaskRecord {
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
	c.Events = append([]Event(nil), r.Events...)
	return &c
}

// appendEvent retains at most MaxEvents entries, dropping the oldest.
func (r *TaskRecord) appendEvent(source, message string) {
	r.NextEvent++
	r.Events = append(r.Events, Event{
		Index:     r.NextEvent,
		Source:    source,
		Message:   message,
		Timestamp: time.Now(),
	})
	if len(r.Events) > MaxEvents {
		r.Events = r.Events[len(r.Events)-MaxEvents:]
	}
}

// Store is a concurrent, crash-safe table of TaskRecord keyed by
// task_id.
type Store struct {
	mu           sync.RWMutex
	tasks        map[string]*TaskRecord
	logger       *slog.Logger
	snapshotPath string

	watchMu     sync.Mutex
	watcher     *fsnotify.Watcher
	watchCancel context.CancelFunc
	watchWg     sync.WaitGroup
}

// Options configures a Store.
type Options struct {
	Logger       *slog.Logger
	SnapshotPath string
}

// New creates a task store. Call Load to rebuild from a prior
// snapshot before serving traffic.
func New(opts Options) *Store {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		tasks:        make(map[string]*TaskRecord),
		logger:       logger.With("component", "taskstore"),
		snapshotPath: opts.SnapshotPath,
	}
}

// NewTaskID returns a collision-resistant 128-bit random identifier
// encoded as lowercase hex, suitable for use as a task_id that is
// unique across concurrent creators.
func NewTaskID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// Create inserts a new task record. If rec.TaskID is empty, a new ID
// is generated.
func (s *Store) Create(rec *TaskRecord) (*TaskRecord, error) {
	if rec == nil {
		return nil, nil
	}
	clone := rec.clone()
	if clone.TaskID == "" {
		id, err := NewTaskID()
		if err != nil {
			return nil, err
		}
		clone.TaskID = id
	}
	if clone.InsertedAt.IsZero() {
		clone.InsertedAt = time.Now()
	}

	s.mu.Lock()
	if _, exists := s.tasks[clone.TaskID]; exists {
		s.mu.Unlock()
		return nil, ErrAlreadyExists
	}
	s.tasks[clone.TaskID] = clone
	s.mu.Unlock()

	s.persist()
	return clone.clone(), nil
}

// Update applies fn to the record identified by id under the store
// lock, then persists the snapshot.
func (s *Store) Update(id string, fn func(*TaskRecord)) error {
	s.mu.Lock()
	rec, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	fn(rec)
	s.mu.Unlock()

	s.persist()
	return nil
}

// AppendEvent appends one event to a task's bounded chronological
// event log.
func (s *Store) AppendEvent(id, source, message string) error {
	return s.Update(id, func(r *TaskRecord) {
		r.appendEvent(source, message)
	})
}

// Get returns a copy of the record for id.
func (s *Store) Get(id string) (*TaskRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.tasks[id]
	if !ok {
		return nil, false
	}
	return rec.clone(), true
}

// List returns a copy of every tracked record.
func (s *Store) List() []*TaskRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*TaskRecord, 0, len(s.tasks))
	for _, rec := range s.tasks {
		out = append(out, rec.clone())
	}
	return out
}

// Cleanup evicts tasks whose status is terminal (completed or error)
// and whose completion time (or insertion time, when no completion
// time is set) predates the TTL cutoff. Queued and running
// tasks are immune regardless of age. Returns the number evicted.
func (s *Store) Cleanup(ttl time.Duration) int {
	cutoff := time.Now().Add(-ttl)

	s.mu.Lock()
	evicted := 0
	for id, rec := range s.tasks {
		if !rec.Status.terminal() {
			continue
		}
		age := rec.InsertedAt
		if rec.CompletedAt != nil {
			age = *rec.CompletedAt
		}
		if age.Before(cutoff) {
			delete(s.tasks, id)
			evicted++
		}
	}
	s.mu.Unlock()

	if evicted > 0 {
		s.persist()
	}
	return evicted
}

// Clear removes all tasks.
func (s *Store) Clear() {
	s.mu.Lock()
	s.tasks = make(map[string]*TaskRecord)
	s.mu.Unlock()
	s.persist()
}

// StartWatching watches the snapshot file's directory for external
// writes and reloads the table, debounced, whenever the snapshot
// changes. A no-op if SnapshotPath was empty or watching is already
// active.
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
	Tasks map[string]*TaskRecord `json:"tasks"`
}

func (s *Store) persist() {
	if s.snapshotPath == "" {
		return
	}

	s.mu.RLock()
	snap := snapshot{Tasks: make(map[string]*TaskRecord, len(s.tasks))}
	for id, rec := range s.tasks {
		snap.Tasks[id] = rec
	}
	s.mu.RUnlock()

	data, err := json.Marshal(snap)
	if err != nil {
		s.logger.Error("marshal task snapshot", "error", err)
		return
	}
	if err := os.MkdirAll(filepath.Dir(s.snapshotPath), 0o755); err != nil {
		s.logger.Error("create snapshot directory", "error", err)
		return
	}
	tmp := s.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		s.logger.Error("write task snapshot", "error", err)
		return
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		s.logger.Error("rename task snapshot", "error", err)
	}
}

// Load rebuilds the table from the snapshot file, if any.
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
		s.logger.Warn("discarding corrupt task snapshot", "error", err)
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = make(map[string]*TaskRecord, len(snap.Tasks))
	for id, rec := range snap.Tasks {
		s.tasks[id] = rec
	}
	return nil
}
