package taskstore

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestCreateGeneratesUniqueIDs(t *testing.T) {
	s := New(Options{})

	var wg sync.WaitGroup
	ids := make([]string, 100)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec, err := s.Create(&TaskRecord{Description: "t"})
			if err != nil {
				t.Errorf("create: %v", err)
				return
			}
			ids[i] = rec.TaskID
		}(i)
	}
	wg.Wait()

	seen := make(map[string]bool, 100)
	for _, id := range ids {
		if id == "" {
			t.Fatal("empty id generated")
		}
		if seen[id] {
			t.Fatalf("duplicate id generated: %s", id)
		}
		seen[id] = true
	}
}

func TestBoundedEventLog(t *testing.T) {
	s := New(Options{})
	rec, _ := s.Create(&TaskRecord{Description: "t"})

	for i := 0; i < 150; i++ {
		if err := s.AppendEvent(rec.TaskID, "test", "tick"); err != nil {
			t.Fatalf("append event: %v", err)
		}
	}

	got, _ := s.Get(rec.TaskID)
	if len(got.Events) != 100 {
		t.Fatalf("len(Events) = %d, want 100", len(got.Events))
	}
	if got.Events[0].Index != 51 {
		t.Fatalf("earliest retained index = %d, want 51", got.Events[0].Index)
	}
	if got.Events[len(got.Events)-1].Index != 150 {
		t.Fatalf("latest index = %d, want 150", got.Events[len(got.Events)-1].Index)
	}
}

func TestCleanupOnlyEvictsTerminal(t *testing.T) {
	s := New(Options{})
	queued, _ := s.Create(&TaskRecord{Description: "q", Status: StatusQueued})
	running, _ := s.Create(&TaskRecord{Description: "r", Status: StatusRunning})
	done, _ := s.Create(&TaskRecord{Description: "d", Status: StatusCompleted})

	old := time.Now().Add(-time.Hour)
	_ = s.Update(queued.TaskID, func(r *TaskRecord) { r.InsertedAt = old })
	_ = s.Update(running.TaskID, func(r *TaskRecord) { r.InsertedAt = old })
	_ = s.Update(done.TaskID, func(r *TaskRecord) {
		r.InsertedAt = old
		r.CompletedAt = &old
	})

	evicted := s.Cleanup(time.Minute)
	if evicted != 1 {
		t.Fatalf("evicted = %d, want 1", evicted)
	}
	if _, ok := s.Get(queued.TaskID); !ok {
		t.Fatal("queued task should survive cleanup")
	}
	if _, ok := s.Get(running.TaskID); !ok {
		t.Fatal("running task should survive cleanup")
	}
	if _, ok := s.Get(done.TaskID); ok {
		t.Fatal("completed task should have been evicted")
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/tasks.json"

	s1 := New(Options{SnapshotPath: path})
	rec, _ := s1.Create(&TaskRecord{Description: "t", Status: StatusRunning})
	_ = s1.AppendEvent(rec.TaskID, "test", "hello")

	s2 := New(Options{SnapshotPath: path})
	if err := s2.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	got, ok := s2.Get(rec.TaskID)
	if !ok {
		t.Fatal("expected task to survive restart")
	}
	if len(got.Events) != 1 || got.Events[0].Message != "hello" {
		t.Fatalf("events not restored: %+v", got.Events)
	}
}

func TestStartWatchingPicksUpExternalSnapshotChange(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/tasks.json"

	writer := New(Options{SnapshotPath: path})
	rec, _ := writer.Create(&TaskRecord{Description: "t", Status: StatusRunning})

	reader := New(Options{SnapshotPath: path})
	if err := reader.StartWatching(context.Background()); err != nil {
		t.Fatalf("StartWatching: %v", err)
	}
	defer reader.Close()

	_ = writer.AppendEvent(rec.TaskID, "test", "hello")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got, ok := reader.Get(rec.TaskID); ok && len(got.Events) == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("watcher did not pick up external snapshot change")
}
