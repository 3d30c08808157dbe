package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/NVIDIA/OSMO-sub002/internal/model"
)

// TaskTable holds the latest state of every task, keyed by Task.Key.
type TaskTable struct {
	mu    sync.RWMutex
	rows  []model.Task
	index map[string]int

	sizeBytes    atomic.Int64
	writeCounter atomic.Int64 // updates since the last rate tick
	currentRate  float64      // updates per second
}

// NewTaskTable initializes a TaskTable with pre-allocated capacity.
func NewTaskTable() *TaskTable {
	return &TaskTable{
		rows:  make([]model.Task, 0, 4096),
		index: make(map[string]int, 4096),
	}
}

// Upsert stores a task, replacing an earlier version with the same key.
// It reports whether the task was new.
func (tt *TaskTable) Upsert(t model.Task) bool {
	tt.mu.Lock()
	defer tt.mu.Unlock()

	tt.writeCounter.Add(1)
	key := t.Key()
	if i, ok := tt.index[key]; ok {
		tt.sizeBytes.Add(t.SizeBytes() - tt.rows[i].SizeBytes())
		tt.rows[i] = t
		return false
	}
	tt.index[key] = len(tt.rows)
	tt.rows = append(tt.rows, t)
	tt.sizeBytes.Add(t.SizeBytes())
	return true
}

// Load replaces the table contents.
func (tt *TaskTable) Load(tasks []model.Task) {
	tt.mu.Lock()
	defer tt.mu.Unlock()

	tt.rows = tt.rows[:0]
	clear(tt.index)
	tt.sizeBytes.Store(0)
	for _, t := range tasks {
		key := t.Key()
		if i, ok := tt.index[key]; ok {
			tt.rows[i] = t
			continue
		}
		tt.index[key] = len(tt.rows)
		tt.rows = append(tt.rows, t)
		tt.sizeBytes.Add(t.SizeBytes())
	}
}

// Get returns the task stored under key.
func (tt *TaskTable) Get(key string) (model.Task, bool) {
	tt.mu.RLock()
	defer tt.mu.RUnlock()
	i, ok := tt.index[key]
	if !ok {
		return model.Task{}, false
	}
	return tt.rows[i], true
}

// Snapshot returns a copy of all tasks in insertion order.
func (tt *TaskTable) Snapshot() []model.Task {
	tt.mu.RLock()
	defer tt.mu.RUnlock()
	out := make([]model.Task, len(tt.rows))
	copy(out, tt.rows)
	return out
}

// Len returns the number of tasks.
func (tt *TaskTable) Len() int {
	tt.mu.RLock()
	defer tt.mu.RUnlock()
	return len(tt.rows)
}

// GetSize returns the estimated memory usage in bytes.
func (tt *TaskTable) GetSize() int64 {
	return tt.sizeBytes.Load()
}

// PruneEndedBefore drops tasks that ended before cutoff and returns how
// many were removed. Tasks without an end time are kept.
func (tt *TaskTable) PruneEndedBefore(cutoff time.Time) int {
	tt.mu.Lock()
	defer tt.mu.Unlock()

	kept := tt.rows[:0]
	removed := 0
	for _, t := range tt.rows {
		if end, ok := t.GetEndTime(); ok && end.Before(cutoff) {
			tt.sizeBytes.Add(-t.SizeBytes())
			removed++
			continue
		}
		kept = append(kept, t)
	}
	if removed == 0 {
		return 0
	}
	clear(tt.rows[len(kept):])
	tt.rows = kept
	clear(tt.index)
	for i, t := range tt.rows {
		tt.index[t.Key()] = i
	}
	return removed
}

// StartStatsTicker calculates the update rate until ctx is done.
func (tt *TaskTable) StartStatsTicker(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				count := tt.writeCounter.Swap(0)
				rate := float64(count) / interval.Seconds()
				tt.mu.Lock()
				tt.currentRate = rate
				tt.mu.Unlock()
			}
		}
	}()
}

// GetIngestionRate returns the current update rate (tasks/sec).
func (tt *TaskTable) GetIngestionRate() float64 {
	tt.mu.RLock()
	defer tt.mu.RUnlock()
	return tt.currentRate
}
