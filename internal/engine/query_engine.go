package engine

import (
	"cmp"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/NVIDIA/OSMO-sub002/internal/metrics"
	"github.com/NVIDIA/OSMO-sub002/internal/model"
	"github.com/NVIDIA/OSMO-sub002/internal/pkg/smartql"
)

var ErrInvalidTask = errors.New("invalid task")

// SnapshotReaderFunc reads a .snap checkpoint.
type SnapshotReaderFunc func(path string) ([]model.Task, error)

// SnapshotWriterFunc writes a .snap checkpoint.
type SnapshotWriterFunc func(path string, tasks []model.Task) error

const (
	snapPrefix = "tasks_"
	snapSuffix = ".snap"
	walName    = "wal.log"
)

// Options configures a QueryEngine.
type Options struct {
	DataDir   string
	Resolver  *smartql.Resolver
	Registry  *smartql.Registry
	Reader    SnapshotReaderFunc
	Writer    SnapshotWriterFunc
	Retention time.Duration
	// KeepSnapshots is how many checkpoints survive a flush.
	KeepSnapshots int
	Logger        *slog.Logger
	Metrics       metrics.Recorder
	Now           func() time.Time
}

// QueryEngine serves filter queries over the task table and manages its
// checkpoint lifecycle.
type QueryEngine struct {
	dataDir   string
	table     *TaskTable
	resolver  *smartql.Resolver
	registry  *smartql.Registry
	reader    SnapshotReaderFunc
	writer    SnapshotWriterFunc
	retention atomic.Int64
	keep      int
	logger    *slog.Logger
	metrics   metrics.Recorder
	now       func() time.Time

	// mu orders WAL appends against checkpoints: ingest holds it shared,
	// Flush exclusively.
	mu    sync.RWMutex
	dirty atomic.Int64

	globalStats PersistentStats
	statsLock   sync.RWMutex

	wal *WAL
}

// NewQueryEngine opens the data directory, loads the newest checkpoint
// and replays the WAL on top of it.
func NewQueryEngine(opts Options) (*QueryEngine, error) {
	qe := &QueryEngine{
		dataDir:   opts.DataDir,
		table:     NewTaskTable(),
		resolver:  opts.Resolver,
		registry:  opts.Registry,
		reader:    opts.Reader,
		writer:    opts.Writer,
		keep:      opts.KeepSnapshots,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		now:       opts.Now,
	}
	qe.retention.Store(int64(opts.Retention))
	if qe.resolver == nil {
		qe.resolver = smartql.NewResolver(nil)
	}
	if qe.registry == nil {
		qe.registry = smartql.NewBuiltinRegistry(qe.resolver)
	}
	if qe.keep <= 0 {
		qe.keep = 2
	}
	if qe.logger == nil {
		qe.logger = slog.Default()
	}
	if qe.metrics == nil {
		qe.metrics = metrics.Nop{}
	}
	if qe.now == nil {
		qe.now = time.Now
	}

	if qe.dataDir == "" {
		qe.globalStats = newPersistentStats()
		return qe, nil
	}

	if err := os.MkdirAll(qe.dataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	qe.globalStats = loadPersistentStats(qe.dataDir)

	if err := qe.loadLatestSnapshot(); err != nil {
		return nil, err
	}

	wal, err := OpenWAL(filepath.Join(qe.dataDir, walName))
	if err != nil {
		return nil, fmt.Errorf("open wal: %w", err)
	}
	qe.wal = wal

	recovered, err := wal.Replay()
	if err != nil {
		qe.logger.Warn("wal replay stopped early", "error", err, "recovered", len(recovered))
	}
	if len(recovered) > 0 {
		qe.logger.Info("crash recovery: replaying task updates from wal", "count", len(recovered))
		for _, t := range recovered {
			qe.table.Upsert(t)
		}
		qe.dirty.Add(int64(len(recovered)))
	}
	return qe, nil
}

func (qe *QueryEngine) loadLatestSnapshot() error {
	files, err := qe.findSnapshots()
	if err != nil {
		return err
	}
	if len(files) == 0 || qe.reader == nil {
		return nil
	}
	latest := files[len(files)-1]
	tasks, err := qe.reader(latest)
	if err != nil {
		return fmt.Errorf("read checkpoint %s: %w", filepath.Base(latest), err)
	}
	qe.table.Load(tasks)
	qe.logger.Info("checkpoint loaded", "file", filepath.Base(latest), "tasks", len(tasks))
	return nil
}

// Registry returns the field registry queries are compiled against.
func (qe *QueryEngine) Registry() *smartql.Registry {
	return qe.registry
}

// Resolver returns the time expression resolver.
func (qe *QueryEngine) Resolver() *smartql.Resolver {
	return qe.resolver
}

// Retention is how long ended tasks are kept; zero keeps them forever.
func (qe *QueryEngine) Retention() time.Duration {
	return time.Duration(qe.retention.Load())
}

// SetRetention changes the retention window for subsequent purges.
func (qe *QueryEngine) SetRetention(d time.Duration) {
	qe.retention.Store(int64(d))
}

// Table exposes the in-memory task table.
func (qe *QueryEngine) Table() *TaskTable {
	return qe.table
}

// Ingest records task updates in the WAL and the table.
func (qe *QueryEngine) Ingest(tasks ...model.Task) (int, error) {
	for i, t := range tasks {
		if strings.TrimSpace(t.Name) == "" || t.Status == "" {
			return 0, fmt.Errorf("%w: task %d needs a name and a status", ErrInvalidTask, i)
		}
	}

	qe.mu.RLock()
	defer qe.mu.RUnlock()

	for i, t := range tasks {
		if qe.wal != nil {
			if err := qe.wal.Write(t); err != nil {
				qe.metrics.AddIngested(i)
				return i, fmt.Errorf("wal write: %w", err)
			}
		}
		qe.table.Upsert(t)
		qe.dirty.Add(1)
	}
	qe.metrics.AddIngested(len(tasks))
	return len(tasks), nil
}

// SyncWAL flushes the WAL file to disk.
func (qe *QueryEngine) SyncWAL() {
	if qe.wal == nil {
		return
	}
	if err := qe.wal.Sync(); err != nil {
		qe.logger.Error("wal sync failed", "error", err)
	}
}

// Search returns the page of tasks matching the request chips.
func (qe *QueryEngine) Search(req SearchRequest) SearchResult {
	started := time.Now()
	matched := qe.Filter(req.Chips)
	SortTasks(matched)

	offset, limit := req.Page()
	res := SearchResult{Total: len(matched), Tasks: []model.Task{}}
	if offset < len(matched) {
		res.Tasks = matched[offset:min(offset+limit, len(matched))]
	}
	qe.metrics.ObserveQuery("search", len(req.Chips), res.Total, time.Since(started))
	return res
}

// Filter returns every task matching chips, unordered.
func (qe *QueryEngine) Filter(chips []smartql.SearchChip) []model.Task {
	return smartql.FilterRecords(qe.registry, qe.table.Snapshot(), chips)
}

// Suggest completes partial input with counts over the tasks matching
// the active chips.
func (qe *QueryEngine) Suggest(req SuggestRequest) []smartql.Suggestion {
	started := time.Now()
	tasks := qe.Filter(req.Chips)
	out := smartql.Suggest(qe.registry, req.Input, tasks)
	qe.metrics.ObserveQuery("suggest", len(req.Chips), len(tasks), time.Since(started))
	return out
}

// SortTasks orders by start time, newest first; unstarted tasks last.
func SortTasks(tasks []model.Task) {
	slices.SortStableFunc(tasks, func(a, b model.Task) int {
		at, aok := a.GetStartTime()
		bt, bok := b.GetStartTime()
		switch {
		case aok && bok:
			if c := bt.Compare(at); c != 0 {
				return c
			}
		case aok:
			return -1
		case bok:
			return 1
		}
		return cmp.Compare(a.Key(), b.Key())
	})
}

// Flush writes a checkpoint of the whole table and truncates the WAL.
func (qe *QueryEngine) Flush() error {
	if qe.dataDir == "" || qe.writer == nil {
		return nil
	}

	qe.mu.Lock()
	defer qe.mu.Unlock()

	pending := qe.dirty.Load()
	if pending == 0 {
		return nil
	}

	started := time.Now()
	tasks := qe.table.Snapshot()
	name := fmt.Sprintf("%s%d%s", snapPrefix, qe.now().UnixMilli(), snapSuffix)
	path := filepath.Join(qe.dataDir, name)

	if err := qe.writer(path, tasks); err != nil {
		qe.metrics.ObserveFlush(len(tasks), time.Since(started), err)
		return fmt.Errorf("write checkpoint: %w", err)
	}
	if qe.wal != nil {
		if err := qe.wal.Reset(); err != nil {
			qe.logger.Error("wal reset failed", "error", err)
		}
	}
	qe.dirty.Add(-pending)

	qe.statsLock.Lock()
	qe.globalStats.Checkpoints++
	qe.globalStats.TotalUpdates += pending
	qe.globalStats.LastCheckpoint = qe.now().UTC()
	stats := qe.globalStats
	qe.statsLock.Unlock()
	if err := savePersistentStats(qe.dataDir, stats); err != nil {
		qe.logger.Error("stats persist failed", "error", err)
	}

	qe.metrics.ObserveFlush(len(tasks), time.Since(started), nil)
	qe.logger.Info("checkpoint written", "file", name, "tasks", len(tasks))

	qe.purgeOldSnapshots()
	return nil
}

// Close writes a final checkpoint and closes the WAL.
func (qe *QueryEngine) Close() error {
	err := qe.Flush()
	if qe.wal != nil {
		err = errors.Join(err, qe.wal.Close())
	}
	return err
}

// findSnapshots returns checkpoint files, oldest first.
func (qe *QueryEngine) findSnapshots() ([]string, error) {
	entries, err := os.ReadDir(qe.dataDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	type snap struct {
		path string
		ts   int64
	}
	var snaps []snap
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ts, err := parseSnapshotName(entry.Name())
		if err != nil {
			continue
		}
		snaps = append(snaps, snap{filepath.Join(qe.dataDir, entry.Name()), ts})
	}
	slices.SortFunc(snaps, func(a, b snap) int { return cmp.Compare(a.ts, b.ts) })

	files := make([]string, len(snaps))
	for i, s := range snaps {
		files[i] = s.path
	}
	return files, nil
}

// parseSnapshotName extracts the checkpoint time from tasks_{unixMillis}.snap.
func parseSnapshotName(name string) (int64, error) {
	if !strings.HasPrefix(name, snapPrefix) || !strings.HasSuffix(name, snapSuffix) {
		return 0, fmt.Errorf("invalid format")
	}
	return strconv.ParseInt(strings.TrimSuffix(strings.TrimPrefix(name, snapPrefix), snapSuffix), 10, 64)
}
