package engine

import (
	"context"
	"os"
	"path/filepath"
	"time"
)

// RunCleaner periodically drops tasks that ended before the retention
// window until ctx is done.
func (qe *QueryEngine) RunCleaner(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	qe.logger.Info("cleaner started", "retention", qe.Retention(), "interval", interval)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			qe.PurgeExpired()
		}
	}
}

// PurgeExpired removes ended tasks older than the retention window and
// returns how many were dropped.
func (qe *QueryEngine) PurgeExpired() int {
	retention := qe.Retention()
	if retention <= 0 {
		return 0
	}
	removed := qe.table.PruneEndedBefore(qe.now().Add(-retention))
	if removed > 0 {
		// The next checkpoint must not resurrect pruned tasks.
		qe.dirty.Add(1)
		qe.logger.Info("expired tasks removed", "count", removed)
	}
	return removed
}

// purgeOldSnapshots keeps the newest qe.keep checkpoints.
func (qe *QueryEngine) purgeOldSnapshots() {
	files, err := qe.findSnapshots()
	if err != nil {
		qe.logger.Error("cleaner failed to read data dir", "error", err)
		return
	}
	if len(files) <= qe.keep {
		return
	}
	for _, path := range files[:len(files)-qe.keep] {
		if err := os.Remove(path); err != nil {
			qe.logger.Error("cleaner failed to delete checkpoint", "file", filepath.Base(path), "error", err)
			continue
		}
		qe.logger.Debug("old checkpoint deleted", "file", filepath.Base(path))
	}
}
