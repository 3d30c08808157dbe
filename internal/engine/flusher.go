package engine

import (
	"context"
	"time"
)

// RunFlusher writes a checkpoint every interval while there are
// unflushed updates, and a last one when ctx is done.
func (qe *QueryEngine) RunFlusher(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := qe.Flush(); err != nil {
				qe.logger.Error("final checkpoint failed", "error", err)
			}
			return
		case <-ticker.C:
			qe.SyncWAL()
			if err := qe.Flush(); err != nil {
				qe.logger.Error("checkpoint failed", "error", err)
			}
		}
	}
}

// Pending returns the number of updates not yet checkpointed.
func (qe *QueryEngine) Pending() int64 {
	return qe.dirty.Load()
}
