package engine

import (
	"cmp"
	"encoding/json"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/NVIDIA/OSMO-sub002/internal/model"
	"github.com/NVIDIA/OSMO-sub002/internal/pkg/smartql"
)

// PersistentStats holds cumulative counters that survive restarts.
type PersistentStats struct {
	Checkpoints    int64     `json:"checkpoints"`
	TotalUpdates   int64     `json:"total_updates"`
	LastCheckpoint time.Time `json:"last_checkpoint"`
}

// NodeCount is one entry of the busiest-node ranking.
type NodeCount struct {
	Node  string `json:"node"`
	Count int    `json:"count"`
}

// SystemStats contains high-level system metrics for API response.
type SystemStats struct {
	TotalTasks     int                `json:"total_tasks"`
	IngestionRate  float64            `json:"ingestion_rate"` // updates/sec
	MemoryBytes    int64              `json:"memory_bytes"`
	DiskUsage      int64              `json:"disk_usage"`
	StateCounts    map[string]int     `json:"state_counts"`
	StatusCounts   map[string]int     `json:"status_counts"`
	TopNodes       []NodeCount        `json:"top_nodes"`
	Checkpoints    int64              `json:"checkpoints"`
	TotalUpdates   int64              `json:"total_updates"`
	LastCheckpoint time.Time          `json:"last_checkpoint"`
	TimeCache      smartql.CacheStats `json:"time_cache"`
}

const (
	statsFileName = ".smartsearch.stats"
	topNodes      = 10
)

func newPersistentStats() PersistentStats {
	return PersistentStats{}
}

// loadPersistentStats reads stats from disk; a missing or corrupt file
// yields zero stats.
func loadPersistentStats(dataDir string) PersistentStats {
	stats := newPersistentStats()
	data, err := os.ReadFile(filepath.Join(dataDir, statsFileName))
	if err != nil {
		return stats
	}
	if err := json.Unmarshal(data, &stats); err != nil {
		return newPersistentStats()
	}
	return stats
}

// savePersistentStats writes stats to disk atomically.
func savePersistentStats(dataDir string, stats PersistentStats) error {
	data, err := json.MarshalIndent(stats, "", "  ")
	if err != nil {
		return err
	}

	path := filepath.Join(dataDir, statsFileName)
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}

// GetStats summarizes the tasks matching chips in one pass.
func (qe *QueryEngine) GetStats(chips []smartql.SearchChip) SystemStats {
	tasks := qe.Filter(chips)

	qe.statsLock.RLock()
	disk := qe.globalStats
	qe.statsLock.RUnlock()

	stats := SystemStats{
		TotalTasks:     len(tasks),
		IngestionRate:  qe.table.GetIngestionRate(),
		MemoryBytes:    qe.table.GetSize(),
		StateCounts:    make(map[string]int),
		StatusCounts:   make(map[string]int),
		Checkpoints:    disk.Checkpoints,
		TotalUpdates:   disk.TotalUpdates + qe.dirty.Load(),
		LastCheckpoint: disk.LastCheckpoint,
		TimeCache:      qe.resolver.CacheStats(),
	}

	nodes := make(map[string]int)
	for _, t := range tasks {
		status := strings.ToUpper(string(t.Status))
		stats.StatusCounts[status]++
		if node, ok := t.GetNodeName(); ok {
			nodes[node]++
		}
	}
	for status, n := range stats.StatusCounts {
		if st, ok := model.StateOf(status); ok {
			stats.StateCounts[string(st)] += n
		}
	}

	for node, n := range nodes {
		stats.TopNodes = append(stats.TopNodes, NodeCount{Node: node, Count: n})
	}
	slices.SortFunc(stats.TopNodes, func(a, b NodeCount) int {
		if c := cmp.Compare(b.Count, a.Count); c != 0 {
			return c
		}
		return cmp.Compare(a.Node, b.Node)
	})
	if len(stats.TopNodes) > topNodes {
		stats.TopNodes = stats.TopNodes[:topNodes]
	}

	if qe.dataDir != "" {
		var size int64
		_ = filepath.WalkDir(qe.dataDir, func(_ string, d os.DirEntry, err error) error {
			if err == nil && !d.IsDir() {
				if info, err := d.Info(); err == nil {
					size += info.Size()
				}
			}
			return nil
		})
		stats.DiskUsage = size
	}
	return stats
}
