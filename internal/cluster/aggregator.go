package cluster

import (
	"cmp"
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/NVIDIA/OSMO-sub002/internal/engine"
	"github.com/NVIDIA/OSMO-sub002/internal/model"
	"github.com/NVIDIA/OSMO-sub002/internal/pkg/smartql"
)

// DefaultHistogramInterval is used when a federated histogram is asked
// for without an interval, so every node buckets alike.
const DefaultHistogramInterval = time.Hour

const topNodes = 10

var (
	ErrNoNodes     = errors.New("no node answered")
	// ErrPageTooDeep rejects pages past the window every node can return.
	ErrPageTooDeep = errors.New("page is beyond the federated search window")
)

// Backend answers filter queries. Both a local engine and a remote node
// satisfy it.
type Backend interface {
	Search(ctx context.Context, req engine.SearchRequest) (engine.SearchResult, error)
	Suggest(ctx context.Context, req engine.SuggestRequest) ([]smartql.Suggestion, error)
	Histogram(ctx context.Context, chips []smartql.SearchChip, interval time.Duration) ([]engine.HistogramPoint, error)
	Stats(ctx context.Context, chips []smartql.SearchChip) (engine.SystemStats, error)
}

// Local adapts a QueryEngine to Backend.
type Local struct {
	Engine *engine.QueryEngine
}

func (l Local) Search(_ context.Context, req engine.SearchRequest) (engine.SearchResult, error) {
	return l.Engine.Search(req), nil
}

func (l Local) Suggest(_ context.Context, req engine.SuggestRequest) ([]smartql.Suggestion, error) {
	return l.Engine.Suggest(req), nil
}

func (l Local) Histogram(_ context.Context, chips []smartql.SearchChip, interval time.Duration) ([]engine.HistogramPoint, error) {
	return l.Engine.ComputeHistogram(chips, interval), nil
}

func (l Local) Stats(_ context.Context, chips []smartql.SearchChip) (engine.SystemStats, error) {
	return l.Engine.GetStats(chips), nil
}

// Node is a named Backend taking part in a federated query.
type Node struct {
	Name    string
	Backend Backend
}

// Aggregator fans queries out to every node and merges the answers.
// Nodes that fail are logged and left out; the query fails only when no
// node answers.
type Aggregator struct {
	nodes    []Node
	logger   *slog.Logger
	registry *smartql.Registry
}

// NewAggregator creates an Aggregator over nodes, queried in order.
func NewAggregator(logger *slog.Logger, nodes ...Node) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{nodes: nodes, logger: logger, registry: smartql.NewBuiltinRegistry(nil)}
}

// SetRegistry sets the fields used to trim merged suggestions. The
// built-in fields are used by default.
func (a *Aggregator) SetRegistry(reg *smartql.Registry) {
	a.registry = reg
}

// scatter runs call on every node concurrently and returns the answers
// in node order, skipping failed nodes.
func scatter[T any](ctx context.Context, a *Aggregator, op string, call func(context.Context, Backend) (T, error)) ([]T, error) {
	results := make([]T, len(a.nodes))
	ok := make([]bool, len(a.nodes))

	var wg sync.WaitGroup
	for i, n := range a.nodes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := call(ctx, n.Backend)
			if err != nil {
				a.logger.Warn("node query failed", "node", n.Name, "op", op, "error", err)
				return
			}
			results[i], ok[i] = res, true
		}()
	}
	wg.Wait()

	out := make([]T, 0, len(results))
	for i, res := range results {
		if ok[i] {
			out = append(out, res)
		}
	}
	if len(out) == 0 && len(a.nodes) > 0 {
		return nil, ErrNoNodes
	}
	return out, nil
}

// Search merges every node's top offset+limit tasks, then pages. Pages
// ending past engine.MaxLimit fail with ErrPageTooDeep.
func (a *Aggregator) Search(ctx context.Context, req engine.SearchRequest) (engine.SearchResult, error) {
	offset, limit := req.Page()
	if offset+limit > engine.MaxLimit {
		return engine.SearchResult{}, ErrPageTooDeep
	}
	perNode := req
	perNode.Offset = 0
	perNode.Limit = offset + limit

	answers, err := scatter(ctx, a, "search", func(ctx context.Context, b Backend) (engine.SearchResult, error) {
		return b.Search(ctx, perNode)
	})
	if err != nil {
		return engine.SearchResult{}, err
	}

	merged := engine.SearchResult{Tasks: []model.Task{}}
	for _, res := range answers {
		merged.Total += res.Total
		merged.Tasks = append(merged.Tasks, res.Tasks...)
	}
	engine.SortTasks(merged.Tasks)

	if offset >= len(merged.Tasks) {
		merged.Tasks = merged.Tasks[:0]
	} else {
		merged.Tasks = merged.Tasks[offset:min(offset+limit, len(merged.Tasks))]
	}
	return merged, nil
}

// Suggest merges suggestion lists, summing counts of identical entries,
// and re-applies the per-field limits. Order follows the first node that
// produced each entry.
func (a *Aggregator) Suggest(ctx context.Context, req engine.SuggestRequest) ([]smartql.Suggestion, error) {
	answers, err := scatter(ctx, a, "suggest", func(ctx context.Context, b Backend) ([]smartql.Suggestion, error) {
		return b.Suggest(ctx, req)
	})
	if err != nil {
		return nil, err
	}

	type key struct {
		kind                 smartql.SuggestionKind
		field, value, parent string
	}
	index := make(map[key]int)
	merged := make([]smartql.Suggestion, 0)
	for _, list := range answers {
		for _, s := range list {
			k := key{s.Kind, s.Field, s.Value, s.Parent}
			if i, ok := index[k]; ok {
				merged[i].Count += s.Count
				continue
			}
			index[k] = len(merged)
			merged = append(merged, s)
		}
	}
	return a.registry.LimitSuggestions(req.Input, merged), nil
}

// Histogram sums bucket counts across nodes.
func (a *Aggregator) Histogram(ctx context.Context, chips []smartql.SearchChip, interval time.Duration) ([]engine.HistogramPoint, error) {
	if interval <= 0 {
		interval = DefaultHistogramInterval
	}
	answers, err := scatter(ctx, a, "histogram", func(ctx context.Context, b Backend) ([]engine.HistogramPoint, error) {
		return b.Histogram(ctx, chips, interval)
	})
	if err != nil {
		return nil, err
	}

	combined := make(map[int64]int)
	for _, points := range answers {
		for _, p := range points {
			combined[p.Time] += p.Count
		}
	}
	result := make([]engine.HistogramPoint, 0, len(combined))
	for t, c := range combined {
		result = append(result, engine.HistogramPoint{Time: t, Count: c})
	}
	slices.SortFunc(result, func(x, y engine.HistogramPoint) int { return cmp.Compare(x.Time, y.Time) })
	return result, nil
}

// Stats adds up node statistics.
func (a *Aggregator) Stats(ctx context.Context, chips []smartql.SearchChip) (engine.SystemStats, error) {
	answers, err := scatter(ctx, a, "stats", func(ctx context.Context, b Backend) (engine.SystemStats, error) {
		return b.Stats(ctx, chips)
	})
	if err != nil {
		return engine.SystemStats{}, err
	}

	total := engine.SystemStats{
		StateCounts:  make(map[string]int),
		StatusCounts: make(map[string]int),
	}
	nodes := make(map[string]int)
	for _, s := range answers {
		total.TotalTasks += s.TotalTasks
		total.IngestionRate += s.IngestionRate
		total.MemoryBytes += s.MemoryBytes
		total.DiskUsage += s.DiskUsage
		total.Checkpoints += s.Checkpoints
		total.TotalUpdates += s.TotalUpdates
		if s.LastCheckpoint.After(total.LastCheckpoint) {
			total.LastCheckpoint = s.LastCheckpoint
		}
		total.TimeCache.Hits += s.TimeCache.Hits
		total.TimeCache.Misses += s.TimeCache.Misses
		total.TimeCache.Size += s.TimeCache.Size
		for k, v := range s.StateCounts {
			total.StateCounts[k] += v
		}
		for k, v := range s.StatusCounts {
			total.StatusCounts[k] += v
		}
		for _, n := range s.TopNodes {
			nodes[n.Node] += n.Count
		}
	}

	for node, n := range nodes {
		total.TopNodes = append(total.TopNodes, engine.NodeCount{Node: node, Count: n})
	}
	slices.SortFunc(total.TopNodes, func(x, y engine.NodeCount) int {
		if c := cmp.Compare(y.Count, x.Count); c != 0 {
			return c
		}
		return cmp.Compare(x.Node, y.Node)
	})
	if len(total.TopNodes) > topNodes {
		total.TopNodes = total.TopNodes[:topNodes]
	}
	return total, nil
}
