package cluster

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NVIDIA/OSMO-sub002/internal/engine"
	"github.com/NVIDIA/OSMO-sub002/internal/model"
	"github.com/NVIDIA/OSMO-sub002/internal/pkg/smartql"
)

var t0 = time.Date(2024, 1, 5, 12, 0, 0, 0, time.UTC)

func newEngine(t *testing.T, node string, hours ...int) *engine.QueryEngine {
	t.Helper()
	qe, err := engine.NewQueryEngine(engine.Options{Logger: quietLogger()})
	require.NoError(t, err)
	for _, h := range hours {
		start := t0.Add(time.Duration(h) * time.Hour)
		_, err := qe.Ingest(model.Task{
			WorkflowID: node,
			Name:       fmt.Sprintf("%s-%d", node, h),
			Status:     model.StatusCompleted,
			NodeName:   node,
			StartTime:  &start,
		})
		require.NoError(t, err)
	}
	return qe
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type failing struct{}

var errDown = errors.New("node down")

func (failing) Search(context.Context, engine.SearchRequest) (engine.SearchResult, error) {
	return engine.SearchResult{}, errDown
}

func (failing) Suggest(context.Context, engine.SuggestRequest) ([]smartql.Suggestion, error) {
	return nil, errDown
}

func (failing) Histogram(context.Context, []smartql.SearchChip, time.Duration) ([]engine.HistogramPoint, error) {
	return nil, errDown
}

func (failing) Stats(context.Context, []smartql.SearchChip) (engine.SystemStats, error) {
	return engine.SystemStats{}, errDown
}

func twoNodes(t *testing.T) *Aggregator {
	a := newEngine(t, "dgx-01", 0, 2, 4)
	b := newEngine(t, "dgx-02", 1, 3)
	return NewAggregator(quietLogger(),
		Node{Name: "a", Backend: Local{Engine: a}},
		Node{Name: "b", Backend: Local{Engine: b}},
		Node{Name: "down", Backend: failing{}},
	)
}

func TestAggregatorSearchMergesAndPages(t *testing.T) {
	agg := twoNodes(t)
	ctx := context.Background()

	res, err := agg.Search(ctx, engine.SearchRequest{Limit: 2, Offset: 1})
	require.NoError(t, err)
	assert.Equal(t, 5, res.Total)
	require.Len(t, res.Tasks, 2)
	assert.Equal(t, "dgx-02-3", res.Tasks[0].Name)
	assert.Equal(t, "dgx-01-2", res.Tasks[1].Name)

	res, err = agg.Search(ctx, engine.SearchRequest{
		Chips: []smartql.SearchChip{{Field: "node", Value: "dgx-02"}},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Total)

	res, err = agg.Search(ctx, engine.SearchRequest{Offset: 10})
	require.NoError(t, err)
	assert.NotNil(t, res.Tasks)
	assert.Empty(t, res.Tasks)
}

func TestAggregatorSuggestSumsCounts(t *testing.T) {
	agg := twoNodes(t)
	got, err := agg.Suggest(context.Background(), engine.SuggestRequest{Input: "node:"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "dgx-01", got[0].Value)
	assert.Equal(t, 3, got[0].Count)
	assert.Equal(t, 2, got[1].Count)

	got, err = agg.Suggest(context.Background(), engine.SuggestRequest{Input: "comp"})
	require.NoError(t, err)
	require.NotEmpty(t, got)
	assert.Equal(t, smartql.KindState, got[0].Kind)
	assert.Equal(t, 5, got[0].Count)
}

func TestAggregatorHistogramAndStats(t *testing.T) {
	agg := twoNodes(t)
	ctx := context.Background()

	points, err := agg.Histogram(ctx, nil, 2*time.Hour)
	require.NoError(t, err)
	require.Len(t, points, 3)
	assert.Equal(t, 2, points[0].Count)
	assert.Equal(t, 2, points[1].Count)
	assert.Equal(t, 1, points[2].Count)

	stats, err := agg.Stats(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 5, stats.TotalTasks)
	assert.Equal(t, 5, stats.StateCounts["completed"])
	require.Len(t, stats.TopNodes, 2)
	assert.Equal(t, engine.NodeCount{Node: "dgx-01", Count: 3}, stats.TopNodes[0])
}

func TestAggregatorAllNodesDown(t *testing.T) {
	agg := NewAggregator(quietLogger(), Node{Name: "down", Backend: failing{}})
	_, err := agg.Search(context.Background(), engine.SearchRequest{})
	assert.ErrorIs(t, err, ErrNoNodes)
	_, err = agg.Stats(context.Background(), nil)
	assert.ErrorIs(t, err, ErrNoNodes)
}

// spreadEngine holds n tasks named train-<tag>-NN, each on its own node.
func spreadEngine(t *testing.T, tag string, n int) *engine.QueryEngine {
	t.Helper()
	qe, err := engine.NewQueryEngine(engine.Options{Logger: quietLogger()})
	require.NoError(t, err)
	for i := range n {
		start := t0.Add(time.Duration(i) * time.Minute)
		_, err := qe.Ingest(model.Task{
			WorkflowID: tag,
			Name:       fmt.Sprintf("train-%s-%02d", tag, i),
			Status:     model.StatusCompleted,
			NodeName:   fmt.Sprintf("dgx-%s%02d", tag, i),
			StartTime:  &start,
		})
		require.NoError(t, err)
	}
	return qe
}

func TestAggregatorSuggestKeepsLimits(t *testing.T) {
	agg := NewAggregator(quietLogger(),
		Node{Name: "a", Backend: Local{Engine: spreadEngine(t, "a", 12)}},
		Node{Name: "b", Backend: Local{Engine: spreadEngine(t, "b", 12)}},
	)
	ctx := context.Background()

	valuesOf := func(items []smartql.Suggestion, field string) []string {
		var out []string
		for _, s := range items {
			if s.Kind == smartql.KindValue && s.Field == field {
				out = append(out, s.Value)
			}
		}
		return out
	}

	got, err := agg.Suggest(ctx, engine.SuggestRequest{Input: "train"})
	require.NoError(t, err)
	assert.Len(t, valuesOf(got, smartql.FieldName), 5)

	got, err = agg.Suggest(ctx, engine.SuggestRequest{Input: "dgx"})
	require.NoError(t, err)
	assert.Len(t, valuesOf(got, smartql.FieldNode), 3)

	got, err = agg.Suggest(ctx, engine.SuggestRequest{Input: "node:"})
	require.NoError(t, err)
	nodes := valuesOf(got, smartql.FieldNode)
	require.Len(t, nodes, smartql.MaxFieldValues)
	assert.Equal(t, "dgx-a00", nodes[0])
}

func TestAggregatorSearchRejectsDeepPages(t *testing.T) {
	agg := twoNodes(t)
	ctx := context.Background()

	_, err := agg.Search(ctx, engine.SearchRequest{Offset: engine.MaxLimit - 10, Limit: 20})
	assert.ErrorIs(t, err, ErrPageTooDeep)

	res, err := agg.Search(ctx, engine.SearchRequest{Offset: engine.MaxLimit - 20, Limit: 20})
	require.NoError(t, err)
	assert.Equal(t, 5, res.Total)
	assert.Empty(t, res.Tasks)
}
