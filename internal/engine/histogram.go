package engine

import (
	"cmp"
	"slices"
	"time"

	"github.com/NVIDIA/OSMO-sub002/internal/pkg/smartql"
)

// maxBuckets bounds the histogram when the interval is derived.
const maxBuckets = 60

type HistogramPoint struct {
	Time  int64 `json:"time"` // bucket start, unix millis
	Count int   `json:"count"`
}

// ComputeHistogram buckets the start times of tasks matching chips.
// A non-positive interval is derived from the span of start times.
func (qe *QueryEngine) ComputeHistogram(chips []smartql.SearchChip, interval time.Duration) []HistogramPoint {
	started := time.Now()
	tasks := qe.Filter(chips)

	var starts []int64
	for _, t := range tasks {
		if ts, ok := t.GetStartTime(); ok {
			starts = append(starts, ts.UnixMilli())
		}
	}
	qe.metrics.ObserveQuery("histogram", len(chips), len(starts), time.Since(started))
	if len(starts) == 0 {
		return []HistogramPoint{}
	}

	step := interval.Milliseconds()
	if step <= 0 {
		step = autoInterval(slices.Min(starts), slices.Max(starts))
	}

	buckets := make(map[int64]int)
	for _, ts := range starts {
		buckets[floorDiv(ts, step)*step]++
	}

	points := make([]HistogramPoint, 0, len(buckets))
	for t, c := range buckets {
		points = append(points, HistogramPoint{Time: t, Count: c})
	}
	slices.SortFunc(points, func(a, b HistogramPoint) int { return cmp.Compare(a.Time, b.Time) })
	return points
}

var niceIntervals = []time.Duration{
	time.Minute, 5 * time.Minute, 15 * time.Minute, 30 * time.Minute,
	time.Hour, 3 * time.Hour, 6 * time.Hour, 12 * time.Hour, 24 * time.Hour, 7 * 24 * time.Hour,
}

// autoInterval picks the smallest round interval giving at most maxBuckets.
func autoInterval(minTs, maxTs int64) int64 {
	span := maxTs - minTs
	for _, d := range niceIntervals {
		if span/d.Milliseconds() < maxBuckets {
			return d.Milliseconds()
		}
	}
	return niceIntervals[len(niceIntervals)-1].Milliseconds()
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}
