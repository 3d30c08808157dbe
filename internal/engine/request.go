package engine

import (
	"github.com/NVIDIA/OSMO-sub002/internal/model"
	"github.com/NVIDIA/OSMO-sub002/internal/pkg/smartql"
)

const (
	DefaultLimit = 100
	MaxLimit     = 5000
)

// SearchRequest selects a page of tasks matching chips.
type SearchRequest struct {
	Chips  []smartql.SearchChip `json:"chips"`
	Limit  int                  `json:"limit"`
	Offset int                  `json:"offset"`
}

// SearchResult is one page of matching tasks, newest start first.
type SearchResult struct {
	Total int          `json:"total"`
	Tasks []model.Task `json:"tasks"`
}

// SuggestRequest asks for completions of Input. Counts are taken over the
// tasks matching Chips.
type SuggestRequest struct {
	Input string               `json:"input"`
	Chips []smartql.SearchChip `json:"chips"`
}

// Page returns the clamped offset and limit.
func (r SearchRequest) Page() (offset, limit int) {
	limit = r.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	return max(r.Offset, 0), limit
}
