package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/NVIDIA/OSMO-sub002/internal/cluster"
	"github.com/NVIDIA/OSMO-sub002/internal/controller"
	"github.com/NVIDIA/OSMO-sub002/internal/engine"
	"github.com/NVIDIA/OSMO-sub002/internal/export"
	"github.com/NVIDIA/OSMO-sub002/internal/pkg/smartql"
)

// chipsFromQuery reads repeated f=field:value parameters and, when
// present, the q query line.
func (s *Server) chipsFromQuery(q url.Values) ([]smartql.SearchChip, error) {
	reg := s.queryEngine.Registry()
	chips, err := reg.ChipsFromParams(q[smartql.ChipParam])
	if err != nil {
		return nil, err
	}
	if line := q.Get("q"); line != "" {
		parsed, err := reg.ParseQuery(line)
		if err != nil {
			return nil, err
		}
		for _, c := range parsed {
			chips = smartql.AddChip(chips, c)
		}
	}
	return chips, nil
}

func (s *Server) backendError(w http.ResponseWriter, op string, err error) {
	s.logger.Error("query failed", "op", op, "error", err)
	http.Error(w, "Query failed", http.StatusBadGateway)
}

type fieldInfo struct {
	ID       string `json:"id"`
	Label    string `json:"label"`
	Prefix   string `json:"prefix"`
	FreeForm bool   `json:"free_form"`
	Hint     string `json:"hint,omitempty"`
	Singular bool   `json:"singular"`
}

func (s *Server) handleFields(w http.ResponseWriter, r *http.Request) {
	fields := s.queryEngine.Registry().Fields()
	out := make([]fieldInfo, 0, len(fields))
	for _, f := range fields {
		out = append(out, fieldInfo{
			ID:       f.ID,
			Label:    f.Label,
			Prefix:   f.Prefix,
			FreeForm: f.FreeForm,
			Hint:     f.Hint,
			Singular: smartql.IsSingular(f.ID),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type searchResponse struct {
	engine.SearchResult
	Chips []smartql.SearchChip `json:"chips"`
	Query string               `json:"query"`
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	chips, err := s.chipsFromQuery(q)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	req := engine.SearchRequest{Chips: chips}
	if req.Limit, err = intParam(q, "limit"); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Offset, err = intParam(q, "offset"); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	res, err := s.backend.Search(r.Context(), req)
	if errors.Is(err, cluster.ErrPageTooDeep) {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err != nil {
		s.backendError(w, "search", err)
		return
	}
	writeJSON(w, http.StatusOK, searchResponse{
		SearchResult: res,
		Chips:        nonNilChips(chips),
		Query:        smartql.EncodeChips(chips),
	})
}

func (s *Server) handleSuggest(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	chips, err := s.chipsFromQuery(q)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	out, err := s.backend.Suggest(r.Context(), engine.SuggestRequest{Input: q.Get("input"), Chips: chips})
	if err != nil {
		s.backendError(w, "suggest", err)
		return
	}
	if out == nil {
		out = []smartql.Suggestion{}
	}
	writeJSON(w, http.StatusOK, out)
}

// chipRequest is one edit of the chip bar.
type chipRequest struct {
	// Action is input, suggestion, remove, pop, parse or decode.
	Action     string               `json:"action"`
	Chips      []smartql.SearchChip `json:"chips"`
	Input      string               `json:"input"`
	Index      int                  `json:"index"`
	Suggestion *smartql.Suggestion  `json:"suggestion"`
}

type chipResponse struct {
	Chips []smartql.SearchChip `json:"chips"`
	Query string               `json:"query"`
	// Accepted is false when the input did not form a chip and should be
	// left for the user to correct.
	Accepted bool `json:"accepted"`
}

func (s *Server) handleChips(w http.ResponseWriter, r *http.Request) {
	var req chipRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	reg := s.queryEngine.Registry()
	chips := req.Chips
	accepted := true

	switch req.Action {
	case "input":
		c, ok := reg.ChipFromInput(req.Input)
		if ok {
			chips = smartql.AddChip(chips, c)
		}
		accepted = ok
	case "suggestion":
		if req.Suggestion == nil {
			http.Error(w, "suggestion is required", http.StatusBadRequest)
			return
		}
		c, ok := reg.ChipFromSuggestion(*req.Suggestion)
		if ok {
			chips = smartql.AddChip(chips, c)
		}
		accepted = ok
	case "remove":
		if req.Index < 0 || req.Index >= len(chips) {
			http.Error(w, "index out of range", http.StatusBadRequest)
			return
		}
		chips = smartql.RemoveChip(chips, req.Index)
	case "pop":
		chips = smartql.PopChip(chips)
	case "parse":
		parsed, err := reg.ParseQuery(req.Input)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		for _, c := range parsed {
			chips = smartql.AddChip(chips, c)
		}
	case "decode":
		decoded, err := reg.DecodeChips(req.Input)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		chips = decoded
	default:
		http.Error(w, "Unknown action", http.StatusBadRequest)
		return
	}

	writeJSON(w, http.StatusOK, chipResponse{
		Chips:    nonNilChips(chips),
		Query:    smartql.EncodeChips(chips),
		Accepted: accepted,
	})
}

func (s *Server) handleHistogram(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	chips, err := s.chipsFromQuery(q)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var interval time.Duration
	if raw := q.Get("interval"); raw != "" {
		d, ok := smartql.ParseDuration(raw)
		if !ok {
			http.Error(w, "Invalid interval", http.StatusBadRequest)
			return
		}
		interval = d
	}

	points, err := s.backend.Histogram(r.Context(), chips, interval)
	if err != nil {
		s.backendError(w, "histogram", err)
		return
	}
	writeJSON(w, http.StatusOK, points)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	chips, err := s.chipsFromQuery(r.URL.Query())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	stats, err := s.backend.Stats(r.Context(), chips)
	if err != nil {
		s.backendError(w, "stats", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleExport streams up to engine.MaxLimit matching tasks as XLSX.
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	chips, err := s.chipsFromQuery(r.URL.Query())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	res, err := s.backend.Search(r.Context(), engine.SearchRequest{Chips: chips, Limit: engine.MaxLimit})
	if err != nil {
		s.backendError(w, "export", err)
		return
	}

	var buf bytes.Buffer
	if err := export.WriteXLSX(&buf, res.Tasks, chips); err != nil {
		s.logger.Error("export failed", "error", err)
		http.Error(w, "Export failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", `attachment; filename="tasks.xlsx"`)
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.Write(buf.Bytes())
}

type viewResponse struct {
	controller.SavedView
	Query string `json:"query"`
}

func (s *Server) handleListViews(w http.ResponseWriter, r *http.Request) {
	views := s.metaStore.Views(principalFrom(r.Context()).owner())
	out := make([]viewResponse, len(views))
	for i, v := range views {
		out[i] = viewResponse{SavedView: v, Query: smartql.EncodeChips(v.Chips)}
	}
	writeJSON(w, http.StatusOK, out)
}

// handleSaveView stores chips, or the chips of a query line, under a name.
func (s *Server) handleSaveView(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name  string               `json:"name"`
		Chips []smartql.SearchChip `json:"chips"`
		Query string               `json:"query"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	chips := req.Chips
	if len(chips) == 0 && req.Query != "" {
		parsed, err := s.queryEngine.Registry().ParseQuery(req.Query)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		chips = parsed
	}
	for _, c := range chips {
		if _, ok := s.queryEngine.Registry().ByID(c.Field); !ok {
			http.Error(w, smartql.ErrUnknownField.Error()+": "+c.Field, http.StatusBadRequest)
			return
		}
	}

	v, err := s.metaStore.SaveView(principalFrom(r.Context()).owner(), req.Name, chips)
	if err != nil {
		if errors.Is(err, controller.ErrEmptyView) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, viewResponse{SavedView: v, Query: smartql.EncodeChips(v.Chips)})
}

func (s *Server) handleGetView(w http.ResponseWriter, r *http.Request) {
	v, ok := s.metaStore.GetView(principalFrom(r.Context()).owner(), r.PathValue("id"))
	if !ok {
		http.Error(w, "View not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, viewResponse{SavedView: v, Query: smartql.EncodeChips(v.Chips)})
}

func (s *Server) handleDeleteView(w http.ResponseWriter, r *http.Request) {
	err := s.metaStore.DeleteView(principalFrom(r.Context()).owner(), r.PathValue("id"))
	if errors.Is(err, os.ErrNotExist) {
		http.Error(w, "View not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func intParam(q url.Values, name string) (int, error) {
	raw := q.Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.New("invalid " + name)
	}
	return n, nil
}

func nonNilChips(chips []smartql.SearchChip) []smartql.SearchChip {
	if chips == nil {
		return []smartql.SearchChip{}
	}
	return chips
}
