package server

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/valyala/fastjson"

	"github.com/NVIDIA/OSMO-sub002/internal/model"
)

// maxIngestBody bounds a single ingest request.
const maxIngestBody = 32 << 20

const clientIDHeader = "X-Client-ID"

// handleIngest accepts one task object or an array of them.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxIngestBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "Request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "Failed to read body", http.StatusBadRequest)
		return
	}

	p := s.parser.Get()
	defer s.parser.Put(p)

	v, err := p.ParseBytes(body)
	if err != nil {
		http.Error(w, fmt.Sprintf("Invalid JSON: %v", err), http.StatusBadRequest)
		return
	}

	values := []*fastjson.Value{v}
	if v.Type() == fastjson.TypeArray {
		values, _ = v.Array()
	}

	tasks := make([]model.Task, 0, len(values))
	for i, val := range values {
		t, err := parseTask(val)
		if err != nil {
			http.Error(w, fmt.Sprintf("task %d: %v", i, err), http.StatusBadRequest)
			return
		}
		tasks = append(tasks, t)
	}

	n, err := s.queryEngine.Ingest(tasks...)
	if err != nil {
		s.logger.Error("ingest failed", "accepted", n, "error", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	// One fsync per request keeps batches cheap.
	s.queryEngine.SyncWAL()

	if id := r.Header.Get(clientIDHeader); id != "" && s.clients != nil {
		s.clients.Store().RecordBatch(id, n)
	}
	writeJSON(w, http.StatusOK, map[string]int{"accepted": n})
}

// parseTask decodes the snake_case task object. Times may be RFC 3339
// strings or epoch numbers.
func parseTask(v *fastjson.Value) (model.Task, error) {
	if v.Type() != fastjson.TypeObject {
		return model.Task{}, fmt.Errorf("expected object, got %s", v.Type())
	}

	t := model.Task{
		WorkflowID: string(v.GetStringBytes("workflow_id")),
		Name:       string(v.GetStringBytes("name")),
		Status:     model.Status(strings.ToUpper(string(v.GetStringBytes("status")))),
		NodeName:   string(v.GetStringBytes("node_name")),
		PodIP:      string(v.GetStringBytes("pod_ip")),
		RetryID:    v.GetInt("retry_id"),
	}

	if ev := v.Get("exit_code"); ev != nil && ev.Type() != fastjson.TypeNull {
		code, err := ev.Int()
		if err != nil {
			return model.Task{}, fmt.Errorf("exit_code: %w", err)
		}
		t.ExitCode = &code
	}
	if dv := v.Get("duration"); dv != nil && dv.Type() != fastjson.TypeNull {
		d, err := dv.Float64()
		if err != nil {
			return model.Task{}, fmt.Errorf("duration: %w", err)
		}
		t.Duration = &d
	}

	var err error
	if t.StartTime, err = parseTime(v.Get("start_time")); err != nil {
		return model.Task{}, fmt.Errorf("start_time: %w", err)
	}
	if t.EndTime, err = parseTime(v.Get("end_time")); err != nil {
		return model.Task{}, fmt.Errorf("end_time: %w", err)
	}
	return t, nil
}

func parseTime(v *fastjson.Value) (*time.Time, error) {
	if v == nil {
		return nil, nil
	}
	switch v.Type() {
	case fastjson.TypeNull:
		return nil, nil
	case fastjson.TypeNumber:
		ts := model.TimeFromEpoch(v.GetFloat64())
		return &ts, nil
	case fastjson.TypeString:
		ts, err := model.ParseTimestamp(string(v.GetStringBytes()))
		if err != nil {
			return nil, err
		}
		return &ts, nil
	default:
		return nil, fmt.Errorf("unexpected %s", v.Type())
	}
}
