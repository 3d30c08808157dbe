// Package source loads task dumps from disk and keeps the engine fed as
// they change.
package source

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/minio/highwayhash"
	"github.com/ohler55/ojg/jp"
	"github.com/ohler55/ojg/oj"

	"github.com/NVIDIA/OSMO-sub002/internal/model"
)

// DefaultTaskPath selects every element of a top-level array, which is
// also how JSON lines files are presented.
const DefaultTaskPath = "$[*]"

// fingerprintKey is the fixed HighwayHash key for change detection.
var fingerprintKey = []byte("smartsearch-source-fingerprint!!")

// Result is the outcome of loading one file.
type Result struct {
	Path    string
	Tasks   []model.Task
	Skipped int
}

// Loader reads task dumps. It remembers a fingerprint per file so a scan
// only returns files whose contents changed.
type Loader struct {
	path      jp.Expr
	logger    *slog.Logger
	stateFile string

	mu           sync.Mutex
	fingerprints map[string]uint64
}

// NewLoader compiles taskPath, a JSONPath selecting task objects. When
// stateFile is set, fingerprints persist across restarts.
func NewLoader(taskPath, stateFile string, logger *slog.Logger) (*Loader, error) {
	if taskPath == "" {
		taskPath = DefaultTaskPath
	}
	x, err := jp.ParseString(taskPath)
	if err != nil {
		return nil, fmt.Errorf("invalid task path %q: %w", taskPath, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	l := &Loader{
		path:         x,
		logger:       logger,
		stateFile:    stateFile,
		fingerprints: make(map[string]uint64),
	}
	if stateFile != "" {
		if data, err := os.ReadFile(stateFile); err == nil {
			if err := json.Unmarshal(data, &l.fingerprints); err != nil {
				logger.Warn("ignoring corrupt source state", "file", stateFile, "error", err)
				l.fingerprints = make(map[string]uint64)
			}
		}
	}
	return l, nil
}

// Expand resolves glob patterns (with ** support) to regular files,
// sorted and deduplicated.
func Expand(patterns []string) ([]string, error) {
	var files []string
	for _, p := range patterns {
		matches, err := doublestar.FilepathGlob(p)
		if err != nil {
			return nil, fmt.Errorf("pattern %q: %w", p, err)
		}
		for _, m := range matches {
			info, err := os.Stat(m)
			if err != nil || info.IsDir() {
				continue
			}
			files = append(files, m)
		}
	}
	slices.Sort(files)
	return slices.Compact(files), nil
}

// Fingerprint hashes file contents.
func Fingerprint(data []byte) uint64 {
	return highwayhash.Sum64(data, fingerprintKey)
}

// LoadFile parses one dump, compressed or not, JSON or JSON lines.
func (l *Loader) LoadFile(path string) (Result, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Result{}, err
	}
	return l.load(path, raw)
}

func (l *Loader) load(path string, raw []byte) (Result, error) {
	data, err := Decompress(raw)
	if err != nil {
		return Result{}, fmt.Errorf("%s: %w", path, err)
	}
	doc, err := parseDocument(data, isJSONLines(path))
	if err != nil {
		return Result{}, fmt.Errorf("%s: %w", path, err)
	}

	res := Result{Path: path}
	for _, v := range l.path.Get(doc) {
		obj, ok := v.(map[string]any)
		if !ok {
			res.Skipped++
			continue
		}
		t, err := TaskFromMap(obj)
		if err != nil {
			res.Skipped++
			continue
		}
		res.Tasks = append(res.Tasks, t)
	}
	if res.Skipped > 0 {
		l.logger.Warn("skipped malformed task records", "file", path, "skipped", res.Skipped)
	}
	return res, nil
}

// isJSONLines reports whether the name, ignoring a compression suffix,
// marks newline-delimited JSON.
func isJSONLines(path string) bool {
	name := strings.ToLower(filepath.Base(path))
	for _, ext := range []string{".gz", ".xz", ".zst"} {
		name = strings.TrimSuffix(name, ext)
	}
	return strings.HasSuffix(name, ".jsonl") || strings.HasSuffix(name, ".ndjson")
}

// parseDocument accepts a JSON document or newline-delimited objects,
// which are presented as an array. Plain documents that fail to parse are
// retried as JSON lines.
func parseDocument(data []byte, lines bool) (any, error) {
	var err error
	if !lines {
		var doc any
		if doc, err = oj.Parse(data); err == nil {
			return doc, nil
		}
	}
	return parseLines(data, err)
}

func parseLines(data []byte, docErr error) (any, error) {

	var lines []any
	for i, line := range bytes.Split(data, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		v, err := oj.Parse(line)
		if err != nil {
			if docErr != nil && len(lines) == 0 {
				return nil, docErr
			}
			return nil, fmt.Errorf("line %d: %w", i+1, err)
		}
		lines = append(lines, v)
	}
	if lines == nil {
		lines = []any{}
	}
	return lines, nil
}

// Scan loads every file matched by patterns whose contents changed since
// the last scan.
func (l *Loader) Scan(patterns []string) ([]Result, error) {
	files, err := Expand(patterns)
	if err != nil {
		return nil, err
	}

	var results []Result
	for _, f := range files {
		raw, err := os.ReadFile(f)
		if err != nil {
			l.logger.Warn("failed to read dump", "file", f, "error", err)
			continue
		}
		sum := Fingerprint(raw)

		l.mu.Lock()
		prev, seen := l.fingerprints[f]
		l.mu.Unlock()
		if seen && prev == sum {
			continue
		}

		res, err := l.load(f, raw)
		if err != nil {
			l.logger.Warn("failed to load dump", "file", f, "error", err)
			continue
		}
		l.mu.Lock()
		l.fingerprints[f] = sum
		l.mu.Unlock()
		results = append(results, res)
	}
	return results, nil
}

// SaveState persists the fingerprints to the state file, if configured.
func (l *Loader) SaveState() error {
	if l.stateFile == "" {
		return nil
	}
	l.mu.Lock()
	data, err := json.Marshal(l.fingerprints)
	l.mu.Unlock()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(l.stateFile), 0755); err != nil {
		return err
	}
	tmp := l.stateFile + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, l.stateFile)
}

// Forget drops the fingerprint of path so the next scan reloads it.
func (l *Loader) Forget(path string) {
	l.mu.Lock()
	delete(l.fingerprints, path)
	l.mu.Unlock()
}

// TaskFromMap converts a decoded task object using the same field names
// as the ingest API.
func TaskFromMap(m map[string]any) (model.Task, error) {
	var t model.Task
	var err error

	if t.WorkflowID, err = stringField(m, "workflow_id"); err != nil {
		return t, err
	}
	if t.Name, err = stringField(m, "name"); err != nil {
		return t, err
	}
	status, err := stringField(m, "status")
	if err != nil {
		return t, err
	}
	t.Status = model.Status(strings.ToUpper(status))
	if t.NodeName, err = stringField(m, "node_name"); err != nil {
		return t, err
	}
	if t.PodIP, err = stringField(m, "pod_ip"); err != nil {
		return t, err
	}
	if t.Name == "" || t.Status == "" {
		return t, fmt.Errorf("task needs a name and a status")
	}

	if v, ok, err := numberField(m, "retry_id"); err != nil {
		return t, err
	} else if ok {
		t.RetryID = int(v)
	}
	if v, ok, err := numberField(m, "exit_code"); err != nil {
		return t, err
	} else if ok {
		code := int(v)
		t.ExitCode = &code
	}
	if v, ok, err := numberField(m, "duration"); err != nil {
		return t, err
	} else if ok {
		t.Duration = &v
	}

	for key, dst := range map[string]**time.Time{"start_time": &t.StartTime, "end_time": &t.EndTime} {
		ts, err := timeField(m, key)
		if err != nil {
			return t, err
		}
		*dst = ts
	}
	return t, nil
}

func stringField(m map[string]any, key string) (string, error) {
	switch v := m[key].(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	default:
		return "", fmt.Errorf("%s: expected string, got %T", key, v)
	}
}

func numberField(m map[string]any, key string) (float64, bool, error) {
	switch v := m[key].(type) {
	case nil:
		return 0, false, nil
	case int64:
		return float64(v), true, nil
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return 0, false, fmt.Errorf("%s: not a finite number", key)
		}
		return v, true, nil
	default:
		return 0, false, fmt.Errorf("%s: expected number, got %T", key, v)
	}
}

func timeField(m map[string]any, key string) (*time.Time, error) {
	switch v := m[key].(type) {
	case nil:
		return nil, nil
	case string:
		ts, err := model.ParseTimestamp(v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		return &ts, nil
	case int64:
		ts := model.TimeFromEpoch(float64(v))
		return &ts, nil
	case float64:
		ts := model.TimeFromEpoch(v)
		return &ts, nil
	default:
		return nil, fmt.Errorf("%s: expected time, got %T", key, v)
	}
}
