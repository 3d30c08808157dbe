package model

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Task represents a single workflow task as reported by the scheduler.
// Optional attributes are pointers so that "absent" stays distinguishable
// from a zero value after a JSON round trip.
type Task struct {
	WorkflowID string     `json:"workflow_id,omitempty"`
	Name       string     `json:"name"`
	Status     Status     `json:"status"`
	NodeName   string     `json:"node_name,omitempty"`
	PodIP      string     `json:"pod_ip,omitempty"`
	ExitCode   *int       `json:"exit_code,omitempty"`
	RetryID    int        `json:"retry_id"`
	StartTime  *time.Time `json:"start_time,omitempty"`
	EndTime    *time.Time `json:"end_time,omitempty"`
	Duration   *float64   `json:"duration,omitempty"` // seconds
}

// Key identifies a task across status updates.
func (t Task) Key() string {
	return t.WorkflowID + "/" + t.Name + "/" + strconv.Itoa(t.RetryID)
}

func (t Task) GetName() string   { return t.Name }
func (t Task) GetStatus() string { return string(t.Status) }
func (t Task) GetRetryID() int   { return t.RetryID }

func (t Task) GetNodeName() (string, bool) {
	return t.NodeName, t.NodeName != ""
}

func (t Task) GetPodIP() (string, bool) {
	return t.PodIP, t.PodIP != ""
}

func (t Task) GetExitCode() (int, bool) {
	if t.ExitCode == nil {
		return 0, false
	}
	return *t.ExitCode, true
}

func (t Task) GetStartTime() (time.Time, bool) {
	if t.StartTime == nil {
		return time.Time{}, false
	}
	return *t.StartTime, true
}

func (t Task) GetEndTime() (time.Time, bool) {
	if t.EndTime == nil {
		return time.Time{}, false
	}
	return *t.EndTime, true
}

func (t Task) GetDuration() (time.Duration, bool) {
	if t.Duration == nil {
		return 0, false
	}
	return time.Duration(*t.Duration * float64(time.Second)), true
}

// SizeBytes estimates the in-memory footprint of the task.
func (t Task) SizeBytes() int64 {
	return int64(len(t.WorkflowID)+len(t.Name)+len(t.Status)+len(t.NodeName)+len(t.PodIP)) + 48
}

// epochMillisThreshold separates epoch seconds from epoch milliseconds.
const epochMillisThreshold = 1e12

// TimeFromEpoch converts an epoch number to UTC. Values above 1e12 are
// taken as milliseconds, smaller ones as seconds.
func TimeFromEpoch(v float64) time.Time {
	if math.Abs(v) >= epochMillisThreshold {
		return time.UnixMilli(int64(v)).UTC()
	}
	sec, frac := math.Modf(v)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC()
}

// ParseTimestamp accepts RFC 3339 text or an epoch number.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}
	if v, err := strconv.ParseFloat(s, 64); err == nil {
		return TimeFromEpoch(v), nil
	}
	return time.Time{}, fmt.Errorf("invalid timestamp %q", s)
}
