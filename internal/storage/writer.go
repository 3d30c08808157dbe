package storage

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"

	"github.com/NVIDIA/OSMO-sub002/internal/model"
)

// MagicHeader opens every .snap file.
var MagicHeader = []byte("SMTASKS1")

// footerSize is RowCount(4) + MinStart(8) + MaxStart(8).
const footerSize = 20

// Presence flags for optional task attributes.
const (
	hasExitCode uint8 = 1 << iota
	hasStartTime
	hasEndTime
	hasDuration
)

// SnapshotWriter writes task checkpoints as zstd-compressed columns.
type SnapshotWriter struct {
	encoder *zstd.Encoder
}

func NewSnapshotWriter() (*SnapshotWriter, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	return &SnapshotWriter{encoder: enc}, nil
}

// WriteSnapshot writes tasks to path. The file is written under a
// temporary name and renamed into place.
func (sw *SnapshotWriter) WriteSnapshot(path string, tasks []model.Task) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}

	if err := sw.write(f, tasks); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func (sw *SnapshotWriter) write(f *os.File, tasks []model.Task) error {
	if _, err := f.Write(MagicHeader); err != nil {
		return err
	}

	n := len(tasks)
	workflows := make([]string, n)
	names := make([]string, n)
	statuses := make([]string, n)
	nodes := make([]string, n)
	ips := make([]string, n)
	exits := make([]int64, n)
	retries := make([]int64, n)
	starts := make([]int64, n)
	ends := make([]int64, n)
	durations := make([]int64, n)
	flags := make([]byte, n)

	var minStart, maxStart int64
	for i, t := range tasks {
		workflows[i] = t.WorkflowID
		names[i] = t.Name
		statuses[i] = string(t.Status)
		nodes[i] = t.NodeName
		ips[i] = t.PodIP
		retries[i] = int64(t.RetryID)
		if t.ExitCode != nil {
			flags[i] |= hasExitCode
			exits[i] = int64(*t.ExitCode)
		}
		if t.StartTime != nil {
			flags[i] |= hasStartTime
			ms := t.StartTime.UnixMilli()
			starts[i] = ms
			if minStart == 0 || ms < minStart {
				minStart = ms
			}
			if ms > maxStart {
				maxStart = ms
			}
		}
		if t.EndTime != nil {
			flags[i] |= hasEndTime
			ends[i] = t.EndTime.UnixMilli()
		}
		if t.Duration != nil {
			flags[i] |= hasDuration
			durations[i] = int64(math.Float64bits(*t.Duration))
		}
	}

	if n > 0 {
		for _, col := range [][]string{workflows, names, statuses, nodes, ips} {
			if err := sw.compressAndWrite(f, encodeStrings(col)); err != nil {
				return err
			}
		}
		for _, col := range [][]int64{exits, retries, starts, ends, durations} {
			if err := sw.compressAndWrite(f, encodeInt64s(col)); err != nil {
				return err
			}
		}
		if err := sw.compressAndWrite(f, flags); err != nil {
			return err
		}
	}

	return writeFooter(f, uint32(n), minStart, maxStart)
}

func encodeStrings(data []string) []byte {
	var buf []byte
	for _, s := range data {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(s)))
		buf = append(buf, s...)
	}
	return buf
}

func encodeInt64s(data []int64) []byte {
	buf := make([]byte, 0, len(data)*8)
	for _, v := range data {
		buf = binary.LittleEndian.AppendUint64(buf, uint64(v))
	}
	return buf
}

func (sw *SnapshotWriter) compressAndWrite(f *os.File, raw []byte) error {
	compressed := sw.encoder.EncodeAll(raw, make([]byte, 0, len(raw)))
	if err := binary.Write(f, binary.LittleEndian, uint32(len(compressed))); err != nil {
		return fmt.Errorf("write block size: %w", err)
	}
	_, err := f.Write(compressed)
	return err
}

func writeFooter(f *os.File, rowCount uint32, minStart, maxStart int64) error {
	buf := binary.LittleEndian.AppendUint32(nil, rowCount)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(minStart))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(maxStart))
	_, err := f.Write(buf)
	return err
}
