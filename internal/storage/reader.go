package storage

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/NVIDIA/OSMO-sub002/internal/model"
)

var (
	ErrInvalidHeader  = errors.New("invalid .snap file header")
	ErrFileTooSmall   = errors.New("file too small")
	ErrColumnMismatch = errors.New("column length mismatch")
)

// Footer is the fixed trailer of a snapshot file.
type Footer struct {
	RowCount int
	MinStart time.Time
	MaxStart time.Time
}

type SnapshotReader struct {
	decoder *zstd.Decoder
}

func NewSnapshotReader() (*SnapshotReader, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	return &SnapshotReader{decoder: dec}, nil
}

// ReadFooter validates the header and returns the trailer without
// decompressing any column.
func (sr *SnapshotReader) ReadFooter(path string) (Footer, error) {
	f, err := os.Open(path)
	if err != nil {
		return Footer{}, err
	}
	defer f.Close()
	return readFooter(f)
}

func readFooter(f *os.File) (Footer, error) {
	header := make([]byte, len(MagicHeader))
	if _, err := io.ReadFull(f, header); err != nil {
		return Footer{}, err
	}
	if !bytes.Equal(header, MagicHeader) {
		return Footer{}, ErrInvalidHeader
	}

	info, err := f.Stat()
	if err != nil {
		return Footer{}, err
	}
	if info.Size() < int64(len(MagicHeader)+footerSize) {
		return Footer{}, ErrFileTooSmall
	}

	buf := make([]byte, footerSize)
	if _, err := f.ReadAt(buf, info.Size()-footerSize); err != nil {
		return Footer{}, err
	}
	ft := Footer{RowCount: int(binary.LittleEndian.Uint32(buf[0:4]))}
	if minMs := int64(binary.LittleEndian.Uint64(buf[4:12])); minMs != 0 {
		ft.MinStart = time.UnixMilli(minMs).UTC()
	}
	if maxMs := int64(binary.LittleEndian.Uint64(buf[12:20])); maxMs != 0 {
		ft.MaxStart = time.UnixMilli(maxMs).UTC()
	}
	return ft, nil
}

// ReadSnapshot loads every task stored in a .snap file.
func (sr *SnapshotReader) ReadSnapshot(path string) ([]model.Task, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	ft, err := readFooter(f)
	if err != nil {
		return nil, err
	}
	if ft.RowCount == 0 {
		return nil, nil
	}
	n := ft.RowCount

	var strCols [5][]string
	for i := range strCols {
		raw, err := sr.readAndDecompress(f)
		if err != nil {
			return nil, fmt.Errorf("read string column %d: %w", i, err)
		}
		if strCols[i], err = decodeStrings(raw); err != nil {
			return nil, err
		}
		if len(strCols[i]) != n {
			return nil, ErrColumnMismatch
		}
	}
	var intCols [5][]int64
	for i := range intCols {
		raw, err := sr.readAndDecompress(f)
		if err != nil {
			return nil, fmt.Errorf("read int column %d: %w", i, err)
		}
		intCols[i] = decodeInt64s(raw)
		if len(intCols[i]) != n {
			return nil, ErrColumnMismatch
		}
	}
	flags, err := sr.readAndDecompress(f)
	if err != nil {
		return nil, fmt.Errorf("read flags: %w", err)
	}
	if len(flags) != n {
		return nil, ErrColumnMismatch
	}

	tasks := make([]model.Task, n)
	for i := range tasks {
		t := model.Task{
			WorkflowID: strCols[0][i],
			Name:       strCols[1][i],
			Status:     model.Status(strCols[2][i]),
			NodeName:   strCols[3][i],
			PodIP:      strCols[4][i],
			RetryID:    int(intCols[1][i]),
		}
		if flags[i]&hasExitCode != 0 {
			code := int(intCols[0][i])
			t.ExitCode = &code
		}
		if flags[i]&hasStartTime != 0 {
			ts := time.UnixMilli(intCols[2][i]).UTC()
			t.StartTime = &ts
		}
		if flags[i]&hasEndTime != 0 {
			ts := time.UnixMilli(intCols[3][i]).UTC()
			t.EndTime = &ts
		}
		if flags[i]&hasDuration != 0 {
			d := math.Float64frombits(uint64(intCols[4][i]))
			t.Duration = &d
		}
		tasks[i] = t
	}
	return tasks, nil
}

// readAndDecompress reads a compressed block (size + data) and decompresses it.
func (sr *SnapshotReader) readAndDecompress(r io.Reader) ([]byte, error) {
	var size uint32
	if err := binary.Read(r, binary.LittleEndian, &size); err != nil {
		return nil, err
	}
	compressed := make([]byte, size)
	if _, err := io.ReadFull(r, compressed); err != nil {
		return nil, err
	}
	return sr.decoder.DecodeAll(compressed, nil)
}

func decodeInt64s(data []byte) []int64 {
	out := make([]int64, len(data)/8)
	for i := range out {
		out[i] = int64(binary.LittleEndian.Uint64(data[i*8:]))
	}
	return out
}

// decodeStrings parses [Len uint32][Bytes]... blocks.
func decodeStrings(data []byte) ([]string, error) {
	var out []string
	for len(data) > 0 {
		if len(data) < 4 {
			return nil, ErrColumnMismatch
		}
		l := int(binary.LittleEndian.Uint32(data))
		data = data[4:]
		if l > len(data) {
			return nil, ErrColumnMismatch
		}
		out = append(out, string(data[:l]))
		data = data[l:]
	}
	return out, nil
}
