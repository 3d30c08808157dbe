package engine

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/NVIDIA/OSMO-sub002/internal/model"
)

// WAL handles write-ahead logging of task updates between checkpoints.
type WAL struct {
	file *os.File
	path string
	mu   sync.Mutex
}

// OpenWAL opens or creates a WAL file at the specified path.
func OpenWAL(path string) (*WAL, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}
	return &WAL{
		file: f,
		path: path,
	}, nil
}

// Write records a task update. Format: [Len uint32][JSON Bytes].
func (w *WAL) Write(t model.Task) error {
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	buf := binary.LittleEndian.AppendUint32(make([]byte, 0, 4+len(data)), uint32(len(data)))
	buf = append(buf, data...)

	w.mu.Lock()
	defer w.mu.Unlock()
	_, err = w.file.Write(buf)
	return err
}

// Sync flushes the WAL file buffers to disk.
func (w *WAL) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Sync()
}

// Reset truncates the WAL file.
func (w *WAL) Reset() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.file.Truncate(0); err != nil {
		return err
	}
	_, err := w.file.Seek(0, io.SeekStart)
	return err
}

// Close closes the WAL file.
func (w *WAL) Close() error {
	return w.file.Close()
}

// Replay reads every task update recorded since the last reset. A torn
// record at the tail is reported along with the updates read before it.
func (w *WAL) Replay() ([]model.Task, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	defer w.file.Seek(0, io.SeekEnd)

	var tasks []model.Task
	lenBuf := make([]byte, 4)
	for {
		_, err := io.ReadFull(w.file, lenBuf)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return tasks, fmt.Errorf("wal replay (len): %w", err)
		}

		data := make([]byte, binary.LittleEndian.Uint32(lenBuf))
		if _, err := io.ReadFull(w.file, data); err != nil {
			return tasks, fmt.Errorf("wal replay (data): %w", err)
		}

		var t model.Task
		if err := json.Unmarshal(data, &t); err != nil {
			return tasks, fmt.Errorf("wal replay (unmarshal): %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}
