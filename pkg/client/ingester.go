package client

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/NVIDIA/OSMO-sub002/internal/model"
)

var (
	ErrQueueFull = errors.New("ingest queue full")
	ErrClosed    = errors.New("ingester closed")
)

const (
	defaultBatchSize     = 100
	defaultFlushInterval = time.Second
	defaultQueueSize     = 10000
)

// Ingester batches task updates and uploads them in the background.
type Ingester struct {
	client *Client
	logger *slog.Logger

	batchSize int
	interval  time.Duration

	queue chan model.Task
	done  chan struct{}
	wg    sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewIngester performs the handshake and starts the upload loop. When
// the handshake fails the default batch settings are used.
func NewIngester(ctx context.Context, c *Client, source string, logger *slog.Logger) *Ingester {
	if logger == nil {
		logger = slog.Default()
	}
	in := &Ingester{
		client:    c,
		logger:    logger,
		batchSize: defaultBatchSize,
		interval:  defaultFlushInterval,
		queue:     make(chan model.Task, defaultQueueSize),
		done:      make(chan struct{}),
	}

	if cfg, err := c.Handshake(ctx, source); err != nil {
		logger.Warn("handshake failed, using default batching", "server", c.URL(), "error", err)
	} else {
		if cfg.BatchSize > 0 {
			in.batchSize = cfg.BatchSize
		}
		if cfg.FlushIntervalMs > 0 {
			in.interval = time.Duration(cfg.FlushIntervalMs) * time.Millisecond
		}
	}

	in.wg.Add(1)
	go in.runLoop()
	return in
}

// Add queues a task without blocking.
func (in *Ingester) Add(t model.Task) error {
	in.mu.RLock()
	defer in.mu.RUnlock()
	if in.closed {
		return ErrClosed
	}
	select {
	case in.queue <- t:
		return nil
	default:
		return ErrQueueFull
	}
}

func (in *Ingester) runLoop() {
	defer in.wg.Done()
	ticker := time.NewTicker(in.interval)
	defer ticker.Stop()

	batch := make([]model.Task, 0, in.batchSize)
	send := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), in.client.opts.Timeout)
		defer cancel()
		if _, err := in.client.Ingest(ctx, batch); err != nil {
			in.logger.Error("ingest batch failed", "tasks", len(batch), "error", err)
		}
		batch = batch[:0]
	}

	for {
		select {
		case t := <-in.queue:
			batch = append(batch, t)
			if len(batch) >= in.batchSize {
				send()
			}
		case <-ticker.C:
			send()
		case <-in.done:
			for {
				select {
				case t := <-in.queue:
					batch = append(batch, t)
					if len(batch) >= in.batchSize {
						send()
					}
				default:
					send()
					return
				}
			}
		}
	}
}

// Close uploads whatever is queued and stops the loop.
func (in *Ingester) Close() {
	in.mu.Lock()
	if in.closed {
		in.mu.Unlock()
		return
	}
	in.closed = true
	in.mu.Unlock()

	close(in.done)
	in.wg.Wait()
}
