package registry

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"
)

// Client is a process that pushes task updates: an SDK ingester or a
// file watcher.
type Client struct {
	ClientID     string `json:"client_id"`
	Name         string `json:"name"`
	Source       string `json:"source"` // "sdk", "watcher"
	Hostname     string `json:"hostname"`
	IP           string `json:"ip"`
	Version      string `json:"version"`
	RegisteredAt int64  `json:"registered_at"`
	LastSeenAt   int64  `json:"last_seen_at"`
	TasksSent    int64  `json:"tasks_sent"`
}

// BatchConfig tells a client how to batch its uploads.
type BatchConfig struct {
	BatchSize       int `json:"batch_size"`
	FlushIntervalMs int `json:"flush_interval_ms"`
}

// Store tracks live ingest clients.
type Store struct {
	mu      sync.RWMutex
	clients map[string]*Client
	now     func() time.Time
}

// NewStore creates a new registry store.
func NewStore() *Store {
	return &Store{
		clients: make(map[string]*Client),
		now:     time.Now,
	}
}

// RegisterOrUpdate adds a new client or refreshes an existing one,
// keeping its registration time and counters.
func (s *Store) RegisterOrUpdate(c Client) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().Unix()
	if existing, ok := s.clients[c.ClientID]; ok {
		c.RegisteredAt = existing.RegisteredAt
		c.TasksSent = existing.TasksSent
	} else if c.RegisteredAt == 0 {
		c.RegisteredAt = now
	}
	c.LastSeenAt = now
	s.clients[c.ClientID] = &c
}

// GetClient retrieves a copy of a client by ID.
func (s *Store) GetClient(id string) (Client, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.clients[id]
	if !ok {
		return Client{}, false
	}
	return *c, true
}

// ListClients returns all clients, most recently seen first.
func (s *Store) ListClients() []Client {
	s.mu.RLock()
	list := make([]Client, 0, len(s.clients))
	for _, c := range s.clients {
		list = append(list, *c)
	}
	s.mu.RUnlock()

	slices.SortFunc(list, func(a, b Client) int {
		if c := cmp.Compare(b.LastSeenAt, a.LastSeenAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ClientID, b.ClientID)
	})
	return list
}

// RecordBatch marks a client alive and counts the tasks it sent. Unknown
// clients are ignored.
func (s *Store) RecordBatch(id string, tasks int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.clients[id]; ok {
		c.LastSeenAt = s.now().Unix()
		c.TasksSent += int64(tasks)
	}
}

// PruneStale removes clients not seen within timeout.
func (s *Store) PruneStale(timeout time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.now().Add(-timeout).Unix()
	count := 0
	for id, c := range s.clients {
		if c.LastSeenAt < cutoff {
			delete(s.clients, id)
			count++
		}
	}
	return count
}

// StartCleanupLoop prunes stale clients every interval until ctx is done.
func (s *Store) StartCleanupLoop(ctx context.Context, interval, timeout time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.PruneStale(timeout)
			case <-ctx.Done():
				return
			}
		}
	}()
}
