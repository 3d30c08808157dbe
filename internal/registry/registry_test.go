package registry

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStorePruneStale(t *testing.T) {
	s := NewStore()
	now := time.Unix(1_700_000_000, 0)
	s.now = func() time.Time { return now }

	s.RegisterOrUpdate(Client{ClientID: "old"})
	now = now.Add(20 * time.Minute)
	s.RegisterOrUpdate(Client{ClientID: "fresh"})

	assert.Equal(t, 1, s.PruneStale(10*time.Minute))
	_, ok := s.GetClient("old")
	assert.False(t, ok)
	_, ok = s.GetClient("fresh")
	assert.True(t, ok)
}

func TestRecordBatchKeepsCounters(t *testing.T) {
	s := NewStore()
	s.RegisterOrUpdate(Client{ClientID: "c1", Name: "loader"})
	s.RecordBatch("c1", 40)
	s.RecordBatch("ghost", 5)

	// A re-handshake keeps the registration and the counters.
	s.RegisterOrUpdate(Client{ClientID: "c1", Name: "loader-v2"})
	c, ok := s.GetClient("c1")
	require.True(t, ok)
	assert.Equal(t, int64(40), c.TasksSent)
	assert.Equal(t, "loader-v2", c.Name)
	assert.Len(t, s.ListClients(), 1)
}

func TestHandleHandshake(t *testing.T) {
	store := NewStore()
	srv := NewServer(store, BatchConfig{BatchSize: 200, FlushIntervalMs: 500})

	body := `{"client_id":"sdk-123","name":"scheduler-export","version":"1.0"}`
	req := httptest.NewRequest(http.MethodPost, "/api/clients/handshake", strings.NewReader(body))
	req.RemoteAddr = "10.0.0.7:51234"
	w := httptest.NewRecorder()
	srv.HandleHandshake(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var cfg BatchConfig
	require.NoError(t, json.NewDecoder(w.Body).Decode(&cfg))
	assert.Equal(t, 200, cfg.BatchSize)

	c, ok := store.GetClient("sdk-123")
	require.True(t, ok)
	assert.Equal(t, "10.0.0.7", c.IP)
	assert.Equal(t, "sdk", c.Source)

	w = httptest.NewRecorder()
	srv.HandleHandshake(w, httptest.NewRequest(http.MethodPost, "/api/clients/handshake", strings.NewReader(`{}`)))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
