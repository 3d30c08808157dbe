package registry

import (
	"encoding/json"
	"net"
	"net/http"
)

// Server handles registry-related HTTP requests.
type Server struct {
	store *Store
	batch BatchConfig
}

// NewServer creates a new registry server handing out batch.
func NewServer(store *Store, batch BatchConfig) *Server {
	return &Server{
		store: store,
		batch: batch,
	}
}

// Store returns the backing client store.
func (s *Server) Store() *Store {
	return s.store
}

// HandleHandshake registers a client and replies with its batch settings.
// POST /api/clients/handshake
func (s *Server) HandleHandshake(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var c Client
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if c.ClientID == "" {
		http.Error(w, "client_id is required", http.StatusBadRequest)
		return
	}
	if c.IP == "" {
		c.IP = r.RemoteAddr
		if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
			c.IP = host
		}
	}
	if c.Source == "" {
		c.Source = "sdk"
	}

	s.store.RegisterOrUpdate(c)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.batch)
}

// HandleListClients returns the registered clients.
// GET /api/clients
func (s *Server) HandleListClients(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.store.ListClients())
}
