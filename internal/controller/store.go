package controller

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/NVIDIA/OSMO-sub002/internal/pkg/security"
	"github.com/NVIDIA/OSMO-sub002/internal/pkg/smartql"
)

const (
	RoleSuperAdmin = "super_admin"
	RoleAdmin      = "admin"
	RoleViewer     = "viewer"
)

const (
	TokenWrite = "write" // ingest
	TokenRead  = "read"  // search and suggest only
)

var ErrEmptyView = errors.New("view needs a name and at least one chip")

// User represents a system user profile.
type User struct {
	Username     string `json:"username"`
	PasswordHash string `json:"password_hash"` // bcrypt hashed
	Role         string `json:"role"`
	CreatedAt    int64  `json:"created_at"`
}

// APIToken represents a machine-to-machine access key.
type APIToken struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Token     string `json:"token"` // sk-xxxxxx
	Type      string `json:"type"`
	CreatedBy string `json:"created_by"`
}

// Config holds system-wide settings.
type Config struct {
	Retention string `json:"retention"` // e.g. "168h"
}

// SavedView is a named chip list a user can reapply.
type SavedView struct {
	ID        string               `json:"id"`
	Name      string               `json:"name"`
	Owner     string               `json:"owner"`
	Chips     []smartql.SearchChip `json:"chips"`
	CreatedAt int64                `json:"created_at"`
}

// MetaData is the top-level container for system metadata.
type MetaData struct {
	Initialized   bool        `json:"initialized"`
	Users         []User      `json:"users"`
	Tokens        []APIToken  `json:"tokens"`
	Views         []SavedView `json:"views"`
	Config        Config      `json:"config"`
	SessionSecret string      `json:"session_secret"`
}

// Store handles the persistence and in-memory management of MetaData.
// Everything on disk is sealed with the keyring.
type Store struct {
	filePath string
	keyring  *security.Keyring
	mu       sync.RWMutex
	data     *MetaData
}

// NewStore creates a new metadata store.
func NewStore(filePath string, keyring *security.Keyring) *Store {
	return &Store{
		filePath: filePath,
		keyring:  keyring,
		data: &MetaData{
			Users:  make([]User, 0),
			Tokens: make([]APIToken, 0),
			Views:  make([]SavedView, 0),
			Config: Config{Retention: "168h"},
		},
	}
}

// Load reads metadata from disk.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	encrypted, err := os.ReadFile(s.filePath)
	if os.IsNotExist(err) {
		s.data.Initialized = false
		return nil
	}
	if err != nil {
		return err
	}
	if len(encrypted) == 0 {
		return nil
	}

	decrypted, err := s.keyring.Decrypt(encrypted)
	if err != nil {
		return fmt.Errorf("failed to decrypt metadata (invalid key or corrupted file): %w", err)
	}
	return json.Unmarshal(decrypted, s.data)
}

// Save writes metadata to disk.
func (s *Store) Save() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.saveLocked()
}

func (s *Store) saveLocked() error {
	jsonData, err := json.Marshal(s.data)
	if err != nil {
		return err
	}
	encrypted, err := s.keyring.Encrypt(jsonData)
	if err != nil {
		return err
	}

	tmp := s.filePath + ".tmp"
	if err := os.WriteFile(tmp, encrypted, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, s.filePath)
}

// GetData returns a copy of the current metadata.
func (s *Store) GetData() MetaData {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d := *s.data
	d.Users = slices.Clone(s.data.Users)
	d.Tokens = slices.Clone(s.data.Tokens)
	d.Views = slices.Clone(s.data.Views)
	return d
}

// IsInitialized returns the initialization status.
func (s *Store) IsInitialized() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.Initialized
}

// InitializeSystem creates the first super_admin user.
func (s *Store) InitializeSystem(username, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.data.Initialized {
		return os.ErrExist
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}

	s.data.Users = append(s.data.Users, User{
		Username:     username,
		PasswordHash: string(hash),
		Role:         RoleSuperAdmin,
		CreatedAt:    time.Now().Unix(),
	})
	s.data.Initialized = true

	return s.saveLocked()
}

// Authenticate checks a password against the stored bcrypt hash.
func (s *Store) Authenticate(username, password string) (User, bool) {
	u, ok := s.GetUser(username)
	if !ok {
		return User{}, false
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) != nil {
		return User{}, false
	}
	return u, true
}

// AddUser hashes password and adds a new user.
func (s *Store) AddUser(username, password, role string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.data.Users {
		if strings.EqualFold(existing.Username, username) {
			return os.ErrExist
		}
	}

	s.data.Users = append(s.data.Users, User{
		Username:     username,
		PasswordHash: string(hash),
		Role:         role,
		CreatedAt:    time.Now().Unix(),
	})
	return s.saveLocked()
}

// DeleteUser removes a user by username.
func (s *Store) DeleteUser(username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, u := range s.data.Users {
		if strings.EqualFold(u.Username, username) {
			s.data.Users = slices.Delete(s.data.Users, i, i+1)
			return s.saveLocked()
		}
	}
	return os.ErrNotExist
}

// GetUser returns a user by username (case-insensitive).
func (s *Store) GetUser(username string) (User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, u := range s.data.Users {
		if strings.EqualFold(u.Username, username) {
			return u, true
		}
	}
	return User{}, false
}

// UpdateUserPassword replaces the password of a user.
func (s *Store) UpdateUserPassword(username, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for i, u := range s.data.Users {
		if strings.EqualFold(u.Username, username) {
			s.data.Users[i].PasswordHash = string(hash)
			return s.saveLocked()
		}
	}
	return os.ErrNotExist
}

// CreateToken issues a new API token for createdBy.
func (s *Store) CreateToken(name, tokenType, createdBy string) (APIToken, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return APIToken{}, err
	}
	t := APIToken{
		ID:        uuid.NewString(),
		Name:      name,
		Token:     "sk-" + hex.EncodeToString(b),
		Type:      tokenType,
		CreatedBy: createdBy,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.data.Tokens = append(s.data.Tokens, t)
	return t, s.saveLocked()
}

// DeleteToken removes a token by ID.
func (s *Store) DeleteToken(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, t := range s.data.Tokens {
		if t.ID == id {
			s.data.Tokens = slices.Delete(s.data.Tokens, i, i+1)
			return s.saveLocked()
		}
	}
	return os.ErrNotExist
}

// GetTokenByValue finds a token by its secret value.
func (s *Store) GetTokenByValue(val string) (APIToken, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, t := range s.data.Tokens {
		if t.Token == val {
			return t, true
		}
	}
	return APIToken{}, false
}

// UpdateConfig validates and stores system configuration.
func (s *Store) UpdateConfig(cfg Config) error {
	if _, err := time.ParseDuration(cfg.Retention); err != nil {
		return fmt.Errorf("invalid retention: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.data.Config = cfg
	return s.saveLocked()
}

// SessionSecret returns the HMAC key for session tokens, generating and
// persisting it on first use.
func (s *Store) SessionSecret() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.data.SessionSecret == "" {
		b := make([]byte, 32)
		if _, err := rand.Read(b); err != nil {
			return nil, err
		}
		s.data.SessionSecret = hex.EncodeToString(b)
		if err := s.saveLocked(); err != nil {
			return nil, err
		}
	}
	return hex.DecodeString(s.data.SessionSecret)
}

// SaveView stores a named chip list for owner. Saving under an existing
// name replaces that view's chips.
func (s *Store) SaveView(owner, name string, chips []smartql.SearchChip) (SavedView, error) {
	name = strings.TrimSpace(name)
	if name == "" || len(chips) == 0 {
		return SavedView{}, ErrEmptyView
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for i, v := range s.data.Views {
		if v.Owner == owner && strings.EqualFold(v.Name, name) {
			s.data.Views[i].Chips = slices.Clone(chips)
			return s.data.Views[i], s.saveLocked()
		}
	}

	v := SavedView{
		ID:        uuid.NewString(),
		Name:      name,
		Owner:     owner,
		Chips:     slices.Clone(chips),
		CreatedAt: time.Now().Unix(),
	}
	s.data.Views = append(s.data.Views, v)
	return v, s.saveLocked()
}

// Views lists the views of owner in creation order.
func (s *Store) Views(owner string) []SavedView {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]SavedView, 0)
	for _, v := range s.data.Views {
		if v.Owner == owner {
			out = append(out, v)
		}
	}
	return out
}

// GetView returns one of owner's views by ID.
func (s *Store) GetView(owner, id string) (SavedView, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, v := range s.data.Views {
		if v.ID == id && v.Owner == owner {
			return v, true
		}
	}
	return SavedView{}, false
}

// DeleteView removes one of owner's views.
func (s *Store) DeleteView(owner, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, v := range s.data.Views {
		if v.ID == id && v.Owner == owner {
			s.data.Views = slices.Delete(s.data.Views, i, i+1)
			return s.saveLocked()
		}
	}
	return os.ErrNotExist
}
