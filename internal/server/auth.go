package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/NVIDIA/OSMO-sub002/internal/controller"
)

const apiTokenPrefix = "sk-"

var errUnknownUser = errors.New("user no longer exists")

// sessionClaims are carried by the web session token.
type sessionClaims struct {
	Username string `json:"username"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

func (s *Server) issueSession(user controller.User) (string, time.Time, error) {
	secret, err := s.metaStore.SessionSecret()
	if err != nil {
		return "", time.Time{}, err
	}
	now := time.Now()
	expires := now.Add(s.sessionTTL)
	claims := sessionClaims{
		Username: user.Username,
		Role:     user.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.Username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign session: %w", err)
	}
	return token, expires, nil
}

// verifySession checks the signature and expiry and reloads the user, so
// deleted users and role changes take effect immediately.
func (s *Server) verifySession(token string) (controller.User, error) {
	secret, err := s.metaStore.SessionSecret()
	if err != nil {
		return controller.User{}, err
	}
	claims := &sessionClaims{}
	_, err = jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return controller.User{}, err
	}
	user, ok := s.metaStore.GetUser(claims.Username)
	if !ok {
		return controller.User{}, errUnknownUser
	}
	return user, nil
}

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) writeSession(w http.ResponseWriter, user controller.User) {
	token, expires, err := s.issueSession(user)
	if err != nil {
		s.logger.Error("session issue failed", "user", user.Username, "error", err)
		http.Error(w, "Failed to create session", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":      token,
		"username":   user.Username,
		"role":       user.Role,
		"expires_at": expires.Unix(),
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	user, ok := s.metaStore.Authenticate(req.Username, req.Password)
	if !ok {
		http.Error(w, "Invalid username or password", http.StatusUnauthorized)
		return
	}
	s.writeSession(w, user)
}

func (s *Server) handleSystemStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{
		"initialized": s.metaStore.IsInitialized(),
	})
}

// handleSystemInit creates the first super admin and logs them in.
func (s *Server) handleSystemInit(w http.ResponseWriter, r *http.Request) {
	if s.metaStore.IsInitialized() {
		http.Error(w, "System already initialized", http.StatusBadRequest)
		return
	}
	var req credentials
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if req.Username == "" || req.Password == "" {
		http.Error(w, "Username and password required", http.StatusBadRequest)
		return
	}
	if err := s.metaStore.InitializeSystem(req.Username, req.Password); err != nil {
		if errors.Is(err, os.ErrExist) {
			http.Error(w, "System already initialized", http.StatusBadRequest)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	user, _ := s.metaStore.GetUser(req.Username)
	s.logger.Info("system initialized", "user", user.Username)
	s.writeSession(w, user)
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.metaStore.GetData().Config)
}

// handleSetConfig stores the config and applies the retention window to
// the running engine.
func (s *Server) handleSetConfig(w http.ResponseWriter, r *http.Request) {
	var cfg controller.Config
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if err := s.metaStore.UpdateConfig(cfg); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	retention, _ := time.ParseDuration(cfg.Retention)
	s.queryEngine.SetRetention(retention)
	s.logger.Info("retention updated", "retention", retention, "by", principalFrom(r.Context()).Name)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	data := s.metaStore.GetData()
	users := make([]controller.User, len(data.Users))
	for i, u := range data.Users {
		users[i] = u
		users[i].PasswordHash = ""
	}
	writeJSON(w, http.StatusOK, users)
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req struct {
		credentials
		Role string `json:"role"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	switch req.Role {
	case controller.RoleAdmin, controller.RoleViewer, controller.RoleSuperAdmin:
	case "":
		req.Role = controller.RoleViewer
	default:
		http.Error(w, "Unknown role", http.StatusBadRequest)
		return
	}
	if req.Username == "" || req.Password == "" {
		http.Error(w, "Username and password required", http.StatusBadRequest)
		return
	}
	if err := s.metaStore.AddUser(req.Username, req.Password, req.Role); err != nil {
		if errors.Is(err, os.ErrExist) {
			http.Error(w, "User already exists", http.StatusConflict)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if strings.EqualFold(name, principalFrom(r.Context()).Name) {
		http.Error(w, "Cannot delete yourself", http.StatusBadRequest)
		return
	}
	if err := s.metaStore.DeleteUser(name); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleListTokens never returns secrets; those are shown once, on creation.
func (s *Server) handleListTokens(w http.ResponseWriter, r *http.Request) {
	tokens := s.metaStore.GetData().Tokens
	out := make([]controller.APIToken, len(tokens))
	for i, t := range tokens {
		t.Token = maskToken(t.Token)
		out[i] = t
	}
	writeJSON(w, http.StatusOK, out)
}

// maskToken keeps the prefix and the last four characters.
func maskToken(token string) string {
	const visible = 4
	secret := strings.TrimPrefix(token, apiTokenPrefix)
	if len(secret) <= visible {
		return apiTokenPrefix + "****"
	}
	return apiTokenPrefix + "****" + secret[len(secret)-visible:]
}

func (s *Server) handleCreateToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
		Type string `json:"type"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if req.Type != controller.TokenRead && req.Type != controller.TokenWrite {
		http.Error(w, "Token type must be read or write", http.StatusBadRequest)
		return
	}

	t, err := s.metaStore.CreateToken(req.Name, req.Type, principalFrom(r.Context()).Name)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"token": t.Token, "id": t.ID})
}

func (s *Server) handleDeleteToken(w http.ResponseWriter, r *http.Request) {
	if err := s.metaStore.DeleteToken(r.PathValue("id")); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
