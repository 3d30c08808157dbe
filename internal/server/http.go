package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fastjson"
	"golang.org/x/time/rate"

	"github.com/NVIDIA/OSMO-sub002/internal/cluster"
	"github.com/NVIDIA/OSMO-sub002/internal/controller"
	"github.com/NVIDIA/OSMO-sub002/internal/engine"
	"github.com/NVIDIA/OSMO-sub002/internal/metrics"
	"github.com/NVIDIA/OSMO-sub002/internal/registry"
)

// Options wires a Server to its collaborators.
type Options struct {
	Engine *engine.QueryEngine
	Meta   *controller.Store
	// Clients tracks ingest clients; nil disables the client endpoints.
	Clients *registry.Server
	// Backend answers search, suggest, histogram and stats. Defaults to
	// the local engine; set it to a cluster.Aggregator to federate.
	Backend  cluster.Backend
	Metrics  metrics.Recorder
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
	WebDir   string

	SessionTTL time.Duration
	// RateLimit bounds keystroke endpoints (suggest, chips) in requests
	// per second across all callers; zero disables it.
	RateLimit float64
	RateBurst int
}

// Server exposes the query engine over HTTP.
type Server struct {
	queryEngine *engine.QueryEngine
	metaStore   *controller.Store
	clients     *registry.Server
	backend     cluster.Backend
	metrics     metrics.Recorder
	gatherer    prometheus.Gatherer
	logger      *slog.Logger
	webDir      string
	sessionTTL  time.Duration
	limiter     *rate.Limiter
	parser      fastjson.ParserPool
	srv         *http.Server
}

func New(opts Options) *Server {
	s := &Server{
		queryEngine: opts.Engine,
		metaStore:   opts.Meta,
		clients:     opts.Clients,
		backend:     opts.Backend,
		metrics:     opts.Metrics,
		gatherer:    opts.Gatherer,
		logger:      opts.Logger,
		webDir:      opts.WebDir,
		sessionTTL:  opts.SessionTTL,
	}
	if s.backend == nil {
		s.backend = cluster.Local{Engine: opts.Engine}
	}
	if s.metrics == nil {
		s.metrics = metrics.Nop{}
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.sessionTTL <= 0 {
		s.sessionTTL = 24 * time.Hour
	}
	if opts.RateLimit > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), max(opts.RateBurst, 1))
	}
	return s
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	route := func(pattern string, sc scope, h http.HandlerFunc) {
		var handler http.Handler = h
		if sc != scopePublic {
			handler = s.AuthMiddleware(sc, handler)
		}
		mux.Handle(pattern, s.instrument(pattern, handler))
	}

	route("POST /api/login", scopePublic, s.handleLogin)
	route("GET /api/system/status", scopePublic, s.handleSystemStatus)
	route("POST /api/system/init", scopePublic, s.handleSystemInit)
	route("GET /api/system/config", scopeAdmin, s.handleGetConfig)
	route("POST /api/system/config", scopeAdmin, s.handleSetConfig)

	route("GET /api/users", scopeSuperAdmin, s.handleListUsers)
	route("POST /api/users", scopeSuperAdmin, s.handleCreateUser)
	route("DELETE /api/users/{name}", scopeSuperAdmin, s.handleDeleteUser)

	route("GET /api/tokens", scopeAdmin, s.handleListTokens)
	route("POST /api/tokens", scopeAdmin, s.handleCreateToken)
	route("DELETE /api/tokens/{id}", scopeAdmin, s.handleDeleteToken)

	route("POST /api/ingest", scopeWrite, s.handleIngest)
	if s.clients != nil {
		route("POST /api/clients/handshake", scopeWrite, s.clients.HandleHandshake)
		route("GET /api/clients", scopeRead, s.clients.HandleListClients)
	}

	route("GET /api/fields", scopeRead, s.handleFields)
	route("GET /api/search", scopeRead, s.handleSearch)
	route("GET /api/suggest", scopeRead, s.throttle("suggest", s.handleSuggest))
	route("POST /api/chips", scopeRead, s.throttle("chips", s.handleChips))
	route("GET /api/histogram", scopeRead, s.handleHistogram)
	route("GET /api/stats", scopeRead, s.handleStats)
	route("GET /api/export.xlsx", scopeRead, s.handleExport)

	route("GET /api/views", scopeRead, s.handleListViews)
	route("POST /api/views", scopeRead, s.handleSaveView)
	route("GET /api/views/{id}", scopeRead, s.handleGetView)
	route("DELETE /api/views/{id}", scopeRead, s.handleDeleteView)

	if s.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	if s.webDir != "" {
		mux.Handle("/", http.FileServer(http.Dir(s.webDir)))
	}
	return mux
}

// Start runs the HTTP server until Shutdown.
func (s *Server) Start(addr string) error {
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv != nil {
		return s.srv.Shutdown(ctx)
	}
	return nil
}

type scope int

const (
	scopePublic scope = iota
	scopeRead
	scopeWrite
	scopeAdmin
	scopeSuperAdmin
)

// principal is the authenticated caller.
type principal struct {
	Name  string
	Role  string
	Token *controller.APIToken
}

// allows reports whether p may use endpoints of scope sc.
func (p principal) allows(sc scope) bool {
	if p.Token != nil {
		switch sc {
		case scopeRead:
			return true
		case scopeWrite:
			return p.Token.Type == controller.TokenWrite
		default:
			return false
		}
	}
	switch p.Role {
	case controller.RoleSuperAdmin:
		return true
	case controller.RoleAdmin:
		return sc != scopeSuperAdmin
	default:
		return sc == scopeRead
	}
}

// owner keys saved views.
func (p principal) owner() string {
	if p.Token != nil {
		return "token:" + p.Token.ID
	}
	return p.Name
}

type ctxKey struct{}

func principalFrom(ctx context.Context) principal {
	p, _ := ctx.Value(ctxKey{}).(principal)
	return p
}

// AuthMiddleware accepts an API token (sk-...) or a session token in the
// Authorization header or the token query parameter.
func (s *Server) AuthMiddleware(sc scope, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token == "" {
			token = r.URL.Query().Get("token")
		}
		if token == "" {
			w.Header().Set("WWW-Authenticate", `Bearer realm="smartsearch"`)
			http.Error(w, "Unauthorized: Missing token", http.StatusUnauthorized)
			return
		}

		var p principal
		if strings.HasPrefix(token, apiTokenPrefix) {
			apiToken, ok := s.metaStore.GetTokenByValue(token)
			if !ok {
				http.Error(w, "Unauthorized: Invalid token", http.StatusUnauthorized)
				return
			}
			p = principal{Name: apiToken.CreatedBy, Token: &apiToken}
		} else {
			user, err := s.verifySession(token)
			if err != nil {
				w.Header().Set("WWW-Authenticate", `Bearer realm="smartsearch"`)
				http.Error(w, "Unauthorized: Invalid or expired token", http.StatusUnauthorized)
				return
			}
			p = principal{Name: user.Username, Role: user.Role}
		}

		if !p.allows(sc) {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, p)))
	})
}

// statusRecorder captures the response code for logging and metrics.
type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) instrument(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)
		elapsed := time.Since(started)
		s.metrics.ObserveHTTP(route, rec.code, elapsed)
		s.logger.Debug("request", "route", route, "status", rec.code, "duration", elapsed)
	})
}

// throttle applies the shared keystroke limiter.
func (s *Server) throttle(route string, next http.HandlerFunc) http.HandlerFunc {
	if s.limiter == nil {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			s.metrics.IncThrottle(route)
			w.Header().Set("Retry-After", "1")
			http.Error(w, "Too many requests", http.StatusTooManyRequests)
			return
		}
		next(w, r)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
