package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"sitecache/pkg/logging"
	"sitecache/pkg/metrics"
	"sitecache/pkg/ratelimit"
	"sitecache/pkg/store"
	"sitecache/pkg/writer"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Server exposes the site API routes that consume the cache and the rate limiters.
type Server struct {
	cache    *store.Cache
	limiters *ratelimit.Registry
	logger   *logging.Logger
	registry *prometheus.Registry
	http     *httpMetrics

	events     *writer.AsyncWriter
	ownsEvents bool

	router *mux.Router
	server *http.Server
	config ServerConfig

	now func() time.Time
}

// ServerConfig holds configuration for the API server.
type ServerConfig struct {
	// Address to listen on (e.g., ":8080")
	Address string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	// TrustProxyHeaders derives client identity from X-Forwarded-For / X-Real-IP.
	// Enable it only behind a proxy that overwrites those headers; otherwise
	// clients can pick their own rate-limit identity.
	TrustProxyHeaders bool

	// AdminToken, when set, is required as a bearer token on /api/cache and
	// /api/ratelimit routes.
	AdminToken string
}

// DefaultServerConfig returns a default configuration.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:      ":8080",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// Deps are the components the server serves.
type Deps struct {
	Cache    *store.Cache
	Limiters *ratelimit.Registry

	// Events applies analytics counter updates in the background. The server
	// creates and closes its own writer when nil, reporting to Metrics.
	Events  *writer.AsyncWriter
	Metrics metrics.MetricsCollector

	// Registry is scraped on /metrics. HTTP metrics are registered on it.
	// A fresh registry is used when nil.
	Registry *prometheus.Registry
	Logger   *logging.Logger
}

// NewServer builds the router. Every limiter the routes use must be in
// deps.Limiters.
func NewServer(deps Deps, config ServerConfig) (*Server, error) {
	if deps.Cache == nil || deps.Limiters == nil {
		return nil, errors.New("api: cache and limiters are required")
	}
	for _, name := range []string{ratelimit.ROI, ratelimit.Analytics, ratelimit.Admin} {
		if _, ok := deps.Limiters.Get(name); !ok {
			return nil, errors.New("api: missing limiter " + name)
		}
	}
	if deps.Registry == nil {
		deps.Registry = prometheus.NewRegistry()
	}

	hm := newHTTPMetrics()
	if err := hm.register(deps.Registry); err != nil {
		return nil, err
	}

	logger := logging.OrGlobal(deps.Logger)
	s := &Server{
		cache:    deps.Cache,
		limiters: deps.Limiters,
		events:   deps.Events,
		logger:   logger.Named("api"),
		registry: deps.Registry,
		http:     hm,
		config:   config,
		now:      time.Now,
	}
	if s.events == nil {
		collector := deps.Metrics
		if collector == nil {
			collector = metrics.NoOpCollector{}
		}
		s.events = writer.NewAsyncWriterWithMetrics(writer.AsyncWriterConfig{Name: "analytics", Logger: logger}, collector)
		s.ownsEvents = true
	}
	s.router = s.routes()

	s.server = &http.Server{
		Addr:         config.Address,
		Handler:      s.router,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}

	return s, nil
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.requestID, s.accessLog, s.http.middleware)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()

	roi := api.Path("/roi").Subrouter()
	roi.Use(s.rateLimit(ratelimit.ROI))
	roi.Methods(http.MethodPost).HandlerFunc(s.handleROI)

	events := api.Path("/analytics/events").Subrouter()
	events.Use(s.rateLimit(ratelimit.Analytics))
	events.Methods(http.MethodPost).HandlerFunc(s.handleAnalyticsEvent)

	admin := api.NewRoute().Subrouter()
	admin.Use(s.rateLimit(ratelimit.Admin), s.requireAdmin)
	// Fixed paths first so they are not taken for cache keys.
	admin.HandleFunc("/cache/stats", s.handleCacheStats).Methods(http.MethodGet)
	admin.HandleFunc("/cache/tags/{tag}", s.handleInvalidateTag).Methods(http.MethodDelete)
	admin.HandleFunc("/cache", s.handleCacheClear).Methods(http.MethodDelete)
	admin.HandleFunc("/cache/{key}", s.handleCacheGet).Methods(http.MethodGet)
	admin.HandleFunc("/cache/{key}", s.handleCachePut).Methods(http.MethodPut)
	admin.HandleFunc("/cache/{key}", s.handleCacheDelete).Methods(http.MethodDelete)
	admin.HandleFunc("/ratelimit/{limiter}/{identity}", s.handleRateLimitReset).Methods(http.MethodDelete)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	return r
}

// Mount serves h at path behind the named limiter. It is how the checkout and
// signup flows, which live outside this module, get their budgets. Call it
// before Start.
func (s *Server) Mount(limiter, path string, h http.Handler, methods ...string) error {
	if _, ok := s.limiters.Get(limiter); !ok {
		return fmt.Errorf("api: unknown limiter %q", limiter)
	}
	route := s.router.Handle(path, s.rateLimit(limiter)(h))
	if len(methods) > 0 {
		route.Methods(methods...)
	}
	return nil
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on the configured address and serves in the background.
// Listen errors are returned; serve errors are logged.
func (s *Server) Start() (net.Addr, error) {
	ln, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return nil, err
	}

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("api server error", zap.Error(err))
		}
	}()

	s.logger.Info("api server listening", zap.String("addr", ln.Addr().String()))
	return ln.Addr(), nil
}

// Stop gracefully shuts down the HTTP server, then drains queued analytics
// updates if the server owns the writer.
func (s *Server) Stop(ctx context.Context) error {
	err := s.server.Shutdown(ctx)
	if s.ownsEvents {
		s.events.Close()
	}
	return err
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": s.now().Unix(),
		"uptime":    time.Since(startTime).String(),
		"cache": map[string]any{
			"backend": s.cache.Kind(),
			"circuit": s.cache.CircuitState().String(),
		},
		"limiters": s.limiters.Names(),
	})
}

var startTime = time.Now()
