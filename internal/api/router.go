// Package api serves the operator HTTP surface: status, stats, recent
// failures, pending alarms, sensor configuration and the live reading stream.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"sensorwatch/internal/alarm"
	"sensorwatch/internal/auth"
	"sensorwatch/internal/events"
	"sensorwatch/internal/mqtt"
	"sensorwatch/internal/stats"
	"sensorwatch/internal/storage"
)

// Broker is the connection the API reports on and can reconnect
type Broker interface {
	Snapshot() mqtt.Snapshot
	Connect(ctx context.Context) error
}

// Scheduler is the alarm scheduler as seen by the API
type Scheduler interface {
	TriggerNow(ctx context.Context) (alarm.TickReport, error)
	LastTick() alarm.TickReport
	InFlight() int
}

// Queue reports the ingestion backlog
type Queue interface {
	QueueLen() int
}

// Deps wires the server to the running components. Nil components are
// reported as unavailable.
type Deps struct {
	Store         storage.Store
	Failures      *events.Store
	Recorder      *stats.Recorder
	Gatherer      prometheus.Gatherer
	Broker        Broker
	Scheduler     Scheduler
	Queue         Queue
	Hub           *Hub
	Authenticator auth.Authenticator

	JWTSecret     string
	TokenDuration time.Duration
	NoAuth        bool

	Logger  zerolog.Logger
	Version string
}

// Server represents the API server
type Server struct {
	router     *chi.Mux
	deps       Deps
	jwtManager *auth.JWTManager
	authMw     *auth.Middleware
	wsTokens   *auth.WSTokenStore
	limiter    *auth.LoginRateLimiter
	logger     zerolog.Logger
	started    time.Time
}

// NewServer creates the API server
func NewServer(deps Deps) (*Server, error) {
	if deps.Store == nil {
		return nil, errors.New("api: store is required")
	}
	if deps.Hub == nil {
		deps.Hub = NewHub(deps.Logger)
	}
	if deps.Failures == nil {
		deps.Failures = events.NewStore(0)
	}

	var jwtManager *auth.JWTManager
	if !deps.NoAuth {
		if deps.Authenticator == nil {
			return nil, errors.New("api: authenticator is required unless auth is disabled")
		}
		m, err := auth.NewJWTManager(deps.JWTSecret, deps.TokenDuration)
		if err != nil {
			return nil, err
		}
		jwtManager = m
	}

	s := &Server{
		router:     chi.NewRouter(),
		deps:       deps,
		jwtManager: jwtManager,
		authMw:     auth.NewMiddleware(jwtManager, deps.NoAuth),
		wsTokens:   auth.NewWSTokenStore(),
		limiter:    auth.NewLoginRateLimiter(),
		logger:     deps.Logger,
		started:    time.Now(),
	}

	s.setupRoutes()
	return s, nil
}

// setupRoutes configures all routes
func (s *Server) setupRoutes() {
	r := s.router

	r.Use(middleware.RequestID)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	authHandler := NewAuthHandler(s.deps.Authenticator, s.jwtManager, s.wsTokens, s.limiter, s.logger)
	statusHandler := NewStatusHandler(s.deps, s.started)
	failuresHandler := NewFailuresHandler(s.deps.Failures)
	sensorHandler := NewSensorHandler(s.deps.Store, s.logger)
	liveHandler := NewLiveHandler(s.deps.Hub, s.wsTokens, s.deps.NoAuth, s.logger)

	// Public routes
	r.Get("/healthz", statusHandler.Health)
	r.Post("/api/auth/login", authHandler.Login)
	if s.deps.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))
	}

	// The websocket authenticates with a one-time token instead of the cookie
	r.Get("/api/live", liveHandler.Connect)

	// Protected API routes
	r.Group(func(r chi.Router) {
		r.Use(middleware.Compress(5))
		r.Use(s.authMw.RequireAuth)

		// Auth
		r.Post("/api/auth/logout", authHandler.Logout)
		r.Get("/api/auth/me", authHandler.Me)
		r.Get("/api/auth/ws-token", authHandler.WSToken)

		// Runtime state
		r.Get("/api/status", statusHandler.Status)
		r.Get("/api/stats", statusHandler.Stats)
		r.Get("/api/errors", failuresHandler.List)
		r.Get("/api/pending", sensorHandler.Pending)

		// Sensors
		r.Get("/api/sensors/{userId}/{sensorUuid}/config", sensorHandler.GetConfig)
		r.Get("/api/sensors/{userId}/{sensorUuid}/reading", sensorHandler.LatestReading)

		// Operator actions
		r.Group(func(r chi.Router) {
			r.Use(s.authMw.RequireAdmin)

			r.Post("/api/alarms/tick", statusHandler.TriggerTick)
			r.Post("/api/mqtt/reconnect", statusHandler.Reconnect)
			r.Put("/api/sensors/{userId}/{sensorUuid}/config", sensorHandler.PutConfig)
			r.Put("/api/users/{userId}/token", sensorHandler.PutToken)
		})
	})
}

// Router returns the chi router
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Hub returns the live reading hub
func (s *Server) Hub() *Hub {
	return s.deps.Hub
}

// Serve listens on addr until ctx is cancelled, then shuts down gracefully
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go s.limiter.Run(ctx)
	go s.wsTokens.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", addr).Msg("HTTP server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.deps.Hub.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.logger.Info().Msg("HTTP server stopped")
	return nil
}

// requestLogger logs one line per request through zerolog
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("took", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}

// writeJSON writes JSON response
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error body
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
