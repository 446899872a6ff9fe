// Package statusapi exposes a read-only JSON status surface over the
// day's strategy state and system health. Scoped down from the teacher's
// HTML dashboard (internal/dashboard/server.go) to JSON-only endpoints,
// since report rendering is an explicit Non-goal but a minimal
// observability surface is ambient infrastructure (spec §9 design notes).
package statusapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/niftystrike/internal/models"
)

// StateView is the read-only snapshot the Provider builds on each
// request. Server never mutates it.
type StateView struct {
	SessionDate      string            `json:"session_date"`
	Direction        models.Direction  `json:"direction"`
	CurrentStrike    int               `json:"current_strike"`
	Expiry           string            `json:"expiry"`
	TradeTaken       bool              `json:"trade_taken"`
	ActivePosition   *models.Position  `json:"active_position,omitempty"`
	ClosedPositions  []models.Position `json:"closed_positions"`
	Cash             float64           `json:"cash"`
	PositionsValue   float64           `json:"positions_value"`
	LastHeartbeat    time.Time         `json:"last_heartbeat"`
	BrokerConnected  bool              `json:"broker_connected"`
	EntryLoopRunning bool              `json:"entry_loop_running"`
	ExitLoopRunning  bool              `json:"exit_loop_running"`
}

// Provider supplies the current StateView on demand; the runner
// implements this over its mutex-guarded DailyState.
type Provider interface {
	CurrentState() StateView
}

// Config configures the HTTP surface.
type Config struct {
	Port      string
	AuthToken string // empty disables auth
}

// Server is the chi-routed, JSON-only status API.
type Server struct {
	router *chi.Mux
	server *http.Server
	logger *logrus.Logger

	mu        sync.RWMutex
	provider  Provider
	authToken string
}

// New constructs a Server bound to provider. Call Start to listen.
func New(cfg Config, provider Provider, logger *logrus.Logger) *Server {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	s := &Server{
		router:    chi.NewRouter(),
		logger:    logger,
		provider:  provider,
		authToken: cfg.AuthToken,
	}
	s.setupRoutes()
	s.server = &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(30 * time.Second))

	s.router.Get("/health", s.handleHealth)

	s.router.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Get("/api/state", s.handleState)
		r.Get("/api/positions", s.handlePositions)
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.authToken == "" {
			next.ServeHTTP(w, r)
			return
		}
		supplied := r.Header.Get("X-Auth-Token")
		if subtle.ConstantTimeCompare([]byte(supplied), []byte(s.authToken)) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	view := s.provider.CurrentState()
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(view); err != nil {
		s.logger.WithError(err).Warn("statusapi: encoding state response failed")
	}
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	view := s.provider.CurrentState()
	w.Header().Set("Content-Type", "application/json")
	out := struct {
		Active *models.Position  `json:"active"`
		Closed []models.Position `json:"closed"`
	}{Active: view.ActivePosition, Closed: view.ClosedPositions}
	if err := json.NewEncoder(w).Encode(out); err != nil {
		s.logger.WithError(err).Warn("statusapi: encoding positions response failed")
	}
}

// Start begins serving in a background goroutine and returns
// immediately. Errors after startup are logged, not returned.
func (s *Server) Start() {
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.WithError(err).Error("statusapi: server stopped unexpectedly")
		}
	}()
}

// Shutdown gracefully stops the server, waiting for in-flight requests to
// finish within ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
