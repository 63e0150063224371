// Package dashboard serves the operator control endpoints: liveness,
// session status, open positions and an orderly shutdown trigger.
package dashboard

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	json "github.com/goccy/go-json"
	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/scranton_straddle/internal/models"
	"github.com/eddiefleurent/scranton_straddle/internal/scheduler"
	"github.com/eddiefleurent/scranton_straddle/internal/storage"
)

// StatusSource reports the session state. *scheduler.Orchestrator implements it.
type StatusSource interface {
	Status() scheduler.Status
}

// AccountSource reports the cached account snapshot. *account.Tracker implements it.
type AccountSource interface {
	Snapshot() models.AccountSnapshot
}

// Server is the control HTTP server.
type Server struct {
	router    *chi.Mux
	server    *http.Server
	status    StatusSource
	account   AccountSource
	storage   storage.Interface
	logger    logrus.FieldLogger
	addr      string
	authToken string
	since     time.Time

	shutdownOnce sync.Once
	shutdown     func()
}

// Config contains configuration for the control server.
type Config struct {
	Addr      string
	AuthToken string
	// Since is the session start positions are read from
	Since time.Time
}

// NewServer creates the control server. shutdown is invoked at most once, on
// the first POST /shutdown.
func NewServer(cfg Config, status StatusSource, account AccountSource, store storage.Interface, shutdown func(), logger logrus.FieldLogger) *Server {
	if logger == nil {
		logger = logrus.New()
	}
	if shutdown == nil {
		shutdown = func() {}
	}
	s := &Server{
		router:    chi.NewRouter(),
		status:    status,
		account:   account,
		storage:   store,
		logger:    logger.WithField("component", "dashboard"),
		addr:      cfg.Addr,
		authToken: cfg.AuthToken,
		since:     cfg.Since,
		shutdown:  shutdown,
	}
	s.setupRoutes()
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) setupRoutes() {
	s.router.Use(s.requestLogger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(30 * time.Second))

	if s.authToken != "" {
		s.router.Use(s.authMiddleware)
	}

	s.router.Get("/healthz", s.handleHealth)
	s.router.Get("/status", s.handleStatus)
	s.router.Get("/positions", s.handlePositions)
	s.router.Get("/account", s.handleAccount)
	s.router.Post("/shutdown", s.handleShutdown)
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   ww.Status(),
			"duration": time.Since(start),
		}).Debug("Control request")
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}

		token := r.Header.Get("X-Auth-Token")
		if token == "" {
			token = r.URL.Query().Get("token")
		}

		if token != s.authToken {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Start listens until Shutdown is called. It returns nil after a clean shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln.
func (s *Server) Serve(ln net.Listener) error {
	s.server = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.logger.WithField("addr", ln.Addr().String()).Info("Starting control server")
	if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the HTTP server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Error("Failed to encode response")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.status.Status())
}

// positionView replaces NaN averages, which JSON cannot carry.
type positionView struct {
	Symbol   string            `json:"symbol"`
	Contract models.Contract   `json:"contract"`
	Quantity int               `json:"quantity"`
	AvgPrice *float64          `json:"avg_price"`
	Source   models.Provenance `json:"source"`
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	positions, err := s.storage.AllOpenPositions(r.Context(), s.since)
	if err != nil {
		s.logger.WithError(err).Error("Failed to read open positions")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	views := make([]positionView, 0, len(positions))
	for _, p := range positions {
		v := positionView{Symbol: p.Symbol, Contract: p.Contract, Quantity: p.Quantity, Source: p.Source}
		if avg := p.AvgPrice; models.IsPositiveFinite(avg) {
			v.AvgPrice = &avg
		}
		views = append(views, v)
	}
	s.writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	if s.account == nil {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, s.account.Snapshot())
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	first := false
	s.shutdownOnce.Do(func() {
		first = true
		s.logger.Warn("Shutdown requested over control API")
		s.shutdown()
	})
	if !first {
		s.writeJSON(w, http.StatusConflict, map[string]string{"status": "already shutting down"})
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "shutting down"})
}
