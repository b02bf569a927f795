// File: internal/server/server.go
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/xkilldash9x/overmind/internal/config"
	"github.com/xkilldash9x/overmind/internal/mission"
	"github.com/xkilldash9x/overmind/internal/orchestrator"
	"github.com/xkilldash9x/overmind/internal/state"
	"github.com/xkilldash9x/overmind/internal/tools"
)

// MissionService is the orchestrator surface exposed over HTTP.
type MissionService interface {
	Submit(ctx context.Context, objective, ownerID string) (string, error)
	GetMission(ctx context.Context, id string) (*mission.Snapshot, error)
	ListMissions(ctx context.Context, f state.ListFilter) ([]mission.Mission, error)
	Events(ctx context.Context, id string, after int64) ([]mission.Event, error)
	Cancel(ctx context.Context, id string) (state.CancelOutcome, error)
	Subscribe(ctx context.Context, id string, after int64) (*orchestrator.Stream, error)
	Tools() []tools.Descriptor
}

const (
	defaultListenAddr     = "127.0.0.1:8080"
	defaultRequestTimeout = 60 * time.Second
	shutdownGrace         = 15 * time.Second
)

// Server hosts the REST API and the WebSocket event relay.
type Server struct {
	cfg      config.ServerConfig
	logger   *zap.Logger
	missions MissionService
	handlers *Handlers
	upgrader websocket.Upgrader
}

// New builds a server around the mission service.
func New(cfg config.ServerConfig, missions MissionService, logger *zap.Logger) (*Server, error) {
	if missions == nil || logger == nil {
		return nil, errors.New("cannot initialize server with nil dependencies")
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = defaultListenAddr
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	s := &Server{
		cfg:      cfg,
		logger:   logger.Named("server"),
		missions: missions,
		handlers: NewHandlers(missions, logger),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s, nil
}

// Router assembles the route tree. WebSocket routes sit outside the request
// timeout and access log so long-lived streams are not cut off.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.corsMiddleware)

	r.Get("/ws/v1/missions/{missionID}/events", s.handleEventStream)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(s.cfg.RequestTimeout))
		r.Use(s.accessLog)
		s.handlers.RegisterRoutes(r)
	})
	return r
}

// Start serves until ctx is done, then drains connections for a bounded grace period.
func (s *Server) Start(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server starting", zap.String("address", s.cfg.ListenAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok && err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down HTTP server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("HTTP server shutdown error", zap.Error(err))
		return err
	}
	<-errCh
	s.logger.Info("HTTP server stopped.")
	return nil
}

func (s *Server) originAllowed(origin string) bool {
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// checkOrigin admits same-origin handshakes and any configured origin.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || s.originAllowed(origin) {
		return true
	}
	return strings.EqualFold(strings.TrimPrefix(strings.TrimPrefix(origin, "http://"), "https://"), r.Host)
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
			w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
