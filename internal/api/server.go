package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/stridefed/courier/internal/config"
	"github.com/stridefed/courier/internal/fanout"
	"github.com/stridefed/courier/internal/reputation"
	"github.com/stridefed/courier/internal/store"
)

type Server struct {
	cfg     config.ServerConfig
	store   store.Store
	svc     *fanout.Service
	tracker *reputation.Tracker
	router  *chi.Mux
	log     zerolog.Logger
	http    *http.Server
}

func NewServer(cfg config.ServerConfig, s store.Store, svc *fanout.Service, tracker *reputation.Tracker, log zerolog.Logger) *Server {
	srv := &Server{
		cfg:     cfg,
		store:   s,
		svc:     svc,
		tracker: tracker,
		log:     log,
	}
	srv.router = srv.buildRouter()
	return srv
}

func (s *Server) buildRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(LoggingMiddleware(s.log))

	fanoutHandler := NewFanoutHandler(s.svc)
	statusHandler := NewStatusHandler(s.store)
	serverHandler := NewServerHandler(s.store, s.tracker, s.svc)
	dlqHandler := NewDeadLetterHandler(s.store)

	// Health check — no auth
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(AuthMiddleware(s.cfg.AdminToken))

		// Fan-out submission
		r.Post("/fanout", fanoutHandler.Submit)

		// Delivery status
		r.Get("/status/{itemID}", statusHandler.Get)

		// Server reputation
		r.Get("/servers", serverHandler.List)
		r.Get("/servers/{server}", serverHandler.Get)
		r.Post("/servers/{server}/reset", serverHandler.Reset)
		r.Put("/servers/{server}/shared-inbox", serverHandler.SetSharedInbox)

		// Dead letters
		r.Get("/deadletter", dlqHandler.List)
		r.Post("/deadletter/{id}/requeue", dlqHandler.Requeue)
	})

	return r
}

func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	s.log.Info().Str("addr", addr).Msg("starting HTTP server")
	return s.http.ListenAndServe()
}

func (s *Server) Shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.http.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}
