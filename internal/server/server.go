// Package server exposes the collaborator endpoints the agent syncs
// against: the sync write endpoint and shape stream over the content
// store, and the WebSocket relay.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/imdevinc/docsync/internal/content"
	"github.com/imdevinc/docsync/internal/relay"
)

const defaultLongPoll = 20 * time.Second

// Options configures a Server
type Options struct {
	Addr    string
	Content content.Store
	Hub     *relay.Hub // nil disables /ws

	// Gatherer serves /metrics when set
	Gatherer prometheus.Gatherer

	// LongPoll bounds how long a live shape request waits for a change
	LongPoll time.Duration
	Logger   *slog.Logger
}

// Server is the HTTP front of the collaborator services
type Server struct {
	router     *mux.Router
	httpServer *http.Server
	store      content.Store
	shapes     *content.ShapeLog
	hub        *relay.Hub
	longPoll   time.Duration
	logger     *slog.Logger
}

// New creates a server with its routes set up
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.LongPoll == 0 {
		opts.LongPoll = defaultLongPoll
	}

	router := mux.NewRouter()
	s := &Server{
		router:   router,
		store:    opts.Content,
		shapes:   content.NewShapeLog(),
		hub:      opts.Hub,
		longPoll: opts.LongPoll,
		logger:   opts.Logger.With("component", "server"),
		httpServer: &http.Server{
			Addr:              opts.Addr,
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}

	router.Use(s.logRequests)
	router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/sync", s.handleSync).Methods(http.MethodPost)
	router.HandleFunc("/v1/shape", s.handleShape).Methods(http.MethodGet)
	if s.hub != nil {
		router.HandleFunc("/ws/{doc}", func(w http.ResponseWriter, r *http.Request) {
			s.hub.ServeDocument(w, r, mux.Vars(r)["doc"])
		})
	}
	if opts.Gatherer != nil {
		router.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	return s
}

// Handler returns the router
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until Shutdown is called
func (s *Server) Start() error {
	s.logger.Info("Starting HTTP server", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Shutdown stops accepting requests and waits for active ones
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("Request served", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
