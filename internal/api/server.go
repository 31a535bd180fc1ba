package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
	"calcrunner/internal/queue"
	"calcrunner/internal/revoker"
	"calcrunner/internal/store"
)

type Server struct {
	ctx    context.Context
	router *chi.Mux
	server *http.Server
}

type Config struct {
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	MaxRetries int    `mapstructure:"max_retries"`
	TimeoutSec int    `mapstructure:"timeout_sec"`
}

// New creates a new API server instance
func New(ctx context.Context, st store.Store, q queue.Client, rv *revoker.Revoker, config *Config) *Server {
	s := &Server{
		ctx:    ctx,
		router: chi.NewRouter(),
	}

	// Set up middleware
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)

	NewTaskRouter(ctx, st, q, rv, config, s.router)

	s.server = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", config.Host, config.Port),
		Handler: s.router,
	}

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Run serves HTTP until the server's context is cancelled, then shuts down
// gracefully.
func (s *Server) Run() error {
	go func() {
		<-s.ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Could not shut down server cleanly")
		}
	}()

	log.Info().Str("addr", s.server.Addr).Msg("Serving HTTP")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func readJson(w http.ResponseWriter, r *http.Request, payload any) error {
	defer func() {
		if err := r.Body.Close(); err != nil {
			log.Error().Err(err).Msg("Could not close request body")
		}
	}()

	err := json.NewDecoder(r.Body).Decode(payload)
	if err != nil {
		serveError(w, http.StatusBadRequest, "Invalid input values")
	}
	return err
}

func serveJson(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Error().Err(err).Msg("JSON encoding issue")
	}
}

func serveError(w http.ResponseWriter, status int, message string) {
	serveJson(w, status, ErrorResponse{Error: message})
}
