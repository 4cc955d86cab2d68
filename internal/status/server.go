// Package status serves a small read-only HTTP API describing a running
// receiver.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/m-jawhar/conduit/internal/dispatch"
	"github.com/m-jawhar/conduit/internal/logging"
	"github.com/m-jawhar/conduit/internal/partial"
)

// Sessions is the view of a dispatcher the server reports on.
type Sessions interface {
	Stats() dispatch.Stats
	Active() []dispatch.Session
}

// Server routes status requests.
type Server struct {
	sessions Sessions
	store    *partial.Store
	router   *mux.Router
	logger   *slog.Logger
}

// New returns a server reporting on sessions and, when store is not nil, on
// the partial artifacts awaiting resume.
func New(sessions Sessions, store *partial.Store, logger *slog.Logger) *Server {
	if logger == nil {
		logger = logging.Discard()
	}
	s := &Server{
		sessions: sessions,
		store:    store,
		router:   mux.NewRouter(),
		logger:   logger,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/sessions", s.handleSessions).Methods(http.MethodGet)
	s.router.HandleFunc("/sessions/{id}", s.handleSession).Methods(http.MethodGet)
	s.router.HandleFunc("/partials", s.handlePartials).Methods(http.MethodGet)
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	})
	defer stop()

	s.logger.Info("status endpoint listening", "addr", ln.Addr().String())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type sessionsResponse struct {
	Stats    dispatch.Stats     `json:"stats"`
	Sessions []dispatch.Session `json:"sessions"`
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, sessionsResponse{
		Stats:    s.sessions.Stats(),
		Sessions: s.sessions.Active(),
	})
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	for _, sess := range s.sessions.Active() {
		if sess.ID == id {
			writeJSON(w, http.StatusOK, sess)
			return
		}
	}
	http.Error(w, "session not found", http.StatusNotFound)
}

func (s *Server) handlePartials(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeJSON(w, http.StatusOK, []partial.Pending{})
		return
	}
	pending, err := s.store.List()
	if err != nil {
		s.logger.Warn("failed to list partial artifacts", "err", err)
		http.Error(w, "failed to list partial artifacts", http.StatusInternalServerError)
		return
	}
	if pending == nil {
		pending = []partial.Pending{}
	}
	writeJSON(w, http.StatusOK, pending)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
