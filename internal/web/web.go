package web

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"tzcal/internal/calendar"
	"tzcal/internal/config"
	"tzcal/internal/ics"
	appLog "tzcal/internal/log"
	"tzcal/internal/model"
)

// Server provides the HTTP JSON API over a calendar Manager.
//
// The Manager is not safe for concurrent use; every handler holds mu while
// it touches it. The same lock is shared with the subscription syncer.
type Server struct {
	cfg     *config.Config
	mu      sync.Locker
	manager *calendar.Manager
	syncer  *ics.Syncer
	mux     *http.ServeMux
}

// NewServer constructs a new Server. syncer may be nil, in which case
// POST /api/refresh reports that no subscriptions are configured.
func NewServer(cfg *config.Config, mu sync.Locker, manager *calendar.Manager, syncer *ics.Syncer) *Server {
	s := &Server{
		cfg:     cfg,
		mu:      mu,
		manager: manager,
		syncer:  syncer,
		mux:     http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		return s.basicAuthMiddleware(h)
	}
	return h
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	// An empty username or password disables auth.
	if s.cfg.BasicAuth.Username == "" || s.cfg.BasicAuth.Password == "" {
		return false
	}
	return true
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="tzcal", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)

	s.mux.HandleFunc("GET /api/calendars", s.handleListCalendars)
	s.mux.HandleFunc("POST /api/calendars", s.handleCreateCalendar)
	s.mux.HandleFunc("PATCH /api/calendars/{name}", s.handleUpdateCalendar)
	s.mux.HandleFunc("DELETE /api/calendars/{name}", s.handleDeleteCalendar)
	s.mux.HandleFunc("PUT /api/calendars/{name}/active", s.handleSetActive)

	s.mux.HandleFunc("GET /api/calendars/{name}/events", s.handleListEvents)
	s.mux.HandleFunc("POST /api/calendars/{name}/events", s.handleAddEvent)
	s.mux.HandleFunc("PATCH /api/calendars/{name}/events", s.handleEditEvents)
	s.mux.HandleFunc("POST /api/calendars/{name}/recurring", s.handleAddRecurring)
	s.mux.HandleFunc("GET /api/calendars/{name}/busy", s.handleBusy)

	s.mux.HandleFunc("GET /api/calendars/{name}/export.ics", s.handleExport)
	s.mux.HandleFunc("POST /api/calendars/{name}/import", s.handleImport)

	s.mux.HandleFunc("POST /api/copy", s.handleCopy)
	s.mux.HandleFunc("POST /api/refresh", s.handleRefresh)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// locked runs fn while holding the manager lock.
func (s *Server) locked(fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn()
}

// onCalendar runs fn against the named calendar while holding the lock.
func (s *Server) onCalendar(name string, fn func(*calendar.Calendar) error) error {
	return s.locked(func() error { return s.manager.ExecuteOnCalendar(name, fn) })
}

// statusFor maps the engine's error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrCalendarNotFound), errors.Is(err, model.ErrEventNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrConflictingEvent), errors.Is(err, model.ErrDuplicateCalendar):
		return http.StatusConflict
	case errors.Is(err, model.ErrInvalidEvent), errors.Is(err, model.ErrInvalidTimezone),
		errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}

// writeErr reports err with the status its kind maps to.
func writeErr(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		appLog.Error("api request failed", err, "method", r.Method, "path", r.URL.Path)
	} else {
		appLog.Debug("api request rejected", "method", r.Method, "path", r.URL.Path, "status", status, "err", err.Error())
	}
	writeError(w, status, err.Error())
}
