// Package web exposes the friend-calendar HTTP API.
package web

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"time"

	"friendcal/internal/config"
	applog "friendcal/internal/log"
	"friendcal/internal/model"
	"friendcal/internal/recur"
	syncsvc "friendcal/internal/sync"
)

// Server provides HTTP APIs over the synchronization service.
type Server struct {
	cfg *config.Config
	svc *syncsvc.Service
	mux *http.ServeMux
}

// NewServer constructs a new Server.
func NewServer(cfg *config.Config, svc *syncsvc.Service) *Server {
	s := &Server{
		cfg: cfg,
		svc: svc,
		mux: http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		applog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		return s.basicAuthMiddleware(h)
	}
	return h
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
// Empty username or password counts as disabled.
func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
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
		// /health is always served unauthenticated.
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="FriendCal", charset="UTF-8"`)
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
	s.mux.HandleFunc("GET /api/friends", s.handleListFriends)
	s.mux.HandleFunc("GET /api/friends/{owner}/events", s.handleFriendEvents)
	s.mux.HandleFunc("POST /api/friends/{owner}/refresh", s.handleRefresh)
	s.mux.HandleFunc("GET /api/friends/{owner}/status", s.handleStatus)
	s.mux.HandleFunc("DELETE /api/friends/{owner}/cache", s.handlePurge)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// friendDTO is a JSON-friendly view of a registered friend feed.
type friendDTO struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	FeedID      string `json:"feed_id"`
	FeedName    string `json:"feed_name"`
}

func (s *Server) handleListFriends(w http.ResponseWriter, _ *http.Request) {
	friends := s.svc.RegisteredFriends()
	dtos := make([]friendDTO, 0, len(friends))
	for _, f := range friends {
		dtos = append(dtos, friendDTO{
			ID:          f.ID,
			DisplayName: f.DisplayName,
			FeedID:      f.FeedID,
			FeedName:    f.FeedName,
		})
	}
	writeJSON(w, http.StatusOK, dtos)
}

// eventsResponse is the JSON response shape for friend events.
type eventsResponse struct {
	Events      []model.FriendEvent `json:"events"`
	WindowStart time.Time           `json:"window_start"`
	WindowEnd   time.Time           `json:"window_end"`
	OwnerID     string              `json:"owner_id"`
}

// handleFriendEvents returns the owner's merged events within a window.
//
// GET /api/friends/{owner}/events?start=...&end=...
//   - start, end: RFC3339 timestamps; when omitted, the window defaults
//     to one day back through the configured horizon.
//   - The viewer identity comes from the X-Viewer-ID header.
func (s *Server) handleFriendEvents(w http.ResponseWriter, r *http.Request) {
	ownerID := r.PathValue("owner")
	viewerID := r.Header.Get("X-Viewer-ID")
	if viewerID == "" {
		writeError(w, http.StatusBadRequest, "missing X-Viewer-ID header")
		return
	}

	now := time.Now()
	start := now.AddDate(0, 0, -1)
	end := now.AddDate(0, 0, s.cfg.HorizonDays)

	q := r.URL.Query()
	var err error
	if raw := q.Get("start"); raw != "" {
		if start, err = time.Parse(time.RFC3339, raw); err != nil {
			writeError(w, http.StatusBadRequest, "invalid start: must be RFC3339")
			return
		}
	}
	if raw := q.Get("end"); raw != "" {
		if end, err = time.Parse(time.RFC3339, raw); err != nil {
			writeError(w, http.StatusBadRequest, "invalid end: must be RFC3339")
			return
		}
	}

	events, err := s.svc.FetchFriendEvents(r.Context(), viewerID, ownerID, start, end)
	if err != nil {
		if err == recur.ErrInvalidWindow {
			writeError(w, http.StatusBadRequest, "window end precedes start")
			return
		}
		applog.Error("friend events request failed", err, "owner_id", ownerID)
		writeError(w, http.StatusBadGateway, "failed to fetch friend events")
		return
	}

	writeJSON(w, http.StatusOK, eventsResponse{
		Events:      events,
		WindowStart: start,
		WindowEnd:   end,
		OwnerID:     ownerID,
	})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	ownerID := r.PathValue("owner")
	if err := s.svc.RefreshFriendEvents(r.Context(), ownerID); err != nil {
		applog.Error("forced refresh failed", err, "owner_id", ownerID)
		writeError(w, http.StatusBadGateway, "refresh failed: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "refreshed"})
}

// statusResponse is the JSON response shape for sync status.
type statusResponse struct {
	OwnerID     string    `json:"owner_id"`
	State       string    `json:"state"`
	LastSuccess time.Time `json:"last_success,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ownerID := r.PathValue("owner")
	status, state := s.svc.Status(ownerID)
	writeJSON(w, http.StatusOK, statusResponse{
		OwnerID:     ownerID,
		State:       string(state),
		LastSuccess: status.LastSuccess,
		LastError:   status.LastError,
	})
}

func (s *Server) handlePurge(w http.ResponseWriter, r *http.Request) {
	ownerID := r.PathValue("owner")
	if err := s.svc.PurgeFriendCache(r.Context(), ownerID); err != nil {
		applog.Error("cache purge failed", err, "owner_id", ownerID)
		writeError(w, http.StatusInternalServerError, "purge failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "purged"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		applog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
