package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/session-radar/backend/internal/session"
)

// Health is the diagnostics payload for GET /api/health.
type Health struct {
	WatchedPaths   int `json:"watchedPaths"`
	DegradedPaths  int `json:"degradedPaths"`
	ActiveSessions int `json:"activeSessions"`
	CacheSize      int `json:"cacheSize"`
	Clients        int `json:"clients"`
}

// Server exposes the hub's push channel plus the pull-fallback HTTP
// contract. Cache invalidation and health reporting are injected so the
// server stays free of monitor internals.
type Server struct {
	cache      *session.Cache
	hub        *Hub
	health     func() Health
	invalidate func(sessionID string)
}

func NewServer(cache *session.Cache, hub *Hub, health func() Health, invalidate func(sessionID string)) *Server {
	return &Server{
		cache:      cache,
		hub:        hub,
		health:     health,
		invalidate: invalidate,
	}
}

func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/sessions", s.handleSessions)
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/invalidate", s.handleInvalidate)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		CheckOrigin: checkOrigin,
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[hub] upgrade error: %v", err)
		return
	}

	filter := r.URL.Query().Get("filter")
	c := s.hub.Add(conn, filter)

	go func() {
		defer func() {
			s.hub.Remove(c)
			log.Printf("[hub] client %s disconnected", c.id)
		}()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var msg ClientMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			if msg.Type == "resync" {
				s.hub.Resync(c, msg.Since)
			}
		}
	}()
}

// handleSessions implements GetSessions and GetSessionsSince: the full
// entry set, optionally restricted to versions after ?since=V and to a
// project/session ?filter=.
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	var entries []session.Entry
	if sinceParam := r.URL.Query().Get("since"); sinceParam != "" {
		since, err := strconv.ParseUint(sinceParam, 10, 64)
		if err != nil {
			http.Error(w, "invalid since version", http.StatusBadRequest)
			return
		}
		entries = s.cache.Since(since)
	} else {
		entries = s.cache.All()
	}

	if filter := r.URL.Query().Get("filter"); filter != "" {
		kept := entries[:0]
		for _, e := range entries {
			if e.Snapshot.SessionID == filter || strings.HasPrefix(e.Meta.ProjectPath, filter) {
				kept = append(kept, e)
			}
		}
		entries = kept
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(entries)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.health())
}

// handleInvalidate is the external cache-busting trigger: POST with an
// optional ?session=id drops cached entries and forces reclassification.
func (s *Server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.invalidate(r.URL.Query().Get("session"))
	w.WriteHeader(http.StatusNoContent)
}

// checkOrigin admits same-host and localhost origins. The service assumes
// a trusted single-user machine; this only keeps arbitrary websites from
// driving the local API through a browser.
func checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	parsed, err := url.Parse(origin)
	if err != nil || parsed.Host == "" {
		return false
	}

	host := parsed.Host
	if host == r.Host {
		return true
	}
	for _, local := range []string{"localhost", "127.0.0.1", "[::1]"} {
		if host == local || strings.HasPrefix(host, local+":") {
			return true
		}
	}
	return false
}

// ListenAndServe runs the HTTP server until ctx is cancelled, then shuts
// it down gracefully.
func ListenAndServe(ctx context.Context, host string, port int, mux *http.ServeMux) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Printf("[server] listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
