// Package statushttp serves a running session's introspection state as
// JSON over plain net/http. It never participates in the CDC data path:
// it only reads whatever StatsProvider reports.
package statushttp

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rowstream/cdc/event"
)

// SessionStats is the point-in-time snapshot a running session exposes.
type SessionStats struct {
	Endpoint       string    `json:"endpoint"`
	Connected      bool      `json:"connected"`
	Cursor         string    `json:"cursor"`
	TableMapSize   int       `json:"table_map_size"`
	EventsEmitted  uint64    `json:"events_emitted"`
	LastEventAt    time.Time `json:"last_event_at,omitempty"`
	LastCheckpoint time.Time `json:"last_checkpoint,omitempty"`
	LastError      string    `json:"last_error,omitempty"`
}

// StatsProvider is implemented by a running mysqlwire or pgwire session
// driver's caller, whatever accumulates the counters above.
type StatsProvider interface {
	Stats() SessionStats
}

// Server serves GET /status as JSON describing the current session state.
type Server struct {
	httpServer *http.Server
	provider   StatsProvider
}

// New creates a Server backed by the given StatsProvider.
func New(provider StatsProvider) *Server {
	s := &Server{provider: provider}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", s.handleStatus)

	s.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Serve starts the HTTP server on the given listener, blocking until the
// server is shut down.
func (s *Server) Serve(lis net.Listener) error {
	if err := s.httpServer.Serve(lis); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("statushttp: serve: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("statushttp: shutdown: %w", err)
	}
	return nil
}

// Handler returns the HTTP handler for testing.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	stats := s.provider.Stats()
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(stats); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// CursorString normalizes either cursor kind to its wire-persistence
// string form for SessionStats.Cursor, so callers don't need their own
// type switch.
func CursorString(mysqlCursor *event.BinlogCursor, walCursor *event.WalCursor) string {
	switch {
	case mysqlCursor != nil:
		return mysqlCursor.String()
	case walCursor != nil:
		return walCursor.String()
	default:
		return ""
	}
}
