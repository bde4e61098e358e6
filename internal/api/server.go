package api

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/movin10/talktime/internal/identity"
	"github.com/movin10/talktime/internal/session"
	"github.com/rs/zerolog"
)

// Server exposes the session core to the presentation layer: start and
// stop operations, a state snapshot, and a websocket event stream. Page
// rendering itself lives entirely on the client.
type Server struct {
	server   *http.Server
	provider identity.Provider
	sessions *session.Manager
	upgrader websocket.Upgrader
	logger   zerolog.Logger
	listener net.Listener // Optional pre-created listener (for systemd socket activation)
}

// NewServer creates the API server.
func NewServer(addr string, provider identity.Provider, sessions *session.Manager, logger zerolog.Logger) *Server {
	s := &Server{
		provider: provider,
		sessions: sessions,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The browser client is served from another origin.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logger.With().Str("component", "api").Logger(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/session/start", s.handleStart)
	mux.HandleFunc("POST /api/session/stop", s.handleStop)
	mux.HandleFunc("GET /api/session/state", s.handleState)
	mux.HandleFunc("GET /api/session/events", s.handleEvents)

	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.logRequests(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

// SetListener sets a pre-created listener for systemd socket activation
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start starts the API server
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("Starting API server")
	go func() {
		var err error
		if s.listener != nil {
			err = s.server.Serve(s.listener)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("API server error")
		}
	}()
	return nil
}

// Stop stops the API server
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping API server")
	return s.server.Close()
}

type startResponse struct {
	Outcome session.Outcome `json:"outcome"`
	Error   string          `json:"error,omitempty"`
	View    session.View    `json:"view"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	id, ok := s.identify(w, r)
	if !ok {
		return
	}

	orch := s.sessions.For(id)
	outcome, err := orch.RequestStart(r.Context())

	resp := startResponse{Outcome: outcome, View: orch.Snapshot()}
	if err != nil {
		resp.Error = err.Error()
	}

	// Quota escalations and connection errors are part of the normal
	// response vocabulary, not HTTP failures.
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	id, ok := s.identify(w, r)
	if !ok {
		return
	}

	orch := s.sessions.For(id)
	orch.RequestStop()
	writeJSON(w, http.StatusOK, orch.Snapshot())
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	id, ok := s.identify(w, r)
	if !ok {
		return
	}

	writeJSON(w, http.StatusOK, s.sessions.For(id).Snapshot())
}

// streamMessage is one websocket frame on the events stream.
type streamMessage struct {
	Type  string         `json:"type"` // "state" or "event"
	View  *session.View  `json:"view,omitempty"`
	Event *session.Event `json:"event,omitempty"`
}

// handleEvents upgrades to a websocket and pushes one state snapshot per
// second plus escalation events as they happen.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := s.identify(w, r)
	if !ok {
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Websocket upgrade failed")
		return
	}
	defer conn.Close()

	orch := s.sessions.For(id)

	// Reads are only consumed to detect the client going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	view := orch.Snapshot()
	if err := conn.WriteJSON(streamMessage{Type: "state", View: &view}); err != nil {
		return
	}

	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case ev := <-orch.Events():
			if err := conn.WriteJSON(streamMessage{Type: "event", Event: &ev}); err != nil {
				return
			}
		case <-ticker.C:
			view := orch.Snapshot()
			if err := conn.WriteJSON(streamMessage{Type: "state", View: &view}); err != nil {
				return
			}
		}
	}
}

// identify resolves the request identity or writes a 401.
func (s *Server) identify(w http.ResponseWriter, r *http.Request) (identity.Identity, bool) {
	id, err := s.provider.FromRequest(r)
	if err != nil {
		if errors.Is(err, identity.ErrInvalidToken) {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid or expired credentials"})
		} else {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		}
		return identity.Identity{}, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("duration", time.Since(start)).
			Msg("Request handled")
	})
}
