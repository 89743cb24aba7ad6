package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/coder/websocket"

	"github.com/MrWong99/spindle/internal/observe"
	"github.com/MrWong99/spindle/internal/rpc"
)

// HandleWS upgrades the request to a websocket and runs the peer session on
// it until either side hangs up.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{rpc.Subprotocol},
	})
	if err != nil {
		s.log.Warn("websocket accept failed", "error", err)
		return
	}
	s.ServePeer(r.Context(), rpc.NewWebSocketTransport(conn))
}

// HandleTrack streams a registered track's audio. Routes as
// "GET /tracks/{id}".
func (s *Server) HandleTrack(w http.ResponseWriter, r *http.Request) {
	t, ok := s.tracks.Get(r.PathValue("id"))
	if !ok {
		http.NotFound(w, r)
		return
	}
	data, contentType, err := t.Payload()
	if err != nil {
		s.log.Warn("track payload unavailable", "track", t.ID, "error", err)
		http.NotFound(w, r)
		return
	}

	// Tracks are evicted when rotation moves on, so caching a stale copy
	// only wastes the client's memory.
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Cache-Control", "no-store")
	if _, err := w.Write(data); err != nil {
		s.log.Debug("track write aborted", "track", t.ID, "error", err)
		return
	}
	observe.DefaultMetrics().RecordTrackServed(r.Context(), int64(len(data)))
}

// invite is the HandleInvite response body.
type invite struct {
	URL   string `json:"url"`
	Token string `json:"token"`
}

// HandleInvite mints a short-lived invite token and tells the caller where
// to connect with it.
func (s *Server) HandleInvite(w http.ResponseWriter, r *http.Request) {
	token, err := s.auth.SignInvite()
	if err != nil {
		s.log.Error("invite signing failed", "error", err)
		http.Error(w, "could not mint invite", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(invite{URL: s.wsURL, Token: token}); err != nil {
		s.log.Debug("invite write aborted", "error", err)
	}
}
