// Package server owns the connected-peer set and the room directory, and
// binds the RPC surface every client talks to. One Server instance backs
// all websocket connections of a process; each connection is wrapped in a
// Peer that implements the room package's Client.
package server

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/spindle/internal/auth"
	"github.com/MrWong99/spindle/internal/observe"
	"github.com/MrWong99/spindle/internal/room"
	"github.com/MrWong99/spindle/internal/rpc"
	"github.com/MrWong99/spindle/internal/track"
	"github.com/MrWong99/spindle/internal/wire"
)

// ErrEmptyName rejects createRoom calls with a blank room name.
var ErrEmptyName = errors.New("name must be at least 1 character")

// defaultAuthWindow bounds how long a fresh connection may stay
// unauthenticated before it is dropped.
const defaultAuthWindow = 5 * time.Second

// Config carries the server's collaborators and policy.
type Config struct {
	Auth   *auth.Authenticator
	Tracks *track.Registry

	// TrackBase is the public HTTP base URL track URLs hang off, trailing
	// slash included.
	TrackBase string

	// WSURL is the public websocket URL handed out in invites.
	WSURL string

	// Timings is the per-room time policy. Zero means production defaults.
	Timings room.Timings

	// AuthWindow overrides the unauthenticated-connection deadline.
	AuthWindow time.Duration

	Log *slog.Logger
}

// Server is the process-wide coordination hub.
type Server struct {
	log        *slog.Logger
	auth       *auth.Authenticator
	tracks     *track.Registry
	trackBase  string
	wsURL      string
	timings    room.Timings
	authWindow time.Duration

	mu    sync.Mutex
	rooms []*room.Room // creation order, the order fetchRooms reports
	byID  map[string]*room.Room
	peers map[*Peer]struct{}
}

var _ room.Host = (*Server)(nil)

// New builds a Server from cfg, filling unset policy with defaults.
func New(cfg Config) *Server {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	timings := cfg.Timings
	if timings == (room.Timings{}) {
		timings = room.DefaultTimings()
	}
	authWindow := cfg.AuthWindow
	if authWindow <= 0 {
		authWindow = defaultAuthWindow
	}
	return &Server{
		log:        log,
		auth:       cfg.Auth,
		tracks:     cfg.Tracks,
		trackBase:  cfg.TrackBase,
		wsURL:      cfg.WSURL,
		timings:    timings,
		authWindow: authWindow,
		byID:       map[string]*room.Room{},
		peers:      map[*Peer]struct{}{},
	}
}

// ── Room directory ────────────────────────────────────────────────────────────

// CreateRoom mints a room owned by admin and announces the grown directory.
func (s *Server) CreateRoom(name string, admin room.Client) (*room.Room, error) {
	if name == "" {
		return nil, ErrEmptyName
	}
	s.mu.Lock()
	timings := s.timings
	s.mu.Unlock()

	r := room.New(name, admin, s, timings)
	s.mu.Lock()
	s.rooms = append(s.rooms, r)
	s.byID[r.ID()] = r
	s.mu.Unlock()

	observe.DefaultMetrics().RecordRoomOpened(context.Background())
	s.broadcastRooms()
	return r, nil
}

// Room looks a live room up by id.
func (s *Server) Room(id string) (*room.Room, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.byID[id]
	return r, ok
}

// Rooms returns the directory summaries in creation order.
func (s *Server) Rooms() []wire.RoomSummary {
	s.mu.Lock()
	rooms := slices.Clone(s.rooms)
	s.mu.Unlock()

	out := make([]wire.RoomSummary, 0, len(rooms))
	for _, r := range rooms {
		out = append(out, r.Summary())
	}
	return out
}

// broadcastRooms pushes the directory to every authenticated peer.
func (s *Server) broadcastRooms() {
	params := wire.SetRoomsParams{Rooms: s.Rooms()}

	s.mu.Lock()
	peers := make([]*Peer, 0, len(s.peers))
	for p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()

	for _, p := range peers {
		if p.Authed() {
			p.Notify(wire.MethodSetRooms, params)
		}
	}
}

// ── room.Host ─────────────────────────────────────────────────────────────────

func (s *Server) TrackBase() string       { return s.trackBase }
func (s *Server) Tracks() *track.Registry { return s.tracks }

// RoomsChanged schedules a directory broadcast. Rooms call it with their
// lock held, so the actual fan-out runs on its own goroutine.
func (s *Server) RoomsChanged() {
	go s.broadcastRooms()
}

// DropRoom detaches a room that sat empty for the removal delay. The close
// is conditional: a peer that re-entered since the timer fired wins.
func (s *Server) DropRoom(r *room.Room) {
	if !r.CloseIfEmpty() {
		return
	}
	s.mu.Lock()
	if _, ok := s.byID[r.ID()]; ok {
		delete(s.byID, r.ID())
		if i := slices.Index(s.rooms, r); i >= 0 {
			s.rooms = slices.Delete(s.rooms, i, i+1)
		}
	}
	s.mu.Unlock()

	observe.DefaultMetrics().RecordRoomClosed(context.Background())
	s.log.Info("room removed", "room", r.ID(), "name", r.Name())
	s.broadcastRooms()
}

// ── Connection bookkeeping ────────────────────────────────────────────────────

func (s *Server) addPeer(p *Peer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peers[p] = struct{}{}
}

func (s *Server) removePeer(p *Peer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.peers, p)
}

// PeerCount reports the number of live connections.
func (s *Server) PeerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

// SetTimings replaces the timing policy applied to rooms created from now
// on. Rooms that already exist keep the policy they started with.
func (s *Server) SetTimings(t room.Timings) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timings = t
}

// Timings returns the policy applied to rooms created from now on.
func (s *Server) Timings() room.Timings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timings
}

// ServePeer runs one client connection to completion. It returns when the
// session ends or ctx is cancelled, after the peer has been unwound from
// whatever room it was in.
func (s *Server) ServePeer(ctx context.Context, t rpc.Transport) {
	p := newPeer(s, t)
	s.addPeer(p)
	observe.DefaultMetrics().RecordPeerConnected(ctx)
	defer observe.DefaultMetrics().RecordPeerDisconnected(ctx)

	select {
	case <-p.sess.Done():
	case <-ctx.Done():
		_ = p.sess.Close("server shutting down")
		<-p.sess.Done()
	}
	p.teardown()
	s.removePeer(p)
}

// Shutdown closes every live session and room. Peer unwinding then runs on
// the ServePeer goroutines as their sessions die.
func (s *Server) Shutdown() {
	s.mu.Lock()
	peers := make([]*Peer, 0, len(s.peers))
	for p := range s.peers {
		peers = append(peers, p)
	}
	rooms := slices.Clone(s.rooms)
	s.mu.Unlock()

	for _, p := range peers {
		_ = p.sess.Close("server shutting down")
	}
	for _, r := range rooms {
		r.Close()
	}
}
