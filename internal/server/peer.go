package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/spindle/internal/auth"
	"github.com/MrWong99/spindle/internal/room"
	"github.com/MrWong99/spindle/internal/rpc"
	"github.com/MrWong99/spindle/internal/wire"
)

// errInternal is what clients see when the server itself failed. Details
// stay in the log.
var errInternal = errors.New("internal error")

// Peer is one websocket client. It carries the session, the authenticated
// identity and the room the client currently sits in, and adapts the RPC
// surface onto Server and Room calls.
type Peer struct {
	srv  *Server
	sess *rpc.Session
	log  *slog.Logger

	mu        sync.Mutex
	id        string
	authed    bool
	profile   json.RawMessage
	current   *room.Room
	authTimer *time.Timer
}

var _ room.Client = (*Peer)(nil)

func newPeer(s *Server, t rpc.Transport) *Peer {
	p := &Peer{srv: s, log: s.log}

	d := rpc.NewDispatcher()
	p.register(d)
	p.sess = rpc.NewSession(t, d, rpc.WithLogger(s.log))

	// Connections that never present a token get hung up on.
	p.authTimer = time.AfterFunc(s.authWindow, p.authExpired)
	return p
}

func (p *Peer) register(d *rpc.Dispatcher) {
	d.Register(wire.MethodJoin, p.handleJoin)
	d.Register(wire.MethodAuthenticate, p.handleAuthenticate)

	d.Register(wire.MethodFetchRooms, p.gated(p.handleFetchRooms))
	d.Register(wire.MethodCreateRoom, p.gated(p.handleCreateRoom))
	d.Register(wire.MethodJoinRoom, p.gated(p.handleJoinRoom))
	d.Register(wire.MethodLeaveRoom, p.gated(p.handleLeaveRoom))
	d.Register(wire.MethodBecomeDj, p.gated(p.handleBecomeDj))
	d.Register(wire.MethodStepDown, p.gated(p.handleStepDown))
	d.Register(wire.MethodTrackEnded, p.gated(p.handleTrackEnded))
	d.Register(wire.MethodSkipTurn, p.gated(p.handleSkipTurn))
	d.Register(wire.MethodUpdatedQueue, p.gated(p.handleUpdatedQueue))
	d.Register(wire.MethodSendChat, p.gated(p.handleSendChat))
	d.Register(wire.MethodSetProfile, p.gated(p.handleSetProfile))
	d.Register(wire.MethodVote, p.gated(p.handleVote))
}

// gated wraps h so it only runs once the peer has authenticated.
func (p *Peer) gated(h rpc.HandlerFunc) rpc.HandlerFunc {
	return func(ctx context.Context, raw json.RawMessage) (any, error) {
		if !p.Authed() {
			return nil, auth.ErrInvalidToken
		}
		return h(ctx, raw)
	}
}

// ── Identity ──────────────────────────────────────────────────────────────────

func (p *Peer) handleJoin(ctx context.Context, raw json.RawMessage) (any, error) {
	var params wire.JoinParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, auth.ErrInvalidToken
	}
	if err := p.srv.auth.VerifyInvite(params.JWT); err != nil {
		return nil, auth.ErrInvalidToken
	}

	id := p.identify("")
	token, err := p.srv.auth.SignSession(id)
	if err != nil {
		p.log.Error("session token signing failed", "error", err)
		return nil, errInternal
	}
	p.pushRooms()
	return wire.JoinReply{Token: token, PeerID: id}, nil
}

func (p *Peer) handleAuthenticate(ctx context.Context, raw json.RawMessage) (any, error) {
	var params wire.AuthenticateParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, auth.ErrInvalidToken
	}
	id, err := p.srv.auth.VerifySession(params.JWT)
	if err != nil {
		return nil, auth.ErrInvalidToken
	}
	// An id is permanent once assigned. A token minted for somebody else
	// does not rebind the connection.
	if cur := p.ID(); cur != "" && cur != id {
		return nil, auth.ErrInvalidToken
	}

	p.identify(id)
	p.pushRooms()
	return wire.AuthenticateReply{PeerID: id}, nil
}

// identify marks the peer authenticated under the given id, minting a fresh
// one when id is empty and none was assigned before. It returns the id in
// effect and disarms the authentication deadline.
func (p *Peer) identify(id string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if id != "" {
		p.id = id
	} else if p.id == "" {
		p.id = uuid.New().String()
	}
	p.authed = true
	if p.authTimer != nil {
		p.authTimer.Stop()
	}
	p.log = p.srv.log.With("peer", p.id)
	p.log.Info("peer authenticated")
	return p.id
}

func (p *Peer) authExpired() {
	if p.Authed() {
		return
	}
	p.logger().Info("authentication window expired")
	_ = p.sess.Close("authentication timeout")
}

// logger returns the peer's logger, which gains a peer attribute once the
// connection has identified itself.
func (p *Peer) logger() *slog.Logger {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.log
}

// pushRooms privately sends this peer the current room directory.
func (p *Peer) pushRooms() {
	p.Notify(wire.MethodSetRooms, wire.SetRoomsParams{Rooms: p.srv.Rooms()})
}

// ── Directory and membership ──────────────────────────────────────────────────

func (p *Peer) handleFetchRooms(ctx context.Context, raw json.RawMessage) (any, error) {
	return wire.SetRoomsParams{Rooms: p.srv.Rooms()}, nil
}

func (p *Peer) handleCreateRoom(ctx context.Context, raw json.RawMessage) (any, error) {
	var params wire.CreateRoomParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, ErrEmptyName
	}
	r, err := p.srv.CreateRoom(params.Name, p)
	if err != nil {
		return nil, err
	}
	p.log.Info("room created by peer", "room", r.ID(), "name", r.Name())
	return r.Summary(), nil
}

func (p *Peer) handleJoinRoom(ctx context.Context, raw json.RawMessage) (any, error) {
	var params wire.JoinRoomParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, room.ErrRoomNotFound
	}
	target, ok := p.srv.Room(params.ID)
	if !ok {
		return nil, room.ErrRoomNotFound
	}

	// Joining while in another room leaves that one first.
	if cur := p.Room(); cur != nil && cur != target {
		cur.Leave(p)
		p.setRoom(nil)
	}

	state, err := target.Enter(p)
	if err != nil {
		return nil, err
	}
	p.setRoom(target)
	return state, nil
}

func (p *Peer) handleLeaveRoom(ctx context.Context, raw json.RawMessage) (any, error) {
	cur := p.Room()
	if cur == nil {
		return nil, room.ErrNotInRoom
	}
	cur.Leave(p)
	p.setRoom(nil)
	return wire.OK, nil
}

// ── Rotation and playback ─────────────────────────────────────────────────────

func (p *Peer) handleBecomeDj(ctx context.Context, raw json.RawMessage) (any, error) {
	cur, err := p.inRoom()
	if err != nil {
		return nil, err
	}
	if err := cur.AddDj(p); err != nil {
		return nil, err
	}
	return wire.OK, nil
}

func (p *Peer) handleStepDown(ctx context.Context, raw json.RawMessage) (any, error) {
	cur, err := p.inRoom()
	if err != nil {
		return nil, err
	}
	if err := cur.RemoveDj(p); err != nil {
		return nil, err
	}
	return wire.OK, nil
}

func (p *Peer) handleTrackEnded(ctx context.Context, raw json.RawMessage) (any, error) {
	cur, err := p.inRoom()
	if err != nil {
		return nil, err
	}
	if err := cur.EndTrackFrom(p); err != nil {
		return nil, err
	}
	return wire.OK, nil
}

func (p *Peer) handleSkipTurn(ctx context.Context, raw json.RawMessage) (any, error) {
	cur, err := p.inRoom()
	if err != nil {
		return nil, err
	}
	if err := cur.EndTrackFrom(p); err != nil {
		return nil, err
	}
	return wire.OK, nil
}

func (p *Peer) handleUpdatedQueue(ctx context.Context, raw json.RawMessage) (any, error) {
	cur, err := p.inRoom()
	if err != nil {
		return nil, err
	}
	if cur.UpdatedQueue(p) {
		return wire.OK, nil
	}
	// Not the next DJ in line. Nothing to refresh, reply stays empty.
	return nil, nil
}

func (p *Peer) handleVote(ctx context.Context, raw json.RawMessage) (any, error) {
	cur, err := p.inRoom()
	if err != nil {
		return nil, err
	}
	var params wire.VoteParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, room.ErrNothingPlaying
	}
	if err := cur.Vote(p, params.Direction); err != nil {
		return nil, err
	}
	return wire.OK, nil
}

// ── Chat and profiles ─────────────────────────────────────────────────────────

func (p *Peer) handleSendChat(ctx context.Context, raw json.RawMessage) (any, error) {
	cur, err := p.inRoom()
	if err != nil {
		return nil, err
	}
	var params wire.SendChatParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, room.ErrBlankMessage
	}
	if err := cur.SendChat(p, params.Message); err != nil {
		return nil, err
	}
	return wire.OK, nil
}

func (p *Peer) handleSetProfile(ctx context.Context, raw json.RawMessage) (any, error) {
	var params wire.SetProfileParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, errInternal
	}

	p.mu.Lock()
	p.profile = params.Profile
	cur := p.current
	p.mu.Unlock()

	if cur != nil {
		cur.ProfileUpdated(p)
	}
	return wire.SetProfileReply{Success: true, PeerID: p.ID()}, nil
}

// ── room.Client ───────────────────────────────────────────────────────────────

// ID returns the authenticated peer id, empty before identification.
func (p *Peer) ID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.id
}

// Profile returns the last profile blob the client set, nil if none.
func (p *Peer) Profile() json.RawMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.profile
}

// Notify pushes a method at the client without waiting for anything.
// Failures mean the session is going away and teardown will handle it.
func (p *Peer) Notify(method string, params any) {
	if err := p.sess.Notify(method, params); err != nil {
		p.logger().Debug("push dropped", "method", method, "error", err)
	}
}

// Call invokes a method on the client and waits for its reply.
func (p *Peer) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	return p.sess.Call(ctx, method, params)
}

// ── State access ──────────────────────────────────────────────────────────────

func (p *Peer) Authed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.authed
}

// Room returns the room the peer currently sits in, nil outside any.
func (p *Peer) Room() *room.Room {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

func (p *Peer) setRoom(r *room.Room) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.current = r
}

// inRoom resolves the peer's room for handlers that require membership.
func (p *Peer) inRoom() (*room.Room, error) {
	if cur := p.Room(); cur != nil {
		return cur, nil
	}
	return nil, room.ErrNotInRoom
}

// teardown unwinds the peer after its session ended: the auth deadline is
// disarmed and the peer leaves whatever room it was in, which also removes
// it from the DJ rotation there.
func (p *Peer) teardown() {
	p.mu.Lock()
	if p.authTimer != nil {
		p.authTimer.Stop()
	}
	cur := p.current
	p.current = nil
	p.mu.Unlock()

	if cur != nil {
		cur.Leave(p)
	}
	p.logger().Info("peer disconnected", "reason", p.sess.Err())
}
