// Package room implements the coordination engine for one collaborative
// audio room: the peer roster, the DJ rotation state machine, the track
// lifecycle, the vote-and-skip protocol, chat, and broadcast fan-out.
//
// A Room serializes all state mutation behind one mutex. The only
// operations that suspend are the track requests inside spin and
// fetchOnDeck; both release the lock for the duration of the await and
// revalidate rotation state afterwards before touching anything.
package room

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/spindle/internal/observe"
	"github.com/MrWong99/spindle/internal/track"
	"github.com/MrWong99/spindle/internal/wire"
	"github.com/google/uuid"
)

// maxDjs bounds the rotation. A sixth becomeDj is refused.
const maxDjs = 5

// User-visible precondition failures. Their texts go to clients verbatim.
var (
	ErrNotInRoom      = errors.New("you are not in a room")
	ErrAlreadyDj      = errors.New("already a dj")
	ErrTooManyDjs     = errors.New("too many djs, not enough mics")
	ErrNotDj          = errors.New("you are not a dj")
	ErrNotActiveDj    = errors.New("must be active dj to skip turn")
	ErrNothingPlaying = errors.New("there is no song playing to vote on")
	ErrBlankMessage   = errors.New("can't send a blank message")
	ErrRoomNotFound   = errors.New("room not found")
)

// Client is the room's view of a connected peer. The server's peer type
// implements it over a live session; tests drive rooms with fakes.
type Client interface {
	ID() string
	Profile() json.RawMessage
	// Notify pushes a server-originated message, fire and forget.
	Notify(method string, params any)
	// Call sends a request to the client and awaits its reply.
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)
}

// Host is what a Room needs from the server that owns it.
type Host interface {
	// TrackBase is the public HTTP base URL track URLs hang off. Ends in "/".
	TrackBase() string
	// Tracks is the process-wide track registry.
	Tracks() *track.Registry
	// RoomsChanged asks the server to rebroadcast the rooms list. It is
	// called with the room lock held and must not re-enter the room
	// synchronously.
	RoomsChanged()
	// DropRoom removes an emptied room from the directory. Implementations
	// call CloseIfEmpty to revalidate before detaching.
	DropRoom(*Room)
}

// Timings groups the room's time policy. Tests compress these; production
// uses the defaults.
type Timings struct {
	// SkipDelay is the grace between a skip warning and the actual skip.
	SkipDelay time.Duration
	// RemovalDelay is how long an empty room survives before removal.
	RemovalDelay time.Duration
	// StartLead is added to the publish instant to form startedAt, giving
	// clients a window to line up playback.
	StartLead time.Duration
}

// DefaultTimings returns the production time policy.
func DefaultTimings() Timings {
	return Timings{
		SkipDelay:    5 * time.Second,
		RemovalDelay: 45 * time.Second,
		StartLead:    5 * time.Second,
	}
}

// nowPlaying is the record of the playing track: the full track, the votes
// cast on it, and the wall-clock start instant in epoch seconds.
type nowPlaying struct {
	track     *track.Track
	votes     map[string]bool
	startedAt int64
}

func (np *nowPlaying) payload() wire.NowPlaying {
	votes := make(map[string]bool, len(np.votes))
	for k, v := range np.votes {
		votes[k] = v
	}
	return wire.NowPlaying{
		Track:     np.track.Public(),
		Votes:     votes,
		StartedAt: np.startedAt,
	}
}

// Room is one collaborative audio room.
type Room struct {
	id      string
	name    string
	adminID string
	host    Host
	timings Timings
	log     *slog.Logger

	// ctx is cancelled on close and aborts in-flight track requests.
	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	admin        Client
	peers        []Client
	djs          []Client
	activeDj     Client
	nowPlaying   *nowPlaying
	onDeck       *track.Track
	skipWarning  bool
	skipTimer    *time.Timer
	removalTimer *time.Timer

	// spinSeq and fetchSeq invalidate suspended continuations: any track
	// lifecycle event bumps spinSeq, any newer prefetch bumps fetchSeq.
	spinSeq  uint64
	fetchSeq uint64

	closed bool
}

// New creates a room owned by admin. The roster starts empty (the creator
// joins separately), so the removal countdown starts immediately and is
// cancelled by the first entry.
func New(name string, admin Client, host Host, timings Timings) *Room {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Room{
		id:      uuid.New().String(),
		name:    name,
		adminID: admin.ID(),
		admin:   admin,
		host:    host,
		timings: timings,
		ctx:     ctx,
		cancel:  cancel,
	}
	r.log = slog.With("room", r.id, "name", name)
	r.removalTimer = time.AfterFunc(timings.RemovalDelay, r.removalExpired)
	r.log.Info("room created", "admin", r.adminID)
	return r
}

func (r *Room) ID() string      { return r.id }
func (r *Room) Name() string    { return r.name }
func (r *Room) AdminID() string { return r.adminID }

// ── Roster ────────────────────────────────────────────────────────────────────

// Enter adds c to the roster and returns the full room state. The join is
// announced to everyone already present; the joiner itself is caught up
// privately with the current playTrack and setOnDeck, mirroring what it
// missed.
func (r *Room) Enter(c Client) (wire.RoomState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return wire.RoomState{}, ErrRoomNotFound
	}

	if r.removalTimer != nil {
		r.removalTimer.Stop()
		r.removalTimer = nil
	}

	if slices.Index(r.peers, c) < 0 {
		r.peers = append(r.peers, c)
		r.broadcastLocked(wire.MethodSetPeers, wire.SetPeersParams{Peers: r.peerInfosLocked()}, c)
		r.host.RoomsChanged()
	}

	if r.nowPlaying != nil {
		c.Notify(wire.MethodPlayTrack, r.nowPlaying.payload())
	}
	if r.onDeck != nil {
		c.Notify(wire.MethodSetOnDeck, wire.SetOnDeckParams{Track: r.onDeck.Public()})
	}

	r.log.Debug("peer entered", "peer", c.ID())
	return r.stateLocked(), nil
}

// Leave removes c from the roster, unwinding its DJ role first. When the
// roster empties, removal is scheduled after the configured delay.
func (r *Room) Leave(c Client) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	i := slices.Index(r.peers, c)
	if i < 0 {
		return
	}
	r.peers = slices.Delete(r.peers, i, i+1)

	r.removeDjLocked(c)

	if r.admin == c {
		r.admin = nil
	}

	r.broadcastLocked(wire.MethodSetPeers, wire.SetPeersParams{Peers: r.peerInfosLocked()})
	r.host.RoomsChanged()

	if len(r.peers) == 0 && r.removalTimer == nil {
		r.removalTimer = time.AfterFunc(r.timings.RemovalDelay, r.removalExpired)
	}
	r.log.Debug("peer left", "peer", c.ID())
}

// HasPeer reports whether c is currently in the roster.
func (r *Room) HasPeer(c Client) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Index(r.peers, c) >= 0
}

// removalExpired fires when a room has sat empty for the removal delay.
// DropRoom revalidates emptiness via CloseIfEmpty, so a peer that re-entered
// between the timer firing and this call keeps the room alive.
func (r *Room) removalExpired() {
	r.host.DropRoom(r)
}

// ── Chat and profiles ─────────────────────────────────────────────────────────

// SendChat broadcasts one chat line from c to the whole roster.
func (r *Room) SendChat(c Client, message string) error {
	if message == "" {
		return ErrBlankMessage
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.broadcastLocked(wire.MethodNewChatMsg, wire.NewChatMsgParams{
		ID:        uuid.New().String(),
		Message:   message,
		PeerID:    c.ID(),
		Timestamp: time.Now().UnixMilli(),
	})
	return nil
}

// ProfileUpdated announces c's new profile to the roster.
func (r *Room) ProfileUpdated(c Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.broadcastLocked(wire.MethodSetPeerProfile, wire.SetPeerProfileParams{
		PeerID:  c.ID(),
		Profile: c.Profile(),
	})
}

// ── Views ─────────────────────────────────────────────────────────────────────

// Summary returns the abridged rooms-list entry for this room.
func (r *Room) Summary() wire.RoomSummary {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.summaryLocked()
}

func (r *Room) summaryLocked() wire.RoomSummary {
	s := wire.RoomSummary{
		ID:        r.id,
		Name:      r.name,
		AdminID:   r.adminID,
		PeerCount: len(r.peers),
	}
	if r.nowPlaying != nil {
		np := r.nowPlaying.payload()
		s.NowPlaying = &np
	}
	return s
}

func (r *Room) stateLocked() wire.RoomState {
	djs := make([]string, len(r.djs))
	for i, dj := range r.djs {
		djs[i] = dj.ID()
	}
	st := wire.RoomState{
		ID:      r.id,
		Name:    r.name,
		AdminID: r.adminID,
		Peers:   r.peerInfosLocked(),
		Djs:     djs,
	}
	if r.activeDj != nil {
		id := r.activeDj.ID()
		st.ActiveDj = &id
	}
	return st
}

func (r *Room) peerInfosLocked() []wire.PeerInfo {
	infos := make([]wire.PeerInfo, len(r.peers))
	for i, p := range r.peers {
		infos[i] = wire.PeerInfo{ID: p.ID(), Profile: p.Profile()}
	}
	return infos
}

// ── Lifecycle ─────────────────────────────────────────────────────────────────

// CloseIfEmpty closes the room only if the roster is still empty. It
// reports whether the close happened, letting the server atomically decide
// whether to detach the room.
func (r *Room) CloseIfEmpty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || len(r.peers) > 0 {
		return false
	}
	r.closeLocked()
	return true
}

// Close tears the room down unconditionally, evicting its tracks from the
// registry and cancelling every pending timer and in-flight request.
func (r *Room) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.closed {
		r.closeLocked()
	}
}

func (r *Room) closeLocked() {
	r.closed = true
	r.cancel()
	if r.skipTimer != nil {
		r.skipTimer.Stop()
		r.skipTimer = nil
	}
	if r.removalTimer != nil {
		r.removalTimer.Stop()
		r.removalTimer = nil
	}
	if r.nowPlaying != nil {
		r.evictTrackLocked(r.nowPlaying.track)
		r.nowPlaying = nil
	}
	if r.onDeck != nil {
		r.evictTrackLocked(r.onDeck)
		r.onDeck = nil
	}
	r.log.Info("room closed")
}

// ── Fan-out ───────────────────────────────────────────────────────────────────

// broadcastLocked pushes one message to every peer in roster order, minus
// except. Sends only enqueue on each peer's session, so holding the room
// lock here is what guarantees per-peer emission order.
func (r *Room) broadcastLocked(method string, params any, except ...Client) {
	var n int64
	for _, p := range r.peers {
		if len(except) > 0 && slices.Index(except, p) >= 0 {
			continue
		}
		p.Notify(method, params)
		n++
	}
	if n > 0 {
		observe.DefaultMetrics().RecordBroadcast(r.ctx, method, n)
	}
}
