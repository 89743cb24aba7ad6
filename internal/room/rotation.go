package room

import (
	"encoding/json"
	"slices"
	"time"

	"github.com/MrWong99/spindle/internal/observe"
	"github.com/MrWong99/spindle/internal/track"
	"github.com/MrWong99/spindle/internal/wire"
)

// nextDjLocked computes the rotation successor: nil without DJs, the head
// when nothing is active, otherwise the element after the active one,
// wrapping. A dangling active pointer falls back to the head.
func (r *Room) nextDjLocked() Client {
	if len(r.djs) == 0 {
		return nil
	}
	if r.activeDj == nil {
		return r.djs[0]
	}
	i := slices.Index(r.djs, r.activeDj)
	return r.djs[(i+1)%len(r.djs)]
}

// AddDj appends c to the rotation. The first DJ starts playback; a DJ that
// lands directly next in line gets its track pre-fetched right away.
func (r *Room) AddDj(c Client) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed || slices.Index(r.peers, c) < 0 {
		return ErrNotInRoom
	}
	if slices.Index(r.djs, c) >= 0 {
		return ErrAlreadyDj
	}
	if len(r.djs) >= maxDjs {
		return ErrTooManyDjs
	}

	r.djs = append(r.djs, c)
	r.broadcastLocked(wire.MethodSetDjs, wire.SetDjsParams{Djs: r.djIDsLocked()})

	if len(r.djs) == 1 {
		go r.spin()
	} else if r.nextDjLocked() == c {
		go r.fetchOnDeck()
	}
	return nil
}

// RemoveDj takes c out of the rotation on its own request.
func (r *Room) RemoveDj(c Client) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.removeDjLocked(c) {
		return ErrNotDj
	}
	return nil
}

// removeDjLocked splices c out of the rotation and repairs whatever role it
// held: the active DJ's departure ends the current track, the next DJ's
// departure refreshes the pre-fetched deck, and the last DJ's departure
// clears it.
func (r *Room) removeDjLocked(c Client) bool {
	i := slices.Index(r.djs, c)
	if i < 0 {
		return false
	}

	wasNext := r.nextDjLocked() == c
	wasActive := r.activeDj == c

	if wasActive {
		// Repoint the rotation cursor at the predecessor so the next spin
		// lands on whoever followed the departing DJ.
		if len(r.djs) > 1 {
			r.activeDj = r.djs[(i-1+len(r.djs))%len(r.djs)]
		} else {
			r.activeDj = nil
		}
	}

	r.djs = slices.Delete(r.djs, i, i+1)
	r.broadcastLocked(wire.MethodSetDjs, wire.SetDjsParams{Djs: r.djIDsLocked()})

	if wasActive {
		if !r.endTrackLocked() {
			// Nothing was on air: the departing DJ's track request failed
			// or is still in flight. Disown any pending continuation and
			// restart the rotation from the repaired cursor.
			r.spinSeq++
			go r.spin()
		}
		return true
	}
	if len(r.djs) == 0 {
		r.clearOnDeckLocked(true)
	} else if wasNext {
		go r.fetchOnDeck()
	}
	return true
}

// EndTrackFrom ends the current track at c's request. Only the active DJ
// may do that, whether by skipping its turn or by reporting natural end.
func (r *Room) EndTrackFrom(c Client) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.activeDj != c {
		return ErrNotActiveDj
	}
	r.endTrackLocked()
	return nil
}

// EndTrack force-ends the current track, reporting whether one was playing.
// The vote-skip timer uses it; clients go through EndTrackFrom.
func (r *Room) EndTrack() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.endTrackLocked()
}

// endTrackLocked retires the playing track and advances the rotation. The
// spinSeq bump disowns any spin continuation still in flight.
func (r *Room) endTrackLocked() bool {
	if r.nowPlaying == nil {
		return false
	}
	r.spinSeq++
	r.evictTrackLocked(r.nowPlaying.track)
	r.nowPlaying = nil
	r.cancelSkipLocked(true)
	r.broadcastLocked(wire.MethodStopTrack, nil)
	// The broadcast clears the active slot client-side; the internal cursor
	// keeps its value so the next spin advances instead of restarting.
	r.broadcastLocked(wire.MethodSetActiveDj, wire.SetActiveDjParams{DjID: nil})
	r.host.RoomsChanged()
	go r.spin()
	return true
}

// UpdatedQueue reacts to a DJ reshuffling its local queue. Only the DJ next
// in line matters: its pre-fetched track may now be the wrong one, so the
// deck is refreshed. Reports whether a refresh was triggered.
func (r *Room) UpdatedQueue(c Client) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || r.nextDjLocked() != c {
		return false
	}
	go r.fetchOnDeck()
	return true
}

// ── Track lifecycle ───────────────────────────────────────────────────────────

// spin advances the rotation and publishes the next track. It runs on its
// own goroutine because it may await a requestTrack round-trip; the room
// lock is held except across that await.
func (r *Room) spin() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	r.spinSeq++
	seq := r.spinSeq

	dj := r.nextDjLocked()
	r.activeDj = dj
	var djID *string
	if dj != nil {
		id := dj.ID()
		djID = &id
	}
	r.broadcastLocked(wire.MethodSetActiveDj, wire.SetActiveDjParams{DjID: djID})

	if dj == nil {
		r.clearOnDeckLocked(true)
		return
	}

	// A consumed deck track is already registered; a freshly awaited one
	// is not.
	t := r.onDeck
	r.onDeck = nil
	if t == nil {
		t = r.awaitTrackLocked(dj, seq)
		if t == nil {
			return
		}
		r.registerTrackLocked(t)
	}

	r.nowPlaying = &nowPlaying{
		track:     t,
		votes:     map[string]bool{},
		startedAt: time.Now().Add(r.timings.StartLead).Unix(),
	}
	r.broadcastLocked(wire.MethodPlayTrack, r.nowPlaying.payload())
	r.host.RoomsChanged()
	r.log.Info("track published", "dj", dj.ID(), "track", t.ID)

	dj.Notify(wire.MethodCycleSelectedQueue, nil)
	go r.fetchOnDeck()
}

// awaitTrackLocked asks dj for a track, dropping the room lock for the
// duration of the await. On return the lock is held again and the rotation
// has been revalidated; a nil result means the caller must bail out.
func (r *Room) awaitTrackLocked(dj Client, seq uint64) *track.Track {
	r.mu.Unlock()
	t, err := r.requestTrack(dj)
	r.mu.Lock()

	if r.closed || r.spinSeq != seq {
		// A newer lifecycle event owns the floor; this continuation is stale.
		return nil
	}
	if r.activeDj != dj || slices.Index(r.djs, dj) < 0 {
		// The DJ vanished while we waited and nothing else took over. Spin
		// again from the repaired cursor.
		go r.spin()
		return nil
	}
	if err != nil {
		r.log.Warn("track request failed", "dj", dj.ID(), "error", err)
		return nil
	}
	return t
}

// fetchOnDeck pre-fetches the next DJ's track so the handover between turns
// is seamless. Any previous deck content is evicted first. The reply is
// discarded when the rotation moved on or a newer fetch superseded this one
// during the await.
func (r *Room) fetchOnDeck() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}

	if r.onDeck != nil {
		r.evictTrackLocked(r.onDeck)
		r.onDeck = nil
	}
	target := r.nextDjLocked()
	if target == nil {
		r.mu.Unlock()
		return
	}
	r.fetchSeq++
	seq := r.fetchSeq
	r.mu.Unlock()

	t, err := r.requestTrack(target)

	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		if !r.closed {
			r.log.Warn("deck request failed", "dj", target.ID(), "error", err)
		}
		return
	}
	if r.closed || r.fetchSeq != seq || r.nextDjLocked() != target {
		return
	}
	r.registerTrackLocked(t)
	r.onDeck = t
	r.broadcastLocked(wire.MethodSetOnDeck, wire.SetOnDeckParams{Track: t.Public()})
}

// requestTrack asks dj's client for the next track in its queue and mints a
// server-side identity for the reply. There is no timeout on the call: a DJ
// fronting a slow library stalls only its own slot, and a dead connection
// fails the call through session teardown.
func (r *Room) requestTrack(dj Client) (*track.Track, error) {
	result, err := dj.Call(r.ctx, wire.MethodRequestTrack, nil)
	if err != nil {
		return nil, err
	}
	var reply wire.RequestTrackReply
	if err := json.Unmarshal(result, &reply); err != nil {
		return nil, err
	}
	return track.Mint(r.host.TrackBase(), reply.Track)
}

// clearOnDeckLocked evicts the pre-fetched track. With broadcast set the
// cleared deck is announced even if it was already empty.
func (r *Room) clearOnDeckLocked(broadcast bool) {
	if r.onDeck != nil {
		r.evictTrackLocked(r.onDeck)
		r.onDeck = nil
	}
	if broadcast {
		r.broadcastLocked(wire.MethodSetOnDeck, wire.SetOnDeckParams{Track: nil})
	}
}

func (r *Room) registerTrackLocked(t *track.Track) {
	r.host.Tracks().Put(t)
	observe.DefaultMetrics().RecordTrackRegistered(r.ctx)
}

func (r *Room) evictTrackLocked(t *track.Track) {
	r.host.Tracks().Remove(t.ID)
	observe.DefaultMetrics().RecordTrackEvicted(r.ctx)
}

func (r *Room) djIDsLocked() []string {
	ids := make([]string, len(r.djs))
	for i, dj := range r.djs {
		ids[i] = dj.ID()
	}
	return ids
}
