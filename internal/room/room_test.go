package room_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/spindle/internal/room"
	"github.com/MrWong99/spindle/internal/track"
	"github.com/MrWong99/spindle/internal/wire"
)

// note is one recorded server push.
type note struct {
	method string
	params any
}

// fakeClient records every push the room sends it and answers requestTrack
// calls from a script, falling back to instant replies titled "<id>-<n>".
type fakeClient struct {
	id      string
	profile json.RawMessage

	mu       sync.Mutex
	feed     []note
	reqs     int
	scripted []func(context.Context) (json.RawMessage, error)
}

func newFakeClient(id string) *fakeClient {
	return &fakeClient{id: id}
}

func (c *fakeClient) ID() string               { return c.id }
func (c *fakeClient) Profile() json.RawMessage { return c.profile }

func (c *fakeClient) Notify(method string, params any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.feed = append(c.feed, note{method: method, params: params})
}

func (c *fakeClient) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	c.mu.Lock()
	c.reqs++
	n := c.reqs
	var fn func(context.Context) (json.RawMessage, error)
	if len(c.scripted) > 0 {
		fn = c.scripted[0]
		c.scripted = c.scripted[1:]
	}
	c.mu.Unlock()

	if fn != nil {
		return fn(ctx)
	}
	return trackReply(fmt.Sprintf("%s-%d", c.id, n)), nil
}

// script queues reply functions consumed by subsequent Calls, ahead of the
// default instant replies.
func (c *fakeClient) script(fns ...func(context.Context) (json.RawMessage, error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scripted = append(c.scripted, fns...)
}

func (c *fakeClient) trackRequests() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reqs
}

func (c *fakeClient) methods() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.feed))
	for i, n := range c.feed {
		out[i] = n.method
	}
	return out
}

func (c *fakeClient) count(method string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	var n int
	for _, f := range c.feed {
		if f.method == method {
			n++
		}
	}
	return n
}

// last returns the params of the most recent push with the given method.
func (c *fakeClient) last(method string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.feed) - 1; i >= 0; i-- {
		if c.feed[i].method == method {
			return c.feed[i].params, true
		}
	}
	return nil, false
}

// trackReply builds a requestTrack reply bearing one titled track.
func trackReply(title string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"track":{"title":%q,"data":"QUFBQQ=="}}`, title))
}

// blockedReply holds the call until release is closed.
func blockedReply(release <-chan struct{}, title string) func(context.Context) (json.RawMessage, error) {
	return func(ctx context.Context) (json.RawMessage, error) {
		select {
		case <-release:
			return trackReply(title), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// fakeHost backs a room with a private registry and counts directory events.
type fakeHost struct {
	tracks *track.Registry

	mu      sync.Mutex
	pings   int
	dropped int
}

func newFakeHost() *fakeHost {
	return &fakeHost{tracks: track.NewRegistry()}
}

func (h *fakeHost) TrackBase() string       { return "http://localhost:8080/" }
func (h *fakeHost) Tracks() *track.Registry { return h.tracks }

func (h *fakeHost) RoomsChanged() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pings++
}

func (h *fakeHost) DropRoom(r *room.Room) {
	if !r.CloseIfEmpty() {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dropped++
}

func (h *fakeHost) droppedCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dropped
}

// calmTimings keeps every timer far away so tests control all transitions.
func calmTimings() room.Timings {
	return room.Timings{
		SkipDelay:    time.Hour,
		RemovalDelay: time.Hour,
		StartLead:    5 * time.Second,
	}
}

func newTestRoom(t *testing.T, timings room.Timings) (*room.Room, *fakeHost, *fakeClient) {
	t.Helper()
	admin := newFakeClient("admin")
	host := newFakeHost()
	r := room.New("the den", admin, host, timings)
	t.Cleanup(r.Close)
	return r, host, admin
}

func enter(t *testing.T, r *room.Room, c *fakeClient) wire.RoomState {
	t.Helper()
	st, err := r.Enter(c)
	if err != nil {
		t.Fatalf("Enter(%s): %v", c.ID(), err)
	}
	return st
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// assertOrder fails unless methods appear in c's feed in the given order,
// not necessarily adjacent.
func assertOrder(t *testing.T, c *fakeClient, methods ...string) {
	t.Helper()
	feed := c.methods()
	i := 0
	for _, m := range feed {
		if i < len(methods) && m == methods[i] {
			i++
		}
	}
	if i != len(methods) {
		t.Errorf("feed of %s = %v, want subsequence %v", c.ID(), feed, methods)
	}
}

func titleOf(t *testing.T, raw json.RawMessage) string {
	t.Helper()
	var meta struct {
		Title string `json:"title"`
	}
	if err := json.Unmarshal(raw, &meta); err != nil {
		t.Fatalf("decode track: %v", err)
	}
	return meta.Title
}

func TestFirstDjStartsPlayback(t *testing.T) {
	t.Parallel()
	r, host, a := newTestRoom(t, calmTimings())
	enter(t, r, a)
	b := newFakeClient("b")
	enter(t, r, b)

	if err := r.AddDj(a); err != nil {
		t.Fatalf("AddDj: %v", err)
	}

	waitFor(t, "deck after first publish", func() bool { return b.count(wire.MethodSetOnDeck) >= 1 })

	assertOrder(t, a,
		wire.MethodSetDjs,
		wire.MethodSetActiveDj,
		wire.MethodPlayTrack,
		wire.MethodCycleSelectedQueue,
		wire.MethodSetOnDeck,
	)
	if got := b.count(wire.MethodCycleSelectedQueue); got != 0 {
		t.Errorf("non-DJ received cycleSelectedQueue %d times", got)
	}

	p, ok := a.last(wire.MethodPlayTrack)
	if !ok {
		t.Fatal("no playTrack received")
	}
	np := p.(wire.NowPlaying)
	if len(np.Votes) != 0 {
		t.Errorf("fresh track votes = %v, want empty", np.Votes)
	}
	if title := titleOf(t, np.Track); title != "admin-1" {
		t.Errorf("published track = %q, want %q", title, "admin-1")
	}
	if strings.Contains(string(np.Track), `"data"`) {
		t.Error("published track leaks the data field")
	}
	if !strings.Contains(string(np.Track), `"url":"http://localhost:8080/tracks/`) {
		t.Errorf("published track missing server url: %s", np.Track)
	}
	lo := time.Now().Add(2 * time.Second).Unix()
	hi := time.Now().Add(8 * time.Second).Unix()
	if np.StartedAt < lo || np.StartedAt > hi {
		t.Errorf("startedAt = %d, want within [%d, %d]", np.StartedAt, lo, hi)
	}

	// A solo rotation pre-fetches from the same DJ.
	if got := a.trackRequests(); got != 2 {
		t.Errorf("track requests to solo DJ = %d, want 2", got)
	}
	if got := host.tracks.Len(); got != 2 {
		t.Errorf("registry size = %d, want 2 (playing and deck)", got)
	}
}

func TestNewDjNextInLineGetsPrefetched(t *testing.T) {
	t.Parallel()
	r, host, a := newTestRoom(t, calmTimings())
	enter(t, r, a)
	b := newFakeClient("b")
	enter(t, r, b)

	if err := r.AddDj(a); err != nil {
		t.Fatalf("AddDj(a): %v", err)
	}
	waitFor(t, "solo deck", func() bool { return a.count(wire.MethodSetOnDeck) >= 1 })

	if err := r.AddDj(b); err != nil {
		t.Fatalf("AddDj(b): %v", err)
	}
	waitFor(t, "deck handover to b", func() bool {
		p, ok := a.last(wire.MethodSetOnDeck)
		if !ok {
			return false
		}
		tr := p.(wire.SetOnDeckParams).Track
		return tr != nil && titleOf(t, tr) == "b-1"
	})

	// The displaced self-prefetch must be evicted with the new deck in.
	if got := host.tracks.Len(); got != 2 {
		t.Errorf("registry size = %d, want 2", got)
	}
}

func TestRotationAdvancesOnTrackEnd(t *testing.T) {
	t.Parallel()
	r, _, a := newTestRoom(t, calmTimings())
	enter(t, r, a)
	b := newFakeClient("b")
	enter(t, r, b)

	if err := r.AddDj(a); err != nil {
		t.Fatalf("AddDj(a): %v", err)
	}
	waitFor(t, "first publish", func() bool { return a.count(wire.MethodPlayTrack) >= 1 })
	if err := r.AddDj(b); err != nil {
		t.Fatalf("AddDj(b): %v", err)
	}
	waitFor(t, "deck from b", func() bool {
		p, ok := a.last(wire.MethodSetOnDeck)
		if !ok {
			return false
		}
		tr := p.(wire.SetOnDeckParams).Track
		return tr != nil && titleOf(t, tr) == "b-1"
	})

	if err := r.EndTrackFrom(b); err == nil {
		t.Error("EndTrackFrom by non-active DJ succeeded")
	} else if err.Error() != "must be active dj to skip turn" {
		t.Errorf("EndTrackFrom error = %q", err)
	}

	if err := r.EndTrackFrom(a); err != nil {
		t.Fatalf("EndTrackFrom(a): %v", err)
	}
	waitFor(t, "b on air", func() bool {
		p, ok := a.last(wire.MethodPlayTrack)
		return ok && titleOf(t, p.(wire.NowPlaying).Track) == "b-1"
	})

	assertOrder(t, a,
		wire.MethodStopTrack,
		wire.MethodSetActiveDj,
		wire.MethodPlayTrack,
	)
	// The deck track went on air without another request to b.
	waitFor(t, "prefetch from a", func() bool { return a.trackRequests() >= 3 })
	if got := b.trackRequests(); got != 1 {
		t.Errorf("requests to b = %d, want 1", got)
	}
}

func TestEndTrackWithoutTrack(t *testing.T) {
	t.Parallel()
	r, _, a := newTestRoom(t, calmTimings())
	enter(t, r, a)
	if r.EndTrack() {
		t.Error("EndTrack with nothing playing = true, want false")
	}
}

func TestDjPreconditions(t *testing.T) {
	t.Parallel()
	r, _, a := newTestRoom(t, calmTimings())
	enter(t, r, a)

	outsider := newFakeClient("outsider")
	if err := r.AddDj(outsider); err == nil || err.Error() != "you are not in a room" {
		t.Errorf("AddDj(outsider) error = %v, want not-in-room", err)
	}

	djs := []*fakeClient{a}
	for i := 1; i < 5; i++ {
		c := newFakeClient(fmt.Sprintf("dj%d", i))
		enter(t, r, c)
		djs = append(djs, c)
	}
	for _, c := range djs {
		if err := r.AddDj(c); err != nil {
			t.Fatalf("AddDj(%s): %v", c.ID(), err)
		}
	}

	if err := r.AddDj(a); err == nil || err.Error() != "already a dj" {
		t.Errorf("duplicate AddDj error = %v, want already-a-dj", err)
	}

	sixth := newFakeClient("sixth")
	enter(t, r, sixth)
	if err := r.AddDj(sixth); err == nil || err.Error() != "too many djs, not enough mics" {
		t.Errorf("sixth AddDj error = %v, want too-many-djs", err)
	}

	if err := r.RemoveDj(sixth); err == nil || err.Error() != "you are not a dj" {
		t.Errorf("RemoveDj(non-dj) error = %v, want not-a-dj", err)
	}
}

func TestNextDjStepDownRefreshesDeck(t *testing.T) {
	t.Parallel()
	r, _, a := newTestRoom(t, calmTimings())
	enter(t, r, a)
	b := newFakeClient("b")
	enter(t, r, b)

	if err := r.AddDj(a); err != nil {
		t.Fatalf("AddDj(a): %v", err)
	}
	waitFor(t, "first publish", func() bool { return a.count(wire.MethodPlayTrack) >= 1 })
	if err := r.AddDj(b); err != nil {
		t.Fatalf("AddDj(b): %v", err)
	}
	waitFor(t, "deck from b", func() bool { return b.trackRequests() >= 1 })

	if err := r.RemoveDj(b); err != nil {
		t.Fatalf("RemoveDj(b): %v", err)
	}
	// The rotation collapses back to the solo DJ, whose queue now feeds the
	// deck.
	waitFor(t, "deck back to admin", func() bool {
		p, ok := a.last(wire.MethodSetOnDeck)
		if !ok {
			return false
		}
		tr := p.(wire.SetOnDeckParams).Track
		return tr != nil && strings.HasPrefix(titleOf(t, tr), "admin-")
	})

	p, _ := a.last(wire.MethodSetDjs)
	if djs := p.(wire.SetDjsParams).Djs; len(djs) != 1 || djs[0] != "admin" {
		t.Errorf("djs after step down = %v, want [admin]", djs)
	}
}

func TestActiveDjLeavingAdvancesToSuccessor(t *testing.T) {
	t.Parallel()
	r, _, a := newTestRoom(t, calmTimings())
	enter(t, r, a)
	b := newFakeClient("b")
	c := newFakeClient("c")
	enter(t, r, b)
	enter(t, r, c)

	// Hold c's first requestTrack open so its deck fetch never completes
	// and the deck stays empty for the handover.
	release := make(chan struct{})
	defer close(release)
	c.script(blockedReply(release, "c-held"))

	if err := r.AddDj(b); err != nil {
		t.Fatalf("AddDj(b): %v", err)
	}
	waitFor(t, "b on air", func() bool { return a.count(wire.MethodPlayTrack) >= 1 })

	if err := r.AddDj(a); err != nil {
		t.Fatalf("AddDj(a): %v", err)
	}
	if err := r.AddDj(c); err != nil {
		t.Fatalf("AddDj(c): %v", err)
	}
	// Dropping a makes c the DJ next in line, so the deck refresh targets c
	// and blocks on the held reply.
	if err := r.RemoveDj(a); err != nil {
		t.Fatalf("RemoveDj(a): %v", err)
	}
	waitFor(t, "deck request to c", func() bool { return c.trackRequests() >= 1 })

	r.Leave(b)
	waitFor(t, "c on air", func() bool {
		p, ok := a.last(wire.MethodPlayTrack)
		return ok && titleOf(t, p.(wire.NowPlaying).Track) == "c-2"
	})

	assertOrder(t, a,
		wire.MethodSetDjs,
		wire.MethodStopTrack,
		wire.MethodSetActiveDj,
		wire.MethodPlayTrack,
	)
	if got := b.count(wire.MethodPlayTrack); got != 1 {
		t.Errorf("departed peer kept receiving pushes, playTrack count = %d", got)
	}
}

func TestActiveDjLeavingDuringAwait(t *testing.T) {
	t.Parallel()
	r, host, a := newTestRoom(t, calmTimings())
	enter(t, r, a)
	b := newFakeClient("b")
	enter(t, r, b)

	release := make(chan struct{})
	a.script(blockedReply(release, "a-held"))

	if err := r.AddDj(a); err != nil {
		t.Fatalf("AddDj(a): %v", err)
	}
	waitFor(t, "spin awaiting a", func() bool { return a.trackRequests() == 1 })
	if err := r.AddDj(b); err != nil {
		t.Fatalf("AddDj(b): %v", err)
	}
	waitFor(t, "deck from b", func() bool { return host.tracks.Len() == 1 })

	// The active DJ leaves while its requestTrack is still in flight. The
	// late reply must be discarded and the rotation handed to b.
	r.Leave(a)
	close(release)

	waitFor(t, "b on air", func() bool {
		p, ok := b.last(wire.MethodPlayTrack)
		return ok && titleOf(t, p.(wire.NowPlaying).Track) == "b-1"
	})
	waitFor(t, "deck settles", func() bool { return host.tracks.Len() == 2 })

	// Exactly one publish: the held reply never made it on air or into the
	// registry.
	if got := b.count(wire.MethodPlayTrack); got != 1 {
		t.Errorf("playTrack count = %d, want 1", got)
	}
}

func TestStalledActiveDjRemovalRestartsRotation(t *testing.T) {
	t.Parallel()
	r, host, a := newTestRoom(t, calmTimings())
	enter(t, r, a)
	b := newFakeClient("b")
	enter(t, r, b)

	// b's client cannot produce a track, so its turn never goes on air and
	// the active slot sits idle.
	b.script(func(context.Context) (json.RawMessage, error) {
		return nil, errors.New("queue empty")
	})

	if err := r.AddDj(b); err != nil {
		t.Fatalf("AddDj(b): %v", err)
	}
	waitFor(t, "failed request to b", func() bool { return b.trackRequests() >= 1 })

	if err := r.AddDj(a); err != nil {
		t.Fatalf("AddDj(a): %v", err)
	}
	waitFor(t, "deck from a", func() bool { return host.tracks.Len() == 1 })
	if got := a.count(wire.MethodPlayTrack); got != 0 {
		t.Fatalf("playTrack count before removal = %d, want 0", got)
	}

	// Removing the stalled DJ must hand the rotation to a even though no
	// track end fires.
	r.Leave(b)
	waitFor(t, "a on air", func() bool {
		p, ok := a.last(wire.MethodPlayTrack)
		return ok && titleOf(t, p.(wire.NowPlaying).Track) == "admin-1"
	})

	p, _ := a.last(wire.MethodSetActiveDj)
	if dj := p.(wire.SetActiveDjParams).DjID; dj == nil || *dj != "admin" {
		got := "<nil>"
		if dj != nil {
			got = *dj
		}
		t.Errorf("active DJ after removal = %s, want admin", got)
	}
}

func TestLastDjLeavingStopsPlayback(t *testing.T) {
	t.Parallel()
	r, host, a := newTestRoom(t, calmTimings())
	enter(t, r, a)
	b := newFakeClient("b")
	enter(t, r, b)

	if err := r.AddDj(a); err != nil {
		t.Fatalf("AddDj: %v", err)
	}
	waitFor(t, "publish", func() bool { return b.count(wire.MethodPlayTrack) >= 1 })

	r.Leave(a)
	waitFor(t, "registry drained", func() bool { return host.tracks.Len() == 0 })

	assertOrder(t, b,
		wire.MethodSetDjs,
		wire.MethodStopTrack,
		wire.MethodSetActiveDj,
	)
	p, _ := b.last(wire.MethodSetDjs)
	if djs := p.(wire.SetDjsParams).Djs; len(djs) != 0 {
		t.Errorf("djs after last DJ left = %v, want empty", djs)
	}
}

func TestVoteRequiresTrack(t *testing.T) {
	t.Parallel()
	r, _, a := newTestRoom(t, calmTimings())
	enter(t, r, a)
	if err := r.Vote(a, true); err == nil || err.Error() != "there is no song playing to vote on" {
		t.Errorf("Vote error = %v, want no-song-playing", err)
	}
}

func TestVoteThresholds(t *testing.T) {
	t.Parallel()
	r, _, a := newTestRoom(t, calmTimings())
	enter(t, r, a)

	peers := []*fakeClient{a}
	for i := 1; i < 10; i++ {
		c := newFakeClient(fmt.Sprintf("p%d", i))
		enter(t, r, c)
		peers = append(peers, c)
	}
	if err := r.AddDj(a); err != nil {
		t.Fatalf("AddDj: %v", err)
	}
	waitFor(t, "publish", func() bool { return a.count(wire.MethodPlayTrack) >= 1 })

	vote := func(c *fakeClient, down bool) {
		t.Helper()
		if err := r.Vote(c, down); err != nil {
			t.Fatalf("Vote(%s): %v", c.ID(), err)
		}
	}

	// Two downvotes sit below the 30% quorum of a ten-peer roster.
	vote(peers[1], true)
	vote(peers[2], true)
	if got := a.count(wire.MethodSetSkipWarning); got != 0 {
		t.Fatalf("skip warning after 2/10 votes, count = %d", got)
	}

	// The third downvote reaches quorum with every vote down.
	vote(peers[3], true)
	if got := a.count(wire.MethodSetSkipWarning); got != 1 {
		t.Fatalf("skip warning count after quorum = %d, want 1", got)
	}
	p, _ := a.last(wire.MethodSetSkipWarning)
	if !p.(wire.SetSkipWarningParams).Value {
		t.Fatal("armed warning broadcast false")
	}

	// Upvotes dilute the down share: 3/6 still skips, 3/7 does not.
	vote(peers[4], false)
	vote(peers[5], false)
	vote(peers[6], false)
	if got := a.count(wire.MethodSetSkipWarning); got != 1 {
		t.Fatalf("warning toggled early, count = %d", got)
	}
	vote(peers[7], false)
	if got := a.count(wire.MethodSetSkipWarning); got != 2 {
		t.Fatalf("warning not cleared, count = %d", got)
	}
	p, _ = a.last(wire.MethodSetSkipWarning)
	if p.(wire.SetSkipWarningParams).Value {
		t.Fatal("cleared warning broadcast true")
	}

	p, _ = a.last(wire.MethodSetVotes)
	if votes := p.(wire.SetVotesParams).Votes; len(votes) != 7 {
		t.Errorf("vote map size = %d, want 7", len(votes))
	}
	if got := a.count(wire.MethodStopTrack); got != 0 {
		t.Errorf("track stopped despite cleared warning, stopTrack count = %d", got)
	}
}

func TestVoteRewriteOverwrites(t *testing.T) {
	t.Parallel()
	r, _, a := newTestRoom(t, calmTimings())
	enter(t, r, a)
	if err := r.AddDj(a); err != nil {
		t.Fatalf("AddDj: %v", err)
	}
	waitFor(t, "publish", func() bool { return a.count(wire.MethodPlayTrack) >= 1 })

	if err := r.Vote(a, true); err != nil {
		t.Fatalf("Vote: %v", err)
	}
	if err := r.Vote(a, false); err != nil {
		t.Fatalf("Vote: %v", err)
	}

	p, _ := a.last(wire.MethodSetVotes)
	votes := p.(wire.SetVotesParams).Votes
	if len(votes) != 1 {
		t.Fatalf("vote map size = %d, want 1", len(votes))
	}
	if votes["admin"] {
		t.Error("overwritten vote still down")
	}
}

func TestVoteSkipFiresAfterDelay(t *testing.T) {
	t.Parallel()
	timings := calmTimings()
	timings.SkipDelay = 25 * time.Millisecond
	r, _, a := newTestRoom(t, timings)
	enter(t, r, a)
	b := newFakeClient("b")
	enter(t, r, b)

	if err := r.AddDj(a); err != nil {
		t.Fatalf("AddDj: %v", err)
	}
	waitFor(t, "publish", func() bool { return b.count(wire.MethodPlayTrack) >= 1 })

	if err := r.Vote(b, true); err != nil {
		t.Fatalf("Vote: %v", err)
	}
	waitFor(t, "skip to next track", func() bool { return b.count(wire.MethodPlayTrack) >= 2 })

	assertOrder(t, b,
		wire.MethodSetSkipWarning,
		wire.MethodSetSkipWarning,
		wire.MethodStopTrack,
		wire.MethodPlayTrack,
	)
}

func TestVoteFlipDisarmsSkip(t *testing.T) {
	t.Parallel()
	r, _, a := newTestRoom(t, calmTimings())
	enter(t, r, a)
	b := newFakeClient("b")
	enter(t, r, b)

	if err := r.AddDj(a); err != nil {
		t.Fatalf("AddDj: %v", err)
	}
	waitFor(t, "publish", func() bool { return b.count(wire.MethodPlayTrack) >= 1 })

	if err := r.Vote(b, true); err != nil {
		t.Fatalf("Vote down: %v", err)
	}
	if got := b.count(wire.MethodSetSkipWarning); got != 1 {
		t.Fatalf("warning count = %d, want 1", got)
	}
	if err := r.Vote(b, false); err != nil {
		t.Fatalf("Vote up: %v", err)
	}
	if got := b.count(wire.MethodSetSkipWarning); got != 2 {
		t.Fatalf("warning count after flip = %d, want 2", got)
	}
	if got := b.count(wire.MethodStopTrack); got != 0 {
		t.Errorf("track stopped after disarm, stopTrack count = %d", got)
	}
}

func TestSkipCancelledByTrackEnd(t *testing.T) {
	t.Parallel()
	r, _, a := newTestRoom(t, calmTimings())
	enter(t, r, a)

	if err := r.AddDj(a); err != nil {
		t.Fatalf("AddDj: %v", err)
	}
	waitFor(t, "publish", func() bool { return a.count(wire.MethodPlayTrack) >= 1 })

	if err := r.Vote(a, true); err != nil {
		t.Fatalf("Vote: %v", err)
	}
	if err := r.EndTrackFrom(a); err != nil {
		t.Fatalf("EndTrackFrom: %v", err)
	}
	waitFor(t, "next publish", func() bool { return a.count(wire.MethodPlayTrack) >= 2 })

	// The end of the voted-on track must broadcast the warning down before
	// stopping, and the fresh track starts unwarned.
	assertOrder(t, a,
		wire.MethodSetSkipWarning,
		wire.MethodSetSkipWarning,
		wire.MethodStopTrack,
		wire.MethodPlayTrack,
	)
	p, _ := a.last(wire.MethodPlayTrack)
	if votes := p.(wire.NowPlaying).Votes; len(votes) != 0 {
		t.Errorf("votes carried across tracks: %v", votes)
	}
}

func TestEnterCatchesUp(t *testing.T) {
	t.Parallel()
	r, _, a := newTestRoom(t, calmTimings())
	enter(t, r, a)
	if err := r.AddDj(a); err != nil {
		t.Fatalf("AddDj: %v", err)
	}
	waitFor(t, "deck ready", func() bool { return a.count(wire.MethodSetOnDeck) >= 1 })

	late := newFakeClient("late")
	st := enter(t, r, late)

	if got := late.count(wire.MethodSetPeers); got != 0 {
		t.Errorf("joiner received its own setPeers broadcast %d times", got)
	}
	assertOrder(t, late, wire.MethodPlayTrack, wire.MethodSetOnDeck)

	if len(st.Peers) != 2 {
		t.Errorf("state peers = %d, want 2", len(st.Peers))
	}
	if len(st.Djs) != 1 || st.Djs[0] != "admin" {
		t.Errorf("state djs = %v, want [admin]", st.Djs)
	}
	if st.ActiveDj == nil || *st.ActiveDj != "admin" {
		t.Errorf("state activeDj = %v, want admin", st.ActiveDj)
	}

	p, _ := a.last(wire.MethodSetPeers)
	if peers := p.(wire.SetPeersParams).Peers; len(peers) != 2 {
		t.Errorf("announced roster = %d peers, want 2", len(peers))
	}
}

func TestUpdatedQueue(t *testing.T) {
	t.Parallel()
	r, _, a := newTestRoom(t, calmTimings())
	enter(t, r, a)
	b := newFakeClient("b")
	enter(t, r, b)

	if err := r.AddDj(a); err != nil {
		t.Fatalf("AddDj(a): %v", err)
	}
	waitFor(t, "publish", func() bool { return a.count(wire.MethodPlayTrack) >= 1 })
	if err := r.AddDj(b); err != nil {
		t.Fatalf("AddDj(b): %v", err)
	}
	waitFor(t, "deck from b", func() bool { return b.trackRequests() >= 1 })

	if r.UpdatedQueue(a) {
		t.Error("UpdatedQueue(active) = true, want false")
	}
	if !r.UpdatedQueue(b) {
		t.Error("UpdatedQueue(next) = false, want true")
	}
	waitFor(t, "deck refreshed", func() bool { return b.trackRequests() >= 2 })
	waitFor(t, "refreshed deck broadcast", func() bool {
		p, ok := a.last(wire.MethodSetOnDeck)
		if !ok {
			return false
		}
		tr := p.(wire.SetOnDeckParams).Track
		return tr != nil && titleOf(t, tr) == "b-2"
	})
}

func TestChat(t *testing.T) {
	t.Parallel()
	r, _, a := newTestRoom(t, calmTimings())
	enter(t, r, a)
	b := newFakeClient("b")
	enter(t, r, b)

	if err := r.SendChat(a, ""); err == nil || err.Error() != "can't send a blank message" {
		t.Errorf("blank chat error = %v, want blank-message", err)
	}

	before := time.Now().UnixMilli()
	if err := r.SendChat(a, "anyone got requests?"); err != nil {
		t.Fatalf("SendChat: %v", err)
	}

	for _, c := range []*fakeClient{a, b} {
		p, ok := c.last(wire.MethodNewChatMsg)
		if !ok {
			t.Fatalf("%s missed the chat broadcast", c.ID())
		}
		msg := p.(wire.NewChatMsgParams)
		if msg.Message != "anyone got requests?" || msg.PeerID != "admin" {
			t.Errorf("chat params = %+v", msg)
		}
		if len(msg.ID) != 36 {
			t.Errorf("chat id = %q, want a uuid", msg.ID)
		}
		if msg.Timestamp < before || msg.Timestamp > time.Now().UnixMilli() {
			t.Errorf("chat timestamp = %d out of range", msg.Timestamp)
		}
	}
}

func TestProfileBroadcast(t *testing.T) {
	t.Parallel()
	r, _, a := newTestRoom(t, calmTimings())
	enter(t, r, a)
	b := newFakeClient("b")
	b.profile = json.RawMessage(`{"name":"deck hand"}`)
	enter(t, r, b)

	r.ProfileUpdated(b)
	p, ok := a.last(wire.MethodSetPeerProfile)
	if !ok {
		t.Fatal("no setPeerProfile broadcast")
	}
	got := p.(wire.SetPeerProfileParams)
	if got.PeerID != "b" || string(got.Profile) != `{"name":"deck hand"}` {
		t.Errorf("profile broadcast = %+v", got)
	}
}

func TestSummary(t *testing.T) {
	t.Parallel()
	r, _, a := newTestRoom(t, calmTimings())

	s := r.Summary()
	if s.Name != "the den" || s.AdminID != "admin" || s.PeerCount != 0 || s.NowPlaying != nil {
		t.Errorf("fresh summary = %+v", s)
	}

	enter(t, r, a)
	if err := r.AddDj(a); err != nil {
		t.Fatalf("AddDj: %v", err)
	}
	waitFor(t, "publish", func() bool { return r.Summary().NowPlaying != nil })

	s = r.Summary()
	if s.PeerCount != 1 {
		t.Errorf("peer count = %d, want 1", s.PeerCount)
	}
	if titleOf(t, s.NowPlaying.Track) != "admin-1" {
		t.Errorf("summary track = %s", s.NowPlaying.Track)
	}

	r.Leave(a)
	s = r.Summary()
	if s.AdminID != "admin" {
		t.Error("admin id dropped after admin left")
	}
	if s.PeerCount != 0 || s.NowPlaying != nil {
		t.Errorf("post-leave summary = %+v", s)
	}
}

func TestEmptyRoomRemovedAfterDelay(t *testing.T) {
	t.Parallel()
	timings := calmTimings()
	timings.RemovalDelay = 30 * time.Millisecond
	r, host, a := newTestRoom(t, timings)

	waitFor(t, "room dropped", func() bool { return host.droppedCount() == 1 })

	if _, err := r.Enter(a); err == nil || err.Error() != "room not found" {
		t.Errorf("Enter after removal error = %v, want room-not-found", err)
	}
}

func TestJoinCancelsRemoval(t *testing.T) {
	t.Parallel()
	timings := calmTimings()
	timings.RemovalDelay = 40 * time.Millisecond
	r, host, a := newTestRoom(t, timings)

	enter(t, r, a)
	time.Sleep(120 * time.Millisecond)
	if got := host.droppedCount(); got != 0 {
		t.Fatalf("occupied room dropped %d times", got)
	}

	r.Leave(a)
	waitFor(t, "room dropped after leave", func() bool { return host.droppedCount() == 1 })
}

func TestReentryKeepsRoomAlive(t *testing.T) {
	t.Parallel()
	timings := calmTimings()
	timings.RemovalDelay = 60 * time.Millisecond
	r, host, a := newTestRoom(t, timings)

	enter(t, r, a)
	r.Leave(a)
	enter(t, r, a)

	time.Sleep(180 * time.Millisecond)
	if got := host.droppedCount(); got != 0 {
		t.Errorf("room dropped %d times despite re-entry", got)
	}
	if !r.HasPeer(a) {
		t.Error("re-entered peer missing from roster")
	}
}

func TestConcurrentVotes(t *testing.T) {
	t.Parallel()
	r, _, a := newTestRoom(t, calmTimings())
	enter(t, r, a)

	peers := []*fakeClient{a}
	for i := 1; i < 10; i++ {
		c := newFakeClient(fmt.Sprintf("p%d", i))
		enter(t, r, c)
		peers = append(peers, c)
	}
	if err := r.AddDj(a); err != nil {
		t.Fatalf("AddDj: %v", err)
	}
	waitFor(t, "publish", func() bool { return a.count(wire.MethodPlayTrack) >= 1 })

	var wg sync.WaitGroup
	for i, c := range peers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := r.Vote(c, i%2 == 0); err != nil {
				t.Errorf("Vote(%s): %v", c.ID(), err)
			}
		}()
	}
	wg.Wait()

	p, ok := a.last(wire.MethodSetVotes)
	if !ok {
		t.Fatal("no setVotes broadcast")
	}
	waitFor(t, "all votes land", func() bool {
		p, _ = a.last(wire.MethodSetVotes)
		return len(p.(wire.SetVotesParams).Votes) == 10
	})
}
