package track

import "sync"

// Registry is the process-wide map from track id to full track, payload
// included. Rooms insert on prefetch and evict when a track finishes, when
// an on-deck entry is displaced before playing, or when the room itself is
// removed. There is no TTL; rooms own the garbage discipline.
type Registry struct {
	mu     sync.RWMutex
	tracks map[string]*Track
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{tracks: make(map[string]*Track)}
}

// Put inserts or replaces t, keyed by its id.
func (r *Registry) Put(t *Track) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tracks[t.ID] = t
}

// Get looks up a track by id.
func (r *Registry) Get(id string) (*Track, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tracks[id]
	return t, ok
}

// Remove evicts the track with the given id. Removing an absent id is a
// no-op, so callers may evict unconditionally.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tracks, id)
}

// Len reports the number of registered tracks.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tracks)
}
