package room

import (
	"time"

	"github.com/MrWong99/spindle/internal/observe"
	"github.com/MrWong99/spindle/internal/wire"
)

// Skip thresholds: at least 30% of the roster must have voted, and at
// least half of the votes cast must be downvotes.
const (
	skipQuorum   = 0.30
	skipDownPerc = 0.50
)

// Vote records c's vote on the playing track, true meaning down. A repeat
// vote overwrites the previous one. Every vote re-evaluates the skip
// condition; crossing it either way arms or disarms the warning.
func (r *Room) Vote(c Client, down bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.nowPlaying == nil {
		return ErrNothingPlaying
	}

	r.nowPlaying.votes[c.ID()] = down
	r.broadcastLocked(wire.MethodSetVotes, wire.SetVotesParams{Votes: r.nowPlaying.payload().Votes})

	if r.shouldSkipLocked() {
		if !r.skipWarning {
			r.skipWarning = true
			r.broadcastLocked(wire.MethodSetSkipWarning, wire.SetSkipWarningParams{Value: true})
			r.skipTimer = time.AfterFunc(r.timings.SkipDelay, r.skipExpired)
			observe.DefaultMetrics().RecordSkipWarning(r.ctx)
			r.log.Info("skip warning armed", "votes", len(r.nowPlaying.votes), "peers", len(r.peers))
		}
	} else {
		r.cancelSkipLocked(true)
	}
	return nil
}

// shouldSkipLocked evaluates the two thresholds over the current votes.
// With no votes cast there is nothing to evaluate.
func (r *Room) shouldSkipLocked() bool {
	if r.nowPlaying == nil || len(r.peers) == 0 {
		return false
	}
	var downs int
	for _, down := range r.nowPlaying.votes {
		if down {
			downs++
		}
	}
	total := len(r.nowPlaying.votes)
	if total == 0 {
		return false
	}
	quorum := float64(total) / float64(len(r.peers))
	downPerc := float64(downs) / float64(total)
	return quorum >= skipQuorum && downPerc >= skipDownPerc
}

// cancelSkipLocked disarms a pending skip. With broadcast set the roster
// is told the warning no longer stands.
func (r *Room) cancelSkipLocked(broadcast bool) {
	if r.skipTimer != nil {
		r.skipTimer.Stop()
		r.skipTimer = nil
	}
	if r.skipWarning {
		r.skipWarning = false
		if broadcast {
			r.broadcastLocked(wire.MethodSetSkipWarning, wire.SetSkipWarningParams{Value: false})
		}
	}
}

// skipExpired fires when the skip warning stood for the full grace period.
// A cancellation that raced the timer wins: the flag is checked under the
// lock before anything happens.
func (r *Room) skipExpired() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed || !r.skipWarning {
		return
	}
	r.skipWarning = false
	r.skipTimer = nil
	r.broadcastLocked(wire.MethodSetSkipWarning, wire.SetSkipWarningParams{Value: false})
	r.log.Info("track skipped by vote")
	r.endTrackLocked()
}
