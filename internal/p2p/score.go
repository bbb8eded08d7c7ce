package p2p

import (
	"sync"
	"time"
)

// Score deltas applied per observed peer behavior.
const (
	scoreValidEvent    = 1
	scoreDuplicate     = -1
	scoreExpiredBuffer = -1
	scoreInvalid       = -5
	scoreMalformed     = -20

	banThreshold = -50
	banDuration  = 10 * time.Minute
)

// scoreboard tracks per-peer behavior scores and timed bans. Peers
// are keyed by their Noise static public key, so a ban survives
// reconnects from new addresses.
type scoreboard struct {
	mu     sync.Mutex
	scores map[string]int
	bans   map[string]time.Time
	banFor time.Duration
	now    func() time.Time
}

func newScoreboard() *scoreboard {
	return &scoreboard{
		scores: make(map[string]int),
		bans:   make(map[string]time.Time),
		banFor: banDuration,
		now:    time.Now,
	}
}

// adjust applies a delta and reports whether the peer crossed the ban
// threshold. Crossing resets the score so an expired ban starts clean.
func (s *scoreboard) adjust(peerID string, delta int) (banned bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scores[peerID] += delta
	if s.scores[peerID] < banThreshold {
		s.bans[peerID] = s.now().Add(s.banFor)
		delete(s.scores, peerID)
		return true
	}
	return false
}

// banned reports whether the peer is currently banned, expiring stale
// entries as a side effect.
func (s *scoreboard) banned(peerID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	until, ok := s.bans[peerID]
	if !ok {
		return false
	}
	if s.now().After(until) {
		delete(s.bans, peerID)
		return false
	}
	return true
}

func (s *scoreboard) score(peerID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scores[peerID]
}

// rateWindow is a coarse fixed-window counter used for per-issuer and
// per-peer ingest budgets.
type rateWindow struct {
	mu     sync.Mutex
	counts map[string]int
	start  time.Time
	window time.Duration
	limit  int
	now    func() time.Time
}

func newRateWindow(window time.Duration, limit int) *rateWindow {
	return &rateWindow{
		counts: make(map[string]int),
		window: window,
		limit:  limit,
		now:    time.Now,
	}
}

func (r *rateWindow) allow(key string) bool {
	return r.allowN(key, 1)
}

// allowN charges n units (messages or bytes) against key's budget for
// the current window.
func (r *rateWindow) allowN(key string, n int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	if now.Sub(r.start) >= r.window {
		r.counts = make(map[string]int)
		r.start = now
	}
	if r.counts[key]+n > r.limit {
		return false
	}
	r.counts[key] += n
	return true
}
