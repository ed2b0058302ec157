// Package rotation picks the next asset to display.
package rotation

import (
	"math/rand/v2"
	"slices"
	"sync"

	"github.com/lucasew/photoframe/internal/asset"
	"github.com/lucasew/photoframe/internal/metrics"
	"github.com/lucasew/photoframe/internal/pool"
)

// Source provides the current pool.
type Source interface {
	Snapshot() *pool.Snapshot
}

type Options struct {
	// Window is the number of recent selections that may not repeat.
	// Zero means half the pool. The effective window never exceeds pool size - 1.
	Window int
	// Rand returns a uniform int in [0, n). Defaults to math/rand/v2.
	Rand func(n int) int
}

// Selector chooses uniformly at random among the pool members that are not in
// the recent history.
//
// Besides the committed history it keeps a planned lookahead: PeekN extends
// the plan on a private copy of the state and Next consumes it in order, so
// peeking never changes which ids Next returns. The plan is discarded when the
// pool membership changes.
type Selector struct {
	src    Source
	window int
	rand   func(n int) int

	mu          sync.Mutex
	history     []string
	planned     []string
	version     uint64
	fingerprint uint64
	synced      bool
}

func New(src Source, opts Options) *Selector {
	if opts.Rand == nil {
		opts.Rand = rand.IntN
	}
	return &Selector{
		src:    src,
		window: opts.Window,
		rand:   opts.Rand,
	}
}

// Next commits and returns the next asset id.
func (s *Selector) Next() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.src.Snapshot()
	if snap.Len() == 0 {
		return "", asset.ErrPoolEmpty
	}
	s.sync(snap)
	capacity := s.capacity(snap.Len())

	var id string
	if len(s.planned) > 0 && snap.Contains(s.planned[0]) {
		id = s.planned[0]
		s.planned = s.planned[1:]
	} else {
		s.planned = nil
		id = choose(snap.Assets, s.history, capacity, s.rand)
	}

	s.history = commit(s.history, id, capacity)
	metrics.Selections.Inc()
	return id, nil
}

// PeekN returns the next n ids Next would return against the current pool,
// without committing any of them.
func (s *Selector) PeekN(n int) []string {
	if n <= 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.src.Snapshot()
	if snap.Len() == 0 {
		return nil
	}
	s.sync(snap)
	capacity := s.capacity(snap.Len())

	if len(s.planned) < n {
		sim := slices.Clone(s.history)
		for _, id := range s.planned {
			sim = commit(sim, id, capacity)
		}
		for len(s.planned) < n {
			id := choose(snap.Assets, sim, capacity, s.rand)
			sim = commit(sim, id, capacity)
			s.planned = append(s.planned, id)
		}
	}
	return slices.Clone(s.planned[:n])
}

// History returns the committed history, oldest first.
func (s *Selector) History() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.history)
}

// sync adopts a new pool snapshot. A changed member set resets history to its
// most recent entry; a refresh with the same members keeps everything.
func (s *Selector) sync(snap *pool.Snapshot) {
	if s.synced && snap.Version == s.version {
		return
	}
	if s.synced && snap.Fingerprint != s.fingerprint {
		if len(s.history) > 1 {
			s.history = []string{s.history[len(s.history)-1]}
		}
		s.planned = nil
	}
	s.version = snap.Version
	s.fingerprint = snap.Fingerprint
	s.synced = true
}

func (s *Selector) capacity(poolSize int) int {
	w := s.window
	if w <= 0 {
		w = max(poolSize/2, 1)
	}
	return max(min(w, poolSize-1), 0)
}

// choose draws exactly once from rnd. If history excludes every member the
// oldest entries are released until a candidate exists.
func choose(assets []asset.Asset, history []string, capacity int, rnd func(int) int) string {
	if len(history) > capacity {
		history = history[len(history)-capacity:]
	}
	for {
		excluded := make(map[string]struct{}, len(history))
		for _, id := range history {
			excluded[id] = struct{}{}
		}
		candidates := make([]string, 0, len(assets))
		for _, a := range assets {
			if _, ok := excluded[a.ID]; !ok {
				candidates = append(candidates, a.ID)
			}
		}
		if len(candidates) > 0 {
			return candidates[rnd(len(candidates))]
		}
		history = history[1:]
	}
}

func commit(history []string, id string, capacity int) []string {
	history = append(history, id)
	if len(history) > capacity {
		history = history[len(history)-capacity:]
	}
	return history
}
