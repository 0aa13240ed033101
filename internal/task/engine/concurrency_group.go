package engine

import (
	"strings"
	"sync"
)

// groupSemaphore is a channel-based semaphore pre-filled with limit tokens.
// It bounds both the whole pool and each job name.
type groupSemaphore struct {
	limit int
	ch    chan struct{}
}

func newGroupSemaphore(limit int) *groupSemaphore {
	if limit <= 0 {
		limit = 1
	}
	gs := &groupSemaphore{limit: limit, ch: make(chan struct{}, limit)}
	for i := 0; i < limit; i++ {
		gs.ch <- struct{}{}
	}
	return gs
}

func (g *groupSemaphore) tryAcquire() bool {
	if g == nil {
		return true
	}
	select {
	case <-g.ch:
		return true
	default:
		return false
	}
}

func (g *groupSemaphore) release() {
	if g == nil {
		return
	}
	// Never block on release.
	select {
	case g.ch <- struct{}{}:
	default:
	}
}

// held is the number of tokens currently out.
func (g *groupSemaphore) held() int {
	if g == nil {
		return 0
	}
	return g.limit - len(g.ch)
}

// groupLimiterStore holds one semaphore per job name.
type groupLimiterStore struct {
	mu     sync.Mutex
	groups map[string]*groupSemaphore
}

// get returns the semaphore for key. A changed limit takes effect once the
// existing semaphore is idle; resizing a semaphore with tokens out is unsafe.
func (s *groupLimiterStore) get(key string, limit int) *groupSemaphore {
	if s == nil || limit <= 0 {
		return nil
	}
	k := strings.TrimSpace(key)
	if k == "" {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.groups == nil {
		s.groups = make(map[string]*groupSemaphore)
	}
	gs := s.groups[k]
	if gs == nil || (gs.limit != limit && gs.held() == 0) {
		gs = newGroupSemaphore(limit)
		s.groups[k] = gs
	}
	return gs
}

// running reports held tokens per name, omitting idle names.
func (s *groupLimiterStore) running() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[string]int{}
	for k, gs := range s.groups {
		if n := gs.held(); n > 0 {
			out[k] = n
		}
	}
	return out
}
