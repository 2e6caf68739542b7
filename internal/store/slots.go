package store

import (
	"context"
	"sync"
)

// slots hands out one ledger slot per pool for in-process stores. A slot is
// a buffered channel of capacity one; holding the token holds the pool.
// Entries are reference counted and dropped once no unit holds or waits on
// them, so ids that never name a pool do not accumulate.
type slots struct {
	mu sync.Mutex
	m  map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

func newSlots() *slots {
	return &slots{m: make(map[string]*slot)}
}

func (s *slots) ref(id string) *slot {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, ok := s.m[id]
	if !ok {
		sl = &slot{ch: make(chan struct{}, 1)}
		s.m[id] = sl
	}
	sl.refs++
	return sl
}

func (s *slots) unref(id string, sl *slot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl.refs--
	if sl.refs == 0 {
		delete(s.m, id)
	}
}

// len reports how many slots are live.
func (s *slots) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.m)
}

// acquire takes the slot for id. With wait=false it returns ErrLocked
// instead of blocking. The returned func releases the slot.
func (s *slots) acquire(ctx context.Context, id string, wait bool) (func(), error) {
	sl := s.ref(id)
	release := func() {
		<-sl.ch
		s.unref(id, sl)
	}

	if !wait {
		select {
		case sl.ch <- struct{}{}:
			return release, nil
		default:
			s.unref(id, sl)
			return nil, ErrLocked
		}
	}

	select {
	case sl.ch <- struct{}{}:
		return release, nil
	case <-ctx.Done():
		s.unref(id, sl)
		return nil, ctx.Err()
	}
}
