package pipeline

import (
	"context"
	"sync"
)

// sessionSlots serializes turns per session id. Each id owns a one-slot
// channel semaphore; waiters queue on the channel and give up when their
// context ends. Idle ids are forgotten.
type sessionSlots struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	sem  chan struct{}
	refs int
}

func newSessionSlots() *sessionSlots {
	return &sessionSlots{slots: make(map[string]*slot)}
}

// acquire blocks until the session's slot is free. The returned func
// releases it and must be called exactly once.
func (s *sessionSlots) acquire(ctx context.Context, id string) (func(), error) {
	s.mu.Lock()
	sl, ok := s.slots[id]
	if !ok {
		sl = &slot{sem: make(chan struct{}, 1)}
		s.slots[id] = sl
	}
	sl.refs++
	s.mu.Unlock()

	select {
	case sl.sem <- struct{}{}:
	case <-ctx.Done():
		s.unref(id, sl)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-sl.sem
			s.unref(id, sl)
		})
	}, nil
}

func (s *sessionSlots) unref(id string, sl *slot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl.refs--
	if sl.refs == 0 {
		delete(s.slots, id)
	}
}

// active returns the number of ids with a running or waiting turn.
func (s *sessionSlots) active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.slots)
}
