package server

import "sync"

// roomSequencer serializes message handling per room so that the order in
// which messages are committed is the order in which they are published.
// Locks are created on demand and dropped when no longer referenced.
type roomSequencer struct {
	mu    sync.Mutex
	rooms map[int]*roomLock
}

type roomLock struct {
	mu   sync.Mutex
	refs int
}

func newRoomSequencer() *roomSequencer {
	return &roomSequencer{rooms: make(map[int]*roomLock)}
}

// lock blocks until the caller holds roomId's lock and returns the
// function that releases it.
func (s *roomSequencer) lock(roomId int) func() {
	s.mu.Lock()
	l, ok := s.rooms[roomId]
	if !ok {
		l = &roomLock{}
		s.rooms[roomId] = l
	}
	l.refs++
	s.mu.Unlock()

	l.mu.Lock()

	return func() {
		l.mu.Unlock()

		s.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.rooms, roomId)
		}
		s.mu.Unlock()
	}
}

func (s *roomSequencer) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rooms)
}
