package core

import (
	"sync"

	"ehr-chatbot/pkg"
)

// Window is a bounded FIFO of conversation turns.  Once full, appending
// drops the oldest turn.  Dropped turns are not summarised.
type Window struct {
	capacity int
	turns    []pkg.Turn
}

func newWindow(capacity int) *Window {
	if capacity < 1 {
		capacity = 1
	}
	return &Window{capacity: capacity, turns: make([]pkg.Turn, 0, capacity)}
}

// Append adds a turn, evicting the oldest one when at capacity.
func (w *Window) Append(role pkg.Role, content string) {
	if len(w.turns) == w.capacity {
		copy(w.turns, w.turns[1:])
		w.turns = w.turns[:len(w.turns)-1]
	}
	w.turns = append(w.turns, pkg.Turn{Role: role, Content: content})
}

// Turns returns a copy of the window in insertion order.
func (w *Window) Turns() []pkg.Turn {
	return append([]pkg.Turn(nil), w.turns...)
}

func (w *Window) Len() int      { return len(w.turns) }
func (w *Window) Capacity() int { return w.capacity }

func (w *Window) reset() { w.turns = w.turns[:0] }

// MemoryStore keeps one Window per session id for the lifetime of the
// process.  The map itself is safe for concurrent use; turns of a single
// session are not, so callers serialise same-session work with Lock.
type MemoryStore struct {
	capacity int

	mu      sync.Mutex
	windows map[int64]*Window
	locks   map[int64]*sessionLock
}

// sessionLock is dropped from the store once no caller holds or waits on it.
type sessionLock struct {
	mu   sync.Mutex
	refs int
}

// NewMemoryStore creates a store whose windows hold at most capacity turns.
func NewMemoryStore(capacity int) *MemoryStore {
	return &MemoryStore{
		capacity: capacity,
		windows:  make(map[int64]*Window),
		locks:    make(map[int64]*sessionLock),
	}
}

// GetOrCreate returns the window for sessionID, creating it empty if needed.
func (s *MemoryStore) GetOrCreate(sessionID int64) *Window {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.windows[sessionID]
	if !ok {
		w = newWindow(s.capacity)
		s.windows[sessionID] = w
	}
	return w
}

// Load replaces the session's turns with the user and assistant turns of
// history.  System turns are skipped; their content reaches the model
// through the system message instead.
func (s *MemoryStore) Load(sessionID int64, history []pkg.Turn) {
	w := s.GetOrCreate(sessionID)
	w.reset()
	for _, t := range history {
		if t.Role == pkg.RoleUser || t.Role == pkg.RoleAssistant {
			w.Append(t.Role, t.Content)
		}
	}
}

// Append adds one turn to the session's window.
func (s *MemoryStore) Append(sessionID int64, role pkg.Role, content string) {
	s.GetOrCreate(sessionID).Append(role, content)
}

// Turns returns a copy of the session's window, or nil if none exists.
func (s *MemoryStore) Turns(sessionID int64) []pkg.Turn {
	s.mu.Lock()
	w, ok := s.windows[sessionID]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return w.Turns()
}

// Len returns the number of turns held for sessionID.
func (s *MemoryStore) Len(sessionID int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.windows[sessionID]; ok {
		return w.Len()
	}
	return 0
}

// Clear forgets the session entirely; the next access starts empty.
func (s *MemoryStore) Clear(sessionID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.windows, sessionID)
}

// Sessions reports how many sessions currently hold a window.
func (s *MemoryStore) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.windows)
}

// Lock acquires the per-session mutex and returns its release function.
// Release is idempotent.
func (s *MemoryStore) Lock(sessionID int64) (unlock func()) {
	s.mu.Lock()
	l, ok := s.locks[sessionID]
	if !ok {
		l = &sessionLock{}
		s.locks[sessionID] = l
	}
	l.refs++
	s.mu.Unlock()

	l.mu.Lock()
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Unlock()
			s.mu.Lock()
			defer s.mu.Unlock()
			if l.refs--; l.refs == 0 {
				delete(s.locks, sessionID)
			}
		})
	}
}

// lockCount reports how many session locks are held or awaited.
func (s *MemoryStore) lockCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.locks)
}
