package turn

import "sync"

// Store is a keyed in-memory registry of turns. Records are never evicted;
// durability beyond process lifetime is explicitly out of scope.
type Store struct {
	mu    sync.RWMutex
	turns map[string]*Turn
}

func NewStore() *Store {
	return &Store{turns: make(map[string]*Turn)}
}

// Put stores or replaces the record for the turn's id.
func (s *Store) Put(t *Turn) {
	if t == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns[t.ID] = t.Clone()
}

// Get returns a copy of the record, or nil when absent.
func (s *Store) Get(id string) *Turn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.turns[id].Clone()
}

// All returns a snapshot of every record keyed by id.
func (s *Store) All() map[string]*Turn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]*Turn, len(s.turns))
	for id, t := range s.turns {
		out[id] = t.Clone()
	}
	return out
}

// Len reports the number of stored records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.turns)
}
