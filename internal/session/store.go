package session

import (
	"sort"
	"sync"
	"time"

	"github.com/wsgate/gateway/internal/rdp"
)

type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Info
}

func NewStore() *Store {
	return &Store{
		sessions: make(map[string]*Info),
	}
}

func (s *Store) Get(id string) (*Info, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	info, ok := s.sessions[id]
	if !ok {
		return nil, false
	}
	return info.Clone(), true
}

// GetAll returns copies of every session, oldest first.
func (s *Store) GetAll() []*Info {
	s.mu.RLock()
	result := make([]*Info, 0, len(s.sessions))
	for _, info := range s.sessions {
		result = append(result, info.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(result, func(a, b int) bool {
		if result[a].CreatedAt.Equal(result[b].CreatedAt) {
			return result[a].ID < result[b].ID
		}
		return result[a].CreatedAt.Before(result[b].CreatedAt)
	})
	return result
}

func (s *Store) Update(info *Info) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[info.ID] = info.Clone()
}

// Modify applies fn to the stored session under the lock. It reports false
// if id is unknown.
func (s *Store) Modify(id string, fn func(*Info)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, ok := s.sessions[id]
	if !ok {
		return false
	}
	fn(info)
	return true
}

// SetState records a state transition for id.
func (s *Store) SetState(id string, st rdp.State) bool {
	now := time.Now()
	return s.Modify(id, func(info *Info) { info.SetState(st, now) })
}

func (s *Store) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
}

func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// ConnectedCount returns the number of sessions in rdp.Connected.
func (s *Store) ConnectedCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, info := range s.sessions {
		if info.State == rdp.Connected {
			count++
		}
	}
	return count
}
