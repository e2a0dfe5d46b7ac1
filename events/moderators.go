package events

import (
	"sort"
	"sync"
)

// ModeratorSet tracks the user IDs with moderator rights in the channel. It is
// written from the EventSub read goroutine and read by chat command dispatch.
type ModeratorSet struct {
	mu  sync.RWMutex
	ids map[string]struct{}
}

func NewModeratorSet(ids ...string) *ModeratorSet {
	m := &ModeratorSet{ids: make(map[string]struct{}, len(ids))}
	for _, id := range ids {
		m.ids[id] = struct{}{}
	}
	return m
}

func (m *ModeratorSet) Add(id string) {
	if id == "" {
		return
	}
	m.mu.Lock()
	m.ids[id] = struct{}{}
	m.mu.Unlock()
}

func (m *ModeratorSet) Remove(id string) {
	m.mu.Lock()
	delete(m.ids, id)
	m.mu.Unlock()
}

func (m *ModeratorSet) Contains(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.ids[id]
	return ok
}

// IDs returns the members in sorted order.
func (m *ModeratorSet) IDs() []string {
	m.mu.RLock()
	out := make([]string, 0, len(m.ids))
	for id := range m.ids {
		out = append(out, id)
	}
	m.mu.RUnlock()
	sort.Strings(out)
	return out
}

func (m *ModeratorSet) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.ids)
}
