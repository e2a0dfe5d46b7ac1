package chat

import "sync"

// Chatter is a user seen in chat during this process lifetime.
type Chatter struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
}

// ChatterLog remembers every user ID that has spoken, in first-seen order.
// Entries are never removed.
type ChatterLog struct {
	mu    sync.Mutex
	order []Chatter
	seen  map[string]struct{}
}

func NewChatterLog() *ChatterLog {
	return &ChatterLog{seen: make(map[string]struct{})}
}

// Add records userID and reports whether it was new.
func (l *ChatterLog) Add(userID, userName string) bool {
	if userID == "" {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.seen[userID]; ok {
		return false
	}
	l.seen[userID] = struct{}{}
	l.order = append(l.order, Chatter{UserID: userID, UserName: userName})
	return true
}

func (l *ChatterLog) List() []Chatter {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Chatter(nil), l.order...)
}
