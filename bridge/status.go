package bridge

import (
	"sync"

	"github.com/onnwee/techobot/session"
)

// Snapshot is the last reported state of everything the coordinator owns.
type Snapshot struct {
	Bot            session.Status `json:"bot"`
	Channel        session.Status `json:"channel"`
	CallbackStatus string         `json:"callbackStatus"`
	CallbackPort   int            `json:"callbackPort"`
	BotName        string         `json:"botName,omitempty"`
	ChannelName    string         `json:"channelName,omitempty"`
	Open           bool           `json:"open"`
}

// StatusRecorder is an Observer that remembers the latest status values and
// forwards every callback to next.
type StatusRecorder struct {
	next session.Observer

	mu   sync.RWMutex
	snap Snapshot
}

var _ session.Observer = (*StatusRecorder)(nil)

func NewStatusRecorder(next session.Observer) *StatusRecorder {
	if next == nil {
		next = session.Hooks{}
	}
	return &StatusRecorder{
		next: next,
		snap: Snapshot{CallbackStatus: session.CallbackStopped.String()},
	}
}

func (r *StatusRecorder) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snap
}

func (r *StatusRecorder) update(fn func(s *Snapshot)) {
	r.mu.Lock()
	fn(&r.snap)
	r.mu.Unlock()
}

func (r *StatusRecorder) CallbackServerStatus(status session.CallbackStatus, port int) {
	r.update(func(s *Snapshot) { s.CallbackStatus, s.CallbackPort = status.String(), port })
	r.next.CallbackServerStatus(status, port)
}

func (r *StatusRecorder) BotStatus(status session.Status) {
	r.update(func(s *Snapshot) { s.Bot = status })
	r.next.BotStatus(status)
}

func (r *StatusRecorder) ChannelStatus(status session.Status) {
	r.update(func(s *Snapshot) { s.Channel = status })
	r.next.ChannelStatus(status)
}

func (r *StatusRecorder) BotUserName(name string) {
	r.update(func(s *Snapshot) { s.BotName = name })
	r.next.BotUserName(name)
}

func (r *StatusRecorder) Channel(name string) {
	r.update(func(s *Snapshot) { s.ChannelName = name })
	r.next.Channel(name)
}

func (r *StatusRecorder) Command(command, userID, userName string) {
	r.next.Command(command, userID, userName)
}

func (r *StatusRecorder) Redemption(ev session.Redemption) { r.next.Redemption(ev) }
func (r *StatusRecorder) Seen(userID string)               { r.next.Seen(userID) }
func (r *StatusRecorder) Diagnostic(d session.Diagnostic)  { r.next.Diagnostic(d) }
