package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/onnwee/techobot/oauth"
	"github.com/onnwee/techobot/session"
)

// Recorder is a session.Observer that keeps every callback for assertions.
type Recorder struct {
	mu          sync.Mutex
	log         []string
	bot         []session.Status
	channel     []session.Status
	commands    []string
	redemptions []session.Redemption
	seen        []string
	diagnostics []session.Diagnostic
}

var _ session.Observer = (*Recorder)(nil)

func (r *Recorder) add(line string) {
	r.log = append(r.log, line)
}

func (r *Recorder) CallbackServerStatus(status session.CallbackStatus, port int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.add(fmt.Sprintf("callback:%s", status))
}

func (r *Recorder) BotStatus(status session.Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bot = append(r.bot, status)
	r.add("bot:" + status.State.String())
}

func (r *Recorder) ChannelStatus(status session.Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channel = append(r.channel, status)
	r.add("channel:" + status.State.String())
}

func (r *Recorder) BotUserName(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.add("botname:" + name)
}

func (r *Recorder) Channel(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.add("channelname:" + name)
}

func (r *Recorder) Command(command, userID, userName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands = append(r.commands, command+"|"+userID+"|"+userName)
	r.add("command:" + command)
}

func (r *Recorder) Redemption(ev session.Redemption) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.redemptions = append(r.redemptions, ev)
	r.add("redemption:" + ev.RewardTitle)
}

func (r *Recorder) Seen(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, userID)
	r.add("seen:" + userID)
}

func (r *Recorder) Diagnostic(d session.Diagnostic) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.diagnostics = append(r.diagnostics, d)
	r.add("diagnostic:" + d.Kind)
}

// Log returns every callback in arrival order, e.g. "channel:connecting".
func (r *Recorder) Log() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.log...)
}

func (r *Recorder) BotStatuses() []session.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]session.Status(nil), r.bot...)
}

func (r *Recorder) ChannelStatuses() []session.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]session.Status(nil), r.channel...)
}

// Commands returns dispatched commands as "command|userID|userName".
func (r *Recorder) Commands() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.commands...)
}

func (r *Recorder) Redemptions() []session.Redemption {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]session.Redemption(nil), r.redemptions...)
}

func (r *Recorder) SeenIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.seen...)
}

func (r *Recorder) Diagnostics() []session.Diagnostic {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]session.Diagnostic(nil), r.diagnostics...)
}

// States projects statuses onto their states.
func States(list []session.Status) []session.State {
	out := make([]session.State, 0, len(list))
	for _, st := range list {
		out = append(out, st.State)
	}
	return out
}

// FakeRefresher is an oauth.Refresher returning Cred (or Err) and counting calls.
type FakeRefresher struct {
	mu    sync.Mutex
	calls int
	Cred  oauth.Credential
	Err   error
}

func (f *FakeRefresher) Refresh(ctx context.Context, client oauth.ClientConfig, refreshToken string) (oauth.Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.Err != nil {
		return oauth.Credential{}, f.Err
	}
	return f.Cred, nil
}

func (f *FakeRefresher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// MemPersister is an in-memory oauth.Persister.
type MemPersister struct {
	mu    sync.Mutex
	creds map[oauth.Identity]oauth.Credential
	saves int
}

func (m *MemPersister) LoadCredential(ctx context.Context, id oauth.Identity) (oauth.Credential, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.creds[id]
	return c, ok, nil
}

func (m *MemPersister) SaveCredential(ctx context.Context, id oauth.Identity, cred oauth.Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.creds == nil {
		m.creds = make(map[oauth.Identity]oauth.Credential)
	}
	m.creds[id] = cred
	m.saves++
	return nil
}

// Saves counts SaveCredential calls.
func (m *MemPersister) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}
