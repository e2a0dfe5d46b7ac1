package chat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onnwee/techobot/oauth"
	"github.com/onnwee/techobot/session"
	"github.com/onnwee/techobot/testutil"
	"github.com/onnwee/techobot/twitchapi"
)

type fakeValidator struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeValidator) ValidateToken(ctx context.Context, tok twitchapi.UserToken) (twitchapi.TokenInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return twitchapi.TokenInfo{}, f.err
	}
	return twitchapi.TokenInfo{UserID: "200", Login: "techobot"}, nil
}

type fakeChannel struct {
	name string
	mods map[string]bool
}

func (f *fakeChannel) Channel() string                { return f.name }
func (f *fakeChannel) IsModerator(userID string) bool { return f.mods[userID] }

type said struct{ channel, text string }

// fakeConn connects immediately unless failConnect is set, and stays
// connected until Disconnect. A non-nil welcome holds the login until it is
// closed. Like the IRC client, Disconnect does nothing before the welcome.
type fakeConn struct {
	mu          sync.Mutex
	onConnect   func()
	onJoin      func(string)
	onMessage   func(Message)
	joined      []string
	said        []said
	failConnect error
	welcome     chan struct{}
	welcomed    bool
	joinedAll   chan struct{}
	stop        chan struct{}
	once        sync.Once
	disconnects int
}

func (c *fakeConn) OnConnect(fn func())        { c.onConnect = fn }
func (c *fakeConn) OnSelfJoin(fn func(string)) { c.onJoin = fn }
func (c *fakeConn) OnMessage(fn func(Message)) { c.onMessage = fn }
func (c *fakeConn) Join(channel string)        { c.joined = append(c.joined, channel) }

func (c *fakeConn) Say(channel, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.said = append(c.said, said{channel, text})
}

func (c *fakeConn) Connect() error {
	if c.failConnect != nil {
		return c.failConnect
	}
	if c.welcome != nil {
		<-c.welcome
	}
	c.mu.Lock()
	c.welcomed = true
	c.mu.Unlock()
	c.onConnect()
	for _, ch := range c.joined {
		c.onJoin(ch)
	}
	close(c.joinedAll)
	<-c.stop
	return errors.New("client called Disconnect()")
}

func (c *fakeConn) Disconnect() error {
	c.mu.Lock()
	c.disconnects++
	welcomed := c.welcomed
	c.mu.Unlock()
	if !welcomed {
		return errors.New("connection is not open")
	}
	c.once.Do(func() { close(c.stop) })
	return nil
}

func (c *fakeConn) closed() bool {
	select {
	case <-c.stop:
		return true
	default:
		return false
	}
}

func (c *fakeConn) drop() { c.once.Do(func() { close(c.stop) }) }

func (c *fakeConn) messages() []said {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]said(nil), c.said...)
}

type dialer struct {
	mu          sync.Mutex
	conns       []*fakeConn
	failConnect error
	welcome     chan struct{}
	logins      []string
}

func (d *dialer) dial(login, token string) Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	c := &fakeConn{
		stop:        make(chan struct{}),
		joinedAll:   make(chan struct{}),
		failConnect: d.failConnect,
		welcome:     d.welcome,
	}
	d.conns = append(d.conns, c)
	d.logins = append(d.logins, login)
	return c
}

func (d *dialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

func (d *dialer) last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[len(d.conns)-1]
}

type harness struct {
	session   *Session
	api       *fakeValidator
	dialer    *dialer
	channel   *fakeChannel
	rec       *testutil.Recorder
	refresher *testutil.FakeRefresher
	tokens    *oauth.TokenStore
	clock     clockwork.FakeClock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		api:       &fakeValidator{},
		dialer:    &dialer{},
		channel:   &fakeChannel{name: "techochannel", mods: map[string]bool{"100": true}},
		rec:       &testutil.Recorder{},
		refresher: &testutil.FakeRefresher{},
		clock:     clockwork.NewFakeClockAt(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)),
	}
	h.tokens = oauth.NewTokenStore(nil)
	h.session = New(Options{
		API:          h.api,
		Tokens:       h.tokens,
		Refresher:    h.refresher,
		Dial:         h.dialer.dial,
		Channel:      h.channel,
		Observer:     h.rec,
		Clock:        h.clock,
		CallTimeout:  time.Second,
		HelpCommands: []string{"tally", "roll"},
		ModCommands:  []string{"quest"},
	})
	h.session.SetClient(oauth.ClientConfig{ClientID: "cid", ClientSecret: "secret"})
	t.Cleanup(func() { h.session.Stop(context.Background()) })
	return h
}

func (h *harness) setCred(t *testing.T, cred oauth.Credential) {
	t.Helper()
	require.NoError(t, h.tokens.Set(context.Background(), oauth.Bot, cred))
}

func (h *harness) validCred() oauth.Credential {
	return oauth.Credential{AccessToken: "bot-access", RefreshToken: "bot-refresh", Expiry: h.clock.Now().Add(time.Hour)}
}

func TestStart_ConnectsAndGreets(t *testing.T) {
	h := newHarness(t)
	h.setCred(t, h.validCred())

	require.NoError(t, h.session.Start(context.Background()))

	assert.Equal(t, []session.State{session.Connecting, session.Connected}, testutil.States(h.rec.BotStatuses()))
	assert.Contains(t, h.rec.Log(), "botname:techobot")
	assert.Equal(t, "techobot", h.session.BotName())
	assert.True(t, h.session.IsOpen())

	conn := h.dialer.last()
	assert.Equal(t, []string{"techochannel"}, conn.joined)
	require.Eventually(t, func() bool { return len(conn.messages()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, said{"techochannel", DefaultGreeting}, conn.messages()[0])
}

func TestStart_NotConfigured(t *testing.T) {
	tests := []struct {
		name  string
		setup func(h *harness)
	}{
		{name: "no credential", setup: func(h *harness) {}},
		{name: "no client", setup: func(h *harness) {
			h.session.SetClient(oauth.ClientConfig{})
		}},
		{name: "no channel", setup: func(h *harness) {
			h.channel.name = ""
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			if tt.name != "no credential" {
				h.setCred(t, h.validCred())
			}
			tt.setup(h)
			err := h.session.Start(context.Background())
			assert.ErrorIs(t, err, session.ErrNotConfigured)
			assert.Empty(t, h.rec.BotStatuses())
			assert.Equal(t, 0, h.dialer.count())
		})
	}
}

func TestStart_ExpiredRefreshesOnce(t *testing.T) {
	h := newHarness(t)
	h.setCred(t, oauth.Credential{AccessToken: "stale", RefreshToken: "bot-refresh", Expiry: h.clock.Now().Add(-time.Second)})
	h.refresher.Cred = oauth.Credential{AccessToken: "fresh", Expiry: h.clock.Now().Add(time.Hour)}

	require.NoError(t, h.session.Start(context.Background()))
	assert.Equal(t, 1, h.refresher.Calls())
	stored, _ := h.tokens.Get(oauth.Bot)
	assert.Equal(t, "fresh", stored.AccessToken)
	assert.Equal(t, "bot-refresh", stored.RefreshToken)
	assert.Equal(t, 1, h.dialer.count())
}

func TestStart_ExpiredWithoutRefreshToken(t *testing.T) {
	h := newHarness(t)
	h.setCred(t, oauth.Credential{AccessToken: "stale", Expiry: h.clock.Now().Add(-time.Second)})

	err := h.session.Start(context.Background())
	assert.Equal(t, session.Unauthorized, session.Classify(err))
	assert.Equal(t, 0, h.dialer.count())
	statuses := h.rec.BotStatuses()
	require.Len(t, statuses, 2)
	assert.Equal(t, session.Disconnected, statuses[1].State)
	assert.Contains(t, statuses[1].Message, "refresh token")
}

func TestStart_ValidationFailure(t *testing.T) {
	h := newHarness(t)
	h.setCred(t, h.validCred())
	h.api.err = errors.New("validate token: invalid access token: unauthorized")

	err := h.session.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, 0, h.dialer.count())
	last := h.rec.BotStatuses()[len(h.rec.BotStatuses())-1]
	assert.Equal(t, session.Disconnected, last.State)
}

func TestStart_ConnectFailure(t *testing.T) {
	h := newHarness(t)
	h.setCred(t, h.validCred())
	h.dialer.failConnect = errors.New("login authentication failed")

	err := h.session.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "login authentication failed")
	assert.False(t, h.session.IsOpen())
	last := h.rec.BotStatuses()[len(h.rec.BotStatuses())-1]
	assert.Equal(t, session.Disconnected, last.State)
}

func TestStart_TwiceTearsDownFirst(t *testing.T) {
	h := newHarness(t)
	h.setCred(t, h.validCred())

	require.NoError(t, h.session.Start(context.Background()))
	first := h.dialer.last()
	require.NoError(t, h.session.Start(context.Background()))

	assert.Equal(t, 1, first.disconnects)
	assert.Equal(t, 2, h.dialer.count())
	assert.True(t, h.session.IsOpen())
	assert.Equal(t,
		[]session.State{session.Connecting, session.Connected, session.Connecting, session.Connected},
		testutil.States(h.rec.BotStatuses()))
}

func TestSession_Messages(t *testing.T) {
	h := newHarness(t)
	h.setCred(t, h.validCred())
	require.NoError(t, h.session.Start(context.Background()))
	conn := h.dialer.last()
	require.Eventually(t, func() bool { return len(conn.messages()) == 1 }, time.Second, 5*time.Millisecond)

	conn.onMessage(Message{Channel: "techochannel", UserID: "5", UserName: "Viewer", Text: "!Tally now"})
	conn.onMessage(Message{Channel: "techochannel", UserID: "5", UserName: "Viewer", Text: "hello"})
	conn.onMessage(Message{Channel: "techochannel", UserID: "6", UserName: "Other", Text: "@TechoBot what can you do?"})
	conn.onMessage(Message{Channel: "techochannel", UserID: "100", UserName: "Owner", Text: "@techobot"})
	conn.onMessage(Message{Channel: "techochannel", UserID: "6", UserName: "Other", Text: "@techobotfan !roll"})

	assert.Equal(t, []string{"tally|5|Viewer"}, h.rec.Commands())
	assert.Equal(t, []string{"5", "6", "100"}, h.rec.SeenIDs())
	assert.Equal(t, []Chatter{
		{UserID: "5", UserName: "Viewer"},
		{UserID: "6", UserName: "Other"},
		{UserID: "100", UserName: "Owner"},
	}, h.session.Chatters())

	msgs := conn.messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, "Commands: !tally !roll", msgs[1].text)
	assert.Equal(t, "Commands: !tally !roll | Mod commands: !quest", msgs[2].text)
}

func TestSession_SayAndDrop(t *testing.T) {
	h := newHarness(t)
	h.session.Say("nobody hears this")

	h.setCred(t, h.validCred())
	require.NoError(t, h.session.Start(context.Background()))
	conn := h.dialer.last()
	h.session.Say("hi chat")
	require.Eventually(t, func() bool { return len(conn.messages()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Contains(t, conn.messages(), said{"techochannel", "hi chat"})

	conn.drop()
	require.Eventually(t, func() bool { return !h.session.IsOpen() }, time.Second, 5*time.Millisecond)
	last := h.rec.BotStatuses()[len(h.rec.BotStatuses())-1]
	assert.Equal(t, session.Disconnected, last.State)
	assert.NotEmpty(t, last.Message)

	h.session.Say("lost")
	assert.NotContains(t, conn.messages(), said{"techochannel", "lost"})
}

func TestStop(t *testing.T) {
	h := newHarness(t)
	h.setCred(t, h.validCred())
	require.NoError(t, h.session.Start(context.Background()))

	h.session.Stop(context.Background())
	assert.False(t, h.session.IsOpen())
	assert.Equal(t, 1, h.dialer.last().disconnects)
	statuses := h.rec.BotStatuses()
	assert.Equal(t, session.Status{State: session.Disconnected}, statuses[len(statuses)-1])

	h.session.Stop(context.Background())
	assert.Len(t, h.rec.BotStatuses(), len(statuses), "second stop is silent")
}

func startAsync(h *harness) <-chan error {
	errc := make(chan error, 1)
	go func() { errc <- h.session.Start(context.Background()) }()
	return errc
}

func waitErr(t *testing.T, errc <-chan error) error {
	t.Helper()
	select {
	case err := <-errc:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("start did not return")
		return nil
	}
}

func TestStart_TimeoutWhileLoggingIn(t *testing.T) {
	h := newHarness(t)
	h.setCred(t, h.validCred())
	welcome := make(chan struct{})
	h.dialer.welcome = welcome

	errc := startAsync(h)
	h.clock.BlockUntil(1)
	h.clock.Advance(2 * time.Second)

	err := waitErr(t, errc)
	require.ErrorContains(t, err, "timed out")
	assert.False(t, h.session.IsOpen())
	statuses := h.rec.BotStatuses()
	assert.Equal(t, []session.State{session.Connecting, session.Disconnected}, testutil.States(statuses))

	// the login completes after the session gave up on it
	conn := h.dialer.last()
	close(welcome)
	<-conn.joinedAll
	require.Eventually(t, conn.closed, time.Second, 5*time.Millisecond)
	assert.Empty(t, conn.messages())
	assert.Len(t, h.rec.BotStatuses(), len(statuses))
	assert.False(t, h.session.IsOpen())
}

func TestStop_WhileLoggingIn(t *testing.T) {
	h := newHarness(t)
	h.setCred(t, h.validCred())
	welcome := make(chan struct{})
	h.dialer.welcome = welcome

	errc := startAsync(h)
	h.clock.BlockUntil(1)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	h.session.Stop(ctx)
	require.ErrorIs(t, waitErr(t, errc), session.ErrSuperseded)
	statuses := h.rec.BotStatuses()
	assert.Equal(t, session.Status{State: session.Disconnected}, statuses[len(statuses)-1])

	orphan := h.dialer.last()
	close(welcome)
	<-orphan.joinedAll
	require.Eventually(t, orphan.closed, time.Second, 5*time.Millisecond)
	assert.Empty(t, orphan.messages())
	assert.Len(t, h.rec.BotStatuses(), len(statuses))

	h.dialer.welcome = nil
	require.NoError(t, h.session.Start(context.Background()))
	assert.True(t, h.session.IsOpen())
	assert.Equal(t, 2, h.dialer.count())
}

func TestSession_ObserverMayQuerySession(t *testing.T) {
	h := newHarness(t)
	h.setCred(t, h.validCred())
	var (
		sess *Session
		mu   sync.Mutex
		open []bool
	)
	sess = New(Options{
		API:         h.api,
		Tokens:      h.tokens,
		Refresher:   h.refresher,
		Dial:        h.dialer.dial,
		Channel:     h.channel,
		Clock:       h.clock,
		CallTimeout: time.Second,
		Observer: session.Hooks{OnBotStatus: func(session.Status) {
			o := sess.IsOpen()
			mu.Lock()
			open = append(open, o)
			mu.Unlock()
		}},
	})
	sess.SetClient(oauth.ClientConfig{ClientID: "cid", ClientSecret: "secret"})

	errc := make(chan error, 1)
	go func() {
		errc <- sess.Start(context.Background())
		sess.Stop(context.Background())
		close(errc)
	}()
	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("status callback blocked the session")
	}
	<-errc

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []bool{false, true, false}, open)
}
