package chat

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"
)

// Message is an incoming chat line.
type Message struct {
	Channel  string
	UserID   string
	UserName string
	Text     string
}

// Conn is the IRC client surface the session uses.
type Conn interface {
	OnConnect(func())
	OnSelfJoin(func(channel string))
	OnMessage(func(Message))
	Join(channel string)
	Say(channel, text string)
	// Connect blocks until the connection ends.
	Connect() error
	// Disconnect ends the connection, including one still logging in.
	Disconnect() error
}

// DialFunc builds an unconnected Conn for a bot login and access token.
type DialFunc func(login, accessToken string) Conn

// errConnClosed is returned by Connect on a Conn that was already disconnected.
var errConnClosed = errors.New("chat: connection closed before connect")

// NewIRC is the production DialFunc backed by go-twitch-irc.
func NewIRC(login, accessToken string) Conn {
	return newIRC(twitch.NewClient(login, "oauth:"+accessToken))
}

// ircConn adapts twitch.Client. The client ignores Disconnect until the
// server's welcome has arrived, so a disconnect requested while logging in
// is remembered and carried out as soon as the welcome comes in.
type ircConn struct {
	client *twitch.Client

	mu        sync.Mutex
	onConnect func()
	welcomed  bool
	closed    bool
}

func newIRC(client *twitch.Client) *ircConn {
	c := &ircConn{client: client}
	client.OnConnect(c.welcome)
	return c
}

func (c *ircConn) welcome() {
	c.mu.Lock()
	c.welcomed = true
	closed, fn := c.closed, c.onConnect
	c.mu.Unlock()
	if closed {
		go c.disconnectWhenOpen()
		return
	}
	if fn != nil {
		fn()
	}
}

// disconnectWhenOpen retries until the client accepts the disconnect.
func (c *ircConn) disconnectWhenOpen() {
	for i := 0; i < 100; i++ {
		err := c.client.Disconnect()
		if !errors.Is(err, twitch.ErrConnectionIsNotOpen) {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	slog.Warn("chat: client never accepted disconnect")
}

func (c *ircConn) OnConnect(fn func()) {
	c.mu.Lock()
	c.onConnect = fn
	c.mu.Unlock()
}

func (c *ircConn) OnSelfJoin(fn func(channel string)) {
	c.client.OnSelfJoinMessage(func(m twitch.UserJoinMessage) { fn(m.Channel) })
}

func (c *ircConn) OnMessage(fn func(Message)) {
	c.client.OnPrivateMessage(func(m twitch.PrivateMessage) {
		name := m.User.DisplayName
		if name == "" {
			name = m.User.Name
		}
		fn(Message{Channel: m.Channel, UserID: m.User.ID, UserName: name, Text: m.Message})
	})
}

func (c *ircConn) Join(channel string)      { c.client.Join(channel) }
func (c *ircConn) Say(channel, text string) { c.client.Say(channel, text) }

func (c *ircConn) Connect() error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return errConnClosed
	}
	return c.client.Connect()
}

func (c *ircConn) Disconnect() error {
	c.mu.Lock()
	already, welcomed := c.closed, c.welcomed
	c.closed = true
	c.mu.Unlock()
	if already || !welcomed {
		return nil
	}
	return c.client.Disconnect()
}
