// Package bridge owns the chat session, the events session and the OAuth
// callback listener, and exposes the operations the rest of the application
// drives them with.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pkg/browser"
	"golang.org/x/sync/errgroup"

	"github.com/onnwee/techobot/chat"
	"github.com/onnwee/techobot/oauth"
	"github.com/onnwee/techobot/session"
	"github.com/onnwee/techobot/twitchapi"
)

// Session is the lifecycle shared by the chat and events sessions.
type Session interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context)
	SetClient(cfg oauth.ClientConfig)
	Client() oauth.ClientConfig
	IsOpen() bool
}

type EventSession interface {
	Session
	IsModerator(userID string) bool
	UserID(ctx context.Context, login string) (string, error)
}

type ChatSession interface {
	Session
	Say(text string)
	Chatters() []chat.Chatter
}

type Options struct {
	Events   EventSession
	Chat     ChatSession
	Listener *oauth.CallbackListener
	Status   *StatusRecorder
	// Scopes requested in the authorization URL, space separated.
	Scopes map[oauth.Identity]string
	// OpenBrowser opens the authorization URL. Defaults to browser.OpenURL.
	OpenBrowser func(url string) error
	// StartTimeout bounds a session restart triggered by a completed authorization.
	StartTimeout time.Duration
}

// Coordinator sequences the two sessions: the events session resolves the
// channel, so it always starts before the chat session.
type Coordinator struct {
	events   EventSession
	chat     ChatSession
	listener *oauth.CallbackListener
	status   *StatusRecorder
	scopes   map[oauth.Identity]string
	open     func(url string) error
	timeout  time.Duration
}

func New(opts Options) *Coordinator {
	c := &Coordinator{
		events:   opts.Events,
		chat:     opts.Chat,
		listener: opts.Listener,
		status:   opts.Status,
		scopes:   opts.Scopes,
		open:     opts.OpenBrowser,
		timeout:  opts.StartTimeout,
	}
	if c.status == nil {
		c.status = NewStatusRecorder(nil)
	}
	if c.open == nil {
		c.open = browser.OpenURL
	}
	if c.timeout <= 0 {
		c.timeout = time.Minute
	}
	if c.listener != nil {
		c.listener.OnAuthorized = c.authorized
	}
	return c
}

// ClientFor returns the active client config of id; it is the lookup the
// callback listener exchanges codes with.
func (c *Coordinator) ClientFor(id oauth.Identity) oauth.ClientConfig {
	s, err := c.session(id)
	if err != nil {
		return oauth.ClientConfig{}
	}
	return s.Client()
}

func (c *Coordinator) session(id oauth.Identity) (Session, error) {
	switch id {
	case oauth.Bot:
		return c.chat, nil
	case oauth.Channel:
		return c.events, nil
	default:
		return nil, fmt.Errorf("invalid identity %d", int(id))
	}
}

// Initialize starts the events session and, only if that succeeded, the chat
// session. Failures are reported through the observer, never returned.
func (c *Coordinator) Initialize(ctx context.Context) {
	c.startAll(ctx)
}

func (c *Coordinator) startAll(ctx context.Context) {
	if err := c.events.Start(ctx); err != nil {
		logStart("events", err)
		return
	}
	c.startChat(ctx)
}

func (c *Coordinator) startChat(ctx context.Context) {
	if err := c.chat.Start(ctx); err != nil {
		logStart("chat", err)
	}
}

func logStart(name string, err error) {
	switch session.Classify(err) {
	case session.NotConfigured:
		slog.Info("session not configured yet", slog.String("session", name), slog.Any("err", err))
	case session.Superseded:
		slog.Debug("session start superseded", slog.String("session", name))
	default:
		slog.Warn("session start failed", slog.String("session", name), slog.Any("err", err))
	}
}

// authorized restarts the sessions affected by a freshly stored credential.
func (c *Coordinator) authorized(id oauth.Identity) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	switch id {
	case oauth.Bot:
		c.startChat(ctx)
	case oauth.Channel:
		c.startAll(ctx)
	}
}

// SetClient installs a client registration for id. When it differs from the
// active one, or the identity has no live session, the interactive
// authorization flow is launched in the browser; this needs the callback
// listener to be started for id. An unchanged config is a no-op.
func (c *Coordinator) SetClient(ctx context.Context, id oauth.Identity, cfg oauth.ClientConfig) error {
	s, err := c.session(id)
	if err != nil {
		return err
	}
	if !cfg.Complete() {
		return oauth.ErrClientIncomplete
	}
	if s.Client() == cfg && s.IsOpen() {
		return nil
	}
	s.SetClient(cfg)

	if c.listener == nil {
		return oauth.ErrCallbackNotStarted
	}
	pending, ok := c.listener.Pending()
	if !ok || pending != id {
		return oauth.ErrCallbackNotStarted
	}
	url, err := twitchapi.BuildAuthorizeURL(cfg.ClientID, oauth.RedirectURI(c.listener.Port()), c.scopes[id], "")
	if err != nil {
		return err
	}
	if err := c.open(url); err != nil {
		slog.Warn("failed to open browser", slog.String("identity", id.String()), slog.Any("err", err))
	}
	return nil
}

func (c *Coordinator) StartCallbackServer(id oauth.Identity) (int, error) {
	if c.listener == nil {
		return 0, errors.New("callback listener not configured")
	}
	return c.listener.Start(id)
}

func (c *Coordinator) StopCallbackServer(ctx context.Context) error {
	if c.listener == nil {
		return nil
	}
	return c.listener.Stop(ctx)
}

// IsOpen is true while either session holds a live connection.
func (c *Coordinator) IsOpen() bool {
	return c.events.IsOpen() || c.chat.IsOpen()
}

// Close stops the listener and both sessions in parallel and waits for all
// of them.
func (c *Coordinator) Close(ctx context.Context) error {
	var g errgroup.Group
	g.Go(func() error {
		c.events.Stop(ctx)
		return nil
	})
	g.Go(func() error {
		c.chat.Stop(ctx)
		return nil
	})
	g.Go(func() error { return c.StopCallbackServer(ctx) })
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

func (c *Coordinator) IsModerator(userID string) bool { return c.events.IsModerator(userID) }

func (c *Coordinator) Chatters() []chat.Chatter { return c.chat.Chatters() }

func (c *Coordinator) UserID(ctx context.Context, login string) (string, error) {
	return c.events.UserID(ctx, login)
}

func (c *Coordinator) Say(text string) { c.chat.Say(text) }

func (c *Coordinator) Snapshot() Snapshot {
	s := c.status.Snapshot()
	s.Open = c.IsOpen()
	return s
}
