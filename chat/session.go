package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/onnwee/techobot/oauth"
	"github.com/onnwee/techobot/session"
	"github.com/onnwee/techobot/telemetry"
	"github.com/onnwee/techobot/twitchapi"
)

const name = "chat"

// DefaultGreeting is said after every join.
const DefaultGreeting = "I'm back! My memory is a bit foggy, what did I miss?"

// Validator resolves the bot identity from its token.
type Validator interface {
	ValidateToken(ctx context.Context, tok twitchapi.UserToken) (twitchapi.TokenInfo, error)
}

// ChannelSource supplies the channel to join and moderator lookups. The
// events session implements it.
type ChannelSource interface {
	Channel() string
	IsModerator(userID string) bool
}

type Options struct {
	API          Validator
	Tokens       *oauth.TokenStore
	Refresher    oauth.Refresher
	Dial         DialFunc
	Channel      ChannelSource
	Observer     session.Observer
	Clock        clockwork.Clock
	CallTimeout  time.Duration
	Greeting     string
	HelpCommands []string
	ModCommands  []string
}

// Session is the chat session of the bot identity.
type Session struct {
	opts     Options
	gen      session.Generation
	chatters *ChatterLog

	// statusMu orders transitions so observers see them in the order they happened.
	statusMu sync.Mutex

	mu      sync.Mutex
	client  oauth.ClientConfig
	botName string
	channel string
	state   session.State
	conn    Conn
	done    chan struct{}
	quit    chan struct{}
}

func New(opts Options) *Session {
	if opts.Observer == nil {
		opts.Observer = session.Hooks{}
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 15 * time.Second
	}
	if opts.Greeting == "" {
		opts.Greeting = DefaultGreeting
	}
	return &Session{opts: opts, chatters: NewChatterLog()}
}

func (s *Session) SetClient(cfg oauth.ClientConfig) {
	s.mu.Lock()
	s.client = cfg
	s.mu.Unlock()
}

func (s *Session) Client() oauth.ClientConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client
}

func (s *Session) BotName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.botName
}

func (s *Session) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil && s.state == session.Connected
}

// Chatters lists every user seen since process start, once each.
func (s *Session) Chatters() []Chatter { return s.chatters.List() }

// Say sends text to the joined channel. It is dropped when not connected.
func (s *Session) Say(text string) {
	s.mu.Lock()
	conn, channel, connected := s.conn, s.channel, s.state == session.Connected
	s.mu.Unlock()
	if conn == nil || !connected || text == "" {
		slog.Debug("chat: dropping message while disconnected")
		return
	}
	conn.Say(channel, text)
}

// transition applies the status chosen by decide, which runs under s.mu, and
// emits it after s.mu is released. It reports whether a status was applied.
func (s *Session) transition(decide func() (session.Status, bool)) bool {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	s.mu.Lock()
	st, ok := decide()
	if ok {
		s.state = st.State
	}
	s.mu.Unlock()
	if ok {
		telemetry.SetSessionState(name, st.State)
		s.opts.Observer.BotStatus(st)
	}
	return ok
}

func always(st session.Status) func() (session.Status, bool) {
	return func() (session.Status, bool) { return st, true }
}

// Start (re)connects the bot to the channel. Missing client config,
// credential or channel yield session.ErrNotConfigured with no status
// change. Other failures are reported as Disconnected and returned.
func (s *Session) Start(ctx context.Context) (err error) {
	client := s.Client()
	if !client.Complete() {
		return fmt.Errorf("bot client: %w", session.ErrNotConfigured)
	}
	if _, ok := s.opts.Tokens.Get(oauth.Bot); !ok {
		return fmt.Errorf("bot credential: %w", session.ErrNotConfigured)
	}
	channel := ""
	if s.opts.Channel != nil {
		channel = s.opts.Channel.Channel()
	}
	if channel == "" {
		return fmt.Errorf("channel unknown: %w", session.ErrNotConfigured)
	}

	gen := s.gen.Advance()
	ctx = telemetry.WithCorrelation(ctx, uuid.NewString())
	log := telemetry.LoggerWithCorr(ctx).With(slog.String("session", name), slog.Uint64("generation", gen))
	ctx, span := telemetry.StartSpan(ctx, "chat.start")
	defer func() {
		telemetry.RecordStart(name, session.Classify(err))
		telemetry.EndSpan(span, err)
		switch session.Classify(err) {
		case session.OK:
			log.Info("chat session connected", slog.String("channel", channel))
		case session.Superseded:
			log.Debug("chat start superseded")
		default:
			log.Warn("chat session start failed", slog.Any("err", err))
			s.failed(gen, err)
		}
	}()

	s.transition(always(session.Status{State: session.Connecting}))

	rctx, cancel := context.WithTimeout(ctx, s.opts.CallTimeout)
	cred, err := oauth.EnsureFresh(rctx, s.opts.Tokens, s.opts.Refresher, s.opts.Clock, oauth.Bot, client)
	cancel()
	if err != nil {
		return err
	}
	if err := s.gen.Check(gen); err != nil {
		return err
	}

	vctx, cancel := context.WithTimeout(ctx, s.opts.CallTimeout)
	info, err := s.opts.API.ValidateToken(vctx, twitchapi.UserToken{ClientID: client.ClientID, AccessToken: cred.AccessToken})
	cancel()
	if err != nil {
		return fmt.Errorf("resolve bot: %w", err)
	}
	if err := s.gen.Check(gen); err != nil {
		return err
	}
	s.mu.Lock()
	s.botName = info.Login
	s.mu.Unlock()
	s.opts.Observer.BotUserName(info.Login)

	tctx, cancel := context.WithTimeout(ctx, s.opts.CallTimeout)
	s.teardown(tctx)
	cancel()
	if err := s.gen.Check(gen); err != nil {
		return err
	}

	conn := s.opts.Dial(info.Login, cred.AccessToken)
	connected := make(chan struct{})
	var once sync.Once
	conn.OnConnect(func() {
		ok := s.transition(func() (session.Status, bool) {
			return session.Status{State: session.Connected}, s.conn == conn
		})
		if !ok {
			// detached while logging in
			go conn.Disconnect()
			return
		}
		once.Do(func() { close(connected) })
	})
	conn.OnSelfJoin(func(ch string) {
		if !s.gen.Current(gen) {
			return
		}
		conn.Say(ch, s.opts.Greeting)
	})
	conn.OnMessage(func(m Message) {
		if !s.gen.Current(gen) {
			return
		}
		s.handle(conn, info.Login, m)
	})
	conn.Join(channel)

	done := make(chan struct{})
	quit := make(chan struct{})
	exited := make(chan error, 1)
	s.mu.Lock()
	if !s.gen.Current(gen) {
		s.mu.Unlock()
		return session.ErrSuperseded
	}
	s.conn = conn
	s.done = done
	s.quit = quit
	s.channel = channel
	s.mu.Unlock()
	go s.run(conn, done, exited)

	timer := s.opts.Clock.NewTimer(s.opts.CallTimeout)
	defer timer.Stop()
	select {
	case <-connected:
		return s.gen.Check(gen)
	case <-quit:
		return session.ErrSuperseded
	case err := <-exited:
		if err == nil {
			err = errors.New("connection closed")
		}
		return fmt.Errorf("chat connect: %w", err)
	case <-timer.Chan():
		return fmt.Errorf("chat connect: timed out after %s", s.opts.CallTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) run(conn Conn, done chan struct{}, exited chan<- error) {
	defer close(done)
	err := conn.Connect()
	exited <- err

	msg := "connection closed"
	if err != nil {
		msg = err.Error()
	}
	lost := s.transition(func() (session.Status, bool) {
		if s.conn != conn {
			return session.Status{}, false
		}
		s.conn, s.done, s.quit = nil, nil, nil
		return session.Status{State: session.Disconnected, Message: msg}, true
	})
	if lost {
		slog.Warn("chat connection lost", slog.String("err", msg))
	}
}

func (s *Session) handle(conn Conn, botName string, m Message) {
	telemetry.RecordChatMessage()
	if s.chatters.Add(m.UserID, m.UserName) {
		s.opts.Observer.Seen(m.UserID)
	}
	if IsMention(m.Text, botName) {
		mod := s.opts.Channel != nil && s.opts.Channel.IsModerator(m.UserID)
		conn.Say(m.Channel, HelpLine(s.opts.HelpCommands, s.opts.ModCommands, mod))
		return
	}
	if cmd, ok := ParseCommand(m.Text); ok {
		telemetry.RecordCommand()
		s.opts.Observer.Command(cmd, m.UserID, m.UserName)
	}
}

// failed retires gen, so callbacks of a connection it left behind are
// ignored, then tears that connection down and reports err. A newer
// generation that already took over is left alone.
func (s *Session) failed(gen uint64, err error) {
	if !s.gen.Retire(gen) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.CallTimeout)
	defer cancel()
	s.teardown(ctx)
	s.transition(func() (session.Status, bool) {
		return session.Status{State: session.Disconnected, Message: err.Error()}, s.gen.Current(gen + 1)
	})
}

// teardown detaches the current connection, disconnects it and waits for
// its Connect call to return, at most until ctx ends. A connection still
// logging in is disconnected once its login completes.
func (s *Session) teardown(ctx context.Context) bool {
	s.mu.Lock()
	conn, done, quit := s.conn, s.done, s.quit
	s.conn, s.done, s.quit = nil, nil, nil
	s.mu.Unlock()
	if conn == nil {
		return false
	}
	close(quit)
	if err := conn.Disconnect(); err != nil {
		slog.Debug("chat disconnect", slog.Any("err", err))
	}
	select {
	case <-done:
	case <-ctx.Done():
		slog.Warn("chat: connection did not close in time", slog.Any("err", ctx.Err()))
	}
	return true
}

// Stop disconnects and invalidates any start in flight.
func (s *Session) Stop(ctx context.Context) {
	s.gen.Advance()
	had := s.teardown(ctx)
	s.transition(func() (session.Status, bool) {
		return session.Status{State: session.Disconnected}, had || s.state != session.Disconnected
	})
}
