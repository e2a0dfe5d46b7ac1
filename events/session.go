// Package events runs the channel identity's EventSub session: it resolves
// the channel from the channel token, seeds and maintains the moderator set,
// and forwards channel point redemptions to the observer.
package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/onnwee/techobot/eventsub"
	"github.com/onnwee/techobot/oauth"
	"github.com/onnwee/techobot/session"
	"github.com/onnwee/techobot/telemetry"
	"github.com/onnwee/techobot/twitchapi"
)

const name = "events"

// API is the subset of Helix the channel session needs.
type API interface {
	ValidateToken(ctx context.Context, tok twitchapi.UserToken) (twitchapi.TokenInfo, error)
	Moderators(ctx context.Context, tok twitchapi.UserToken, broadcasterID string) ([]twitchapi.Moderator, error)
	UserID(ctx context.Context, tok twitchapi.UserToken, login string) (string, error)
	Subscribe(ctx context.Context, tok twitchapi.UserToken, sub twitchapi.Subscription) error
}

// Socket is a live EventSub connection.
type Socket interface {
	SessionID() string
	Run(h eventsub.Handler) error
	Close() error
}

// DialFunc opens an EventSub connection and waits for its welcome.
type DialFunc func(ctx context.Context, url string) (Socket, error)

// DialEventSub is the production DialFunc.
func DialEventSub(ctx context.Context, url string) (Socket, error) {
	return eventsub.Dial(ctx, url)
}

var subscriptions = []string{
	eventsub.SubRedemptionAdd,
	eventsub.SubModeratorAdd,
	eventsub.SubModeratorRemove,
}

// Options wires a Session. API, Tokens, Refresher and Dial are required.
type Options struct {
	API         API
	Tokens      *oauth.TokenStore
	Refresher   oauth.Refresher
	Dial        DialFunc
	Observer    session.Observer
	Clock       clockwork.Clock
	URL         string
	CallTimeout time.Duration
}

// Session is the events session of the channel identity.
type Session struct {
	opts Options
	gen  session.Generation

	// statusMu orders transitions so observers see them in the order they happened.
	statusMu sync.Mutex

	mu      sync.Mutex
	client  oauth.ClientConfig
	channel string
	ownerID string
	state   session.State
	sock    Socket
	done    chan struct{}
	mods    *ModeratorSet
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
	return &Session{opts: opts, mods: NewModeratorSet()}
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

// Channel is the login of the channel owner, known after a successful
// identity lookup.
func (s *Session) Channel() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channel
}

func (s *Session) OwnerID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ownerID
}

// IsOpen reports whether the EventSub connection is live.
func (s *Session) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sock != nil && s.state == session.Connected
}

// IsModerator is true for the channel owner and every tracked moderator.
func (s *Session) IsModerator(userID string) bool {
	if userID == "" {
		return false
	}
	s.mu.Lock()
	owner, mods := s.ownerID, s.mods
	s.mu.Unlock()
	return userID == owner || mods.Contains(userID)
}

// Moderators returns the tracked moderator IDs, without the owner.
func (s *Session) Moderators() []string {
	s.mu.Lock()
	mods := s.mods
	s.mu.Unlock()
	return mods.IDs()
}

// UserID resolves a login name with the channel token.
func (s *Session) UserID(ctx context.Context, login string) (string, error) {
	tok, err := s.token(ctx)
	if err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(ctx, s.opts.CallTimeout)
	defer cancel()
	return s.opts.API.UserID(ctx, tok, login)
}

func (s *Session) token(ctx context.Context) (twitchapi.UserToken, error) {
	client := s.Client()
	if !client.Complete() {
		return twitchapi.UserToken{}, fmt.Errorf("channel client: %w", session.ErrNotConfigured)
	}
	ctx, cancel := context.WithTimeout(ctx, s.opts.CallTimeout)
	defer cancel()
	cred, err := oauth.EnsureFresh(ctx, s.opts.Tokens, s.opts.Refresher, s.opts.Clock, oauth.Channel, client)
	if err != nil {
		return twitchapi.UserToken{}, err
	}
	return twitchapi.UserToken{ClientID: client.ClientID, AccessToken: cred.AccessToken}, nil
}

// transition applies the status chosen by decide, which runs under s.mu, and
// emits it once s.mu is released. It reports whether a status was applied.
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
		s.opts.Observer.ChannelStatus(st)
	}
	return ok
}

func always(st session.Status) func() (session.Status, bool) {
	return func() (session.Status, bool) { return st, true }
}

// Start (re)establishes the events session. It returns an error wrapping
// session.ErrNotConfigured, without touching any state, when the channel
// client or credential is missing. Any other failure is reported as
// Disconnected before being returned.
func (s *Session) Start(ctx context.Context) (err error) {
	client := s.Client()
	if !client.Complete() {
		return fmt.Errorf("channel client: %w", session.ErrNotConfigured)
	}
	if _, ok := s.opts.Tokens.Get(oauth.Channel); !ok {
		return fmt.Errorf("channel credential: %w", session.ErrNotConfigured)
	}

	gen := s.gen.Advance()
	ctx = telemetry.WithCorrelation(ctx, uuid.NewString())
	log := telemetry.LoggerWithCorr(ctx).With(slog.String("session", name), slog.Uint64("generation", gen))
	ctx, span := telemetry.StartSpan(ctx, "events.start")
	defer func() {
		telemetry.RecordStart(name, session.Classify(err))
		telemetry.EndSpan(span, err)
		switch session.Classify(err) {
		case session.OK:
			log.Info("events session connected")
		case session.Superseded:
			log.Debug("events start superseded")
		default:
			log.Warn("events session start failed", slog.Any("err", err))
			s.failed(gen, err)
		}
	}()

	s.transition(always(session.Status{State: session.Connecting}))

	rctx, cancel := context.WithTimeout(ctx, s.opts.CallTimeout)
	cred, err := oauth.EnsureFresh(rctx, s.opts.Tokens, s.opts.Refresher, s.opts.Clock, oauth.Channel, client)
	cancel()
	if err != nil {
		return err
	}
	if err := s.gen.Check(gen); err != nil {
		return err
	}
	tok := twitchapi.UserToken{ClientID: client.ClientID, AccessToken: cred.AccessToken}

	vctx, cancel := context.WithTimeout(ctx, s.opts.CallTimeout)
	info, err := s.opts.API.ValidateToken(vctx, tok)
	cancel()
	if err != nil {
		return fmt.Errorf("resolve channel: %w", err)
	}
	if err := s.gen.Check(gen); err != nil {
		return err
	}
	s.mu.Lock()
	s.channel = info.Login
	s.ownerID = info.UserID
	s.mu.Unlock()
	s.opts.Observer.Channel(info.Login)

	tctx, cancel := context.WithTimeout(ctx, s.opts.CallTimeout)
	s.teardown(tctx)
	cancel()
	if err := s.gen.Check(gen); err != nil {
		return err
	}

	mods := NewModeratorSet()
	mctx, cancel := context.WithTimeout(ctx, s.opts.CallTimeout)
	list, merr := s.opts.API.Moderators(mctx, tok, info.UserID)
	cancel()
	if merr != nil {
		log.Warn("moderator enumeration failed", slog.Any("err", merr))
		telemetry.RecordModeratorFailure()
		s.opts.Observer.Diagnostic(session.Diagnostic{Kind: "moderators", Err: merr})
	}
	for _, m := range list {
		mods.Add(m.UserID)
	}
	if err := s.gen.Check(gen); err != nil {
		return err
	}

	dctx, cancel := context.WithTimeout(ctx, s.opts.CallTimeout)
	sock, err := s.opts.Dial(dctx, s.opts.URL)
	cancel()
	if err != nil {
		return fmt.Errorf("eventsub connect: %w", err)
	}

	done := make(chan struct{})
	s.mu.Lock()
	if !s.gen.Current(gen) {
		s.mu.Unlock()
		_ = sock.Close()
		return session.ErrSuperseded
	}
	s.sock = sock
	s.done = done
	s.mods = mods
	s.mu.Unlock()
	go s.serve(gen, sock, mods, done)

	for _, typ := range subscriptions {
		sctx, cancel := context.WithTimeout(ctx, s.opts.CallTimeout)
		err := s.opts.API.Subscribe(sctx, tok, twitchapi.Subscription{
			Type:          typ,
			Version:       "1",
			BroadcasterID: info.UserID,
			SessionID:     sock.SessionID(),
		})
		cancel()
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", typ, err)
		}
		if err := s.gen.Check(gen); err != nil {
			return err
		}
	}

	ok := s.transition(func() (session.Status, bool) {
		return session.Status{State: session.Connected}, s.sock == sock && s.gen.Current(gen)
	})
	if !ok {
		return session.ErrSuperseded
	}
	log.Info("eventsub subscribed", slog.String("channel", info.Login), slog.Int("moderators", mods.Len()))
	return nil
}

// failed retires gen, tears down whatever it installed and reports the
// error, unless a newer generation has taken over.
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

func (s *Session) serve(gen uint64, sock Socket, mods *ModeratorSet, done chan struct{}) {
	defer close(done)
	live := func() bool { return s.gen.Current(gen) }
	err := sock.Run(eventsub.Handler{
		OnRedemption: func(ev eventsub.RedemptionEvent) {
			if !live() {
				return
			}
			telemetry.RecordRedemption()
			s.opts.Observer.Redemption(session.Redemption{
				ID:          ev.ID,
				RewardID:    ev.Reward.ID,
				RewardTitle: ev.Reward.Title,
				RewardCost:  ev.Reward.Cost,
				UserID:      ev.UserID,
				UserName:    ev.UserName,
				Input:       ev.UserInput,
			})
		},
		OnModeratorAdd:    func(ev eventsub.ModeratorEvent) { mods.Add(ev.UserID) },
		OnModeratorRemove: func(ev eventsub.ModeratorEvent) { mods.Remove(ev.UserID) },
		OnRevocation: func(sub eventsub.SubscriptionInfo) {
			slog.Warn("eventsub subscription revoked", slog.String("type", sub.Type), slog.String("status", sub.Status))
			s.opts.Observer.Diagnostic(session.Diagnostic{
				Kind: "revocation",
				Err:  fmt.Errorf("subscription %s revoked: %s", sub.Type, sub.Status),
			})
		},
	})

	if err == nil {
		err = errors.New("connection closed")
	}
	lost := s.transition(func() (session.Status, bool) {
		if s.sock != sock {
			return session.Status{}, false
		}
		s.sock, s.done = nil, nil
		return session.Status{State: session.Disconnected, Message: err.Error()}, true
	})
	if lost {
		_ = sock.Close()
		slog.Warn("eventsub connection lost", slog.Any("err", err))
	}
}

// teardown detaches the current socket, closes it and waits for its read
// loop to exit, at most until ctx ends.
func (s *Session) teardown(ctx context.Context) bool {
	s.mu.Lock()
	sock, done := s.sock, s.done
	s.sock, s.done = nil, nil
	s.mu.Unlock()
	if sock == nil {
		return false
	}
	if err := sock.Close(); err != nil {
		slog.Debug("eventsub close", slog.Any("err", err))
	}
	select {
	case <-done:
	case <-ctx.Done():
		slog.Warn("events: read loop did not exit in time", slog.Any("err", ctx.Err()))
	}
	return true
}

// Stop closes the connection and invalidates any start in flight.
func (s *Session) Stop(ctx context.Context) {
	s.gen.Advance()
	had := s.teardown(ctx)
	s.transition(func() (session.Status, bool) {
		return session.Status{State: session.Disconnected}, had || s.state != session.Disconnected
	})
}
