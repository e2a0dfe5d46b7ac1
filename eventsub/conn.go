package eventsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/onnwee/techobot/telemetry"
)

// DefaultURL is the production EventSub WebSocket endpoint.
const DefaultURL = "wss://eventsub.wss.twitch.tv/ws"

// Subscription types handled by Run.
const (
	SubRedemptionAdd   = "channel.channel_points_custom_reward_redemption.add"
	SubModeratorAdd    = "channel.moderator.add"
	SubModeratorRemove = "channel.moderator.remove"
)

var (
	// keepaliveGrace is added to the server's keepalive timeout before a
	// silent connection is treated as dead.
	keepaliveGrace = 5 * time.Second
	welcomeTimeout = 10 * time.Second
)

// ErrKeepaliveTimeout is returned by Run when the server stops sending
// keepalives or notifications.
var ErrKeepaliveTimeout = errors.New("eventsub keepalive timeout")

// Handler receives decoded events. Nil fields are skipped. Callbacks run on
// the read goroutine.
type Handler struct {
	OnRedemption      func(RedemptionEvent)
	OnModeratorAdd    func(ModeratorEvent)
	OnModeratorRemove func(ModeratorEvent)
	OnRevocation      func(SubscriptionInfo)
	OnReconnect       func(sessionID string)
}

// Conn is an EventSub WebSocket session.
type Conn struct {
	mu        sync.Mutex
	ws        *websocket.Conn
	sessionID string
	keepalive time.Duration
	closed    bool
}

var dialer = websocket.Dialer{
	Proxy:            http.ProxyFromEnvironment,
	HandshakeTimeout: 10 * time.Second,
}

// Dial connects to url and waits for the session_welcome message.
func Dial(ctx context.Context, url string) (*Conn, error) {
	if url == "" {
		url = DefaultURL
	}
	ws, info, err := dialWelcome(ctx, url)
	if err != nil {
		return nil, err
	}
	return &Conn{ws: ws, sessionID: info.ID, keepalive: keepaliveFor(info)}, nil
}

func dialWelcome(ctx context.Context, url string) (*websocket.Conn, SessionInfo, error) {
	ws, resp, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil {
			return nil, SessionInfo{}, fmt.Errorf("eventsub dial %s: %s: %w", url, resp.Status, err)
		}
		return nil, SessionInfo{}, fmt.Errorf("eventsub dial %s: %w", url, err)
	}
	deadline := time.Now().Add(welcomeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = ws.SetReadDeadline(deadline)
	var msg Message
	if err := ws.ReadJSON(&msg); err != nil {
		_ = ws.Close()
		return nil, SessionInfo{}, fmt.Errorf("eventsub welcome: %w", err)
	}
	if msg.Metadata.MessageType != TypeWelcome || msg.Payload.Session == nil || msg.Payload.Session.ID == "" {
		_ = ws.Close()
		return nil, SessionInfo{}, fmt.Errorf("eventsub welcome: unexpected %q message", msg.Metadata.MessageType)
	}
	return ws, *msg.Payload.Session, nil
}

func keepaliveFor(info SessionInfo) time.Duration {
	secs := info.KeepaliveTimeoutSeconds
	if secs <= 0 {
		secs = 10
	}
	return time.Duration(secs)*time.Second + keepaliveGrace
}

// SessionID is the id subscriptions must be bound to.
func (c *Conn) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Close ends the session. A concurrent Run returns nil.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	return c.ws.Close()
}

func (c *Conn) current() (*websocket.Conn, time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws, c.keepalive, c.closed
}

// Run reads frames until the connection fails or Close is called, and
// dispatches them to h. It returns nil after Close.
func (c *Conn) Run(h Handler) error {
	for {
		ws, keepalive, closed := c.current()
		if closed {
			return nil
		}
		_ = ws.SetReadDeadline(time.Now().Add(keepalive))
		var msg Message
		if err := ws.ReadJSON(&msg); err != nil {
			if _, _, closed := c.current(); closed {
				return nil
			}
			var ne interface{ Timeout() bool }
			if errors.As(err, &ne) && ne.Timeout() {
				return ErrKeepaliveTimeout
			}
			return fmt.Errorf("eventsub read: %w", err)
		}

		switch msg.Metadata.MessageType {
		case TypeKeepalive:
		case TypeNotification:
			c.dispatch(h, msg)
		case TypeRevocation:
			if msg.Payload.Subscription != nil && h.OnRevocation != nil {
				h.OnRevocation(*msg.Payload.Subscription)
			}
		case TypeReconnect:
			if err := c.reconnect(msg); err != nil {
				return err
			}
			if h.OnReconnect != nil {
				h.OnReconnect(c.SessionID())
			}
		default:
			slog.Debug("eventsub: ignoring message", slog.String("type", msg.Metadata.MessageType))
		}
	}
}

// reconnect dials the reconnect URL, waits for its welcome and only then
// drops the old connection.
func (c *Conn) reconnect(msg Message) error {
	if msg.Payload.Session == nil || msg.Payload.Session.ReconnectURL == "" {
		return errors.New("eventsub reconnect: missing reconnect_url")
	}
	ctx, cancel := context.WithTimeout(context.Background(), welcomeTimeout)
	defer cancel()
	ws, info, err := dialWelcome(ctx, msg.Payload.Session.ReconnectURL)
	if err != nil {
		return fmt.Errorf("eventsub reconnect: %w", err)
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = ws.Close()
		return nil
	}
	old := c.ws
	c.ws = ws
	c.sessionID = info.ID
	c.keepalive = keepaliveFor(info)
	c.mu.Unlock()
	_ = old.Close()
	telemetry.RecordEventSubReconnect()
	slog.Info("eventsub: session reconnected", slog.String("session_id", info.ID))
	return nil
}

func (c *Conn) dispatch(h Handler, msg Message) {
	subType := msg.Metadata.SubscriptionType
	if subType == "" && msg.Payload.Subscription != nil {
		subType = msg.Payload.Subscription.Type
	}
	switch subType {
	case SubRedemptionAdd:
		var ev RedemptionEvent
		if err := json.Unmarshal(msg.Payload.Event, &ev); err != nil {
			slog.Warn("eventsub: bad redemption event", slog.Any("err", err))
			return
		}
		if h.OnRedemption != nil {
			h.OnRedemption(ev)
		}
	case SubModeratorAdd, SubModeratorRemove:
		var ev ModeratorEvent
		if err := json.Unmarshal(msg.Payload.Event, &ev); err != nil {
			slog.Warn("eventsub: bad moderator event", slog.Any("err", err))
			return
		}
		if subType == SubModeratorAdd && h.OnModeratorAdd != nil {
			h.OnModeratorAdd(ev)
		}
		if subType == SubModeratorRemove && h.OnModeratorRemove != nil {
			h.OnModeratorRemove(ev)
		}
	default:
		slog.Debug("eventsub: unhandled notification", slog.String("subscription_type", subType))
	}
}
