package twitchapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/nicklaw5/helix/v2"

	"github.com/onnwee/techobot/session"
	"github.com/onnwee/techobot/telemetry"
)

// UserToken is the pair Helix needs to act on behalf of a user.
type UserToken struct {
	ClientID    string
	AccessToken string
}

// TokenInfo is the identity behind a validated user token.
type TokenInfo struct {
	UserID string
	Login  string
	Scopes []string
}

// Moderator is one entry of a channel's moderator list.
type Moderator struct {
	UserID string
	Login  string
	Name   string
}

// Subscription is an EventSub subscription bound to a WebSocket session.
type Subscription struct {
	Type          string
	Version       string
	BroadcasterID string
	SessionID     string
}

// Helix wraps nicklaw5/helix with per-call user tokens and contexts.
type Helix struct {
	HTTPClient *http.Client
}

// ctxDoer binds the caller's context to every request the helix client makes.
type ctxDoer struct {
	ctx  context.Context
	base *http.Client
}

func (d ctxDoer) Do(req *http.Request) (*http.Response, error) {
	return d.base.Do(req.WithContext(d.ctx))
}

func (h *Helix) client(ctx context.Context, tok UserToken) (*helix.Client, error) {
	base := h.HTTPClient
	if base == nil {
		base = http.DefaultClient
	}
	c, err := helix.NewClient(&helix.Options{
		ClientID:        tok.ClientID,
		UserAccessToken: tok.AccessToken,
		HTTPClient:      ctxDoer{ctx: ctx, base: base},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create helix client: %w", err)
	}
	return c, nil
}

func statusErr(op string, rc helix.ResponseCommon) error {
	msg := rc.ErrorMessage
	if msg == "" {
		msg = http.StatusText(rc.StatusCode)
	}
	if rc.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("%s: %s: %w", op, msg, session.ErrUnauthorized)
	}
	return fmt.Errorf("%s: unexpected status %d: %s", op, rc.StatusCode, msg)
}

// ValidateToken resolves the user behind an access token. An invalid token
// yields session.ErrUnauthorized.
func (h *Helix) ValidateToken(ctx context.Context, tok UserToken) (info TokenInfo, err error) {
	ctx, span := telemetry.StartSpan(ctx, "twitch.helix.validate")
	defer func() { telemetry.EndSpan(span, err) }()
	if tok.AccessToken == "" {
		return TokenInfo{}, fmt.Errorf("validate token: empty token: %w", session.ErrUnauthorized)
	}
	c, err := h.client(ctx, tok)
	if err != nil {
		return TokenInfo{}, err
	}
	valid, resp, err := c.ValidateToken(tok.AccessToken)
	if err != nil {
		return TokenInfo{}, fmt.Errorf("validate token: %w", err)
	}
	if !valid {
		rc := helix.ResponseCommon{StatusCode: http.StatusUnauthorized}
		if resp != nil {
			rc.ErrorMessage = resp.ErrorMessage
		}
		return TokenInfo{}, statusErr("validate token", rc)
	}
	return TokenInfo{UserID: resp.Data.UserID, Login: resp.Data.Login, Scopes: resp.Data.Scopes}, nil
}

// Moderators lists every moderator of broadcasterID, following pagination.
func (h *Helix) Moderators(ctx context.Context, tok UserToken, broadcasterID string) (mods []Moderator, err error) {
	if broadcasterID == "" {
		return nil, errors.New("broadcasterID empty")
	}
	ctx, span := telemetry.StartSpan(ctx, "twitch.helix.moderators")
	defer func() { telemetry.EndSpan(span, err) }()
	c, err := h.client(ctx, tok)
	if err != nil {
		return nil, err
	}
	cursor := ""
	for {
		resp, err := c.GetModerators(&helix.GetModeratorsParams{
			BroadcasterID: broadcasterID,
			After:         cursor,
			First:         100,
		})
		if err != nil {
			return nil, fmt.Errorf("get moderators: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			return nil, statusErr("get moderators", resp.ResponseCommon)
		}
		for _, m := range resp.Data.Moderators {
			mods = append(mods, Moderator{UserID: m.UserID, Login: m.UserLogin, Name: m.UserName})
		}
		cursor = resp.Data.Pagination.Cursor
		if cursor == "" || len(resp.Data.Moderators) == 0 {
			return mods, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
}

// ErrUserNotFound is returned by UserID when Twitch knows no such login.
var ErrUserNotFound = errors.New("user not found")

// UserID resolves a login name to its user ID.
func (h *Helix) UserID(ctx context.Context, tok UserToken, login string) (id string, err error) {
	if login == "" {
		return "", errors.New("login empty")
	}
	ctx, span := telemetry.StartSpan(ctx, "twitch.helix.users")
	defer func() { telemetry.EndSpan(span, err) }()
	c, err := h.client(ctx, tok)
	if err != nil {
		return "", err
	}
	resp, err := c.GetUsers(&helix.UsersParams{Logins: []string{login}})
	if err != nil {
		return "", fmt.Errorf("get users: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", statusErr("get users", resp.ResponseCommon)
	}
	if len(resp.Data.Users) == 0 {
		return "", ErrUserNotFound
	}
	return resp.Data.Users[0].ID, nil
}

// Subscribe creates an EventSub subscription delivered over the WebSocket
// session named in sub.
func (h *Helix) Subscribe(ctx context.Context, tok UserToken, sub Subscription) (err error) {
	if sub.Type == "" || sub.SessionID == "" || sub.BroadcasterID == "" {
		return errors.New("subscription type, session and broadcaster are required")
	}
	version := sub.Version
	if version == "" {
		version = "1"
	}
	ctx, span := telemetry.StartSpan(ctx, "twitch.helix.subscribe")
	defer func() { telemetry.EndSpan(span, err) }()
	c, err := h.client(ctx, tok)
	if err != nil {
		return err
	}
	resp, err := c.CreateEventSubSubscription(&helix.EventSubSubscription{
		Type:    sub.Type,
		Version: version,
		Condition: helix.EventSubCondition{
			BroadcasterUserID: sub.BroadcasterID,
		},
		Transport: helix.EventSubTransport{
			Method:    "websocket",
			SessionID: sub.SessionID,
		},
	})
	if err != nil {
		return fmt.Errorf("create eventsub subscription %s: %w", sub.Type, err)
	}
	if resp.StatusCode != http.StatusAccepted {
		return statusErr("create eventsub subscription "+sub.Type, resp.ResponseCommon)
	}
	return nil
}
