// Package twitchapi contains the Twitch endpoints the sessions depend on: the
// OAuth authorization-code and refresh grants (golang.org/x/oauth2) and the
// Helix calls for identity, moderators, users and EventSub subscriptions.
package twitchapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/onnwee/techobot/oauth"
	"github.com/onnwee/techobot/session"
	"github.com/onnwee/techobot/telemetry"
)

const (
	defaultAuthURL  = "https://id.twitch.tv/oauth2/authorize"
	defaultTokenURL = "https://id.twitch.tv/oauth2/token"
)

// BuildAuthorizeURL constructs the user authorization URL for OAuth code grant.
func BuildAuthorizeURL(clientID, redirectURI, scopes, state string) (string, error) {
	if clientID == "" || redirectURI == "" {
		return "", errors.New("missing clientID or redirectURI")
	}
	v := url.Values{}
	v.Set("response_type", "code")
	v.Set("client_id", clientID)
	v.Set("redirect_uri", redirectURI)
	if scopes != "" {
		v.Set("scope", strings.Join(strings.Fields(strings.ReplaceAll(scopes, ",", " ")), " "))
	}
	if state != "" {
		v.Set("state", state)
	}
	return defaultAuthURL + "?" + v.Encode(), nil
}

// ComputeExpiry returns absolute expiry time from seconds, defaulting to +60m when unknown.
func ComputeExpiry(seconds int) time.Time {
	if seconds <= 0 {
		return time.Now().Add(60 * time.Minute)
	}
	return time.Now().Add(time.Duration(seconds) * time.Second)
}

// TokenError is a failed grant at the token endpoint. Revoked is set when
// Twitch rejected the code or refresh token itself (400/401), which makes the
// error an authorization failure rather than a transient one.
type TokenError struct {
	Revoked bool
	Err     error
}

func (e *TokenError) Error() string {
	if e.Revoked {
		return fmt.Sprintf("token rejected: %v", e.Err)
	}
	return fmt.Sprintf("token request failed: %v", e.Err)
}

func (e *TokenError) Unwrap() error { return e.Err }

// Is makes a revoked TokenError match session.ErrUnauthorized.
func (e *TokenError) Is(target error) bool {
	return e.Revoked && target == session.ErrUnauthorized
}

// OAuth performs the user token grants. The zero value talks to Twitch with
// http.DefaultClient.
type OAuth struct {
	TokenURL   string
	HTTPClient *http.Client
}

func (o *OAuth) config(client oauth.ClientConfig, redirectURI string) *oauth2.Config {
	tokenURL := o.TokenURL
	if tokenURL == "" {
		tokenURL = defaultTokenURL
	}
	return &oauth2.Config{
		ClientID:     client.ClientID,
		ClientSecret: client.ClientSecret,
		RedirectURL:  redirectURI,
		Endpoint: oauth2.Endpoint{
			AuthURL:   defaultAuthURL,
			TokenURL:  tokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

func (o *OAuth) context(ctx context.Context) context.Context {
	if o.HTTPClient == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, o.HTTPClient)
}

// Exchange trades an authorization code for a credential. redirectURI must be
// the exact URL used in the authorization request.
func (o *OAuth) Exchange(ctx context.Context, client oauth.ClientConfig, code, redirectURI string) (cred oauth.Credential, err error) {
	if !client.Complete() || code == "" || redirectURI == "" {
		return oauth.Credential{}, errors.New("missing required parameter for auth code exchange")
	}
	ctx, span := telemetry.StartSpan(ctx, "twitch.oauth.exchange")
	defer func() { telemetry.EndSpan(span, err) }()

	tok, err := o.config(client, redirectURI).Exchange(o.context(ctx), code)
	if err != nil {
		return oauth.Credential{}, classifyTokenErr(err)
	}
	return credentialFromToken(tok), nil
}

// Refresh performs the refresh_token grant.
func (o *OAuth) Refresh(ctx context.Context, client oauth.ClientConfig, refreshToken string) (cred oauth.Credential, err error) {
	if !client.Complete() || refreshToken == "" {
		return oauth.Credential{}, errors.New("missing clientID/clientSecret/refreshToken")
	}
	ctx, span := telemetry.StartSpan(ctx, "twitch.oauth.refresh")
	defer func() { telemetry.EndSpan(span, err) }()

	ts := o.config(client, "").TokenSource(o.context(ctx), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := ts.Token()
	if err != nil {
		return oauth.Credential{}, classifyTokenErr(err)
	}
	return credentialFromToken(tok), nil
}

func classifyTokenErr(err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil {
		code := re.Response.StatusCode
		return &TokenError{
			Revoked: code == http.StatusBadRequest || code == http.StatusUnauthorized,
			Err:     fmt.Errorf("twitch token endpoint: %s: %s", re.Response.Status, strings.TrimSpace(string(re.Body))),
		}
	}
	return &TokenError{Err: err}
}

func credentialFromToken(tok *oauth2.Token) oauth.Credential {
	cred := oauth.Credential{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
	}
	switch scopes := tok.Extra("scope").(type) {
	case []interface{}:
		for _, s := range scopes {
			if str, ok := s.(string); ok {
				cred.Scopes = append(cred.Scopes, str)
			}
		}
	case string:
		cred.Scopes = strings.Fields(scopes)
	}
	return cred
}
