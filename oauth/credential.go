// Package oauth owns the authorization state of the two Twitch identities:
// the credentials themselves (TokenStore), keeping them fresh (EnsureFresh and
// the background refresher) and obtaining them interactively through a local
// authorization-code callback listener.
package oauth

import (
	"fmt"
	"strings"
	"time"
)

// Identity selects one of the two authenticated roles.
type Identity int

const (
	// Bot is the account that joins chat and posts messages.
	Bot Identity = iota + 1
	// Channel is the broadcaster account that receives EventSub notifications.
	Channel
)

// Identities lists every valid Identity.
var Identities = []Identity{Bot, Channel}

func (id Identity) String() string {
	switch id {
	case Bot:
		return "bot"
	case Channel:
		return "channel"
	default:
		return fmt.Sprintf("identity(%d)", int(id))
	}
}

// Valid reports whether id is Bot or Channel.
func (id Identity) Valid() bool { return id == Bot || id == Channel }

// ParseIdentity accepts "bot" or "channel" (case-insensitive).
func ParseIdentity(s string) (Identity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "bot":
		return Bot, nil
	case "channel":
		return Channel, nil
	}
	return 0, fmt.Errorf("invalid twitch identity %q", s)
}

// expirySkew treats a token as expired slightly before Twitch does.
const expirySkew = 60 * time.Second

// Credential is an access/refresh token pair for one identity.
type Credential struct {
	AccessToken  string
	RefreshToken string
	// Expiry is zero when the lifetime is unknown; such tokens never expire locally.
	Expiry time.Time
	Scopes []string
}

// Expired reports whether the access token should be refreshed before use.
func (c Credential) Expired(now time.Time) bool {
	if c.Expiry.IsZero() {
		return false
	}
	return !now.Add(expirySkew).Before(c.Expiry)
}

// Empty reports whether the credential carries no access token.
func (c Credential) Empty() bool { return c.AccessToken == "" }

func (c Credential) clone() Credential {
	if c.Scopes != nil {
		c.Scopes = append([]string(nil), c.Scopes...)
	}
	return c
}

// ClientConfig is the application registration used for one identity.
type ClientConfig struct {
	ClientID     string `json:"clientId"`
	ClientSecret string `json:"clientSecret"`
}

// Complete reports whether both fields are set.
func (c ClientConfig) Complete() bool { return c.ClientID != "" && c.ClientSecret != "" }
