// Package config loads environment variables and provides a typed Config used across the service.
// It applies sensible defaults so the binary can run locally with minimal setup: with no Twitch
// client registrations the sessions simply report "not configured" until one is supplied.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/onnwee/techobot/chat"
	"github.com/onnwee/techobot/eventsub"
	"github.com/onnwee/techobot/oauth"
)

type Config struct {
	// Twitch client registrations, one per identity
	BotClient     oauth.ClientConfig
	ChannelClient oauth.ClientConfig
	BotScopes     string
	ChannelScopes string

	CallTimeout     time.Duration
	EventSubURL     string
	RefreshInterval time.Duration
	RefreshWindow   time.Duration

	// Chat
	HelpCommands    []string
	HelpModCommands []string
	Greeting        string

	// Database
	DBDsn         string
	EncryptionKey string

	// Control API
	HTTPAddr     string
	ControlToken string

	// Observability
	LogLevel     string
	LogFormat    string
	OTLPEndpoint string
}

// Load reads environment variables and applies defaults. Malformed durations are an error;
// missing credentials are not.
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.BotClient = oauth.ClientConfig{
		ClientID:     os.Getenv("TWITCH_BOT_CLIENT_ID"),
		ClientSecret: os.Getenv("TWITCH_BOT_CLIENT_SECRET"),
	}
	cfg.ChannelClient = oauth.ClientConfig{
		ClientID:     os.Getenv("TWITCH_CHANNEL_CLIENT_ID"),
		ClientSecret: os.Getenv("TWITCH_CHANNEL_CLIENT_SECRET"),
	}
	cfg.BotScopes = getenv("TWITCH_BOT_SCOPES", "chat:read chat:edit")
	cfg.ChannelScopes = getenv("TWITCH_CHANNEL_SCOPES", "channel:read:redemptions channel:manage:redemptions moderation:read")
	cfg.EventSubURL = getenv("TWITCH_EVENTSUB_URL", eventsub.DefaultURL)

	var err error
	if cfg.CallTimeout, err = duration("TWITCH_CALL_TIMEOUT", 15*time.Second, time.Millisecond); err != nil {
		return nil, err
	}
	if cfg.RefreshInterval, err = duration("TOKEN_REFRESH_INTERVAL", 5*time.Minute, oauth.MinRefreshInterval); err != nil {
		return nil, err
	}
	if cfg.RefreshWindow, err = duration("TOKEN_REFRESH_WINDOW", 15*time.Minute, time.Second); err != nil {
		return nil, err
	}

	cfg.HelpCommands = list(getenv("HELP_COMMANDS", "tally,roll,card,greeting"))
	cfg.HelpModCommands = list(getenv("HELP_MOD_COMMANDS", "quest,chaos"))
	cfg.Greeting = getenv("GREETING_MESSAGE", chat.DefaultGreeting)

	// DB is optional: without a DSN credentials live in memory only
	cfg.DBDsn = os.Getenv("DB_DSN")
	cfg.EncryptionKey = os.Getenv("ENCRYPTION_KEY")

	cfg.HTTPAddr = getenv("HTTP_ADDR", "127.0.0.1:8080")
	cfg.ControlToken = os.Getenv("CONTROL_TOKEN")

	cfg.LogLevel = strings.ToLower(getenv("LOG_LEVEL", "info"))
	cfg.LogFormat = strings.ToLower(getenv("LOG_FORMAT", "text"))
	cfg.OTLPEndpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")

	return cfg, nil
}

// Client returns the client registration configured for id.
func (c *Config) Client(id oauth.Identity) oauth.ClientConfig {
	switch id {
	case oauth.Bot:
		return c.BotClient
	case oauth.Channel:
		return c.ChannelClient
	default:
		return oauth.ClientConfig{}
	}
}

// Scopes maps each identity to the scopes requested during authorization.
func (c *Config) Scopes() map[oauth.Identity]string {
	return map[oauth.Identity]string{
		oauth.Bot:     c.BotScopes,
		oauth.Channel: c.ChannelScopes,
	}
}

func getenv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

// duration parses key, which must be at least min when set.
func duration(key string, def, min time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < min {
		return 0, fmt.Errorf("invalid %s %q: want a duration of at least %s", key, v, min)
	}
	return d, nil
}

func list(v string) []string {
	var out []string
	for _, f := range strings.FieldsFunc(v, func(r rune) bool { return r == ',' || r == ' ' }) {
		out = append(out, strings.TrimPrefix(f, "!"))
	}
	return out
}
