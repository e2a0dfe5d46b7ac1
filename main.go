// Command techobot runs the Twitch bot: a chat session for the bot account and
// an EventSub session for the broadcaster account, coordinated by the bridge
// package and driven through a local control API.
// It:
//   - Loads configuration and initializes structured logging.
//   - Optionally connects to Postgres to persist credentials (DB_DSN).
//   - Starts a background token refresher per identity.
//   - Starts both sessions, events first, then serves the control API.
//
// Shutdown is graceful on SIGINT/SIGTERM: both sessions are closed and the
// process waits until neither holds a live connection.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"

	"github.com/onnwee/techobot/bridge"
	"github.com/onnwee/techobot/chat"
	"github.com/onnwee/techobot/config"
	"github.com/onnwee/techobot/crypto"
	"github.com/onnwee/techobot/db"
	"github.com/onnwee/techobot/events"
	"github.com/onnwee/techobot/oauth"
	"github.com/onnwee/techobot/server"
	"github.com/onnwee/techobot/session"
	"github.com/onnwee/techobot/telemetry"
	"github.com/onnwee/techobot/twitchapi"
)

const shutdownTimeout = 10 * time.Second

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	setupLogging(cfg.LogLevel, cfg.LogFormat)

	telemetry.Init()
	shutdownTracing, err := telemetry.InitTracing(cfg.OTLPEndpoint, "techobot", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdownTracing()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tokens, closeDB, err := openTokenStore(ctx, cfg)
	if err != nil {
		slog.Error("credential store init failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer closeDB()

	httpClient := &http.Client{Timeout: cfg.CallTimeout}
	api := &twitchapi.Helix{HTTPClient: httpClient}
	oa := &twitchapi.OAuth{HTTPClient: httpClient}
	clock := clockwork.NewRealClock()
	status := bridge.NewStatusRecorder(logObserver())

	ev := events.New(events.Options{
		API:         api,
		Tokens:      tokens,
		Refresher:   oa,
		Dial:        events.DialEventSub,
		Observer:    status,
		Clock:       clock,
		URL:         cfg.EventSubURL,
		CallTimeout: cfg.CallTimeout,
	})
	ev.SetClient(cfg.ChannelClient)

	ch := chat.New(chat.Options{
		API:          api,
		Tokens:       tokens,
		Refresher:    oa,
		Dial:         chat.NewIRC,
		Channel:      ev,
		Observer:     status,
		Clock:        clock,
		CallTimeout:  cfg.CallTimeout,
		Greeting:     cfg.Greeting,
		HelpCommands: cfg.HelpCommands,
		ModCommands:  cfg.HelpModCommands,
	})
	ch.SetClient(cfg.BotClient)

	var coord *bridge.Coordinator
	listener := oauth.NewCallbackListener(oa, tokens, func(id oauth.Identity) oauth.ClientConfig {
		return coord.ClientFor(id)
	}, status)
	coord = bridge.New(bridge.Options{
		Events:   ev,
		Chat:     ch,
		Listener: listener,
		Status:   status,
		Scopes:   cfg.Scopes(),
	})

	for _, id := range oauth.Identities {
		oauth.StartRefresher(ctx, tokens, oa, clock, id, func() oauth.ClientConfig {
			return coord.ClientFor(id)
		}, cfg.RefreshInterval, cfg.RefreshWindow)
	}

	handler := server.NewMux(ctx, coord, server.Options{ControlToken: cfg.ControlToken, RequestsPerMinute: 30})
	launch(ctx, func(ctx context.Context) error {
		slog.Info("control api listening", slog.String("addr", cfg.HTTPAddr))
		return server.Start(ctx, cfg.HTTPAddr, handler)
	}, coord.Initialize, stop)

	// Block until shutdown signal
	<-ctx.Done()
	slog.Info("shutting down")

	closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := coord.Close(closeCtx); err != nil {
		slog.Warn("close did not complete", slog.Any("err", err))
	}
	waitClosed(closeCtx, coord)
}

// launch runs the control API and the initial session start side by side, so
// the API answers while the sessions are still connecting. A server failure
// calls stop.
func launch(ctx context.Context, serve func(context.Context) error, initialize func(context.Context), stop func()) {
	go func() {
		if err := serve(ctx); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
			stop()
		}
	}()
	go initialize(ctx)
}

func setupLogging(level, format string) {
	lvl := slog.LevelInfo
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
		// keep default
	default:
		slog.Warn("unknown LOG_LEVEL, using info", slog.String("value", level))
	}
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", format))
}

// openTokenStore returns a token store backed by Postgres when DB_DSN is set
// and an in-memory one otherwise.
func openTokenStore(ctx context.Context, cfg *config.Config) (*oauth.TokenStore, func(), error) {
	if cfg.DBDsn == "" {
		slog.Info("DB_DSN not set, credentials are kept in memory only")
		return oauth.NewTokenStore(nil), func() {}, nil
	}
	database, err := db.Connect(ctx, cfg.DBDsn)
	if err != nil {
		return nil, nil, err
	}
	closeDB := func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}
	if err := db.Migrate(ctx, database); err != nil {
		closeDB()
		return nil, nil, err
	}

	var sealer crypto.Sealer
	if cfg.EncryptionKey != "" {
		s, err := crypto.NewAESSealer(cfg.EncryptionKey)
		if err != nil {
			closeDB()
			return nil, nil, err
		}
		slog.Info("OAuth token encryption enabled (AES-256-GCM)", slog.String("component", "db_credentials"))
		sealer = s
	}

	tokens := oauth.NewTokenStore(db.NewCredentialStore(database, sealer))
	if err := tokens.Load(ctx); err != nil {
		closeDB()
		return nil, nil, err
	}
	for _, id := range oauth.Identities {
		if cred, ok := tokens.Get(id); ok {
			slog.Info("credential available", slog.String("identity", id.String()), slog.String("tail", mask(cred.AccessToken)))
		}
	}
	return tokens, closeDB, nil
}

func mask(tok string) string {
	if len(tok) > 6 {
		return "***" + tok[len(tok)-6:]
	}
	return "***"
}

// logObserver logs the events nothing else in this process consumes.
func logObserver() session.Observer {
	return session.Hooks{
		OnCommand: func(command, userID, userName string) {
			slog.Info("chat command", slog.String("command", command), slog.String("user_id", userID), slog.String("user", userName))
		},
		OnRedemption: func(r session.Redemption) {
			slog.Info("channel point redemption", slog.String("reward", r.RewardTitle), slog.Int("cost", r.RewardCost), slog.String("user", r.UserName))
		},
		OnDiagnostic: func(d session.Diagnostic) {
			slog.Warn("session diagnostic", slog.String("kind", d.Kind), slog.Any("err", d.Err))
		},
		OnBotStatus: func(s session.Status) {
			slog.Info("bot status", slog.String("state", s.State.String()), slog.String("message", s.Message))
		},
		OnChannelStatus: func(s session.Status) {
			slog.Info("channel status", slog.String("state", s.State.String()), slog.String("message", s.Message))
		},
	}
}

// waitClosed blocks until no session holds a live connection or ctx ends.
func waitClosed(ctx context.Context, coord *bridge.Coordinator) {
	t := time.NewTicker(50 * time.Millisecond)
	defer t.Stop()
	for coord.IsOpen() {
		select {
		case <-ctx.Done():
			slog.Warn("shutdown timed out with a session still open")
			return
		case <-t.C:
		}
	}
}
