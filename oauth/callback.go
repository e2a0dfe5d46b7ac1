package oauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/onnwee/techobot/session"
	"github.com/onnwee/techobot/telemetry"
)

const successPage = `<!doctype html>
<html><head><title>techobot</title></head>
<body><p>Success! You can close this tab and return to techobot.</p></body></html>
`

// Exchanger performs the authorization_code grant.
type Exchanger interface {
	Exchange(ctx context.Context, client ClientConfig, code, redirectURI string) (Credential, error)
}

// CallbackListener is the ephemeral local HTTP server that receives the OAuth
// redirect for exactly one pending identity. A successful exchange stores the
// credential, fires OnAuthorized and shuts the listener down.
type CallbackListener struct {
	exchanger Exchanger
	tokens    *TokenStore
	clients   func(Identity) ClientConfig
	observer  session.Observer

	// OnAuthorized runs on its own goroutine after a credential is stored.
	OnAuthorized func(id Identity)
	// Addr is the bind address; the port part should be 0. Defaults to 127.0.0.1:0.
	Addr string
	// Timeout bounds the code exchange. Defaults to 15s.
	Timeout time.Duration

	// emitMu keeps Started and Stopped in the order the server came and went.
	emitMu sync.Mutex

	mu       sync.Mutex
	srv      *http.Server
	done     chan struct{}
	port     int
	pending  Identity
	starting bool
}

// NewCallbackListener wires the listener to the token store. clients returns
// the current client registration for an identity.
func NewCallbackListener(ex Exchanger, tokens *TokenStore, clients func(Identity) ClientConfig, obs session.Observer) *CallbackListener {
	if obs == nil {
		obs = session.Hooks{}
	}
	return &CallbackListener{exchanger: ex, tokens: tokens, clients: clients, observer: obs}
}

// Start binds an ephemeral port and begins serving the redirect route for id.
func (l *CallbackListener) Start(id Identity) (int, error) {
	if !id.Valid() {
		return 0, fmt.Errorf("start callback server: invalid identity %d", int(id))
	}
	l.mu.Lock()
	if l.srv != nil || l.starting {
		pending := l.pending
		l.mu.Unlock()
		return 0, fmt.Errorf("%w for %s", ErrCallbackActive, pending)
	}
	l.starting, l.pending = true, id
	l.mu.Unlock()
	l.observer.CallbackServerStatus(session.CallbackStarting, 0)

	addr := l.Addr
	if addr == "" {
		addr = "127.0.0.1:0"
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		l.mu.Lock()
		l.starting, l.pending = false, 0
		l.mu.Unlock()
		l.observer.CallbackServerStatus(session.CallbackStopped, 0)
		return 0, fmt.Errorf("listen for oauth callback: %w", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	redirectURI := RedirectURI(port)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", l.handleRedirect(id, redirectURI, new(atomic.Bool)))
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
	}
	done := make(chan struct{})

	l.emitMu.Lock()
	defer l.emitMu.Unlock()
	l.mu.Lock()
	l.srv, l.done, l.port, l.starting = srv, done, port, false
	l.mu.Unlock()

	go func() {
		defer close(done)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("oauth callback server error", slog.Any("err", err))
		}
	}()
	slog.Info("oauth callback server started", slog.String("identity", id.String()), slog.Int("port", port))
	l.observer.CallbackServerStatus(session.CallbackStarted, port)
	return port, nil
}

// Stop drains in-flight requests and closes the listener. It is a no-op when
// nothing is running.
func (l *CallbackListener) Stop(ctx context.Context) error {
	l.mu.Lock()
	srv, done := l.srv, l.done
	l.mu.Unlock()
	if srv == nil {
		return nil
	}

	err := srv.Shutdown(ctx)
	select {
	case <-done:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}

	l.emitMu.Lock()
	defer l.emitMu.Unlock()
	l.mu.Lock()
	owner := l.srv == srv
	if owner {
		l.srv, l.done, l.port, l.pending = nil, nil, 0, 0
	}
	l.mu.Unlock()
	if owner {
		slog.Info("oauth callback server stopped")
		l.observer.CallbackServerStatus(session.CallbackStopped, 0)
	}
	return err
}

// Port is the bound port, or 0 when stopped.
func (l *CallbackListener) Port() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.port
}

// Pending returns the identity the running listener is bound to.
func (l *CallbackListener) Pending() (Identity, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pending, l.srv != nil
}

// RedirectURI is the exact redirect URL registered for a listener on port.
func RedirectURI(port int) string {
	return "http://localhost:" + strconv.Itoa(port)
}

// handleRedirect serves the redirect for id. claimed admits one exchange at
// a time; a failed exchange releases it so the user can retry.
func (l *CallbackListener) handleRedirect(id Identity, redirectURI string, claimed *atomic.Bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		code := r.URL.Query().Get("code")
		if code == "" {
			telemetry.RecordCallback(http.StatusBadRequest)
			http.Error(w, "Failure! Request URL does not contain code param.", http.StatusBadRequest)
			return
		}
		if !claimed.CompareAndSwap(false, true) {
			telemetry.RecordCallback(http.StatusServiceUnavailable)
			http.Error(w, "authorization already in progress", http.StatusServiceUnavailable)
			return
		}

		timeout := l.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()

		cred, err := l.exchanger.Exchange(ctx, l.clients(id), code, redirectURI)
		if err != nil {
			claimed.Store(false)
			slog.Warn("oauth code exchange failed", slog.String("identity", id.String()), slog.Any("err", err))
			telemetry.RecordCallback(http.StatusServiceUnavailable)
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		if err := l.tokens.Set(ctx, id, cred); err != nil {
			slog.Warn("token persist failed", slog.String("identity", id.String()), slog.Any("err", err))
		}

		telemetry.RecordCallback(http.StatusOK)
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte(successPage)); err != nil {
			slog.Debug("write callback response", slog.Any("err", err))
		}
		slog.Info("oauth authorization complete", slog.String("identity", id.String()))

		if l.OnAuthorized != nil {
			go l.OnAuthorized(id)
		}
		go func() {
			sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := l.Stop(sctx); err != nil {
				slog.Warn("oauth callback server shutdown", slog.Any("err", err))
			}
		}()
	}
}
