package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/onnwee/techobot/bridge"
	"github.com/onnwee/techobot/chat"
	"github.com/onnwee/techobot/oauth"
	"github.com/onnwee/techobot/session"
	"github.com/onnwee/techobot/twitchapi"
)

type fakeController struct {
	mu        sync.Mutex
	said      []string
	clients   map[oauth.Identity]oauth.ClientConfig
	started   []oauth.Identity
	stopped   int
	startErr  error
	clientErr error
	users     map[string]string
	userErr   error
}

func newFakeController() *fakeController {
	return &fakeController{
		clients: map[oauth.Identity]oauth.ClientConfig{},
		users:   map[string]string{"techo": "42"},
	}
}

func (f *fakeController) Snapshot() bridge.Snapshot {
	return bridge.Snapshot{
		Bot:            session.Status{State: session.Connected},
		Channel:        session.Status{State: session.Disconnected, Message: "unauthorized"},
		CallbackStatus: session.CallbackStopped.String(),
		BotName:        "techobot",
		Open:           true,
	}
}

func (f *fakeController) Chatters() []chat.Chatter {
	return []chat.Chatter{{UserID: "1", UserName: "alice"}}
}

func (f *fakeController) UserID(ctx context.Context, login string) (string, error) {
	if f.userErr != nil {
		return "", f.userErr
	}
	id, ok := f.users[login]
	if !ok {
		return "", twitchapi.ErrUserNotFound
	}
	return id, nil
}

func (f *fakeController) IsModerator(userID string) bool { return userID == "42" }

func (f *fakeController) StartCallbackServer(id oauth.Identity) (int, error) {
	if f.startErr != nil {
		return 0, f.startErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, id)
	return 50123, nil
}

func (f *fakeController) StopCallbackServer(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped++
	return nil
}

func (f *fakeController) SetClient(ctx context.Context, id oauth.Identity, cfg oauth.ClientConfig) error {
	if f.clientErr != nil {
		return f.clientErr
	}
	if !cfg.Complete() {
		return oauth.ErrClientIncomplete
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clients[id] = cfg
	return nil
}

func (f *fakeController) Say(text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.said = append(f.said, text)
}

func serve(t *testing.T, h http.Handler, method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func newTestMux(t *testing.T, ctrl Controller, opts Options) http.Handler {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return NewMux(ctx, ctrl, opts)
}

func TestHealthzOK(t *testing.T) {
	h := newTestMux(t, newFakeController(), Options{})
	rr := serve(t, h, http.MethodGet, "/healthz", "", nil)
	if rr.Code != http.StatusOK || rr.Body.String() != "ok" {
		t.Fatalf("expected 200 ok, got %d %q", rr.Code, rr.Body.String())
	}
	if rr.Header().Get("X-Correlation-ID") == "" {
		t.Error("missing X-Correlation-ID")
	}
}

func TestCorrelationIDIsEchoed(t *testing.T) {
	h := newTestMux(t, newFakeController(), Options{})
	rr := serve(t, h, http.MethodGet, "/healthz", "", map[string]string{"X-Correlation-ID": "abc-123"})
	if got := rr.Header().Get("X-Correlation-ID"); got != "abc-123" {
		t.Errorf("X-Correlation-ID = %q", got)
	}
}

func TestStatus(t *testing.T) {
	h := newTestMux(t, newFakeController(), Options{})
	rr := serve(t, h, http.MethodGet, "/status", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status code %d", rr.Code)
	}
	var got map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	bot := got["bot"].(map[string]any)
	if bot["state"] != "connected" {
		t.Errorf("bot state = %v", bot["state"])
	}
	ch := got["channel"].(map[string]any)
	if ch["state"] != "disconnected" || ch["message"] != "unauthorized" {
		t.Errorf("channel = %v", ch)
	}
	if got["callbackStatus"] != "stopped" || got["open"] != true {
		t.Errorf("snapshot = %v", got)
	}
}

func TestChattersAndModerators(t *testing.T) {
	h := newTestMux(t, newFakeController(), Options{})
	rr := serve(t, h, http.MethodGet, "/chatters", "", nil)
	if !strings.Contains(rr.Body.String(), `"userName":"alice"`) {
		t.Errorf("chatters body = %s", rr.Body.String())
	}
	rr = serve(t, h, http.MethodGet, "/moderators/42", "", nil)
	if !strings.Contains(rr.Body.String(), `"moderator":true`) {
		t.Errorf("moderator body = %s", rr.Body.String())
	}
	rr = serve(t, h, http.MethodGet, "/moderators/7", "", nil)
	if !strings.Contains(rr.Body.String(), `"moderator":false`) {
		t.Errorf("moderator body = %s", rr.Body.String())
	}
}

func TestUserID(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		userErr error
		code    int
		body    string
	}{
		{name: "found", path: "/users/Techo", code: http.StatusOK, body: `"userId":"42"`},
		{name: "not found", path: "/users/nobody", code: http.StatusNotFound, body: "user not found"},
		{name: "not configured", path: "/users/techo", userErr: fmt.Errorf("channel client: %w", session.ErrNotConfigured), code: http.StatusServiceUnavailable},
		{name: "unauthorized", path: "/users/techo", userErr: fmt.Errorf("refresh: %w", session.ErrUnauthorized), code: http.StatusUnauthorized},
		{name: "timeout", path: "/users/techo", userErr: context.DeadlineExceeded, code: http.StatusGatewayTimeout},
		{name: "upstream", path: "/users/techo", userErr: errors.New("unexpected status 500"), code: http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := newFakeController()
			ctrl.userErr = tt.userErr
			rr := serve(t, newTestMux(t, ctrl, Options{}), http.MethodGet, tt.path, "", nil)
			if rr.Code != tt.code {
				t.Fatalf("code = %d, want %d (%s)", rr.Code, tt.code, rr.Body.String())
			}
			if tt.body != "" && !strings.Contains(rr.Body.String(), tt.body) {
				t.Errorf("body = %s, want %q", rr.Body.String(), tt.body)
			}
		})
	}
}

func TestCallbackStartStop(t *testing.T) {
	ctrl := newFakeController()
	h := newTestMux(t, ctrl, Options{})

	rr := serve(t, h, http.MethodPost, "/callback/bot/start", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("start code %d: %s", rr.Code, rr.Body.String())
	}
	if !strings.Contains(rr.Body.String(), `"redirectUri":"http://localhost:50123"`) {
		t.Errorf("start body = %s", rr.Body.String())
	}
	if len(ctrl.started) != 1 || ctrl.started[0] != oauth.Bot {
		t.Errorf("started = %v", ctrl.started)
	}

	rr = serve(t, h, http.MethodPost, "/callback/streamer/start", "", nil)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("invalid identity code %d", rr.Code)
	}

	ctrl.startErr = oauth.ErrCallbackActive
	rr = serve(t, h, http.MethodPost, "/callback/channel/start", "", nil)
	if rr.Code != http.StatusConflict {
		t.Errorf("active listener code %d", rr.Code)
	}

	rr = serve(t, h, http.MethodPost, "/callback/stop", "", nil)
	if rr.Code != http.StatusNoContent || ctrl.stopped != 1 {
		t.Errorf("stop code %d stopped %d", rr.Code, ctrl.stopped)
	}

	rr = serve(t, h, http.MethodGet, "/callback/stop", "", nil)
	if rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET stop code %d", rr.Code)
	}
}

func TestSetClient(t *testing.T) {
	tests := []struct {
		name      string
		path      string
		body      string
		clientErr error
		code      int
	}{
		{name: "ok", path: "/clients/channel", body: `{"clientId":" id ","clientSecret":"secret"}`, code: http.StatusNoContent},
		{name: "incomplete", path: "/clients/bot", body: `{"clientId":"id"}`, code: http.StatusBadRequest},
		{name: "bad json", path: "/clients/bot", body: `{`, code: http.StatusBadRequest},
		{name: "bad identity", path: "/clients/nobody", body: `{}`, code: http.StatusBadRequest},
		{name: "listener not started", path: "/clients/bot", body: `{"clientId":"id","clientSecret":"s"}`, clientErr: oauth.ErrCallbackNotStarted, code: http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := newFakeController()
			ctrl.clientErr = tt.clientErr
			rr := serve(t, newTestMux(t, ctrl, Options{}), http.MethodPut, tt.path, tt.body, nil)
			if rr.Code != tt.code {
				t.Fatalf("code = %d, want %d (%s)", rr.Code, tt.code, rr.Body.String())
			}
		})
	}

	ctrl := newFakeController()
	serve(t, newTestMux(t, ctrl, Options{}), http.MethodPut, "/clients/channel", `{"clientId":" id ","clientSecret":"secret"}`, nil)
	if got := ctrl.clients[oauth.Channel]; got != (oauth.ClientConfig{ClientID: "id", ClientSecret: "secret"}) {
		t.Errorf("stored client = %+v", got)
	}
}

func TestSay(t *testing.T) {
	ctrl := newFakeController()
	h := newTestMux(t, ctrl, Options{})
	if rr := serve(t, h, http.MethodPost, "/say", `{"text":"hello chat"}`, nil); rr.Code != http.StatusAccepted {
		t.Fatalf("say code %d", rr.Code)
	}
	if rr := serve(t, h, http.MethodPost, "/say", `{"text":"   "}`, nil); rr.Code != http.StatusBadRequest {
		t.Errorf("empty say code %d", rr.Code)
	}
	if len(ctrl.said) != 1 || ctrl.said[0] != "hello chat" {
		t.Errorf("said = %v", ctrl.said)
	}
}

func TestControlToken(t *testing.T) {
	ctrl := newFakeController()
	h := newTestMux(t, ctrl, Options{ControlToken: "s3cret"})

	if rr := serve(t, h, http.MethodPost, "/say", `{"text":"x"}`, nil); rr.Code != http.StatusUnauthorized {
		t.Errorf("missing token code %d", rr.Code)
	}
	if rr := serve(t, h, http.MethodPost, "/say", `{"text":"x"}`, map[string]string{"X-Control-Token": "wrong"}); rr.Code != http.StatusUnauthorized {
		t.Errorf("wrong token code %d", rr.Code)
	}
	if rr := serve(t, h, http.MethodPost, "/say", `{"text":"x"}`, map[string]string{"X-Control-Token": "s3cret"}); rr.Code != http.StatusAccepted {
		t.Errorf("valid token code %d", rr.Code)
	}
	// read-only routes stay open
	if rr := serve(t, h, http.MethodGet, "/status", "", nil); rr.Code != http.StatusOK {
		t.Errorf("status code %d", rr.Code)
	}
}

func TestRateLimit(t *testing.T) {
	h := newTestMux(t, newFakeController(), Options{RequestsPerMinute: 2})
	for i := 0; i < 2; i++ {
		if rr := serve(t, h, http.MethodPost, "/say", `{"text":"x"}`, nil); rr.Code != http.StatusAccepted {
			t.Fatalf("request %d code %d", i, rr.Code)
		}
	}
	rr := serve(t, h, http.MethodPost, "/say", `{"text":"x"}`, nil)
	if rr.Code != http.StatusTooManyRequests || rr.Header().Get("Retry-After") != "60" {
		t.Errorf("third request code %d", rr.Code)
	}
	// a different client is unaffected
	rr = serve(t, h, http.MethodPost, "/say", `{"text":"x"}`, map[string]string{"X-Forwarded-For": "10.0.0.9, 10.0.0.1"})
	if rr.Code != http.StatusAccepted {
		t.Errorf("other client code %d", rr.Code)
	}
}

func TestStartAndShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Start(ctx, "127.0.0.1:0", http.NotFoundHandler()) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("server returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
