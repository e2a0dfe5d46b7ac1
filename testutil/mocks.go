package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

// MockTwitchServer creates a test server that mocks the Twitch OAuth and
// Helix endpoints. Point real clients at it with HTTPClient.
type MockTwitchServer struct {
	*httptest.Server
	mu       sync.Mutex
	Handlers map[string]http.HandlerFunc
	hits     map[string]int
}

// NewMockTwitchServer creates a new mock Twitch API server
func NewMockTwitchServer(t *testing.T) *MockTwitchServer {
	t.Helper()
	m := &MockTwitchServer{
		Handlers: make(map[string]http.HandlerFunc),
		hits:     make(map[string]int),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Path
		m.mu.Lock()
		m.hits[key]++
		handler, ok := m.Handlers[key]
		m.mu.Unlock()
		if ok {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	return m
}

// Handle registers a handler for an exact path.
func (m *MockTwitchServer) Handle(path string, h http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Handlers[path] = h
}

// Hits returns how many requests reached path.
func (m *MockTwitchServer) Hits(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hits[path]
}

// HTTPClient returns a client that sends every request, whatever its host,
// to the mock server.
func (m *MockTwitchServer) HTTPClient() *http.Client {
	return &http.Client{Transport: &rewriteTransport{base: http.DefaultTransport, host: strings.TrimPrefix(m.URL, "http://")}}
}

type rewriteTransport struct {
	base http.RoundTripper
	host string
}

func (t *rewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.URL.Scheme = "http"
	req.URL.Host = t.host
	return t.base.RoundTrip(req)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck // test mock response
}

// MockValidateResponse adds a handler for /oauth2/validate. Tokens other
// than accessToken get a 401.
func (m *MockTwitchServer) MockValidateResponse(accessToken, userID, login string) {
	m.Handle("/oauth2/validate", func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.Header.Get("Authorization"), " "+accessToken) {
			writeJSON(w, http.StatusUnauthorized, map[string]interface{}{"status": 401, "message": "invalid access token"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"client_id":  "mock-client",
			"login":      login,
			"user_id":    userID,
			"scopes":     []string{},
			"expires_in": 3600,
		})
	})
}

// MockUserResponse adds a handler for /helix/users endpoint
func (m *MockTwitchServer) MockUserResponse(userID, login string) {
	m.Handle("/helix/users", func(w http.ResponseWriter, r *http.Request) {
		data := []map[string]string{}
		if q := r.URL.Query().Get("login"); q == "" || strings.EqualFold(q, login) {
			data = append(data, map[string]string{"id": userID, "login": login})
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"data": data})
	})
}

// MockModeratorsResponse adds a handler for /helix/moderation/moderators
// returning ids in a single page.
func (m *MockTwitchServer) MockModeratorsResponse(ids ...string) {
	m.Handle("/helix/moderation/moderators", func(w http.ResponseWriter, r *http.Request) {
		data := make([]map[string]string, 0, len(ids))
		for _, id := range ids {
			data = append(data, map[string]string{"user_id": id, "user_login": "mod" + id, "user_name": "Mod" + id})
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"data": data, "pagination": map[string]string{}})
	})
}

// MockSubscriptionsResponse accepts every EventSub subscription.
func (m *MockTwitchServer) MockSubscriptionsResponse() {
	m.Handle("/helix/eventsub/subscriptions", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&body)
		body["id"] = "sub-id"
		body["status"] = "enabled"
		writeJSON(w, http.StatusAccepted, map[string]interface{}{"data": []interface{}{body}, "total": 1})
	})
}

// MockOAuthTokenResponse adds a handler for /oauth2/token that answers every
// grant with the given token pair.
func (m *MockTwitchServer) MockOAuthTokenResponse(accessToken, refreshToken string, expiresIn int) {
	m.Handle("/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"access_token":  accessToken,
			"refresh_token": refreshToken,
			"expires_in":    expiresIn,
			"scope":         []string{"chat:read", "chat:edit"},
			"token_type":    "bearer",
		})
	})
}
