package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/onnwee/techobot/bridge"
	"github.com/onnwee/techobot/chat"
	"github.com/onnwee/techobot/oauth"
	"github.com/onnwee/techobot/session"
	"github.com/onnwee/techobot/telemetry"
	"github.com/onnwee/techobot/twitchapi"
)

// maxBody bounds request bodies on the mutating routes.
const maxBody = 1 << 16

// Controller is the set of coordinator operations the API exposes.
type Controller interface {
	Snapshot() bridge.Snapshot
	Chatters() []chat.Chatter
	UserID(ctx context.Context, login string) (string, error)
	IsModerator(userID string) bool
	StartCallbackServer(id oauth.Identity) (int, error)
	StopCallbackServer(ctx context.Context) error
	SetClient(ctx context.Context, id oauth.Identity, cfg oauth.ClientConfig) error
	Say(text string)
}

var _ Controller = (*bridge.Coordinator)(nil)

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	ctrl Controller
}

func NewHandlers(ctrl Controller) *Handlers {
	return &Handlers{ctrl: ctrl}
}

// HandleHealthz responds to liveness probes.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleStatus returns the last reported state of both sessions and the callback listener.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.ctrl.Snapshot())
}

func (h *Handlers) HandleChatters(w http.ResponseWriter, r *http.Request) {
	chatters := h.ctrl.Chatters()
	if chatters == nil {
		chatters = []chat.Chatter{}
	}
	writeJSON(w, http.StatusOK, chatters)
}

// HandleUserID resolves a login through the channel identity.
func (h *Handlers) HandleUserID(w http.ResponseWriter, r *http.Request) {
	login := strings.ToLower(strings.TrimSpace(r.PathValue("login")))
	id, err := h.ctrl.UserID(r.Context(), login)
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"login": login, "userId": id})
}

func (h *Handlers) HandleModerator(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("userID")
	writeJSON(w, http.StatusOK, map[string]any{"userId": userID, "moderator": h.ctrl.IsModerator(userID)})
}

// HandleCallbackStart starts the OAuth callback listener for an identity and returns its port.
func (h *Handlers) HandleCallbackStart(w http.ResponseWriter, r *http.Request) {
	id, err := oauth.ParseIdentity(r.PathValue("identity"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	port, err := h.ctrl.StartCallbackServer(id)
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"identity": id.String(), "port": port, "redirectUri": oauth.RedirectURI(port)})
}

func (h *Handlers) HandleCallbackStop(w http.ResponseWriter, r *http.Request) {
	if err := h.ctrl.StopCallbackServer(r.Context()); err != nil {
		writeError(r.Context(), w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleSetClient installs a client registration and, when it changed, launches authorization.
func (h *Handlers) HandleSetClient(w http.ResponseWriter, r *http.Request) {
	id, err := oauth.ParseIdentity(r.PathValue("identity"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var cfg oauth.ClientConfig
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(&cfg); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	cfg.ClientID = strings.TrimSpace(cfg.ClientID)
	cfg.ClientSecret = strings.TrimSpace(cfg.ClientSecret)
	if err := h.ctrl.SetClient(r.Context(), id, cfg); err != nil {
		writeError(r.Context(), w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleSay posts a message to the joined channel. Delivery is best effort.
func (h *Handlers) HandleSay(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(&body); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(body.Text) == "" {
		http.Error(w, "text is required", http.StatusBadRequest)
		return
	}
	h.ctrl.Say(body.Text)
	w.WriteHeader(http.StatusAccepted)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor maps coordinator errors to HTTP codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, oauth.ErrClientIncomplete):
		return http.StatusBadRequest
	case errors.Is(err, oauth.ErrCallbackActive), errors.Is(err, oauth.ErrCallbackNotStarted):
		return http.StatusConflict
	case errors.Is(err, twitchapi.ErrUserNotFound):
		return http.StatusNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	switch session.Classify(err) {
	case session.NotConfigured:
		return http.StatusServiceUnavailable
	case session.Unauthorized:
		return http.StatusUnauthorized
	default:
		return http.StatusBadGateway
	}
}

func writeError(ctx context.Context, w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code >= 500 {
		telemetry.LoggerWithCorr(ctx).Warn("control request failed", slog.Int("code", code), slog.Any("err", err), slog.String("component", "http"))
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
