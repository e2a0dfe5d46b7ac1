// Package telemetry provides Prometheus metrics, tracing helpers and
// correlation-id aware logging for the Twitch sessions.
package telemetry

import (
	"context"
	"log/slog"
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/onnwee/techobot/session"
)

var (
	once sync.Once

	// SessionState is 0=disconnected, 1=connecting, 2=connected per session.
	SessionState *prometheus.GaugeVec
	// SessionStarts counts start attempts by session and outcome.
	SessionStarts *prometheus.CounterVec
	// TokenRefreshes counts refresh grants by identity and result.
	TokenRefreshes *prometheus.CounterVec
	// CallbackRequests counts OAuth redirects by response code.
	CallbackRequests *prometheus.CounterVec

	ModeratorEnumerationFailures prometheus.Counter
	ChatMessages                 prometheus.Counter
	Commands                     prometheus.Counter
	Redemptions                  prometheus.Counter
	EventSubReconnects           prometheus.Counter
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		SessionState = promauto.NewGaugeVec(prometheus.GaugeOpts{Name: "techobot_session_state", Help: "Session state (0=disconnected,1=connecting,2=connected)"}, []string{"session"})
		SessionStarts = promauto.NewCounterVec(prometheus.CounterOpts{Name: "techobot_session_starts_total", Help: "Session start attempts by outcome"}, []string{"session", "outcome"})
		TokenRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{Name: "techobot_token_refreshes_total", Help: "OAuth refresh grants by identity and result"}, []string{"identity", "result"})
		CallbackRequests = promauto.NewCounterVec(prometheus.CounterOpts{Name: "techobot_oauth_callback_requests_total", Help: "OAuth callback redirects by response code"}, []string{"code"})
		ModeratorEnumerationFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "techobot_moderator_enumeration_failures_total", Help: "Failed moderator list pages (tolerated)"})
		ChatMessages = promauto.NewCounter(prometheus.CounterOpts{Name: "techobot_chat_messages_total", Help: "Chat messages received"})
		Commands = promauto.NewCounter(prometheus.CounterOpts{Name: "techobot_chat_commands_total", Help: "Chat commands dispatched"})
		Redemptions = promauto.NewCounter(prometheus.CounterOpts{Name: "techobot_redemptions_total", Help: "Channel point redemptions received"})
		EventSubReconnects = promauto.NewCounter(prometheus.CounterOpts{Name: "techobot_eventsub_reconnects_total", Help: "EventSub session_reconnect handovers"})
	})
}

// SetSessionState records the current state of a session ("bot" or "channel").
func SetSessionState(name string, s session.State) {
	if SessionState != nil {
		SessionState.WithLabelValues(name).Set(float64(s))
	}
}

// RecordStart counts a start attempt with its outcome.
func RecordStart(name string, o session.Outcome) {
	if SessionStarts != nil {
		SessionStarts.WithLabelValues(name, o.String()).Inc()
	}
}

// RecordRefresh counts a refresh grant.
func RecordRefresh(identity string, ok bool) {
	if TokenRefreshes == nil {
		return
	}
	result := "failed"
	if ok {
		result = "succeeded"
	}
	TokenRefreshes.WithLabelValues(identity, result).Inc()
}

// RecordCallback counts an OAuth redirect response.
func RecordCallback(code int) {
	if CallbackRequests != nil {
		CallbackRequests.WithLabelValues(strconv.Itoa(code)).Inc()
	}
}

func inc(c prometheus.Counter) {
	if c != nil {
		c.Inc()
	}
}

func RecordModeratorFailure()  { inc(ModeratorEnumerationFailures) }
func RecordChatMessage()       { inc(ChatMessages) }
func RecordCommand()           { inc(Commands) }
func RecordRedemption()        { inc(Redemptions) }
func RecordEventSubReconnect() { inc(EventSubReconnects) }

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context carrying the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	if s, ok := ctx.Value(corrKey).(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
