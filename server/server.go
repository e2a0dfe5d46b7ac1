// Package server exposes the local control API the desktop UI drives the bot
// with: status, chat queries, the OAuth callback flow and client registration.
// Every request gets a correlation ID and a tracing span.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/onnwee/techobot/telemetry"
)

// Options configures the control API.
type Options struct {
	// ControlToken, when set, is required in X-Control-Token on mutating routes.
	ControlToken string
	// RequestsPerMinute caps mutating requests per client IP. Zero disables the limit.
	RequestsPerMinute int
}

// NewMux returns the HTTP handler with all routes.
// The provided context bounds the rate limiter cleanup goroutine.
func NewMux(ctx context.Context, ctrl Controller, opts Options) http.Handler {
	h := NewHandlers(ctrl)
	if opts.ControlToken == "" {
		slog.Warn("CONTROL_TOKEN not set - mutating control endpoints are UNPROTECTED", slog.String("component", "http"))
	}
	limiter := newIPRateLimiter(ctx, opts.RequestsPerMinute, time.Minute)
	protect := func(fn http.HandlerFunc) http.Handler {
		return controlAuth(rateLimitMiddleware(fn, limiter), opts.ControlToken)
	}

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", h.HandleHealthz)
	mux.HandleFunc("GET /status", h.HandleStatus)
	mux.HandleFunc("GET /chatters", h.HandleChatters)
	mux.HandleFunc("GET /users/{login}", h.HandleUserID)
	mux.HandleFunc("GET /moderators/{userID}", h.HandleModerator)

	mux.Handle("POST /callback/{identity}/start", protect(h.HandleCallbackStart))
	mux.Handle("POST /callback/stop", protect(h.HandleCallbackStop))
	mux.Handle("PUT /clients/{identity}", protect(h.HandleSetClient))
	mux.Handle("POST /say", protect(h.HandleSay))

	return withCorrelation(mux)
}

// withCorrelation injects a correlation ID and wraps the request in a span.
func withCorrelation(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Reuse corr header if provided else generate
		corr := r.Header.Get("X-Correlation-ID")
		if corr == "" {
			corr = uuid.New().String()
		}
		ctx := telemetry.WithCorrelation(r.Context(), corr)
		w.Header().Set("X-Correlation-ID", corr)

		ctx, span := telemetry.StartSpan(ctx, r.Method+" "+r.URL.Path,
			attribute.String("http.method", r.Method),
			attribute.String("http.route", r.URL.Path),
		)
		defer span.End()

		telemetry.LoggerWithCorr(ctx).Debug("request start", slog.String("method", r.Method), slog.String("path", r.URL.Path), slog.String("component", "http"))

		rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))

		span.SetAttributes(attribute.Int("http.status_code", rec.statusCode))
		if rec.statusCode >= 400 {
			span.SetStatus(codes.Error, fmt.Sprintf("HTTP %d", rec.statusCode))
		}
	})
}

// statusRecorder wraps ResponseWriter to capture status code
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

// Start runs the HTTP server and shuts down gracefully on context cancellation.
func Start(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		// Use WithoutCancel to inherit context values but allow shutdown to complete
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http server shutdown error", slog.Any("err", err))
		}
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("http server error", slog.Any("err", err))
		return err
	}
	return nil
}
