package oauth

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/onnwee/techobot/session"
	"github.com/onnwee/techobot/telemetry"
)

// Refresher performs the refresh_token grant for one client registration.
type Refresher interface {
	Refresh(ctx context.Context, client ClientConfig, refreshToken string) (Credential, error)
}

// EnsureFresh returns the stored credential for id, refreshing and persisting
// it first when it has expired. An expired credential without a refresh token
// fails with ErrNoRefreshToken.
func EnsureFresh(ctx context.Context, store *TokenStore, r Refresher, clock clockwork.Clock, id Identity, client ClientConfig) (Credential, error) {
	cred, ok := store.Get(id)
	if !ok || cred.Empty() {
		return Credential{}, fmt.Errorf("%s credential: %w", id, session.ErrNotConfigured)
	}
	if !cred.Expired(clock.Now()) {
		return cred, nil
	}
	if cred.RefreshToken == "" {
		telemetry.RecordRefresh(id.String(), false)
		return Credential{}, fmt.Errorf("%s credential expired: %w", id, ErrNoRefreshToken)
	}
	fresh, err := refresh(ctx, store, r, id, client, cred)
	if err != nil {
		return Credential{}, err
	}
	return fresh, nil
}

func refresh(ctx context.Context, store *TokenStore, r Refresher, id Identity, client ClientConfig, cred Credential) (Credential, error) {
	fresh, err := r.Refresh(ctx, client, cred.RefreshToken)
	if err != nil {
		telemetry.RecordRefresh(id.String(), false)
		return Credential{}, fmt.Errorf("refresh %s token: %w", id, err)
	}
	telemetry.RecordRefresh(id.String(), true)
	if fresh.RefreshToken == "" {
		fresh.RefreshToken = cred.RefreshToken
	}
	if len(fresh.Scopes) == 0 {
		fresh.Scopes = cred.Scopes
	}
	if err := store.Set(ctx, id, fresh); err != nil {
		slog.Warn("token persist failed", slog.String("identity", id.String()), slog.Any("err", err))
	}
	slog.Info("token refreshed", slog.String("identity", id.String()), slog.Time("expiry", fresh.Expiry))
	return fresh, nil
}

// MinRefreshInterval is the shortest check interval StartRefresher uses.
const MinRefreshInterval = time.Second

// StartRefresher launches a goroutine that periodically checks the credential
// for id and refreshes it once its remaining lifetime is within window. It
// keeps the stored credential usable for the next session start; it never
// touches live connections.
func StartRefresher(ctx context.Context, store *TokenStore, r Refresher, clock clockwork.Clock, id Identity, client func() ClientConfig, interval, window time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if interval < MinRefreshInterval {
		interval = MinRefreshInterval
	}
	if window <= 0 {
		window = 15 * time.Minute
	}
	//nolint:gosec // G404: scheduling jitter only
	initialJitter := time.Duration(rand.Int63n(int64(interval / 2)))
	go func() {
		select {
		case <-ctx.Done():
			return
		case <-clock.After(initialJitter):
		}
		for {
			refreshIfDue(ctx, store, r, clock, id, client(), window)

			jitterRange := int64(interval / 5)
			//nolint:gosec // G404: scheduling jitter only
			jitter := time.Duration(rand.Int63n(jitterRange*2) - jitterRange)
			next := interval + jitter
			if next < interval/2 {
				next = interval / 2
			}
			select {
			case <-ctx.Done():
				return
			case <-clock.After(next):
			}
		}
	}()
}

func refreshIfDue(ctx context.Context, store *TokenStore, r Refresher, clock clockwork.Clock, id Identity, client ClientConfig, window time.Duration) {
	cred, ok := store.Get(id)
	if !ok || cred.RefreshToken == "" || cred.Expiry.IsZero() || !client.Complete() {
		return
	}
	if cred.Expiry.Sub(clock.Now()) > window {
		return
	}
	rctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if _, err := refresh(rctx, store, r, id, client, cred); err != nil {
		slog.Warn("background token refresh failed", slog.String("identity", id.String()), slog.Any("err", err))
	}
}
