package oauth

import (
	"errors"
	"fmt"

	"github.com/onnwee/techobot/session"
)

var (
	// ErrNoRefreshToken is returned when an expired credential cannot be refreshed.
	ErrNoRefreshToken = fmt.Errorf("no refresh token: %w", session.ErrUnauthorized)
	// ErrClientIncomplete rejects a ClientConfig without id or secret.
	ErrClientIncomplete = errors.New("must set client ID and client secret")
	// ErrCallbackActive rejects a second authorization flow while one is pending.
	ErrCallbackActive = errors.New("callback server already started")
	// ErrCallbackNotStarted is returned when an authorization flow needs a listener that is not running.
	ErrCallbackNotStarted = errors.New("must start callback server")
)
