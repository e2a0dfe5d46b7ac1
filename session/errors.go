package session

import "errors"

var (
	// ErrNotConfigured means a precondition (client id/secret, credential,
	// channel) is missing. The start was a no-op and may be retried later.
	ErrNotConfigured = errors.New("not configured")
	// ErrUnauthorized marks authorization failures: a failed code exchange,
	// a rejected refresh, a missing refresh token, or a rejected access token.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrSuperseded means a newer start or a stop took over while this start
	// was suspended on I/O.
	ErrSuperseded = errors.New("superseded by a newer session generation")
)

// Outcome classifies the result of a session start.
type Outcome int

const (
	OK Outcome = iota
	NotConfigured
	Unauthorized
	Transient
	Superseded
)

func (o Outcome) String() string {
	switch o {
	case OK:
		return "ok"
	case NotConfigured:
		return "not_configured"
	case Unauthorized:
		return "unauthorized"
	case Superseded:
		return "superseded"
	default:
		return "transient"
	}
}

// Classify maps an error returned by a session start to its Outcome.
func Classify(err error) Outcome {
	switch {
	case err == nil:
		return OK
	case errors.Is(err, ErrNotConfigured):
		return NotConfigured
	case errors.Is(err, ErrSuperseded):
		return Superseded
	case errors.Is(err, ErrUnauthorized):
		return Unauthorized
	default:
		return Transient
	}
}
