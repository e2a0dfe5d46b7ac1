package oauth

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Persister is the durable home of credentials. TokenStore loads from it at
// startup and hands it every replacement.
type Persister interface {
	LoadCredential(ctx context.Context, id Identity) (Credential, bool, error)
	SaveCredential(ctx context.Context, id Identity, cred Credential) error
}

// TokenStore holds the current credential of each identity. It does not
// validate anything; the session consuming a credential decides whether it
// needs a refresh.
type TokenStore struct {
	mu        sync.RWMutex
	creds     map[Identity]Credential
	persister Persister
}

// NewTokenStore returns an empty store. A nil persister keeps credentials in memory only.
func NewTokenStore(p Persister) *TokenStore {
	return &TokenStore{creds: make(map[Identity]Credential), persister: p}
}

// Load seeds the store from the persister for every identity.
func (s *TokenStore) Load(ctx context.Context) error {
	if s.persister == nil {
		return nil
	}
	for _, id := range Identities {
		cred, ok, err := s.persister.LoadCredential(ctx, id)
		if err != nil {
			return fmt.Errorf("load %s credential: %w", id, err)
		}
		if !ok || cred.Empty() {
			continue
		}
		s.mu.Lock()
		s.creds[id] = cred.clone()
		s.mu.Unlock()
		slog.Info("loaded stored credential", slog.String("identity", id.String()), slog.Time("expiry", cred.Expiry))
	}
	return nil
}

// Get returns a copy of the credential for id.
func (s *TokenStore) Get(id Identity) (Credential, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cred, ok := s.creds[id]
	if !ok {
		return Credential{}, false
	}
	return cred.clone(), true
}

// Set replaces the credential for id and then persists it. The in-memory
// replacement happens even when persisting fails; the error is returned so
// the caller can report it.
func (s *TokenStore) Set(ctx context.Context, id Identity, cred Credential) error {
	if !id.Valid() {
		return fmt.Errorf("set credential: invalid identity %d", int(id))
	}
	s.mu.Lock()
	s.creds[id] = cred.clone()
	s.mu.Unlock()
	if s.persister == nil {
		return nil
	}
	if err := s.persister.SaveCredential(ctx, id, cred); err != nil {
		return fmt.Errorf("persist %s credential: %w", id, err)
	}
	return nil
}
