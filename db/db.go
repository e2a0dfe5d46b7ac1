// Package db provides the Postgres connection helper, the schema, and the
// durable credential store backing oauth.TokenStore.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx postgres driver registered as 'pgx'

	"github.com/onnwee/techobot/crypto"
	"github.com/onnwee/techobot/oauth"
)

// Connect opens and pings a Postgres connection for dsn.
func Connect(ctx context.Context, dsn string) (*sql.DB, error) {
	if dsn == "" {
		return nil, errors.New("db: empty DSN")
	}
	dbx, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := dbx.PingContext(pingCtx); err != nil {
		dbx.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}
	return dbx, nil
}

// Migrate applies idempotent schema changes.
func Migrate(ctx context.Context, dbx *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS twitch_credentials (
			identity TEXT PRIMARY KEY,
			access_token TEXT NOT NULL,
			refresh_token TEXT,
			expires_at TIMESTAMPTZ,
			scope TEXT,
			encryption_version INTEGER DEFAULT 0,
			updated_at TIMESTAMPTZ DEFAULT NOW()
		)`,
	}
	for i, s := range stmts {
		if _, err := dbx.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("postgres migrate step %d failed: %w", i, err)
		}
	}
	return nil
}

// CredentialStore persists one row per identity. Tokens are sealed when a
// key is configured; encryption_version records which rows are sealed.
type CredentialStore struct {
	db     *sql.DB
	sealer crypto.Sealer
}

var _ oauth.Persister = (*CredentialStore)(nil)

// NewCredentialStore returns a store that seals tokens with sealer.
// A nil sealer stores plaintext.
func NewCredentialStore(dbx *sql.DB, sealer crypto.Sealer) *CredentialStore {
	if sealer == nil {
		slog.Warn("ENCRYPTION_KEY not set, OAuth tokens will be stored in plaintext (not recommended for production)", slog.String("component", "db_credentials"))
		sealer = crypto.Plain{}
	}
	return &CredentialStore{db: dbx, sealer: sealer}
}

// SaveCredential upserts the credential for id.
func (s *CredentialStore) SaveCredential(ctx context.Context, id oauth.Identity, cred oauth.Credential) error {
	access, err := s.sealer.Seal(cred.AccessToken)
	if err != nil {
		return fmt.Errorf("seal access token: %w", err)
	}
	refresh, err := s.sealer.Seal(cred.RefreshToken)
	if err != nil {
		return fmt.Errorf("seal refresh token: %w", err)
	}
	encVersion := 0
	if crypto.IsSealed(access) {
		encVersion = 1
	}
	var expiry sql.NullTime
	if !cred.Expiry.IsZero() {
		expiry = sql.NullTime{Time: cred.Expiry, Valid: true}
	}

	q := `INSERT INTO twitch_credentials(identity, access_token, refresh_token, expires_at, scope, encryption_version, updated_at)
		  VALUES($1,$2,$3,$4,$5,$6,NOW())
		  ON CONFLICT(identity) DO UPDATE SET
		    access_token=EXCLUDED.access_token,
		    refresh_token=EXCLUDED.refresh_token,
		    expires_at=EXCLUDED.expires_at,
		    scope=EXCLUDED.scope,
		    encryption_version=EXCLUDED.encryption_version,
		    updated_at=NOW()`
	_, err = s.db.ExecContext(ctx, q, id.String(), access, refresh, expiry, strings.Join(cred.Scopes, " "), encVersion)
	return err
}

// LoadCredential returns the stored credential for id; ok is false when no row exists.
func (s *CredentialStore) LoadCredential(ctx context.Context, id oauth.Identity) (oauth.Credential, bool, error) {
	var (
		access, refresh, scope sql.NullString
		expiry                 sql.NullTime
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT access_token, refresh_token, expires_at, scope FROM twitch_credentials WHERE identity=$1`,
		id.String()).Scan(&access, &refresh, &expiry, &scope)
	if errors.Is(err, sql.ErrNoRows) {
		return oauth.Credential{}, false, nil
	}
	if err != nil {
		return oauth.Credential{}, false, err
	}

	var cred oauth.Credential
	if cred.AccessToken, err = s.sealer.Open(access.String); err != nil {
		return oauth.Credential{}, false, fmt.Errorf("open access token: %w", err)
	}
	if cred.RefreshToken, err = s.sealer.Open(refresh.String); err != nil {
		return oauth.Credential{}, false, fmt.Errorf("open refresh token: %w", err)
	}
	if expiry.Valid {
		cred.Expiry = expiry.Time
	}
	cred.Scopes = strings.Fields(scope.String)
	return cred, true, nil
}
