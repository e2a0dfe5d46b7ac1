package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"strings"
	"testing"
)

func newKey(t *testing.T) string {
	t.Helper()
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("failed to generate random key: %v", err)
	}
	return base64.StdEncoding.EncodeToString(key)
}

func TestNewAESSealer(t *testing.T) {
	tests := []struct {
		name      string
		key       string
		errorMsg  string
		wantError bool
	}{
		{name: "empty key", key: "", wantError: true, errorMsg: "encryption key is empty"},
		{name: "invalid base64", key: "not-valid-base64!@#$", wantError: true, errorMsg: "base64 decode failed"},
		{name: "key too short", key: base64.StdEncoding.EncodeToString(make([]byte, 16)), wantError: true, errorMsg: "must be 32 bytes"},
		{name: "key too long", key: base64.StdEncoding.EncodeToString(make([]byte, 64)), wantError: true, errorMsg: "must be 32 bytes"},
		{name: "valid 32-byte key", key: base64.StdEncoding.EncodeToString(make([]byte, 32))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := NewAESSealer(tt.key)
			if tt.wantError {
				if err == nil {
					t.Fatalf("NewAESSealer() expected error but got nil")
				}
				if !strings.Contains(err.Error(), tt.errorMsg) {
					t.Errorf("NewAESSealer() error = %v, want error containing %q", err, tt.errorMsg)
				}
				return
			}
			if err != nil || s == nil {
				t.Fatalf("NewAESSealer() = %v, %v", s, err)
			}
		})
	}
}

func TestSealOpen_RoundTrip(t *testing.T) {
	s, err := NewAESSealer(newKey(t))
	if err != nil {
		t.Fatal(err)
	}
	for _, token := range []string{"a", "oauth-access-token-1234567890", strings.Repeat("x", 4096)} {
		sealed, err := s.Seal(token)
		if err != nil {
			t.Fatalf("Seal() error: %v", err)
		}
		if !IsSealed(sealed) || strings.Contains(sealed, token) {
			t.Fatalf("Seal(%q) = %q, want opaque v1 value", token, sealed)
		}
		got, err := s.Open(sealed)
		if err != nil {
			t.Fatalf("Open() error: %v", err)
		}
		if got != token {
			t.Errorf("Open() = %q, want %q", got, token)
		}
	}
}

func TestSeal_NonceIsRandom(t *testing.T) {
	s, _ := NewAESSealer(newKey(t))
	a, _ := s.Seal("same")
	b, _ := s.Seal("same")
	if a == b {
		t.Error("two seals of the same plaintext should differ")
	}
}

func TestSeal_Empty(t *testing.T) {
	s, _ := NewAESSealer(newKey(t))
	got, err := s.Seal("")
	if err != nil || got != "" {
		t.Errorf("Seal(\"\") = %q, %v", got, err)
	}
	got, err = s.Open("")
	if err != nil || got != "" {
		t.Errorf("Open(\"\") = %q, %v", got, err)
	}
}

func TestOpen_PlaintextPassesThrough(t *testing.T) {
	s, _ := NewAESSealer(newKey(t))
	got, err := s.Open("legacy-token")
	if err != nil || got != "legacy-token" {
		t.Errorf("Open(plaintext) = %q, %v", got, err)
	}
}

func TestOpen_Failures(t *testing.T) {
	s, _ := NewAESSealer(newKey(t))
	other, _ := NewAESSealer(newKey(t))
	sealed, _ := s.Seal("secret")

	raw, _ := base64.StdEncoding.DecodeString(strings.TrimPrefix(sealed, sealedPrefix))
	raw[len(raw)-1] ^= 0xff
	tampered := sealedPrefix + base64.StdEncoding.EncodeToString(raw)

	tests := []struct {
		name   string
		sealer Sealer
		in     string
	}{
		{"wrong key", other, sealed},
		{"tampered", s, tampered},
		{"bad base64", s, sealedPrefix + "!!!"},
		{"too short", s, sealedPrefix + base64.StdEncoding.EncodeToString([]byte{1, 2})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tt.sealer.Open(tt.in); err == nil {
				t.Error("Open() expected error")
			}
		})
	}
}

func TestPlain(t *testing.T) {
	var p Plain
	got, _ := p.Seal("token")
	if got != "token" {
		t.Errorf("Plain.Seal = %q", got)
	}
	s, _ := NewAESSealer(newKey(t))
	sealed, _ := s.Seal("token")
	if _, err := p.Open(sealed); !errors.Is(err, ErrNoKey) {
		t.Errorf("Plain.Open(sealed) error = %v, want ErrNoKey", err)
	}
}
