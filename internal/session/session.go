// Package session holds the per-run credential shared between the
// supervisor, the backend process and the in-app UI.
package session

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
)

const (
	// TokenBytes is the amount of entropy drawn for a credential.
	TokenBytes = 32
	// HeaderName carries the credential on every authenticated HTTP call.
	HeaderName = "X-App-Token"
	// EnvName carries the credential into the backend process.
	EnvName = "THINK_APP_TOKEN"
)

// ErrEntropy is returned when the random source cannot produce a credential.
// Callers must abort startup; there is no deterministic fallback.
var ErrEntropy = errors.New("session: entropy source unavailable")

// Session is the credential for one supervisor run. It is created once by the
// composition root and passed by reference; nothing mutates it after New.
type Session struct {
	token string
}

// New mints a fresh credential from crypto/rand.
func New() (*Session, error) { return newFrom(rand.Reader) }

func newFrom(r io.Reader) (*Session, error) {
	b := make([]byte, TokenBytes)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEntropy, err)
	}
	return &Session{token: hex.EncodeToString(b)}, nil
}

// Token returns the raw credential. Only hand it to an auth header or a child env.
func (s *Session) Token() string { return s.token }

// Env renders the credential as a KEY=VALUE entry. name defaults to EnvName.
func (s *Session) Env(name string) string {
	if name == "" {
		name = EnvName
	}
	return name + "=" + s.token
}

// Header sets the auth header on req.
func (s *Session) Header(req *http.Request) {
	req.Header.Set(HeaderName, s.token)
}

// Verify reports whether candidate equals the credential, in constant time.
func (s *Session) Verify(candidate string) bool {
	if candidate == "" || len(candidate) != len(s.token) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(candidate), []byte(s.token)) == 1
}

// String never prints the credential.
func (s *Session) String() string { return "[redacted]" }

// LogValue keeps the credential out of slog output.
func (s *Session) LogValue() slog.Value { return slog.StringValue("[redacted]") }
