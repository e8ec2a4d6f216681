// Package auth guards the loopback control API with the per-launch session
// token.
package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/loykin/thinkd/internal/session"
)

// Middleware rejects requests that do not present the session token, either
// in the X-App-Token header or as a bearer credential.
type Middleware struct {
	session *session.Session
	enabled bool
}

// NewMiddleware returns a Middleware for s. A nil session disables checks,
// which is only meant for tests and embedded use.
func NewMiddleware(s *session.Session) *Middleware {
	return &Middleware{session: s, enabled: s != nil}
}

// GinAuth returns a Gin middleware function for authentication
func (m *Middleware) GinAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !m.enabled {
			c.Next()
			return
		}
		if !m.authenticate(c.Request) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "authentication_failed",
				"message": "Authentication required",
			})
			return
		}
		c.Next()
	}
}

// HTTPAuth wraps a plain http.Handler with the same check.
func (m *Middleware) HTTPAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.enabled && !m.authenticate(r) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"authentication_failed","message":"Authentication required"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (m *Middleware) authenticate(r *http.Request) bool {
	if tok := r.Header.Get(session.HeaderName); tok != "" {
		return m.session.Verify(tok)
	}
	parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
		return m.session.Verify(parts[1])
	}
	return false
}
