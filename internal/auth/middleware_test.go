package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/thinkd/internal/session"
)

func newEngine(m *Middleware) *gin.Engine {
	gin.SetMode(gin.TestMode)
	g := gin.New()
	g.Use(m.GinAuth())
	g.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })
	return g
}

func TestGinAuth(t *testing.T) {
	sess, err := session.New()
	require.NoError(t, err)
	g := newEngine(NewMiddleware(sess))

	cases := []struct {
		name   string
		header string
		value  string
		want   int
	}{
		{"missing", "", "", http.StatusUnauthorized},
		{"wrong token", session.HeaderName, "nope", http.StatusUnauthorized},
		{"app token header", session.HeaderName, sess.Token(), http.StatusOK},
		{"bearer", "Authorization", "Bearer " + sess.Token(), http.StatusOK},
		{"basic is rejected", "Authorization", "Basic " + sess.Token(), http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/ping", nil)
			if tc.header != "" {
				req.Header.Set(tc.header, tc.value)
			}
			w := httptest.NewRecorder()
			g.ServeHTTP(w, req)
			assert.Equal(t, tc.want, w.Code)
			if tc.want == http.StatusUnauthorized {
				assert.Contains(t, w.Body.String(), "authentication_failed")
				assert.NotContains(t, w.Body.String(), sess.Token())
			}
		})
	}
}

func TestDisabledWithoutSession(t *testing.T) {
	g := newEngine(NewMiddleware(nil))
	w := httptest.NewRecorder()
	g.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHTTPAuth(t *testing.T) {
	sess, err := session.New()
	require.NoError(t, err)
	h := NewMiddleware(sess).HTTPAuth(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	sess.Header(req)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
}
