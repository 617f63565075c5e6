package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/xxxsen/meetnote/internal/pkg/jwt"
)

func newAuthRouter(secret []byte) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestID(), JWTAuth(secret))
	r.GET("/who", func(c *gin.Context) {
		identity, _ := c.Get(ContextIdentityKey)
		c.String(http.StatusOK, "%v", identity)
	})
	return r
}

func TestJWTAuth(t *testing.T) {
	secret := []byte("test-secret")
	token, err := jwt.GenerateToken("bot-1", "bot@example.com", "ingest", secret, time.Hour)
	require.NoError(t, err)

	tests := []struct {
		name   string
		secret []byte
		url    string
		header string
		code   int
		body   string
	}{
		{name: "disabled", secret: nil, url: "/who", code: http.StatusOK, body: "<nil>"},
		{name: "missing", secret: secret, url: "/who", code: http.StatusUnauthorized},
		{name: "bad scheme", secret: secret, url: "/who", header: "Basic abc", code: http.StatusUnauthorized},
		{name: "bad token", secret: secret, url: "/who", header: "Bearer nope", code: http.StatusUnauthorized},
		{name: "header", secret: secret, url: "/who", header: "Bearer " + token, code: http.StatusOK, body: "bot@example.com"},
		{name: "query", secret: secret, url: "/who?token=" + token, code: http.StatusOK, body: "bot@example.com"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tc.url, nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			w := httptest.NewRecorder()
			newAuthRouter(tc.secret).ServeHTTP(w, req)
			require.Equal(t, tc.code, w.Code)
			require.NotEmpty(t, w.Header().Get("X-Request-Id"))
			if tc.body != "" {
				require.Equal(t, tc.body, w.Body.String())
			}
		})
	}
}

func TestCORSPreflight(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(CORS([]string{"https://app.example.com"}))
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodOptions, "/x", nil)
	req.Header.Set("Origin", "https://app.example.com")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusNoContent, w.Code)
	require.Equal(t, "https://app.example.com", w.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	require.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}
