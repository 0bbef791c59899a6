package middleware

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var ok = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestAuth(t *testing.T) {
	h := Auth("secret", "/api/health")(ok)

	cases := []struct {
		name   string
		path   string
		header map[string]string
		want   int
	}{
		{"missing token", "/api/tca/cost", nil, http.StatusUnauthorized},
		{"wrong token", "/api/tca/cost", map[string]string{"X-API-Key": "nope"}, http.StatusUnauthorized},
		{"api key header", "/api/tca/cost", map[string]string{"X-API-Key": "secret"}, http.StatusOK},
		{"bearer", "/api/tca/cost", map[string]string{"Authorization": "Bearer secret"}, http.StatusOK},
		{"query param", "/ws?api_key=secret", nil, http.StatusOK},
		{"public path", "/api/health", nil, http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tc.path, nil)
			for k, v := range tc.header {
				req.Header.Set(k, v)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tc.want, rec.Code)
		})
	}
}

func TestAuth_DisabledWithoutKey(t *testing.T) {
	rec := httptest.NewRecorder()
	Auth("")(ok).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/tca/cost", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCORS(t *testing.T) {
	h := CORS([]string{"https://desk.example.com"})(ok)

	req := httptest.NewRequest(http.MethodOptions, "/api/tca/cost", nil)
	req.Header.Set("Origin", "https://desk.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://desk.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), "X-API-Key")
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), http.MethodPut)
	assert.Equal(t, "Origin", rec.Header().Get("Vary"))

	req = httptest.NewRequest(http.MethodGet, "/api/tca/cost", nil)
	req.Header.Set("Origin", "https://desk.example.com")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Retry-After", rec.Header().Get("Access-Control-Expose-Headers"))
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Methods"), "simple requests carry no preflight headers")

	req = httptest.NewRequest(http.MethodGet, "/api/tca/cost", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodOptions, "/api/tca/cost", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestCORS_PreflightSkipsAuth(t *testing.T) {
	h := CORS(nil)(Auth("secret", "/api/health")(ok))

	req := httptest.NewRequest(http.MethodOptions, "/ws?api_key=", nil)
	req.Header.Set("Origin", "https://desk.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/api/tca/cost", nil)
	req.Header.Set("Origin", "https://desk.example.com")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "https://desk.example.com", rec.Header().Get("Access-Control-Allow-Origin"), "401s stay readable by the browser")
}

type stubLimiter struct {
	allow bool
	err   error
	keys  []string
}

func (s *stubLimiter) Allow(_ context.Context, key string, _ int, _ time.Duration) (bool, error) {
	s.keys = append(s.keys, key)
	return s.allow, s.err
}

func (s *stubLimiter) Wait(context.Context, string) error { return nil }

func TestRateLimit(t *testing.T) {
	t.Run("rejects over limit", func(t *testing.T) {
		lim := &stubLimiter{allow: false}
		req := httptest.NewRequest(http.MethodGet, "/api/tca/cost", nil)
		req.Header.Set("X-Forwarded-For", "10.0.0.7, 172.16.0.1")
		rec := httptest.NewRecorder()
		RateLimit(lim, 10, time.Minute, discard())(ok).ServeHTTP(rec, req)

		assert.Equal(t, http.StatusTooManyRequests, rec.Code)
		assert.Equal(t, "60", rec.Header().Get("Retry-After"))
		require.Len(t, lim.keys, 1)
		assert.Equal(t, "tca:ratelimit:api:10.0.0.7", lim.keys[0])
	})

	t.Run("fails open", func(t *testing.T) {
		lim := &stubLimiter{err: errors.New("redis down")}
		rec := httptest.NewRecorder()
		RateLimit(lim, 10, time.Minute, discard())(ok).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

type recordingObserver struct {
	method string
	status int
}

func (o *recordingObserver) ObserveRequest(method string, status int, _ time.Duration) {
	o.method, o.status = method, status
}

func TestLogging_ObservesStatus(t *testing.T) {
	obs := &recordingObserver{}
	h := Logging(discard(), obs)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/x", nil))
	assert.Equal(t, http.MethodPost, obs.method)
	assert.Equal(t, http.StatusTeapot, obs.status)
}

func TestExtractClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.1:5555"
	assert.Equal(t, "192.0.2.1", extractClientIP(req))

	req.Header.Set("X-Real-IP", "198.51.100.2")
	assert.Equal(t, "198.51.100.2", extractClientIP(req))
}
