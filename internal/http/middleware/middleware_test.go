package middleware

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/irisanalysis/datalab-gateway/internal/ratelimit"
)

func makeReq(target string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	req.RemoteAddr = (&net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 12345}).String()
	return req
}

type apiError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

type errEnvelope struct {
	Error apiError `json:"error"`
}

func TestChain_Order(t *testing.T) {
	t.Parallel()

	order := []string{}

	mw := func(name string) Middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}

	h := Chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		order = append(order, "handler")
	}), mw("first"), mw("second"))

	h.ServeHTTP(httptest.NewRecorder(), makeReq("/x"))
	require.Equal(t, []string{"first", "second", "handler"}, order)
}

func TestRequestID_GeneratesWhenMissing(t *testing.T) {
	t.Parallel()

	var inHandler string
	h := Chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		inHandler = r.Header.Get("X-Request-Id")
	}), RequestID())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, makeReq("/x"))

	require.Len(t, inHandler, 32)
	require.Equal(t, inHandler, rec.Header().Get("X-Request-Id"))
}

func TestRequestID_PreservesIncoming(t *testing.T) {
	t.Parallel()

	h := Chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}), RequestID())

	req := makeReq("/x")
	req.Header.Set("X-Request-Id", "client-id")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, "client-id", rec.Header().Get("X-Request-Id"))
}

func TestRecover_WritesInternal(t *testing.T) {
	t.Parallel()

	h := Chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom: secret detail")
	}), Recover())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, makeReq("/x"))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.NotContains(t, rec.Body.String(), "secret detail")

	var env errEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	require.Equal(t, "internal", env.Error.Code)
}

func TestTimeout_SetsDeadline(t *testing.T) {
	t.Parallel()

	h := Chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, ok := r.Context().Deadline()
		require.True(t, ok)
	}), Timeout(time.Second))

	h.ServeHTTP(httptest.NewRecorder(), makeReq("/x"))
}

// fakeValidator — подмена service.Service для тестов гейта.
type fakeValidator struct {
	userID uuid.UUID
	email  string
	err    error
}

func (f fakeValidator) ValidateAccessToken(string) (uuid.UUID, string, error) {
	return f.userID, f.email, f.err
}

func TestAuthn_SkipPaths(t *testing.T) {
	t.Parallel()

	v := fakeValidator{err: errors.New("must not be called")}
	called := false
	h := Chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		_, ok := IdentityFrom(r.Context())
		require.False(t, ok)
	}), Authn(v))

	for _, path := range []string{
		"/auth/register", "/auth/login", "/auth/refresh", "/auth/logout",
		"/healthz", "/livez", "/metrics",
	} {
		called = false
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, makeReq(path))
		require.True(t, called, "path %s should skip the gate", path)
		require.Equal(t, http.StatusOK, rec.Code)
	}
}

func TestAuthn_OptionsPreflightSkips(t *testing.T) {
	t.Parallel()

	v := fakeValidator{err: errors.New("must not be called")}
	h := Chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}), Authn(v))

	req := httptest.NewRequest(http.MethodOptions, "/services/reports/v1", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthn_BearerToken(t *testing.T) {
	t.Parallel()

	userID := uuid.New()
	v := fakeValidator{userID: userID, email: "user@example.com"}

	var got Identity
	h := Chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := IdentityFrom(r.Context())
		require.True(t, ok)
		got = id
	}), Authn(v))

	req := makeReq("/me")
	req.Header.Set("Authorization", "Bearer some-token")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, userID, got.UserID)
	require.Equal(t, "user@example.com", got.Email)
}

func TestAuthn_CookieToken(t *testing.T) {
	t.Parallel()

	v := fakeValidator{userID: uuid.New(), email: "user@example.com"}
	h := Chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}), Authn(v))

	req := makeReq("/me")
	req.AddCookie(&http.Cookie{Name: AccessCookieName, Value: "cookie-token"})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthn_ForeignSchemeFallsBackToCookie(t *testing.T) {
	t.Parallel()

	v := fakeValidator{userID: uuid.New(), email: "user@example.com"}
	h := Chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}), Authn(v))

	// Посторонняя схема авторизации не должна блокировать валидную cookie.
	req := makeReq("/me")
	req.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	req.AddCookie(&http.Cookie{Name: AccessCookieName, Value: "cookie-token"})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthn_FailuresAreGeneric401(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		setup func(*http.Request)
		v     TokenValidator
	}{
		{"missing token", func(*http.Request) {}, fakeValidator{}},
		{
			"malformed scheme",
			func(r *http.Request) { r.Header.Set("Authorization", "Basic abc") },
			fakeValidator{},
		},
		{
			"invalid token",
			func(r *http.Request) { r.Header.Set("Authorization", "Bearer bad") },
			fakeValidator{err: errors.New("signature mismatch")},
		},
	}

	var bodies []string
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			h := Chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				t.Fatal("handler must not be reached")
			}), Authn(tt.v))

			req := makeReq("/me")
			tt.setup(req)
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			require.Equal(t, http.StatusUnauthorized, rec.Code)
			bodies = append(bodies, rec.Body.String())
		})
	}

	// Тело 401 одинаково для всех причин отказа.
	for i := 1; i < len(bodies); i++ {
		require.Equal(t, bodies[0], bodies[i])
	}
}

func TestRateLimit_HeadersAnd429(t *testing.T) {
	t.Parallel()

	l := ratelimit.New("mw-test", 2, time.Minute)
	h := Chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}), RateLimit(l, "auth"))

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, makeReq("/auth/login"))
		require.Equal(t, http.StatusOK, rec.Code)
		require.Equal(t, "2", rec.Header().Get("X-RateLimit-Limit"))
		require.NotEmpty(t, rec.Header().Get("X-RateLimit-Remaining"))
		require.NotEmpty(t, rec.Header().Get("X-RateLimit-Reset"))
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, makeReq("/auth/login"))
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
	require.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestRateLimit_SeparateIPsSeparateBudgets(t *testing.T) {
	t.Parallel()

	l := ratelimit.New("mw-ip-test", 1, time.Minute)
	h := Chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}), RateLimit(l, "auth"))

	first := makeReq("/auth/login")
	first.Header.Set("X-Forwarded-For", "1.1.1.1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, first)
	require.Equal(t, http.StatusOK, rec.Code)

	second := makeReq("/auth/login")
	second.Header.Set("X-Forwarded-For", "2.2.2.2")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, second)
	require.Equal(t, http.StatusOK, rec.Code)

	third := makeReq("/auth/login")
	third.Header.Set("X-Forwarded-For", "1.1.1.1")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, third)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestClientIP(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		prep func(*http.Request)
		want string
	}{
		{
			"xff first entry",
			func(r *http.Request) { r.Header.Set("X-Forwarded-For", "10.0.0.1, 10.0.0.2") },
			"10.0.0.1",
		},
		{
			"x-real-ip fallback",
			func(r *http.Request) { r.Header.Set("X-Real-IP", "10.0.0.3") },
			"10.0.0.3",
		},
		{
			"remote addr fallback",
			func(*http.Request) {},
			"127.0.0.1",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			req := makeReq("/x")
			tt.prep(req)
			require.Equal(t, tt.want, ClientIP(req))
		})
	}
}
