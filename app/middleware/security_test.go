package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/aihub/chat-backend/internal/auth"
	beecontext "github.com/beego/beego/v2/server/web/context"
	"github.com/stretchr/testify/assert"
)

func TestRateLimiter(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(2, time.Minute)
	rl.now = func() time.Time { return now }

	assert.True(t, rl.Allow(1))
	assert.True(t, rl.Allow(1))
	assert.False(t, rl.Allow(1))
	assert.True(t, rl.Allow(2), "limits are per user")

	now = now.Add(61 * time.Second)
	assert.True(t, rl.Allow(1))
}

func TestNewRateLimiter_Disabled(t *testing.T) {
	assert.Nil(t, NewRateLimiter(0, time.Minute))
}

type stubTokens struct {
	claims *auth.Claims
	err    error
}

func (s stubTokens) ValidateToken(string) (*auth.Claims, error) {
	return s.claims, s.err
}

type stubUsers struct {
	created bool
	err     error
	calls   []uint
}

func (s *stubUsers) EnsureUser(_ context.Context, id uint, _ string) (bool, error) {
	s.calls = append(s.calls, id)
	return s.created, s.err
}

func newContext(req *http.Request) (*beecontext.Context, *httptest.ResponseRecorder) {
	rec := httptest.NewRecorder()
	ctx := beecontext.NewContext()
	ctx.Reset(rec, req)
	return ctx, rec
}

func TestAuthRequired(t *testing.T) {
	claims := &auth.Claims{UserID: 7, Username: "ada"}

	t.Run("missing header", func(t *testing.T) {
		sm := NewSecurityMiddleware(stubTokens{claims: claims}, nil, nil, nil)
		ctx, rec := newContext(httptest.NewRequest(http.MethodGet, "/api/models", nil))

		sm.AuthRequired()(ctx)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Nil(t, ctx.Input.GetData(UserIDKey))
	})

	t.Run("invalid token", func(t *testing.T) {
		sm := NewSecurityMiddleware(stubTokens{err: errors.New("bad signature")}, nil, nil, nil)
		req := httptest.NewRequest(http.MethodGet, "/api/models", nil)
		req.Header.Set("Authorization", "Bearer nope")
		ctx, rec := newContext(req)

		sm.AuthRequired()(ctx)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Contains(t, rec.Body.String(), "UNAUTHORIZED")
	})

	t.Run("new user is provisioned", func(t *testing.T) {
		users := &stubUsers{created: true}
		var provisioned []uint
		sm := NewSecurityMiddleware(stubTokens{claims: claims}, users, func(_ context.Context, id uint) {
			provisioned = append(provisioned, id)
		}, nil)
		req := httptest.NewRequest(http.MethodGet, "/api/models", nil)
		req.Header.Set("Authorization", "Bearer good")
		ctx, _ := newContext(req)

		sm.AuthRequired()(ctx)

		assert.Equal(t, uint(7), ctx.Input.GetData(UserIDKey))
		assert.Equal(t, []uint{7}, users.calls)
		assert.Equal(t, []uint{7}, provisioned)
	})

	t.Run("existing user skips hook", func(t *testing.T) {
		users := &stubUsers{}
		called := false
		sm := NewSecurityMiddleware(stubTokens{claims: claims}, users, func(context.Context, uint) { called = true }, nil)
		req := httptest.NewRequest(http.MethodGet, "/api/models", nil)
		req.Header.Set("Authorization", "Bearer good")
		ctx, _ := newContext(req)

		sm.AuthRequired()(ctx)

		assert.Equal(t, uint(7), ctx.Input.GetData(UserIDKey))
		assert.False(t, called)
	})
}

func TestChatRateLimitFilter(t *testing.T) {
	sm := NewSecurityMiddleware(stubTokens{}, nil, nil, NewRateLimiter(1, time.Minute))

	ctx, rec := newContext(httptest.NewRequest(http.MethodPost, "/api/chat/stream", nil))
	ctx.Input.SetData(UserIDKey, uint(3))
	sm.ChatRateLimit()(ctx)
	assert.Equal(t, http.StatusOK, rec.Code)

	ctx, rec = newContext(httptest.NewRequest(http.MethodPost, "/api/chat/stream", nil))
	ctx.Input.SetData(UserIDKey, uint(3))
	sm.ChatRateLimit()(ctx)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestCORS(t *testing.T) {
	filter := CORS([]string{"http://localhost:5173"})

	req := httptest.NewRequest(http.MethodOptions, "/api/chat/stream", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	ctx, rec := newContext(req)
	filter(ctx)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "http://localhost:5173", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/api/models", nil)
	req.Header.Set("Origin", "http://evil.example")
	ctx, rec = newContext(req)
	filter(ctx)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}
