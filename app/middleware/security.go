package middleware

import (
	"context"
	"sync"
	"time"

	"github.com/aihub/chat-backend/internal/auth"
	apperrors "github.com/aihub/chat-backend/internal/errors"
	"github.com/aihub/chat-backend/internal/logger"
	"github.com/beego/beego/v2/server/web"
	beecontext "github.com/beego/beego/v2/server/web/context"
	"go.uber.org/zap"
)

// UserIDKey 认证后的用户 id 在请求数据中的键
const UserIDKey = "user_id"

// TokenValidator 令牌校验
type TokenValidator interface {
	ValidateToken(token string) (*auth.Claims, error)
}

// UserProvisioner 认证主体首次出现时建档
type UserProvisioner interface {
	EnsureUser(ctx context.Context, id uint, username string) (bool, error)
}

// SecurityMiddleware 认证与限流
type SecurityMiddleware struct {
	tokens      TokenValidator
	users       UserProvisioner
	onNewUser   func(ctx context.Context, userID uint)
	rateLimiter *RateLimiter
	log         *zap.Logger
}

// NewSecurityMiddleware onNewUser 在新用户建档后调用，用于写入默认提供商配置
func NewSecurityMiddleware(tokens TokenValidator, users UserProvisioner, onNewUser func(ctx context.Context, userID uint), limiter *RateLimiter) *SecurityMiddleware {
	return &SecurityMiddleware{
		tokens:      tokens,
		users:       users,
		onNewUser:   onNewUser,
		rateLimiter: limiter,
		log:         logger.Named("security"),
	}
}

// AuthRequired 校验 Bearer 令牌并把 user_id 写入请求数据
func (sm *SecurityMiddleware) AuthRequired() web.FilterFunc {
	return func(ctx *beecontext.Context) {
		if ctx.Input.Method() == "OPTIONS" {
			return
		}
		userID, err := sm.authenticate(ctx)
		if err != nil {
			sm.log.Debug("authentication failed", zap.String("path", ctx.Input.URL()), zap.Error(err))
			apperrors.Handle(ctx.ResponseWriter, ctx.Request, err)
			return
		}
		ctx.Input.SetData(UserIDKey, userID)
	}
}

func (sm *SecurityMiddleware) authenticate(ctx *beecontext.Context) (uint, error) {
	token, err := auth.ExtractTokenFromHeader(ctx.Input.Header("Authorization"))
	if err != nil {
		return 0, apperrors.NewUnauthorizedError(err.Error())
	}
	claims, err := sm.tokens.ValidateToken(token)
	if err != nil {
		return 0, apperrors.NewUnauthorizedError("invalid token").WithCause(err)
	}

	if sm.users != nil {
		reqCtx := ctx.Request.Context()
		created, err := sm.users.EnsureUser(reqCtx, claims.UserID, claims.Username)
		if err != nil {
			return 0, err
		}
		if created {
			sm.log.Info("user provisioned", zap.Uint("user_id", claims.UserID))
			if sm.onNewUser != nil {
				sm.onNewUser(reqCtx, claims.UserID)
			}
		}
	}
	return claims.UserID, nil
}

// ChatRateLimit 按用户限制流式对话请求，未配置限流器时放行
func (sm *SecurityMiddleware) ChatRateLimit() web.FilterFunc {
	return func(ctx *beecontext.Context) {
		if sm.rateLimiter == nil {
			return
		}
		userID, _ := ctx.Input.GetData(UserIDKey).(uint)
		if sm.rateLimiter.Allow(userID) {
			return
		}
		apperrors.Handle(ctx.ResponseWriter, ctx.Request, apperrors.NewRateLimitError("too many chat requests, slow down"))
	}
}

// SecurityHeaders 基础安全响应头
func SecurityHeaders(ctx *beecontext.Context) {
	ctx.Output.Header("X-Content-Type-Options", "nosniff")
	ctx.Output.Header("X-Frame-Options", "DENY")
	ctx.Output.Header("Referrer-Policy", "no-referrer")
}

// RateLimiter 固定窗口计数限流
type RateLimiter struct {
	requests int
	window   time.Duration
	now      func() time.Time

	mu      sync.Mutex
	clients map[uint][]time.Time
}

// NewRateLimiter requests<=0 时返回 nil，表示不限流
func NewRateLimiter(requests int, window time.Duration) *RateLimiter {
	if requests <= 0 {
		return nil
	}
	if window <= 0 {
		window = time.Minute
	}
	return &RateLimiter{
		requests: requests,
		window:   window,
		now:      time.Now,
		clients:  make(map[uint][]time.Time),
	}
}

func (rl *RateLimiter) Allow(userID uint) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	cutoff := now.Add(-rl.window)
	recent := rl.clients[userID][:0]
	for _, t := range rl.clients[userID] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}
	if len(recent) >= rl.requests {
		rl.clients[userID] = recent
		return false
	}
	rl.clients[userID] = append(recent, now)
	return true
}
