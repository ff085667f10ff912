package router

import (
	"context"
	"fmt"

	"github.com/aihub/chat-backend/app/controllers"
	"github.com/aihub/chat-backend/app/middleware"
	"github.com/aihub/chat-backend/internal/auth"
	"github.com/aihub/chat-backend/internal/config"
	"github.com/aihub/chat-backend/internal/logger"
	"github.com/aihub/chat-backend/internal/repository"
	"github.com/aihub/chat-backend/internal/services"
	"go.uber.org/dig"
	"go.uber.org/zap"
)

// Controllers 路由用到的全部控制器
type Controllers struct {
	Chat          *controllers.ChatController
	Knowledge     *controllers.KnowledgeController
	Models        *controllers.ModelController
	Providers     *controllers.ProviderController
	Conversations *controllers.ConversationController
	Metrics       *controllers.MetricsController
	Health        *controllers.HealthController
}

// Build 组装路由表，不做注册
func Build(c Controllers, security *middleware.SecurityMiddleware) *RouteGroup {
	root := NewRouteGroup("")
	root.GET("/health", c.Health, "Health")
	root.GET("/metrics", c.Metrics, "Metrics")

	api := root.Group("/api").Use(security.AuthRequired())

	api.POST("/chat/stream", c.Chat, "Stream", security.ChatRateLimit())
	api.POST("/chat/:uuid/cancel", c.Chat, "Cancel")

	api.GET("/conversations", c.Conversations, "List")
	api.GET("/conversations/:uuid/messages", c.Conversations, "Messages")
	api.DELETE("/conversations/:uuid", c.Conversations, "Delete")

	api.GET("/models", c.Models, "List")
	api.POST("/models/pull", c.Models, "Pull")
	api.GET("/models/pull/:task_id", c.Models, "PullStatus")
	api.DELETE("/models/:name", c.Models, "Delete")

	api.GET("/providers", c.Providers, "List")
	api.PUT("/providers/:type", c.Providers, "Update")

	// 具体路径先于 :id
	api.GET("/knowledge/search", c.Knowledge, "Search")
	api.GET("/knowledge/cache/stats", c.Knowledge, "CacheStats")
	api.GET("/knowledge", c.Knowledge, "List")
	api.POST("/knowledge", c.Knowledge, "Upload")
	api.GET("/knowledge/:id", c.Knowledge, "Get")
	api.DELETE("/knowledge/:id", c.Knowledge, "Delete")
	api.POST("/knowledge/:id/reprocess", c.Knowledge, "Reprocess")

	return root
}

// Init 从容器取出控制器与认证依赖并注册路由
func Init(container *dig.Container, health map[string]controllers.HealthCheck) error {
	factory := controllers.NewControllerFactory(container)

	var c Controllers
	var err error
	if c.Chat, err = factory.CreateChatController(); err != nil {
		return fmt.Errorf("chat controller: %w", err)
	}
	if c.Knowledge, err = factory.CreateKnowledgeController(); err != nil {
		return fmt.Errorf("knowledge controller: %w", err)
	}
	if c.Models, err = factory.CreateModelController(); err != nil {
		return fmt.Errorf("model controller: %w", err)
	}
	if c.Providers, err = factory.CreateProviderController(); err != nil {
		return fmt.Errorf("provider controller: %w", err)
	}
	if c.Conversations, err = factory.CreateConversationController(); err != nil {
		return fmt.Errorf("conversation controller: %w", err)
	}
	if c.Metrics, err = factory.CreateMetricsController(); err != nil {
		return fmt.Errorf("metrics controller: %w", err)
	}
	c.Health = &controllers.HealthController{Checks: health}

	var security *middleware.SecurityMiddleware
	err = container.Invoke(func(cfg *config.Config, jwt *auth.JWTService, users repository.UserRepository, ps *services.ProviderService) {
		onNewUser := func(ctx context.Context, userID uint) {
			if _, err := ps.EnsureDefaults(ctx, userID); err != nil {
				logger.Warn("failed to seed provider settings", zap.Uint("user_id", userID), zap.Error(err))
			}
		}
		limiter := middleware.NewRateLimiter(cfg.Server.ChatRateLimit, cfg.Server.ChatRateWindow)
		security = middleware.NewSecurityMiddleware(jwt, users, onNewUser, limiter)
		middleware.Install(cfg.Server.AllowedOrigins)
	})
	if err != nil {
		return fmt.Errorf("security middleware: %w", err)
	}

	root := Build(c, security)
	root.Register()
	logger.Info("routes registered", zap.Int("count", len(root.GetAllRoutes())))
	return nil
}
