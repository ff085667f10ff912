package bootstrap

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/aihub/chat-backend/app/controllers"
	"github.com/aihub/chat-backend/app/router"
	"github.com/aihub/chat-backend/internal/analytics"
	"github.com/aihub/chat-backend/internal/config"
	"github.com/aihub/chat-backend/internal/database"
	"github.com/aihub/chat-backend/internal/di"
	apperrors "github.com/aihub/chat-backend/internal/errors"
	"github.com/aihub/chat-backend/internal/kafka"
	"github.com/aihub/chat-backend/internal/knowledge"
	"github.com/aihub/chat-backend/internal/logger"
	"github.com/aihub/chat-backend/internal/providers"
	"github.com/aihub/chat-backend/internal/repository"
	"github.com/beego/beego/v2/server/web"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"go.uber.org/dig"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const shutdownTimeout = 30 * time.Second

// App encapsulates lifecycle resources that need to be cleaned up on shutdown.
type App struct {
	Config    *config.Config
	Container *dig.Container

	ctx          context.Context
	cancel       context.CancelFunc
	cleanupTasks []func(ctx context.Context) error
}

func (a *App) onShutdown(task func(ctx context.Context) error) {
	a.cleanupTasks = append(a.cleanupTasks, task)
}

// Init bootstraps configuration, logger, database connections and other shared
// infrastructure components required by the Beego application.
func Init() (*App, error) {
	// Load environment variables from .env if present (non-fatal if missing).
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found")
	}

	if err := logger.InitLogger(); err != nil {
		return nil, err
	}
	if err := config.LoadConfig(); err != nil {
		return nil, err
	}
	cfg := config.GetAppConfig()

	ctx, cancel := context.WithCancel(context.Background())
	app := &App{
		Config:    cfg,
		Container: di.InitContainer(),
		ctx:       ctx,
		cancel:    cancel,
	}

	if err := di.RegisterProviders(app.Container, cfg); err != nil {
		cancel()
		return nil, err
	}

	health, err := app.startInfrastructure()
	if err != nil {
		app.Shutdown()
		return nil, err
	}
	if err := app.startWorkers(); err != nil {
		app.Shutdown()
		return nil, err
	}

	web.BConfig.CopyRequestBody = true
	web.BConfig.MaxMemory = cfg.Server.MaxMemoryBytes
	web.BConfig.RunMode = runMode(cfg.Server.Env)
	if err := router.Init(app.Container, health); err != nil {
		app.Shutdown()
		return nil, err
	}

	logger.SetLevel(cfg.Log.Level)
	if err := config.Watch(func(oldCfg, newCfg *config.Config) {
		logger.SetLevel(newCfg.Log.Level)
		logger.Info("configuration reloaded",
			zap.String("log_level", newCfg.Log.Level),
			zap.Bool("hybrid_search", newCfg.Retrieval.Hybrid))
		if oldCfg.Server.Port != newCfg.Server.Port || oldCfg.Database.URL != newCfg.Database.URL {
			logger.Warn("server and database settings take effect after restart")
		}
	}); err != nil {
		logger.Warn("Failed to watch config file", zap.Error(err))
	}

	return app, nil
}

func runMode(env string) string {
	if env == "production" {
		return web.PROD
	}
	return web.DEV
}

// startInfrastructure 连接数据库与缓存，返回健康检查项
func (a *App) startInfrastructure() (map[string]controllers.HealthCheck, error) {
	checks := make(map[string]controllers.HealthCheck)
	legacy := logrus.New()
	legacy.SetFormatter(&logrus.JSONFormatter{})
	legacy.SetOutput(os.Stdout)

	err := a.Container.Invoke(func(db *gorm.DB, rdb *redis.Client) error {
		sqlDB, err := db.DB()
		if err != nil {
			return fmt.Errorf("failed to get sql.DB: %w", err)
		}
		a.onShutdown(func(context.Context) error { return database.CloseDB() })

		if err := database.RegisterQueryMetrics(db); err != nil {
			logger.Warn("Failed to register query metrics", zap.Error(err))
		}
		database.NewMetricsCollector(sqlDB, legacy).Start(a.ctx)

		dbHealth := a.healthChecker("postgres", database.SQLPing(sqlDB), legacy)
		go dbHealth.Start(a.ctx)
		a.onShutdown(func(context.Context) error { dbHealth.Stop(); return nil })
		checks["database"] = dbHealth.Check

		if rdb != nil {
			redisHealth := a.healthChecker("redis", database.RedisPing(rdb), legacy)
			go redisHealth.Start(a.ctx)
			a.onShutdown(func(context.Context) error { redisHealth.Stop(); return database.CloseRedis() })
			checks["redis"] = redisHealth.Check
		}
		return nil
	})
	return checks, err
}

func (a *App) healthChecker(name string, ping database.PingFunc, log *logrus.Logger) *database.HealthChecker {
	hc := database.NewHealthChecker(name, ping, log)
	hc.SetCheckInterval(a.Config.Health.Interval)
	hc.SetRetryConfig(a.Config.Health.RetryDelay, a.Config.Health.MaxRetries)
	return hc
}

// startWorkers 启动文档处理、用量事件与 Kafka 消费
func (a *App) startWorkers() error {
	return a.Container.Invoke(func(
		processor *knowledge.Processor,
		sink *analytics.Sink,
		producer *kafka.Producer,
		downloads *providers.DownloadManager,
		events repository.AnalyticsRepository,
	) error {
		processor.Start(a.ctx)
		a.onShutdown(processor.Close)

		sink.Start()
		a.onShutdown(sink.Close)
		a.onShutdown(func(context.Context) error { downloads.Close(); return nil })

		if producer == nil {
			return nil
		}
		a.onShutdown(func(context.Context) error { return producer.Close() })

		kc := a.Config.Kafka
		consumer, err := kafka.NewConsumer(kc.Brokers, kc.GroupID, []string{kc.Topic})
		if err != nil {
			logger.Warn("Failed to initialize Kafka consumer", zap.Error(err))
			return nil
		}
		consumer.RegisterHandler(kc.Topic, analytics.NewRecorder(events).Handle)
		consumer.Start()
		a.onShutdown(func(context.Context) error { return consumer.Close() })
		return nil
	})
}

// Run 启动 HTTP 服务，阻塞直到退出
func (a *App) Run() {
	addr := fmt.Sprintf(":%d", a.Config.Server.Port)
	logger.Info("server starting", zap.String("addr", addr), zap.String("env", a.Config.Server.Env))
	web.RunWithMiddleWares(addr, apperrors.RecoverMiddleware)
}

// Shutdown flushes/logs and closes resources gracefully.
func (a *App) Shutdown() {
	a.cancel()
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Execute cleanup tasks in reverse order (best effort).
	for i := len(a.cleanupTasks) - 1; i >= 0; i-- {
		if err := a.cleanupTasks[i](ctx); err != nil {
			logger.Warn("cleanup error", zap.Error(err))
		}
	}

	logger.Sync()
}
