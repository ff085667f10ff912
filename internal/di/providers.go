package di

import (
	"context"
	"fmt"

	"github.com/aihub/chat-backend/internal/analytics"
	"github.com/aihub/chat-backend/internal/auth"
	"github.com/aihub/chat-backend/internal/config"
	"github.com/aihub/chat-backend/internal/database"
	"github.com/aihub/chat-backend/internal/kafka"
	"github.com/aihub/chat-backend/internal/knowledge"
	"github.com/aihub/chat-backend/internal/logger"
	"github.com/aihub/chat-backend/internal/providers"
	"github.com/aihub/chat-backend/internal/repository"
	"github.com/aihub/chat-backend/internal/services"
	"github.com/aihub/chat-backend/internal/storage"
	"github.com/redis/go-redis/v9"
	"go.uber.org/dig"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// RegisterProviders 注册所有依赖提供者
func RegisterProviders(container *dig.Container, cfg *config.Config) error {
	constructors := []interface{}{
		func() *config.Config { return cfg },
		config.LoadProviderDefaults,

		// 基础设施
		database.InitDB,
		provideRedis,
		provideBlobStore,
		provideProducer,

		// 仓库
		repository.NewUserRepository,
		repository.NewConversationRepository,
		repository.NewMessageRepository,
		repository.NewKnowledgeRepository,
		repository.NewProviderSettingsRepository,
		repository.NewAnalyticsRepository,

		// 用量事件
		provideSink,
		func(s *analytics.Sink) providers.EventSink { return s },

		// 知识库
		provideEmbedder,
		provideVectorStore,
		provideLexicalIndex,
		knowledge.NewGateway,
		func(gw *knowledge.Gateway, rdb *redis.Client) *knowledge.Engine {
			return knowledge.NewEngine(gw, cfg.Retrieval, rdb)
		},
		func() *knowledge.Extractors { return knowledge.NewExtractors(cfg.Knowledge.JSONSplitThreshold) },
		func() knowledge.Chunker {
			return knowledge.NewChunker(cfg.Knowledge.ChunkingStrategy, cfg.Knowledge.ChunkSize, cfg.Knowledge.ChunkOverlap)
		},
		provideProcessor,

		// 提供商
		providers.DefaultRegistry,
		provideFactory,
		func() *providers.DownloadManager { return providers.NewDownloadManager(cfg.Providers.DownloadRetention) },

		// 认证
		func() (*auth.JWTService, error) { return auth.NewJWTService(cfg.JWT) },

		// 服务
		services.NewSessionRegistry,
		provideChatService,
		provideKnowledgeService,
		provideProviderService,
		provideModelService,
		services.NewConversationService,
		services.NewMetricsService,
	}

	for _, ctor := range constructors {
		if err := container.Provide(ctor); err != nil {
			return fmt.Errorf("register provider %T: %w", ctor, err)
		}
	}
	return nil
}

// provideRedis Redis 仅用作共享检索缓存，不可用时返回 nil
func provideRedis(cfg *config.Config) *redis.Client {
	if !cfg.Redis.Enabled {
		return nil
	}
	rdb, err := database.InitRedis(cfg.Redis)
	if err != nil {
		logger.Warn("Failed to initialize Redis", zap.Error(err))
		return nil
	}
	return rdb
}

func provideBlobStore(cfg *config.Config) (storage.BlobStore, error) {
	return storage.New(context.Background(), cfg.Storage)
}

// provideProducer Kafka 关闭或连接失败时返回 nil，事件改为直接写库
func provideProducer(cfg *config.Config) *kafka.Producer {
	if !cfg.Kafka.Enabled {
		return nil
	}
	producer, err := kafka.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.Topic)
	if err != nil {
		logger.Warn("Failed to initialize Kafka producer", zap.Error(err))
		return nil
	}
	return producer
}

func provideSink(cfg *config.Config, producer *kafka.Producer, repo repository.AnalyticsRepository) *analytics.Sink {
	var writer analytics.Writer = analytics.NewStoreWriter(repo)
	if producer != nil {
		writer = analytics.NewKafkaWriter(producer)
	}
	return analytics.NewSink(writer, cfg.Analytics.QueueSize)
}

func provideEmbedder(cfg *config.Config, defaults config.ProviderDefaults) *knowledge.CachedEmbedder {
	return knowledge.NewEmbedder(cfg.Embedding, defaults.OllamaHost)
}

func provideVectorStore(cfg *config.Config, db *gorm.DB) (knowledge.VectorStore, error) {
	switch cfg.Vector.Backend {
	case "milvus":
		return knowledge.NewMilvusVectorStore(context.Background(), cfg.Vector.Collection, cfg.Vector.Dimension, cfg.Vector.Milvus)
	default:
		return knowledge.NewPGVectorStore(db), nil
	}
}

// provideLexicalIndex 全文镜像可选，失败时只记录日志
func provideLexicalIndex(cfg *config.Config) knowledge.LexicalIndex {
	if !cfg.Elasticsearch.Enabled {
		return nil
	}
	index, err := knowledge.NewElasticsearchIndex(cfg.Elasticsearch)
	if err != nil {
		logger.Warn("Failed to initialize Elasticsearch", zap.Error(err))
		return nil
	}
	return index
}

func provideProcessor(cfg *config.Config, extractors *knowledge.Extractors, chunker knowledge.Chunker, gw *knowledge.Gateway,
	repo repository.KnowledgeRepository, engine *knowledge.Engine) *knowledge.Processor {
	return knowledge.NewProcessor(extractors, chunker, gw, repo, knowledge.ProcessorOptions{
		Workers:   cfg.Knowledge.Workers,
		QueueSize: cfg.Knowledge.QueueSize,
		OnChange:  engine.Invalidate,
	})
}

func provideFactory(cfg *config.Config, registry *providers.Registry, settings repository.ProviderSettingsRepository,
	defaults config.ProviderDefaults, sink providers.EventSink) *providers.Factory {
	return providers.NewFactory(registry, settings, defaults, providers.Deps{
		Sink:           sink,
		Timeout:        cfg.Providers.RequestTimeout,
		ModelsCacheTTL: cfg.Providers.ModelsCacheTTL,
		GoogleProject:  cfg.Providers.GoogleProject,
		GoogleLocation: cfg.Providers.GoogleLocation,
		Temperature:    cfg.Providers.Temperature,
		MaxTokens:      cfg.Providers.MaxTokens,
	})
}

// chatParams 对话服务的全部依赖
type chatParams struct {
	dig.In

	Conversations repository.ConversationRepository
	Messages      repository.MessageRepository
	Knowledge     repository.KnowledgeRepository
	Factory       *providers.Factory
	Engine        *knowledge.Engine
	Sessions      *services.SessionRegistry
}

func provideChatService(p chatParams) *services.ChatService {
	return services.NewChatService(services.ChatDeps{
		Conversations: p.Conversations,
		Messages:      p.Messages,
		Knowledge:     p.Knowledge,
		Resolver:      p.Factory,
		Retriever:     p.Engine,
		Tools:         services.NewKnowledgeTools(p.Engine),
		Sessions:      p.Sessions,
	})
}

func provideKnowledgeService(cfg *config.Config, repo repository.KnowledgeRepository, processor *knowledge.Processor,
	gw *knowledge.Gateway, engine *knowledge.Engine) *services.KnowledgeService {
	return services.NewKnowledgeService(repo, processor, gw, engine, cfg.Knowledge)
}

func provideProviderService(settings repository.ProviderSettingsRepository, factory *providers.Factory,
	defaults config.ProviderDefaults) *services.ProviderService {
	return services.NewProviderService(settings, factory, factory.Registry().Types(), defaults)
}

func provideModelService(factory *providers.Factory, settings repository.ProviderSettingsRepository,
	downloads *providers.DownloadManager, defaults config.ProviderDefaults) *services.ModelService {
	return services.NewModelService(factory, settings, downloads, factory.Registry().Types(), defaults)
}
