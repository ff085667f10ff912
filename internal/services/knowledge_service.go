package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aihub/chat-backend/internal/config"
	apperrors "github.com/aihub/chat-backend/internal/errors"
	"github.com/aihub/chat-backend/internal/knowledge"
	"github.com/aihub/chat-backend/internal/logger"
	"github.com/aihub/chat-backend/internal/models"
	"github.com/aihub/chat-backend/internal/repository"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DocumentQueue 后台处理队列
type DocumentQueue interface {
	Submit(k *models.Knowledge, f knowledge.File) (bool, error)
	Active(id uuid.UUID) bool
}

// ChunkRemover 删除向量与全文镜像中的分块
type ChunkRemover interface {
	Delete(ctx context.Context, filter knowledge.Filter) error
}

// Searcher 检索引擎
type Searcher interface {
	RelevantContext(ctx context.Context, query string, userID uint, k int) ([]knowledge.Result, error)
	CacheStats() map[string]knowledge.CacheStats
	Invalidate()
}

// KnowledgeService 知识文档的上传、重新处理、删除与检索
type KnowledgeService struct {
	repo     repository.KnowledgeRepository
	queue    DocumentQueue
	chunks   ChunkRemover
	search   Searcher
	maxBytes int64
	log      *zap.Logger
}

// NewKnowledgeService 创建知识服务实例
func NewKnowledgeService(repo repository.KnowledgeRepository, queue DocumentQueue, chunks ChunkRemover, search Searcher, cfg config.KnowledgeConfig) *KnowledgeService {
	maxBytes := cfg.MaxUploadBytes
	if maxBytes <= 0 {
		maxBytes = 20 << 20
	}
	return &KnowledgeService{
		repo:     repo,
		queue:    queue,
		chunks:   chunks,
		search:   search,
		maxBytes: maxBytes,
		log:      logger.Named("knowledge"),
	}
}

func (s *KnowledgeService) validateFile(f knowledge.File) error {
	if strings.TrimSpace(f.Name) == "" {
		return apperrors.NewInvalidInputError("file", "file name is required")
	}
	if len(f.Data) == 0 {
		return apperrors.NewInvalidInputError("file", "file is empty")
	}
	if int64(len(f.Data)) > s.maxBytes {
		return apperrors.NewFileTooLargeError(s.maxBytes)
	}
	if !knowledge.Supported(f.Name) {
		return apperrors.NewUnsupportedFileError(f.Name)
	}
	return nil
}

// Upload 创建文档记录并提交后台处理，立即返回 processing 状态的记录
func (s *KnowledgeService) Upload(ctx context.Context, userID uint, name string, f knowledge.File) (*models.Knowledge, error) {
	if err := s.validateFile(f); err != nil {
		return nil, err
	}
	if strings.TrimSpace(name) == "" {
		name = f.Name
	}

	id := uuid.New()
	fileType := knowledge.DetectType(f.Name, f.ContentType)
	size := int64(len(f.Data))
	k := &models.Knowledge{
		ID:         id,
		UserID:     userID,
		Name:       name,
		Identifier: fmt.Sprintf("%d-%s", userID, id),
		FileType:   &fileType,
		FileSize:   &size,
		Status:     models.KnowledgeProcessing,
	}
	if err := s.repo.Create(ctx, k); err != nil {
		return nil, err
	}

	if err := s.submit(ctx, k, f); err != nil {
		return nil, err
	}
	s.log.Info("knowledge uploaded",
		zap.String("knowledge_id", id.String()),
		zap.Uint("user_id", userID),
		zap.String("file_type", fileType),
		zap.Int64("size", size))
	return k, nil
}

func (s *KnowledgeService) submit(ctx context.Context, k *models.Knowledge, f knowledge.File) error {
	accepted, err := s.queue.Submit(k, f)
	if err != nil {
		msg := err.Error()
		if markErr := s.repo.MarkError(ctx, k.ID, msg); markErr != nil {
			s.log.Error("failed to mark knowledge error", zap.String("knowledge_id", k.ID.String()), zap.Error(markErr))
		}
		k.Status = models.KnowledgeError
		k.ErrorMessage = &msg
		if errors.Is(err, knowledge.ErrQueueFull) {
			return apperrors.NewServiceError(apperrors.ErrCodeInternalServer, "knowledge processing queue is full, retry later").WithCause(err)
		}
		return apperrors.NewServiceError(apperrors.ErrCodeInternalServer, "failed to schedule knowledge processing").WithCause(err)
	}
	if !accepted {
		s.log.Info("knowledge already processing", zap.String("knowledge_id", k.ID.String()))
	}
	return nil
}

// Reprocess 重新处理已有文档；未给出文件时用已抽取的正文重建分块
func (s *KnowledgeService) Reprocess(ctx context.Context, userID uint, id uuid.UUID, f *knowledge.File) (*models.Knowledge, error) {
	k, err := s.repo.GetForUser(ctx, id, userID)
	if err != nil {
		return nil, err
	}
	if s.queue.Active(id) {
		return k, nil
	}

	var file knowledge.File
	switch {
	case f != nil:
		if err := s.validateFile(*f); err != nil {
			return nil, err
		}
		file = *f
	case strings.TrimSpace(k.Content) != "":
		file = knowledge.File{Name: k.Name + ".txt", ContentType: "text/plain", Data: []byte(k.Content)}
	default:
		return nil, apperrors.NewInvalidInputError("file", "a file is required to reprocess this document")
	}

	if err := s.submit(ctx, k, file); err != nil {
		return nil, err
	}
	k.Status = models.KnowledgeProcessing
	k.ErrorMessage = nil
	return k, nil
}

func (s *KnowledgeService) Get(ctx context.Context, userID uint, id uuid.UUID) (*models.Knowledge, error) {
	return s.repo.GetForUser(ctx, id, userID)
}

func (s *KnowledgeService) List(ctx context.Context, userID uint) ([]models.Knowledge, error) {
	return s.repo.ListForUser(ctx, userID)
}

// Delete 先删分块再删记录，分块删除失败时保留记录以便重试
func (s *KnowledgeService) Delete(ctx context.Context, userID uint, id uuid.UUID) error {
	if _, err := s.repo.GetForUser(ctx, id, userID); err != nil {
		return err
	}
	if err := s.chunks.Delete(ctx, knowledge.ScopedFilter(userID, id.String())); err != nil {
		return apperrors.NewServiceError(apperrors.ErrCodeVectorStoreError, "failed to delete knowledge chunks").WithCause(err)
	}
	if err := s.repo.Delete(ctx, id, userID); err != nil {
		return err
	}
	s.search.Invalidate()
	s.log.Info("knowledge deleted", zap.String("knowledge_id", id.String()), zap.Uint("user_id", userID))
	return nil
}

func (s *KnowledgeService) Search(ctx context.Context, userID uint, query string, k int) ([]knowledge.Result, error) {
	results, err := s.search.RelevantContext(ctx, query, userID, k)
	if err != nil {
		return nil, apperrors.NewServiceError(apperrors.ErrCodeVectorStoreError, "knowledge search failed").WithCause(err)
	}
	return results, nil
}

func (s *KnowledgeService) CacheStats() map[string]knowledge.CacheStats {
	return s.search.CacheStats()
}
