package knowledge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aihub/chat-backend/internal/logger"
	"github.com/aihub/chat-backend/internal/models"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

var (
	processedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "knowledge_processing_total",
			Help: "Knowledge documents processed by outcome",
		},
		[]string{"outcome"},
	)

	processDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "knowledge_processing_duration_seconds",
			Help:    "Time spent extracting, chunking and indexing a document",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		},
	)
)

// ErrQueueFull 处理队列已满
var ErrQueueFull = errors.New("knowledge processing queue is full")

// StatusStore 知识文档状态持久化
type StatusStore interface {
	MarkProcessing(ctx context.Context, id uuid.UUID) error
	MarkReady(ctx context.Context, id uuid.UUID, content string, chunkCount int, metadata map[string]interface{}) error
	MarkError(ctx context.Context, id uuid.UUID, message string) error
}

type task struct {
	knowledge models.Knowledge
	file      File
}

// ProcessorOptions 处理器参数
type ProcessorOptions struct {
	Workers   int
	QueueSize int
	// OnChange 分块写入或删除后调用，用于失效检索缓存
	OnChange func()
}

// Processor 后台文档处理：抽取、分块、写入向量库并更新状态
type Processor struct {
	extractors *Extractors
	chunker    Chunker
	gateway    *Gateway
	status     StatusStore
	onChange   func()
	workers    int
	log        *zap.Logger

	queue chan task
	wg    sync.WaitGroup

	mu     sync.Mutex
	active map[uuid.UUID]bool
	closed bool
}

func NewProcessor(extractors *Extractors, chunker Chunker, gateway *Gateway, status StatusStore, opts ProcessorOptions) *Processor {
	if opts.Workers <= 0 {
		opts.Workers = 2
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 100
	}
	if opts.OnChange == nil {
		opts.OnChange = func() {}
	}
	return &Processor{
		extractors: extractors,
		chunker:    chunker,
		gateway:    gateway,
		status:     status,
		onChange:   opts.OnChange,
		workers:    opts.Workers,
		log:        logger.Named("knowledge_processor"),
		queue:      make(chan task, opts.QueueSize),
		active:     make(map[uuid.UUID]bool),
	}
}

// errShutdown 进程退出时仍在队列中的文档
var errShutdown = errors.New("processing interrupted by shutdown, please reprocess")

// Start 启动 worker；ctx 结束后不再接收任务，队列中剩余的文档标记为 error
func (p *Processor) Start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for {
				select {
				case <-ctx.Done():
					p.abandonQueued(ctx)
					return
				case t, ok := <-p.queue:
					if !ok {
						return
					}
					p.run(ctx, t)
				}
			}
		}()
	}
	p.log.Info("knowledge processor started", zap.Int("workers", p.workers))
}

func (p *Processor) stopAccepting() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
}

func (p *Processor) abandonQueued(ctx context.Context) {
	p.stopAccepting()
	for t := range p.queue {
		p.abandon(ctx, t)
	}
}

func (p *Processor) abandon(ctx context.Context, t task) {
	p.log.Warn("queued document abandoned", zap.String("knowledge_id", t.knowledge.ID.String()))
	p.fail(ctx, t.knowledge.ID, errShutdown)
	p.mu.Lock()
	delete(p.active, t.knowledge.ID)
	p.mu.Unlock()
}

// Submit 提交处理任务；同一文档正在处理时忽略并返回 false
func (p *Processor) Submit(k *models.Knowledge, f File) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false, fmt.Errorf("knowledge processor is closed")
	}
	if p.active[k.ID] {
		p.log.Info("duplicate processing request ignored", zap.String("knowledge_id", k.ID.String()))
		return false, nil
	}
	select {
	case p.queue <- task{knowledge: *k, file: f}:
		p.active[k.ID] = true
		return true, nil
	default:
		return false, ErrQueueFull
	}
}

// Active 文档是否在队列中或正在处理
func (p *Processor) Active(id uuid.UUID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active[id]
}

func (p *Processor) run(ctx context.Context, t task) {
	if ctx.Err() != nil {
		p.abandon(ctx, t)
		return
	}
	defer func() {
		p.mu.Lock()
		delete(p.active, t.knowledge.ID)
		p.mu.Unlock()
	}()
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("knowledge processing panicked", zap.String("knowledge_id", t.knowledge.ID.String()), zap.Any("panic", r))
			p.fail(ctx, t.knowledge.ID, fmt.Errorf("processing panic: %v", r))
		}
	}()
	if _, err := p.Process(ctx, &t.knowledge, t.file); err != nil {
		p.log.Warn("knowledge processing failed", zap.String("knowledge_id", t.knowledge.ID.String()), zap.Error(err))
	}
}

func (p *Processor) fail(ctx context.Context, id uuid.UUID, err error) {
	processedTotal.WithLabelValues("error").Inc()
	if markErr := p.status.MarkError(context.WithoutCancel(ctx), id, err.Error()); markErr != nil {
		p.log.Error("failed to record processing error", zap.String("knowledge_id", id.String()), zap.Error(markErr))
	}
}

// Process 同步处理一个文档，返回写入的分块数；失败时文档标记为 error
func (p *Processor) Process(ctx context.Context, k *models.Knowledge, f File) (int, error) {
	start := time.Now()
	defer func() { processDuration.Observe(time.Since(start).Seconds()) }()

	if err := p.status.MarkProcessing(ctx, k.ID); err != nil {
		return 0, err
	}

	count, content, meta, err := p.index(ctx, k, f)
	if err != nil {
		p.fail(ctx, k.ID, err)
		return 0, err
	}
	if err := p.status.MarkReady(context.WithoutCancel(ctx), k.ID, content, count, meta); err != nil {
		return 0, err
	}
	processedTotal.WithLabelValues("ready").Inc()
	p.log.Info("knowledge processed",
		zap.String("knowledge_id", k.ID.String()),
		zap.Int("chunks", count),
		zap.Duration("elapsed", time.Since(start)))
	return count, nil
}

func (p *Processor) index(ctx context.Context, k *models.Knowledge, f File) (int, string, map[string]interface{}, error) {
	extracted, err := p.extractors.Extract(f)
	if err != nil {
		return 0, "", nil, err
	}
	if strings.TrimSpace(extracted.Text) == "" {
		return 0, "", nil, fmt.Errorf("no text could be extracted from %s", f.Name)
	}

	records := p.buildChunks(k, f.Name, extracted)

	// 先删后写，重新处理同一文档不会留下旧分块
	filter := Filter{UserID: userKey(k.UserID), KnowledgeID: k.ID.String()}
	if err := p.gateway.Delete(ctx, filter); err != nil {
		return 0, "", nil, fmt.Errorf("failed to remove previous chunks: %w", err)
	}
	if err := p.gateway.Upsert(ctx, records); err != nil {
		return 0, "", nil, err
	}
	p.onChange()

	meta := map[string]interface{}{}
	for key, v := range extracted.Metadata {
		meta[key] = v
	}
	meta["chunk_count"] = len(records)
	meta["source"] = f.Name
	return len(records), extracted.Text, meta, nil
}

func (p *Processor) buildChunks(k *models.Knowledge, name string, extracted *Extracted) []ChunkRecord {
	knowledgeID := k.ID.String()
	userID := userKey(k.UserID)

	var records []ChunkRecord
	for _, section := range extracted.Sections {
		for _, text := range p.chunker.Split(section.Text) {
			if strings.TrimSpace(text) == "" {
				continue
			}
			ordinal := len(records)
			meta := map[string]interface{}{
				"knowledge_id": knowledgeID,
				"user_id":      userID,
				"source":       name,
				"file_type":    extracted.FileType,
				"chunk_index":  ordinal,
			}
			for key, v := range section.Citation {
				meta[key] = v
			}
			meta["citation"] = FormatCitation(meta)
			records = append(records, ChunkRecord{
				ID:          ChunkID(knowledgeID, ordinal),
				KnowledgeID: knowledgeID,
				UserID:      userID,
				Ordinal:     ordinal,
				Text:        text,
				Metadata:    meta,
			})
		}
	}
	return records
}

// Close 停止接收任务并等待进行中的任务结束
func (p *Processor) Close(ctx context.Context) error {
	p.stopAccepting()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
