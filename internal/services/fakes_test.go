package services

import (
	"context"
	"sync"
	"time"

	apperrors "github.com/aihub/chat-backend/internal/errors"
	"github.com/aihub/chat-backend/internal/models"
	"github.com/aihub/chat-backend/internal/providers"
	"github.com/aihub/chat-backend/internal/repository"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type memConversations struct {
	mu      sync.Mutex
	convs   map[uuid.UUID]*models.Conversation
	touched map[uuid.UUID]int
}

func newMemConversations() *memConversations {
	return &memConversations{convs: map[uuid.UUID]*models.Conversation{}, touched: map[uuid.UUID]int{}}
}

func (m *memConversations) GetDB() *gorm.DB { return nil }

func (m *memConversations) Create(_ context.Context, conv *models.Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if conv.UUID == uuid.Nil {
		conv.UUID = uuid.New()
	}
	cp := *conv
	m.convs[conv.UUID] = &cp
	return nil
}

func (m *memConversations) GetForUser(_ context.Context, id uuid.UUID, userID uint) (*models.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.convs[id]
	if !ok || c.UserID != userID || c.DeletedAt.Valid {
		return nil, apperrors.NewNotFoundError("conversation")
	}
	cp := *c
	return &cp, nil
}

func (m *memConversations) ListForUser(_ context.Context, userID uint, includeHidden bool) ([]models.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Conversation
	for _, c := range m.convs {
		if c.UserID == userID && !c.DeletedAt.Valid && (includeHidden || !c.IsHidden) {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (m *memConversations) Touch(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	m.touched[id]++
	m.mu.Unlock()
	return nil
}

func (m *memConversations) SoftDelete(_ context.Context, id uuid.UUID, userID uint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.convs[id]
	if !ok || c.UserID != userID {
		return apperrors.NewNotFoundError("conversation")
	}
	c.DeletedAt = gorm.DeletedAt{Time: time.Now(), Valid: true}
	return nil
}

func (m *memConversations) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.convs)
}

type memMessages struct {
	mu     sync.Mutex
	msgs   []models.Message
	errs   map[uuid.UUID]models.MessageError
	blobs  map[string][]byte
	failOn models.Role
}

func newMemMessages() *memMessages {
	return &memMessages{errs: map[uuid.UUID]models.MessageError{}, blobs: map[string][]byte{}}
}

func (m *memMessages) GetDB() *gorm.DB { return nil }

func (m *memMessages) Create(_ context.Context, msg *models.Message, images []repository.NewImage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failOn != "" && msg.Role == m.failOn {
		return apperrors.NewServiceError(apperrors.ErrCodeDatabaseError, "insert failed")
	}
	msg.ID = uuid.New()
	msg.CreatedAt = time.Now()
	for i, img := range images {
		key := uuid.NewString()
		m.blobs[key] = img.Data
		msg.Images = append(msg.Images, models.MessageImage{ID: uuid.New(), MessageID: msg.ID, Order: i, Path: key, ContentType: img.ContentType})
	}
	msg.HasImages = len(msg.Images) > 0
	m.msgs = append(m.msgs, *msg)
	return nil
}

func (m *memMessages) CreateError(_ context.Context, msg *models.Message, msgErr models.MessageError) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	finish := models.FinishError
	msg.ID = uuid.New()
	msg.IsError = true
	msg.FinishReason = &finish
	msgErr.MessageID = msg.ID
	msg.Error = &msgErr
	m.errs[msg.ID] = msgErr
	m.msgs = append(m.msgs, *msg)
	return nil
}

func (m *memMessages) GetByID(_ context.Context, id uuid.UUID) (*models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.msgs {
		if m.msgs[i].ID == id {
			cp := m.msgs[i]
			return &cp, nil
		}
	}
	return nil, apperrors.NewNotFoundError("message")
}

func (m *memMessages) ListForConversation(_ context.Context, conversationUUID uuid.UUID) ([]models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Message
	for _, msg := range m.msgs {
		if msg.ConversationUUID == conversationUUID {
			out = append(out, msg)
		}
	}
	return out, nil
}

func (m *memMessages) AttachCitations(_ context.Context, id uuid.UUID, citations []models.Citation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.msgs {
		if m.msgs[i].ID == id {
			m.msgs[i].Citations = citations
			m.msgs[i].HasCitations = len(citations) > 0
			return nil
		}
	}
	return apperrors.NewNotFoundError("message")
}

func (m *memMessages) ImageData(_ context.Context, img models.MessageImage) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.blobs[img.Path]
	if !ok {
		return nil, apperrors.NewNotFoundError("image")
	}
	return data, nil
}

// assistant 最后一条 assistant 消息
func (m *memMessages) assistant() *models.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.msgs) - 1; i >= 0; i-- {
		if m.msgs[i].Role == models.RoleAssistant {
			cp := m.msgs[i]
			return &cp
		}
	}
	return nil
}

func (m *memMessages) countRole(role models.Role) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, msg := range m.msgs {
		if msg.Role == role {
			n++
		}
	}
	return n
}

type memKnowledge struct {
	mu    sync.Mutex
	items map[uuid.UUID]*models.Knowledge
}

func newMemKnowledge() *memKnowledge {
	return &memKnowledge{items: map[uuid.UUID]*models.Knowledge{}}
}

func (m *memKnowledge) GetDB() *gorm.DB { return nil }

func (m *memKnowledge) Create(_ context.Context, k *models.Knowledge) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if k.ID == uuid.Nil {
		k.ID = uuid.New()
	}
	cp := *k
	m.items[k.ID] = &cp
	return nil
}

func (m *memKnowledge) GetByID(_ context.Context, id uuid.UUID) (*models.Knowledge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.items[id]
	if !ok {
		return nil, apperrors.NewNotFoundError("knowledge")
	}
	cp := *k
	return &cp, nil
}

func (m *memKnowledge) GetForUser(ctx context.Context, id uuid.UUID, userID uint) (*models.Knowledge, error) {
	k, err := m.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if k.UserID != userID {
		return nil, apperrors.NewNotFoundError("knowledge")
	}
	return k, nil
}

func (m *memKnowledge) ListForUser(_ context.Context, userID uint) ([]models.Knowledge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Knowledge
	for _, k := range m.items {
		if k.UserID == userID {
			out = append(out, *k)
		}
	}
	return out, nil
}

func (m *memKnowledge) update(id uuid.UUID, fn func(*models.Knowledge)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.items[id]
	if !ok {
		return apperrors.NewNotFoundError("knowledge")
	}
	fn(k)
	return nil
}

func (m *memKnowledge) MarkProcessing(_ context.Context, id uuid.UUID) error {
	return m.update(id, func(k *models.Knowledge) {
		k.Status = models.KnowledgeProcessing
		k.ErrorMessage = nil
	})
}

func (m *memKnowledge) MarkReady(_ context.Context, id uuid.UUID, content string, chunkCount int, metadata map[string]interface{}) error {
	return m.update(id, func(k *models.Knowledge) {
		k.Status = models.KnowledgeReady
		k.Content = content
		k.ChunkCount = chunkCount
		k.Metadata = metadata
	})
}

func (m *memKnowledge) MarkError(_ context.Context, id uuid.UUID, message string) error {
	return m.update(id, func(k *models.Knowledge) {
		k.Status = models.KnowledgeError
		k.ErrorMessage = &message
	})
}

func (m *memKnowledge) Delete(_ context.Context, id uuid.UUID, userID uint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.items[id]
	if !ok || k.UserID != userID {
		return apperrors.NewNotFoundError("knowledge")
	}
	delete(m.items, id)
	return nil
}

// stubProvider 按脚本输出帧；onFrame 在每帧被接收后调用
type stubProvider struct {
	frames      []providers.Frame
	tools       bool
	onFrame     func(i int)
	modelsErr   error
	modelsCalls int
	mu          sync.Mutex
	received    [][]providers.Message
	opts        []providers.Options
}

func (p *stubProvider) Type() models.ProviderType { return models.ProviderOpenAI }

func (p *stubProvider) Stream(ctx context.Context, _ string, messages []providers.Message, opts providers.Options) <-chan providers.Frame {
	p.mu.Lock()
	p.received = append(p.received, messages)
	p.opts = append(p.opts, opts)
	p.mu.Unlock()

	out := make(chan providers.Frame)
	go func() {
		defer close(out)
		for i, f := range p.frames {
			select {
			case out <- f:
			case <-ctx.Done():
				return
			}
			if p.onFrame != nil {
				p.onFrame(i)
			}
		}
	}()
	return out
}

func (p *stubProvider) Generate(context.Context, string, []providers.Message, providers.Options) (string, error) {
	return "", nil
}

func (p *stubProvider) Models(context.Context) ([]providers.ModelInfo, error) {
	p.mu.Lock()
	p.modelsCalls++
	p.mu.Unlock()
	if p.modelsErr != nil {
		return nil, p.modelsErr
	}
	return []providers.ModelInfo{{ID: "gpt-4o", Name: "gpt-4o", Provider: "openai"}}, nil
}

func (p *stubProvider) UpdateConfig(providers.Config) error { return nil }

func (p *stubProvider) SupportsTools(string) bool { return p.tools }

func (p *stubProvider) CalculateCost(providers.Usage, string) decimal.Decimal { return decimal.Zero }

func (p *stubProvider) lastMessages() []providers.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.received) == 0 {
		return nil
	}
	return p.received[len(p.received)-1]
}

type stubResolver struct {
	provider providers.Provider
	model    string
	err      error
	lastID   string
}

func (r *stubResolver) Resolve(_ context.Context, modelID string, _ uint) (providers.Provider, string, error) {
	r.lastID = modelID
	if r.err != nil {
		return nil, "", r.err
	}
	return r.provider, r.model, nil
}

// frameRecorder 收集写出的帧
type frameRecorder struct {
	mu     sync.Mutex
	frames []StreamFrame
}

func (r *frameRecorder) emit(f StreamFrame) error {
	r.mu.Lock()
	r.frames = append(r.frames, f)
	r.mu.Unlock()
	return nil
}

func (r *frameRecorder) statuses() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.frames))
	for _, f := range r.frames {
		out = append(out, f.Status)
	}
	return out
}

func (r *frameRecorder) last() StreamFrame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.frames[len(r.frames)-1]
}
