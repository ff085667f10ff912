package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	apperrors "github.com/aihub/chat-backend/internal/errors"
	"github.com/aihub/chat-backend/internal/knowledge"
	"github.com/aihub/chat-backend/internal/logger"
	"github.com/aihub/chat-backend/internal/models"
	"github.com/aihub/chat-backend/internal/providers"
	"github.com/aihub/chat-backend/internal/repository"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ProviderResolver 由复合模型 id 取得适配器和上游模型名
type ProviderResolver interface {
	Resolve(ctx context.Context, modelID string, userID uint) (providers.Provider, string, error)
}

// ContextRetriever 对话所用的知识分块与引用抽取
type ContextRetriever interface {
	ChunksForKnowledge(ctx context.Context, knowledgeID uuid.UUID, userID uint) ([]knowledge.Result, error)
	CitationsFor(response string, chunks []knowledge.Result) (bool, []models.Citation)
}

// ToolExecutor 执行模型发起的工具调用。默认只有 KnowledgeTools；
// 其他工具由客户端声明，服务端不执行，结果记为错误文本
type ToolExecutor interface {
	Execute(ctx context.Context, userID uint, call models.ToolCall) (string, error)
}

type unavailableTools struct{}

func (unavailableTools) Execute(_ context.Context, _ uint, call models.ToolCall) (string, error) {
	return "", fmt.Errorf("tool %s is not available", call.Name)
}

// ChatDeps 对话服务依赖
type ChatDeps struct {
	Conversations repository.ConversationRepository
	Messages      repository.MessageRepository
	Knowledge     repository.KnowledgeRepository
	Resolver      ProviderResolver
	Retriever     ContextRetriever
	Tools         ToolExecutor
	Sessions      *SessionRegistry
}

// ChatService 流式对话编排
type ChatService struct {
	conversations repository.ConversationRepository
	messages      repository.MessageRepository
	knowledge     repository.KnowledgeRepository
	resolver      ProviderResolver
	retriever     ContextRetriever
	tools         ToolExecutor
	sessions      *SessionRegistry
	validate      *validator.Validate
	log           *zap.Logger
	now           func() time.Time
}

func NewChatService(deps ChatDeps) *ChatService {
	if deps.Tools == nil {
		deps.Tools = unavailableTools{}
	}
	if deps.Sessions == nil {
		deps.Sessions = NewSessionRegistry()
	}
	return &ChatService{
		conversations: deps.Conversations,
		messages:      deps.Messages,
		knowledge:     deps.Knowledge,
		resolver:      deps.Resolver,
		retriever:     deps.Retriever,
		tools:         deps.Tools,
		sessions:      deps.Sessions,
		validate:      validator.New(),
		log:           logger.Named("chat"),
		now:           time.Now,
	}
}

// Sessions 进行中的会话
func (s *ChatService) Sessions() *SessionRegistry {
	return s.sessions
}

// Cancel 取消用户在某对话上的进行中生成
func (s *ChatService) Cancel(conversationUUID uuid.UUID, userID uint) bool {
	return s.sessions.Cancel(conversationUUID, userID)
}

// PreparedRequest 已校验并解析的对话请求
type PreparedRequest struct {
	ChatRequest
	conversationUUID uuid.UUID
	knowledgeIDs     []uuid.UUID
	images           []repository.NewImage
}

// Prepare 校验请求，错误在写出 SSE 头之前返回
func (s *ChatService) Prepare(req ChatRequest) (*PreparedRequest, error) {
	req.Content = strings.TrimSpace(req.Content)
	req.Model = strings.TrimSpace(req.Model)
	if err := s.validate.Struct(req); err != nil {
		return nil, apperrors.NewValidationError("content and model are required").WithDetails(err.Error())
	}
	p := &PreparedRequest{ChatRequest: req}
	if req.ConversationUUID != "" {
		id, err := uuid.Parse(req.ConversationUUID)
		if err != nil {
			return nil, apperrors.NewInvalidInputError("conversation_uuid", "must be a uuid")
		}
		p.conversationUUID = id
	}
	for _, raw := range req.KnowledgeIDs {
		id, err := uuid.Parse(raw)
		if err != nil {
			return nil, apperrors.NewInvalidInputError("knowledge_ids", fmt.Sprintf("%q is not a uuid", raw))
		}
		p.knowledgeIDs = append(p.knowledgeIDs, id)
	}
	images, err := decodeImages(req.Images)
	if err != nil {
		return nil, err
	}
	p.images = images
	return p, nil
}

// Generate 执行一次流式生成，帧通过 emit 依次写出。
// ctx 结束或 emit 返回错误均视为客户端断开，已生成内容以 cancelled 结束保存。
// 返回的错误只会出现在用户消息写入之前。
func (s *ChatService) Generate(ctx context.Context, userID uint, req ChatRequest, emit Emitter) error {
	p, err := s.Prepare(req)
	if err != nil {
		return err
	}
	return s.GeneratePrepared(ctx, userID, p, emit)
}

func (s *ChatService) GeneratePrepared(ctx context.Context, userID uint, p *PreparedRequest, emit Emitter) error {
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	session := newChatSession(userID, cancel, s.now())
	session.model = p.Model

	conv, err := s.resolveConversation(ctx, userID, p)
	if err != nil {
		return err
	}
	session.conversationUUID = conv.UUID
	s.sessions.register(conv.UUID, session)
	defer s.sessions.remove(conv.UUID, session)

	if err := emit(createdFrame(conv.UUID.String())); err != nil {
		session.Cancel()
		return nil
	}

	userMsg := &models.Message{
		ConversationUUID: conv.UUID,
		Role:             models.RoleUser,
		Content:          p.Content,
		UserID:           &userID,
	}
	if err := s.messages.Create(ctx, userMsg, p.images); err != nil {
		return err
	}
	session.mu.Lock()
	session.userMsg = userMsg
	session.mu.Unlock()

	s.run(streamCtx, session, p, emit)
	return nil
}

func (s *ChatService) resolveConversation(ctx context.Context, userID uint, p *PreparedRequest) (*models.Conversation, error) {
	if p.conversationUUID != uuid.Nil {
		conv, err := s.conversations.GetForUser(ctx, p.conversationUUID, userID)
		if err == nil {
			return conv, nil
		}
		if !apperrors.IsKind(err, apperrors.KindNotFound) {
			return nil, err
		}
		s.log.Debug("conversation not found for user, creating a new one",
			zap.String("conversation_uuid", p.conversationUUID.String()), zap.Uint("user_id", userID))
	}
	name := p.Name
	if strings.TrimSpace(name) == "" {
		name = conversationName(p.Content)
	}
	conv := &models.Conversation{UserID: userID, Name: name}
	if err := s.conversations.Create(ctx, conv); err != nil {
		return nil, err
	}
	return conv, nil
}

// run 第 4 步起的流程；任何 panic 都转为一条错误消息
func (s *ChatService) run(ctx context.Context, session *ChatSession, p *PreparedRequest, emit Emitter) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("chat generation panicked", zap.Any("panic", r), zap.String("conversation_uuid", session.ConversationUUID().String()))
			s.fail(ctx, session, string(apperrors.ProviderInternal), fmt.Sprintf("internal error: %v", r), emit)
		}
	}()

	provider, modelName, err := s.resolver.Resolve(ctx, modelIDFor(p.ChatRequest), session.userID)
	if err != nil {
		s.fail(ctx, session, errorCode(err), err.Error(), emit)
		return
	}
	session.mu.Lock()
	session.model = modelName
	session.provider = string(provider.Type())
	session.mu.Unlock()

	history, err := s.history(ctx, session)
	if err != nil {
		s.fail(ctx, session, errorCode(err), err.Error(), emit)
		return
	}

	chunks := s.injectContext(ctx, session.userID, p.knowledgeIDs, history)

	opts := providers.Options{}
	if len(p.FunctionCall) > 0 && provider.SupportsTools(modelName) {
		opts.Tools = p.FunctionCall
	}

	usage, outcome := s.consume(ctx, session, provider.Stream(ctx, modelName, history, opts), emit)
	switch outcome {
	case outcomeFailed:
		return
	case outcomeCancelled:
		msg, err := s.SaveCancelledMessage(ctx, session)
		if err != nil {
			s.log.Error("failed to save cancelled message", zap.Error(err))
			_ = emit(errorFrame("failed to save cancelled response", ""))
			return
		}
		if msg != nil {
			_ = emit(cancelledFrame(msg.ID.String()))
		}
		return
	}

	s.complete(ctx, session, usage, chunks, emit)
}

func modelIDFor(req ChatRequest) string {
	id := req.Model
	if req.Provider != "" && !strings.HasSuffix(strings.ToLower(id), "-"+strings.ToLower(req.Provider)) {
		id += "-" + strings.ToLower(req.Provider)
	}
	return id
}

func errorCode(err error) string {
	if appErr := apperrors.GetAppError(err); appErr.Kind == apperrors.KindProvider {
		return string(appErr.Code)
	}
	return string(apperrors.ProviderInternal)
}

// history 按时间升序组装上下文，错误消息不进入上下文
func (s *ChatService) history(ctx context.Context, session *ChatSession) ([]providers.Message, error) {
	session.mu.Lock()
	userMsg := session.userMsg
	convID := session.conversationUUID
	session.mu.Unlock()

	stored, err := s.messages.ListForConversation(ctx, convID)
	if err != nil {
		return nil, err
	}
	found := false
	for _, m := range stored {
		if m.ID == userMsg.ID {
			found = true
			break
		}
	}
	if !found {
		stored = append(stored, *userMsg)
	}

	out := make([]providers.Message, 0, len(stored))
	for _, m := range stored {
		if m.IsError {
			continue
		}
		pm := providers.Message{Role: m.Role, Content: m.Content}
		for _, img := range m.Images {
			data, err := s.messages.ImageData(ctx, img)
			if err != nil {
				s.log.Warn("failed to load message image", zap.String("path", img.Path), zap.Error(err))
				continue
			}
			pm.Images = append(pm.Images, providers.Image{Data: data, MIMEType: img.ContentType})
		}
		out = append(out, pm)
	}
	return out, nil
}

// injectContext 取回知识分块并把资料段拼到最后一条用户消息前；失败只记日志
func (s *ChatService) injectContext(ctx context.Context, userID uint, ids []uuid.UUID, history []providers.Message) []knowledge.Result {
	if len(ids) == 0 || s.retriever == nil {
		return nil
	}
	var chunks []knowledge.Result
	for _, id := range ids {
		if s.knowledge != nil {
			if _, err := s.knowledge.GetForUser(ctx, id, userID); err != nil {
				s.log.Warn("knowledge not available for chat context", zap.String("knowledge_id", id.String()), zap.Error(err))
				continue
			}
		}
		results, err := s.retriever.ChunksForKnowledge(ctx, id, userID)
		if err != nil {
			s.log.Warn("failed to fetch knowledge chunks", zap.String("knowledge_id", id.String()), zap.Error(err))
			continue
		}
		chunks = append(chunks, results...)
	}
	if len(chunks) == 0 {
		return nil
	}

	preamble := knowledge.BuildContextPreamble(chunks)
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == models.RoleUser {
			history[i].Content = preamble + "\n" + history[i].Content
			break
		}
	}
	return chunks
}

type streamOutcome int

const (
	outcomeDone streamOutcome = iota
	outcomeCancelled
	outcomeFailed
)

// consume 转发上游帧，每取一帧前检查取消标志
func (s *ChatService) consume(ctx context.Context, session *ChatSession, frames <-chan providers.Frame, emit Emitter) (providers.Usage, streamOutcome) {
	disconnected := func() (providers.Usage, streamOutcome) {
		session.Cancel()
		return providers.Usage{}, outcomeCancelled
	}
	for {
		if session.Cancelled() || ctx.Err() != nil {
			return disconnected()
		}
		var (
			f  providers.Frame
			ok bool
		)
		select {
		case f, ok = <-frames:
		case <-ctx.Done():
			return disconnected()
		}
		if !ok {
			if ctx.Err() != nil {
				return disconnected()
			}
			return providers.Usage{}, outcomeDone
		}
		if session.Cancelled() || ctx.Err() != nil {
			return disconnected()
		}

		switch f.Kind {
		case providers.FrameContent:
			session.appendContent(f.Content)
			if err := emit(contentFrame(f.Content)); err != nil {
				return disconnected()
			}
		case providers.FrameToolCall:
			call := models.ToolCall{ID: f.ToolCall.ID, Name: f.ToolCall.Name, Arguments: f.ToolCall.Arguments}
			result := s.executeTool(ctx, session.userID, call)
			session.appendTool(call, result, renderTool(call, result))
			if err := emit(toolCallFrame(call, result)); err != nil {
				return disconnected()
			}
		case providers.FrameError:
			s.fail(ctx, session, f.Err.Code, f.Err.Message, emit)
			return providers.Usage{}, outcomeFailed
		case providers.FrameDone:
			return f.Usage, outcomeDone
		}
	}
}

func (s *ChatService) executeTool(ctx context.Context, userID uint, call models.ToolCall) models.ToolResult {
	result := models.ToolResult{ToolCallID: call.ID, Name: call.Name}
	out, err := s.tools.Execute(ctx, userID, call)
	if err != nil {
		result.Content = "error: " + err.Error()
		return result
	}
	result.Content = out
	return result
}

func renderTool(call models.ToolCall, result models.ToolResult) string {
	return fmt.Sprintf("\n\n[Tool call: %s(%s)]\n[Tool result: %s]\n\n", call.Name, call.Arguments, result.Content)
}

func (s *ChatService) assistantMessage(snap sessionSnapshot, content string, finish models.FinishReason) *models.Message {
	tokens := snap.tokens
	elapsed := snap.elapsed
	return &models.Message{
		ConversationUUID: snap.conversationUUID,
		Role:             models.RoleAssistant,
		Content:          content,
		Model:            snap.model,
		Provider:         snap.provider,
		TokensUsed:       &tokens,
		GenerationTime:   &elapsed,
		FinishReason:     &finish,
		ToolCalls:        snap.toolCalls,
		ToolResults:      snap.toolResults,
	}
}

// complete 第 8、9 步：计算引用、保存 assistant 消息并发出终止帧
func (s *ChatService) complete(ctx context.Context, session *ChatSession, usage providers.Usage, chunks []knowledge.Result, emit Emitter) {
	persistCtx := context.WithoutCancel(ctx)
	snap := session.snapshot(s.now())

	var (
		hasCitations bool
		citations    []models.Citation
	)
	if len(chunks) > 0 {
		// 工具调用的渲染文本不参与引用抽取
		hasCitations, citations = s.retriever.CitationsFor(snap.reply, chunks)
	}

	if !session.claim() {
		return
	}
	msg := s.assistantMessage(snap, snap.content, models.FinishStop)
	msg.PromptTokens = &usage.PromptTokens
	msg.CompletionTokens = &usage.CompletionTokens
	msg.Citations = citations
	msg.HasCitations = hasCitations

	if err := s.messages.Create(persistCtx, msg, nil); err != nil {
		s.log.Error("failed to save assistant message",
			zap.String("conversation_uuid", snap.conversationUUID.String()), zap.Error(err))
		chatRequests.WithLabelValues(StatusError).Inc()
		_ = emit(errorFrame("failed to save response", ""))
		return
	}
	s.touch(persistCtx, snap.conversationUUID)
	chatRequests.WithLabelValues(StatusDone).Inc()
	chatDuration.WithLabelValues(snap.provider).Observe(snap.elapsed)
	_ = emit(doneFrame(msg.ID.String(), msg.HasCitations, citations))
}

// SaveCancelledMessage 以 cancelled 结束保存已生成的内容；已保存过时返回 nil
func (s *ChatService) SaveCancelledMessage(ctx context.Context, session *ChatSession) (*models.Message, error) {
	if !session.claim() {
		return nil, nil
	}
	snap := session.snapshot(s.now())
	msg := s.assistantMessage(snap, snap.content+" [cancelled]", models.FinishCancelled)
	persistCtx := context.WithoutCancel(ctx)
	if err := s.messages.Create(persistCtx, msg, nil); err != nil {
		return nil, err
	}
	s.touch(persistCtx, snap.conversationUUID)
	chatRequests.WithLabelValues(StatusCancelled).Inc()
	s.log.Info("generation cancelled",
		zap.String("conversation_uuid", snap.conversationUUID.String()),
		zap.Int("tokens", snap.tokens))
	return msg, nil
}

// fail 保存错误消息并发出一个 error 帧
func (s *ChatService) fail(ctx context.Context, session *ChatSession, code, message string, emit Emitter) {
	chatRequests.WithLabelValues(StatusError).Inc()
	if !session.claim() {
		_ = emit(errorFrame(message, ""))
		return
	}
	persistCtx := context.WithoutCancel(ctx)
	snap := session.snapshot(s.now())
	msg := s.assistantMessage(snap, snap.content, models.FinishError)
	err := s.messages.CreateError(persistCtx, msg, models.MessageError{
		Code:        code,
		Title:       apperrors.ProviderErrorTitle(code),
		Description: message,
	})
	if err != nil {
		s.log.Error("failed to save error message", zap.String("code", code), zap.Error(err))
		_ = emit(errorFrame(message, ""))
		return
	}
	s.touch(persistCtx, snap.conversationUUID)
	s.log.Warn("generation failed",
		zap.String("conversation_uuid", snap.conversationUUID.String()),
		zap.String("provider", snap.provider),
		zap.String("code", code))
	_ = emit(errorFrame(message, msg.ID.String()))
}

func (s *ChatService) touch(ctx context.Context, id uuid.UUID) {
	if err := s.conversations.Touch(ctx, id); err != nil {
		s.log.Warn("failed to touch conversation", zap.String("conversation_uuid", id.String()), zap.Error(err))
	}
}
