package services

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aihub/chat-backend/internal/models"
	"github.com/google/uuid"
)

// ChatSession 一次流式生成的状态
type ChatSession struct {
	userID    uint
	cancelled atomic.Bool
	cancel    context.CancelFunc

	mu               sync.Mutex
	conversationUUID uuid.UUID
	start            time.Time
	userMsg          *models.Message
	model            string
	provider         string
	content          strings.Builder
	reply            strings.Builder
	tokens           int
	toolCalls        []models.ToolCall
	toolResults      []models.ToolResult
	finalised        bool
}

func newChatSession(userID uint, cancel context.CancelFunc, now time.Time) *ChatSession {
	return &ChatSession{userID: userID, cancel: cancel, start: now}
}

// Cancel 设置取消标志并中断上游请求
func (s *ChatSession) Cancel() {
	s.cancelled.Store(true)
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *ChatSession) Cancelled() bool {
	return s.cancelled.Load()
}

func (s *ChatSession) ConversationUUID() uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversationUUID
}

func (s *ChatSession) appendContent(delta string) {
	s.mu.Lock()
	s.content.WriteString(delta)
	s.reply.WriteString(delta)
	s.tokens++
	s.mu.Unlock()
}

func (s *ChatSession) appendTool(call models.ToolCall, result models.ToolResult, rendering string) {
	s.mu.Lock()
	s.content.WriteString(rendering)
	s.toolCalls = append(s.toolCalls, call)
	s.toolResults = append(s.toolResults, result)
	s.mu.Unlock()
}

// claim 只允许一条终态 assistant 消息写入
func (s *ChatSession) claim() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finalised || s.userMsg == nil {
		return false
	}
	s.finalised = true
	return true
}

type sessionSnapshot struct {
	conversationUUID uuid.UUID
	content          string
	reply            string
	tokens           int
	elapsed          float64
	model            string
	provider         string
	toolCalls        []models.ToolCall
	toolResults      []models.ToolResult
}

func (s *ChatSession) snapshot(now time.Time) sessionSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sessionSnapshot{
		conversationUUID: s.conversationUUID,
		content:          s.content.String(),
		reply:            s.reply.String(),
		tokens:           s.tokens,
		elapsed:          now.Sub(s.start).Seconds(),
		model:            s.model,
		provider:         s.provider,
		toolCalls:        append([]models.ToolCall(nil), s.toolCalls...),
		toolResults:      append([]models.ToolResult(nil), s.toolResults...),
	}
}

// SessionRegistry 进行中的会话，按对话 uuid 索引，供另一连接取消
type SessionRegistry struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*ChatSession
}

func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[uuid.UUID]*ChatSession)}
}

func (r *SessionRegistry) register(id uuid.UUID, s *ChatSession) {
	r.mu.Lock()
	r.sessions[id] = s
	r.mu.Unlock()
	activeSessions.Set(float64(r.Len()))
}

// remove 只移除同一个会话，避免误删同一对话上后启动的会话
func (r *SessionRegistry) remove(id uuid.UUID, s *ChatSession) {
	r.mu.Lock()
	if cur, ok := r.sessions[id]; ok && cur == s {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	activeSessions.Set(float64(r.Len()))
}

// Cancel 取消用户在该对话上的进行中会话
func (r *SessionRegistry) Cancel(id uuid.UUID, userID uint) bool {
	r.mu.Lock()
	s, ok := r.sessions[id]
	r.mu.Unlock()
	if !ok || s.userID != userID {
		return false
	}
	s.Cancel()
	return true
}

func (r *SessionRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
