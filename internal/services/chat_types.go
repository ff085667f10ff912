package services

import (
	"encoding/base64"
	"net/http"
	"strconv"
	"strings"

	apperrors "github.com/aihub/chat-backend/internal/errors"
	"github.com/aihub/chat-backend/internal/models"
	"github.com/aihub/chat-backend/internal/providers"
	"github.com/aihub/chat-backend/internal/repository"
)

// 帧状态
const (
	StatusCreated    = "created"
	StatusGenerating = "generating"
	StatusToolCall   = "tool_call"
	StatusDone       = "done"
	StatusCancelled  = "cancelled"
	StatusError      = "error"
)

// ChatRequest 流式对话请求
type ChatRequest struct {
	ConversationUUID string   `json:"conversation_uuid"`
	Content          string   `json:"content" validate:"required"`
	Provider         string   `json:"provider"`
	Name             string   `json:"name"`
	Model            string   `json:"model" validate:"required"`
	Images           []string `json:"images"`
	KnowledgeIDs     []string `json:"knowledge_ids"`
	// FunctionCall 本轮可供模型调用的函数定义，模型不支持工具时忽略
	FunctionCall []providers.Tool `json:"function_call"`
}

// StreamFrame 写给客户端的一个 SSE 事件
type StreamFrame struct {
	ConversationUUID string              `json:"conversation_uuid,omitempty"`
	Content          string              `json:"content,omitempty"`
	ToolCalls        []models.ToolCall   `json:"tool_calls,omitempty"`
	ToolResults      []models.ToolResult `json:"tool_results,omitempty"`
	Error            string              `json:"error,omitempty"`
	Status           string              `json:"status"`
	MessageID        string              `json:"message_id,omitempty"`
	HasCitations     *bool               `json:"has_citations,omitempty"`
	Citations        *[]models.Citation  `json:"citations,omitempty"`
	IsError          bool                `json:"is_error,omitempty"`
}

func createdFrame(conversationUUID string) StreamFrame {
	return StreamFrame{ConversationUUID: conversationUUID, Status: StatusCreated}
}

func contentFrame(delta string) StreamFrame {
	return StreamFrame{Content: delta, Status: StatusGenerating}
}

func toolCallFrame(call models.ToolCall, result models.ToolResult) StreamFrame {
	return StreamFrame{
		ToolCalls:   []models.ToolCall{call},
		ToolResults: []models.ToolResult{result},
		Status:      StatusToolCall,
	}
}

func doneFrame(messageID string, hasCitations bool, citations []models.Citation) StreamFrame {
	if citations == nil {
		citations = []models.Citation{}
	}
	return StreamFrame{Status: StatusDone, MessageID: messageID, HasCitations: &hasCitations, Citations: &citations}
}

func cancelledFrame(messageID string) StreamFrame {
	return StreamFrame{Status: StatusCancelled, MessageID: messageID}
}

func errorFrame(message, messageID string) StreamFrame {
	return StreamFrame{Error: message, Status: StatusError, MessageID: messageID, IsError: true}
}

// Emitter 把帧写给客户端，返回错误表示客户端已断开
type Emitter func(StreamFrame) error

// decodeImages 支持纯 base64 与 data URL 两种写法
func decodeImages(raw []string) ([]repository.NewImage, error) {
	images := make([]repository.NewImage, 0, len(raw))
	for i, s := range raw {
		s = strings.TrimSpace(s)
		contentType := ""
		if strings.HasPrefix(s, "data:") {
			comma := strings.Index(s, ",")
			if comma < 0 {
				return nil, apperrors.NewInvalidInputError("images", "malformed data url")
			}
			header := s[len("data:"):comma]
			contentType = strings.TrimSuffix(header, ";base64")
			s = s[comma+1:]
		}
		data, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, apperrors.NewInvalidInputError("images", "image "+strconv.Itoa(i)+" is not valid base64")
		}
		if contentType == "" {
			contentType = http.DetectContentType(data)
		}
		images = append(images, repository.NewImage{Data: data, ContentType: contentType})
	}
	return images, nil
}

// conversationName 取内容前 50 个字符
func conversationName(content string) string {
	content = strings.TrimSpace(strings.Join(strings.Fields(content), " "))
	runes := []rune(content)
	if len(runes) > 50 {
		runes = runes[:50]
	}
	if len(runes) == 0 {
		return "New conversation"
	}
	return string(runes)
}
