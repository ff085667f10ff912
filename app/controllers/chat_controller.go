package controllers

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/aihub/chat-backend/internal/logger"
	"github.com/aihub/chat-backend/internal/services"
	"go.uber.org/zap"
)

// ChatController 流式对话
type ChatController struct {
	BaseController
	Chat *services.ChatService
}

// Stream POST /api/chat/stream
func (c *ChatController) Stream() {
	c.EnableRender = false
	userID, ok := c.userID()
	if !ok {
		return
	}

	var req services.ChatRequest
	if !c.decodeBody(&req) {
		return
	}
	// 校验失败在 SSE 头写出之前以普通 JSON 错误返回
	prepared, err := c.Chat.Prepare(req)
	if err != nil {
		c.Fail(err)
		return
	}

	w := c.Ctx.ResponseWriter
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	w.Flush()

	emit := func(frame services.StreamFrame) error {
		payload, err := json.Marshal(frame)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
			return err
		}
		w.Flush()
		return nil
	}

	if err := c.Chat.GeneratePrepared(c.Ctx.Request.Context(), userID, prepared, emit); err != nil {
		// 头已写出，只能以错误帧结束
		logger.Warn("chat stream aborted", zap.Uint("user_id", userID), zap.Error(err))
		_ = emit(services.StreamFrame{Status: services.StatusError, Error: err.Error(), IsError: true})
	}
}

// Cancel POST /api/chat/:uuid/cancel
func (c *ChatController) Cancel() {
	userID, ok := c.userID()
	if !ok {
		return
	}
	id, ok := c.uuidParam(":uuid")
	if !ok {
		return
	}
	c.JSONSuccess(map[string]interface{}{
		"conversation_uuid": id.String(),
		"cancelled":         c.Chat.Cancel(id, userID),
	})
}
