package controllers

import (
	"github.com/aihub/chat-backend/internal/services"
)

// ConversationController 会话列表与历史
type ConversationController struct {
	BaseController
	Conversations *services.ConversationService
}

// List GET /api/conversations?include_hidden=true
func (c *ConversationController) List() {
	userID, ok := c.userID()
	if !ok {
		return
	}
	includeHidden, _ := c.GetBool("include_hidden", false)
	list, err := c.Conversations.List(c.Ctx.Request.Context(), userID, includeHidden)
	if err != nil {
		c.Fail(err)
		return
	}
	c.JSONSuccess(list)
}

// Messages GET /api/conversations/:uuid/messages
func (c *ConversationController) Messages() {
	userID, ok := c.userID()
	if !ok {
		return
	}
	id, ok := c.uuidParam(":uuid")
	if !ok {
		return
	}
	messages, err := c.Conversations.Messages(c.Ctx.Request.Context(), userID, id)
	if err != nil {
		c.Fail(err)
		return
	}
	c.JSONSuccess(messages)
}

// Delete DELETE /api/conversations/:uuid
func (c *ConversationController) Delete() {
	userID, ok := c.userID()
	if !ok {
		return
	}
	id, ok := c.uuidParam(":uuid")
	if !ok {
		return
	}
	if err := c.Conversations.Delete(c.Ctx.Request.Context(), userID, id); err != nil {
		c.Fail(err)
		return
	}
	c.JSONSuccess(map[string]string{"conversation_uuid": id.String()})
}
