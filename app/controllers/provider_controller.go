package controllers

import (
	"github.com/aihub/chat-backend/internal/models"
	"github.com/aihub/chat-backend/internal/services"
)

// ProviderController 用户的提供商配置
type ProviderController struct {
	BaseController
	Providers *services.ProviderService
}

// List GET /api/providers
func (c *ProviderController) List() {
	userID, ok := c.userID()
	if !ok {
		return
	}
	settings, err := c.Providers.List(c.Ctx.Request.Context(), userID)
	if err != nil {
		c.Fail(err)
		return
	}
	c.JSONSuccess(settings)
}

// Update PUT /api/providers/:type
func (c *ProviderController) Update() {
	userID, ok := c.userID()
	if !ok {
		return
	}
	var patch services.ProviderUpdate
	if !c.decodeBody(&patch) {
		return
	}
	t := models.ProviderType(c.Ctx.Input.Param(":type"))
	updated, err := c.Providers.Update(c.Ctx.Request.Context(), userID, t, patch)
	if err != nil {
		c.Fail(err)
		return
	}
	c.JSONSuccess(updated)
}
