package controllers

import (
	"strings"

	apperrors "github.com/aihub/chat-backend/internal/errors"
	"github.com/aihub/chat-backend/internal/services"
)

// ModelController 模型目录与本地模型下载
type ModelController struct {
	BaseController
	Models *services.ModelService
}

type pullRequest struct {
	Model string `json:"model"`
}

// List GET /api/models
func (c *ModelController) List() {
	userID, ok := c.userID()
	if !ok {
		return
	}
	list, err := c.Models.ListModels(c.Ctx.Request.Context(), userID)
	if err != nil {
		c.Fail(err)
		return
	}
	c.JSONSuccess(list)
}

// Pull POST /api/models/pull
func (c *ModelController) Pull() {
	userID, ok := c.userID()
	if !ok {
		return
	}
	var req pullRequest
	if !c.decodeBody(&req) {
		return
	}
	req.Model = strings.TrimSpace(req.Model)
	if req.Model == "" {
		c.Fail(apperrors.NewInvalidInputError("model", "model is required"))
		return
	}
	taskID, err := c.Models.Pull(c.Ctx.Request.Context(), userID, req.Model)
	if err != nil {
		c.Fail(err)
		return
	}
	c.JSON(202, map[string]interface{}{
		"success": true,
		"data":    map[string]string{"task_id": taskID, "model": req.Model},
	})
}

// PullStatus GET /api/models/pull/:task_id
func (c *ModelController) PullStatus() {
	if _, ok := c.userID(); !ok {
		return
	}
	task, err := c.Models.PullStatus(c.Ctx.Input.Param(":task_id"))
	if err != nil {
		c.Fail(err)
		return
	}
	c.JSONSuccess(task)
}

// Delete DELETE /api/models/:name
func (c *ModelController) Delete() {
	userID, ok := c.userID()
	if !ok {
		return
	}
	name := c.Ctx.Input.Param(":name")
	if err := c.Models.DeleteModel(c.Ctx.Request.Context(), userID, name); err != nil {
		c.Fail(err)
		return
	}
	c.JSONSuccess(map[string]string{"model": name})
}
