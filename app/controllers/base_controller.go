package controllers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/aihub/chat-backend/app/middleware"
	apperrors "github.com/aihub/chat-backend/internal/errors"
	"github.com/beego/beego/v2/server/web"
	"github.com/google/uuid"
)

// BaseController provides helpers for consistent JSON responses.
type BaseController struct {
	web.Controller
}

// JSON writes a JSON response with the supplied HTTP status code.
func (c *BaseController) JSON(status int, payload interface{}) {
	c.Ctx.Output.SetStatus(status)
	c.Data["json"] = payload
	_ = c.ServeJSON()
}

// JSONSuccess writes a standard success envelope.
func (c *BaseController) JSONSuccess(data interface{}) {
	c.JSON(http.StatusOK, map[string]interface{}{
		"success": true,
		"data":    data,
	})
}

// Fail 统一错误出口，状态码由错误种类决定
func (c *BaseController) Fail(err error) {
	c.EnableRender = false
	apperrors.Handle(c.Ctx.ResponseWriter, c.Ctx.Request, err)
}

// userID 认证过滤器写入的用户 id，缺失时已返回 401
func (c *BaseController) userID() (uint, bool) {
	id, ok := c.Ctx.Input.GetData(middleware.UserIDKey).(uint)
	if !ok || id == 0 {
		c.Fail(apperrors.NewUnauthorizedError("authentication required"))
		return 0, false
	}
	return id, true
}

// uuidParam 解析路径参数中的 uuid
func (c *BaseController) uuidParam(name string) (uuid.UUID, bool) {
	raw := c.Ctx.Input.Param(name)
	id, err := uuid.Parse(raw)
	if err != nil {
		c.Fail(apperrors.NewInvalidInputError(strings.TrimPrefix(name, ":"), "must be a valid uuid"))
		return uuid.Nil, false
	}
	return id, true
}

// decodeBody 把请求体解析到 v
func (c *BaseController) decodeBody(v interface{}) bool {
	body := c.Ctx.Input.RequestBody
	if len(body) == 0 {
		c.Fail(apperrors.NewValidationError("request body is required"))
		return false
	}
	if err := json.Unmarshal(body, v); err != nil {
		c.Fail(apperrors.NewInvalidInputError("body", "invalid JSON: "+err.Error()))
		return false
	}
	return true
}
