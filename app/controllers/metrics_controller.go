package controllers

import (
	"github.com/aihub/chat-backend/internal/services"
	"github.com/beego/beego/v2/server/web"
)

// MetricsController 指标控制器
type MetricsController struct {
	web.Controller
	Service *services.MetricsService
}

// Metrics 返回Prometheus格式的指标
func (c *MetricsController) Metrics() {
	c.EnableRender = false
	c.Service.ServeHTTP(c.Ctx.ResponseWriter, c.Ctx.Request)
}
