package controllers

import (
	"context"
	"net/http"
	"time"
)

// HealthCheck 依赖探活
type HealthCheck func(ctx context.Context) error

// HealthController 存活与依赖状态
type HealthController struct {
	BaseController
	Checks map[string]HealthCheck
}

// Health GET /health，任一依赖失败返回 503
func (c *HealthController) Health() {
	ctx, cancel := context.WithTimeout(c.Ctx.Request.Context(), 3*time.Second)
	defer cancel()

	status := http.StatusOK
	components := make(map[string]string, len(c.Checks))
	for name, check := range c.Checks {
		if err := check(ctx); err != nil {
			components[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		components[name] = "ok"
	}

	overall := "ok"
	if status != http.StatusOK {
		overall = "degraded"
	}
	c.JSON(status, map[string]interface{}{
		"status":     overall,
		"components": components,
		"time":       time.Now().UTC(),
	})
}
