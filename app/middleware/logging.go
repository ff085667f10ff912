package middleware

import (
	"time"

	"github.com/aihub/chat-backend/internal/logger"
	"github.com/beego/beego/v2/server/web"
	beecontext "github.com/beego/beego/v2/server/web/context"
	"go.uber.org/zap"
)

const requestStartKey = "request_start"

// Install 注册全局过滤器：CORS、安全头、访问日志
func Install(allowedOrigins []string) {
	web.InsertFilter("/*", web.BeforeRouter, CORS(allowedOrigins))
	web.InsertFilter("/*", web.BeforeRouter, SecurityHeaders)
	web.InsertFilter("/*", web.BeforeRouter, markStart)
	web.InsertFilter("/*", web.FinishRouter, accessLog, web.WithReturnOnOutput(false))
}

func markStart(ctx *beecontext.Context) {
	ctx.Input.SetData(requestStartKey, time.Now())
}

// accessLog 请求结束后按状态码分级记录
func accessLog(ctx *beecontext.Context) {
	var elapsed time.Duration
	if start, ok := ctx.Input.GetData(requestStartKey).(time.Time); ok {
		elapsed = time.Since(start)
	}
	status := ctx.ResponseWriter.Status
	if status == 0 {
		status = 200
	}
	fields := []zap.Field{
		zap.String("method", ctx.Input.Method()),
		zap.String("path", ctx.Input.URL()),
		zap.Int("status", status),
		zap.Duration("duration", elapsed),
		zap.String("remote_addr", ctx.Input.IP()),
	}
	if userID, ok := ctx.Input.GetData(UserIDKey).(uint); ok {
		fields = append(fields, zap.Uint("user_id", userID))
	}

	log := logger.Named("http")
	switch {
	case status >= 500:
		log.Error("request completed", fields...)
	case status >= 400:
		log.Warn("request completed", fields...)
	default:
		log.Info("request completed", fields...)
	}
}
