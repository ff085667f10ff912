package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/aihub/chat-backend/internal/logger"
	"go.uber.org/zap"
)

// ErrorResponse 统一错误响应体
type ErrorResponse struct {
	Success bool        `json:"success"`
	Error   ErrorDetail `json:"error"`
}

// ErrorDetail 错误详情
type ErrorDetail struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Kind    string      `json:"kind"`
	Details interface{} `json:"details,omitempty"`
}

// NewErrorResponse 由任意错误构建响应体，返回对应的HTTP状态码
func NewErrorResponse(err error) (int, ErrorResponse) {
	appErr := GetAppError(err)
	resp := ErrorResponse{
		Error: ErrorDetail{
			Code:    string(appErr.Code),
			Message: appErr.Message,
			Kind:    appErr.Kind.String(),
		},
	}
	if appErr.Kind == KindValidation {
		resp.Error.Details = appErr.Details
	}
	return appErr.HTTPCode, resp
}

// Handle 记录日志并写出JSON错误响应
func Handle(w http.ResponseWriter, r *http.Request, err error) {
	status, body := NewErrorResponse(err)
	logFields := []zap.Field{
		zap.String("code", body.Error.Code),
		zap.String("kind", body.Error.Kind),
		zap.Int("status", status),
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.Error(err),
	}
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", logFields...)
	} else {
		logger.Debug("request rejected", logFields...)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	payload, jsonErr := json.Marshal(body)
	if jsonErr != nil {
		fmt.Fprint(w, `{"success":false,"error":{"code":"INTERNAL_SERVER_ERROR","message":"Failed to process error response"}}`)
		return
	}
	_, _ = w.Write(payload)
}

// RecoverMiddleware 捕获panic并转换为500响应
func RecoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				logger.Error("panic recovered",
					zap.Any("panic", rec),
					zap.ByteString("stack", debug.Stack()),
					zap.String("path", r.URL.Path))
				Handle(w, r, &AppError{
					Code:     ErrCodeInternalServer,
					Kind:     KindService,
					Message:  "Internal server error",
					HTTPCode: http.StatusInternalServerError,
					Cause:    fmt.Errorf("panic: %v", rec),
				})
			}
		}()
		next.ServeHTTP(w, r)
	})
}
