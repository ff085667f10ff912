package providers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	apperrors "github.com/aihub/chat-backend/internal/errors"
	"github.com/sashabaranov/go-openai"
)

// codeForStatus 上游 HTTP 状态码到错误码
func codeForStatus(status int) apperrors.ErrorCode {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return apperrors.ProviderAuthFailed
	case status == http.StatusNotFound:
		return apperrors.ProviderModelNotFound
	case status == http.StatusTooManyRequests:
		return apperrors.ProviderRateLimit
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return apperrors.ProviderTimeout
	case status >= 500:
		return apperrors.ProviderUpstreamUnavailable
	default:
		return apperrors.ProviderBadResponse
	}
}

// statusError 读取非 2xx 响应体并转换为提供商错误
func statusError(resp *http.Response) *apperrors.AppError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return apperrors.NewProviderError(codeForStatus(resp.StatusCode),
		fmt.Sprintf("upstream returned %d: %s", resp.StatusCode, msg))
}

func badResponse(format string, args ...interface{}) *apperrors.AppError {
	return apperrors.NewProviderError(apperrors.ProviderBadResponse, fmt.Sprintf(format, args...))
}

// toFrameErr 把任意错误归类为错误帧
func toFrameErr(err error) FrameErr {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return FrameErr{Code: string(appErr.Code), Message: appErr.Message}
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return FrameErr{Code: string(codeForStatus(apiErr.HTTPStatusCode)), Message: apiErr.Message}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return FrameErr{Code: string(codeForStatus(reqErr.HTTPStatusCode)), Message: reqErr.Error()}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return FrameErr{Code: string(apperrors.ProviderTimeout), Message: "upstream request timed out"}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return FrameErr{Code: string(apperrors.ProviderTimeout), Message: err.Error()}
		}
		return FrameErr{Code: string(apperrors.ProviderUpstreamUnavailable), Message: err.Error()}
	}

	return FrameErr{Code: string(apperrors.ProviderInternal), Message: err.Error()}
}
