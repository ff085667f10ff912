package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCode 错误码类型
type ErrorCode string

const (
	// 通用错误
	ErrCodeInternalServer ErrorCode = "INTERNAL_SERVER_ERROR"
	ErrCodeBadRequest     ErrorCode = "BAD_REQUEST"
	ErrCodeUnauthorized   ErrorCode = "UNAUTHORIZED"
	ErrCodeConflict       ErrorCode = "CONFLICT"
	ErrCodeRateLimited    ErrorCode = "RATE_LIMITED"

	// 验证错误
	ErrCodeValidationFailed ErrorCode = "VALIDATION_FAILED"
	ErrCodeInvalidInput     ErrorCode = "INVALID_INPUT"
	ErrCodeMissingRequired  ErrorCode = "MISSING_REQUIRED"

	ErrCodeResourceNotFound ErrorCode = "RESOURCE_NOT_FOUND"

	// 依赖服务错误
	ErrCodeDatabaseError    ErrorCode = "DATABASE_ERROR"
	ErrCodeVectorStoreError ErrorCode = "VECTOR_STORE_ERROR"
	ErrCodeStorageError     ErrorCode = "STORAGE_ERROR"

	// 文件处理错误
	ErrCodeFileTooLarge      ErrorCode = "FILE_TOO_LARGE"
	ErrCodeInvalidFileFormat ErrorCode = "INVALID_FILE_FORMAT"
)

// 上游提供商错误码，出现在错误帧和 MessageError.code 中
const (
	ProviderRateLimit          ErrorCode = "rate_limit"
	ProviderAuthFailed         ErrorCode = "auth_failed"
	ProviderModelNotFound      ErrorCode = "model_not_found"
	ProviderUpstreamUnavailable ErrorCode = "upstream_unavailable"
	ProviderBadResponse        ErrorCode = "bad_response"
	ProviderTimeout            ErrorCode = "timeout"
	ProviderDisabled           ErrorCode = "provider_disabled"
	ProviderInternal           ErrorCode = "internal_error"
)

var providerTitles = map[ErrorCode]string{
	ProviderRateLimit:           "Rate limit exceeded",
	ProviderAuthFailed:          "Authentication failed",
	ProviderModelNotFound:       "Model not found",
	ProviderUpstreamUnavailable: "Provider unavailable",
	ProviderBadResponse:         "Unexpected provider response",
	ProviderTimeout:             "Provider timed out",
	ProviderDisabled:            "Provider disabled",
	ProviderInternal:            "Internal error",
}

// ProviderErrorTitle 错误码对应的标题，未知错误码统一为 "Provider error"
func ProviderErrorTitle(code string) string {
	if title, ok := providerTitles[ErrorCode(code)]; ok {
		return title
	}
	return "Provider error"
}

// Kind 错误种类
type Kind int

const (
	KindService Kind = iota
	KindValidation
	KindNotFound
	KindProvider
	KindUnauthorized
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindProvider:
		return "provider"
	case KindUnauthorized:
		return "unauthorized"
	default:
		return "service"
	}
}

// AppError 应用错误结构体
type AppError struct {
	Code     ErrorCode   `json:"code"`
	Kind     Kind        `json:"-"`
	Message  string      `json:"message"`
	HTTPCode int         `json:"-"`
	Details  interface{} `json:"details,omitempty"`
	Cause    error       `json:"-"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithDetails 添加错误详情
func (e *AppError) WithDetails(details interface{}) *AppError {
	e.Details = details
	return e
}

// WithCause 添加错误原因
func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	return e
}

// NewValidationError 创建验证错误
func NewValidationError(message string) *AppError {
	return &AppError{
		Code:     ErrCodeValidationFailed,
		Kind:     KindValidation,
		Message:  message,
		HTTPCode: http.StatusBadRequest,
	}
}

// NewInvalidInputError 创建输入无效错误
func NewInvalidInputError(field, reason string) *AppError {
	return &AppError{
		Code:     ErrCodeInvalidInput,
		Kind:     KindValidation,
		Message:  fmt.Sprintf("Invalid input for field '%s': %s", field, reason),
		HTTPCode: http.StatusBadRequest,
	}
}

// NewNotFoundError 创建资源未找到错误
func NewNotFoundError(resource string) *AppError {
	return &AppError{
		Code:     ErrCodeResourceNotFound,
		Kind:     KindNotFound,
		Message:  fmt.Sprintf("%s not found", resource),
		HTTPCode: http.StatusNotFound,
	}
}

// NewProviderError 创建上游提供商错误
func NewProviderError(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:     code,
		Kind:     KindProvider,
		Message:  message,
		HTTPCode: http.StatusBadGateway,
	}
}

// NewServiceError 创建内部组件错误（数据库、向量库等）
func NewServiceError(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:     code,
		Kind:     KindService,
		Message:  message,
		HTTPCode: http.StatusServiceUnavailable,
	}
}


// NewUnauthorizedError 缺少或无效的身份凭证
func NewUnauthorizedError(message string) *AppError {
	return &AppError{
		Code:     ErrCodeUnauthorized,
		Kind:     KindUnauthorized,
		Message:  message,
		HTTPCode: http.StatusUnauthorized,
	}
}

// NewRateLimitError 请求过于频繁
func NewRateLimitError(message string) *AppError {
	return &AppError{
		Code:     ErrCodeRateLimited,
		Kind:     KindValidation,
		Message:  message,
		HTTPCode: http.StatusTooManyRequests,
	}
}

// NewFileTooLargeError 上传文件超过大小限制
func NewFileTooLargeError(limit int64) *AppError {
	return &AppError{
		Code:     ErrCodeFileTooLarge,
		Kind:     KindValidation,
		Message:  fmt.Sprintf("file exceeds the %d byte limit", limit),
		HTTPCode: http.StatusRequestEntityTooLarge,
	}
}

// NewUnsupportedFileError 不支持的文件格式
func NewUnsupportedFileError(name string) *AppError {
	return &AppError{
		Code:     ErrCodeInvalidFileFormat,
		Kind:     KindValidation,
		Message:  fmt.Sprintf("unsupported file type: %s", name),
		HTTPCode: http.StatusUnsupportedMediaType,
	}
}

// IsAppError 检查是否为AppError
func IsAppError(err error) bool {
	var appErr *AppError
	return stderrors.As(err, &appErr)
}

// IsKind 判断错误链中是否存在指定种类的 AppError
func IsKind(err error, kind Kind) bool {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Kind == kind
	}
	return false
}

// GetAppError 获取AppError，如果不是则包装为服务错误
func GetAppError(err error) *AppError {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr
	}
	return &AppError{
		Code:     ErrCodeInternalServer,
		Kind:     KindService,
		Message:  "Internal server error",
		HTTPCode: http.StatusInternalServerError,
		Cause:    err,
	}
}
