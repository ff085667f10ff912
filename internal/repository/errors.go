package repository

import (
	"errors"

	apperrors "github.com/aihub/chat-backend/internal/errors"
	"gorm.io/gorm"
)

// dbError 记录不存在转为 NotFound，其余转为数据库服务错误
func dbError(err error, resource string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return apperrors.NewNotFoundError(resource)
	}
	if apperrors.IsAppError(err) {
		return err
	}
	return apperrors.NewServiceError(apperrors.ErrCodeDatabaseError, resource+" query failed").WithCause(err)
}
