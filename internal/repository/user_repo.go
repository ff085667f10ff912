package repository

import (
	"context"
	"fmt"

	apperrors "github.com/aihub/chat-backend/internal/errors"
	"github.com/aihub/chat-backend/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// userRepository 用户仓库实现
type userRepository struct {
	db *gorm.DB
}

// NewUserRepository 创建用户仓库
func NewUserRepository(db *gorm.DB) UserRepository {
	return &userRepository{db: db}
}

func (r *userRepository) GetDB() *gorm.DB {
	return r.db
}

// EnsureUser 认证主体首次出现时建档，返回是否新建
func (r *userRepository) EnsureUser(ctx context.Context, id uint, username string) (bool, error) {
	if id == 0 {
		return false, apperrors.NewInvalidInputError("user_id", "is required")
	}
	if username == "" {
		username = fmt.Sprintf("user-%d", id)
	}
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, DoNothing: true}).
		Omit("Settings", "ProviderSettings").
		Create(&models.User{ID: id, Username: username})
	if res.Error != nil {
		return false, dbError(res.Error, "user")
	}
	return res.RowsAffected > 0, nil
}

func (r *userRepository) GetByID(ctx context.Context, id uint) (*models.User, error) {
	var user models.User
	if err := r.db.WithContext(ctx).Preload("Settings").Where("id = ?", id).First(&user).Error; err != nil {
		return nil, dbError(err, "user")
	}
	return &user, nil
}
