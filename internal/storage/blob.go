package storage

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/aihub/chat-backend/internal/config"
	"github.com/google/uuid"
)

// ImagePrefix 消息图片的对象前缀
const ImagePrefix = "message_images"

// BlobStore 消息图片存储
type BlobStore interface {
	Put(ctx context.Context, data []byte, contentType string) (string, error)
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// New 按配置创建存储后端
func New(ctx context.Context, cfg config.StorageConfig) (BlobStore, error) {
	switch cfg.Provider {
	case "minio":
		return NewMinIOStore(ctx, cfg)
	case "local", "":
		return NewLocalStore(cfg.BasePath)
	default:
		return nil, fmt.Errorf("unsupported storage provider: %s", cfg.Provider)
	}
}

var extensions = map[string]string{
	"image/png":  ".png",
	"image/jpeg": ".jpg",
	"image/jpg":  ".jpg",
	"image/gif":  ".gif",
	"image/webp": ".webp",
	"image/bmp":  ".bmp",
}

// ImageKey 生成 message_images/YYYY/MM/DD/<uuid><ext>
func ImageKey(now time.Time, contentType string) string {
	ext := extensions[strings.ToLower(strings.TrimSpace(contentType))]
	if ext == "" {
		ext = ".bin"
	}
	return path.Join(ImagePrefix, now.Format("2006/01/02"), uuid.NewString()+ext)
}

// validKey 拒绝越界路径
func validKey(key string) error {
	clean := path.Clean(key)
	if key == "" || clean != key || strings.HasPrefix(clean, "/") || strings.HasPrefix(clean, "..") {
		return fmt.Errorf("invalid object key: %q", key)
	}
	return nil
}
