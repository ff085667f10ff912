package storage

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aihub/chat-backend/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestImageKey(t *testing.T) {
	now := time.Date(2024, 3, 7, 10, 0, 0, 0, time.UTC)

	key := ImageKey(now, "image/png")
	assert.True(t, strings.HasPrefix(key, "message_images/2024/03/07/"))
	assert.True(t, strings.HasSuffix(key, ".png"))

	assert.True(t, strings.HasSuffix(ImageKey(now, "image/jpeg"), ".jpg"))
	assert.True(t, strings.HasSuffix(ImageKey(now, "application/x-unknown"), ".bin"))
	assert.NotEqual(t, ImageKey(now, "image/png"), ImageKey(now, "image/png"))
}

func TestLocalStore_RoundTrip(t *testing.T) {
	root := t.TempDir()
	s, err := NewLocalStore(root)
	require.NoError(t, err)
	s.now = func() time.Time { return time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()

	key, err := s.Put(ctx, []byte("png-bytes"), "image/png")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(key, "message_images/2024/12/31/"))

	_, err = os.Stat(filepath.Join(root, filepath.FromSlash(key)))
	require.NoError(t, err)

	data, err := s.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("png-bytes"), data)

	require.NoError(t, s.Delete(ctx, key))
	require.NoError(t, s.Delete(ctx, key), "deleting a missing file is not an error")

	_, err = s.Get(ctx, key)
	assert.Error(t, err)
}

func TestLocalStore_RejectsEscapingKeys(t *testing.T) {
	s, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	for _, key := range []string{"../etc/passwd", "/abs/path", "message_images/../../x", ""} {
		_, err := s.Get(context.Background(), key)
		assert.Error(t, err, key)
		assert.Error(t, s.Delete(context.Background(), key), key)
	}
}

func TestNew_Local(t *testing.T) {
	store, err := New(context.Background(), config.StorageConfig{Provider: "local", BasePath: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &LocalStore{}, store)

	_, err = New(context.Background(), config.StorageConfig{Provider: "s3"})
	assert.Error(t, err)

	_, err = New(context.Background(), config.StorageConfig{Provider: "minio"})
	assert.Error(t, err, "minio requires an endpoint")
}
