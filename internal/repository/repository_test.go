package repository

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	apperrors "github.com/aihub/chat-backend/internal/errors"
	"github.com/aihub/chat-backend/internal/models"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func newMockDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{
		SkipDefaultTransaction: true,
		Logger:                 gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	return db, mock
}

// memBlobs 内存图片存储
type memBlobs struct {
	mu      sync.Mutex
	objects map[string][]byte
	seq     int
	failAt  int
}

func newMemBlobs() *memBlobs {
	return &memBlobs{objects: map[string][]byte{}, failAt: -1}
}

func (m *memBlobs) Put(_ context.Context, data []byte, contentType string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.seq == m.failAt {
		return "", errors.New("disk full")
	}
	key := fmt.Sprintf("message_images/2024/01/01/%d.png", m.seq)
	m.seq++
	m.objects[key] = data
	return key, nil
}

func (m *memBlobs) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, errors.New("no such object")
	}
	return data, nil
}

func (m *memBlobs) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func (m *memBlobs) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.objects)
}

func intPtr(v int) *int { return &v }

func TestMessageRepository_CreateUserMessageNullsUsage(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewMessageRepository(db, newMemBlobs())
	userID := uint(7)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO "messages"`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	msg := &models.Message{
		ConversationUUID: uuid.New(),
		Role:             models.RoleUser,
		Content:          "Hi",
		UserID:           &userID,
		TokensUsed:       intPtr(3),
		PromptTokens:     intPtr(2),
	}
	require.NoError(t, repo.Create(context.Background(), msg, nil))

	assert.NotEqual(t, uuid.Nil, msg.ID)
	assert.Nil(t, msg.TokensUsed)
	assert.Nil(t, msg.PromptTokens)
	assert.Nil(t, msg.GenerationTime)
	assert.False(t, msg.HasImages)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMessageRepository_CreateWithImagesKeepsOrder(t *testing.T) {
	db, mock := newMockDB(t)
	blobs := newMemBlobs()
	repo := NewMessageRepository(db, blobs)
	userID := uint(7)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO "messages"`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO "message_images"`).WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	msg := &models.Message{ConversationUUID: uuid.New(), Role: models.RoleUser, Content: "look", UserID: &userID}
	images := []NewImage{
		{Data: []byte("first"), ContentType: "image/png"},
		{Data: []byte("second"), ContentType: "image/png"},
	}
	require.NoError(t, repo.Create(context.Background(), msg, images))

	assert.True(t, msg.HasImages)
	require.Len(t, msg.Images, 2)
	for i, img := range msg.Images {
		assert.Equal(t, i, img.Order)
		assert.Equal(t, msg.ID, img.MessageID)
	}
	data, err := repo.ImageData(context.Background(), msg.Images[1])
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), data)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMessageRepository_CreateRollbackRemovesImages(t *testing.T) {
	db, mock := newMockDB(t)
	blobs := newMemBlobs()
	repo := NewMessageRepository(db, blobs)
	userID := uint(7)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO "messages"`).WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	msg := &models.Message{ConversationUUID: uuid.New(), Role: models.RoleUser, Content: "x", UserID: &userID}
	err := repo.Create(context.Background(), msg, []NewImage{{Data: []byte("a"), ContentType: "image/png"}})

	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.KindService))
	assert.Equal(t, 0, blobs.count())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMessageRepository_CreateImageFailureCleansUp(t *testing.T) {
	db, mock := newMockDB(t)
	blobs := newMemBlobs()
	blobs.failAt = 1
	repo := NewMessageRepository(db, blobs)
	userID := uint(7)

	msg := &models.Message{ConversationUUID: uuid.New(), Role: models.RoleUser, Content: "x", UserID: &userID}
	err := repo.Create(context.Background(), msg, []NewImage{
		{Data: []byte("a"), ContentType: "image/png"},
		{Data: []byte("b"), ContentType: "image/png"},
	})

	require.Error(t, err)
	assert.Equal(t, 0, blobs.count())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMessageRepository_RoleInvariants(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewMessageRepository(db, newMemBlobs())
	conv := uuid.New()

	cases := map[string]*models.Message{
		"user without user id":    {ConversationUUID: conv, Role: models.RoleUser, Content: "x"},
		"assistant without model": {ConversationUUID: conv, Role: models.RoleAssistant, Content: "x"},
		"unknown role":            {ConversationUUID: conv, Role: "tool", Content: "x"},
		"missing conversation":    {Role: models.RoleAssistant, Model: "m", Content: "x"},
		"error flag on create":    {ConversationUUID: conv, Role: models.RoleAssistant, Model: "m", IsError: true},
	}
	for name, msg := range cases {
		t.Run(name, func(t *testing.T) {
			err := repo.Create(context.Background(), msg, nil)
			require.Error(t, err)
			assert.True(t, apperrors.IsKind(err, apperrors.KindValidation))
		})
	}
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMessageRepository_CreateErrorIsAtomic(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewMessageRepository(db, nil)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO "messages"`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO "message_errors"`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	msg := &models.Message{ConversationUUID: uuid.New(), Role: models.RoleAssistant, Model: "llama3.2:3b", Content: "Par"}
	err := repo.CreateError(context.Background(), msg, models.MessageError{Code: "rate_limit", Description: "Too many"})
	require.NoError(t, err)

	assert.True(t, msg.IsError)
	require.NotNil(t, msg.FinishReason)
	assert.Equal(t, models.FinishError, *msg.FinishReason)
	require.NotNil(t, msg.Error)
	assert.Equal(t, msg.ID, msg.Error.MessageID)
	assert.Equal(t, "Rate limit exceeded", msg.Error.Title)
	assert.Equal(t, "Too many", msg.Error.Description)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMessageRepository_CreateErrorRollsBack(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewMessageRepository(db, nil)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO "messages"`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO "message_errors"`).WillReturnError(errors.New("constraint"))
	mock.ExpectRollback()

	msg := &models.Message{ConversationUUID: uuid.New(), Role: models.RoleAssistant, Model: "m"}
	err := repo.CreateError(context.Background(), msg, models.MessageError{Code: "bad_response", Title: "t"})
	require.Error(t, err)
	assert.Nil(t, msg.Error)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMessageRepository_GetByIDNotFound(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewMessageRepository(db, nil)

	mock.ExpectQuery(`SELECT \* FROM "messages" WHERE id = \$1`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := repo.GetByID(context.Background(), uuid.New())
	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.KindNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMessageRepository_ListForConversationPreloads(t *testing.T) {
	db, mock := newMockDB(t)
	mock.MatchExpectationsInOrder(false)
	repo := NewMessageRepository(db, nil)

	conv := uuid.New()
	first, second := uuid.New(), uuid.New()
	now := time.Now()

	mock.ExpectQuery(`SELECT \* FROM "messages" WHERE conversation_uuid = \$1 ORDER BY created_at ASC`).
		WithArgs(conv).
		WillReturnRows(sqlmock.NewRows([]string{"id", "conversation_uuid", "role", "content", "created_at", "has_images"}).
			AddRow(first.String(), conv.String(), "user", "Hi", now, true).
			AddRow(second.String(), conv.String(), "assistant", "Hello", now.Add(time.Second), false))
	mock.ExpectQuery(`SELECT \* FROM "message_errors"`).
		WillReturnRows(sqlmock.NewRows([]string{"message_id", "code", "title"}))
	mock.ExpectQuery(`SELECT \* FROM "message_images" WHERE "message_images"."message_id" IN .* ORDER BY sort_order ASC`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "message_id", "sort_order", "path"}).
			AddRow(uuid.NewString(), first.String(), 0, "message_images/2024/01/01/a.png"))

	msgs, err := repo.ListForConversation(context.Background(), conv)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, first, msgs[0].ID)
	assert.Len(t, msgs[0].Images, 1)
	assert.Empty(t, msgs[1].Images)
	assert.Nil(t, msgs[1].Error)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMessageRepository_AttachCitations(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewMessageRepository(db, nil)
	id := uuid.New()

	mock.ExpectExec(`UPDATE "messages" SET "citations"=\$1,"has_citations"=\$2 WHERE id = \$3`).
		WithArgs(sqlmock.AnyArg(), true, id).
		WillReturnResult(sqlmock.NewResult(0, 1))
	err := repo.AttachCitations(context.Background(), id, []models.Citation{{Text: "[1]", Source: "doc.pdf, Page 1"}})
	require.NoError(t, err)

	mock.ExpectExec(`UPDATE "messages"`).WillReturnResult(sqlmock.NewResult(0, 0))
	err = repo.AttachCitations(context.Background(), uuid.New(), nil)
	assert.True(t, apperrors.IsKind(err, apperrors.KindNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestConversationRepository(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewConversationRepository(db)
	ctx := context.Background()
	id := uuid.New()

	t.Run("create requires user", func(t *testing.T) {
		err := repo.Create(ctx, &models.Conversation{Name: "x"})
		assert.True(t, apperrors.IsKind(err, apperrors.KindValidation))
	})

	t.Run("create", func(t *testing.T) {
		mock.ExpectExec(`INSERT INTO "conversations"`).WillReturnResult(sqlmock.NewResult(0, 1))
		conv := &models.Conversation{UserID: 1, Name: "Hi"}
		require.NoError(t, repo.Create(ctx, conv))
		assert.NotEqual(t, uuid.Nil, conv.UUID)
	})

	t.Run("get for other user is not found", func(t *testing.T) {
		mock.ExpectQuery(`SELECT \* FROM "conversations" WHERE \(uuid = \$1 AND user_id = \$2\) AND "conversations"."deleted_at" IS NULL`).
			WithArgs(id, uint(2), 1).
			WillReturnRows(sqlmock.NewRows([]string{"uuid"}))
		_, err := repo.GetForUser(ctx, id, 2)
		assert.True(t, apperrors.IsKind(err, apperrors.KindNotFound))
	})

	t.Run("list orders by recency", func(t *testing.T) {
		mock.ExpectQuery(`SELECT \* FROM "conversations" WHERE user_id = \$1 AND is_hidden = \$2 AND "conversations"."deleted_at" IS NULL ORDER BY is_pinned DESC,updated_at DESC`).
			WithArgs(uint(1), false).
			WillReturnRows(sqlmock.NewRows([]string{"uuid", "user_id", "name"}).AddRow(id.String(), 1, "Hi"))
		convs, err := repo.ListForUser(ctx, 1, false)
		require.NoError(t, err)
		require.Len(t, convs, 1)
		assert.Equal(t, "Hi", convs[0].Name)
	})

	t.Run("soft delete", func(t *testing.T) {
		mock.ExpectExec(`UPDATE "conversations" SET "deleted_at"=\$1 WHERE \(uuid = \$2 AND user_id = \$3\)`).
			WillReturnResult(sqlmock.NewResult(0, 1))
		require.NoError(t, repo.SoftDelete(ctx, id, 1))

		mock.ExpectExec(`UPDATE "conversations" SET "deleted_at"`).WillReturnResult(sqlmock.NewResult(0, 0))
		err := repo.SoftDelete(ctx, id, 1)
		assert.True(t, apperrors.IsKind(err, apperrors.KindNotFound))
	})

	t.Run("touch", func(t *testing.T) {
		mock.ExpectExec(`UPDATE "conversations" SET "updated_at"=\$1 WHERE uuid = \$2`).
			WillReturnResult(sqlmock.NewResult(0, 1))
		require.NoError(t, repo.Touch(ctx, id))
	})

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestKnowledgeRepository(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewKnowledgeRepository(db)
	ctx := context.Background()
	id := uuid.New()

	mock.ExpectExec(`INSERT INTO "knowledge"`).WillReturnResult(sqlmock.NewResult(0, 1))
	k := &models.Knowledge{UserID: 1, Name: "doc.pdf", Identifier: "1-abc"}
	require.NoError(t, repo.Create(ctx, k))
	assert.Equal(t, models.KnowledgeProcessing, k.Status)

	mock.ExpectExec(`UPDATE "knowledge" SET .*"status"=.* WHERE id = `).WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.MarkReady(ctx, id, "text", 3, map[string]interface{}{"pages": 3}))

	mock.ExpectExec(`UPDATE "knowledge" SET "error_message"=\$1,"status"=\$2,"updated_at"=\$3 WHERE id = \$4`).
		WithArgs("bad pdf", models.KnowledgeError, sqlmock.AnyArg(), id).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.MarkError(ctx, id, "bad pdf"))

	mock.ExpectExec(`UPDATE "knowledge"`).WillReturnResult(sqlmock.NewResult(0, 0))
	err := repo.MarkProcessing(ctx, id)
	assert.True(t, apperrors.IsKind(err, apperrors.KindNotFound))

	mock.ExpectExec(`DELETE FROM "knowledge" WHERE id = \$1 AND user_id = \$2`).
		WithArgs(id, uint(9)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	err = repo.Delete(ctx, id, 9)
	assert.True(t, apperrors.IsKind(err, apperrors.KindNotFound))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProviderSettingsRepository(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewProviderSettingsRepository(db)
	ctx := context.Background()

	mock.ExpectQuery(`SELECT \* FROM "provider_settings" WHERE user_id = \$1 AND provider_type = \$2`).
		WithArgs(uint(1), models.ProviderOpenAI, 1).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	ps, err := repo.FindProviderSettings(ctx, 1, models.ProviderOpenAI)
	require.NoError(t, err)
	assert.Nil(t, ps)

	mock.ExpectQuery(`SELECT \* FROM "provider_settings"`).WillReturnError(errors.New("db down"))
	_, err = repo.FindProviderSettings(ctx, 1, models.ProviderOpenAI)
	assert.True(t, apperrors.IsKind(err, apperrors.KindService))

	mock.ExpectExec(`INSERT INTO "provider_settings" .* ON CONFLICT \("user_id","provider_type"\) DO NOTHING`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	created, err := repo.CreateIfMissing(ctx, &models.ProviderSettings{UserID: 1, ProviderType: models.ProviderOllama, IsEnabled: true})
	require.NoError(t, err)
	assert.False(t, created)

	mock.ExpectExec(`INSERT INTO "provider_settings" .* ON CONFLICT \("user_id","provider_type"\) DO UPDATE SET`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.Upsert(ctx, &models.ProviderSettings{UserID: 1, ProviderType: models.ProviderOpenAI}))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAnalyticsRepository_IgnoresDuplicates(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewAnalyticsRepository(db)

	mock.ExpectExec(`INSERT INTO "analytics_events" .* ON CONFLICT \("id"\) DO NOTHING`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	event := &models.AnalyticsEvent{ID: uuid.New(), UserID: 1, EventType: models.EventChatCompletion, Timestamp: time.Now()}
	require.NoError(t, repo.CreateAnalyticsEvent(context.Background(), event))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUserRepository_EnsureUser(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewUserRepository(db)

	_, err := repo.EnsureUser(context.Background(), 0, "")
	assert.True(t, apperrors.IsKind(err, apperrors.KindValidation))

	mock.ExpectQuery(`INSERT INTO "users" .* ON CONFLICT \("id"\) DO NOTHING`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(5))
	created, err := repo.EnsureUser(context.Background(), 5, "")
	require.NoError(t, err)
	assert.True(t, created)

	mock.ExpectQuery(`INSERT INTO "users"`).WillReturnRows(sqlmock.NewRows([]string{"id"}))
	created, err = repo.EnsureUser(context.Background(), 5, "alice")
	require.NoError(t, err)
	assert.False(t, created)

	assert.NoError(t, mock.ExpectationsWereMet())
}
