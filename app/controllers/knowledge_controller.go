package controllers

import (
	"io"
	"strings"

	apperrors "github.com/aihub/chat-backend/internal/errors"
	"github.com/aihub/chat-backend/internal/knowledge"
	"github.com/aihub/chat-backend/internal/services"
)

const defaultSearchK = 5

// KnowledgeController 知识文档
type KnowledgeController struct {
	BaseController
	Knowledge *services.KnowledgeService
	// MaxUploadBytes 读取上传文件时的上限，超出部分交给服务层判定
	MaxUploadBytes int64
}

// readUpload 读取 multipart 的 file 字段；未上传时返回 nil
func (c *KnowledgeController) readUpload(required bool) (*knowledge.File, bool) {
	f, header, err := c.GetFile("file")
	if err != nil {
		if required {
			c.Fail(apperrors.NewInvalidInputError("file", "multipart field \"file\" is required"))
			return nil, false
		}
		return nil, true
	}
	defer f.Close()

	reader := io.Reader(f)
	if c.MaxUploadBytes > 0 {
		reader = io.LimitReader(f, c.MaxUploadBytes+1)
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		c.Fail(apperrors.NewInvalidInputError("file", "failed to read upload"))
		return nil, false
	}
	return &knowledge.File{
		Name:        header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Data:        data,
	}, true
}

// Upload POST /api/knowledge
func (c *KnowledgeController) Upload() {
	userID, ok := c.userID()
	if !ok {
		return
	}
	file, ok := c.readUpload(true)
	if !ok {
		return
	}
	name := strings.TrimSpace(c.GetString("name"))
	if name == "" {
		name = file.Name
	}

	k, err := c.Knowledge.Upload(c.Ctx.Request.Context(), userID, name, *file)
	if err != nil {
		c.Fail(err)
		return
	}
	c.JSON(202, map[string]interface{}{"success": true, "data": k})
}

// List GET /api/knowledge
func (c *KnowledgeController) List() {
	userID, ok := c.userID()
	if !ok {
		return
	}
	items, err := c.Knowledge.List(c.Ctx.Request.Context(), userID)
	if err != nil {
		c.Fail(err)
		return
	}
	c.JSONSuccess(items)
}

// Get GET /api/knowledge/:id
func (c *KnowledgeController) Get() {
	userID, ok := c.userID()
	if !ok {
		return
	}
	id, ok := c.uuidParam(":id")
	if !ok {
		return
	}
	k, err := c.Knowledge.Get(c.Ctx.Request.Context(), userID, id)
	if err != nil {
		c.Fail(err)
		return
	}
	c.JSONSuccess(k)
}

// Reprocess POST /api/knowledge/:id/reprocess，可附带新文件
func (c *KnowledgeController) Reprocess() {
	userID, ok := c.userID()
	if !ok {
		return
	}
	id, ok := c.uuidParam(":id")
	if !ok {
		return
	}
	file, ok := c.readUpload(false)
	if !ok {
		return
	}
	k, err := c.Knowledge.Reprocess(c.Ctx.Request.Context(), userID, id, file)
	if err != nil {
		c.Fail(err)
		return
	}
	c.JSON(202, map[string]interface{}{"success": true, "data": k})
}

// Delete DELETE /api/knowledge/:id
func (c *KnowledgeController) Delete() {
	userID, ok := c.userID()
	if !ok {
		return
	}
	id, ok := c.uuidParam(":id")
	if !ok {
		return
	}
	if err := c.Knowledge.Delete(c.Ctx.Request.Context(), userID, id); err != nil {
		c.Fail(err)
		return
	}
	c.JSONSuccess(map[string]string{"id": id.String()})
}

// Search GET /api/knowledge/search?q=&k=
func (c *KnowledgeController) Search() {
	userID, ok := c.userID()
	if !ok {
		return
	}
	query := strings.TrimSpace(c.GetString("q"))
	if query == "" {
		c.Fail(apperrors.NewInvalidInputError("q", "query is required"))
		return
	}
	k, err := c.GetInt("k", defaultSearchK)
	if err != nil || k <= 0 {
		c.Fail(apperrors.NewInvalidInputError("k", "must be a positive integer"))
		return
	}

	results, err := c.Knowledge.Search(c.Ctx.Request.Context(), userID, query, k)
	if err != nil {
		c.Fail(err)
		return
	}
	c.JSONSuccess(results)
}

// CacheStats GET /api/knowledge/cache/stats
func (c *KnowledgeController) CacheStats() {
	if _, ok := c.userID(); !ok {
		return
	}
	c.JSONSuccess(c.Knowledge.CacheStats())
}
