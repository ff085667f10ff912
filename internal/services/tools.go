package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aihub/chat-backend/internal/knowledge"
	"github.com/aihub/chat-backend/internal/models"
)

// KnowledgeSearchTool 服务端唯一可执行的工具名；客户端声明的其他工具只转发给模型，不在服务端执行
const KnowledgeSearchTool = "search_knowledge"

const maxToolResults = 10

// ContextSearcher 工具执行使用的检索入口
type ContextSearcher interface {
	RelevantContext(ctx context.Context, query string, userID uint, k int) ([]knowledge.Result, error)
}

// KnowledgeTools 在用户自己的知识库中检索
type KnowledgeTools struct {
	search ContextSearcher
}

func NewKnowledgeTools(search ContextSearcher) *KnowledgeTools {
	return &KnowledgeTools{search: search}
}

type searchArgs struct {
	Query string `json:"query"`
	K     int    `json:"k"`
}

type searchHit struct {
	Source string  `json:"source"`
	Text   string  `json:"text"`
	Score  float64 `json:"score"`
}

func (t *KnowledgeTools) Execute(ctx context.Context, userID uint, call models.ToolCall) (string, error) {
	if call.Name != KnowledgeSearchTool {
		return "", fmt.Errorf("tool %s is not available", call.Name)
	}
	var args searchArgs
	if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
		return "", fmt.Errorf("invalid arguments: %w", err)
	}
	args.Query = strings.TrimSpace(args.Query)
	if args.Query == "" {
		return "", fmt.Errorf("query is required")
	}
	if args.K <= 0 || args.K > maxToolResults {
		args.K = 5
	}

	results, err := t.search.RelevantContext(ctx, args.Query, userID, args.K)
	if err != nil {
		return "", fmt.Errorf("search failed: %w", err)
	}
	hits := make([]searchHit, 0, len(results))
	for _, r := range results {
		hits = append(hits, searchHit{Source: knowledge.FormatCitation(r.Metadata), Text: r.Text, Score: r.Score})
	}
	out, err := json.Marshal(hits)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
