package knowledge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/aihub/chat-backend/internal/config"
	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
)

// ElasticsearchIndex 分块全文镜像，所有用户共用一个索引
type ElasticsearchIndex struct {
	client *elasticsearch.Client
	index  string

	mu    sync.Mutex
	ready bool
}

// NewElasticsearchIndex 未启用或未配置地址时返回 nil
func NewElasticsearchIndex(cfg config.ElasticsearchConfig) (*ElasticsearchIndex, error) {
	if !cfg.Enabled || len(cfg.Addresses) == 0 {
		return nil, nil
	}
	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: cfg.Addresses,
		Username:  cfg.Username,
		Password:  cfg.Password,
		APIKey:    cfg.APIKey,
	})
	if err != nil {
		return nil, err
	}
	return newElasticsearchIndex(client, cfg.IndexPrefix), nil
}

func newElasticsearchIndex(client *elasticsearch.Client, prefix string) *ElasticsearchIndex {
	if prefix == "" {
		prefix = "knowledge"
	}
	return &ElasticsearchIndex{client: client, index: prefix + "_chunks"}
}

func (e *ElasticsearchIndex) ensureIndex(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ready {
		return nil
	}

	resp, err := esapi.IndicesExistsRequest{Index: []string{e.index}}.Do(ctx, e.client)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		e.ready = true
		return nil
	}

	mapping := map[string]interface{}{
		"mappings": map[string]interface{}{
			"properties": map[string]interface{}{
				"knowledge_id": map[string]interface{}{"type": "keyword"},
				"user_id":      map[string]interface{}{"type": "keyword"},
				"ordinal":      map[string]interface{}{"type": "integer"},
				"text": map[string]interface{}{
					"type":          "text",
					"index_options": "offsets",
				},
				"metadata": map[string]interface{}{"type": "object", "enabled": false},
			},
		},
	}
	body, _ := json.Marshal(mapping)
	createResp, err := esapi.IndicesCreateRequest{Index: e.index, Body: bytes.NewReader(body)}.Do(ctx, e.client)
	if err != nil {
		return err
	}
	defer createResp.Body.Close()
	// 并发创建时对方已建好
	if createResp.IsError() && createResp.StatusCode != http.StatusBadRequest {
		return fmt.Errorf("create index error: %s", createResp.String())
	}
	e.ready = true
	return nil
}

type esChunkDoc struct {
	KnowledgeID string                 `json:"knowledge_id"`
	UserID      string                 `json:"user_id"`
	Ordinal     int                    `json:"ordinal"`
	Text        string                 `json:"text"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// Index 批量写入，分块 id 作为文档 id，重复写入即覆盖
func (e *ElasticsearchIndex) Index(ctx context.Context, records []ChunkRecord) error {
	if len(records) == 0 {
		return nil
	}
	if err := e.ensureIndex(ctx); err != nil {
		return err
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, r := range records {
		action := map[string]interface{}{"index": map[string]interface{}{"_index": e.index, "_id": r.ID}}
		if err := enc.Encode(action); err != nil {
			return err
		}
		if err := enc.Encode(esChunkDoc{
			KnowledgeID: r.KnowledgeID,
			UserID:      r.UserID,
			Ordinal:     r.Ordinal,
			Text:        r.Text,
			Metadata:    r.Metadata,
		}); err != nil {
			return err
		}
	}

	resp, err := esapi.BulkRequest{Body: &buf, Refresh: "true"}.Do(ctx, e.client)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.IsError() {
		return fmt.Errorf("bulk index error: %s", resp.String())
	}

	var result struct {
		Errors bool `json:"errors"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil && result.Errors {
		return fmt.Errorf("bulk index reported item errors")
	}
	return nil
}

func termFilters(filter Filter) []interface{} {
	var terms []interface{}
	if filter.UserID != "" {
		terms = append(terms, map[string]interface{}{"term": map[string]interface{}{"user_id": filter.UserID}})
	}
	if filter.KnowledgeID != "" {
		terms = append(terms, map[string]interface{}{"term": map[string]interface{}{"knowledge_id": filter.KnowledgeID}})
	}
	return terms
}

func (e *ElasticsearchIndex) Delete(ctx context.Context, filter Filter) error {
	if filter.empty() {
		return fmt.Errorf("refusing to delete without a filter")
	}
	if err := e.ensureIndex(ctx); err != nil {
		return err
	}
	query := map[string]interface{}{
		"query": map[string]interface{}{
			"bool": map[string]interface{}{"filter": termFilters(filter)},
		},
	}
	body, _ := json.Marshal(query)
	refresh := true
	resp, err := esapi.DeleteByQueryRequest{
		Index:   []string{e.index},
		Body:    bytes.NewReader(body),
		Refresh: &refresh,
	}.Do(ctx, e.client)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.IsError() {
		return fmt.Errorf("delete by query error: %s", resp.String())
	}
	return nil
}

// List 按序号列出过滤后的分块
func (e *ElasticsearchIndex) List(ctx context.Context, filter Filter, limit int) ([]ChunkRecord, error) {
	if err := e.ensureIndex(ctx); err != nil {
		return nil, err
	}
	query := map[string]interface{}{"match_all": map[string]interface{}{}}
	if !filter.empty() {
		query = map[string]interface{}{
			"bool": map[string]interface{}{"filter": termFilters(filter)},
		}
	}
	body := map[string]interface{}{
		"size":  limit,
		"query": query,
		"sort": []interface{}{
			map[string]interface{}{"knowledge_id": "asc"},
			map[string]interface{}{"ordinal": "asc"},
		},
	}
	payload, _ := json.Marshal(body)
	resp, err := esapi.SearchRequest{
		Index: []string{e.index},
		Body:  bytes.NewReader(payload),
	}.Do(ctx, e.client)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.IsError() {
		return nil, fmt.Errorf("search error: %s", resp.String())
	}

	var result struct {
		Hits struct {
			Hits []struct {
				ID     string     `json:"_id"`
				Source esChunkDoc `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}

	records := make([]ChunkRecord, 0, len(result.Hits.Hits))
	for _, h := range result.Hits.Hits {
		records = append(records, ChunkRecord{
			ID:          h.ID,
			KnowledgeID: h.Source.KnowledgeID,
			UserID:      h.Source.UserID,
			Ordinal:     h.Source.Ordinal,
			Text:        h.Source.Text,
			Metadata:    h.Source.Metadata,
		})
	}
	return records, nil
}
