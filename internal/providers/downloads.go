package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	apperrors "github.com/aihub/chat-backend/internal/errors"
	"github.com/aihub/chat-backend/internal/logger"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DownloadStatus 模型下载任务状态
type DownloadStatus string

const (
	DownloadPending         DownloadStatus = "pending"
	DownloadPullingManifest DownloadStatus = "pulling_manifest"
	DownloadDownloading     DownloadStatus = "downloading"
	DownloadSuccess         DownloadStatus = "success"
	DownloadFailed          DownloadStatus = "failed"
)

func (s DownloadStatus) finished() bool {
	return s == DownloadSuccess || s == DownloadFailed
}

// DownloadTask 对外暴露的任务快照
type DownloadTask struct {
	TaskID         string         `json:"task_id"`
	Model          string         `json:"model"`
	Status         DownloadStatus `json:"status"`
	Progress       float64        `json:"progress"`
	Completed      int64          `json:"completed"`
	Total          int64          `json:"total"`
	Error          string         `json:"error,omitempty"`
	ElapsedSeconds float64        `json:"elapsed_seconds"`

	startedAt  time.Time
	finishedAt time.Time
}

// DownloadManager 本地推理服务的模型拉取与删除
type DownloadManager struct {
	client    *http.Client
	syncHTTP  *http.Client
	retention time.Duration
	log       *zap.Logger

	mu     sync.Mutex
	tasks  map[string]*DownloadTask
	active map[string]string // endpoint+model -> task id
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewDownloadManager(retention time.Duration) *DownloadManager {
	if retention <= 0 {
		retention = time.Hour
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &DownloadManager{
		client:    newStreamClient(),
		syncHTTP:  newSyncClient(60 * time.Second),
		retention: retention,
		log:       logger.Named("model_downloads"),
		tasks:     make(map[string]*DownloadTask),
		active:    make(map[string]string),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Pull 后台拉取模型；同一服务地址上同一模型已有进行中任务时返回已有 id
func (m *DownloadManager) Pull(endpoint, model string) (string, error) {
	model = strings.TrimSpace(model)
	if model == "" {
		return "", apperrors.NewInvalidInputError("model", "model name is required")
	}
	if endpoint == "" {
		endpoint = defaultOllamaEndpoint
	}
	key := pullKey(endpoint, model)

	m.mu.Lock()
	m.pruneLocked(time.Now())
	if id, ok := m.active[key]; ok {
		m.mu.Unlock()
		return id, nil
	}
	task := &DownloadTask{
		TaskID:    uuid.NewString(),
		Model:     model,
		Status:    DownloadPending,
		startedAt: time.Now(),
	}
	m.tasks[task.TaskID] = task
	m.active[key] = task.TaskID
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		err := m.run(m.ctx, endpoint, task.TaskID, model)
		m.finish(task.TaskID, key, model, err)
	}()

	m.log.Info("model pull started", zap.String("task_id", task.TaskID), zap.String("model", model))
	return task.TaskID, nil
}

func pullKey(endpoint, model string) string {
	return strings.TrimRight(endpoint, "/") + "|" + model
}

type pullProgress struct {
	Status    string `json:"status"`
	Digest    string `json:"digest"`
	Total     int64  `json:"total"`
	Completed int64  `json:"completed"`
	Error     string `json:"error"`
}

func (m *DownloadManager) run(ctx context.Context, endpoint, taskID, model string) error {
	body, _ := json.Marshal(map[string]interface{}{"name": model, "stream": true})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(endpoint, "/")+"/api/pull", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	m.update(taskID, func(t *DownloadTask) { t.Status = DownloadPullingManifest })
	resp, err := m.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return statusError(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var p pullProgress
		if err := json.Unmarshal(line, &p); err != nil {
			return badResponse("failed to parse pull progress: %v", err)
		}
		if p.Error != "" {
			return fmt.Errorf("%s", p.Error)
		}
		if p.Status == "success" {
			return nil
		}
		m.update(taskID, func(t *DownloadTask) {
			switch {
			case strings.HasPrefix(p.Status, "pulling manifest"):
				t.Status = DownloadPullingManifest
			case p.Total > 0:
				t.Status = DownloadDownloading
				t.Total = p.Total
				t.Completed = p.Completed
				t.Progress = float64(p.Completed) * 100 / float64(p.Total)
			}
		})
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return badResponse("pull stream ended without success")
}

func (m *DownloadManager) update(taskID string, fn func(*DownloadTask)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tasks[taskID]; ok {
		fn(t)
	}
}

func (m *DownloadManager) finish(taskID, key, model string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.active, key)
	t, ok := m.tasks[taskID]
	if !ok {
		return
	}
	t.finishedAt = time.Now()
	if err != nil {
		t.Status = DownloadFailed
		t.Error = err.Error()
		m.log.Warn("model pull failed", zap.String("task_id", taskID), zap.String("model", model), zap.Error(err))
		return
	}
	t.Status = DownloadSuccess
	t.Progress = 100
	if t.Total > 0 {
		t.Completed = t.Total
	}
	m.log.Info("model pull finished", zap.String("task_id", taskID), zap.String("model", model))
}

// Status 查询任务，过期或不存在时返回 NotFound
func (m *DownloadManager) Status(taskID string) (DownloadTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	m.pruneLocked(now)
	t, ok := m.tasks[taskID]
	if !ok {
		return DownloadTask{}, apperrors.NewNotFoundError("download task")
	}
	snapshot := *t
	end := now
	if t.Status.finished() {
		end = t.finishedAt
	}
	snapshot.ElapsedSeconds = end.Sub(t.startedAt).Seconds()
	return snapshot, nil
}

func (m *DownloadManager) pruneLocked(now time.Time) {
	for id, t := range m.tasks {
		if t.Status.finished() && now.Sub(t.finishedAt) > m.retention {
			delete(m.tasks, id)
		}
	}
}

// Delete 删除本地模型
func (m *DownloadManager) Delete(ctx context.Context, endpoint, model string) error {
	if strings.TrimSpace(model) == "" {
		return apperrors.NewInvalidInputError("model", "model name is required")
	}
	if endpoint == "" {
		endpoint = defaultOllamaEndpoint
	}
	body, _ := json.Marshal(map[string]string{"name": model})
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, strings.TrimRight(endpoint, "/")+"/api/delete", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := m.syncHTTP.Do(req)
	if err != nil {
		return apperrors.NewProviderError(apperrors.ProviderUpstreamUnavailable, err.Error())
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return statusError(resp)
	}
	m.log.Info("model deleted", zap.String("model", model))
	return nil
}

// Close 取消进行中的拉取并等待退出
func (m *DownloadManager) Close() {
	m.cancel()
	m.wg.Wait()
}
