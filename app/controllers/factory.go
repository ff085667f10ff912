package controllers

import (
	"go.uber.org/dig"

	"github.com/aihub/chat-backend/internal/config"
	"github.com/aihub/chat-backend/internal/services"
)

// ControllerFactory 控制器工厂
type ControllerFactory struct {
	container *dig.Container
}

// NewControllerFactory 创建控制器工厂
func NewControllerFactory(container *dig.Container) *ControllerFactory {
	return &ControllerFactory{
		container: container,
	}
}

// CreateChatController 创建对话控制器
func (f *ControllerFactory) CreateChatController() (*ChatController, error) {
	c := &ChatController{}
	err := f.container.Invoke(func(chat *services.ChatService) {
		c.Chat = chat
	})
	return c, err
}

// CreateKnowledgeController 创建知识文档控制器
func (f *ControllerFactory) CreateKnowledgeController() (*KnowledgeController, error) {
	c := &KnowledgeController{}
	err := f.container.Invoke(func(ks *services.KnowledgeService, cfg *config.Config) {
		c.Knowledge = ks
		c.MaxUploadBytes = cfg.Knowledge.MaxUploadBytes
	})
	return c, err
}

// CreateModelController 创建模型控制器
func (f *ControllerFactory) CreateModelController() (*ModelController, error) {
	c := &ModelController{}
	err := f.container.Invoke(func(ms *services.ModelService) {
		c.Models = ms
	})
	return c, err
}

// CreateProviderController 创建提供商配置控制器
func (f *ControllerFactory) CreateProviderController() (*ProviderController, error) {
	c := &ProviderController{}
	err := f.container.Invoke(func(ps *services.ProviderService) {
		c.Providers = ps
	})
	return c, err
}

// CreateConversationController 创建会话控制器
func (f *ControllerFactory) CreateConversationController() (*ConversationController, error) {
	c := &ConversationController{}
	err := f.container.Invoke(func(cs *services.ConversationService) {
		c.Conversations = cs
	})
	return c, err
}

// CreateMetricsController 创建指标控制器
func (f *ControllerFactory) CreateMetricsController() (*MetricsController, error) {
	c := &MetricsController{}
	err := f.container.Invoke(func(ms *services.MetricsService) {
		c.Service = ms
	})
	return c, err
}
